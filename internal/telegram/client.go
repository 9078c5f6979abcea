package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// APIError is a Bot API call that returned ok=false
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.Code, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// Client talks to the Telegram Bot API
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a Bot API client. httpClient may be nil.
func NewClient(apiURL, botToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(apiURL, "/") + "/bot" + botToken,
		http:    httpClient,
		logger:  util.ComponentLogger("telegram"),
	}
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var res apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("telegram %s: bad response (http %d): %w", method, resp.StatusCode, err)
	}
	if !res.OK {
		return &APIError{Method: method, Code: res.ErrorCode, Description: res.Description}
	}
	if out != nil {
		if err := json.Unmarshal(res.Result, out); err != nil {
			return fmt.Errorf("telegram %s: bad result: %w", method, err)
		}
	}
	return nil
}

type chatInviteLink struct {
	InviteLink string `json:"invite_link"`
	IsRevoked  bool   `json:"is_revoked"`
}

// CreateInviteLink mints an invite link for a chat that stops working at
// expiresAt or after memberLimit joins.
func (c *Client) CreateInviteLink(ctx context.Context, groupID string, expiresAt time.Time, memberLimit int) (string, error) {
	ctx, span := util.StartSpan(ctx, "TelegramClient.CreateInviteLink")
	defer span.End()

	var link chatInviteLink
	err := c.call(ctx, "createChatInviteLink", map[string]interface{}{
		"chat_id":      groupID,
		"expire_date":  expiresAt.Unix(),
		"member_limit": memberLimit,
	}, &link)
	if err != nil {
		return "", err
	}
	if link.InviteLink == "" {
		return "", fmt.Errorf("telegram createChatInviteLink returned no link")
	}
	return link.InviteLink, nil
}

// RevokeInviteLink invalidates an invite link
func (c *Client) RevokeInviteLink(ctx context.Context, groupID, link string) error {
	ctx, span := util.StartSpan(ctx, "TelegramClient.RevokeInviteLink")
	defer span.End()

	return c.call(ctx, "revokeChatInviteLink", map[string]interface{}{
		"chat_id":     groupID,
		"invite_link": link,
	}, nil)
}

// SendMessage sends a plain text message to a chat or user
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}, nil)
}
