package telegram

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// Notifier sends delivery instructions straight to buyers and alerts to the
// operator chat, for deployments without a separate notification service.
type Notifier struct {
	client      *Client
	adminChatID int64
}

// NewNotifier creates a notifier. Alerts are dropped when adminChatID is 0.
func NewNotifier(client *Client, adminChatID int64) *Notifier {
	return &Notifier{client: client, adminChatID: adminChatID}
}

// Deliver renders the instruction and sends it to the buyer
func (n *Notifier) Deliver(ctx context.Context, ins *models.DeliveryInstruction) error {
	return n.client.SendMessage(ctx, ins.UserID, RenderDelivery(ins))
}

// Alert sends an operator alert to the admin chat
func (n *Notifier) Alert(ctx context.Context, alert *models.OperatorAlert) error {
	if n.adminChatID == 0 {
		return nil
	}
	return n.client.SendMessage(ctx, n.adminChatID, RenderAlert(alert))
}

// RenderDelivery formats a delivery instruction as buyer-facing text
func RenderDelivery(ins *models.DeliveryInstruction) string {
	switch ins.Kind {
	case models.DeliverySendInviteLink:
		return fmt.Sprintf("Order %s\nYour one-time invite link (valid for %s, single use):\n%s",
			ins.ExternalReference, ins.TTL.Round(time.Minute), ins.Link)
	case models.DeliverySendSecret:
		return fmt.Sprintf("Order %s\nYour purchase:\n%s", ins.ExternalReference, ins.SecretText)
	case models.DeliveryReportExhausted:
		return fmt.Sprintf("Order %s\nPayment received, but this item is temporarily out of stock. "+
			"The shop has been notified; use recheck once it is restocked.", ins.ExternalReference)
	case models.DeliveryReportMissingProduct:
		return fmt.Sprintf("Order %s\nPayment received, but the product is currently unavailable. "+
			"The shop has been notified and will resolve it manually.", ins.ExternalReference)
	default:
		if ins.ExternalReference == "" {
			return ins.Text
		}
		return fmt.Sprintf("Order %s\n%s", ins.ExternalReference, ins.Text)
	}
}

// RenderAlert formats an operator alert
func RenderAlert(a *models.OperatorAlert) string {
	text := fmt.Sprintf("[%s] %s", a.Kind, a.Message)
	if a.ExternalReference != "" {
		text += "\norder: " + a.ExternalReference
	}
	if a.UserID != 0 {
		text += fmt.Sprintf("\nuser: %d", a.UserID)
	}
	return text
}
