package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

const inviteColumns = "id, order_id, user_id, group_id, invite_token, created_at, expires_at, revoked, revoke_reason"

type inviteRow struct {
	ID           int64  `db:"id"`
	OrderID      int64  `db:"order_id"`
	UserID       int64  `db:"user_id"`
	GroupID      string `db:"group_id"`
	InviteToken  string `db:"invite_token"`
	CreatedAt    int64  `db:"created_at"`
	ExpiresAt    int64  `db:"expires_at"`
	Revoked      bool   `db:"revoked"`
	RevokeReason string `db:"revoke_reason"`
}

func (r inviteRow) toModel() *models.Invite {
	return &models.Invite{
		ID:           r.ID,
		OrderID:      r.OrderID,
		UserID:       r.UserID,
		GroupID:      r.GroupID,
		InviteToken:  r.InviteToken,
		CreatedAt:    fromMillis(r.CreatedAt),
		ExpiresAt:    fromMillis(r.ExpiresAt),
		Revoked:      r.Revoked,
		RevokeReason: r.RevokeReason,
	}
}

// CreateInvite persists a freshly issued invite. ErrDuplicate means the order
// already has a live (non-revoked) invite row.
func (s *Store) CreateInvite(ctx context.Context, inv *models.Invite) error {
	query := s.q(`
		INSERT INTO invites (order_id, user_id, group_id, invite_token, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := s.db.GetContext(ctx, &inv.ID, query,
		inv.OrderID, inv.UserID, inv.GroupID, inv.InviteToken,
		toMillis(inv.CreatedAt), toMillis(inv.ExpiresAt), false)
	if isUniqueViolation(err) {
		return fmt.Errorf("invite for order %d: %w", inv.OrderID, ErrDuplicate)
	}
	return err
}

// ActiveInviteForOrder returns the non-revoked, unexpired invite of an order, nil when none
func (s *Store) ActiveInviteForOrder(ctx context.Context, orderID int64, now time.Time) (*models.Invite, error) {
	var row inviteRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT `+inviteColumns+` FROM invites
		WHERE order_id = ? AND revoked = ? AND expires_at > ?
		ORDER BY id DESC
		LIMIT 1`), orderID, false, toMillis(now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// GetInviteByToken resolves an invite by its credential, nil when unknown
func (s *Store) GetInviteByToken(ctx context.Context, token string) (*models.Invite, error) {
	var row inviteRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT `+inviteColumns+` FROM invites
		WHERE invite_token = ?
		ORDER BY id DESC
		LIMIT 1`), token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ActiveInviteForMember finds the newest live invite addressed to a user for a group
func (s *Store) ActiveInviteForMember(ctx context.Context, userID int64, groupID string, now time.Time) (*models.Invite, error) {
	var row inviteRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT `+inviteColumns+` FROM invites
		WHERE user_id = ? AND group_id = ? AND revoked = ? AND expires_at > ?
		ORDER BY id DESC
		LIMIT 1`), userID, groupID, false, toMillis(now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// RevokeInvite flips revoked=true only if it was still false and records why.
// false means the invite was already revoked.
func (s *Store) RevokeInvite(ctx context.Context, inviteID int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE invites SET revoked = ?, revoke_reason = ? WHERE id = ? AND revoked = ?"), true, reason, inviteID, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SupersedeExpiredInvites revokes an order's expired but still live rows so a fresh one can be issued
func (s *Store) SupersedeExpiredInvites(ctx context.Context, orderID int64, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE invites SET revoked = ?, revoke_reason = ? WHERE order_id = ? AND revoked = ? AND expires_at <= ?"),
		true, models.RevokeSuperseded, orderID, false, toMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ConsumedInviteAwaitingCompletion finds the newest invite a user already
// redeemed for a group whose order is still paid, nil when none
func (s *Store) ConsumedInviteAwaitingCompletion(ctx context.Context, userID int64, groupID string) (*models.Invite, error) {
	var row inviteRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT i.id, i.order_id, i.user_id, i.group_id, i.invite_token,
		       i.created_at, i.expires_at, i.revoked, i.revoke_reason
		FROM invites i
		JOIN orders o ON o.id = i.order_id
		WHERE i.user_id = ? AND i.group_id = ? AND i.revoke_reason = ? AND o.status = ?
		ORDER BY i.id DESC
		LIMIT 1`), userID, groupID, models.RevokeConsumed, models.OrderStatusPaid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListInvitesByOrder returns every invite ever issued for an order, oldest first
func (s *Store) ListInvitesByOrder(ctx context.Context, orderID int64) ([]*models.Invite, error) {
	var rows []inviteRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+inviteColumns+" FROM invites WHERE order_id = ? ORDER BY id"), orderID)
	if err != nil {
		return nil, err
	}
	invites := make([]*models.Invite, 0, len(rows))
	for _, r := range rows {
		invites = append(invites, r.toModel())
	}
	return invites, nil
}
