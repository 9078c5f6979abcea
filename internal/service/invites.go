package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrInviteUnavailable means the platform would not mint a link after all retries
var ErrInviteUnavailable = errors.New("invite link unavailable")

// InvitePlatform is the messaging platform that mints and revokes single-use group links
type InvitePlatform interface {
	CreateInviteLink(ctx context.Context, groupID string, expiresAt time.Time, memberLimit int) (string, error)
	RevokeInviteLink(ctx context.Context, groupID, link string) error
}

// InviteConfig controls invite validity and creation retries
type InviteConfig struct {
	TTL      time.Duration
	Attempts int
	Backoff  time.Duration
}

// InviteManager issues, resends, consumes and revokes single-use invites.
// The ledger row's revoked flag is authoritative; platform revocation is best-effort.
type InviteManager struct {
	store    *store.Store
	machine  *OrderStateMachine
	platform InvitePlatform
	msg      *messenger
	cfg      InviteConfig
	now      Clock
	logger   *zap.Logger
}

// NewInviteManager creates a new invite manager
func NewInviteManager(
	store *store.Store,
	machine *OrderStateMachine,
	platform InvitePlatform,
	notifier Notifier,
	cfg InviteConfig,
	now Clock,
) *InviteManager {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	return &InviteManager{
		store:    store,
		machine:  machine,
		platform: platform,
		msg:      newMessenger(notifier, now),
		cfg:      cfg,
		now:      now,
		logger:   util.ComponentLogger("invites"),
	}
}

// Issue returns the order's live invite, minting one only when none is valid.
// created is false when an existing invite was found (including one written by a
// concurrent issuer that beat this call to the ledger).
func (im *InviteManager) Issue(ctx context.Context, order *models.Order, product *models.Product) (*models.Invite, bool, error) {
	ctx, span := util.StartOrderSpan(ctx, "InviteManager.Issue", order.ExternalReference)
	defer span.End()

	now := im.now()
	if n, err := im.store.SupersedeExpiredInvites(ctx, order.ID, now); err != nil {
		return nil, false, fmt.Errorf("failed to supersede expired invites: %w", err)
	} else if n > 0 {
		util.InvitesRevokedTotal.WithLabelValues(models.RevokeSuperseded).Add(float64(n))
	}

	active, err := im.store.ActiveInviteForOrder(ctx, order.ID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up active invite: %w", err)
	}
	if active != nil {
		return active, false, nil
	}

	expiresAt := now.Add(im.cfg.TTL)
	link, err := im.createLink(ctx, product.GroupID, expiresAt)
	if err != nil {
		return nil, false, err
	}

	inv := &models.Invite{
		OrderID:     order.ID,
		UserID:      order.UserID,
		GroupID:     product.GroupID,
		InviteToken: link,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}
	err = im.store.CreateInvite(ctx, inv)
	if errors.Is(err, store.ErrDuplicate) {
		// Another issuer persisted first; retire our link so only one stays valid.
		im.revokeAtPlatform(ctx, product.GroupID, link, order.ExternalReference)
		winner, lookupErr := im.store.ActiveInviteForOrder(ctx, order.ID, im.now())
		if lookupErr != nil {
			return nil, false, fmt.Errorf("failed to load winning invite: %w", lookupErr)
		}
		if winner == nil {
			return nil, false, fmt.Errorf("invite for %s vanished after conflict: %w", order.ExternalReference, ErrInviteUnavailable)
		}
		return winner, false, nil
	}
	if err != nil {
		im.revokeAtPlatform(ctx, product.GroupID, link, order.ExternalReference)
		return nil, false, fmt.Errorf("failed to persist invite: %w", err)
	}

	util.InvitesIssuedTotal.Inc()
	im.logger.Info("Invite issued",
		zap.String("external_reference", order.ExternalReference),
		zap.Int64("invite_id", inv.ID),
		zap.Time("expires_at", inv.ExpiresAt))
	return inv, true, nil
}

// Deliver issues (or finds) the order's invite and sends the link to the buyer.
// An existing link is only re-sent when resend is set.
func (im *InviteManager) Deliver(ctx context.Context, order *models.Order, product *models.Product, resend bool) (models.Outcome, error) {
	inv, created, err := im.Issue(ctx, order, product)
	if err != nil {
		return models.Outcome{}, err
	}
	if !created && !resend {
		return models.Accepted(models.ReasonAlreadyDelivered, order.Status), nil
	}

	ttl := inv.ExpiresAt.Sub(im.now())
	im.msg.sendInviteLink(ctx, order, inv.InviteToken, ttl)
	if created {
		return models.Accepted(models.ReasonInviteIssued, order.Status), nil
	}
	return models.Accepted(models.ReasonInviteResent, order.Status), nil
}

func (im *InviteManager) createLink(ctx context.Context, groupID string, expiresAt time.Time) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = im.cfg.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0

	link, err := backoff.Retry(ctx, func() (string, error) {
		return im.platform.CreateInviteLink(ctx, groupID, expiresAt, 1)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(im.cfg.Attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			im.logger.Warn("Invite link creation failed, retrying",
				zap.String("group_id", groupID),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
	if err != nil {
		util.InviteIssueFailuresTotal.Inc()
		return "", fmt.Errorf("%w: %v", ErrInviteUnavailable, err)
	}
	return link, nil
}

func (im *InviteManager) revokeAtPlatform(ctx context.Context, groupID, link, ref string) {
	if err := im.platform.RevokeInviteLink(ctx, groupID, link); err != nil {
		im.logger.Warn("Platform revocation failed; ledger row stays authoritative",
			zap.String("external_reference", ref),
			zap.String("group_id", groupID),
			zap.Error(err))
		im.msg.alert(ctx, models.OperatorAlert{
			Kind:              models.AlertRevokeFailed,
			ExternalReference: ref,
			Message:           fmt.Sprintf("could not revoke invite link in group %s: %v", groupID, err),
		})
	}
}

// HandleJoin consumes a membership-join event. The invite is resolved by
// credential first, then by (user, group, live). The rightful buyer completes
// the order; anyone else burns the invite without touching the order.
func (im *InviteManager) HandleJoin(ctx context.Context, evt *models.MembershipJoinEvent) models.Outcome {
	ctx, span := util.StartSpan(ctx, "InviteManager.HandleJoin")
	defer span.End()

	outcome := im.handleJoin(ctx, evt)
	util.SetOutcome(span, outcome.Result, outcome.Reason)
	util.CoreOutcomesTotal.WithLabelValues("join", outcome.Result, outcome.Reason).Inc()
	return outcome
}

func (im *InviteManager) handleJoin(ctx context.Context, evt *models.MembershipJoinEvent) models.Outcome {
	inv, err := im.resolveInvite(ctx, evt)
	if err != nil {
		im.logger.Error("Failed to resolve invite for join", zap.Error(err))
		return models.Deferred(models.ReasonLedgerError, "")
	}
	if inv == nil {
		im.logger.Debug("Join without matching invite",
			zap.Int64("user_id", evt.JoiningUserID),
			zap.String("group_id", evt.GroupID))
		return models.Accepted(models.ReasonNoMatchingInvite, "")
	}

	order, err := im.store.GetOrderByID(ctx, inv.OrderID)
	if err != nil {
		im.logger.Error("Failed to load invite order", zap.Int64("invite_id", inv.ID), zap.Error(err))
		return models.Deferred(models.ReasonLedgerError, "")
	}
	if order == nil {
		im.logger.Warn("Invite references missing order", zap.Int64("invite_id", inv.ID))
		return models.Accepted(models.ReasonUnknownOrder, "")
	}

	if inv.GroupID != evt.GroupID {
		// The credential belongs to another group; leave the invite and the order alone.
		im.msg.alert(ctx, models.OperatorAlert{
			Kind:              models.AlertGroupMismatch,
			ExternalReference: order.ExternalReference,
			ProductID:         order.ProductID,
			UserID:            evt.JoiningUserID,
			Message: fmt.Sprintf("invite %d for group %s presented on join to group %s by user %d",
				inv.ID, inv.GroupID, evt.GroupID, evt.JoiningUserID),
		})
		return models.Accepted(models.ReasonGroupMismatch, order.Status)
	}

	if inv.Revoked {
		if im.awaitsCompletion(inv, order, evt) {
			// Redeemed earlier but the completion never landed.
			return im.completeAfterJoin(ctx, inv, order)
		}
		im.msg.alert(ctx, models.OperatorAlert{
			Kind:              models.AlertDuplicateRedemption,
			ExternalReference: order.ExternalReference,
			UserID:            evt.JoiningUserID,
			Message: fmt.Sprintf("join by user %d on already revoked invite %d (intended user %d)",
				evt.JoiningUserID, inv.ID, inv.UserID),
		})
		return models.Accepted(models.ReasonInviteRevoked, order.Status)
	}

	if evt.JoiningUserID != inv.UserID {
		return im.enforceAntiLeak(ctx, inv, order, evt)
	}
	return im.consume(ctx, inv, order)
}

// resolveInvite looks the invite up by credential, then by live (user, group),
// then by an invite the same user already redeemed whose order is still paid.
func (im *InviteManager) resolveInvite(ctx context.Context, evt *models.MembershipJoinEvent) (*models.Invite, error) {
	if evt.CredentialToken != "" {
		inv, err := im.store.GetInviteByToken(ctx, evt.CredentialToken)
		if err != nil || inv != nil {
			return inv, err
		}
	}
	inv, err := im.store.ActiveInviteForMember(ctx, evt.JoiningUserID, evt.GroupID, im.now())
	if err != nil || inv != nil {
		return inv, err
	}
	return im.store.ConsumedInviteAwaitingCompletion(ctx, evt.JoiningUserID, evt.GroupID)
}

// awaitsCompletion reports whether a revoked invite was redeemed by its own
// buyer while the order stayed paid. Invites burnt for any other reason never
// complete an order.
func (im *InviteManager) awaitsCompletion(inv *models.Invite, order *models.Order, evt *models.MembershipJoinEvent) bool {
	return inv.RevokeReason == models.RevokeConsumed &&
		evt.JoiningUserID == inv.UserID &&
		order.Status == models.OrderStatusPaid
}

func (im *InviteManager) enforceAntiLeak(ctx context.Context, inv *models.Invite, order *models.Order, evt *models.MembershipJoinEvent) models.Outcome {
	revoked, err := im.store.RevokeInvite(ctx, inv.ID, models.RevokeAntiLeak)
	if err != nil {
		im.logger.Error("Failed to revoke leaked invite", zap.Int64("invite_id", inv.ID), zap.Error(err))
		return models.Deferred(models.ReasonLedgerError, order.Status)
	}
	if !revoked {
		return models.Accepted(models.ReasonInviteRevoked, order.Status)
	}
	util.InvitesRevokedTotal.WithLabelValues(models.RevokeAntiLeak).Inc()

	im.revokeAtPlatform(ctx, inv.GroupID, inv.InviteToken, order.ExternalReference)
	im.msg.alert(ctx, models.OperatorAlert{
		Kind:              models.AlertAntiLeak,
		ExternalReference: order.ExternalReference,
		ProductID:         order.ProductID,
		UserID:            evt.JoiningUserID,
		Message: fmt.Sprintf("invite %d used by user %d instead of %d; revoked",
			inv.ID, evt.JoiningUserID, inv.UserID),
	})
	return models.Accepted(models.ReasonAntiLeak, order.Status)
}

func (im *InviteManager) consume(ctx context.Context, inv *models.Invite, order *models.Order) models.Outcome {
	revoked, err := im.store.RevokeInvite(ctx, inv.ID, models.RevokeConsumed)
	if err != nil {
		im.logger.Error("Failed to consume invite", zap.Int64("invite_id", inv.ID), zap.Error(err))
		return models.Deferred(models.ReasonLedgerError, order.Status)
	}
	if !revoked {
		// A concurrent join event for the same invite already consumed it.
		return models.Accepted(models.ReasonInviteRevoked, order.Status)
	}
	util.InvitesRevokedTotal.WithLabelValues(models.RevokeConsumed).Inc()

	im.revokeAtPlatform(ctx, inv.GroupID, inv.InviteToken, order.ExternalReference)
	return im.completeAfterJoin(ctx, inv, order)
}

// completeAfterJoin moves a paid order to completed once its invite is consumed.
// A ledger failure defers the join so a replay can finish the transition.
func (im *InviteManager) completeAfterJoin(ctx context.Context, inv *models.Invite, order *models.Order) models.Outcome {
	completed, err := im.machine.Transition(ctx, order.ExternalReference, models.OrderStatusPaid, models.OrderStatusCompleted)
	if err != nil {
		im.logger.Error("Failed to complete order after join",
			zap.String("external_reference", order.ExternalReference),
			zap.Error(err))
		return models.Deferred(models.ReasonLedgerError, order.Status)
	}
	if !completed {
		current, err := im.store.GetOrderByID(ctx, order.ID)
		if err != nil || current == nil {
			return models.Deferred(models.ReasonLedgerError, order.Status)
		}
		return models.Accepted(models.ReasonJoinCompleted, current.Status)
	}

	util.OrdersCompletedTotal.WithLabelValues(models.DeliveryGroupInvite).Inc()
	im.msg.tellBuyer(ctx, order, "You have joined the group. The one-time invite link has been revoked and your order is complete.")
	im.msg.alert(ctx, models.OperatorAlert{
		Kind:              models.AlertOrderCompleted,
		ExternalReference: order.ExternalReference,
		ProductID:         order.ProductID,
		UserID:            order.UserID,
		Message:           fmt.Sprintf("user %d joined group %s; order %s amount %s completed", order.UserID, inv.GroupID, order.ExternalReference, order.Amount.StringFixed(2)),
	})
	return models.Accepted(models.ReasonJoinCompleted, models.OrderStatusCompleted)
}
