package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePaymentConfirmed  = "PAYMENT_CONFIRMED"
	EventTypeOrderRecheck      = "ORDER_RECHECK"
	EventTypeMembershipJoined  = "MEMBERSHIP_JOINED"
	EventTypeFulfillmentJob    = "FULFILLMENT_JOB"
	EventTypeDelivery          = "DELIVERY_INSTRUCTION"
	EventTypeOperatorAlert     = "OPERATOR_ALERT"
	EventTypeOrderStatusChange = "ORDER_STATUS_CHANGED"
)

// Gateway statuses on a normalized payment event
const (
	GatewayStatusSuccess = "success"
	GatewayStatusOther   = "other"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentEvent is a gateway confirmation already authenticated upstream
type PaymentEvent struct {
	ExternalReference string          `json:"external_reference" binding:"required"`
	ConfirmedAmount   decimal.Decimal `json:"confirmed_amount"`
	GatewayStatus     string          `json:"gateway_status" binding:"required"`
}

// RecheckCommand is a buyer asking the system to re-evaluate an order
type RecheckCommand struct {
	ExternalReference string `json:"external_reference" binding:"required"`
	RequestingUserID  int64  `json:"requesting_user_id" binding:"required"`
}

// MembershipJoinEvent is observed when a principal joins a group
type MembershipJoinEvent struct {
	JoiningUserID   int64  `json:"joining_user_id" binding:"required"`
	GroupID         string `json:"group_id" binding:"required"`
	CredentialToken string `json:"credential_token,omitempty"`
}

// PaymentConfirmedMessage wraps a PaymentEvent on the event bus
type PaymentConfirmedMessage struct {
	BaseEvent
	PaymentEvent
}

// OrderRecheckMessage wraps a RecheckCommand on the event bus
type OrderRecheckMessage struct {
	BaseEvent
	RecheckCommand
}

// MembershipJoinedMessage wraps a MembershipJoinEvent on the event bus
type MembershipJoinedMessage struct {
	BaseEvent
	MembershipJoinEvent
}

// FulfillmentJob asks a worker to run delivery for a paid order
type FulfillmentJob struct {
	BaseEvent
	ExternalReference string `json:"external_reference"`
}

// OrderStatusChangedEvent published after a successful guarded transition
type OrderStatusChangedEvent struct {
	BaseEvent
	ExternalReference string `json:"external_reference"`
	From              string `json:"from"`
	To                string `json:"to"`
}

// Delivery instruction kinds handed to the notifier
const (
	DeliverySendInviteLink       = "send_invite_link"
	DeliverySendSecret           = "send_secret"
	DeliveryReportExhausted      = "report_exhausted"
	DeliveryReportMissingProduct = "report_missing_product"
	DeliveryNotifyBuyer          = "notify_buyer"
)

// DeliveryInstruction is the outbound message the notifier must send
type DeliveryInstruction struct {
	BaseEvent
	Kind              string        `json:"kind"`
	UserID            int64         `json:"user_id"`
	ExternalReference string        `json:"external_reference"`
	ProductID         int64         `json:"product_id,omitempty"`
	Link              string        `json:"link,omitempty"`
	TTL               time.Duration `json:"ttl,omitempty"`
	SecretText        string        `json:"secret_text,omitempty"`
	Text              string        `json:"text,omitempty"`
}

// Operator alert kinds
const (
	AlertMissingProduct      = "product_missing"
	AlertPoolExhausted       = "pool_exhausted"
	AlertFixedSecretMissing  = "fixed_secret_unconfigured"
	AlertInviteFailed        = "invite_creation_failed"
	AlertAntiLeak            = "anti_leak_revocation"
	AlertDuplicateRedemption = "duplicate_redemption"
	AlertRevokeFailed        = "invite_revoke_failed"
	AlertOrderCompleted      = "order_completed"
	AlertGroupMismatch       = "invite_group_mismatch"
)

// OperatorAlert is a structured event for the shop operator
type OperatorAlert struct {
	BaseEvent
	Kind              string `json:"kind"`
	ExternalReference string `json:"external_reference,omitempty"`
	ProductID         int64  `json:"product_id,omitempty"`
	UserID            int64  `json:"user_id,omitempty"`
	Message           string `json:"message"`
}

// Outcome results returned by every core entry point
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultDeferred = "deferred"
)

// Outcome reasons
const (
	ReasonUnknownOrder      = "unknown_order"
	ReasonNotSuccessful     = "not_successful"
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonNotOwner          = "not_owner"
	ReasonCooldown          = "cooldown"
	ReasonAwaitingPayment   = "awaiting_payment"
	ReasonOrderExpired      = "order_expired"
	ReasonOrderCancelled    = "order_cancelled"
	ReasonAlreadyDelivered  = "already_delivered"
	ReasonFulfilled         = "fulfilled"
	ReasonInviteIssued      = "invite_issued"
	ReasonInviteResent      = "invite_resent"
	ReasonSecretResent      = "secret_resent"
	ReasonScheduled         = "fulfillment_scheduled"
	ReasonScheduleFailed    = "fulfillment_schedule_failed"
	ReasonMissingProduct    = "missing_product"
	ReasonFixedSecretEmpty  = "fixed_secret_unconfigured"
	ReasonPoolExhausted     = "pool_exhausted"
	ReasonInviteFailed      = "invite_failed"
	ReasonLedgerError       = "ledger_error"
	ReasonNoMatchingInvite  = "no_matching_invite"
	ReasonInviteRevoked     = "invite_already_revoked"
	ReasonAntiLeak          = "anti_leak_revoked"
	ReasonJoinCompleted     = "join_completed"
	ReasonGroupMismatch     = "invite_group_mismatch"
	ReasonDuplicateDelivery = "duplicate_delivery"
)

// Outcome is the definite answer an entry point gives its caller
type Outcome struct {
	Result string `json:"result"`
	Reason string `json:"reason"`
	Status string `json:"status,omitempty"`
}

// Accepted builds an accepted outcome
func Accepted(reason, status string) Outcome {
	return Outcome{Result: ResultAccepted, Reason: reason, Status: status}
}

// Rejected builds a rejected outcome
func Rejected(reason, status string) Outcome {
	return Outcome{Result: ResultRejected, Reason: reason, Status: status}
}

// Deferred builds a deferred outcome
func Deferred(reason, status string) Outcome {
	return Outcome{Result: ResultDeferred, Reason: reason, Status: status}
}
