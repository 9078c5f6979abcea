package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// Delivery strategies configured per product
const (
	DeliveryGroupInvite = "group_invite"
	DeliveryFixedSecret = "fixed_secret"
	DeliveryPoolSecret  = "pool_secret"
)

// Product represents a sellable item and how it is fulfilled
type Product struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	DeliveryType string          `json:"delivery_type"`
	GroupID      string          `json:"group_id,omitempty"`
	FixedSecret  string          `json:"-"`
	OnSale       bool            `json:"on_sale"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Order represents a buyer's purchase attempt through one payment channel
type Order struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	ProductID         int64           `json:"product_id"`
	Amount            decimal.Decimal `json:"amount"`
	PaymentChannel    string          `json:"payment_channel"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the order can no longer change status
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusCancelled
}

// Secret is one entry of a product's finite secret pool
type Secret struct {
	ID             int64      `json:"id"`
	ProductID      int64      `json:"product_id"`
	SecretText     string     `json:"-"`
	ClaimedByOrder *int64     `json:"claimed_by_order,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Invite is a single-use group invite credential issued for an order
type Invite struct {
	ID           int64     `json:"id"`
	OrderID      int64     `json:"order_id"`
	UserID       int64     `json:"user_id"`
	GroupID      string    `json:"group_id"`
	InviteToken  string    `json:"invite_token"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Revoked      bool      `json:"revoked"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
}

// Why an invite row was revoked
const (
	RevokeConsumed   = "consumed"
	RevokeAntiLeak   = "anti_leak"
	RevokeSuperseded = "superseded"
)

// IsActive reports whether the invite is still redeemable at now
func (i *Invite) IsActive(now time.Time) bool {
	return !i.Revoked && i.ExpiresAt.After(now)
}
