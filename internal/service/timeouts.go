package service

import (
	"time"

	"fulfillment-service/internal/models"
)

// ChannelTimeouts maps payment channels to how long an order may stay pending
type ChannelTimeouts struct {
	Default    time.Duration
	PerChannel map[string]time.Duration
}

// Deadline returns the pending window for a channel
func (t ChannelTimeouts) Deadline(channel string) time.Duration {
	if d, ok := t.PerChannel[channel]; ok && d > 0 {
		return d
	}
	return t.Default
}

// Known reports whether the channel has its own window configured
func (t ChannelTimeouts) Known(channel string) bool {
	_, ok := t.PerChannel[channel]
	return ok
}

// Expired reports whether a pending order has outlived its channel deadline at now
func (t ChannelTimeouts) Expired(order *models.Order, now time.Time) bool {
	return now.Sub(order.CreatedAt) > t.Deadline(order.PaymentChannel)
}
