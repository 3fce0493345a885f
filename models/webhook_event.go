package models

import (
	"encoding/json"
	"time"
)

type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventProcessed EventStatus = "processed"
	EventError     EventStatus = "error"
	EventUnhandled EventStatus = "unhandled"
)

// Terminal reports whether a ledger row with this status should short-circuit
// a redelivery of the same event. Errored and half-processed rows are retried.
func (s EventStatus) Terminal() bool {
	return s == EventProcessed || s == EventUnhandled
}

// WebhookEvent is one row of the webhook ledger, keyed by the provider's
// event id.
type WebhookEvent struct {
	ID             string          `json:"id"`
	StripeEventID  string          `json:"stripe_event_id"`
	EventType      string          `json:"event_type"`
	Status         EventStatus     `json:"status"`
	UserID         string          `json:"user_id,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RawData        json.RawMessage `json:"raw_data,omitempty"`
	ProcessedAt    time.Time       `json:"processed_at"`
	CreatedAt      time.Time       `json:"created_at"`
}
