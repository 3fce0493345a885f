package models

import (
	"strings"
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	// SubscriptionNone marks a profile without any known subscription.
	SubscriptionNone SubscriptionStatus = ""
)

// ParseSubscriptionStatus folds the payment provider's status vocabulary into
// the four states a profile can carry.
func ParseSubscriptionStatus(providerStatus string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active":
		return SubscriptionActive
	case "trialing":
		return SubscriptionTrialing
	case "past_due", "unpaid", "incomplete":
		return SubscriptionPastDue
	case "canceled", "cancelled", "incomplete_expired", "paused":
		return SubscriptionCanceled
	default:
		return SubscriptionNone
	}
}

// Paying reports whether the status grants paid access.
func (s SubscriptionStatus) Paying() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

type Profile struct {
	ID                   string             `json:"id"`
	Email                string             `json:"email"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status,omitempty"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	HasBetaAccess        bool               `json:"has_beta_access"`
	Metadata             ProfileMetadata    `json:"subscription_metadata"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// ProfileMetadata is kept for audit and debugging. Only HasBetaAccess on the
// profile itself is used for access decisions.
type ProfileMetadata struct {
	StripeMetadata    map[string]string  `json:"stripe_metadata,omitempty"`
	CustomerMetadata  map[string]string  `json:"customer_metadata,omitempty"`
	SubscriptionItems []SubscriptionItem `json:"subscription_items,omitempty"`
	Tags              []string           `json:"tags,omitempty"`
	ProviderStatus    string             `json:"provider_status,omitempty"`
	Source            string             `json:"source,omitempty"`
}

type SubscriptionItem struct {
	PriceID       string `json:"price_id"`
	PriceNickname string `json:"price_nickname,omitempty"`
	ProductID     string `json:"product_id,omitempty"`
}

// Cancel sets the profile to canceled and revokes beta access. The row and its
// payment linkage are kept.
func (p *Profile) Cancel(at time.Time) {
	p.SubscriptionStatus = SubscriptionCanceled
	p.HasBetaAccess = false
	p.UpdatedAt = at
}
