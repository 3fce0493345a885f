// Package payments wraps the Stripe API calls the billing flows depend on.
package payments

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrInvalidSignature = errors.New("invalid stripe signature")
	ErrCustomerNotFound = errors.New("stripe customer not found")
)

type Client struct {
	api           *stripe.Client
	webhookSecret string
}

func New(secretKey, webhookSecret string) *Client {
	return &Client{
		api:           stripe.NewClient(secretKey, nil),
		webhookSecret: webhookSecret,
	}
}

// ConstructEvent verifies the Stripe-Signature header against the exact
// request bytes. Events rendered with a different API version are accepted;
// callers decide what to do with them.
func (c *Client) ConstructEvent(payload []byte, header string) (stripe.Event, error) {
	return VerifyEvent(payload, header, c.webhookSecret)
}

func VerifyEvent(payload []byte, header, secret string) (stripe.Event, error) {
	if header == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

func (c *Client) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	customer, err := c.api.V1Customers.Retrieve(ctx, id, &stripe.CustomerRetrieveParams{})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
		}
		return nil, fmt.Errorf("retrieve customer %s: %w", id, err)
	}
	return customer, nil
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	sub, err := c.api.V1Subscriptions.Retrieve(ctx, id, &stripe.SubscriptionRetrieveParams{})
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", id, err)
	}
	return sub, nil
}

// Customers walks every customer page by page. The SDK iterator follows
// has_more and requests the next page starting after the last id it saw.
func (c *Client) Customers(ctx context.Context, pageSize int64) iter.Seq2[*stripe.Customer, error] {
	params := &stripe.CustomerListParams{
		ListParams: stripe.ListParams{Limit: stripe.Int64(pageSize)},
	}
	seq := c.api.V1Customers.List(ctx, params)
	return func(yield func(*stripe.Customer, error) bool) {
		for customer, err := range seq {
			if !yield(customer, err) {
				return
			}
		}
	}
}

// CustomerSubscriptions lists subscriptions in every status, canceled ones
// included, so the caller can pick the best candidate.
func (c *Client) CustomerSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}

	var subs []*stripe.Subscription
	for sub, err := range c.api.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
		}
		if sub == nil {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// IsNotFound reports whether err is Stripe's resource_missing error.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrCustomerNotFound) {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

// IsCustomerGone reports whether a customer lookup shows the customer no
// longer exists upstream, either deleted or never found.
func IsCustomerGone(customer *stripe.Customer, err error) bool {
	if err != nil {
		return IsNotFound(err)
	}
	return customer == nil || customer.Deleted
}
