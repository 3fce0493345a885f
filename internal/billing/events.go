package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
)

var ErrMalformedEvent = errors.New("malformed stripe event")

const (
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventInvoicePaymentSucceed = "invoice.payment_succeeded"
	EventInvoicePaid           = "invoice.paid"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
	EventCustomerUpdated       = "customer.updated"
)

// Event is one of the decoded webhook payloads below.
type Event interface {
	isEvent()
}

type SubscriptionChanged struct {
	Subscription *stripe.Subscription
}

type SubscriptionDeleted struct {
	Subscription *stripe.Subscription
}

type InvoicePaid struct {
	Invoice Invoice
}

type InvoicePaymentFailed struct {
	Invoice Invoice
}

type CustomerUpdated struct {
	Customer *stripe.Customer
}

type Unhandled struct {
	Type string
}

func (SubscriptionChanged) isEvent()  {}
func (SubscriptionDeleted) isEvent()  {}
func (InvoicePaid) isEvent()          {}
func (InvoicePaymentFailed) isEvent() {}
func (CustomerUpdated) isEvent()      {}
func (Unhandled) isEvent()            {}

// Invoice holds the invoice fields the webhook flow reads. The subscription
// id moved under parent.subscription_details in newer API versions, so both
// locations are accepted.
type Invoice struct {
	ID             string
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	AttemptCount   int64
}

type invoicePayload struct {
	ID            string          `json:"id"`
	Customer      json.RawMessage `json:"customer"`
	CustomerEmail string          `json:"customer_email"`
	Subscription  json.RawMessage `json:"subscription"`
	AttemptCount  int64           `json:"attempt_count"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// DecodeEvent turns a verified event into its typed variant. Known event
// types whose object cannot be decoded yield ErrMalformedEvent.
func DecodeEvent(event stripe.Event) (Event, error) {
	eventType := string(event.Type)

	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decodeObject(event, &sub); err != nil {
			return nil, err
		}
		if sub.ID == "" || sub.Customer == nil || sub.Customer.ID == "" {
			return nil, fmt.Errorf("%w: %s without subscription or customer id", ErrMalformedEvent, eventType)
		}
		if eventType == EventSubscriptionDeleted {
			return SubscriptionDeleted{Subscription: &sub}, nil
		}
		return SubscriptionChanged{Subscription: &sub}, nil

	case EventInvoicePaymentSucceed, EventInvoicePaid, EventInvoicePaymentFailed:
		var raw invoicePayload
		if err := decodeObject(event, &raw); err != nil {
			return nil, err
		}
		if raw.ID == "" {
			return nil, fmt.Errorf("%w: %s without invoice id", ErrMalformedEvent, eventType)
		}
		inv := Invoice{
			ID:             raw.ID,
			CustomerID:     expandableID(raw.Customer),
			CustomerEmail:  raw.CustomerEmail,
			SubscriptionID: expandableID(raw.Subscription),
			AttemptCount:   raw.AttemptCount,
		}
		if inv.SubscriptionID == "" && raw.Parent != nil && raw.Parent.SubscriptionDetails != nil {
			inv.SubscriptionID = expandableID(raw.Parent.SubscriptionDetails.Subscription)
		}
		if eventType == EventInvoicePaymentFailed {
			return InvoicePaymentFailed{Invoice: inv}, nil
		}
		return InvoicePaid{Invoice: inv}, nil

	case EventCustomerUpdated:
		var customer stripe.Customer
		if err := decodeObject(event, &customer); err != nil {
			return nil, err
		}
		if customer.ID == "" {
			return nil, fmt.Errorf("%w: %s without customer id", ErrMalformedEvent, eventType)
		}
		return CustomerUpdated{Customer: &customer}, nil

	default:
		return Unhandled{Type: eventType}, nil
	}
}

func decodeObject(event stripe.Event, v any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s has no data.object", ErrMalformedEvent, event.Type)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, event.Type, err)
	}
	return nil
}

// expandableID reads an id that may be sent either as a bare string or as an
// expanded object.
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
