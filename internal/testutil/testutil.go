package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"kinvest.ai/cloud/internal/identity"
	"kinvest.ai/cloud/internal/payments"
	"kinvest.ai/cloud/storage"
)

const WebhookSecret = "whsec_test_secret"

// TestStorage returns an empty in-memory store.
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// Customer builds a Stripe customer as the list endpoint returns it.
func Customer(id, email string, metadata map[string]string) *stripe.Customer {
	return &stripe.Customer{
		ID:       id,
		Email:    email,
		Name:     strings.Split(email, "@")[0],
		Metadata: metadata,
	}
}

// Subscription builds a subscription with one item and an unexpanded
// customer reference.
func Subscription(id, customerID string, status stripe.SubscriptionStatus, created int64, metadata map[string]string) *stripe.Subscription {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return &stripe.Subscription{
		ID:       id,
		Customer: &stripe.Customer{ID: customerID},
		Status:   status,
		Created:  created,
		Metadata: metadata,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				ID:                 "si_" + id,
				CurrentPeriodStart: start.Unix(),
				CurrentPeriodEnd:   start.AddDate(0, 1, 0).Unix(),
				Price: &stripe.Price{
					ID:       "price_pro_monthly",
					Nickname: "Pro monthly",
					Product:  &stripe.Product{ID: "prod_pro"},
				},
			}},
		},
	}
}

// EventPayload renders a webhook body the way Stripe sends it.
func EventPayload(t testing.TB, id, eventType string, object any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event payload: %v", err)
	}
	return payload
}

// Event decodes a payload into a stripe.Event without verifying it.
func Event(t testing.TB, payload []byte) stripe.Event {
	t.Helper()
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	return event
}

// SubscriptionObject is the JSON shape of a subscription inside an event.
func SubscriptionObject(sub *stripe.Subscription) map[string]any {
	items := make([]map[string]any, 0)
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			entry := map[string]any{
				"id":                   item.ID,
				"object":               "subscription_item",
				"current_period_start": item.CurrentPeriodStart,
				"current_period_end":   item.CurrentPeriodEnd,
			}
			if item.Price != nil {
				price := map[string]any{"id": item.Price.ID, "object": "price", "nickname": item.Price.Nickname}
				if item.Price.Product != nil {
					price["product"] = item.Price.Product.ID
				}
				entry["price"] = price
			}
			items = append(items, entry)
		}
	}
	return map[string]any{
		"id":                   sub.ID,
		"object":               "subscription",
		"customer":             sub.Customer.ID,
		"status":               string(sub.Status),
		"created":              sub.Created,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"metadata":             sub.Metadata,
		"items":                map[string]any{"object": "list", "data": items},
	}
}

// SignatureHeader signs payload with secret the way Stripe does.
func SignatureHeader(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

// FakePayments is an in-memory Stripe account.
type FakePayments struct {
	mu sync.Mutex

	customers     []*stripe.Customer
	subscriptions map[string][]*stripe.Subscription

	// ListErr is yielded once ListErrAfter customers have been returned.
	ListErr      error
	ListErrAfter int
	// SubscriptionErrs fails CustomerSubscriptions for specific customers.
	SubscriptionErrs map[string]error
	// Deleted customers are still known but report Deleted on lookup.
	Deleted map[string]bool
	// Missing customers answer lookups with resource_missing.
	Missing map[string]bool
	// CustomerErrs fails GetCustomer for specific customers.
	CustomerErrs map[string]error

	GetSubscriptionCalls int
	PageRequests         int
}

func NewFakePayments() *FakePayments {
	return &FakePayments{
		subscriptions:    make(map[string][]*stripe.Subscription),
		SubscriptionErrs: make(map[string]error),
		Deleted:          make(map[string]bool),
		Missing:          make(map[string]bool),
		CustomerErrs:     make(map[string]error),
	}
}

func (f *FakePayments) AddCustomer(c *stripe.Customer, subs ...*stripe.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers = append(f.customers, c)
	f.subscriptions[c.ID] = append(f.subscriptions[c.ID], subs...)
}

func (f *FakePayments) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.CustomerErrs[id]; err != nil {
		return nil, err
	}
	if f.Missing[id] {
		return nil, fmt.Errorf("%w: %s", payments.ErrCustomerNotFound, id)
	}
	if f.Deleted[id] {
		return &stripe.Customer{ID: id, Deleted: true}, nil
	}
	for _, c := range f.customers {
		if c.ID == id {
			out := *c
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", payments.ErrCustomerNotFound, id)
}

func (f *FakePayments) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.GetSubscriptionCalls++
	for _, subs := range f.subscriptions {
		for _, s := range subs {
			if s.ID == id {
				out := *s
				return &out, nil
			}
		}
	}
	return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: 404, Msg: "No such subscription: " + id}
}

func (f *FakePayments) Customers(ctx context.Context, pageSize int64) iter.Seq2[*stripe.Customer, error] {
	return func(yield func(*stripe.Customer, error) bool) {
		f.mu.Lock()
		customers := append([]*stripe.Customer(nil), f.customers...)
		listErr, errAfter := f.ListErr, f.ListErrAfter
		f.mu.Unlock()

		for i, c := range customers {
			if listErr != nil && i == errAfter {
				yield(nil, listErr)
				return
			}
			if pageSize > 0 && int64(i)%pageSize == 0 {
				f.mu.Lock()
				f.PageRequests++
				f.mu.Unlock()
			}
			if !yield(c, nil) {
				return
			}
		}
		if listErr != nil && errAfter >= len(customers) {
			yield(nil, listErr)
		}
	}
}

func (f *FakePayments) CustomerSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.SubscriptionErrs[customerID]; err != nil {
		return nil, err
	}
	return append([]*stripe.Subscription(nil), f.subscriptions[customerID]...), nil
}

// FakeIdentity is an in-memory auth user directory.
type FakeIdentity struct {
	mu    sync.Mutex
	users map[string]*identity.User

	FindErr     error
	CreateErr   error
	CreateCalls int
	Created     []string
}

func NewFakeIdentity() *FakeIdentity {
	return &FakeIdentity{users: make(map[string]*identity.User)}
}

// AddUser registers an existing user and returns it.
func (f *FakeIdentity) AddUser(id, email string) *identity.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &identity.User{ID: id, Email: strings.ToLower(email)}
	f.users[u.Email] = u
	return u
}

func (f *FakeIdentity) FindUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FindErr != nil {
		return nil, f.FindErr
	}
	u, ok := f.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (f *FakeIdentity) CreateUser(ctx context.Context, email string, metadata map[string]any) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	key := strings.ToLower(strings.TrimSpace(email))
	if _, ok := f.users[key]; ok {
		return nil, fmt.Errorf("create user: %w", identity.ErrEmailExists)
	}
	u := &identity.User{ID: uuid.NewString(), Email: key, UserMetadata: metadata, CreatedAt: time.Now()}
	f.users[key] = u
	f.Created = append(f.Created, key)
	out := *u
	return &out, nil
}

func (f *FakeIdentity) UserCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// FakeWelcomer records the addresses it was asked to welcome.
type FakeWelcomer struct {
	mu     sync.Mutex
	Emails []string
	Err    error
}

func (f *FakeWelcomer) Welcome(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Emails = append(f.Emails, email)
	return f.Err
}
