package billing

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"kinvest.ai/cloud/internal/identity"
	"kinvest.ai/cloud/models"
	"kinvest.ai/cloud/storage"
)

var ErrMissingEmail = errors.New("stripe customer has no email")

const (
	SourceWebhook = "webhook"
	SourceSync    = "sync"
)

// Payments is the Stripe surface the billing flows read from.
type Payments interface {
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	Customers(ctx context.Context, pageSize int64) iter.Seq2[*stripe.Customer, error]
	CustomerSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
}

// Identity resolves application users by email.
type Identity interface {
	FindUserByEmail(ctx context.Context, email string) (*identity.User, error)
	CreateUser(ctx context.Context, email string, metadata map[string]any) (*identity.User, error)
}

type Welcomer interface {
	Welcome(ctx context.Context, email string) error
}

// Reconciler holds the profile writes shared by the webhook and the sync job.
type Reconciler struct {
	store    storage.Storage
	payments Payments
	identity Identity
	welcomer Welcomer
	log      *zap.Logger
	now      func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithWelcomer(w Welcomer) ReconcilerOption {
	return func(r *Reconciler) { r.welcomer = w }
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(store storage.Storage, payments Payments, ident Identity, log *zap.Logger, opts ...ReconcilerOption) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconciler{
		store:    store,
		payments: payments,
		identity: ident,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyResult describes the profile a reconciliation touched.
type ApplyResult struct {
	UserID         string
	Email          string
	SubscriptionID string
	UserCreated    bool
	Changed        bool
}

// ApplySubscription writes the state of sub onto the owning customer's
// profile, creating the user when needed.
func (r *Reconciler) ApplySubscription(ctx context.Context, sub *stripe.Subscription, source string) (*ApplyResult, error) {
	if sub == nil || sub.Customer == nil || sub.Customer.ID == "" {
		return nil, fmt.Errorf("%w: subscription without customer", ErrMalformedEvent)
	}

	customer := sub.Customer
	if customer.Email == "" {
		var err error
		customer, err = r.payments.GetCustomer(ctx, sub.Customer.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve customer for %s: %w", sub.ID, err)
		}
	}
	return r.Apply(ctx, customer, sub, source)
}

// Apply upserts the profile for customer with sub as its current
// subscription. sub may be nil for customers without any subscription.
func (r *Reconciler) Apply(ctx context.Context, customer *stripe.Customer, sub *stripe.Subscription, source string) (*ApplyResult, error) {
	email := strings.TrimSpace(customer.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingEmail, customer.ID)
	}

	user, created, err := r.EnsureUser(ctx, email, customer, source)
	if err != nil {
		return nil, err
	}

	now := r.now()
	profile := BuildProfile(user.ID, email, customer, sub, source, now)

	existing, err := r.store.GetProfile(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", user.ID, err)
	}

	result := &ApplyResult{
		UserID:         user.ID,
		Email:          email,
		SubscriptionID: profile.StripeSubscriptionID,
		UserCreated:    created,
	}
	if existing != nil && sameProfileState(existing, profile) {
		return result, nil
	}
	if source == SourceWebhook && outranked(existing, profile) {
		r.log.Info("event for another customer left paying profile untouched",
			zap.String("user_id", user.ID),
			zap.String("linked_customer_id", existing.StripeCustomerID),
			zap.String("stripe_customer_id", customer.ID),
			zap.String("stripe_subscription_id", profile.StripeSubscriptionID))
		return result, nil
	}

	if err := r.store.UpsertProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("upsert profile %s: %w", user.ID, err)
	}
	result.Changed = true

	r.log.Info("profile reconciled",
		zap.String("user_id", user.ID),
		zap.String("stripe_customer_id", customer.ID),
		zap.String("stripe_subscription_id", profile.StripeSubscriptionID),
		zap.String("subscription_status", string(profile.SubscriptionStatus)),
		zap.Bool("has_beta_access", profile.HasBetaAccess),
		zap.String("source", source))
	return result, nil
}

// EnsureUser finds the identity user for email or creates it. The second
// return value reports whether this call created the user; only then is the
// welcome mail sent.
func (r *Reconciler) EnsureUser(ctx context.Context, email string, customer *stripe.Customer, source string) (*identity.User, bool, error) {
	user, err := r.identity.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("find user %s: %w", email, err)
	}
	if user != nil {
		return user, false, nil
	}

	metadata := map[string]any{"source": "stripe_" + source}
	if customer != nil {
		metadata["stripe_customer_id"] = customer.ID
		if customer.Name != "" {
			metadata["full_name"] = customer.Name
		}
	}

	user, err = r.identity.CreateUser(ctx, email, metadata)
	if errors.Is(err, identity.ErrEmailExists) {
		// lost a race with a concurrent delivery or sync pass
		user, err = r.identity.FindUserByEmail(ctx, email)
		if err != nil {
			return nil, false, fmt.Errorf("find user %s: %w", email, err)
		}
		if user == nil {
			return nil, false, fmt.Errorf("create user %s: %w", email, identity.ErrEmailExists)
		}
		return user, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create user %s: %w", email, err)
	}
	r.log.Info("user created", zap.String("user_id", user.ID), zap.String("source", source))

	if r.welcomer != nil {
		if err := r.welcomer.Welcome(ctx, email); err != nil {
			r.log.Warn("welcome email failed", zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	return user, true, nil
}

// CancelSubscription marks every profile linked to sub as canceled.
func (r *Reconciler) CancelSubscription(ctx context.Context, sub *stripe.Subscription) (int, error) {
	n, err := r.store.CancelProfilesBySubscription(ctx, sub.ID, r.now())
	if err != nil {
		return 0, fmt.Errorf("cancel profiles for %s: %w", sub.ID, err)
	}
	if n == 0 {
		r.log.Info("no profile linked to canceled subscription", zap.String("stripe_subscription_id", sub.ID))
	}
	return n, nil
}

// CancelCustomer marks every profile linked to a customer as canceled.
func (r *Reconciler) CancelCustomer(ctx context.Context, customerID string) (int, error) {
	n, err := r.store.CancelProfilesByCustomer(ctx, customerID, r.now())
	if err != nil {
		return 0, fmt.Errorf("cancel profiles for %s: %w", customerID, err)
	}
	return n, nil
}

// RefreshCustomerEmail copies a changed customer email onto linked profiles.
func (r *Reconciler) RefreshCustomerEmail(ctx context.Context, customer *stripe.Customer) (int, error) {
	email := strings.TrimSpace(customer.Email)
	if email == "" {
		return 0, fmt.Errorf("%w: %s", ErrMissingEmail, customer.ID)
	}
	n, err := r.store.UpdateEmailByCustomer(ctx, customer.ID, email, r.now())
	if err != nil {
		return 0, fmt.Errorf("update email for %s: %w", customer.ID, err)
	}
	return n, nil
}

// BuildProfile derives the full profile row for a customer and its current
// subscription.
func BuildProfile(userID, email string, customer *stripe.Customer, sub *stripe.Subscription, source string, now time.Time) *models.Profile {
	profile := &models.Profile{
		ID:            userID,
		Email:         email,
		HasBetaAccess: BetaAccess(sub, customer),
		Metadata: models.ProfileMetadata{
			Tags:   ExtractTagsFromMetadata(tagInput(customer, sub)),
			Source: source,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if customer != nil {
		profile.StripeCustomerID = customer.ID
		profile.Metadata.CustomerMetadata = nonEmpty(customer.Metadata)
	}
	if sub == nil {
		return profile
	}

	profile.StripeSubscriptionID = sub.ID
	profile.SubscriptionStatus = models.ParseSubscriptionStatus(string(sub.Status))
	profile.Metadata.ProviderStatus = string(sub.Status)
	profile.Metadata.StripeMetadata = nonEmpty(sub.Metadata)

	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if profile.CurrentPeriodStart == nil {
				profile.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
				profile.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
			}
			if item.Price == nil {
				continue
			}
			entry := models.SubscriptionItem{PriceID: item.Price.ID, PriceNickname: item.Price.Nickname}
			if item.Price.Product != nil {
				entry.ProductID = item.Price.Product.ID
			}
			profile.Metadata.SubscriptionItems = append(profile.Metadata.SubscriptionItems, entry)
		}
	}
	return profile
}

// outranked reports whether existing holds paid access through a different
// customer than next, which would lose it. A user can own several Stripe
// customers under one email; the sync job settles which one is linked.
func outranked(existing, next *models.Profile) bool {
	return existing != nil &&
		existing.StripeCustomerID != "" &&
		existing.StripeCustomerID != next.StripeCustomerID &&
		existing.SubscriptionStatus.Paying() &&
		!next.SubscriptionStatus.Paying()
}

// sameProfileState ignores the bookkeeping timestamps so that reapplying an
// unchanged subscription leaves the row untouched.
func sameProfileState(a, b *models.Profile) bool {
	return a.ID == b.ID &&
		a.Email == b.Email &&
		a.StripeCustomerID == b.StripeCustomerID &&
		a.StripeSubscriptionID == b.StripeSubscriptionID &&
		a.SubscriptionStatus == b.SubscriptionStatus &&
		a.HasBetaAccess == b.HasBetaAccess &&
		sameTime(a.CurrentPeriodStart, b.CurrentPeriodStart) &&
		sameTime(a.CurrentPeriodEnd, b.CurrentPeriodEnd) &&
		reflect.DeepEqual(a.Metadata, b.Metadata)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func nonEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
