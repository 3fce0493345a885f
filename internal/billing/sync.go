package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"kinvest.ai/cloud/internal/metrics"
	"kinvest.ai/cloud/internal/payments"
	"kinvest.ai/cloud/models"
	"kinvest.ai/cloud/storage"
)

var ErrSyncInProgress = errors.New("stripe sync already running")

const DefaultPageSize = 100

type SyncOptions struct {
	Cleanup  bool
	PageSize int64
}

// SyncResult is the summary returned to the scheduler.
type SyncResult struct {
	Success                     bool      `json:"success"`
	CustomersProcessed          int       `json:"customers_processed"`
	CustomersSynced             int       `json:"customers_synced"`
	UsersCreated                int       `json:"users_created"`
	ProfilesWithSubscription    int       `json:"profiles_with_subscription"`
	ProfilesWithoutSubscription int       `json:"profiles_without_subscription"`
	CustomersWithoutEmail       int       `json:"customers_without_email"`
	ProfilesCanceled            int       `json:"profiles_canceled"`
	Errors                      []string  `json:"errors"`
	SyncedAt                    time.Time `json:"synced_at"`
}

// SyncJob re-derives every profile from Stripe's customer list. Only one run
// may be active per process.
type SyncJob struct {
	reconciler *Reconciler
	store      storage.Storage
	payments   Payments
	metrics    *metrics.Metrics
	log        *zap.Logger
	running    *atomic.Bool
}

func NewSyncJob(store storage.Storage, reconciler *Reconciler, payments Payments, m *metrics.Metrics, log *zap.Logger) *SyncJob {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncJob{
		reconciler: reconciler,
		store:      store,
		payments:   payments,
		metrics:    m,
		log:        log.With(zap.String("component", "sync")),
		running:    atomic.NewBool(false),
	}
}

// Run walks all customers sequentially. Customers sharing an email are
// reconciled together, so one profile gets the best subscription across all
// of them regardless of listing order. A failing customer is recorded in
// Errors and the walk continues. An error is returned only when nothing could
// be processed at all.
func (j *SyncJob) Run(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer j.running.Store(false)

	start := time.Now()
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	j.log.Info("stripe sync started", zap.Bool("cleanup", opts.Cleanup), zap.Int64("page_size", opts.PageSize))

	result := &SyncResult{Errors: []string{}}
	seen := make(map[string]struct{})
	groups, err := j.collect(ctx, opts.PageSize, seen, result)
	if err != nil {
		j.metrics.SyncFinished("failed", time.Since(start))
		return nil, err
	}

	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		j.apply(ctx, g, result)
	}
	if err := ctx.Err(); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sync interrupted: %v", err))
	}

	if opts.Cleanup && ctx.Err() == nil {
		j.cleanup(ctx, seen, result)
	}

	result.Success = true
	result.SyncedAt = j.reconciler.now()

	outcome := "success"
	if len(result.Errors) > 0 {
		outcome = "partial"
	}
	j.metrics.SyncFinished(outcome, time.Since(start))
	j.log.Info("stripe sync finished",
		zap.Int("customers_processed", result.CustomersProcessed),
		zap.Int("customers_synced", result.CustomersSynced),
		zap.Int("users_created", result.UsersCreated),
		zap.Int("customers_without_email", result.CustomersWithoutEmail),
		zap.Int("profiles_canceled", result.ProfilesCanceled),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// candidate is one Stripe customer and its best subscription, if any.
type candidate struct {
	customer *stripe.Customer
	best     *stripe.Subscription
}

// emailGroup holds every customer listed under one normalized email.
type emailGroup struct {
	email      string
	candidates []candidate
	failed     bool
}

// collect lists customers and their subscriptions, grouped by email in first
// seen order.
func (j *SyncJob) collect(ctx context.Context, pageSize int64, seen map[string]struct{}, result *SyncResult) ([]*emailGroup, error) {
	var groups []*emailGroup
	byEmail := make(map[string]*emailGroup)

	for customer, err := range j.payments.Customers(ctx, pageSize) {
		if err != nil {
			if result.CustomersProcessed == 0 {
				return nil, fmt.Errorf("list stripe customers: %w", err)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("list customers: %v", err))
			break
		}
		if customer == nil || customer.Deleted {
			continue
		}
		seen[customer.ID] = struct{}{}
		result.CustomersProcessed++

		key := strings.ToLower(strings.TrimSpace(customer.Email))
		if key == "" {
			result.CustomersWithoutEmail++
			j.metrics.SyncCustomer("skipped_no_email")
			j.log.Debug("customer without email skipped", zap.String("stripe_customer_id", customer.ID))
			continue
		}

		g, ok := byEmail[key]
		if !ok {
			g = &emailGroup{email: key}
			byEmail[key] = g
			groups = append(groups, g)
		}

		subs, err := j.payments.CustomerSubscriptions(ctx, customer.ID)
		if err != nil {
			// the group is skipped so a partial view cannot downgrade the profile
			g.failed = true
			j.recordError(result, customer.ID, err)
			continue
		}
		g.candidates = append(g.candidates, candidate{customer: customer, best: BestSubscription(subs)})

		if ctx.Err() != nil {
			break
		}
	}
	return groups, nil
}

// apply writes the winning customer and subscription of g onto its profile.
func (j *SyncJob) apply(ctx context.Context, g *emailGroup, result *SyncResult) {
	if g.failed || len(g.candidates) == 0 {
		return
	}
	owner := g.winner()

	applied, err := j.reconciler.Apply(ctx, owner.customer, owner.best, SourceSync)
	if err != nil {
		for _, c := range g.candidates {
			j.recordError(result, c.customer.ID, err)
		}
		return
	}

	result.CustomersSynced += len(g.candidates)
	for range g.candidates {
		j.metrics.SyncCustomer("synced")
	}
	if applied.UserCreated {
		result.UsersCreated++
	}
	if owner.best != nil {
		result.ProfilesWithSubscription++
	} else {
		result.ProfilesWithoutSubscription++
	}
	if len(g.candidates) > 1 {
		j.log.Info("customers merged by email",
			zap.String("user_id", applied.UserID),
			zap.String("stripe_customer_id", owner.customer.ID),
			zap.String("stripe_subscription_id", applied.SubscriptionID),
			zap.Int("customers", len(g.candidates)))
	}
}

// winner picks the customer holding the best subscription of the group. When
// none has a subscription the newest customer wins.
func (g *emailGroup) winner() candidate {
	subs := make([]*stripe.Subscription, 0, len(g.candidates))
	for _, c := range g.candidates {
		if c.best != nil {
			subs = append(subs, c.best)
		}
	}
	if best := BestSubscription(subs); best != nil {
		for _, c := range g.candidates {
			if c.best == best {
				return c
			}
		}
	}

	newest := g.candidates[0]
	for _, c := range g.candidates[1:] {
		if c.customer.Created > newest.customer.Created ||
			(c.customer.Created == newest.customer.Created && c.customer.ID > newest.customer.ID) {
			newest = c
		}
	}
	return newest
}

// cleanup cancels profiles whose Stripe customer no longer exists. Customers
// seen during this run are known to exist and are not looked up again.
func (j *SyncJob) cleanup(ctx context.Context, seen map[string]struct{}, result *SyncResult) {
	profiles, err := j.store.ListProfilesWithCustomer(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("cleanup: %v", err))
		return
	}

	checked := make(map[string]struct{})
	for _, profile := range profiles {
		customerID := profile.StripeCustomerID
		if _, ok := seen[customerID]; ok {
			continue
		}
		if profile.SubscriptionStatus == models.SubscriptionCanceled && !profile.HasBetaAccess {
			continue
		}
		if _, ok := checked[customerID]; ok {
			continue
		}
		checked[customerID] = struct{}{}

		customer, err := j.payments.GetCustomer(ctx, customerID)
		if !payments.IsCustomerGone(customer, err) {
			if err != nil {
				j.recordError(result, customerID, err)
			}
			continue
		}

		n, err := j.reconciler.CancelCustomer(ctx, customerID)
		if err != nil {
			j.recordError(result, customerID, err)
			continue
		}
		result.ProfilesCanceled += n
		j.log.Info("profile canceled, stripe customer is gone", zap.String("stripe_customer_id", customerID), zap.Int("profiles", n))
	}
}

func (j *SyncJob) recordError(result *SyncResult, customerID string, err error) {
	result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", customerID, err))
	j.metrics.SyncCustomer("error")
	j.log.Warn("customer sync failed", zap.String("stripe_customer_id", customerID), zap.Error(err))
}
