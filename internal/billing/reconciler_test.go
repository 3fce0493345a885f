package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"kinvest.ai/cloud/internal/billing"
	"kinvest.ai/cloud/internal/identity"
	"kinvest.ai/cloud/internal/testutil"
	"kinvest.ai/cloud/models"
	"kinvest.ai/cloud/storage"
)

var fixedNow = time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.MemoryStorage
	payments *testutil.FakePayments
	identity *testutil.FakeIdentity
	welcomer *testutil.FakeWelcomer
	rec      *billing.Reconciler
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    testutil.TestStorage(),
		payments: testutil.NewFakePayments(),
		identity: testutil.NewFakeIdentity(),
		welcomer: &testutil.FakeWelcomer{},
		now:      fixedNow,
	}
	f.rec = billing.NewReconciler(f.store, f.payments, f.identity, zap.NewNop(),
		billing.WithWelcomer(f.welcomer),
		billing.WithClock(func() time.Time { return f.now }))
	return f
}

func TestApplyCreatesUserAndProfile(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	customer := testutil.Customer("cus_1", "Ada@Example.com", map[string]string{"plan": "pro"})
	sub := testutil.Subscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 100, map[string]string{"beta_access": "true"})

	result, err := f.rec.Apply(ctx, customer, sub, billing.SourceSync)
	require.NoError(t, err)
	assert.True(t, result.UserCreated)
	assert.True(t, result.Changed)
	assert.Equal(t, "sub_1", result.SubscriptionID)
	assert.Equal(t, 1, f.identity.CreateCalls)
	assert.Equal(t, []string{"Ada@Example.com"}, f.welcomer.Emails)

	profile, err := f.store.GetProfile(ctx, result.UserID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "cus_1", profile.StripeCustomerID)
	assert.Equal(t, "sub_1", profile.StripeSubscriptionID)
	assert.Equal(t, models.SubscriptionActive, profile.SubscriptionStatus)
	assert.True(t, profile.HasBetaAccess)
	require.NotNil(t, profile.CurrentPeriodStart)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), *profile.CurrentPeriodStart)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), *profile.CurrentPeriodEnd)
	assert.Equal(t, []string{"beta_access", "paying_customer", "plan:pro", "status:active"}, profile.Metadata.Tags)
	assert.Equal(t, "sync", profile.Metadata.Source)
	assert.Equal(t, fixedNow, profile.CreatedAt)
}

func TestApplyReusesExistingUser(t *testing.T) {
	f := newFixture(t)
	user := f.identity.AddUser("user-1", "ada@example.com")
	customer := testutil.Customer("cus_1", "ada@example.com", nil)

	result, err := f.rec.Apply(t.Context(), customer, nil, billing.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.UserID)
	assert.False(t, result.UserCreated)
	assert.Zero(t, f.identity.CreateCalls)
	assert.Empty(t, f.welcomer.Emails)

	profile, err := f.store.GetProfile(t.Context(), user.ID)
	require.NoError(t, err)
	assert.Empty(t, profile.StripeSubscriptionID)
	assert.Equal(t, models.SubscriptionNone, profile.SubscriptionStatus)
	assert.False(t, profile.HasBetaAccess)
	assert.Nil(t, profile.CurrentPeriodStart)
}

func TestApplyIsConvergent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	customer := testutil.Customer("cus_1", "ada@example.com", nil)
	sub := testutil.Subscription("sub_1", "cus_1", stripe.SubscriptionStatusTrialing, 100, nil)

	first, err := f.rec.Apply(ctx, customer, sub, billing.SourceSync)
	require.NoError(t, err)
	before, err := f.store.GetProfile(ctx, first.UserID)
	require.NoError(t, err)

	f.now = fixedNow.Add(time.Hour)
	second, err := f.rec.Apply(ctx, customer, sub, billing.SourceSync)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.False(t, second.UserCreated)

	after, err := f.store.GetProfile(ctx, first.UserID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	sub.Status = stripe.SubscriptionStatusPastDue
	third, err := f.rec.Apply(ctx, customer, sub, billing.SourceSync)
	require.NoError(t, err)
	assert.True(t, third.Changed)

	updated, err := f.store.GetProfile(ctx, first.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPastDue, updated.SubscriptionStatus)
	assert.Equal(t, fixedNow, updated.CreatedAt)
	assert.Equal(t, fixedNow.Add(time.Hour), updated.UpdatedAt)
}

func TestApplyMissingEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.Apply(t.Context(), testutil.Customer("cus_1", "", nil), nil, billing.SourceSync)
	assert.ErrorIs(t, err, billing.ErrMissingEmail)
	assert.Zero(t, f.identity.CreateCalls)
}

func TestApplySubscriptionResolvesCustomer(t *testing.T) {
	f := newFixture(t)
	f.payments.AddCustomer(testutil.Customer("cus_1", "ada@example.com", nil))
	sub := testutil.Subscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 100, nil)

	result, err := f.rec.ApplySubscription(t.Context(), sub, billing.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", result.Email)

	profile, err := f.store.FindProfileBySubscription(t.Context(), "sub_1")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, result.UserID, profile.ID)
}

func TestApplySubscriptionUnknownCustomer(t *testing.T) {
	f := newFixture(t)
	sub := testutil.Subscription("sub_1", "cus_missing", stripe.SubscriptionStatusActive, 100, nil)

	_, err := f.rec.ApplySubscription(t.Context(), sub, billing.SourceWebhook)
	require.Error(t, err)
	assert.False(t, billing.IsPermanent(err))
}

func TestEnsureUserWelcomeFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.welcomer.Err = errors.New("smtp down")

	user, created, err := f.rec.EnsureUser(t.Context(), "ada@example.com", testutil.Customer("cus_1", "ada@example.com", nil), billing.SourceSync)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, user.ID)
	assert.Len(t, f.welcomer.Emails, 1)
}

func TestEnsureUserIdentityFailure(t *testing.T) {
	f := newFixture(t)
	f.identity.CreateErr = errors.New("auth unavailable")

	_, _, err := f.rec.EnsureUser(t.Context(), "ada@example.com", nil, billing.SourceSync)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth unavailable")
	assert.Empty(t, f.welcomer.Emails)
}

func TestCancelSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	customer := testutil.Customer("cus_1", "ada@example.com", nil)
	sub := testutil.Subscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 100, map[string]string{"beta_access": "true"})

	result, err := f.rec.Apply(ctx, customer, sub, billing.SourceWebhook)
	require.NoError(t, err)

	n, err := f.rec.CancelSubscription(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	profile, err := f.store.GetProfile(ctx, result.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, profile.SubscriptionStatus)
	assert.False(t, profile.HasBetaAccess)
	assert.Equal(t, "sub_1", profile.StripeSubscriptionID)

	n, err = f.rec.CancelSubscription(ctx, &stripe.Subscription{ID: "sub_unknown"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRefreshCustomerEmail(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	result, err := f.rec.Apply(ctx, testutil.Customer("cus_1", "old@example.com", nil), nil, billing.SourceSync)
	require.NoError(t, err)

	n, err := f.rec.RefreshCustomerEmail(ctx, testutil.Customer("cus_1", "new@example.com", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	profile, err := f.store.GetProfile(ctx, result.UserID)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", profile.Email)

	_, err = f.rec.RefreshCustomerEmail(ctx, testutil.Customer("cus_1", "", nil))
	assert.ErrorIs(t, err, billing.ErrMissingEmail)
}

func TestBuildProfileItems(t *testing.T) {
	sub := testutil.Subscription("sub_1", "cus_1", stripe.SubscriptionStatusIncomplete, 100, nil)
	sub.CancelAtPeriodEnd = true

	profile := billing.BuildProfile("user-1", "ada@example.com", testutil.Customer("cus_1", "ada@example.com", nil), sub, billing.SourceWebhook, fixedNow)

	assert.Equal(t, models.SubscriptionPastDue, profile.SubscriptionStatus)
	assert.Equal(t, "incomplete", profile.Metadata.ProviderStatus)
	assert.Equal(t, []models.SubscriptionItem{{PriceID: "price_pro_monthly", PriceNickname: "Pro monthly", ProductID: "prod_pro"}}, profile.Metadata.SubscriptionItems)
	assert.Equal(t, []string{"status:incomplete", "will_cancel"}, profile.Metadata.Tags)
	assert.Nil(t, profile.Metadata.StripeMetadata)
}

func TestApplyWebhookKeepsPayingProfileOfAnotherCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	paying := testutil.Customer("cus_new", "ada@example.com", nil)
	live := testutil.Subscription("sub_live", "cus_new", stripe.SubscriptionStatusActive, 200, map[string]string{"beta_access": "true"})
	first, err := f.rec.Apply(ctx, paying, live, billing.SourceWebhook)
	require.NoError(t, err)

	lapsed := testutil.Subscription("sub_lapsed", "cus_old", stripe.SubscriptionStatusCanceled, 100, nil)
	result, err := f.rec.Apply(ctx, testutil.Customer("cus_old", "ada@example.com", nil), lapsed, billing.SourceWebhook)
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, first.UserID, result.UserID)

	profile, err := f.store.GetProfile(ctx, first.UserID)
	require.NoError(t, err)
	assert.Equal(t, "cus_new", profile.StripeCustomerID)
	assert.Equal(t, "sub_live", profile.StripeSubscriptionID)
	assert.True(t, profile.HasBetaAccess)

	// the linked customer's own changes still apply
	live.Status = stripe.SubscriptionStatusPastDue
	result, err = f.rec.Apply(ctx, paying, live, billing.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, result.Changed)

	// and so does a paying subscription from the other customer
	renewed := testutil.Subscription("sub_renewed", "cus_old", stripe.SubscriptionStatusActive, 300, nil)
	result, err = f.rec.Apply(ctx, testutil.Customer("cus_old", "ada@example.com", nil), renewed, billing.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, result.Changed)

	profile, err = f.store.GetProfile(ctx, first.UserID)
	require.NoError(t, err)
	assert.Equal(t, "cus_old", profile.StripeCustomerID)
	assert.Equal(t, "sub_renewed", profile.StripeSubscriptionID)
}

// staleIdentity misses the first lookups, as a read replica lagging behind
// a concurrent create would.
type staleIdentity struct {
	*testutil.FakeIdentity
	misses int
}

func (s *staleIdentity) FindUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	if s.misses > 0 {
		s.misses--
		return nil, nil
	}
	return s.FakeIdentity.FindUserByEmail(ctx, email)
}

func TestEnsureUserLosingCreateRaceDoesNotWelcomeTwice(t *testing.T) {
	fake := testutil.NewFakeIdentity()
	ident := &staleIdentity{FakeIdentity: fake, misses: 2}
	welcomer := &testutil.FakeWelcomer{}
	rec := billing.NewReconciler(testutil.TestStorage(), testutil.NewFakePayments(), ident, zap.NewNop(), billing.WithWelcomer(welcomer))
	customer := testutil.Customer("cus_1", "ada@example.com", nil)

	first, created, err := rec.EnsureUser(t.Context(), "ada@example.com", customer, billing.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := rec.EnsureUser(t.Context(), "ada@example.com", customer, billing.SourceSync)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, 2, fake.CreateCalls)
	assert.Equal(t, 1, fake.UserCount())
	assert.Equal(t, []string{"ada@example.com"}, welcomer.Emails)
}

func TestEnsureUserEmailExistsButNotFound(t *testing.T) {
	fake := testutil.NewFakeIdentity()
	fake.AddUser("user-1", "ada@example.com")
	ident := &staleIdentity{FakeIdentity: fake, misses: 2}
	welcomer := &testutil.FakeWelcomer{}
	rec := billing.NewReconciler(testutil.TestStorage(), testutil.NewFakePayments(), ident, zap.NewNop(), billing.WithWelcomer(welcomer))

	_, _, err := rec.EnsureUser(t.Context(), "ada@example.com", nil, billing.SourceSync)
	assert.ErrorIs(t, err, identity.ErrEmailExists)
	assert.Empty(t, welcomer.Emails)
}
