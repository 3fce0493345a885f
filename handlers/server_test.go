package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kinvest.ai/cloud/internal/billing"
	"kinvest.ai/cloud/internal/config"
	"kinvest.ai/cloud/internal/metrics"
	"kinvest.ai/cloud/internal/payments"
	"kinvest.ai/cloud/internal/ratelimit"
	"kinvest.ai/cloud/internal/testutil"
	"kinvest.ai/cloud/storage"
)

const cronSecret = "cron-secret-value"

type testServer struct {
	*Server
	store    *storage.MemoryStorage
	payments *testutil.FakePayments
	identity *testutil.FakeIdentity
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                   "8080",
		Environment:            "test",
		StripeSecretKey:        "sk_test_123",
		StripeWebhookSecret:    testutil.WebhookSecret,
		SupabaseURL:            "http://supabase.local",
		SupabaseServiceRoleKey: "service-role",
		CronSecret:             cronSecret,
		SyncPageSize:           100,
		WebhookTimeout:         30 * time.Second,
		SyncTimeout:            300 * time.Second,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, limiter ratelimit.RateLimit) *testServer {
	t.Helper()
	store := testutil.TestStorage()
	fakePayments := testutil.NewFakePayments()
	fakeIdentity := testutil.NewFakeIdentity()
	m := metrics.New()
	log := zap.NewNop()

	reconciler := billing.NewReconciler(store, fakePayments, fakeIdentity, log)
	if limiter == nil {
		limiter = ratelimit.New(100, time.Minute)
	}

	srv := NewServer(cfg, Dependencies{
		Storage:  store,
		Verifier: payments.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret),
		Webhooks: billing.NewWebhookProcessor(store, reconciler, fakePayments, m, log),
		Syncer:   billing.NewSyncJob(store, reconciler, fakePayments, m, log),
		Metrics:  m,
		Limiter:  limiter,
		Logger:   log,
	})
	return &testServer{Server: srv, store: store, payments: fakePayments, identity: fakeIdentity}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())
	return body
}

func TestServer_HealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	w := s.do(t, http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Version)
	assert.WithinDuration(t, time.Now(), resp.Timestamp, time.Minute)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	w := s.do(t, http.MethodGet, "/metrics", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_RoutingConfiguration(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/stripe/webhooks", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/sync-stripe", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/licenses/validate", http.StatusNotFound},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, nil, nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestServer_CORS(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://kinvest.ai"}
	s := newTestServer(t, cfg, nil)

	w := s.do(t, http.MethodOptions, "/api/sync-stripe", nil, map[string]string{
		"Origin":                        "https://kinvest.ai",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, "https://kinvest.ai", w.Header().Get("Access-Control-Allow-Origin"))

	w = s.do(t, http.MethodGet, "/health", nil, map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimitsOperatorRoutes(t *testing.T) {
	s := newTestServer(t, testConfig(), ratelimit.New(1, time.Minute))

	first := s.do(t, http.MethodGet, "/api/sync-stripe", nil, nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := s.do(t, http.MethodGet, "/api/sync-stripe", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// health and webhooks are never throttled
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, nil).Code)
}

func TestAuthorized(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", "Bearer " + cronSecret, true},
		{"missing", "", false},
		{"wrong secret", "Bearer nope", false},
		{"wrong scheme", "Basic " + cronSecret, false},
		{"empty token", "Bearer ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequestWithContext(context.Background(), http.MethodPost, "/api/sync-stripe", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, s.authorized(req))
		})
	}
}
