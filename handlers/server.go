package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"kinvest.ai/cloud/internal/billing"
	"kinvest.ai/cloud/internal/config"
	"kinvest.ai/cloud/internal/metrics"
	"kinvest.ai/cloud/internal/ratelimit"
	"kinvest.ai/cloud/internal/version"
	"kinvest.ai/cloud/storage"
)

// EventVerifier checks the Stripe-Signature header of a webhook delivery.
type EventVerifier interface {
	ConstructEvent(payload []byte, header string) (stripe.Event, error)
}

type WebhookProcessor interface {
	Process(ctx context.Context, event stripe.Event, payload []byte) (billing.Outcome, error)
}

type Syncer interface {
	Run(ctx context.Context, opts billing.SyncOptions) (*billing.SyncResult, error)
}

// Dependencies are the collaborators the HTTP surface delegates to.
type Dependencies struct {
	Storage  storage.Storage
	Verifier EventVerifier
	Webhooks WebhookProcessor
	Syncer   Syncer
	Metrics  *metrics.Metrics
	Limiter  ratelimit.RateLimit
	Logger   *zap.Logger
}

type Server struct {
	Router chi.Router

	cfg      *config.Config
	storage  storage.Storage
	verifier EventVerifier
	webhooks WebhookProcessor
	syncer   Syncer
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewServer(cfg *config.Config, deps Dependencies) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.New(10, time.Minute)
	}

	s := &Server{
		Router:   chi.NewRouter(),
		cfg:      cfg,
		storage:  deps.Storage,
		verifier: deps.Verifier,
		webhooks: deps.Webhooks,
		syncer:   deps.Syncer,
		metrics:  deps.Metrics,
		log:      log,
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.Health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.With(middleware.Timeout(cfg.WebhookTimeout)).Post("/api/stripe/webhooks", s.StripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(limiter))
		r.Get("/api/sync-stripe", s.SyncUsage)
		r.With(middleware.Timeout(cfg.SyncTimeout)).Post("/api/sync-stripe", s.SyncStripe)
		r.Get("/api/debug/webhooks", s.DebugWebhooks)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   version.Version,
		Timestamp: time.Now().UTC(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

// authorized compares the bearer token with the cron secret in constant time.
func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" || s.cfg.CronSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
