package handlers

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"kinvest.ai/cloud/models"
)

const debugEventLimit = 10

type environmentCheck struct {
	StripeSecretKey     bool `json:"stripe_secret_key"`
	StripeWebhookSecret bool `json:"stripe_webhook_secret"`
	SupabaseURL         bool `json:"supabase_url"`
	SupabaseServiceRole bool `json:"supabase_service_role"`
	WebhookSecretLength int  `json:"webhook_secret_length"`
	EmailEnabled        bool `json:"email_enabled"`
}

type eventSummary struct {
	Type   string             `json:"type"`
	Status models.EventStatus `json:"status"`
	Time   time.Time          `json:"time"`
	Error  string             `json:"error,omitempty"`
}

type debugResponse struct {
	Timestamp    time.Time              `json:"timestamp"`
	Environment  environmentCheck       `json:"environment"`
	RecentEvents []*models.WebhookEvent `json:"recent_webhook_events"`
	Summary      []eventSummary         `json:"last_events_summary"`
	Profiles     int                    `json:"total_profiles"`
	Profile      *models.Profile        `json:"profile,omitempty"`
}

// DebugWebhooks shows the latest ledger rows and whether the service is
// configured, for operators chasing a missing webhook. ?email= adds the
// profile stored for that address.
func (s *Server) DebugWebhooks(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}

	ctx := r.Context()
	events, err := s.storage.ListWebhookEvents(ctx, debugEventLimit)
	if err != nil {
		s.log.Error("failed to list webhook events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	profiles, err := s.storage.CountProfiles(ctx)
	if err != nil {
		s.log.Error("failed to count profiles", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	var profile *models.Profile
	if addr := strings.TrimSpace(r.URL.Query().Get("email")); addr != "" {
		profile, err = s.storage.FindProfileByEmail(ctx, addr)
		if err != nil {
			s.log.Error("failed to find profile", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
	}

	summary := make([]eventSummary, 0, len(events))
	for _, e := range events {
		summary = append(summary, eventSummary{Type: e.EventType, Status: e.Status, Time: e.ProcessedAt, Error: e.ErrorMessage})
	}
	if events == nil {
		events = []*models.WebhookEvent{}
	}

	writeJSON(w, http.StatusOK, debugResponse{
		Timestamp: time.Now().UTC(),
		Environment: environmentCheck{
			StripeSecretKey:     s.cfg.StripeSecretKey != "",
			StripeWebhookSecret: s.cfg.StripeWebhookSecret != "",
			SupabaseURL:         s.cfg.SupabaseURL != "",
			SupabaseServiceRole: s.cfg.SupabaseServiceRoleKey != "",
			WebhookSecretLength: len(s.cfg.StripeWebhookSecret),
			EmailEnabled:        s.cfg.EmailEnabled(),
		},
		RecentEvents: events,
		Summary:      summary,
		Profiles:     profiles,
		Profile:      profile,
	})
}
