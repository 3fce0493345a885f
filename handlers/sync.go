package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"kinvest.ai/cloud/internal/billing"
)

type syncErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// SyncStripe runs one reconciliation pass for the scheduler. The cleanup
// query parameter overrides the configured default.
func (s *Server) SyncStripe(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.log.Warn("unauthorized sync request", zap.String("remote_addr", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, syncErrorResponse{Error: "Unauthorized"})
		return
	}

	opts := billing.SyncOptions{Cleanup: s.cfg.SyncCleanup, PageSize: s.cfg.SyncPageSize}
	if raw := r.URL.Query().Get("cleanup"); raw != "" {
		cleanup, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, syncErrorResponse{Error: "cleanup must be true or false"})
			return
		}
		opts.Cleanup = cleanup
	}

	result, err := s.syncer.Run(r.Context(), opts)
	switch {
	case errors.Is(err, billing.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, syncErrorResponse{Error: "Sync already in progress"})
		return
	case err != nil:
		s.log.Error("stripe sync failed", zap.Error(err))
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
		writeJSON(w, http.StatusInternalServerError, syncErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type syncUsageResponse struct {
	Message string    `json:"message"`
	Usage   string    `json:"usage"`
	Cleanup bool      `json:"cleanup_default"`
	Time    time.Time `json:"timestamp"`
}

func (s *Server) SyncUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, syncUsageResponse{
		Message: "Stripe Sync Job Endpoint",
		Usage:   "POST with Authorization: Bearer <CRON_SECRET>, optional ?cleanup=true|false",
		Cleanup: s.cfg.SyncCleanup,
		Time:    time.Now().UTC(),
	})
}
