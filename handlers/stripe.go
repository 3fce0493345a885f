package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"kinvest.ai/cloud/internal/billing"
	"kinvest.ai/cloud/internal/logger"
)

const maxWebhookBodyBytes = int64(65536)

type webhookResponse struct {
	Received bool            `json:"received"`
	Status   billing.Outcome `json:"status"`
}

// StripeWebhook verifies and processes one Stripe event delivery. Signature
// and payload problems answer 400 so Stripe stops retrying; anything else
// answers 500 and the delivery is retried.
func (s *Server) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.log.With(zap.String("request_id", middleware.GetReqID(ctx)))

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("webhook payload too large", zap.Int64("limit", tooLarge.Limit))
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Payload too large"})
			return
		}
		log.Error("failed to read webhook payload", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Failed to read payload"})
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := s.verifier.ConstructEvent(payload, signature)
	if err != nil {
		log.Warn("webhook signature verification failed",
			logger.Redact("signature", signature),
			zap.Int("payload_size", len(payload)),
			zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid signature"})
		return
	}

	outcome, err := s.webhooks.Process(ctx, event, payload)
	if err != nil {
		if billing.IsPermanent(err) {
			log.Warn("malformed webhook event", zap.String("event_id", event.ID), zap.Error(err))
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Malformed event"})
			return
		}
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("stripe_event_id", event.ID)
				scope.SetTag("stripe_event_type", string(event.Type))
				hub.CaptureException(err)
			})
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Webhook handler failed"})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: outcome})
}
