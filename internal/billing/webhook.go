package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"kinvest.ai/cloud/internal/metrics"
	"kinvest.ai/cloud/internal/version"
	"kinvest.ai/cloud/models"
	"kinvest.ai/cloud/storage"
)

type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// WebhookProcessor applies verified Stripe events at most once per event id.
type WebhookProcessor struct {
	store      storage.Storage
	reconciler *Reconciler
	payments   Payments
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
}

func NewWebhookProcessor(store storage.Storage, reconciler *Reconciler, payments Payments, m *metrics.Metrics, log *zap.Logger) *WebhookProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookProcessor{
		store:      store,
		reconciler: reconciler,
		payments:   payments,
		metrics:    m,
		log:        log.With(zap.String("component", "webhook")),
		now:        reconciler.now,
	}
}

// dispatchResult is what a handler learned about the event's subject.
type dispatchResult struct {
	status         models.EventStatus
	userID         string
	email          string
	subscriptionID string
}

// Process records the event in the ledger and runs its handler. A ledger row
// that already reached a terminal status short-circuits the call. Errors
// wrapping ErrMalformedEvent will never succeed on retry; any other error is
// transient.
func (p *WebhookProcessor) Process(ctx context.Context, event stripe.Event, payload []byte) (Outcome, error) {
	start := time.Now()
	eventType := string(event.Type)
	log := p.log.With(zap.String("event_id", event.ID), zap.String("event_type", eventType))

	if event.ID == "" {
		return "", fmt.Errorf("%w: event without id", ErrMalformedEvent)
	}

	existing, err := p.store.GetWebhookEvent(ctx, event.ID)
	if err != nil {
		return "", fmt.Errorf("ledger lookup: %w", err)
	}
	if existing != nil && existing.Status.Terminal() {
		log.Info("duplicate delivery skipped", zap.String("ledger_status", string(existing.Status)))
		p.metrics.WebhookProcessed(eventType, string(OutcomeAlreadyProcessed), time.Since(start))
		return OutcomeAlreadyProcessed, nil
	}

	p.checkAPIVersion(log, event.APIVersion)

	if len(payload) == 0 {
		payload, _ = json.Marshal(event)
	}
	row := &models.WebhookEvent{
		StripeEventID: event.ID,
		EventType:     eventType,
		Status:        models.EventReceived,
		RawData:       json.RawMessage(payload),
		ProcessedAt:   p.now(),
	}
	if err := p.store.SaveWebhookEvent(ctx, row); err != nil {
		return "", fmt.Errorf("ledger insert: %w", err)
	}

	result, handleErr := p.dispatch(ctx, log, event)

	row.Status = result.status
	row.UserID = result.userID
	row.CustomerEmail = result.email
	row.SubscriptionID = result.subscriptionID
	row.ProcessedAt = p.now()
	if handleErr != nil {
		row.Status = models.EventError
		row.ErrorMessage = handleErr.Error()
	}

	if err := p.store.SaveWebhookEvent(ctx, row); err != nil {
		log.Error("ledger update failed", zap.Error(err))
		if handleErr == nil {
			handleErr = fmt.Errorf("ledger update: %w", err)
		}
	}

	p.metrics.WebhookProcessed(eventType, string(row.Status), time.Since(start))
	if handleErr != nil {
		log.Error("webhook handler failed", zap.Error(handleErr))
		return "", handleErr
	}

	log.Info("webhook processed", zap.String("ledger_status", string(row.Status)))
	return OutcomeProcessed, nil
}

func (p *WebhookProcessor) dispatch(ctx context.Context, log *zap.Logger, event stripe.Event) (dispatchResult, error) {
	decoded, err := DecodeEvent(event)
	if err != nil {
		return dispatchResult{status: models.EventError}, err
	}

	switch ev := decoded.(type) {
	case SubscriptionChanged:
		applied, err := p.reconciler.ApplySubscription(ctx, ev.Subscription, SourceWebhook)
		if err != nil {
			return dispatchResult{status: models.EventError, subscriptionID: ev.Subscription.ID}, err
		}
		return processed(applied), nil

	case SubscriptionDeleted:
		res := dispatchResult{status: models.EventProcessed, subscriptionID: ev.Subscription.ID}
		linked, err := p.store.FindProfileBySubscription(ctx, ev.Subscription.ID)
		if err != nil {
			res.status = models.EventError
			return res, fmt.Errorf("find profile for %s: %w", ev.Subscription.ID, err)
		}
		if linked != nil {
			res.userID = linked.ID
			res.email = linked.Email
		}
		n, err := p.reconciler.CancelSubscription(ctx, ev.Subscription)
		if err != nil {
			res.status = models.EventError
			return res, err
		}
		log.Info("subscription canceled", zap.String("stripe_subscription_id", ev.Subscription.ID), zap.Int("profiles", n))
		return res, nil

	case InvoicePaid:
		res := dispatchResult{status: models.EventProcessed, email: ev.Invoice.CustomerEmail, subscriptionID: ev.Invoice.SubscriptionID}
		if ev.Invoice.SubscriptionID == "" {
			log.Info("invoice without subscription ignored", zap.String("invoice_id", ev.Invoice.ID))
			return res, nil
		}
		sub, err := p.payments.GetSubscription(ctx, ev.Invoice.SubscriptionID)
		if err != nil {
			res.status = models.EventError
			return res, fmt.Errorf("refetch subscription: %w", err)
		}
		applied, err := p.reconciler.ApplySubscription(ctx, sub, SourceWebhook)
		if err != nil {
			res.status = models.EventError
			return res, err
		}
		return processed(applied), nil

	case InvoicePaymentFailed:
		// the follow-up customer.subscription.updated carries the past_due state
		log.Warn("invoice payment failed",
			zap.String("invoice_id", ev.Invoice.ID),
			zap.String("stripe_customer_id", ev.Invoice.CustomerID),
			zap.String("stripe_subscription_id", ev.Invoice.SubscriptionID),
			zap.Int64("attempt_count", ev.Invoice.AttemptCount))
		return dispatchResult{
			status:         models.EventProcessed,
			email:          ev.Invoice.CustomerEmail,
			subscriptionID: ev.Invoice.SubscriptionID,
		}, nil

	case CustomerUpdated:
		res := dispatchResult{status: models.EventProcessed, email: ev.Customer.Email}
		n, err := p.reconciler.RefreshCustomerEmail(ctx, ev.Customer)
		if err != nil {
			log.Warn("customer email refresh failed", zap.String("stripe_customer_id", ev.Customer.ID), zap.Error(err))
			return res, nil
		}
		log.Info("customer email refreshed", zap.String("stripe_customer_id", ev.Customer.ID), zap.Int("profiles", n))
		return res, nil

	case Unhandled:
		log.Info("unhandled event type")
		return dispatchResult{status: models.EventUnhandled}, nil

	default:
		return dispatchResult{status: models.EventError}, fmt.Errorf("no handler for %T", decoded)
	}
}

func processed(applied *ApplyResult) dispatchResult {
	return dispatchResult{
		status:         models.EventProcessed,
		userID:         applied.UserID,
		email:          applied.Email,
		subscriptionID: applied.SubscriptionID,
	}
}

func (p *WebhookProcessor) checkAPIVersion(log *zap.Logger, apiVersion string) {
	if apiVersion == "" {
		return
	}
	ok, err := version.IsCompatible(apiVersion, stripe.APIVersion)
	if err != nil || !ok {
		log.Warn("event rendered with a different stripe api release",
			zap.String("event_api_version", apiVersion),
			zap.String("client_api_version", stripe.APIVersion),
			zap.Error(err))
	}
}

// IsPermanent reports whether err comes from a payload that can never be
// processed, as opposed to a transient failure worth a redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}
