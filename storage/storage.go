package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kinvest.ai/cloud/models"
)

// Storage persists profiles and the webhook ledger. Lookups return nil, nil
// when nothing matches. ListWebhookEvents returns every row when limit <= 0.
type Storage interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	FindProfileByEmail(ctx context.Context, email string) (*models.Profile, error)
	FindProfileBySubscription(ctx context.Context, subscriptionID string) (*models.Profile, error)
	UpsertProfile(ctx context.Context, profile *models.Profile) error
	CancelProfilesBySubscription(ctx context.Context, subscriptionID string, at time.Time) (int, error)
	CancelProfilesByCustomer(ctx context.Context, customerID string, at time.Time) (int, error)
	UpdateEmailByCustomer(ctx context.Context, customerID, email string, at time.Time) (int, error)
	ListProfilesWithCustomer(ctx context.Context) ([]*models.Profile, error)
	CountProfiles(ctx context.Context) (int, error)

	GetWebhookEvent(ctx context.Context, stripeEventID string) (*models.WebhookEvent, error)
	SaveWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	ListWebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error)

	Close() error
}

// Open picks a backend from the URL scheme. postgres:// and postgresql://
// open a pgx pool, memory:// keeps everything in process, and anything else
// is treated as a SQLite path (with or without a sqlite:// prefix).
func Open(ctx context.Context, databaseURL string) (Storage, error) {
	switch {
	case databaseURL == "":
		return nil, fmt.Errorf("database url is empty")
	case strings.HasPrefix(databaseURL, "memory://"):
		return NewMemoryStorage(), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgresStorage(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLiteStorage(strings.TrimPrefix(databaseURL, "sqlite://"))
	default:
		return NewSQLiteStorage(databaseURL)
	}
}
