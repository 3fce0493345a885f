package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"kinvest.ai/cloud/models"
)

// PostgresStorage talks to the Supabase database directly over a pgx pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database dsn: %w", err)
	}
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = runMigrations(db, dialectPostgres)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

func (s *PostgresStorage) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	return s.queryProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
}

func (s *PostgresStorage) FindProfileByEmail(ctx context.Context, email string) (*models.Profile, error) {
	return s.queryProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE email = $1 ORDER BY updated_at DESC LIMIT 1`, email)
}

func (s *PostgresStorage) FindProfileBySubscription(ctx context.Context, subscriptionID string) (*models.Profile, error) {
	return s.queryProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE stripe_subscription_id = $1 ORDER BY updated_at DESC LIMIT 1`, subscriptionID)
}

func (s *PostgresStorage) queryProfile(ctx context.Context, query string, args ...any) (*models.Profile, error) {
	profile, err := scanPostgresProfile(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return profile, nil
}

func (s *PostgresStorage) UpsertProfile(ctx context.Context, profile *models.Profile) error {
	metadata, err := json.Marshal(profile.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode profile metadata: %w", err)
	}

	query := `INSERT INTO profiles (` + profileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			subscription_status = EXCLUDED.subscription_status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			has_beta_access = EXCLUDED.has_beta_access,
			subscription_metadata = EXCLUDED.subscription_metadata,
			updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		profile.ID,
		profile.Email,
		optionalString(profile.StripeCustomerID),
		optionalString(profile.StripeSubscriptionID),
		optionalString(string(profile.SubscriptionStatus)),
		profile.CurrentPeriodStart,
		profile.CurrentPeriodEnd,
		profile.HasBetaAccess,
		metadata,
		profile.CreatedAt,
		profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStorage) CancelProfilesBySubscription(ctx context.Context, subscriptionID string, at time.Time) (int, error) {
	return s.exec(ctx, `UPDATE profiles SET subscription_status = $1, has_beta_access = FALSE, updated_at = $2
		WHERE stripe_subscription_id = $3`, string(models.SubscriptionCanceled), at, subscriptionID)
}

func (s *PostgresStorage) CancelProfilesByCustomer(ctx context.Context, customerID string, at time.Time) (int, error) {
	return s.exec(ctx, `UPDATE profiles SET subscription_status = $1, has_beta_access = FALSE, updated_at = $2
		WHERE stripe_customer_id = $3`, string(models.SubscriptionCanceled), at, customerID)
}

func (s *PostgresStorage) UpdateEmailByCustomer(ctx context.Context, customerID, email string, at time.Time) (int, error) {
	return s.exec(ctx, `UPDATE profiles SET email = $1, updated_at = $2 WHERE stripe_customer_id = $3`,
		email, at, customerID)
}

func (s *PostgresStorage) exec(ctx context.Context, query string, args ...any) (int, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update profiles: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStorage) ListProfilesWithCustomer(ctx context.Context) ([]*models.Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM profiles
		WHERE stripe_customer_id IS NOT NULL AND stripe_customer_id <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*models.Profile
	for rows.Next() {
		profile, err := scanPostgresProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profiles: %w", err)
	}
	return profiles, nil
}

func (s *PostgresStorage) CountProfiles(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count profiles: %w", err)
	}
	return n, nil
}

func (s *PostgresStorage) GetWebhookEvent(ctx context.Context, stripeEventID string) (*models.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events WHERE stripe_event_id = $1`, stripeEventID)
	event, err := scanPostgresWebhookEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return event, nil
}

func (s *PostgresStorage) SaveWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = event.ProcessedAt
	}

	query := `INSERT INTO webhook_events (` + webhookEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (stripe_event_id) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			status = EXCLUDED.status,
			user_id = EXCLUDED.user_id,
			customer_email = EXCLUDED.customer_email,
			subscription_id = EXCLUDED.subscription_id,
			error_message = EXCLUDED.error_message,
			raw_data = EXCLUDED.raw_data,
			processed_at = EXCLUDED.processed_at
		RETURNING id, created_at`

	var raw []byte
	if len(event.RawData) > 0 {
		raw = event.RawData
	}

	err := s.pool.QueryRow(ctx, query,
		event.ID,
		event.StripeEventID,
		event.EventType,
		string(event.Status),
		optionalString(event.UserID),
		optionalString(event.CustomerEmail),
		optionalString(event.SubscriptionID),
		optionalString(event.ErrorMessage),
		raw,
		event.ProcessedAt,
		event.CreatedAt,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save webhook event: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListWebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	// LIMIT NULL is LIMIT ALL
	var bound *int
	if limit > 0 {
		bound = &limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events
		ORDER BY created_at DESC, stripe_event_id DESC LIMIT $1`, bound)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		event, err := scanPostgresWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}
	return events, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresProfile(row pgx.Row) (*models.Profile, error) {
	var (
		profile                  models.Profile
		customerID, subID, state *string
		metadata                 []byte
	)
	err := row.Scan(
		&profile.ID,
		&profile.Email,
		&customerID,
		&subID,
		&state,
		&profile.CurrentPeriodStart,
		&profile.CurrentPeriodEnd,
		&profile.HasBetaAccess,
		&metadata,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	profile.StripeCustomerID = deref(customerID)
	profile.StripeSubscriptionID = deref(subID)
	profile.SubscriptionStatus = models.SubscriptionStatus(deref(state))
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &profile.Metadata); err != nil {
			return nil, fmt.Errorf("decode profile metadata: %w", err)
		}
	}
	return &profile, nil
}

func scanPostgresWebhookEvent(row pgx.Row) (*models.WebhookEvent, error) {
	var (
		event                        models.WebhookEvent
		status                       string
		userID, email, subID, errMsg *string
		raw                          []byte
	)
	err := row.Scan(
		&event.ID,
		&event.StripeEventID,
		&event.EventType,
		&status,
		&userID,
		&email,
		&subID,
		&errMsg,
		&raw,
		&event.ProcessedAt,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Status = models.EventStatus(status)
	event.UserID = deref(userID)
	event.CustomerEmail = deref(email)
	event.SubscriptionID = deref(subID)
	event.ErrorMessage = deref(errMsg)
	if len(raw) > 0 {
		event.RawData = json.RawMessage(raw)
	}
	return &event, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
