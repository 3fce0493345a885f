package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"kinvest.ai/cloud/models"
)

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

const profileColumns = `id, email, stripe_customer_id, stripe_subscription_id, subscription_status,
	current_period_start, current_period_end, has_beta_access, subscription_metadata, created_at, updated_at`

const webhookEventColumns = `id, stripe_event_id, event_type, status, user_id, customer_email,
	subscription_id, error_message, raw_data, processed_at, created_at`

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer avoids "database is locked" under concurrent requests
	db.SetMaxOpenConns(1)

	if err := runMigrations(db, dialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

func (s *SQLiteStorage) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	return s.queryProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
}

func (s *SQLiteStorage) FindProfileByEmail(ctx context.Context, email string) (*models.Profile, error) {
	return s.queryProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE email = ? ORDER BY updated_at DESC LIMIT 1`, email)
}

func (s *SQLiteStorage) FindProfileBySubscription(ctx context.Context, subscriptionID string) (*models.Profile, error) {
	return s.queryProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE stripe_subscription_id = ? ORDER BY updated_at DESC LIMIT 1`, subscriptionID)
}

func (s *SQLiteStorage) queryProfile(ctx context.Context, query string, args ...any) (*models.Profile, error) {
	profile, err := scanSQLiteProfile(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return profile, nil
}

func (s *SQLiteStorage) UpsertProfile(ctx context.Context, profile *models.Profile) error {
	metadata, err := json.Marshal(profile.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode profile metadata: %w", err)
	}

	query := `INSERT INTO profiles (` + profileColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			stripe_customer_id = excluded.stripe_customer_id,
			stripe_subscription_id = excluded.stripe_subscription_id,
			subscription_status = excluded.subscription_status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			has_beta_access = excluded.has_beta_access,
			subscription_metadata = excluded.subscription_metadata,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		profile.ID,
		profile.Email,
		nullString(profile.StripeCustomerID),
		nullString(profile.StripeSubscriptionID),
		nullString(string(profile.SubscriptionStatus)),
		nullTime(profile.CurrentPeriodStart),
		nullTime(profile.CurrentPeriodEnd),
		profile.HasBetaAccess,
		string(metadata),
		profile.CreatedAt.UTC(),
		profile.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) CancelProfilesBySubscription(ctx context.Context, subscriptionID string, at time.Time) (int, error) {
	return s.exec(ctx, `UPDATE profiles SET subscription_status = ?, has_beta_access = 0, updated_at = ?
		WHERE stripe_subscription_id = ?`, string(models.SubscriptionCanceled), at.UTC(), subscriptionID)
}

func (s *SQLiteStorage) CancelProfilesByCustomer(ctx context.Context, customerID string, at time.Time) (int, error) {
	return s.exec(ctx, `UPDATE profiles SET subscription_status = ?, has_beta_access = 0, updated_at = ?
		WHERE stripe_customer_id = ?`, string(models.SubscriptionCanceled), at.UTC(), customerID)
}

func (s *SQLiteStorage) UpdateEmailByCustomer(ctx context.Context, customerID, email string, at time.Time) (int, error) {
	return s.exec(ctx, `UPDATE profiles SET email = ?, updated_at = ? WHERE stripe_customer_id = ?`,
		email, at.UTC(), customerID)
}

func (s *SQLiteStorage) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update profiles: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStorage) ListProfilesWithCustomer(ctx context.Context) ([]*models.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles
		WHERE stripe_customer_id IS NOT NULL AND stripe_customer_id != '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*models.Profile
	for rows.Next() {
		profile, err := scanSQLiteProfile(rows)
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

func (s *SQLiteStorage) CountProfiles(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count profiles: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) GetWebhookEvent(ctx context.Context, stripeEventID string) (*models.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events WHERE stripe_event_id = ?`, stripeEventID)
	event, err := scanSQLiteWebhookEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return event, nil
}

func (s *SQLiteStorage) SaveWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = event.ProcessedAt
	}

	query := `INSERT INTO webhook_events (` + webhookEventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stripe_event_id) DO UPDATE SET
			event_type = excluded.event_type,
			status = excluded.status,
			user_id = excluded.user_id,
			customer_email = excluded.customer_email,
			subscription_id = excluded.subscription_id,
			error_message = excluded.error_message,
			raw_data = excluded.raw_data,
			processed_at = excluded.processed_at`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.StripeEventID,
		event.EventType,
		string(event.Status),
		nullString(event.UserID),
		nullString(event.CustomerEmail),
		nullString(event.SubscriptionID),
		nullString(event.ErrorMessage),
		nullString(string(event.RawData)),
		event.ProcessedAt.UTC(),
		event.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save webhook event: %w", err)
	}

	// the row may predate this call, so report its original identity
	stored, err := s.GetWebhookEvent(ctx, event.StripeEventID)
	if err != nil {
		return err
	}
	if stored != nil {
		event.ID = stored.ID
		event.CreatedAt = stored.CreatedAt
	}
	return nil
}

func (s *SQLiteStorage) ListWebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	// a negative LIMIT is unbounded in SQLite
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events
		ORDER BY created_at DESC, stripe_event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		event, err := scanSQLiteWebhookEvent(rows)
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

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProfile(row rowScanner) (*models.Profile, error) {
	var (
		profile                  models.Profile
		customerID, subID, state sql.NullString
		start, end               sql.NullTime
		metadata                 string
	)
	err := row.Scan(
		&profile.ID,
		&profile.Email,
		&customerID,
		&subID,
		&state,
		&start,
		&end,
		&profile.HasBetaAccess,
		&metadata,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	profile.StripeCustomerID = customerID.String
	profile.StripeSubscriptionID = subID.String
	profile.SubscriptionStatus = models.SubscriptionStatus(state.String)
	profile.CurrentPeriodStart = timePtr(start)
	profile.CurrentPeriodEnd = timePtr(end)
	profile.CreatedAt = profile.CreatedAt.UTC()
	profile.UpdatedAt = profile.UpdatedAt.UTC()
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &profile.Metadata); err != nil {
			return nil, fmt.Errorf("decode profile metadata: %w", err)
		}
	}
	return &profile, nil
}

func scanSQLiteWebhookEvent(row rowScanner) (*models.WebhookEvent, error) {
	var (
		event                                 models.WebhookEvent
		status                                string
		userID, email, subID, errMsg, rawData sql.NullString
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
		&rawData,
		&event.ProcessedAt,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Status = models.EventStatus(status)
	event.UserID = userID.String
	event.CustomerEmail = email.String
	event.SubscriptionID = subID.String
	event.ErrorMessage = errMsg.String
	if rawData.Valid && rawData.String != "" {
		event.RawData = json.RawMessage(rawData.String)
	}
	event.ProcessedAt = event.ProcessedAt.UTC()
	event.CreatedAt = event.CreatedAt.UTC()
	return &event, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
