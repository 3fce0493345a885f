package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	DatabaseURL string

	StripeSecretKey     string
	StripeWebhookSecret string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	MagicLinkRedirectURL   string

	CronSecret   string
	SyncPageSize int64
	SyncCleanup  bool

	WebhookTimeout time.Duration
	SyncTimeout    time.Duration

	AllowedOrigins []string

	ResendAPIKey string
	EmailFrom    string

	SentryDSN string
}

// Load reads an optional .env file before resolving the environment.
// Variables already set in the process win over the file.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)
	return New()
}

// New resolves the configuration from the environment. Every problem is
// reported at once rather than stopping at the first.
func New() (*Config, error) {
	var errs *multierror.Error

	required := func(name string) string {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s environment variable is required", name))
		}
		return v
	}

	cfg := &Config{
		Port:        getenv("PORT", "8080"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		DatabaseURL: getenv("DATABASE_URL", "sqlite://kinvest.db"),

		StripeSecretKey:     required("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: required("STRIPE_WEBHOOK_SECRET"),

		SupabaseURL:            strings.TrimRight(required("SUPABASE_URL"), "/"),
		SupabaseServiceRoleKey: required("SUPABASE_SERVICE_ROLE_KEY"),
		MagicLinkRedirectURL:   os.Getenv("MAGIC_LINK_REDIRECT_URL"),

		CronSecret: required("CRON_SECRET"),

		ResendAPIKey: os.Getenv("RESEND_API_KEY"),
		EmailFrom:    getenv("EMAIL_FROM", "Kinvest <hello@kinvest.ai>"),
		SentryDSN:    os.Getenv("SENTRY_DSN"),
	}

	pageSize, err := strconv.ParseInt(getenv("SYNC_PAGE_SIZE", "100"), 10, 64)
	if err != nil || pageSize < 1 || pageSize > 100 {
		errs = multierror.Append(errs, fmt.Errorf("SYNC_PAGE_SIZE must be an integer between 1 and 100"))
	}
	cfg.SyncPageSize = pageSize

	cleanup, err := strconv.ParseBool(getenv("SYNC_CLEANUP", "false"))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("SYNC_CLEANUP must be a boolean: %w", err))
	}
	cfg.SyncCleanup = cleanup

	cfg.WebhookTimeout, err = time.ParseDuration(getenv("WEBHOOK_TIMEOUT", "30s"))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("WEBHOOK_TIMEOUT: %w", err))
	}
	cfg.SyncTimeout, err = time.ParseDuration(getenv("SYNC_TIMEOUT", "300s"))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("SYNC_TIMEOUT: %w", err))
	}

	for _, origin := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EmailEnabled reports whether welcome mail can be sent.
func (c *Config) EmailEnabled() bool {
	return c.ResendAPIKey != ""
}

func getenv(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
