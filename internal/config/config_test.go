package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("SUPABASE_URL", "https://project.supabase.co/")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "service-role")
	t.Setenv("CRON_SECRET", "cron")
}

func TestNew_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite://kinvest.db", cfg.DatabaseURL)
	assert.Equal(t, "https://project.supabase.co", cfg.SupabaseURL)
	assert.Equal(t, int64(100), cfg.SyncPageSize)
	assert.False(t, cfg.SyncCleanup)
	assert.Equal(t, 30*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 300*time.Second, cfg.SyncTimeout)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.EmailEnabled())
}

func TestNew_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("SYNC_PAGE_SIZE", "25")
	t.Setenv("SYNC_CLEANUP", "true")
	t.Setenv("SYNC_TIMEOUT", "10m")
	t.Setenv("ALLOWED_ORIGINS", "https://kinvest.ai, https://app.kinvest.ai ,")
	t.Setenv("RESEND_API_KEY", "re_123")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(25), cfg.SyncPageSize)
	assert.True(t, cfg.SyncCleanup)
	assert.Equal(t, 10*time.Minute, cfg.SyncTimeout)
	assert.Equal(t, []string{"https://kinvest.ai", "https://app.kinvest.ai"}, cfg.AllowedOrigins)
	assert.True(t, cfg.EmailEnabled())
}

func TestNew_ReportsEveryMissingVariable(t *testing.T) {
	for _, name := range []string{"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "SUPABASE_URL", "SUPABASE_SERVICE_ROLE_KEY", "CRON_SECRET"} {
		t.Setenv(name, "")
	}

	_, err := New()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 5)
	assert.Contains(t, err.Error(), "CRON_SECRET")
}

func TestNew_InvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("SYNC_PAGE_SIZE", "500")
	t.Setenv("SYNC_CLEANUP", "maybe")
	t.Setenv("WEBHOOK_TIMEOUT", "soon")

	_, err := New()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3)
}

func TestLoad_DotEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("CRON_SECRET", "")
	os.Unsetenv("CRON_SECRET")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CRON_SECRET=from-file\nPORT=7070\n"), 0o600))
	t.Setenv("PORT", "6060")
	t.Cleanup(func() { os.Unsetenv("CRON_SECRET") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.CronSecret)
	assert.Equal(t, "6060", cfg.Port, "process environment wins over the file")
}
