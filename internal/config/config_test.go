package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 60*time.Second, cfg.Schedule.TickInterval)
	assert.Equal(t, 3, cfg.Search.MaxAttempts)
	assert.Equal(t, 2500, cfg.Quota.MonthlyLimit)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "config.yaml", `
database:
  driver: postgres
  dsn: postgres://radar@localhost/radar
schedule:
  tick_interval: 30s
  pacing: 250ms
search:
  provider: feed
  feed_url: https://news.example.com/rss?q={query}
  backoff_base: 2s
quota:
  monthly_limit: 100
notify:
  smtp:
    host: smtp.example.com
    from: radar@example.com
  slack:
    enabled: true
    webhook_url: https://hooks.slack.com/x
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Schedule.TickInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Schedule.Pacing)
	assert.Equal(t, "feed", cfg.Search.Provider)
	assert.Equal(t, 2*time.Second, cfg.Search.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Search.Timeout, "unset keys keep defaults")
	assert.Equal(t, 100, cfg.Quota.MonthlyLimit)
	assert.Equal(t, "smtp.example.com", cfg.Notify.SMTP.Host)
	assert.Equal(t, 587, cfg.Notify.SMTP.Port)
	assert.True(t, cfg.Notify.Slack.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RIVALRADAR_DB_DSN", "/tmp/radar.db")
	t.Setenv("SEARCH_API_KEY", "k-123")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.example.com/hook")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/radar.db", cfg.Database.DSN)
	assert.Equal(t, "k-123", cfg.Search.APIKey)
	assert.Equal(t, 2525, cfg.Notify.SMTP.Port)
	assert.Equal(t, "localhost:6379", cfg.Lock.Addr)
	assert.True(t, cfg.Notify.Discord.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestDotEnvIsLoaded(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, ".env", "WEBHOOK_SECRET=from-dotenv\n")
	t.Setenv("WEBHOOK_SECRET", "")
	require.NoError(t, os.Unsetenv("WEBHOOK_SECRET"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Notify.WebhookSecret)
}

func TestInvalidSettings(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("bad port", func(t *testing.T) {
		t.Setenv("SMTP_PORT", "smtp")
		_, err := Load("")
		require.Error(t, err)
	})

	t.Run("validate", func(t *testing.T) {
		cfg := Default()
		cfg.Database.Driver = "mysql"
		cfg.Search.Provider = "feed"
		cfg.Quota.MonthlyLimit = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unsupported "mysql"`)
		assert.Contains(t, err.Error(), "feed_url")
		assert.Contains(t, err.Error(), "monthly_limit")
	})
}
