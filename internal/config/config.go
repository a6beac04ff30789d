package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/elonfeng/rivalradar/internal/quota"
	"github.com/elonfeng/rivalradar/pkg/notify"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Search   SearchConfig   `yaml:"search"`
	Quota    QuotaConfig    `yaml:"quota"`
	Lock     LockConfig     `yaml:"lock"`
	Notify   NotifyConfig   `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the SQL backend. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ScheduleConfig configures the scheduler tick and the gap between searches.
type ScheduleConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Pacing       time.Duration `yaml:"pacing"`
}

// SearchConfig configures the search provider and retry policy.
type SearchConfig struct {
	Provider    string        `yaml:"provider"` // "api" or "feed"
	Endpoint    string        `yaml:"endpoint"`
	APIKey      string        `yaml:"api_key"`
	FeedURL     string        `yaml:"feed_url"` // template with {query} and {count}
	Locale      string        `yaml:"locale"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	Timeout     time.Duration `yaml:"timeout"`
}

// QuotaConfig configures the monthly search budget.
type QuotaConfig struct {
	MonthlyLimit int `yaml:"monthly_limit"`
}

// LockConfig configures the per-alert lock. An empty Addr keeps locks in process.
type LockConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// NotifyConfig configures notification channels.
type NotifyConfig struct {
	SMTP          notify.SMTPConfig   `yaml:"smtp"`
	DashboardURL  string              `yaml:"dashboard_url"`
	WebhookSecret string              `yaml:"webhook_secret"`
	Slack         ChannelConfig       `yaml:"slack"`
	Discord       ChannelConfig       `yaml:"discord"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	RabbitMQ      notify.BrokerConfig `yaml:"rabbitmq"`
}

// ChannelConfig is a global incoming-webhook channel.
type ChannelConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// TelegramConfig for the Telegram bot channel.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures zerolog output. Format is "json" or "console".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "./rivalradar.db"},
		Schedule: ScheduleConfig{
			TickInterval: 60 * time.Second,
			Pacing:       time.Second,
		},
		Search: SearchConfig{
			Provider:    "api",
			Endpoint:    "https://google.serper.dev/search",
			Locale:      "en",
			MaxAttempts: 3,
			BackoffBase: time.Second,
			Timeout:     30 * time.Second,
		},
		Quota: QuotaConfig{MonthlyLimit: quota.DefaultMonthlyLimit},
		Lock:  LockConfig{TTL: 30 * time.Minute},
		Notify: NotifyConfig{
			SMTP: notify.SMTPConfig{Port: 587},
			RabbitMQ: notify.BrokerConfig{
				Exchange:   "rivalradar",
				RoutingKey: "presence.new",
			},
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads configuration from a YAML file, loads an optional .env file and
// applies env var overrides. A missing file at path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	switch c.Search.Provider {
	case "api":
	case "feed":
		if c.Search.FeedURL == "" {
			errs = append(errs, errors.New("search.feed_url is required for the feed provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("search.provider: unsupported %q", c.Search.Provider))
	}
	if c.Quota.MonthlyLimit <= 0 {
		errs = append(errs, errors.New("quota.monthly_limit must be positive"))
	}
	if c.Notify.Telegram.Enabled && c.Notify.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("notify.telegram.chat_id is required"))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("RIVALRADAR_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("RIVALRADAR_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Notify.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_PORT: %w", err)
		}
		cfg.Notify.SMTP.Port = port
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.Notify.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Notify.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Notify.SMTP.From = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Lock.Addr = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.Slack.WebhookURL = v
		cfg.Notify.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Notify.Discord.WebhookURL = v
		cfg.Notify.Discord.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.Telegram.Token = v
		cfg.Notify.Telegram.Enabled = true
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.Notify.RabbitMQ.URL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Notify.WebhookSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}
