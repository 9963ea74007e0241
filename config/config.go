// ABOUTME: Service configuration loaded from environment, .env and an optional config file
// ABOUTME: Uses viper for lookup, godotenv for local overrides and validator for required settings
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CALSYNC"

type Config struct {
	DatabaseDriver string `mapstructure:"database_driver" validate:"oneof=sqlite3 postgres"`
	DatabaseURL    string `mapstructure:"database_url" validate:"required"`

	HTTPAddr      string `mapstructure:"http_addr" validate:"required"`
	BaseURL       string `mapstructure:"base_url" validate:"required,url"`
	WebhookSecret string `mapstructure:"webhook_secret" validate:"required,min=16"`
	EncryptionKey string `mapstructure:"encryption_key" validate:"required,min=16"`
	// StateSecret signs OAuth state parameters; defaults to WebhookSecret.
	StateSecret   string `mapstructure:"state_secret"`

	GoogleClientID     string `mapstructure:"google_client_id"`
	GoogleClientSecret string `mapstructure:"google_client_secret" validate:"required_with=GoogleClientID"`
	GoogleRedirectURL  string `mapstructure:"google_redirect_url"`

	OutlookClientID     string `mapstructure:"outlook_client_id"`
	OutlookClientSecret string `mapstructure:"outlook_client_secret" validate:"required_with=OutlookClientID"`
	OutlookRedirectURL  string `mapstructure:"outlook_redirect_url"`
	OutlookTenant       string `mapstructure:"outlook_tenant"`

	RedisURL string `mapstructure:"redis_url"`

	SyncWorkers       int           `mapstructure:"sync_workers" validate:"min=1,max=64"`
	ProviderTimeout   time.Duration `mapstructure:"provider_timeout" validate:"min=1s"`
	ProviderRateLimit float64       `mapstructure:"provider_rate_limit" validate:"gt=0"`
	WebhookDebounce   time.Duration `mapstructure:"webhook_debounce"`

	SyncSchedule    string `mapstructure:"sync_schedule" validate:"required"`
	RenewSchedule   string `mapstructure:"renew_schedule" validate:"required"`
	CleanupSchedule string `mapstructure:"cleanup_schedule" validate:"required"`
	RetentionDays   int    `mapstructure:"retention_days" validate:"min=1"`

	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json text"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DefaultDatabasePath returns the XDG data path used when no database URL is configured.
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, "calsync", "calsync.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_driver", "sqlite3")
	v.SetDefault("database_url", DefaultDatabasePath())
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("webhook_secret", "")
	v.SetDefault("encryption_key", "")
	v.SetDefault("state_secret", "")
	v.SetDefault("google_client_id", "")
	v.SetDefault("google_client_secret", "")
	v.SetDefault("google_redirect_url", "")
	v.SetDefault("outlook_client_id", "")
	v.SetDefault("outlook_client_secret", "")
	v.SetDefault("outlook_redirect_url", "")
	v.SetDefault("outlook_tenant", "common")
	v.SetDefault("redis_url", "")
	v.SetDefault("sync_workers", 4)
	v.SetDefault("provider_timeout", "30s")
	v.SetDefault("provider_rate_limit", 5.0)
	v.SetDefault("webhook_debounce", "10s")
	v.SetDefault("sync_schedule", "*/15 * * * *")
	v.SetDefault("renew_schedule", "@hourly")
	v.SetDefault("cleanup_schedule", "0 3 * * *")
	v.SetDefault("retention_days", 365)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("sentry_dsn", "")
}

// Load reads configuration. A .env file in the working directory is applied first
// and never overrides variables already set in the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed names kept for deployments that already export them
	_ = v.BindEnv("google_client_id", envPrefix+"_GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_ID")
	_ = v.BindEnv("google_client_secret", envPrefix+"_GOOGLE_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET")
	_ = v.BindEnv("database_url", envPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis_url", envPrefix+"_REDIS_URL", "REDIS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, "calsync"))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.StateSecret == "" {
		cfg.StateSecret = cfg.WebhookSecret
	}
	if cfg.GoogleRedirectURL == "" {
		cfg.GoogleRedirectURL = cfg.BaseURL + "/oauth/google/callback"
	}
	if cfg.OutlookRedirectURL == "" {
		cfg.OutlookRedirectURL = cfg.BaseURL + "/oauth/outlook/callback"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoogleClientID == "" && c.OutlookClientID == "" {
		return fmt.Errorf("invalid configuration: no calendar provider configured (set GOOGLE_CLIENT_ID or CALSYNC_OUTLOOK_CLIENT_ID)")
	}

	return nil
}

// GoogleEnabled reports whether Google OAuth credentials are present.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

func (c *Config) OutlookEnabled() bool {
	return c.OutlookClientID != ""
}
