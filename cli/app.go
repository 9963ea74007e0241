// ABOUTME: Builds the service graph shared by every subcommand
// ABOUTME: Opens the store, token vault, provider adapters, webhook manager, sync engine and orchestrator
package cli

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/harperreed/calsync/config"
	"github.com/harperreed/calsync/coord"
	"github.com/harperreed/calsync/db"
	"github.com/harperreed/calsync/metrics"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/providers/google"
	"github.com/harperreed/calsync/providers/outlook"
	"github.com/harperreed/calsync/secrets"
	calsync "github.com/harperreed/calsync/sync"
	"github.com/harperreed/calsync/tokens"
	"github.com/harperreed/calsync/webhooks"
)

const leasePrefix = "calsync:lease:"

// App holds the long-lived components. Commands read what they need from it.
type App struct {
	Config       *config.Config
	DB           *db.DB
	Log          *slog.Logger
	Gatherer     *prometheus.Registry
	Metrics      *metrics.Metrics
	Reporter     metrics.Reporter
	Tokens       *tokens.Store
	Providers    *providers.Registry
	Webhooks     *webhooks.Manager
	Engine       *calsync.Engine
	Orchestrator *calsync.Orchestrator

	// Redis is nil unless REDIS_URL is set.
	Redis *redis.Client
}

// NewApp opens the database and wires every component from cfg.
func NewApp(cfg *config.Config, log *slog.Logger) (*App, error) {
	database, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	app, err := newApp(cfg, database, log)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	return app, nil
}

func newApp(cfg *config.Config, database *db.DB, log *slog.Logger) (*App, error) {
	codec, err := secrets.NewCodec(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}

	reporter, err := metrics.NewSentryReporter(cfg.SentryDSN, "")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	oauthConfigs, err := oauthConfigs(cfg)
	if err != nil {
		return nil, err
	}

	accounts := db.NewAccountRepository(database)
	store := tokens.NewStore(accounts, codec, oauthConfigs,
		tokens.WithTimeout(cfg.ProviderTimeout),
		tokens.WithMetrics(m),
		tokens.WithLogger(log),
	)

	var adapters []providers.Adapter
	if cfg.GoogleEnabled() {
		adapters = append(adapters, google.New(store, google.Config{
			Timeout:   cfg.ProviderTimeout,
			RateLimit: rate.Limit(cfg.ProviderRateLimit),
		}, log))
	}
	if cfg.OutlookEnabled() {
		adapters = append(adapters, outlook.New(store, outlook.Config{
			Timeout:   cfg.ProviderTimeout,
			RateLimit: rate.Limit(cfg.ProviderRateLimit),
		}, log))
	}
	registry := providers.NewRegistry(adapters...)

	hooks := webhooks.NewManager(accounts, registry, cfg.BaseURL, cfg.WebhookSecret,
		webhooks.WithMetrics(m),
		webhooks.WithLogger(log),
	)

	app := &App{
		Config:    cfg,
		DB:        database,
		Log:       log,
		Gatherer:  reg,
		Metrics:   m,
		Reporter:  reporter,
		Tokens:    store,
		Providers: registry,
		Webhooks:  hooks,
	}

	var lease coord.Lease = coord.NewMemoryLease()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		app.Redis = redis.NewClient(opts)
		lease = coord.NewRedisLease(app.Redis, leasePrefix)
	}

	app.Engine = calsync.NewEngine(database, registry,
		calsync.WithLease(lease),
		calsync.WithMetrics(m),
		calsync.WithLogger(log),
	)
	app.Orchestrator = calsync.NewOrchestrator(database, app.Engine,
		calsync.WithWorkers(cfg.SyncWorkers),
		calsync.WithReporter(reporter),
		calsync.WithOrchestratorMetrics(m),
		calsync.WithOrchestratorLogger(log),
	)

	return app, nil
}

func oauthConfigs(cfg *config.Config) (map[models.Provider]*oauth2.Config, error) {
	configs := make(map[models.Provider]*oauth2.Config)
	if cfg.GoogleEnabled() {
		c, err := tokens.NewOAuthConfig(models.ProviderGoogle, tokens.Credentials{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
		if err != nil {
			return nil, err
		}
		configs[models.ProviderGoogle] = c
	}
	if cfg.OutlookEnabled() {
		c, err := tokens.NewOAuthConfig(models.ProviderOutlook, tokens.Credentials{
			ClientID:     cfg.OutlookClientID,
			ClientSecret: cfg.OutlookClientSecret,
			RedirectURL:  cfg.OutlookRedirectURL,
			Tenant:       cfg.OutlookTenant,
		})
		if err != nil {
			return nil, err
		}
		configs[models.ProviderOutlook] = c
	}
	return configs, nil
}

// Close flushes the error reporter and releases connections.
func (a *App) Close() error {
	a.Reporter.Flush()
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	return a.DB.Close()
}
