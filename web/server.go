// ABOUTME: HTTP server for provider webhooks, OAuth connect and operator endpoints
// ABOUTME: Built on echo with request logging, recovery, Sentry and Prometheus middleware
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harperreed/calsync/logging"
	"github.com/harperreed/calsync/metrics"
	"github.com/harperreed/calsync/models"
)

// Trigger starts a debounced sync for an account.
type Trigger interface {
	TriggerSync(ctx context.Context, accountID uuid.UUID) error
}

type Syncer interface {
	SyncAccountByID(ctx context.Context, id uuid.UUID, trigger string) (models.SyncResult, error)
	SyncForUser(ctx context.Context, userID, trigger string) map[uuid.UUID]models.SyncResult
}

type Connector interface {
	AuthURL(provider models.Provider, tenantID, userID string) (string, error)
	Callback(ctx context.Context, provider models.Provider, code, state string) (*models.CalendarAccount, error)
	Disconnect(ctx context.Context, id uuid.UUID) error
}

// Verifier checks the shared secret a provider echoes back on notifications.
type Verifier interface {
	Verify(accountID uuid.UUID, got string) bool
}

type AccountLookup interface {
	GetByWebhookChannel(ctx context.Context, channelID string) (*models.CalendarAccount, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config wires the server to the rest of the service.
type Config struct {
	Accounts AccountLookup
	Webhooks Verifier
	Trigger  Trigger
	Syncer   Syncer
	Connect  Connector
	DB       Pinger
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics

	// Sentry enables the Sentry middleware; the SDK must already be initialized.
	Sentry bool
	Log    *slog.Logger
}

type Server struct {
	echo *echo.Echo
	cfg  Config
	log  *slog.Logger
}

const webhookBodyLimit = "1M"

func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, cfg: cfg, log: cfg.Log}

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.log.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.log.Debug("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	if cfg.Sentry {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	}
	e.Use(cfg.Metrics.Middleware())

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	hooks := e.Group("/webhooks", middleware.BodyLimit(webhookBodyLimit))
	hooks.POST("/google", s.handleGoogleNotification)
	hooks.POST("/outlook", s.handleOutlookNotification)

	e.GET("/oauth/:provider/start", s.handleOAuthStart)
	e.GET("/oauth/:provider/callback", s.handleOAuthCallback)

	e.DELETE("/accounts/:id", s.handleDisconnect)
	e.POST("/accounts/:id/sync", s.handleSyncAccount)
	e.POST("/users/:id/sync", s.handleSyncUser)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	s.log.Info("starting http server", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.cfg.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.DB.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"database": "down",
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"database": "up",
	})
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}
