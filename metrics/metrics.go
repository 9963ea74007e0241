// ABOUTME: Prometheus metrics for account passes, item outcomes, token refreshes and webhooks
// ABOUTME: Registers against a caller-supplied registerer and provides an Echo request middleware
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AccountSyncs        *prometheus.CounterVec
	AccountSyncDuration *prometheus.HistogramVec
	SyncItems           *prometheus.CounterVec
	TokenRefreshes      *prometheus.CounterVec
	WebhookRegistration *prometheus.CounterVec
	WebhookNotification *prometheus.CounterVec
	EventsSwept         prometheus.Counter
}

// New creates a Metrics instance registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "calsync_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AccountSyncs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calsync_account_syncs_total",
				Help: "Account sync passes by outcome",
			},
			[]string{"provider", "outcome"}, // ok, failed, skipped
		),
		AccountSyncDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "calsync_account_sync_duration_seconds",
				Help:    "Duration of one account sync pass",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		SyncItems: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calsync_sync_items_total",
				Help: "Items reconciled per direction and action",
			},
			[]string{"provider", "direction", "action"},
		),
		TokenRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calsync_token_refreshes_total",
				Help: "OAuth token refresh attempts by outcome",
			},
			[]string{"provider", "outcome"}, // ok, revoked, transient
		),
		WebhookRegistration: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calsync_webhook_registrations_total",
				Help: "Webhook channel registrations by outcome",
			},
			[]string{"provider", "outcome"},
		),
		WebhookNotification: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calsync_webhook_notifications_total",
				Help: "Inbound provider notifications by result",
			},
			[]string{"provider", "result"}, // accepted, rejected, ignored
		),
		EventsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "calsync_events_swept_total",
			Help: "Events removed by the retention sweep",
		}),
	}
}

// Middleware creates an Echo middleware for Prometheus metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			path := c.Path()
			status := strconv.Itoa(c.Response().Status)
			m.HTTPRequestsTotal.WithLabelValues(c.Request().Method, path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) RecordAccountSync(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AccountSyncs.WithLabelValues(provider, outcome).Inc()
	m.AccountSyncDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordItems(provider, direction, action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SyncItems.WithLabelValues(provider, direction, action).Add(float64(n))
}

func (m *Metrics) RecordTokenRefresh(provider, outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordWebhookRegistration(provider string, ok bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	m.WebhookRegistration.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordWebhookNotification(provider, result string) {
	if m == nil {
		return
	}
	m.WebhookNotification.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) RecordSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsSwept.Add(float64(n))
}
