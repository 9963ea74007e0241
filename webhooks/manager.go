// ABOUTME: Push channel lifecycle for connected accounts: register, deregister, renew and state
// ABOUTME: Registration failures are recorded on the account and never abort the caller
package webhooks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harperreed/calsync/logging"
	"github.com/harperreed/calsync/metrics"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/syncerr"
)

// AccountStore persists channel state. *db.AccountRepository satisfies it.
type AccountStore interface {
	SaveWebhook(ctx context.Context, id uuid.UUID, channelID string, resourceID *string, expiresAt, registeredAt time.Time) error
	ClearWebhook(ctx context.Context, id uuid.UUID) error
	MarkWebhookFailed(ctx context.Context, id uuid.UUID) error
	ListWebhookRenewalCandidates(ctx context.Context, before time.Time) ([]models.CalendarAccount, error)
}

// State is where an account sits in the channel lifecycle.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistered   State = "registered"
	StateExpired      State = "expired"
	StateFailed       State = "failed"
)

// StateOf derives the channel state at now. A channel is expired from its expiry instant on.
func StateOf(acct *models.CalendarAccount, now time.Time) State {
	switch {
	case acct.WebhookRegistrationFailed:
		return StateFailed
	case !acct.HasWebhook():
		return StateUnregistered
	case acct.WebhookExpiresAt != nil && !now.Before(*acct.WebhookExpiresAt):
		return StateExpired
	default:
		return StateRegistered
	}
}

// CallbackURL is the public notification endpoint for provider.
func CallbackURL(baseURL string, provider models.Provider) string {
	return strings.TrimRight(baseURL, "/") + "/webhooks/" + string(provider)
}

type Manager struct {
	accounts AccountStore
	registry *providers.Registry
	baseURL  string
	secret   string
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option { return func(w *Manager) { w.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(w *Manager) { w.log = l } }

func WithClock(now func() time.Time) Option { return func(w *Manager) { w.now = now } }

// NewManager builds a manager. secret keys the client-state HMAC.
func NewManager(accounts AccountStore, registry *providers.Registry, baseURL, secret string, opts ...Option) *Manager {
	m := &Manager{
		accounts: accounts,
		registry: registry,
		baseURL:  baseURL,
		secret:   secret,
		log:      logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ClientState returns the secret the provider echoes back with every notification for acct.
func (m *Manager) ClientState(accountID uuid.UUID) string {
	return ClientState(m.secret, accountID)
}

// Verify checks a client state received with a notification.
func (m *Manager) Verify(accountID uuid.UUID, got string) bool {
	return VerifyClientState(m.secret, accountID, got)
}

// Register opens a new channel for acct, replacing any existing one.
// It reports success; failures are logged and flagged on the account.
func (m *Manager) Register(ctx context.Context, acct *models.CalendarAccount) bool {
	adapter, err := m.registry.For(acct.Provider)
	if err != nil {
		m.fail(ctx, acct, err)
		return false
	}

	if acct.HasWebhook() {
		m.Deregister(ctx, acct)
	}

	ch, err := adapter.Watch(ctx, acct, providers.WatchRequest{
		CallbackURL: CallbackURL(m.baseURL, acct.Provider),
		ClientState: m.ClientState(acct.ID),
	})
	if err != nil {
		m.fail(ctx, acct, err)
		return false
	}

	var resourceID *string
	if ch.ResourceID != "" {
		resourceID = &ch.ResourceID
	}
	registeredAt := m.now().UTC()
	if err := m.accounts.SaveWebhook(ctx, acct.ID, ch.ID, resourceID, ch.ExpiresAt, registeredAt); err != nil {
		m.fail(ctx, acct, err)
		return false
	}

	expires := ch.ExpiresAt.UTC()
	acct.WebhookChannelID = &ch.ID
	acct.WebhookResourceID = resourceID
	acct.WebhookExpiresAt = &expires
	acct.WebhookRegisteredAt = &registeredAt
	acct.WebhookRegistrationFailed = false

	m.metrics.RecordWebhookRegistration(string(acct.Provider), true)
	m.log.Info("webhook registered",
		"account_id", acct.ID,
		"provider", acct.Provider,
		"channel_id", ch.ID,
		"expires_at", expires,
	)
	return true
}

// Deregister stops the current channel. Local channel state is cleared even when
// the provider call fails; the return value reports whether the provider confirmed.
func (m *Manager) Deregister(ctx context.Context, acct *models.CalendarAccount) bool {
	if !acct.HasWebhook() {
		return true
	}

	ok := true
	ch := providers.Channel{ID: *acct.WebhookChannelID}
	if acct.WebhookResourceID != nil {
		ch.ResourceID = *acct.WebhookResourceID
	}

	adapter, err := m.registry.For(acct.Provider)
	if err == nil {
		err = adapter.StopWatch(ctx, acct, ch)
	}
	if err != nil {
		ok = false
		m.log.Warn("failed to stop webhook channel",
			"account_id", acct.ID,
			"provider", acct.Provider,
			"channel_id", ch.ID,
			"error", err,
		)
	}

	if err := m.accounts.ClearWebhook(ctx, acct.ID); err != nil {
		m.log.Error("failed to clear webhook state", "account_id", acct.ID, "error", err)
		ok = false
	}
	acct.WebhookChannelID = nil
	acct.WebhookResourceID = nil
	acct.WebhookExpiresAt = nil
	return ok
}

// Renew replaces the account's channel with a fresh one.
func (m *Manager) Renew(ctx context.Context, acct *models.CalendarAccount) bool {
	return m.Register(ctx, acct)
}

type RenewSummary struct {
	Checked int `json:"checked"`
	Renewed int `json:"renewed"`
	Failed  int `json:"failed"`
}

// RenewExpiring renews every active account whose channel is missing, failed, or
// expires within the given window.
func (m *Manager) RenewExpiring(ctx context.Context, within time.Duration) (RenewSummary, error) {
	candidates, err := m.accounts.ListWebhookRenewalCandidates(ctx, m.now().Add(within))
	if err != nil {
		return RenewSummary{}, err
	}

	var summary RenewSummary
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		acct := &candidates[i]
		summary.Checked++
		if m.Renew(ctx, acct) {
			summary.Renewed++
		} else {
			summary.Failed++
		}
	}

	m.log.Info("webhook renewal finished",
		"checked", summary.Checked,
		"renewed", summary.Renewed,
		"failed", summary.Failed,
	)
	return summary, nil
}

func (m *Manager) fail(ctx context.Context, acct *models.CalendarAccount, cause error) {
	err := syncerr.WebhookRegistration("register webhook", cause)
	m.log.Warn("webhook registration failed",
		"account_id", acct.ID,
		"provider", acct.Provider,
		"error", err,
	)
	m.metrics.RecordWebhookRegistration(string(acct.Provider), false)

	acct.WebhookRegistrationFailed = true
	if err := m.accounts.MarkWebhookFailed(ctx, acct.ID); err != nil {
		m.log.Error("failed to flag webhook failure", "account_id", acct.ID, "error", err)
	}
}
