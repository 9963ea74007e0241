// ABOUTME: OAuth connect and disconnect flows for calendar accounts
// ABOUTME: Signs the OAuth state as a short-lived JWT, stores sealed tokens and registers webhooks
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/harperreed/calsync/db"
	"github.com/harperreed/calsync/logging"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/tokens"
)

const stateTTL = 10 * time.Minute

var (
	ErrInvalidState          = errors.New("invalid or expired oauth state")
	ErrProviderNotConfigured = errors.New("provider is not configured")
	ErrAccountNotFound       = errors.New("calendar account not found")
)

// StateClaims identify who started an authorization.
type StateClaims struct {
	TenantID string          `json:"tid"`
	UserID   string          `json:"uid"`
	Provider models.Provider `json:"prv"`
	jwt.RegisteredClaims
}

// Webhooks is the part of webhooks.Manager the flows use.
type Webhooks interface {
	Register(ctx context.Context, acct *models.CalendarAccount) bool
	Deregister(ctx context.Context, acct *models.CalendarAccount) bool
}

// SyncTrigger starts the first pass for a new account. Optional.
type SyncTrigger interface {
	TriggerSync(ctx context.Context, accountID uuid.UUID) error
}

type Service struct {
	tokens     *tokens.Store
	accounts   *db.AccountRepository
	registry   *providers.Registry
	webhooks   Webhooks
	trigger    SyncTrigger
	secret     []byte
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithTrigger(t SyncTrigger) Option { return func(s *Service) { s.trigger = t } }

// WithHTTPClient sets the client used for the code exchange.
func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.httpClient = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store *tokens.Store, database *db.DB, registry *providers.Registry, hooks Webhooks, secret string, opts ...Option) *Service {
	s := &Service{
		tokens:   store,
		accounts: db.NewAccountRepository(database),
		registry: registry,
		webhooks: hooks,
		secret:   []byte(secret),
		log:      logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuthURL returns the provider consent URL for the user.
func (s *Service) AuthURL(provider models.Provider, tenantID, userID string) (string, error) {
	cfg, ok := s.tokens.Config(provider)
	if !ok {
		return "", fmt.Errorf("%s: %w", provider, ErrProviderNotConfigured)
	}

	state, err := s.signState(provider, tenantID, userID)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (s *Service) signState(provider models.Provider, tenantID, userID string) (string, error) {
	now := s.now()
	claims := &StateClaims{
		TenantID: tenantID,
		UserID:   userID,
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign oauth state: %w", err)
	}
	return signed, nil
}

// ParseState validates a state value returned by the provider.
func (s *Service) ParseState(state string) (*StateClaims, error) {
	claims := &StateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.UserID == "" || claims.TenantID == "" || !claims.Provider.Valid() {
		return nil, ErrInvalidState
	}
	return claims, nil
}

// Callback completes an authorization: exchange the code, look up the
// provider identity, persist the account and register its webhook. A webhook
// failure does not fail the connection.
func (s *Service) Callback(ctx context.Context, provider models.Provider, code, state string) (*models.CalendarAccount, error) {
	claims, err := s.ParseState(state)
	if err != nil {
		return nil, err
	}
	if claims.Provider != provider {
		return nil, fmt.Errorf("%w: state issued for %s", ErrInvalidState, claims.Provider)
	}

	cfg, ok := s.tokens.Config(provider)
	if !ok {
		return nil, fmt.Errorf("%s: %w", provider, ErrProviderNotConfigured)
	}
	adapter, err := s.registry.For(provider)
	if err != nil {
		return nil, err
	}

	exchangeCtx := ctx
	if s.httpClient != nil {
		exchangeCtx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	tok, err := cfg.Exchange(exchangeCtx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	acct := &models.CalendarAccount{
		TenantID: claims.TenantID,
		UserID:   claims.UserID,
		Provider: provider,
		IsActive: true,
	}
	if err := s.tokens.Seal(acct, tok); err != nil {
		return nil, err
	}

	profile, err := adapter.Profile(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s profile: %w", provider, err)
	}
	acct.AccountEmail = profile.Email
	acct.CalendarID = profile.CalendarID
	acct.CalendarName = profile.CalendarName

	if err := s.accounts.UpsertConnected(ctx, acct); err != nil {
		return nil, err
	}

	log := s.log.With("account_id", acct.ID, "provider", provider, "user_id", acct.UserID)
	log.Info("calendar account connected", "email", acct.AccountEmail)

	if !s.webhooks.Register(ctx, acct) {
		log.Warn("webhook registration failed, account will sync on schedule until renewal succeeds")
	}

	if s.trigger != nil {
		if err := s.trigger.TriggerSync(ctx, acct.ID); err != nil {
			log.Warn("failed to trigger initial sync", "error", err)
		}
	}

	return acct, nil
}

// Disconnect stops the account's webhook and deletes it with its events.
func (s *Service) Disconnect(ctx context.Context, id uuid.UUID) error {
	acct, err := s.accounts.Get(ctx, id)
	if err != nil {
		return err
	}
	if acct == nil {
		return ErrAccountNotFound
	}

	if acct.HasWebhook() && !s.webhooks.Deregister(ctx, acct) {
		s.log.Warn("provider did not confirm webhook stop", "account_id", id)
	}

	if err := s.accounts.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("calendar account disconnected", "account_id", id, "provider", acct.Provider)
	return nil
}
