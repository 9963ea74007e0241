// ABOUTME: Per-account OAuth token lifecycle: validity checks, refresh, encryption and authorized clients
// ABOUTME: Deactivates accounts whose refresh is rejected by the provider
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/harperreed/calsync/logging"
	"github.com/harperreed/calsync/metrics"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/secrets"
	"github.com/harperreed/calsync/syncerr"
)

// expirySkew refreshes tokens this long before they actually expire.
const expirySkew = 5 * time.Minute

var (
	ErrAccountInactive = errors.New("calendar account is inactive")
	ErrNoRefreshToken  = errors.New("no refresh token stored")
)

// AccountStore persists credential changes.
type AccountStore interface {
	UpdateTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) error
	Deactivate(ctx context.Context, id uuid.UUID, reason string) error
}

// Store hands out valid access tokens and authorized HTTP clients for accounts.
type Store struct {
	accounts   AccountStore
	codec      secrets.Codec
	configs    map[models.Provider]*oauth2.Config
	httpClient *http.Client
	timeout    time.Duration
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
}

type Option func(*Store)

// WithHTTPClient sets the base client used for token endpoints and API calls.
func WithHTTPClient(c *http.Client) Option { return func(s *Store) { s.httpClient = c } }

func WithTimeout(d time.Duration) Option { return func(s *Store) { s.timeout = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func NewStore(accounts AccountStore, codec secrets.Codec, configs map[models.Provider]*oauth2.Config, opts ...Option) *Store {
	s := &Store{
		accounts:   accounts,
		codec:      codec,
		configs:    configs,
		httpClient: http.DefaultClient,
		timeout:    30 * time.Second,
		log:        logging.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the OAuth config for provider.
func (s *Store) Config(provider models.Provider) (*oauth2.Config, bool) {
	cfg, ok := s.configs[provider]
	return cfg, ok
}

// Seal encrypts tok onto acct without persisting it.
func (s *Store) Seal(acct *models.CalendarAccount, tok *oauth2.Token) error {
	access, err := s.codec.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	acct.AccessToken = access

	if tok.RefreshToken != "" {
		refresh, err := s.codec.Encrypt(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		acct.RefreshToken = refresh
	}

	expiry := s.expiryOf(tok)
	acct.TokenExpiresAt = &expiry
	return nil
}

// ValidAccessToken returns a plaintext access token, refreshing it first when it
// is missing or within the expiry skew.
func (s *Store) ValidAccessToken(ctx context.Context, acct *models.CalendarAccount) (string, error) {
	if !acct.IsActive {
		return "", syncerr.Auth("access token", ErrAccountInactive)
	}

	if acct.TokenExpiresAt != nil && s.now().Add(expirySkew).Before(*acct.TokenExpiresAt) {
		access, err := s.codec.Decrypt(acct.AccessToken)
		if err != nil {
			return "", syncerr.Auth("access token", err)
		}
		if access != "" {
			return access, nil
		}
	}

	if err := s.Refresh(ctx, acct); err != nil {
		return "", err
	}

	access, err := s.codec.Decrypt(acct.AccessToken)
	if err != nil {
		return "", syncerr.Auth("access token", err)
	}
	return access, nil
}

// Refresh exchanges the stored refresh token for a new access token and persists it.
// A provider rejection deactivates the account and returns an auth error.
func (s *Store) Refresh(ctx context.Context, acct *models.CalendarAccount) error {
	provider := string(acct.Provider)
	log := s.log.With("account_id", acct.ID, "provider", provider)

	cfg, ok := s.configs[acct.Provider]
	if !ok {
		return syncerr.Auth("refresh token", fmt.Errorf("no OAuth config for %s", provider))
	}

	refresh, err := s.codec.Decrypt(acct.RefreshToken)
	if err != nil {
		return syncerr.Auth("refresh token", err)
	}
	if refresh == "" {
		return s.deactivate(ctx, acct, ErrNoRefreshToken)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			s.metrics.RecordTokenRefresh(provider, "revoked")
			log.Warn("token refresh rejected", "status", re.Response.StatusCode, "error_code", re.ErrorCode)
			return s.deactivate(ctx, acct, err)
		}
		s.metrics.RecordTokenRefresh(provider, "transient")
		log.Warn("token refresh failed", "error", err)
		return syncerr.Transient("refresh token", err)
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = refresh
	}

	updated := *acct
	if err := s.Seal(&updated, tok); err != nil {
		return err
	}
	if err := s.accounts.UpdateTokens(ctx, acct.ID, updated.AccessToken, updated.RefreshToken, updated.TokenExpiresAt); err != nil {
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	acct.AccessToken = updated.AccessToken
	acct.RefreshToken = updated.RefreshToken
	acct.TokenExpiresAt = updated.TokenExpiresAt
	acct.SyncErrors = nil

	s.metrics.RecordTokenRefresh(provider, "ok")
	log.Debug("refreshed access token", "expires_at", acct.TokenExpiresAt)
	return nil
}

// HTTPClient returns a client that sends the account's bearer token.
func (s *Store) HTTPClient(ctx context.Context, acct *models.CalendarAccount) (*http.Client, error) {
	access, err := s.ValidAccessToken(ctx, acct)
	if err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access, TokenType: "Bearer"}),
			Base:   s.httpClient.Transport,
		},
		Timeout: s.timeout,
	}, nil
}

func (s *Store) deactivate(ctx context.Context, acct *models.CalendarAccount, cause error) error {
	reason := fmt.Sprintf("token refresh failed: %v", cause)
	// Persist even if the caller's context is already done
	if err := s.accounts.Deactivate(context.WithoutCancel(ctx), acct.ID, reason); err != nil {
		s.log.Error("failed to deactivate account", "account_id", acct.ID, "error", err)
	}
	acct.IsActive = false
	acct.SyncErrors = &reason
	return syncerr.Auth("refresh token", cause)
}

func (s *Store) expiryOf(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return s.now().Add(time.Hour).UTC()
	}
	return tok.Expiry.UTC()
}
