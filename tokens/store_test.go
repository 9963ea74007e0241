// ABOUTME: Tests for the token store against a fake OAuth token endpoint
// ABOUTME: Covers cached tokens, refresh, rotation, revocation and transient failures
package tokens

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/harperreed/calsync/db"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/secrets"
	"github.com/harperreed/calsync/syncerr"
)

type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newTokenServer(t *testing.T, status int, body string) *tokenServer {
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-plain", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

type fixture struct {
	store    *Store
	accounts *db.AccountRepository
	codec    secrets.Codec
	account  *models.CalendarAccount
}

func setup(t *testing.T, tokenURL string, expiresIn time.Duration) *fixture {
	t.Helper()
	database := db.NewTestDatabase(t)
	accounts := db.NewAccountRepository(database)

	codec, err := secrets.NewCodec("test-encryption-secret-123")
	require.NoError(t, err)

	cfg, err := NewOAuthConfig(models.ProviderGoogle, Credentials{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     tokenURL,
	})
	require.NoError(t, err)

	store := NewStore(accounts, codec, map[models.Provider]*oauth2.Config{models.ProviderGoogle: cfg})

	acct := &models.CalendarAccount{TenantID: "t1", UserID: "u1", Provider: models.ProviderGoogle}
	require.NoError(t, store.Seal(acct, &oauth2.Token{
		AccessToken:  "access-plain",
		RefreshToken: "refresh-plain",
		Expiry:       time.Now().Add(expiresIn),
	}))
	require.NoError(t, accounts.Create(context.Background(), acct))

	return &fixture{store: store, accounts: accounts, codec: codec, account: acct}
}

func TestValidAccessTokenUsesStoredToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{}`)
	f := setup(t, ts.URL, time.Hour)

	assert.NotEqual(t, "access-plain", f.account.AccessToken)

	tok, err := f.store.ValidAccessToken(context.Background(), f.account)
	require.NoError(t, err)
	assert.Equal(t, "access-plain", tok)
	assert.Zero(t, ts.calls.Load())
}

func TestValidAccessTokenRefreshesNearExpiry(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"access-new","token_type":"Bearer","expires_in":3600}`)
	f := setup(t, ts.URL, 2*time.Minute)
	ctx := context.Background()
	require.NoError(t, f.accounts.RecordSyncError(ctx, f.account.ID, "old failure"))

	tok, err := f.store.ValidAccessToken(ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, "access-new", tok)
	assert.Equal(t, int32(1), ts.calls.Load())

	stored, err := f.accounts.Get(ctx, f.account.ID)
	require.NoError(t, err)
	access, err := f.codec.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-new", access)
	refresh, err := f.codec.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-plain", refresh)
	assert.True(t, stored.TokenExpiresAt.After(time.Now().Add(50*time.Minute)))
	assert.Nil(t, stored.SyncErrors)
	assert.True(t, stored.IsActive)
}

func TestRefreshStoresRotatedRefreshToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a2","refresh_token":"r2","token_type":"Bearer","expires_in":3600}`)
	f := setup(t, ts.URL, -time.Minute)
	ctx := context.Background()

	require.NoError(t, f.store.Refresh(ctx, f.account))

	stored, err := f.accounts.Get(ctx, f.account.ID)
	require.NoError(t, err)
	refresh, err := f.codec.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "r2", refresh)
}

func TestRejectedRefreshDeactivatesAccount(t *testing.T) {
	ts := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	f := setup(t, ts.URL, -time.Minute)
	ctx := context.Background()

	_, err := f.store.ValidAccessToken(ctx, f.account)
	require.Error(t, err)
	assert.True(t, syncerr.IsAuth(err))
	assert.False(t, f.account.IsActive)

	stored, err := f.accounts.Get(ctx, f.account.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	require.NotNil(t, stored.SyncErrors)
	assert.Contains(t, *stored.SyncErrors, "token refresh failed")

	// Terminal until re-auth: no further refresh attempts
	calls := ts.calls.Load()
	_, err = f.store.ValidAccessToken(ctx, f.account)
	assert.ErrorIs(t, err, ErrAccountInactive)
	assert.Equal(t, calls, ts.calls.Load())
}

func TestServerErrorIsTransient(t *testing.T) {
	ts := newTokenServer(t, http.StatusServiceUnavailable, `{"error":"temporarily_unavailable"}`)
	f := setup(t, ts.URL, -time.Minute)
	ctx := context.Background()

	err := f.store.Refresh(ctx, f.account)
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))

	stored, err := f.accounts.Get(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
}

func TestHTTPClientSendsBearerToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{}`)
	f := setup(t, ts.URL, time.Hour)

	var auth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	client, err := f.store.HTTPClient(context.Background(), f.account)
	require.NoError(t, err)

	resp, err := client.Get(api.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "Bearer access-plain", auth)
}

func TestNewOAuthConfig(t *testing.T) {
	cfg, err := NewOAuthConfig(models.ProviderOutlook, Credentials{ClientID: "id", ClientSecret: "s"})
	require.NoError(t, err)
	assert.Contains(t, cfg.Endpoint.TokenURL, "login.microsoftonline.com/common")
	assert.Contains(t, cfg.Scopes, "offline_access")

	_, err = NewOAuthConfig(models.ProviderGoogle, Credentials{})
	assert.Error(t, err)

	_, err = NewOAuthConfig("yahoo", Credentials{ClientID: "id", ClientSecret: "s"})
	assert.Error(t, err)
}
