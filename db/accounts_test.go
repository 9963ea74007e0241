// ABOUTME: Tests for the calendar account repository
// ABOUTME: Covers lookup, webhook state transitions, deactivation and the single-active-owner rule
package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/calsync/models"
)

func TestAccountCreateAndGet(t *testing.T) {
	database := NewTestDatabase(t)
	repo := NewAccountRepository(database)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	acct := &models.CalendarAccount{
		TenantID:       "tenant-1",
		UserID:         "user-1",
		Provider:       models.ProviderGoogle,
		AccountEmail:   "alice@example.com",
		CalendarID:     "alice@example.com",
		AccessToken:    "cipher-access",
		RefreshToken:   "cipher-refresh",
		TokenExpiresAt: &expiry,
	}
	require.NoError(t, repo.Create(ctx, acct))
	assert.NotEqual(t, uuid.Nil, acct.ID)

	got, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ProviderGoogle, got.Provider)
	assert.Equal(t, "cipher-access", got.AccessToken)
	assert.True(t, got.IsActive)
	assert.False(t, got.WebhookRegistrationFailed)
	require.NotNil(t, got.TokenExpiresAt)
	assert.True(t, expiry.Equal(*got.TokenExpiresAt))
	assert.Nil(t, got.SyncToken)

	missing, err := repo.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAccountCreateRejectsInvalid(t *testing.T) {
	repo := NewAccountRepository(NewTestDatabase(t))

	err := repo.Create(context.Background(), &models.CalendarAccount{TenantID: "t", UserID: "u", Provider: "yahoo"})
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestOnlyOneActiveAccountPerOwnerAndProvider(t *testing.T) {
	database := NewTestDatabase(t)
	repo := NewAccountRepository(database)
	ctx := context.Background()

	first := &models.CalendarAccount{TenantID: "t1", UserID: "u1", Provider: models.ProviderOutlook}
	require.NoError(t, repo.Create(ctx, first))

	dup := &models.CalendarAccount{TenantID: "t1", UserID: "u1", Provider: models.ProviderOutlook}
	assert.Error(t, repo.Create(ctx, dup))

	// A deactivated account no longer blocks a new connection
	require.NoError(t, repo.Deactivate(ctx, first.ID, "revoked"))
	again := &models.CalendarAccount{TenantID: "t1", UserID: "u1", Provider: models.ProviderOutlook}
	assert.NoError(t, repo.Create(ctx, again))
}

func TestUpsertConnectedReusesActiveAccount(t *testing.T) {
	database := NewTestDatabase(t)
	repo := NewAccountRepository(database)
	ctx := context.Background()

	first := &models.CalendarAccount{TenantID: "t1", UserID: "u1", Provider: models.ProviderGoogle, AccessToken: "old"}
	require.NoError(t, repo.UpsertConnected(ctx, first))

	second := &models.CalendarAccount{TenantID: "t1", UserID: "u1", Provider: models.ProviderGoogle, AccessToken: "new", AccountEmail: "a@b.c"}
	require.NoError(t, repo.UpsertConnected(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].AccessToken)
	assert.Equal(t, "a@b.c", all[0].AccountEmail)
}

func TestWebhookStateTransitions(t *testing.T) {
	database := NewTestDatabase(t)
	repo := NewAccountRepository(database)
	ctx := context.Background()
	acct := NewTestAccount(t, database, models.ProviderGoogle)

	resource := "res-1"
	expires := time.Now().Add(30 * 24 * time.Hour).UTC()
	require.NoError(t, repo.MarkWebhookFailed(ctx, acct.ID))
	require.NoError(t, repo.SaveWebhook(ctx, acct.ID, "chan-1", &resource, expires, time.Now()))

	got, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.HasWebhook())
	assert.Equal(t, "res-1", *got.WebhookResourceID)
	assert.False(t, got.WebhookRegistrationFailed)
	assert.NotNil(t, got.WebhookRegisteredAt)

	byChannel, err := repo.GetByWebhookChannel(ctx, "chan-1")
	require.NoError(t, err)
	require.NotNil(t, byChannel)
	assert.Equal(t, acct.ID, byChannel.ID)

	require.NoError(t, repo.ClearWebhook(ctx, acct.ID))
	got, err = repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, got.HasWebhook())
	assert.Nil(t, got.WebhookExpiresAt)
}

func TestListWebhookRenewalCandidates(t *testing.T) {
	database := NewTestDatabase(t)
	repo := NewAccountRepository(database)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := NewTestAccount(t, database, models.ProviderGoogle)
	require.NoError(t, repo.SaveWebhook(ctx, fresh.ID, "fresh", nil, now.Add(10*24*time.Hour), now))

	expiring := NewTestAccount(t, database, models.ProviderOutlook)
	require.NoError(t, repo.SaveWebhook(ctx, expiring.ID, "expiring", nil, now.Add(2*time.Hour), now))

	unregistered := NewTestAccount(t, database, models.ProviderOutlook)

	inactive := NewTestAccount(t, database, models.ProviderGoogle)
	require.NoError(t, repo.Deactivate(ctx, inactive.ID, "revoked"))

	candidates, err := repo.ListWebhookRenewalCandidates(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)

	ids := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{expiring.ID, unregistered.ID}, ids)
}

func TestSyncCursorAndStatus(t *testing.T) {
	database := NewTestDatabase(t)
	repo := NewAccountRepository(database)
	ctx := context.Background()
	acct := NewTestAccount(t, database, models.ProviderGoogle)

	token := "sync-token-1"
	require.NoError(t, repo.UpdateSyncToken(ctx, acct.ID, &token))
	require.NoError(t, repo.RecordSyncError(ctx, acct.ID, "boom"))

	got, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "sync-token-1", got.Cursor())
	require.NotNil(t, got.SyncErrors)

	now := time.Now()
	require.NoError(t, repo.RecordSyncSuccess(ctx, acct.ID, now, true))
	got, err = repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SyncErrors)
	assert.NotNil(t, got.LastSyncedAt)
	assert.NotNil(t, got.LastFullSyncAt)

	require.NoError(t, repo.UpdateSyncToken(ctx, acct.ID, nil))
	got, err = repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.Cursor())
}

func TestDeleteAccountRemovesEvents(t *testing.T) {
	database := NewTestDatabase(t)
	accounts := NewAccountRepository(database)
	events := NewEventRepository(database)
	ctx := context.Background()
	acct := NewTestAccount(t, database, models.ProviderGoogle)

	_, err := events.UpsertFromExternal(ctx, acct.ID, remoteItem("evt-1", "Standup"), time.Now())
	require.NoError(t, err)

	require.NoError(t, accounts.Delete(ctx, acct.ID))

	n, err := events.CountByAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, accounts.Delete(ctx, acct.ID), ErrAccountNotFound)
}

func TestUpdateOnMissingAccount(t *testing.T) {
	repo := NewAccountRepository(NewTestDatabase(t))
	err := repo.RecordSyncError(context.Background(), uuid.New(), "x")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
