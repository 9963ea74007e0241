// ABOUTME: Tests for the single-account sync engine against a scripted provider
// ABOUTME: Covers idempotent pulls, deletions, stale cursors, push isolation, leases and panics
package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/calsync/coord"
	"github.com/harperreed/calsync/db"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/providers/providertest"
	"github.com/harperreed/calsync/syncerr"
)

type fixture struct {
	db       *db.DB
	engine   *Engine
	google   *providertest.Adapter
	acct     *models.CalendarAccount
	events   *db.EventRepository
	accounts *db.AccountRepository
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	database := db.NewTestDatabase(t)
	google := providertest.New(models.ProviderGoogle)
	return &fixture{
		db:       database,
		engine:   NewEngine(database, providers.NewRegistry(google), opts...),
		google:   google,
		acct:     db.NewTestAccount(t, database, models.ProviderGoogle),
		events:   db.NewEventRepository(database),
		accounts: db.NewAccountRepository(database),
	}
}

func (f *fixture) reloadAccount(t *testing.T) *models.CalendarAccount {
	t.Helper()
	acct, err := f.accounts.Get(context.Background(), f.acct.ID)
	require.NoError(t, err)
	require.NotNil(t, acct)
	return acct
}

func remoteEvent(id, title string, updated time.Time) models.CanonicalEvent {
	start := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	return models.CanonicalEvent{
		ExternalID:        id,
		ExternalUpdatedAt: &updated,
		EventContent: models.EventContent{
			Title:     title,
			StartTime: start,
			EndTime:   start.Add(time.Hour),
			Status:    models.EventStatusConfirmed,
			EventType: models.EventTypeEvent,
		},
	}
}

func localEvent(acctID uuid.UUID, title string, eventType models.EventType) *models.CalendarEvent {
	start := time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC)
	return &models.CalendarEvent{
		CalendarAccountID: acctID,
		EventContent: models.EventContent{
			Title:     title,
			StartTime: start,
			EndTime:   start.Add(30 * time.Minute),
			EventType: eventType,
		},
	}
}

func pullReturning(items ...models.CanonicalEvent) func(string) (providers.PullResult, error) {
	return func(cursor string) (providers.PullResult, error) {
		return providers.PullResult{Items: items, NextCursor: "cursor-1", FullSync: cursor == ""}, nil
	}
}

func TestSyncAccountPullIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	updated := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f.google.PullEventsFunc = pullReturning(remoteEvent("evt-1", "Standup", updated))

	first := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, first.Error)
	assert.Equal(t, 1, first.FromExternal.Created)

	second := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, second.Error)
	assert.Equal(t, 0, second.FromExternal.Created)
	assert.Equal(t, 1, second.FromExternal.Unchanged)

	n, err := f.events.CountByAccount(ctx, f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	acct := f.reloadAccount(t)
	assert.Equal(t, "cursor-1", acct.Cursor())
	assert.NotNil(t, acct.LastFullSyncAt)
	assert.NotNil(t, acct.LastSyncedAt)
	assert.Nil(t, acct.SyncErrors)
	assert.Equal(t, []string{"", "cursor-1"}, f.google.Cursors())
}

func TestSyncAccountCancellationDeletesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	updated := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	meeting := remoteEvent("evt-1", "Pipeline review", updated)
	meeting.EventType = models.EventTypeAppointment
	meeting.Attendees = []models.Attendee{{Email: "buyer@example.com"}}
	f.google.PullEventsFunc = pullReturning(meeting)

	require.Empty(t, f.engine.SyncAccount(ctx, f.acct, TriggerManual).Error)

	cancelled := models.CanonicalEvent{
		ExternalID:   "evt-1",
		Deleted:      true,
		EventContent: models.EventContent{EventType: models.EventTypeEvent, Status: models.EventStatusCancelled},
	}
	f.google.PullEventsFunc = pullReturning(cancelled)

	result := f.engine.SyncAccount(ctx, f.acct, TriggerWebhook)
	require.Empty(t, result.Error)
	assert.Equal(t, 1, result.FromExternal.Deleted)

	n, err := f.events.CountByAccount(ctx, f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSyncAccountReclassifiesInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	updated := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	f.google.PullEventsFunc = pullReturning(remoteEvent("evt-1", "Focus time", updated))
	require.Empty(t, f.engine.SyncAccount(ctx, f.acct, TriggerManual).Error)

	invited := remoteEvent("evt-1", "Focus time", updated.Add(time.Hour))
	invited.EventType = models.EventTypeAppointment
	invited.Attendees = []models.Attendee{{Email: "buyer@example.com"}}
	f.google.PullEventsFunc = pullReturning(invited)

	result := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, result.Error)
	assert.Equal(t, 1, result.FromExternal.Updated)

	rows, err := f.events.ListByAccount(ctx, f.acct.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.EventTypeAppointment, rows[0].EventType)
}

func TestSyncAccountRetriesStaleCursorOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := "old"
	require.NoError(t, f.accounts.UpdateSyncToken(ctx, f.acct.ID, &old))
	f.acct.SyncToken = &old

	f.google.PullEventsFunc = func(cursor string) (providers.PullResult, error) {
		if cursor == "old" {
			return providers.PullResult{}, syncerr.StaleCursor("list events", errors.New("410 gone"))
		}
		return providers.PullResult{
			Items:      []models.CanonicalEvent{remoteEvent("evt-1", "Standup", time.Now())},
			NextCursor: "fresh",
			FullSync:   true,
		}, nil
	}

	result := f.engine.SyncAccount(ctx, f.acct, TriggerScheduled)
	require.Empty(t, result.Error)
	assert.Equal(t, 1, result.FromExternal.Created)
	assert.Equal(t, []string{"old", ""}, f.google.Cursors())
	assert.Equal(t, "fresh", f.reloadAccount(t).Cursor())
}

func TestSyncAccountStopsAfterSecondStaleCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := "old"
	f.acct.SyncToken = &old

	f.google.PullEventsFunc = func(string) (providers.PullResult, error) {
		return providers.PullResult{}, syncerr.StaleCursor("list events", errors.New("410 gone"))
	}

	result := f.engine.SyncAccount(ctx, f.acct, TriggerScheduled)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, models.DirectionCounts{}, result.FromExternal)
	assert.Equal(t, []string{"old", ""}, f.google.Cursors())

	acct := f.reloadAccount(t)
	require.NotNil(t, acct.SyncErrors)
	assert.Contains(t, *acct.SyncErrors, "stale_cursor")
	assert.Empty(t, acct.Cursor())
}

func TestSyncAccountPushFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, title := range []string{"Intro call", "Demo", "Follow-up"} {
		require.NoError(t, f.engine.QueueLocalChange(ctx, localEvent(f.acct.ID, title, models.EventTypeEvent)))
	}

	ids := map[string]string{"Intro call": "g-1", "Follow-up": "g-3"}
	f.google.PushEventFunc = func(ev models.CanonicalEvent) (providers.PushResult, error) {
		if ev.Title == "Demo" {
			return providers.PushResult{}, syncerr.Transient("insert event", errors.New("503 backend error"))
		}
		return providers.PushResult{ExternalID: ids[ev.Title]}, nil
	}

	result := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, result.Error)
	assert.Equal(t, 2, result.ToExternal.Created)
	assert.Equal(t, 1, result.ToExternal.Failed)
	assert.Len(t, f.google.Pushed(), 3, "every row is attempted exactly once")

	rows, err := f.events.ListByAccount(ctx, f.acct.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		if row.Title == "Demo" {
			assert.Equal(t, models.SyncStatusFailed, row.SyncStatus)
			require.NotNil(t, row.SyncError)
			assert.Contains(t, *row.SyncError, "503")
			assert.Nil(t, row.ExternalID)
			continue
		}
		assert.Equal(t, models.SyncStatusSynced, row.SyncStatus)
		assert.Equal(t, models.SyncBidirectional, row.SyncDirection)
		assert.Equal(t, ids[row.Title], row.ExternalKey())
	}

	// the failed row stays queued and goes out on the next pass
	f.google.PushEventFunc = nil
	retry := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, retry.Error)
	assert.Equal(t, 1, retry.ToExternal.Created)
	assert.Equal(t, 0, retry.ToExternal.Failed)
}

func TestSyncAccountAuthFailureDuringPushAbortsPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.QueueLocalChange(ctx, localEvent(f.acct.ID, "Demo", models.EventTypeEvent)))

	f.google.PushEventFunc = func(models.CanonicalEvent) (providers.PushResult, error) {
		return providers.PushResult{}, syncerr.Auth("insert event", errors.New("401 unauthorized"))
	}

	result := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	assert.Contains(t, result.Error, "auth")
	assert.Equal(t, models.DirectionCounts{}, result.ToExternal)

	acct := f.reloadAccount(t)
	require.NotNil(t, acct.SyncErrors)
	assert.Contains(t, *acct.SyncErrors, "401")
}

func TestTaskRoundTripKeepsOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := localEvent(f.acct.ID, "Call buyer", models.EventTypeTask)
	require.NoError(t, f.engine.QueueLocalChange(ctx, task))

	pushedAt := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	f.google.PushTaskFunc = func(ev models.CanonicalEvent) (providers.PushResult, error) {
		assert.Equal(t, "Call buyer", ev.Title)
		return providers.PushResult{ExternalID: "abc123", ExternalUpdatedAt: &pushedAt}, nil
	}

	pushed := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, pushed.Error)
	assert.Equal(t, 1, pushed.ToExternal.Created)

	remote := remoteEvent("abc123", "Call buyer about renewal", pushedAt.Add(time.Hour))
	remote.EventType = models.EventTypeTask
	remote.ListID = "list-1"
	f.google.PullTasksFunc = func() ([]models.CanonicalEvent, error) {
		return []models.CanonicalEvent{remote}, nil
	}

	pulled := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, pulled.Error)
	assert.Equal(t, 1, pulled.FromExternal.Updated)
	assert.Equal(t, 0, pulled.FromExternal.Created)

	rows, err := f.events.ListByAccount(ctx, f.acct.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, task.ID, rows[0].ID)
	assert.Equal(t, "abc123", rows[0].ExternalKey())
	assert.Equal(t, "Call buyer about renewal", rows[0].Title)
	assert.Equal(t, models.SyncBidirectional, rows[0].SyncDirection)
	require.NotNil(t, rows[0].ProviderListID)
	assert.Equal(t, "list-1", *rows[0].ProviderListID)
}

func TestLocalEditSurvivesUnchangedRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	updated := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f.google.PullEventsFunc = pullReturning(remoteEvent("evt-1", "Standup", updated))
	require.Empty(t, f.engine.SyncAccount(ctx, f.acct, TriggerManual).Error)

	row, err := f.events.GetByExternalID(ctx, f.acct.ID, "evt-1", models.EventTypeEvent)
	require.NoError(t, err)
	row.Title = "Standup (moved)"
	require.NoError(t, f.engine.QueueLocalChange(ctx, row))

	result := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, result.Error)
	assert.Equal(t, 1, result.FromExternal.Skipped)
	assert.Equal(t, 1, result.ToExternal.Updated)

	pushed := f.google.Pushed()
	require.Len(t, pushed, 1)
	assert.Equal(t, "Standup (moved)", pushed[0].Title)
	assert.Equal(t, "evt-1", pushed[0].ExternalID)
}

func TestQueueLocalDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft := localEvent(f.acct.ID, "Draft", models.EventTypeEvent)
	require.NoError(t, f.engine.QueueLocalChange(ctx, draft))
	require.NoError(t, f.engine.QueueLocalDelete(ctx, draft.ID))
	gone, err := f.events.Get(ctx, draft.ID)
	require.NoError(t, err)
	assert.Nil(t, gone, "rows never pushed are removed at once")

	f.google.PullEventsFunc = pullReturning(remoteEvent("evt-9", "Board meeting", time.Now()))
	require.Empty(t, f.engine.SyncAccount(ctx, f.acct, TriggerManual).Error)
	row, err := f.events.GetByExternalID(ctx, f.acct.ID, "evt-9", models.EventTypeEvent)
	require.NoError(t, err)

	f.google.PullEventsFunc = nil
	require.NoError(t, f.engine.QueueLocalDelete(ctx, row.ID))

	result := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, result.Error)
	assert.Equal(t, 1, result.ToExternal.Deleted)
	assert.Equal(t, []string{"evt-9"}, f.google.Deleted())

	gone, err = f.events.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.ErrorIs(t, f.engine.QueueLocalDelete(ctx, uuid.New()), db.ErrEventNotFound)
}

func TestQueuedDeleteOutranksRemoteUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	updated := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f.google.PullEventsFunc = pullReturning(remoteEvent("evt-1", "Standup", updated))
	require.Empty(t, f.engine.SyncAccount(ctx, f.acct, TriggerManual).Error)

	row, err := f.events.GetByExternalID(ctx, f.acct.ID, "evt-1", models.EventTypeEvent)
	require.NoError(t, err)
	require.NoError(t, f.engine.QueueLocalDelete(ctx, row.ID))

	f.google.PullEventsFunc = pullReturning(remoteEvent("evt-1", "Standup (renamed)", updated.Add(time.Hour)))
	result := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, result.Error)
	assert.Equal(t, 1, result.FromExternal.Skipped)
	assert.Equal(t, 1, result.ToExternal.Deleted)
	assert.Equal(t, []string{"evt-1"}, f.google.Deleted())

	gone, err := f.events.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestTaskPullFailureDoesNotAbortPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.google.PullEventsFunc = pullReturning(remoteEvent("evt-1", "Standup", time.Now()))
	f.google.PullTasksFunc = func() ([]models.CanonicalEvent, error) {
		return nil, syncerr.Transient("list task lists", errors.New("timeout"))
	}

	result := f.engine.SyncAccount(ctx, f.acct, TriggerManual)
	require.Empty(t, result.Error)
	assert.Equal(t, 1, result.FromExternal.Created)
	assert.Equal(t, 1, result.FromExternal.Failed)
}

func TestSyncAccountSkipsWhenLeaseHeld(t *testing.T) {
	lease := coord.NewMemoryLease()
	f := newFixture(t, WithLease(lease))

	release, ok, err := lease.Acquire(context.Background(), f.acct.ID.String(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	result := f.engine.SyncAccount(context.Background(), f.acct, TriggerWebhook)
	assert.True(t, result.Skipped)
	assert.Empty(t, result.Error)
	assert.Empty(t, f.google.Cursors())
}

func TestSyncAccountHoldsLeaseForLongPass(t *testing.T) {
	f := newFixture(t, WithLeaseTTL(50*time.Millisecond))
	f.google.PullEventsFunc = func(string) (providers.PullResult, error) {
		time.Sleep(200 * time.Millisecond)
		return providers.PullResult{}, nil
	}

	done := make(chan models.SyncResult, 1)
	go func() { done <- f.engine.SyncAccount(context.Background(), f.acct, TriggerScheduled) }()

	time.Sleep(100 * time.Millisecond)
	second := f.engine.SyncAccount(context.Background(), f.acct, TriggerWebhook)
	assert.True(t, second.Skipped)

	first := <-done
	assert.False(t, first.Skipped)
	assert.Empty(t, first.Error)
	assert.Equal(t, 1, f.google.MaxConcurrentPulls())
}

func TestSyncAccountRecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	f.google.PullEventsFunc = func(string) (providers.PullResult, error) {
		panic("mapping bug")
	}

	result := f.engine.SyncAccount(context.Background(), f.acct, TriggerManual)
	assert.Contains(t, result.Error, "panic: mapping bug")

	acct := f.reloadAccount(t)
	require.NotNil(t, acct.SyncErrors)
	assert.Contains(t, *acct.SyncErrors, "mapping bug")

	// the lease is released even after a panic
	again := f.engine.SyncAccount(context.Background(), f.acct, TriggerManual)
	assert.False(t, again.Skipped)
}

func TestSyncAccountRejectsInactiveAccount(t *testing.T) {
	f := newFixture(t)
	f.acct.IsActive = false

	result := f.engine.SyncAccount(context.Background(), f.acct, TriggerManual)
	assert.Contains(t, result.Error, ErrAccountInactive.Error())
	assert.Empty(t, f.google.Cursors())
}

func TestSyncAccountRecordsRunHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.google.PullEventsFunc = pullReturning(remoteEvent("evt-1", "Standup", time.Now()))

	f.engine.SyncAccount(ctx, f.acct, TriggerWebhook)

	runs, err := db.NewSyncLogRepository(f.db).Recent(ctx, f.acct.ID, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, TriggerWebhook, runs[0].Trigger)
	assert.NotNil(t, runs[0].FinishedAt)
	assert.Contains(t, runs[0].Result, `"created":1`)
	assert.Nil(t, runs[0].Error)
}
