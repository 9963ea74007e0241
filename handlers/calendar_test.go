// ABOUTME: Tests for calendar sync MCP tool and resource handlers
// ABOUTME: Runs the real engine against a scripted provider on a temporary database
package handlers

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/calsync/db"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/providers/providertest"
	calsync "github.com/harperreed/calsync/sync"
)

type testHandlers struct {
	db        *db.DB
	calendar  *CalendarHandlers
	resources *ResourceHandlers
	google    *providertest.Adapter
	acct      *models.CalendarAccount
}

func setupHandlers(t *testing.T) *testHandlers {
	t.Helper()
	database := db.NewTestDatabase(t)
	google := providertest.New(models.ProviderGoogle)
	engine := calsync.NewEngine(database, providers.NewRegistry(google))
	orchestrator := calsync.NewOrchestrator(database, engine)

	return &testHandlers{
		db:        database,
		calendar:  NewCalendarHandlers(database, orchestrator, engine),
		resources: NewResourceHandlers(database),
		google:    google,
		acct:      db.NewTestAccount(t, database, models.ProviderGoogle),
	}
}

func TestListAccounts(t *testing.T) {
	h := setupHandlers(t)
	ctx := context.Background()
	other := db.NewTestAccount(t, h.db, models.ProviderOutlook)
	require.NoError(t, db.NewAccountRepository(h.db).Deactivate(ctx, other.ID, "revoked"))

	_, out, err := h.calendar.ListAccounts(ctx, nil, ListAccountsInput{})
	require.NoError(t, err)
	assert.Len(t, out.Accounts, 2)

	_, out, err = h.calendar.ListAccounts(ctx, nil, ListAccountsInput{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, out.Accounts, 1)
	assert.Equal(t, h.acct.ID.String(), out.Accounts[0].ID)
	assert.Equal(t, "unregistered", out.Accounts[0].WebhookState)

	_, out, err = h.calendar.ListAccounts(ctx, nil, ListAccountsInput{UserID: other.UserID})
	require.NoError(t, err)
	require.Len(t, out.Accounts, 1)
	assert.False(t, out.Accounts[0].IsActive)
}

func TestSyncAccountTool(t *testing.T) {
	h := setupHandlers(t)
	ctx := context.Background()
	updated := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	h.google.PullEventsFunc = func(string) (providers.PullResult, error) {
		return providers.PullResult{
			Items: []models.CanonicalEvent{{
				ExternalID:        "g-1",
				ExternalUpdatedAt: &updated,
				EventContent: models.EventContent{
					Title:     "Pipeline review",
					StartTime: updated.Add(24 * time.Hour),
					EndTime:   updated.Add(25 * time.Hour),
					EventType: models.EventTypeEvent,
				},
			}},
			NextCursor: "cursor-1",
			FullSync:   true,
		}, nil
	}

	_, out, err := h.calendar.SyncAccount(ctx, nil, SyncAccountInput{AccountID: h.acct.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, 1, out.FromExternal.Created)
	assert.Empty(t, out.Error)

	_, _, err = h.calendar.SyncAccount(ctx, nil, SyncAccountInput{})
	assert.EqualError(t, err, "account_id is required")

	_, _, err = h.calendar.SyncAccount(ctx, nil, SyncAccountInput{AccountID: "nope"})
	assert.Error(t, err)

	_, _, err = h.calendar.SyncAccount(ctx, nil, SyncAccountInput{AccountID: uuid.NewString()})
	assert.ErrorIs(t, err, calsync.ErrAccountNotFound)
}

func TestSyncUserTool(t *testing.T) {
	h := setupHandlers(t)

	_, out, err := h.calendar.SyncUser(context.Background(), nil, SyncUserInput{UserID: h.acct.UserID})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, h.acct.ID.String(), out.Results[0].AccountID)

	_, _, err = h.calendar.SyncUser(context.Background(), nil, SyncUserInput{})
	assert.Error(t, err)
}

func TestCleanupTool(t *testing.T) {
	h := setupHandlers(t)

	_, out, err := h.calendar.Cleanup(context.Background(), nil, CleanupInput{})
	require.NoError(t, err)
	assert.Equal(t, calsync.DefaultRetentionDays, out.DaysOld)
	assert.Equal(t, int64(0), out.Deleted)

	_, _, err = h.calendar.Cleanup(context.Background(), nil, CleanupInput{DaysOld: -1})
	assert.Error(t, err)
}

func TestQueueEventThenPush(t *testing.T) {
	h := setupHandlers(t)
	ctx := context.Background()
	taskID := uuid.New()

	_, created, err := h.calendar.QueueEvent(ctx, nil, QueueEventInput{
		AccountID: h.acct.ID.String(),
		Title:     "Call buyer",
		StartTime: "2026-05-04T15:00:00Z",
		EventType: "task",
		TaskID:    taskID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", created.SyncStatus)
	assert.Equal(t, "to_external", created.SyncDirection)
	assert.Equal(t, "2026-05-04T16:00:00Z", created.EndTime)

	_, result, err := h.calendar.SyncAccount(ctx, nil, SyncAccountInput{AccountID: h.acct.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ToExternal.Created)
	require.Len(t, h.google.Pushed(), 1)
	assert.Equal(t, "Call buyer", h.google.Pushed()[0].Title)

	_, edited, err := h.calendar.QueueEvent(ctx, nil, QueueEventInput{
		ID:        created.ID,
		Title:     "Call buyer back",
		StartTime: "2026-05-05T15:00:00Z",
		EventType: "task",
	})
	require.NoError(t, err)
	require.NotNil(t, edited.ExternalID)
	assert.Equal(t, "pending", edited.SyncStatus)

	stored, err := db.NewEventRepository(h.db).Get(ctx, uuid.MustParse(created.ID))
	require.NoError(t, err)
	assert.Equal(t, models.TaskLink{TaskID: taskID}, stored.Syncable, "an edit keeps the CRM link")
}

func TestQueueEventValidation(t *testing.T) {
	h := setupHandlers(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input QueueEventInput
		want  string
	}{
		{"missing title", QueueEventInput{AccountID: h.acct.ID.String(), StartTime: "2026-05-04T15:00:00Z"}, "title is required"},
		{"missing start", QueueEventInput{AccountID: h.acct.ID.String(), Title: "x"}, "start_time is required"},
		{"bad start", QueueEventInput{AccountID: h.acct.ID.String(), Title: "x", StartTime: "tomorrow"}, "invalid start_time"},
		{"end before start", QueueEventInput{AccountID: h.acct.ID.String(), Title: "x", StartTime: "2026-05-04T15:00:00Z", EndTime: "2026-05-04T14:00:00Z"}, "end_time must not be before"},
		{"bad type", QueueEventInput{AccountID: h.acct.ID.String(), Title: "x", StartTime: "2026-05-04T15:00:00Z", EventType: "meeting"}, "invalid event_type"},
		{"two links", QueueEventInput{AccountID: h.acct.ID.String(), Title: "x", StartTime: "2026-05-04T15:00:00Z", TaskID: uuid.NewString(), AppointmentID: uuid.NewString()}, "only one of"},
		{"no account", QueueEventInput{Title: "x", StartTime: "2026-05-04T15:00:00Z"}, "account_id is required"},
		{"unknown account", QueueEventInput{AccountID: uuid.NewString(), Title: "x", StartTime: "2026-05-04T15:00:00Z"}, "account not found"},
		{"unknown event", QueueEventInput{ID: uuid.NewString(), Title: "x", StartTime: "2026-05-04T15:00:00Z"}, "event not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.calendar.QueueEvent(ctx, nil, tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDeleteEventTool(t *testing.T) {
	h := setupHandlers(t)
	ctx := context.Background()

	_, local, err := h.calendar.QueueEvent(ctx, nil, QueueEventInput{
		AccountID: h.acct.ID.String(),
		Title:     "Draft",
		StartTime: "2026-05-04T15:00:00Z",
	})
	require.NoError(t, err)

	_, out, err := h.calendar.DeleteEvent(ctx, nil, DeleteEventInput{ID: local.ID})
	require.NoError(t, err)
	assert.False(t, out.Queued, "an unpushed row is removed immediately")

	_, pushed, err := h.calendar.QueueEvent(ctx, nil, QueueEventInput{
		AccountID: h.acct.ID.String(),
		Title:     "Demo",
		StartTime: "2026-05-06T15:00:00Z",
	})
	require.NoError(t, err)
	_, _, err = h.calendar.SyncAccount(ctx, nil, SyncAccountInput{AccountID: h.acct.ID.String()})
	require.NoError(t, err)

	_, out, err = h.calendar.DeleteEvent(ctx, nil, DeleteEventInput{ID: pushed.ID})
	require.NoError(t, err)
	assert.True(t, out.Queued)

	_, result, err := h.calendar.SyncAccount(ctx, nil, SyncAccountInput{AccountID: h.acct.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ToExternal.Deleted)
	assert.Equal(t, []string{"ext-1"}, h.google.Deleted())

	_, _, err = h.calendar.DeleteEvent(ctx, nil, DeleteEventInput{ID: pushed.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event not found")
}

func readResource(t *testing.T, h *testHandlers, uri string) string {
	t.Helper()
	result, err := h.resources.ReadResource(context.Background(), &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: uri},
	})
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "application/json", result.Contents[0].MIMEType)
	return result.Contents[0].Text
}

func TestReadResources(t *testing.T) {
	h := setupHandlers(t)
	ctx := context.Background()

	_, _, err := h.calendar.QueueEvent(ctx, nil, QueueEventInput{
		AccountID: h.acct.ID.String(),
		Title:     "Quarterly review",
		StartTime: "2026-05-04T15:00:00Z",
	})
	require.NoError(t, err)
	_, _, err = h.calendar.SyncAccount(ctx, nil, SyncAccountInput{AccountID: h.acct.ID.String()})
	require.NoError(t, err)

	base := "calsync://accounts/" + h.acct.ID.String()
	assert.Contains(t, readResource(t, h, "calsync://accounts"), h.acct.ID.String())
	assert.Contains(t, readResource(t, h, base), `"event_count": 1`)
	assert.Contains(t, readResource(t, h, base+"/events"), "Quarterly review")
	assert.Contains(t, readResource(t, h, base+"/runs"), `"trigger": "manual"`)

	text := readResource(t, h, "calsync://accounts")
	assert.False(t, strings.Contains(text, "access_token"), "tokens never leave the store")

	for _, bad := range []string{"crm://contacts", "calsync://deals", base + "/nope", "calsync://accounts/not-a-uuid"} {
		_, err := h.resources.ReadResource(ctx, &mcp.ReadResourceRequest{Params: &mcp.ReadResourceParams{URI: bad}})
		assert.Error(t, err, bad)
	}
}
