// ABOUTME: Tests for the Graph adapter against an httptest fake of the Microsoft Graph API
// ABOUTME: Covers windowed pulls, paging, To Do lists, push fallbacks, subscriptions and errors
package outlook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/syncerr"
)

type staticClients struct{}

func (staticClients) HTTPClient(context.Context, *models.CalendarAccount) (*http.Client, error) {
	return http.DefaultClient, nil
}

type fakeGraph struct {
	*httptest.Server
	mux *http.ServeMux
}

func newFakeGraph(t *testing.T) (*fakeGraph, *Adapter) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	a := New(staticClients{}, Config{BaseURL: srv.URL + "/v1.0", Timeout: 5 * time.Second}, nil)
	a.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fakeGraph{Server: srv, mux: mux}, a
}

func testAccount() *models.CalendarAccount {
	return &models.CalendarAccount{ID: uuid.New(), Provider: models.ProviderOutlook, IsActive: true}
}

func reply(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
}

func graphErr(code, msg string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": msg}}
}

func TestPullEventsWindowAndPaging(t *testing.T) {
	g, a := newFakeGraph(t)
	g.mux.HandleFunc("GET /v1.0/me/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `outlook.timezone="UTC"`, r.Header.Get("Prefer"))
		if r.URL.Query().Get("page") == "2" {
			reply(t, w, http.StatusOK, map[string]any{"value": []map[string]any{
				{"id": "ev-3", "isCancelled": true, "lastModifiedDateTime": "2025-02-27T08:00:00Z"},
			}})
			return
		}
		q := r.URL.Query()
		assert.Equal(t, "start/dateTime ge '2025-01-30T12:00:00' and start/dateTime le '2026-03-01T12:00:00'", q.Get("$filter"))
		assert.Equal(t, "start/dateTime", q.Get("$orderby"))
		assert.Equal(t, "250", q.Get("$top"))
		reply(t, w, http.StatusOK, map[string]any{
			"@odata.nextLink": g.URL + "/v1.0/me/events?page=2",
			"value": []map[string]any{
				{
					"id":                         "ev-1",
					"subject":                    "Pipeline review",
					"body":                       map[string]any{"contentType": "text", "content": "Q2 numbers"},
					"start":                      map[string]any{"dateTime": "2025-03-03T16:00:00.0000000", "timeZone": "UTC"},
					"end":                        map[string]any{"dateTime": "2025-03-03T17:00:00.0000000", "timeZone": "UTC"},
					"showAs":                     "tentative",
					"organizer":                  map[string]any{"emailAddress": map[string]any{"address": "rep@example.com"}},
					"lastModifiedDateTime":       "2025-02-28T09:30:00.1234567Z",
					"isReminderOn":               true,
					"reminderMinutesBeforeStart": 15,
				},
				{
					"id":      "ev-2",
					"subject": "Demo",
					"start":   map[string]any{"dateTime": "2025-03-05T15:00:00.0000000", "timeZone": "UTC"},
					"end":     map[string]any{"dateTime": "2025-03-05T16:00:00.0000000", "timeZone": "UTC"},
					"showAs":  "busy",
					"attendees": []map[string]any{{
						"type":         "optional",
						"status":       map[string]any{"response": "accepted"},
						"emailAddress": map[string]any{"address": "buyer@example.com", "name": "Buyer"},
					}},
					"recurrence": map[string]any{
						"pattern": map[string]any{"type": "weekly", "interval": 1, "daysOfWeek": []string{"wednesday"}},
						"range":   map[string]any{"type": "noEnd", "startDate": "2025-03-05"},
					},
				},
			},
		})
	})

	res, err := a.PullEvents(context.Background(), testAccount(), "ignored")
	require.NoError(t, err)
	assert.True(t, res.FullSync)
	assert.Empty(t, res.NextCursor)
	require.Len(t, res.Items, 3)

	review := res.Items[0]
	assert.Equal(t, "Pipeline review", review.Title)
	assert.Equal(t, "Q2 numbers", review.Description)
	assert.Equal(t, time.Date(2025, 3, 3, 16, 0, 0, 0, time.UTC), review.StartTime)
	assert.Equal(t, models.EventStatusTentative, review.Status)
	// organizer alone does not make an appointment on Outlook
	assert.Equal(t, models.EventTypeEvent, review.EventType)
	assert.Equal(t, []models.Reminder{{Method: "popup", Minutes: 15}}, review.Reminders)
	require.NotNil(t, review.ExternalUpdatedAt)

	demo := res.Items[1]
	assert.Equal(t, models.EventTypeAppointment, demo.EventType)
	assert.Equal(t, models.EventStatusConfirmed, demo.Status)
	require.Len(t, demo.Attendees, 1)
	assert.True(t, demo.Attendees[0].Optional)
	assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;BYDAY=WE"}, demo.Recurrence)

	assert.True(t, res.Items[2].Deleted)
}

func TestPullEventsClassifiesErrors(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, syncerr.IsAuth},
		{http.StatusForbidden, syncerr.IsAuth},
		{http.StatusTooManyRequests, syncerr.IsTransient},
		{http.StatusServiceUnavailable, syncerr.IsTransient},
		{http.StatusGone, syncerr.IsStaleCursor},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			g, a := newFakeGraph(t)
			g.mux.HandleFunc("GET /v1.0/me/events", func(w http.ResponseWriter, r *http.Request) {
				reply(t, w, tt.status, graphErr("Failure", "nope"))
			})
			_, err := a.PullEvents(context.Background(), testAccount(), "")
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected classification: %v", err)
		})
	}
}

func TestPushEventFallsBackToCreate(t *testing.T) {
	g, a := newFakeGraph(t)
	var created atomic.Int32
	g.mux.HandleFunc("PATCH /v1.0/me/events/missing", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusNotFound, graphErr("ErrorItemNotFound", "not found"))
	})
	g.mux.HandleFunc("POST /v1.0/me/events", func(w http.ResponseWriter, r *http.Request) {
		created.Add(1)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Kickoff", body["subject"])
		assert.Equal(t, true, body["isAllDay"])
		start := body["start"].(map[string]any)
		end := body["end"].(map[string]any)
		assert.Equal(t, "2025-03-10T00:00:00", start["dateTime"])
		assert.Equal(t, "2025-03-11T00:00:00", end["dateTime"])
		reply(t, w, http.StatusCreated, map[string]any{"id": "ev-new", "lastModifiedDateTime": "2025-03-01T12:00:00Z"})
	})

	res, err := a.PushEvent(context.Background(), testAccount(), models.CanonicalEvent{
		ExternalID: "missing",
		EventContent: models.EventContent{
			Title:     "Kickoff",
			StartTime: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
			EndTime:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
			AllDay:    true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ev-new", res.ExternalID)
	assert.Equal(t, int32(1), created.Load())
}

func todoListsHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusOK, map[string]any{"value": []map[string]any{
			{"id": "tasks", "displayName": "Tasks", "wellknownListName": "defaultList"},
			{"id": "deals", "displayName": "Deals", "wellknownListName": "none"},
		}})
	}
}

func TestPullTasksAppendsListName(t *testing.T) {
	g, a := newFakeGraph(t)
	g.mux.HandleFunc("GET /v1.0/me/todo/lists", todoListsHandler(t))
	g.mux.HandleFunc("GET /v1.0/me/todo/lists/{list}/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("list") != "deals" {
			reply(t, w, http.StatusOK, map[string]any{"value": []any{}})
			return
		}
		reply(t, w, http.StatusOK, map[string]any{"value": []map[string]any{
			{
				"id":                   "todo-1",
				"title":                "Call buyer",
				"body":                 map[string]any{"contentType": "text", "content": "Ask about budget"},
				"dueDateTime":          map[string]any{"dateTime": "2025-03-04T00:00:00.0000000", "timeZone": "UTC"},
				"lastModifiedDateTime": "2025-03-01T08:00:00Z",
			},
			{"id": "todo-2", "title": "No date"},
		}})
	})

	items, err := a.PullTasks(context.Background(), testAccount())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Ask about budget\n\nList: Deals", items[0].Description)
	assert.Equal(t, "deals", items[0].ListID)
	assert.Equal(t, models.EventTypeTask, items[0].EventType)

	task := canonicalToTask(items[0])
	assert.Equal(t, "Ask about budget", task.Body.Content)
}

func TestPushTaskCreatesInDefaultList(t *testing.T) {
	g, a := newFakeGraph(t)
	g.mux.HandleFunc("GET /v1.0/me/todo/lists", todoListsHandler(t))
	g.mux.HandleFunc("GET /v1.0/me/todo/lists/{list}/tasks/{task}", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusNotFound, graphErr("ErrorItemNotFound", "not found"))
	})
	g.mux.HandleFunc("POST /v1.0/me/todo/lists/tasks/tasks", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusCreated, map[string]any{"id": "todo-new"})
	})

	res, err := a.PushTask(context.Background(), testAccount(), models.CanonicalEvent{
		ExternalID:   "todo-gone",
		ListID:       "deals",
		EventContent: models.EventContent{Title: "Follow up", StartTime: time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	assert.Equal(t, "todo-new", res.ExternalID)
}

func TestDeleteTaskSearchesLists(t *testing.T) {
	g, a := newFakeGraph(t)
	var deleted atomic.Int32
	g.mux.HandleFunc("GET /v1.0/me/todo/lists", todoListsHandler(t))
	g.mux.HandleFunc("GET /v1.0/me/todo/lists/{list}/tasks/{task}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("list") == "deals" {
			reply(t, w, http.StatusOK, map[string]any{"id": r.PathValue("task")})
			return
		}
		reply(t, w, http.StatusNotFound, graphErr("ErrorItemNotFound", "not found"))
	})
	g.mux.HandleFunc("DELETE /v1.0/me/todo/lists/deals/tasks/todo-1", func(w http.ResponseWriter, r *http.Request) {
		deleted.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	ok, err := a.DeleteEvent(context.Background(), testAccount(), "todo-1", models.EventTypeTask)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), deleted.Load())
}

func TestWatchCreatesSubscription(t *testing.T) {
	g, a := newFakeGraph(t)
	g.mux.HandleFunc("POST /v1.0/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "created,updated,deleted", body["changeType"])
		assert.Equal(t, "/me/events", body["resource"])
		assert.Equal(t, "abc", body["clientState"])
		assert.Equal(t, "2025-03-04T10:30:00Z", body["expirationDateTime"])
		reply(t, w, http.StatusCreated, map[string]any{"id": "sub-1", "expirationDateTime": "2025-03-04T10:30:00Z"})
	})
	g.mux.HandleFunc("DELETE /v1.0/subscriptions/sub-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	ch, err := a.Watch(context.Background(), testAccount(), providers.WatchRequest{
		CallbackURL: "https://crm.example.com/webhooks/outlook",
		ClientState: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", ch.ID)
	assert.Equal(t, time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC), ch.ExpiresAt)

	require.NoError(t, a.StopWatch(context.Background(), testAccount(), ch))
}

func TestProfileFallsBackToPrincipalName(t *testing.T) {
	g, a := newFakeGraph(t)
	g.mux.HandleFunc("GET /v1.0/me", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusOK, map[string]any{"userPrincipalName": "rep@contoso.com"})
	})
	g.mux.HandleFunc("GET /v1.0/me/calendar", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, http.StatusOK, map[string]any{"id": "cal-1", "name": "Calendar"})
	})

	p, err := a.Profile(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "rep@contoso.com", p.Email)
	assert.Equal(t, "cal-1", p.CalendarID)
}
