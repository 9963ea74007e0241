// ABOUTME: Calendar sync MCP tool handlers
// ABOUTME: Lists accounts, runs on-demand syncs and the retention sweep, and queues local event changes
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/calsync/db"
	"github.com/harperreed/calsync/models"
	calsync "github.com/harperreed/calsync/sync"
	"github.com/harperreed/calsync/webhooks"
)

type CalendarHandlers struct {
	accounts     *db.AccountRepository
	events       *db.EventRepository
	orchestrator *calsync.Orchestrator
	engine       *calsync.Engine
	now          func() time.Time
}

func NewCalendarHandlers(database *db.DB, orchestrator *calsync.Orchestrator, engine *calsync.Engine) *CalendarHandlers {
	return &CalendarHandlers{
		accounts:     db.NewAccountRepository(database),
		events:       db.NewEventRepository(database),
		orchestrator: orchestrator,
		engine:       engine,
		now:          time.Now,
	}
}

type ListAccountsInput struct {
	UserID     string `json:"user_id,omitempty" jsonschema:"Only list accounts owned by this user"`
	ActiveOnly bool   `json:"active_only,omitempty" jsonschema:"Skip deactivated accounts"`
}

type AccountOutput struct {
	ID           string  `json:"id"`
	Provider     string  `json:"provider"`
	TenantID     string  `json:"tenant_id"`
	UserID       string  `json:"user_id"`
	AccountEmail string  `json:"account_email"`
	CalendarName string  `json:"calendar_name"`
	IsActive     bool    `json:"is_active"`
	WebhookState string  `json:"webhook_state"`
	LastSyncedAt *string `json:"last_synced_at,omitempty"`
	SyncErrors   *string `json:"sync_errors,omitempty"`
}

type ListAccountsOutput struct {
	Accounts []AccountOutput `json:"accounts"`
}

func (h *CalendarHandlers) ListAccounts(ctx context.Context, _ *mcp.CallToolRequest, input ListAccountsInput) (*mcp.CallToolResult, ListAccountsOutput, error) {
	all, err := h.accounts.List(ctx)
	if err != nil {
		return nil, ListAccountsOutput{}, fmt.Errorf("failed to list accounts: %w", err)
	}

	out := ListAccountsOutput{Accounts: []AccountOutput{}}
	now := h.now()
	for i := range all {
		acct := &all[i]
		if input.UserID != "" && acct.UserID != input.UserID {
			continue
		}
		if input.ActiveOnly && !acct.IsActive {
			continue
		}
		out.Accounts = append(out.Accounts, accountToOutput(acct, now))
	}

	return nil, out, nil
}

func accountToOutput(acct *models.CalendarAccount, now time.Time) AccountOutput {
	out := AccountOutput{
		ID:           acct.ID.String(),
		Provider:     string(acct.Provider),
		TenantID:     acct.TenantID,
		UserID:       acct.UserID,
		AccountEmail: acct.AccountEmail,
		CalendarName: acct.CalendarName,
		IsActive:     acct.IsActive,
		WebhookState: string(webhooks.StateOf(acct, now)),
		SyncErrors:   acct.SyncErrors,
	}
	if acct.LastSyncedAt != nil {
		s := acct.LastSyncedAt.Format(time.RFC3339)
		out.LastSyncedAt = &s
	}
	return out
}

type SyncAccountInput struct {
	AccountID string `json:"account_id" jsonschema:"Calendar account ID (required)"`
}

type SyncResultOutput struct {
	AccountID    string                 `json:"account_id"`
	FromExternal models.DirectionCounts `json:"from_external"`
	ToExternal   models.DirectionCounts `json:"to_external"`
	Skipped      bool                   `json:"skipped,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

func resultToOutput(id uuid.UUID, r models.SyncResult) SyncResultOutput {
	return SyncResultOutput{
		AccountID:    id.String(),
		FromExternal: r.FromExternal,
		ToExternal:   r.ToExternal,
		Skipped:      r.Skipped,
		Error:        r.Error,
	}
}

func (h *CalendarHandlers) SyncAccount(ctx context.Context, _ *mcp.CallToolRequest, input SyncAccountInput) (*mcp.CallToolResult, SyncResultOutput, error) {
	if input.AccountID == "" {
		return nil, SyncResultOutput{}, fmt.Errorf("account_id is required")
	}
	id, err := uuid.Parse(input.AccountID)
	if err != nil {
		return nil, SyncResultOutput{}, fmt.Errorf("invalid account_id: %w", err)
	}

	result, err := h.orchestrator.SyncAccountByID(ctx, id, calsync.TriggerManual)
	if err != nil {
		return nil, SyncResultOutput{}, err
	}

	return nil, resultToOutput(id, result), nil
}

type SyncUserInput struct {
	UserID string `json:"user_id" jsonschema:"User whose active accounts should be synced (required)"`
}

type SyncUserOutput struct {
	UserID  string             `json:"user_id"`
	Results []SyncResultOutput `json:"results"`
}

func (h *CalendarHandlers) SyncUser(ctx context.Context, _ *mcp.CallToolRequest, input SyncUserInput) (*mcp.CallToolResult, SyncUserOutput, error) {
	if input.UserID == "" {
		return nil, SyncUserOutput{}, fmt.Errorf("user_id is required")
	}

	results := h.orchestrator.SyncForUser(ctx, input.UserID, calsync.TriggerManual)
	out := SyncUserOutput{UserID: input.UserID, Results: make([]SyncResultOutput, 0, len(results))}
	for id, r := range results {
		out.Results = append(out.Results, resultToOutput(id, r))
	}

	return nil, out, nil
}

type CleanupInput struct {
	DaysOld int `json:"days_old,omitempty" jsonschema:"Delete provider events that ended more than this many days ago (default 365)"`
}

type CleanupOutput struct {
	Deleted int64 `json:"deleted"`
	DaysOld int   `json:"days_old"`
}

func (h *CalendarHandlers) Cleanup(ctx context.Context, _ *mcp.CallToolRequest, input CleanupInput) (*mcp.CallToolResult, CleanupOutput, error) {
	if input.DaysOld < 0 {
		return nil, CleanupOutput{}, fmt.Errorf("days_old must not be negative")
	}
	days := input.DaysOld
	if days == 0 {
		days = calsync.DefaultRetentionDays
	}

	n, err := h.orchestrator.CleanupOldEvents(ctx, days)
	if err != nil {
		return nil, CleanupOutput{}, err
	}

	return nil, CleanupOutput{Deleted: n, DaysOld: days}, nil
}

type QueueEventInput struct {
	ID            string `json:"id,omitempty" jsonschema:"Existing event ID to edit; omit to create a new event"`
	AccountID     string `json:"account_id,omitempty" jsonschema:"Calendar account ID (required when creating)"`
	Title         string `json:"title" jsonschema:"Event title (required)"`
	Description   string `json:"description,omitempty" jsonschema:"Event description"`
	Location      string `json:"location,omitempty" jsonschema:"Event location"`
	StartTime     string `json:"start_time" jsonschema:"Start time in RFC 3339 format (required)"`
	EndTime       string `json:"end_time,omitempty" jsonschema:"End time in RFC 3339 format (default one hour after start)"`
	Timezone      string `json:"timezone,omitempty" jsonschema:"IANA time zone name"`
	AllDay        bool   `json:"all_day,omitempty" jsonschema:"Whether the event lasts all day"`
	EventType     string `json:"event_type,omitempty" jsonschema:"event, appointment or task (default event)"`
	TaskID        string `json:"task_id,omitempty" jsonschema:"CRM task this event mirrors"`
	AppointmentID string `json:"appointment_id,omitempty" jsonschema:"CRM appointment this event mirrors"`
}

type EventOutput struct {
	ID                string  `json:"id"`
	CalendarAccountID string  `json:"calendar_account_id"`
	ExternalID        *string `json:"external_id,omitempty"`
	Title             string  `json:"title"`
	EventType         string  `json:"event_type"`
	StartTime         string  `json:"start_time"`
	EndTime           string  `json:"end_time"`
	SyncStatus        string  `json:"sync_status"`
	SyncDirection     string  `json:"sync_direction"`
	PendingDelete     bool    `json:"pending_delete,omitempty"`
}

func eventToOutput(ev *models.CalendarEvent) EventOutput {
	return EventOutput{
		ID:                ev.ID.String(),
		CalendarAccountID: ev.CalendarAccountID.String(),
		ExternalID:        ev.ExternalID,
		Title:             ev.Title,
		EventType:         string(ev.EventType),
		StartTime:         ev.StartTime.Format(time.RFC3339),
		EndTime:           ev.EndTime.Format(time.RFC3339),
		SyncStatus:        string(ev.SyncStatus),
		SyncDirection:     string(ev.SyncDirection),
		PendingDelete:     ev.PendingDelete,
	}
}

// QueueEvent stores a local create or edit as pending. The next sync pass for
// the account pushes it to the provider.
func (h *CalendarHandlers) QueueEvent(ctx context.Context, _ *mcp.CallToolRequest, input QueueEventInput) (*mcp.CallToolResult, EventOutput, error) {
	if input.Title == "" {
		return nil, EventOutput{}, fmt.Errorf("title is required")
	}
	if input.StartTime == "" {
		return nil, EventOutput{}, fmt.Errorf("start_time is required")
	}

	start, err := time.Parse(time.RFC3339, input.StartTime)
	if err != nil {
		return nil, EventOutput{}, fmt.Errorf("invalid start_time: %w", err)
	}
	end := start.Add(time.Hour)
	if input.EndTime != "" {
		end, err = time.Parse(time.RFC3339, input.EndTime)
		if err != nil {
			return nil, EventOutput{}, fmt.Errorf("invalid end_time: %w", err)
		}
		if end.Before(start) {
			return nil, EventOutput{}, fmt.Errorf("end_time must not be before start_time")
		}
	}

	eventType := models.EventTypeEvent
	if input.EventType != "" {
		eventType = models.EventType(input.EventType)
		switch eventType {
		case models.EventTypeEvent, models.EventTypeAppointment, models.EventTypeTask:
		default:
			return nil, EventOutput{}, fmt.Errorf("invalid event_type: %s", input.EventType)
		}
	}

	link, err := parseLink(input.TaskID, input.AppointmentID)
	if err != nil {
		return nil, EventOutput{}, err
	}

	var ev *models.CalendarEvent
	if input.ID != "" {
		id, err := uuid.Parse(input.ID)
		if err != nil {
			return nil, EventOutput{}, fmt.Errorf("invalid id: %w", err)
		}
		ev, err = h.events.Get(ctx, id)
		if err != nil {
			return nil, EventOutput{}, fmt.Errorf("failed to load event: %w", err)
		}
		if ev == nil {
			return nil, EventOutput{}, fmt.Errorf("event not found: %s", input.ID)
		}
		if ev.PendingDelete {
			return nil, EventOutput{}, fmt.Errorf("event %s is queued for deletion", input.ID)
		}
		if link != nil {
			ev.Syncable = link
		}
	} else {
		if input.AccountID == "" {
			return nil, EventOutput{}, fmt.Errorf("account_id is required when creating an event")
		}
		accountID, err := uuid.Parse(input.AccountID)
		if err != nil {
			return nil, EventOutput{}, fmt.Errorf("invalid account_id: %w", err)
		}
		acct, err := h.accounts.Get(ctx, accountID)
		if err != nil {
			return nil, EventOutput{}, fmt.Errorf("failed to load account: %w", err)
		}
		if acct == nil {
			return nil, EventOutput{}, fmt.Errorf("account not found: %s", input.AccountID)
		}
		ev = &models.CalendarEvent{CalendarAccountID: acct.ID, Syncable: link}
	}

	ev.Title = input.Title
	ev.Description = input.Description
	ev.Location = input.Location
	ev.StartTime = start.UTC()
	ev.EndTime = end.UTC()
	ev.Timezone = input.Timezone
	ev.AllDay = input.AllDay
	ev.EventType = eventType
	if ev.Status == "" {
		ev.Status = models.EventStatusConfirmed
	}

	if err := h.engine.QueueLocalChange(ctx, ev); err != nil {
		return nil, EventOutput{}, fmt.Errorf("failed to queue event: %w", err)
	}

	return nil, eventToOutput(ev), nil
}

func parseLink(taskID, appointmentID string) (models.SyncableLink, error) {
	if taskID != "" && appointmentID != "" {
		return nil, fmt.Errorf("only one of task_id and appointment_id may be set")
	}
	if taskID != "" {
		id, err := uuid.Parse(taskID)
		if err != nil {
			return nil, fmt.Errorf("invalid task_id: %w", err)
		}
		return models.TaskLink{TaskID: id}, nil
	}
	if appointmentID != "" {
		id, err := uuid.Parse(appointmentID)
		if err != nil {
			return nil, fmt.Errorf("invalid appointment_id: %w", err)
		}
		return models.AppointmentLink{AppointmentID: id}, nil
	}
	return nil, nil
}

type DeleteEventInput struct {
	ID string `json:"id" jsonschema:"Event ID to delete (required)"`
}

type DeleteEventOutput struct {
	ID string `json:"id"`
	// Queued is true when the provider copy is removed on the next push.
	Queued bool `json:"queued"`
}

func (h *CalendarHandlers) DeleteEvent(ctx context.Context, _ *mcp.CallToolRequest, input DeleteEventInput) (*mcp.CallToolResult, DeleteEventOutput, error) {
	if input.ID == "" {
		return nil, DeleteEventOutput{}, fmt.Errorf("id is required")
	}
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, DeleteEventOutput{}, fmt.Errorf("invalid id: %w", err)
	}

	existing, err := h.events.Get(ctx, id)
	if err != nil {
		return nil, DeleteEventOutput{}, fmt.Errorf("failed to load event: %w", err)
	}

	if err := h.engine.QueueLocalDelete(ctx, id); err != nil {
		if errors.Is(err, db.ErrEventNotFound) {
			return nil, DeleteEventOutput{}, fmt.Errorf("event not found: %s", input.ID)
		}
		return nil, DeleteEventOutput{}, fmt.Errorf("failed to delete event: %w", err)
	}

	return nil, DeleteEventOutput{ID: input.ID, Queued: existing != nil && existing.ExternalKey() != ""}, nil
}
