// ABOUTME: Repository for calendar_events rows shared by both sync directions
// ABOUTME: Implements keyed upsert from providers, the push queue, sync marks and the retention sweep
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/harperreed/calsync/models"
)

var (
	ErrEventNotFound = errors.New("calendar event not found")
	ErrInvalidEvent  = errors.New("invalid calendar event")
)

// UpsertOutcome reports what an upsert from a provider did to the local row.
type UpsertOutcome int

const (
	UpsertCreated UpsertOutcome = iota
	UpsertUpdated
	UpsertUnchanged
	// UpsertSkipped means a local edit still waiting to be pushed was kept.
	UpsertSkipped
)

const eventColumns = `
	id, calendar_account_id, external_id, title, description, location, start_time, end_time,
	timezone, all_day, status, visibility, attendees, organizer_email, meeting_link, reminders,
	recurrence, event_type, syncable_type, syncable_id, sync_status, sync_direction, last_synced_at,
	external_updated_at, sync_error, pending_delete, provider_list_id, created_at, updated_at`

type eventRow struct {
	ID                uuid.UUID  `db:"id"`
	CalendarAccountID uuid.UUID  `db:"calendar_account_id"`
	ExternalID        *string    `db:"external_id"`
	Title             string     `db:"title"`
	Description       string     `db:"description"`
	Location          string     `db:"location"`
	StartTime         time.Time  `db:"start_time"`
	EndTime           time.Time  `db:"end_time"`
	Timezone          string     `db:"timezone"`
	AllDay            bool       `db:"all_day"`
	Status            string     `db:"status"`
	Visibility        string     `db:"visibility"`
	Attendees         string     `db:"attendees"`
	OrganizerEmail    string     `db:"organizer_email"`
	MeetingLink       string     `db:"meeting_link"`
	Reminders         string     `db:"reminders"`
	Recurrence        string     `db:"recurrence"`
	EventType         string     `db:"event_type"`
	SyncableType      *string    `db:"syncable_type"`
	SyncableID        *string    `db:"syncable_id"`
	SyncStatus        string     `db:"sync_status"`
	SyncDirection     string     `db:"sync_direction"`
	LastSyncedAt      *time.Time `db:"last_synced_at"`
	ExternalUpdatedAt *time.Time `db:"external_updated_at"`
	SyncError         *string    `db:"sync_error"`
	PendingDelete     bool       `db:"pending_delete"`
	ProviderListID    *string    `db:"provider_list_id"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

func (row *eventRow) toModel() (*models.CalendarEvent, error) {
	ev := &models.CalendarEvent{
		ID:                row.ID,
		CalendarAccountID: row.CalendarAccountID,
		ExternalID:        row.ExternalID,
		EventContent: models.EventContent{
			Title:          row.Title,
			Description:    row.Description,
			Location:       row.Location,
			StartTime:      row.StartTime.UTC(),
			EndTime:        row.EndTime.UTC(),
			Timezone:       row.Timezone,
			AllDay:         row.AllDay,
			Status:         models.EventStatus(row.Status),
			Visibility:     row.Visibility,
			OrganizerEmail: row.OrganizerEmail,
			MeetingLink:    row.MeetingLink,
			EventType:      models.EventType(row.EventType),
		},
		SyncStatus:        models.SyncStatus(row.SyncStatus),
		SyncDirection:     models.SyncDirection(row.SyncDirection),
		LastSyncedAt:      row.LastSyncedAt,
		ExternalUpdatedAt: row.ExternalUpdatedAt,
		SyncError:         row.SyncError,
		PendingDelete:     row.PendingDelete,
		ProviderListID:    row.ProviderListID,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}

	if err := unmarshalList(row.Attendees, &ev.Attendees); err != nil {
		return nil, fmt.Errorf("failed to decode attendees: %w", err)
	}
	if err := unmarshalList(row.Reminders, &ev.Reminders); err != nil {
		return nil, fmt.Errorf("failed to decode reminders: %w", err)
	}
	if err := unmarshalList(row.Recurrence, &ev.Recurrence); err != nil {
		return nil, fmt.Errorf("failed to decode recurrence: %w", err)
	}

	link, err := models.LinkFromColumns(row.SyncableType, row.SyncableID)
	if err != nil {
		return nil, err
	}
	ev.Syncable = link

	return ev, nil
}

func unmarshalList[T any](raw string, dst *[]T) error {
	if raw == "" || raw == "[]" || raw == "null" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func marshalList[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type contentColumns struct {
	attendees, reminders, recurrence string
}

func encodeContent(c models.EventContent) (contentColumns, error) {
	var cols contentColumns
	var err error
	if cols.attendees, err = marshalList(c.Attendees); err != nil {
		return cols, fmt.Errorf("failed to encode attendees: %w", err)
	}
	if cols.reminders, err = marshalList(c.Reminders); err != nil {
		return cols, fmt.Errorf("failed to encode reminders: %w", err)
	}
	if cols.recurrence, err = marshalList(c.Recurrence); err != nil {
		return cols, fmt.Errorf("failed to encode recurrence: %w", err)
	}
	return cols, nil
}

// EventRepository provides storage for canonical calendar events.
type EventRepository struct {
	db *DB
}

func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a row as given. ID and timestamps are filled in when unset.
func (r *EventRepository) Create(ctx context.Context, ev *models.CalendarEvent) error {
	return r.insert(ctx, r.db, ev)
}

func (r *EventRepository) insert(ctx context.Context, ext sqlx.ExtContext, ev *models.CalendarEvent) error {
	if ev == nil || ev.CalendarAccountID == uuid.Nil || ev.EventType == "" {
		return ErrInvalidEvent
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	if ev.Status == "" {
		ev.Status = models.EventStatusConfirmed
	}

	cols, err := encodeContent(ev.EventContent)
	if err != nil {
		return err
	}
	syncableType, syncableID := models.LinkColumns(ev.Syncable)

	query := ext.Rebind(`
		INSERT INTO calendar_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = ext.ExecContext(ctx, query,
		ev.ID, ev.CalendarAccountID, ev.ExternalID, ev.Title, ev.Description, ev.Location,
		ev.StartTime.UTC(), ev.EndTime.UTC(), ev.Timezone, ev.AllDay, ev.Status, ev.Visibility,
		cols.attendees, ev.OrganizerEmail, ev.MeetingLink, cols.reminders, cols.recurrence,
		ev.EventType, syncableType, syncableID, ev.SyncStatus, ev.SyncDirection,
		utcPtr(ev.LastSyncedAt), utcPtr(ev.ExternalUpdatedAt), ev.SyncError, ev.PendingDelete,
		ev.ProviderListID, ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create calendar event: %w", err)
	}
	return nil
}

// Get returns the event with id, or nil when it does not exist.
func (r *EventRepository) Get(ctx context.Context, id uuid.UUID) (*models.CalendarEvent, error) {
	return r.getOne(ctx, r.db, `SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id)
}

// GetByExternalID looks up the row for a provider item using the sync identity key.
func (r *EventRepository) GetByExternalID(ctx context.Context, accountID uuid.UUID, externalID string, eventType models.EventType) (*models.CalendarEvent, error) {
	return r.getByExternalID(ctx, r.db, accountID, externalID, eventType)
}

func (r *EventRepository) getByExternalID(ctx context.Context, q sqlx.QueryerContext, accountID uuid.UUID, externalID string, eventType models.EventType) (*models.CalendarEvent, error) {
	return r.getOne(ctx, q, `
		SELECT `+eventColumns+` FROM calendar_events
		WHERE external_id = ? AND calendar_account_id = ? AND event_type = ?
	`, externalID, accountID, eventType)
}

func (r *EventRepository) getOne(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*models.CalendarEvent, error) {
	var row eventRow
	err := sqlx.GetContext(ctx, q, &row, r.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar event: %w", err)
	}
	return row.toModel()
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]models.CalendarEvent, error) {
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list calendar events: %w", err)
	}

	events := make([]models.CalendarEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, nil
}

// ListByAccount returns an account's events ordered by start time.
func (r *EventRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.CalendarEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT `+eventColumns+` FROM calendar_events
		WHERE calendar_account_id = ?
		ORDER BY start_time
		LIMIT ?
	`, accountID, limit)
}

// ListPendingPush returns locally originated rows still to be written to the provider.
// Rows whose last push failed are included so they retry on the next pass.
func (r *EventRepository) ListPendingPush(ctx context.Context, accountID uuid.UUID) ([]models.CalendarEvent, error) {
	return r.list(ctx, `
		SELECT `+eventColumns+` FROM calendar_events
		WHERE calendar_account_id = ? AND sync_direction = ? AND sync_status IN (?, ?)
		ORDER BY created_at
	`, accountID, models.SyncToExternal, models.SyncStatusPending, models.SyncStatusFailed)
}

// UpsertFromExternal reconciles one provider item into the row keyed by
// (external_id, calendar_account_id, event_type).
func (r *EventRepository) UpsertFromExternal(ctx context.Context, accountID uuid.UUID, item models.CanonicalEvent, now time.Time) (UpsertOutcome, error) {
	if item.ExternalID == "" || item.EventType == "" {
		return 0, ErrInvalidEvent
	}
	now = now.UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := r.getByExternalID(ctx, tx, accountID, item.ExternalID, item.EventType)
	if err != nil {
		return 0, err
	}

	var listID *string
	if item.ListID != "" {
		listID = &item.ListID
	}

	if existing == nil {
		externalID := item.ExternalID
		ev := &models.CalendarEvent{
			CalendarAccountID: accountID,
			ExternalID:        &externalID,
			EventContent:      item.EventContent,
			Syncable:          models.NoLink{},
			SyncStatus:        models.SyncStatusSynced,
			SyncDirection:     models.SyncFromExternal,
			LastSyncedAt:      &now,
			ExternalUpdatedAt: item.ExternalUpdatedAt,
			ProviderListID:    listID,
		}
		if err := r.insert(ctx, tx, ev); err != nil {
			return 0, err
		}
		return UpsertCreated, tx.Commit()
	}

	// A queued local delete outranks any remote change.
	if existing.PendingDelete {
		return UpsertSkipped, nil
	}

	if hasUnpushedEdit(existing) && !newerThan(item.ExternalUpdatedAt, existing.ExternalUpdatedAt) {
		return UpsertSkipped, nil
	}

	if existing.SyncStatus == models.SyncStatusSynced &&
		sameContent(existing.EventContent, item.EventContent) &&
		sameInstant(existing.ExternalUpdatedAt, item.ExternalUpdatedAt) {
		_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE calendar_events SET last_synced_at = ? WHERE id = ?`), now, existing.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to touch calendar event: %w", err)
		}
		return UpsertUnchanged, tx.Commit()
	}

	direction := models.SyncBidirectional
	if existing.SyncDirection == models.SyncFromExternal {
		direction = models.SyncFromExternal
	}
	if listID == nil {
		listID = existing.ProviderListID
	}

	cols, err := encodeContent(item.EventContent)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE calendar_events SET
			title = ?, description = ?, location = ?, start_time = ?, end_time = ?, timezone = ?,
			all_day = ?, status = ?, visibility = ?, attendees = ?, organizer_email = ?, meeting_link = ?,
			reminders = ?, recurrence = ?, sync_status = ?, sync_direction = ?, last_synced_at = ?,
			external_updated_at = ?, sync_error = NULL, provider_list_id = ?, updated_at = ?
		WHERE id = ?
	`),
		item.Title, item.Description, item.Location, item.StartTime.UTC(), item.EndTime.UTC(), item.Timezone,
		item.AllDay, item.Status, item.Visibility, cols.attendees, item.OrganizerEmail, item.MeetingLink,
		cols.reminders, cols.recurrence, models.SyncStatusSynced, direction, now,
		utcPtr(item.ExternalUpdatedAt), listID, now,
		existing.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update calendar event: %w", err)
	}

	return UpsertUpdated, tx.Commit()
}

// DeleteByExternalID removes the row for a cancelled or deleted provider item.
func (r *EventRepository) DeleteByExternalID(ctx context.Context, accountID uuid.UUID, externalID string, eventType models.EventType) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM calendar_events
		WHERE external_id = ? AND calendar_account_id = ? AND event_type = ?
	`), externalID, accountID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to delete calendar event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Reclassify moves a provider item's row from one event type to another, so an event that
// gains attendees stays a single row. It does nothing when a row of the target type exists.
func (r *EventRepository) Reclassify(ctx context.Context, accountID uuid.UUID, externalID string, from, to models.EventType) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE calendar_events SET event_type = ?, updated_at = ?
		WHERE external_id = ? AND calendar_account_id = ? AND event_type = ?
		AND NOT EXISTS (
			SELECT 1 FROM calendar_events
			WHERE external_id = ? AND calendar_account_id = ? AND event_type = ?
		)
	`), to, time.Now().UTC(), externalID, accountID, from, externalID, accountID, to)
	if err != nil {
		return false, fmt.Errorf("failed to reclassify calendar event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateLocal saves a CRM-side edit and queues it for push.
func (r *EventRepository) UpdateLocal(ctx context.Context, ev *models.CalendarEvent) error {
	cols, err := encodeContent(ev.EventContent)
	if err != nil {
		return err
	}
	syncableType, syncableID := models.LinkColumns(ev.Syncable)
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE calendar_events SET
			title = ?, description = ?, location = ?, start_time = ?, end_time = ?, timezone = ?,
			all_day = ?, status = ?, visibility = ?, attendees = ?, organizer_email = ?, meeting_link = ?,
			reminders = ?, recurrence = ?, event_type = ?, syncable_type = ?, syncable_id = ?,
			sync_status = ?, sync_direction = ?, sync_error = NULL, updated_at = ?
		WHERE id = ?
	`),
		ev.Title, ev.Description, ev.Location, ev.StartTime.UTC(), ev.EndTime.UTC(), ev.Timezone,
		ev.AllDay, ev.Status, ev.Visibility, cols.attendees, ev.OrganizerEmail, ev.MeetingLink,
		cols.reminders, cols.recurrence, ev.EventType, syncableType, syncableID,
		models.SyncStatusPending, models.SyncToExternal, now,
		ev.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update calendar event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}

	ev.SyncStatus = models.SyncStatusPending
	ev.SyncDirection = models.SyncToExternal
	ev.SyncError = nil
	ev.UpdatedAt = now
	return nil
}

// MarkPendingDelete queues removal of the provider copy on the next push.
func (r *EventRepository) MarkPendingDelete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "mark event for deletion", `
		UPDATE calendar_events SET
			pending_delete = ?, sync_status = ?, sync_direction = ?, sync_error = NULL, updated_at = ?
		WHERE id = ?
	`, true, models.SyncStatusPending, models.SyncToExternal, time.Now().UTC(), id)
}

// MarkAsSynced records a successful push. The row now exists on both sides.
func (r *EventRepository) MarkAsSynced(ctx context.Context, id uuid.UUID, externalID string, externalUpdatedAt *time.Time, at time.Time) error {
	return r.exec(ctx, "mark event synced", `
		UPDATE calendar_events SET
			external_id = ?, external_updated_at = ?, sync_status = ?, sync_direction = ?,
			last_synced_at = ?, sync_error = NULL, updated_at = ?
		WHERE id = ?
	`, externalID, utcPtr(externalUpdatedAt), models.SyncStatusSynced, models.SyncBidirectional,
		at.UTC(), time.Now().UTC(), id)
}

// MarkAsFailed records a failed push and leaves the row queued.
func (r *EventRepository) MarkAsFailed(ctx context.Context, id uuid.UUID, message string) error {
	return r.exec(ctx, "mark event failed", `
		UPDATE calendar_events SET sync_status = ?, sync_error = ?, updated_at = ?
		WHERE id = ?
	`, models.SyncStatusFailed, message, time.Now().UTC(), id)
}

// Delete removes a row by id.
func (r *EventRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "delete calendar event", `DELETE FROM calendar_events WHERE id = ?`, id)
}

// DeleteFromExternalEndingBefore hard-deletes provider-originated rows that ended before cutoff.
// Locally originated rows are never removed.
func (r *EventRepository) DeleteFromExternalEndingBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM calendar_events WHERE end_time < ? AND sync_direction = ?
	`), cutoff.UTC(), models.SyncFromExternal)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old calendar events: %w", err)
	}
	return res.RowsAffected()
}

// CountByAccount returns how many rows an account has.
func (r *EventRepository) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM calendar_events WHERE calendar_account_id = ?`), accountID); err != nil {
		return 0, fmt.Errorf("failed to count calendar events: %w", err)
	}
	return n, nil
}

func (r *EventRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func hasUnpushedEdit(ev *models.CalendarEvent) bool {
	if ev.PendingDelete {
		return true
	}
	return ev.SyncDirection == models.SyncToExternal &&
		(ev.SyncStatus == models.SyncStatusPending || ev.SyncStatus == models.SyncStatusFailed)
}

// newerThan reports whether remote is strictly after local. Unknown remote times never win.
func newerThan(remote, local *time.Time) bool {
	if remote == nil {
		return false
	}
	if local == nil {
		return true
	}
	return remote.After(*local)
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}

func sameContent(a, b models.EventContent) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.Location == b.Location &&
		sameInstant(&a.StartTime, &b.StartTime) &&
		sameInstant(&a.EndTime, &b.EndTime) &&
		a.Timezone == b.Timezone &&
		a.AllDay == b.AllDay &&
		a.Status == b.Status &&
		a.Visibility == b.Visibility &&
		slices.Equal(a.Attendees, b.Attendees) &&
		a.OrganizerEmail == b.OrganizerEmail &&
		a.MeetingLink == b.MeetingLink &&
		slices.Equal(a.Reminders, b.Reminders) &&
		slices.Equal(a.Recurrence, b.Recurrence) &&
		a.EventType == b.EventType
}
