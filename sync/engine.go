// ABOUTME: Bidirectional sync of one calendar account: pull provider changes, then push local ones
// ABOUTME: Holds a per-account lease, recovers stale cursors once and isolates per-item push failures
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/harperreed/calsync/coord"
	"github.com/harperreed/calsync/db"
	"github.com/harperreed/calsync/logging"
	"github.com/harperreed/calsync/metrics"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/syncerr"
)

// Trigger sources recorded in sync_log.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerWebhook   = "webhook"
	TriggerConnect   = "connect"
)

// maxStaleCursorRetries bounds full re-pulls after the provider rejects a cursor.
const maxStaleCursorRetries = 1

const defaultLeaseTTL = 10 * time.Minute

var ErrAccountInactive = errors.New("calendar account is inactive")

// Engine runs sync passes for single accounts.
type Engine struct {
	accounts *db.AccountRepository
	events   *db.EventRepository
	runs     *db.SyncLogRepository
	registry *providers.Registry
	lease    coord.Lease
	leaseTTL time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithLease(l coord.Lease) Option { return func(e *Engine) { e.lease = l } }

func WithLeaseTTL(d time.Duration) Option { return func(e *Engine) { e.leaseTTL = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(database *db.DB, registry *providers.Registry, opts ...Option) *Engine {
	e := &Engine{
		accounts: db.NewAccountRepository(database),
		events:   db.NewEventRepository(database),
		runs:     db.NewSyncLogRepository(database),
		registry: registry,
		leaseTTL: defaultLeaseTTL,
		log:      logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.lease == nil {
		e.lease = coord.NewMemoryLease()
	}
	return e
}

type pullOutcome struct {
	counts   models.DirectionCounts
	fullSync bool
}

// SyncAccount runs one pull-then-push pass. Failures never propagate: the
// returned result carries the error text and zero counts instead.
func (e *Engine) SyncAccount(ctx context.Context, acct *models.CalendarAccount, trigger string) (result models.SyncResult) {
	log := e.log.With("account_id", acct.ID, "provider", acct.Provider, "trigger", trigger)
	started := e.now()

	release, ok, err := e.lease.Acquire(ctx, acct.ID.String(), e.leaseTTL)
	if err != nil {
		return e.accountFailure(ctx, log, acct, err)
	}
	if !ok {
		log.Info("sync already running, skipping")
		e.metrics.RecordAccountSync(string(acct.Provider), "skipped", 0)
		return models.SyncResult{Skipped: true}
	}
	defer release()

	runID, err := e.runs.Start(ctx, acct.ID, trigger, started)
	if err != nil {
		log.Warn("failed to record sync run", "error", err)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("sync pass panicked", "panic", r, "stack", string(debug.Stack()))
			result = e.accountFailure(ctx, log, acct, fmt.Errorf("panic: %v", r))
		}
		e.finish(ctx, log, acct, runID, result, started)
	}()

	return e.run(ctx, log, acct)
}

func (e *Engine) run(ctx context.Context, log *slog.Logger, acct *models.CalendarAccount) models.SyncResult {
	if !acct.IsActive {
		return e.accountFailure(ctx, log, acct, ErrAccountInactive)
	}

	adapter, err := e.registry.For(acct.Provider)
	if err != nil {
		return e.accountFailure(ctx, log, acct, err)
	}

	pulled, err := e.pull(ctx, log, adapter, acct)
	if err != nil {
		return e.accountFailure(ctx, log, acct, err)
	}

	pushed, err := e.push(ctx, log, adapter, acct)
	if err != nil {
		return e.accountFailure(ctx, log, acct, err)
	}

	if err := e.accounts.RecordSyncSuccess(ctx, acct.ID, e.now(), pulled.fullSync); err != nil {
		return e.accountFailure(ctx, log, acct, err)
	}

	return models.SyncResult{FromExternal: pulled.counts, ToExternal: pushed}
}

func (e *Engine) pull(ctx context.Context, log *slog.Logger, adapter providers.Adapter, acct *models.CalendarAccount) (pullOutcome, error) {
	var out pullOutcome

	res, err := e.pullEvents(ctx, log, adapter, acct)
	if err != nil {
		return out, err
	}
	out.fullSync = res.FullSync

	now := e.now()
	for _, item := range res.Items {
		if err := e.apply(ctx, acct.ID, item, now, &out.counts); err != nil {
			return out, err
		}
	}

	if res.NextCursor != "" && res.NextCursor != acct.Cursor() {
		next := res.NextCursor
		if err := e.accounts.UpdateSyncToken(ctx, acct.ID, &next); err != nil {
			return out, err
		}
		acct.SyncToken = &next
	}

	tasks, err := adapter.PullTasks(ctx, acct)
	if err != nil {
		if syncerr.IsAuth(err) {
			return out, err
		}
		log.Warn("failed to pull tasks, continuing with events only", "error", err)
		out.counts.Failed++
		return out, nil
	}
	for _, item := range tasks {
		if err := e.apply(ctx, acct.ID, item, now, &out.counts); err != nil {
			return out, err
		}
	}

	return out, nil
}

// pullEvents pulls with the stored cursor. When the provider rejects it, the cursor
// is cleared and the full window fetched again, at most maxStaleCursorRetries times.
func (e *Engine) pullEvents(ctx context.Context, log *slog.Logger, adapter providers.Adapter, acct *models.CalendarAccount) (providers.PullResult, error) {
	cursor := acct.Cursor()
	for attempt := 0; ; attempt++ {
		res, err := adapter.PullEvents(ctx, acct, cursor)
		if err == nil {
			return res, nil
		}
		if !syncerr.IsStaleCursor(err) || cursor == "" || attempt >= maxStaleCursorRetries {
			return providers.PullResult{}, err
		}

		log.Warn("sync cursor rejected, re-pulling full window", "error", err)
		if err := e.accounts.UpdateSyncToken(ctx, acct.ID, nil); err != nil {
			return providers.PullResult{}, err
		}
		acct.SyncToken = nil
		cursor = ""
	}
}

func (e *Engine) apply(ctx context.Context, accountID uuid.UUID, item models.CanonicalEvent, now time.Time, counts *models.DirectionCounts) error {
	if item.ExternalID == "" {
		counts.Skipped++
		return nil
	}

	if item.Deleted {
		for _, t := range candidateTypes(item.EventType) {
			removed, err := e.events.DeleteByExternalID(ctx, accountID, item.ExternalID, t)
			if err != nil {
				return err
			}
			if removed {
				counts.Deleted++
			}
		}
		return nil
	}

	if other, ok := siblingType(item.EventType); ok {
		if _, err := e.events.Reclassify(ctx, accountID, item.ExternalID, other, item.EventType); err != nil {
			return err
		}
	}

	outcome, err := e.events.UpsertFromExternal(ctx, accountID, item, now)
	if err != nil {
		return err
	}
	switch outcome {
	case db.UpsertCreated:
		counts.Created++
	case db.UpsertUpdated:
		counts.Updated++
	case db.UpsertUnchanged:
		counts.Unchanged++
	case db.UpsertSkipped:
		counts.Skipped++
	}
	return nil
}

// candidateTypes lists the row types a deletion marker may refer to. Cancelled
// calendar items carry too little data to tell events from appointments.
func candidateTypes(t models.EventType) []models.EventType {
	if t == models.EventTypeTask {
		return []models.EventType{models.EventTypeTask}
	}
	return []models.EventType{models.EventTypeEvent, models.EventTypeAppointment}
}

func siblingType(t models.EventType) (models.EventType, bool) {
	switch t {
	case models.EventTypeEvent:
		return models.EventTypeAppointment, true
	case models.EventTypeAppointment:
		return models.EventTypeEvent, true
	default:
		return "", false
	}
}

// push writes queued local rows. A failing row is marked failed and the loop
// moves on; only auth failures end the pass.
func (e *Engine) push(ctx context.Context, log *slog.Logger, adapter providers.Adapter, acct *models.CalendarAccount) (models.DirectionCounts, error) {
	var counts models.DirectionCounts

	rows, err := e.events.ListPendingPush(ctx, acct.ID)
	if err != nil {
		return counts, err
	}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return counts, err
		}

		ev := &rows[i]
		err := e.pushOne(ctx, adapter, acct, ev, &counts)
		if err == nil {
			continue
		}
		if syncerr.IsAuth(err) {
			return counts, err
		}

		counts.Failed++
		log.Warn("failed to push event", "event_id", ev.ID, "event_type", ev.EventType, "error", err)
		if err := e.events.MarkAsFailed(ctx, ev.ID, err.Error()); err != nil {
			return counts, err
		}
	}

	return counts, nil
}

func (e *Engine) pushOne(ctx context.Context, adapter providers.Adapter, acct *models.CalendarAccount, ev *models.CalendarEvent, counts *models.DirectionCounts) error {
	if ev.PendingDelete {
		if ext := ev.ExternalKey(); ext != "" {
			if _, err := adapter.DeleteEvent(ctx, acct, ext, ev.EventType); err != nil {
				return err
			}
		}
		if err := e.events.Delete(ctx, ev.ID); err != nil {
			return err
		}
		counts.Deleted++
		return nil
	}

	var (
		res providers.PushResult
		err error
	)
	if ev.EventType == models.EventTypeTask {
		res, err = adapter.PushTask(ctx, acct, ev.ToCanonical())
	} else {
		res, err = adapter.PushEvent(ctx, acct, ev.ToCanonical())
	}
	if err != nil {
		return err
	}
	if res.ExternalID == "" {
		return syncerr.Item("push event", errors.New("provider returned no id"))
	}

	if err := e.events.MarkAsSynced(ctx, ev.ID, res.ExternalID, res.ExternalUpdatedAt, e.now()); err != nil {
		return err
	}
	if ev.ExternalKey() == "" {
		counts.Created++
	} else {
		counts.Updated++
	}
	return nil
}

func (e *Engine) accountFailure(ctx context.Context, log *slog.Logger, acct *models.CalendarAccount, err error) models.SyncResult {
	err = syncerr.Account("sync account", err)
	log.Error("account sync failed", "error", err, "kind", syncerr.KindOf(errors.Unwrap(err)))

	ctx = context.WithoutCancel(ctx)
	if rerr := e.accounts.RecordSyncError(ctx, acct.ID, err.Error()); rerr != nil && !errors.Is(rerr, db.ErrAccountNotFound) {
		log.Error("failed to record sync error", "error", rerr)
	}
	return models.SyncResult{Error: err.Error()}
}

func (e *Engine) finish(ctx context.Context, log *slog.Logger, acct *models.CalendarAccount, runID string, result models.SyncResult, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	elapsed := e.now().Sub(started)
	provider := string(acct.Provider)

	outcome := "ok"
	if result.Error != "" {
		outcome = "failed"
	}
	e.metrics.RecordAccountSync(provider, outcome, elapsed)
	recordCounts(e.metrics, provider, "from_external", result.FromExternal)
	recordCounts(e.metrics, provider, "to_external", result.ToExternal)

	if runID != "" {
		if err := e.runs.Finish(ctx, runID, result, e.now()); err != nil {
			log.Warn("failed to finish sync run", "run_id", runID, "error", err)
		}
	}

	if result.Error == "" {
		log.Info("account sync finished",
			"duration", elapsed,
			"pulled_created", result.FromExternal.Created,
			"pulled_updated", result.FromExternal.Updated,
			"pulled_deleted", result.FromExternal.Deleted,
			"pushed", result.ToExternal.Total(),
			"push_failed", result.ToExternal.Failed,
		)
	}
}

func recordCounts(m *metrics.Metrics, provider, direction string, c models.DirectionCounts) {
	m.RecordItems(provider, direction, "created", c.Created)
	m.RecordItems(provider, direction, "updated", c.Updated)
	m.RecordItems(provider, direction, "deleted", c.Deleted)
	m.RecordItems(provider, direction, "unchanged", c.Unchanged)
	m.RecordItems(provider, direction, "skipped", c.Skipped)
	m.RecordItems(provider, direction, "failed", c.Failed)
}

// QueueLocalChange stores a CRM-side create or edit as pending so the next
// pass pushes it. A nil ID creates a new local row.
func (e *Engine) QueueLocalChange(ctx context.Context, ev *models.CalendarEvent) error {
	if ev.Syncable == nil {
		ev.Syncable = models.NoLink{}
	}
	if ev.ID != uuid.Nil {
		return e.events.UpdateLocal(ctx, ev)
	}
	ev.SyncStatus = models.SyncStatusPending
	ev.SyncDirection = models.SyncToExternal
	return e.events.Create(ctx, ev)
}

// QueueLocalDelete removes a row. Rows already mirrored at the provider are
// only marked; the next push deletes the provider copy and then the row.
func (e *Engine) QueueLocalDelete(ctx context.Context, id uuid.UUID) error {
	ev, err := e.events.Get(ctx, id)
	if err != nil {
		return err
	}
	if ev == nil {
		return db.ErrEventNotFound
	}
	if ev.ExternalKey() == "" {
		return e.events.Delete(ctx, id)
	}
	return e.events.MarkPendingDelete(ctx, id)
}
