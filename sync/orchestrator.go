// ABOUTME: Runs sync passes across many accounts with a bounded worker pool
// ABOUTME: Also owns the retention sweep for provider-originated events
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harperreed/calsync/db"
	"github.com/harperreed/calsync/logging"
	"github.com/harperreed/calsync/metrics"
	"github.com/harperreed/calsync/models"
)

const (
	DefaultWorkers       = 4
	DefaultRetentionDays = 365
)

var ErrAccountNotFound = errors.New("calendar account not found")

// Orchestrator fans sync passes out over accounts. A failing account never
// stops the others and nothing is returned as an error to the caller.
type Orchestrator struct {
	engine   *Engine
	accounts *db.AccountRepository
	events   *db.EventRepository
	runs     *db.SyncLogRepository
	workers  int
	reporter metrics.Reporter
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

type OrchestratorOption func(*Orchestrator)

func WithWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithReporter(r metrics.Reporter) OrchestratorOption {
	return func(o *Orchestrator) { o.reporter = r }
}

func WithOrchestratorMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = l }
}

func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(database *db.DB, engine *Engine, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		engine:   engine,
		accounts: db.NewAccountRepository(database),
		events:   db.NewEventRepository(database),
		runs:     db.NewSyncLogRepository(database),
		workers:  DefaultWorkers,
		reporter: metrics.NopReporter(),
		log:      logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SyncAll runs a pass for every active account.
func (o *Orchestrator) SyncAll(ctx context.Context, trigger string) map[uuid.UUID]models.SyncResult {
	accounts, err := o.accounts.ListActive(ctx)
	if err != nil {
		o.log.Error("failed to list active accounts", "error", err)
		return map[uuid.UUID]models.SyncResult{}
	}
	return o.syncMany(ctx, accounts, trigger)
}

// SyncForUser runs a pass for each of the user's active accounts.
func (o *Orchestrator) SyncForUser(ctx context.Context, userID, trigger string) map[uuid.UUID]models.SyncResult {
	accounts, err := o.accounts.ListActiveByUser(ctx, userID)
	if err != nil {
		o.log.Error("failed to list user accounts", "user_id", userID, "error", err)
		return map[uuid.UUID]models.SyncResult{}
	}
	return o.syncMany(ctx, accounts, trigger)
}

// SyncAccountByID loads one account and runs a pass for it.
func (o *Orchestrator) SyncAccountByID(ctx context.Context, id uuid.UUID, trigger string) (models.SyncResult, error) {
	acct, err := o.accounts.Get(ctx, id)
	if err != nil {
		return models.SyncResult{}, err
	}
	if acct == nil {
		return models.SyncResult{}, ErrAccountNotFound
	}
	result := o.engine.SyncAccount(ctx, acct, trigger)
	o.report(acct, result)
	return result, nil
}

func (o *Orchestrator) syncMany(ctx context.Context, accounts []models.CalendarAccount, trigger string) map[uuid.UUID]models.SyncResult {
	results := make([]models.SyncResult, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i := range accounts {
		acct := &accounts[i]
		if !acct.IsActive {
			continue
		}
		g.Go(func() error {
			results[i] = o.engine.SyncAccount(gctx, acct, trigger)
			o.report(acct, results[i])
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[uuid.UUID]models.SyncResult, len(accounts))
	for i, acct := range accounts {
		if acct.IsActive {
			out[acct.ID] = results[i]
		}
	}

	o.log.Info("sync finished", "trigger", trigger, "accounts", len(out), "failed", countFailed(out))
	return out
}

func (o *Orchestrator) report(acct *models.CalendarAccount, result models.SyncResult) {
	if result.Error == "" {
		return
	}
	o.reporter.ReportAccountFailure(acct.ID.String(), string(acct.Provider), errors.New(result.Error))
}

func countFailed(results map[uuid.UUID]models.SyncResult) int {
	n := 0
	for _, r := range results {
		if r.Error != "" {
			n++
		}
	}
	return n
}

// CleanupOldEvents deletes provider-originated rows whose end time is more than
// daysOld days in the past. Rows created or edited locally are kept.
func (o *Orchestrator) CleanupOldEvents(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = DefaultRetentionDays
	}
	cutoff := o.now().AddDate(0, 0, -daysOld)

	n, err := o.events.DeleteFromExternalEndingBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old events: %w", err)
	}
	o.metrics.RecordSwept(n)

	if pruned, err := o.runs.PruneBefore(ctx, cutoff); err != nil {
		o.log.Warn("failed to prune sync history", "error", err)
	} else if pruned > 0 {
		o.log.Info("pruned sync history", "runs", pruned)
	}

	o.log.Info("retention sweep finished", "deleted", n, "cutoff", cutoff)
	return n, nil
}
