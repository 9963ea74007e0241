// ABOUTME: Cron schedule for periodic sync, webhook renewal and the retention sweep
// ABOUTME: Each job runs with its own timeout and is skipped while a previous run is still going
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/harperreed/calsync/logging"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/webhooks"
)

// RenewWindow is how far ahead channel expiry is looked for on each renewal run.
const RenewWindow = 24 * time.Hour

const (
	triggerScheduled = "scheduled"
	triggerWebhook   = "webhook"
)

// Syncer is the part of the orchestrator the jobs drive.
type Syncer interface {
	SyncAll(ctx context.Context, trigger string) map[uuid.UUID]models.SyncResult
	SyncAccountByID(ctx context.Context, id uuid.UUID, trigger string) (models.SyncResult, error)
	CleanupOldEvents(ctx context.Context, daysOld int) (int64, error)
}

type Renewer interface {
	RenewExpiring(ctx context.Context, within time.Duration) (webhooks.RenewSummary, error)
}

// Schedule holds cron specs in standard five-field form.
type Schedule struct {
	Sync          string
	Renew         string
	Cleanup       string
	RetentionDays int
}

// Scheduler runs the periodic jobs.
type Scheduler struct {
	cron     *cron.Cron
	syncer   Syncer
	renewer  Renewer
	schedule Schedule
	log      *slog.Logger
}

func NewScheduler(syncer Syncer, renewer Renewer, schedule Schedule, log *slog.Logger) *Scheduler {
	if log == nil {
		log = logging.Discard()
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		syncer:   syncer,
		renewer:  renewer,
		schedule: schedule,
		log:      log,
	}
}

// SetupJobs registers every job. It fails on the first invalid spec.
func (s *Scheduler) SetupJobs() error {
	jobs := []struct {
		name    string
		spec    string
		timeout time.Duration
		run     func(context.Context)
	}{
		{"sync", s.schedule.Sync, 30 * time.Minute, s.RunSync},
		{"renew_webhooks", s.schedule.Renew, 10 * time.Minute, s.RunRenewal},
		{"cleanup", s.schedule.Cleanup, 30 * time.Minute, s.RunCleanup},
	}

	for _, job := range jobs {
		_, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), job.timeout)
			defer cancel()
			job.run(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s job %q: %w", job.name, job.spec, err)
		}
		s.log.Info("scheduled job", "job", job.name, "spec", job.spec)
	}

	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and returns a context done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) RunSync(ctx context.Context) {
	started := time.Now()
	results := s.syncer.SyncAll(ctx, triggerScheduled)

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	s.log.Info("scheduled sync finished", "accounts", len(results), "failed", failed, "duration", time.Since(started))
}

func (s *Scheduler) RunRenewal(ctx context.Context) {
	summary, err := s.renewer.RenewExpiring(ctx, RenewWindow)
	if err != nil {
		s.log.Error("webhook renewal failed", "error", err)
		return
	}
	s.log.Info("webhook renewal finished", "checked", summary.Checked, "renewed", summary.Renewed, "failed", summary.Failed)
}

func (s *Scheduler) RunCleanup(ctx context.Context) {
	n, err := s.syncer.CleanupOldEvents(ctx, s.schedule.RetentionDays)
	if err != nil {
		s.log.Error("retention sweep failed", "error", err)
		return
	}
	s.log.Info("retention sweep removed events", "deleted", n)
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
