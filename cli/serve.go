// ABOUTME: Long-running service subcommand
// ABOUTME: Runs the HTTP endpoints, the cron schedule and, with Redis, the queued sync worker
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/harperreed/calsync/connect"
	"github.com/harperreed/calsync/db"
	"github.com/harperreed/calsync/jobs"
	"github.com/harperreed/calsync/web"
)

const shutdownTimeout = 30 * time.Second

// webhookTrigger is a debounced sync trigger that can be stopped.
type webhookTrigger interface {
	connect.SyncTrigger
	Stop()
}

type queueTrigger struct {
	*jobs.QueueTrigger
	client *asynq.Client
}

func (q queueTrigger) Stop() { _ = q.client.Close() }

func newWebhookTrigger(app *App) (webhookTrigger, error) {
	if app.Config.RedisURL == "" {
		return jobs.NewLocalTrigger(app.Orchestrator, app.Config.WebhookDebounce, app.Log), nil
	}
	client, err := jobs.NewClient(app.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	return queueTrigger{
		QueueTrigger: jobs.NewQueueTrigger(client, app.Config.WebhookDebounce, app.Log),
		client:       client,
	}, nil
}

// ServeCommand runs until SIGINT or SIGTERM.
func ServeCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", app.Config.HTTPAddr, "HTTP listen address")
	noJobs := fs.Bool("no-jobs", false, "Do not run the periodic sync, renewal and cleanup jobs")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trigger, err := newWebhookTrigger(app)
	if err != nil {
		return fmt.Errorf("failed to create sync trigger: %w", err)
	}
	defer trigger.Stop()

	connector := connect.NewService(app.Tokens, app.DB, app.Providers, app.Webhooks, app.Config.StateSecret,
		connect.WithTrigger(trigger),
		connect.WithLogger(app.Log),
	)

	server := web.NewServer(web.Config{
		Accounts: db.NewAccountRepository(app.DB),
		Webhooks: app.Webhooks,
		Trigger:  trigger,
		Syncer:   app.Orchestrator,
		Connect:  connector,
		DB:       app.DB,
		Gatherer: app.Gatherer,
		Metrics:  app.Metrics,
		Sentry:   app.Config.SentryDSN != "",
		Log:      app.Log,
	})

	var scheduler *jobs.Scheduler
	if !*noJobs {
		scheduler = jobs.NewScheduler(app.Orchestrator, app.Webhooks, jobs.Schedule{
			Sync:          app.Config.SyncSchedule,
			Renew:         app.Config.RenewSchedule,
			Cleanup:       app.Config.CleanupSchedule,
			RetentionDays: app.Config.RetentionDays,
		}, app.Log)
		if err := scheduler.SetupJobs(); err != nil {
			return err
		}
		scheduler.Start()
	}

	var worker *asynq.Server
	if app.Config.RedisURL != "" {
		worker, err = jobs.NewServer(app.Config.RedisURL, app.Config.SyncWorkers, app.Log)
		if err != nil {
			return err
		}
		if err := worker.Start(jobs.NewWorkerMux(app.Orchestrator, app.Log)); err != nil {
			return fmt.Errorf("failed to start queue worker: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(*addr)
	}()

	fmt.Printf("calsync listening on %s\n", *addr)

	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("http server failed: %w", err)
		}
	}

	app.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if shutErr := server.Shutdown(shutdownCtx); shutErr != nil {
		app.Log.Error("http shutdown failed", "error", shutErr)
	}
	if worker != nil {
		worker.Shutdown()
	}
	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			app.Log.Warn("scheduled jobs still running at shutdown")
		}
	}

	return err
}
