// ABOUTME: One-shot sync, retention and webhook renewal CLI commands
// ABOUTME: Run a pass for one account, one user or everyone and print per-account summaries
package cli

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/harperreed/calsync/jobs"
	"github.com/harperreed/calsync/models"
	calsync "github.com/harperreed/calsync/sync"
)

// SyncCommand runs a sync pass and prints what changed.
func SyncCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	accountID := fs.String("account", "", "Sync only this account ID")
	userID := fs.String("user", "", "Sync only this user's accounts")
	_ = fs.Parse(args)

	if *accountID != "" && *userID != "" {
		return fmt.Errorf("--account and --user cannot be combined")
	}

	ctx := context.Background()

	if *accountID != "" {
		id, err := uuid.Parse(*accountID)
		if err != nil {
			return fmt.Errorf("invalid account ID: %w", err)
		}
		fmt.Printf("Syncing account %s...\n", id)
		result, err := app.Orchestrator.SyncAccountByID(ctx, id, calsync.TriggerManual)
		if err != nil {
			return err
		}
		printResult(id, result)
		return resultError(map[uuid.UUID]models.SyncResult{id: result})
	}

	var results map[uuid.UUID]models.SyncResult
	if *userID != "" {
		fmt.Printf("Syncing calendars for user %s...\n", *userID)
		results = app.Orchestrator.SyncForUser(ctx, *userID, calsync.TriggerManual)
	} else {
		fmt.Println("Syncing all active calendar accounts...")
		results = app.Orchestrator.SyncAll(ctx, calsync.TriggerManual)
	}

	if len(results) == 0 {
		fmt.Println("No active accounts to sync.")
		return nil
	}

	ids := make([]uuid.UUID, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		printResult(id, results[id])
	}

	return resultError(results)
}

func printResult(id uuid.UUID, r models.SyncResult) {
	switch {
	case r.Error != "":
		fmt.Printf("  ✗ %s: %s\n", id, r.Error)
	case r.Skipped:
		fmt.Printf("  - %s: skipped, another sync is running\n", id)
	default:
		in, out := r.FromExternal, r.ToExternal
		fmt.Printf("  ✓ %s: pulled %d created, %d updated, %d deleted; pushed %d created, %d updated, %d deleted",
			id, in.Created, in.Updated, in.Deleted, out.Created, out.Updated, out.Deleted)
		if failed := in.Failed + out.Failed; failed > 0 {
			fmt.Printf(" (%d failed)", failed)
		}
		fmt.Println()
	}
}

func resultError(results map[uuid.UUID]models.SyncResult) error {
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed to sync", failed, len(results))
	}
	return nil
}

// CleanupCommand deletes provider events that ended before the retention window.
func CleanupCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	days := fs.Int("days", app.Config.RetentionDays, "Delete provider events that ended more than this many days ago")
	_ = fs.Parse(args)

	if *days <= 0 {
		return fmt.Errorf("--days must be positive")
	}

	n, err := app.Orchestrator.CleanupOldEvents(context.Background(), *days)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Deleted %d events older than %d days\n", n, *days)
	return nil
}

// RenewWebhooksCommand renews push channels that are missing, failed or about to expire.
func RenewWebhooksCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("renew-webhooks", flag.ExitOnError)
	within := fs.Duration("within", jobs.RenewWindow, "Renew channels expiring within this window")
	_ = fs.Parse(args)

	summary, err := app.Webhooks.RenewExpiring(context.Background(), *within)
	if err != nil {
		return fmt.Errorf("failed to renew webhooks: %w", err)
	}

	fmt.Printf("✓ Checked %d accounts: %d renewed, %d failed\n", summary.Checked, summary.Renewed, summary.Failed)
	if summary.Failed > 0 {
		return fmt.Errorf("%d webhook registrations failed", summary.Failed)
	}
	return nil
}
