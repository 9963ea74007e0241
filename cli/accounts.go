// ABOUTME: Calendar account CLI commands
// ABOUTME: Lists connected accounts with webhook and sync health, and disconnects accounts
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/harperreed/calsync/connect"
	"github.com/harperreed/calsync/db"
	"github.com/harperreed/calsync/webhooks"
)

// AccountsCommand lists accounts, or disconnects one with --disconnect.
func AccountsCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("accounts", flag.ExitOnError)
	userID := fs.String("user", "", "Only list this user's accounts")
	activeOnly := fs.Bool("active", false, "Only list active accounts")
	disconnect := fs.String("disconnect", "", "Disconnect the account with this ID")
	_ = fs.Parse(args)

	ctx := context.Background()

	if *disconnect != "" {
		return disconnectAccount(ctx, app, *disconnect)
	}

	accounts, err := db.NewAccountRepository(app.DB).List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROVIDER\tUSER\tEMAIL\tACTIVE\tWEBHOOK\tLAST SYNC\tERROR")

	shown := 0
	for i := range accounts {
		acct := &accounts[i]
		if *userID != "" && acct.UserID != *userID {
			continue
		}
		if *activeOnly && !acct.IsActive {
			continue
		}
		shown++

		lastSync := "never"
		if acct.LastSyncedAt != nil {
			lastSync = acct.LastSyncedAt.Local().Format("2006-01-02 15:04")
		}
		syncErr := ""
		if acct.SyncErrors != nil {
			syncErr = truncate(*acct.SyncErrors, 40)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			acct.ID, acct.Provider, acct.UserID, acct.AccountEmail, acct.IsActive,
			webhooks.StateOf(acct, now), lastSync, syncErr)
	}
	_ = w.Flush()

	fmt.Printf("\n%d account(s)\n", shown)
	return nil
}

func disconnectAccount(ctx context.Context, app *App, raw string) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid account ID: %w", err)
	}

	svc := connect.NewService(app.Tokens, app.DB, app.Providers, app.Webhooks, app.Config.StateSecret,
		connect.WithLogger(app.Log),
	)
	if err := svc.Disconnect(ctx, id); err != nil {
		return err
	}

	fmt.Printf("✓ Disconnected account %s\n", id)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
