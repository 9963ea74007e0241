// ABOUTME: In-process webhook sync trigger for deployments without Redis
// ABOUTME: Debounces per account and runs the pass on a background goroutine
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harperreed/calsync/coord"
	"github.com/harperreed/calsync/logging"
)

const localSyncTimeout = 15 * time.Minute

// maxBusyRearms bounds how often a skipped pass is rescheduled while another
// pass holds the account.
const maxBusyRearms = 20

type LocalTrigger struct {
	syncer    Syncer
	debouncer *coord.Debouncer
	log       *slog.Logger
}

func NewLocalTrigger(syncer Syncer, debounce time.Duration, log *slog.Logger) *LocalTrigger {
	if log == nil {
		log = logging.Discard()
	}
	return &LocalTrigger{syncer: syncer, debouncer: coord.NewDebouncer(debounce), log: log}
}

// TriggerSync schedules a pass after the debounce window. The request context
// is not used for the pass itself, which outlives the webhook request.
func (l *LocalTrigger) TriggerSync(_ context.Context, accountID uuid.UUID) error {
	if !l.schedule(accountID, 0) {
		l.log.Debug("sync already pending", "account_id", accountID)
	}
	return nil
}

// schedule arms the debouncer. A pass skipped because another pass held the
// account is armed again, since the running pass may predate the notification.
func (l *LocalTrigger) schedule(accountID uuid.UUID, rearms int) bool {
	return l.debouncer.Trigger(accountID.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), localSyncTimeout)
		defer cancel()

		result, err := l.syncer.SyncAccountByID(ctx, accountID, triggerWebhook)
		if err != nil {
			l.log.Error("webhook sync failed", "account_id", accountID, "error", err)
			return
		}
		if result.Skipped {
			if rearms >= maxBusyRearms {
				l.log.Warn("webhook sync still blocked, leaving it to the schedule", "account_id", accountID)
				return
			}
			l.schedule(accountID, rearms+1)
			return
		}
		if result.Error != "" {
			l.log.Warn("webhook sync finished with error", "account_id", accountID, "error", result.Error)
		}
	})
}

// Stop drops pending passes.
func (l *LocalTrigger) Stop() {
	l.debouncer.Stop()
}
