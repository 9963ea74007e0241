// ABOUTME: Redis-backed queue for webhook-triggered account syncs using asynq
// ABOUTME: Unique tasks collapse notification bursts for one account into a single delayed pass
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/harperreed/calsync/logging"
)

const TypeSyncAccount = "calendar:sync_account"

// minUniqueTTL is the shortest uniqueness window asynq accepts.
const minUniqueTTL = time.Second

// busyRetryDelay spaces out retries of a task whose account was already syncing.
const busyRetryDelay = 30 * time.Second

// errAccountBusy is returned for a pass skipped because another pass held the
// account. The task is retried without counting against its retry budget.
var errAccountBusy = errors.New("account sync already running")

type syncAccountPayload struct {
	AccountID uuid.UUID `json:"account_id"`
	Trigger   string    `json:"trigger"`
}

func NewSyncAccountTask(accountID uuid.UUID, trigger string) (*asynq.Task, error) {
	payload, err := json.Marshal(syncAccountPayload{AccountID: accountID, Trigger: trigger})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync task: %w", err)
	}
	return asynq.NewTask(TypeSyncAccount, payload, asynq.MaxRetry(3), asynq.Timeout(15*time.Minute)), nil
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueTrigger schedules account syncs on the asynq queue.
type QueueTrigger struct {
	client   Enqueuer
	debounce time.Duration
	log      *slog.Logger
}

func NewQueueTrigger(client Enqueuer, debounce time.Duration, log *slog.Logger) *QueueTrigger {
	if debounce < minUniqueTTL {
		debounce = minUniqueTTL
	}
	if log == nil {
		log = logging.Discard()
	}
	return &QueueTrigger{client: client, debounce: debounce, log: log}
}

// TriggerSync enqueues a pass for the account after the debounce window.
// A task already waiting for the same account absorbs the trigger.
func (q *QueueTrigger) TriggerSync(ctx context.Context, accountID uuid.UUID) error {
	task, err := NewSyncAccountTask(accountID, triggerWebhook)
	if err != nil {
		return err
	}

	info, err := q.client.EnqueueContext(ctx, task, asynq.Unique(q.debounce), asynq.ProcessIn(q.debounce))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		q.log.Debug("sync already queued", "account_id", accountID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue sync for account %s: %w", accountID, err)
	}

	q.log.Debug("queued sync", "account_id", accountID, "task_id", info.ID)
	return nil
}

// NewWorkerMux routes queued tasks to the syncer.
func NewWorkerMux(syncer Syncer, log *slog.Logger) *asynq.ServeMux {
	if log == nil {
		log = logging.Discard()
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSyncAccount, func(ctx context.Context, task *asynq.Task) error {
		return handleSyncAccount(ctx, syncer, log, task)
	})
	return mux
}

func handleSyncAccount(ctx context.Context, syncer Syncer, log *slog.Logger, task *asynq.Task) error {
	var p syncAccountPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("invalid sync task payload: %v: %w", err, asynq.SkipRetry)
	}

	result, err := syncer.SyncAccountByID(ctx, p.AccountID, p.Trigger)
	if err != nil {
		return fmt.Errorf("sync account %s: %v: %w", p.AccountID, err, asynq.SkipRetry)
	}

	// The running pass may have started before this notification's change.
	if result.Skipped {
		return fmt.Errorf("sync account %s: %w", p.AccountID, errAccountBusy)
	}

	// The engine has recorded the failure on the account; it is not retried here.
	if result.Error != "" {
		log.Warn("queued sync failed", "account_id", p.AccountID, "error", result.Error)
	}
	return nil
}

// NewServer builds the asynq worker server.
func NewServer(redisURL string, concurrency int, log *slog.Logger) (*asynq.Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:    concurrency,
		IsFailure:      isFailure,
		RetryDelayFunc: retryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			if !isFailure(err) {
				log.Debug("queued task deferred", "type", task.Type(), "reason", err)
				return
			}
			log.Error("queued task failed", "type", task.Type(), "error", err)
		}),
	}), nil
}

func isFailure(err error) bool {
	return err != nil && !errors.Is(err, errAccountBusy)
}

func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if errors.Is(err, errAccountBusy) {
		return busyRetryDelay
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

// NewClient builds the asynq client used by QueueTrigger.
func NewClient(redisURL string) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return asynq.NewClient(opt), nil
}
