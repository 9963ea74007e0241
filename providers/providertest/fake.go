// ABOUTME: Scriptable in-memory provider adapter for engine, webhook and connect tests
// ABOUTME: Records every call and lets tests inject results and failures per operation
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
)

// Adapter is a fake providers.Adapter. Zero-value hooks fall back to simple defaults.
type Adapter struct {
	Name models.Provider

	PullEventsFunc func(cursor string) (providers.PullResult, error)
	PullTasksFunc  func() ([]models.CanonicalEvent, error)
	PushEventFunc  func(ev models.CanonicalEvent) (providers.PushResult, error)
	PushTaskFunc   func(ev models.CanonicalEvent) (providers.PushResult, error)
	DeleteFunc     func(externalID string, eventType models.EventType) (bool, error)
	WatchFunc      func(req providers.WatchRequest) (providers.Channel, error)
	StopWatchFunc  func(ch providers.Channel) error
	ProfileValue   providers.Profile

	mu          sync.Mutex
	cursors     []string
	pushed      []models.CanonicalEvent
	deleted     []string
	watches     []providers.WatchRequest
	stopped     []providers.Channel
	nextID      int
	activeCalls int
	maxActive   int
}

func New(name models.Provider) *Adapter {
	return &Adapter{Name: name}
}

func (a *Adapter) Provider() models.Provider {
	return a.Name
}

func (a *Adapter) enter() func() {
	a.mu.Lock()
	a.activeCalls++
	if a.activeCalls > a.maxActive {
		a.maxActive = a.activeCalls
	}
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.activeCalls--
		a.mu.Unlock()
	}
}

func (a *Adapter) PullEvents(ctx context.Context, _ *models.CalendarAccount, cursor string) (providers.PullResult, error) {
	defer a.enter()()
	a.mu.Lock()
	a.cursors = append(a.cursors, cursor)
	a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return providers.PullResult{}, err
	}
	if a.PullEventsFunc != nil {
		return a.PullEventsFunc(cursor)
	}
	return providers.PullResult{FullSync: cursor == ""}, nil
}

func (a *Adapter) PullTasks(ctx context.Context, _ *models.CalendarAccount) ([]models.CanonicalEvent, error) {
	if a.PullTasksFunc != nil {
		return a.PullTasksFunc()
	}
	return nil, nil
}

func (a *Adapter) PushEvent(ctx context.Context, _ *models.CalendarAccount, ev models.CanonicalEvent) (providers.PushResult, error) {
	a.record(ev)
	if a.PushEventFunc != nil {
		return a.PushEventFunc(ev)
	}
	return a.defaultPush(ev), nil
}

func (a *Adapter) PushTask(ctx context.Context, _ *models.CalendarAccount, ev models.CanonicalEvent) (providers.PushResult, error) {
	a.record(ev)
	if a.PushTaskFunc != nil {
		return a.PushTaskFunc(ev)
	}
	return a.defaultPush(ev), nil
}

func (a *Adapter) DeleteEvent(ctx context.Context, _ *models.CalendarAccount, externalID string, eventType models.EventType) (bool, error) {
	a.mu.Lock()
	a.deleted = append(a.deleted, externalID)
	a.mu.Unlock()
	if a.DeleteFunc != nil {
		return a.DeleteFunc(externalID, eventType)
	}
	return true, nil
}

func (a *Adapter) Watch(ctx context.Context, _ *models.CalendarAccount, req providers.WatchRequest) (providers.Channel, error) {
	a.mu.Lock()
	a.watches = append(a.watches, req)
	n := len(a.watches)
	a.mu.Unlock()
	if a.WatchFunc != nil {
		return a.WatchFunc(req)
	}
	return providers.Channel{
		ID:         fmt.Sprintf("channel-%d", n),
		ResourceID: fmt.Sprintf("resource-%d", n),
		ExpiresAt:  time.Now().Add(24 * time.Hour).UTC(),
	}, nil
}

func (a *Adapter) StopWatch(ctx context.Context, _ *models.CalendarAccount, ch providers.Channel) error {
	a.mu.Lock()
	a.stopped = append(a.stopped, ch)
	a.mu.Unlock()
	if a.StopWatchFunc != nil {
		return a.StopWatchFunc(ch)
	}
	return nil
}

func (a *Adapter) Profile(ctx context.Context, _ *models.CalendarAccount) (providers.Profile, error) {
	return a.ProfileValue, nil
}

func (a *Adapter) record(ev models.CanonicalEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushed = append(a.pushed, ev)
}

func (a *Adapter) defaultPush(ev models.CanonicalEvent) providers.PushResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := ev.ExternalID
	if id == "" {
		a.nextID++
		id = fmt.Sprintf("ext-%d", a.nextID)
	}
	now := time.Now().UTC()
	return providers.PushResult{ExternalID: id, ExternalUpdatedAt: &now}
}

// Cursors returns the cursor passed to each PullEvents call.
func (a *Adapter) Cursors() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cursors...)
}

func (a *Adapter) Pushed() []models.CanonicalEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.CanonicalEvent(nil), a.pushed...)
}

func (a *Adapter) Deleted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.deleted...)
}

func (a *Adapter) Watches() []providers.WatchRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]providers.WatchRequest(nil), a.watches...)
}

func (a *Adapter) Stopped() []providers.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]providers.Channel(nil), a.stopped...)
}

// MaxConcurrentPulls reports the highest number of PullEvents calls seen in flight at once.
func (a *Adapter) MaxConcurrentPulls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxActive
}

var _ providers.Adapter = (*Adapter)(nil)
