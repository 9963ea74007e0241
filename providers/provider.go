// ABOUTME: Provider adapter contract shared by Google and Outlook implementations
// ABOUTME: Defines pull/push/delete/watch operations, their payloads and the adapter registry
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/harperreed/calsync/models"
)

// Pull window used for full fetches.
const (
	PullWindowPast   = 30 * 24 * time.Hour
	PullWindowFuture = 365 * 24 * time.Hour
)

// PullResult is one pull of events. NextCursor is "" for providers without
// incremental sync. FullSync reports whether the full window was fetched.
type PullResult struct {
	Items      []models.CanonicalEvent
	NextCursor string
	FullSync   bool
}

// PushResult identifies the provider copy after a push.
type PushResult struct {
	ExternalID        string
	ExternalUpdatedAt *time.Time
}

// WatchRequest asks the provider to notify CallbackURL about calendar changes.
type WatchRequest struct {
	CallbackURL string
	ClientState string
}

// Channel is a registered push channel or subscription.
type Channel struct {
	ID         string
	ResourceID string
	ExpiresAt  time.Time
}

// Profile is the provider identity of a freshly connected account.
type Profile struct {
	Email        string
	CalendarID   string
	CalendarName string
}

// Adapter translates between canonical events and one provider's API.
type Adapter interface {
	Provider() models.Provider
	PullEvents(ctx context.Context, acct *models.CalendarAccount, cursor string) (PullResult, error)
	PullTasks(ctx context.Context, acct *models.CalendarAccount) ([]models.CanonicalEvent, error)
	PushEvent(ctx context.Context, acct *models.CalendarAccount, ev models.CanonicalEvent) (PushResult, error)
	PushTask(ctx context.Context, acct *models.CalendarAccount, ev models.CanonicalEvent) (PushResult, error)
	DeleteEvent(ctx context.Context, acct *models.CalendarAccount, externalID string, eventType models.EventType) (bool, error)
	Watch(ctx context.Context, acct *models.CalendarAccount, req WatchRequest) (Channel, error)
	StopWatch(ctx context.Context, acct *models.CalendarAccount, ch Channel) error
	Profile(ctx context.Context, acct *models.CalendarAccount) (Profile, error)
}

// ClientSource returns an HTTP client authorized as the account.
// *tokens.Store satisfies it.
type ClientSource interface {
	HTTPClient(ctx context.Context, acct *models.CalendarAccount) (*http.Client, error)
}

// Registry maps providers to their adapters.
type Registry struct {
	adapters map[models.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// For returns the adapter serving provider.
func (r *Registry) For(provider models.Provider) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", provider)
	}
	return a, nil
}

// Providers lists the registered providers.
func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// Classify picks the event type for a non-task item.
func Classify(hasAttendees, hasOrganizer bool) models.EventType {
	if hasAttendees || hasOrganizer {
		return models.EventTypeAppointment
	}
	return models.EventTypeEvent
}
