// ABOUTME: Google Calendar and Google Tasks adapter
// ABOUTME: Builds per-call API services from the account's authorized client and handles push channels
package google

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/tasks/v1"

	"github.com/harperreed/calsync/logging"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/syncerr"
)

const (
	maxResults      = 250 // Google Calendar API max per page
	maxTasksPerList = 100
	channelLifetime = 30 * 24 * time.Hour
)

type Config struct {
	// CalendarEndpoint and TasksEndpoint override the API base URLs (tests).
	CalendarEndpoint string
	TasksEndpoint    string
	Timeout          time.Duration
	RateLimit        rate.Limit
	Burst            int
}

// Adapter implements providers.Adapter for Google.
type Adapter struct {
	clients providers.ClientSource
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger
	now     func() time.Time
}

func New(clients providers.ClientSource, cfg Config, log *slog.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Adapter{
		clients: clients,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		log:     log.With("provider", string(models.ProviderGoogle)),
		now:     time.Now,
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderGoogle
}

func (a *Adapter) calendarService(ctx context.Context, acct *models.CalendarAccount) (*calendar.Service, error) {
	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.cfg.CalendarEndpoint != "" {
		opts = append(opts, option.WithEndpoint(a.cfg.CalendarEndpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, syncerr.Transient("create calendar service", err)
	}
	return svc, nil
}

func (a *Adapter) tasksService(ctx context.Context, acct *models.CalendarAccount) (*tasks.Service, error) {
	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.cfg.TasksEndpoint != "" {
		opts = append(opts, option.WithEndpoint(a.cfg.TasksEndpoint))
	}
	svc, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, syncerr.Transient("create tasks service", err)
	}
	return svc, nil
}

// do runs one API request under the rate limiter and a per-call timeout.
func (a *Adapter) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if err := a.limiter.Wait(ctx); err != nil {
		return syncerr.Transient(op, err)
	}
	if err := fn(ctx); err != nil {
		return classify(op, err)
	}
	return nil
}

func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return providers.StatusError(op, apiErr.Code, apiErr.Message)
	}
	return providers.TransportError(op, err)
}

func calendarID(acct *models.CalendarAccount) string {
	if acct.CalendarID == "" {
		return "primary"
	}
	return acct.CalendarID
}

// Watch opens an events.watch channel on the account's calendar.
func (a *Adapter) Watch(ctx context.Context, acct *models.CalendarAccount, req providers.WatchRequest) (providers.Channel, error) {
	svc, err := a.calendarService(ctx, acct)
	if err != nil {
		return providers.Channel{}, err
	}

	requested := a.now().Add(channelLifetime)
	channel := &calendar.Channel{
		Id:         uuid.NewString(),
		Type:       "web_hook",
		Address:    req.CallbackURL,
		Token:      req.ClientState,
		Expiration: requested.UnixMilli(),
	}

	var res *calendar.Channel
	err = a.do(ctx, "watch events", func(ctx context.Context) error {
		var err error
		res, err = svc.Events.Watch(calendarID(acct), channel).Context(ctx).Do()
		return err
	})
	if err != nil {
		return providers.Channel{}, err
	}

	expires := requested
	if res.Expiration > 0 {
		expires = time.UnixMilli(res.Expiration).UTC()
	}
	return providers.Channel{ID: channel.Id, ResourceID: res.ResourceId, ExpiresAt: expires}, nil
}

// StopWatch stops a channel. A channel the provider no longer knows is treated as stopped.
func (a *Adapter) StopWatch(ctx context.Context, acct *models.CalendarAccount, ch providers.Channel) error {
	svc, err := a.calendarService(ctx, acct)
	if err != nil {
		return err
	}

	err = a.do(ctx, "stop channel", func(ctx context.Context) error {
		return svc.Channels.Stop(&calendar.Channel{Id: ch.ID, ResourceId: ch.ResourceID}).Context(ctx).Do()
	})
	if syncerr.IsNotFound(err) {
		return nil
	}
	return err
}

// Profile reads the primary calendar; its id is the account email.
func (a *Adapter) Profile(ctx context.Context, acct *models.CalendarAccount) (providers.Profile, error) {
	svc, err := a.calendarService(ctx, acct)
	if err != nil {
		return providers.Profile{}, err
	}

	var entry *calendar.CalendarListEntry
	err = a.do(ctx, "get primary calendar", func(ctx context.Context) error {
		var err error
		entry, err = svc.CalendarList.Get("primary").Context(ctx).Do()
		return err
	})
	if err != nil {
		return providers.Profile{}, err
	}

	return providers.Profile{Email: entry.Id, CalendarID: entry.Id, CalendarName: entry.Summary}, nil
}
