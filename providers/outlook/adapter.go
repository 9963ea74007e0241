// ABOUTME: Microsoft Graph adapter for Outlook calendars and Microsoft To Do tasks
// ABOUTME: Thin JSON-over-HTTP client with per-call timeouts, rate limiting and status classification
package outlook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/harperreed/calsync/logging"
	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/syncerr"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	pageSize = 250
	// Graph caps subscriptions on Outlook resources at 4230 minutes.
	subscriptionLifetime = 4230 * time.Minute
	graphTimeLayout      = "2006-01-02T15:04:05"
)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit rate.Limit
	Burst     int
}

// Adapter implements providers.Adapter against Microsoft Graph v1.0.
type Adapter struct {
	clients providers.ClientSource
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger
	now     func() time.Time
}

func New(clients providers.ClientSource, cfg Config, log *slog.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
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
		log:     log.With("provider", string(models.ProviderOutlook)),
		now:     time.Now,
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderOutlook
}

func (a *Adapter) endpoint(path string, query url.Values) string {
	u := a.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// request performs one Graph call. A nil out discards the response body.
func (a *Adapter) request(ctx context.Context, client *http.Client, op, method, target string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if err := a.limiter.Wait(ctx); err != nil {
		return syncerr.Transient(op, err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return syncerr.Item(op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return syncerr.Item(op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return providers.TransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providers.StatusError(op, resp.StatusCode, errorMessage(resp.Body))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerr.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var ge graphError
	if err := json.Unmarshal(raw, &ge); err == nil && ge.Error.Message != "" {
		return ge.Error.Code + ": " + ge.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

type subscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

// Watch creates a Graph subscription on the user's events.
func (a *Adapter) Watch(ctx context.Context, acct *models.CalendarAccount, req providers.WatchRequest) (providers.Channel, error) {
	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return providers.Channel{}, err
	}

	requested := a.now().UTC().Add(subscriptionLifetime)
	var created subscription
	err = a.request(ctx, client, "create subscription", http.MethodPost, a.endpoint("/subscriptions", nil), subscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    req.CallbackURL,
		Resource:           "/me/events",
		ExpirationDateTime: requested.Format(time.RFC3339),
		ClientState:        req.ClientState,
	}, &created)
	if err != nil {
		return providers.Channel{}, err
	}

	expires := requested
	if t, err := time.Parse(time.RFC3339, created.ExpirationDateTime); err == nil {
		expires = t.UTC()
	}
	return providers.Channel{ID: created.ID, ExpiresAt: expires}, nil
}

// StopWatch deletes the subscription. Unknown subscriptions count as stopped.
func (a *Adapter) StopWatch(ctx context.Context, acct *models.CalendarAccount, ch providers.Channel) error {
	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return err
	}

	err = a.request(ctx, client, "delete subscription", http.MethodDelete,
		a.endpoint("/subscriptions/"+url.PathEscape(ch.ID), nil), nil, nil)
	if syncerr.IsNotFound(err) {
		return nil
	}
	return err
}

// Profile reads the signed-in user and their default calendar.
func (a *Adapter) Profile(ctx context.Context, acct *models.CalendarAccount) (providers.Profile, error) {
	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return providers.Profile{}, err
	}

	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := a.request(ctx, client, "get user", http.MethodGet, a.endpoint("/me", nil), nil, &me); err != nil {
		return providers.Profile{}, err
	}

	var cal struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := a.request(ctx, client, "get calendar", http.MethodGet, a.endpoint("/me/calendar", nil), nil, &cal); err != nil {
		return providers.Profile{}, err
	}

	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	return providers.Profile{Email: email, CalendarID: cal.ID, CalendarName: cal.Name}, nil
}
