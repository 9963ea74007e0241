// ABOUTME: Outlook event pull, push and delete over Microsoft Graph
// ABOUTME: Every pull reads the whole window; Graph event listings carry no cursor here
package outlook

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/syncerr"
)

type eventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// PullEvents lists events in the pull window. The cursor is ignored.
func (a *Adapter) PullEvents(ctx context.Context, acct *models.CalendarAccount, _ string) (providers.PullResult, error) {
	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return providers.PullResult{}, err
	}

	now := a.now().UTC()
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("start/dateTime ge '%s' and start/dateTime le '%s'",
		now.Add(-providers.PullWindowPast).Format(graphTimeLayout),
		now.Add(providers.PullWindowFuture).Format(graphTimeLayout)))
	q.Set("$orderby", "start/dateTime")
	q.Set("$top", strconv.Itoa(pageSize))

	result := providers.PullResult{FullSync: true}
	next := a.endpoint("/me/events", q)
	for next != "" {
		var page eventPage
		if err := a.request(ctx, client, "list events", http.MethodGet, next, nil, &page); err != nil {
			return providers.PullResult{}, err
		}
		for i := range page.Value {
			ev, ok := eventToCanonical(&page.Value[i])
			if !ok {
				a.log.Debug("skipping event without usable times", "event_id", page.Value[i].ID)
				continue
			}
			result.Items = append(result.Items, ev)
		}
		next = page.NextLink
	}

	return result, nil
}

// PushEvent patches the event, or creates it when it has no id or is gone.
func (a *Adapter) PushEvent(ctx context.Context, acct *models.CalendarAccount, ev models.CanonicalEvent) (providers.PushResult, error) {
	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return providers.PushResult{}, err
	}

	body := canonicalToEvent(ev)
	var res graphEvent

	if ev.ExternalID != "" {
		err = a.request(ctx, client, "update event", http.MethodPatch,
			a.endpoint("/me/events/"+url.PathEscape(ev.ExternalID), nil), body, &res)
		if err == nil {
			return pushResult(res.ID, res.LastModifiedDateTime), nil
		}
		if !syncerr.IsNotFound(err) {
			return providers.PushResult{}, err
		}
		a.log.Info("event missing at provider, recreating", "event_id", ev.ExternalID)
	}

	err = a.request(ctx, client, "create event", http.MethodPost, a.endpoint("/me/events", nil), body, &res)
	if err != nil {
		return providers.PushResult{}, err
	}
	return pushResult(res.ID, res.LastModifiedDateTime), nil
}

// DeleteEvent removes an event or To Do task. It returns false when it was already gone.
func (a *Adapter) DeleteEvent(ctx context.Context, acct *models.CalendarAccount, externalID string, eventType models.EventType) (bool, error) {
	if eventType == models.EventTypeTask {
		return a.deleteTask(ctx, acct, externalID)
	}

	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return false, err
	}

	err = a.request(ctx, client, "delete event", http.MethodDelete,
		a.endpoint("/me/events/"+url.PathEscape(externalID), nil), nil, nil)
	if syncerr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func pushResult(id, modified string) providers.PushResult {
	return providers.PushResult{ExternalID: id, ExternalUpdatedAt: parseTimestamp(modified)}
}
