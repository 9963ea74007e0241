// ABOUTME: Google Calendar event pull, push and delete
// ABOUTME: Incremental pulls use sync tokens; the first pull fetches a bounded window of single events
package google

import (
	"context"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/syncerr"
)

// PullEvents lists changed events. With an empty cursor the full window is fetched.
// A stale cursor yields a stale-cursor error; the caller decides whether to retry.
func (a *Adapter) PullEvents(ctx context.Context, acct *models.CalendarAccount, cursor string) (providers.PullResult, error) {
	svc, err := a.calendarService(ctx, acct)
	if err != nil {
		return providers.PullResult{}, err
	}

	full := cursor == ""
	now := a.now()
	result := providers.PullResult{FullSync: full}
	pageToken := ""

	for {
		call := svc.Events.List(calendarID(acct)).
			MaxResults(maxResults).
			SingleEvents(true)

		if full {
			call = call.
				TimeMin(now.Add(-providers.PullWindowPast).Format(time.RFC3339)).
				TimeMax(now.Add(providers.PullWindowFuture).Format(time.RFC3339))
		} else {
			call = call.SyncToken(cursor)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var page *calendar.Events
		err := a.do(ctx, "list events", func(ctx context.Context) error {
			var err error
			page, err = call.Context(ctx).Do()
			return err
		})
		if err != nil {
			return providers.PullResult{}, err
		}

		for _, item := range page.Items {
			ev, ok := eventToCanonical(item)
			if !ok {
				a.log.Debug("skipping event without usable times", "event_id", item.Id)
				continue
			}
			result.Items = append(result.Items, ev)
		}

		if page.NextPageToken == "" {
			result.NextCursor = page.NextSyncToken
			break
		}
		pageToken = page.NextPageToken
	}

	return result, nil
}

// PushEvent creates or updates the event. Updating an event the provider no longer
// has falls back to creating it.
func (a *Adapter) PushEvent(ctx context.Context, acct *models.CalendarAccount, ev models.CanonicalEvent) (providers.PushResult, error) {
	svc, err := a.calendarService(ctx, acct)
	if err != nil {
		return providers.PushResult{}, err
	}

	body := canonicalToEvent(ev)
	var res *calendar.Event

	if ev.ExternalID != "" {
		err = a.do(ctx, "update event", func(ctx context.Context) error {
			var err error
			res, err = svc.Events.Update(calendarID(acct), ev.ExternalID, body).Context(ctx).Do()
			return err
		})
		if err == nil {
			return pushResult(res.Id, res.Updated), nil
		}
		if !syncerr.IsNotFound(err) && !syncerr.IsStaleCursor(err) {
			return providers.PushResult{}, err
		}
		a.log.Info("event missing at provider, recreating", "event_id", ev.ExternalID)
	}

	err = a.do(ctx, "insert event", func(ctx context.Context) error {
		var err error
		res, err = svc.Events.Insert(calendarID(acct), body).Context(ctx).Do()
		return err
	})
	if err != nil {
		return providers.PushResult{}, err
	}
	return pushResult(res.Id, res.Updated), nil
}

// DeleteEvent removes an event or task. It returns false when the item was already gone.
func (a *Adapter) DeleteEvent(ctx context.Context, acct *models.CalendarAccount, externalID string, eventType models.EventType) (bool, error) {
	if eventType == models.EventTypeTask {
		return a.deleteTask(ctx, acct, externalID)
	}

	svc, err := a.calendarService(ctx, acct)
	if err != nil {
		return false, err
	}

	err = a.do(ctx, "delete event", func(ctx context.Context) error {
		return svc.Events.Delete(calendarID(acct), externalID).Context(ctx).Do()
	})
	// Google answers 410 for events that were already deleted
	if syncerr.IsNotFound(err) || syncerr.IsStaleCursor(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func pushResult(id, updated string) providers.PushResult {
	return providers.PushResult{ExternalID: id, ExternalUpdatedAt: parseTimestamp(updated)}
}
