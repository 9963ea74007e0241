// ABOUTME: Converts between Google Calendar/Tasks resources and canonical events
// ABOUTME: Handles all-day dates, attendees, reminders, conference links and event classification
package google

import (
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/tasks/v1"

	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
)

const dateLayout = "2006-01-02"

// eventToCanonical maps a Google event. It returns false for events whose times
// cannot be read; cancelled events are always returned as deletion markers.
func eventToCanonical(ev *calendar.Event) (models.CanonicalEvent, bool) {
	if ev == nil || ev.Id == "" {
		return models.CanonicalEvent{}, false
	}

	out := models.CanonicalEvent{
		ExternalID:        ev.Id,
		ExternalUpdatedAt: parseTimestamp(ev.Updated),
	}

	if ev.Status == "cancelled" {
		out.Deleted = true
		out.EventType = models.EventTypeEvent
		return out, true
	}

	start, allDay, tz, ok := parseEventTime(ev.Start)
	if !ok {
		return models.CanonicalEvent{}, false
	}
	end, _, _, ok := parseEventTime(ev.End)
	if !ok {
		end = start
	}

	out.Title = ev.Summary
	out.Description = ev.Description
	out.Location = ev.Location
	out.StartTime = start
	out.EndTime = end
	out.AllDay = allDay
	out.Timezone = tz
	out.Visibility = ev.Visibility
	out.Recurrence = ev.Recurrence
	out.MeetingLink = meetingLink(ev)

	switch ev.Status {
	case "tentative":
		out.Status = models.EventStatusTentative
	default:
		out.Status = models.EventStatusConfirmed
	}

	for _, a := range ev.Attendees {
		if a == nil || a.Email == "" {
			continue
		}
		out.Attendees = append(out.Attendees, models.Attendee{
			Email:          a.Email,
			Name:           a.DisplayName,
			ResponseStatus: a.ResponseStatus,
			Optional:       a.Optional,
		})
	}

	// Any organizer counts, including the calendar owner.
	hasOrganizer := false
	if ev.Organizer != nil {
		out.OrganizerEmail = ev.Organizer.Email
		hasOrganizer = ev.Organizer.Email != ""
	}

	if ev.Reminders != nil {
		for _, r := range ev.Reminders.Overrides {
			if r == nil {
				continue
			}
			out.Reminders = append(out.Reminders, models.Reminder{Method: r.Method, Minutes: int(r.Minutes)})
		}
	}

	out.EventType = providers.Classify(len(out.Attendees) > 0, hasOrganizer)
	return out, true
}

func parseEventTime(dt *calendar.EventDateTime) (time.Time, bool, string, bool) {
	if dt == nil {
		return time.Time{}, false, "", false
	}
	if dt.Date != "" {
		t, err := time.Parse(dateLayout, dt.Date)
		if err != nil {
			return time.Time{}, false, "", false
		}
		return t, true, dt.TimeZone, true
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false, "", false
		}
		return t.UTC(), false, dt.TimeZone, true
	}
	return time.Time{}, false, "", false
}

func meetingLink(ev *calendar.Event) string {
	if ev.HangoutLink != "" {
		return ev.HangoutLink
	}
	if ev.ConferenceData == nil {
		return ""
	}
	for _, ep := range ev.ConferenceData.EntryPoints {
		if ep != nil && ep.EntryPointType == "video" && ep.Uri != "" {
			return ep.Uri
		}
	}
	return ""
}

func canonicalToEvent(c models.CanonicalEvent) *calendar.Event {
	ev := &calendar.Event{
		Summary:     c.Title,
		Description: c.Description,
		Location:    c.Location,
		Visibility:  c.Visibility,
		Recurrence:  c.Recurrence,
	}

	if c.AllDay {
		end := c.EndTime
		// all-day end dates are exclusive
		if !end.After(c.StartTime) {
			end = c.StartTime.AddDate(0, 0, 1)
		}
		ev.Start = &calendar.EventDateTime{Date: c.StartTime.Format(dateLayout)}
		ev.End = &calendar.EventDateTime{Date: end.Format(dateLayout)}
	} else {
		ev.Start = &calendar.EventDateTime{DateTime: c.StartTime.Format(time.RFC3339), TimeZone: c.Timezone}
		ev.End = &calendar.EventDateTime{DateTime: c.EndTime.Format(time.RFC3339), TimeZone: c.Timezone}
	}

	switch c.Status {
	case models.EventStatusTentative, models.EventStatusConfirmed:
		ev.Status = string(c.Status)
	}

	for _, a := range c.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{
			Email:          a.Email,
			DisplayName:    a.Name,
			ResponseStatus: a.ResponseStatus,
			Optional:       a.Optional,
		})
	}

	if len(c.Reminders) > 0 {
		rem := &calendar.EventReminders{UseDefault: false, ForceSendFields: []string{"UseDefault"}}
		for _, r := range c.Reminders {
			rem.Overrides = append(rem.Overrides, &calendar.EventReminder{Method: r.Method, Minutes: int64(r.Minutes)})
		}
		ev.Reminders = rem
	}

	return ev
}

// taskToCanonical maps a Google task found in listID. Tasks without a due date
// are not mirrored.
func taskToCanonical(t *tasks.Task, listID string) (models.CanonicalEvent, bool) {
	if t == nil || t.Id == "" {
		return models.CanonicalEvent{}, false
	}

	out := models.CanonicalEvent{
		ExternalID:        t.Id,
		ExternalUpdatedAt: parseTimestamp(t.Updated),
		ListID:            listID,
	}
	out.EventType = models.EventTypeTask

	if t.Deleted || t.Status == "deleted" {
		out.Deleted = true
		return out, true
	}

	due := parseTimestamp(t.Due)
	if due == nil {
		return models.CanonicalEvent{}, false
	}
	day := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC)

	out.Title = t.Title
	out.Description = t.Notes
	out.StartTime = day
	out.EndTime = day
	out.AllDay = true
	out.Status = models.EventStatusConfirmed
	return out, true
}

func canonicalToTask(c models.CanonicalEvent) *tasks.Task {
	day := c.StartTime.UTC()
	return &tasks.Task{
		Title: c.Title,
		Notes: c.Description,
		// the Tasks API keeps only the date portion
		Due: time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
	}
}

func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
