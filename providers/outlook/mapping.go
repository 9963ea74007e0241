// ABOUTME: Converts Microsoft Graph events and To Do tasks to and from canonical events
// ABOUTME: Maps showAs, sensitivity, reminders and attendees; classification uses attendees only
package outlook

import (
	"strings"
	"time"

	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
)

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type responseStatus struct {
	Response string `json:"response"`
}

type graphAttendee struct {
	Type         string          `json:"type,omitempty"`
	Status       *responseStatus `json:"status,omitempty"`
	EmailAddress emailAddress    `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type onlineMeeting struct {
	JoinURL string `json:"joinUrl"`
}

type graphEvent struct {
	ID                         string               `json:"id,omitempty"`
	Subject                    string               `json:"subject"`
	Body                       *itemBody            `json:"body,omitempty"`
	Start                      *graphDateTime       `json:"start,omitempty"`
	End                        *graphDateTime       `json:"end,omitempty"`
	Location                   *graphLocation       `json:"location,omitempty"`
	IsAllDay                   bool                 `json:"isAllDay"`
	IsCancelled                bool                 `json:"isCancelled,omitempty"`
	ShowAs                     string               `json:"showAs,omitempty"`
	Sensitivity                string               `json:"sensitivity,omitempty"`
	Organizer                  *graphRecipient      `json:"organizer,omitempty"`
	Attendees                  []graphAttendee      `json:"attendees,omitempty"`
	Recurrence                 *patternedRecurrence `json:"recurrence,omitempty"`
	IsReminderOn               *bool                `json:"isReminderOn,omitempty"`
	ReminderMinutesBeforeStart *int                 `json:"reminderMinutesBeforeStart,omitempty"`
	OnlineMeeting              *onlineMeeting       `json:"onlineMeeting,omitempty"`
	LastModifiedDateTime       string               `json:"lastModifiedDateTime,omitempty"`
}

type graphRecipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type todoTask struct {
	ID                   string         `json:"id,omitempty"`
	Title                string         `json:"title"`
	Body                 *itemBody      `json:"body,omitempty"`
	Status               string         `json:"status,omitempty"`
	DueDateTime          *graphDateTime `json:"dueDateTime,omitempty"`
	LastModifiedDateTime string         `json:"lastModifiedDateTime,omitempty"`
}

func eventToCanonical(ev *graphEvent) (models.CanonicalEvent, bool) {
	if ev == nil || ev.ID == "" {
		return models.CanonicalEvent{}, false
	}

	out := models.CanonicalEvent{
		ExternalID:        ev.ID,
		ExternalUpdatedAt: parseTimestamp(ev.LastModifiedDateTime),
	}

	if ev.IsCancelled {
		out.Deleted = true
		out.EventType = models.EventTypeEvent
		return out, true
	}

	start, ok := parseGraphTime(ev.Start)
	if !ok {
		return models.CanonicalEvent{}, false
	}
	end, ok := parseGraphTime(ev.End)
	if !ok {
		end = start
	}

	out.Title = ev.Subject
	if ev.Body != nil {
		out.Description = ev.Body.Content
	}
	if ev.Location != nil {
		out.Location = ev.Location.DisplayName
	}
	out.StartTime = start
	out.EndTime = end
	out.AllDay = ev.IsAllDay
	out.Timezone = "UTC"
	out.Status = statusFromShowAs(ev.ShowAs)
	out.Visibility = visibilityFromSensitivity(ev.Sensitivity)
	if ev.Organizer != nil {
		out.OrganizerEmail = ev.Organizer.EmailAddress.Address
	}
	if ev.OnlineMeeting != nil {
		out.MeetingLink = ev.OnlineMeeting.JoinURL
	}

	for _, a := range ev.Attendees {
		if a.EmailAddress.Address == "" {
			continue
		}
		att := models.Attendee{
			Email:    a.EmailAddress.Address,
			Name:     a.EmailAddress.Name,
			Optional: a.Type == "optional",
		}
		if a.Status != nil {
			att.ResponseStatus = a.Status.Response
		}
		out.Attendees = append(out.Attendees, att)
	}

	if ev.IsReminderOn != nil && *ev.IsReminderOn && ev.ReminderMinutesBeforeStart != nil {
		out.Reminders = []models.Reminder{{Method: "popup", Minutes: *ev.ReminderMinutesBeforeStart}}
	}

	if rule := recurrenceToRRule(ev.Recurrence); rule != "" {
		out.Recurrence = []string{rule}
	}

	out.EventType = providers.Classify(len(out.Attendees) > 0, false)
	return out, true
}

func canonicalToEvent(c models.CanonicalEvent) *graphEvent {
	start, end := c.StartTime.UTC(), c.EndTime.UTC()
	if c.AllDay {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	}

	ev := &graphEvent{
		Subject:     c.Title,
		Body:        &itemBody{ContentType: "text", Content: c.Description},
		Start:       &graphDateTime{DateTime: start.Format(graphTimeLayout), TimeZone: "UTC"},
		End:         &graphDateTime{DateTime: end.Format(graphTimeLayout), TimeZone: "UTC"},
		IsAllDay:    c.AllDay,
		ShowAs:      showAsFromStatus(c.Status),
		Sensitivity: sensitivityFromVisibility(c.Visibility),
	}
	if c.Location != "" {
		ev.Location = &graphLocation{DisplayName: c.Location}
	}

	for _, a := range c.Attendees {
		kind := "required"
		if a.Optional {
			kind = "optional"
		}
		ev.Attendees = append(ev.Attendees, graphAttendee{
			Type:         kind,
			EmailAddress: emailAddress{Name: a.Name, Address: a.Email},
		})
	}

	if len(c.Reminders) > 0 {
		on := true
		minutes := c.Reminders[0].Minutes
		ev.IsReminderOn = &on
		ev.ReminderMinutesBeforeStart = &minutes
	}

	for _, rule := range c.Recurrence {
		if rec := rruleToRecurrence(rule, start); rec != nil {
			ev.Recurrence = rec
			break
		}
	}

	return ev
}

const listMarker = "\n\nList: "

func taskToCanonical(t *todoTask, list todoList) (models.CanonicalEvent, bool) {
	if t == nil || t.ID == "" {
		return models.CanonicalEvent{}, false
	}

	due, ok := parseGraphTime(t.DueDateTime)
	if !ok {
		return models.CanonicalEvent{}, false
	}
	day := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC)

	out := models.CanonicalEvent{
		ExternalID:        t.ID,
		ExternalUpdatedAt: parseTimestamp(t.LastModifiedDateTime),
		ListID:            list.ID,
	}
	out.Title = t.Title
	if t.Body != nil {
		out.Description = t.Body.Content
	}
	if list.DisplayName != "" {
		out.Description += listMarker + list.DisplayName
	}
	out.StartTime = day
	out.EndTime = day
	out.AllDay = true
	out.Status = models.EventStatusConfirmed
	out.EventType = models.EventTypeTask
	return out, true
}

func canonicalToTask(c models.CanonicalEvent) *todoTask {
	desc := c.Description
	if i := strings.LastIndex(desc, listMarker); i >= 0 {
		desc = desc[:i]
	}
	day := c.StartTime.UTC()
	return &todoTask{
		Title: c.Title,
		Body:  &itemBody{ContentType: "text", Content: desc},
		DueDateTime: &graphDateTime{
			DateTime: time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).Format(graphTimeLayout),
			TimeZone: "UTC",
		},
	}
}

func statusFromShowAs(showAs string) models.EventStatus {
	if showAs == "tentative" {
		return models.EventStatusTentative
	}
	return models.EventStatusConfirmed
}

func showAsFromStatus(s models.EventStatus) string {
	if s == models.EventStatusTentative {
		return "tentative"
	}
	return "busy"
}

func visibilityFromSensitivity(s string) string {
	switch s {
	case "private", "personal":
		return "private"
	case "confidential":
		return "confidential"
	default:
		return "default"
	}
}

func sensitivityFromVisibility(v string) string {
	switch v {
	case "private":
		return "private"
	case "confidential":
		return "confidential"
	default:
		return "normal"
	}
}

// parseGraphTime reads a dateTimeTimeZone value. Requests ask for UTC, so other
// zones only appear on stored data written by other clients.
func parseGraphTime(dt *graphDateTime) (time.Time, bool) {
	if dt == nil || dt.DateTime == "" {
		return time.Time{}, false
	}
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphTimeLayout, dt.DateTime, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
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
