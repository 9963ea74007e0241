// ABOUTME: Data models for connected calendar accounts and synced calendar events
// ABOUTME: Defines providers, event classification, sync bookkeeping enums and the syncable link variant
package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies an external calendar provider.
type Provider string

const (
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderGoogle || p == ProviderOutlook
}

// ParseProvider converts a raw string into a Provider.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(s)
	return p, p.Valid()
}

type EventType string

const (
	EventTypeEvent       EventType = "event"
	EventTypeAppointment EventType = "appointment"
	EventTypeTask        EventType = "task"
)

type EventStatus string

const (
	EventStatusTentative EventStatus = "tentative"
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusCancelled EventStatus = "cancelled"
)

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

type SyncDirection string

const (
	SyncFromExternal  SyncDirection = "from_external"
	SyncToExternal    SyncDirection = "to_external"
	SyncBidirectional SyncDirection = "bidirectional"
)

// CalendarAccount is one user's connection to one external provider.
// AccessToken and RefreshToken always hold ciphertext produced by a secrets.Codec.
type CalendarAccount struct {
	ID           uuid.UUID `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	UserID       string    `db:"user_id" json:"user_id"`
	Provider     Provider  `db:"provider" json:"provider"`
	AccountEmail string    `db:"account_email" json:"account_email"`
	CalendarID   string    `db:"calendar_id" json:"calendar_id"`
	CalendarName string    `db:"calendar_name" json:"calendar_name"`

	AccessToken    string     `db:"access_token" json:"-"`
	RefreshToken   string     `db:"refresh_token" json:"-"`
	TokenExpiresAt *time.Time `db:"token_expires_at" json:"token_expires_at,omitempty"`

	WebhookChannelID          *string    `db:"webhook_channel_id" json:"webhook_channel_id,omitempty"`
	WebhookResourceID         *string    `db:"webhook_resource_id" json:"webhook_resource_id,omitempty"`
	WebhookExpiresAt          *time.Time `db:"webhook_expires_at" json:"webhook_expires_at,omitempty"`
	WebhookRegistrationFailed bool       `db:"webhook_registration_failed" json:"webhook_registration_failed"`
	WebhookRegisteredAt       *time.Time `db:"webhook_registered_at" json:"webhook_registered_at,omitempty"`

	SyncToken      *string    `db:"sync_token" json:"-"`
	LastFullSyncAt *time.Time `db:"last_full_sync_at" json:"last_full_sync_at,omitempty"`
	LastSyncedAt   *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	SyncErrors     *string    `db:"sync_errors" json:"sync_errors,omitempty"`
	IsActive       bool       `db:"is_active" json:"is_active"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Cursor returns the stored incremental sync token, or "" when none is held.
func (a *CalendarAccount) Cursor() string {
	if a.SyncToken == nil {
		return ""
	}
	return *a.SyncToken
}

// HasWebhook reports whether a push channel is recorded for the account.
func (a *CalendarAccount) HasWebhook() bool {
	return a.WebhookChannelID != nil && *a.WebhookChannelID != ""
}

type Attendee struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
	Optional       bool   `json:"optional,omitempty"`
}

type Reminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

// CalendarEvent is the canonical local record for events, appointments and tasks.
type CalendarEvent struct {
	ID                uuid.UUID `json:"id"`
	CalendarAccountID uuid.UUID `json:"calendar_account_id"`
	ExternalID        *string   `json:"external_id,omitempty"`

	EventContent

	Syncable SyncableLink `json:"-"`

	SyncStatus        SyncStatus    `json:"sync_status"`
	SyncDirection     SyncDirection `json:"sync_direction"`
	LastSyncedAt      *time.Time    `json:"last_synced_at,omitempty"`
	ExternalUpdatedAt *time.Time    `json:"external_updated_at,omitempty"`
	SyncError         *string       `json:"sync_error,omitempty"`
	PendingDelete     bool          `json:"pending_delete"`
	ProviderListID    *string       `json:"provider_list_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// EventContent carries the provider-neutral fields shared by local rows and adapter payloads.
type EventContent struct {
	Title          string      `json:"title"`
	Description    string      `json:"description,omitempty"`
	Location       string      `json:"location,omitempty"`
	StartTime      time.Time   `json:"start_time"`
	EndTime        time.Time   `json:"end_time"`
	Timezone       string      `json:"timezone,omitempty"`
	AllDay         bool        `json:"all_day"`
	Status         EventStatus `json:"status"`
	Visibility     string      `json:"visibility,omitempty"`
	Attendees      []Attendee  `json:"attendees,omitempty"`
	OrganizerEmail string      `json:"organizer_email,omitempty"`
	MeetingLink    string      `json:"meeting_link,omitempty"`
	Reminders      []Reminder  `json:"reminders,omitempty"`
	Recurrence     []string    `json:"recurrence,omitempty"`
	EventType      EventType   `json:"event_type"`
}

// ExternalKey returns the value of ExternalID or "".
func (e *CalendarEvent) ExternalKey() string {
	if e.ExternalID == nil {
		return ""
	}
	return *e.ExternalID
}

// CanonicalEvent is what provider adapters read and write.
// Deleted marks a provider-side cancellation or deletion.
type CanonicalEvent struct {
	ExternalID        string
	ExternalUpdatedAt *time.Time
	Deleted           bool
	ListID            string
	EventContent
}

// ToCanonical projects a local row into an adapter payload.
func (e *CalendarEvent) ToCanonical() CanonicalEvent {
	c := CanonicalEvent{
		ExternalID:        e.ExternalKey(),
		ExternalUpdatedAt: e.ExternalUpdatedAt,
		EventContent:      e.EventContent,
	}
	if e.ProviderListID != nil {
		c.ListID = *e.ProviderListID
	}
	return c
}

// DirectionCounts tallies the outcome of one sync direction.
type DirectionCounts struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Total returns the number of items that changed on the target side.
func (c DirectionCounts) Total() int {
	return c.Created + c.Updated + c.Deleted
}

// SyncResult summarizes one account pass.
type SyncResult struct {
	FromExternal DirectionCounts `json:"from_external"`
	ToExternal   DirectionCounts `json:"to_external"`
	Skipped      bool            `json:"skipped,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// SyncRun is one row of the sync_log history.
type SyncRun struct {
	ID         string     `db:"id" json:"id"`
	AccountID  uuid.UUID  `db:"calendar_account_id" json:"calendar_account_id"`
	Trigger    string     `db:"trigger_source" json:"trigger"`
	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Result     string     `db:"result" json:"result"`
	Error      *string    `db:"error_message" json:"error,omitempty"`
}
