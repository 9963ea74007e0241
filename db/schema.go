// ABOUTME: Database schema definitions and migrations
// ABOUTME: Creates calendar account, calendar event and sync log tables for SQLite and Postgres
package db

import "fmt"

const schema = `
CREATE TABLE IF NOT EXISTS calendar_accounts (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	account_email TEXT NOT NULL DEFAULT '',
	calendar_id TEXT NOT NULL DEFAULT '',
	calendar_name TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	token_expires_at TIMESTAMP,
	webhook_channel_id TEXT,
	webhook_resource_id TEXT,
	webhook_expires_at TIMESTAMP,
	webhook_registration_failed BOOLEAN NOT NULL DEFAULT FALSE,
	webhook_registered_at TIMESTAMP,
	sync_token TEXT,
	last_full_sync_at TIMESTAMP,
	last_synced_at TIMESTAMP,
	sync_errors TEXT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_calendar_accounts_active_owner
	ON calendar_accounts(tenant_id, user_id, provider) WHERE is_active = TRUE;
CREATE INDEX IF NOT EXISTS idx_calendar_accounts_user ON calendar_accounts(user_id);
CREATE INDEX IF NOT EXISTS idx_calendar_accounts_channel ON calendar_accounts(webhook_channel_id);

CREATE TABLE IF NOT EXISTS calendar_events (
	id TEXT PRIMARY KEY,
	calendar_account_id TEXT NOT NULL REFERENCES calendar_accounts(id) ON DELETE CASCADE,
	external_id TEXT,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP NOT NULL,
	timezone TEXT NOT NULL DEFAULT '',
	all_day BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL DEFAULT 'confirmed',
	visibility TEXT NOT NULL DEFAULT '',
	attendees TEXT NOT NULL DEFAULT '[]',
	organizer_email TEXT NOT NULL DEFAULT '',
	meeting_link TEXT NOT NULL DEFAULT '',
	reminders TEXT NOT NULL DEFAULT '[]',
	recurrence TEXT NOT NULL DEFAULT '[]',
	event_type TEXT NOT NULL,
	syncable_type TEXT,
	syncable_id TEXT,
	sync_status TEXT NOT NULL,
	sync_direction TEXT NOT NULL,
	last_synced_at TIMESTAMP,
	external_updated_at TIMESTAMP,
	sync_error TEXT,
	pending_delete BOOLEAN NOT NULL DEFAULT FALSE,
	provider_list_id TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_calendar_events_external
	ON calendar_events(external_id, calendar_account_id, event_type);
CREATE INDEX IF NOT EXISTS idx_calendar_events_push
	ON calendar_events(calendar_account_id, sync_direction, sync_status);
CREATE INDEX IF NOT EXISTS idx_calendar_events_end_time ON calendar_events(end_time);

CREATE TABLE IF NOT EXISTS sync_log (
	id TEXT PRIMARY KEY,
	calendar_account_id TEXT NOT NULL,
	trigger_source TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	result TEXT NOT NULL DEFAULT '{}',
	error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_log_account ON sync_log(calendar_account_id, started_at);
`

// InitSchema creates all tables and indexes. Statements are idempotent.
func InitSchema(db *DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
