// ABOUTME: Repository for calendar_accounts rows
// ABOUTME: Handles connection lifecycle, token persistence, webhook state and sync cursor updates
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harperreed/calsync/models"
)

var (
	ErrAccountNotFound = errors.New("calendar account not found")
	ErrInvalidAccount  = errors.New("invalid calendar account")
)

const accountColumns = `
	id, tenant_id, user_id, provider, account_email, calendar_id, calendar_name,
	access_token, refresh_token, token_expires_at,
	webhook_channel_id, webhook_resource_id, webhook_expires_at, webhook_registration_failed, webhook_registered_at,
	sync_token, last_full_sync_at, last_synced_at, sync_errors, is_active, created_at, updated_at`

// AccountRepository provides CRUD and state transitions for calendar accounts.
type AccountRepository struct {
	db *DB
}

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts a new account. ID, timestamps and is_active are filled in when unset.
func (r *AccountRepository) Create(ctx context.Context, acct *models.CalendarAccount) error {
	if acct == nil || !acct.Provider.Valid() || acct.TenantID == "" || acct.UserID == "" {
		return ErrInvalidAccount
	}

	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.IsActive = true

	query := r.db.Rebind(`
		INSERT INTO calendar_accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.db.ExecContext(ctx, query,
		acct.ID, acct.TenantID, acct.UserID, acct.Provider, acct.AccountEmail, acct.CalendarID, acct.CalendarName,
		acct.AccessToken, acct.RefreshToken, utcPtr(acct.TokenExpiresAt),
		acct.WebhookChannelID, acct.WebhookResourceID, utcPtr(acct.WebhookExpiresAt), acct.WebhookRegistrationFailed, utcPtr(acct.WebhookRegisteredAt),
		acct.SyncToken, utcPtr(acct.LastFullSyncAt), utcPtr(acct.LastSyncedAt), acct.SyncErrors, acct.IsActive, acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create calendar account: %w", err)
	}

	return nil
}

// Get returns the account with id, or nil when it does not exist.
func (r *AccountRepository) Get(ctx context.Context, id uuid.UUID) (*models.CalendarAccount, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM calendar_accounts WHERE id = ?`, id)
}

// GetByWebhookChannel finds the account owning a Google channel id or Graph subscription id.
func (r *AccountRepository) GetByWebhookChannel(ctx context.Context, channelID string) (*models.CalendarAccount, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM calendar_accounts WHERE webhook_channel_id = ?`, channelID)
}

// FindActive returns the active account for an owner and provider, if any.
func (r *AccountRepository) FindActive(ctx context.Context, tenantID, userID string, provider models.Provider) (*models.CalendarAccount, error) {
	return r.getOne(ctx, `
		SELECT `+accountColumns+` FROM calendar_accounts
		WHERE tenant_id = ? AND user_id = ? AND provider = ? AND is_active = ?
	`, tenantID, userID, provider, true)
}

func (r *AccountRepository) getOne(ctx context.Context, query string, args ...any) (*models.CalendarAccount, error) {
	var acct models.CalendarAccount
	err := r.db.GetContext(ctx, &acct, r.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar account: %w", err)
	}
	return &acct, nil
}

func (r *AccountRepository) list(ctx context.Context, query string, args ...any) ([]models.CalendarAccount, error) {
	var accounts []models.CalendarAccount
	if err := r.db.SelectContext(ctx, &accounts, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list calendar accounts: %w", err)
	}
	return accounts, nil
}

// List returns every account, newest first.
func (r *AccountRepository) List(ctx context.Context) ([]models.CalendarAccount, error) {
	return r.list(ctx, `SELECT `+accountColumns+` FROM calendar_accounts ORDER BY created_at DESC`)
}

// ListActive returns all accounts eligible for sync.
func (r *AccountRepository) ListActive(ctx context.Context) ([]models.CalendarAccount, error) {
	return r.list(ctx, `SELECT `+accountColumns+` FROM calendar_accounts WHERE is_active = ? ORDER BY created_at`, true)
}

// ListActiveByUser returns a user's accounts eligible for sync.
func (r *AccountRepository) ListActiveByUser(ctx context.Context, userID string) ([]models.CalendarAccount, error) {
	return r.list(ctx, `
		SELECT `+accountColumns+` FROM calendar_accounts
		WHERE user_id = ? AND is_active = ?
		ORDER BY created_at
	`, userID, true)
}

// ListWebhookRenewalCandidates returns active accounts with no channel, a failed
// registration, or a channel expiring before the given time.
func (r *AccountRepository) ListWebhookRenewalCandidates(ctx context.Context, before time.Time) ([]models.CalendarAccount, error) {
	return r.list(ctx, `
		SELECT `+accountColumns+` FROM calendar_accounts
		WHERE is_active = ?
		AND (webhook_channel_id IS NULL
			OR webhook_registration_failed = ?
			OR webhook_expires_at IS NULL
			OR webhook_expires_at < ?)
		ORDER BY created_at
	`, true, true, before.UTC())
}

// UpsertConnected stores a freshly authorized account. When the owner already has an
// active account for the provider, that row is updated in place and its id reused.
// An empty refresh token keeps the stored one.
func (r *AccountRepository) UpsertConnected(ctx context.Context, acct *models.CalendarAccount) error {
	existing, err := r.FindActive(ctx, acct.TenantID, acct.UserID, acct.Provider)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.Create(ctx, acct)
	}

	now := time.Now().UTC()
	query := r.db.Rebind(`
		UPDATE calendar_accounts SET
			account_email = ?, calendar_id = ?, calendar_name = ?,
			access_token = ?, refresh_token = COALESCE(NULLIF(?, ''), refresh_token), token_expires_at = ?,
			sync_errors = NULL, updated_at = ?
		WHERE id = ?
	`)
	_, err = r.db.ExecContext(ctx, query,
		acct.AccountEmail, acct.CalendarID, acct.CalendarName,
		acct.AccessToken, acct.RefreshToken, utcPtr(acct.TokenExpiresAt),
		now, existing.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update connected account: %w", err)
	}

	acct.ID = existing.ID
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = now
	acct.IsActive = true
	acct.WebhookChannelID = existing.WebhookChannelID
	acct.WebhookResourceID = existing.WebhookResourceID
	acct.WebhookExpiresAt = existing.WebhookExpiresAt
	acct.SyncToken = existing.SyncToken
	acct.LastFullSyncAt = existing.LastFullSyncAt
	acct.LastSyncedAt = existing.LastSyncedAt
	return nil
}

// UpdateProfile records the provider identity discovered after authorization.
func (r *AccountRepository) UpdateProfile(ctx context.Context, id uuid.UUID, email, calendarID, calendarName string) error {
	return r.exec(ctx, "update account profile", `
		UPDATE calendar_accounts SET account_email = ?, calendar_id = ?, calendar_name = ?, updated_at = ?
		WHERE id = ?
	`, email, calendarID, calendarName, time.Now().UTC(), id)
}

// UpdateTokens stores re-encrypted credentials after a refresh and clears recorded sync errors.
func (r *AccountRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) error {
	return r.exec(ctx, "update tokens", `
		UPDATE calendar_accounts SET
			access_token = ?, refresh_token = COALESCE(NULLIF(?, ''), refresh_token), token_expires_at = ?, sync_errors = NULL, updated_at = ?
		WHERE id = ?
	`, accessToken, refreshToken, utcPtr(expiresAt), time.Now().UTC(), id)
}

// Deactivate marks the account unusable until the user re-authorizes.
func (r *AccountRepository) Deactivate(ctx context.Context, id uuid.UUID, reason string) error {
	return r.exec(ctx, "deactivate account", `
		UPDATE calendar_accounts SET is_active = ?, sync_errors = ?, updated_at = ?
		WHERE id = ?
	`, false, reason, time.Now().UTC(), id)
}

// SaveWebhook records a successful channel registration.
func (r *AccountRepository) SaveWebhook(ctx context.Context, id uuid.UUID, channelID string, resourceID *string, expiresAt time.Time, registeredAt time.Time) error {
	return r.exec(ctx, "save webhook", `
		UPDATE calendar_accounts SET
			webhook_channel_id = ?, webhook_resource_id = ?, webhook_expires_at = ?,
			webhook_registration_failed = ?, webhook_registered_at = ?, updated_at = ?
		WHERE id = ?
	`, channelID, resourceID, expiresAt.UTC(), false, registeredAt.UTC(), time.Now().UTC(), id)
}

// ClearWebhook forgets the current channel.
func (r *AccountRepository) ClearWebhook(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "clear webhook", `
		UPDATE calendar_accounts SET
			webhook_channel_id = NULL, webhook_resource_id = NULL, webhook_expires_at = NULL, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
}

// MarkWebhookFailed flags a failed registration so renewal picks the account up again.
func (r *AccountRepository) MarkWebhookFailed(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "mark webhook failed", `
		UPDATE calendar_accounts SET webhook_registration_failed = ?, updated_at = ?
		WHERE id = ?
	`, true, time.Now().UTC(), id)
}

// UpdateSyncToken stores or clears (nil) the incremental sync cursor.
func (r *AccountRepository) UpdateSyncToken(ctx context.Context, id uuid.UUID, token *string) error {
	return r.exec(ctx, "update sync token", `
		UPDATE calendar_accounts SET sync_token = ?, updated_at = ?
		WHERE id = ?
	`, token, time.Now().UTC(), id)
}

// RecordSyncSuccess stamps the pass time and clears sync errors.
func (r *AccountRepository) RecordSyncSuccess(ctx context.Context, id uuid.UUID, at time.Time, fullSync bool) error {
	if fullSync {
		return r.exec(ctx, "record sync success", `
			UPDATE calendar_accounts SET last_synced_at = ?, last_full_sync_at = ?, sync_errors = NULL, updated_at = ?
			WHERE id = ?
		`, at.UTC(), at.UTC(), time.Now().UTC(), id)
	}
	return r.exec(ctx, "record sync success", `
		UPDATE calendar_accounts SET last_synced_at = ?, sync_errors = NULL, updated_at = ?
		WHERE id = ?
	`, at.UTC(), time.Now().UTC(), id)
}

// RecordSyncError stores the latest account-level failure.
func (r *AccountRepository) RecordSyncError(ctx context.Context, id uuid.UUID, message string) error {
	return r.exec(ctx, "record sync error", `
		UPDATE calendar_accounts SET sync_errors = ?, updated_at = ?
		WHERE id = ?
	`, message, time.Now().UTC(), id)
}

// Delete removes an account and every event mirrored from or to it.
func (r *AccountRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM calendar_events WHERE calendar_account_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete account events: %w", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM calendar_accounts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete calendar account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}

	return tx.Commit()
}

func (r *AccountRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
