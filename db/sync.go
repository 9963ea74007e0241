// ABOUTME: Database operations for the sync_log run history
// ABOUTME: Records one row per account pass with trigger, timing, counts and error text
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/harperreed/calsync/models"
)

// SyncLogRepository stores sync run history.
type SyncLogRepository struct {
	db *DB
}

func NewSyncLogRepository(db *DB) *SyncLogRepository {
	return &SyncLogRepository{db: db}
}

// Start opens a run record and returns its ULID.
func (r *SyncLogRepository) Start(ctx context.Context, accountID uuid.UUID, trigger string, at time.Time) (string, error) {
	id := ulid.Make().String()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sync_log (id, calendar_account_id, trigger_source, started_at, result)
		VALUES (?, ?, ?, ?, '{}')
	`), id, accountID, trigger, at.UTC())
	if err != nil {
		return "", fmt.Errorf("failed to create sync log: %w", err)
	}
	return id, nil
}

// Finish closes a run record with its result summary.
func (r *SyncLogRepository) Finish(ctx context.Context, id string, result models.SyncResult, at time.Time) error {
	summary, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode sync result: %w", err)
	}

	var errMsg *string
	if result.Error != "" {
		errMsg = &result.Error
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sync_log SET finished_at = ?, result = ?, error_message = ? WHERE id = ?
	`), at.UTC(), string(summary), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to finish sync log: %w", err)
	}
	return nil
}

// Recent returns the latest runs for an account, newest first.
func (r *SyncLogRepository) Recent(ctx context.Context, accountID uuid.UUID, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []models.SyncRun
	err := r.db.SelectContext(ctx, &runs, r.db.Rebind(`
		SELECT id, calendar_account_id, trigger_source, started_at, finished_at, result, error_message
		FROM sync_log
		WHERE calendar_account_id = ?
		ORDER BY id DESC
		LIMIT ?
	`), accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	return runs, nil
}

// PruneBefore deletes run records started before cutoff.
func (r *SyncLogRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sync_log WHERE started_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync log: %w", err)
	}
	return res.RowsAffected()
}
