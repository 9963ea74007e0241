// ABOUTME: Test utilities for creating isolated databases and fixture accounts
// ABOUTME: Uses a SQLite file under the test's temporary directory

package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/harperreed/calsync/models"
)

// NewTestDatabase opens a fresh SQLite database that is closed when the test ends.
func NewTestDatabase(t testing.TB) *DB {
	t.Helper()

	database, err := OpenDatabase(filepath.Join(t.TempDir(), "calsync-test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	return database
}

// NewTestAccount inserts an active account for provider owned by a random user in tenant-1.
// Callers may adjust the returned struct before further use; it is not re-saved.
func NewTestAccount(t testing.TB, database *DB, provider models.Provider) *models.CalendarAccount {
	t.Helper()

	acct := &models.CalendarAccount{
		TenantID:     "tenant-1",
		UserID:       "user-" + uuid.NewString()[:8],
		Provider:     provider,
		AccountEmail: "owner@example.com",
		CalendarID:   "primary",
		CalendarName: "Work",
	}
	if err := NewAccountRepository(database).Create(context.Background(), acct); err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}

	return acct
}
