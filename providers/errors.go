// ABOUTME: Maps provider HTTP statuses and transport failures onto the sync error taxonomy
// ABOUTME: Shared by the Google and Outlook adapters
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/harperreed/calsync/syncerr"
)

// StatusError classifies a non-success HTTP status from a provider.
func StatusError(op string, status int, detail string) error {
	err := fmt.Errorf("provider returned %d: %s", status, detail)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, syncerr.ErrNotFound)
	case status == http.StatusGone:
		return syncerr.StaleCursor(op, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.Auth(op, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return syncerr.Transient(op, err)
	default:
		return syncerr.Item(op, err)
	}
}

// TransportError classifies a failure that produced no HTTP response.
// Timeouts and network errors are transient; caller cancellation is passed through.
func TransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return syncerr.Transient(op, err)
}
