// ABOUTME: Per-account client state shared with providers and checked on every notification
// ABOUTME: Hex HMAC-SHA256 of the account id keyed by the server webhook secret
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

func ClientState(secret string, accountID uuid.UUID) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(accountID.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyClientState compares in constant time.
func VerifyClientState(secret string, accountID uuid.UUID, got string) bool {
	want := ClientState(secret, accountID)
	return hmac.Equal([]byte(want), []byte(got))
}
