package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/basket/warden/internal/shared"
)

// SignCall computes the hex HMAC-SHA256 signature of a call body under the
// group's secret. Exposed so in-process callers and tests sign the same way
// the broker verifies.
func SignCall(secret string, group, provider, action string, params map[string]any, taskID, requestID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(shared.CanonicalCallBody(group, provider, action, params, taskID, requestID))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks the presented signature in constant time. An empty
// secret means the group has no signing key configured, which fails closed.
func verifySignature(secret, presented string, group, provider, action string, params map[string]any, taskID, requestID string) bool {
	if secret == "" || presented == "" {
		return false
	}
	expected := SignCall(secret, group, provider, action, params, taskID, requestID)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
