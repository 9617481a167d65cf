package shared

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ParamsHash returns a one-way hash of a call's parameters. Only the hash is
// ever persisted; raw parameters never enter durable audit state.
//
// The hash is computed over a canonical rendering: keys sorted, values
// JSON-encoded, joined with record separators. Identical parameter maps hash
// identically regardless of map iteration order.
func ParamsHash(params map[string]any) string {
	if len(params) == 0 {
		return hashBytes(nil)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", params[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
		b.WriteByte('\x1e')
	}
	return hashBytes([]byte(b.String()))
}

// DispatchKey derives the idempotency key for a dispatch attempt. A given
// (task, transition, version) tuple always yields the same key, so the unique
// dispatch_log insert makes each tuple dispatchable at most once.
func DispatchKey(taskID, transition string, version int64) string {
	return hashBytes(fmt.Appendf(nil, "%s|%s|%d", taskID, transition, version))
}

// CanonicalCallBody renders the signable body of a broker call. The caller and
// broker must produce byte-identical bodies for signature verification, so the
// rendering is fully deterministic.
func CanonicalCallBody(group, provider, action string, params map[string]any, taskID, requestID string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("group=" + group + "\n")
	b.WriteString("provider=" + provider + "\n")
	b.WriteString("action=" + action + "\n")
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", params[k]))
		}
		b.WriteString("param." + k + "=" + string(v) + "\n")
	}
	b.WriteString("task_id=" + taskID + "\n")
	b.WriteString("request_id=" + requestID + "\n")
	return []byte(b.String())
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
