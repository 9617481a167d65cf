// Package audit appends governance decisions to the durable audit trail: the
// activities table (shared by the kernel and the broker) plus a JSONL mirror
// for operators. Rows are redacted before persistence and never rewritten.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/shared"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	Action        string `json:"action"`
	Decision      string `json:"decision"`
	TaskID        string `json:"task_id,omitempty"`
	ActorGroup    string `json:"actor_group"`
	FromState     string `json:"from_state,omitempty"`
	ToState       string `json:"to_state,omitempty"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version"`
}

var (
	mu        sync.Mutex
	file      *os.File
	store     *persistence.Store
	denyCount atomic.Int64
)

// Decision values for Record.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionError = "error"
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetStore configures the store for activities-table writes.
func SetStore(s *persistence.Store) {
	mu.Lock()
	defer mu.Unlock()
	store = s
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one audit row. taskID may be empty for broker-only events.
// The JSONL mirror is best-effort; the activities-table append is not, and
// its error is returned so callers never silently lose a governance row.
func Record(ctx context.Context, decision string, a persistence.Activity) error {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}

	// Redact before persistence: secrets never enter durable audit state.
	a.Reason = shared.Redact(a.Reason)
	if a.TraceID == "" {
		a.TraceID = shared.TraceID(ctx)
	}

	mu.Lock()
	f := file
	s := store
	mu.Unlock()

	if f != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Action:        a.Action,
			Decision:      decision,
			TaskID:        a.TaskID,
			ActorGroup:    a.ActorGroup,
			FromState:     a.FromState,
			ToState:       a.ToState,
			Reason:        a.Reason,
			PolicyVersion: a.PolicyVersion,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			mu.Lock()
			_, _ = f.Write(append(b, '\n'))
			mu.Unlock()
		}
	}

	if s != nil {
		return s.AppendActivity(ctx, a)
	}
	return nil
}
