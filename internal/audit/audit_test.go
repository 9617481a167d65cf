package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/persistence"
)

func TestRecord_MirrorAndStore(t *testing.T) {
	home := t.TempDir()
	if err := audit.Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })

	store, err := persistence.Open(filepath.Join(home, "warden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	audit.SetStore(store)
	t.Cleanup(func() { audit.SetStore(nil) })

	ctx := context.Background()
	task, err := store.NewTask(ctx, "audited", "work", persistence.ScopeCompany, "", "p1", "{}")
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	before := audit.DenyCount()
	if err := audit.Record(ctx, audit.DecisionAllow, persistence.Activity{
		TaskID:     task.ID,
		ActorGroup: "exec",
		Action:     persistence.ActionTransition,
		FromState:  "INBOX",
		ToState:    "TRIAGED",
	}); err != nil {
		t.Fatalf("record allow: %v", err)
	}
	if err := audit.Record(ctx, audit.DecisionDeny, persistence.Activity{
		TaskID:     task.ID,
		ActorGroup: "exec",
		Action:     persistence.ActionTransition,
		Reason:     "refused with api_key=sk_live_abcdefghijklmnop inside",
	}); err != nil {
		t.Fatalf("record deny: %v", err)
	}
	if audit.DenyCount() != before+1 {
		t.Fatalf("deny count = %d, want %d", audit.DenyCount(), before+1)
	}

	// Both rows landed in the activities table, redacted.
	rows, err := store.ListActivities(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if strings.Contains(row.Reason, "sk_live_") {
			t.Fatalf("secret in durable audit row: %q", row.Reason)
		}
	}

	// The JSONL mirror has the same entries, also redacted.
	f, err := os.Open(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			t.Fatalf("mirror line not json: %q", line)
		}
		if strings.Contains(line, "sk_live_") {
			t.Fatalf("secret in mirror: %q", line)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("mirror lines = %d, want 2", lines)
	}
}

func TestRecord_NoopBeforeInit(t *testing.T) {
	// Uninitialized, Record must be a safe no-op rather than a crash; modules
	// call it unconditionally.
	if err := audit.Record(context.Background(), audit.DecisionAllow, persistence.Activity{
		ActorGroup: "exec",
		Action:     persistence.ActionCreate,
	}); err != nil {
		t.Fatalf("record without init: %v", err)
	}
}
