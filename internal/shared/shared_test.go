package shared_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/basket/warden/internal/shared"
)

func TestParamsHash_OrderIndependent(t *testing.T) {
	a := shared.ParamsHash(map[string]any{"repo": "warden", "issue": 42, "labels": []string{"bug"}})
	b := shared.ParamsHash(map[string]any{"labels": []string{"bug"}, "issue": 42, "repo": "warden"})
	if a != b {
		t.Fatalf("same params hashed differently: %s vs %s", a, b)
	}
	c := shared.ParamsHash(map[string]any{"repo": "warden", "issue": 43, "labels": []string{"bug"}})
	if a == c {
		t.Fatal("different params share a hash")
	}
	if shared.ParamsHash(nil) != shared.ParamsHash(map[string]any{}) {
		t.Fatal("nil and empty params hash differently")
	}
}

func TestDispatchKey_Deterministic(t *testing.T) {
	k1 := shared.DispatchKey("task-1", "READY>DOING", 3)
	k2 := shared.DispatchKey("task-1", "READY>DOING", 3)
	if k1 != k2 {
		t.Fatal("same tuple yields different keys")
	}
	if k1 == shared.DispatchKey("task-1", "READY>DOING", 4) {
		t.Fatal("version change did not change the key")
	}
	if k1 == shared.DispatchKey("task-2", "READY>DOING", 3) {
		t.Fatal("task change did not change the key")
	}
}

func TestCanonicalCallBody_Stable(t *testing.T) {
	params := map[string]any{"path": "/etc", "mode": "ro"}
	a := shared.CanonicalCallBody("platform", "github", "create_issue", params, "t1", "r1")
	b := shared.CanonicalCallBody("platform", "github", "create_issue", map[string]any{"mode": "ro", "path": "/etc"}, "t1", "r1")
	if string(a) != string(b) {
		t.Fatalf("bodies differ:\n%s\n%s", a, b)
	}
	c := shared.CanonicalCallBody("platform", "github", "create_issue", params, "t1", "r2")
	if string(a) == string(c) {
		t.Fatal("request id not part of body")
	}
}

func TestDenial(t *testing.T) {
	d := shared.Deny(shared.CodeBackpressure, "group %s at ceiling", "platform")
	if d.Code != shared.CodeBackpressure {
		t.Fatalf("code = %q", d.Code)
	}
	if !d.Retryable() {
		t.Fatal("backpressure should be retryable")
	}
	if shared.Deny(shared.CodeExpired, "x").Retryable() {
		t.Fatal("expired should not be retryable")
	}

	wrapped := fmt.Errorf("call failed: %w", d)
	got, ok := shared.AsDenial(wrapped)
	if !ok || got.Code != shared.CodeBackpressure {
		t.Fatalf("AsDenial(wrapped) = %v, %v", got, ok)
	}
	if _, ok := shared.AsDenial(errors.New("plain")); ok {
		t.Fatal("plain error reported as denial")
	}
}

func TestTraceContext(t *testing.T) {
	ctx := context.Background()
	if shared.TraceID(ctx) != "-" {
		t.Fatalf("default trace id = %q", shared.TraceID(ctx))
	}
	ctx = shared.WithTraceID(ctx, "trace-1")
	ctx = shared.WithActorGroup(ctx, "platform")
	if shared.TraceID(ctx) != "trace-1" || shared.ActorGroup(ctx) != "platform" {
		t.Fatal("context values not round-tripped")
	}
}
