package dispatch_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/dispatch"
	"github.com/basket/warden/internal/kernel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
)

// fakeSpawner records spawn calls instead of running anything.
type fakeSpawner struct {
	mu      sync.Mutex
	workers []persistence.Task
	reviews []persistence.Task
}

func (s *fakeSpawner) SpawnWorker(ctx context.Context, task persistence.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, task)
}

func (s *fakeSpawner) SpawnReviewer(ctx context.Context, task persistence.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews = append(s.reviews, task)
}

func (s *fakeSpawner) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers), len(s.reviews)
}

func newTestLoop(t *testing.T, cfg dispatch.Config) (*dispatch.Loop, *persistence.Store, *fakeSpawner) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	audit.SetStore(store)
	t.Cleanup(func() { audit.SetStore(nil) })

	gates, err := policy.NewGateTable(map[string]string{"security": "security-review"}, "exec")
	if err != nil {
		t.Fatalf("gate table: %v", err)
	}
	spawner := &fakeSpawner{}
	cfg.Kernel = kernel.New(kernel.Config{Store: store, Gates: gates})
	cfg.Store = store
	cfg.Spawner = spawner
	return dispatch.NewLoop(cfg), store, spawner
}

// readyTask creates a task already in READY assigned to the given group.
func readyTask(t *testing.T, store *persistence.Store, group, title string) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	task, err := store.NewTask(ctx, title, "work", persistence.ScopeCompany, "", "p1", "{}")
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	ready := policy.StateReady
	task, err = store.UpdateTask(ctx, task.ID, task.Version, persistence.TaskPatch{
		State: &ready, AssignedGroup: &group,
	})
	if err != nil {
		t.Fatalf("to ready: %v", err)
	}
	return task
}

func TestTick_DispatchesReady(t *testing.T) {
	loop, store, spawner := newTestLoop(t, dispatch.Config{WIPLimit: 3})
	ctx := context.Background()
	task := readyTask(t, store, "platform", "build it")

	loop.Tick(ctx)

	workers, _ := spawner.counts()
	if workers != 1 {
		t.Fatalf("workers spawned = %d, want 1", workers)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != policy.StateDoing {
		t.Fatalf("state = %s, want DOING", got.State)
	}
	// The spawned worker sees the post-transition version.
	if spawner.workers[0].Version != got.Version {
		t.Fatalf("spawned version %d, task at %d", spawner.workers[0].Version, got.Version)
	}

	// The dispatch audit row carries the policy version in effect.
	rows, err := store.ListActivities(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	found := false
	for _, row := range rows {
		if row.Action == persistence.ActionDispatch {
			found = true
			if row.PolicyVersion == "" {
				t.Fatal("dispatch activity has no policy version")
			}
		}
	}
	if !found {
		t.Fatal("no dispatch activity recorded")
	}

	// A rescan of the same tuple is a no-op: the key already exists and the
	// task has left READY anyway.
	loop.Tick(ctx)
	workers, _ = spawner.counts()
	if workers != 1 {
		t.Fatalf("workers after rescan = %d, want 1", workers)
	}
}

func TestTick_SkipsUnassigned(t *testing.T) {
	loop, store, spawner := newTestLoop(t, dispatch.Config{})
	ctx := context.Background()

	// READY with no assigned group is not dispatchable.
	task, err := store.NewTask(ctx, "orphan", "work", persistence.ScopeCompany, "", "p1", "{}")
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	ready := policy.StateReady
	if _, err := store.UpdateTask(ctx, task.ID, task.Version, persistence.TaskPatch{State: &ready}); err != nil {
		t.Fatalf("to ready: %v", err)
	}

	loop.Tick(ctx)
	if workers, _ := spawner.counts(); workers != 0 {
		t.Fatalf("workers = %d, want 0", workers)
	}
}

func TestTick_WIPCeiling(t *testing.T) {
	loop, store, spawner := newTestLoop(t, dispatch.Config{
		WIPLimit:     2,
		WIPOverrides: map[string]int{"search": 1},
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		readyTask(t, store, "platform", fmt.Sprintf("platform %d", i))
	}
	for i := 0; i < 3; i++ {
		readyTask(t, store, "search", fmt.Sprintf("search %d", i))
	}

	loop.Tick(ctx)

	byGroup := map[string]int{}
	spawner.mu.Lock()
	for _, task := range spawner.workers {
		byGroup[task.AssignedGroup]++
	}
	spawner.mu.Unlock()
	if byGroup["platform"] != 2 {
		t.Fatalf("platform dispatches = %d, want 2 (default ceiling)", byGroup["platform"])
	}
	if byGroup["search"] != 1 {
		t.Fatalf("search dispatches = %d, want 1 (override ceiling)", byGroup["search"])
	}

	// Next tick: both groups are at their ceilings, nothing new goes out.
	loop.Tick(ctx)
	if workers, _ := spawner.counts(); workers != 3 {
		t.Fatalf("workers after second tick = %d, want 3", workers)
	}
}

func TestTick_CrashRecoveryDoesNotDoubleDispatch(t *testing.T) {
	loop, store, spawner := newTestLoop(t, dispatch.Config{})
	ctx := context.Background()
	task := readyTask(t, store, "platform", "crashy")

	// Simulate a run that recorded the key and crashed before transitioning.
	transition := string(policy.StateReady) + ">" + string(policy.StateDoing)
	key := shared.DispatchKey(task.ID, transition, task.Version)
	inserted, err := store.InsertDispatchKey(ctx, key, task.ID, transition, task.Version)
	if err != nil || !inserted {
		t.Fatalf("seed key: inserted=%v err=%v", inserted, err)
	}

	loop.Tick(ctx)
	if workers, _ := spawner.counts(); workers != 0 {
		t.Fatalf("workers = %d, want 0 after crash-claimed key", workers)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.State != policy.StateReady {
		t.Fatalf("state = %s, task must stay READY", got.State)
	}
}

func TestTick_DispatchesGatedReviews(t *testing.T) {
	loop, store, spawner := newTestLoop(t, dispatch.Config{})
	ctx := context.Background()

	task, err := store.NewTask(ctx, "in review", "work", persistence.ScopeCompany, "", "p1", "{}")
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	review := policy.StateReview
	group := "platform"
	gate := "security"
	task, err = store.UpdateTask(ctx, task.ID, task.Version, persistence.TaskPatch{
		State: &review, AssignedGroup: &group, Gate: &gate,
	})
	if err != nil {
		t.Fatalf("to review: %v", err)
	}

	// Ungated REVIEW task is left alone.
	other, err := store.NewTask(ctx, "no gate", "work", persistence.ScopeCompany, "", "p1", "{}")
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if _, err := store.UpdateTask(ctx, other.ID, other.Version, persistence.TaskPatch{
		State: &review, AssignedGroup: &group,
	}); err != nil {
		t.Fatalf("to review: %v", err)
	}

	loop.Tick(ctx)
	_, reviews := spawner.counts()
	if reviews != 1 {
		t.Fatalf("reviewers spawned = %d, want 1", reviews)
	}
	if spawner.reviews[0].ID != task.ID {
		t.Fatalf("reviewed task = %s, want %s", spawner.reviews[0].ID, task.ID)
	}

	// A review dispatch does not move the task, and reruns at the same
	// version are skipped.
	got, _ := store.GetTask(ctx, task.ID)
	if got.State != policy.StateReview {
		t.Fatalf("state = %s, want REVIEW", got.State)
	}
	loop.Tick(ctx)
	if _, reviews := spawner.counts(); reviews != 1 {
		t.Fatalf("reviewers after rescan = %d, want 1", reviews)
	}
}
