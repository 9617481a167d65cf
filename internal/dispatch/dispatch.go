// Package dispatch runs the loop that hands eligible tasks to workers. The
// loop is crash-safe: every dispatch attempt derives a deterministic key
// from (task, transition, version) and records it in the dispatch log before
// acting, so a restart that rescans the same tasks cannot double-dispatch.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/kernel"
	otelx "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
)

// Spawner starts a worker for a dispatched task. Implementations run the
// work; the loop only decides who runs and records that it did.
type Spawner interface {
	// SpawnWorker runs the task's work. Called with the task already in
	// DOING at the given version.
	SpawnWorker(ctx context.Context, task persistence.Task)

	// SpawnReviewer runs a review pass for a gated task sitting in REVIEW.
	// The loop performs no state change for reviews; the reviewer reports
	// through the approval surface.
	SpawnReviewer(ctx context.Context, task persistence.Task)
}

// Config holds the loop's dependencies.
type Config struct {
	Kernel  *kernel.Kernel
	Store   *persistence.Store
	Spawner Spawner
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otelx.Metrics

	// Interval between scans. Defaults to 5 seconds.
	Interval time.Duration

	// WIPLimit is the default per-group ceiling of DOING tasks.
	WIPLimit int

	// WIPOverrides replaces the default ceiling for named groups.
	WIPOverrides map[string]int
}

// Loop scans for eligible tasks and dispatches each at most once per
// (task, transition, version).
type Loop struct {
	kernel  *kernel.Kernel
	store   *persistence.Store
	spawner Spawner
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otelx.Metrics

	interval     time.Duration
	wipLimit     int
	wipOverrides map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLoop(cfg Config) *Loop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wipLimit := cfg.WIPLimit
	if wipLimit <= 0 {
		wipLimit = 3
	}
	return &Loop{
		kernel:       cfg.Kernel,
		store:        cfg.Store,
		spawner:      cfg.Spawner,
		logger:       logger,
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
		interval:     interval,
		wipLimit:     wipLimit,
		wipOverrides: cfg.WIPOverrides,
	}
}

// Start begins the loop in a background goroutine.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
	l.logger.Info("dispatch loop started", "interval", l.interval, "wip_limit", l.wipLimit)
}

// Stop cancels the loop and waits for it to exit. Workers already spawned
// keep running; only the scan stops.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.logger.Info("dispatch loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	// Scan immediately on startup so a restart picks up work right away.
	l.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one scan: READY tasks below their group's work-in-progress
// ceiling move to DOING and get a worker; gated REVIEW tasks get a reviewer.
// Exported so tests drive the loop without the ticker.
func (l *Loop) Tick(ctx context.Context) {
	l.dispatchReady(ctx)
	l.dispatchReviews(ctx)
}

func (l *Loop) ceilingFor(group string) int {
	if limit, ok := l.wipOverrides[group]; ok && limit > 0 {
		return limit
	}
	return l.wipLimit
}

func (l *Loop) dispatchReady(ctx context.Context) {
	ready, err := l.store.ListTasks(ctx, persistence.TaskFilter{State: policy.StateReady})
	if err != nil {
		l.logger.Error("dispatch: list ready tasks", "error", err)
		return
	}

	// Per-tick view of in-progress counts. The conditional write is the
	// real guard; this only keeps one tick from blowing past a ceiling.
	doing := map[string]int{}
	for _, task := range ready {
		group := task.AssignedGroup
		if group == "" {
			continue
		}
		if _, seen := doing[group]; !seen {
			count, err := l.store.CountTasksInState(ctx, group, policy.StateDoing)
			if err != nil {
				l.logger.Error("dispatch: count in-progress tasks", "group", group, "error", err)
				continue
			}
			doing[group] = count
		}
		if doing[group] >= l.ceilingFor(group) {
			continue
		}
		if l.dispatchOne(ctx, task) {
			doing[group]++
		}
	}
}

// dispatchOne moves one READY task to DOING and spawns its worker. Returns
// true only when this tick actually issued the dispatch.
func (l *Loop) dispatchOne(ctx context.Context, task persistence.Task) bool {
	transition := string(policy.StateReady) + ">" + string(policy.StateDoing)
	key := shared.DispatchKey(task.ID, transition, task.Version)

	inserted, err := l.store.InsertDispatchKey(ctx, key, task.ID, transition, task.Version)
	if err != nil {
		l.logger.Error("dispatch: insert dispatch key", "task_id", task.ID, "error", err)
		return false
	}
	if !inserted {
		// Already dispatched at this version, most likely by a prior run
		// that crashed before the transition landed. Skip silently.
		l.recordSkip(ctx, task, transition, key)
		return false
	}

	updated, err := l.kernel.Transition(ctx, "dispatcher", kernel.TransitionRequest{
		TaskID:  task.ID,
		Version: task.Version,
		To:      policy.StateDoing,
	})
	if err != nil {
		if denial, ok := shared.AsDenial(err); ok && denial.Code == shared.CodeVersionConflict {
			// Someone moved the task between scan and write; the stale key
			// stays in the log and the next scan sees the new version.
			if l.metrics != nil {
				l.metrics.VersionConflicts.Add(ctx, 1)
			}
			return false
		}
		l.logger.Error("dispatch: transition to DOING", "task_id", task.ID, "error", err)
		return false
	}

	if err := audit.Record(ctx, audit.DecisionAllow, persistence.Activity{
		TaskID:        task.ID,
		ActorGroup:    "dispatcher",
		Action:        persistence.ActionDispatch,
		FromState:     string(policy.StateReady),
		ToState:       string(policy.StateDoing),
		Reason:        "key=" + key,
		PolicyVersion: l.kernel.Gates().Version(),
	}); err != nil {
		l.logger.Error("dispatch: record activity", "task_id", task.ID, "error", err)
	}

	if l.metrics != nil {
		l.metrics.DispatchesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("group", task.AssignedGroup)))
	}
	if l.bus != nil {
		l.bus.Publish(bus.TopicDispatchIssued, bus.DispatchEvent{
			TaskID:      task.ID,
			Transition:  transition,
			TaskVersion: task.Version,
			DispatchKey: key,
		})
	}
	l.logger.Info("dispatched task", "task_id", task.ID, "group", task.AssignedGroup, "version", updated.Version)

	// Spawn outside any store interaction; the worker owns the task now.
	l.spawner.SpawnWorker(ctx, *updated)
	return true
}

// dispatchReviews hands gated REVIEW tasks to reviewers. No state changes
// here; the reviewer's decision comes back through the approval surface.
func (l *Loop) dispatchReviews(ctx context.Context) {
	reviews, err := l.store.ListTasks(ctx, persistence.TaskFilter{State: policy.StateReview})
	if err != nil {
		l.logger.Error("dispatch: list review tasks", "error", err)
		return
	}
	for _, task := range reviews {
		if task.Gate == "" {
			continue
		}
		transition := "review@" + task.Gate
		key := shared.DispatchKey(task.ID, transition, task.Version)
		inserted, err := l.store.InsertDispatchKey(ctx, key, task.ID, transition, task.Version)
		if err != nil {
			l.logger.Error("dispatch: insert review key", "task_id", task.ID, "error", err)
			continue
		}
		if !inserted {
			l.recordSkip(ctx, task, transition, key)
			continue
		}
		if l.metrics != nil {
			l.metrics.DispatchesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("group", "reviewer")))
		}
		l.logger.Info("dispatched review", "task_id", task.ID, "gate", task.Gate, "version", task.Version)
		l.spawner.SpawnReviewer(ctx, task)
	}
}

func (l *Loop) recordSkip(ctx context.Context, task persistence.Task, transition, key string) {
	if l.metrics != nil {
		l.metrics.DispatchesSkipped.Add(ctx, 1)
	}
	if l.bus != nil {
		l.bus.Publish(bus.TopicDispatchSkipped, bus.DispatchEvent{
			TaskID:      task.ID,
			Transition:  transition,
			TaskVersion: task.Version,
			DispatchKey: key,
		})
	}
	l.logger.Debug("dispatch skipped, key exists", "task_id", task.ID, "transition", transition)
}
