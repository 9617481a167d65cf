package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/warden/internal/persistence"
)

// Work queues external agent processes consume. Workers report back through
// the ipc request queue with report_completion and approve operations.
const (
	workQueue   = "warden.work"
	reviewQueue = "warden.reviews"
)

// queueSpawner hands dispatched tasks to external workers via the
// store-backed queue. The envelope id is derived from (task, version) so a
// dispatch retried across a crash enqueues the assignment exactly once.
type queueSpawner struct {
	store  *persistence.Store
	logger *slog.Logger
}

func newQueueSpawner(store *persistence.Store, logger *slog.Logger) *queueSpawner {
	return &queueSpawner{store: store, logger: logger}
}

type workAssignment struct {
	TaskID        string `json:"task_id"`
	Title         string `json:"title"`
	Type          string `json:"type"`
	AssignedGroup string `json:"assigned_group"`
	Gate          string `json:"gate,omitempty"`
	Version       int64  `json:"version"`
}

func (s *queueSpawner) enqueue(ctx context.Context, queue string, task persistence.Task) {
	body, err := json.Marshal(workAssignment{
		TaskID:        task.ID,
		Title:         task.Title,
		Type:          task.Type,
		AssignedGroup: task.AssignedGroup,
		Gate:          task.Gate,
		Version:       task.Version,
	})
	if err != nil {
		s.logger.Error("spawner: marshal assignment", "task_id", task.ID, "error", err)
		return
	}
	envelopeID := fmt.Sprintf("%s:%s:v%d", queue, task.ID, task.Version)
	if err := s.store.Enqueue(ctx, queue, envelopeID, string(body)); err != nil {
		s.logger.Error("spawner: enqueue assignment", "task_id", task.ID, "queue", queue, "error", err)
	}
}

func (s *queueSpawner) SpawnWorker(ctx context.Context, task persistence.Task) {
	s.enqueue(ctx, workQueue, task)
}

func (s *queueSpawner) SpawnReviewer(ctx context.Context, task persistence.Task) {
	s.enqueue(ctx, reviewQueue, task)
}
