package persistence

import (
	"context"
	"fmt"
)

// InsertDispatchKey attempts the unique dispatch-log insert. Insert success
// means this exact (task, transition, version) tuple has never been
// dispatched; insert failure on the unique key means it was already
// dispatched, by this run, a prior crashed run, or a concurrent instance.
func (s *Store) InsertDispatchKey(ctx context.Context, dispatchKey, taskID, transition string, taskVersion int64) (bool, error) {
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO dispatch_log (dispatch_key, task_id, transition, task_version, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, dispatchKey, taskID, transition, taskVersion)
		return execErr
	})
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("insert dispatch key: %w", err)
}

// CountDispatches returns the number of dispatch-log rows for a task.
func (s *Store) CountDispatches(ctx context.Context, taskID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM dispatch_log WHERE task_id = ?;
	`, taskID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dispatches: %w", err)
	}
	return count, nil
}
