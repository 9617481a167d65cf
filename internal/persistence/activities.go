package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Activity actions. The CHECK constraint on the table mirrors this set.
const (
	ActionCreate     = "create"
	ActionTransition = "transition"
	ActionApprove    = "approve"
	ActionOverride   = "override"
	ActionDispatch   = "dispatch"
	ActionExtCall    = "ext_call"
)

// Activity is one append-only audit row. TaskID is empty for broker-only
// events that have no task.
type Activity struct {
	ActivityID    int64     `json:"activity_id"`
	TaskID        string    `json:"task_id,omitempty"`
	ActorGroup    string    `json:"actor_group"`
	Action        string    `json:"action"`
	FromState     string    `json:"from_state,omitempty"`
	ToState       string    `json:"to_state,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AppendActivity inserts an audit row. There is no update or delete path for
// activities anywhere in the store.
func (s *Store) AppendActivity(ctx context.Context, a Activity) error {
	if !activityActionValid(a.Action) {
		return fmt.Errorf("invalid activity action %q", a.Action)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO activities (task_id, actor_group, action, from_state, to_state, reason, policy_version, trace_id, created_at)
			VALUES (NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, a.TaskID, a.ActorGroup, a.Action, a.FromState, a.ToState, a.Reason, a.PolicyVersion, a.TraceID)
		if err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
		return nil
	})
}

// ListActivities returns audit rows for a task in append order. An empty
// taskID returns broker-only rows (those with no task).
func (s *Store) ListActivities(ctx context.Context, taskID string, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	var where string
	args := []any{}
	if taskID == "" {
		where = "task_id IS NULL"
	} else {
		where = "task_id = ?"
		args = append(args, taskID)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_id, COALESCE(task_id, ''), actor_group, action,
			COALESCE(from_state, ''), COALESCE(to_state, ''), COALESCE(reason, ''),
			COALESCE(policy_version, ''), COALESCE(trace_id, ''), created_at
		FROM activities
		WHERE `+where+`
		ORDER BY activity_id ASC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(
			&a.ActivityID,
			&a.TaskID,
			&a.ActorGroup,
			&a.Action,
			&a.FromState,
			&a.ToState,
			&a.Reason,
			&a.PolicyVersion,
			&a.TraceID,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity rows: %w", err)
	}
	return out, nil
}

// HasApprovalActivity reports whether an approve activity exists for the
// task and gate. The APPROVAL->DONE guard reads this. Only approvals newer
// than the task's latest entry into REVIEW count, so an approval from a
// review cycle that was later reworked cannot close the task.
func (s *Store) HasApprovalActivity(ctx context.Context, taskID, gate string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM activities
		WHERE task_id = ? AND action = ? AND reason LIKE ?
			AND activity_id > COALESCE((
				SELECT MAX(activity_id) FROM activities
				WHERE task_id = ? AND to_state = 'REVIEW'
			), 0);
	`, taskID, ActionApprove, "gate="+gate+"%", taskID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count approvals: %w", err)
	}
	return count > 0, nil
}

// CountActivities returns totals grouped by action, for status reporting.
func (s *Store) CountActivities(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action, COUNT(1) FROM activities GROUP BY action;`)
	if err != nil {
		return nil, fmt.Errorf("count activities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("scan activity count: %w", err)
		}
		out[action] = count
	}
	return out, rows.Err()
}

// activityActionValid guards against unknown action strings reaching the
// CHECK constraint as an opaque SQLite error.
func activityActionValid(action string) bool {
	switch strings.TrimSpace(action) {
	case ActionCreate, ActionTransition, ActionApprove, ActionOverride, ActionDispatch, ActionExtCall:
		return true
	}
	return false
}
