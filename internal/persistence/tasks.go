package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/policy"
	"github.com/google/uuid"
)

// Task scope values.
const (
	ScopeCompany = "COMPANY"
	ScopeProduct = "PRODUCT"
)

// Task is a governed unit of work. Mutated only via version-checked writes.
type Task struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Type          string       `json:"type"`
	Scope         string       `json:"scope"`
	ProductID     string       `json:"product_id,omitempty"`
	State         policy.State `json:"state"`
	PrevState     policy.State `json:"prev_state,omitempty"`
	AssignedGroup string       `json:"assigned_group,omitempty"`
	Gate          string       `json:"gate,omitempty"`
	Evidence      string       `json:"evidence,omitempty"`
	Version       int64        `json:"version"`
	PolicyVersion string       `json:"policy_version,omitempty"`
	Metadata      string       `json:"metadata"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TaskPatch is the set of fields a conditional write may change. Nil fields
// are left untouched. State changes carry the full transition context so the
// prev_state bookkeeping stays inside the same conditional write.
type TaskPatch struct {
	State         *policy.State
	PrevState     *policy.State
	AssignedGroup *string
	Gate          *string
	Evidence      *string
}

// TaskFilter selects tasks for List.
type TaskFilter struct {
	State         policy.State
	AssignedGroup string
	ProductID     string
	Limit         int
}

// NewTask inserts a task in its initial state. Scope coercion decisions are
// made by the kernel before this call; the store enforces only the structural
// invariant that COMPANY tasks never carry a product_id.
func (s *Store) NewTask(ctx context.Context, title, taskType, scope, productID, policyVersion, metadata string) (*Task, error) {
	if scope == ScopeCompany && productID != "" {
		return nil, fmt.Errorf("company-scoped task must not carry product_id")
	}
	if metadata == "" {
		metadata = "{}"
	}
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, type, scope, product_id, state, version, policy_version, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, 1, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, title, taskType, scope, productID, string(policy.StateInbox), policyVersion, metadata)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{
		TaskID:  taskID,
		ToState: string(policy.StateInbox),
		Version: 1,
	})
	return task, nil
}

const taskColumns = `id, title, type, scope, COALESCE(product_id, ''), state, COALESCE(prev_state, ''),
	COALESCE(assigned_group, ''), COALESCE(gate, ''), COALESCE(evidence, ''), version,
	COALESCE(policy_version, ''), metadata, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var task Task
	var state, prevState string
	if err := scanFn(
		&task.ID,
		&task.Title,
		&task.Type,
		&task.Scope,
		&task.ProductID,
		&state,
		&prevState,
		&task.AssignedGroup,
		&task.Gate,
		&task.Evidence,
		&task.Version,
		&task.PolicyVersion,
		&task.Metadata,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.State = policy.State(state)
	task.PrevState = policy.State(prevState)
	return &task, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	task, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// UpdateTask performs the optimistic-locking conditional write: it succeeds
// and increments version by exactly 1 only if the stored version equals
// expectedVersion, otherwise it fails with ErrVersionConflict and the caller
// must re-read and retry. No row-level locks are taken.
func (s *Store) UpdateTask(ctx context.Context, taskID string, expectedVersion int64, patch TaskPatch) (*Task, error) {
	setClauses := []string{"version = version + 1", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{}

	if patch.State != nil {
		setClauses = append(setClauses, "state = ?")
		args = append(args, string(*patch.State))
	}
	if patch.PrevState != nil {
		setClauses = append(setClauses, "prev_state = NULLIF(?, '')")
		args = append(args, string(*patch.PrevState))
	}
	if patch.AssignedGroup != nil {
		setClauses = append(setClauses, "assigned_group = NULLIF(?, '')")
		args = append(args, *patch.AssignedGroup)
	}
	if patch.Gate != nil {
		setClauses = append(setClauses, "gate = NULLIF(?, '')")
		args = append(args, *patch.Gate)
	}
	if patch.Evidence != nil {
		setClauses = append(setClauses, "evidence = NULLIF(?, '')")
		args = append(args, *patch.Evidence)
	}
	args = append(args, taskID, expectedVersion)

	var updated *Task
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET `+strings.Join(setClauses, ", ")+`
			WHERE id = ? AND version = ?;
		`, args...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task rows affected: %w", err)
		}
		if affected != 1 {
			// Distinguish a stale version from a missing task.
			var exists int
			if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?;`, taskID).Scan(&exists); err != nil {
				return fmt.Errorf("check task existence: %w", err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrVersionConflict
		}
		updated, err = s.GetTask(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.AssignedGroup != "" {
		where = append(where, "assigned_group = ?")
		args = append(args, filter.AssignedGroup)
	}
	if filter.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, filter.ProductID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// CountTasksInState returns the number of tasks for a group in a state. The
// dispatch loop uses this as the work-in-progress ceiling check.
func (s *Store) CountTasksInState(ctx context.Context, group string, state policy.State) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE assigned_group = ? AND state = ?;
	`, group, string(state)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks in state: %w", err)
	}
	return count, nil
}
