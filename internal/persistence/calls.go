package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// External call statuses. pending/processing are in-flight; the rest are
// terminal and transition exactly once.
const (
	CallStatusPending    = "pending"
	CallStatusProcessing = "processing"
	CallStatusSuccess    = "success"
	CallStatusDenied     = "denied"
	CallStatusError      = "error"
)

// CallRecord is the durable record of one broker invocation. Only the
// one-way params hash is stored, never the raw parameters.
type CallRecord struct {
	RequestID     string    `json:"request_id"`
	Group         string    `json:"group"`
	Provider      string    `json:"provider"`
	Action        string    `json:"action"`
	ParamsHash    string    `json:"params_hash"`
	Status        string    `json:"status"`
	TaskID        string    `json:"task_id,omitempty"`
	Result        string    `json:"result,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
}

// Terminal reports whether the record has reached a terminal status.
func (c CallRecord) Terminal() bool {
	switch c.Status {
	case CallStatusSuccess, CallStatusDenied, CallStatusError:
		return true
	}
	return false
}

// BeginCall acquires the exclusive in-flight lock for request_id via an
// insert-if-absent with status=processing. Returns (nil, true, nil) when the
// lock was acquired, or the existing record when the request_id was seen
// before (the caller returns its cached terminal result, or DuplicateInFlight
// if it is still processing).
func (s *Store) BeginCall(ctx context.Context, rec CallRecord) (existing *CallRecord, acquired bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO external_calls (request_id, grantee_group, provider, action, params_hash, status, task_id, policy_version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
		`, rec.RequestID, rec.Group, rec.Provider, rec.Action, rec.ParamsHash, CallStatusProcessing, rec.TaskID, rec.PolicyVersion)
		return execErr
	})
	if err == nil {
		return nil, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("begin call: %w", err)
	}
	prior, getErr := s.GetCall(ctx, rec.RequestID)
	if getErr != nil {
		return nil, false, getErr
	}
	return prior, false, nil
}

// RecordPendingCall inserts a pending record for a call awaiting collective
// approval. Insert-if-absent: an existing record for request_id is returned
// untouched with acquired=false.
func (s *Store) RecordPendingCall(ctx context.Context, rec CallRecord) (existing *CallRecord, acquired bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO external_calls (request_id, grantee_group, provider, action, params_hash, status, task_id, policy_version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
		`, rec.RequestID, rec.Group, rec.Provider, rec.Action, rec.ParamsHash, CallStatusPending, rec.TaskID, rec.PolicyVersion)
		return execErr
	})
	if err == nil {
		return nil, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("record pending call: %w", err)
	}
	prior, getErr := s.GetCall(ctx, rec.RequestID)
	if getErr != nil {
		return nil, false, getErr
	}
	return prior, false, nil
}

// ClaimPendingCall promotes a pending call to processing. The conditional
// update means exactly one caller wins the claim even under races.
func (s *Store) ClaimPendingCall(ctx context.Context, requestID string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE external_calls SET status = ? WHERE request_id = ? AND status = ?;
		`, CallStatusProcessing, requestID, CallStatusPending)
		if err != nil {
			return fmt.Errorf("claim pending call: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		claimed = affected == 1
		return nil
	})
	return claimed, err
}

// CompleteCall moves an in-flight call to its terminal status. A call
// transitions to a terminal status exactly once; later attempts are no-ops.
func (s *Store) CompleteCall(ctx context.Context, requestID, status, result, reason string) error {
	switch status {
	case CallStatusSuccess, CallStatusDenied, CallStatusError:
	default:
		return fmt.Errorf("status %q is not terminal", status)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE external_calls
			SET status = ?, result = NULLIF(?, ''), reason = NULLIF(?, ''), completed_at = CURRENT_TIMESTAMP
			WHERE request_id = ? AND status IN (?, ?);
		`, status, result, reason, requestID, CallStatusPending, CallStatusProcessing)
		if err != nil {
			return fmt.Errorf("complete call: %w", err)
		}
		return nil
	})
}

// RecordDeniedCall writes a terminal denied record for a request that never
// acquired the in-flight lock (signature failures, missing grants, and so
// on). Idempotent on request_id: an existing record is left untouched.
func (s *Store) RecordDeniedCall(ctx context.Context, rec CallRecord, reason string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO external_calls (request_id, grantee_group, provider, action, params_hash, status, task_id, reason, policy_version, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, rec.RequestID, rec.Group, rec.Provider, rec.Action, rec.ParamsHash, CallStatusDenied, rec.TaskID, reason, rec.PolicyVersion)
		return execErr
	})
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("record denied call: %w", err)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, requestID string) (*CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, grantee_group, provider, action, params_hash, status,
			COALESCE(task_id, ''), COALESCE(result, ''), COALESCE(reason, ''),
			COALESCE(policy_version, ''), created_at, completed_at
		FROM external_calls
		WHERE request_id = ?;
	`, requestID)

	var rec CallRecord
	var completed sql.NullTime
	if err := row.Scan(
		&rec.RequestID,
		&rec.Group,
		&rec.Provider,
		&rec.Action,
		&rec.ParamsHash,
		&rec.Status,
		&rec.TaskID,
		&rec.Result,
		&rec.Reason,
		&rec.PolicyVersion,
		&rec.CreatedAt,
		&completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select call: %w", err)
	}
	if completed.Valid {
		rec.CompletedAt = completed.Time
	}
	return &rec, nil
}

// CountInFlightCalls returns the number of processing-status calls for a
// group. The broker's backpressure ceiling reads this.
func (s *Store) CountInFlightCalls(ctx context.Context, group string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM external_calls WHERE grantee_group = ? AND status = ?;
	`, group, CallStatusProcessing).Scan(&count); err != nil {
		return 0, fmt.Errorf("count in-flight calls: %w", err)
	}
	return count, nil
}

// AddCallApproval records one approving group for a pending L3 call. The
// UNIQUE constraint makes repeated approvals by the same group no-ops, which
// is what keeps the distinctness requirement honest.
func (s *Store) AddCallApproval(ctx context.Context, requestID, approvingGroup string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO call_approvals (request_id, approving_group, created_at)
			VALUES (?, ?, CURRENT_TIMESTAMP);
		`, requestID, approvingGroup)
		return execErr
	})
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("add call approval: %w", err)
	}
	return nil
}

// CountDistinctCallApprovals returns how many distinct groups have approved
// the request.
func (s *Store) CountDistinctCallApprovals(ctx context.Context, requestID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT approving_group) FROM call_approvals WHERE request_id = ?;
	`, requestID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count call approvals: %w", err)
	}
	return count, nil
}
