package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedExternalCalls int64 `json:"purged_external_calls"`
	PurgedCallApprovals int64 `json:"purged_call_approvals"`
	PurgedIPCMessages   int64 `json:"purged_ipc_messages"`
}

// RunRetention deletes terminal external-call rows older than the cutoff,
// along with their approval ledger rows and acked IPC messages. Governance
// rows (tasks, activities, grants, dispatch log) are never purged: the
// retention job is the only delete path in the store besides grant
// revocation, and it is idempotent.
func (s *Store) RunRetention(ctx context.Context, extCallDays int) (RetentionResult, error) {
	var result RetentionResult
	if extCallDays <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -extCallDays)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM call_approvals
		WHERE request_id IN (
			SELECT request_id FROM external_calls
			WHERE status IN (?, ?, ?) AND completed_at < ?
		);
	`, CallStatusSuccess, CallStatusDenied, CallStatusError, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge call_approvals: %w", err)
	}
	result.PurgedCallApprovals, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM external_calls
		WHERE status IN (?, ?, ?) AND completed_at < ?;
	`, CallStatusSuccess, CallStatusDenied, CallStatusError, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge external_calls: %w", err)
	}
	result.PurgedExternalCalls, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM ipc_messages WHERE acked_at IS NOT NULL AND acked_at < ?;
	`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge ipc_messages: %w", err)
	}
	result.PurgedIPCMessages, _ = res.RowsAffected()

	return result, nil
}
