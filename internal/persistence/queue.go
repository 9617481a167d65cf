package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// QueueMessage is one envelope in the store-backed IPC queue.
type QueueMessage struct {
	ID         int64     `json:"id"`
	Queue      string    `json:"queue"`
	EnvelopeID string    `json:"envelope_id"`
	Payload    string    `json:"payload"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
}

// Enqueue appends a message. The envelope_id unique constraint makes
// producer retries idempotent: a duplicate enqueue is a silent no-op.
func (s *Store) Enqueue(ctx context.Context, queue, envelopeID, payload string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO ipc_messages (queue, envelope_id, payload, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, queue, envelopeID, payload)
		return execErr
	})
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue claims the oldest unclaimed message from the queue, FIFO. A claim
// older than redeliverAfter is considered abandoned and re-claimable, which
// gives at-least-once delivery across consumer crashes. Returns ErrNotFound
// when the queue is empty.
func (s *Store) Dequeue(ctx context.Context, queue string, redeliverAfter time.Duration) (*QueueMessage, error) {
	var msg QueueMessage
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dequeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		staleBefore := time.Now().UTC().Add(-redeliverAfter)
		row := tx.QueryRowContext(ctx, `
			SELECT id, queue, envelope_id, payload, attempts, created_at
			FROM ipc_messages
			WHERE queue = ? AND acked_at IS NULL AND (claimed_at IS NULL OR claimed_at < ?)
			ORDER BY id ASC
			LIMIT 1;
		`, queue, staleBefore)
		if err := row.Scan(&msg.ID, &msg.Queue, &msg.EnvelopeID, &msg.Payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select queue message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ipc_messages SET claimed_at = CURRENT_TIMESTAMP, attempts = attempts + 1 WHERE id = ?;
		`, msg.ID); err != nil {
			return fmt.Errorf("claim queue message: %w", err)
		}
		msg.Attempts++
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Ack marks a claimed message as done. Acked messages are purged by the
// retention job.
func (s *Store) Ack(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE ipc_messages SET acked_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("ack queue message: %w", err)
		}
		return nil
	})
}

// Consumed reports whether an envelope's effects have already run.
func (s *Store) Consumed(ctx context.Context, envelopeID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM ipc_consumed WHERE envelope_id = ?;
	`, envelopeID).Scan(&count); err != nil {
		return false, fmt.Errorf("consumed lookup: %w", err)
	}
	return count > 0, nil
}

// MarkConsumed records that a consumer has fully handled an envelope. Returns
// false when the envelope was already consumed, letting redelivered messages
// be acked without re-executing their effects.
func (s *Store) MarkConsumed(ctx context.Context, envelopeID string) (bool, error) {
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO ipc_consumed (envelope_id, consumed_at) VALUES (?, CURRENT_TIMESTAMP);
		`, envelopeID)
		return execErr
	})
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("mark consumed: %w", err)
}

// QueueDepth returns the number of unacked messages in a queue.
func (s *Store) QueueDepth(ctx context.Context, queue string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM ipc_messages WHERE queue = ? AND acked_at IS NULL;
	`, queue).Scan(&count); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return count, nil
}
