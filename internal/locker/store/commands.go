package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// backoffBase is the base delay for the exponential retry schedule:
// next_attempt_at = now + 2^retry_count * backoffBase.
const backoffBase = 30 * time.Second

// Enqueue inserts a pending command for kioskID and returns its UUID v4.
func (s *Store) Enqueue(ctx context.Context, kioskID string, commandType model.CommandType, payload []byte, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}
	id := uuid.NewString()
	now := time.Now()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	traceParent := carrier.Get("traceparent")

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_queue (command_id, kiosk_id, command_type, payload, status, retry_count, max_retries, next_attempt_at, created_at, trace_parent)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)
	`, id, kioskID, string(commandType), payload, maxRetries, now, now, traceParent)
	if err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueBulk enqueues one command per payload; no cross-command atomicity
// is required by the spec.
func (s *Store) EnqueueBulk(ctx context.Context, kioskID string, commandType model.CommandType, payloads [][]byte, maxRetries int) ([]string, error) {
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := s.Enqueue(ctx, kioskID, commandType, p, maxRetries)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PullPending returns pending, due commands for kioskID ordered by
// created_at ascending. It does not change their status.
func (s *Store) PullPending(ctx context.Context, kioskID string, limit int, now time.Time) ([]model.Command, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, kiosk_id, command_type, payload, status, retry_count, max_retries, next_attempt_at, last_error, created_at, executed_at, completed_at, trace_parent
		FROM command_queue
		WHERE kiosk_id = ? AND status = 'pending' AND next_attempt_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`, kioskID, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

// MarkExecuting flips a command to executing.
func (s *Store) MarkExecuting(ctx context.Context, commandID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'executing', executed_at = ? WHERE command_id = ?
	`, time.Now(), commandID)
	return err
}

// MarkCompleted flips a command to completed. Returns false if the row
// doesn't exist.
func (s *Store) MarkCompleted(ctx context.Context, commandID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'completed', completed_at = ? WHERE command_id = ?
	`, time.Now(), commandID)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// MarkFailed reschedules with exponential backoff (retry_count+1 < max_retries)
// or marks the command permanently failed.
func (s *Store) MarkFailed(ctx context.Context, commandID string, errMsg string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT retry_count, max_retries FROM command_queue WHERE command_id = ?`, commandID)
	var retryCount, maxRetries int
	if err := row.Scan(&retryCount, &maxRetries); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	nextRetry := retryCount + 1
	if nextRetry >= maxRetries {
		res, err := s.db.ExecContext(ctx, `
			UPDATE command_queue SET status = 'failed', retry_count = ?, last_error = ?, completed_at = ? WHERE command_id = ?
		`, nextRetry, errMsg, time.Now(), commandID)
		if err != nil {
			return false, err
		}
		return rowsAffected(res)
	}

	delay := time.Duration(1<<uint(nextRetry)) * backoffBase
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'pending', retry_count = ?, last_error = ?, next_attempt_at = ? WHERE command_id = ?
	`, nextRetry, errMsg, time.Now().Add(delay), commandID)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// CancelPending sets every pending row for kioskID to cancelled, used after
// a kiosk restart to drop stale commands.
func (s *Store) CancelPending(ctx context.Context, kioskID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'cancelled', completed_at = ? WHERE kiosk_id = ? AND status = 'pending'
	`, time.Now(), kioskID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// QueueStats is the null-coalesced count of commands per status.
type QueueStats struct {
	Pending, Executing, Completed, Failed, Cancelled int
}

// Stats returns per-status counts for kioskID.
func (s *Store) Stats(ctx context.Context, kioskID string) (QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM command_queue WHERE kiosk_id = ? GROUP BY status
	`, kioskID)
	if err != nil {
		return QueueStats{}, err
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		switch model.CommandStatus(status) {
		case model.CommandPending:
			stats.Pending = count
		case model.CommandExecuting:
			stats.Executing = count
		case model.CommandCompleted:
			stats.Completed = count
		case model.CommandFailed:
			stats.Failed = count
		case model.CommandCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

// PendingCount returns the total pending command count across all kiosks,
// used by the queue-backlog health checker.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_queue WHERE status = 'pending'`).Scan(&count)
	return count, err
}

// CleanupOld deletes terminal commands older than retentionDays.
func (s *Store) CleanupOld(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM command_queue
		WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanCommands(rows *sql.Rows) ([]model.Command, error) {
	var out []model.Command
	for rows.Next() {
		var c model.Command
		var executedAt, completedAt sql.NullTime
		if err := rows.Scan(&c.CommandID, &c.KioskID, &c.CommandType, &c.Payload, &c.Status,
			&c.RetryCount, &c.MaxRetries, &c.NextAttemptAt, &c.LastError, &c.CreatedAt, &executedAt, &completedAt, &c.TraceParent); err != nil {
			return nil, err
		}
		c.ExecutedAt = executedAt.Time
		c.CompletedAt = completedAt.Time
		out = append(out, c)
	}
	return out, rows.Err()
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
