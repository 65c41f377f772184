package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const recoveryColumns = `
	id, strategy, position_id, market, target_quantity, entry_price, last_known_price,
	COALESCE(reason, ''), attempt_count, next_attempt_at, status, COALESCE(last_error, ''),
	created_at, updated_at`

// UpsertRecoveryTask enqueues a close-recovery task. A still-active task for
// the same (strategy, position) is updated in place rather than duplicated.
func (r *Repository) UpsertRecoveryTask(ctx context.Context, t *RecoveryTask) error {
	if t.Status == "" {
		t.Status = RecoveryStatusPending
	}
	t.Reason = truncate(t.Reason, 200)
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO close_recovery_tasks (
			strategy, position_id, market, target_quantity, entry_price,
			last_known_price, reason, next_attempt_at, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (strategy, position_id) WHERE status != 'COMPLETED' DO UPDATE SET
			target_quantity = EXCLUDED.target_quantity,
			last_known_price = EXCLUDED.last_known_price,
			reason = EXCLUDED.reason,
			next_attempt_at = EXCLUDED.next_attempt_at,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id, attempt_count, created_at, updated_at`,
		t.Strategy, t.PositionID, t.Market, t.TargetQuantity, t.EntryPrice,
		t.LastKnownPrice, t.Reason, t.NextAttemptAt, t.Status,
	).Scan(&t.ID, &t.AttemptCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert recovery task: %w", err)
	}
	return nil
}

// GetDueRecoveryTasks claims non-terminal tasks whose next attempt is due,
// marking them PROCESSING in the same statement. A PROCESSING task left over
// from a crashed worker stays in the due set and is reclaimed on the next
// pass once its next_attempt_at passes.
func (r *Repository) GetDueRecoveryTasks(ctx context.Context, now time.Time, limit int) ([]RecoveryTask, error) {
	rows, err := r.db.Pool.Query(ctx,
		`UPDATE close_recovery_tasks SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM close_recovery_tasks
			WHERE status != $2 AND next_attempt_at <= $3
			ORDER BY next_attempt_at ASC
			LIMIT $4
		)
		RETURNING `+recoveryColumns,
		RecoveryStatusProcessing, RecoveryStatusCompleted, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due recovery tasks: %w", err)
	}
	defer rows.Close()

	var tasks []RecoveryTask
	for rows.Next() {
		t, err := scanRecoveryTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// GetRecoveryTask returns one task by ID.
func (r *Repository) GetRecoveryTask(ctx context.Context, id int64) (*RecoveryTask, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+recoveryColumns+` FROM close_recovery_tasks WHERE id = $1`, id)
	t, err := scanRecoveryTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// MarkRecoveryAttempt records a failed attempt and schedules the next one.
func (r *Repository) MarkRecoveryAttempt(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE close_recovery_tasks SET
			attempt_count = attempt_count + 1,
			last_error = $1,
			next_attempt_at = $2,
			status = $3,
			updated_at = NOW()
		WHERE id = $4`,
		TruncateReason(lastError), nextAttemptAt, RecoveryStatusRetrying, id)
	if err != nil {
		return fmt.Errorf("mark recovery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteRecoveryTask marks a task terminal with an outcome note.
func (r *Repository) CompleteRecoveryTask(ctx context.Context, id int64, outcome string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE close_recovery_tasks SET
			status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3`,
		RecoveryStatusCompleted, outcome, id)
	if err != nil {
		return fmt.Errorf("complete recovery task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecoveryTask(row rowScanner) (*RecoveryTask, error) {
	var t RecoveryTask
	if err := row.Scan(
		&t.ID, &t.Strategy, &t.PositionID, &t.Market, &t.TargetQuantity, &t.EntryPrice, &t.LastKnownPrice,
		&t.Reason, &t.AttemptCount, &t.NextAttemptAt, &t.Status, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan recovery task: %w", err)
	}
	return &t, nil
}
