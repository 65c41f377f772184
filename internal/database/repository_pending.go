package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const pendingColumns = `
	id, order_id, market, side, order_type, limit_price, order_quantity, order_amount,
	strategy, confidence, snapshot_mid_price, snapshot_spread, snapshot_volatility,
	snapshot_imbalance, status, filled_quantity, avg_fill_price, fill_duration_ms,
	slippage_percent, COALESCE(cancel_reason, ''), COALESCE(note, ''), check_count,
	expires_at, last_checked_at, created_at, updated_at`

// SavePendingOrder inserts a tracked pending order.
func (r *Repository) SavePendingOrder(ctx context.Context, p *PendingOrder) error {
	if p.Status == "" {
		p.Status = PendingStatusPending
	}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO pending_orders (
			order_id, market, side, order_type, limit_price, order_quantity, order_amount,
			strategy, confidence, snapshot_mid_price, snapshot_spread, snapshot_volatility,
			snapshot_imbalance, status, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id, last_checked_at, created_at, updated_at`,
		p.OrderID, p.Market, p.Side, p.OrderType, p.LimitPrice, p.OrderQuantity, p.OrderAmount,
		p.Strategy, p.Confidence, p.SnapshotMidPrice, p.SnapshotSpread, p.SnapshotVolatility,
		p.SnapshotImbalance, p.Status, p.ExpiresAt,
	).Scan(&p.ID, &p.LastCheckedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save pending order: %w", err)
	}
	return nil
}

// GetPendingOrder returns one tracked order by exchange order ID.
func (r *Repository) GetPendingOrder(ctx context.Context, orderID string) (*PendingOrder, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_orders WHERE order_id = $1`, orderID)
	p, err := scanPendingOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetActivePendingOrders returns orders still awaiting a terminal state.
func (r *Repository) GetActivePendingOrders(ctx context.Context) ([]PendingOrder, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+pendingColumns+`
		FROM pending_orders
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC`,
		PendingStatusPending, PendingStatusPartiallyFilled)
	if err != nil {
		return nil, fmt.Errorf("query active pending orders: %w", err)
	}
	defer rows.Close()

	var orders []PendingOrder
	for rows.Next() {
		p, err := scanPendingOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *p)
	}
	return orders, rows.Err()
}

// UpdatePendingProgress records an intermediate fill observation.
func (r *Repository) UpdatePendingProgress(ctx context.Context, orderID, status string, filledQty, avgFillPrice float64, checkCount int) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE pending_orders SET
			status = $1, filled_quantity = $2, avg_fill_price = $3,
			check_count = $4, last_checked_at = NOW(), updated_at = NOW()
		WHERE order_id = $5`,
		status, filledQty, avgFillPrice, checkCount, orderID)
	if err != nil {
		return fmt.Errorf("update pending progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizePendingOrder moves a tracked order to a terminal state.
func (r *Repository) FinalizePendingOrder(ctx context.Context, orderID, status string, filledQty, avgFillPrice float64, fillDurationMs *int64, slippagePercent *float64, cancelReason string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE pending_orders SET
			status = $1, filled_quantity = $2, avg_fill_price = $3,
			fill_duration_ms = $4, slippage_percent = $5, cancel_reason = NULLIF($6, ''),
			last_checked_at = NOW(), updated_at = NOW()
		WHERE order_id = $7`,
		status, filledQty, avgFillPrice, fillDurationMs, slippagePercent, truncate(cancelReason, 100), orderID)
	if err != nil {
		return fmt.Errorf("finalize pending order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RearmPendingOrder extends the deadline of a recovered order after restart.
func (r *Repository) RearmPendingOrder(ctx context.Context, orderID string, expiresAt time.Time, note string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE pending_orders SET
			expires_at = $1, note = $2, updated_at = NOW()
		WHERE order_id = $3`,
		expiresAt, truncate(note, 200), orderID)
	if err != nil {
		return fmt.Errorf("rearm pending order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPendingOrder(row rowScanner) (*PendingOrder, error) {
	var p PendingOrder
	if err := row.Scan(
		&p.ID, &p.OrderID, &p.Market, &p.Side, &p.OrderType, &p.LimitPrice, &p.OrderQuantity, &p.OrderAmount,
		&p.Strategy, &p.Confidence, &p.SnapshotMidPrice, &p.SnapshotSpread, &p.SnapshotVolatility,
		&p.SnapshotImbalance, &p.Status, &p.FilledQuantity, &p.AvgFillPrice, &p.FillDurationMs,
		&p.SlippagePercent, &p.CancelReason, &p.Note, &p.CheckCount,
		&p.ExpiresAt, &p.LastCheckedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan pending order: %w", err)
	}
	return &p, nil
}
