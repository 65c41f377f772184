package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Repository provides persistence operations on the trade store.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the connection pool.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// ---- trades ----

// SaveTrade inserts an executed trade and fills in its generated ID.
func (r *Repository) SaveTrade(ctx context.Context, t *Trade) error {
	t.Reason = TruncateReason(t.Reason)
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO trades (
			order_id, market, side, order_type, price, quantity, amount, fee,
			slippage_percent, is_partial_fill, pnl, pnl_percent,
			strategy, regime, confidence, reason, simulated
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id, created_at`,
		t.OrderID, t.Market, t.Side, t.OrderType, t.Price, t.Quantity, t.Amount, t.Fee,
		t.SlippagePercent, t.IsPartialFill, t.PnL, t.PnLPercent,
		t.Strategy, t.Regime, t.Confidence, t.Reason, t.Simulated,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// GetTradesByMarket returns recent trades for a market, newest first.
// Simulated and live trades are kept separate.
func (r *Repository) GetTradesByMarket(ctx context.Context, market string, simulated bool, limit int) ([]Trade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, order_id, market, side, order_type, price, quantity, amount, fee,
		       slippage_percent, is_partial_fill, pnl, pnl_percent,
		       strategy, regime, confidence, reason, simulated, created_at
		FROM trades
		WHERE market = $1 AND simulated = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		market, simulated, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// GetRecentTrades returns the latest trades across all markets, newest first.
func (r *Repository) GetRecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, order_id, market, side, order_type, price, quantity, amount, fee,
		       slippage_percent, is_partial_fill, pnl, pnl_percent,
		       strategy, regime, confidence, reason, simulated, created_at
		FROM trades
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]Trade, error) {
	var trades []Trade
	for rows.Next() {
		var t Trade
		var regime, reason *string
		if err := rows.Scan(
			&t.ID, &t.OrderID, &t.Market, &t.Side, &t.OrderType, &t.Price, &t.Quantity, &t.Amount, &t.Fee,
			&t.SlippagePercent, &t.IsPartialFill, &t.PnL, &t.PnLPercent,
			&t.Strategy, &regime, &t.Confidence, &reason, &t.Simulated, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if regime != nil {
			t.Regime = *regime
		}
		if reason != nil {
			t.Reason = *reason
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ---- positions ----

// SavePosition inserts a new open position and fills in its generated ID.
func (r *Repository) SavePosition(ctx context.Context, p *Position) error {
	if p.Status == "" {
		p.Status = PositionStatusOpen
	}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO positions (market, strategy, entry_price, quantity, entry_time, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at, updated_at`,
		p.Market, p.Strategy, p.EntryPrice, p.Quantity, p.EntryTime, p.Status,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// GetPosition returns one position by ID.
func (r *Repository) GetPosition(ctx context.Context, id int64) (*Position, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, market, strategy, entry_price, quantity, entry_time, status,
		       exit_price, exit_time, exit_reason, pnl_amount, pnl_percent,
		       created_at, updated_at
		FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetOpenPositions returns all positions not yet closed.
func (r *Repository) GetOpenPositions(ctx context.Context) ([]Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, market, strategy, entry_price, quantity, entry_time, status,
		       exit_price, exit_time, exit_reason, pnl_amount, pnl_percent,
		       created_at, updated_at
		FROM positions
		WHERE status != $1
		ORDER BY entry_time ASC`, PositionStatusClosed)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// GetOpenPositionByMarket returns the open position on a market, if any.
func (r *Repository) GetOpenPositionByMarket(ctx context.Context, market string) (*Position, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, market, strategy, entry_price, quantity, entry_time, status,
		       exit_price, exit_time, exit_reason, pnl_amount, pnl_percent,
		       created_at, updated_at
		FROM positions
		WHERE market = $1 AND status != $2
		ORDER BY entry_time DESC
		LIMIT 1`, market, PositionStatusClosed)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// UpdatePositionStatus moves a position to a new lifecycle state.
func (r *Repository) UpdatePositionStatus(ctx context.Context, id int64, status string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	if err != nil {
		return fmt.Errorf("update position status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClosePosition marks a position closed with its exit details.
func (r *Repository) ClosePosition(ctx context.Context, id int64, exitPrice float64, exitTime time.Time, exitReason string, pnlAmount, pnlPercent float64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET
			status = $1, exit_price = $2, exit_time = $3, exit_reason = $4,
			pnl_amount = $5, pnl_percent = $6, updated_at = NOW()
		WHERE id = $7`,
		PositionStatusClosed, exitPrice, exitTime, truncate(exitReason, 100), pnlAmount, pnlPercent, id)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePositionQuantity corrects the held quantity after reconciliation.
func (r *Repository) UpdatePositionQuantity(ctx context.Context, id int64, quantity float64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET quantity = $1, updated_at = NOW() WHERE id = $2`,
		quantity, id)
	if err != nil {
		return fmt.Errorf("update position quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*Position, error) {
	var p Position
	var exitReason *string
	if err := row.Scan(
		&p.ID, &p.Market, &p.Strategy, &p.EntryPrice, &p.Quantity, &p.EntryTime, &p.Status,
		&p.ExitPrice, &p.ExitTime, &exitReason, &p.PnLAmount, &p.PnLPercent,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan position: %w", err)
	}
	if exitReason != nil {
		p.ExitReason = *exitReason
	}
	return &p, nil
}

// ---- daily stats ----

// RecordTradeResult upserts the day's aggregate for a realized trade.
// statDate is the Seoul calendar day of the fill.
func (r *Repository) RecordTradeResult(ctx context.Context, statDate time.Time, pnl, fee float64) error {
	win, loss := 0, 0
	if pnl > 0 {
		win = 1
	} else if pnl < 0 {
		loss = 1
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO daily_stats (stat_date, trade_count, win_count, loss_count, realized_pnl, fees)
		VALUES ($1, 1, $2, $3, $4, $5)
		ON CONFLICT (stat_date) DO UPDATE SET
			trade_count = daily_stats.trade_count + 1,
			win_count = daily_stats.win_count + EXCLUDED.win_count,
			loss_count = daily_stats.loss_count + EXCLUDED.loss_count,
			realized_pnl = daily_stats.realized_pnl + EXCLUDED.realized_pnl,
			fees = daily_stats.fees + EXCLUDED.fees,
			updated_at = NOW()`,
		statDate, win, loss, pnl, fee)
	if err != nil {
		return fmt.Errorf("record daily stat: %w", err)
	}
	return nil
}

// GetDailyStats returns daily aggregates, newest first.
func (r *Repository) GetDailyStats(ctx context.Context, limit int) ([]DailyStat, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, stat_date, trade_count, win_count, loss_count, realized_pnl, fees, updated_at
		FROM daily_stats
		ORDER BY stat_date DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var stats []DailyStat
	for rows.Next() {
		var s DailyStat
		if err := rows.Scan(&s.ID, &s.StatDate, &s.TradeCount, &s.WinCount, &s.LossCount, &s.RealizedPnL, &s.Fees, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ---- audit log ----

// WriteAudit records an operational action.
func (r *Repository) WriteAudit(ctx context.Context, source, action, market, detail string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO audit_logs (source, action, market, detail)
		VALUES ($1, $2, NULLIF($3, ''), $4)`,
		source, action, market, detail)
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// GetAuditLogs returns recent audit entries, newest first.
func (r *Repository) GetAuditLogs(ctx context.Context, limit int) ([]AuditLog, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, source, action, COALESCE(market, ''), COALESCE(detail, ''), created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var a AuditLog
		if err := rows.Scan(&a.ID, &a.Source, &a.Action, &a.Market, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		logs = append(logs, a)
	}
	return logs, rows.Err()
}
