package database

import "time"

// Position lifecycle states
const (
	PositionStatusOpen    = "OPEN"
	PositionStatusClosing = "CLOSING"
	PositionStatusClosed  = "CLOSED"
)

// Pending order lifecycle states
const (
	PendingStatusPending         = "PENDING"
	PendingStatusPartiallyFilled = "PARTIALLY_FILLED"
	PendingStatusFilled          = "FILLED"
	PendingStatusCancelled       = "CANCELLED"
	PendingStatusReplaced        = "REPLACED"
	PendingStatusExpired         = "EXPIRED"
)

// Close-recovery task states. A due task is claimed as PROCESSING for the
// duration of the attempt and moves to RETRYING when the attempt fails.
const (
	RecoveryStatusPending    = "PENDING"
	RecoveryStatusProcessing = "PROCESSING"
	RecoveryStatusRetrying   = "RETRYING"
	RecoveryStatusCompleted  = "COMPLETED"
)

// maxReasonLen bounds the widest free-text columns (trades.reason,
// close_recovery_tasks.last_error).
const maxReasonLen = 500

// TruncateReason clips free-text reasons to the widest column width.
func TruncateReason(s string) string {
	return truncate(s, maxReasonLen)
}

// truncate clips s to the byte width of a VARCHAR(n) column.
func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Trade is one executed (or simulated) fill.
type Trade struct {
	ID              int64      `json:"id"`
	OrderID         string     `json:"order_id"`
	Market          string     `json:"market"`
	Side            string     `json:"side"` // BUY or SELL
	OrderType       string     `json:"order_type"`
	Price           float64    `json:"price"`
	Quantity        float64    `json:"quantity"`
	Amount          float64    `json:"amount"`
	Fee             float64    `json:"fee"`
	SlippagePercent float64    `json:"slippage_percent"`
	IsPartialFill   bool       `json:"is_partial_fill"`
	PnL             *float64   `json:"pnl,omitempty"`
	PnLPercent      *float64   `json:"pnl_percent,omitempty"`
	Strategy        string     `json:"strategy"`
	Regime          string     `json:"regime,omitempty"`
	Confidence      float64    `json:"confidence"`
	Reason          string     `json:"reason,omitempty"`
	Simulated       bool       `json:"simulated"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Position is a held spot position owned by one strategy.
type Position struct {
	ID         int64      `json:"id"`
	Market     string     `json:"market"`
	Strategy   string     `json:"strategy"`
	EntryPrice float64    `json:"entry_price"`
	Quantity   float64    `json:"quantity"`
	EntryTime  time.Time  `json:"entry_time"`
	Status     string     `json:"status"`
	ExitPrice  *float64   `json:"exit_price,omitempty"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
	PnLAmount  *float64   `json:"pnl_amount,omitempty"`
	PnLPercent *float64   `json:"pnl_percent,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// PendingOrder is an unfilled limit order tracked by the pending-order manager.
// Snapshot fields freeze the market conditions observed at placement time.
type PendingOrder struct {
	ID                 int64     `json:"id"`
	OrderID            string    `json:"order_id"`
	Market             string    `json:"market"`
	Side               string    `json:"side"`
	OrderType          string    `json:"order_type"`
	LimitPrice         float64   `json:"limit_price"`
	OrderQuantity      float64   `json:"order_quantity"`
	OrderAmount        float64   `json:"order_amount"`
	Strategy           string    `json:"strategy"`
	Confidence         float64   `json:"confidence"`
	SnapshotMidPrice   float64   `json:"snapshot_mid_price"`
	SnapshotSpread     float64   `json:"snapshot_spread"`
	SnapshotVolatility float64   `json:"snapshot_volatility"`
	SnapshotImbalance  float64   `json:"snapshot_imbalance"`
	Status             string    `json:"status"`
	FilledQuantity     float64   `json:"filled_quantity"`
	AvgFillPrice       float64   `json:"avg_fill_price"`
	FillDurationMs     *int64    `json:"fill_duration_ms,omitempty"`
	SlippagePercent    *float64  `json:"slippage_percent,omitempty"`
	CancelReason       string    `json:"cancel_reason,omitempty"`
	Note               string    `json:"note,omitempty"`
	CheckCount         int       `json:"check_count"`
	ExpiresAt          time.Time `json:"expires_at"`
	LastCheckedAt      time.Time `json:"last_checked_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// FillRate returns the filled fraction of the order quantity.
func (p *PendingOrder) FillRate() float64 {
	if p.OrderQuantity <= 0 {
		return 0
	}
	return p.FilledQuantity / p.OrderQuantity
}

// RecoveryTask is a queued retry for a position close that failed.
type RecoveryTask struct {
	ID             int64     `json:"id"`
	Strategy       string    `json:"strategy"`
	PositionID     int64     `json:"position_id"`
	Market         string    `json:"market"`
	TargetQuantity float64   `json:"target_quantity"`
	EntryPrice     float64   `json:"entry_price"`
	LastKnownPrice float64   `json:"last_known_price"`
	Reason         string    `json:"reason,omitempty"`
	AttemptCount   int       `json:"attempt_count"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	Status         string    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DailyStat aggregates realized results for one Seoul calendar day.
type DailyStat struct {
	ID          int64     `json:"id"`
	StatDate    time.Time `json:"stat_date"`
	TradeCount  int       `json:"trade_count"`
	WinCount    int       `json:"win_count"`
	LossCount   int       `json:"loss_count"`
	RealizedPnL float64   `json:"realized_pnl"`
	Fees        float64   `json:"fees"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditLog records an operational action taken by the system or an operator.
type AuditLog struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Action    string    `json:"action"`
	Market    string    `json:"market,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
