// Package reconcile keeps persisted positions consistent with the exchange's
// authoritative balances and fill history.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/upbit"
)

// Store is the persistence surface for reconciliation writes.
type Store interface {
	GetOpenPositions(ctx context.Context) ([]database.Position, error)
	ClosePosition(ctx context.Context, id int64, exitPrice float64, exitTime time.Time, exitReason string, pnlAmount, pnlPercent float64) error
	WriteAudit(ctx context.Context, source, action, market, detail string) error
}

// Close reasons written by reconciliation
const (
	ReasonSyncConfirmed = "SYNC_CONFIRMED"
	ReasonSyncNoBalance = "SYNC_NO_BALANCE"
)

// Action is one reconciliation observation or correction.
type Action struct {
	PositionID int64   `json:"position_id"`
	Market     string  `json:"market"`
	Type       string  `json:"type"` // SYNC_CONFIRMED, SYNC_NO_BALANCE, QUANTITY_MISMATCH
	Detail     string  `json:"detail"`
	ExitPrice  float64 `json:"exit_price,omitempty"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	Fixed    int       `json:"fixed"`
	Verified int       `json:"verified"`
	Actions  []Action  `json:"actions"`
	RanAt    time.Time `json:"ran_at"`
}

// Reconciler compares persisted OPEN positions against exchange balances on
// a timer. It never deletes; the only mutation is OPEN to CLOSED with an
// explanatory reason.
type Reconciler struct {
	api      upbit.API
	store    Store
	cfg      config.ReconcileConfig
	logger   zerolog.Logger
	now      func() time.Time
	onClosed func(market string)
}

// New creates a reconciler.
func New(api upbit.API, store Store, cfg config.ReconcileConfig, logger zerolog.Logger) *Reconciler {
	if cfg.FillLookbackLimit <= 0 {
		cfg.FillLookbackLimit = 500
	}
	if cfg.QtyTolerancePct <= 0 {
		cfg.QtyTolerancePct = 10
	}
	if cfg.EntryTimeSlack <= 0 {
		cfg.EntryTimeSlack = time.Minute
	}
	return &Reconciler{
		api:    api,
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "reconciler").Logger(),
		now:    time.Now,
	}
}

// OnClosed registers a callback invoked after a position is closed, used to
// release the market claim in the registry.
func (r *Reconciler) OnClosed(fn func(market string)) { r.onClosed = fn }

// Run executes reconciliation passes until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

// RunOnce performs a single reconciliation pass over all OPEN positions.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{RanAt: r.now()}

	positions, err := r.store.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	if len(positions) == 0 {
		return report, nil
	}

	balances, err := r.api.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}
	held := make(map[string]float64, len(balances))
	for i := range balances {
		held[balances[i].Currency] = balances[i].Total()
	}

	// Group positions by coin: the balance check is per currency, not per
	// (market, strategy).
	byCoin := make(map[string][]database.Position)
	for _, p := range positions {
		byCoin[market.Coin(p.Market)] = append(byCoin[market.Coin(p.Market)], p)
	}

	for coin, group := range byCoin {
		balance := held[coin]
		if balance <= 0 {
			for _, pos := range group {
				r.closeMissing(ctx, pos, report)
			}
			continue
		}
		r.verifyQuantity(coin, balance, group, report)
	}

	r.logger.Info().
		Int("fixed", report.Fixed).
		Int("verified", report.Verified).
		Int("actions", len(report.Actions)).
		Msg("reconciliation pass complete")
	return report, nil
}

// closeMissing handles an OPEN position whose coin balance is zero: find the
// matching sell fill, or close with an estimated exit.
func (r *Reconciler) closeMissing(ctx context.Context, pos database.Position, report *Report) {
	if fill, ok := r.findMatchingSell(ctx, pos); ok {
		exitPrice := fill.Price
		if exitPrice <= 0 {
			exitPrice = r.currentPrice(ctx, pos.Market)
		}
		exitTime := fill.CreatedTime()
		if exitTime.IsZero() {
			exitTime = r.now()
		}
		r.closePosition(ctx, pos, exitPrice, exitTime, ReasonSyncConfirmed, report,
			fmt.Sprintf("matched sell fill %s qty=%.8f", fill.UUID, fill.ExecutedVolume))
		return
	}

	exitPrice := r.currentPrice(ctx, pos.Market)
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}
	r.closePosition(ctx, pos, exitPrice, r.now(), ReasonSyncNoBalance, report,
		"no balance and no matching sell fill, exit estimated from latest price")
}

// findMatchingSell scans recent done orders for an ask fill whose quantity
// matches the position within tolerance, at or after the entry time with a
// small slack for clock skew.
func (r *Reconciler) findMatchingSell(ctx context.Context, pos database.Position) (*upbit.Order, bool) {
	orders, err := r.api.GetOrders(ctx, pos.Market, upbit.OrderStateDone, 1, r.cfg.FillLookbackLimit)
	if err != nil {
		r.logger.Warn().Err(err).Str("market", pos.Market).Msg("fill history fetch failed")
		return nil, false
	}

	earliest := pos.EntryTime.Add(-r.cfg.EntryTimeSlack)
	tolerance := r.cfg.QtyTolerancePct / 100

	for i := range orders {
		o := &orders[i]
		if o.Side != upbit.SideAsk || o.ExecutedVolume <= 0 {
			continue
		}
		larger := math.Max(o.ExecutedVolume, pos.Quantity)
		if larger <= 0 || math.Abs(o.ExecutedVolume-pos.Quantity)/larger > tolerance {
			continue
		}
		created := o.CreatedTime()
		if created.IsZero() || created.Before(earliest) {
			continue
		}
		return o, true
	}
	return nil, false
}

// verifyQuantity compares the aggregate OPEN quantity for a coin against the
// exchange balance. Mismatches are reported, never auto-corrected.
func (r *Reconciler) verifyQuantity(coin string, balance float64, group []database.Position, report *Report) {
	var total float64
	for _, p := range group {
		total += p.Quantity
	}

	larger := math.Max(total, balance)
	epsilon := math.Max(larger*0.001, 0.0001)
	if math.Abs(total-balance) > epsilon {
		detail := fmt.Sprintf("positions hold %.8f %s, exchange reports %.8f", total, coin, balance)
		for _, p := range group {
			report.Actions = append(report.Actions, Action{
				PositionID: p.ID,
				Market:     p.Market,
				Type:       "QUANTITY_MISMATCH",
				Detail:     detail,
			})
		}
		r.logger.Warn().Str("coin", coin).Str("detail", detail).Msg("quantity mismatch")
		return
	}
	report.Verified += len(group)
}

func (r *Reconciler) closePosition(ctx context.Context, pos database.Position, exitPrice float64, exitTime time.Time, reason string, report *Report, detail string) {
	pnlAmount := (exitPrice - pos.EntryPrice) * pos.Quantity
	var pnlPercent float64
	if pos.EntryPrice > 0 {
		pnlPercent = (exitPrice - pos.EntryPrice) / pos.EntryPrice * 100
	}

	if err := r.store.ClosePosition(ctx, pos.ID, exitPrice, exitTime, reason, pnlAmount, pnlPercent); err != nil {
		r.logger.Error().Err(err).Int64("position_id", pos.ID).Msg("position close failed")
		return
	}

	report.Fixed++
	report.Actions = append(report.Actions, Action{
		PositionID: pos.ID,
		Market:     pos.Market,
		Type:       reason,
		Detail:     detail,
		ExitPrice:  exitPrice,
	})

	if err := r.store.WriteAudit(ctx, "reconciler", reason, pos.Market,
		fmt.Sprintf("position %d closed at %.2f: %s", pos.ID, exitPrice, detail)); err != nil {
		r.logger.Error().Err(err).Msg("audit write failed")
	}

	r.logger.Info().
		Int64("position_id", pos.ID).
		Str("market", pos.Market).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Float64("pnl_percent", pnlPercent).
		Msg("position reconciled closed")

	if r.onClosed != nil {
		r.onClosed(pos.Market)
	}
}

func (r *Reconciler) currentPrice(ctx context.Context, marketID string) float64 {
	tickers, err := r.api.GetCurrentPrice(ctx, marketID)
	if err != nil || len(tickers) == 0 {
		return 0
	}
	return tickers[0].TradePrice
}

// SetClock overrides the time source (tests only).
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }
