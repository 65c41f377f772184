// Package pending supervises live limit orders until they reach a terminal
// state: filled, cancelled, replaced, or expired.
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/condition"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/executor"
	"upbit-trading-bot/internal/upbit"
)

// Store is the persistence surface for pending-order records and the trade
// records written when a supervised order fills.
type Store interface {
	SavePendingOrder(ctx context.Context, p *database.PendingOrder) error
	GetActivePendingOrders(ctx context.Context) ([]database.PendingOrder, error)
	UpdatePendingProgress(ctx context.Context, orderID, status string, filledQty, avgFillPrice float64, checkCount int) error
	FinalizePendingOrder(ctx context.Context, orderID, status string, filledQty, avgFillPrice float64, fillDurationMs *int64, slippagePercent *float64, cancelReason string) error
	RearmPendingOrder(ctx context.Context, orderID string, expiresAt time.Time, note string) error
	SaveTrade(ctx context.Context, t *database.Trade) error
}

// Mirror is the optional live view of tracked orders (Redis).
type Mirror interface {
	MirrorPending(ctx context.Context, p *database.PendingOrder)
	RemovePending(ctx context.Context, orderID string)
}

// Breaker receives execution outcomes for tracked orders.
type Breaker interface {
	RecordSuccess(market string)
	RecordFailure(market, reason string)
	RecordSlippage(market string, slippagePercent float64)
}

// Checker re-evaluates market quality while an order waits.
type Checker interface {
	Check(ctx context.Context, market string, notional float64) *condition.Snapshot
}

// Notifier raises operator-facing warnings.
type Notifier interface {
	Warning(title, message string)
}

// tracked pairs the durable record with supervision counters.
type tracked struct {
	rec           database.PendingOrder
	fetchFailures int
	alerted       bool
}

// Manager drives the pending-order state machine on a fixed tick. All
// operations for one market are serialized by a per-market lock so a cancel
// and a tick check cannot interleave.
type Manager struct {
	api      upbit.API
	store    Store
	checker  Checker
	breaker  Breaker
	mirror   Mirror
	notifier Notifier
	cfg      config.PendingOrderConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	orders map[string]*tracked

	lockMu      sync.Mutex
	marketLocks map[string]*sync.Mutex

	onReplace func(sig executor.Signal, notional float64)
	onFinal   func(rec database.PendingOrder)
}

// NewManager creates a pending-order manager. mirror and notifier may be nil.
func NewManager(
	api upbit.API,
	store Store,
	checker Checker,
	breaker Breaker,
	mirror Mirror,
	notifier Notifier,
	cfg config.PendingOrderConfig,
	logger zerolog.Logger,
) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.StatusFetchRetries <= 0 {
		cfg.StatusFetchRetries = 3
	}
	return &Manager{
		api:         api,
		store:       store,
		checker:     checker,
		breaker:     breaker,
		mirror:      mirror,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger.With().Str("component", "pending_order_manager").Logger(),
		now:         time.Now,
		orders:      make(map[string]*tracked),
		marketLocks: make(map[string]*sync.Mutex),
	}
}

// OnReplace registers the callback invoked with a fresh signal when a
// cancelled order should be re-submitted.
func (m *Manager) OnReplace(fn func(sig executor.Signal, notional float64)) { m.onReplace = fn }

// OnFinal registers a callback invoked after any terminal transition.
// Callers use it to release the market claim when the order did not fill.
func (m *Manager) OnFinal(fn func(rec database.PendingOrder)) { m.onFinal = fn }

// Track registers a freshly submitted limit order for supervision.
// Implements the executor's pending handoff.
func (m *Manager) Track(ctx context.Context, t executor.PendingTrack) error {
	now := m.now()
	rec := database.PendingOrder{
		OrderID:            t.Order.UUID,
		Market:             t.Signal.Market,
		Side:               t.Signal.Side,
		OrderType:          executor.OrderTypeLimit,
		LimitPrice:         t.LimitPrice,
		OrderQuantity:      t.Quantity,
		OrderAmount:        t.Notional,
		Strategy:           t.Signal.Strategy,
		Confidence:         t.Signal.Confidence,
		SnapshotMidPrice:   t.Snapshot.MidPrice,
		SnapshotSpread:     t.Snapshot.SpreadPercent,
		SnapshotVolatility: t.Snapshot.Volatility1m,
		SnapshotImbalance:  t.Snapshot.OrderbookImbalance,
		Status:             database.PendingStatusPending,
		FilledQuantity:     t.Order.ExecutedVolume,
		ExpiresAt:          now.Add(m.timeout()),
	}

	if err := m.store.SavePendingOrder(ctx, &rec); err != nil {
		return fmt.Errorf("persist pending order: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	m.mu.Lock()
	m.orders[rec.OrderID] = &tracked{rec: rec}
	m.mu.Unlock()

	if m.mirror != nil {
		m.mirror.MirrorPending(ctx, &rec)
	}

	m.logger.Info().
		Str("order_id", rec.OrderID).
		Str("market", rec.Market).
		Float64("limit_price", rec.LimitPrice).
		Time("expires_at", rec.ExpiresAt).
		Msg("tracking pending order")
	return nil
}

// Recover reloads non-terminal records after a restart, re-arming their
// expiry so orders submitted before the restart get a fresh window.
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.store.GetActivePendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("load active pending orders: %w", err)
	}

	now := m.now()
	note := fmt.Sprintf("recovered after restart at %s", now.UTC().Format(time.RFC3339))
	for i := range records {
		rec := records[i]
		rec.ExpiresAt = now.Add(m.timeout())
		rec.Note = note
		if err := m.store.RearmPendingOrder(ctx, rec.OrderID, rec.ExpiresAt, note); err != nil {
			m.logger.Error().Err(err).Str("order_id", rec.OrderID).Msg("rearm failed")
			continue
		}
		m.mu.Lock()
		m.orders[rec.OrderID] = &tracked{rec: rec}
		m.mu.Unlock()
		if m.mirror != nil {
			m.mirror.MirrorPending(ctx, &rec)
		}
	}

	if len(records) > 0 {
		m.logger.Info().Int("count", len(records)).Msg("pending orders recovered after restart")
	}
	return nil
}

// Run drives the supervision tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("tick", m.cfg.TickInterval).Msg("pending order manager started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("pending order manager stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// List returns a snapshot of the tracked orders.
func (m *Manager) List() []database.PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.PendingOrder, 0, len(m.orders))
	for _, tr := range m.orders {
		out = append(out, tr.rec)
	}
	return out
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CheckOrder(ctx, id)
	}
}

// CheckOrder runs one supervision pass for a tracked order. Exported so the
// HTTP surface can force an immediate check.
func (m *Manager) CheckOrder(ctx context.Context, orderID string) {
	m.mu.Lock()
	tr, ok := m.orders[orderID]
	m.mu.Unlock()
	if !ok {
		return
	}

	lock := m.marketLock(tr.rec.Market)
	lock.Lock()
	defer lock.Unlock()

	m.checkLocked(ctx, tr)
}

func (m *Manager) checkLocked(ctx context.Context, tr *tracked) {
	order, err := m.fetchOrder(ctx, tr.rec.OrderID)
	if err != nil {
		tr.fetchFailures++
		m.logger.Warn().Err(err).
			Str("order_id", tr.rec.OrderID).
			Int("consecutive_failures", tr.fetchFailures).
			Msg("pending order status fetch failed")
		if tr.fetchFailures >= m.cfg.ManualCheckFailureCount && !tr.alerted {
			tr.alerted = true
			m.warn("pending order needs manual verification",
				fmt.Sprintf("order %s on %s: %d consecutive status fetch failures",
					tr.rec.OrderID, tr.rec.Market, tr.fetchFailures))
		}
		return
	}
	tr.fetchFailures = 0
	tr.alerted = false

	m.updateProgress(ctx, tr, order)

	if order.IsDone() || order.FillRate() >= m.cfg.FillAcceptThreshold {
		m.finalizeFilled(ctx, tr, order)
		return
	}
	if order.State == upbit.OrderStateCancel {
		// Cancelled outside our control (operator or exchange).
		m.finalizeCancelled(ctx, tr, order, database.PendingStatusCancelled, "cancelled externally", false)
		return
	}

	m.evaluatePolicy(ctx, tr, order)
}

// updateProgress persists the latest fill observation.
func (m *Manager) updateProgress(ctx context.Context, tr *tracked, order *upbit.Order) {
	tr.rec.CheckCount++
	tr.rec.FilledQuantity = order.ExecutedVolume
	tr.rec.AvgFillPrice = m.avgFillPrice(tr, order)
	tr.rec.LastCheckedAt = m.now()

	status := database.PendingStatusPending
	if order.ExecutedVolume > 0 {
		status = database.PendingStatusPartiallyFilled
	}
	tr.rec.Status = status

	if err := m.store.UpdatePendingProgress(ctx, tr.rec.OrderID, status, tr.rec.FilledQuantity, tr.rec.AvgFillPrice, tr.rec.CheckCount); err != nil {
		m.logger.Error().Err(err).Str("order_id", tr.rec.OrderID).Msg("progress persist failed")
	}
	if m.mirror != nil {
		m.mirror.MirrorPending(ctx, &tr.rec)
	}
}

// evaluatePolicy applies the cancel/replace rules, first match wins.
func (m *Manager) evaluatePolicy(ctx context.Context, tr *tracked, order *upbit.Order) {
	now := m.now()
	fillRate := order.FillRate()

	if !now.Before(tr.rec.ExpiresAt) {
		if fillRate > 0 {
			// A partial position already exists; replacing would overbuy.
			m.finalizeCancelled(ctx, tr, order, database.PendingStatusExpired, "timeout with partial fill", false)
			return
		}
		if tr.rec.Confidence > m.cfg.ReplaceConfidenceMin {
			m.finalizeCancelled(ctx, tr, order, database.PendingStatusReplaced, "timeout, replacing", true)
			return
		}
		m.finalizeCancelled(ctx, tr, order, database.PendingStatusExpired, "timeout", false)
		return
	}

	snap := m.checker.Check(ctx, tr.rec.Market, tr.rec.OrderAmount)

	if tr.rec.Side == executor.SideBuy && tr.rec.SnapshotMidPrice > 0 && snap.MidPrice > 0 {
		deviation := (snap.MidPrice - tr.rec.SnapshotMidPrice) / tr.rec.SnapshotMidPrice * 100
		if deviation > m.cfg.PriceDeviationUrgentPct {
			m.logger.Warn().
				Str("order_id", tr.rec.OrderID).
				Float64("deviation_pct", deviation).
				Msg("price ran away from resting buy")
			m.finalizeCancelled(ctx, tr, order, database.PendingStatusReplaced,
				fmt.Sprintf("price deviation +%.2f%%", deviation), true)
			return
		}
	}

	if tr.rec.SnapshotSpread > 0 && snap.SpreadPercent >= tr.rec.SnapshotSpread*m.cfg.SpreadWideningFactor {
		m.finalizeCancelled(ctx, tr, order, database.PendingStatusCancelled,
			fmt.Sprintf("spread widened to %.3f%%", snap.SpreadPercent), false)
		return
	}

	if !snap.CanTrade {
		m.finalizeCancelled(ctx, tr, order, database.PendingStatusCancelled,
			fmt.Sprintf("market deteriorated: %v", snap.Issues), false)
		return
	}
}

// finalizeFilled closes the record as FILLED and writes the trade.
func (m *Manager) finalizeFilled(ctx context.Context, tr *tracked, order *upbit.Order) {
	avgPrice := m.avgFillPrice(tr, order)
	fillDur := m.now().Sub(tr.rec.CreatedAt).Milliseconds()
	slippage := m.slippage(tr, avgPrice)

	tr.rec.Status = database.PendingStatusFilled
	tr.rec.FilledQuantity = order.ExecutedVolume
	tr.rec.AvgFillPrice = avgPrice
	tr.rec.FillDurationMs = &fillDur
	tr.rec.SlippagePercent = &slippage

	if err := m.store.FinalizePendingOrder(ctx, tr.rec.OrderID, database.PendingStatusFilled,
		order.ExecutedVolume, avgPrice, &fillDur, &slippage, ""); err != nil {
		m.logger.Error().Err(err).Str("order_id", tr.rec.OrderID).Msg("finalize persist failed")
	}

	m.recordTrade(ctx, tr, order.ExecutedVolume, avgPrice, order.PaidFee, order.FillRate() < 1.0)

	m.breaker.RecordSuccess(tr.rec.Market)
	if slippage > 0 {
		m.breaker.RecordSlippage(tr.rec.Market, slippage)
	}

	m.logger.Info().
		Str("order_id", tr.rec.OrderID).
		Str("market", tr.rec.Market).
		Float64("avg_price", avgPrice).
		Int64("fill_duration_ms", fillDur).
		Float64("slippage_pct", slippage).
		Msg("pending order filled")

	m.remove(ctx, tr)
}

// finalizeCancelled cancels on the exchange and closes the record. A cancel
// rejected because the order already filled is treated as a fill, not an
// error.
func (m *Manager) finalizeCancelled(ctx context.Context, tr *tracked, order *upbit.Order, status, reason string, replace bool) {
	cancelled, err := m.api.CancelOrder(ctx, tr.rec.OrderID)
	if err != nil {
		if upbit.IsAlreadyFilled(err) {
			latest, ferr := m.api.GetOrder(ctx, tr.rec.OrderID)
			if ferr != nil {
				latest = order
			}
			m.logger.Info().Str("order_id", tr.rec.OrderID).Msg("cancel raced a fill, finalizing as filled")
			m.finalizeFilled(ctx, tr, latest)
			return
		}
		m.breaker.RecordFailure(tr.rec.Market, fmt.Sprintf("cancel failed: %v", err))
		m.logger.Error().Err(err).Str("order_id", tr.rec.OrderID).Msg("cancel failed, will retry next tick")
		return
	}
	if cancelled != nil && cancelled.ExecutedVolume > order.ExecutedVolume {
		order = cancelled
	}

	avgPrice := m.avgFillPrice(tr, order)
	fillRate := order.FillRate()

	tr.rec.Status = status
	tr.rec.FilledQuantity = order.ExecutedVolume
	tr.rec.AvgFillPrice = avgPrice
	tr.rec.CancelReason = reason

	if err := m.store.FinalizePendingOrder(ctx, tr.rec.OrderID, status,
		order.ExecutedVolume, avgPrice, nil, nil, reason); err != nil {
		m.logger.Error().Err(err).Str("order_id", tr.rec.OrderID).Msg("finalize persist failed")
	}

	if order.ExecutedVolume > 0 {
		m.recordTrade(ctx, tr, order.ExecutedVolume, avgPrice, order.PaidFee, true)
		if fillRate < m.cfg.PartialFillWarnThreshold {
			m.warn("partial fill cancelled",
				fmt.Sprintf("order %s on %s cancelled at %.1f%% fill (%s); manual follow-up may be needed",
					tr.rec.OrderID, tr.rec.Market, fillRate*100, reason))
		}
	}

	m.logger.Info().
		Str("order_id", tr.rec.OrderID).
		Str("market", tr.rec.Market).
		Str("status", status).
		Str("reason", reason).
		Float64("fill_rate", fillRate).
		Bool("replace", replace).
		Msg("pending order cancelled")

	m.remove(ctx, tr)

	if replace && m.onReplace != nil {
		remaining := tr.rec.OrderAmount - order.ExecutedVolume*avgPrice
		if remaining > 0 {
			m.onReplace(executor.Signal{
				Market:     tr.rec.Market,
				Side:       tr.rec.Side,
				Confidence: tr.rec.Confidence,
				Strategy:   tr.rec.Strategy,
				Reason:     "replacement: " + reason,
			}, remaining)
		}
	}
}

// recordTrade appends the trade record for a supervised fill.
func (m *Manager) recordTrade(ctx context.Context, tr *tracked, quantity, price, fee float64, partial bool) {
	if quantity <= 0 || price <= 0 {
		return
	}
	trade := &database.Trade{
		OrderID:         tr.rec.OrderID,
		Market:          tr.rec.Market,
		Side:            tr.rec.Side,
		OrderType:       executor.OrderTypeLimit,
		Price:           price,
		Quantity:        quantity,
		Amount:          price * quantity,
		Fee:             fee,
		SlippagePercent: m.slippage(tr, price),
		IsPartialFill:   partial,
		Strategy:        tr.rec.Strategy,
		Confidence:      tr.rec.Confidence,
		Reason:          "pending fill",
	}
	if err := m.store.SaveTrade(ctx, trade); err != nil {
		m.logger.Error().Err(err).Str("order_id", tr.rec.OrderID).Msg("trade persist failed")
	}
}

func (m *Manager) remove(ctx context.Context, tr *tracked) {
	m.mu.Lock()
	delete(m.orders, tr.rec.OrderID)
	m.mu.Unlock()
	if m.mirror != nil {
		m.mirror.RemovePending(ctx, tr.rec.OrderID)
	}
	if m.onFinal != nil {
		m.onFinal(tr.rec)
	}
}

// fetchOrder retries transient status failures inside one tick.
func (m *Manager) fetchOrder(ctx context.Context, orderID string) (*upbit.Order, error) {
	var lastErr error
	for i := 0; i < m.cfg.StatusFetchRetries; i++ {
		o, err := m.api.GetOrder(ctx, orderID)
		if err == nil {
			return o, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// avgFillPrice derives the effective fill price from the order fields.
// Limit orders fill at or better than the limit, which the exchange reports
// in the price field.
func (m *Manager) avgFillPrice(tr *tracked, order *upbit.Order) float64 {
	if order.Price > 0 {
		return order.Price
	}
	return tr.rec.LimitPrice
}

// slippage against the submission-time mid, positive means worse.
func (m *Manager) slippage(tr *tracked, price float64) float64 {
	ref := tr.rec.SnapshotMidPrice
	if ref <= 0 || price <= 0 {
		return 0
	}
	if tr.rec.Side == executor.SideBuy {
		return (price - ref) / ref * 100
	}
	return (ref - price) / ref * 100
}

func (m *Manager) marketLock(marketID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.marketLocks[marketID]
	if !ok {
		lock = &sync.Mutex{}
		m.marketLocks[marketID] = lock
	}
	return lock
}

func (m *Manager) timeout() time.Duration {
	return time.Duration(m.cfg.TimeoutSeconds) * time.Second
}

func (m *Manager) warn(title, message string) {
	if m.notifier != nil {
		m.notifier.Warning(title, message)
	}
	m.logger.Warn().Str("title", title).Msg(message)
}

// SetClock overrides the time source (tests only).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }
