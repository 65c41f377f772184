// Package recovery retries position exits that failed, with exponential
// back-off, until the position is confirmed closed.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/executor"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/upbit"
)

// Close reasons written by the recovery queue
const (
	ReasonNoBalance = "RECOVERY_NO_BALANCE"
	ReasonDust      = "RECOVERY_DUST"
	ReasonExecuted  = "RECOVERY_EXECUTED"
)

// Store is the persistence surface for recovery tasks and the positions
// they close.
type Store interface {
	UpsertRecoveryTask(ctx context.Context, t *database.RecoveryTask) error
	GetDueRecoveryTasks(ctx context.Context, now time.Time, limit int) ([]database.RecoveryTask, error)
	MarkRecoveryAttempt(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error
	CompleteRecoveryTask(ctx context.Context, id int64, outcome string) error
	GetPosition(ctx context.Context, id int64) (*database.Position, error)
	ClosePosition(ctx context.Context, id int64, exitPrice float64, exitTime time.Time, exitReason string, pnlAmount, pnlPercent float64) error
	WriteAudit(ctx context.Context, source, action, market, detail string) error
}

// Exec submits the recovery sell. *executor.Executor satisfies it.
type Exec interface {
	Execute(ctx context.Context, sig executor.Signal, requestedNotional float64) *executor.OrderResult
}

// Notifier raises operator-facing warnings.
type Notifier interface {
	Warning(title, message string)
}

// Queue polls due close-recovery tasks and drives them to completion. One
// market is processed by at most one worker at a time; a busy market is
// skipped until the next poll.
type Queue struct {
	api       upbit.API
	store     Store
	exec      Exec
	notifier  Notifier
	cfg       config.RecoveryConfig
	minAmount float64
	logger    zerolog.Logger
	now       func() time.Time
	onClosed  func(market string)

	lockMu      sync.Mutex
	marketLocks map[string]*sync.Mutex
}

// batchSize bounds one poll's worth of due tasks.
const batchSize = 20

// NewQueue creates a close-recovery queue. notifier may be nil.
func NewQueue(
	api upbit.API,
	store Store,
	exec Exec,
	notifier Notifier,
	cfg config.RecoveryConfig,
	minOrderAmountKRW float64,
	logger zerolog.Logger,
) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = 30 * time.Minute
	}
	if cfg.WarnEveryNth <= 0 {
		cfg.WarnEveryNth = 5
	}
	if cfg.BackoffExpCap <= 0 {
		cfg.BackoffExpCap = 6
	}
	return &Queue{
		api:         api,
		store:       store,
		exec:        exec,
		notifier:    notifier,
		cfg:         cfg,
		minAmount:   minOrderAmountKRW,
		logger:      logger.With().Str("component", "close_recovery").Logger(),
		now:         time.Now,
		marketLocks: make(map[string]*sync.Mutex),
	}
}

// OnClosed registers a callback invoked after a recovered position closes.
func (q *Queue) OnClosed(fn func(market string)) { q.onClosed = fn }

// Enqueue registers a failed exit for retry. An active task for the same
// (strategy, position) is refreshed in place, not duplicated.
func (q *Queue) Enqueue(ctx context.Context, strategy string, positionID int64, marketID string, targetQty, entryPrice, lastKnownPrice float64, reason string) error {
	task := &database.RecoveryTask{
		Strategy:       strategy,
		PositionID:     positionID,
		Market:         marketID,
		TargetQuantity: targetQty,
		EntryPrice:     entryPrice,
		LastKnownPrice: lastKnownPrice,
		Reason:         reason,
		NextAttemptAt:  q.now(),
		Status:         database.RecoveryStatusPending,
	}
	if err := q.store.UpsertRecoveryTask(ctx, task); err != nil {
		return fmt.Errorf("enqueue recovery task: %w", err)
	}
	q.logger.Info().
		Int64("task_id", task.ID).
		Int64("position_id", positionID).
		Str("market", marketID).
		Str("reason", reason).
		Msg("close recovery enqueued")
	return nil
}

// Run polls due tasks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.logger.Info().Dur("poll", q.cfg.PollInterval).Msg("close recovery queue started")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info().Msg("close recovery queue stopped")
			return
		case <-ticker.C:
			q.ProcessDue(ctx)
		}
	}
}

// ProcessDue runs one poll cycle over the due tasks.
func (q *Queue) ProcessDue(ctx context.Context) {
	tasks, err := q.store.GetDueRecoveryTasks(ctx, q.now(), batchSize)
	if err != nil {
		q.logger.Error().Err(err).Msg("due task fetch failed")
		return
	}
	for i := range tasks {
		q.processTask(ctx, &tasks[i])
	}
}

func (q *Queue) processTask(ctx context.Context, task *database.RecoveryTask) {
	lock := q.marketLock(task.Market)
	if !lock.TryLock() {
		// Another worker or the pending manager owns the market right now.
		return
	}
	defer lock.Unlock()

	pos, err := q.store.GetPosition(ctx, task.PositionID)
	if err != nil {
		q.fail(ctx, task, fmt.Sprintf("position lookup failed: %v", err))
		return
	}
	if pos.Status == database.PositionStatusClosed {
		q.complete(ctx, task, "position already closed")
		return
	}

	coin := market.Coin(task.Market)
	balances, err := q.api.GetBalances(ctx)
	if err != nil {
		q.fail(ctx, task, fmt.Sprintf("balance fetch failed: %v", err))
		return
	}
	var held float64
	for i := range balances {
		if balances[i].Currency == coin {
			held = balances[i].Total()
			break
		}
	}

	if held <= 0 {
		exitPrice := task.LastKnownPrice
		if p := q.currentPrice(ctx, task.Market); p > 0 {
			exitPrice = p
		}
		q.closePosition(ctx, task, pos, exitPrice, ReasonNoBalance)
		q.complete(ctx, task, "no balance, position closed")
		return
	}

	price := q.currentPrice(ctx, task.Market)
	if price <= 0 {
		q.fail(ctx, task, "no current price")
		return
	}

	sellQty := task.TargetQuantity
	if held < sellQty {
		sellQty = held
	}
	notional := sellQty * price

	if notional < q.minAmount {
		q.closePosition(ctx, task, pos, price, ReasonDust)
		q.complete(ctx, task, fmt.Sprintf("dust remainder %.0f KRW below minimum", notional))
		q.warn("dust position closed",
			fmt.Sprintf("position %d on %s: remainder %.8f %s (%.0f KRW) below the exchange minimum, closed without selling",
				task.PositionID, task.Market, sellQty, coin, notional))
		return
	}

	sig := executor.Signal{
		Market:   task.Market,
		Side:     executor.SideSell,
		Price:    price,
		Strategy: task.Strategy,
		Reason:   fmt.Sprintf("close recovery attempt %d: %s", task.AttemptCount+1, task.Reason),
	}
	result := q.exec.Execute(ctx, sig, notional)
	if result.Success {
		q.closePosition(ctx, task, pos, result.ExecutedPrice, ReasonExecuted)
		q.complete(ctx, task, "recovery sell executed")
		return
	}

	q.fail(ctx, task, fmt.Sprintf("%s: %s", result.ErrorCode, result.Error))
}

// fail bumps the attempt counter and schedules the next try with doubled
// back-off, capped.
func (q *Queue) fail(ctx context.Context, task *database.RecoveryTask, reason string) {
	attempt := task.AttemptCount + 1
	exp := attempt - 1
	if exp > q.cfg.BackoffExpCap {
		exp = q.cfg.BackoffExpCap
	}
	delay := q.cfg.BaseBackoff * (1 << exp)
	if delay > q.cfg.MaxBackoff {
		delay = q.cfg.MaxBackoff
	}
	next := q.now().Add(delay)

	if err := q.store.MarkRecoveryAttempt(ctx, task.ID, reason, next); err != nil {
		q.logger.Error().Err(err).Int64("task_id", task.ID).Msg("attempt persist failed")
	}

	q.logger.Warn().
		Int64("task_id", task.ID).
		Str("market", task.Market).
		Int("attempt", attempt).
		Dur("next_in", delay).
		Str("reason", reason).
		Msg("recovery attempt failed")

	if attempt%q.cfg.WarnEveryNth == 0 {
		q.warn("close recovery struggling",
			fmt.Sprintf("position %d on %s: %d failed close attempts, last error: %s",
				task.PositionID, task.Market, attempt, reason))
	}
}

func (q *Queue) complete(ctx context.Context, task *database.RecoveryTask, outcome string) {
	if err := q.store.CompleteRecoveryTask(ctx, task.ID, outcome); err != nil {
		q.logger.Error().Err(err).Int64("task_id", task.ID).Msg("task completion persist failed")
		return
	}
	q.logger.Info().
		Int64("task_id", task.ID).
		Str("market", task.Market).
		Str("outcome", outcome).
		Msg("recovery task completed")
}

func (q *Queue) closePosition(ctx context.Context, task *database.RecoveryTask, pos *database.Position, exitPrice float64, reason string) {
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}
	pnlAmount := (exitPrice - pos.EntryPrice) * pos.Quantity
	var pnlPercent float64
	if pos.EntryPrice > 0 {
		pnlPercent = (exitPrice - pos.EntryPrice) / pos.EntryPrice * 100
	}

	if err := q.store.ClosePosition(ctx, pos.ID, exitPrice, q.now(), reason, pnlAmount, pnlPercent); err != nil {
		q.logger.Error().Err(err).Int64("position_id", pos.ID).Msg("position close failed")
		return
	}
	if err := q.store.WriteAudit(ctx, "close_recovery", reason, task.Market,
		fmt.Sprintf("position %d closed at %.2f after %d attempts", pos.ID, exitPrice, task.AttemptCount)); err != nil {
		q.logger.Error().Err(err).Msg("audit write failed")
	}
	if q.onClosed != nil {
		q.onClosed(task.Market)
	}
}

func (q *Queue) currentPrice(ctx context.Context, marketID string) float64 {
	tickers, err := q.api.GetCurrentPrice(ctx, marketID)
	if err != nil || len(tickers) == 0 {
		return 0
	}
	return tickers[0].TradePrice
}

func (q *Queue) marketLock(marketID string) *sync.Mutex {
	q.lockMu.Lock()
	defer q.lockMu.Unlock()
	lock, ok := q.marketLocks[marketID]
	if !ok {
		lock = &sync.Mutex{}
		q.marketLocks[marketID] = lock
	}
	return lock
}

func (q *Queue) warn(title, message string) {
	if q.notifier != nil {
		q.notifier.Warning(title, message)
	}
	q.logger.Warn().Str("title", title).Msg(message)
}

// SetClock overrides the time source (tests only).
func (q *Queue) SetClock(now func() time.Time) { q.now = now }
