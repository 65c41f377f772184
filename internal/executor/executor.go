// Package executor turns strategy signals into verified, recorded orders.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/condition"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/upbit"
)

// Store is the trade persistence surface the executor needs.
type Store interface {
	SaveTrade(ctx context.Context, t *database.Trade) error
	GetTradesByMarket(ctx context.Context, market string, simulated bool, limit int) ([]database.Trade, error)
	RecordTradeResult(ctx context.Context, statDate time.Time, pnl, fee float64) error
}

// Breaker is the circuit-breaker surface the executor reports into.
type Breaker interface {
	Allow(market string) (bool, string)
	RecordSuccess(market string)
	RecordFailure(market, reason string)
	RecordSlippage(market string, slippagePercent float64)
	RecordTradeResult(market string, pnlPercent, pnlKRW float64)
}

// Throttle shrinks entry sizing after drawdowns.
type Throttle interface {
	Evaluate(market, strategy string) risk.Decision
	RecordResult(market, strategy string, pnlPercent float64)
}

// ConditionChecker gates submissions on market quality.
type ConditionChecker interface {
	Check(ctx context.Context, market string, notional float64) *condition.Snapshot
}

// PendingHandoff receives limit orders that outlived the quick-fill window.
type PendingHandoff interface {
	Track(ctx context.Context, t PendingTrack) error
}

// Executor runs the order pipeline: gate, decide type, submit, verify,
// analyze, persist, report.
type Executor struct {
	api      upbit.API
	checker  ConditionChecker
	breaker  Breaker
	throttle Throttle
	store    Store
	pending  PendingHandoff

	execCfg  config.ExecutionConfig
	tradeCfg config.TradingConfig
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an executor. pending may be nil; unfilled limit orders are
// then cancelled instead of handed off.
func New(
	api upbit.API,
	checker ConditionChecker,
	breaker Breaker,
	throttle Throttle,
	store Store,
	pending PendingHandoff,
	execCfg config.ExecutionConfig,
	tradeCfg config.TradingConfig,
	logger zerolog.Logger,
) *Executor {
	return &Executor{
		api:      api,
		checker:  checker,
		breaker:  breaker,
		throttle: throttle,
		store:    store,
		pending:  pending,
		execCfg:  execCfg,
		tradeCfg: tradeCfg,
		logger:   logger.With().Str("component", "order_executor").Logger(),
		now:      time.Now,
	}
}

// Execute runs one signal through the pipeline. requestedNotional is the
// intended order size in KRW; for SELL it is resized to the held balance.
func (e *Executor) Execute(ctx context.Context, sig Signal, requestedNotional float64) *OrderResult {
	marketID, err := market.Normalize(sig.Market)
	if err != nil {
		return failure(sig.Market, sig.Side, ErrCodeException, err.Error())
	}
	sig.Market = marketID

	if sig.Side != SideBuy && sig.Side != SideSell {
		return failure(marketID, sig.Side, ErrCodeException, fmt.Sprintf("non-actionable side %q", sig.Side))
	}

	if ok, reason := e.breaker.Allow(marketID); !ok {
		return failure(marketID, sig.Side, ErrCodeCircuitBreaker, reason)
	}

	notional := requestedNotional
	if sig.Side == SideBuy {
		decision := e.throttle.Evaluate(marketID, sig.Strategy)
		if decision.Multiplier < 1.0 {
			throttled := notional * decision.Multiplier
			if throttled < e.tradeCfg.MinOrderAmountKRW {
				// Shrinking below the exchange minimum defeats the order;
				// keep the minimum as long as the original request allowed it.
				throttled = e.tradeCfg.MinOrderAmountKRW
			}
			e.logger.Info().
				Str("market", marketID).
				Str("strategy", sig.Strategy).
				Float64("requested", notional).
				Float64("throttled", throttled).
				Str("reason", decision.Reason).
				Msg("risk throttle applied")
			notional = throttled
		}
	}

	if sig.Side == SideBuy && notional < e.tradeCfg.MinOrderAmountKRW {
		return failure(marketID, sig.Side, ErrCodeBelowMinOrderAmount,
			fmt.Sprintf("notional %.0f below exchange minimum %.0f KRW", notional, e.tradeCfg.MinOrderAmountKRW))
	}

	if !e.tradeCfg.Enabled {
		return e.simulate(ctx, sig, notional)
	}

	snap := e.checker.Check(ctx, marketID, notional)
	if !snap.CanTrade {
		return failure(marketID, sig.Side, ErrCodeMarketCondition,
			fmt.Sprintf("market not tradable: %v", snap.Issues))
	}

	orderType, typeReasons := e.decideOrderType(sig, snap)

	quantity, res := e.sizeSell(ctx, sig, snap, notional)
	if res != nil {
		return res
	}

	result := e.submitAndVerify(ctx, sig, snap, orderType, notional, quantity)
	result.TypeReasons = typeReasons
	return result
}

// decideOrderType picks MARKET or LIMIT. Listed strategies always go MARKET;
// otherwise two or more urgency reasons promote LIMIT to MARKET.
func (e *Executor) decideOrderType(sig Signal, snap *condition.Snapshot) (string, []string) {
	if marketOrderStrategies[sig.Strategy] {
		return OrderTypeMarket, []string{"strategy:" + sig.Strategy}
	}

	var reasons []string
	if snap.Volatility1m > e.execCfg.HighVolatilityPercent {
		reasons = append(reasons, fmt.Sprintf("high_volatility:%.2f%%", snap.Volatility1m))
	}
	if sig.Confidence >= e.execCfg.HighConfidenceThreshold {
		reasons = append(reasons, fmt.Sprintf("high_confidence:%.0f", sig.Confidence))
	}
	if snap.LiquidityRatio > 0 && snap.LiquidityRatio < e.execCfg.ThinLiquidityRatio {
		reasons = append(reasons, fmt.Sprintf("thin_liquidity:%.2f", snap.LiquidityRatio))
	}
	aligned := (sig.Side == SideBuy && snap.OrderbookImbalance > e.execCfg.ImbalanceThreshold) ||
		(sig.Side == SideSell && snap.OrderbookImbalance < -e.execCfg.ImbalanceThreshold)
	if aligned {
		reasons = append(reasons, fmt.Sprintf("imbalance:%.2f", snap.OrderbookImbalance))
	}

	if len(reasons) >= 2 {
		return OrderTypeMarket, reasons
	}
	return OrderTypeLimit, reasons
}

// sizeSell resolves the SELL quantity against the actual held balance.
// Returns (quantity, nil) to proceed or (0, result) to abort.
func (e *Executor) sizeSell(ctx context.Context, sig Signal, snap *condition.Snapshot, notional float64) (float64, *OrderResult) {
	if sig.Side != SideSell {
		return 0, nil
	}

	ref := e.referencePrice(sig, snap)
	if ref <= 0 {
		return 0, failure(sig.Market, sig.Side, ErrCodeException, "no reference price for sell sizing")
	}
	requested := notional / ref

	coin := market.Coin(sig.Market)
	balances, err := e.api.GetBalances(ctx)
	if err != nil {
		e.breaker.RecordFailure(sig.Market, "balance fetch failed")
		return 0, failure(sig.Market, sig.Side, ErrCodeAPIError, fmt.Sprintf("balance fetch failed: %v", err))
	}

	var held float64
	for i := range balances {
		if balances[i].Currency == coin {
			held = balances[i].Balance
			break
		}
	}
	if held <= 0 {
		return 0, failure(sig.Market, sig.Side, ErrCodeException, fmt.Sprintf("no %s balance to sell", coin))
	}
	if held < requested {
		e.logger.Warn().
			Str("market", sig.Market).
			Float64("requested", requested).
			Float64("held", held).
			Msg("sell resized to held balance")
		return held, nil
	}
	return requested, nil
}

func (e *Executor) submitAndVerify(ctx context.Context, sig Signal, snap *condition.Snapshot, orderType string, notional, quantity float64) *OrderResult {
	order, limitPrice, submitErr := e.submit(ctx, sig, snap, orderType, notional, quantity)
	if submitErr != nil {
		if orderType == OrderTypeMarket {
			// Market submission failed; one shot at crossing with a limit.
			e.logger.Warn().Err(submitErr).Str("market", sig.Market).Msg("market order failed, falling back to limit")
			orderType = OrderTypeLimit
			order, limitPrice, submitErr = e.submit(ctx, sig, snap, orderType, notional, quantity)
		}
		if submitErr != nil {
			code := ErrCodeAPIError
			if upbit.IsMarketSuspended(submitErr) {
				code = ErrCodeMarketSuspended
			}
			e.breaker.RecordFailure(sig.Market, submitErr.Error())
			return failure(sig.Market, sig.Side, code, submitErr.Error())
		}
	}

	if orderType == OrderTypeLimit {
		filled, latest := e.quickFillCheck(ctx, order)
		if !filled {
			if e.pending != nil {
				track := PendingTrack{
					Order:      latest,
					Signal:     sig,
					Notional:   notional,
					Quantity:   latest.Volume,
					LimitPrice: limitPrice,
					Snapshot:   snap,
				}
				if err := e.pending.Track(ctx, track); err != nil {
					e.logger.Error().Err(err).Str("order_id", order.UUID).Msg("pending handoff failed")
				}
				return &OrderResult{
					Market:    sig.Market,
					Side:      sig.Side,
					OrderType: orderType,
					OrderID:   order.UUID,
					IsPending: true,
				}
			}
			if _, err := e.api.CancelOrder(ctx, order.UUID); err != nil && !upbit.IsAlreadyFilled(err) {
				e.logger.Error().Err(err).Str("order_id", order.UUID).Msg("cancel of unfilled limit order failed")
			}
			e.breaker.RecordFailure(sig.Market, "limit order not filled in quick window")
			return failure(sig.Market, sig.Side, ErrCodeNoFill, "limit order not filled in quick window")
		}
		order = latest
	}

	verified, err := e.verify(ctx, order)
	if err != nil {
		e.breaker.RecordFailure(sig.Market, err.Error())
		return failure(sig.Market, sig.Side, ErrCodeVerificationFailed, err.Error())
	}
	if verified.ExecutedVolume <= 0 {
		e.breaker.RecordFailure(sig.Market, "order reached terminal state with zero fill")
		return failure(sig.Market, sig.Side, ErrCodeNoFill, "order reached terminal state with zero fill")
	}

	return e.analyzeAndRecord(ctx, sig, snap, orderType, notional, verified)
}

func (e *Executor) submit(ctx context.Context, sig Signal, snap *condition.Snapshot, orderType string, notional, quantity float64) (*upbit.Order, float64, error) {
	switch {
	case orderType == OrderTypeMarket && sig.Side == SideBuy:
		o, err := e.api.BuyMarketOrder(ctx, sig.Market, notional)
		return o, 0, err
	case orderType == OrderTypeMarket && sig.Side == SideSell:
		o, err := e.api.SellMarketOrder(ctx, sig.Market, quantity)
		return o, 0, err
	case sig.Side == SideBuy:
		// Cross at the best ask so the order fills immediately when the book
		// holds still.
		price := snap.BestAsk
		if price <= 0 {
			return nil, 0, fmt.Errorf("no ask price for limit buy")
		}
		qty := notional / price
		o, err := e.api.BuyLimitOrder(ctx, sig.Market, price, qty)
		return o, price, err
	default:
		price := snap.BestBid
		if price <= 0 {
			return nil, 0, fmt.Errorf("no bid price for limit sell")
		}
		o, err := e.api.SellLimitOrder(ctx, sig.Market, price, quantity)
		return o, price, err
	}
}

// quickFillCheck polls a fresh limit order a couple of times before giving
// it to the pending manager. Returns the latest observed order state.
func (e *Executor) quickFillCheck(ctx context.Context, order *upbit.Order) (bool, *upbit.Order) {
	latest := order
	// The submit response may already report the order done or past the
	// acceptance threshold; no polling needed then.
	if latest.IsDone() || latest.FillRate() >= e.execCfg.FillAcceptThreshold {
		return true, latest
	}
	for i := 0; i < e.execCfg.QuickFillChecks; i++ {
		if err := sleepCtx(ctx, e.execCfg.QuickFillInterval); err != nil {
			return false, latest
		}
		o, err := e.api.GetOrder(ctx, order.UUID)
		if err != nil {
			continue
		}
		latest = o
		if o.IsDone() || o.FillRate() >= e.execCfg.FillAcceptThreshold {
			return true, latest
		}
	}
	return false, latest
}

// verify polls the order until it reaches done, cancel, or an acceptable
// fill while waiting. Backoff doubles from the base delay up to the cap.
func (e *Executor) verify(ctx context.Context, order *upbit.Order) (*upbit.Order, error) {
	if order.IsDone() {
		return order, nil
	}

	delay := e.execCfg.VerifyBaseDelay
	latest := order
	for attempt := 0; attempt < e.execCfg.VerifyMaxAttempts; attempt++ {
		o, err := e.api.GetOrder(ctx, order.UUID)
		if err == nil {
			latest = o
			switch {
			case o.IsDone(), o.State == upbit.OrderStateCancel:
				return o, nil
			case o.State == upbit.OrderStateWait && o.FillRate() >= e.execCfg.FillAcceptThreshold:
				return o, nil
			}
		}

		if err := sleepCtx(ctx, delay); err != nil {
			return latest, fmt.Errorf("verification interrupted: %w", err)
		}
		delay *= 2
		if delay > e.execCfg.VerifyMaxDelay {
			delay = e.execCfg.VerifyMaxDelay
		}
	}
	return latest, fmt.Errorf("order %s not verified after %d attempts (state=%s, fill=%.1f%%)",
		order.UUID, e.execCfg.VerifyMaxAttempts, latest.State, latest.FillRate()*100)
}

func (e *Executor) analyzeAndRecord(ctx context.Context, sig Signal, snap *condition.Snapshot, orderType string, notional float64, order *upbit.Order) *OrderResult {
	executedPrice := e.executedPrice(sig.Side, notional, order)
	if executedPrice <= 0 {
		executedPrice = snap.MidPrice
	}

	ref := e.referencePrice(sig, snap)
	slippage := signedSlippage(sig.Side, ref, executedPrice)

	fillRate := order.FillRate()
	result := &OrderResult{
		Success:          true,
		Market:           sig.Market,
		Side:             sig.Side,
		OrderType:        orderType,
		OrderID:          order.UUID,
		ExecutedPrice:    executedPrice,
		ExecutedQuantity: order.ExecutedVolume,
		Amount:           executedPrice * order.ExecutedVolume,
		Fee:              order.PaidFee,
		SlippagePercent:  slippage,
		FillRate:         fillRate,
	}

	if slippage >= e.execCfg.SlippageCriticalPercent {
		e.logger.Error().
			Str("market", sig.Market).
			Float64("slippage_pct", slippage).
			Msg("critical slippage on execution")
	} else if slippage >= e.execCfg.SlippageWarnPercent {
		e.logger.Warn().
			Str("market", sig.Market).
			Float64("slippage_pct", slippage).
			Msg("elevated slippage on execution")
	}
	if fillRate < 1.0 && fillRate < e.execCfg.PartialFillWarnThreshold {
		e.logger.Warn().
			Str("market", sig.Market).
			Str("order_id", order.UUID).
			Float64("fill_rate", fillRate).
			Msg("partial fill below warning threshold")
	}

	e.persistTrade(ctx, sig, result, false)

	e.breaker.RecordSuccess(sig.Market)
	if slippage > 0 {
		e.breaker.RecordSlippage(sig.Market, slippage)
	}
	if result.PnL != nil && result.PnLPercent != nil {
		e.breaker.RecordTradeResult(sig.Market, *result.PnLPercent, *result.PnL)
		e.throttle.RecordResult(sig.Market, sig.Strategy, *result.PnLPercent)
	}

	e.logger.Info().
		Str("market", sig.Market).
		Str("side", sig.Side).
		Str("order_type", orderType).
		Str("order_id", order.UUID).
		Float64("price", executedPrice).
		Float64("quantity", order.ExecutedVolume).
		Float64("slippage_pct", slippage).
		Msg("order executed")
	return result
}

// simulate synthesizes a fill without touching the exchange.
func (e *Executor) simulate(ctx context.Context, sig Signal, notional float64) *OrderResult {
	price := sig.Price
	if price <= 0 {
		tickers, err := e.api.GetCurrentPrice(ctx, sig.Market)
		if err != nil || len(tickers) == 0 {
			return failure(sig.Market, sig.Side, ErrCodeException, "no price available for simulation")
		}
		price = tickers[0].TradePrice
	}
	if price <= 0 {
		return failure(sig.Market, sig.Side, ErrCodeException, "no price available for simulation")
	}

	quantity := notional / price
	result := &OrderResult{
		Success:          true,
		Simulated:        true,
		Market:           sig.Market,
		Side:             sig.Side,
		OrderType:        OrderTypeMarket,
		OrderID:          fmt.Sprintf("SIM-%d", e.now().UnixMilli()),
		ExecutedPrice:    price,
		ExecutedQuantity: quantity,
		Amount:           notional,
		Fee:              notional * 0.0005,
		FillRate:         1.0,
	}

	e.persistTrade(ctx, sig, result, true)
	e.logger.Info().
		Str("market", sig.Market).
		Str("side", sig.Side).
		Str("order_id", result.OrderID).
		Float64("price", price).
		Msg("simulated order")
	return result
}

// persistTrade appends the trade record. Price must be positive; a record
// that still has no price after the mid fallback is dropped with an error.
func (e *Executor) persistTrade(ctx context.Context, sig Signal, result *OrderResult, simulated bool) {
	if result.ExecutedPrice <= 0 || result.ExecutedQuantity <= 0 {
		e.logger.Error().
			Str("market", sig.Market).
			Str("order_id", result.OrderID).
			Float64("price", result.ExecutedPrice).
			Float64("quantity", result.ExecutedQuantity).
			Msg("refusing to persist trade without price or quantity")
		return
	}

	trade := &database.Trade{
		OrderID:         result.OrderID,
		Market:          sig.Market,
		Side:            sig.Side,
		OrderType:       result.OrderType,
		Price:           result.ExecutedPrice,
		Quantity:        result.ExecutedQuantity,
		Amount:          result.Amount,
		Fee:             result.Fee,
		SlippagePercent: result.SlippagePercent,
		IsPartialFill:   result.FillRate > 0 && result.FillRate < 1.0,
		Strategy:        sig.Strategy,
		Regime:          sig.Regime,
		Confidence:      sig.Confidence,
		Reason:          sig.Reason,
		Simulated:       simulated,
	}

	if sig.Side == SideSell {
		history, err := e.store.GetTradesByMarket(ctx, sig.Market, simulated, fifoHistoryLimit)
		if err != nil {
			e.logger.Error().Err(err).Str("market", sig.Market).Msg("trade history fetch failed, pnl skipped")
		} else {
			pnl, pnlPct, ok := fifoPnL(history, result.ExecutedQuantity, result.ExecutedPrice, result.Fee)
			if ok {
				trade.PnL = &pnl
				trade.PnLPercent = &pnlPct
				result.PnL = &pnl
				result.PnLPercent = &pnlPct
			}
		}
	}

	if err := e.store.SaveTrade(ctx, trade); err != nil {
		// Persistence is best effort; execution already happened.
		e.logger.Error().Err(err).Str("order_id", result.OrderID).Msg("trade persist failed")
		return
	}

	if trade.PnL != nil {
		statDate := seoulDate(e.now())
		if err := e.store.RecordTradeResult(ctx, statDate, *trade.PnL, trade.Fee); err != nil {
			e.logger.Error().Err(err).Msg("daily stat update failed")
		}
	}
}

// executedPrice resolves the effective fill price from order fields.
func (e *Executor) executedPrice(side string, notional float64, order *upbit.Order) float64 {
	if order.ExecutedVolume <= 0 {
		return 0
	}
	if side == SideBuy {
		if order.Locked > 0 {
			return order.Locked / order.ExecutedVolume
		}
		return notional / order.ExecutedVolume
	}
	if order.Price > 0 {
		return order.Price
	}
	return 0
}

func (e *Executor) referencePrice(sig Signal, snap *condition.Snapshot) float64 {
	if sig.Price > 0 {
		return sig.Price
	}
	return snap.MidPrice
}

// signedSlippage normalizes sign so positive always means worse than the
// reference: paid more on a buy, received less on a sell.
func signedSlippage(side string, ref, executed float64) float64 {
	if ref <= 0 || executed <= 0 {
		return 0
	}
	if side == SideBuy {
		return (executed - ref) / ref * 100
	}
	return (ref - executed) / ref * 100
}

func seoulDate(now time.Time) time.Time {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
