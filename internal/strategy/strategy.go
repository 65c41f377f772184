// Package strategy defines the contract between external signal generators
// and the execution core. Signal generation itself lives outside this
// repository; a generator only has to produce executor.Signal values and is
// handed a Trader to act on them.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/internal/executor"
)

// Trader is the execution surface a strategy acts through. *executor.Executor
// satisfies it.
type Trader interface {
	Execute(ctx context.Context, sig executor.Signal, requestedNotional float64) *executor.OrderResult
}

// Registry gates concurrent entries per market.
type Registry interface {
	TryAcquire(ctx context.Context, market, strategy string) (bool, string)
	Release(market string)
}

// Generator produces trade signals. Next blocks until a signal is available
// or ctx is cancelled; a nil signal with nil error means the generator is
// done.
type Generator interface {
	Name() string
	Next(ctx context.Context) (*executor.Signal, error)
}

// Router drains one or more generators and routes their signals through the
// position registry into the executor. A BUY that fails after acquiring the
// market claim releases it again; a successful BUY keeps the claim until the
// position closes.
type Router struct {
	trader   Trader
	registry Registry
	notional float64
	logger   zerolog.Logger
}

// NewRouter creates a signal router. notional is the per-trade KRW budget
// requested for BUY signals.
func NewRouter(trader Trader, registry Registry, notionalKRW float64, logger zerolog.Logger) *Router {
	return &Router{
		trader:   trader,
		registry: registry,
		notional: notionalKRW,
		logger:   logger.With().Str("component", "strategy_router").Logger(),
	}
}

// Run consumes gen until it finishes or ctx is cancelled.
func (r *Router) Run(ctx context.Context, gen Generator) error {
	for {
		sig, err := gen.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("generator %s: %w", gen.Name(), err)
		}
		if sig == nil {
			return nil
		}
		r.Route(ctx, *sig)
	}
}

// Route processes one signal and returns the execution result. Rejections by
// the registry produce a failed result without touching the exchange.
func (r *Router) Route(ctx context.Context, sig executor.Signal) *executor.OrderResult {
	start := time.Now()

	if sig.Side == executor.SideBuy {
		ok, reason := r.registry.TryAcquire(ctx, sig.Market, sig.Strategy)
		if !ok {
			r.logger.Info().
				Str("market", sig.Market).
				Str("strategy", sig.Strategy).
				Str("reason", reason).
				Msg("buy signal rejected by registry")
			return &executor.OrderResult{
				Market:    sig.Market,
				Side:      sig.Side,
				ErrorCode: executor.ErrCodeMarketCondition,
				Error:     reason,
			}
		}
	}

	result := r.trader.Execute(ctx, sig, r.notional)

	// A failed BUY leaves nothing to hold; give the market back. Pending
	// orders keep the claim because they may still fill.
	if sig.Side == executor.SideBuy && !result.Success && !result.IsPending {
		r.registry.Release(sig.Market)
	}

	r.logger.Info().
		Str("market", sig.Market).
		Str("side", sig.Side).
		Str("strategy", sig.Strategy).
		Bool("success", result.Success).
		Bool("pending", result.IsPending).
		Str("error_code", result.ErrorCode).
		Dur("took", time.Since(start)).
		Msg("signal routed")
	return result
}
