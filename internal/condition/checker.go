// Package condition snapshots market quality ahead of order submission.
package condition

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"upbit-trading-bot/internal/upbit"
)

// Snapshot captures top-of-book state and derived quality metrics for one
// market at one point in time.
type Snapshot struct {
	Market             string   `json:"market"`
	MidPrice           float64  `json:"mid_price"`
	BestAsk            float64  `json:"best_ask"`
	BestBid            float64  `json:"best_bid"`
	SpreadPercent      float64  `json:"spread_percent"`
	Volatility1m       float64  `json:"volatility_1m"`       // percent
	LiquidityRatio     float64  `json:"liquidity_ratio"`     // top-of-book depth / order notional
	OrderbookImbalance float64  `json:"orderbook_imbalance"` // (bid-ask)/(bid+ask) in [-1,1]
	CanTrade           bool     `json:"can_trade"`
	Issues             []string `json:"issues,omitempty"`
}

// Config holds the tradability thresholds.
type Config struct {
	MaxSpreadPercent  float64 // reject above this spread
	MaxVolatility1m   float64 // reject above this 1m volatility
	MinLiquidityRatio float64 // reject when depth/notional falls below
	DepthLevels       int     // order book levels for depth and imbalance
	CandleCount       int     // 1m candles for the volatility window
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		MaxSpreadPercent:  0.8,
		MaxVolatility1m:   3.0,
		MinLiquidityRatio: 2.0,
		DepthLevels:       5,
		CandleCount:       10,
	}
}

// Checker evaluates whether a market is in shape to trade.
type Checker struct {
	api    upbit.API
	cfg    Config
	logger zerolog.Logger
}

// NewChecker creates a market condition checker.
func NewChecker(api upbit.API, cfg Config, logger zerolog.Logger) *Checker {
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 5
	}
	if cfg.CandleCount <= 0 {
		cfg.CandleCount = 10
	}
	return &Checker{
		api:    api,
		cfg:    cfg,
		logger: logger.With().Str("component", "condition_checker").Logger(),
	}
}

// Check returns a market snapshot and a tradability verdict for an order of
// the given KRW notional. Data-fetch failures are not fatal: the snapshot
// comes back with CanTrade=false and the failure listed in Issues.
func (c *Checker) Check(ctx context.Context, marketID string, notional float64) *Snapshot {
	snap := &Snapshot{Market: marketID}

	books, err := c.api.GetOrderbook(ctx, marketID)
	if err != nil || len(books) == 0 || len(books[0].OrderbookUnits) == 0 {
		if err == nil {
			err = fmt.Errorf("empty orderbook")
		}
		c.logger.Warn().Err(err).Str("market", marketID).Msg("orderbook fetch failed")
		snap.Issues = append(snap.Issues, "ORDERBOOK_UNAVAILABLE")
		return snap
	}

	book := books[0]
	top := book.OrderbookUnits[0]
	snap.BestAsk = top.AskPrice
	snap.BestBid = top.BidPrice
	snap.MidPrice = (top.AskPrice + top.BidPrice) / 2
	if snap.MidPrice > 0 {
		snap.SpreadPercent = (top.AskPrice - top.BidPrice) / snap.MidPrice * 100
	}

	levels := c.cfg.DepthLevels
	if levels > len(book.OrderbookUnits) {
		levels = len(book.OrderbookUnits)
	}
	var bidVol, askVol, bidDepthKRW float64
	for _, u := range book.OrderbookUnits[:levels] {
		bidVol += u.BidSize
		askVol += u.AskSize
		bidDepthKRW += u.BidSize * u.BidPrice
	}
	if bidVol+askVol > 0 {
		snap.OrderbookImbalance = (bidVol - askVol) / (bidVol + askVol)
	}
	if notional > 0 {
		snap.LiquidityRatio = bidDepthKRW / notional
	}

	if vol, err := c.volatility1m(ctx, marketID); err != nil {
		c.logger.Warn().Err(err).Str("market", marketID).Msg("candle fetch failed")
		snap.Issues = append(snap.Issues, "VOLATILITY_UNAVAILABLE")
	} else {
		snap.Volatility1m = vol
	}

	c.applyVerdict(snap, notional)
	return snap
}

func (c *Checker) applyVerdict(snap *Snapshot, notional float64) {
	if snap.SpreadPercent > c.cfg.MaxSpreadPercent {
		snap.Issues = append(snap.Issues, fmt.Sprintf("SPREAD_TOO_WIDE:%.3f%%", snap.SpreadPercent))
	}
	if snap.Volatility1m > c.cfg.MaxVolatility1m {
		snap.Issues = append(snap.Issues, fmt.Sprintf("VOLATILITY_TOO_HIGH:%.2f%%", snap.Volatility1m))
	}
	if notional > 0 && snap.LiquidityRatio < c.cfg.MinLiquidityRatio {
		snap.Issues = append(snap.Issues, fmt.Sprintf("THIN_LIQUIDITY:%.2f", snap.LiquidityRatio))
	}
	if snap.MidPrice <= 0 {
		snap.Issues = append(snap.Issues, "NO_PRICE")
	}
	snap.CanTrade = len(snap.Issues) == 0
}

// volatility1m is the standard deviation of close-to-close minute returns
// over the candle window, in percent.
func (c *Checker) volatility1m(ctx context.Context, marketID string) (float64, error) {
	candles, err := c.api.GetMinuteCandles(ctx, marketID, c.cfg.CandleCount)
	if err != nil {
		return 0, err
	}
	if len(candles) < 2 {
		return 0, nil
	}

	// candles arrive newest first
	returns := make([]float64, 0, len(candles)-1)
	for i := 0; i < len(candles)-1; i++ {
		prev := candles[i+1].TradePrice
		if prev <= 0 {
			continue
		}
		returns = append(returns, (candles[i].TradePrice-prev)/prev)
	}
	if len(returns) == 0 {
		return 0, nil
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance) * 100, nil
}
