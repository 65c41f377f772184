// Package risk sizes entries down after drawdowns.
package risk

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
)

// Decision is the sizing verdict for one (market, strategy) pair.
type Decision struct {
	Multiplier float64 `json:"multiplier"` // in (0, 1]
	SampleSize int     `json:"sample_size"`
	Reason     string  `json:"reason"`
}

// Throttle maintains a rolling window of realized PnL per (market, strategy)
// and shrinks the entry notional during losing streaks. The executor still
// clamps the result against the exchange minimum.
type Throttle struct {
	mu      sync.Mutex
	cfg     config.RiskThrottleConfig
	windows map[string][]float64 // key: market|strategy, pnl percent, oldest first
	logger  zerolog.Logger
}

// NewThrottle creates a risk throttle.
func NewThrottle(cfg config.RiskThrottleConfig, logger zerolog.Logger) *Throttle {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.LossStreakMin <= 0 {
		cfg.LossStreakMin = 2
	}
	if cfg.ShrinkFactor <= 0 || cfg.ShrinkFactor >= 1 {
		cfg.ShrinkFactor = 0.5
	}
	if cfg.MinMultiplier <= 0 {
		cfg.MinMultiplier = 0.25
	}
	return &Throttle{
		cfg:     cfg,
		windows: make(map[string][]float64),
		logger:  logger.With().Str("component", "risk_throttle").Logger(),
	}
}

func key(marketID, strategy string) string { return marketID + "|" + strategy }

// RecordResult appends a realized PnL sample (percent) to the rolling window.
func (t *Throttle) RecordResult(marketID, strategy string, pnlPercent float64) {
	if math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(marketID, strategy)
	w := append(t.windows[k], pnlPercent)
	if len(w) > t.cfg.WindowSize {
		w = w[len(w)-t.cfg.WindowSize:]
	}
	t.windows[k] = w
}

// Evaluate returns the current position-size multiplier for the pair.
func (t *Throttle) Evaluate(marketID, strategy string) Decision {
	if !t.cfg.Enabled {
		return Decision{Multiplier: 1.0, Reason: "throttle disabled"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[key(marketID, strategy)]
	n := len(w)
	if n == 0 {
		return Decision{Multiplier: 1.0, SampleSize: 0, Reason: "no history"}
	}

	streak := 0
	for i := n - 1; i >= 0 && w[i] < 0; i-- {
		streak++
	}

	if streak >= t.cfg.LossStreakMin {
		mult := math.Pow(t.cfg.ShrinkFactor, float64(streak-t.cfg.LossStreakMin+1))
		if mult < t.cfg.MinMultiplier {
			mult = t.cfg.MinMultiplier
		}
		return Decision{
			Multiplier: mult,
			SampleSize: n,
			Reason:     fmt.Sprintf("loss streak %d, shrinking to %.2f", streak, mult),
		}
	}

	wins := 0
	for _, p := range w {
		if p > 0 {
			wins++
		}
	}
	winRate := float64(wins) / float64(n)
	if winRate >= t.cfg.RecoveryWinRate {
		return Decision{Multiplier: 1.0, SampleSize: n, Reason: fmt.Sprintf("win rate %.0f%%, full size", winRate*100)}
	}

	return Decision{Multiplier: 1.0, SampleSize: n, Reason: "neutral"}
}

// Reset clears the window for a pair (manual intervention).
func (t *Throttle) Reset(marketID, strategy string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, key(marketID, strategy))
	t.logger.Info().Str("market", marketID).Str("strategy", strategy).Msg("risk throttle window reset")
}
