// Package circuit implements the per-market trading circuit breaker.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
)

// State represents the circuit breaker state for one market
type State string

const (
	StateClosed   State = "CLOSED"    // normal operation
	StateOpen     State = "OPEN"      // new entries rejected
	StateHalfOpen State = "HALF_OPEN" // cautious resume, one probe allowed
)

// seoul is the day boundary for daily-loss accounting. Timestamps stay UTC;
// only the reset schedule follows the exchange's local day.
var seoul = mustLoadSeoul()

func mustLoadSeoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

// marketState holds the per-market counters and trip bookkeeping.
type marketState struct {
	state             State
	consecutiveFails  int
	consecutiveLosses int
	slippageWindow    []float64
	dailyLossKRW      float64
	dailyResetAt      time.Time
	trippedAt         time.Time
	tripReason        string
	cooldown          time.Duration
	probeInFlight     bool
}

// Breaker suppresses new entries on markets whose recent outcomes exceed the
// configured thresholds. One instance serves all markets.
type Breaker struct {
	mu      sync.Mutex
	cfg     config.CircuitBreakerConfig
	markets map[string]*marketState
	logger  zerolog.Logger
	now     func() time.Time // injectable for tests
	onTrip  func(market, reason string)
}

// NewBreaker creates a circuit breaker with the given thresholds.
func NewBreaker(cfg config.CircuitBreakerConfig, logger zerolog.Logger) *Breaker {
	if cfg.MaxConsecutiveFails <= 0 {
		cfg.MaxConsecutiveFails = 3
	}
	if cfg.MaxConsecutiveLosses <= 0 {
		cfg.MaxConsecutiveLosses = 3
	}
	if cfg.SlippageWindowSize <= 0 {
		cfg.SlippageWindowSize = 10
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = 8 * cfg.Cooldown
	}
	return &Breaker{
		cfg:     cfg,
		markets: make(map[string]*marketState),
		logger:  logger.With().Str("component", "circuit_breaker").Logger(),
		now:     time.Now,
	}
}

// OnTrip registers a callback invoked (in its own goroutine) when any market trips.
func (b *Breaker) OnTrip(fn func(market, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

func (b *Breaker) market(id string) *marketState {
	ms, ok := b.markets[id]
	if !ok {
		ms = &marketState{
			state:        StateClosed,
			cooldown:     b.cfg.Cooldown,
			dailyResetAt: nextSeoulMidnight(b.now()),
		}
		b.markets[id] = ms
	}
	return ms
}

// Allow reports whether a new entry on the market may proceed. In HALF_OPEN
// at most one probe is allowed at a time; the probe slot is released by the
// next RecordSuccess or RecordFailure for the market.
func (b *Breaker) Allow(marketID string) (bool, string) {
	if !b.cfg.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ms := b.market(marketID)
	b.rollDay(ms)

	switch ms.state {
	case StateClosed:
		return true, ""
	case StateOpen:
		if b.now().Sub(ms.trippedAt) < ms.cooldown {
			remaining := ms.cooldown - b.now().Sub(ms.trippedAt)
			return false, fmt.Sprintf("circuit open (%s), %s remaining", ms.tripReason, remaining.Round(time.Second))
		}
		ms.state = StateHalfOpen
		ms.probeInFlight = false
		fallthrough
	case StateHalfOpen:
		if ms.probeInFlight {
			return false, "half-open probe already in flight"
		}
		ms.probeInFlight = true
		return true, ""
	}
	return true, ""
}

// RecordSuccess records a successful execution. A success while HALF_OPEN
// closes the breaker and restores the base cooldown.
func (b *Breaker) RecordSuccess(marketID string) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ms := b.market(marketID)
	ms.consecutiveFails = 0
	ms.probeInFlight = false

	if ms.state == StateHalfOpen {
		ms.state = StateClosed
		ms.cooldown = b.cfg.Cooldown
		ms.tripReason = ""
		b.logger.Info().Str("market", marketID).Msg("circuit closed after successful probe")
	}
}

// RecordFailure records an execution failure. Failures while HALF_OPEN
// re-open immediately with the cooldown doubled (capped).
func (b *Breaker) RecordFailure(marketID, reason string) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ms := b.market(marketID)
	ms.consecutiveFails++
	ms.probeInFlight = false

	if ms.state == StateHalfOpen {
		ms.cooldown *= 2
		if ms.cooldown > b.cfg.MaxCooldown {
			ms.cooldown = b.cfg.MaxCooldown
		}
		b.trip(marketID, ms, fmt.Sprintf("failure during half-open probe: %s", reason))
		return
	}

	if ms.state == StateClosed && ms.consecutiveFails >= b.cfg.MaxConsecutiveFails {
		b.trip(marketID, ms, fmt.Sprintf("%d consecutive execution failures (last: %s)", ms.consecutiveFails, reason))
	}
}

// RecordSlippage adds a slippage sample (percent, positive = adverse) to the
// rolling window and trips when the window mean exceeds the threshold.
func (b *Breaker) RecordSlippage(marketID string, slippagePercent float64) {
	if !b.cfg.Enabled || math.IsNaN(slippagePercent) || math.IsInf(slippagePercent, 0) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ms := b.market(marketID)
	ms.slippageWindow = append(ms.slippageWindow, slippagePercent)
	if len(ms.slippageWindow) > b.cfg.SlippageWindowSize {
		ms.slippageWindow = ms.slippageWindow[len(ms.slippageWindow)-b.cfg.SlippageWindowSize:]
	}

	if ms.state != StateClosed || len(ms.slippageWindow) < b.cfg.SlippageWindowSize/2 {
		return
	}

	var sum float64
	for _, s := range ms.slippageWindow {
		sum += s
	}
	mean := sum / float64(len(ms.slippageWindow))
	if mean > b.cfg.SlippageMeanThreshold {
		b.trip(marketID, ms, fmt.Sprintf("rolling mean slippage %.3f%% over threshold %.3f%%", mean, b.cfg.SlippageMeanThreshold))
	}
}

// RecordTradeResult records a realized trade outcome.
func (b *Breaker) RecordTradeResult(marketID string, pnlPercent, pnlKRW float64) {
	if !b.cfg.Enabled || math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ms := b.market(marketID)
	b.rollDay(ms)

	if pnlPercent < 0 {
		ms.consecutiveLosses++
		if pnlKRW < 0 {
			ms.dailyLossKRW += -pnlKRW
		}
	} else {
		ms.consecutiveLosses = 0
	}

	if ms.state != StateClosed {
		return
	}

	if ms.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		b.trip(marketID, ms, fmt.Sprintf("%d consecutive losing trades", ms.consecutiveLosses))
		return
	}
	if b.cfg.DailyLossLimitKRW > 0 && ms.dailyLossKRW >= b.cfg.DailyLossLimitKRW {
		// Open until the next Seoul day boundary.
		ms.cooldown = ms.dailyResetAt.Sub(b.now())
		b.trip(marketID, ms, fmt.Sprintf("daily loss %.0f KRW over limit %.0f KRW", ms.dailyLossKRW, b.cfg.DailyLossLimitKRW))
	}
}

// trip opens the breaker for a market; caller holds the lock.
func (b *Breaker) trip(marketID string, ms *marketState, reason string) {
	ms.state = StateOpen
	ms.trippedAt = b.now()
	ms.tripReason = reason
	ms.probeInFlight = false

	b.logger.Warn().
		Str("market", marketID).
		Str("reason", reason).
		Dur("cooldown", ms.cooldown).
		Msg("circuit breaker tripped")

	if b.onTrip != nil {
		go b.onTrip(marketID, reason)
	}
}

// rollDay resets daily counters past the Seoul midnight boundary;
// caller holds the lock.
func (b *Breaker) rollDay(ms *marketState) {
	now := b.now()
	if now.After(ms.dailyResetAt) {
		ms.dailyLossKRW = 0
		ms.dailyResetAt = nextSeoulMidnight(now)
	}
}

func nextSeoulMidnight(now time.Time) time.Time {
	local := now.In(seoul)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, seoul).AddDate(0, 0, 1)
	return next.UTC()
}

// MarketStatus is a read-only view of one market's breaker state.
type MarketStatus struct {
	Market            string    `json:"market"`
	State             State     `json:"state"`
	ConsecutiveFails  int       `json:"consecutive_fails"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	DailyLossKRW      float64   `json:"daily_loss_krw"`
	TripReason        string    `json:"trip_reason,omitempty"`
	TrippedAt         time.Time `json:"tripped_at,omitempty"`
}

// Status returns the current state of every tracked market.
func (b *Breaker) Status() []MarketStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]MarketStatus, 0, len(b.markets))
	for id, ms := range b.markets {
		out = append(out, MarketStatus{
			Market:            id,
			State:             ms.state,
			ConsecutiveFails:  ms.consecutiveFails,
			ConsecutiveLosses: ms.consecutiveLosses,
			DailyLossKRW:      ms.dailyLossKRW,
			TripReason:        ms.tripReason,
			TrippedAt:         ms.trippedAt,
		})
	}
	return out
}

// StateOf returns the breaker state for one market.
func (b *Breaker) StateOf(marketID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.market(marketID).state
}

// Reset manually closes the breaker for a market and clears its counters.
func (b *Breaker) Reset(marketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ms := b.market(marketID)
	ms.state = StateClosed
	ms.consecutiveFails = 0
	ms.consecutiveLosses = 0
	ms.slippageWindow = nil
	ms.tripReason = ""
	ms.cooldown = b.cfg.Cooldown
	ms.probeInFlight = false

	b.logger.Info().Str("market", marketID).Msg("circuit breaker manually reset")
}

// SetClock overrides the time source (tests only).
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
