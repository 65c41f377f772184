package circuit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
)

func testConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:               true,
		MaxConsecutiveFails:   3,
		MaxConsecutiveLosses:  3,
		SlippageMeanThreshold: 1.0,
		SlippageWindowSize:    4,
		DailyLossLimitKRW:     50000,
		Cooldown:              5 * time.Minute,
		MaxCooldown:           40 * time.Minute,
	}
}

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	b := NewBreaker(testConfig(), zerolog.Nop())
	now := time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })
	return b, &now
}

func TestTripOnConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 2; i++ {
		b.RecordFailure("KRW-ETH", "api error")
		if ok, _ := b.Allow("KRW-ETH"); !ok {
			t.Fatalf("breaker tripped after only %d failures", i+1)
		}
	}

	b.RecordFailure("KRW-ETH", "api error")
	if ok, reason := b.Allow("KRW-ETH"); ok {
		t.Fatal("third consecutive failure must open the breaker")
	} else if reason == "" {
		t.Error("rejection must carry a reason")
	}

	// Other markets are unaffected.
	if ok, _ := b.Allow("KRW-BTC"); !ok {
		t.Error("unrelated market should remain tradable")
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure("KRW-ETH", "timeout")
	}
	if ok, _ := b.Allow("KRW-ETH"); ok {
		t.Fatal("breaker should be open")
	}

	// After the cooldown a single probe is allowed.
	*now = now.Add(6 * time.Minute)
	if ok, _ := b.Allow("KRW-ETH"); !ok {
		t.Fatal("cooldown elapsed, probe should be allowed")
	}
	if ok, _ := b.Allow("KRW-ETH"); ok {
		t.Fatal("only one half-open probe may be in flight")
	}

	b.RecordSuccess("KRW-ETH")
	if st := b.StateOf("KRW-ETH"); st != StateClosed {
		t.Errorf("state after successful probe = %s, want CLOSED", st)
	}
	if ok, _ := b.Allow("KRW-ETH"); !ok {
		t.Error("closed breaker must allow entries")
	}
}

func TestHalfOpenFailureDoublesCooldown(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure("KRW-ETH", "timeout")
	}
	*now = now.Add(6 * time.Minute)
	if ok, _ := b.Allow("KRW-ETH"); !ok {
		t.Fatal("probe should be allowed")
	}

	b.RecordFailure("KRW-ETH", "still broken")
	if st := b.StateOf("KRW-ETH"); st != StateOpen {
		t.Fatalf("state = %s, want OPEN", st)
	}

	// Base cooldown no longer suffices: it was doubled to 10 minutes.
	*now = now.Add(6 * time.Minute)
	if ok, _ := b.Allow("KRW-ETH"); ok {
		t.Error("doubled cooldown must still reject")
	}
	*now = now.Add(5 * time.Minute)
	if ok, _ := b.Allow("KRW-ETH"); !ok {
		t.Error("doubled cooldown elapsed, probe expected")
	}
}

func TestTripOnLossStreak(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordTradeResult("KRW-BTC", -1.0, -1000)
	b.RecordTradeResult("KRW-BTC", 2.0, 2000) // win resets the streak
	b.RecordTradeResult("KRW-BTC", -1.0, -1000)
	b.RecordTradeResult("KRW-BTC", -1.5, -1500)
	if ok, _ := b.Allow("KRW-BTC"); !ok {
		t.Fatal("two losses should not trip")
	}

	b.RecordTradeResult("KRW-BTC", -0.5, -500)
	if ok, _ := b.Allow("KRW-BTC"); ok {
		t.Error("three consecutive losses must trip")
	}
}

func TestTripOnDailyLossUntilSeoulMidnight(t *testing.T) {
	b, now := newTestBreaker(t)

	b.RecordTradeResult("KRW-BTC", -5.0, -60000)
	if ok, _ := b.Allow("KRW-BTC"); ok {
		t.Fatal("daily KRW loss over limit must trip")
	}

	// Still the same Seoul day an hour later (03:00 UTC = 12:00 KST).
	*now = now.Add(time.Hour)
	if ok, _ := b.Allow("KRW-BTC"); ok {
		t.Error("should stay open for the rest of the Seoul day")
	}

	// 16:00 UTC = 01:00 KST next day.
	*now = now.Add(12 * time.Hour)
	if ok, _ := b.Allow("KRW-BTC"); !ok {
		t.Error("next Seoul day should allow a probe")
	}
}

func TestTripOnMeanSlippage(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordSlippage("KRW-XRP", 2.0)
	b.RecordSlippage("KRW-XRP", 1.5)
	if ok, _ := b.Allow("KRW-XRP"); ok {
		t.Error("window half full with high mean should have tripped")
	}
}

func TestDisabledBreakerAllowsEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	b := NewBreaker(cfg, zerolog.Nop())

	for i := 0; i < 10; i++ {
		b.RecordFailure("KRW-BTC", "whatever")
	}
	if ok, _ := b.Allow("KRW-BTC"); !ok {
		t.Error("disabled breaker must not reject")
	}
}
