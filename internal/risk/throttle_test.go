package risk

import (
	"testing"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
)

func testThrottle() *Throttle {
	return NewThrottle(config.RiskThrottleConfig{
		Enabled:         true,
		WindowSize:      10,
		LossStreakMin:   2,
		ShrinkFactor:    0.5,
		MinMultiplier:   0.25,
		RecoveryWinRate: 0.6,
	}, zerolog.Nop())
}

func TestNoHistoryFullSize(t *testing.T) {
	tr := testThrottle()
	d := tr.Evaluate("KRW-BTC", "DCA")
	if d.Multiplier != 1.0 || d.SampleSize != 0 {
		t.Errorf("empty history: got %+v", d)
	}
}

func TestLossStreakShrinks(t *testing.T) {
	tr := testThrottle()
	tr.RecordResult("KRW-BTC", "DCA", -1.0)
	if d := tr.Evaluate("KRW-BTC", "DCA"); d.Multiplier != 1.0 {
		t.Errorf("single loss should not shrink, got %v", d.Multiplier)
	}

	tr.RecordResult("KRW-BTC", "DCA", -2.0)
	if d := tr.Evaluate("KRW-BTC", "DCA"); d.Multiplier != 0.5 {
		t.Errorf("two losses: multiplier = %v, want 0.5", d.Multiplier)
	}

	tr.RecordResult("KRW-BTC", "DCA", -0.5)
	if d := tr.Evaluate("KRW-BTC", "DCA"); d.Multiplier != 0.25 {
		t.Errorf("three losses: multiplier = %v, want 0.25 (floor)", d.Multiplier)
	}

	// Floor holds no matter how deep the streak goes.
	tr.RecordResult("KRW-BTC", "DCA", -0.5)
	if d := tr.Evaluate("KRW-BTC", "DCA"); d.Multiplier != 0.25 {
		t.Errorf("four losses: multiplier = %v, want 0.25", d.Multiplier)
	}
}

func TestWinBreaksStreak(t *testing.T) {
	tr := testThrottle()
	tr.RecordResult("KRW-BTC", "DCA", -1.0)
	tr.RecordResult("KRW-BTC", "DCA", -1.0)
	tr.RecordResult("KRW-BTC", "DCA", 2.0)

	if d := tr.Evaluate("KRW-BTC", "DCA"); d.Multiplier != 1.0 {
		t.Errorf("win should restore full size, got %v", d.Multiplier)
	}
}

func TestPairsAreIndependent(t *testing.T) {
	tr := testThrottle()
	tr.RecordResult("KRW-BTC", "DCA", -1.0)
	tr.RecordResult("KRW-BTC", "DCA", -1.0)

	if d := tr.Evaluate("KRW-BTC", "SCALPER"); d.Multiplier != 1.0 {
		t.Errorf("other strategy on same market should be unaffected, got %v", d.Multiplier)
	}
	if d := tr.Evaluate("KRW-ETH", "DCA"); d.Multiplier != 1.0 {
		t.Errorf("other market should be unaffected, got %v", d.Multiplier)
	}
}

func TestDisabledThrottle(t *testing.T) {
	tr := NewThrottle(config.RiskThrottleConfig{Enabled: false}, zerolog.Nop())
	tr.RecordResult("KRW-BTC", "DCA", -9.0)
	tr.RecordResult("KRW-BTC", "DCA", -9.0)
	if d := tr.Evaluate("KRW-BTC", "DCA"); d.Multiplier != 1.0 {
		t.Errorf("disabled throttle must return 1.0, got %v", d.Multiplier)
	}
}
