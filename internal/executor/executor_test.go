package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/condition"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/upbit"
)

// ---- test doubles ----

type fakeStore struct {
	mu     sync.Mutex
	trades []database.Trade
	stats  int
}

func (f *fakeStore) SaveTrade(ctx context.Context, t *database.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = int64(len(f.trades) + 1)
	f.trades = append(f.trades, *t)
	return nil
}

func (f *fakeStore) GetTradesByMarket(ctx context.Context, market string, simulated bool, limit int) ([]database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.Trade
	// newest first, as the repository returns them
	for i := len(f.trades) - 1; i >= 0; i-- {
		t := f.trades[i]
		if t.Market == market && t.Simulated == simulated {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) RecordTradeResult(ctx context.Context, statDate time.Time, pnl, fee float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats++
	return nil
}

type fakeBreaker struct {
	mu        sync.Mutex
	allowed   bool
	reason    string
	successes int
	failures  []string
	slippages []float64
	results   []float64
}

func (f *fakeBreaker) Allow(market string) (bool, string) { return f.allowed, f.reason }
func (f *fakeBreaker) RecordSuccess(market string) {
	f.mu.Lock()
	f.successes++
	f.mu.Unlock()
}
func (f *fakeBreaker) RecordFailure(market, reason string) {
	f.mu.Lock()
	f.failures = append(f.failures, reason)
	f.mu.Unlock()
}
func (f *fakeBreaker) RecordSlippage(market string, s float64) {
	f.mu.Lock()
	f.slippages = append(f.slippages, s)
	f.mu.Unlock()
}
func (f *fakeBreaker) RecordTradeResult(market string, pnlPercent, pnlKRW float64) {
	f.mu.Lock()
	f.results = append(f.results, pnlPercent)
	f.mu.Unlock()
}

type fakeThrottle struct {
	multiplier float64
	recorded   []float64
}

func (f *fakeThrottle) Evaluate(market, strategy string) risk.Decision {
	return risk.Decision{Multiplier: f.multiplier, Reason: "test"}
}
func (f *fakeThrottle) RecordResult(market, strategy string, pnlPercent float64) {
	f.recorded = append(f.recorded, pnlPercent)
}

type fakeChecker struct {
	snap *condition.Snapshot
}

func (f *fakeChecker) Check(ctx context.Context, market string, notional float64) *condition.Snapshot {
	s := *f.snap
	s.Market = market
	return &s
}

type fakePending struct {
	mu     sync.Mutex
	tracks []PendingTrack
}

func (f *fakePending) Track(ctx context.Context, t PendingTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, t)
	return nil
}

// ---- fixtures ----

func testExecCfg() config.ExecutionConfig {
	return config.ExecutionConfig{
		QuickFillChecks:          2,
		QuickFillInterval:        0,
		VerifyMaxAttempts:        3,
		VerifyBaseDelay:          0,
		VerifyMaxDelay:           0,
		FillAcceptThreshold:      0.90,
		SlippageWarnPercent:      0.5,
		SlippageCriticalPercent:  2.0,
		PartialFillWarnThreshold: 0.5,
		HighVolatilityPercent:    1.0,
		HighConfidenceThreshold:  85,
		ThinLiquidityRatio:       3.0,
		ImbalanceThreshold:       0.3,
	}
}

func healthySnapshot() *condition.Snapshot {
	return &condition.Snapshot{
		MidPrice:           100_000_000,
		BestAsk:            100_050_000,
		BestBid:            99_950_000,
		SpreadPercent:      0.1,
		Volatility1m:       0.2,
		LiquidityRatio:     10,
		OrderbookImbalance: 0.1,
		CanTrade:           true,
	}
}

type harness struct {
	exec     *Executor
	api      *upbit.MockClient
	store    *fakeStore
	breaker  *fakeBreaker
	throttle *fakeThrottle
	pending  *fakePending
}

func newHarness(tradingEnabled bool, snap *condition.Snapshot) *harness {
	h := &harness{
		api:      upbit.NewMockClient(),
		store:    &fakeStore{},
		breaker:  &fakeBreaker{allowed: true},
		throttle: &fakeThrottle{multiplier: 1.0},
		pending:  &fakePending{},
	}
	h.exec = New(
		h.api,
		&fakeChecker{snap: snap},
		h.breaker,
		h.throttle,
		h.store,
		h.pending,
		testExecCfg(),
		config.TradingConfig{Enabled: tradingEnabled, MinOrderAmountKRW: 5100},
		zerolog.Nop(),
	)
	return h
}

// ---- tests ----

func TestMarketBuyHappyPath(t *testing.T) {
	h := newHarness(true, healthySnapshot())
	h.api.BuyMarketFn = func(ctx context.Context, market string, krw float64) (*upbit.Order, error) {
		if krw != 10_000 {
			t.Errorf("notional = %v, want 10000", krw)
		}
		return &upbit.Order{
			UUID:           "ord-1",
			Side:           upbit.SideBid,
			OrdType:        upbit.OrdTypePrice,
			State:          upbit.OrderStateDone,
			Market:         market,
			ExecutedVolume: 0.0001,
			Locked:         10_000,
			PaidFee:        4,
		}, nil
	}

	sig := Signal{Market: "KRW-BTC", Side: SideBuy, Price: 100_000_000, Confidence: 90, Strategy: "MEME_SCALPER"}
	res := h.exec.Execute(context.Background(), sig, 10_000)

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.OrderType != OrderTypeMarket {
		t.Errorf("order type = %s, want MARKET", res.OrderType)
	}
	if res.ExecutedPrice != 100_000_000 {
		t.Errorf("executed price = %v, want 100000000", res.ExecutedPrice)
	}
	if res.SlippagePercent != 0 {
		t.Errorf("slippage = %v, want 0", res.SlippagePercent)
	}
	if len(h.store.trades) != 1 {
		t.Fatalf("trades persisted = %d, want 1", len(h.store.trades))
	}
	if h.breaker.successes != 1 {
		t.Errorf("breaker successes = %d, want 1", h.breaker.successes)
	}
	if len(h.pending.tracks) != 0 {
		t.Error("no pending record expected for a filled market order")
	}
}

func TestCircuitBreakerRejectsWithoutExchangeCalls(t *testing.T) {
	h := newHarness(true, healthySnapshot())
	h.breaker.allowed = false
	h.breaker.reason = "circuit open"

	res := h.exec.Execute(context.Background(), Signal{Market: "KRW-ETH", Side: SideBuy, Strategy: "DCA"}, 10_000)
	if res.ErrorCode != ErrCodeCircuitBreaker {
		t.Fatalf("error code = %s, want CIRCUIT_BREAKER", res.ErrorCode)
	}
	for name, n := range h.api.Calls {
		if n > 0 {
			t.Errorf("exchange method %s called %d times, want none", name, n)
		}
	}
}

func TestMinNotionalBoundary(t *testing.T) {
	h := newHarness(false, healthySnapshot())
	h.api.GetPriceFn = func(ctx context.Context, market string) ([]upbit.Ticker, error) {
		return []upbit.Ticker{{Market: market, TradePrice: 1000}}, nil
	}

	sig := Signal{Market: "KRW-XRP", Side: SideBuy, Strategy: "DCA"}
	if res := h.exec.Execute(context.Background(), sig, 5100); !res.Success {
		t.Errorf("notional exactly at minimum must pass, got %+v", res)
	}
	if res := h.exec.Execute(context.Background(), sig, 5099); res.ErrorCode != ErrCodeBelowMinOrderAmount {
		t.Errorf("notional below minimum: code = %s, want BELOW_MIN_ORDER_AMOUNT", res.ErrorCode)
	}
}

func TestThrottleKeepsExchangeMinimum(t *testing.T) {
	h := newHarness(false, healthySnapshot())
	h.throttle.multiplier = 0.25
	h.api.GetPriceFn = func(ctx context.Context, market string) ([]upbit.Ticker, error) {
		return []upbit.Ticker{{Market: market, TradePrice: 1000}}, nil
	}

	// 6000 * 0.25 = 1500, below the minimum: the executor keeps 5100.
	res := h.exec.Execute(context.Background(), Signal{Market: "KRW-XRP", Side: SideBuy, Strategy: "DCA"}, 6000)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Amount != 5100 {
		t.Errorf("amount = %v, want the exchange minimum 5100", res.Amount)
	}
}

func TestSimulationShortCircuit(t *testing.T) {
	h := newHarness(false, healthySnapshot())
	h.api.GetPriceFn = func(ctx context.Context, market string) ([]upbit.Ticker, error) {
		return []upbit.Ticker{{Market: market, TradePrice: 2500}}, nil
	}

	res := h.exec.Execute(context.Background(), Signal{Market: "KRW-ADA", Side: SideBuy, Strategy: "DCA"}, 10_000)
	if !res.Success || !res.Simulated {
		t.Fatalf("expected simulated success, got %+v", res)
	}
	if !strings.HasPrefix(res.OrderID, "SIM-") {
		t.Errorf("order id = %s, want SIM- prefix", res.OrderID)
	}
	if len(h.store.trades) != 1 || !h.store.trades[0].Simulated {
		t.Error("simulated trade must be persisted with the simulated flag")
	}
	if h.api.CallCount("BuyMarketOrder")+h.api.CallCount("BuyLimitOrder") > 0 {
		t.Error("simulation must not submit real orders")
	}
}

func TestMarketConditionGate(t *testing.T) {
	snap := healthySnapshot()
	snap.CanTrade = false
	snap.Issues = []string{"SPREAD_TOO_WIDE:1.2%"}
	h := newHarness(true, snap)

	res := h.exec.Execute(context.Background(), Signal{Market: "KRW-BTC", Side: SideBuy, Strategy: "DCA"}, 10_000)
	if res.ErrorCode != ErrCodeMarketCondition {
		t.Fatalf("error code = %s, want MARKET_CONDITION", res.ErrorCode)
	}
	if h.api.CallCount("BuyMarketOrder")+h.api.CallCount("BuyLimitOrder") > 0 {
		t.Error("gated signal must not reach the exchange")
	}
}

func TestLimitHandoffToPendingManager(t *testing.T) {
	h := newHarness(true, healthySnapshot())
	h.api.BuyLimitFn = func(ctx context.Context, market string, price, qty float64) (*upbit.Order, error) {
		if price != 100_050_000 {
			t.Errorf("limit buy price = %v, want best ask 100050000", price)
		}
		return &upbit.Order{UUID: "ord-2", State: upbit.OrderStateWait, Market: market, Volume: qty, Price: price}, nil
	}
	h.api.GetOrderFn = func(ctx context.Context, uuid string) (*upbit.Order, error) {
		return &upbit.Order{UUID: uuid, State: upbit.OrderStateWait, Volume: 0.0001, ExecutedVolume: 0}, nil
	}

	// Low confidence, calm market: no urgency reasons, so LIMIT is chosen.
	sig := Signal{Market: "KRW-BTC", Side: SideBuy, Price: 100_000_000, Confidence: 50, Strategy: "DCA"}
	res := h.exec.Execute(context.Background(), sig, 10_000)

	if !res.IsPending {
		t.Fatalf("expected pending handoff, got %+v", res)
	}
	if res.Success {
		t.Error("pending result must not claim success")
	}
	if len(h.pending.tracks) != 1 {
		t.Fatalf("pending tracks = %d, want 1", len(h.pending.tracks))
	}
	if h.pending.tracks[0].LimitPrice != 100_050_000 {
		t.Errorf("tracked limit price = %v", h.pending.tracks[0].LimitPrice)
	}
}

func TestMarketOrderFallsBackToLimit(t *testing.T) {
	h := newHarness(true, healthySnapshot())
	h.api.BuyMarketFn = func(ctx context.Context, market string, krw float64) (*upbit.Order, error) {
		return nil, errors.New("insufficient funds endpoint glitch")
	}
	h.api.BuyLimitFn = func(ctx context.Context, market string, price, qty float64) (*upbit.Order, error) {
		return &upbit.Order{
			UUID: "ord-3", State: upbit.OrderStateDone, Market: market,
			Volume: qty, ExecutedVolume: qty, Price: price, Locked: 0,
		}, nil
	}

	sig := Signal{Market: "KRW-BTC", Side: SideBuy, Price: 100_000_000, Confidence: 95, Strategy: "MEME_SCALPER"}
	res := h.exec.Execute(context.Background(), sig, 10_000)
	if !res.Success {
		t.Fatalf("fallback limit should succeed, got %+v", res)
	}
	if h.api.CallCount("BuyLimitOrder") != 1 {
		t.Error("limit fallback was not attempted")
	}
}

func TestLimitFilledOnSubmitSkipsPolling(t *testing.T) {
	h := newHarness(true, healthySnapshot())
	h.api.BuyLimitFn = func(ctx context.Context, market string, price, qty float64) (*upbit.Order, error) {
		return &upbit.Order{
			UUID: "ord-5", State: upbit.OrderStateDone, Market: market,
			Volume: qty, ExecutedVolume: qty, Price: price,
		}, nil
	}
	h.api.GetOrderFn = func(ctx context.Context, uuid string) (*upbit.Order, error) {
		return nil, errors.New("order lookup endpoint down")
	}

	// Calm market, low confidence: LIMIT path. The submit response already
	// reports the order done, so broken polling must not matter.
	sig := Signal{Market: "KRW-BTC", Side: SideBuy, Price: 100_000_000, Confidence: 50, Strategy: "DCA"}
	res := h.exec.Execute(context.Background(), sig, 10_000)

	if !res.Success {
		t.Fatalf("order done at submit should succeed, got %+v", res)
	}
	if res.IsPending || len(h.pending.tracks) != 0 {
		t.Error("filled order must not be handed to the pending manager")
	}
}

func TestMarketSuspendedTranslation(t *testing.T) {
	h := newHarness(true, healthySnapshot())
	suspended := &upbit.APIError{StatusCode: 400, Name: "market_suspended", Message: "market is suspended"}
	h.api.BuyMarketFn = func(ctx context.Context, market string, krw float64) (*upbit.Order, error) {
		return nil, suspended
	}
	h.api.BuyLimitFn = func(ctx context.Context, market string, price, qty float64) (*upbit.Order, error) {
		return nil, suspended
	}

	sig := Signal{Market: "KRW-LUNA", Side: SideBuy, Price: 1000, Confidence: 95, Strategy: "MEME_SCALPER"}
	res := h.exec.Execute(context.Background(), sig, 10_000)
	if res.ErrorCode != ErrCodeMarketSuspended {
		t.Fatalf("error code = %s, want MARKET_SUSPENDED", res.ErrorCode)
	}
	if len(h.breaker.failures) == 0 {
		t.Error("suspension still counts as an execution failure")
	}
}

func TestSellResizedToHeldBalance(t *testing.T) {
	h := newHarness(true, healthySnapshot())
	h.api.GetBalancesFn = func(ctx context.Context) ([]upbit.Balance, error) {
		return []upbit.Balance{{Currency: "BTC", Balance: 0.00005}}, nil
	}
	var soldQty float64
	h.api.SellMarketFn = func(ctx context.Context, market string, qty float64) (*upbit.Order, error) {
		soldQty = qty
		return &upbit.Order{
			UUID: "ord-4", State: upbit.OrderStateDone, Market: market,
			Volume: qty, ExecutedVolume: qty, Price: 100_000_000, PaidFee: 2,
		}, nil
	}

	// Requested 0.0001 BTC worth, held only 0.00005.
	sig := Signal{Market: "KRW-BTC", Side: SideSell, Price: 100_000_000, Confidence: 90, Strategy: "MEME_SCALPER"}
	res := h.exec.Execute(context.Background(), sig, 10_000)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if soldQty != 0.00005 {
		t.Errorf("sold quantity = %v, want the held balance 0.00005", soldQty)
	}
}

func TestSellWithNoBalanceFails(t *testing.T) {
	h := newHarness(true, healthySnapshot())
	h.api.GetBalancesFn = func(ctx context.Context) ([]upbit.Balance, error) {
		return []upbit.Balance{{Currency: "ETH", Balance: 1}}, nil
	}

	sig := Signal{Market: "KRW-BTC", Side: SideSell, Price: 100_000_000, Strategy: "MEME_SCALPER"}
	res := h.exec.Execute(context.Background(), sig, 10_000)
	if res.Success {
		t.Fatal("sell with no balance must fail")
	}
	if !strings.Contains(res.Error, "no BTC balance") {
		t.Errorf("error = %q, want a no-balance message", res.Error)
	}
}

func TestSellRealizesFifoPnL(t *testing.T) {
	h := newHarness(true, healthySnapshot())

	// Seed two buy lots: 0.0001 @ 90M, 0.0001 @ 100M.
	h.store.trades = []database.Trade{
		{Market: "KRW-BTC", Side: SideBuy, Price: 90_000_000, Quantity: 0.0001, Simulated: false},
		{Market: "KRW-BTC", Side: SideBuy, Price: 100_000_000, Quantity: 0.0001, Simulated: false},
	}

	h.api.GetBalancesFn = func(ctx context.Context) ([]upbit.Balance, error) {
		return []upbit.Balance{{Currency: "BTC", Balance: 0.0002}}, nil
	}
	h.api.SellMarketFn = func(ctx context.Context, market string, qty float64) (*upbit.Order, error) {
		return &upbit.Order{
			UUID: "ord-5", State: upbit.OrderStateDone, Market: market,
			Volume: qty, ExecutedVolume: qty, Price: 99_000_000, PaidFee: 0,
		}, nil
	}

	// Sell 0.0001: matched against the oldest lot at 90M, sold at 99M = +10%.
	sig := Signal{Market: "KRW-BTC", Side: SideSell, Price: 99_000_000, Strategy: "MEME_SCALPER"}
	res := h.exec.Execute(context.Background(), sig, 9_900)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.PnLPercent == nil {
		t.Fatal("realized pnl expected on sell")
	}
	if got := *res.PnLPercent; got < 9.99 || got > 10.01 {
		t.Errorf("pnl percent = %v, want ~10", got)
	}
	if len(h.breaker.results) != 1 {
		t.Error("realized pnl must be reported to the breaker")
	}
	if len(h.throttle.recorded) != 1 {
		t.Error("realized pnl must feed the risk throttle")
	}
	if h.store.stats != 1 {
		t.Error("daily stats must be updated on a realized sell")
	}
}

func TestZeroFillIsNoFill(t *testing.T) {
	h := newHarness(true, healthySnapshot())
	h.api.BuyMarketFn = func(ctx context.Context, market string, krw float64) (*upbit.Order, error) {
		return &upbit.Order{UUID: "ord-6", State: upbit.OrderStateWait, Market: market}, nil
	}
	h.api.GetOrderFn = func(ctx context.Context, uuid string) (*upbit.Order, error) {
		return &upbit.Order{UUID: uuid, State: upbit.OrderStateCancel, ExecutedVolume: 0}, nil
	}

	sig := Signal{Market: "KRW-BTC", Side: SideBuy, Price: 100_000_000, Strategy: "MEME_SCALPER"}
	res := h.exec.Execute(context.Background(), sig, 10_000)
	if res.ErrorCode != ErrCodeNoFill {
		t.Fatalf("error code = %s, want NO_FILL", res.ErrorCode)
	}
	if len(h.store.trades) != 0 {
		t.Error("zero-fill order must not be persisted")
	}
}

func TestHoldSignalRejected(t *testing.T) {
	h := newHarness(true, healthySnapshot())
	res := h.exec.Execute(context.Background(), Signal{Market: "KRW-BTC", Side: SideHold, Strategy: "DCA"}, 10_000)
	if res.ErrorCode != ErrCodeException {
		t.Errorf("error code = %s, want EXCEPTION", res.ErrorCode)
	}
}
