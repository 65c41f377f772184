package condition

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"upbit-trading-bot/internal/upbit"
)

func bookWith(units ...upbit.OrderbookUnit) func(context.Context, string) ([]upbit.Orderbook, error) {
	return func(ctx context.Context, market string) ([]upbit.Orderbook, error) {
		return []upbit.Orderbook{{Market: market, OrderbookUnits: units}}, nil
	}
}

func flatCandles(price float64, n int) func(context.Context, string, int) ([]upbit.Candle, error) {
	return func(ctx context.Context, market string, count int) ([]upbit.Candle, error) {
		candles := make([]upbit.Candle, n)
		for i := range candles {
			candles[i] = upbit.Candle{TradePrice: price}
		}
		return candles, nil
	}
}

func TestCheckHealthyMarket(t *testing.T) {
	mock := upbit.NewMockClient()
	mock.GetOrderbookFn = bookWith(
		upbit.OrderbookUnit{AskPrice: 1001, BidPrice: 999, AskSize: 10, BidSize: 30},
		upbit.OrderbookUnit{AskPrice: 1002, BidPrice: 998, AskSize: 10, BidSize: 10},
	)
	mock.GetCandlesFn = flatCandles(1000, 10)

	checker := NewChecker(mock, DefaultConfig(), zerolog.Nop())
	snap := checker.Check(context.Background(), "KRW-BTC", 10000)

	if !snap.CanTrade {
		t.Fatalf("expected tradable market, issues: %v", snap.Issues)
	}
	if snap.MidPrice != 1000 {
		t.Errorf("mid = %v, want 1000", snap.MidPrice)
	}
	if math.Abs(snap.SpreadPercent-0.2) > 1e-9 {
		t.Errorf("spread = %v, want 0.2", snap.SpreadPercent)
	}
	// (40-20)/(40+20) = 1/3
	if math.Abs(snap.OrderbookImbalance-1.0/3.0) > 1e-9 {
		t.Errorf("imbalance = %v, want 1/3", snap.OrderbookImbalance)
	}
	if snap.Volatility1m != 0 {
		t.Errorf("flat candles should have zero volatility, got %v", snap.Volatility1m)
	}
}

func TestCheckWideSpreadRejected(t *testing.T) {
	mock := upbit.NewMockClient()
	mock.GetOrderbookFn = bookWith(
		upbit.OrderbookUnit{AskPrice: 1020, BidPrice: 1000, AskSize: 100, BidSize: 100},
	)
	mock.GetCandlesFn = flatCandles(1010, 10)

	checker := NewChecker(mock, DefaultConfig(), zerolog.Nop())
	snap := checker.Check(context.Background(), "KRW-BTC", 10000)

	if snap.CanTrade {
		t.Fatal("expected wide spread to block trading")
	}
	if len(snap.Issues) == 0 {
		t.Fatal("expected issues to be reported")
	}
}

func TestCheckOrderbookFailureNotFatal(t *testing.T) {
	mock := upbit.NewMockClient()
	mock.GetOrderbookFn = func(ctx context.Context, market string) ([]upbit.Orderbook, error) {
		return nil, fmt.Errorf("network down")
	}

	checker := NewChecker(mock, DefaultConfig(), zerolog.Nop())
	snap := checker.Check(context.Background(), "KRW-BTC", 10000)

	if snap.CanTrade {
		t.Fatal("unreachable orderbook must not be tradable")
	}
	if len(snap.Issues) != 1 || snap.Issues[0] != "ORDERBOOK_UNAVAILABLE" {
		t.Errorf("issues = %v, want [ORDERBOOK_UNAVAILABLE]", snap.Issues)
	}
}

func TestCheckThinLiquidity(t *testing.T) {
	mock := upbit.NewMockClient()
	mock.GetOrderbookFn = bookWith(
		upbit.OrderbookUnit{AskPrice: 1001, BidPrice: 999, AskSize: 1, BidSize: 1},
	)
	mock.GetCandlesFn = flatCandles(1000, 10)

	checker := NewChecker(mock, DefaultConfig(), zerolog.Nop())
	// depth ~999 KRW against a 100k order
	snap := checker.Check(context.Background(), "KRW-BTC", 100000)

	if snap.CanTrade {
		t.Fatal("thin book should block a large order")
	}
}
