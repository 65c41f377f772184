package upbit

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a configurable API test double. Set the function fields you
// need; unset submit/query functions fail loudly so tests cannot silently
// exercise an unexpected path. Every call is counted.
type MockClient struct {
	mu    sync.Mutex
	Calls map[string]int

	BuyMarketFn    func(ctx context.Context, market string, krwNotional float64) (*Order, error)
	SellMarketFn   func(ctx context.Context, market string, quantity float64) (*Order, error)
	BuyLimitFn     func(ctx context.Context, market string, price, quantity float64) (*Order, error)
	SellLimitFn    func(ctx context.Context, market string, price, quantity float64) (*Order, error)
	GetOrderFn     func(ctx context.Context, uuid string) (*Order, error)
	CancelOrderFn  func(ctx context.Context, uuid string) (*Order, error)
	GetOrdersFn    func(ctx context.Context, market, state string, page, limit int) ([]Order, error)
	GetBalancesFn  func(ctx context.Context) ([]Balance, error)
	GetPriceFn     func(ctx context.Context, market string) ([]Ticker, error)
	GetOrderbookFn func(ctx context.Context, market string) ([]Orderbook, error)
	GetCandlesFn   func(ctx context.Context, market string, count int) ([]Candle, error)
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{Calls: make(map[string]int)}
}

func (m *MockClient) record(name string) {
	m.mu.Lock()
	m.Calls[name]++
	m.mu.Unlock()
}

// CallCount returns how many times the named method was invoked.
func (m *MockClient) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

func (m *MockClient) BuyMarketOrder(ctx context.Context, market string, krwNotional float64) (*Order, error) {
	m.record("BuyMarketOrder")
	if m.BuyMarketFn == nil {
		return nil, fmt.Errorf("mock: BuyMarketOrder not configured")
	}
	return m.BuyMarketFn(ctx, market, krwNotional)
}

func (m *MockClient) SellMarketOrder(ctx context.Context, market string, quantity float64) (*Order, error) {
	m.record("SellMarketOrder")
	if m.SellMarketFn == nil {
		return nil, fmt.Errorf("mock: SellMarketOrder not configured")
	}
	return m.SellMarketFn(ctx, market, quantity)
}

func (m *MockClient) BuyLimitOrder(ctx context.Context, market string, price, quantity float64) (*Order, error) {
	m.record("BuyLimitOrder")
	if m.BuyLimitFn == nil {
		return nil, fmt.Errorf("mock: BuyLimitOrder not configured")
	}
	return m.BuyLimitFn(ctx, market, price, quantity)
}

func (m *MockClient) SellLimitOrder(ctx context.Context, market string, price, quantity float64) (*Order, error) {
	m.record("SellLimitOrder")
	if m.SellLimitFn == nil {
		return nil, fmt.Errorf("mock: SellLimitOrder not configured")
	}
	return m.SellLimitFn(ctx, market, price, quantity)
}

func (m *MockClient) GetOrder(ctx context.Context, uuid string) (*Order, error) {
	m.record("GetOrder")
	if m.GetOrderFn == nil {
		return nil, fmt.Errorf("mock: GetOrder not configured")
	}
	return m.GetOrderFn(ctx, uuid)
}

func (m *MockClient) CancelOrder(ctx context.Context, uuid string) (*Order, error) {
	m.record("CancelOrder")
	if m.CancelOrderFn == nil {
		return nil, fmt.Errorf("mock: CancelOrder not configured")
	}
	return m.CancelOrderFn(ctx, uuid)
}

func (m *MockClient) GetOrders(ctx context.Context, market, state string, page, limit int) ([]Order, error) {
	m.record("GetOrders")
	if m.GetOrdersFn == nil {
		return []Order{}, nil
	}
	return m.GetOrdersFn(ctx, market, state, page, limit)
}

func (m *MockClient) GetBalances(ctx context.Context) ([]Balance, error) {
	m.record("GetBalances")
	if m.GetBalancesFn == nil {
		return []Balance{}, nil
	}
	return m.GetBalancesFn(ctx)
}

func (m *MockClient) GetCurrentPrice(ctx context.Context, market string) ([]Ticker, error) {
	m.record("GetCurrentPrice")
	if m.GetPriceFn == nil {
		return nil, fmt.Errorf("mock: GetCurrentPrice not configured")
	}
	return m.GetPriceFn(ctx, market)
}

func (m *MockClient) GetOrderbook(ctx context.Context, market string) ([]Orderbook, error) {
	m.record("GetOrderbook")
	if m.GetOrderbookFn == nil {
		return nil, fmt.Errorf("mock: GetOrderbook not configured")
	}
	return m.GetOrderbookFn(ctx, market)
}

func (m *MockClient) GetMinuteCandles(ctx context.Context, market string, count int) ([]Candle, error) {
	m.record("GetMinuteCandles")
	if m.GetCandlesFn == nil {
		return []Candle{}, nil
	}
	return m.GetCandlesFn(ctx, market, count)
}
