package upbit

import "context"

// API is the exchange gateway contract consumed by the execution core.
// *Client implements it against the live REST API; tests use MockClient.
type API interface {
	// BuyMarketOrder submits a market buy for krwNotional KRW.
	BuyMarketOrder(ctx context.Context, market string, krwNotional float64) (*Order, error)
	// SellMarketOrder submits a market sell for quantity coins.
	SellMarketOrder(ctx context.Context, market string, quantity float64) (*Order, error)
	BuyLimitOrder(ctx context.Context, market string, price, quantity float64) (*Order, error)
	SellLimitOrder(ctx context.Context, market string, price, quantity float64) (*Order, error)

	GetOrder(ctx context.Context, uuid string) (*Order, error)
	CancelOrder(ctx context.Context, uuid string) (*Order, error)
	// GetOrders lists orders, optionally filtered by market, in the given
	// state ("done", "wait", "cancel"). page starts at 1.
	GetOrders(ctx context.Context, market, state string, page, limit int) ([]Order, error)

	GetBalances(ctx context.Context) ([]Balance, error)
	GetCurrentPrice(ctx context.Context, market string) ([]Ticker, error)
	GetOrderbook(ctx context.Context, market string) ([]Orderbook, error)
	GetMinuteCandles(ctx context.Context, market string, count int) ([]Candle, error)
}
