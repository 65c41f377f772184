package executor

import (
	"upbit-trading-bot/internal/condition"
	"upbit-trading-bot/internal/upbit"
)

// Signal sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
	SideHold = "HOLD"
)

// Order types chosen by the executor
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Rejection codes returned in OrderResult.ErrorCode.
const (
	ErrCodeMarketCondition     = "MARKET_CONDITION"
	ErrCodeAPIError            = "API_ERROR"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeNoFill              = "NO_FILL"
	ErrCodeException           = "EXCEPTION"
	ErrCodeCircuitBreaker      = "CIRCUIT_BREAKER"
	ErrCodeBelowMinOrderAmount = "BELOW_MIN_ORDER_AMOUNT"
	ErrCodeMarketSuspended     = "MARKET_SUSPENDED"
)

// marketOrderStrategies always take a market order regardless of conditions.
// Ultra-short-term tags cannot afford to sit in the book.
var marketOrderStrategies = map[string]bool{
	"MEME_SCALPER":      true,
	"VOLUME_SURGE":      true,
	"MOMENTUM_BREAKOUT": true,
}

// Signal is a strategy's trading intent handed to the executor.
type Signal struct {
	Market     string  `json:"market"`
	Side       string  `json:"side"` // BUY, SELL, HOLD
	Price      float64 `json:"price"` // reference price, 0 means resolve from market
	Confidence float64 `json:"confidence"` // [0,100]
	Strategy   string  `json:"strategy"`
	Regime     string  `json:"regime,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// OrderResult is the executor's verdict on one signal.
//
// IsPending means the limit order did not fill inside the quick window and
// was handed to the pending-order manager. That is not a failure: the caller
// keeps its market claim and the manager drives the order to a terminal state.
type OrderResult struct {
	Success          bool     `json:"success"`
	IsPending        bool     `json:"is_pending"`
	ErrorCode        string   `json:"error_code,omitempty"`
	Error            string   `json:"error,omitempty"`
	OrderID          string   `json:"order_id,omitempty"`
	Market           string   `json:"market"`
	Side             string   `json:"side"`
	OrderType        string   `json:"order_type,omitempty"`
	ExecutedPrice    float64  `json:"executed_price,omitempty"`
	ExecutedQuantity float64  `json:"executed_quantity,omitempty"`
	Amount           float64  `json:"amount,omitempty"`
	Fee              float64  `json:"fee,omitempty"`
	SlippagePercent  float64  `json:"slippage_percent,omitempty"`
	FillRate         float64  `json:"fill_rate,omitempty"`
	Simulated        bool     `json:"simulated,omitempty"`
	PnL              *float64 `json:"pnl,omitempty"`
	PnLPercent       *float64 `json:"pnl_percent,omitempty"`
	TypeReasons      []string `json:"type_reasons,omitempty"`
}

func failure(market, side, code, msg string) *OrderResult {
	return &OrderResult{Market: market, Side: side, ErrorCode: code, Error: msg}
}

// PendingTrack is the handoff package for an unfilled limit order.
type PendingTrack struct {
	Order      *upbit.Order
	Signal     Signal
	Notional   float64
	Quantity   float64
	LimitPrice float64
	Snapshot   *condition.Snapshot
}
