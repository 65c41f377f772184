package upbit

import "time"

// Order states reported by the exchange
const (
	OrderStateWait   = "wait"
	OrderStateDone   = "done"
	OrderStateCancel = "cancel"
)

// Order sides
const (
	SideBid = "bid" // buy
	SideAsk = "ask" // sell
)

// Order types
const (
	OrdTypeLimit  = "limit"
	OrdTypePrice  = "price"  // market buy, amount in KRW
	OrdTypeMarket = "market" // market sell, amount in coin
)

// Order represents an order as returned by the exchange.
// Numeric fields arrive as JSON strings.
type Order struct {
	UUID            string  `json:"uuid"`
	Side            string  `json:"side"`
	OrdType         string  `json:"ord_type"`
	Price           float64 `json:"price,string"`
	State           string  `json:"state"`
	Market          string  `json:"market"`
	CreatedAt       string  `json:"created_at"`
	Volume          float64 `json:"volume,string"`
	RemainingVolume float64 `json:"remaining_volume,string"`
	ExecutedVolume  float64 `json:"executed_volume,string"`
	Locked          float64 `json:"locked,string"`
	ReservedFee     float64 `json:"reserved_fee,string"`
	PaidFee         float64 `json:"paid_fee,string"`
	TradesCount     int     `json:"trades_count"`
}

// CreatedTime parses the exchange timestamp. Zero time on parse failure.
func (o *Order) CreatedTime() time.Time {
	if o.CreatedAt == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-07:00", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, o.CreatedAt); err == nil {
			return t
		}
	}
	return time.Time{}
}

// IsDone reports whether the order reached the done state.
func (o *Order) IsDone() bool { return o.State == OrderStateDone }

// FillRate returns executed/requested volume in [0,1]. Orders submitted by
// notional (market buys) have no requested volume; treat done as fully filled.
func (o *Order) FillRate() float64 {
	if o.Volume <= 0 {
		if o.IsDone() {
			return 1.0
		}
		return 0
	}
	r := o.ExecutedVolume / o.Volume
	if r > 1 {
		r = 1
	}
	return r
}

// Balance represents a single account balance entry.
type Balance struct {
	Currency     string  `json:"currency"`
	Balance      float64 `json:"balance,string"`
	Locked       float64 `json:"locked,string"`
	AvgBuyPrice  float64 `json:"avg_buy_price,string"`
	UnitCurrency string  `json:"unit_currency"`
}

// Total returns available plus locked balance.
func (b *Balance) Total() float64 { return b.Balance + b.Locked }

// Ticker represents a current-price snapshot.
type Ticker struct {
	Market             string  `json:"market"`
	TradePrice         float64 `json:"trade_price"`
	PrevClosingPrice   float64 `json:"prev_closing_price"`
	Change             string  `json:"change"`
	ChangeRate         float64 `json:"change_rate"`
	SignedChangeRate   float64 `json:"signed_change_rate"`
	AccTradeVolume24h  float64 `json:"acc_trade_volume_24h"`
	AccTradePrice24h   float64 `json:"acc_trade_price_24h"`
	Timestamp          int64   `json:"timestamp"`
	HighPrice          float64 `json:"high_price"`
	LowPrice           float64 `json:"low_price"`
}

// OrderbookUnit is one price level of the order book.
type OrderbookUnit struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

// Orderbook is the order book snapshot for one market.
type Orderbook struct {
	Market         string          `json:"market"`
	Timestamp      int64           `json:"timestamp"`
	TotalAskSize   float64         `json:"total_ask_size"`
	TotalBidSize   float64         `json:"total_bid_size"`
	OrderbookUnits []OrderbookUnit `json:"orderbook_units"`
}

// Candle is a one-minute candle used for short-window volatility.
type Candle struct {
	Market       string  `json:"market"`
	CandleTimeUTC string `json:"candle_date_time_utc"`
	OpeningPrice float64 `json:"opening_price"`
	HighPrice    float64 `json:"high_price"`
	LowPrice     float64 `json:"low_price"`
	TradePrice   float64 `json:"trade_price"`
	Timestamp    int64   `json:"timestamp"`
	Volume       float64 `json:"candle_acc_trade_volume"`
}
