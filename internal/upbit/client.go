package upbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client is the REST client for the exchange.
type Client struct {
	accessKey  string
	secretKey  string
	baseURL    string
	httpClient *http.Client

	// Exchange endpoints are limited to 8 req/s, quotation to 10 req/s.
	orderLimiter *rate.Limiter
	quoteLimiter *rate.Limiter
}

// NewClient creates a new exchange REST client.
func NewClient(accessKey, secretKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.upbit.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		accessKey:    accessKey,
		secretKey:    secretKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		orderLimiter: rate.NewLimiter(rate.Limit(8), 8),
		quoteLimiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

// BuyMarketOrder submits a market buy spending krwNotional KRW.
func (c *Client) BuyMarketOrder(ctx context.Context, market string, krwNotional float64) (*Order, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("side", SideBid)
	params.Set("ord_type", OrdTypePrice)
	params.Set("price", formatFloat(krwNotional))
	return c.placeOrder(ctx, params)
}

// SellMarketOrder submits a market sell for quantity coins.
func (c *Client) SellMarketOrder(ctx context.Context, market string, quantity float64) (*Order, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("side", SideAsk)
	params.Set("ord_type", OrdTypeMarket)
	params.Set("volume", formatFloat(quantity))
	return c.placeOrder(ctx, params)
}

// BuyLimitOrder submits a limit buy.
func (c *Client) BuyLimitOrder(ctx context.Context, market string, price, quantity float64) (*Order, error) {
	return c.limitOrder(ctx, market, SideBid, price, quantity)
}

// SellLimitOrder submits a limit sell.
func (c *Client) SellLimitOrder(ctx context.Context, market string, price, quantity float64) (*Order, error) {
	return c.limitOrder(ctx, market, SideAsk, price, quantity)
}

func (c *Client) limitOrder(ctx context.Context, market, side string, price, quantity float64) (*Order, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("side", side)
	params.Set("ord_type", OrdTypeLimit)
	params.Set("price", formatFloat(price))
	params.Set("volume", formatFloat(quantity))
	return c.placeOrder(ctx, params)
}

func (c *Client) placeOrder(ctx context.Context, params url.Values) (*Order, error) {
	var order Order
	if err := c.signedRequest(ctx, http.MethodPost, "/v1/orders", params, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder fetches a single order by uuid.
func (c *Client) GetOrder(ctx context.Context, uuid string) (*Order, error) {
	params := url.Values{}
	params.Set("uuid", uuid)

	var order Order
	err := c.signedRequest(ctx, http.MethodGet, "/v1/order", params, &order)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels an order by uuid.
func (c *Client) CancelOrder(ctx context.Context, uuid string) (*Order, error) {
	params := url.Values{}
	params.Set("uuid", uuid)

	var order Order
	if err := c.signedRequest(ctx, http.MethodDelete, "/v1/order", params, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrders lists orders filtered by market and state. page starts at 1.
func (c *Client) GetOrders(ctx context.Context, market, state string, page, limit int) ([]Order, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	params := url.Values{}
	if market != "" {
		params.Set("market", market)
	}
	params.Set("state", state)
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("order_by", "desc")

	var orders []Order
	if err := c.signedRequest(ctx, http.MethodGet, "/v1/orders", params, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetBalances fetches all account balances.
func (c *Client) GetBalances(ctx context.Context) ([]Balance, error) {
	var balances []Balance
	if err := c.signedRequest(ctx, http.MethodGet, "/v1/accounts", nil, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// GetCurrentPrice fetches the latest ticker for a market.
func (c *Client) GetCurrentPrice(ctx context.Context, market string) ([]Ticker, error) {
	params := url.Values{}
	params.Set("markets", market)

	var tickers []Ticker
	if err := c.publicRequest(ctx, "/v1/ticker", params, &tickers); err != nil {
		return nil, err
	}
	return tickers, nil
}

// GetOrderbook fetches the order book snapshot for a market.
func (c *Client) GetOrderbook(ctx context.Context, market string) ([]Orderbook, error) {
	params := url.Values{}
	params.Set("markets", market)

	var books []Orderbook
	if err := c.publicRequest(ctx, "/v1/orderbook", params, &books); err != nil {
		return nil, err
	}
	return books, nil
}

// GetMinuteCandles fetches the most recent 1-minute candles, newest first.
func (c *Client) GetMinuteCandles(ctx context.Context, market string, count int) ([]Candle, error) {
	if count <= 0 || count > 200 {
		count = 10
	}
	params := url.Values{}
	params.Set("market", market)
	params.Set("count", strconv.Itoa(count))

	var candles []Candle
	if err := c.publicRequest(ctx, "/v1/candles/minutes/1", params, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	if err := c.orderLimiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	token, err := authToken(c.accessKey, c.secretKey, params)
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	return c.do(req, out)
}

func (c *Client) publicRequest(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.quoteLimiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response %s: %w", req.URL.Path, err)
	}
	return nil
}

// errorEnvelope is the exchange error payload: {"error":{"name":..,"message":..}}
type errorEnvelope struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseAPIError(status int, data []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Name == "" {
		return &APIError{StatusCode: status, Name: "unknown", Message: strings.TrimSpace(string(data))}
	}
	return &APIError{StatusCode: status, Name: env.Error.Name, Message: env.Error.Message}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
