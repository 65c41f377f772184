package upbit

import (
	"errors"
	"net/url"
	"strings"
	"testing"
)

func TestAuthTokenShape(t *testing.T) {
	params := url.Values{}
	params.Set("market", "KRW-BTC")
	params.Set("side", "bid")

	token, err := authToken("access", "secret", params)
	if err != nil {
		t.Fatalf("authToken returned error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected JWT with 3 segments, got %d", len(parts))
	}

	// No params: token must still be produced (no query_hash claim)
	token2, err := authToken("access", "secret", nil)
	if err != nil {
		t.Fatalf("authToken without params returned error: %v", err)
	}
	if token2 == token {
		t.Error("nonce should make tokens unique")
	}
}

func TestParseAPIError(t *testing.T) {
	err := parseAPIError(400, []byte(`{"error":{"name":"market_suspended","message":"trading halted"}}`))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Name != "market_suspended" {
		t.Errorf("name = %q, want market_suspended", apiErr.Name)
	}
	if !IsMarketSuspended(err) {
		t.Error("IsMarketSuspended should be true")
	}

	generic := parseAPIError(500, []byte(`oops`))
	if IsMarketSuspended(generic) {
		t.Error("malformed payload should not look suspended")
	}
}

func TestOrderFillRate(t *testing.T) {
	o := &Order{Volume: 10, ExecutedVolume: 9}
	if got := o.FillRate(); got != 0.9 {
		t.Errorf("FillRate = %v, want 0.9", got)
	}

	// Market buys carry no requested volume; done means fully filled.
	o = &Order{State: OrderStateDone}
	if got := o.FillRate(); got != 1.0 {
		t.Errorf("FillRate for done notional order = %v, want 1.0", got)
	}

	o = &Order{State: OrderStateWait}
	if got := o.FillRate(); got != 0 {
		t.Errorf("FillRate for waiting notional order = %v, want 0", got)
	}
}
