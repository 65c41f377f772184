package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/executor"
	"upbit-trading-bot/internal/reconcile"
	"upbit-trading-bot/internal/registry"
	"upbit-trading-bot/internal/upbit"
)

type fakeStore struct {
	positions []database.Position
	trades    []database.Trade
	closed    map[int64]string
	audits    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{closed: map[int64]string{}}
}

func (f *fakeStore) GetRecentTrades(ctx context.Context, limit int) ([]database.Trade, error) {
	return f.trades, nil
}

func (f *fakeStore) GetOpenPositions(ctx context.Context) ([]database.Position, error) {
	return f.positions, nil
}

func (f *fakeStore) GetPosition(ctx context.Context, id int64) (*database.Position, error) {
	for i := range f.positions {
		if f.positions[i].ID == id {
			p := f.positions[i]
			return &p, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) ClosePosition(ctx context.Context, id int64, exitPrice float64, exitTime time.Time, exitReason string, pnlAmount, pnlPercent float64) error {
	f.closed[id] = exitReason
	return nil
}

func (f *fakeStore) GetDailyStats(ctx context.Context, limit int) ([]database.DailyStat, error) {
	return nil, nil
}

func (f *fakeStore) GetAuditLogs(ctx context.Context, limit int) ([]database.AuditLog, error) {
	return nil, nil
}

func (f *fakeStore) WriteAudit(ctx context.Context, source, action, market, detail string) error {
	f.audits = append(f.audits, action)
	return nil
}

type fakeBreaker struct {
	status []circuit.MarketStatus
	resets []string
}

func (f *fakeBreaker) Status() []circuit.MarketStatus { return f.status }
func (f *fakeBreaker) Reset(marketID string)          { f.resets = append(f.resets, marketID) }

type fakeRegistry struct {
	released []string
}

func (f *fakeRegistry) PositionSummary(ctx context.Context) (registry.Summary, error) {
	return registry.Summary{}, nil
}

func (f *fakeRegistry) Release(market string) { f.released = append(f.released, market) }

type fakePending struct{ orders []database.PendingOrder }

func (f *fakePending) List() []database.PendingOrder { return f.orders }

type fakeReconciler struct{ report *reconcile.Report }

func (f *fakeReconciler) RunOnce(ctx context.Context) (*reconcile.Report, error) {
	return f.report, nil
}

type fakeTrader struct {
	result *executor.OrderResult
	calls  int
}

func (f *fakeTrader) Execute(ctx context.Context, sig executor.Signal, notional float64) *executor.OrderResult {
	f.calls++
	return f.result
}

type harness struct {
	server  *Server
	store   *fakeStore
	breaker *fakeBreaker
	reg     *fakeRegistry
	trader  *fakeTrader
	api     *upbit.MockClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newFakeStore(),
		breaker: &fakeBreaker{},
		reg:     &fakeRegistry{},
		trader:  &fakeTrader{result: &executor.OrderResult{Success: true, ExecutedPrice: 210}},
		api:     upbit.NewMockClient(),
	}
	h.server = NewServer(
		config.ServerConfig{Host: "127.0.0.1", Port: 0},
		config.AuthConfig{Enabled: false},
		Deps{
			Store:      h.store,
			Breaker:    h.breaker,
			Registry:   h.reg,
			Pending:    &fakePending{},
			Reconciler: &fakeReconciler{report: &reconcile.Report{Fixed: 1, Verified: 2}},
			Trader:     h.trader,
			Exchange:   h.api,
			Bus:        events.NewBus(),
		},
		zerolog.Nop(),
	)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.server.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStatusCountsTrippedBreakers(t *testing.T) {
	h := newHarness(t)
	h.breaker.status = []circuit.MarketStatus{
		{Market: "KRW-BTC", State: circuit.StateClosed},
		{Market: "KRW-XRP", State: circuit.StateOpen},
	}

	w := h.do(t, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["tripped_breakers"].(float64) != 1 {
		t.Errorf("tripped_breakers = %v, want 1", resp["tripped_breakers"])
	}
}

func TestManualCloseSellsAndReleases(t *testing.T) {
	h := newHarness(t)
	h.store.positions = []database.Position{{
		ID: 7, Market: "KRW-XRP", Strategy: "DCA",
		EntryPrice: 200, Quantity: 10, Status: database.PositionStatusOpen,
	}}
	h.api.GetPriceFn = func(ctx context.Context, market string) ([]upbit.Ticker, error) {
		return []upbit.Ticker{{Market: market, TradePrice: 210}}, nil
	}

	w := h.do(t, http.MethodPost, "/api/v1/positions/7/close", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	if h.trader.calls != 1 {
		t.Errorf("trader calls = %d, want 1", h.trader.calls)
	}
	if h.store.closed[7] != "MANUAL_CLOSE" {
		t.Errorf("close reason = %s", h.store.closed[7])
	}
	if len(h.reg.released) != 1 || h.reg.released[0] != "KRW-XRP" {
		t.Errorf("released = %v", h.reg.released)
	}
	if len(h.store.audits) != 1 {
		t.Error("manual close must be audit logged")
	}
}

func TestManualCloseRejectsClosedPosition(t *testing.T) {
	h := newHarness(t)
	h.store.positions = []database.Position{{
		ID: 8, Market: "KRW-XRP", Status: database.PositionStatusClosed,
	}}

	w := h.do(t, http.MethodPost, "/api/v1/positions/8/close", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if h.trader.calls != 0 {
		t.Error("closed position must not reach the executor")
	}
}

func TestManualCloseFailedSellReturns422(t *testing.T) {
	h := newHarness(t)
	h.store.positions = []database.Position{{
		ID: 9, Market: "KRW-XRP", EntryPrice: 200, Quantity: 10,
		Status: database.PositionStatusOpen,
	}}
	h.api.GetPriceFn = func(ctx context.Context, market string) ([]upbit.Ticker, error) {
		return []upbit.Ticker{{Market: market, TradePrice: 210}}, nil
	}
	h.trader.result = &executor.OrderResult{Success: false, ErrorCode: executor.ErrCodeAPIError, Error: "rejected"}

	w := h.do(t, http.MethodPost, "/api/v1/positions/9/close", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if len(h.store.closed) != 0 {
		t.Error("failed sell must not close the position")
	}
}

func TestBreakerResetAudited(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/api/v1/breaker/KRW-BTC/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(h.breaker.resets) != 1 || h.breaker.resets[0] != "KRW-BTC" {
		t.Errorf("resets = %v", h.breaker.resets)
	}
	if len(h.store.audits) != 1 || h.store.audits[0] != "BREAKER_RESET" {
		t.Errorf("audits = %v", h.store.audits)
	}
}

func TestReconcileTriggerReturnsReport(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/api/v1/reconcile", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var report reconcile.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Fixed != 1 || report.Verified != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestLoginIssuesToken(t *testing.T) {
	hash, err := auth.HashPassword("operator-pass")
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t)
	h.server.deps.Auth = auth.NewService(config.AuthConfig{
		Enabled:              true,
		JWTSecret:            "secret",
		OperatorPasswordHash: hash,
		AccessTokenDuration:  time.Hour,
	})

	w := h.do(t, http.MethodPost, "/api/v1/auth/login", `{"password":"operator-pass"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodPost, "/api/v1/auth/login", `{"password":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddlewareProtectsEndpoints(t *testing.T) {
	hash, err := auth.HashPassword("operator-pass")
	if err != nil {
		t.Fatal(err)
	}
	svc := auth.NewService(config.AuthConfig{
		Enabled:              true,
		JWTSecret:            "secret",
		OperatorPasswordHash: hash,
		AccessTokenDuration:  time.Hour,
	})

	store := newFakeStore()
	server := NewServer(
		config.ServerConfig{},
		config.AuthConfig{Enabled: true},
		Deps{Store: store, Auth: svc},
		zerolog.Nop(),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/positions", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}

	token, _, err := svc.Login("operator-pass")
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/positions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", w.Code)
	}
}
