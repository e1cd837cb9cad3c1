package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chartbet/market-engine/internal/lifecycle"
	"github.com/chartbet/market-engine/internal/model"
	"github.com/chartbet/market-engine/internal/store"
	"github.com/chartbet/market-engine/internal/trade"
)

const adminToken = "test-admin-token"

// newTestRouter wires a Service over st the way cmd/server does.
func newTestRouter(t *testing.T, st store.Store) chi.Router {
	t.Helper()
	now := func() time.Time { return testNow }
	engine := trade.NewEngine(st, trade.DefaultConfig(), testLogger(), trade.WithClock(now))
	resolver := lifecycle.NewResolver(st, nil, testLogger())
	resolver.SetClock(now)
	svc := trade.NewService(engine, resolver, adminToken, testLogger())

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func asUser(id string) map[string]string { return map[string]string{trade.HeaderUserID: id} }

func asAdmin() map[string]string { return map[string]string{trade.HeaderAdminToken: adminToken} }

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (body %s)", v, err, w.Body.String())
	}
	return v
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
	if got := decode[errorResponse](t, w); got.Code != code {
		t.Errorf("code = %q, want %q (%s)", got.Code, code, got.Error)
	}
}

func createViaAPI(t *testing.T, router http.Handler) model.Market {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/markets", marketRequest("a", "b"), asUser("creator"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: %d %s", w.Code, w.Body.String())
	}
	return decode[model.Market](t, w)
}

func tradeBody(outcomeID string, typ model.TradeType, shares string) map[string]any {
	return map[string]any{"outcome_id": outcomeID, "type": typ, "shares": shares}
}

// --- Markets ---

func TestHTTP_CreateAndGetMarket(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore())
	m := createViaAPI(t, router)

	if m.Status != model.StatusActive || len(m.Outcomes) != 2 {
		t.Fatalf("market = %+v", m)
	}

	w := doJSON(t, router, "GET", "/api/v1/markets/"+m.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	got := decode[model.Market](t, w)
	if got.ID != m.ID || !got.Outcomes[0].Price.Equal(dec("0.09090909")) {
		t.Errorf("got %+v", got)
	}
}

func TestHTTP_CreateMarket_Errors(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore())

	w := doJSON(t, router, "POST", "/api/v1/markets", marketRequest("a", "b"), nil)
	expectError(t, w, http.StatusBadRequest, "missing_user")

	w = doJSON(t, router, "POST", "/api/v1/markets", marketRequest("a"), asUser("u"))
	expectError(t, w, http.StatusBadRequest, "invalid_outcome_count")

	w = doJSON(t, router, "POST", "/api/v1/markets", "{not json", asUser("u"))
	expectError(t, w, http.StatusBadRequest, "invalid_request")
}

func TestHTTP_GetMarket_NotFound(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore())
	w := doJSON(t, router, "GET", "/api/v1/markets/missing", nil, nil)
	expectError(t, w, http.StatusNotFound, "market_not_found")
}

func TestHTTP_ListMarkets_Filter(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore())
	m1 := createViaAPI(t, router)
	createViaAPI(t, router)

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m1.ID+"/close", nil, asAdmin())
	if w.Code != http.StatusOK {
		t.Fatalf("close: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/markets", nil, nil)
	if all := decode[[]model.Market](t, w); len(all) != 2 {
		t.Errorf("all markets = %d, want 2", len(all))
	}
	w = doJSON(t, router, "GET", "/api/v1/markets?status=closed", nil, nil)
	closed := decode[[]model.Market](t, w)
	if len(closed) != 1 || closed[0].ID != m1.ID {
		t.Errorf("closed markets = %+v", closed)
	}
	w = doJSON(t, router, "GET", "/api/v1/markets?category=awards", nil, nil)
	if w.Body.String() != "[]\n" {
		t.Errorf("expected empty JSON array, got %q", w.Body.String())
	}
}

// --- Trading ---

func TestHTTP_ExecuteTrade(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore())
	m := createViaAPI(t, router)

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/trades", tradeBody("a", model.TradeBuy, "50"), asUser("alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("trade: %d %s", w.Code, w.Body.String())
	}
	res := decode[trade.TradeResult](t, w)
	if res.Trade.UserID != "alice" || res.Trade.MarketID != m.ID {
		t.Errorf("trade = %+v", res.Trade)
	}
	assertDec(t, "total cost", res.Trade.TotalCost, "4.63636359")
	assertDec(t, "position shares", res.Position.Shares, "50")

	// Shares may also be sent as a JSON number.
	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/trades",
		`{"outcome_id":"a","type":"sell","shares":20}`, asUser("alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("sell: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/"+m.ID+"/trades", nil, nil)
	if trades := decode[[]model.Trade](t, w); len(trades) != 2 {
		t.Errorf("market trades = %d, want 2", len(trades))
	}
}

func TestHTTP_ExecuteTrade_ErrorMapping(t *testing.T) {
	cs := &conflictStore{MemoryStore: store.NewMemoryStore()}
	router := newTestRouter(t, cs)
	m := createViaAPI(t, router)
	path := "/api/v1/markets/" + m.ID + "/trades"

	tests := []struct {
		name   string
		path   string
		body   any
		user   string
		status int
		code   string
	}{
		{"bad body", path, "[", "alice", http.StatusBadRequest, "invalid_request"},
		{"no user", path, tradeBody("a", model.TradeBuy, "1"), "", http.StatusBadRequest, "missing_user"},
		{"zero shares", path, tradeBody("a", model.TradeBuy, "0"), "alice", http.StatusBadRequest, "invalid_share_count"},
		{"bad type", path, tradeBody("a", "hold", "1"), "alice", http.StatusBadRequest, "invalid_trade_type"},
		{"unknown outcome", path, tradeBody("z", model.TradeBuy, "1"), "alice", http.StatusNotFound, "outcome_not_found"},
		{"unknown market", "/api/v1/markets/nope/trades", tradeBody("a", model.TradeBuy, "1"), "alice", http.StatusNotFound, "market_not_found"},
		{"oversell", path, tradeBody("a", model.TradeSell, "5"), "alice", http.StatusConflict, "insufficient_shares"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", tt.path, tt.body, asUser(tt.user))
			expectError(t, w, tt.status, tt.code)
		})
	}

	t.Run("conflict after retries", func(t *testing.T) {
		cs.remaining.Store(100)
		defer cs.remaining.Store(0)
		w := doJSON(t, router, "POST", path, tradeBody("a", model.TradeBuy, "1"), asUser("alice"))
		expectError(t, w, http.StatusServiceUnavailable, "concurrency_conflict")
	})
}

// --- Lifecycle ---

func TestHTTP_ResolveRequiresAdmin(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore())
	m := createViaAPI(t, router)
	body := map[string]string{"winning_outcome_id": "a"}

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", body, nil)
	expectError(t, w, http.StatusForbidden, "forbidden")

	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", body,
		map[string]string{trade.HeaderAdminToken: "wrong"})
	expectError(t, w, http.StatusForbidden, "forbidden")
}

func TestHTTP_ResolveFlow(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore())
	m := createViaAPI(t, router)
	tradePath := "/api/v1/markets/" + m.ID + "/trades"

	doJSON(t, router, "POST", tradePath, tradeBody("a", model.TradeBuy, "50"), asUser("alice"))
	doJSON(t, router, "POST", tradePath, tradeBody("b", model.TradeBuy, "30"), asUser("bob"))

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", map[string]string{}, asAdmin())
	expectError(t, w, http.StatusBadRequest, "invalid_request")

	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve",
		map[string]string{"winning_outcome_id": "a"}, asAdmin())
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", w.Code, w.Body.String())
	}
	res := decode[lifecycle.Resolution](t, w)
	if res.PayoutCount != 1 || res.WinningOutcome.ID != "a" || res.Market.Status != model.StatusResolved {
		t.Errorf("resolution = %+v", res)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve",
		map[string]string{"winning_outcome_id": "a"}, asAdmin())
	expectError(t, w, http.StatusConflict, "market_already_resolved")

	w = doJSON(t, router, "POST", tradePath, tradeBody("a", model.TradeBuy, "1"), asUser("carol"))
	expectError(t, w, http.StatusConflict, "market_not_active")

	// Winner valued at 1 per share, loser at 0.
	w = doJSON(t, router, "GET", "/api/v1/users/alice/portfolio", nil, nil)
	alice := decode[model.Portfolio](t, w)
	assertDec(t, "alice value", alice.TotalValue, "50")
	assertDec(t, "alice unrealized", alice.UnrealizedPnL, "0")

	w = doJSON(t, router, "GET", "/api/v1/users/bob/positions?market="+m.ID, nil, nil)
	bob := decode[[]model.Position](t, w)
	if len(bob) != 1 {
		t.Fatalf("bob positions = %d", len(bob))
	}
	assertDec(t, "bob value", bob[0].CurrentValue, "0")
	assertDec(t, "bob realized", bob[0].RealizedPnL, "0")
	if !bob[0].UnrealizedPnL.Equal(bob[0].TotalInvested.Neg()) {
		t.Errorf("bob unrealized = %s, want -%s", bob[0].UnrealizedPnL, bob[0].TotalInvested)
	}
}

func TestHTTP_CloseAndCancel(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore())
	m := createViaAPI(t, router)
	base := "/api/v1/markets/" + m.ID

	w := doJSON(t, router, "POST", base+"/close", nil, asAdmin())
	if got := decode[model.Market](t, w); got.Status != model.StatusClosed {
		t.Fatalf("close: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, "POST", base+"/close", nil, asAdmin())
	expectError(t, w, http.StatusConflict, "invalid_transition")

	w = doJSON(t, router, "POST", base+"/cancel", nil, asAdmin())
	if got := decode[model.Market](t, w); got.Status != model.StatusCancelled {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, "POST", base+"/resolve", map[string]string{"winning_outcome_id": "a"}, asAdmin())
	expectError(t, w, http.StatusConflict, "invalid_transition")
}

// --- Users ---

func TestHTTP_UserQueries(t *testing.T) {
	st := store.NewMemoryStore()
	router := newTestRouter(t, st)
	m1 := createViaAPI(t, router)
	m2 := createViaAPI(t, router)

	doJSON(t, router, "POST", "/api/v1/markets/"+m1.ID+"/trades", tradeBody("a", model.TradeBuy, "10"), asUser("alice"))
	doJSON(t, router, "POST", "/api/v1/markets/"+m2.ID+"/trades", tradeBody("b", model.TradeBuy, "10"), asUser("alice"))

	w := doJSON(t, router, "GET", "/api/v1/users/alice/positions", nil, nil)
	if got := decode[[]model.Position](t, w); len(got) != 2 {
		t.Errorf("positions = %d, want 2", len(got))
	}
	w = doJSON(t, router, "GET", "/api/v1/users/alice/trades?market="+m2.ID, nil, nil)
	if got := decode[[]model.Trade](t, w); len(got) != 1 || got[0].MarketID != m2.ID {
		t.Errorf("trades = %+v", got)
	}
	w = doJSON(t, router, "GET", "/api/v1/users/nobody/positions", nil, nil)
	if w.Body.String() != "[]\n" {
		t.Errorf("expected empty JSON array, got %q", w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/users/alice/portfolio", nil, nil)
	pf := decode[model.Portfolio](t, w)
	if pf.UserID != "alice" || len(pf.Positions) != 2 {
		t.Errorf("portfolio = %+v", pf)
	}
	positions, _ := st.ListPositions(context.Background(), model.TradeFilter{UserID: "alice"})
	invested := positions[0].TotalInvested.Add(positions[1].TotalInvested)
	if !pf.TotalInvested.Equal(invested) {
		t.Errorf("total invested = %s, want %s", pf.TotalInvested, invested)
	}
}
