package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/risk"
	"github.com/atmx/amm-engine/internal/store"
	"github.com/atmx/amm-engine/internal/trade"
)

// newTestRouter wires a handler over an in-memory store under /api/v1.
func newTestRouter(t *testing.T) (*trade.Executor, *store.MemoryStore, chi.Router) {
	t.Helper()
	limiter := risk.NewPositionLimiter(d(1000), d(5000), d(20000))
	ms := store.NewMemoryStore()
	exec, err := trade.NewExecutor(ms, engineConfig(), limiter, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewHandler(exec, nil).Routes)
	return exec, ms, r
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, w)["error"]
}

func TestHandler_CreateAndTrade(t *testing.T) {
	_, _, router := newTestRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/markets", map[string]any{
		"slug":        "rain-tomorrow",
		"question":    "Will it rain tomorrow?",
		"market_type": "binary",
		"liquidity":   "1000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	view := decodeBody[trade.MarketView](t, w)
	require.Len(t, view.Prices, 2)
	assert.Equal(t, "YES", view.Prices[0].Outcome)

	w = do(t, router, http.MethodPost, "/api/v1/balances/alice/deposit", map[string]string{"amount": "200"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/markets/"+view.ID+"/buy", map[string]string{
		"user_id": "alice", "target": "YES", "amount": "50",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bought := decodeBody[trade.TradeResult](t, w)
	assert.Equal(t, model.Buy, bought.Side)
	assert.True(t, bought.Fee.Equal(d(0.5)))
	assert.True(t, bought.NewPrices[0].Price.GreaterThan(d(0.5)))

	w = do(t, router, http.MethodPost, "/api/v1/markets/"+view.ID+"/sell", map[string]string{
		"user_id": "alice", "target": "YES", "shares": bought.Shares.Div(d(2)).Truncate(8).String(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodGet, "/api/v1/markets/"+view.ID+"/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.Order](t, w), 2)

	w = do(t, router, http.MethodGet, "/api/v1/markets/"+view.ID+"/fees", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.FeeRecord](t, w), 2)

	w = do(t, router, http.MethodGet, "/api/v1/markets/"+view.ID+"/history?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.PricePoint](t, w), 2)

	w = do(t, router, http.MethodGet, "/api/v1/portfolio/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pf := decodeBody[model.Portfolio](t, w)
	require.Len(t, pf.Positions, 1)
	assert.Equal(t, "YES", pf.Positions[0].Outcome)

	w = do(t, router, http.MethodGet, "/api/v1/portfolio/alice/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.Order](t, w), 2)
}

func TestHandler_MultiMarketQuoteAndBuy(t *testing.T) {
	exec, _, router := newTestRouter(t)
	view := createMulti(t, exec, "election", 300, "Red", "Blue", "Green")
	fund(t, exec, "bob", 100)
	optionID := view.Options[1].ID

	w := do(t, router, http.MethodGet, "/api/v1/markets/"+view.ID+"/quote?target="+optionID+"&amount=25", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	q := decodeBody[trade.Quote](t, w)

	w = do(t, router, http.MethodPost, "/api/v1/markets/"+view.ID+"/buy", map[string]string{
		"user_id": "bob", "target": optionID, "amount": "25",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[trade.TradeResult](t, w)
	assert.True(t, q.Shares.Equal(res.Shares))

	w = do(t, router, http.MethodGet, "/api/v1/markets/"+view.ID+"/prices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	prices := decodeBody[[]trade.OutcomePrice](t, w)
	require.Len(t, prices, 3)
	assert.Equal(t, "Blue", prices[1].Label)
	assert.True(t, prices[1].Price.GreaterThan(prices[0].Price))
}

func TestHandler_ErrorStatuses(t *testing.T) {
	exec, _, router := newTestRouter(t)
	bin := createBinary(t, exec, "status-codes", 1000)
	fund(t, exec, "carol", 10)
	buyPath := "/api/v1/markets/" + bin.ID + "/buy"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed json", http.MethodPost, buyPath, `{"user_id":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, buyPath, `{"user_id":"carol","target":"YES","amount":"1","extra":1}`, http.StatusBadRequest},
		{"missing user", http.MethodPost, buyPath, map[string]string{"target": "YES", "amount": "1"}, http.StatusBadRequest},
		{"zero amount", http.MethodPost, buyPath, map[string]string{"user_id": "carol", "target": "YES", "amount": "0"}, http.StatusBadRequest},
		{"unknown market", http.MethodPost, "/api/v1/markets/missing/buy", map[string]string{"user_id": "carol", "target": "YES", "amount": "1"}, http.StatusNotFound},
		{"wrong target type", http.MethodPost, buyPath, map[string]string{"user_id": "carol", "target": "opt-1", "amount": "1"}, http.StatusConflict},
		{"over balance", http.MethodPost, buyPath, map[string]string{"user_id": "carol", "target": "NO", "amount": "11"}, http.StatusConflict},
		{"sell without shares", http.MethodPost, "/api/v1/markets/" + bin.ID + "/sell", map[string]string{"user_id": "carol", "target": "NO", "shares": "1"}, http.StatusConflict},
		{"bad status", http.MethodPost, "/api/v1/markets/" + bin.ID + "/status", map[string]string{"status": "open"}, http.StatusBadRequest},
		{"bad slug", http.MethodPost, "/api/v1/markets", map[string]any{"slug": "Bad Slug", "question": "q", "market_type": "binary", "liquidity": "10"}, http.StatusBadRequest},
		{"duplicate slug", http.MethodPost, "/api/v1/markets", map[string]any{"slug": "status-codes", "question": "q", "market_type": "binary", "liquidity": "10"}, http.StatusConflict},
		{"quote without target", http.MethodGet, "/api/v1/markets/" + bin.ID + "/quote?amount=1", nil, http.StatusBadRequest},
		{"quote bad amount", http.MethodGet, "/api/v1/markets/" + bin.ID + "/quote?target=YES&amount=lots", nil, http.StatusBadRequest},
		{"history bad limit", http.MethodGet, "/api/v1/markets/" + bin.ID + "/history?limit=-1", nil, http.StatusBadRequest},
		{"history unknown market", http.MethodGet, "/api/v1/markets/missing/history", nil, http.StatusNotFound},
		{"list bad status", http.MethodGet, "/api/v1/markets?status=open", nil, http.StatusBadRequest},
		{"withdraw too much", http.MethodPost, "/api/v1/balances/carol/withdraw", map[string]string{"amount": "11"}, http.StatusConflict},
		{"liquidity unknown market", http.MethodPost, "/api/v1/markets/missing/liquidity/add", map[string]string{"user_id": "carol", "amount": "1"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, errorMessage(t, w))
		})
	}
}

func TestHandler_StatusLifecycle(t *testing.T) {
	exec, _, router := newTestRouter(t)
	bin := createBinary(t, exec, "lifecycle", 1000)
	fund(t, exec, "dave", 10)

	w := do(t, router, http.MethodPost, "/api/v1/markets/"+bin.ID+"/status", map[string]string{"status": "pending"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/markets/"+bin.ID+"/buy", map[string]string{
		"user_id": "dave", "target": "YES", "amount": "1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/markets?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	markets := decodeBody[[]model.Market](t, w)
	require.Len(t, markets, 1)
	assert.Equal(t, bin.ID, markets[0].ID)

	w = do(t, router, http.MethodGet, "/api/v1/markets?status=active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]model.Market](t, w))
}

func TestHandler_Liquidity(t *testing.T) {
	exec, _, router := newTestRouter(t)
	bin := createBinary(t, exec, "pooled", 1000)
	fund(t, exec, "erin", 500)

	w := do(t, router, http.MethodPost, "/api/v1/markets/"+bin.ID+"/liquidity/add", map[string]string{
		"user_id": "erin", "amount": "100",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	added := decodeBody[trade.LiquidityResult](t, w)
	assert.True(t, added.LPShares.Equal(d(100)))

	w = do(t, router, http.MethodPost, "/api/v1/markets/"+bin.ID+"/liquidity/remove", map[string]string{
		"user_id": "erin", "lp_shares": "100",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	removed := decodeBody[trade.LiquidityResult](t, w)
	// 100/1100 of the pool, truncated to share precision.
	assert.InDelta(t, 100, removed.Amount.InexactFloat64(), 1e-7)
	assert.Nil(t, removed.Position)

	w = do(t, router, http.MethodGet, "/api/v1/balances/erin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	bal := decodeBody[model.Balance](t, w)
	assert.InDelta(t, 500, bal.Available.InexactFloat64(), 1e-7)
}
