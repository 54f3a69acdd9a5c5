package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/amm"
	"github.com/atmx/amm-engine/internal/marketdef"
	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/risk"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 500
)

// Handler serves the executor over HTTP. It decodes and validates
// requests and maps executor errors onto status codes; all trading logic
// stays in the Executor.
type Handler struct {
	exec     *Executor
	hub      *WSHub
	validate *validator.Validate
}

// NewHandler creates a handler. hub may be nil to disable /ws.
func NewHandler(exec *Executor, hub *WSHub) *Handler {
	return &Handler{exec: exec, hub: hub, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Routes registers every endpoint on r. Mount r under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	// Markets.
	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/prices", h.GetPrices)
	r.Get("/markets/{marketID}/history", h.GetHistory)
	r.Get("/markets/{marketID}/orders", h.GetMarketOrders)
	r.Get("/markets/{marketID}/fees", h.GetMarketFees)
	r.Get("/markets/{marketID}/quote", h.GetQuote)
	r.Post("/markets/{marketID}/status", h.SetStatus)

	// Trading.
	r.Post("/markets/{marketID}/buy", h.Buy)
	r.Post("/markets/{marketID}/sell", h.Sell)
	r.Post("/markets/{marketID}/liquidity/add", h.AddLiquidity)
	r.Post("/markets/{marketID}/liquidity/remove", h.RemoveLiquidity)

	// Accounts.
	r.Get("/portfolio/{userID}", h.GetPortfolio)
	r.Get("/portfolio/{userID}/orders", h.GetUserOrders)
	r.Get("/balances/{userID}", h.GetBalance)
	r.Post("/balances/{userID}/deposit", h.Deposit)
	r.Post("/balances/{userID}/withdraw", h.Withdraw)
}

// --- Request types ---

// BuyRequest is the JSON body for POST /markets/{id}/buy.
type BuyRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	// Target is YES or NO for binary markets, an option ID for multi markets.
	Target string          `json:"target" validate:"required,max=64"`
	Amount decimal.Decimal `json:"amount"`
}

// SellRequest is the JSON body for POST /markets/{id}/sell.
type SellRequest struct {
	UserID string          `json:"user_id" validate:"required,max=128"`
	Target string          `json:"target" validate:"required,max=64"`
	Shares decimal.Decimal `json:"shares"`
}

// AddLiquidityRequest is the JSON body for POST /markets/{id}/liquidity/add.
type AddLiquidityRequest struct {
	UserID string          `json:"user_id" validate:"required,max=128"`
	Amount decimal.Decimal `json:"amount"`
}

// RemoveLiquidityRequest is the JSON body for POST /markets/{id}/liquidity/remove.
type RemoveLiquidityRequest struct {
	UserID   string          `json:"user_id" validate:"required,max=128"`
	LPShares decimal.Decimal `json:"lp_shares"`
}

// StatusRequest is the JSON body for POST /markets/{id}/status.
type StatusRequest struct {
	Status model.MarketStatus `json:"status" validate:"required,oneof=active pending resolved cancelled"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// --- Markets ---

// ListMarkets handles GET /markets, optionally filtered by ?status=.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status := model.MarketStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, fmt.Sprintf("unknown status %q", status), http.StatusBadRequest)
		return
	}
	markets, err := h.exec.Markets(r.Context(), status)
	if err != nil {
		writeExecError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// CreateMarket handles POST /markets.
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var def marketdef.Definition
	if !h.decode(w, r, &def) {
		return
	}
	view, err := h.exec.CreateMarket(r.Context(), def)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// GetMarket handles GET /markets/{marketID}.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	view, err := h.exec.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetPrices handles GET /markets/{marketID}/prices.
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	view, err := h.exec.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Prices)
}

// GetHistory handles GET /markets/{marketID}/history?limit=.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	points, err := h.exec.PriceHistory(r.Context(), chi.URLParam(r, "marketID"), limit)
	if err != nil {
		writeExecError(w, err)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// GetMarketOrders handles GET /markets/{marketID}/orders.
func (h *Handler) GetMarketOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.exec.MarketOrders(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeExecError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetMarketFees handles GET /markets/{marketID}/fees.
func (h *Handler) GetMarketFees(w http.ResponseWriter, r *http.Request) {
	fees, err := h.exec.MarketFees(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeExecError(w, err)
		return
	}
	if fees == nil {
		fees = []model.FeeRecord{}
	}
	writeJSON(w, http.StatusOK, fees)
}

// GetQuote handles GET /markets/{marketID}/quote?target=&amount=.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("target")
	if target == "" {
		writeError(w, "target is required", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal number", http.StatusBadRequest)
		return
	}
	quote, err := h.exec.Quote(r.Context(), chi.URLParam(r, "marketID"), target, amount)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// SetStatus handles POST /markets/{marketID}/status.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.exec.SetStatus(r.Context(), chi.URLParam(r, "marketID"), req.Status)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Trading ---

// Buy handles POST /markets/{marketID}/buy.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.exec.Buy(r.Context(), chi.URLParam(r, "marketID"), req.UserID, req.Target, req.Amount)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /markets/{marketID}/sell.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.exec.Sell(r.Context(), chi.URLParam(r, "marketID"), req.UserID, req.Target, req.Shares)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AddLiquidity handles POST /markets/{marketID}/liquidity/add.
func (h *Handler) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AddLiquidityRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.exec.AddLiquidity(r.Context(), chi.URLParam(r, "marketID"), req.UserID, req.Amount)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RemoveLiquidity handles POST /markets/{marketID}/liquidity/remove.
func (h *Handler) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req RemoveLiquidityRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.exec.RemoveLiquidity(r.Context(), chi.URLParam(r, "marketID"), req.UserID, req.LPShares)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Accounts ---

// GetPortfolio handles GET /portfolio/{userID}.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := h.exec.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// GetUserOrders handles GET /portfolio/{userID}/orders.
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.exec.UserOrders(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeExecError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetBalance handles GET /balances/{userID}.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.exec.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Deposit handles POST /balances/{userID}/deposit.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, err := h.exec.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Withdraw handles POST /balances/{userID}/withdraw.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, err := h.exec.Withdraw(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// --- Helpers ---

// decode reads a JSON body into dst and validates it. On failure it has
// already written a 400.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

// statusFor maps executor errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, amm.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, amm.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, amm.ErrInvalidAmount),
		errors.Is(err, amm.ErrInvalidConfiguration),
		errors.Is(err, amm.ErrInvalidOptionIndex),
		errors.Is(err, amm.ErrMinimumTradeAmount):
		return http.StatusBadRequest
	case errors.Is(err, amm.ErrMarketNotActive),
		errors.Is(err, amm.ErrMarketTypeMismatch),
		errors.Is(err, amm.ErrReserveDepletion),
		errors.Is(err, amm.ErrInsufficientBalance),
		errors.Is(err, amm.ErrInsufficientShares),
		errors.Is(err, risk.ErrLimitExceeded),
		errors.Is(err, ErrDuplicateMarket):
		return http.StatusConflict
	case errors.Is(err, amm.ErrConvergence),
		errors.Is(err, amm.ErrCalculation):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeExecError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
