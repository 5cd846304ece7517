// Package api exposes the trading engines over HTTP.
//
// Handlers decode and validate the request, call exactly one engine
// operation, and encode its result. Engine errors are mapped to HTTP status
// codes by their apperr kind in writeError.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/model"
	"github.com/atmx/trading-sim/internal/simulation"
	"github.com/atmx/trading-sim/internal/store"
	"github.com/atmx/trading-sim/internal/symbol"
)

type Trader interface {
	RegisterStock(ctx context.Context, symbol, name string, price decimal.Decimal, quantity int64) (model.RegisterStockResult, error)
	RegisterUser(ctx context.Context, username string) (model.User, error)
	Buy(ctx context.Context, userID, symbol string, quantity int64) (model.BuyResult, error)
	Sell(ctx context.Context, userID, symbol string, quantity int64) (model.SellResult, error)
}

type Lender interface {
	TakeLoan(ctx context.Context, userID string, amount decimal.Decimal) (model.LoanResult, error)
}

type Prices interface {
	Start() bool
	Stop() bool
	Running() bool
	ForceTick(ctx context.Context) (model.TickResult, error)
}

type Reporter interface {
	UserReport(ctx context.Context, userID string) (model.UserReport, error)
	StockReport(ctx context.Context) ([]model.StockStats, error)
	TopUsers(ctx context.Context, limit int) ([]model.UserRanking, error)
	TopStocks(ctx context.Context, limit int) ([]model.StockRanking, error)
	PriceHistory(ctx context.Context, symbol string) ([]model.PriceRecord, error)
	Health(ctx context.Context) (model.Health, error)
}

type Simulator interface {
	Run(ctx context.Context) (simulation.Result, error)
}

// Deps are the engines a Handler serves.
type Deps struct {
	Store     store.Reader
	Trades    Trader
	Loans     Lender
	Prices    Prices
	Reports   Reporter
	Simulator Simulator
}

// Handler serves the HTTP API.
type Handler struct {
	Deps
	validate *validator.Validate

	// bg outlives requests; background simulations run under it.
	bg         context.Context
	simulating atomic.Bool
}

// NewHandler creates a Handler. Background work started by requests is
// cancelled with bg.
func NewHandler(bg context.Context, deps Deps) *Handler {
	return &Handler{
		Deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		bg:       bg,
	}
}

// --- Request types ---

// RegisterStockRequest is the JSON body for POST /stocks.
type RegisterStockRequest struct {
	Symbol   string          `json:"symbol" validate:"required,max=10"`
	Name     string          `json:"name" validate:"required,max=100"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity" validate:"gt=0"`
}

// RegisterUserRequest is the JSON body for POST /users.
type RegisterUserRequest struct {
	Username string `json:"username" validate:"required,max=64"`
}

// TradeRequest is the JSON body for POST /users/buy and /users/sell.
type TradeRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	Symbol   string `json:"symbol" validate:"required,max=10"`
	Quantity int64  `json:"quantity" validate:"gt=0"`
}

// LoanRequest is the JSON body for POST /users/loan.
type LoanRequest struct {
	UserID string          `json:"user_id" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// --- Stocks ---

// RegisterStock handles POST /api/v1/stocks
func (h *Handler) RegisterStock(w http.ResponseWriter, r *http.Request) {
	var req RegisterStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Trades.RegisterStock(r.Context(), req.Symbol, req.Name, req.Price, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListStocks handles GET /api/v1/stocks
func (h *Handler) ListStocks(w http.ResponseWriter, r *http.Request) {
	stocks, err := h.Store.ListStocks(r.Context())
	if err != nil {
		writeError(w, apperr.Storage(err))
		return
	}
	if stocks == nil {
		stocks = []model.Stock{}
	}
	writeJSON(w, http.StatusOK, stocks)
}

// GetStock handles GET /api/v1/stocks/{symbol}
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Parse(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, apperr.Invalid("%v", err))
		return
	}
	stock, err := h.Store.GetStockBySymbol(r.Context(), sym)
	if err != nil {
		writeError(w, apperr.Storage(err))
		return
	}
	writeJSON(w, http.StatusOK, stock)
}

// PriceHistory handles GET /api/v1/stocks/history?symbol=
func (h *Handler) PriceHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.Reports.PriceHistory(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// StockReport handles GET /api/v1/stocks/report
func (h *Handler) StockReport(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Reports.StockReport(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// TopStocks handles GET /api/v1/stocks/top?limit=
func (h *Handler) TopStocks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := h.Reports.TopStocks(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- Users ---

// RegisterUser handles POST /api/v1/users
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.Trades.RegisterUser(r.Context(), req.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// ListUsers handles GET /api/v1/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, apperr.Storage(err))
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUser handles GET /api/v1/users/{userID}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, apperr.Storage(err))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GetHolding handles GET /api/v1/users/{userID}/holdings/{symbol}
func (h *Handler) GetHolding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	sym, err := symbol.Parse(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, apperr.Invalid("%v", err))
		return
	}
	if _, err := h.Store.GetUser(ctx, userID); err != nil {
		writeError(w, apperr.Storage(err))
		return
	}
	stock, err := h.Store.GetStockBySymbol(ctx, sym)
	if err != nil {
		writeError(w, apperr.Storage(err))
		return
	}
	pos, err := h.Store.GetPosition(ctx, userID, stock.ID)
	if err != nil {
		writeError(w, apperr.Storage(err))
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Buy handles POST /api/v1/users/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Trades.Buy(r.Context(), req.UserID, req.Symbol, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/users/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Trades.Sell(r.Context(), req.UserID, req.Symbol, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TakeLoan handles POST /api/v1/users/loan
func (h *Handler) TakeLoan(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Loans.TakeLoan(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UserReport handles GET /api/v1/users/{userID}/report
func (h *Handler) UserReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.UserReport(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// TopUsers handles GET /api/v1/users/top?limit=
func (h *Handler) TopUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := h.Reports.TopUsers(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- System ---

type schedulerStatus struct {
	Message string `json:"message"`
	Running bool   `json:"running"`
}

// StartUpdates handles POST /api/v1/system/start-updates
func (h *Handler) StartUpdates(w http.ResponseWriter, r *http.Request) {
	msg := "price updates started"
	if !h.Prices.Start() {
		msg = "price updates already running"
	}
	writeJSON(w, http.StatusOK, schedulerStatus{Message: msg, Running: h.Prices.Running()})
}

// StopUpdates handles POST /api/v1/system/stop-updates
func (h *Handler) StopUpdates(w http.ResponseWriter, r *http.Request) {
	msg := "price updates stopped"
	if !h.Prices.Stop() {
		msg = "price updates not running"
	}
	writeJSON(w, http.StatusOK, schedulerStatus{Message: msg, Running: h.Prices.Running()})
}

// ForcePriceUpdate handles POST /api/v1/system/force-price-update
func (h *Handler) ForcePriceUpdate(w http.ResponseWriter, r *http.Request) {
	res, err := h.Prices.ForceTick(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SimulateTrading handles POST /api/v1/system/simulate-trading. The session
// runs in the background; one session at a time.
func (h *Handler) SimulateTrading(w http.ResponseWriter, r *http.Request) {
	if !h.simulating.CompareAndSwap(false, true) {
		writeError(w, fmt.Errorf("%w: a trading session is already running", apperr.ErrConflict))
		return
	}
	go func() {
		defer h.simulating.Store(false)
		if _, err := h.Simulator.Run(h.bg); err != nil {
			slog.Error("trading session failed", "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "trading simulation started"})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	hs, err := h.Reports.Health(r.Context())
	if err != nil {
		slog.Error("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

// --- Helpers ---

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, apperr.Invalid("invalid request body: %v", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, apperr.Invalid("%s", describe(err)))
		return false
	}
	return true
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "gt":
			msgs = append(msgs, field+" must be greater than "+fe.Param())
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param()+" characters")
		default:
			msgs = append(msgs, field+" failed "+fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.Invalid("limit must be a positive integer, got %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error string      `json:"error"`
	Code  apperr.Code `json:"code"`
}

// writeError writes a JSON error response with a status derived from the
// error's kind.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(err)
	if status >= 500 {
		slog.Error("request failed", "code", code, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindBusinessRule:
		if apperr.CodeOf(err) == apperr.CodeAlreadyExists {
			return http.StatusConflict
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}
