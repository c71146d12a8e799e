// Package server exposes the clearinghouse over HTTP/JSON and gRPC.
// The HTTP API is served through a grpc-gateway mux so path templating
// and error shapes match the gateway conventions downstream tooling
// expects.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"perpclear/internal/book"
	"perpclear/internal/clearing"
	"perpclear/internal/ledger"
	"perpclear/internal/observability"
	"perpclear/internal/query"
)

// API wires the clearing core and read service into HTTP routes.
type API struct {
	core  *clearing.Core
	views *query.Service
	log   zerolog.Logger
}

func NewAPI(core *clearing.Core, views *query.Service, log zerolog.Logger) *API {
	return &API{
		core:  core,
		views: views,
		log:   log.With().Str("component", "api").Logger(),
	}
}

// Routes builds the gateway mux with every endpoint registered.
func (a *API) Routes() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/markets", a.listMarkets},
		{"GET", "/v1/markets/{market}/book", a.getBook},
		{"GET", "/v1/markets/{market}/mark", a.getMark},
		{"GET", "/v1/markets/{market}/positions", a.listPositions},
		{"GET", "/v1/accounts/{account}/balances", a.getBalances},
		{"GET", "/v1/admin/integrity", a.verifyIntegrity},
		{"POST", "/v1/markets", a.registerMarket},
		{"POST", "/v1/markets/{market}/orders", a.submitOrder},
		{"DELETE", "/v1/markets/{market}/orders/{order_id}", a.cancelOrder},
		{"POST", "/v1/markets/{market}/mark", a.setMarkPrice},
		{"POST", "/v1/markets/{market}/settle", a.settleMarket},
		{"POST", "/v1/markets/{market}/liquidations", a.pokeLiquidations},
		{"POST", "/v1/accounts/{account}/deposits", a.deposit},
		{"POST", "/v1/accounts/{account}/withdrawals", a.withdraw},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.path, err)
		}
	}
	return mux, nil
}

// --- Read endpoints ---

func (a *API) listMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, a.views.Markets())
}

func (a *API) getBook(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := a.views.Book(params["market"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getMark(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := a.views.Mark(params["market"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) listPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	cursor, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	resp, err := a.views.Positions(params["market"], cursor, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := uuid.Parse(params["account"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	resp, err := a.views.Balances(account)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := a.views.VerifyIntegrity(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Command endpoints ---

type marketRequest struct {
	Market                 string `json:"market"`
	InitialMarginRatio     int64  `json:"initial_margin_ratio"`
	MaintenanceMarginRatio int64  `json:"maintenance_margin_ratio"`
	FeeBps                 int64  `json:"fee_bps"`
	LiquidationPenaltyBps  int64  `json:"liquidation_penalty_bps"`
	SettlementTimeUs       int64  `json:"settlement_time_us"`
}

func (a *API) registerMarket(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req marketRequest
	if !decodeBody(w, r, &req) {
		return
	}

	params := ledger.MarketParams{
		ID:                     req.Market,
		InitialMarginRatio:     req.InitialMarginRatio,
		MaintenanceMarginRatio: req.MaintenanceMarginRatio,
		FeeBps:                 req.FeeBps,
		LiquidationPenaltyBps:  req.LiquidationPenaltyBps,
	}
	if req.SettlementTimeUs > 0 {
		params.SettlementTime = time.UnixMicro(req.SettlementTimeUs)
	}
	if err := a.core.RegisterMarket(params); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"market": req.Market})
}

type orderRequest struct {
	Account     string `json:"account"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       int64  `json:"price"`
	Quantity    int64  `json:"quantity"`
	SlippageBps int64  `json:"slippage_bps"`
}

func (a *API) submitOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req orderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	account, err := uuid.Parse(req.Account)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	var side book.Side
	switch req.Side {
	case "buy":
		side = book.SideBuy
	case "sell":
		side = book.SideSell
	default:
		writeJSONError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}

	var res *book.SubmitResult
	switch req.Type {
	case "limit":
		res, err = a.core.SubmitLimit(params["market"], account, side, req.Price, req.Quantity)
	case "market":
		res, err = a.core.SubmitMarket(params["market"], account, side, req.Quantity, req.SlippageBps)
	default:
		writeJSONError(w, http.StatusBadRequest, "type must be limit or market")
		return
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if err := a.core.CancelOrder(params["market"], params["order_id"]); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": params["order_id"]})
}

type markPriceRequest struct {
	Price int64 `json:"price"`
}

func (a *API) setMarkPrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req markPriceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.core.SetMarkPrice(params["market"], req.Price); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"market": params["market"], "price": req.Price})
}

type settleRequest struct {
	TerminalPrice int64 `json:"terminal_price"`
}

func (a *API) settleMarket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req settleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	report, err := a.core.SettleMarket(params["market"], req.TerminalPrice)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) pokeLiquidations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	outcome, err := a.core.PokeLiquidations(params["market"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := uuid.Parse(params["account"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.core.Deposit(account, req.Amount); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "amount": req.Amount})
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := uuid.Parse(params["account"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.core.Withdraw(account, req.Amount); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "amount": req.Amount})
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeError maps domain sentinels onto HTTP codes.
func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnknownAccount),
		errors.Is(err, ledger.ErrUnknownMarket),
		errors.Is(err, ledger.ErrUnknownReservation),
		errors.Is(err, book.ErrUnknownOrder):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, book.ErrPriceBound):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrAlreadyProcessed),
		errors.Is(err, ledger.ErrAlreadySettled),
		errors.Is(err, ledger.ErrSettlementNotDue),
		errors.Is(err, ledger.ErrMarketSettled):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrUnauthorized):
		writeJSONError(w, http.StatusForbidden, err.Error())
	default:
		a.log.Error().Err(err).Msg("request failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// OpsMux serves the operational endpoints alongside the API: metrics
// and the health probes.
func OpsMux(hc *observability.HealthChecker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", hc.LivenessHandler)
	mux.HandleFunc("/readyz", hc.ReadinessHandler)
	return mux
}
