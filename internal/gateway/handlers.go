package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/logging"
	"paper-trader/internal/models"
	"paper-trader/internal/resilience"
	"paper-trader/internal/store"
	"paper-trader/pkg/utils"
)

type errorBody struct {
	Code  apperrors.Code `json:"code"`
	Error string         `json:"error"`
}

// statusFor maps a reason code onto an HTTP status.
func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeInsufficientHoldings, apperrors.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case apperrors.CodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		log := logging.FromContext(r.Context())
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Code: code, Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError("body", nil, "invalid json: "+err.Error())
	}
	return nil
}

func exchangeParam(r *http.Request) models.Exchange {
	if ex := r.URL.Query().Get("exchange"); ex != "" {
		return models.Exchange(strings.ToUpper(ex))
	}
	return models.NSE
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.NewValidationError(name, raw, "must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":        "OK",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"uptime_sec":    int64(time.Since(s.started).Seconds()),
		"marketSession": utils.SessionAt(time.Now()),
	}
	status := http.StatusOK
	if s.deps.Health != nil {
		health := s.deps.Health.Check(r.Context())
		resp["components"] = health.Components
		if health.Status == resilience.HealthStatusUnhealthy {
			resp["status"] = string(health.Status)
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"stream":              s.deps.Hub.GetMetrics(),
		"connectionsAccepted": s.accepted.Load(),
	}
	if s.deps.Simulator != nil {
		resp["simulator"] = s.deps.Simulator.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Market data

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	var (
		insts []models.Instrument
		err   error
	)
	if r.URL.Query().Get("all") == "true" {
		insts, err = s.deps.Store.ListInstruments(r.Context())
	} else {
		insts, err = s.deps.Store.ListActiveInstruments(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insts)
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	inst, err := s.deps.Store.GetInstrument(r.Context(), symbol, exchangeParam(r))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, apperrors.NotFound("instrument", symbol))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ticks, err := s.deps.Store.GetTicks(r.Context(), strings.ToUpper(r.PathValue("symbol")), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticks)
}

// Orders

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Orders.Orders(r.Context(), s.session(r))
	s.respondOrders(w, r, orders, err)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Orders.OrderBook(r.Context(), s.session(r))
	s.respondOrders(w, r, orders, err)
}

func (s *Server) handleTradeBook(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Orders.TradeBook(r.Context(), s.session(r))
	s.respondOrders(w, r, orders, err)
}

func (s *Server) respondOrders(w http.ResponseWriter, r *http.Request, orders []models.Order, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.deps.Orders.Submit(r.Context(), s.session(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Orders.Order(r.Context(), s.session(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var mod models.OrderModification
	if err := decodeBody(r, &mod); err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.deps.Orders.Modify(r.Context(), s.session(r), r.PathValue("id"), mod)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Orders.Cancel(r.Context(), s.session(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	product := models.ProductType(strings.ToUpper(r.URL.Query().Get("product")))
	qty, err := s.deps.Orders.Available(r.Context(), s.session(r), symbol, exchangeParam(r), product)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":            symbol,
		"availableQuantity": qty,
	})
}

// Portfolio

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	views, err := s.deps.Portfolio.Holdings(r.Context(), s.session(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	userID := s.session(r).UserID
	date := r.URL.Query().Get("date")

	if r.URL.Query().Get("raw") == "true" {
		rows, err := s.deps.Portfolio.PositionRows(r.Context(), store.PositionFilter{UserID: userID, TradeDate: date})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}

	views, err := s.deps.Portfolio.Positions(r.Context(), userID, date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Portfolio.Summary(r.Context(), s.session(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Funds

type fundsRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := s.deps.Portfolio.Funds(r.Context(), s.session(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, funds)
}

func (s *Server) handleAddFunds(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, true)
}

func (s *Server) handleWithdrawFunds(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, false)
}

func (s *Server) moveFunds(w http.ResponseWriter, r *http.Request, deposit bool) {
	var req fundsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := s.session(r).UserID

	var (
		balance decimal.Decimal
		err     error
	)
	if deposit {
		balance, err = s.deps.Ledger.Deposit(r.Context(), userID, req.Amount)
	} else {
		balance, err = s.deps.Ledger.Withdraw(r.Context(), userID, req.Amount)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":           userID,
		"availableBalance": balance,
	})
}
