// Package api provides the HTTP handlers the dashboard calls: account
// bootstrap, order placement/cancellation, trade history, and portfolio
// valuation.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stratforge/paperbroker/internal/gateway"
	"github.com/stratforge/paperbroker/internal/ledger"
	"github.com/stratforge/paperbroker/internal/model"
	"github.com/stratforge/paperbroker/internal/portfolio"
)

// Server bundles the services behind the HTTP surface.
type Server struct {
	gateway         *gateway.Service
	portfolio       *portfolio.Service
	store           ledger.Store
	startingBalance decimal.Decimal
}

// NewServer creates the API server.
func NewServer(gw *gateway.Service, pf *portfolio.Service, store ledger.Store, startingBalance decimal.Decimal) *Server {
	return &Server{
		gateway:         gw,
		portfolio:       pf,
		store:           store,
		startingBalance: startingBalance,
	}
}

// CreateAccount handles POST /api/v1/accounts
// Creates a virtual account seeded with the configured starting balance.
func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	account, err := s.store.CreateAccount(r.Context(), req.UserID, s.startingBalance)
	if err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

// GetBalance handles GET /api/v1/accounts/{userID}/balance
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balance, err := s.store.GetCashBalance(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"cash_balance": balance,
	})
}

// PlaceOrder handles POST /api/v1/orders
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req gateway.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.gateway.PlaceOrder(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// CancelOrder handles DELETE /api/v1/orders/{brokerOrderID}
// The response is 202: the trade stays PENDING until reconciliation
// observes the broker-side cancellation.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	brokerOrderID := chi.URLParam(r, "brokerOrderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	if err := s.gateway.CancelOrder(r.Context(), userID, brokerOrderID); err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"broker_order_id": brokerOrderID,
		"status":          "cancel_requested",
	})
}

// ListTrades handles GET /api/v1/trades/{userID}
func (s *Server) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	trades, err := s.gateway.ListTrades(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	writeJSON(w, http.StatusOK, trades)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	pf, err := s.portfolio.GetPortfolio(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}
	if pf.Positions == nil {
		pf.Positions = []model.PortfolioPosition{}
	}

	writeJSON(w, http.StatusOK, pf)
}

// errStatus maps the error taxonomy onto HTTP status codes.
func errStatus(err error) int {
	var ve *gateway.ValidationError
	var be *gateway.BrokerError

	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientPosition):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrPriceUnavailable):
		return http.StatusBadGateway
	case errors.As(err, &be):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
