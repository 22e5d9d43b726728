// Package gateway turns order requests into validated, reserved,
// broker-submitted orders. Validation happens before submission; the ledger
// reservation happens only after the broker acknowledges the order, so a
// failed submission leaves no trace.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stratforge/paperbroker/internal/broker"
	"github.com/stratforge/paperbroker/internal/ledger"
	"github.com/stratforge/paperbroker/internal/metrics"
	"github.com/stratforge/paperbroker/internal/model"
	"github.com/stratforge/paperbroker/internal/quotes"
	"github.com/stratforge/paperbroker/internal/stream"
)

// Service is the order execution gateway.
type Service struct {
	store  ledger.Store
	broker broker.Client
	quotes quotes.Quoter
	hub    *stream.Hub // optional; nil disables event broadcasting
}

// NewService creates a gateway. Pass nil for hub if WebSocket broadcasting
// is not needed.
func NewService(store ledger.Store, brk broker.Client, q quotes.Quoter, hub *stream.Hub) *Service {
	return &Service{store: store, broker: brk, quotes: q, hub: hub}
}

// OrderRequest is a proposed order, from the dashboard or a strategy signal.
type OrderRequest struct {
	UserID     string           `json:"user_id"`
	Symbol     string           `json:"symbol"`
	Qty        decimal.Decimal  `json:"qty"`
	Side       string           `json:"side"`            // "buy" or "sell"
	Type       string           `json:"type,omitempty"`  // "market" (default) or "limit"
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

// OrderResult is what a successful placement returns: the broker handle,
// the PENDING trade record ID, and the post-reservation cash balance.
type OrderResult struct {
	TradeID       string          `json:"trade_id"`
	BrokerOrderID string          `json:"broker_order_id"`
	Status        model.TradeStatus `json:"status"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
}

// PlaceOrder validates the request against the ledger, submits it to the
// broker, and records a PENDING trade reserving the implied cash delta.
// The reservation is deliberately conservative: a BUY debits the full
// estimated cost immediately and reconciliation corrects the difference
// once the broker reports actual fill terms.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.UserID == "" {
		return nil, s.reject("validation", validationf("user_id is required"))
	}
	if req.Symbol == "" {
		return nil, s.reject("validation", validationf("symbol is required"))
	}
	if !req.Qty.IsPositive() {
		return nil, s.reject("validation", validationf("qty must be positive, got %s", req.Qty))
	}
	if req.Side != "buy" && req.Side != "sell" {
		return nil, s.reject("validation", validationf("side must be buy or sell, got %q", req.Side))
	}
	orderType := model.OrderMarket
	switch req.Type {
	case "", "market":
	case "limit":
		orderType = model.OrderLimit
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return nil, s.reject("validation", validationf("limit orders require a positive limit_price"))
		}
	default:
		return nil, s.reject("validation", validationf("type must be market or limit, got %q", req.Type))
	}

	action := model.ActionBuy
	reservePrice := decimal.Zero

	if req.Side == "buy" {
		price, err := s.quotes.LatestPrice(ctx, req.Symbol)
		if err != nil {
			return nil, s.reject("price_unavailable", fmt.Errorf("%w for %s: %v", ErrPriceUnavailable, req.Symbol, err))
		}

		// Reserve at the limit price when one was given, else at the
		// current market price.
		reservePrice = price
		if orderType == model.OrderLimit {
			reservePrice = *req.LimitPrice
		}

		estimatedCost := reservePrice.Mul(req.Qty)
		balance, err := s.store.GetCashBalance(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if balance.LessThan(estimatedCost) {
			return nil, s.reject("insufficient_funds",
				fmt.Errorf("%w: required %s, available %s", ErrInsufficientFunds, estimatedCost, balance))
		}
	} else {
		action = model.ActionSell
		if orderType == model.OrderLimit {
			reservePrice = *req.LimitPrice
		}

		held := decimal.Zero
		pos, err := s.store.GetPosition(ctx, req.UserID, req.Symbol)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			held = pos.Quantity
		}
		if held.LessThan(req.Qty) {
			return nil, s.reject("insufficient_position",
				fmt.Errorf("%w: holding %s %s, selling %s", ledger.ErrInsufficientPosition, held, req.Symbol, req.Qty))
		}
	}

	spec := broker.OrderSpec{
		Symbol:      req.Symbol,
		Qty:         req.Qty,
		Side:        req.Side,
		Type:        string(orderType.Lower()),
		TimeInForce: "day",
		LimitPrice:  req.LimitPrice,
	}
	order, err := s.broker.SubmitOrder(ctx, spec)
	if err != nil {
		return nil, s.reject("broker", &BrokerError{Op: "submit", Err: err})
	}

	trade := &model.Trade{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Action:        action,
		ReservedPrice: reservePrice,
		ReservedQty:   req.Qty,
		BrokerOrderID: order.ID,
		Status:        model.StatusPending,
		OrderType:     orderType,
		ExecutedAt:    time.Now().UTC(),
	}

	newBalance, err := s.store.ReserveOrder(ctx, trade)
	if err != nil {
		// The order is already live at the broker with no local record.
		// Best-effort cancel; reconciliation skips orders it has no trade
		// row for.
		if cerr := s.broker.CancelOrder(ctx, order.ID); cerr != nil {
			slog.Error("cancel after failed reservation", "broker_order_id", order.ID, "err", cerr)
		}
		if errors.Is(err, ledger.ErrInsufficientPosition) {
			return nil, s.reject("insufficient_position", err)
		}
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(req.Side).Inc()
	slog.Info("order placed",
		"trade_id", trade.ID,
		"user", req.UserID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Qty.String(),
		"reserved_price", reservePrice.String(),
		"broker_order_id", order.ID,
	)

	if s.hub != nil {
		s.hub.Broadcast(stream.Event{
			Type:          "order_placed",
			TradeID:       trade.ID,
			UserID:        req.UserID,
			Symbol:        req.Symbol,
			Side:          string(action),
			Status:        string(model.StatusPending),
			Quantity:      req.Qty.String(),
			Price:         reservePrice.String(),
			BrokerOrderID: order.ID,
		})
	}

	return &OrderResult{
		TradeID:       trade.ID,
		BrokerOrderID: order.ID,
		Status:        model.StatusPending,
		CashBalance:   newBalance,
	}, nil
}

// CancelOrder requests cancellation at the broker. It performs no ledger
// mutation: compensation happens exclusively in reconciliation once the
// broker confirms the canceled state, so a cancel racing a fill cannot
// double-compensate.
func (s *Service) CancelOrder(ctx context.Context, userID, brokerOrderID string) error {
	trade, err := s.store.GetTradeByBrokerOrder(ctx, brokerOrderID)
	if err != nil {
		return err
	}
	if trade.UserID != userID {
		// Do not reveal other users' orders.
		return ledger.ErrTradeNotFound
	}

	if err := s.broker.CancelOrder(ctx, brokerOrderID); err != nil {
		return &BrokerError{Op: "cancel", Err: err}
	}

	slog.Info("cancel requested", "user", userID, "broker_order_id", brokerOrderID)
	return nil
}

// ListTrades returns a user's trade history, newest first.
func (s *Service) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.store.ListTrades(ctx, userID)
}

func (s *Service) reject(reason string, err error) error {
	metrics.OrdersRejected.WithLabelValues(reason).Inc()
	return err
}
