// Package broker defines the external order-execution service the gateway
// submits to, plus an Alpaca-style paper-trading REST implementation. The
// broker owns order lifecycle; the ledger only mirrors its terminal states.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSpec is an order to submit.
type OrderSpec struct {
	Symbol      string
	Qty         decimal.Decimal
	Side        string // "buy" or "sell"
	Type        string // "market" or "limit"
	TimeInForce string // "day", "gtc", "ioc"
	LimitPrice  *decimal.Decimal
}

// Order is the broker's view of an order. Status values are the broker's
// own vocabulary ("filled", "canceled", "partially_filled", ...); the
// reconciliation poller maps them onto ledger statuses.
type Order struct {
	ID             string
	Symbol         string
	Side           string
	Status         string
	FilledAvgPrice decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAt       *time.Time
}

// ListClosedParams bounds a closed-order history query.
type ListClosedParams struct {
	After time.Time
	Limit int
}

// Client is the broker API surface consumed by the gateway and the
// reconciliation poller.
type Client interface {
	// SubmitOrder places an order and returns the broker's handle for it.
	SubmitOrder(ctx context.Context, spec OrderSpec) (*Order, error)

	// CancelOrder requests cancellation. The cancellation takes effect on
	// the ledger only once reconciliation observes the terminal state.
	CancelOrder(ctx context.Context, orderID string) error

	// ListClosedOrders returns orders that reached a closed state, oldest
	// first, submitted after the given time.
	ListClosedOrders(ctx context.Context, p ListClosedParams) ([]Order, error)

	// LatestPrice returns the most recent trade price for a symbol.
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// LatestPrices batch-fetches prices; symbols without a price are absent
	// from the result rather than failing the whole call.
	LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}
