// Package model defines the core domain types shared across the gateway.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeAction is the order direction as recorded on the ledger.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// TradeStatus is the lifecycle state of a trade record. A trade starts
// PENDING and moves to exactly one terminal state, after which it is
// immutable.
type TradeStatus string

const (
	StatusPending  TradeStatus = "PENDING"
	StatusFilled   TradeStatus = "FILLED"
	StatusCanceled TradeStatus = "CANCELED"
	StatusRejected TradeStatus = "REJECTED"
	StatusExpired  TradeStatus = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// Lower returns the broker wire form of the order type.
func (t OrderType) Lower() OrderType { return OrderType(strings.ToLower(string(t))) }

// Account holds a user's virtual cash. CashBalance is mutated only through
// the ledger store's transactional primitives; StartingBalance is fixed at
// creation and is the P&L baseline.
type Account struct {
	UserID          string          `json:"user_id" db:"user_id"`
	CashBalance     decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	StartingBalance decimal.Decimal `json:"starting_balance" db:"starting_balance"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's holding in one symbol. A row with quantity <= 0 is
// deleted rather than persisted. AverageEntryPrice is a weighted average
// recomputed only on position-increasing fills.
type Position struct {
	UserID            string          `json:"user_id" db:"user_id"`
	Symbol            string          `json:"symbol" db:"symbol"`
	Quantity          decimal.Decimal `json:"quantity" db:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price" db:"average_entry_price"`
	LastUpdated       time.Time       `json:"last_updated" db:"last_updated"`
}

// Trade is one order submission attempt. ReservedPrice/ReservedQty are the
// terms used for the provisional ledger reservation; FillPrice/FillQty are
// the broker-confirmed terms set at reconciliation.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Action        TradeAction     `json:"action" db:"action"`
	ReservedPrice decimal.Decimal `json:"reserved_price" db:"reserved_price"`
	ReservedQty   decimal.Decimal `json:"reserved_qty" db:"reserved_qty"`
	FillPrice     decimal.Decimal `json:"fill_price" db:"fill_price"`
	FillQty       decimal.Decimal `json:"fill_qty" db:"fill_qty"`
	BrokerOrderID string          `json:"broker_order_id" db:"broker_order_id"`
	Status        TradeStatus     `json:"status" db:"status"`
	OrderType     OrderType       `json:"order_type" db:"order_type"`
	ExecutedAt    time.Time       `json:"executed_at" db:"executed_at"`
	FilledAt      *time.Time      `json:"filled_at,omitempty" db:"filled_at"`
}

// PortfolioPosition is one symbol's slice of a portfolio valuation.
type PortfolioPosition struct {
	Symbol            string          `json:"symbol"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	MarketValue       decimal.Decimal `json:"market_value"`
	UnrealizedPL      decimal.Decimal `json:"unrealized_pl"`
}

// Portfolio is the read-only valuation of an account: cash plus marked
// positions, with P&L measured against the starting balance.
type Portfolio struct {
	UserID         string              `json:"user_id"`
	CashBalance    decimal.Decimal     `json:"cash_balance"`
	PortfolioValue decimal.Decimal     `json:"portfolio_value"`
	PnL            decimal.Decimal     `json:"pnl"`
	Positions      []PortfolioPosition `json:"positions"`
}
