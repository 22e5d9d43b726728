// Package ledger is the single point of truth for virtual cash balances,
// positions, and trade records. Implementations include PostgreSQL (source
// of truth) and in-memory (for testing).
//
// Every multi-step mutation (order reservation, trade settlement) executes
// as one transaction with row-level locking on the affected account, so two
// concurrent writers for the same user cannot interleave a read-modify-write
// of the balance or a position quantity.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratforge/paperbroker/internal/model"
)

var (
	// ErrAccountNotFound is returned for operations on an unknown user.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account that already exists.
	ErrAccountExists = errors.New("account already exists")

	// ErrTradeNotFound is returned when no trade matches the given key.
	ErrTradeNotFound = errors.New("trade not found")

	// ErrInsufficientPosition is returned when a sell reservation exceeds the
	// quantity available once other pending sells are accounted for.
	ErrInsufficientPosition = errors.New("insufficient position")
)

// Settlement is the broker-confirmed terminal outcome applied to a pending
// trade. FillPrice/FillQty are meaningful only when Status is FILLED.
type Settlement struct {
	Status    model.TradeStatus
	FillPrice decimal.Decimal
	FillQty   decimal.Decimal
	FilledAt  time.Time
}

// SettleResult reports what a settlement did. Applied is false when the
// trade was already in a terminal state and the call was a no-op — the
// idempotency guard against overlapping poll windows.
type SettleResult struct {
	Applied    bool
	Trade      *model.Trade
	NewBalance decimal.Decimal
}

// Store is the ledger persistence interface.
type Store interface {
	// --- Accounts ---

	// CreateAccount creates an account seeded with startingBalance.
	CreateAccount(ctx context.Context, userID string, startingBalance decimal.Decimal) (*model.Account, error)

	// GetAccount retrieves an account by user ID.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// GetCashBalance returns the current cash balance for a user.
	GetCashBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// AdjustCashBalance adds delta (positive or negative) to the balance
	// under a transaction and returns the new balance. No lower bound is
	// enforced here; callers validate before reserving.
	AdjustCashBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)

	// --- Positions ---

	// GetPosition returns the position for (userID, symbol), or nil if the
	// user holds none.
	GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error)

	// ListPositions returns all positions with quantity > 0 for a user.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ApplyPositionFill applies a fill to the position. BUY upserts the row,
	// recomputing the weighted average entry price and incrementing quantity;
	// SELL decrements quantity and deletes the row when it reaches zero.
	ApplyPositionFill(ctx context.Context, userID, symbol string, action model.TradeAction, qty, price decimal.Decimal) error

	// --- Trades ---

	// ReserveOrder records a PENDING trade in one transaction: the account
	// row is locked, a BUY debits reservedPrice*reservedQty from cash, and a
	// SELL re-validates that the held quantity net of other pending sells
	// covers the order (ErrInsufficientPosition otherwise). Returns the
	// post-reservation cash balance.
	ReserveOrder(ctx context.Context, trade *model.Trade) (decimal.Decimal, error)

	// GetTradeByBrokerOrder looks up a trade by its broker order ID.
	GetTradeByBrokerOrder(ctx context.Context, brokerOrderID string) (*model.Trade, error)

	// ListTrades returns a user's trades, newest first.
	ListTrades(ctx context.Context, userID string) ([]model.Trade, error)

	// SettleTrade transitions a PENDING trade to the terminal state in s and
	// applies the compensating ledger adjustment, all in one transaction
	// beginning with a lock on the trade row. Settling an already-terminal
	// trade is a no-op (Applied=false). Returns ErrTradeNotFound when no
	// trade matches brokerOrderID.
	SettleTrade(ctx context.Context, brokerOrderID string, s Settlement) (*SettleResult, error)
}
