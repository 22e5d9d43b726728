package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stratforge/paperbroker/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the ledger tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			user_id          TEXT PRIMARY KEY,
			cash_balance     NUMERIC NOT NULL,
			starting_balance NUMERIC NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS positions (
			user_id             TEXT NOT NULL,
			symbol              TEXT NOT NULL,
			quantity            NUMERIC NOT NULL,
			average_entry_price NUMERIC NOT NULL,
			last_updated        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, symbol)
		);
		CREATE TABLE IF NOT EXISTS trades (
			id              UUID PRIMARY KEY,
			user_id         TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			action          TEXT NOT NULL,
			reserved_price  NUMERIC NOT NULL,
			reserved_qty    NUMERIC NOT NULL,
			fill_price      NUMERIC NOT NULL DEFAULT 0,
			fill_qty        NUMERIC NOT NULL DEFAULT 0,
			broker_order_id TEXT NOT NULL,
			status          TEXT NOT NULL,
			order_type      TEXT NOT NULL,
			executed_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			filled_at       TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS trades_broker_order_id_idx ON trades (broker_order_id);
		CREATE INDEX IF NOT EXISTS trades_user_id_idx ON trades (user_id);
	`)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, userID string, startingBalance decimal.Decimal) (*model.Account, error) {
	var a model.Account
	var cash, start string

	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (user_id, cash_balance, starting_balance)
		 VALUES ($1, $2::NUMERIC, $2::NUMERIC)
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING user_id, cash_balance::TEXT, starting_balance::TEXT, created_at`,
		userID, startingBalance.String()).
		Scan(&a.UserID, &cash, &start, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountExists
	}
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", userID, err)
	}

	a.CashBalance, _ = decimal.NewFromString(cash)
	a.StartingBalance, _ = decimal.NewFromString(start)
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var cash, start string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, starting_balance::TEXT, created_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &cash, &start, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	a.CashBalance, _ = decimal.NewFromString(cash)
	a.StartingBalance, _ = decimal.NewFromString(start)
	return &a, nil
}

func (s *PostgresStore) GetCashBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var cash string
	err := s.pool.QueryRow(ctx,
		`SELECT cash_balance::TEXT FROM accounts WHERE user_id = $1`, userID).Scan(&cash)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	balance, _ := decimal.NewFromString(cash)
	return balance, nil
}

func (s *PostgresStore) AdjustCashBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var cash string
	err := s.pool.QueryRow(ctx,
		`UPDATE accounts SET cash_balance = cash_balance + $2::NUMERIC
		 WHERE user_id = $1
		 RETURNING cash_balance::TEXT`,
		userID, delta.String()).Scan(&cash)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance %s: %w", userID, err)
	}
	balance, _ := decimal.NewFromString(cash)
	return balance, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error) {
	var p model.Position
	var qty, avg string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, symbol, quantity::TEXT, average_entry_price::TEXT, last_updated
		 FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol).
		Scan(&p.UserID, &p.Symbol, &qty, &avg, &p.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, symbol, err)
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AverageEntryPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, quantity::TEXT, average_entry_price::TEXT, last_updated
		 FROM positions WHERE user_id = $1 AND quantity > 0 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qty, avg string
		if err := rows.Scan(&p.UserID, &p.Symbol, &qty, &avg, &p.LastUpdated); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AverageEntryPrice, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ApplyPositionFill(ctx context.Context, userID, symbol string, action model.TradeAction, qty, price decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := applyPositionFillTx(ctx, tx, userID, symbol, action, qty, price); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// applyPositionFillTx mutates the position row inside an existing
// transaction. The weighted average entry price is recomputed only on
// position-increasing fills.
func applyPositionFillTx(ctx context.Context, tx pgx.Tx, userID, symbol string, action model.TradeAction, qty, price decimal.Decimal) error {
	if action == model.ActionBuy {
		_, err := tx.Exec(ctx,
			`INSERT INTO positions (user_id, symbol, quantity, average_entry_price, last_updated)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, NOW())
			 ON CONFLICT (user_id, symbol) DO UPDATE SET
			     average_entry_price = (
			         (positions.quantity * positions.average_entry_price + $3::NUMERIC * $4::NUMERIC)
			         / (positions.quantity + $3::NUMERIC)
			     ),
			     quantity = positions.quantity + $3::NUMERIC,
			     last_updated = NOW()`,
			userID, symbol, qty.String(), price.String())
		if err != nil {
			return fmt.Errorf("apply buy fill %s/%s: %w", userID, symbol, err)
		}
		return nil
	}

	_, err := tx.Exec(ctx,
		`UPDATE positions SET quantity = quantity - $3::NUMERIC, last_updated = NOW()
		 WHERE user_id = $1 AND symbol = $2`,
		userID, symbol, qty.String())
	if err != nil {
		return fmt.Errorf("apply sell fill %s/%s: %w", userID, symbol, err)
	}

	// A position row with quantity <= 0 must not persist.
	_, err = tx.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND symbol = $2 AND quantity <= 0`,
		userID, symbol)
	if err != nil {
		return fmt.Errorf("prune position %s/%s: %w", userID, symbol, err)
	}
	return nil
}

func (s *PostgresStore) ReserveOrder(ctx context.Context, trade *model.Trade) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	// Lock the account row first: all reservations and settlements for one
	// user serialize here.
	var cash string
	err = tx.QueryRow(ctx,
		`SELECT cash_balance::TEXT FROM accounts WHERE user_id = $1 FOR UPDATE`,
		trade.UserID).Scan(&cash)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock account %s: %w", trade.UserID, err)
	}
	balance, _ := decimal.NewFromString(cash)

	switch trade.Action {
	case model.ActionBuy:
		reserved := trade.ReservedPrice.Mul(trade.ReservedQty)
		err = tx.QueryRow(ctx,
			`UPDATE accounts SET cash_balance = cash_balance - $2::NUMERIC
			 WHERE user_id = $1
			 RETURNING cash_balance::TEXT`,
			trade.UserID, reserved.String()).Scan(&cash)
		if err != nil {
			return decimal.Zero, fmt.Errorf("reserve cash %s: %w", trade.UserID, err)
		}
		balance, _ = decimal.NewFromString(cash)

	case model.ActionSell:
		// Re-validate under the account lock: the held quantity minus every
		// other pending sell for this symbol must cover the order. Two
		// concurrent sells serialize on the lock, so the loser sees the
		// winner's pending trade and fails here.
		var heldS, pendingS string
		err = tx.QueryRow(ctx,
			`SELECT COALESCE((SELECT quantity FROM positions WHERE user_id = $1 AND symbol = $2), 0)::TEXT`,
			trade.UserID, trade.Symbol).Scan(&heldS)
		if err != nil {
			return decimal.Zero, fmt.Errorf("read position %s/%s: %w", trade.UserID, trade.Symbol, err)
		}
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(reserved_qty), 0)::TEXT FROM trades
			 WHERE user_id = $1 AND symbol = $2 AND action = 'SELL' AND status = 'PENDING'`,
			trade.UserID, trade.Symbol).Scan(&pendingS)
		if err != nil {
			return decimal.Zero, fmt.Errorf("read pending sells %s/%s: %w", trade.UserID, trade.Symbol, err)
		}

		held, _ := decimal.NewFromString(heldS)
		pending, _ := decimal.NewFromString(pendingS)
		if held.Sub(pending).LessThan(trade.ReservedQty) {
			return decimal.Zero, ErrInsufficientPosition
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, symbol, action, reserved_price, reserved_qty, broker_order_id, status, order_type, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)`,
		trade.ID, trade.UserID, trade.Symbol, string(trade.Action),
		trade.ReservedPrice.String(), trade.ReservedQty.String(),
		trade.BrokerOrderID, string(trade.Status), string(trade.OrderType), trade.ExecutedAt)
	if err != nil {
		return decimal.Zero, fmt.Errorf("insert trade %s: %w", trade.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (s *PostgresStore) GetTradeByBrokerOrder(ctx context.Context, brokerOrderID string) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx, tradeSelect+` WHERE broker_order_id = $1`, brokerOrderID)
	return scanTrade(row)
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, tradeSelect+` WHERE user_id = $1 ORDER BY executed_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) SettleTrade(ctx context.Context, brokerOrderID string, st Settlement) (*SettleResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the trade row; this is the exactly-once guard.
	row := tx.QueryRow(ctx, tradeSelect+` WHERE broker_order_id = $1 FOR UPDATE`, brokerOrderID)
	trade, err := scanTrade(row)
	if err != nil {
		return nil, err
	}

	if trade.Status.Terminal() {
		return &SettleResult{Applied: false, Trade: trade}, nil
	}

	var cash string
	err = tx.QueryRow(ctx,
		`SELECT cash_balance::TEXT FROM accounts WHERE user_id = $1 FOR UPDATE`,
		trade.UserID).Scan(&cash)
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", trade.UserID, err)
	}
	balance, _ := decimal.NewFromString(cash)

	adjust := func(delta decimal.Decimal) error {
		if delta.IsZero() {
			return nil
		}
		err := tx.QueryRow(ctx,
			`UPDATE accounts SET cash_balance = cash_balance + $2::NUMERIC
			 WHERE user_id = $1
			 RETURNING cash_balance::TEXT`,
			trade.UserID, delta.String()).Scan(&cash)
		if err != nil {
			return fmt.Errorf("settle balance %s: %w", trade.UserID, err)
		}
		balance, _ = decimal.NewFromString(cash)
		return nil
	}

	reserved := trade.ReservedPrice.Mul(trade.ReservedQty)

	if st.Status == model.StatusFilled {
		_, err = tx.Exec(ctx,
			`UPDATE trades SET status = 'FILLED', fill_price = $2::NUMERIC, fill_qty = $3::NUMERIC, filled_at = $4
			 WHERE id = $1`,
			trade.ID, st.FillPrice.String(), st.FillQty.String(), st.FilledAt)
		if err != nil {
			return nil, fmt.Errorf("mark trade filled %s: %w", trade.ID, err)
		}

		actual := st.FillPrice.Mul(st.FillQty)
		if trade.Action == model.ActionBuy {
			// Cash was fully debited at reservation; return the difference
			// between reserved and actual cost. Negative when the fill was
			// worse than estimated, which still nets correctly.
			if err := adjust(reserved.Sub(actual)); err != nil {
				return nil, err
			}
		} else {
			// Sells reserve no cash; proceeds arrive on fill.
			if err := adjust(actual); err != nil {
				return nil, err
			}
		}

		if err := applyPositionFillTx(ctx, tx, trade.UserID, trade.Symbol, trade.Action, st.FillQty, st.FillPrice); err != nil {
			return nil, err
		}

		trade.Status = model.StatusFilled
		trade.FillPrice = st.FillPrice
		trade.FillQty = st.FillQty
		filledAt := st.FilledAt
		trade.FilledAt = &filledAt
	} else {
		_, err = tx.Exec(ctx, `UPDATE trades SET status = $2 WHERE id = $1`, trade.ID, string(st.Status))
		if err != nil {
			return nil, fmt.Errorf("mark trade %s %s: %w", trade.ID, st.Status, err)
		}

		// No fill happened: a BUY gets the entire reservation back, a SELL
		// had nothing reserved.
		if trade.Action == model.ActionBuy {
			if err := adjust(reserved); err != nil {
				return nil, err
			}
		}
		trade.Status = st.Status
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &SettleResult{Applied: true, Trade: trade, NewBalance: balance}, nil
}

const tradeSelect = `SELECT id, user_id, symbol, action,
	reserved_price::TEXT, reserved_qty::TEXT, fill_price::TEXT, fill_qty::TEXT,
	broker_order_id, status, order_type, executed_at, filled_at
FROM trades`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var action, status, orderType string
	var reservedPrice, reservedQty, fillPrice, fillQty string

	err := row.Scan(&t.ID, &t.UserID, &t.Symbol, &action,
		&reservedPrice, &reservedQty, &fillPrice, &fillQty,
		&t.BrokerOrderID, &status, &orderType, &t.ExecutedAt, &t.FilledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}

	t.Action = model.TradeAction(action)
	t.Status = model.TradeStatus(status)
	t.OrderType = model.OrderType(orderType)
	t.ReservedPrice, _ = decimal.NewFromString(reservedPrice)
	t.ReservedQty, _ = decimal.NewFromString(reservedQty)
	t.FillPrice, _ = decimal.NewFromString(fillPrice)
	t.FillQty, _ = decimal.NewFromString(fillQty)
	return &t, nil
}
