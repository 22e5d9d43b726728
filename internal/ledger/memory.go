package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratforge/paperbroker/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A single mutex stands in for the row locks of the Postgres
// implementation: every reservation and settlement runs to completion under
// it, which gives the same serialization guarantees.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*model.Account
	positions map[string]map[string]*model.Position // userID → symbol → position
	trades    []*model.Trade
	byBroker  map[string]*model.Trade
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]map[string]*model.Position),
		byBroker:  make(map[string]*model.Trade),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, userID string, startingBalance decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; ok {
		return nil, ErrAccountExists
	}
	a := &model.Account{
		UserID:          userID,
		CashBalance:     startingBalance,
		StartingBalance: startingBalance,
		CreatedAt:       time.Now().UTC(),
	}
	s.accounts[userID] = a
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetCashBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	return a.CashBalance, nil
}

func (s *MemoryStore) AdjustCashBalance(_ context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustLocked(userID, delta)
}

func (s *MemoryStore) adjustLocked(userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	a, ok := s.accounts[userID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	a.CashBalance = a.CashBalance.Add(delta)
	return a.CashBalance, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, symbol string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[userID][symbol]
	if !ok {
		return nil, nil
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var positions []model.Position
	for _, p := range s.positions[userID] {
		if p.Quantity.IsPositive() {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) ApplyPositionFill(_ context.Context, userID, symbol string, action model.TradeAction, qty, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyFillLocked(userID, symbol, action, qty, price)
	return nil
}

func (s *MemoryStore) applyFillLocked(userID, symbol string, action model.TradeAction, qty, price decimal.Decimal) {
	bySymbol, ok := s.positions[userID]
	if !ok {
		bySymbol = make(map[string]*model.Position)
		s.positions[userID] = bySymbol
	}

	p, ok := bySymbol[symbol]
	if action == model.ActionBuy {
		if !ok {
			bySymbol[symbol] = &model.Position{
				UserID:            userID,
				Symbol:            symbol,
				Quantity:          qty,
				AverageEntryPrice: price,
				LastUpdated:       time.Now().UTC(),
			}
			return
		}
		newQty := p.Quantity.Add(qty)
		p.AverageEntryPrice = p.Quantity.Mul(p.AverageEntryPrice).Add(qty.Mul(price)).Div(newQty)
		p.Quantity = newQty
		p.LastUpdated = time.Now().UTC()
		return
	}

	if !ok {
		return
	}
	p.Quantity = p.Quantity.Sub(qty)
	p.LastUpdated = time.Now().UTC()
	if !p.Quantity.IsPositive() {
		delete(bySymbol, symbol)
	}
}

func (s *MemoryStore) ReserveOrder(_ context.Context, trade *model.Trade) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[trade.UserID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}

	switch trade.Action {
	case model.ActionBuy:
		a.CashBalance = a.CashBalance.Sub(trade.ReservedPrice.Mul(trade.ReservedQty))

	case model.ActionSell:
		held := decimal.Zero
		if p, ok := s.positions[trade.UserID][trade.Symbol]; ok {
			held = p.Quantity
		}
		pending := decimal.Zero
		for _, t := range s.trades {
			if t.UserID == trade.UserID && t.Symbol == trade.Symbol &&
				t.Action == model.ActionSell && t.Status == model.StatusPending {
				pending = pending.Add(t.ReservedQty)
			}
		}
		if held.Sub(pending).LessThan(trade.ReservedQty) {
			return decimal.Zero, ErrInsufficientPosition
		}
	}

	copy := *trade
	s.trades = append(s.trades, &copy)
	s.byBroker[trade.BrokerOrderID] = &copy
	return a.CashBalance, nil
}

func (s *MemoryStore) GetTradeByBrokerOrder(_ context.Context, brokerOrderID string) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byBroker[brokerOrderID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var trades []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID == userID {
			trades = append(trades, *s.trades[i])
		}
	}
	return trades, nil
}

func (s *MemoryStore) SettleTrade(_ context.Context, brokerOrderID string, st Settlement) (*SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, ok := s.byBroker[brokerOrderID]
	if !ok {
		return nil, ErrTradeNotFound
	}

	if trade.Status.Terminal() {
		copy := *trade
		return &SettleResult{Applied: false, Trade: &copy}, nil
	}

	a, ok := s.accounts[trade.UserID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	reserved := trade.ReservedPrice.Mul(trade.ReservedQty)

	if st.Status == model.StatusFilled {
		actual := st.FillPrice.Mul(st.FillQty)
		if trade.Action == model.ActionBuy {
			a.CashBalance = a.CashBalance.Add(reserved.Sub(actual))
		} else {
			a.CashBalance = a.CashBalance.Add(actual)
		}
		s.applyFillLocked(trade.UserID, trade.Symbol, trade.Action, st.FillQty, st.FillPrice)

		trade.Status = model.StatusFilled
		trade.FillPrice = st.FillPrice
		trade.FillQty = st.FillQty
		filledAt := st.FilledAt
		trade.FilledAt = &filledAt
	} else {
		if trade.Action == model.ActionBuy {
			a.CashBalance = a.CashBalance.Add(reserved)
		}
		trade.Status = st.Status
	}

	copy := *trade
	return &SettleResult{Applied: true, Trade: &copy, NewBalance: a.CashBalance}, nil
}
