package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratforge/paperbroker/internal/broker"
	"github.com/stratforge/paperbroker/internal/ledger"
	"github.com/stratforge/paperbroker/internal/model"
	"github.com/stratforge/paperbroker/internal/reconcile"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeBroker serves a scripted closed-order history and records the After
// bound of each query.
type fakeBroker struct {
	closed  []broker.Order
	afters  []time.Time
	listErr error
}

func (b *fakeBroker) ListClosedOrders(_ context.Context, p broker.ListClosedParams) ([]broker.Order, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	b.afters = append(b.afters, p.After)
	return b.closed, nil
}

func (b *fakeBroker) SubmitOrder(context.Context, broker.OrderSpec) (*broker.Order, error) {
	return nil, errors.New("not used")
}
func (b *fakeBroker) CancelOrder(context.Context, string) error { return nil }
func (b *fakeBroker) LatestPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not used")
}
func (b *fakeBroker) LatestPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return nil, errors.New("not used")
}

func newTestEnv(t *testing.T) (*ledger.MemoryStore, *fakeBroker, *reconcile.Poller) {
	t.Helper()
	st := ledger.NewMemoryStore()
	if _, err := st.CreateAccount(context.Background(), "user1", d(100000)); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	brk := &fakeBroker{}
	return st, brk, reconcile.New(st, brk, 10*time.Second, 50, nil)
}

func reserve(t *testing.T, st *ledger.MemoryStore, symbol string, action model.TradeAction, price, qty float64, brokerID string) {
	t.Helper()
	_, err := st.ReserveOrder(context.Background(), &model.Trade{
		ID:            "trade-" + brokerID,
		UserID:        "user1",
		Symbol:        symbol,
		Action:        action,
		ReservedPrice: d(price),
		ReservedQty:   d(qty),
		BrokerOrderID: brokerID,
		Status:        model.StatusPending,
		OrderType:     model.OrderMarket,
		ExecutedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
}

func filledOrder(id string, price, qty float64) broker.Order {
	at := time.Now().UTC()
	return broker.Order{
		ID:             id,
		Status:         "filled",
		FilledAvgPrice: d(price),
		FilledQty:      d(qty),
		FilledAt:       &at,
	}
}

// Round-trip: reserve BUY 10 AAPL @ 150 (balance 98500), broker fills at
// 148 → refund 20 → balance 98520, position 10 @ 148.
func TestPoll_BuyFillRoundTrip(t *testing.T) {
	st, brk, p := newTestEnv(t)
	ctx := context.Background()

	reserve(t, st, "AAPL", model.ActionBuy, 150, 10, "bo-1")
	brk.closed = []broker.Order{filledOrder("bo-1", 148, 10)}

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	balance, _ := st.GetCashBalance(ctx, "user1")
	if !balance.Equal(d(98520)) {
		t.Errorf("expected balance 98520, got %s", balance)
	}
	pos, _ := st.GetPosition(ctx, "user1", "AAPL")
	if pos == nil || !pos.Quantity.Equal(d(10)) || !pos.AverageEntryPrice.Equal(d(148)) {
		t.Errorf("expected position 10 @ 148, got %+v", pos)
	}

	trade, _ := st.GetTradeByBrokerOrder(ctx, "bo-1")
	if trade.Status != model.StatusFilled {
		t.Errorf("expected FILLED, got %s", trade.Status)
	}
	if trade.FilledAt == nil {
		t.Error("expected filled_at to be set")
	}
}

// Cancel: reserve BUY 5 XYZ @ 50 (balance 99750), broker cancels → full
// refund → balance 100000, no position.
func TestPoll_BuyCancelRefund(t *testing.T) {
	st, brk, p := newTestEnv(t)
	ctx := context.Background()

	reserve(t, st, "XYZ", model.ActionBuy, 50, 5, "bo-1")
	brk.closed = []broker.Order{{ID: "bo-1", Status: "canceled"}}

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	balance, _ := st.GetCashBalance(ctx, "user1")
	if !balance.Equal(d(100000)) {
		t.Errorf("expected full refund to 100000, got %s", balance)
	}
	pos, _ := st.GetPosition(ctx, "user1", "XYZ")
	if pos != nil {
		t.Errorf("canceled buy must not create a position, got %+v", pos)
	}
}

func TestPoll_SellFillCreditsProceeds(t *testing.T) {
	st, brk, p := newTestEnv(t)
	ctx := context.Background()

	st.ApplyPositionFill(ctx, "user1", "AAPL", model.ActionBuy, d(10), d(100))
	reserve(t, st, "AAPL", model.ActionSell, 0, 10, "bo-1")
	brk.closed = []broker.Order{filledOrder("bo-1", 110, 10)}

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	balance, _ := st.GetCashBalance(ctx, "user1")
	if !balance.Equal(d(101100)) {
		t.Errorf("expected balance 101100, got %s", balance)
	}

	// Fully liquidated position is deleted.
	pos, _ := st.GetPosition(ctx, "user1", "AAPL")
	if pos != nil {
		t.Errorf("expected position deleted, got %+v", pos)
	}
}

// Replaying the same terminal order across two poll ticks must change the
// ledger exactly once.
func TestPoll_IdempotentAcrossOverlappingWindows(t *testing.T) {
	st, brk, p := newTestEnv(t)
	ctx := context.Background()

	reserve(t, st, "AAPL", model.ActionBuy, 150, 10, "bo-1")
	brk.closed = []broker.Order{filledOrder("bo-1", 148, 10)}

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("first poll failed: %v", err)
	}
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("second poll failed: %v", err)
	}

	balance, _ := st.GetCashBalance(ctx, "user1")
	if !balance.Equal(d(98520)) {
		t.Errorf("balance must change exactly once, got %s", balance)
	}
	pos, _ := st.GetPosition(ctx, "user1", "AAPL")
	if !pos.Quantity.Equal(d(10)) {
		t.Errorf("position must change exactly once, got %s", pos.Quantity)
	}
}

func TestPoll_SkipsNonTerminalOrders(t *testing.T) {
	st, brk, p := newTestEnv(t)
	ctx := context.Background()

	reserve(t, st, "AAPL", model.ActionBuy, 150, 10, "bo-1")
	brk.closed = []broker.Order{{ID: "bo-1", Status: "partially_filled"}}

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	trade, _ := st.GetTradeByBrokerOrder(ctx, "bo-1")
	if trade.Status != model.StatusPending {
		t.Errorf("partially filled order must stay PENDING, got %s", trade.Status)
	}
	balance, _ := st.GetCashBalance(ctx, "user1")
	if !balance.Equal(d(98500)) {
		t.Errorf("reservation must be untouched, got %s", balance)
	}
}

func TestPoll_SkipsUnknownOrders(t *testing.T) {
	_, brk, p := newTestEnv(t)

	// A closed order we never submitted (e.g. canceled after a failed
	// reservation) must be ignored.
	brk.closed = []broker.Order{filledOrder("not-ours", 100, 1)}

	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("poll must not fail on unknown orders: %v", err)
	}
}

func TestPoll_AdvancesWindowOnEmptyBatch(t *testing.T) {
	_, brk, p := newTestEnv(t)
	ctx := context.Background()

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	if len(brk.afters) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(brk.afters))
	}
	// The window advances after every successful fetch, results or not.
	if !brk.afters[1].After(brk.afters[0]) {
		t.Errorf("expected advancing window, got %v then %v", brk.afters[0], brk.afters[1])
	}
}

func TestPoll_KeepsWindowOnFetchFailure(t *testing.T) {
	_, brk, p := newTestEnv(t)
	ctx := context.Background()

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	advanced := brk.afters[0]

	brk.listErr = errors.New("broker unreachable")
	if err := p.Poll(ctx); err == nil {
		t.Fatal("expected poll error when broker is unreachable")
	}

	brk.listErr = nil
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	// The failed tick must not have advanced the window past the first
	// successful one.
	if brk.afters[1].Before(advanced) {
		t.Errorf("window moved backwards: %v then %v", advanced, brk.afters[1])
	}
}

// An unknown order in the middle of a batch must not block the orders
// behind it.
func TestPoll_BatchContinuesPastUnknownOrder(t *testing.T) {
	st, brk, p := newTestEnv(t)
	ctx := context.Background()

	reserve(t, st, "AAPL", model.ActionBuy, 150, 10, "bo-good")
	brk.closed = []broker.Order{
		filledOrder("not-ours", 1, 1),
		filledOrder("bo-good", 148, 10),
	}

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	trade, _ := st.GetTradeByBrokerOrder(ctx, "bo-good")
	if trade.Status != model.StatusFilled {
		t.Errorf("order behind the unknown one must settle, got %s", trade.Status)
	}
}
