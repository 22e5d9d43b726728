// Package reconcile runs the background loop that converts broker-confirmed
// terminal order states into final ledger adjustments, exactly once per
// order. It is the only component besides the execution gateway allowed to
// touch trade records.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stratforge/paperbroker/internal/broker"
	"github.com/stratforge/paperbroker/internal/ledger"
	"github.com/stratforge/paperbroker/internal/metrics"
	"github.com/stratforge/paperbroker/internal/model"
	"github.com/stratforge/paperbroker/internal/stream"
)

// Poller periodically fetches recently closed broker orders and settles the
// matching pending trades. A single loop runs one tick at a time; the next
// tick is scheduled only after the current one completes.
type Poller struct {
	store      ledger.Store
	broker     broker.Client
	interval   time.Duration
	batchLimit int
	hub        *stream.Hub // optional

	// lastCheck is the lower bound of the next closed-order query. It
	// advances only after a successful fetch, so a failed poll never skips
	// a window; slight overlap is fine because settlement is idempotent.
	lastCheck time.Time
}

// New creates a poller. The initial polling window reaches back 24h to
// catch orders that closed while the service was down.
func New(store ledger.Store, brk broker.Client, interval time.Duration, batchLimit int, hub *stream.Hub) *Poller {
	return &Poller{
		store:      store,
		broker:     brk,
		interval:   interval,
		batchLimit: batchLimit,
		hub:        hub,
		lastCheck:  time.Now().Add(-24 * time.Hour),
	}
}

// Run polls until ctx is canceled, waiting the configured interval after
// each tick completes.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("reconciliation poller started", "interval", p.interval)

	// First tick fires immediately; later ticks wait the full interval
	// after the previous one completes.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciliation poller stopped")
			return
		case <-timer.C:
		}

		if err := p.Poll(ctx); err != nil {
			// Transient; the window is not advanced, so nothing is lost.
			metrics.ReconcileTicks.WithLabelValues("error").Inc()
			slog.Error("reconciliation poll failed", "err", err)
		} else {
			metrics.ReconcileTicks.WithLabelValues("ok").Inc()
		}

		timer.Reset(p.interval)
	}
}

// Poll runs one reconciliation tick: fetch closed orders since lastCheck,
// settle each terminal one, then advance the window. A single order's
// failure does not abort the batch — the window only advances past the
// query time, so the order reappears next tick.
func (p *Poller) Poll(ctx context.Context) error {
	now := time.Now()

	orders, err := p.broker.ListClosedOrders(ctx, broker.ListClosedParams{
		After: p.lastCheck,
		Limit: p.batchLimit,
	})
	if err != nil {
		return err
	}

	for _, order := range orders {
		status, ok := mapStatus(order.Status)
		if !ok {
			// Not terminal yet (new, partially filled, ...); revisit later.
			continue
		}
		p.settle(ctx, order, status)
	}

	// Tied to query issuance, not per-order success: failed orders are
	// still inside the next window and retry naturally.
	p.lastCheck = now
	return nil
}

func (p *Poller) settle(ctx context.Context, order broker.Order, status model.TradeStatus) {
	st := ledger.Settlement{Status: status}
	if status == model.StatusFilled {
		st.FillPrice = order.FilledAvgPrice
		st.FillQty = order.FilledQty
		if order.FilledAt != nil {
			st.FilledAt = *order.FilledAt
		} else {
			st.FilledAt = time.Now().UTC()
		}
	}

	res, err := p.store.SettleTrade(ctx, order.ID, st)
	if errors.Is(err, ledger.ErrTradeNotFound) {
		// Not ours, or not yet visible. Skip.
		return
	}
	if err != nil {
		metrics.ReconcileOrderErrors.Inc()
		slog.Error("settle failed, will retry", "broker_order_id", order.ID, "status", status, "err", err)
		return
	}
	if !res.Applied {
		// Already terminal; duplicate delivery from an overlapping window.
		return
	}

	trade := res.Trade
	metrics.TradesSettled.WithLabelValues(string(status)).Inc()
	metrics.PendingAge.Observe(time.Since(trade.ExecutedAt).Seconds())
	slog.Info("trade settled",
		"trade_id", trade.ID,
		"user", trade.UserID,
		"symbol", trade.Symbol,
		"action", string(trade.Action),
		"status", string(status),
		"fill_price", st.FillPrice.String(),
		"fill_qty", st.FillQty.String(),
		"balance", res.NewBalance.String(),
	)

	if p.hub != nil {
		p.hub.Broadcast(stream.Event{
			Type:          "trade_settled",
			TradeID:       trade.ID,
			UserID:        trade.UserID,
			Symbol:        trade.Symbol,
			Side:          string(trade.Action),
			Status:        string(status),
			Quantity:      st.FillQty.String(),
			Price:         st.FillPrice.String(),
			BrokerOrderID: order.ID,
		})
	}
}

// mapStatus maps a broker order status to a terminal ledger status. The
// second return is false for non-terminal states.
func mapStatus(brokerStatus string) (model.TradeStatus, bool) {
	switch brokerStatus {
	case "filled":
		return model.StatusFilled, true
	case "canceled":
		return model.StatusCanceled, true
	case "rejected":
		return model.StatusRejected, true
	case "expired":
		return model.StatusExpired, true
	default:
		return "", false
	}
}
