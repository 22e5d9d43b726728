// Package signals consumes strategy trade signals from a Redis stream and
// feeds them into the execution gateway. Automated signals take the exact
// same placement path as manual orders: validate, submit to the broker,
// reserve, reconcile.
package signals

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stratforge/paperbroker/internal/gateway"
	"github.com/stratforge/paperbroker/internal/metrics"
)

// Consumer reads trade signals from a Redis consumer group.
type Consumer struct {
	rdb      *redis.Client
	gateway  *gateway.Service
	stream   string
	group    string
	consumer string
}

// NewConsumer creates a signal consumer.
func NewConsumer(rdb *redis.Client, gw *gateway.Service, stream, group, consumer string) *Consumer {
	return &Consumer{
		rdb:      rdb,
		gateway:  gw,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

// Run consumes signals until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}

	slog.Info("signal consumer started", "stream", c.stream, "group", c.group)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    16,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue // no messages within the block window
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("signal read failed", "err", err)
			time.Sleep(time.Second) // backoff
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.process(ctx, msg)
				// Ack regardless of outcome: a malformed or rejected signal
				// must not block the stream head.
				if err := c.rdb.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
					slog.Error("signal ack failed", "id", msg.ID, "err", err)
				}
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	req, err := parseSignal(msg)
	if err != nil {
		metrics.SignalsConsumed.WithLabelValues("invalid").Inc()
		slog.Error("invalid signal", "id", msg.ID, "err", err)
		return
	}

	res, err := c.gateway.PlaceOrder(ctx, req)
	if err != nil {
		metrics.SignalsConsumed.WithLabelValues("rejected").Inc()
		slog.Error("signal order rejected",
			"id", msg.ID, "user", req.UserID, "symbol", req.Symbol, "side", req.Side, "err", err)
		return
	}

	metrics.SignalsConsumed.WithLabelValues("ok").Inc()
	slog.Info("signal order placed", "id", msg.ID, "trade_id", res.TradeID)
}

func parseSignal(msg redis.XMessage) (gateway.OrderRequest, error) {
	get := func(key string) string {
		if v, ok := msg.Values[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}

	var req gateway.OrderRequest
	req.UserID = get("user_id")
	req.Symbol = get("symbol")
	req.Side = strings.ToLower(get("side"))
	req.Type = strings.ToLower(get("type"))

	qty, err := decimal.NewFromString(get("quantity"))
	if err != nil {
		return req, err
	}
	req.Qty = qty

	if raw := get("limit_price"); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return req, err
		}
		req.LimitPrice = &price
	}
	return req, nil
}
