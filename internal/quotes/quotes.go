// Package quotes provides market price lookup for order validation and
// portfolio valuation, with an optional Redis read-through cache in front
// of the broker's data API.
package quotes

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Quoter supplies current market prices. The broker client implements it
// directly; CachedQuoter wraps it.
type Quoter interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// CachedQuoter wraps a primary Quoter with a Redis read-through cache.
// Quote staleness is bounded by the TTL; ledger state is never cached.
type CachedQuoter struct {
	primary Quoter
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedQuoter creates a cached wrapper around a primary quoter.
func NewCachedQuoter(primary Quoter, rdb *redis.Client, ttl time.Duration) *CachedQuoter {
	return &CachedQuoter{primary: primary, rdb: rdb, ttl: ttl}
}

func (q *CachedQuoter) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if raw, err := q.rdb.Get(ctx, priceKey(symbol)).Result(); err == nil {
		if price, perr := decimal.NewFromString(raw); perr == nil {
			return price, nil
		}
	}

	price, err := q.primary.LatestPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	q.rdb.Set(ctx, priceKey(symbol), price.String(), q.ttl)
	return price, nil
}

func (q *CachedQuoter) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return prices, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = priceKey(sym)
	}

	var missing []string
	cached, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		missing = symbols
	} else {
		for i, raw := range cached {
			s, ok := raw.(string)
			if !ok {
				missing = append(missing, symbols[i])
				continue
			}
			price, perr := decimal.NewFromString(s)
			if perr != nil {
				missing = append(missing, symbols[i])
				continue
			}
			prices[symbols[i]] = price
		}
	}

	if len(missing) == 0 {
		return prices, nil
	}

	fresh, err := q.primary.LatestPrices(ctx, missing)
	if err != nil {
		return nil, err
	}
	for sym, price := range fresh {
		prices[sym] = price
		q.rdb.Set(ctx, priceKey(sym), price.String(), q.ttl)
	}
	return prices, nil
}

func priceKey(symbol string) string { return fmt.Sprintf("quote:%s", symbol) }
