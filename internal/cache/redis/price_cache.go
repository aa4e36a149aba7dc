package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per symbol holding
// the decimal price as text and the exchange timestamp in Unix millis.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache. Entries expire after ttl so a dead
// feed cannot leave prices behind forever; zero disables expiry.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func priceKey(symbol string) string {
	return keyPrefix + "price:" + symbol
}

// SetPrice stores the latest price for symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	key := priceKey(symbol)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "price", price.String(), "ts", strconv.FormatInt(ts.UnixMilli(), 10))
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns domain.ErrNotFound when nothing is cached for symbol.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	price, ts, err := parsePrice(vals)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	return price, ts, nil
}

// GetPrices reads several symbols in one pipeline. Missing symbols are
// omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, s := range symbols {
		cmds[s] = pipe.HGetAll(ctx, priceKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}

	for s, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, err := parsePrice(vals); err == nil {
			out[s] = price
		}
	}
	return out, nil
}

func parsePrice(vals map[string]string) (decimal.Decimal, time.Time, error) {
	raw, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	ms, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse ts %q: %w", vals["ts"], err)
	}
	return price, time.UnixMilli(ms).UTC(), nil
}
