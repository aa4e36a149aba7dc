package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// Prices is the domain.PriceFeed used by watchdogs, reconciliation and the
// mark-to-market loop. It serves cached prices younger than maxAge and falls
// back to a REST ticker otherwise.
type Prices struct {
	cache    domain.PriceCache
	fallback domain.PriceFeed
	maxAge   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

var _ domain.PriceFeed = (*Prices)(nil)

// NewPrices creates a reader. fallback may be nil, in which case a missing
// or stale cache entry is an error.
func NewPrices(cache domain.PriceCache, fallback domain.PriceFeed, maxAge time.Duration, logger *slog.Logger) *Prices {
	return &Prices{
		cache:    cache,
		fallback: fallback,
		maxAge:   maxAge,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "prices")),
	}
}

// Price returns the freshest price it can find for symbol.
func (p *Prices) Price(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	price, ts, err := p.cache.GetPrice(ctx, symbol)
	if err == nil && (p.maxAge <= 0 || p.now().Sub(ts) <= p.maxAge) {
		return domain.PriceSnapshot{Symbol: symbol, Price: price, Timestamp: ts}, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		p.logger.WarnContext(ctx, "price cache read failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}

	if p.fallback == nil {
		if err == nil {
			return domain.PriceSnapshot{}, fmt.Errorf("feed: price %s from %s: %w", symbol, ts.Format(time.RFC3339), domain.ErrStalePrice)
		}
		return domain.PriceSnapshot{}, fmt.Errorf("feed: price %s: %w", symbol, err)
	}

	snap, ferr := p.fallback.Price(ctx, symbol)
	if ferr != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("feed: price %s: %w", symbol, ferr)
	}
	if err := p.cache.SetPrice(ctx, symbol, snap.Price, snap.Timestamp); err != nil {
		p.logger.DebugContext(ctx, "cache fallback price failed", slog.String("error", err.Error()))
	}
	return snap, nil
}

type entry struct {
	price decimal.Decimal
	ts    time.Time
}

// MemoryCache is an in-process domain.PriceCache for single-replica runs
// without Redis.
type MemoryCache struct {
	mu     sync.RWMutex
	prices map[string]entry
}

var _ domain.PriceCache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{prices: make(map[string]entry)}
}

// SetPrice stores price unless a newer one is already cached.
func (c *MemoryCache) SetPrice(_ context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.prices[symbol]; ok && cur.ts.After(ts) {
		return nil
	}
	c.prices[symbol] = entry{price: price, ts: ts}
	return nil
}

// GetPrice returns domain.ErrNotFound for unknown symbols.
func (c *MemoryCache) GetPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.prices[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return e.price, e.ts, nil
}

// GetPrices omits unknown symbols.
func (c *MemoryCache) GetPrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if e, ok := c.prices[s]; ok {
			out[s] = e.price
		}
	}
	return out, nil
}
