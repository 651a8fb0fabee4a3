// Package feed holds the market-data cache and tick ingest pipeline
// sitting between the DataBroker adapters and the candle builder.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/quantedge/tradepipe/internal/domain"
)

// pricePoint is the replace-whole-record cache entry.
type pricePoint struct {
	price domain.Decimal
	ts    time.Time
}

// DailyCloseLookup is the second tier of the LTP fallback: the latest
// DAILY candle close from the database.
type DailyCloseLookup interface {
	LatestDailyClose(ctx context.Context, symbol string) (domain.Decimal, bool, error)
}

// Cache maps symbol to last observed price with O(1) concurrent-safe
// reads and writes (spec §4.3). A sync.Map would hide the type, so this
// uses a RWMutex-guarded map instead.
type Cache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
	daily  DailyCloseLookup
}

func NewCache(daily DailyCloseLookup) *Cache {
	return &Cache{prices: make(map[string]pricePoint), daily: daily}
}

// Update replaces the cached price for symbol. Whole-record replace,
// never a partial merge.
func (c *Cache) Update(symbol string, price domain.Decimal, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = pricePoint{price: price, ts: ts}
}

// LTP resolves the three-tier fallback: (1) cache hit, (2) latest
// DAILY close, (3) null (ok=false).
func (c *Cache) LTP(ctx context.Context, symbol string) (domain.Decimal, bool, error) {
	c.mu.RLock()
	p, ok := c.prices[symbol]
	c.mu.RUnlock()
	if ok {
		return p.price, true, nil
	}
	if c.daily == nil {
		return domain.Decimal{}, false, nil
	}
	close, ok, err := c.daily.LatestDailyClose(ctx, symbol)
	if err != nil {
		return domain.Decimal{}, false, err
	}
	return close, ok, nil
}

// Snapshot returns a shallow copy of every cached price, keyed by symbol.
func (c *Cache) Snapshot() map[string]domain.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.Decimal, len(c.prices))
	for k, v := range c.prices {
		out[k] = v.price
	}
	return out
}
