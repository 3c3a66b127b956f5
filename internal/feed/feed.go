package feed

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE FEED - Live last-trade prices for risk math and queue scoring
// ═══════════════════════════════════════════════════════════════════════════════
//
// One websocket stream per exchange feeds a shared cache. Consumers only
// ever read the cache; a price older than MaxAge reads as absent, which
// callers treat the same as "feed down" and fall back to REST.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MaxAge is how long a cached tick stays trustworthy.
const MaxAge = 2 * time.Minute

// Tick is one cached price observation.
type Tick struct {
	Price decimal.Decimal
	At    time.Time
}

// Cache holds the latest tick per (exchange, symbol).
type Cache struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewCache() *Cache {
	return &Cache{ticks: make(map[string]Tick)}
}

func key(exchange, symbol string) string {
	return exchange + ":" + strings.ToUpper(symbol)
}

// Store records a fresh tick.
func (c *Cache) Store(exchange, symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	c.mu.Lock()
	c.ticks[key(exchange, symbol)] = Tick{Price: price, At: time.Now()}
	c.mu.Unlock()
}

// Price returns the cached price when it is fresh enough to act on.
func (c *Cache) Price(exchange, symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	tick, ok := c.ticks[key(exchange, symbol)]
	c.mu.RUnlock()
	if !ok || time.Since(tick.At) > MaxAge {
		return decimal.Zero, false
	}
	return tick.Price, true
}

// Last returns the most recent tick regardless of age.
func (c *Cache) Last(exchange, symbol string) (Tick, bool) {
	c.mu.RLock()
	tick, ok := c.ticks[key(exchange, symbol)]
	c.mu.RUnlock()
	return tick, ok
}

// Len reports how many symbols currently have a tick.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ticks)
}
