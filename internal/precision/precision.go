package precision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Rules are the exchange-imposed limits for one trading symbol.
type Rules struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Complete reports whether the rule set can actually round orders.
func (r Rules) Complete() bool {
	return r.TickSize.IsPositive() && r.StepSize.IsPositive()
}

// Mode controls what happens when a symbol is missing from the cache.
type Mode int

const (
	// Strict blocks orders for unknown symbols.
	Strict Mode = iota
	// Lenient falls back to configured defaults and logs.
	Lenient
)

// ErrSymbolUnknown is returned in Strict mode for symbols the exchange
// did not report rules for.
var ErrSymbolUnknown = errors.New("symbol not present in exchange precision rules")

// DefaultTTL is how long a fetched rule map is trusted.
const DefaultTTL = 60 * time.Minute

// FetchFunc pulls the full symbol map from an exchange.
type FetchFunc func(ctx context.Context) (map[string]Rules, error)

// Cache holds the precision rules of one exchange, refreshed on a TTL.
// A failed refresh keeps serving the stale map until the next attempt.
type Cache struct {
	mu        sync.RWMutex
	rules     map[string]Rules
	fetchedAt time.Time

	exchange string
	ttl      time.Duration
	mode     Mode
	fallback Rules
	fetch    FetchFunc
}

// NewCache builds a rule cache for one exchange. ttl <= 0 means DefaultTTL.
func NewCache(exchange string, ttl time.Duration, mode Mode, fallback Rules, fetch FetchFunc) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		exchange: exchange,
		ttl:      ttl,
		mode:     mode,
		fallback: fallback,
		fetch:    fetch,
	}
}

// RulesFor returns the rule set for symbol, refreshing the map when stale.
func (c *Cache) RulesFor(ctx context.Context, symbol string) (Rules, error) {
	symbol = strings.ToUpper(symbol)

	c.mu.RLock()
	rules, ok := c.rules[symbol]
	fresh := time.Since(c.fetchedAt) < c.ttl && c.rules != nil
	c.mu.RUnlock()

	if ok && fresh {
		return rules, nil
	}

	if !fresh {
		if err := c.Refresh(ctx); err != nil {
			log.Warn().Err(err).Str("exchange", c.exchange).Msg("precision refresh failed, serving stale rules")
		}
	}

	c.mu.RLock()
	rules, ok = c.rules[symbol]
	c.mu.RUnlock()

	if ok {
		return rules, nil
	}

	if c.mode == Lenient && c.fallback.Complete() {
		log.Warn().Str("exchange", c.exchange).Str("symbol", symbol).Msg("symbol missing from precision rules, using fallback")
		return c.fallback, nil
	}
	return Rules{}, fmt.Errorf("%s %s: %w", c.exchange, symbol, ErrSymbolUnknown)
}

// Refresh forces a fetch of the full symbol map. Concurrent callers are
// collapsed: whoever holds the lock fetches, the rest reuse the result.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rules != nil && time.Since(c.fetchedAt) < c.ttl {
		return nil
	}

	fetched, err := c.fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch precision rules for %s: %w", c.exchange, err)
	}

	normalized := make(map[string]Rules, len(fetched))
	for sym, r := range fetched {
		normalized[strings.ToUpper(sym)] = r
	}
	c.rules = normalized
	c.fetchedAt = time.Now()

	log.Debug().Str("exchange", c.exchange).Int("symbols", len(normalized)).Msg("precision rules refreshed")
	return nil
}

// Age reports how old the current rule map is.
func (c *Cache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rules == nil {
		return 0
	}
	return time.Since(c.fetchedAt)
}

// Registry hands out one Cache per exchange name.
type Registry struct {
	mu       sync.Mutex
	caches   map[string]*Cache
	ttl      time.Duration
	mode     Mode
	fallback Rules
	resolve  func(exchange string) (FetchFunc, error)
}

// NewRegistry builds a registry; resolve maps an exchange name to its
// public rule fetcher.
func NewRegistry(ttl time.Duration, mode Mode, fallback Rules, resolve func(exchange string) (FetchFunc, error)) *Registry {
	return &Registry{
		caches:   make(map[string]*Cache),
		ttl:      ttl,
		mode:     mode,
		fallback: fallback,
		resolve:  resolve,
	}
}

// For returns the cache for exchange, creating it on first use.
func (r *Registry) For(exchange string) (*Cache, error) {
	exchange = strings.ToLower(exchange)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[exchange]; ok {
		return c, nil
	}
	fetch, err := r.resolve(exchange)
	if err != nil {
		return nil, err
	}
	c := NewCache(exchange, r.ttl, r.mode, r.fallback, fetch)
	r.caches[exchange] = c
	return c, nil
}
