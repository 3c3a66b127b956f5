package precision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcRules() Rules {
	return Rules{
		TickSize:    d("0.01"),
		StepSize:    d("0.00001"),
		MinQty:      d("0.00001"),
		MinNotional: d("5"),
	}
}

func TestRulesForFetchesOnce(t *testing.T) {
	fetches := 0
	c := NewCache("binance", time.Hour, Strict, Rules{}, func(context.Context) (map[string]Rules, error) {
		fetches++
		return map[string]Rules{"BTCUSDT": btcRules()}, nil
	})

	ctx := context.Background()
	r, err := c.RulesFor(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, d("0.01").Equal(r.TickSize))

	// Lowercase lookups hit the same entry, still on the first fetch.
	r, err = c.RulesFor(ctx, "btcusdt")
	require.NoError(t, err)
	require.True(t, d("0.00001").Equal(r.StepSize))
	require.Equal(t, 1, fetches)
}

func TestStrictBlocksUnknownSymbol(t *testing.T) {
	c := NewCache("binance", time.Hour, Strict, Rules{}, func(context.Context) (map[string]Rules, error) {
		return map[string]Rules{"BTCUSDT": btcRules()}, nil
	})

	_, err := c.RulesFor(context.Background(), "DOGEUSDT")
	require.ErrorIs(t, err, ErrSymbolUnknown)
}

func TestLenientFallsBack(t *testing.T) {
	fallback := Rules{TickSize: d("0.0001"), StepSize: d("0.001")}
	c := NewCache("binance", time.Hour, Lenient, fallback, func(context.Context) (map[string]Rules, error) {
		return map[string]Rules{"BTCUSDT": btcRules()}, nil
	})

	ctx := context.Background()
	r, err := c.RulesFor(ctx, "DOGEUSDT")
	require.NoError(t, err)
	require.True(t, d("0.0001").Equal(r.TickSize))

	// Known symbols still come from the exchange map, not the fallback.
	r, err = c.RulesFor(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, d("0.01").Equal(r.TickSize))
}

func TestLenientWithoutUsableFallbackStillErrors(t *testing.T) {
	c := NewCache("binance", time.Hour, Lenient, Rules{}, func(context.Context) (map[string]Rules, error) {
		return map[string]Rules{}, nil
	})

	_, err := c.RulesFor(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, ErrSymbolUnknown)
}

func TestStaleMapServedWhenRefreshFails(t *testing.T) {
	fetches := 0
	c := NewCache("binance", time.Nanosecond, Strict, Rules{}, func(context.Context) (map[string]Rules, error) {
		fetches++
		if fetches > 1 {
			return nil, errors.New("exchange is down")
		}
		return map[string]Rules{"BTCUSDT": btcRules()}, nil
	})

	ctx := context.Background()
	_, err := c.RulesFor(ctx, "BTCUSDT")
	require.NoError(t, err)

	// The map is already expired; the failed refresh must not evict it.
	r, err := c.RulesFor(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, d("5").Equal(r.MinNotional))
	require.Equal(t, 2, fetches)
}

func TestRegistryReusesCaches(t *testing.T) {
	resolved := 0
	reg := NewRegistry(time.Hour, Strict, Rules{}, func(exchange string) (FetchFunc, error) {
		if exchange == "unknown" {
			return nil, errors.New("no public endpoint for unknown")
		}
		resolved++
		return func(context.Context) (map[string]Rules, error) {
			return map[string]Rules{"BTCUSDT": btcRules()}, nil
		}, nil
	})

	a, err := reg.For("binance")
	require.NoError(t, err)
	b, err := reg.For("Binance")
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, resolved)

	_, err = reg.For("unknown")
	require.Error(t, err)
}
