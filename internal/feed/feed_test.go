package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCacheStoresLatestTick(t *testing.T) {
	c := NewCache()

	_, ok := c.Price("binance", "BTCUSDT")
	require.False(t, ok)

	c.Store("binance", "BTCUSDT", decimal.NewFromInt(50_000))
	c.Store("binance", "BTCUSDT", decimal.NewFromInt(50_100))

	got, ok := c.Price("binance", "BTCUSDT")
	require.True(t, ok)
	require.True(t, got.Equal(decimal.NewFromInt(50_100)))
}

func TestCacheKeysBySymbolAndExchange(t *testing.T) {
	c := NewCache()
	c.Store("binance", "BTCUSDT", decimal.NewFromInt(50_000))
	c.Store("bybit", "BTCUSDT", decimal.NewFromInt(50_050))

	b, ok := c.Price("binance", "BTCUSDT")
	require.True(t, ok)
	require.True(t, b.Equal(decimal.NewFromInt(50_000)))

	y, ok := c.Price("bybit", "BTCUSDT")
	require.True(t, ok)
	require.True(t, y.Equal(decimal.NewFromInt(50_050)))

	// Case-insensitive symbol lookup.
	lower, ok := c.Price("binance", "btcusdt")
	require.True(t, ok)
	require.True(t, lower.Equal(b))
}

func TestCacheRejectsNonPositive(t *testing.T) {
	c := NewCache()
	c.Store("binance", "BTCUSDT", decimal.Zero)
	c.Store("binance", "BTCUSDT", decimal.NewFromInt(-1))
	require.Zero(t, c.Len())
}

func TestStaleTickReadsAsAbsent(t *testing.T) {
	c := NewCache()
	c.ticks[key("binance", "BTCUSDT")] = Tick{
		Price: decimal.NewFromInt(50_000),
		At:    time.Now().Add(-MaxAge - time.Second),
	}

	_, ok := c.Price("binance", "BTCUSDT")
	require.False(t, ok)

	// Last still surfaces it for diagnostics.
	tick, ok := c.Last("binance", "BTCUSDT")
	require.True(t, ok)
	require.True(t, tick.Price.Equal(decimal.NewFromInt(50_000)))
}

func TestHandleBinanceMiniTicker(t *testing.T) {
	s := NewService(NewCache())

	s.handleBinance([]byte(`{"e":"24hrMiniTicker","s":"ETHUSDT","c":"3100.50","o":"3000"}`))
	got, ok := s.cache.Price("binance", "ETHUSDT")
	require.True(t, ok)
	require.True(t, got.Equal(decimal.RequireFromString("3100.50")))

	// Subscription acks and unrelated events are ignored.
	s.handleBinance([]byte(`{"result":null,"id":42}`))
	s.handleBinance([]byte(`{"e":"trade","s":"ETHUSDT","p":"1"}`))
	require.Equal(t, 1, s.cache.Len())
}

func TestHandleBybitTicker(t *testing.T) {
	s := NewService(NewCache())

	s.handleBybit([]byte(`{"topic":"tickers.SOLUSDT","type":"snapshot","data":{"symbol":"SOLUSDT","lastPrice":"151.25"}}`))
	got, ok := s.cache.Price("bybit", "SOLUSDT")
	require.True(t, ok)
	require.True(t, got.Equal(decimal.RequireFromString("151.25")))

	// Op acks and delta frames without a price are ignored.
	s.handleBybit([]byte(`{"op":"subscribe","success":true}`))
	s.handleBybit([]byte(`{"topic":"tickers.SOLUSDT","type":"delta","data":{"symbol":"SOLUSDT"}}`))
	require.Equal(t, 1, s.cache.Len())
}

func TestWatchDeduplicates(t *testing.T) {
	s := NewService(NewCache())
	s.Watch("binance", "btcusdt")
	s.Watch("Binance", "BTCUSDT")
	s.Watch("binance", "ETHUSDT")

	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.Watched("binance"))
}
