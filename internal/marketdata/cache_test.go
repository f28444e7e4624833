package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/brokertest"
	"github.com/avlonitis/marginbot/internal/domain"
)

func cacheFixture(t *testing.T, maxAge time.Duration) (*Cache, *brokertest.Transport, *time.Time) {
	t.Helper()
	tr := brokertest.New()
	gw := broker.NewGateway(tr, broker.Config{Timeout: time.Second}, zerolog.Nop())
	c := New(gw, maxAge, 50, zerolog.Nop())

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, tr, &now
}

func TestTick_CachedWithinMaxAge(t *testing.T) {
	c, tr, now := cacheFixture(t, 5*time.Second)
	tr.Respond("get_tick", brokertest.TickResponse(1.2000, 1.2001, *now))

	ctx := context.Background()
	first, err := c.Tick(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.2000, first.Bid)
	assert.Equal(t, 1, tr.CallCount("get_tick"))

	// Second read inside max_age is served from the cache.
	_, err = c.Tick(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.CallCount("get_tick"))

	// Past max_age the read refreshes synchronously.
	*now = now.Add(6 * time.Second)
	tr.Respond("get_tick", brokertest.TickResponse(1.2005, 1.2006, *now))
	fresh, err := c.Tick(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.2005, fresh.Bid)
	assert.Equal(t, 2, tr.CallCount("get_tick"))
}

func TestOHLC_RefreshOnStale(t *testing.T) {
	c, tr, now := cacheFixture(t, 5*time.Second)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	tr.Respond("get_market_data", brokertest.CandlesResponse(
		brokertest.CandleEntry(base, 1.2, 1.21, 1.19, 1.205, 100),
	))

	ctx := context.Background()
	candles, err := c.OHLC(ctx, "EURUSD", domain.TimeframeM5)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 1, tr.CallCount("get_market_data"))

	_, err = c.OHLC(ctx, "EURUSD", domain.TimeframeM5)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.CallCount("get_market_data"), "fresh window is not re-fetched")

	*now = now.Add(time.Minute)
	_, err = c.OHLC(ctx, "EURUSD", domain.TimeframeM5)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.CallCount("get_market_data"))
}

func TestOHLC_KeysAreIndependent(t *testing.T) {
	c, tr, _ := cacheFixture(t, time.Minute)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	tr.Respond("get_market_data", brokertest.CandlesResponse(
		brokertest.CandleEntry(base, 1.2, 1.21, 1.19, 1.205, 100),
	))

	ctx := context.Background()
	_, err := c.OHLC(ctx, "EURUSD", domain.TimeframeM5)
	require.NoError(t, err)
	_, err = c.OHLC(ctx, "EURUSD", domain.TimeframeH1)
	require.NoError(t, err)
	_, err = c.OHLC(ctx, "GBPUSD", domain.TimeframeM5)
	require.NoError(t, err)

	assert.Equal(t, 3, tr.CallCount("get_market_data"), "one fetch per (symbol, timeframe)")
}

func TestSpread_Cached(t *testing.T) {
	c, tr, now := cacheFixture(t, 5*time.Second)
	tr.Respond("check_spread", broker.Response{"success": true, "spread": 14.0})

	ctx := context.Background()
	spread, err := c.Spread(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 14, spread)

	_, err = c.Spread(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.CallCount("check_spread"))

	*now = now.Add(10 * time.Second)
	_, err = c.Spread(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 2, tr.CallCount("check_spread"))
}

func TestBackgroundRefresh_SkipsWhenOnDemandHoldsTheKey(t *testing.T) {
	c, tr, _ := cacheFixture(t, time.Second)
	tr.Respond("get_tick", brokertest.TickResponse(1.2, 1.2001, time.Now()))

	// Simulate an on-demand refresh in flight by holding the key lock.
	lock := c.lockFor("tick:EURUSD")
	lock.Lock()
	defer lock.Unlock()

	require.NoError(t, c.BackgroundRefreshTick(context.Background(), "EURUSD"))
	assert.Equal(t, 0, tr.CallCount("get_tick"), "background pass skips a busy key")
}

func TestBackgroundRefresh_WritesCache(t *testing.T) {
	c, tr, _ := cacheFixture(t, time.Minute)
	tr.Respond("get_tick", brokertest.TickResponse(1.2007, 1.2008, time.Now()))

	require.NoError(t, c.BackgroundRefreshTick(context.Background(), "EURUSD"))

	tick, err := c.Tick(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.2007, tick.Bid)
	assert.Equal(t, 1, tr.CallCount("get_tick"), "read served from the background-refreshed entry")
}

func TestTick_PropagatesGatewayFailure(t *testing.T) {
	c, tr, _ := cacheFixture(t, time.Second)
	tr.Fail("get_tick", broker.ErrTransport)

	_, err := c.Tick(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, broker.ErrTransport)
}
