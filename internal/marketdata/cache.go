// Package marketdata caches the latest tick per symbol and the latest OHLC
// window per (symbol, timeframe), with a staleness bound on reads.
//
// Two paths write the cache: on-demand refresh when a read finds its entry
// older than max_age, and the background refreshers driven by the cron
// scheduler. Both share the same per-key lock; the background path skips a
// key that is currently being refreshed on demand rather than queueing a
// second fetch behind it.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/domain"
)

type tickEntry struct {
	tick domain.Tick
	at   time.Time
}

type ohlcEntry struct {
	candles []domain.Candle
	at      time.Time
}

type spreadEntry struct {
	points int
	at     time.Time
}

// Cache holds the freshest market data the engine has seen.
type Cache struct {
	gw     *broker.Gateway
	maxAge time.Duration
	count  int // OHLC window length requested from the broker
	log    zerolog.Logger

	mu      sync.Mutex
	ticks   map[string]*tickEntry
	ohlc    map[ohlcKey]*ohlcEntry
	spreads map[string]*spreadEntry
	keyLock map[string]*sync.Mutex // per-key refresh locks
	now     func() time.Time
}

type ohlcKey struct {
	symbol    string
	timeframe domain.Timeframe
}

// New creates a market-data cache backed by the gateway.
func New(gw *broker.Gateway, maxAge time.Duration, ohlcCount int, log zerolog.Logger) *Cache {
	return &Cache{
		gw:      gw,
		maxAge:  maxAge,
		count:   ohlcCount,
		log:     log.With().Str("component", "marketdata").Logger(),
		ticks:   make(map[string]*tickEntry),
		ohlc:    make(map[ohlcKey]*ohlcEntry),
		spreads: make(map[string]*spreadEntry),
		keyLock: make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// lockFor returns the refresh mutex for a cache key, creating it on first use.
func (c *Cache) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.keyLock[key]
	if !ok {
		l = &sync.Mutex{}
		c.keyLock[key] = l
	}
	return l
}

// Tick returns the cached tick for a symbol, refreshing synchronously when
// the entry is missing or older than max_age.
func (c *Cache) Tick(ctx context.Context, symbol string) (domain.Tick, error) {
	c.mu.Lock()
	entry, ok := c.ticks[symbol]
	fresh := ok && c.now().Sub(entry.at) <= c.maxAge
	var cached domain.Tick
	if ok {
		cached = entry.tick
	}
	c.mu.Unlock()

	if fresh {
		return cached, nil
	}
	return c.refreshTick(ctx, symbol)
}

// refreshTick fetches a tick from the broker and stores it.
func (c *Cache) refreshTick(ctx context.Context, symbol string) (domain.Tick, error) {
	lock := c.lockFor("tick:" + symbol)
	lock.Lock()
	defer lock.Unlock()

	// Another reader may have refreshed while we waited for the lock.
	c.mu.Lock()
	if entry, ok := c.ticks[symbol]; ok && c.now().Sub(entry.at) <= c.maxAge {
		tick := entry.tick
		c.mu.Unlock()
		return tick, nil
	}
	c.mu.Unlock()

	tick, err := c.gw.Tick(ctx, symbol)
	if err != nil {
		return domain.Tick{}, err
	}

	c.mu.Lock()
	c.ticks[symbol] = &tickEntry{tick: tick, at: c.now()}
	c.mu.Unlock()
	return tick, nil
}

// OHLC returns the cached candle window for (symbol, timeframe), refreshing
// synchronously when the entry is missing or stale. Candles are oldest first.
func (c *Cache) OHLC(ctx context.Context, symbol string, timeframe domain.Timeframe) ([]domain.Candle, error) {
	key := ohlcKey{symbol: symbol, timeframe: timeframe}

	c.mu.Lock()
	entry, ok := c.ohlc[key]
	fresh := ok && c.now().Sub(entry.at) <= c.maxAge
	var cached []domain.Candle
	if ok {
		cached = entry.candles
	}
	c.mu.Unlock()

	if fresh {
		return cached, nil
	}
	return c.refreshOHLC(ctx, symbol, timeframe)
}

func (c *Cache) refreshOHLC(ctx context.Context, symbol string, timeframe domain.Timeframe) ([]domain.Candle, error) {
	lock := c.lockFor("ohlc:" + symbol + ":" + string(timeframe))
	lock.Lock()
	defer lock.Unlock()

	key := ohlcKey{symbol: symbol, timeframe: timeframe}

	c.mu.Lock()
	if entry, ok := c.ohlc[key]; ok && c.now().Sub(entry.at) <= c.maxAge {
		candles := entry.candles
		c.mu.Unlock()
		return candles, nil
	}
	c.mu.Unlock()

	candles, err := c.gw.MarketData(ctx, symbol, timeframe, c.count)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ohlc[key] = &ohlcEntry{candles: candles, at: c.now()}
	c.mu.Unlock()
	return candles, nil
}

// Spread returns the cached spread in points, refreshing when stale.
func (c *Cache) Spread(ctx context.Context, symbol string) (int, error) {
	c.mu.Lock()
	entry, ok := c.spreads[symbol]
	fresh := ok && c.now().Sub(entry.at) <= c.maxAge
	var cached int
	if ok {
		cached = entry.points
	}
	c.mu.Unlock()

	if fresh {
		return cached, nil
	}

	lock := c.lockFor("spread:" + symbol)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	if entry, ok := c.spreads[symbol]; ok && c.now().Sub(entry.at) <= c.maxAge {
		points := entry.points
		c.mu.Unlock()
		return points, nil
	}
	c.mu.Unlock()

	points, err := c.gw.CheckSpread(ctx, symbol)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.spreads[symbol] = &spreadEntry{points: points, at: c.now()}
	c.mu.Unlock()
	return points, nil
}

// BackgroundRefreshTick refreshes one symbol's tick unless an on-demand
// refresh already holds the key lock.
func (c *Cache) BackgroundRefreshTick(ctx context.Context, symbol string) error {
	lock := c.lockFor("tick:" + symbol)
	if !lock.TryLock() {
		// on-demand refresh in flight; skip this cycle
		return nil
	}
	defer lock.Unlock()

	tick, err := c.gw.Tick(ctx, symbol)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ticks[symbol] = &tickEntry{tick: tick, at: c.now()}
	c.mu.Unlock()
	return nil
}

// BackgroundRefreshOHLC refreshes one (symbol, timeframe) window unless an
// on-demand refresh already holds the key lock.
func (c *Cache) BackgroundRefreshOHLC(ctx context.Context, symbol string, timeframe domain.Timeframe) error {
	lock := c.lockFor("ohlc:" + symbol + ":" + string(timeframe))
	if !lock.TryLock() {
		return nil
	}
	defer lock.Unlock()

	candles, err := c.gw.MarketData(ctx, symbol, timeframe, c.count)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ohlc[ohlcKey{symbol: symbol, timeframe: timeframe}] = &ohlcEntry{candles: candles, at: c.now()}
	c.mu.Unlock()
	return nil
}
