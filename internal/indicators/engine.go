// Package indicators derives named indicator snapshots from cached OHLC
// windows. All computations are deterministic pure functions of the input
// series and the configured periods.
package indicators

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/avlonitis/marginbot/internal/config"
	"github.com/avlonitis/marginbot/internal/domain"
	"github.com/avlonitis/marginbot/internal/marketdata"
)

type snapshotKey struct {
	symbol    string
	timeframe domain.Timeframe
}

// windowSig identifies one OHLC window; a snapshot is reused only while the
// window it was computed from is unchanged.
type windowSig struct {
	length   int
	lastOpen time.Time
}

// Engine computes and caches indicator snapshots per (symbol, timeframe).
type Engine struct {
	cache *marketdata.Cache
	cfg   config.IndicatorConfig
	log   zerolog.Logger

	mu        sync.Mutex
	snapshots map[snapshotKey]*domain.IndicatorSnapshot
	sigs      map[snapshotKey]windowSig
}

// New creates an indicator engine over the market-data cache.
func New(cache *marketdata.Cache, cfg config.IndicatorConfig, log zerolog.Logger) *Engine {
	return &Engine{
		cache:     cache,
		cfg:       cfg,
		log:       log.With().Str("component", "indicators").Logger(),
		snapshots: make(map[snapshotKey]*domain.IndicatorSnapshot),
		sigs:      make(map[snapshotKey]windowSig),
	}
}

// Snapshot returns the indicator snapshot for (symbol, timeframe),
// recomputing only when the underlying OHLC window changed.
func (e *Engine) Snapshot(ctx context.Context, symbol string, timeframe domain.Timeframe) (*domain.IndicatorSnapshot, error) {
	candles, err := e.cache.OHLC(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("indicators: no candles for %s %s", symbol, timeframe)
	}

	key := snapshotKey{symbol: symbol, timeframe: timeframe}
	sig := windowSig{length: len(candles), lastOpen: candles[len(candles)-1].OpenTime}

	e.mu.Lock()
	if cached, ok := e.snapshots[key]; ok && e.sigs[key] == sig {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	snap, err := e.compute(symbol, timeframe, candles)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.snapshots[key] = snap
	e.sigs[key] = sig
	e.mu.Unlock()

	return snap, nil
}

// Invalidate drops the cached snapshot for one key.
func (e *Engine) Invalidate(symbol string, timeframe domain.Timeframe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := snapshotKey{symbol: symbol, timeframe: timeframe}
	delete(e.snapshots, key)
	delete(e.sigs, key)
}

func (e *Engine) compute(symbol string, timeframe domain.Timeframe, candles []domain.Candle) (*domain.IndicatorSnapshot, error) {
	n := len(candles)
	minLen := e.cfg.MACDSlow + e.cfg.MACDSignal
	if m := e.cfg.RSIPeriod + 1; m > minLen {
		minLen = m
	}
	if e.cfg.BollPeriod > minLen {
		minLen = e.cfg.BollPeriod
	}
	if m := e.cfg.ADXPeriod + 1; m > minLen {
		minLen = m
	}
	if n < minLen {
		return nil, fmt.Errorf("indicators: window of %d candles is shorter than required %d", n, minLen)
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	snap := &domain.IndicatorSnapshot{
		Symbol:     symbol,
		Timeframe:  timeframe,
		Price:      closes[n-1],
		ComputedAt: time.Now(),
	}

	if rsi := talib.Rsi(closes, e.cfg.RSIPeriod); len(rsi) > 0 {
		snap.RSI = lastValid(rsi)
	}

	macd, signal, hist := talib.Macd(closes, e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)
	snap.MACD = lastValid(macd)
	snap.MACDSignal = lastValid(signal)
	snap.MACDHist = lastValid(hist)

	snap.BollUpper, snap.BollMiddle, snap.BollLower = bollinger(closes, e.cfg.BollPeriod, e.cfg.BollStdDev)

	snap.ADX = dx(highs, lows, closes, e.cfg.ADXPeriod)

	stochK, stochD := talib.Stoch(highs, lows, closes,
		e.cfg.StochK, e.cfg.StochSlowing, talib.SMA, e.cfg.StochD, talib.SMA)
	snap.StochK = lastValid(stochK)
	snap.StochD = lastValid(stochD)

	if atr := talib.Atr(highs, lows, closes, e.cfg.ATRPeriod); len(atr) > 0 {
		snap.ATR = lastValid(atr)
	}

	return snap, nil
}

// ATR computes the average true range for a window directly, used by the
// volatility manager when the broker-side calculation is unavailable.
func ATR(candles []domain.Candle, period int) (float64, error) {
	if len(candles) < period+1 {
		return 0, fmt.Errorf("indicators: %d candles is too few for ATR(%d)", len(candles), period)
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	out := talib.Atr(highs, lows, closes, period)
	v := lastValid(out)
	if v == 0 || math.IsNaN(v) {
		return 0, fmt.Errorf("indicators: ATR(%d) produced no value", period)
	}
	return v, nil
}

// bollinger computes the Bollinger band levels for the trailing window:
// middle is the simple mean of the last period closes, upper and lower are
// k population standard deviations away.
func bollinger(closes []float64, period int, k float64) (upper, middle, lower float64) {
	if len(closes) < period || period <= 0 {
		return 0, 0, 0
	}
	window := closes[len(closes)-period:]
	middle = stat.Mean(window, nil)
	sd := stat.PopStdDev(window, nil)
	upper = middle + k*sd
	lower = middle - k*sd
	return upper, middle, lower
}

// dx computes the directional index of the trailing window: DI+ and DI-
// from summed directional movement and true range over the last period
// candle pairs, without the usual smoothing into an ADX average.
func dx(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < period+1 || period <= 0 {
		return 0
	}

	var sumPlusDM, sumMinusDM, sumTR float64
	for i := n - period; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		if upMove > downMove && upMove > 0 {
			sumPlusDM += upMove
		}
		if downMove > upMove && downMove > 0 {
			sumMinusDM += downMove
		}
		tr := math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
		sumTR += tr
	}
	if sumTR == 0 {
		return 0
	}

	plusDI := 100 * sumPlusDM / sumTR
	minusDI := 100 * sumMinusDM / sumTR
	if plusDI+minusDI == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
}

// lastValid returns the last non-NaN value of a talib output series.
func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return 0
}
