// Package volatility classifies per-symbol ATR into low/medium/high and
// derives stop-loss and take-profit distances from it.
package volatility

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/config"
	"github.com/avlonitis/marginbot/internal/domain"
	"github.com/avlonitis/marginbot/internal/events"
	"github.com/avlonitis/marginbot/internal/indicators"
	"github.com/avlonitis/marginbot/internal/marketdata"
)

// Class is a volatility bucket.
type Class string

const (
	ClassLow    Class = "low"
	ClassMedium Class = "medium"
	ClassHigh   Class = "high"
)

type symbolState struct {
	class   Class
	atrPips float64
	live    bool // true when derived from a live ATR rather than defaults
}

// Manager tracks the ATR class per symbol and answers SL/TP distance queries.
type Manager struct {
	gw    *broker.Gateway
	cache *marketdata.Cache
	bus   *events.Bus
	cfg   config.VolatilityConfig
	sym   domain.Symbol
	log   zerolog.Logger

	mu     sync.Mutex
	states map[string]*symbolState
}

// New creates a volatility manager.
func New(gw *broker.Gateway, cache *marketdata.Cache, bus *events.Bus, cfg config.VolatilityConfig, sym domain.Symbol, log zerolog.Logger) *Manager {
	return &Manager{
		gw:     gw,
		cache:  cache,
		bus:    bus,
		cfg:    cfg,
		sym:    sym,
		log:    log.With().Str("component", "volatility").Logger(),
		states: make(map[string]*symbolState),
	}
}

// Refresh re-reads the ATR for one symbol and reclassifies it, emitting
// VolatilityChanged on a class transition. The broker-side calculation is
// preferred; the local window is the fallback.
func (m *Manager) Refresh(ctx context.Context, symbol string) error {
	timeframe := domain.Timeframe(m.cfg.Timeframe)

	atr, err := m.gw.Volatility(ctx, symbol, timeframe, m.cfg.Period)
	if err != nil {
		m.log.Debug().Err(err).Str("symbol", symbol).Msg("Broker ATR unavailable, computing locally")
		candles, cerr := m.cache.OHLC(ctx, symbol, timeframe)
		if cerr != nil {
			return cerr
		}
		atr, cerr = indicators.ATR(candles, m.cfg.Period)
		if cerr != nil {
			return cerr
		}
	}

	atrPips := m.sym.PriceToPips(atr)
	class := m.classify(atrPips)

	m.mu.Lock()
	prev, known := m.states[symbol]
	var prevClass Class
	if known {
		prevClass = prev.class
	}
	m.states[symbol] = &symbolState{class: class, atrPips: atrPips, live: true}
	m.mu.Unlock()

	if known && prevClass != class {
		m.bus.Publish("volatility", &events.VolatilityChangedData{
			Symbol:  symbol,
			From:    string(prevClass),
			To:      string(class),
			ATRPips: atrPips,
		})
		m.log.Info().
			Str("symbol", symbol).
			Str("from", string(prevClass)).
			Str("to", string(class)).
			Float64("atr_pips", atrPips).
			Msg("Volatility class changed")
	}
	return nil
}

func (m *Manager) classify(atrPips float64) Class {
	switch {
	case atrPips < m.cfg.LowThresholdPips:
		return ClassLow
	case atrPips < m.cfg.HighThresholdPips:
		return ClassMedium
	default:
		return ClassHigh
	}
}

// ClassFor returns the current class for a symbol, medium until first refresh.
func (m *Manager) ClassFor(symbol string) Class {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[symbol]; ok {
		return st.class
	}
	return ClassMedium
}

// slPips returns the stop-loss distance in pips for a symbol.
func (m *Manager) slPips(symbol string) float64 {
	m.mu.Lock()
	st, ok := m.states[symbol]
	m.mu.Unlock()

	if ok && st.live {
		return st.atrPips * m.cfg.SLMultiplier
	}
	class := ClassMedium
	if ok {
		class = st.class
	}
	return m.cfg.DefaultSLPips[string(class)]
}

// tpPips returns the take-profit distance in pips for a symbol.
func (m *Manager) tpPips(symbol string) float64 {
	m.mu.Lock()
	st, ok := m.states[symbol]
	m.mu.Unlock()

	if ok && st.live {
		return st.atrPips * m.cfg.TPMultiplier
	}
	class := ClassMedium
	if ok {
		class = st.class
	}
	return m.cfg.DefaultTPPips[string(class)]
}

// StopLossFor derives the SL price for an entry. Direction flips by side.
func (m *Manager) StopLossFor(symbol string, entryPrice float64, side domain.Side) float64 {
	delta := m.sym.PipsToPrice(m.slPips(symbol))
	if side == domain.SideBuy {
		return m.sym.RoundPrice(entryPrice - delta)
	}
	return m.sym.RoundPrice(entryPrice + delta)
}

// TakeProfitFor derives the TP price for an entry. Direction flips by side.
func (m *Manager) TakeProfitFor(symbol string, entryPrice float64, side domain.Side) float64 {
	delta := m.sym.PipsToPrice(m.tpPips(symbol))
	if side == domain.SideBuy {
		return m.sym.RoundPrice(entryPrice + delta)
	}
	return m.sym.RoundPrice(entryPrice - delta)
}
