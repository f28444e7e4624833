package volatility

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/brokertest"
	"github.com/avlonitis/marginbot/internal/config"
	"github.com/avlonitis/marginbot/internal/domain"
	"github.com/avlonitis/marginbot/internal/events"
	"github.com/avlonitis/marginbot/internal/marketdata"
)

var fxSymbol = domain.Symbol{Name: "EURUSD", PipSize: 0.0001, Digits: 5}

var volCfg = config.VolatilityConfig{
	Timeframe:         "M5",
	Period:            14,
	LowThresholdPips:  10,
	HighThresholdPips: 25,
	SLMultiplier:      1.5,
	TPMultiplier:      3.0,
	DefaultSLPips:     map[string]float64{"low": 15, "medium": 25, "high": 40},
	DefaultTPPips:     map[string]float64{"low": 30, "medium": 50, "high": 80},
}

func volFixture(t *testing.T) (*Manager, *brokertest.Transport, *events.Bus) {
	t.Helper()
	tr := brokertest.New()
	gw := broker.NewGateway(tr, broker.Config{Timeout: time.Second}, zerolog.Nop())
	cache := marketdata.New(gw, time.Second, 100, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	return New(gw, cache, bus, volCfg, fxSymbol, zerolog.Nop()), tr, bus
}

// atrResponse reports a broker ATR in price units for the given pips.
func atrResponse(pips float64) broker.Response {
	return broker.Response{"success": true, "volatility": pips * fxSymbol.PipSize}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		pips float64
		want Class
	}{
		{"calm", 5, ClassLow},
		{"just below low threshold", 9.9, ClassLow},
		{"at low threshold", 10, ClassMedium},
		{"mid band", 18, ClassMedium},
		{"at high threshold", 25, ClassHigh},
		{"wild", 60, ClassHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, tr, _ := volFixture(t)
			tr.Respond("calculate_volatility", atrResponse(tt.pips))
			require.NoError(t, m.Refresh(context.Background(), "EURUSD"))
			assert.Equal(t, tt.want, m.ClassFor("EURUSD"))
		})
	}
}

func TestTransitionEmitsExactlyOneEvent(t *testing.T) {
	m, tr, bus := volFixture(t)

	var changes []*events.VolatilityChangedData
	bus.Subscribe(events.VolatilityChanged, func(e *events.Event) {
		changes = append(changes, e.Data.(*events.VolatilityChangedData))
	})

	tr.Respond("calculate_volatility", atrResponse(18)) // medium
	require.NoError(t, m.Refresh(context.Background(), "EURUSD"))
	assert.Empty(t, changes, "first classification is not a transition")

	require.NoError(t, m.Refresh(context.Background(), "EURUSD"))
	assert.Empty(t, changes, "same class, no event")

	tr.Respond("calculate_volatility", atrResponse(30)) // high
	require.NoError(t, m.Refresh(context.Background(), "EURUSD"))
	require.Len(t, changes, 1)
	assert.Equal(t, "medium", changes[0].From)
	assert.Equal(t, "high", changes[0].To)
}

func TestDistances_LiveATR(t *testing.T) {
	m, tr, _ := volFixture(t)
	tr.Respond("calculate_volatility", atrResponse(20))
	require.NoError(t, m.Refresh(context.Background(), "EURUSD"))

	// SL: 20 pips * 1.5 = 30 pips; TP: 20 * 3.0 = 60 pips.
	assert.InDelta(t, 1.1970, m.StopLossFor("EURUSD", 1.2000, domain.SideBuy), 1e-9)
	assert.InDelta(t, 1.2060, m.TakeProfitFor("EURUSD", 1.2000, domain.SideBuy), 1e-9)

	// Mirrored for a sell.
	assert.InDelta(t, 1.2030, m.StopLossFor("EURUSD", 1.2000, domain.SideSell), 1e-9)
	assert.InDelta(t, 1.1940, m.TakeProfitFor("EURUSD", 1.2000, domain.SideSell), 1e-9)
}

func TestDistances_DefaultsWithoutLiveATR(t *testing.T) {
	m, _, _ := volFixture(t)

	// No refresh has happened: the medium default table applies.
	assert.InDelta(t, 1.1975, m.StopLossFor("EURUSD", 1.2000, domain.SideBuy), 1e-9)
	assert.InDelta(t, 1.2050, m.TakeProfitFor("EURUSD", 1.2000, domain.SideBuy), 1e-9)
}

func TestRefresh_FallsBackToLocalATR(t *testing.T) {
	m, tr, _ := volFixture(t)
	tr.Fail("calculate_volatility", broker.ErrTransport)

	// A flat window with a constant 30-pip true range.
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := make([]map[string]any, 0, 40)
	for i := 0; i < 40; i++ {
		open := 1.2000
		entries = append(entries, brokertest.CandleEntry(
			base.Add(time.Duration(i)*5*time.Minute),
			open, open+0.0030, open, open+0.0015, 100,
		))
	}
	tr.Respond("get_market_data", brokertest.CandlesResponse(entries...))

	require.NoError(t, m.Refresh(context.Background(), "EURUSD"))
	assert.Equal(t, ClassHigh, m.ClassFor("EURUSD"), "a 30 pip range classifies high")
}
