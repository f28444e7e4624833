package trailing

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
	"github.com/avlonitis/marginbot/internal/positions"
)

var fxSymbol = domain.Symbol{Name: "EURUSD", PipSize: 0.0001, Digits: 5}

var trailCfg = config.TrailingConfig{
	ActivationDistancePips: 15,
	DistancePips:           30,
	UpdateIntervalSeconds:  0, // not rate limited in tests
}

type fixture struct {
	manager *Manager
	store   *positions.Store
	tr      *brokertest.Transport
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr := brokertest.New()
	tr.Respond("get_account_info", brokertest.AccountResponse(1000, 1000, 900, 500))
	tr.Respond("get_positions", brokertest.PositionsResponse())
	tr.Respond("modify_position", broker.Response{"success": true})

	gw := broker.NewGateway(tr, broker.Config{Timeout: time.Second}, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	store := positions.New(gw, bus, config.PositionsConfig{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10}, 0, zerolog.Nop())

	return &fixture{
		manager: New(gw, store, bus, trailCfg, fxSymbol, zerolog.Nop()),
		store:   store,
		tr:      tr,
		bus:     bus,
	}
}

// setPosition makes the broker report one buy position and reconciles.
func (f *fixture) setPosition(t *testing.T, currentPrice, sl float64) {
	t.Helper()
	entry := brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2000, currentPrice, 0,
		time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), 0)
	entry["sl"] = sl
	f.tr.Respond("get_positions", brokertest.PositionsResponse(entry))
	require.NoError(t, f.store.Reconcile(context.Background()))
}

func TestTrailing_TightensThenRefusesToWiden(t *testing.T) {
	f := newFixture(t)

	var updates []events.Event
	f.bus.Subscribe(events.TrailingUpdated, func(e *events.Event) { updates = append(updates, *e) })

	// Price at +20 pips: armed, candidate 1.2020 - 0.0030 = 1.1990 > 1.1980.
	f.setPosition(t, 1.2020, 1.1980)
	f.manager.Update(context.Background())

	modifies := f.tr.CallsTo("modify_position")
	require.Len(t, modifies, 1)
	assert.InDelta(t, 1.1990, modifies[0].Args["sl"].(float64), 1e-9)
	_, hasTP := modifies[0].Args["tp"]
	assert.False(t, hasTP, "take profit left unchanged")

	require.Len(t, updates, 1)
	data := updates[0].Data.(*events.TrailingUpdatedData)
	assert.InDelta(t, 1.1980, data.OldSL, 1e-9)
	assert.InDelta(t, 1.1990, data.NewSL, 1e-9)

	// Price retraces to +5 pips: candidate 1.1975 < 1.1990, no modify issued.
	f.setPosition(t, 1.2005, 1.1990)
	f.manager.Update(context.Background())

	assert.Len(t, f.tr.CallsTo("modify_position"), 1, "trailing never widens the stop")
	assert.Len(t, updates, 1)
}

func TestTrailing_StaysInactiveBelowActivation(t *testing.T) {
	f := newFixture(t)

	// +10 pips is below the 15 pip activation distance.
	f.setPosition(t, 1.2010, 1.1980)
	f.manager.Update(context.Background())

	assert.Empty(t, f.tr.CallsTo("modify_position"))
	state, tracked := f.manager.StateOf(1)
	assert.True(t, tracked)
	assert.Equal(t, StateInactive, state)
}

func TestTrailing_ArmsAtActivationDistance(t *testing.T) {
	f := newFixture(t)

	// Exactly at the activation distance counts as armed.
	f.setPosition(t, 1.2015, 0)
	f.manager.Update(context.Background())

	state, _ := f.manager.StateOf(1)
	assert.Equal(t, StateArmed, state)

	// Unset SL is always improved by the first candidate.
	modifies := f.tr.CallsTo("modify_position")
	require.Len(t, modifies, 1)
	assert.InDelta(t, 1.1985, modifies[0].Args["sl"].(float64), 1e-9)
}

func TestTrailing_SellDirection(t *testing.T) {
	f := newFixture(t)

	entry := brokertest.PositionEntry(2, "EURUSD", "sell", 0.1, 1.2000, 1.1970, 0,
		time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), 0)
	entry["sl"] = 1.2020
	f.tr.Respond("get_positions", brokertest.PositionsResponse(entry))
	require.NoError(t, f.store.Reconcile(context.Background()))

	// +30 pips for a sell; candidate SL = 1.1970 + 0.0030 = 1.2000 < 1.2020.
	f.manager.Update(context.Background())

	modifies := f.tr.CallsTo("modify_position")
	require.Len(t, modifies, 1)
	assert.InDelta(t, 1.2000, modifies[0].Args["sl"].(float64), 1e-9)
}

func TestTrailing_FailedModifyKeepsAnchor(t *testing.T) {
	f := newFixture(t)
	f.tr.Fail("modify_position", broker.ErrTransport)

	var updates int
	f.bus.Subscribe(events.TrailingUpdated, func(*events.Event) { updates++ })

	f.setPosition(t, 1.2020, 1.1980)
	f.manager.Update(context.Background())

	assert.Equal(t, 0, updates, "no TrailingUpdated on a failed modify")

	// The broker accepts the retry on the next pass.
	f.tr.Respond("modify_position", broker.Response{"success": true})
	f.manager.Update(context.Background())
	assert.Equal(t, 1, updates)
}

func TestTrailing_DiscardsStateForClosedPositions(t *testing.T) {
	f := newFixture(t)

	f.setPosition(t, 1.2020, 1.1980)
	f.manager.Update(context.Background())
	_, tracked := f.manager.StateOf(1)
	require.True(t, tracked)

	f.tr.Respond("get_positions", brokertest.PositionsResponse())
	require.NoError(t, f.store.Reconcile(context.Background()))
	f.manager.Update(context.Background())

	_, tracked = f.manager.StateOf(1)
	assert.False(t, tracked)
}
