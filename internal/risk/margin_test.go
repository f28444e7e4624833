package risk

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

var marginCfg = config.MarginRiskConfig{
	MinFreeMargin:       50,
	CriticalMarginLevel: 150,
	WarningMarginLevel:  200,
}

func marginFixture(t *testing.T) (*MarginProtector, *brokertest.Transport, *events.Bus, *positions.Store) {
	t.Helper()
	tr := brokertest.New()
	gw := broker.NewGateway(tr, broker.Config{Timeout: time.Second}, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	store := positions.New(gw, bus, config.PositionsConfig{MaxTotal: 50, MaxPerSymbol: 50, MaxPerGroup: 50}, 0, zerolog.Nop())
	return NewMarginProtector(gw, store, bus, marginCfg, zerolog.Nop()), tr, bus, store
}

func testPositions() []domain.Position {
	return []domain.Position{
		{Ticket: 1, Symbol: "EURUSD", Side: domain.SideBuy, Profit: 50},   // A
		{Ticket: 2, Symbol: "EURUSD", Side: domain.SideBuy, Profit: -100}, // B
		{Ticket: 3, Symbol: "EURUSD", Side: domain.SideBuy, Profit: -30},  // C
	}
}

func TestMarginShouldAct(t *testing.T) {
	h, _, _, _ := marginFixture(t)

	tests := []struct {
		name       string
		freeMargin float64
		level      float64
		want       bool
	}{
		{"healthy", 500, 400, false},
		{"low free margin", 30, 400, true},
		{"critical margin level", 500, 140, true},
		{"both bad", 30, 140, true},
		{"exactly at floors", 50, 150, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct := domain.AccountSnapshot{FreeMargin: tt.freeMargin, MarginLevel: tt.level}
			assert.Equal(t, tt.want, h.ShouldAct(acct, testPositions()))
		})
	}
}

func TestMarginShouldAct_NoPositions(t *testing.T) {
	h, _, _, _ := marginFixture(t)
	acct := domain.AccountSnapshot{FreeMargin: 10, MarginLevel: 100}
	assert.False(t, h.ShouldAct(acct, nil), "nothing to shed")
}

func TestMarginAct_ClosesMostLosingFirstAndStopsOnRecovery(t *testing.T) {
	h, tr, _, _ := marginFixture(t)

	var closedOrder []int64
	tr.On("close_position", func(req broker.Request) (broker.Response, error) {
		closedOrder = append(closedOrder, req.Args["ticket"].(int64))
		return broker.Response{"success": true, "profit": -1.0}, nil
	})

	// Account recovers past the warning level after the second close.
	reads := 0
	tr.On("get_account_info", func(req broker.Request) (broker.Response, error) {
		reads++
		level := 140.0
		if reads >= 2 {
			level = 210.0
		}
		return brokertest.AccountResponse(1000, 900, 40, level), nil
	})

	acct := domain.AccountSnapshot{FreeMargin: 30, MarginLevel: 140}
	changed, err := h.Act(context.Background(), acct, testPositions())
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, []int64{2, 3}, closedOrder, "B then C; A survives once margin recovers")
	assert.Equal(t, 2, reads, "account re-read after every close")
	assert.True(t, h.SafeState())
}

func TestMarginAct_ClosesEverythingWhenMarginStaysBad(t *testing.T) {
	h, tr, _, _ := marginFixture(t)

	var closedOrder []int64
	tr.On("close_position", func(req broker.Request) (broker.Response, error) {
		closedOrder = append(closedOrder, req.Args["ticket"].(int64))
		return broker.Response{"success": true, "profit": -1.0}, nil
	})
	tr.Respond("get_account_info", brokertest.AccountResponse(1000, 900, 40, 140))

	acct := domain.AccountSnapshot{FreeMargin: 30, MarginLevel: 140}
	_, err := h.Act(context.Background(), acct, testPositions())
	require.NoError(t, err)

	assert.Equal(t, []int64{2, 3, 1}, closedOrder, "ascending profit order: B, C, A")
}

func TestMarginSafeState_VetoAndRecovery(t *testing.T) {
	h, tr, bus, _ := marginFixture(t)

	var safeEvents []events.Event
	bus.Subscribe(events.MarginSafe, func(e *events.Event) { safeEvents = append(safeEvents, *e) })

	tr.Respond("close_position", broker.Response{"success": true, "profit": -1.0})
	tr.Respond("get_account_info", brokertest.AccountResponse(1000, 900, 40, 140))

	acct := domain.AccountSnapshot{FreeMargin: 30, MarginLevel: 140}
	_, err := h.Act(context.Background(), acct, testPositions())
	require.NoError(t, err)
	require.True(t, h.SafeState())

	intent := domain.OrderIntent{Symbol: "EURUSD", Side: domain.SideBuy, Volume: 0.1}
	healthy := domain.AccountSnapshot{FreeMargin: 900, MarginLevel: 500}
	assert.False(t, h.AllowOpen(healthy, nil, intent), "safe state vetoes regardless of account")

	// A later check sees the account healthy again: safe state clears.
	h.ObserveAccount(healthy)
	assert.False(t, h.SafeState())
	assert.Len(t, safeEvents, 1)
	assert.True(t, h.AllowOpen(healthy, nil, intent))
}

func TestMarginAllowOpen_Floors(t *testing.T) {
	h, _, _, _ := marginFixture(t)
	intent := domain.OrderIntent{Symbol: "EURUSD", Side: domain.SideBuy, Volume: 0.1}

	assert.False(t, h.AllowOpen(domain.AccountSnapshot{FreeMargin: 40, MarginLevel: 500}, nil, intent))
	assert.False(t, h.AllowOpen(domain.AccountSnapshot{FreeMargin: 900, MarginLevel: 190}, nil, intent))
	assert.True(t, h.AllowOpen(domain.AccountSnapshot{FreeMargin: 900, MarginLevel: 0}, nil, intent),
		"zero margin level means no margin in use")
	assert.True(t, h.AllowOpen(domain.AccountSnapshot{FreeMargin: 900, MarginLevel: 500}, nil, intent))
}

func TestMarginSafeState_ClearsOnFlatBook(t *testing.T) {
	h, tr, _, _ := marginFixture(t)

	tr.Respond("close_position", broker.Response{"success": true, "profit": -1.0})
	tr.Respond("get_account_info", brokertest.AccountResponse(1000, 1000, 1000, 0))

	acct := domain.AccountSnapshot{FreeMargin: 30, MarginLevel: 140}
	_, err := h.Act(context.Background(), acct, testPositions())
	require.NoError(t, err)

	// Everything closed: margin level reads 0 because no margin is in use.
	h.ObserveAccount(domain.AccountSnapshot{FreeMargin: 1000, MarginLevel: 0})
	assert.False(t, h.SafeState(), "a flat book clears the safe state")
}

func TestMarginCriticalEventOnEnteringSafeState(t *testing.T) {
	h, tr, bus, _ := marginFixture(t)

	var critical int
	bus.Subscribe(events.MarginCritical, func(*events.Event) { critical++ })

	tr.Respond("close_position", broker.Response{"success": true, "profit": 0.0})
	tr.Respond("get_account_info", brokertest.AccountResponse(1000, 900, 40, 140))

	acct := domain.AccountSnapshot{FreeMargin: 30, MarginLevel: 140}
	_, _ = h.Act(context.Background(), acct, testPositions())
	_, _ = h.Act(context.Background(), acct, testPositions())

	assert.Equal(t, 1, critical, "entering the safe state announces once")
}
