package positions

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
)

const testMagic = int64(777)

var opened = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *brokertest.Transport, *events.Bus) {
	t.Helper()
	tr := brokertest.New()
	tr.Respond("get_account_info", brokertest.AccountResponse(1000, 1000, 900, 500))
	tr.Respond("get_positions", brokertest.PositionsResponse())

	gw := broker.NewGateway(tr, broker.Config{Timeout: time.Second}, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	caps := config.PositionsConfig{MaxTotal: 5, MaxPerSymbol: 3, MaxPerGroup: 2}
	return New(gw, bus, caps, testMagic, zerolog.Nop()), tr, bus
}

func collect(bus *events.Bus, kind events.EventType) *[]events.Event {
	var seen []events.Event
	bus.Subscribe(kind, func(e *events.Event) { seen = append(seen, *e) })
	return &seen
}

func TestReconcile_InsertUpdateRemove(t *testing.T) {
	store, tr, bus := newStore(t)
	openedEvents := collect(bus, events.PositionOpened)
	closedEvents := collect(bus, events.PositionClosed)

	tr.Respond("get_positions", brokertest.PositionsResponse(
		brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
		brokertest.PositionEntry(2, "EURUSD", "sell", 0.1, 1.2, 1.21, -5, opened, testMagic),
	))
	require.NoError(t, store.Reconcile(context.Background()))

	assert.Equal(t, 2, store.Count())
	assert.Len(t, *openedEvents, 2)
	assert.Empty(t, *closedEvents)

	// Ticket 2 disappears, ticket 1 updates.
	tr.Respond("get_positions", brokertest.PositionsResponse(
		brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.25, 50, opened, testMagic),
	))
	require.NoError(t, store.Reconcile(context.Background()))

	assert.Equal(t, 1, store.Count())
	require.Len(t, *closedEvents, 1)
	closed := (*closedEvents)[0].Data.(*events.PositionClosedData)
	assert.Equal(t, int64(2), closed.Ticket)
	assert.Equal(t, -5.0, closed.Profit, "carries the last observed profit")

	p, ok := store.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1.25, p.CurrentPrice)
	assert.Equal(t, 50.0, p.Profit)
}

func TestReconcile_Idempotent(t *testing.T) {
	store, tr, bus := newStore(t)
	openedEvents := collect(bus, events.PositionOpened)
	closedEvents := collect(bus, events.PositionClosed)

	resp := brokertest.PositionsResponse(
		brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
		brokertest.PositionEntry(2, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
	)
	tr.Respond("get_positions", resp)

	require.NoError(t, store.Reconcile(context.Background()))
	require.NoError(t, store.Reconcile(context.Background()))

	assert.Len(t, *openedEvents, 2, "no duplicate PositionOpened")
	assert.Empty(t, *closedEvents, "no phantom PositionClosed")
	assert.Equal(t, 2, store.Count())
}

func TestReconcile_EmptyListStaysQuiet(t *testing.T) {
	store, _, bus := newStore(t)
	openedEvents := collect(bus, events.PositionOpened)
	closedEvents := collect(bus, events.PositionClosed)

	require.NoError(t, store.Reconcile(context.Background()))
	assert.Equal(t, 0, store.Count())
	assert.Empty(t, *openedEvents)
	assert.Empty(t, *closedEvents)
}

func TestReconcile_FiltersForeignMagic(t *testing.T) {
	store, tr, _ := newStore(t)

	tr.Respond("get_positions", brokertest.PositionsResponse(
		brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
		brokertest.PositionEntry(2, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, 12345),
	))
	require.NoError(t, store.Reconcile(context.Background()))

	assert.Equal(t, 1, store.Count(), "foreign-magic positions are invisible")
	_, ok := store.Get(2)
	assert.False(t, ok)
}

func TestReconcile_ExternalModificationEmitsEvent(t *testing.T) {
	store, tr, bus := newStore(t)
	modifiedEvents := collect(bus, events.PositionModified)

	entry := brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic)
	tr.Respond("get_positions", brokertest.PositionsResponse(entry))
	require.NoError(t, store.Reconcile(context.Background()))
	assert.Empty(t, *modifiedEvents)

	entry["sl"] = 1.19
	tr.Respond("get_positions", brokertest.PositionsResponse(entry))
	require.NoError(t, store.Reconcile(context.Background()))

	require.Len(t, *modifiedEvents, 1)
	data := (*modifiedEvents)[0].Data.(*events.PositionModifiedData)
	assert.Equal(t, 1.19, data.StopLoss)
}

func TestReconcile_MalformedEntrySkippedOthersApplied(t *testing.T) {
	store, tr, bus := newStore(t)
	errorEvents := collect(bus, events.ErrorOccurred)
	closedEvents := collect(bus, events.PositionClosed)

	tr.Respond("get_positions", brokertest.PositionsResponse(
		brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
		brokertest.PositionEntry(2, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
	))
	require.NoError(t, store.Reconcile(context.Background()))
	require.Equal(t, 2, store.Count())

	// Ticket 2's entry loses its open_time; ticket 1 moves.
	good := brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.25, 50, opened, testMagic)
	bad := brokertest.PositionEntry(2, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic)
	delete(bad, "open_time")
	tr.Respond("get_positions", brokertest.PositionsResponse(good, bad))

	require.NoError(t, store.Reconcile(context.Background()), "one bad entry must not abort the reconcile")

	// The well-formed update still landed.
	p, ok := store.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1.25, p.CurrentPrice)

	// The undecodable ticket is announced, not silently dropped or closed.
	require.Len(t, *errorEvents, 1)
	data := (*errorEvents)[0].Data.(*events.ErrorEventData)
	assert.Equal(t, "positions", data.Source)
	assert.NotEmpty(t, data.Cause)

	assert.Empty(t, *closedEvents, "an incomplete list must not produce phantom closes")
	assert.Equal(t, 2, store.Count())

	// A clean read afterwards resumes normal removal handling.
	tr.Respond("get_positions", brokertest.PositionsResponse(good))
	require.NoError(t, store.Reconcile(context.Background()))
	assert.Len(t, *closedEvents, 1)
	assert.Equal(t, 1, store.Count())
}

func TestGroups_AttachDetachLifecycle(t *testing.T) {
	store, tr, bus := newStore(t)
	groupedEvents := collect(bus, events.PositionGrouped)

	tr.Respond("get_positions", brokertest.PositionsResponse(
		brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
		brokertest.PositionEntry(2, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
	))
	require.NoError(t, store.Reconcile(context.Background()))

	groupID := store.CreateGroup("EURUSD", domain.SideBuy, 0.1)

	assert.True(t, store.Attach(1, groupID))
	assert.False(t, store.Attach(1, groupID), "already grouped")
	assert.False(t, store.Attach(99, groupID), "unknown ticket")
	assert.Len(t, *groupedEvents, 1)

	g, ok := store.Group(groupID)
	require.True(t, ok)
	assert.Equal(t, 1, g.Size())

	// Detach is idempotent.
	store.Detach(1)
	store.Detach(1)
	store.Detach(99)

	_, ok = store.Group(groupID)
	assert.False(t, ok, "group destroyed when its last member detaches")
}

func TestReconcile_ClosedPositionLeavesGroup(t *testing.T) {
	store, tr, _ := newStore(t)

	tr.Respond("get_positions", brokertest.PositionsResponse(
		brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
		brokertest.PositionEntry(2, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
	))
	require.NoError(t, store.Reconcile(context.Background()))

	groupID := store.CreateGroup("EURUSD", domain.SideBuy, 0.1)
	require.True(t, store.Attach(1, groupID))
	require.True(t, store.Attach(2, groupID))

	tr.Respond("get_positions", brokertest.PositionsResponse(
		brokertest.PositionEntry(2, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
	))
	require.NoError(t, store.Reconcile(context.Background()))

	g, ok := store.Group(groupID)
	require.True(t, ok)
	assert.Equal(t, 1, g.Size())
	assert.False(t, g.Has(1))

	// Last member closes; group goes with it.
	tr.Respond("get_positions", brokertest.PositionsResponse())
	require.NoError(t, store.Reconcile(context.Background()))
	_, ok = store.Group(groupID)
	assert.False(t, ok)
}

func TestCanOpen_Caps(t *testing.T) {
	store, tr, _ := newStore(t)

	// caps: total 5, per symbol 3, per group 2
	tr.Respond("get_positions", brokertest.PositionsResponse(
		brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.21, 0, opened, testMagic),
		brokertest.PositionEntry(2, "EURUSD", "buy", 0.1, 1.2, 1.21, 0, opened, testMagic),
		brokertest.PositionEntry(3, "EURUSD", "buy", 0.1, 1.2, 1.21, 0, opened, testMagic),
		brokertest.PositionEntry(4, "GBPUSD", "buy", 0.1, 1.2, 1.21, 0, opened, testMagic),
	))
	require.NoError(t, store.Reconcile(context.Background()))

	allowed, reason := store.CanOpen("EURUSD", "")
	assert.False(t, allowed)
	assert.Contains(t, reason, "per-symbol")

	allowed, _ = store.CanOpen("GBPUSD", "")
	assert.True(t, allowed)

	groupID := store.CreateGroup("GBPUSD", domain.SideBuy, 0.1)
	require.True(t, store.Attach(4, groupID))

	allowed, _ = store.CanOpen("GBPUSD", groupID)
	assert.True(t, allowed)

	require.True(t, store.Attach(3, groupID))
	allowed, reason = store.CanOpen("GBPUSD", groupID)
	assert.False(t, allowed)
	assert.Contains(t, reason, "per-group")
}

func TestCanOpen_TotalCap(t *testing.T) {
	store, tr, _ := newStore(t)

	entries := make([]map[string]any, 0, 5)
	symbols := []string{"EURUSD", "EURUSD", "GBPUSD", "GBPUSD", "USDJPY"}
	for i, s := range symbols {
		entries = append(entries, brokertest.PositionEntry(int64(i+1), s, "buy", 0.1, 1.2, 1.21, 0, opened, testMagic))
	}
	tr.Respond("get_positions", brokertest.PositionsResponse(entries...))
	require.NoError(t, store.Reconcile(context.Background()))

	allowed, reason := store.CanOpen("AUDUSD", "")
	assert.False(t, allowed)
	assert.Contains(t, reason, "total")
}

func TestSetGroupLevel(t *testing.T) {
	store, _, _ := newStore(t)

	groupID := store.CreateGroup("EURUSD", domain.SideBuy, 0.1)
	g, ok := store.Group(groupID)
	require.True(t, ok)
	assert.Equal(t, 0, g.Level, "a new group starts at level zero")

	assert.True(t, store.SetGroupLevel(groupID, 3))
	g, _ = store.Group(groupID)
	assert.Equal(t, 3, g.Level)

	assert.False(t, store.SetGroupLevel("no-such-group", 1))
}

func TestAggregates(t *testing.T) {
	store, tr, _ := newStore(t)

	tr.Respond("get_positions", brokertest.PositionsResponse(
		brokertest.PositionEntry(1, "EURUSD", "buy", 0.1, 1.2, 1.21, 10, opened, testMagic),
		brokertest.PositionEntry(2, "EURUSD", "buy", 0.1, 1.2, 1.21, -4, opened, testMagic),
		brokertest.PositionEntry(3, "GBPUSD", "buy", 0.1, 1.2, 1.21, 7, opened, testMagic),
	))
	require.NoError(t, store.Reconcile(context.Background()))

	assert.InDelta(t, 13.0, store.TotalProfit(), 1e-9)
	assert.InDelta(t, 6.0, store.SymbolProfit("EURUSD"), 1e-9)

	groupID := store.CreateGroup("EURUSD", domain.SideBuy, 0.1)
	require.True(t, store.Attach(1, groupID))
	require.True(t, store.Attach(2, groupID))
	assert.InDelta(t, 6.0, store.GroupProfit(groupID), 1e-9)
}

func TestAccountSnapshotStored(t *testing.T) {
	store, _, _ := newStore(t)
	require.NoError(t, store.Reconcile(context.Background()))

	acct := store.Account()
	assert.Equal(t, 1000.0, acct.Balance)
	assert.Equal(t, 900.0, acct.FreeMargin)
	assert.Equal(t, 500.0, acct.MarginLevel)
}
