package risk

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/config"
	"github.com/avlonitis/marginbot/internal/domain"
	"github.com/avlonitis/marginbot/internal/events"
	"github.com/avlonitis/marginbot/internal/positions"
)

// MarginProtector sheds losing positions when free margin or margin level
// fall below their floors. While its safe state is active every new order
// is vetoed; the safe state clears itself once a later account read shows
// the margin level back above the warning threshold.
type MarginProtector struct {
	gw    *broker.Gateway
	store *positions.Store
	bus   *events.Bus
	cfg   config.MarginRiskConfig
	log   zerolog.Logger

	safe    atomic.Bool // true while the safe state is active
	warning atomic.Bool // true while a warning has been emitted and not cleared
}

// NewMarginProtector creates the margin protector.
func NewMarginProtector(gw *broker.Gateway, store *positions.Store, bus *events.Bus, cfg config.MarginRiskConfig, log zerolog.Logger) *MarginProtector {
	return &MarginProtector{
		gw:    gw,
		store: store,
		bus:   bus,
		cfg:   cfg,
		log:   log.With().Str("component", "risk.margin").Logger(),
	}
}

// Name implements Handler.
func (m *MarginProtector) Name() string { return "margin_protector" }

// Priority implements Handler.
func (m *MarginProtector) Priority() Priority { return PriorityHighest }

// ObserveAccount clears the safe state when the margin level has recovered
// past the warning threshold, and tracks the warning band.
func (m *MarginProtector) ObserveAccount(acct domain.AccountSnapshot) {
	// A zero margin level means no margin is in use (flat book): healthy.
	if acct.MarginLevel == 0 || acct.MarginLevel > m.cfg.WarningMarginLevel {
		if m.safe.CompareAndSwap(true, false) {
			m.bus.Publish("risk.margin", &events.MarginStatusData{
				Status:      events.MarginSafe,
				FreeMargin:  acct.FreeMargin,
				MarginLevel: acct.MarginLevel,
			})
			m.log.Info().
				Float64("margin_level", acct.MarginLevel).
				Msg("Margin recovered, safe state cleared")
		}
		m.warning.Store(false)
		return
	}

	// Inside the warning band but not yet critical: warn once per episode.
	if acct.MarginLevel > m.cfg.CriticalMarginLevel && m.warning.CompareAndSwap(false, true) {
		m.bus.Publish("risk.margin", &events.MarginStatusData{
			Status:      events.MarginWarning,
			FreeMargin:  acct.FreeMargin,
			MarginLevel: acct.MarginLevel,
		})
	}
}

// ShouldAct implements Handler.
func (m *MarginProtector) ShouldAct(acct domain.AccountSnapshot, open []domain.Position) bool {
	if len(open) == 0 {
		return false
	}
	return acct.FreeMargin < m.cfg.MinFreeMargin || acct.MarginLevel < m.cfg.CriticalMarginLevel
}

// Act enters the safe state and closes positions most-losing first,
// re-reading the account after each close, until the margin level rises
// above the warning threshold.
func (m *MarginProtector) Act(ctx context.Context, acct domain.AccountSnapshot, open []domain.Position) (bool, error) {
	if m.safe.CompareAndSwap(false, true) {
		m.bus.Publish("risk.margin", &events.MarginStatusData{
			Status:      events.MarginCritical,
			FreeMargin:  acct.FreeMargin,
			MarginLevel: acct.MarginLevel,
		})
		m.log.Warn().
			Float64("free_margin", acct.FreeMargin).
			Float64("margin_level", acct.MarginLevel).
			Msg("Safe state entered")
	}

	// Ascending profit: shed the biggest losers first.
	queue := make([]domain.Position, len(open))
	copy(queue, open)
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].Profit < queue[j].Profit })

	closed := 0
	for _, p := range queue {
		if ctx.Err() != nil {
			break
		}

		profit, err := m.gw.ClosePosition(ctx, p.Ticket, 0)
		if err != nil {
			// Abandon the wave for this tick; retried next tick if the
			// margin is still bad.
			return closed > 0, err
		}
		closed++
		m.log.Warn().
			Int64("ticket", p.Ticket).
			Float64("profit", profit).
			Msg("Closed position to free margin")

		fresh, err := m.store.RefreshAccount(ctx)
		if err != nil {
			return true, err
		}
		if fresh.MarginLevel > m.cfg.WarningMarginLevel {
			break
		}
	}
	return closed > 0, nil
}

// AllowOpen vetoes while the safe state is active or the account sits
// below its margin floors.
func (m *MarginProtector) AllowOpen(acct domain.AccountSnapshot, open []domain.Position, intent domain.OrderIntent) bool {
	if m.safe.Load() {
		return false
	}
	if acct.FreeMargin < m.cfg.MinFreeMargin {
		return false
	}
	if acct.MarginLevel != 0 && acct.MarginLevel < m.cfg.WarningMarginLevel {
		return false
	}
	return true
}

// SafeState reports whether the protector is currently in its safe state.
func (m *MarginProtector) SafeState() bool { return m.safe.Load() }
