// Package trailing moves protective stops behind favorable price movement.
// A trailing stop only ever tightens: the commanded SL improves
// monotonically in the favorable direction and is never widened.
package trailing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/config"
	"github.com/avlonitis/marginbot/internal/domain"
	"github.com/avlonitis/marginbot/internal/events"
	"github.com/avlonitis/marginbot/internal/positions"
)

// State is the trailing lifecycle of one position.
type State string

const (
	// StateInactive means the position has not yet reached the
	// activation distance.
	StateInactive State = "inactive"
	// StateArmed means trailing is live and each pass may tighten the SL.
	StateArmed State = "armed"
)

type tracker struct {
	state  State
	anchor float64 // last SL successfully commanded by trailing; 0 = none
}

// Manager runs the per-position trailing state machines.
type Manager struct {
	gw    *broker.Gateway
	store *positions.Store
	bus   *events.Bus
	cfg   config.TrailingConfig
	sym   domain.Symbol
	log   zerolog.Logger

	pass     sync.Mutex // held for a whole Update pass
	mu       sync.Mutex
	trackers map[int64]*tracker
	lastPass time.Time
	now      func() time.Time
}

// New creates a trailing manager.
func New(gw *broker.Gateway, store *positions.Store, bus *events.Bus, cfg config.TrailingConfig, sym domain.Symbol, log zerolog.Logger) *Manager {
	return &Manager{
		gw:       gw,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		sym:      sym,
		log:      log.With().Str("component", "trailing").Logger(),
		trackers: make(map[int64]*tracker),
		now:      time.Now,
	}
}

// Update runs one trailing pass over every live position. Passes are rate
// limited by the configured update interval; a call inside the interval is
// a no-op. Concurrent calls are serialized.
func (m *Manager) Update(ctx context.Context) {
	m.pass.Lock()
	defer m.pass.Unlock()

	m.mu.Lock()
	if m.cfg.UpdateInterval() > 0 && m.now().Sub(m.lastPass) < m.cfg.UpdateInterval() {
		m.mu.Unlock()
		return
	}
	m.lastPass = m.now()
	m.mu.Unlock()

	live := m.store.All()

	m.cleanup(live)

	for _, p := range live {
		if ctx.Err() != nil {
			return
		}
		m.updateOne(ctx, p)
	}
}

// cleanup discards trackers whose position disappeared.
func (m *Manager) cleanup(live []domain.Position) {
	alive := make(map[int64]struct{}, len(live))
	for _, p := range live {
		alive[p.Ticket] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for ticket := range m.trackers {
		if _, ok := alive[ticket]; !ok {
			delete(m.trackers, ticket)
		}
	}
}

func (m *Manager) updateOne(ctx context.Context, p domain.Position) {
	m.mu.Lock()
	tr, ok := m.trackers[p.Ticket]
	if !ok {
		tr = &tracker{state: StateInactive}
		m.trackers[p.Ticket] = tr
	}
	state := tr.state
	m.mu.Unlock()

	if state == StateInactive {
		if p.DistancePips(m.sym) < m.cfg.ActivationDistancePips {
			return
		}
		m.mu.Lock()
		tr.state = StateArmed
		m.mu.Unlock()
		m.log.Debug().
			Int64("ticket", p.Ticket).
			Float64("distance_pips", p.DistancePips(m.sym)).
			Msg("Trailing armed")
	}

	delta := m.sym.PipsToPrice(m.cfg.DistancePips)
	var candidate float64
	if p.Side == domain.SideBuy {
		candidate = m.sym.RoundPrice(p.CurrentPrice - delta)
	} else {
		candidate = m.sym.RoundPrice(p.CurrentPrice + delta)
	}

	if !improves(p.Side, p.StopLoss, candidate) {
		return
	}

	oldSL := p.StopLoss
	sl := candidate
	if err := m.gw.ModifyPosition(ctx, p.Ticket, &sl, nil); err != nil {
		// Anchor stays at the last successful value; retried next pass.
		m.log.Warn().
			Err(err).
			Int64("ticket", p.Ticket).
			Float64("candidate_sl", candidate).
			Msg("Trailing modify failed")
		return
	}

	m.mu.Lock()
	tr.anchor = candidate
	m.mu.Unlock()

	m.bus.Publish("trailing", &events.TrailingUpdatedData{
		Ticket: p.Ticket,
		OldSL:  oldSL,
		NewSL:  candidate,
	})
}

// improves reports whether candidate strictly tightens the current SL:
// higher for a buy, lower for a sell. An unset SL (0) is always improved.
func improves(side domain.Side, current, candidate float64) bool {
	if current == 0 {
		return true
	}
	if side == domain.SideBuy {
		return candidate > current
	}
	return candidate < current
}

// StateOf reports the trailing state for a ticket, for diagnostics.
func (m *Manager) StateOf(ticket int64) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trackers[ticket]
	if !ok {
		return StateInactive, false
	}
	return tr.state, true
}
