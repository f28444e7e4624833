// Package scaling runs the per-group scale-in state machine: an initial
// batch of positions, then additional batches as the best-performing
// member confirms favorable movement. An underwater group is never scaled.
package scaling

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/config"
	"github.com/avlonitis/marginbot/internal/domain"
	"github.com/avlonitis/marginbot/internal/events"
	"github.com/avlonitis/marginbot/internal/positions"
	"github.com/avlonitis/marginbot/internal/volatility"
)

// Submitter is the single choke point through which every new order passes.
// The engine implements it: risk veto, position caps and the spread guard
// all run before the broker sees the order.
type Submitter interface {
	Submit(ctx context.Context, intent domain.OrderIntent) (broker.OrderResult, error)
}

// plan is the scaling state for one group.
type plan struct {
	groupID   string
	side      domain.Side
	level     int
	anchor    float64 // price captured at group creation
	completed bool
	slFirst   float64 // SL/TP of the first batch, reused on later levels
	tpFirst   float64
}

// Strategy evaluates scaling plans once per control tick.
type Strategy struct {
	store  *positions.Store
	vol    *volatility.Manager
	submit Submitter
	bus    *events.Bus
	cfg    config.ScalingConfig
	sym    domain.Symbol
	log    zerolog.Logger

	mu      sync.Mutex
	plans   map[string]*plan // keyed by group ID
	pending []deferred
}

// New creates a scaling strategy.
func New(store *positions.Store, vol *volatility.Manager, submit Submitter, bus *events.Bus, cfg config.ScalingConfig, sym domain.Symbol, log zerolog.Logger) *Strategy {
	return &Strategy{
		store:  store,
		vol:    vol,
		submit: submit,
		bus:    bus,
		cfg:    cfg,
		sym:    sym,
		log:    log.With().Str("component", "scaling").Logger(),
		plans:  make(map[string]*plan),
	}
}

// StartPlan creates a group and an empty plan for it. The initial batch is
// opened on the next Evaluate call.
func (s *Strategy) StartPlan(side domain.Side, anchorPrice float64) string {
	groupID := s.store.CreateGroup(s.sym.Name, side, s.cfg.BaseVolume)

	s.mu.Lock()
	s.plans[groupID] = &plan{
		groupID: groupID,
		side:    side,
		anchor:  anchorPrice,
	}
	s.mu.Unlock()

	s.log.Info().
		Str("group_id", groupID).
		Str("side", string(side)).
		Float64("anchor", anchorPrice).
		Msg("Scaling plan started")
	return groupID
}

// ActivePlans returns the IDs of plans that are neither completed nor
// orphaned, for the control loop to iterate.
func (s *Strategy) ActivePlans() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.plans))
	for id, p := range s.plans {
		if !p.completed {
			out = append(out, id)
		}
	}
	return out
}

// HasOpenPlan reports whether any plan is still running.
func (s *Strategy) HasOpenPlan() bool {
	return len(s.ActivePlans()) > 0
}

// Evaluate advances one plan by at most one transition. The order within a
// tick is fixed: completion is checked before any new orders are submitted,
// and a group can advance at most one level per tick no matter how far the
// price moved.
func (s *Strategy) Evaluate(ctx context.Context, groupID string) {
	s.mu.Lock()
	p, ok := s.plans[groupID]
	s.mu.Unlock()
	if !ok || p.completed {
		return
	}

	group, alive := s.store.Group(groupID)
	members := s.store.GroupPositions(groupID)

	// A plan whose group was destroyed after its positions closed is over.
	if !alive {
		if p.level > 0 || s.anyOpened(p) {
			s.drop(groupID, "group destroyed")
			return
		}
	}

	// Complete before opening anything further.
	if alive && (group.Size() >= s.cfg.MaxPositions || p.level >= s.cfg.MaxLevel) {
		s.complete(p, group.Size())
		return
	}

	if len(members) == 0 {
		if !s.anyOpened(p) {
			s.openInitial(ctx, p)
		}
		// Opened but not yet reconciled: wait for the tickets to land.
		return
	}

	s.advance(ctx, p, members)
}

// anyOpened reports whether the plan ever opened its initial batch.
func (s *Strategy) anyOpened(p *plan) bool {
	return p.slFirst != 0 || p.tpFirst != 0
}

func (s *Strategy) drop(groupID, reason string) {
	s.mu.Lock()
	delete(s.plans, groupID)
	s.mu.Unlock()
	s.log.Debug().Str("group_id", groupID).Str("reason", reason).Msg("Scaling plan dropped")
}

func (s *Strategy) complete(p *plan, size int) {
	s.mu.Lock()
	p.completed = true
	s.mu.Unlock()

	s.bus.Publish("scaling", &events.ScalingCompletedData{
		GroupID: p.groupID,
		Symbol:  s.sym.Name,
		Level:   p.level,
		Size:    size,
	})
	s.log.Info().
		Str("group_id", p.groupID).
		Int("level", p.level).
		Int("size", size).
		Msg("Scaling completed")
}

// openInitial submits the level-0 batch. A submission failure mid-batch
// stops the batch and leaves the group at however many orders succeeded.
func (s *Strategy) openInitial(ctx context.Context, p *plan) {
	sl := s.vol.StopLossFor(s.sym.Name, p.anchor, p.side)
	tp := s.vol.TakeProfitFor(s.sym.Name, p.anchor, p.side)

	opened := s.openBatch(ctx, p, s.cfg.InitialPositions, s.cfg.BaseVolume, sl, tp)
	if opened == 0 {
		return
	}

	s.mu.Lock()
	p.slFirst = sl
	p.tpFirst = tp
	s.mu.Unlock()

	s.bus.Publish("scaling", &events.ScalingTriggeredData{
		GroupID: p.groupID,
		Symbol:  s.sym.Name,
		Level:   0,
		Opened:  opened,
	})
}

// advance checks the trigger against the best-performing member and, when
// it fires, opens the next batch at the incremented level.
func (s *Strategy) advance(ctx context.Context, p *plan, members []domain.Position) {
	best := members[0].DistancePips(s.sym)
	for _, m := range members[1:] {
		if d := m.DistancePips(s.sym); d > best {
			best = d
		}
	}

	if best < s.cfg.TriggerPips*float64(p.level+1) {
		return
	}
	if len(members) >= s.cfg.MaxPositions {
		return
	}

	s.mu.Lock()
	p.level++
	level := p.level
	sl, tp := p.slFirst, p.tpFirst
	s.mu.Unlock()
	s.store.SetGroupLevel(p.groupID, level)

	lot := s.cfg.BaseVolume + s.cfg.LotIncrement*float64(level/s.cfg.LotIncrementStep)

	room := s.cfg.MaxPositions - len(members)
	batch := s.cfg.AdditionalPositions
	if batch > room {
		batch = room
	}

	opened := s.openBatch(ctx, p, batch, lot, sl, tp)
	if opened == 0 {
		// Nothing landed (veto, caps, broker refusal): revert the level so
		// the same trigger is retried on the next tick.
		s.mu.Lock()
		p.level--
		level = p.level
		s.mu.Unlock()
		s.store.SetGroupLevel(p.groupID, level)
		return
	}

	s.bus.Publish("scaling", &events.ScalingTriggeredData{
		GroupID: p.groupID,
		Symbol:  s.sym.Name,
		Level:   level,
		Opened:  opened,
	})
	s.log.Info().
		Str("group_id", p.groupID).
		Int("level", level).
		Float64("best_distance_pips", best).
		Float64("lot", lot).
		Int("opened", opened).
		Msg("Scaling level advanced")
}

// openBatch submits up to count market orders and attaches the confirmed
// tickets to the plan's group. It stops at the first submission failure.
func (s *Strategy) openBatch(ctx context.Context, p *plan, count int, volume, sl, tp float64) int {
	opened := 0
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break
		}
		result, err := s.submit.Submit(ctx, domain.OrderIntent{
			Symbol:     s.sym.Name,
			Side:       p.side,
			Volume:     volume,
			StopLoss:   sl,
			TakeProfit: tp,
			GroupID:    p.groupID,
			Comment:    "scale",
		})
		if err != nil {
			s.log.Warn().
				Err(err).
				Str("group_id", p.groupID).
				Int("submitted", opened).
				Msg("Batch stopped")
			break
		}
		if !s.store.Attach(result.Ticket, p.groupID) {
			// Ticket not reconciled yet; attach is retried by the engine
			// after the next reconcile via pending attachments.
			s.log.Debug().
				Int64("ticket", result.Ticket).
				Str("group_id", p.groupID).
				Msg("Attach deferred until reconcile")
			s.deferAttach(result.Ticket, p.groupID)
		}
		opened++
	}
	return opened
}

// deferred is an attachment waiting for its ticket to appear in the store.
// An order confirmed by the broker is not a store position until the next
// reconcile; the engine flushes these right after every reconcile pass.
type deferred struct {
	ticket  int64
	groupID string
}

func (s *Strategy) deferAttach(ticket int64, groupID string) {
	s.mu.Lock()
	s.pending = append(s.pending, deferred{ticket: ticket, groupID: groupID})
	s.mu.Unlock()
}

// FlushPending retries deferred attachments. Attachments whose ticket is
// still unknown stay queued; ones whose group vanished are discarded.
func (s *Strategy) FlushPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var still []deferred
	for _, d := range pending {
		if _, ok := s.store.Group(d.groupID); !ok {
			continue
		}
		if _, ok := s.store.Get(d.ticket); !ok {
			still = append(still, d)
			continue
		}
		s.store.Attach(d.ticket, d.groupID)
	}

	if len(still) > 0 {
		s.mu.Lock()
		s.pending = append(s.pending, still...)
		s.mu.Unlock()
	}
}
