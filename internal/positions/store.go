// Package positions owns the authoritative local view of open positions
// and scaling groups. Every other component receives copies or ticket
// handles; mutation happens only behind the store's write lock, and
// reconciliation against the broker is the only source of truth for
// position existence.
package positions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/config"
	"github.com/avlonitis/marginbot/internal/domain"
	"github.com/avlonitis/marginbot/internal/events"
)

// Store maintains the tickets -> Position and group_id -> Group mappings.
type Store struct {
	gw    *broker.Gateway
	bus   *events.Bus
	caps  config.PositionsConfig
	magic int64 // positions with a different magic belong to another system
	log   zerolog.Logger

	mu        sync.RWMutex
	positions map[int64]*domain.Position
	groups    map[string]*domain.Group
	account   domain.AccountSnapshot

	// reconcileMu serializes reconciliation; overlapping schedules coalesce.
	reconcileMu sync.Mutex
}

// New creates an empty store.
func New(gw *broker.Gateway, bus *events.Bus, caps config.PositionsConfig, magic int64, log zerolog.Logger) *Store {
	return &Store{
		gw:        gw,
		bus:       bus,
		caps:      caps,
		magic:     magic,
		log:       log.With().Str("component", "positions").Logger(),
		positions: make(map[int64]*domain.Position),
		groups:    make(map[string]*domain.Group),
	}
}

// Reconcile pulls the current broker position list and account snapshot and
// applies the diff to the local view, emitting lifecycle events. At most one
// reconciliation runs at a time; a call that finds another in flight waits
// for it and then returns without re-reading the broker.
func (s *Store) Reconcile(ctx context.Context) error {
	if !s.reconcileMu.TryLock() {
		// Coalesce: wait for the in-flight pass, then accept its result.
		s.reconcileMu.Lock()
		s.reconcileMu.Unlock()
		return nil
	}
	defer s.reconcileMu.Unlock()

	account, err := s.gw.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("reconcile account: %w", err)
	}
	reported, skipped, err := s.gw.Positions(ctx, "")
	if err != nil {
		return fmt.Errorf("reconcile positions: %w", err)
	}

	type closedRecord struct {
		ticket int64
		symbol string
		profit float64
	}
	var opened []domain.Position
	var modified []domain.Position
	var closed []closedRecord
	var violations []domain.Position

	s.mu.Lock()
	s.account = account

	seen := make(map[int64]struct{}, len(reported))
	for i := range reported {
		incoming := reported[i]
		if s.magic != 0 && incoming.Magic != s.magic {
			continue // not ours; another system shares the account
		}
		seen[incoming.Ticket] = struct{}{}

		if stopsInverted(incoming) {
			violations = append(violations, incoming)
		}

		existing, known := s.positions[incoming.Ticket]
		if !known {
			p := incoming
			s.positions[p.Ticket] = &p
			opened = append(opened, p)
			continue
		}

		slChanged := existing.StopLoss != incoming.StopLoss
		tpChanged := existing.TakeProfit != incoming.TakeProfit

		existing.StopLoss = incoming.StopLoss
		existing.TakeProfit = incoming.TakeProfit
		existing.CurrentPrice = incoming.CurrentPrice
		existing.Profit = incoming.Profit

		if slChanged || tpChanged {
			modified = append(modified, *existing)
		}
	}

	// Removals need a complete list: a skipped entry may be a live ticket
	// that failed to decode this tick, and deleting it would emit a phantom
	// PositionClosed. Updates above still applied; removal waits for a
	// clean read.
	if len(skipped) == 0 {
		for ticket, p := range s.positions {
			if _, ok := seen[ticket]; ok {
				continue
			}
			closed = append(closed, closedRecord{ticket: ticket, symbol: p.Symbol, profit: p.Profit})
			if p.GroupID != "" {
				s.detachLocked(ticket, p.GroupID)
			}
			delete(s.positions, ticket)
		}
	}
	s.mu.Unlock()

	// Events are published outside the lock, in a deterministic order.
	sort.Slice(opened, func(i, j int) bool { return opened[i].Ticket < opened[j].Ticket })
	sort.Slice(modified, func(i, j int) bool { return modified[i].Ticket < modified[j].Ticket })
	sort.Slice(closed, func(i, j int) bool { return closed[i].ticket < closed[j].ticket })

	for _, p := range opened {
		s.bus.Publish("positions", &events.PositionOpenedData{
			Ticket:    p.Ticket,
			Symbol:    p.Symbol,
			Side:      string(p.Side),
			Volume:    p.Volume,
			OpenPrice: p.OpenPrice,
		})
	}
	for _, p := range modified {
		s.bus.Publish("positions", &events.PositionModifiedData{
			Ticket:     p.Ticket,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
		})
	}
	for _, r := range closed {
		s.bus.Publish("positions", &events.PositionClosedData{
			Ticket: r.ticket,
			Symbol: r.symbol,
			Profit: r.profit,
		})
	}

	// A malformed broker entry was skipped, not applied; announce it so the
	// gap in this tick's view is visible to listeners.
	for _, derr := range skipped {
		s.bus.Publish("positions", &events.ErrorEventData{
			Source:  "positions",
			Message: "skipped malformed position entry",
			Cause:   derr.Error(),
		})
	}

	// Inverted SL/TP is reported, never auto-corrected.
	for _, p := range violations {
		s.log.Warn().
			Int64("ticket", p.Ticket).
			Float64("sl", p.StopLoss).
			Float64("tp", p.TakeProfit).
			Float64("price", p.CurrentPrice).
			Msg("Position has inverted protective levels")
	}

	if len(opened)+len(closed) > 0 {
		s.log.Info().
			Int("opened", len(opened)).
			Int("closed", len(closed)).
			Int("open_total", s.Count()).
			Msg("Reconciled positions")
	}
	return nil
}

// RefreshAccount re-reads only the account snapshot. The margin protector
// uses it between individual closes.
func (s *Store) RefreshAccount(ctx context.Context) (domain.AccountSnapshot, error) {
	account, err := s.gw.AccountInfo(ctx)
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	s.mu.Lock()
	s.account = account
	s.mu.Unlock()
	return account, nil
}

// Account returns the last reconciled account snapshot.
func (s *Store) Account() domain.AccountSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Get returns a copy of one position.
func (s *Store) Get(ticket int64) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[ticket]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// All returns a copy of every open position, ordered by ticket. The copy is
// taken under one read lock so callers observe a consistent snapshot.
func (s *Store) All() []domain.Position {
	s.mu.RLock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Count returns the number of open positions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// TotalProfit sums profit across all open positions in one consistent read.
func (s *Store) TotalProfit() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, p := range s.positions {
		total += p.Profit
	}
	return total
}

// SymbolProfit sums profit for one symbol.
func (s *Store) SymbolProfit(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, p := range s.positions {
		if p.Symbol == symbol {
			total += p.Profit
		}
	}
	return total
}

// GroupProfit sums profit across a group's members.
func (s *Store) GroupProfit(groupID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return 0
	}
	var total float64
	for ticket := range g.Tickets {
		if p, ok := s.positions[ticket]; ok {
			total += p.Profit
		}
	}
	return total
}

// CreateGroup creates an empty scaling group and returns its opaque ID.
func (s *Store) CreateGroup(symbol string, side domain.Side, baseVolume float64) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.groups[id] = &domain.Group{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		BaseVolume: baseVolume,
		Tickets:    make(map[int64]struct{}),
	}
	s.mu.Unlock()

	s.log.Debug().Str("group_id", id).Str("symbol", symbol).Msg("Group created")
	return id
}

// SetGroupLevel records a group's scaling level. It returns false when the
// group does not exist.
func (s *Store) SetGroupLevel(groupID string, level int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return false
	}
	g.Level = level
	return true
}

// Group returns a copy of one group.
func (s *Store) Group(groupID string) (domain.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return domain.Group{}, false
	}
	return copyGroup(g), true
}

// GroupPositions returns copies of a group's member positions, ordered by
// ascending ticket (insertion order of a scaling plan).
func (s *Store) GroupPositions(groupID string) []domain.Position {
	s.mu.RLock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	out := make([]domain.Position, 0, len(g.Tickets))
	for ticket := range g.Tickets {
		if p, ok := s.positions[ticket]; ok {
			out = append(out, *p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Attach adds a position to a group. It returns false when the ticket does
// not exist or is already grouped.
func (s *Store) Attach(ticket int64, groupID string) bool {
	s.mu.Lock()
	p, ok := s.positions[ticket]
	if !ok || p.GroupID != "" {
		s.mu.Unlock()
		return false
	}
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	g.Tickets[ticket] = struct{}{}
	p.GroupID = groupID
	s.mu.Unlock()

	s.bus.Publish("positions", &events.PositionGroupedData{Ticket: ticket, GroupID: groupID})
	return true
}

// Detach removes a position from its group. Detaching an ungrouped or
// unknown ticket is a no-op.
func (s *Store) Detach(ticket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[ticket]
	if !ok || p.GroupID == "" {
		return
	}
	s.detachLocked(ticket, p.GroupID)
}

// detachLocked removes ticket from group and destroys the group when it
// empties. Caller holds the write lock.
func (s *Store) detachLocked(ticket int64, groupID string) {
	g, ok := s.groups[groupID]
	if !ok {
		return
	}
	delete(g.Tickets, ticket)
	if p, ok := s.positions[ticket]; ok {
		p.GroupID = ""
	}
	if len(g.Tickets) == 0 {
		delete(s.groups, groupID)
		s.log.Debug().Str("group_id", groupID).Msg("Group destroyed")
	}
}

// CanOpen checks the configured caps for a prospective order. groupID may be
// empty for ungrouped orders.
func (s *Store) CanOpen(symbol, groupID string) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.positions) >= s.caps.MaxTotal {
		return false, fmt.Sprintf("total position cap reached (%d)", s.caps.MaxTotal)
	}

	perSymbol := 0
	for _, p := range s.positions {
		if p.Symbol == symbol {
			perSymbol++
		}
	}
	if perSymbol >= s.caps.MaxPerSymbol {
		return false, fmt.Sprintf("per-symbol cap reached for %s (%d)", symbol, s.caps.MaxPerSymbol)
	}

	if groupID != "" {
		if g, ok := s.groups[groupID]; ok && len(g.Tickets) >= s.caps.MaxPerGroup {
			return false, fmt.Sprintf("per-group cap reached for %s (%d)", groupID, s.caps.MaxPerGroup)
		}
	}
	return true, ""
}

// stopsInverted reports an SL/TP ordering violation when both levels are
// set: a buy must satisfy sl < price < tp, a sell the mirror image.
func stopsInverted(p domain.Position) bool {
	if p.StopLoss == 0 || p.TakeProfit == 0 {
		return false
	}
	if p.Side == domain.SideBuy {
		return !(p.StopLoss < p.CurrentPrice && p.CurrentPrice < p.TakeProfit)
	}
	return !(p.TakeProfit < p.CurrentPrice && p.CurrentPrice < p.StopLoss)
}

func copyGroup(g *domain.Group) domain.Group {
	tickets := make(map[int64]struct{}, len(g.Tickets))
	for t := range g.Tickets {
		tickets[t] = struct{}{}
	}
	return domain.Group{
		ID:         g.ID,
		Symbol:     g.Symbol,
		Side:       g.Side,
		Level:      g.Level,
		BaseVolume: g.BaseVolume,
		Tickets:    tickets,
	}
}
