// Package risk runs the prioritized risk-handler pipeline. Handlers may
// close positions on their own authority and may veto any new order; they
// are consulted in descending priority on every control tick.
package risk

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/marginbot/internal/domain"
	"github.com/avlonitis/marginbot/internal/positions"
)

// Priority orders handler evaluation; higher runs first.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityHighest
)

// Handler is the capability every risk rule implements. No hierarchy:
// shared behavior lives in small helpers, not a base class.
type Handler interface {
	Name() string
	Priority() Priority

	// ShouldAct reports whether the handler wants to run Act this tick.
	ShouldAct(acct domain.AccountSnapshot, open []domain.Position) bool

	// Act performs the handler's protective action. It may close or modify
	// positions through the gateway. changed reports whether anything was
	// done.
	Act(ctx context.Context, acct domain.AccountSnapshot, open []domain.Position) (changed bool, err error)

	// AllowOpen is consulted before every new order; returning false
	// prevents the order.
	AllowOpen(acct domain.AccountSnapshot, open []domain.Position, intent domain.OrderIntent) bool
}

// accountObserver is an optional hook: handlers that keep sticky state
// (like the margin protector's safe state) get every fresh account
// snapshot, even on ticks where they take no action.
type accountObserver interface {
	ObserveAccount(acct domain.AccountSnapshot)
}

// Pipeline evaluates handlers in priority order.
type Pipeline struct {
	store     *positions.Store
	handlers  []Handler // sorted by descending priority, stable
	intervals map[string]time.Duration
	lastRun   map[string]time.Time
	log       zerolog.Logger
	now       func() time.Time
}

// NewPipeline creates a pipeline over the given handlers. Registration
// order breaks priority ties.
func NewPipeline(store *positions.Store, log zerolog.Logger, handlers ...Handler) *Pipeline {
	sorted := make([]Handler, len(handlers))
	copy(sorted, handlers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Pipeline{
		store:     store,
		handlers:  sorted,
		intervals: make(map[string]time.Duration),
		lastRun:   make(map[string]time.Time),
		log:       log.With().Str("component", "risk").Logger(),
		now:       time.Now,
	}
}

// SetInterval rate-limits one handler's ShouldAct/Act evaluation. Veto
// queries are never rate-limited.
func (p *Pipeline) SetInterval(name string, interval time.Duration) {
	p.intervals[name] = interval
}

// Evaluate runs one pipeline pass. Each handler gets a fresh read of the
// store's account snapshot and position list, so an account refresh made by
// an earlier handler is visible to later ones; positions an earlier handler
// closed stay in the list until the next reconcile.
func (p *Pipeline) Evaluate(ctx context.Context) {
	for _, h := range p.handlers {
		if ctx.Err() != nil {
			return
		}

		acct := p.store.Account()
		open := p.store.All()

		if obs, ok := h.(accountObserver); ok {
			obs.ObserveAccount(acct)
		}

		if iv, ok := p.intervals[h.Name()]; ok && iv > 0 {
			if p.now().Sub(p.lastRun[h.Name()]) < iv {
				continue
			}
		}

		if !h.ShouldAct(acct, open) {
			continue
		}
		p.lastRun[h.Name()] = p.now()

		changed, err := h.Act(ctx, acct, open)
		if err != nil {
			p.log.Error().
				Err(err).
				Str("handler", h.Name()).
				Msg("Risk handler action failed")
			continue
		}
		if changed {
			p.log.Info().Str("handler", h.Name()).Msg("Risk handler acted")
		}
	}
}

// AllowOpen consults every handler; the first refusal wins. The returned
// name identifies the refusing handler for the rejection log.
func (p *Pipeline) AllowOpen(intent domain.OrderIntent) (bool, string) {
	acct := p.store.Account()
	open := p.store.All()

	for _, h := range p.handlers {
		if !h.AllowOpen(acct, open, intent) {
			return false, h.Name()
		}
	}
	return true, ""
}

// Handlers exposes the evaluation order, for diagnostics and tests.
func (p *Pipeline) Handlers() []Handler {
	out := make([]Handler, len(p.handlers))
	copy(out, p.handlers)
	return out
}
