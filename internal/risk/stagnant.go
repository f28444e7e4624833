package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/config"
	"github.com/avlonitis/marginbot/internal/domain"
	"github.com/avlonitis/marginbot/internal/events"
)

// StagnantPositionHandler closes positions that have been open past the
// inactivity limit without reaching the minimum favorable distance. Both
// comparisons are strict: a position exactly at the age limit, or exactly
// at the minimum distance, survives.
type StagnantPositionHandler struct {
	gw  *broker.Gateway
	bus *events.Bus
	cfg config.StagnantConfig
	sym domain.Symbol
	log zerolog.Logger
	now func() time.Time
}

// NewStagnantPositionHandler creates the stagnant-position handler.
func NewStagnantPositionHandler(gw *broker.Gateway, bus *events.Bus, cfg config.StagnantConfig, sym domain.Symbol, log zerolog.Logger) *StagnantPositionHandler {
	return &StagnantPositionHandler{
		gw:  gw,
		bus: bus,
		cfg: cfg,
		sym: sym,
		log: log.With().Str("component", "risk.stagnant").Logger(),
		now: time.Now,
	}
}

// Name implements Handler.
func (h *StagnantPositionHandler) Name() string { return "stagnant_positions" }

// Priority implements Handler.
func (h *StagnantPositionHandler) Priority() Priority { return PriorityMedium }

// maxAge returns the inactivity limit.
func (h *StagnantPositionHandler) maxAge() time.Duration {
	return time.Duration(h.cfg.MaxInactiveMinutes) * time.Minute
}

// stagnant reports whether one position qualifies for closing. The distance
// comparison allows a tiny float tolerance so that a price exactly at the
// minimum (e.g. 1.20050 against 1.20000, which subtracts to 4.99999… pips)
// counts as at the minimum and survives.
func (h *StagnantPositionHandler) stagnant(p domain.Position, now time.Time) bool {
	return p.Age(now) > h.maxAge() && p.DistancePips(h.sym) < h.cfg.MinProfitPips-1e-9
}

// ShouldAct implements Handler.
func (h *StagnantPositionHandler) ShouldAct(acct domain.AccountSnapshot, open []domain.Position) bool {
	now := h.now()
	for _, p := range open {
		if h.stagnant(p, now) {
			return true
		}
	}
	return false
}

// Act closes exactly the stagnant positions.
func (h *StagnantPositionHandler) Act(ctx context.Context, acct domain.AccountSnapshot, open []domain.Position) (bool, error) {
	now := h.now()
	var closed []int64
	for _, p := range open {
		if ctx.Err() != nil {
			break
		}
		if !h.stagnant(p, now) {
			continue
		}
		profit, err := h.gw.ClosePosition(ctx, p.Ticket, 0)
		if err != nil {
			if len(closed) > 0 {
				h.bus.Publish("risk.stagnant", &events.StagnantClosedData{Tickets: closed})
			}
			return len(closed) > 0, err
		}
		closed = append(closed, p.Ticket)
		h.log.Info().
			Int64("ticket", p.Ticket).
			Float64("profit", profit).
			Dur("age", p.Age(now)).
			Msg("Closed stagnant position")
	}

	if len(closed) > 0 {
		h.bus.Publish("risk.stagnant", &events.StagnantClosedData{Tickets: closed})
		return true, nil
	}
	return false, nil
}

// AllowOpen never vetoes.
func (h *StagnantPositionHandler) AllowOpen(acct domain.AccountSnapshot, open []domain.Position, intent domain.OrderIntent) bool {
	return true
}
