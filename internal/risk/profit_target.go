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
)

// ProfitTargetHandler realizes the account-level profit target: once open
// profit reaches the configured percentage of balance, everything is closed,
// best performers first, and new opens are refused until the wave is done.
type ProfitTargetHandler struct {
	gw  *broker.Gateway
	bus *events.Bus
	cfg config.ProfitTargetConfig
	log zerolog.Logger

	announced atomic.Bool // ProfitTargetReached emitted for the current wave
}

// NewProfitTargetHandler creates the profit-target handler.
func NewProfitTargetHandler(gw *broker.Gateway, bus *events.Bus, cfg config.ProfitTargetConfig, log zerolog.Logger) *ProfitTargetHandler {
	return &ProfitTargetHandler{
		gw:  gw,
		bus: bus,
		cfg: cfg,
		log: log.With().Str("component", "risk.profit_target").Logger(),
	}
}

// Name implements Handler.
func (h *ProfitTargetHandler) Name() string { return "profit_target" }

// Priority implements Handler.
func (h *ProfitTargetHandler) Priority() Priority { return PriorityHigh }

// target returns the absolute profit target for the given balance.
func (h *ProfitTargetHandler) target(balance float64) float64 {
	return balance * h.cfg.ProfitTargetPercent / 100
}

func totalProfit(open []domain.Position) float64 {
	var total float64
	for _, p := range open {
		total += p.Profit
	}
	return total
}

// ShouldAct implements Handler.
func (h *ProfitTargetHandler) ShouldAct(acct domain.AccountSnapshot, open []domain.Position) bool {
	if len(open) == 0 {
		h.announced.Store(false)
		return false
	}
	met := totalProfit(open) >= h.target(acct.Balance)
	if !met {
		h.announced.Store(false)
	}
	return met
}

// Act closes every open position in descending profit order, banking the
// winners before the laggards can give profit back.
func (h *ProfitTargetHandler) Act(ctx context.Context, acct domain.AccountSnapshot, open []domain.Position) (bool, error) {
	total := totalProfit(open)
	if h.announced.CompareAndSwap(false, true) {
		h.bus.Publish("risk.profit_target", &events.ProfitTargetReachedData{
			TotalProfit: total,
			Target:      h.target(acct.Balance),
		})
		h.log.Info().
			Float64("total_profit", total).
			Float64("target", h.target(acct.Balance)).
			Msg("Profit target reached")
	}

	queue := make([]domain.Position, len(open))
	copy(queue, open)
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].Profit > queue[j].Profit })

	closed := 0
	for _, p := range queue {
		if ctx.Err() != nil {
			break
		}
		if _, err := h.gw.ClosePosition(ctx, p.Ticket, 0); err != nil {
			// Remaining closes retried next tick; the threshold will still
			// hold if the profit is still on the table.
			return closed > 0, err
		}
		closed++
	}
	return closed > 0, nil
}

// AllowOpen refuses new orders while the target is currently met, so the
// close-out wave is not diluted by fresh exposure.
func (h *ProfitTargetHandler) AllowOpen(acct domain.AccountSnapshot, open []domain.Position, intent domain.OrderIntent) bool {
	if len(open) == 0 {
		return true
	}
	return totalProfit(open) < h.target(acct.Balance)
}
