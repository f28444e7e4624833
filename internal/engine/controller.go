// Package engine drives the trading control plane: one logical controller
// runs the six-stage tick over the shared components, every new order
// passes through a single choke point, and shutdown cancels the background
// refreshers before abandoning in-flight broker calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/config"
	"github.com/avlonitis/marginbot/internal/domain"
	"github.com/avlonitis/marginbot/internal/events"
	"github.com/avlonitis/marginbot/internal/indicators"
	"github.com/avlonitis/marginbot/internal/marketdata"
	"github.com/avlonitis/marginbot/internal/metrics"
	"github.com/avlonitis/marginbot/internal/positions"
	"github.com/avlonitis/marginbot/internal/risk"
	"github.com/avlonitis/marginbot/internal/scaling"
	"github.com/avlonitis/marginbot/internal/scheduler"
	"github.com/avlonitis/marginbot/internal/trailing"
	"github.com/avlonitis/marginbot/internal/volatility"
)

// ErrVetoed is returned by Submit when a risk handler refuses the order.
var ErrVetoed = errors.New("engine: order vetoed")

// ErrCapped is returned by Submit when a position cap refuses the order.
var ErrCapped = errors.New("engine: position cap reached")

// ErrSpread is returned by Submit when the spread guard refuses the order.
var ErrSpread = errors.New("engine: spread too wide")

// Controller owns the control loop and the order choke point.
type Controller struct {
	cfg   *config.Config
	sym   domain.Symbol
	log   zerolog.Logger
	bus   *events.Bus
	gw    *broker.Gateway
	cache *marketdata.Cache
	ind   *indicators.Engine
	store *positions.Store
	vol   *volatility.Manager
	trail *trailing.Manager
	scale *scaling.Strategy
	risk  *risk.Pipeline
	mtx   *metrics.Set // nil when metrics are disabled

	halted atomic.Bool // set on invariant violation; no further orders
}

// Deps bundles the constructor arguments.
type Deps struct {
	Config  *config.Config
	Bus     *events.Bus
	Gateway *broker.Gateway
	Cache   *marketdata.Cache
	Ind     *indicators.Engine
	Store   *positions.Store
	Vol     *volatility.Manager
	Trail   *trailing.Manager
	Risk    *risk.Pipeline
	Metrics *metrics.Set
}

// New wires a controller. The scaling strategy is created here because it
// submits through the controller's choke point.
func New(deps Deps, log zerolog.Logger) *Controller {
	c := &Controller{
		cfg:   deps.Config,
		sym:   deps.Config.Symbol(),
		log:   log.With().Str("component", "engine").Logger(),
		bus:   deps.Bus,
		gw:    deps.Gateway,
		cache: deps.Cache,
		ind:   deps.Ind,
		store: deps.Store,
		vol:   deps.Vol,
		trail: deps.Trail,
		risk:  deps.Risk,
		mtx:   deps.Metrics,
	}
	c.scale = scaling.New(deps.Store, deps.Vol, c, deps.Bus, deps.Config.Scaling, c.sym, log)
	return c
}

// Scaling exposes the strategy, mainly for tests.
func (c *Controller) Scaling() *scaling.Strategy { return c.scale }

// Run executes the control loop until ctx is cancelled or an invariant
// violation halts the engine.
func (c *Controller) Run(ctx context.Context) error {
	sched := scheduler.New(ctx, c.log)
	if err := c.registerRefreshers(sched); err != nil {
		return fmt.Errorf("register refreshers: %w", err)
	}
	sched.Start()

	interval := c.cfg.Trading.LoopInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info().
		Str("symbol", c.sym.Name).
		Dur("interval", interval).
		Msg("Control loop started")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				if errors.Is(err, broker.ErrInvariant) {
					c.halted.Store(true)
					c.publishError("engine", err)
					c.log.Error().Err(err).Msg("Invariant violated, halting engine")
					runErr = err
					break loop
				}
				if errors.Is(err, broker.ErrCancelled) {
					break loop
				}
				// The tick stage was abandoned; the loop survives.
				c.publishError("engine", err)
				c.log.Warn().Err(err).Msg("Tick aborted")
			}
		}
	}

	c.shutdown(sched)
	return runErr
}

// registerRefreshers installs the background market-data pollers.
func (c *Controller) registerRefreshers(sched *scheduler.Scheduler) error {
	md := c.cfg.MarketData
	for _, symbol := range md.Symbols {
		symbol := symbol
		job := scheduler.JobFunc{
			JobName: "tick_refresh:" + symbol,
			Fn: func(ctx context.Context) error {
				return c.cache.BackgroundRefreshTick(ctx, symbol)
			},
		}
		if err := sched.AddEvery(md.UpdateInterval(), job); err != nil {
			return err
		}

		for _, tf := range md.Timeframes {
			timeframe := domain.Timeframe(tf)
			job := scheduler.JobFunc{
				JobName: fmt.Sprintf("ohlc_refresh:%s:%s", symbol, timeframe),
				Fn: func(ctx context.Context) error {
					return c.cache.BackgroundRefreshOHLC(ctx, symbol, timeframe)
				},
			}
			if err := sched.AddEvery(md.OHLCUpdateInterval(), job); err != nil {
				return err
			}
		}
	}
	return nil
}

// tick runs the six stages in their fixed order. The cancellation signal
// is checked at every stage boundary.
func (c *Controller) tick(ctx context.Context) error {
	// Stage 1: reconcile positions and account.
	if err := c.store.Reconcile(ctx); err != nil {
		return err
	}
	if c.mtx != nil {
		c.mtx.Reconciles.Inc()
	}
	c.scale.FlushPending()
	c.observeGauges()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("tick: %w", broker.ErrCancelled)
	}

	// Stage 2: refresh volatility classes.
	for _, symbol := range c.cfg.MarketData.Symbols {
		if err := c.vol.Refresh(ctx, symbol); err != nil {
			c.publishError("volatility", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("tick: %w", broker.ErrCancelled)
	}

	// Stage 3: refresh indicator snapshots.
	timeframe := domain.Timeframe(c.cfg.Indicators.Timeframe)
	for _, symbol := range c.cfg.MarketData.Symbols {
		if _, err := c.ind.Snapshot(ctx, symbol, timeframe); err != nil {
			c.publishError("indicators", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("tick: %w", broker.ErrCancelled)
	}

	// Stage 4: risk pipeline.
	c.risk.Evaluate(ctx)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("tick: %w", broker.ErrCancelled)
	}

	// Stage 5: trailing stops.
	c.trail.Update(ctx)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("tick: %w", broker.ErrCancelled)
	}

	// Stage 6: scaling strategy.
	c.maybeStartPlan(ctx)
	for _, groupID := range c.scale.ActivePlans() {
		c.scale.Evaluate(ctx, groupID)
	}
	return nil
}

// maybeStartPlan opens a new scaling plan when none is running and the
// indicator snapshot produces an entry signal.
func (c *Controller) maybeStartPlan(ctx context.Context) {
	if c.scale.HasOpenPlan() {
		return
	}
	if n := len(c.store.All()); n > 0 {
		// Positions from a previous plan (or manual ones) still open.
		return
	}

	snap, err := c.ind.Snapshot(ctx, c.sym.Name, domain.Timeframe(c.cfg.Indicators.Timeframe))
	if err != nil {
		return
	}
	side, ok := entrySignal(snap)
	if !ok {
		return
	}

	tick, err := c.cache.Tick(ctx, c.sym.Name)
	if err != nil {
		c.publishError("engine", err)
		return
	}
	anchor := tick.Ask
	if side == domain.SideSell {
		anchor = tick.Bid
	}
	c.scale.StartPlan(side, anchor)
}

// entrySignal derives a direction from the indicator snapshot. Momentum
// and mean location have to agree, and RSI must leave room before the
// overbought/oversold band.
func entrySignal(snap *domain.IndicatorSnapshot) (domain.Side, bool) {
	switch {
	case snap.MACDHist > 0 && snap.Price > snap.BollMiddle && snap.RSI < 70:
		return domain.SideBuy, true
	case snap.MACDHist < 0 && snap.Price < snap.BollMiddle && snap.RSI > 30:
		return domain.SideSell, true
	}
	return "", false
}

// Submit is the single choke point for new orders: risk veto first, then
// position caps, then the spread guard, then the broker. Any refusal
// aborts the submission with a structured reason.
func (c *Controller) Submit(ctx context.Context, intent domain.OrderIntent) (broker.OrderResult, error) {
	if c.halted.Load() {
		return broker.OrderResult{}, fmt.Errorf("submit: engine halted: %w", broker.ErrInvariant)
	}
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, fmt.Errorf("submit: %w", broker.ErrCancelled)
	}

	if allowed, by := c.risk.AllowOpen(intent); !allowed {
		c.reject(intent, "risk_veto", by)
		return broker.OrderResult{}, fmt.Errorf("%w by %s", ErrVetoed, by)
	}

	if allowed, reason := c.store.CanOpen(intent.Symbol, intent.GroupID); !allowed {
		c.reject(intent, "position_cap", reason)
		return broker.OrderResult{}, fmt.Errorf("%w: %s", ErrCapped, reason)
	}

	spread, err := c.cache.Spread(ctx, intent.Symbol)
	if err != nil {
		return broker.OrderResult{}, err
	}
	if spread > c.cfg.Execution.MaxSpreadPoints {
		c.reject(intent, "spread", fmt.Sprintf("%d > %d points", spread, c.cfg.Execution.MaxSpreadPoints))
		return broker.OrderResult{}, fmt.Errorf("%w: %d points", ErrSpread, spread)
	}

	result, err := c.gw.MarketOrder(ctx, broker.OrderRequest{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Volume:     intent.Volume,
		StopLoss:   intent.StopLoss,
		TakeProfit: intent.TakeProfit,
		Comment:    intent.Comment,
		Magic:      c.cfg.Execution.MagicNumber,
	})
	if err != nil {
		return broker.OrderResult{}, err
	}

	if c.mtx != nil {
		c.mtx.Orders.WithLabelValues(string(intent.Side)).Inc()
	}
	return result, nil
}

// reject logs a structured submission refusal.
func (c *Controller) reject(intent domain.OrderIntent, kind, detail string) {
	c.log.Warn().
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Float64("volume", intent.Volume).
		Str("group_id", intent.GroupID).
		Str("reason", kind).
		Str("detail", detail).
		Msg("Order submission rejected")
	if c.mtx != nil {
		c.mtx.OrderRejections.WithLabelValues(kind).Inc()
	}
}

// observeGauges pushes store state into the metric gauges.
func (c *Controller) observeGauges() {
	if c.mtx == nil {
		return
	}
	acct := c.store.Account()
	c.mtx.OpenPositions.Set(float64(c.store.Count()))
	c.mtx.Equity.Set(acct.Equity)
	c.mtx.MarginLevel.Set(acct.MarginLevel)
}

// publishError emits a structured Error event.
func (c *Controller) publishError(source string, err error) {
	c.bus.Publish(source, &events.ErrorEventData{
		Source:  source,
		Message: err.Error(),
	})
	if c.mtx != nil {
		c.mtx.Errors.WithLabelValues(source).Inc()
	}
}

// shutdown stops the background refreshers, waiting up to the grace period
// before abandoning them, and optionally flattens the book.
func (c *Controller) shutdown(sched *scheduler.Scheduler) {
	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	grace := c.cfg.Engine.ShutdownGrace()
	select {
	case <-done:
	case <-time.After(grace):
		c.log.Warn().Dur("grace", grace).Msg("Abandoning in-flight broker calls")
	}

	if c.cfg.Trading.FlattenOnShutdown && !c.halted.Load() {
		flattenCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		result, err := c.gw.CloseAllPositions(flattenCtx, c.sym.Name, c.cfg.Execution.MagicNumber)
		if err != nil {
			c.log.Error().Err(err).Msg("Flatten on shutdown failed")
		} else if result.Closed > 0 {
			c.log.Info().
				Int("closed", result.Closed).
				Float64("total_profit", result.TotalProfit).
				Msg("Flattened on shutdown")
		}
	}

	c.log.Info().Msg("Control loop stopped")
}
