// Package main is the entry point for the marginbot trading engine. It
// wires the shared components, connects the broker bridge, registers the
// default event listeners and runs the control loop until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/avlonitis/marginbot/internal/broker"
	"github.com/avlonitis/marginbot/internal/config"
	"github.com/avlonitis/marginbot/internal/engine"
	"github.com/avlonitis/marginbot/internal/events"
	"github.com/avlonitis/marginbot/internal/indicators"
	"github.com/avlonitis/marginbot/internal/marketdata"
	"github.com/avlonitis/marginbot/internal/metrics"
	"github.com/avlonitis/marginbot/internal/positions"
	"github.com/avlonitis/marginbot/internal/risk"
	"github.com/avlonitis/marginbot/internal/trailing"
	"github.com/avlonitis/marginbot/internal/volatility"
	"github.com/avlonitis/marginbot/pkg/logger"
)

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})

	log.Info().Str("symbol", cfg.Trading.Symbol).Msg("Starting marginbot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(log)

	// Default listener: every event is rendered through the structured log.
	bus.SubscribeAll(func(event *events.Event) {
		log.Info().
			Str("event_type", string(event.Type)).
			Str("module", event.Module).
			Interface("data", event.Data).
			Msg("Event")
	})

	transport := newBridgeTransport(getEnv("MARGINBOT_BRIDGE_ADDR", "127.0.0.1:5555"))
	gw := broker.NewGateway(transport, broker.Config{
		Timeout:      cfg.Broker.Timeout(),
		ReadRetries:  cfg.Broker.ReadRetries,
		RetryBackoff: cfg.Broker.RetryBackoff(),
	}, log)

	cache := marketdata.New(gw, cfg.MarketData.MaxAge(), cfg.MarketData.OHLCCount, log)
	ind := indicators.New(cache, cfg.Indicators, log)
	store := positions.New(gw, bus, cfg.Positions, cfg.Execution.MagicNumber, log)

	sym := cfg.Symbol()
	vol := volatility.New(gw, cache, bus, cfg.Volatility, sym, log)
	trail := trailing.New(gw, store, bus, cfg.Trailing, sym, log)

	marginHandler := risk.NewMarginProtector(gw, store, bus, cfg.Risk.Margin, log)
	profitHandler := risk.NewProfitTargetHandler(gw, bus, cfg.Risk.ProfitTarget, log)
	stagnantHandler := risk.NewStagnantPositionHandler(gw, bus, cfg.Risk.Stagnant, sym, log)

	pipeline := risk.NewPipeline(store, log, marginHandler, profitHandler, stagnantHandler)
	pipeline.SetInterval(marginHandler.Name(), cfg.Risk.Margin.CheckInterval())
	pipeline.SetInterval(profitHandler.Name(), cfg.Risk.ProfitTarget.CheckInterval())
	pipeline.SetInterval(stagnantHandler.Name(), cfg.Risk.Stagnant.CheckInterval())

	var mtx *metrics.Set
	if cfg.Metrics.Enabled {
		mtx = metrics.New()
		go mtx.Serve(ctx, cfg.Metrics.Port, log)

		// Count closes by the module that published the PositionClosed event
		// (the position store's reconcile); the closing component is not
		// recorded.
		bus.Subscribe(events.PositionClosed, func(event *events.Event) {
			mtx.Closes.WithLabelValues(event.Module).Inc()
		})
	}

	controller := engine.New(engine.Deps{
		Config:  cfg,
		Bus:     bus,
		Gateway: gw,
		Cache:   cache,
		Ind:     ind,
		Store:   store,
		Vol:     vol,
		Trail:   trail,
		Risk:    pipeline,
		Metrics: mtx,
	}, log)

	// Shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := controller.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Engine stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("marginbot stopped")
}
