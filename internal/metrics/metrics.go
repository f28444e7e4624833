// Package metrics exposes the engine's Prometheus instrumentation:
//
//   - engine_orders_total{side}        – market orders filled
//   - engine_order_rejections_total{reason} – submissions stopped at the choke point
//   - engine_closes_total{source}      – positions closed, by publishing module
//   - engine_reconciles_total          – reconciliation passes
//   - engine_errors_total{source}      – Error events published
//   - engine_open_positions            – current open position count (gauge)
//   - engine_equity                    – account equity (gauge)
//   - engine_margin_level              – account margin level percent (gauge)
//
// Served at /metrics in Prometheus text exposition format when enabled.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Set bundles the engine's collectors behind one registry.
type Set struct {
	Orders          *prometheus.CounterVec
	OrderRejections *prometheus.CounterVec
	Closes          *prometheus.CounterVec
	Reconciles      prometheus.Counter
	Errors          *prometheus.CounterVec
	OpenPositions   prometheus.Gauge
	Equity          prometheus.Gauge
	MarginLevel     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers the collector set.
func New() *Set {
	s := &Set{
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_orders_total", Help: "Market orders filled"},
			[]string{"side"},
		),
		OrderRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_order_rejections_total", Help: "Order submissions stopped at the choke point"},
			[]string{"reason"},
		),
		Closes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_closes_total", Help: "Positions closed, by publishing module"},
			[]string{"source"},
		),
		Reconciles: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "engine_reconciles_total", Help: "Reconciliation passes"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_errors_total", Help: "Error events published"},
			[]string{"source"},
		),
		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "engine_open_positions", Help: "Current open position count"},
		),
		Equity: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "engine_equity", Help: "Account equity"},
		),
		MarginLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "engine_margin_level", Help: "Account margin level percent"},
		),
		registry: prometheus.NewRegistry(),
	}

	s.registry.MustRegister(
		s.Orders, s.OrderRejections, s.Closes, s.Reconciles, s.Errors,
		s.OpenPositions, s.Equity, s.MarginLevel,
	)
	return s
}

// Serve runs the /metrics listener until ctx is cancelled.
func (s *Set) Serve(ctx context.Context, port int, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", port).Msg("Metrics listener started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}
