// Package config loads engine configuration.
//
// Configuration comes from three layers, lowest priority first:
// 1. Built-in defaults (Default)
// 2. A YAML file (optional, path given on the command line)
// 3. Environment variables (MARGINBOT_*), loaded through .env if present
//
// Env vars override the file so credentials and per-host tweaks never
// require editing the YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/avlonitis/marginbot/internal/domain"
)

// Config holds the full engine configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Broker     BrokerConfig     `yaml:"broker"`
	Trading    TradingConfig    `yaml:"trading"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Indicators IndicatorConfig  `yaml:"indicators"`
	Volatility VolatilityConfig `yaml:"volatility"`
	Risk       RiskConfig       `yaml:"risk"`
	Scaling    ScalingConfig    `yaml:"scaling"`
	Trailing   TrailingConfig   `yaml:"trailing"`
	Positions  PositionsConfig  `yaml:"positions"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Engine     EngineConfig     `yaml:"engine"`
}

// LogConfig controls the zerolog bootstrap.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// BrokerConfig controls the gateway.
type BrokerConfig struct {
	TimeoutMs      int `yaml:"timeout_ms"`
	ReadRetries    int `yaml:"read_retries"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

// Timeout returns the per-call budget.
func (c BrokerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryBackoff returns the linear backoff step.
func (c BrokerConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// TradingConfig selects the traded symbol and the control cadence.
type TradingConfig struct {
	Symbol            string  `yaml:"symbol"`
	PipSize           float64 `yaml:"pip_size"`
	Digits            int     `yaml:"digits"`
	LoopIntervalMs    int     `yaml:"loop_interval_ms"`
	FlattenOnShutdown bool    `yaml:"flatten_on_shutdown"`
}

// LoopInterval returns the control-tick cadence.
func (c TradingConfig) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalMs) * time.Millisecond
}

// MarketDataConfig controls the tick/OHLC cache and its refreshers.
type MarketDataConfig struct {
	Symbols              []string `yaml:"symbols"`
	Timeframes           []string `yaml:"timeframes"`
	UpdateIntervalMs     int      `yaml:"update_interval_ms"`
	OHLCUpdateIntervalMs int      `yaml:"ohlc_update_interval_ms"`
	OHLCCount            int      `yaml:"ohlc_count"`
	MaxAgeMs             int      `yaml:"max_age_ms"`
}

// UpdateInterval returns the tick refresher cadence.
func (c MarketDataConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}

// OHLCUpdateInterval returns the OHLC refresher cadence.
func (c MarketDataConfig) OHLCUpdateInterval() time.Duration {
	return time.Duration(c.OHLCUpdateIntervalMs) * time.Millisecond
}

// MaxAge returns the staleness bound for cache reads.
func (c MarketDataConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMs) * time.Millisecond
}

// IndicatorConfig holds the indicator timeframe and periods.
type IndicatorConfig struct {
	Timeframe    string  `yaml:"timeframe"`
	RSIPeriod    int     `yaml:"rsi_period"`
	MACDFast     int     `yaml:"macd_fast"`
	MACDSlow     int     `yaml:"macd_slow"`
	MACDSignal   int     `yaml:"macd_signal"`
	BollPeriod   int     `yaml:"boll_period"`
	BollStdDev   float64 `yaml:"boll_std_dev"`
	ADXPeriod    int     `yaml:"adx_period"`
	StochK       int     `yaml:"stoch_k"`
	StochD       int     `yaml:"stoch_d"`
	StochSlowing int     `yaml:"stoch_slowing"`
	ATRPeriod    int     `yaml:"atr_period"`
	EMAPeriod    int     `yaml:"ema_period"`
}

// VolatilityConfig controls ATR classification and SL/TP derivation.
type VolatilityConfig struct {
	Timeframe         string  `yaml:"timeframe"`
	Period            int     `yaml:"period"`
	LowThresholdPips  float64 `yaml:"low_threshold_pips"`
	HighThresholdPips float64 `yaml:"high_threshold_pips"`
	SLMultiplier      float64 `yaml:"sl_multiplier"`
	TPMultiplier      float64 `yaml:"tp_multiplier"`
	// Category-default pip distances, used when no live ATR is available.
	DefaultSLPips map[string]float64 `yaml:"default_sl_pips"`
	DefaultTPPips map[string]float64 `yaml:"default_tp_pips"`
}

// RiskConfig groups the risk-handler settings.
type RiskConfig struct {
	Margin       MarginRiskConfig   `yaml:"margin"`
	ProfitTarget ProfitTargetConfig `yaml:"profit_target"`
	Stagnant     StagnantConfig     `yaml:"stagnant"`
}

// MarginRiskConfig controls the margin protector.
type MarginRiskConfig struct {
	MinFreeMargin        float64 `yaml:"min_free_margin"`
	CriticalMarginLevel  float64 `yaml:"critical_margin_level"`
	WarningMarginLevel   float64 `yaml:"warning_margin_level"`
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
}

// CheckInterval returns the minimum time between margin evaluations.
func (c MarginRiskConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// ProfitTargetConfig controls the profit-target handler.
type ProfitTargetConfig struct {
	ProfitTargetPercent  float64 `yaml:"profit_target_percent"`
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
}

// CheckInterval returns the minimum time between profit-target evaluations.
func (c ProfitTargetConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// StagnantConfig controls the stagnant-position handler.
type StagnantConfig struct {
	MaxInactiveMinutes   int     `yaml:"max_inactive_minutes"`
	MinProfitPips        float64 `yaml:"min_profit_pips"`
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
}

// CheckInterval returns the minimum time between stagnancy evaluations.
func (c StagnantConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// ScalingConfig controls the scaling strategy.
type ScalingConfig struct {
	InitialPositions    int     `yaml:"initial_positions"`
	AdditionalPositions int     `yaml:"additional_positions"`
	TriggerPips         float64 `yaml:"trigger_pips"`
	BaseVolume          float64 `yaml:"base_volume"`
	LotIncrement        float64 `yaml:"lot_increment"`
	LotIncrementStep    int     `yaml:"lot_increment_step"`
	MaxPositions        int     `yaml:"max_positions"`
	MaxLevel            int     `yaml:"max_level"`
}

// TrailingConfig controls the trailing-stop manager.
type TrailingConfig struct {
	ActivationDistancePips float64 `yaml:"activation_distance_pips"`
	DistancePips           float64 `yaml:"distance_pips"`
	UpdateIntervalSeconds  int     `yaml:"update_interval_seconds"`
}

// UpdateInterval returns the minimum time between trailing passes.
func (c TrailingConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalSeconds) * time.Second
}

// PositionsConfig holds the open-position caps.
type PositionsConfig struct {
	MaxTotal     int `yaml:"max_total"`
	MaxPerSymbol int `yaml:"max_per_symbol"`
	MaxPerGroup  int `yaml:"max_per_group"`
}

// ExecutionConfig holds order-submission guards.
type ExecutionConfig struct {
	MaxSpreadPoints int   `yaml:"max_spread_points"`
	MagicNumber     int64 `yaml:"magic_number"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// EngineConfig holds control-loop knobs.
type EngineConfig struct {
	ShutdownGraceMs int `yaml:"shutdown_grace_ms"`
}

// ShutdownGrace returns how long shutdown waits for in-flight broker calls.
func (c EngineConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Pretty: true},
		Broker: BrokerConfig{
			TimeoutMs:      5000,
			ReadRetries:    3,
			RetryBackoffMs: 250,
		},
		Trading: TradingConfig{
			Symbol:         "EURUSD",
			PipSize:        0.0001,
			Digits:         5,
			LoopIntervalMs: 1000,
		},
		MarketData: MarketDataConfig{
			Symbols:              []string{"EURUSD"},
			Timeframes:           []string{"M5"},
			UpdateIntervalMs:     2000,
			OHLCUpdateIntervalMs: 10000,
			OHLCCount:            100,
			MaxAgeMs:             5000,
		},
		Indicators: IndicatorConfig{
			Timeframe:    "M5",
			RSIPeriod:    14,
			MACDFast:     12,
			MACDSlow:     26,
			MACDSignal:   9,
			BollPeriod:   20,
			BollStdDev:   2.0,
			ADXPeriod:    14,
			StochK:       5,
			StochD:       3,
			StochSlowing: 3,
			ATRPeriod:    14,
			EMAPeriod:    20,
		},
		Volatility: VolatilityConfig{
			Timeframe:         "M5",
			Period:            14,
			LowThresholdPips:  10,
			HighThresholdPips: 25,
			SLMultiplier:      1.5,
			TPMultiplier:      3.0,
			DefaultSLPips:     map[string]float64{"low": 15, "medium": 25, "high": 40},
			DefaultTPPips:     map[string]float64{"low": 30, "medium": 50, "high": 80},
		},
		Risk: RiskConfig{
			Margin: MarginRiskConfig{
				MinFreeMargin:        50,
				CriticalMarginLevel:  150,
				WarningMarginLevel:   200,
				CheckIntervalSeconds: 30,
			},
			ProfitTarget: ProfitTargetConfig{
				ProfitTargetPercent:  2.0,
				CheckIntervalSeconds: 60,
			},
			Stagnant: StagnantConfig{
				MaxInactiveMinutes:   240,
				MinProfitPips:        5,
				CheckIntervalSeconds: 300,
			},
		},
		Scaling: ScalingConfig{
			InitialPositions:    3,
			AdditionalPositions: 4,
			TriggerPips:         15,
			BaseVolume:          0.10,
			LotIncrement:        0.01,
			LotIncrementStep:    4,
			MaxPositions:        20,
			MaxLevel:            5,
		},
		Trailing: TrailingConfig{
			ActivationDistancePips: 15,
			DistancePips:           30,
			UpdateIntervalSeconds:  2,
		},
		Positions: PositionsConfig{
			MaxTotal:     30,
			MaxPerSymbol: 20,
			MaxPerGroup:  20,
		},
		Execution: ExecutionConfig{
			MaxSpreadPoints: 30,
			MagicNumber:     770031,
		},
		Metrics: MetricsConfig{Enabled: false, Port: 9109},
		Engine:  EngineConfig{ShutdownGraceMs: 3000},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, then validates it.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is fine
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MARGINBOT_* environment variables onto the config.
func (c *Config) applyEnv() {
	c.Log.Level = getEnv("MARGINBOT_LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvAsBool("MARGINBOT_LOG_PRETTY", c.Log.Pretty)
	c.Trading.Symbol = getEnv("MARGINBOT_SYMBOL", c.Trading.Symbol)
	c.Trading.LoopIntervalMs = getEnvAsInt("MARGINBOT_LOOP_INTERVAL_MS", c.Trading.LoopIntervalMs)
	c.Broker.TimeoutMs = getEnvAsInt("MARGINBOT_BROKER_TIMEOUT_MS", c.Broker.TimeoutMs)
	c.Execution.MagicNumber = int64(getEnvAsInt("MARGINBOT_MAGIC_NUMBER", int(c.Execution.MagicNumber)))
	c.Metrics.Enabled = getEnvAsBool("MARGINBOT_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Port = getEnvAsInt("MARGINBOT_METRICS_PORT", c.Metrics.Port)
}

// Validate checks cross-field consistency. It rejects configurations the
// engine cannot run safely rather than patching them up silently.
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if c.Trading.PipSize <= 0 {
		return fmt.Errorf("trading.pip_size must be positive")
	}
	if c.Trading.LoopIntervalMs <= 0 {
		return fmt.Errorf("trading.loop_interval_ms must be positive")
	}
	if c.MarketData.OHLCCount <= 0 {
		return fmt.Errorf("market_data.ohlc_count must be positive")
	}
	if c.Risk.Margin.WarningMarginLevel <= c.Risk.Margin.CriticalMarginLevel {
		return fmt.Errorf("risk.margin.warning_margin_level must exceed critical_margin_level")
	}
	if c.Volatility.HighThresholdPips <= c.Volatility.LowThresholdPips {
		return fmt.Errorf("volatility.high_threshold_pips must exceed low_threshold_pips")
	}
	if c.Scaling.InitialPositions <= 0 {
		return fmt.Errorf("scaling.initial_positions must be positive")
	}
	if c.Scaling.LotIncrementStep <= 0 {
		return fmt.Errorf("scaling.lot_increment_step must be positive")
	}
	if c.Scaling.MaxPositions <= 0 || c.Scaling.MaxLevel <= 0 {
		return fmt.Errorf("scaling.max_positions and scaling.max_level must be positive")
	}
	if c.Trailing.DistancePips <= 0 {
		return fmt.Errorf("trailing.distance_pips must be positive")
	}
	if c.Positions.MaxTotal <= 0 || c.Positions.MaxPerSymbol <= 0 || c.Positions.MaxPerGroup <= 0 {
		return fmt.Errorf("positions caps must be positive")
	}
	return nil
}

// Symbol returns the traded symbol's price geometry.
func (c *Config) Symbol() domain.Symbol {
	return domain.Symbol{
		Name:    c.Trading.Symbol,
		PipSize: c.Trading.PipSize,
		Digits:  c.Trading.Digits,
	}
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
