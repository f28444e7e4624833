package domain

import "time"

// IndicatorSnapshot is the set of indicator values for one symbol at one
// computation cycle. A snapshot is valid until the OHLC window it was
// derived from changes.
type IndicatorSnapshot struct {
	Symbol    string
	Timeframe Timeframe

	RSI        float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
	BollUpper  float64
	BollMiddle float64
	BollLower  float64
	ADX        float64
	StochK     float64
	StochD     float64
	ATR        float64
	Price      float64 // close of the last candle in the window

	ComputedAt time.Time
}
