package domain

import (
	"math"
	"time"
)

// Candle is one OHLC bar, immutable once observed.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Tick is the latest bid/ask quote for a symbol.
type Tick struct {
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// SpreadPoints expresses the ask-bid distance in tenths of a pip.
func (t Tick) SpreadPoints(sym Symbol) int {
	if sym.PipSize == 0 {
		return 0
	}
	return int(math.Round((t.Ask - t.Bid) / sym.PipSize * 10))
}

// Mid returns the quote midpoint.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}
