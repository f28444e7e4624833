package domain

import "time"

// AccountSnapshot is the broker account state as of one read.
type AccountSnapshot struct {
	Balance     float64
	Equity      float64
	Margin      float64
	FreeMargin  float64
	MarginLevel float64 // percent; 0 when no margin is in use
	ReadAt      time.Time
}
