// Package brokertest provides a scripted in-memory Transport for tests.
package brokertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avlonitis/marginbot/internal/broker"
)

// Call records one request seen by the fake transport.
type Call struct {
	Op   string
	Args map[string]any
}

// Transport is a scripted broker: tests register a handler per operation
// and inspect the recorded calls afterwards.
type Transport struct {
	mu       sync.Mutex
	handlers map[string]func(req broker.Request) (broker.Response, error)
	calls    []Call
}

// New creates an empty scripted transport. Operations without a handler
// fail with a transport error.
func New() *Transport {
	return &Transport{handlers: make(map[string]func(req broker.Request) (broker.Response, error))}
}

// On registers the handler for one operation.
func (t *Transport) On(op string, fn func(req broker.Request) (broker.Response, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[op] = fn
}

// Respond registers a fixed successful response for one operation.
func (t *Transport) Respond(op string, resp broker.Response) {
	t.On(op, func(broker.Request) (broker.Response, error) { return resp, nil })
}

// Fail registers a fixed error for one operation.
func (t *Transport) Fail(op string, err error) {
	t.On(op, func(broker.Request) (broker.Response, error) { return nil, err })
}

// Execute implements broker.Transport.
func (t *Transport) Execute(ctx context.Context, req broker.Request) (broker.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.calls = append(t.calls, Call{Op: req.Op, Args: req.Args})
	fn, ok := t.handlers[req.Op]
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no handler for %s: %w", req.Op, broker.ErrTransport)
	}
	return fn(req)
}

// Calls returns every recorded call, in order.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// CallsTo returns the recorded calls for one operation.
func (t *Transport) CallsTo(op string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times an operation was invoked.
func (t *Transport) CallCount(op string) int {
	return len(t.CallsTo(op))
}

// Reset clears the recorded calls, keeping the handlers.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

// AccountResponse builds a get_account_info response.
func AccountResponse(balance, equity, freeMargin, marginLevel float64) broker.Response {
	return broker.Response{
		"success": true,
		"account_info": map[string]any{
			"balance":      balance,
			"equity":       equity,
			"margin":       equity - freeMargin,
			"margin_free":  freeMargin,
			"margin_level": marginLevel,
		},
	}
}

// PositionEntry builds one element of a get_positions response.
func PositionEntry(ticket int64, symbol, side string, volume, openPrice, currentPrice, profit float64, openTime time.Time, magic int64) map[string]any {
	return map[string]any{
		"ticket":        ticket,
		"symbol":        symbol,
		"type":          side,
		"volume":        volume,
		"open_price":    openPrice,
		"open_time":     openTime.Format(time.RFC3339),
		"sl":            0.0,
		"tp":            0.0,
		"comment":       "",
		"magic":         magic,
		"current_price": currentPrice,
		"profit":        profit,
	}
}

// PositionsResponse builds a get_positions response from entries.
func PositionsResponse(entries ...map[string]any) broker.Response {
	list := make([]any, len(entries))
	for i, e := range entries {
		list[i] = e
	}
	return broker.Response{"success": true, "positions": list}
}

// CandleEntry builds one element of a get_market_data response.
func CandleEntry(openTime time.Time, open, high, low, closePrice, volume float64) map[string]any {
	return map[string]any{
		"open_time": openTime.Format(time.RFC3339),
		"open":      open,
		"high":      high,
		"low":       low,
		"close":     closePrice,
		"volume":    volume,
	}
}

// CandlesResponse builds a get_market_data response from entries.
func CandlesResponse(entries ...map[string]any) broker.Response {
	list := make([]any, len(entries))
	for i, e := range entries {
		list[i] = e
	}
	return broker.Response{"success": true, "data": list}
}

// TickResponse builds a get_tick response.
func TickResponse(bid, ask float64, at time.Time) broker.Response {
	return broker.Response{
		"success":   true,
		"bid":       bid,
		"ask":       ask,
		"timestamp": at.Format(time.RFC3339),
	}
}
