// Package broker is the typed facade over the external command transport.
// It is the only component that talks to the outside world: it validates
// arguments, applies per-call timeouts, retries idempotent reads, and
// normalizes the on-the-wire result shape into the internal domain types.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/marginbot/internal/domain"
)

// Config holds gateway behavior knobs.
type Config struct {
	Timeout      time.Duration // per-call budget
	ReadRetries  int           // extra attempts for idempotent reads
	RetryBackoff time.Duration // linear backoff step between read attempts
}

// OrderRequest describes a market order to submit.
type OrderRequest struct {
	Symbol     string
	Side       domain.Side
	Volume     float64
	StopLoss   float64 // 0 = none
	TakeProfit float64 // 0 = none
	Comment    string
	Magic      int64
}

// OrderResult is the broker's confirmation of a filled market order.
type OrderResult struct {
	Ticket int64
	Price  float64
}

// CloseAllResult summarizes a bulk close.
type CloseAllResult struct {
	Closed      int
	TotalProfit float64
}

// Gateway exposes the strongly-typed operation set over a Transport.
// Requests are serialized: the broker side is a single logical session.
type Gateway struct {
	transport Transport
	cfg       Config
	log       zerolog.Logger

	mu sync.Mutex // serializes Execute calls
}

// NewGateway creates a gateway over the given transport.
func NewGateway(transport Transport, cfg Config, log zerolog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Gateway{
		transport: transport,
		cfg:       cfg,
		log:       log.With().Str("component", "broker").Logger(),
	}
}

// execute runs one request with the configured timeout, translating
// context errors into the gateway taxonomy and success=false into a
// rejection.
func (g *Gateway) execute(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Op, ErrCancelled)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	g.mu.Lock()
	resp, err := g.transport.Execute(callCtx, req)
	g.mu.Unlock()

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%s: %w", req.Op, ErrTimeout)
		case errors.Is(err, context.Canceled):
			return nil, fmt.Errorf("%s: %w", req.Op, ErrCancelled)
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrTransport):
			return nil, fmt.Errorf("%s: %w", req.Op, err)
		default:
			return nil, fmt.Errorf("%s: %v: %w", req.Op, err, ErrTransport)
		}
	}
	if resp == nil {
		return nil, fmt.Errorf("%s: nil response: %w", req.Op, ErrMalformed)
	}
	if !resp.success() {
		return nil, &RejectedError{Op: req.Op, Reason: resp.errorReason()}
	}
	return resp, nil
}

// executeRead is execute plus linear-backoff retries on transport and
// timeout failures. Only idempotent reads go through here; writes are
// never retried.
func (g *Gateway) executeRead(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	attempts := 1 + g.cfg.ReadRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * g.cfg.RetryBackoff
			g.log.Debug().
				Str("op", req.Op).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("Retrying read operation")
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", req.Op, ErrCancelled)
			case <-time.After(backoff):
			}
		}
		resp, err := g.execute(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// AccountInfo reads the current account snapshot.
func (g *Gateway) AccountInfo(ctx context.Context) (domain.AccountSnapshot, error) {
	resp, err := g.executeRead(ctx, Request{Op: "get_account_info"})
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	switch m := resp["account_info"].(type) {
	case Response:
		return decodeAccount(m)
	case map[string]any:
		return decodeAccount(Response(m))
	}
	return domain.AccountSnapshot{}, fmt.Errorf("get_account_info: missing account_info: %w", ErrMalformed)
}

func decodeAccount(m Response) (domain.AccountSnapshot, error) {
	const op = "get_account_info"
	balance, err := m.float(op, "balance")
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	equity, err := m.float(op, "equity")
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	freeMargin, err := m.float(op, "margin_free")
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	marginLevel, err := m.float(op, "margin_level")
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	return domain.AccountSnapshot{
		Balance:     balance,
		Equity:      equity,
		Margin:      m.floatOr("margin", equity-freeMargin),
		FreeMargin:  freeMargin,
		MarginLevel: marginLevel,
		ReadAt:      time.Now(),
	}, nil
}

// Positions reads the open position list. An empty symbol reads every
// position on the account.
//
// A malformed entry (missing open_time, unknown side, wrong types) does not
// poison the read: that entry is skipped and its decode error is returned in
// skipped, while every well-formed position is still decoded. The caller
// turns skipped entries into Error events; they are never silently dropped.
func (g *Gateway) Positions(ctx context.Context, symbol string) (positions []domain.Position, skipped []error, err error) {
	args := map[string]any{}
	if symbol != "" {
		args["symbol"] = symbol
	}
	resp, err := g.executeRead(ctx, Request{Op: "get_positions", Args: args})
	if err != nil {
		return nil, nil, err
	}
	items, err := resp.list("get_positions", "positions")
	if err != nil {
		return nil, nil, err
	}

	positions = make([]domain.Position, 0, len(items))
	for _, item := range items {
		pos, derr := decodePosition(item)
		if derr != nil {
			g.log.Warn().Err(derr).Msg("Skipping malformed position entry")
			skipped = append(skipped, derr)
			continue
		}
		positions = append(positions, pos)
	}
	return positions, skipped, nil
}

func decodePosition(m Response) (domain.Position, error) {
	const op = "get_positions"
	ticket, err := m.integer(op, "ticket")
	if err != nil {
		return domain.Position{}, err
	}
	symbol, err := m.str(op, "symbol")
	if err != nil {
		return domain.Position{}, err
	}
	kind, err := m.str(op, "type")
	if err != nil {
		return domain.Position{}, err
	}
	var side domain.Side
	switch kind {
	case "buy":
		side = domain.SideBuy
	case "sell":
		side = domain.SideSell
	default:
		return domain.Position{}, fmt.Errorf("%s: ticket %d has type %q: %w", op, ticket, kind, ErrMalformed)
	}
	volume, err := m.float(op, "volume")
	if err != nil {
		return domain.Position{}, err
	}
	openPrice, err := m.float(op, "open_price")
	if err != nil {
		return domain.Position{}, err
	}
	openTime, err := m.timestamp(op, "open_time")
	if err != nil {
		return domain.Position{}, err
	}
	currentPrice, err := m.float(op, "current_price")
	if err != nil {
		return domain.Position{}, err
	}
	profit, err := m.float(op, "profit")
	if err != nil {
		return domain.Position{}, err
	}
	magic, err := m.integer(op, "magic")
	if err != nil {
		return domain.Position{}, err
	}
	return domain.Position{
		Ticket:       ticket,
		Symbol:       symbol,
		Side:         side,
		Volume:       volume,
		OpenPrice:    openPrice,
		OpenTime:     openTime,
		Magic:        magic,
		Comment:      m.strOr("comment", ""),
		StopLoss:     m.floatOr("sl", 0),
		TakeProfit:   m.floatOr("tp", 0),
		CurrentPrice: currentPrice,
		Profit:       profit,
	}, nil
}

// MarketOrder submits a market buy or sell. Never retried.
func (g *Gateway) MarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	op := "market_buy"
	if req.Side == domain.SideSell {
		op = "market_sell"
	}
	if req.Symbol == "" || req.Volume <= 0 {
		return OrderResult{}, fmt.Errorf("%s: symbol %q volume %v: %w", op, req.Symbol, req.Volume, ErrInvariant)
	}

	args := map[string]any{
		"symbol": req.Symbol,
		"volume": req.Volume,
	}
	if req.StopLoss != 0 {
		args["sl"] = req.StopLoss
	}
	if req.TakeProfit != 0 {
		args["tp"] = req.TakeProfit
	}
	if req.Comment != "" {
		args["comment"] = req.Comment
	}
	if req.Magic != 0 {
		args["magic"] = req.Magic
	}

	resp, err := g.execute(ctx, Request{Op: op, Args: args})
	if err != nil {
		return OrderResult{}, err
	}
	ticket, err := resp.integer(op, "ticket")
	if err != nil {
		return OrderResult{}, err
	}
	price, err := resp.float(op, "price")
	if err != nil {
		return OrderResult{}, err
	}

	g.log.Info().
		Str("op", op).
		Str("symbol", req.Symbol).
		Float64("volume", req.Volume).
		Int64("ticket", ticket).
		Float64("price", price).
		Msg("Order filled")

	return OrderResult{Ticket: ticket, Price: price}, nil
}

// ModifyPosition updates SL and/or TP on an open position. Never retried.
// Passing nil leaves the corresponding level unchanged.
func (g *Gateway) ModifyPosition(ctx context.Context, ticket int64, sl, tp *float64) error {
	if sl == nil && tp == nil {
		return fmt.Errorf("modify_position: no levels given: %w", ErrInvariant)
	}
	args := map[string]any{"ticket": ticket}
	if sl != nil {
		args["sl"] = *sl
	}
	if tp != nil {
		args["tp"] = *tp
	}
	_, err := g.execute(ctx, Request{Op: "modify_position", Args: args})
	return err
}

// ClosePosition closes one position (fully, or partially when volume > 0)
// and returns the realized profit. Never retried.
func (g *Gateway) ClosePosition(ctx context.Context, ticket int64, volume float64) (float64, error) {
	args := map[string]any{"ticket": ticket}
	if volume > 0 {
		args["volume"] = volume
	}
	resp, err := g.execute(ctx, Request{Op: "close_position", Args: args})
	if err != nil {
		return 0, err
	}
	return resp.float("close_position", "profit")
}

// CloseAllPositions closes every matching position in one broker call.
// Never retried.
func (g *Gateway) CloseAllPositions(ctx context.Context, symbol string, magic int64) (CloseAllResult, error) {
	args := map[string]any{}
	if symbol != "" {
		args["symbol"] = symbol
	}
	if magic != 0 {
		args["magic"] = magic
	}
	resp, err := g.execute(ctx, Request{Op: "close_all_positions", Args: args})
	if err != nil {
		return CloseAllResult{}, err
	}
	closed, err := resp.integer("close_all_positions", "closed_positions")
	if err != nil {
		return CloseAllResult{}, err
	}
	total, err := resp.float("close_all_positions", "total_profit")
	if err != nil {
		return CloseAllResult{}, err
	}
	return CloseAllResult{Closed: int(closed), TotalProfit: total}, nil
}

// CheckSpread reads the current spread for a symbol, in points.
func (g *Gateway) CheckSpread(ctx context.Context, symbol string) (int, error) {
	resp, err := g.executeRead(ctx, Request{Op: "check_spread", Args: map[string]any{"symbol": symbol}})
	if err != nil {
		return 0, err
	}
	spread, err := resp.integer("check_spread", "spread")
	if err != nil {
		return 0, err
	}
	return int(spread), nil
}

// Volatility reads the broker-computed volatility (ATR, in price units).
func (g *Gateway) Volatility(ctx context.Context, symbol string, timeframe domain.Timeframe, period int) (float64, error) {
	resp, err := g.executeRead(ctx, Request{Op: "calculate_volatility", Args: map[string]any{
		"symbol":    symbol,
		"timeframe": string(timeframe),
		"period":    period,
	}})
	if err != nil {
		return 0, err
	}
	return resp.float("calculate_volatility", "volatility")
}

// MarketData reads the most recent OHLC candles, oldest first.
func (g *Gateway) MarketData(ctx context.Context, symbol string, timeframe domain.Timeframe, count int) ([]domain.Candle, error) {
	args := map[string]any{"symbol": symbol}
	if timeframe != "" {
		args["timeframe"] = string(timeframe)
	}
	if count > 0 {
		args["count"] = count
	}
	resp, err := g.executeRead(ctx, Request{Op: "get_market_data", Args: args})
	if err != nil {
		return nil, err
	}
	items, err := resp.list("get_market_data", "data")
	if err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(items))
	for _, item := range items {
		c, err := decodeCandle(item)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func decodeCandle(m Response) (domain.Candle, error) {
	const op = "get_market_data"
	openTime, err := m.timestamp(op, "open_time")
	if err != nil {
		return domain.Candle{}, err
	}
	open, err := m.float(op, "open")
	if err != nil {
		return domain.Candle{}, err
	}
	high, err := m.float(op, "high")
	if err != nil {
		return domain.Candle{}, err
	}
	low, err := m.float(op, "low")
	if err != nil {
		return domain.Candle{}, err
	}
	closePrice, err := m.float(op, "close")
	if err != nil {
		return domain.Candle{}, err
	}
	return domain.Candle{
		OpenTime: openTime,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   m.floatOr("volume", 0),
	}, nil
}

// Tick reads the current quote for a symbol through the get_tick operation,
// whose response carries bid, ask and timestamp fields.
func (g *Gateway) Tick(ctx context.Context, symbol string) (domain.Tick, error) {
	resp, err := g.executeRead(ctx, Request{Op: "get_tick", Args: map[string]any{"symbol": symbol}})
	if err != nil {
		return domain.Tick{}, err
	}
	bid, err := resp.float("get_tick", "bid")
	if err != nil {
		return domain.Tick{}, err
	}
	ask, err := resp.float("get_tick", "ask")
	if err != nil {
		return domain.Tick{}, err
	}
	ts, err := resp.timestamp("get_tick", "timestamp")
	if err != nil {
		return domain.Tick{}, err
	}
	return domain.Tick{Bid: bid, Ask: ask, Timestamp: ts}, nil
}
