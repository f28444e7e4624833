package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/avlonitis/marginbot/internal/broker"
)

// bridgeTransport speaks newline-delimited JSON to the terminal bridge:
// one request object out, one response object back, in order. The broker
// protocol itself lives entirely on the far side of the socket.
type bridgeTransport struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func newBridgeTransport(addr string) *bridgeTransport {
	return &bridgeTransport{addr: addr}
}

type bridgeRequest struct {
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`
}

// Execute implements broker.Transport.
func (t *bridgeTransport) Execute(ctx context.Context, req broker.Request) (broker.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConn(ctx); err != nil {
		return nil, fmt.Errorf("bridge connect: %v: %w", err, broker.ErrTransport)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(deadline)
	} else {
		_ = t.conn.SetDeadline(time.Time{})
	}

	payload, err := json.Marshal(bridgeRequest{Op: req.Op, Args: req.Args})
	if err != nil {
		return nil, fmt.Errorf("bridge encode: %v: %w", err, broker.ErrTransport)
	}
	payload = append(payload, '\n')

	if _, err := t.conn.Write(payload); err != nil {
		t.drop()
		return nil, classify(err)
	}

	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		t.drop()
		return nil, classify(err)
	}

	var resp broker.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("bridge decode: %v: %w", err, broker.ErrMalformed)
	}
	return resp, nil
}

func (t *bridgeTransport) ensureConn(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	return nil
}

func (t *bridgeTransport) drop() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
		t.reader = nil
	}
}

func classify(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("bridge io: %v: %w", err, broker.ErrTimeout)
	}
	return fmt.Errorf("bridge io: %v: %w", err, broker.ErrTransport)
}
