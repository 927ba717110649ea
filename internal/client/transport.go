// Package client is the console side of the connection: a reconnecting
// WebSocket transport and the single-goroutine loop that owns terminal
// routing, layouts and session reconciliation.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"agent-console/internal/protocol"
)

var ErrNotConnected = errors.New("not connected")

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
	writeDeadline     = 10 * time.Second

	// defaultReadTimeout covers two of the server's 30s ping intervals.
	defaultReadTimeout = 60 * time.Second
)

// Listener receives connection events. Calls come from the transport's Run
// goroutine, in order.
type Listener interface {
	Connected()
	Disconnected(err error)
	Message(body protocol.Body)
}

type TransportOptions struct {
	URL        string
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger

	// ReadTimeout drops a connection that delivers neither a message nor a
	// ping for this long.
	ReadTimeout time.Duration
}

// Transport keeps a WebSocket connection to the server open, redialing with
// exponential backoff. Dial attempts are additionally rate limited to one
// per MinBackoff so a server that accepts and immediately drops cannot spin
// the loop.
type Transport struct {
	url         string
	dialer      *websocket.Dialer
	minBackoff  time.Duration
	maxBackoff  time.Duration
	readTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

func NewTransport(opts TransportOptions) *Transport {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	return &Transport{
		url:         opts.URL,
		dialer:      opts.Dialer,
		minBackoff:  opts.MinBackoff,
		maxBackoff:  opts.MaxBackoff,
		readTimeout: opts.ReadTimeout,
		logger:      opts.Logger,
	}
}

// Run connects and reconnects until ctx ends. It returns ctx.Err().
func (t *Transport) Run(ctx context.Context, l Listener) error {
	limiter := rate.NewLimiter(rate.Every(t.minBackoff), 1)
	backoff := t.minBackoff

	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("dial failed", "url", t.url, "err", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, t.maxBackoff)
			continue
		}
		backoff = t.minBackoff

		t.setConn(conn)
		t.logger.Info("connected", "url", t.url)
		l.Connected()

		err = t.readLoop(ctx, conn, l)

		t.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			l.Disconnected(ctx.Err())
			return ctx.Err()
		}
		t.logger.Warn("disconnected", "url", t.url, "err", err)
		l.Disconnected(err)
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, l Listener) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeDeadline))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		body, err := protocol.DecodeServer(raw)
		if err != nil {
			t.logger.Warn("dropping undecodable message", "err", err)
			continue
		}
		l.Message(body)
	}
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

// Connected reports whether a connection is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send writes body to the current connection.
func (t *Transport) Send(body protocol.Body) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(body)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", body.MessageType(), err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
