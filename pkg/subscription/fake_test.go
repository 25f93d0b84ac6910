package subscription

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-ws/internal/transport"
)

// inboundMsg is one scripted ReadMessage result.
type inboundMsg struct {
	data []byte
	err  error
}

// fakeConn is an in-process transport.Conn. Tests push inbound frames (or
// read errors) and inspect what the socket wrote.
type fakeConn struct {
	url     string
	inbound chan inboundMsg

	mu     sync.Mutex
	writes [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{
		url:     url,
		inbound: make(chan inboundMsg, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) push(data string) {
	c.inbound <- inboundMsg{data: []byte(data)}
}

func (c *fakeConn) pushErr(err error) {
	c.inbound <- inboundMsg{err: err}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		if msg.err != nil {
			return 0, nil, msg.err
		}
		return websocket.TextMessage, msg.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) lastWrite(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		t.Fatal("no frames written")
	}
	return string(c.writes[len(c.writes)-1])
}

// fakeDialer hands out fakeConns and announces each dial on a channel.
type fakeDialer struct {
	mu      sync.Mutex
	dialErr error
	dialed  chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDialer) Dial(_ context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	err := d.dialErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := newFakeConn(url)
	d.dialed <- c
	return c, nil
}

// nopLimiter admits every connect immediately.
type nopLimiter struct{}

func (nopLimiter) Wait(context.Context) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testTimeout = 2 * time.Second

// recv waits for one value with a timeout.
func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

// expectNone asserts that nothing arrives within a short window.
func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

// newTestManager builds a Manager wired to a fake dialer, with the tick
// effectively disabled unless the test overrides ReconnectInterval.
func newTestManager(t *testing.T, handlers MarketHandlers, opts Options) (*Manager, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	opts.Dialer = dialer
	opts.BurstLimiter = nopLimiter{}
	opts.Logger = quietLogger()
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = time.Hour
	}
	m := New(handlers, opts)
	t.Cleanup(m.Close)
	return m, dialer
}
