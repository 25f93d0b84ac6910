// Package transport abstracts the raw WebSocket connection so that the
// socket state machines can be exercised in tests without a network.
// The production implementation wraps gorilla/websocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// Conn is the subset of *websocket.Conn the sockets rely on.
// Implementations must allow concurrent use of one reader and one writer.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens WebSocket connections. The subscription manager takes one so
// tests can substitute an in-process fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

// NewDialer returns a Dialer backed by gorilla/websocket.
func NewDialer() Dialer {
	return &wsDialer{
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// WriteJSON marshals v and sends it as a single text frame with a write
// deadline applied.
func WriteJSON(c Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a protocol-level ping control frame.
func Ping(c Conn) error {
	return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// CloseCode extracts the close code and reason from a read error, if the
// error resulted from a close frame. Reads that fail for any other reason
// (network errors, local close) report ok=false.
func CloseCode(err error) (code int, reason string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}
