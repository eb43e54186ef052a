package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the opening handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// Dialer opens transport sessions.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
}

// NewDialer returns a GorillaDialer with the given handshake timeout.
// A zero timeout uses DefaultHandshakeTimeout.
func NewDialer(handshakeTimeout time.Duration) *GorillaDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &GorillaDialer{HandshakeTimeout: handshakeTimeout}
}

// Dial implements Dialer.
func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewConn(c), nil
}
