// Package ws provides the WebSocket transport used by the chat client.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes used by the client.
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseAbnormal      = websocket.CloseAbnormalClosure
	CloseInternalError = websocket.CloseInternalServerErr
)

const writeWait = 10 * time.Second

// Conn is a single bidirectional text-frame session.
type Conn interface {
	// Read blocks until the next text frame arrives or ctx is done. A read cut
	// short by ctx leaves the connection unusable and returns ctx.Err().
	// The error of a terminated session can be mapped with CloseCode.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text frame. Close unblocks a pending Write.
	Write(ctx context.Context, data []byte) error

	// Close sends a close frame with code and reason, then releases the connection.
	Close(code int, reason string) error
}

// conn adapts gorilla/websocket to Conn.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

// NewConn wraps a gorilla websocket connection.
func NewConn(c *websocket.Conn) Conn {
	return &conn{ws: c}
}

// Read implements Conn. Non-text frames are skipped.
func (c *conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Write implements Conn.
func (c *conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close implements Conn. Only the first call has an effect. It does not wait
// for a pending Write; closing the socket fails that write instead.
func (c *conn) Close(code int, reason string) error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = werr
		}
		if cerr := c.ws.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// CloseCode extracts the close code from a Read error.
// Errors that carry no close frame are reported as CloseAbnormal.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

// CloseReason extracts the close reason text from a Read error, if any.
func CloseReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Text
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
