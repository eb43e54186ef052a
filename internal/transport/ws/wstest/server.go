// Package wstest provides an in-process chat gateway for transport and client tests.
// It accepts upgrades on /ws/{identity} and lets tests push frames and close
// sessions with arbitrary codes.
package wstest

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrTimeout is returned when a wait helper gives up.
var ErrTimeout = errors.New("wstest: timeout")

// Server is a test gateway.
type Server struct {
	srv      *httptest.Server
	accepted chan *Session
	reject   atomic.Int32
	echo     bool

	mu       sync.Mutex
	sessions []*Session
}

// Option configures a Server.
type Option func(*Server)

// WithEcho makes every session write each received frame back to its sender.
func WithEcho() Option {
	return func(s *Server) {
		s.echo = true
	}
}

// NewServer starts a gateway listening on a loopback port.
func NewServer(opts ...Option) *Server {
	s := &Server{
		accepted: make(chan *Session, 16),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/ws/{identity}", s.handleWebSocket)
	s.srv = httptest.NewServer(r)
	return s
}

// Origin returns the http origin of the gateway, e.g. http://127.0.0.1:PORT.
func (s *Server) Origin() string {
	return s.srv.URL
}

// URL returns the transport URL for identity.
func (s *Server) URL(identity string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/" + url.PathEscape(identity)
}

// Reject makes subsequent upgrades fail with status. Zero accepts again.
func (s *Server) Reject(status int) {
	s.reject.Store(int32(status))
}

// Accept waits for the next session.
func (s *Server) Accept(timeout time.Duration) (*Session, error) {
	select {
	case sess := <-s.accepted:
		return sess, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Count returns how many sessions have been accepted so far.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Active returns how many sessions are still open.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		select {
		case <-sess.done:
		default:
			n++
		}
	}
	return n
}

// Close drops every session and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := append([]*Session(nil), s.sessions...)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Drop()
	}
	s.srv.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if status := int(s.reject.Load()); status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	identity, err := url.PathUnescape(chi.URLParam(r, "identity"))
	if err != nil {
		http.Error(w, "bad identity", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}

	sess := &Session{
		Identity: identity,
		conn:     conn,
		frames:   make(chan []byte, 64),
		done:     make(chan struct{}),
		echo:     s.echo,
	}

	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	go sess.readLoop()
	s.accepted <- sess
}

// Session is one accepted client connection.
type Session struct {
	Identity string

	conn    net.Conn
	frames  chan []byte
	done    chan struct{}
	echo    bool
	writeMu sync.Mutex

	closeOnce sync.Once
	closeCode atomic.Int32
}

func (sess *Session) readLoop() {
	defer sess.finish()
	for {
		frame, err := ws.ReadFrame(sess.conn)
		if err != nil {
			return
		}
		if frame.Header.Masked {
			frame = ws.UnmaskFrameInPlace(frame)
		}

		switch frame.Header.OpCode {
		case ws.OpClose:
			code, _ := ws.ParseCloseFrameData(frame.Payload)
			sess.closeCode.Store(int32(code))
			sess.writeMu.Lock()
			_ = ws.WriteFrame(sess.conn, ws.NewCloseFrame(frame.Payload))
			sess.writeMu.Unlock()
			return
		case ws.OpPing:
			sess.writeMu.Lock()
			_ = ws.WriteFrame(sess.conn, ws.NewPongFrame(frame.Payload))
			sess.writeMu.Unlock()
		case ws.OpText:
			data := append([]byte(nil), frame.Payload...)
			if sess.echo {
				_ = sess.Send(data)
			}
			select {
			case sess.frames <- data:
			default:
			}
		}
	}
}

func (sess *Session) finish() {
	sess.closeOnce.Do(func() {
		close(sess.done)
		_ = sess.conn.Close()
	})
}

// Send writes a text frame to the client.
func (sess *Session) Send(data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return wsutil.WriteServerMessage(sess.conn, ws.OpText, data)
}

// SendString writes s as a text frame.
func (sess *Session) SendString(s string) error {
	return sess.Send([]byte(s))
}

// Receive waits for the next text frame sent by the client.
func (sess *Session) Receive(timeout time.Duration) ([]byte, error) {
	select {
	case data := <-sess.frames:
		return data, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// CloseWith sends a close frame with code and reason, then closes the connection.
func (sess *Session) CloseWith(code int, reason string) error {
	sess.writeMu.Lock()
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	err := wsutil.WriteServerMessage(sess.conn, ws.OpClose, body)
	sess.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write close frame: %w", err)
	}
	sess.finish()
	return nil
}

// Drop closes the connection without a close frame.
func (sess *Session) Drop() {
	sess.finish()
}

// Done is closed once the session has ended.
func (sess *Session) Done() <-chan struct{} {
	return sess.done
}

// WaitClosed waits for the session to end and returns the close code the
// client sent, or 0 if it sent none.
func (sess *Session) WaitClosed(timeout time.Duration) (int, error) {
	select {
	case <-sess.done:
		return int(sess.closeCode.Load()), nil
	case <-time.After(timeout):
		return 0, ErrTimeout
	}
}
