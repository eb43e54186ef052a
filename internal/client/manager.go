package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/socket-chat-client/internal/chat"
	"github.com/omochice/socket-chat-client/internal/transport/ws"
)

// ErrEmptyIdentity is returned by New when no identity is given.
var ErrEmptyIdentity = errors.New("identity must not be empty")

var (
	errNotConnected = errors.New("not connected")
	errOutboxFull   = errors.New("outgoing queue full")
)

const (
	inboxSize  = 64
	outboxSize = 64
)

// Resolver maps an identity to a transport URL.
type Resolver interface {
	Resolve(identity string) string
}

type source int

const (
	fromCaller source = iota
	fromTransport
	fromTimer
)

// signal is one unit of work for the event loop.
type signal struct {
	from  source
	ev    Event
	gen   uint64 // transport generation, or timer id for fromTimer
	conn  ws.Conn
	reply chan bool
}

// Manager owns one logical connection for one identity. Every command, transport
// signal and timer is serialized on a single goroutine, which is the only writer
// of the session.
type Manager struct {
	identity string
	resolver Resolver
	dialer   ws.Dialer
	session  *chat.Session
	log      zerolog.Logger
	delay    time.Duration

	inbox     chan signal
	quit      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// owned by the event loop
	machine    Machine
	gen        uint64
	conn       ws.Conn
	out        chan []byte
	dialCancel context.CancelFunc
	timer      *time.Timer
	timerID    uint64
	timerSeq   uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the transport dialer.
func WithDialer(d ws.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithReconnectDelay overrides the fixed reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.delay = d
	}
}

// WithClock sets the clock used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.session.SetClock(now)
	}
}

// New creates a disconnected Manager for identity and starts its event loop.
// Call Connect to open the transport and Close to tear everything down.
func New(identity string, resolver Resolver, opts ...Option) (*Manager, error) {
	if identity == "" {
		return nil, ErrEmptyIdentity
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		identity: identity,
		resolver: resolver,
		dialer:   ws.NewDialer(ws.DefaultHandshakeTimeout),
		session:  chat.NewSession(identity),
		log:      zerolog.Nop(),
		delay:    DefaultReconnectDelay,
		inbox:    make(chan signal, inboxSize),
		quit:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().
		Str("component", "chat-client").
		Str("identity", identity).
		Str("instance", uuid.NewString()).
		Logger()
	m.machine = NewMachine(identity, m.delay)

	m.wg.Add(1)
	go m.run()

	return m, nil
}

// Identity returns the identity this Manager was created for.
func (m *Manager) Identity() string {
	return m.identity
}

// Session returns a read-only view of the session state. Only the event loop
// mutates the session.
func (m *Manager) Session() chat.View {
	return m.session.View()
}

// Connect opens the transport. It is a no-op while connecting or connected.
func (m *Manager) Connect() {
	m.call(StartRequested{})
}

// Disconnect closes the transport with the intentional close code and cancels
// any pending reconnect.
func (m *Manager) Disconnect() {
	m.call(DisconnectRequested{})
}

// Send trims text, queues it for the transport and appends it to the log. It
// reports false when not connected, when the text is blank or when the queue is
// full. A write that fails later is recorded as the last error and ends the
// transport, which then reconnects.
func (m *Manager) Send(text string) bool {
	return m.call(SendRequested{Text: text})
}

// Close disconnects, stops the event loop and ends all session watches.
// The Manager cannot be reused.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.Disconnect()
		close(m.quit)
		m.cancel()
		m.wg.Wait()
		m.session.Close()
	})
}

// call hands a caller command to the event loop and waits until it is processed.
func (m *Manager) call(ev Event) bool {
	reply := make(chan bool, 1)
	select {
	case m.inbox <- signal{from: fromCaller, ev: ev, reply: reply}:
	case <-m.quit:
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-m.quit:
		return false
	}
}

// post delivers a signal from a transport or timer goroutine.
// It reports false once the Manager is closed.
func (m *Manager) post(s signal) bool {
	select {
	case m.inbox <- s:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case s := <-m.inbox:
			m.handle(s)
		case <-m.quit:
			m.shutdown()
			return
		}
	}
}

func (m *Manager) shutdown() {
	m.stopTimer()
	if m.dialCancel != nil {
		m.dialCancel()
	}
	if m.conn != nil {
		m.release(ws.CloseNormal, intentionalCloseReason)
	}
}

func (m *Manager) handle(s signal) {
	switch s.from {
	case fromTransport:
		if s.gen != m.gen {
			if s.conn != nil {
				go s.conn.Close(ws.CloseNormal, "superseded")
			}
			return
		}
		switch s.ev.(type) {
		case Opened:
			if m.machine.Status != StatusConnecting {
				go s.conn.Close(ws.CloseNormal, "superseded")
				return
			}
			m.conn = s.conn
			m.out = make(chan []byte, outboxSize)
			m.wg.Add(2)
			go m.readLoop(m.gen, s.conn)
			go m.writeLoop(m.gen, s.conn, m.out)
		case Closed:
			if m.conn != nil {
				m.release(ws.CloseNormal, "")
			}
		}
	case fromTimer:
		if s.gen != m.timerID {
			return
		}
		m.timer, m.timerID = nil, 0
		m.log.Info().Msg("reconnecting")
	}

	ok := m.step(s.ev)
	if s.reply != nil {
		s.reply <- ok
	}
}

// step feeds ev and any follow-up events through the machine.
func (m *Manager) step(ev Event) bool {
	sent := false
	queue := []Event{ev}
	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]

		prev := m.machine.Status
		next, effects := m.machine.Handle(ev)
		m.machine = next
		if prev != next.Status {
			m.log.Debug().
				Stringer("from", prev).
				Stringer("to", next.Status).
				Msg("transition")
		}

		wrote, follow := m.apply(effects)
		sent = sent || wrote
		queue = append(queue, follow...)
	}
	return sent
}

// apply executes effects. Session mutations of one step are committed in a single
// update. It reports whether a frame was written and returns follow-up events.
func (m *Manager) apply(effects []Effect) (bool, []Event) {
	var (
		wrote     bool
		writeErr  error
		follow    []Event
		mutations []func(*chat.Mutation)
	)

	for _, eff := range effects {
		switch e := eff.(type) {
		case Dial:
			m.dial(e.Identity)
		case Write:
			if writeErr = m.write(e.Frame); writeErr != nil {
				m.log.Warn().Err(writeErr).Msg("frame not queued")
				msg := transportErrorMessage(writeErr)
				mutations = append(mutations, func(mu *chat.Mutation) { mu.SetError(msg) })
				continue
			}
			wrote = true
		case AppendMessage:
			if writeErr != nil {
				continue
			}
			mutations = append(mutations, func(mu *chat.Mutation) { mu.Append(e.Author, e.Text) })
		case SetConnectivity:
			mutations = append(mutations, func(mu *chat.Mutation) { mu.SetConnectivity(e.Connectivity) })
		case SetError:
			m.log.Warn().Str("error", e.Message).Msg("transport error")
			mutations = append(mutations, func(mu *chat.Mutation) { mu.SetError(e.Message) })
		case ClearError:
			mutations = append(mutations, func(mu *chat.Mutation) { mu.ClearError() })
		case ScheduleReconnect:
			m.schedule(e.Delay)
		case CancelReconnect:
			m.log.Debug().Msg("reconnect cancelled")
			m.stopTimer()
		case CloseTransport:
			m.closeTransport(e.Code, e.Reason)
			follow = append(follow, Closed{Code: e.Code, Reason: e.Reason})
		case DropFrame:
			m.log.Warn().Err(e.Err).Msg("dropping malformed frame")
		case IgnorePresence:
			m.log.Debug().Str("user", e.Username).Msg("presence event")
		}
	}

	if len(mutations) > 0 {
		m.session.Update(func(mu *chat.Mutation) {
			for _, fn := range mutations {
				fn(mu)
			}
		})
	}
	return wrote, follow
}

// dial opens a new transport generation in the background.
func (m *Manager) dial(identity string) {
	if m.conn != nil {
		m.release(ws.CloseNormal, "superseded")
	}
	if m.dialCancel != nil {
		m.dialCancel()
	}
	m.gen++
	gen := m.gen
	url := m.resolver.Resolve(identity)

	ctx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel

	m.log.Info().Str("url", url).Msg("connecting")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		conn, err := m.dialer.Dial(ctx, url)
		if err != nil {
			m.post(signal{from: fromTransport, gen: gen, ev: TransportFailed{Err: err}})
			m.post(signal{from: fromTransport, gen: gen, ev: Closed{Code: ws.CloseAbnormal, Reason: err.Error()}})
			return
		}
		m.log.Info().Msg("connected")
		if !m.post(signal{from: fromTransport, gen: gen, ev: Opened{}, conn: conn}) {
			_ = conn.Close(ws.CloseNormal, intentionalCloseReason)
		}
	}()
}

func (m *Manager) readLoop(gen uint64, conn ws.Conn) {
	defer m.wg.Done()
	for {
		data, err := conn.Read(m.ctx)
		if err != nil {
			code := ws.CloseCode(err)
			if code == ws.CloseAbnormal {
				m.post(signal{from: fromTransport, gen: gen, ev: TransportFailed{Err: err}})
			}
			m.log.Info().Int("code", code).Str("reason", ws.CloseReason(err)).Msg("transport closed")
			m.post(signal{from: fromTransport, gen: gen, ev: Closed{Code: code, Reason: ws.CloseReason(err)}})
			return
		}
		m.post(signal{from: fromTransport, gen: gen, ev: FrameReceived{Data: data}})
	}
}

// writeLoop drains queued frames to one transport so a stalled peer never
// blocks the event loop. A failed write closes the transport.
func (m *Manager) writeLoop(gen uint64, conn ws.Conn, frames <-chan []byte) {
	defer m.wg.Done()
	for frame := range frames {
		if err := conn.Write(m.ctx, frame); err != nil {
			m.log.Warn().Err(err).Msg("write failed")
			m.post(signal{from: fromTransport, gen: gen, ev: TransportFailed{Err: err}})
			_ = conn.Close(ws.CloseInternalError, "write failed")
			return
		}
	}
}

// write queues frame for the current transport without blocking.
func (m *Manager) write(frame []byte) error {
	if m.out == nil {
		return errNotConnected
	}
	select {
	case m.out <- frame:
		return nil
	default:
		return errOutboxFull
	}
}

// closeTransport ends the current generation so late signals from it are ignored.
func (m *Manager) closeTransport(code int, reason string) {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		m.release(code, reason)
	}
	m.gen++
	m.log.Info().Int("code", code).Msg("disconnected")
}

// release detaches the current connection and closes it without blocking the loop.
func (m *Manager) release(code int, reason string) {
	conn := m.conn
	m.conn = nil
	if m.out != nil {
		close(m.out)
		m.out = nil
	}
	go conn.Close(code, reason)
}

func (m *Manager) schedule(delay time.Duration) {
	m.stopTimer()
	m.timerSeq++
	id := m.timerSeq
	m.timerID = id
	m.timer = time.AfterFunc(delay, func() {
		m.post(signal{from: fromTimer, gen: id, ev: ReconnectDue{}})
	})
	m.log.Info().Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer, m.timerID = nil, 0
}
