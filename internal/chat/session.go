// Package chat holds the client-visible session state: connectivity, last error,
// the message log and the local identity.
package chat

import (
	"sync"
	"time"
)

// Connectivity is the transport status observed by UI collaborators.
type Connectivity int

const (
	Disconnected Connectivity = iota
	Connecting
	Connected
)

// String returns the string representation of Connectivity
func (c Connectivity) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ChatMessage is an entry of the message log. It is never mutated after creation.
// ID is a local rendering key, unique and increasing within one Session only.
type ChatMessage struct {
	ID         uint64
	Author     string
	Text       string
	ReceivedAt time.Time
}

// Snapshot is a read-only copy of a Session.
type Snapshot struct {
	Identity     string
	Connectivity Connectivity
	LastError    string
	Messages     []ChatMessage
}

// HasError reports whether the snapshot carries an error.
func (s Snapshot) HasError() bool {
	return s.LastError != ""
}

// View is the read-only side of a Session handed to UI collaborators.
type View interface {
	Identity() string
	Connectivity() Connectivity
	LastError() string
	Messages() []ChatMessage
	Snapshot() Snapshot
	Watch() (<-chan Snapshot, func())
}

// Session is the observable state owned by a single connection manager.
// Readers get a View; only the owner calls Update.
type Session struct {
	mu       sync.RWMutex
	identity string
	conn     Connectivity
	lastErr  string
	messages []ChatMessage
	nextID   uint64
	now      func() time.Time
	watchers *hub
}

// NewSession creates an empty, disconnected session for identity.
func NewSession(identity string) *Session {
	return &Session{
		identity: identity,
		nextID:   1,
		now:      time.Now,
		watchers: newHub(),
	}
}

// View returns a read-only view of s. The dynamic type of the result exposes no
// mutators, so a type assertion cannot recover the Session.
func (s *Session) View() View {
	return view{s: s}
}

type view struct {
	s *Session
}

func (v view) Identity() string {
	return v.s.Identity()
}

func (v view) Connectivity() Connectivity {
	return v.s.Connectivity()
}

func (v view) LastError() string {
	return v.s.LastError()
}

func (v view) Messages() []ChatMessage {
	return v.s.Messages()
}

func (v view) Snapshot() Snapshot {
	return v.s.Snapshot()
}

func (v view) Watch() (<-chan Snapshot, func()) {
	return v.s.Watch()
}

// SetClock replaces the clock used to stamp appended messages.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Identity returns the identity the session was created with.
func (s *Session) Identity() string {
	return s.identity
}

// Connectivity returns the current connectivity.
func (s *Session) Connectivity() Connectivity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// LastError returns the last recorded error, or "" if none.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Messages returns a copy of the message log in append order.
func (s *Session) Messages() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ChatMessage(nil), s.messages...)
}

// Snapshot returns a consistent copy of the whole session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Identity:     s.identity,
		Connectivity: s.conn,
		LastError:    s.lastErr,
		Messages:     append([]ChatMessage(nil), s.messages...),
	}
}

// Mutation is the write view handed to Update. It is only valid inside the callback.
type Mutation struct {
	s       *Session
	changed bool
}

// Append adds a message stamped with the next local id and the current time.
func (m *Mutation) Append(author, text string) ChatMessage {
	msg := ChatMessage{
		ID:         m.s.nextID,
		Author:     author,
		Text:       text,
		ReceivedAt: m.s.now(),
	}
	m.s.nextID++
	m.s.messages = append(m.s.messages, msg)
	m.changed = true
	return msg
}

// SetConnectivity records a connectivity transition.
func (m *Mutation) SetConnectivity(c Connectivity) {
	if m.s.conn != c {
		m.s.conn = c
		m.changed = true
	}
}

// SetError records err as the last error.
func (m *Mutation) SetError(err string) {
	if m.s.lastErr != err {
		m.s.lastErr = err
		m.changed = true
	}
}

// ClearError forgets the last error.
func (m *Mutation) ClearError() {
	m.SetError("")
}

// Update applies fn atomically. Watchers are notified once, after fn returns,
// and only if something changed.
func (s *Session) Update(fn func(m *Mutation)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Mutation{s: s}
	fn(m)
	m.s = nil
	if m.changed {
		s.watchers.broadcast(s.snapshotLocked())
	}
}

// Watch subscribes to session changes. The channel holds at most one pending
// snapshot; a lagging watcher only sees the latest one. Call cancel to stop.
// After Close the returned channel is already closed.
func (s *Session) Watch() (<-chan Snapshot, func()) {
	w := &watcher{updates: make(chan Snapshot, 1)}
	if !s.watchers.register(w) {
		close(w.updates)
		return w.updates, func() {}
	}

	var once sync.Once
	return w.updates, func() {
		once.Do(func() { s.watchers.unregister(w) })
	}
}

// Close ends every watch subscription, current and future.
func (s *Session) Close() {
	s.watchers.closeAll()
}
