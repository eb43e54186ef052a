package client

import (
	"time"

	"github.com/omochice/socket-chat-client/internal/chat"
	"github.com/omochice/socket-chat-client/internal/transport/ws"
	"github.com/omochice/socket-chat-client/pkg/protocol"
)

// DefaultReconnectDelay is the fixed delay before retrying after an unexpected close.
const DefaultReconnectDelay = 3 * time.Second

const intentionalCloseReason = "intentional disconnect"

// Status is the lifecycle state of the connection machine.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	// StatusClosing lasts from a local disconnect until the transport reports closure.
	StatusClosing
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Event is an input to the machine: a caller command, a transport signal or a timer.
type Event interface {
	event()
}

type (
	StartRequested      struct{}
	DisconnectRequested struct{}
	SendRequested       struct{ Text string }
	Opened              struct{}
	FrameReceived       struct{ Data []byte }
	TransportFailed     struct{ Err error }
	Closed              struct {
		Code   int
		Reason string
	}
	ReconnectDue struct{}
)

func (StartRequested) event()      {}
func (DisconnectRequested) event() {}
func (SendRequested) event()       {}
func (Opened) event()              {}
func (FrameReceived) event()       {}
func (TransportFailed) event()     {}
func (Closed) event()              {}
func (ReconnectDue) event()        {}

// Effect is an action the owner of the machine must carry out.
type Effect interface {
	effect()
}

type (
	Dial            struct{ Identity string }
	Write           struct{ Frame []byte }
	AppendMessage   struct{ Author, Text string }
	SetConnectivity struct{ Connectivity chat.Connectivity }
	SetError        struct{ Message string }
	ClearError      struct{}
	CancelReconnect struct{}
	CloseTransport  struct {
		Code   int
		Reason string
	}
	ScheduleReconnect struct{ Delay time.Duration }
	// DropFrame reports an inbound frame that could not be decoded.
	DropFrame struct{ Err error }
	// IgnorePresence reports a presence frame; no roster is kept.
	IgnorePresence struct{ Username string }
)

func (Dial) effect()              {}
func (Write) effect()             {}
func (AppendMessage) effect()     {}
func (SetConnectivity) effect()   {}
func (SetError) effect()          {}
func (ClearError) effect()        {}
func (CancelReconnect) effect()   {}
func (CloseTransport) effect()    {}
func (ScheduleReconnect) effect() {}
func (DropFrame) effect()         {}
func (IgnorePresence) effect()    {}

// Machine is the connection state machine. It is a value: Handle returns the
// next machine and never touches the network, the clock or the session.
type Machine struct {
	Identity         string
	Status           Status
	ReconnectPending bool
	ReconnectDelay   time.Duration
}

// NewMachine returns a disconnected machine for identity.
func NewMachine(identity string, reconnectDelay time.Duration) Machine {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return Machine{
		Identity:       identity,
		Status:         StatusDisconnected,
		ReconnectDelay: reconnectDelay,
	}
}

// Handle applies ev and returns the next machine plus the effects to execute, in order.
func (m Machine) Handle(ev Event) (Machine, []Effect) {
	switch ev := ev.(type) {
	case StartRequested:
		return m.start()
	case ReconnectDue:
		if !m.ReconnectPending || m.Status != StatusDisconnected {
			return m, nil
		}
		m.ReconnectPending = false
		return m.start()
	case Opened:
		if m.Status != StatusConnecting {
			return m, nil
		}
		m.Status = StatusConnected
		return m, []Effect{SetConnectivity{chat.Connected}, ClearError{}}
	case FrameReceived:
		return m.receive(ev.Data)
	case TransportFailed:
		if m.Status == StatusDisconnected || m.Status == StatusClosing {
			return m, nil
		}
		return m, []Effect{SetError{Message: transportErrorMessage(ev.Err)}}
	case Closed:
		return m.closed(ev.Code)
	case SendRequested:
		return m.send(ev.Text)
	case DisconnectRequested:
		return m.disconnect()
	default:
		return m, nil
	}
}

// start is a no-op while a session is opening or open; otherwise it supersedes
// any pending reconnect and dials.
func (m Machine) start() (Machine, []Effect) {
	if m.Status == StatusConnecting || m.Status == StatusConnected {
		return m, nil
	}
	var effects []Effect
	if m.ReconnectPending {
		m.ReconnectPending = false
		effects = append(effects, CancelReconnect{})
	}
	m.Status = StatusConnecting
	return m, append(effects, Dial{Identity: m.Identity}, SetConnectivity{chat.Connecting})
}

func (m Machine) receive(data []byte) (Machine, []Effect) {
	if m.Status != StatusConnected {
		return m, nil
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		return m, []Effect{DropFrame{Err: err}}
	}
	switch ev.Kind {
	case protocol.EventChat:
		return m, []Effect{AppendMessage{Author: ev.Username, Text: ev.Content}}
	case protocol.EventPresence:
		return m, []Effect{IgnorePresence{Username: ev.Username}}
	default:
		return m, nil
	}
}

func (m Machine) closed(code int) (Machine, []Effect) {
	switch m.Status {
	case StatusConnecting, StatusConnected:
		m.Status = StatusDisconnected
		effects := []Effect{SetConnectivity{chat.Disconnected}}
		if code != ws.CloseNormal {
			m.ReconnectPending = true
			effects = append(effects, ScheduleReconnect{Delay: m.ReconnectDelay})
		}
		return m, effects
	case StatusClosing:
		m.Status = StatusDisconnected
		return m, nil
	default:
		return m, nil
	}
}

func (m Machine) send(text string) (Machine, []Effect) {
	if m.Status != StatusConnected {
		return m, nil
	}
	env, err := protocol.NewEnvelope(m.Identity, text)
	if err != nil {
		return m, nil
	}
	frame, err := env.Encode()
	if err != nil {
		return m, nil
	}
	return m, []Effect{
		Write{Frame: frame},
		AppendMessage{Author: m.Identity, Text: env.Content},
	}
}

// disconnect cancels a pending reconnect in every state and closes an opening or
// open transport with the intentional close code.
func (m Machine) disconnect() (Machine, []Effect) {
	var effects []Effect
	if m.ReconnectPending {
		m.ReconnectPending = false
		effects = append(effects, CancelReconnect{})
	}
	if m.Status == StatusConnecting || m.Status == StatusConnected {
		m.Status = StatusClosing
		effects = append(effects,
			CloseTransport{Code: ws.CloseNormal, Reason: intentionalCloseReason},
			SetConnectivity{chat.Disconnected},
		)
	}
	return m, effects
}

func transportErrorMessage(err error) string {
	if err == nil {
		return "transport error"
	}
	return "transport error: " + err.Error()
}
