// Package client implements the connection manager of the chat client: a pure
// state machine plus the event loop that owns the transport, the reconnect timer
// and the session state.
package client

import "github.com/omochice/socket-chat-client/internal/chat"

// Client is the contract offered to UI collaborators.
type Client interface {
	Connect()
	Disconnect()
	Send(text string) bool
	Session() chat.View
}

var _ Client = (*Manager)(nil)
