// Package protocol defines the JSON wire envelope exchanged with the chat server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyMessage is returned when outgoing text is empty after trimming.
	ErrEmptyMessage = errors.New("empty message")

	// ErrMalformedFrame is returned when an inbound frame is not a recognizable envelope.
	ErrMalformedFrame = errors.New("malformed frame")
)

// EventKind represents the kind of a decoded inbound frame
type EventKind int

const (
	EventChat EventKind = iota
	EventPresence
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventChat:
		return "CHAT"
	case EventPresence:
		return "PRESENCE"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the unit sent over the wire, one JSON object per text frame.
type Envelope struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// Event is a classified inbound frame.
type Event struct {
	Kind     EventKind
	Username string
	Content  string
}

// NewEnvelope builds an outgoing envelope authored by identity.
// The text is trimmed; ErrEmptyMessage is returned if nothing is left.
func NewEnvelope(identity, text string) (Envelope, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return Envelope{}, ErrEmptyMessage
	}
	return Envelope{Username: identity, Content: content}, nil
}

// Encode serializes the envelope without HTML escaping so <, > and & travel verbatim.
func (e Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Encode trims text and serializes it as an envelope authored by identity.
func Encode(identity, text string) ([]byte, error) {
	env, err := NewEnvelope(identity, text)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

// frame mirrors the envelope with optional fields so absence can be told apart from "".
type frame struct {
	Username *string `json:"username"`
	Content  *string `json:"content"`
}

// Decode parses and classifies an inbound frame.
// A frame with a username and non-blank content is a chat event; a frame with only a
// username is a presence event. Everything else wraps ErrMalformedFrame.
func Decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Username == nil || *f.Username == "" {
		return Event{}, fmt.Errorf("%w: missing username", ErrMalformedFrame)
	}

	var content string
	if f.Content != nil {
		content = strings.TrimSpace(*f.Content)
	}
	if content == "" {
		return Event{Kind: EventPresence, Username: *f.Username}, nil
	}
	return Event{Kind: EventChat, Username: *f.Username, Content: content}, nil
}
