// Package protocol defines the WebSocket message envelope pushed to
// bridge consumers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types. The stream is push-only; clients send
// nothing but WebSocket control frames.
const (
	TypeAdvert       = "advert"
	TypeSessionState = "session.state"
	TypeError        = "error"
)

// SessionStatePayload announces a session lifecycle transition.
type SessionStatePayload struct {
	State string `json:"state"`
}

// ErrorPayload carries a server-side error to the client.
type ErrorPayload struct {
	Message string `json:"message"`
}
