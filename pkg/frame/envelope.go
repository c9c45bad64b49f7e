// Package frame defines the wire envelope exchanged over the realtime
// connection and the typed payloads behind each discriminator value.
package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// Discriminator values the server and client exchange. Unknown values are
// tolerated by the dispatcher for forward compatibility.
const (
	TypeNotification    = "notification"
	TypeChatMessage     = "chat.message"
	TypeDeliveryReceipt = "delivery.receipt"
	TypePresenceChanged = "presence.changed"
	TypeError           = "error"
	TypePing            = "ping"
	TypePong            = "pong"
)

// Envelope is the generic wire structure for every inbound and outbound
// frame: a string discriminator, a server timestamp, and an opaque payload.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with the current time and a marshalled payload.
// A nil payloadData leaves Payload nil, which serializes as JSON null.
func New(typ string, payloadData interface{}) (*Envelope, error) {
	var payloadBytes json.RawMessage
	var err error
	if payloadData != nil {
		payloadBytes, err = json.Marshal(payloadData)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %q envelope: %w", typ, err)
		}
	}
	return &Envelope{
		Type:      typ,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payloadBytes,
	}, nil
}

// NewPing builds the keepalive frame the client sends periodically.
func NewPing() *Envelope {
	return &Envelope{
		Type:      TypePing,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// DecodePayload unmarshals the envelope's payload into v (must be a pointer).
// A null or absent payload leaves v at its zero value.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Decode parses a raw frame into an envelope. A frame without a
// discriminator is rejected so the dispatcher can drop it in one place.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame missing type discriminator")
	}
	return &env, nil
}
