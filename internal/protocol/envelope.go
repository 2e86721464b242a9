package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the JSON structure exchanged over the signaling channel. Every
// envelope is scoped to exactly one room; To is empty for room broadcasts.
type Envelope struct {
	Event     Event           `json:"event"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	RequestID string          `json:"requestId,omitempty"` // correlates SFU requests with replies
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a new envelope for event.
// A nil payload produces an envelope without data.
func NewEnvelope(event Event, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: %w", e.Event, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Addressed returns a copy of e addressed to peer `to` within roomID.
func (e Envelope) Addressed(to, roomID string) Envelope {
	e.To = to
	e.RoomID = roomID
	return e
}
