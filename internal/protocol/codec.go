package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent = errors.New("unknown signaling event")
	ErrEmptyPayload = errors.New("empty payload")
)

// Encode serializes an envelope to its JSON wire format.
// Envelopes with an unknown event are rejected.
func Encode(env Envelope) ([]byte, error) {
	if !env.Event.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return json.Marshal(env)
}

// Decode parses a JSON envelope.
// Returns an error if the data is malformed or the event is unknown.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if !env.Event.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return env, nil
}
