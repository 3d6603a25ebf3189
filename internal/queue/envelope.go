package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the stored representation of a submitted message.
type Envelope struct {
	Identifier string          `json:"identifier,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// ErrInvalidEnvelope is returned when a stored value cannot be decoded.
var ErrInvalidEnvelope = errors.New("invalid message envelope")

// NewEnvelope JSON encodes payload and wraps it with the identifier.
// A json.RawMessage payload is stored as is.
func NewEnvelope(id string, payload any) (Envelope, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return Envelope{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEnvelope)
	}
	return Envelope{Identifier: id, Payload: raw}, nil
}

// EncodeEnvelope serializes an envelope to its stored string form.
func EncodeEnvelope(env Envelope) (string, error) {
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(data), nil
}

// DecodeEnvelope parses a stored envelope. A missing identifier is
// accepted and left empty.
func DecodeEnvelope(value string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(value), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	return env, nil
}
