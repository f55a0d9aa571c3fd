package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the required wrapper for every cache entry the core writes or
// reads. The core only interprets the timestamp; the payload is owned by
// whichever calculator produced it.
type Envelope struct {
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// WrapEnvelope marshals a payload into the timestamped envelope.
func WrapEnvelope(at time.Time, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}
	env := Envelope{Timestamp: at.UTC(), Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// UnwrapEnvelope parses an envelope and reports its age relative to now.
func UnwrapEnvelope(data []byte, now time.Time) (Envelope, time.Duration, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, 0, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Timestamp.IsZero() {
		return Envelope{}, 0, fmt.Errorf("envelope missing timestamp")
	}
	return env, now.Sub(env.Timestamp), nil
}
