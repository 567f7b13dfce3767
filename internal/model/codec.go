package model

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Kind  string          `json:"kind"`
	Model json.RawMessage `json:"model"`
}

// Encode serialises r into a registry payload.
func Encode(r Regressor) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.Kind(), err)
	}
	return json.Marshal(envelope{Kind: r.Kind(), Model: body})
}

// Decode restores a Regressor from a registry payload.
func Decode(payload []byte) (Regressor, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode model envelope: %w", err)
	}

	switch env.Kind {
	case KindLinear, KindRidge:
		var l Linear
		if err := json.Unmarshal(env.Model, &l); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		if l.Name == "" {
			l.Name = env.Kind
		}
		return &l, nil
	default:
		return nil, fmt.Errorf("unknown model kind %q", env.Kind)
	}
}
