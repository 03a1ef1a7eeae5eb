package frame

import (
	"encoding/json"
	"fmt"
)

// EncodeControl serializes c behind the control envelope byte.
func EncodeControl(c Control) ([]byte, error) {
	if c.Type == "" {
		return nil, fmt.Errorf("control frame has no type")
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", c.Type, err)
	}
	unit := make([]byte, 1+len(body))
	unit[0] = byte(EnvelopeControl)
	copy(unit[1:], body)
	return unit, nil
}

// EncodeChunk wraps a transfer chunk payload.
func EncodeChunk(payload []byte) []byte {
	return wrap(EnvelopeChunk, payload)
}

// EncodeProbe wraps probe filler.
func EncodeProbe(payload []byte) []byte {
	return wrap(EnvelopeProbe, payload)
}

func wrap(e Envelope, payload []byte) []byte {
	unit := make([]byte, 1+len(payload))
	unit[0] = byte(e)
	copy(unit[1:], payload)
	return unit
}

// IsControl reports whether unit carries a control frame.
func IsControl(unit []byte) bool {
	return len(unit) > 0 && Envelope(unit[0]) == EnvelopeControl
}

// Decode classifies unit by its envelope byte. Payload slices alias unit.
// A control frame with an unrecognised type decodes without error; callers
// check Type.Known.
func Decode(unit []byte) (Frame, error) {
	if len(unit) == 0 {
		return Frame{}, ErrEmptyUnit
	}
	env := Envelope(unit[0])
	switch env {
	case EnvelopeControl:
		var c Control
		if err := json.Unmarshal(unit[1:], &c); err != nil {
			return Frame{}, fmt.Errorf("failed to decode control frame: %w", err)
		}
		return Frame{Envelope: env, Control: c}, nil
	case EnvelopeChunk, EnvelopeProbe:
		return Frame{Envelope: env, Payload: unit[1:]}, nil
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownEnvelope, unit[0])
	}
}
