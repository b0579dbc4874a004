package revert

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is the persisted form of a step: {"type": kind, "data": {...}}
type Record struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeStep validates and serializes a step
func EncodeStep(step Step) (Record, error) {
	if step == nil {
		return Record{}, fmt.Errorf("%w: nil step", ErrMalformedStep)
	}
	if _, known := newStep(step.Kind()); !known {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownKind, step.Kind())
	}
	if err := step.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrMalformedStep, step.Kind(), err)
	}
	data, err := json.Marshal(step)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s step: %w", step.Kind(), err)
	}
	return Record{Type: step.Kind(), Data: data}, nil
}

// DecodeStep rebuilds a step from its record. Unknown kinds, unknown fields
// and payloads that fail validation are all rejected.
func DecodeStep(rec Record) (Step, error) {
	step, known := newStep(rec.Type)
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, rec.Type)
	}
	if len(bytes.TrimSpace(rec.Data)) == 0 {
		return nil, fmt.Errorf("%w: %s: missing data", ErrMalformedStep, rec.Type)
	}

	dec := json.NewDecoder(bytes.NewReader(rec.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(step); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedStep, rec.Type, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: %s: trailing data", ErrMalformedStep, rec.Type)
	}
	if err := step.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedStep, rec.Type, err)
	}
	return step, nil
}
