package domain

import (
	"encoding/json"
	"fmt"
)

// Payload holds the operands of an exercise. Exactly one concrete type
// exists per Kind and it only carries the fields valid for that kind.
type Payload interface {
	Kind() Kind
	Validate() error
}

// AdditionPayload is a sequence of addends.
type AdditionPayload struct {
	Addends []int `json:"addends"`
}

func (AdditionPayload) Kind() Kind { return KindAddition }

func (p AdditionPayload) Validate() error {
	return validateOperands("addends", p.Addends)
}

// MultiplicationPayload is a sequence of multipliers.
type MultiplicationPayload struct {
	Multipliers []int `json:"multipliers"`
}

func (MultiplicationPayload) Kind() Kind { return KindMultiplication }

func (p MultiplicationPayload) Validate() error {
	return validateOperands("multipliers", p.Multipliers)
}

// DerivativePayload is a polynomial of degree Power. Coeffs[0] belongs to
// the highest exponent and Coeffs[Power] is the constant term.
type DerivativePayload struct {
	Power  int   `json:"power"`
	Coeffs []int `json:"coeffs"`
}

func (DerivativePayload) Kind() Kind { return KindDerivative }

func (p DerivativePayload) Validate() error {
	if p.Power < MinPower || p.Power > MaxPower {
		return fmt.Errorf("%w: power %d outside [%d,%d]", ErrInvalidPayload, p.Power, MinPower, MaxPower)
	}
	if len(p.Coeffs) != p.Power+1 {
		return fmt.Errorf("%w: power %d needs %d coeffs, got %d", ErrInvalidPayload, p.Power, p.Power+1, len(p.Coeffs))
	}
	for i, c := range p.Coeffs {
		if c < MinOperand || c > MaxOperand {
			return fmt.Errorf("%w: coeffs[%d]=%d outside [%d,%d]", ErrInvalidPayload, i, c, MinOperand, MaxOperand)
		}
	}
	return nil
}

func validateOperands(field string, ops []int) error {
	if len(ops) < MinOperands || len(ops) > MaxOperands {
		return fmt.Errorf("%w: %s needs %d-%d values, got %d", ErrInvalidPayload, field, MinOperands, MaxOperands, len(ops))
	}
	for i, v := range ops {
		if v < MinOperand || v > MaxOperand {
			return fmt.Errorf("%w: %s[%d]=%d outside [%d,%d]", ErrInvalidPayload, field, i, v, MinOperand, MaxOperand)
		}
	}
	return nil
}

// MarshalPayload encodes a payload in its wire/storage form, including
// the "type" discriminator.
func MarshalPayload(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case AdditionPayload:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			AdditionPayload
		}{KindAddition, v})
	case MultiplicationPayload:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			MultiplicationPayload
		}{KindMultiplication, v})
	case DerivativePayload:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			DerivativePayload
		}{KindDerivative, v})
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrInvalidPayload, p)
	}
}

// UnmarshalPayload decodes a payload written by MarshalPayload.
func UnmarshalPayload(data []byte) (Payload, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	kind, err := ParseKind(head.Type)
	if err != nil {
		return nil, err
	}
	return decodePayload(kind, data)
}

// DecodePayload decodes the kind-specific fields of data for kind.
// Unknown fields are ignored; the result is not validated.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	return decodePayload(kind, data)
}

func decodePayload(kind Kind, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindAddition:
		var v AdditionPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindMultiplication:
		var v MultiplicationPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindDerivative:
		var v DerivativePayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}
