package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Answer is a submitted solution. Addition and multiplication take a
// ScalarAnswer; derivatives take a PolynomialAnswer.
type Answer interface {
	Equal(other Answer) bool
	isAnswer()
}

// ScalarAnswer is an integer result.
type ScalarAnswer struct {
	Value int64
}

func (ScalarAnswer) isAnswer() {}

func (a ScalarAnswer) Equal(other Answer) bool {
	o, ok := other.(ScalarAnswer)
	return ok && o.Value == a.Value
}

func (a ScalarAnswer) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Value)
}

// PolynomialAnswer is a derived polynomial. Coeffs are ordered from the
// highest exponent down.
type PolynomialAnswer struct {
	Power  int   `json:"power"`
	Coeffs []int `json:"coeffs"`
}

func (PolynomialAnswer) isAnswer() {}

func (a PolynomialAnswer) Equal(other Answer) bool {
	o, ok := other.(PolynomialAnswer)
	return ok && o.Power == a.Power && slices.Equal(o.Coeffs, a.Coeffs)
}

func (a PolynomialAnswer) MarshalJSON() ([]byte, error) {
	coeffs := a.Coeffs
	if coeffs == nil {
		coeffs = []int{}
	}
	return json.Marshal(struct {
		Power  int   `json:"power"`
		Coeffs []int `json:"coeffs"`
	}{a.Power, coeffs})
}

// MarshalAnswer encodes an answer for storage.
func MarshalAnswer(a Answer) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil answer", ErrInvalidAnswer)
	}
	return json.Marshal(a)
}

// DecodeAnswer decodes a raw solution for the given kind. Scalar kinds
// require an integral JSON number; derivatives require an object with
// both power and coeffs.
func DecodeAnswer(kind Kind, raw json.RawMessage) (Answer, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: missing solution", ErrInvalidAnswer)
	}

	switch kind {
	case KindAddition, KindMultiplication:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("%w: solution must be a number", ErrInvalidAnswer)
		}
		if v, err := n.Int64(); err == nil {
			return ScalarAnswer{Value: v}, nil
		}
		// 9.0 is accepted as 9; 9.5 is not.
		f, err := n.Float64()
		if err != nil || f != float64(int64(f)) {
			return nil, fmt.Errorf("%w: solution %s is not an integer", ErrInvalidAnswer, n)
		}
		return ScalarAnswer{Value: int64(f)}, nil

	case KindDerivative:
		var v struct {
			Power  *int  `json:"power"`
			Coeffs []int `json:"coeffs"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
		}
		if v.Power == nil || v.Coeffs == nil {
			return nil, fmt.Errorf("%w: derivative solution needs power and coeffs", ErrInvalidAnswer)
		}
		return PolynomialAnswer{Power: *v.Power, Coeffs: v.Coeffs}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}
