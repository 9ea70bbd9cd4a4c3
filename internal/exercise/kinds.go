package exercise

import (
	"fmt"
	"math/rand/v2"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
)

// GenerateAddition returns 2-10 addends, each in [1,10].
func GenerateAddition(r *rand.Rand) domain.Payload {
	return domain.AdditionPayload{Addends: randomOperands(r)}
}

// CheckAddition is correct iff the addends sum to the answer.
func CheckAddition(p domain.Payload, a domain.Answer) (bool, error) {
	ap, ok := p.(domain.AdditionPayload)
	if !ok {
		return false, fmt.Errorf("%w: want addition payload, got %T", domain.ErrKindMismatch, p)
	}
	var sum int64
	for _, v := range ap.Addends {
		sum += int64(v)
	}
	return domain.ScalarAnswer{Value: sum}.Equal(a), nil
}

// GenerateMultiplication returns 2-10 multipliers, each in [1,10].
func GenerateMultiplication(r *rand.Rand) domain.Payload {
	return domain.MultiplicationPayload{Multipliers: randomOperands(r)}
}

// CheckMultiplication is correct iff the multipliers multiply to the answer.
func CheckMultiplication(p domain.Payload, a domain.Answer) (bool, error) {
	mp, ok := p.(domain.MultiplicationPayload)
	if !ok {
		return false, fmt.Errorf("%w: want multiplication payload, got %T", domain.ErrKindMismatch, p)
	}
	product := int64(1)
	for _, v := range mp.Multipliers {
		product *= int64(v)
	}
	return domain.ScalarAnswer{Value: product}.Equal(a), nil
}

// GenerateDerivative returns a polynomial of degree 2-10 with power+1
// coefficients in [1,10].
func GenerateDerivative(r *rand.Rand) domain.Payload {
	power := between(r, domain.MinPower, domain.MaxPower)
	coeffs := make([]int, power+1)
	for i := range coeffs {
		coeffs[i] = between(r, domain.MinOperand, domain.MaxOperand)
	}
	return domain.DerivativePayload{Power: power, Coeffs: coeffs}
}

// CheckDerivative is correct iff the answer equals Derive(payload).
func CheckDerivative(p domain.Payload, a domain.Answer) (bool, error) {
	dp, ok := p.(domain.DerivativePayload)
	if !ok {
		return false, fmt.Errorf("%w: want derivative payload, got %T", domain.ErrKindMismatch, p)
	}
	return Derive(dp).Equal(a), nil
}

// Derive differentiates positionally. The walk covers every coefficient
// except the last one, from the highest exponent down. A positive
// coefficient emits coeff*exp and lowers exp by one; a non-positive one
// is dropped and exp is left unchanged. The derived power is always
// power-1, whatever was dropped.
func Derive(p domain.DerivativePayload) domain.PolynomialAnswer {
	exp := p.Power
	derived := []int{}
	for _, c := range p.Coeffs[:max(len(p.Coeffs)-1, 0)] {
		if c > 0 {
			derived = append(derived, c*exp)
			exp--
		}
	}
	return domain.PolynomialAnswer{Power: p.Power - 1, Coeffs: derived}
}

func randomOperands(r *rand.Rand) []int {
	n := between(r, domain.MinOperands, domain.MaxOperands)
	ops := make([]int, n)
	for i := range ops {
		ops[i] = between(r, domain.MinOperand, domain.MaxOperand)
	}
	return ops
}

// between returns an int in [lo, hi].
func between(r *rand.Rand, lo, hi int) int {
	return lo + r.IntN(hi-lo+1)
}
