// Package message defines the envelopes exchanged over the message
// fabric and decodes them into domain types at the boundary.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
)

// WarmupType is the sentinel "type" of a warm-up message. Warm-ups carry
// nothing to grade and must not change state.
const WarmupType = "warmup"

var validate = validator.New()

// GenerationRequest asks for Count new exercises of Kind for UserID.
type GenerationRequest struct {
	UserID string
	Kind   domain.Kind
	Count  int
}

// GradingRequest carries a submitted answer for one exercise. Payload holds
// the parameters the client submitted with the answer; the stored exercise
// remains authoritative.
type GradingRequest struct {
	UserID     string
	ExerciseID string
	Kind       domain.Kind
	Payload    domain.Payload
	Answer     domain.Answer
	Warmup     bool
}

// Warmup returns a warm-up grading request routed to kind.
func Warmup(kind domain.Kind) GradingRequest {
	return GradingRequest{Kind: kind, Warmup: true}
}

type generationEnvelope struct {
	UID   string `json:"uid" validate:"required"`
	Type  string `json:"type" validate:"required"`
	Count int    `json:"count"`
}

type gradingEnvelope struct {
	UID         string          `json:"uid,omitempty" validate:"required"`
	EID         string          `json:"eid,omitempty" validate:"required"`
	Type        string          `json:"type" validate:"required"`
	Addends     []int           `json:"addends,omitempty"`
	Multipliers []int           `json:"multipliers,omitempty"`
	Power       *int            `json:"power,omitempty"`
	Coeffs      []int           `json:"coeffs,omitempty"`
	Solution    json.RawMessage `json:"solution,omitempty"`
}

// EncodeGeneration returns the wire form {uid, type, count}.
func EncodeGeneration(req GenerationRequest) ([]byte, error) {
	return json.Marshal(generationEnvelope{
		UID:   req.UserID,
		Type:  req.Kind.String(),
		Count: req.Count,
	})
}

// DecodeGeneration parses a generation message delivered on the queue for
// routeKind; an empty routeKind skips the route check. A non-positive count
// is not a decoding error; the generator treats it as a no-op.
func DecodeGeneration(body []byte, routeKind domain.Kind) (GenerationRequest, error) {
	var env generationEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return GenerationRequest{}, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}
	if err := validate.Struct(env); err != nil {
		return GenerationRequest{}, fmt.Errorf("%w: %s", domain.ErrMalformedRequest, describe(err))
	}
	kind, err := domain.ParseKind(env.Type)
	if err != nil {
		return GenerationRequest{}, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}
	if routeKind != "" && kind != routeKind {
		return GenerationRequest{}, fmt.Errorf("%w: %s message on %s route", domain.ErrMalformedRequest, kind, routeKind)
	}
	return GenerationRequest{UserID: env.UID, Kind: kind, Count: env.Count}, nil
}

// EncodeGrading returns the wire form {uid, eid, type, ...fields, solution},
// or {"type":"warmup"} for a warm-up.
func EncodeGrading(req GradingRequest) ([]byte, error) {
	if req.Warmup {
		return json.Marshal(map[string]string{"type": WarmupType})
	}
	if req.Answer == nil || req.Payload == nil {
		return nil, fmt.Errorf("%w: grading request needs payload and answer", domain.ErrMalformedRequest)
	}

	solution, err := domain.MarshalAnswer(req.Answer)
	if err != nil {
		return nil, err
	}
	env := gradingEnvelope{
		UID:      req.UserID,
		EID:      req.ExerciseID,
		Type:     req.Kind.String(),
		Solution: solution,
	}
	switch p := req.Payload.(type) {
	case domain.AdditionPayload:
		env.Addends = p.Addends
	case domain.MultiplicationPayload:
		env.Multipliers = p.Multipliers
	case domain.DerivativePayload:
		power := p.Power
		env.Power = &power
		env.Coeffs = p.Coeffs
	}
	return json.Marshal(env)
}

// IsWarmup reports whether body is a warm-up sentinel.
func IsWarmup(body []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(body, &head) == nil && head.Type == WarmupType
}

// DecodeGrading parses a grading message delivered on the queue for
// routeKind. Missing required fields, operands outside the exercise shape,
// a kind that disagrees with the route or an undecodable solution all wrap
// domain.ErrMalformedRequest.
func DecodeGrading(body []byte, routeKind domain.Kind) (GradingRequest, error) {
	if IsWarmup(body) {
		return Warmup(routeKind), nil
	}

	var env gradingEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return GradingRequest{}, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}
	if err := validate.Struct(env); err != nil {
		return GradingRequest{}, fmt.Errorf("%w: %s", domain.ErrMalformedRequest, describe(err))
	}
	kind, err := domain.ParseKind(env.Type)
	if err != nil {
		return GradingRequest{}, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}
	if routeKind != "" && kind != routeKind {
		return GradingRequest{}, fmt.Errorf("%w: %s message on %s route", domain.ErrMalformedRequest, kind, routeKind)
	}
	return buildGrading(env.UID, env.EID, kind, &env)
}

// Submission is the HTTP body of a solution submission.
type Submission struct {
	EID         string          `json:"eid" validate:"required"`
	Solution    json.RawMessage `json:"solution"`
	Addends     []int           `json:"addends,omitempty"`
	Multipliers []int           `json:"multipliers,omitempty"`
	Power       *int            `json:"power,omitempty"`
	Coeffs      []int           `json:"coeffs,omitempty"`
}

// DecodeSubmission turns an authenticated HTTP submission for kind into a
// grading request.
func DecodeSubmission(userID string, kind domain.Kind, body []byte) (GradingRequest, error) {
	var sub Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return GradingRequest{}, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}
	if err := validate.Struct(sub); err != nil {
		return GradingRequest{}, fmt.Errorf("%w: %s", domain.ErrMalformedRequest, describe(err))
	}
	return buildGrading(userID, sub.EID, kind, &gradingEnvelope{
		Addends:     sub.Addends,
		Multipliers: sub.Multipliers,
		Power:       sub.Power,
		Coeffs:      sub.Coeffs,
		Solution:    sub.Solution,
	})
}

func buildGrading(uid, eid string, kind domain.Kind, env *gradingEnvelope) (GradingRequest, error) {
	var payload domain.Payload
	switch kind {
	case domain.KindAddition:
		if len(env.Addends) == 0 {
			return GradingRequest{}, missing("addends")
		}
		payload = domain.AdditionPayload{Addends: env.Addends}
	case domain.KindMultiplication:
		if len(env.Multipliers) == 0 {
			return GradingRequest{}, missing("multipliers")
		}
		payload = domain.MultiplicationPayload{Multipliers: env.Multipliers}
	case domain.KindDerivative:
		if env.Power == nil {
			return GradingRequest{}, missing("power")
		}
		if len(env.Coeffs) == 0 {
			return GradingRequest{}, missing("coeffs")
		}
		payload = domain.DerivativePayload{Power: *env.Power, Coeffs: env.Coeffs}
	default:
		return GradingRequest{}, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, domain.ErrInvalidKind)
	}
	if err := payload.Validate(); err != nil {
		return GradingRequest{}, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}

	answer, err := domain.DecodeAnswer(kind, env.Solution)
	if err != nil {
		return GradingRequest{}, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}

	return GradingRequest{
		UserID:     uid,
		ExerciseID: eid,
		Kind:       kind,
		Payload:    payload,
		Answer:     answer,
	}, nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing required field %q", domain.ErrMalformedRequest, field)
}

// describe flattens validator errors into "field is required" phrases.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s is %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
