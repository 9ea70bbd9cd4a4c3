package exercise

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
)

// GenerateFunc produces a random payload of valid shape.
type GenerateFunc func(r *rand.Rand) domain.Payload

// CheckFunc evaluates a submitted answer against a payload. It has no
// side effects.
type CheckFunc func(p domain.Payload, a domain.Answer) (bool, error)

// Spec binds a kind to its generator and correctness predicate.
type Spec struct {
	Kind     domain.Kind
	Generate GenerateFunc
	Check    CheckFunc
}

// Registry provides the generator and predicate for every kind. The
// random source is shared and guarded, so a Registry is safe for
// concurrent use.
type Registry struct {
	mu    sync.Mutex
	rng   *rand.Rand
	specs map[domain.Kind]Spec
}

// NewRegistry creates a registry with the built-in kinds and a
// time-seeded random source.
func NewRegistry() *Registry {
	now := uint64(time.Now().UnixNano())
	return NewSeededRegistry(now, now>>17|1)
}

// NewSeededRegistry creates a registry whose generated payloads are
// reproducible for the given seeds.
func NewSeededRegistry(seed1, seed2 uint64) *Registry {
	r := &Registry{
		rng:   rand.New(rand.NewPCG(seed1, seed2)),
		specs: make(map[domain.Kind]Spec),
	}
	r.Register(Spec{Kind: domain.KindAddition, Generate: GenerateAddition, Check: CheckAddition})
	r.Register(Spec{Kind: domain.KindMultiplication, Generate: GenerateMultiplication, Check: CheckMultiplication})
	r.Register(Spec{Kind: domain.KindDerivative, Generate: GenerateDerivative, Check: CheckDerivative})
	return r
}

// Register adds or replaces the spec for a kind.
func (r *Registry) Register(spec Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Kind] = spec
}

// Get returns the spec for a kind.
func (r *Registry) Get(kind domain.Kind) (Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, ok := r.specs[kind]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}
	return spec, nil
}

// Generate produces one random payload for kind.
func (r *Registry) Generate(kind domain.Kind) (domain.Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, ok := r.specs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}
	return spec.Generate(r.rng), nil
}

// Check evaluates an answer with the predicate of the payload's kind.
func (r *Registry) Check(p domain.Payload, a domain.Answer) (bool, error) {
	spec, err := r.Get(p.Kind())
	if err != nil {
		return false, err
	}
	return spec.Check(p, a)
}

// Kinds returns the registered kinds in a stable order.
func (r *Registry) Kinds() []domain.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]domain.Kind, 0, len(r.specs))
	for _, k := range domain.AllKinds() {
		if _, ok := r.specs[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
