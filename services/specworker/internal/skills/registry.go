package skills

import (
	"context"
	"errors"
	"fmt"
)

// StageFunc executes one pipeline stage. The skills runner drives both the
// direct path and skill adapters through this shape.
type StageFunc func(ctx context.Context) error

// Adapter executes a stage through a named skill.
type Adapter interface {
	// ID identifies the adapter implementation.
	ID() string
	// Execute runs the stage. direct is the stage's direct path, which an
	// adapter may wrap or replace.
	Execute(ctx context.Context, stage string, direct StageFunc) error
}

// Registry maps skill names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register binds a skill name to an adapter. Re-registering a name is an
// error to keep skill routing unambiguous.
func (r *Registry) Register(skill string, a Adapter) error {
	if skill == "" {
		return errors.New("skill name is required")
	}
	if a == nil {
		return errors.New("adapter is required")
	}
	if _, exists := r.adapters[skill]; exists {
		return fmt.Errorf("skill %q is already registered", skill)
	}
	r.adapters[skill] = a
	return nil
}

// Lookup returns the adapter for a skill name.
func (r *Registry) Lookup(skill string) (Adapter, bool) {
	a, ok := r.adapters[skill]
	return a, ok
}

// Skills lists the registered skill names.
func (r *Registry) Skills() []string {
	out := make([]string, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	return out
}

// speckitAdapter is the built-in adapter for the speckit skill, which runs
// the stage's direct path under the skill's identity so rollout and fallback
// accounting apply.
type speckitAdapter struct{}

func (speckitAdapter) ID() string { return "speckit" }

func (speckitAdapter) Execute(ctx context.Context, _ string, direct StageFunc) error {
	return direct(ctx)
}

// DefaultRegistry returns a registry with the built-in speckit skill bound.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Cannot fail: the registry is empty and the name is fixed.
	_ = r.Register("speckit", speckitAdapter{})
	return r
}
