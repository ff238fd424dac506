package workflow

import (
	"context"
	"fmt"
)

// Step is one unit of a workflow. Run receives the instance key and must be
// idempotent: a crash between finishing the effect and recording the cursor
// replays the step on resume.
type Step struct {
	Name string
	Run  func(ctx context.Context, key string) error
}

// Definition is an immutable, ordered step sequence for a named workflow.
type Definition struct {
	Name  string
	Steps []Step
}

// Registry maps workflow names to definitions. Constructed once at startup
// and passed to the runner; there is no process-wide registry.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry builds a registry from the given definitions.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("workflow definition without a name")
		}
		if len(def.Steps) == 0 {
			return nil, fmt.Errorf("workflow %q has no steps", def.Name)
		}
		for _, s := range def.Steps {
			if s.Name == "" || s.Run == nil {
				return nil, fmt.Errorf("workflow %q has an incomplete step", def.Name)
			}
		}
		if _, dup := r.defs[def.Name]; dup {
			return nil, fmt.Errorf("duplicate workflow definition %q", def.Name)
		}
		r.defs[def.Name] = def
	}
	return r, nil
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}
