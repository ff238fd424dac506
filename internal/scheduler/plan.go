package scheduler

import (
	"context"
	"fmt"
	"sort"
)

// Handler executes one unit of work for a plan.
// The payload is opaque to the pool; handlers own its schema.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Plan declares one schedulable task type.
// Plans are immutable once the table is built.
type Plan struct {
	// Tag identifies the plan; requests select plans by tag.
	Tag string
	// Cost is the capacity weight one running request consumes. Min 1.
	Cost int
	// QueueBound caps pending requests for this plan.
	QueueBound int
	// Handler runs on Invoke.
	Handler Handler
	// EmitHandler runs on Emit. Nil falls back to Handler.
	EmitHandler Handler
}

// Spec is a plan declaration loaded from the CUE catalog, before a handler
// is bound to its tag.
type Spec struct {
	Tag        string `json:"tag"`
	Cost       int    `json:"cost"`
	QueueBound int    `json:"queue_bound"`
}

// Table is the immutable tag -> plan mapping built once at startup.
// Dispatch is a map lookup, never dynamic discovery.
type Table struct {
	plans map[string]Plan
}

// NewTable validates and freezes a set of plans.
// Tags must be unique and non-empty; every plan needs a handler. Zero Cost
// defaults to 1 and zero QueueBound to defaultQueueBound.
func NewTable(defaultQueueBound int, plans ...Plan) (*Table, error) {
	if defaultQueueBound < 1 {
		defaultQueueBound = 256
	}

	m := make(map[string]Plan, len(plans))
	for _, p := range plans {
		if p.Tag == "" {
			return nil, fmt.Errorf("plan with empty tag")
		}
		if _, dup := m[p.Tag]; dup {
			return nil, fmt.Errorf("duplicate plan tag %q", p.Tag)
		}
		if p.Handler == nil {
			return nil, fmt.Errorf("plan %q has no handler", p.Tag)
		}
		if p.Cost < 1 {
			p.Cost = 1
		}
		if p.QueueBound < 1 {
			p.QueueBound = defaultQueueBound
		}
		if p.EmitHandler == nil {
			p.EmitHandler = p.Handler
		}
		m[p.Tag] = p
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("plan table is empty")
	}
	return &Table{plans: m}, nil
}

// BuildTable merges catalog specs with code-registered handlers.
// Every spec must have a handler bound to its tag; handlers without a spec
// get default cost and queue bound.
func BuildTable(specs []Spec, handlers map[string]Handler, defaultQueueBound int) (*Table, error) {
	bound := make(map[string]bool, len(specs))
	plans := make([]Plan, 0, len(handlers))
	for _, s := range specs {
		h, ok := handlers[s.Tag]
		if !ok {
			return nil, fmt.Errorf("catalog declares plan %q but no handler is registered", s.Tag)
		}
		bound[s.Tag] = true
		plans = append(plans, Plan{Tag: s.Tag, Cost: s.Cost, QueueBound: s.QueueBound, Handler: h})
	}
	for tag, h := range handlers {
		if !bound[tag] {
			plans = append(plans, Plan{Tag: tag, Handler: h})
		}
	}
	return NewTable(defaultQueueBound, plans...)
}

// Lookup returns the plan for a tag.
func (t *Table) Lookup(tag string) (Plan, bool) {
	p, ok := t.plans[tag]
	return p, ok
}

// Tags returns the registered tags in sorted order. Used for diagnostics.
func (t *Table) Tags() []string {
	tags := make([]string, 0, len(t.plans))
	for tag := range t.plans {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
