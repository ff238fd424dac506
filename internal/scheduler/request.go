package scheduler

import (
	"sync"

	"github.com/google/uuid"
)

// Request is one tagged unit of work submitted to the pool.
// The tag selects the resource plan and hence the handler and its
// success/error semantics.
type Request struct {
	// Tag selects the resource plan.
	Tag string
	// CorrelationID links an invoke to its response. Assigned by the pool
	// when empty.
	CorrelationID string
	// IdempotencyKey, when set, deduplicates invoke effects: a completed
	// result is recorded under the key and replayed for identical retries.
	IdempotencyKey string
	// Payload is opaque to the pool.
	Payload []byte
}

// Response carries the matching correlation id and either a success payload
// or the handler's error.
type Response struct {
	CorrelationID string
	Payload       []byte
	Err           error
}

// CorrelationGenerator generates correlation ids for invoke requests.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type CorrelationGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 correlation ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, making ids
// sortable by creation time, which helps when reading dispatch traces.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined correlation ids for testing.
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
// Panics when the ids are exhausted - fail fast on test misconfiguration.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all correlation ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
