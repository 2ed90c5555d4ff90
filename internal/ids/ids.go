// Package ids generates entity identifiers.
package ids

import (
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator interface {
	New() string
}

// UUIDv7 generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so rows keyed by
// these IDs sort by creation time under ORDER BY id.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// New returns a hyphenated UUIDv7. Panics if the random source fails.
func (UUIDv7) New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// OrDefault returns g, or UUIDv7 if g is nil.
func OrDefault(g Generator) Generator {
	if g == nil {
		return UUIDv7{}
	}
	return g
}

// Fixed returns predetermined identifiers in order, then panics once they
// are exhausted so tests fail fast on unexpected extra IDs.
type Fixed struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixed creates a Fixed generator.
func NewFixed(ids ...string) *Fixed {
	return &Fixed{ids: ids}
}

// New returns the next predetermined identifier.
func (g *Fixed) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("ids.Fixed: all identifiers exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
