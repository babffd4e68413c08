package peerrpc

import (
	"math/big"
	"strings"
	"sync"
)

var bigOne = big.NewInt(1)

// SequentialIDGenerator produces increasing correlation ids. The counter has
// arbitrary precision and is rendered in base 36, so it never wraps.
type SequentialIDGenerator struct {
	mu   sync.Mutex
	next *big.Int
}

// NewSequentialIDGenerator returns a generator whose first id is "1".
func NewSequentialIDGenerator() *SequentialIDGenerator {
	return &SequentialIDGenerator{next: big.NewInt(1)}
}

// Generate returns the next id.
func (g *SequentialIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.next.Text(36)
	g.next.Add(g.next, bigOne)
	return id
}

// CompareSequentialIDs orders ids produced by a SequentialIDGenerator. Longer
// ids are greater; ids of the same length compare lexicographically.
func CompareSequentialIDs(a, b string) int {
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return strings.Compare(a, b)
	}
}
