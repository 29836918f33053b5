package idgenerator

import "sync/atomic"

// IdGenerator hands out monotonically increasing uint64 IDs in a
// concurrency-safe manner. The first Id() returns startValue+1, so a
// generator started at 0 never yields 0 and callers can use 0 as "no ID".
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first ID is startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next ID by atomically incrementing the internal counter.
//
// Returns:
//   - The next uint64 ID
func (g *IdGenerator) Id() uint64 {
	return g.id.Add(1)
}

// Last returns the most recently issued ID, or the start value if none has
// been issued yet.
func (g *IdGenerator) Last() uint64 {
	return g.id.Load()
}
