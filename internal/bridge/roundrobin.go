package bridge

import "sync"

// RoundRobinIndex tracks the next endpoint index to hand out per model name.
// Read-modify-write is performed under a single lock so that concurrent
// dispatches never observe or produce a torn index.
type RoundRobinIndex struct {
	mu    sync.Mutex
	index map[string]uint
}

// NewRoundRobinIndex builds an empty index; all models implicitly start at 0.
func NewRoundRobinIndex() *RoundRobinIndex {
	return &RoundRobinIndex{index: make(map[string]uint)}
}

// Next returns the endpoint index to use for model out of n candidates, and
// advances the stored index to (idx+1) mod n. n must be > 0.
func (r *RoundRobinIndex) Next(model string, n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.index[model]
	next := (idx + 1) % uint(n)
	r.index[model] = next

	return int(idx % uint(n))
}

// Peek returns the current index for model without advancing it, for tests
// and monitoring.
func (r *RoundRobinIndex) Peek(model string) uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index[model]
}
