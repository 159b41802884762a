package bridge

import (
	"sync"
	"time"
)

// DisabledEndpoints tracks file-bed endpoints taken out of rotation after a
// failed upload, along with when they were disabled. An entry older than
// the configured recovery window is treated as re-enabled without
// requiring an explicit re-enable call; housekeeping also sweeps expired
// entries out of the map so it does not grow unbounded.
type DisabledEndpoints struct {
	mu       sync.Mutex
	disabledAt map[string]time.Time
}

// NewDisabledEndpoints builds an empty tracker.
func NewDisabledEndpoints() *DisabledEndpoints {
	return &DisabledEndpoints{disabledAt: make(map[string]time.Time)}
}

// Disable marks name as disabled as of now.
func (d *DisabledEndpoints) Disable(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disabledAt[name] = time.Now()
}

// IsDisabled reports whether name is currently disabled given recovery, the
// auto-recovery window. An expired entry is removed as a side effect.
func (d *DisabledEndpoints) IsDisabled(name string, recovery time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.disabledAt[name]
	if !ok {
		return false
	}
	if time.Since(at) >= recovery {
		delete(d.disabledAt, name)
		return false
	}
	return true
}

// Count returns the number of endpoints currently tracked as disabled,
// regardless of how close they are to their recovery window. Used for
// monitoring snapshots only; does not prune expired entries.
func (d *DisabledEndpoints) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.disabledAt)
}

// Sweep removes every entry older than recovery, returning the endpoint
// names that were re-enabled. Called by housekeeping on its fixed cadence.
func (d *DisabledEndpoints) Sweep(recovery time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var reenabled []string
	for name, at := range d.disabledAt {
		if time.Since(at) >= recovery {
			delete(d.disabledAt, name)
			reenabled = append(reenabled, name)
		}
	}
	return reenabled
}
