// Package monitor collects in-process counters and a bounded history of
// completed requests, and reports point-in-time cache/queue occupancy
// pulled from the other components. It implements bridge.UsageLogger so
// the Dispatcher can feed it directly, the same way the teacher's gateway
// hands completed-call records to a billing sink.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/filebed"
	"github.com/rakunlabs/arenabridge/internal/imagepipeline"
)

// historySize bounds the recent-request ring buffer; older entries are
// overwritten rather than grown without limit.
const historySize = 200

// Entry is one completed request retained in the recent-request history.
type Entry struct {
	RequestID string
	Model     string
	Stream    bool
	Duration  time.Duration
	ErrorKind bridge.Kind // empty on success
	At        time.Time
}

// Monitor tracks request counters and a recent-request ring buffer, and
// reports cache/registry occupancy on demand. Safe for concurrent use.
type Monitor struct {
	Registry   *bridge.RequestRegistry
	Disabled   *bridge.DisabledEndpoints
	URLCache   *filebed.URLCache
	ImageCache *imagepipeline.ImageBase64Cache

	mu           sync.Mutex
	total        int64
	streaming    int64
	errorsByKind map[bridge.Kind]int64
	history      []Entry
	next         int
}

// New builds an empty Monitor. Registry/Disabled/URLCache/ImageCache may be
// set directly on the returned value or left nil; Snapshot skips whatever
// collaborator is absent.
func New() *Monitor {
	return &Monitor{
		errorsByKind: make(map[bridge.Kind]int64),
		history:      make([]Entry, 0, historySize),
	}
}

// LogUsage implements bridge.UsageLogger. Wire a Monitor as a
// Dispatcher.Usage to have every request the Dispatcher runs to completion
// folded into the counters and recent-request history; requests that fail
// before a response is assembled are not logged.
func (m *Monitor) LogUsage(_ context.Context, rec bridge.UsageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if rec.Stream {
		m.streaming++
	}
	if rec.ErrorKind != "" {
		m.errorsByKind[rec.ErrorKind]++
	}

	entry := Entry{
		RequestID: rec.RequestID,
		Model:     rec.Model,
		Stream:    rec.Stream,
		Duration:  rec.Duration,
		ErrorKind: rec.ErrorKind,
		At:        time.Now(),
	}

	if len(m.history) < historySize {
		m.history = append(m.history, entry)
	} else {
		m.history[m.next] = entry
	}
	m.next = (m.next + 1) % historySize
}

// Counters is a point-in-time summary of request volume and error rates.
type Counters struct {
	Total        int64
	Streaming    int64
	ErrorsByKind map[bridge.Kind]int64
}

// CacheStats reports the current occupancy of the caches and registries the
// housekeeping sweep keeps bounded.
type CacheStats struct {
	PendingRequests   int
	ImageCacheEntries int
	URLCacheEntries   int
	DisabledEndpoints int
}

// Snapshot returns the current counters, cache occupancy, and recent-request
// history (oldest first). The returned Entry slice is a copy; mutating it
// does not affect the Monitor.
func (m *Monitor) Snapshot() (Counters, CacheStats, []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters := Counters{Total: m.total, Streaming: m.streaming, ErrorsByKind: make(map[bridge.Kind]int64, len(m.errorsByKind))}
	for k, v := range m.errorsByKind {
		counters.ErrorsByKind[k] = v
	}

	var stats CacheStats
	if m.Registry != nil {
		stats.PendingRequests = m.Registry.Len()
	}
	if m.ImageCache != nil {
		stats.ImageCacheEntries = m.ImageCache.Len()
	}
	if m.URLCache != nil {
		stats.URLCacheEntries = m.URLCache.Len()
	}
	if m.Disabled != nil {
		stats.DisabledEndpoints = m.Disabled.Count()
	}

	history := make([]Entry, len(m.history))
	// m.history is append-ordered until it wraps; once full, m.next marks
	// the oldest slot, so rotate it to the front.
	if len(m.history) < historySize {
		copy(history, m.history)
	} else {
		copy(history, m.history[m.next:])
		copy(history[historySize-m.next:], m.history[:m.next])
	}

	return counters, stats, history
}
