// Package bridge holds the domain types shared by every component of the
// translation engine: the per-request registry, the pending-retry queue,
// the round-robin selector, the endpoint disable list, and the narrow
// interfaces the bridge uses to reach its external collaborators (token
// validation, usage logging, geo/UA classification).
package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rakunlabs/arenabridge/internal/config"
)

// Fragment is one upstream message routed to a request's event queue by the
// WebSocket Hub. The Hub decodes the peer's string/array-of-strings framing
// down to literal prefix-tagged stream text before it lands here; an
// {"error":...} or {"retry_info":{...}} object passes through as raw JSON.
// The Stream Parser interprets whichever shape it receives.
type Fragment = json.RawMessage

// EventQueue is the bounded, blocking channel of raw fragments for one
// in-flight request. The Hub's receive loop pushes; the Stream Parser pops.
// Closing the channel is the canonical terminal signal.
type EventQueue chan Fragment

// RequestRecord is the metadata kept for one in-flight HTTP request, from
// dispatch until the request terminates.
type RequestRecord struct {
	RequestID            string
	CreatedAt            time.Time
	Model                string
	ModelType            config.ModelType
	Stream               bool
	MessagesSnapshot      json.RawMessage
	SessionID            string
	MessageID            string
	ModeOverride         config.IDUpdaterMode
	BattleTargetOverride config.BattleTarget
	TokenInfo            TokenInfo
	ClientIP             string
	UserAgent            string
	Country              string
	City                 string
	Platform             string
}

// registryEntry pairs a record with the queue created alongside it, so that
// both are always created and removed together (the invariant the
// RequestRegistry enforces).
type registryEntry struct {
	record *RequestRecord
	queue  EventQueue
}

// RequestRegistry tracks every in-flight request by requestId. Both the
// event queue and the metadata record are created together at dispatch and
// removed together when the request terminates, except that metadata may
// briefly outlive the queue while usage logging completes.
type RequestRegistry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRequestRegistry builds an empty registry.
func NewRequestRegistry() *RequestRegistry {
	return &RequestRegistry{entries: make(map[string]*registryEntry)}
}

// Create allocates and stores a queue and record pair for requestId.
// queueSize bounds the per-request fragment channel so a slow client cannot
// force unbounded fragment buffering.
func (r *RequestRegistry) Create(record *RequestRecord, queueSize int) EventQueue {
	q := make(EventQueue, queueSize)

	r.mu.Lock()
	r.entries[record.RequestID] = &registryEntry{record: record, queue: q}
	r.mu.Unlock()

	return q
}

// Queue returns the event queue for requestId, or nil, false if unknown.
// Unknown requestIds are the "orphan" case: the caller logs and drops.
func (r *RequestRegistry) Queue(requestID string) (EventQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[requestID]
	if !ok {
		return nil, false
	}
	return e.queue, true
}

// Record returns the metadata for requestId, or nil, false if unknown.
func (r *RequestRegistry) Record(requestID string) (*RequestRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[requestID]
	if !ok {
		return nil, false
	}
	return e.record, true
}

// CloseQueue closes and removes the event queue for requestId without
// dropping the metadata record, used when usage logging still needs it.
func (r *RequestRegistry) CloseQueue(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok || e.queue == nil {
		return
	}
	close(e.queue)
	e.queue = nil
}

// Remove deletes both the queue (closing it if still open) and the record
// for requestId. Safe to call more than once; only the first call has an
// effect, satisfying "removed exactly once".
func (r *RequestRegistry) Remove(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok {
		return
	}
	if e.queue != nil {
		close(e.queue)
	}
	delete(r.entries, requestID)
}

// ReapOlderThan removes every record whose CreatedAt is older than cutoff,
// closing any still-open queue with the given terminal fragment first. It
// returns the requestIds reaped, for logging.
func (r *RequestRegistry) ReapOlderThan(cutoff time.Time, terminal Fragment) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []string
	for id, e := range r.entries {
		if e.record.CreatedAt.After(cutoff) {
			continue
		}
		if e.queue != nil {
			select {
			case e.queue <- terminal:
			default:
			}
			close(e.queue)
		}
		delete(r.entries, id)
		reaped = append(reaped, id)
	}
	return reaped
}

// TerminateAll closes every still-open queue with the given terminal
// fragment and removes every entry, regardless of age. Used when the peer
// disconnects with auto-retry disabled. Returns the requestIds affected.
func (r *RequestRegistry) TerminateAll(terminal Fragment) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.queue != nil {
			select {
			case e.queue <- terminal:
			default:
			}
			close(e.queue)
		}
		delete(r.entries, id)
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns every currently registered RequestRecord, for Recovery
// to rebuild PendingRequests from after a peer disconnect.
func (r *RequestRegistry) Snapshot() []*RequestRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RequestRecord, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.record)
	}
	return out
}

// Len reports the number of in-flight requests, for monitoring.
func (r *RequestRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
