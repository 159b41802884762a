package bridge

import (
	"encoding/json"
	"sync"
)

// PendingResult is what a replayed request eventually fulfills the waiting
// future with: either a completed response body or a terminal error.
type PendingResult struct {
	Response json.RawMessage
	Err      error
}

// RequestMeta carries the per-caller context resolved during dispatch
// (token scoping, client address, geo/UA classification) so a parked or
// rebuilt request can be replayed without re-running those lookups.
type RequestMeta struct {
	TokenInfo TokenInfo
	ClientIP  string
	UserAgent string
	Country   string
	City      string
	Platform  string
}

// PendingRequest is one HTTP call awaiting peer reconnection under
// auto-retry: either a brand new call that never reached the registry
// (OriginalRequestID empty), or a previously-dispatched request the
// Recovery layer rebuilt from a saved RequestRecord after the peer dropped
// (OriginalRequestID set).
type PendingRequest struct {
	Future            chan PendingResult
	OpenAIRequest     json.RawMessage
	OriginalRequestID string
	Meta              RequestMeta
}

// NewPendingRequest allocates a PendingRequest with its future ready to receive.
func NewPendingRequest(openaiRequest json.RawMessage, originalRequestID string) *PendingRequest {
	return &PendingRequest{
		Future:            make(chan PendingResult, 1),
		OpenAIRequest:     openaiRequest,
		OriginalRequestID: originalRequestID,
	}
}

// Fulfill resolves the future exactly once; subsequent calls are no-ops.
func (p *PendingRequest) Fulfill(res PendingResult) {
	select {
	case p.Future <- res:
	default:
	}
}

// PendingQueue is the FIFO of requests awaiting peer reconnection.
type PendingQueue struct {
	mu    sync.Mutex
	items []*PendingRequest
}

// NewPendingQueue builds an empty pending queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

// Push appends a request to the back of the queue.
func (q *PendingQueue) Push(p *PendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, p)
}

// DrainAll removes and returns every queued request, in FIFO order, leaving
// the queue empty. Used by Recovery on reconnect.
func (q *PendingQueue) DrainAll() []*PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.items
	q.items = nil
	return drained
}

// Len reports the number of requests currently parked, for monitoring.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
