// Package inbox buffers call invites for responders that have no live
// connection, until their next join.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"call-signaling/internal/events"
)

const DefaultCapacity = 10

// Entry is one pending invite.
type Entry struct {
	ResponderID string               `json:"responderId"`
	CallID      string               `json:"callId"`
	Payload     events.CallInitiated `json:"payload"`
	QueuedAt    time.Time            `json:"queuedAt"`
}

var ErrInvalidEntry = errors.New("inbox: responder id and call id are required")

// Queue is keyed by responder. At most one entry per (responder, call) is
// kept; pushing the same call again replaces the older entry.
type Queue interface {
	Push(ctx context.Context, e Entry) error
	// Drain removes and returns every entry for the responder, oldest first.
	Drain(ctx context.Context, responderID string) ([]Entry, error)
	Remove(ctx context.Context, responderID, callID string) error
}

// MemoryQueue is the process-local Queue. When a responder's buffer is full
// the oldest entry is dropped.
type MemoryQueue struct {
	mu       sync.Mutex
	capacity int
	entries  map[string][]Entry

	// OnDrop is called for every entry evicted by capacity. Optional.
	OnDrop func(e Entry)
	clock  func() time.Time
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue{capacity: capacity, entries: make(map[string][]Entry), clock: time.Now}
}

func (q *MemoryQueue) Push(ctx context.Context, e Entry) error {
	if e.ResponderID == "" || e.CallID == "" {
		return ErrInvalidEntry
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = q.clock().UTC()
	}
	q.mu.Lock()
	list := withoutCall(q.entries[e.ResponderID], e.CallID)
	list = append(list, e)
	var dropped []Entry
	if over := len(list) - q.capacity; over > 0 {
		dropped = append(dropped, list[:over]...)
		list = append([]Entry(nil), list[over:]...)
	}
	q.entries[e.ResponderID] = list
	q.mu.Unlock()

	if q.OnDrop != nil {
		for _, d := range dropped {
			q.OnDrop(d)
		}
	}
	return nil
}

func (q *MemoryQueue) Drain(ctx context.Context, responderID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.entries[responderID]
	delete(q.entries, responderID)
	return list, nil
}

func (q *MemoryQueue) Remove(ctx context.Context, responderID, callID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := withoutCall(q.entries[responderID], callID)
	if len(list) == 0 {
		delete(q.entries, responderID)
		return nil
	}
	q.entries[responderID] = list
	return nil
}

// Len reports the buffered entries for a responder.
func (q *MemoryQueue) Len(responderID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[responderID])
}

func withoutCall(list []Entry, callID string) []Entry {
	out := make([]Entry, 0, len(list)+1)
	for _, e := range list {
		if e.CallID != callID {
			out = append(out, e)
		}
	}
	return out
}
