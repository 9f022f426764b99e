// Package queue holds the follow-up messages users send while a thread is busy.
package queue

import (
	"sync"
	"time"

	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/metrics"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Entry is one queued follow-up.
type Entry struct {
	Prompt      string          `json:"prompt"`
	SubmitterID string          `json:"submitterID,omitempty"`
	SubmittedAt time.Time       `json:"submittedAt"`
	Media       []types.Media   `json:"media,omitempty"`
	Overrides   types.Overrides `json:"overrides"`
}

// Queue is a FIFO of entries per thread.
type Queue struct {
	bus     *event.Bus
	metrics *metrics.Metrics

	mu      sync.Mutex
	threads map[string][]Entry
}

// New creates a queue. bus and m may be nil.
func New(bus *event.Bus, m *metrics.Metrics) *Queue {
	return &Queue{bus: bus, metrics: m, threads: make(map[string][]Entry)}
}

// Enqueue appends an entry and returns its 1-based position.
func (q *Queue) Enqueue(threadID string, e Entry) int {
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = time.Now()
	}
	q.mu.Lock()
	q.threads[threadID] = append(q.threads[threadID], e)
	n := len(q.threads[threadID])
	q.mu.Unlock()

	q.changed(threadID, n, 1)
	return n
}

// Pop removes and returns the oldest entry.
func (q *Queue) Pop(threadID string) (Entry, bool) {
	q.mu.Lock()
	entries := q.threads[threadID]
	if len(entries) == 0 {
		q.mu.Unlock()
		return Entry{}, false
	}
	e := entries[0]
	entries[0] = Entry{}
	if len(entries) == 1 {
		delete(q.threads, threadID)
	} else {
		q.threads[threadID] = entries[1:]
	}
	n := len(entries) - 1
	q.mu.Unlock()

	q.changed(threadID, n, -1)
	return e, true
}

// Len returns the number of queued entries.
func (q *Queue) Len(threadID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.threads[threadID])
}

// List returns a copy of the queued entries.
func (q *Queue) List(threadID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.threads[threadID]...)
}

// Clear drops every entry and returns how many were dropped.
func (q *Queue) Clear(threadID string) int {
	q.mu.Lock()
	n := len(q.threads[threadID])
	delete(q.threads, threadID)
	q.mu.Unlock()

	if n > 0 {
		q.changed(threadID, 0, -n)
	}
	return n
}

func (q *Queue) changed(threadID string, length, delta int) {
	q.metrics.QueueChanged(delta)
	if q.bus != nil {
		q.bus.PublishSync(event.Event{Type: event.QueueChanged, Data: event.QueueChangedData{
			ThreadID: threadID,
			Length:   length,
		}})
	}
}
