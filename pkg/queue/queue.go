// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue implements the bounded, priority-ordered, time-scheduled
// in-memory queue mirrored to the durable queue_entries table.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abcxyz/webhook-correlator/pkg/events"
	"github.com/abcxyz/webhook-correlator/pkg/store"
)

var (
	// ErrFull is returned when admission would exceed the bound.
	ErrFull = errors.New("queue: full")
)

// DefaultMaxSize bounds the queue when no limit is configured.
const DefaultMaxSize = 10000

// Queue holds pending entries in two heaps: entries whose scheduled_at has
// not arrived wait in a time-ordered heap, eligible entries sit in a
// priority-ordered heap. Selection therefore always honors "filter eligible
// first, then order by priority, scheduled_at, entry_id".
type Queue struct {
	store store.QueueStore
	max   int

	mu      sync.Mutex
	ready   readyHeap
	waiting waitingHeap
	known   map[string]bool // entry ids currently admitted

	notify chan struct{}
	now    func() time.Time
}

// New creates an empty queue mirrored to the given store.
func New(s store.QueueStore, maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue{
		store:  s,
		max:    maxSize,
		known:  map[string]bool{},
		notify: make(chan struct{}, 1),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Recover loads pending and processing entries from the store, resetting
// processing entries stale from a crash back to pending. Returns how many
// entries were admitted. Recovery admits past the bound rather than drop
// durable entries.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if _, err := q.store.ResetProcessingEntries(ctx); err != nil {
		return 0, fmt.Errorf("failed to reset stale entries: %w", err)
	}

	entries, err := q.store.ActiveEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active entries: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		q.admitLocked(e)
	}
	q.wake()
	return len(entries), nil
}

// Admit adds an already-persisted entry to the in-memory queue. The caller
// is responsible for the durable write (the ingress path persists through
// EventStore.InsertEvent, the retry path through RescheduleEntry).
func (q *Queue) Admit(entry *events.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.known[entry.EntryID] {
		return nil
	}
	if q.sizeLocked() >= q.max {
		return ErrFull
	}
	q.admitLocked(entry)
	q.wake()
	return nil
}

func (q *Queue) admitLocked(entry *events.QueueEntry) {
	cp := *entry
	cp.Status = events.QueuePending
	q.known[cp.EntryID] = true
	if cp.ScheduledAt.After(q.now()) {
		heap.Push(&q.waiting, &cp)
	} else {
		heap.Push(&q.ready, &cp)
	}
}

// Size returns the number of admitted entries not yet claimed.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *Queue) sizeLocked() int {
	return q.ready.Len() + q.waiting.Len()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// promoteLocked moves entries whose time has come into the ready heap and
// returns how long until the next waiting entry becomes eligible (zero when
// nothing is waiting).
func (q *Queue) promoteLocked(now time.Time) time.Duration {
	for q.waiting.Len() > 0 && !q.waiting[0].ScheduledAt.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.waiting))
	}
	if q.waiting.Len() == 0 {
		return 0
	}
	return q.waiting[0].ScheduledAt.Sub(now)
}

// Claim blocks until an eligible entry can be atomically claimed
// (pending -> processing in the store) and returns it. Entries that lost
// their pending status out of band, e.g. cancelled on workflow completion,
// are dropped silently. Returns the context error on cancellation.
func (q *Queue) Claim(ctx context.Context) (*events.QueueEntry, error) {
	for {
		q.mu.Lock()
		now := q.now()
		wait := q.promoteLocked(now)
		var entry *events.QueueEntry
		if q.ready.Len() > 0 {
			entry = heap.Pop(&q.ready).(*events.QueueEntry)
			delete(q.known, entry.EntryID)
		}
		q.mu.Unlock()

		if entry != nil {
			claimed, err := q.store.ClaimEntry(ctx, entry.EntryID, q.now())
			if err != nil {
				// Store hiccup: put the entry back and surface the error
				// so the worker can back off.
				if admitErr := q.Admit(entry); admitErr != nil {
					err = errors.Join(err, admitErr)
				}
				return nil, fmt.Errorf("failed to claim entry: %w", err)
			}
			if !claimed {
				continue
			}
			entry.Status = events.QueueProcessing
			started := q.now()
			entry.StartedAt = &started
			return entry, nil
		}

		// Nothing eligible: sleep until the next scheduled entry, a new
		// admission, or cancellation.
		if wait <= 0 || wait > time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err() //nolint:wrapcheck // Want passthrough
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// readyHeap orders eligible entries by priority descending, then
// scheduled_at ascending, then entry_id ascending.
type readyHeap []*events.QueueEntry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].ScheduledAt.Before(h[j].ScheduledAt)
	}
	return h[i].EntryID < h[j].EntryID
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*events.QueueEntry)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// waitingHeap orders not-yet-eligible entries by scheduled_at ascending.
type waitingHeap []*events.QueueEntry

func (h waitingHeap) Len() int { return len(h) }

func (h waitingHeap) Less(i, j int) bool {
	if !h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].ScheduledAt.Before(h[j].ScheduledAt)
	}
	return h[i].EntryID < h[j].EntryID
}

func (h waitingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitingHeap) Push(x any) { *h = append(*h, x.(*events.QueueEntry)) }

func (h *waitingHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
