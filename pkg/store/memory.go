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

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/abcxyz/webhook-correlator/pkg/events"
)

// Memory is an in-process Store used by tests. All operations take the
// same lock, which is more than enough for test workloads.
type Memory struct {
	mu sync.Mutex

	events      map[string]*events.Event
	history     map[string][]*events.Event
	entries     map[string]*events.QueueEntry
	workflows   map[string]*events.Workflow
	correlation map[events.Identifier][]string // identifier -> workflow ids

	// FailNext makes the next operation fail, to exercise the
	// store-unavailable paths.
	FailNext bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:      map[string]*events.Event{},
		history:     map[string][]*events.Event{},
		entries:     map[string]*events.QueueEntry{},
		workflows:   map[string]*events.Workflow{},
		correlation: map[events.Identifier][]string{},
	}
}

func (m *Memory) failNext() error {
	if m.FailNext {
		m.FailNext = false
		return fmt.Errorf("store unavailable")
	}
	return nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failNext()
}

func (m *Memory) Close() error { return nil }

func (m *Memory) InsertEvent(_ context.Context, ev *events.Event, entry *events.QueueEntry, contentSince time.Time) (InsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return 0, err
	}

	if _, ok := m.events[ev.ID]; ok {
		return DuplicateDelivery, nil
	}
	if ev.SemanticKey != "" {
		for _, e := range m.events {
			if e.SemanticKey == ev.SemanticKey && e.RawBytesHash == ev.RawBytesHash && !e.ReceivedAt.Before(contentSince) {
				return DuplicateContent, nil
			}
		}
	}
	cp := *ev
	m.events[ev.ID] = &cp
	if entry != nil {
		ecp := *entry
		m.entries[entry.EntryID] = &ecp
	}
	return Inserted, nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}

	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %q: %w", id, ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) UpdateEventStatus(_ context.Context, id string, status events.Status, retryCount int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	ev, ok := m.events[id]
	if !ok || ev.Status == events.StatusProcessed {
		return fmt.Errorf("event %q is processed or missing: %w", id, ErrConflict)
	}
	ev.Status = status
	ev.RetryCount = retryCount
	ev.LastError = lastError
	return nil
}

func (m *Memory) ResetEventForReplay(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	ev, ok := m.events[id]
	if !ok {
		return fmt.Errorf("event %q: %w", id, ErrNotFound)
	}
	cp := *ev
	m.history[id] = append(m.history[id], &cp)
	ev.Status = events.StatusReceived
	ev.RetryCount = 0
	ev.LastError = ""
	return nil
}

// EventHistory returns the replay history sidecar for an event.
func (m *Memory) EventHistory(id string) []*events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history[id])
}

func (m *Memory) PruneEvents(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, ev := range m.events {
		if ev.Status.Terminal() && ev.ReceivedAt.Before(olderThan) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ActiveEntries(_ context.Context) ([]*events.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}

	var out []*events.QueueEntry
	for _, e := range m.entries {
		if e.Status == events.QueuePending || e.Status == events.QueueProcessing {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

func (m *Memory) ResetProcessingEntries(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, e := range m.entries {
		if e.Status == events.QueueProcessing {
			e.Status = events.QueuePending
			e.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertEntry(_ context.Context, entry *events.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	cp := *entry
	m.entries[entry.EntryID] = &cp
	return nil
}

func (m *Memory) ActiveEntryForEvent(_ context.Context, eventID string) (*events.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.EventID == eventID && (e.Status == events.QueuePending || e.Status == events.QueueProcessing) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("entry for event %q: %w", eventID, ErrNotFound)
}

func (m *Memory) ClaimEntry(_ context.Context, entryID string, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return false, err
	}

	e, ok := m.entries[entryID]
	if !ok || e.Status != events.QueuePending {
		return false, nil
	}
	e.Status = events.QueueProcessing
	e.StartedAt = &startedAt
	return true, nil
}

func (m *Memory) CompleteEntry(_ context.Context, entryID string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %q: %w", entryID, ErrNotFound)
	}
	e.Status = events.QueueCompleted
	e.CompletedAt = &completedAt
	return nil
}

func (m *Memory) RescheduleEntry(_ context.Context, entryID string, scheduledAt time.Time, retryCount int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %q: %w", entryID, ErrNotFound)
	}
	e.Status = events.QueuePending
	e.ScheduledAt = scheduledAt
	e.RetryCount = retryCount
	e.LastError = lastError
	e.StartedAt = nil
	return nil
}

func (m *Memory) DeadEntry(_ context.Context, entryID, lastError string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %q: %w", entryID, ErrNotFound)
	}
	e.Status = events.QueueDead
	e.LastError = lastError
	e.CompletedAt = &at
	return nil
}

func (m *Memory) DeadEntries(_ context.Context, limit int) ([]*events.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*events.QueueEntry
	for _, e := range m.entries {
		if e.Status == events.QueueDead {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CancelPendingEntries(_ context.Context, eventIDs []string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, e := range m.entries {
		if e.Status == events.QueuePending && slices.Contains(eventIDs, e.EventID) {
			e.Status = events.QueueCompleted
			e.CompletedAt = &at
			e.LastError = "cancelled: workflow completed"
			n++
		}
	}
	return n, nil
}

func (m *Memory) PruneEntries(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, e := range m.entries {
		terminal := e.Status == events.QueueCompleted || e.Status == events.QueueFailed || e.Status == events.QueueDead
		if terminal && e.CompletedAt != nil && e.CompletedAt.Before(olderThan) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// Entry returns a copy of a queue entry by ID, for test assertions.
func (m *Memory) Entry(entryID string) *events.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

func (m *Memory) InsertWorkflow(_ context.Context, wf *events.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	cp := *wf
	cp.EventIDs = slices.Clone(wf.EventIDs)
	cp.Identifiers = slices.Clone(wf.Identifiers)
	m.workflows[wf.WorkflowID] = &cp
	for _, id := range wf.Identifiers {
		m.correlation[id] = append(m.correlation[id], wf.WorkflowID)
	}
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (*events.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	cp := *wf
	cp.EventIDs = slices.Clone(wf.EventIDs)
	cp.Identifiers = slices.Clone(wf.Identifiers)
	return &cp, nil
}

func (m *Memory) AppendWorkflowEvent(_ context.Context, workflowID, eventID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	wf, ok := m.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %q: %w", workflowID, ErrNotFound)
	}
	if slices.Contains(wf.EventIDs, eventID) {
		return nil
	}
	wf.EventIDs = append(wf.EventIDs, eventID)
	// Member order follows event receipt time, not processing order.
	recv := func(id string) time.Time {
		if ev, ok := m.events[id]; ok {
			return ev.ReceivedAt
		}
		return time.Time{}
	}
	sort.SliceStable(wf.EventIDs, func(i, j int) bool {
		a, b := recv(wf.EventIDs[i]), recv(wf.EventIDs[j])
		if a.Equal(b) {
			return wf.EventIDs[i] < wf.EventIDs[j]
		}
		return a.Before(b)
	})
	wf.LastEventID = eventID
	wf.UpdatedAt = ts
	return nil
}

func (m *Memory) CompleteWorkflow(_ context.Context, workflowID, completingEventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %q: %w", workflowID, ErrNotFound)
	}
	if wf.Status != events.WorkflowActive {
		return nil
	}
	wf.Status = events.WorkflowCompleted
	wf.CompletedAt = &at
	wf.CompletingEventID = completingEventID
	wf.UpdatedAt = at
	return nil
}

func (m *Memory) InsertCorrelations(_ context.Context, workflowID, eventID string, ids []events.Identifier, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if !slices.Contains(m.correlation[id], workflowID) {
			m.correlation[id] = append(m.correlation[id], workflowID)
		}
	}
	if wf, ok := m.workflows[workflowID]; ok {
		for _, id := range ids {
			if !slices.Contains(wf.Identifiers, id) {
				wf.Identifiers = append(wf.Identifiers, id)
			}
		}
	}
	return nil
}

func (m *Memory) WorkflowIDsForIdentifiers(_ context.Context, ids []events.Identifier) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}

	var out []string
	for _, id := range ids {
		for _, wfID := range m.correlation[id] {
			if !slices.Contains(out, wfID) {
				out = append(out, wfID)
			}
		}
	}
	return out, nil
}

func (m *Memory) ActiveWorkflows(_ context.Context, workflowIDs []string) ([]*events.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*events.Workflow
	for _, id := range workflowIDs {
		if wf, ok := m.workflows[id]; ok && wf.Status == events.WorkflowActive {
			cp := *wf
			cp.EventIDs = slices.Clone(wf.EventIDs)
			cp.Identifiers = slices.Clone(wf.Identifiers)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) PruneWorkflows(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, wf := range m.workflows {
		if wf.Status != events.WorkflowActive && wf.UpdatedAt.Before(olderThan) {
			delete(m.workflows, id)
			for ident, wfIDs := range m.correlation {
				m.correlation[ident] = slices.DeleteFunc(wfIDs, func(s string) bool { return s == id })
			}
			n++
		}
	}
	return n, nil
}
