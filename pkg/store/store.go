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

// Package store defines the narrow durable-state interface the pipeline
// consumes, with a Postgres implementation for production and an in-memory
// implementation for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/abcxyz/webhook-correlator/pkg/events"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrConflict is returned when a conditional update lost to a
	// concurrent writer, e.g. a claim on an entry that is no longer
	// pending.
	ErrConflict = errors.New("store: conflicting update")
)

// InsertOutcome is the result of a conditional event insert.
type InsertOutcome int

const (
	// Inserted means the event and its entry were appended.
	Inserted InsertOutcome = iota

	// DuplicateDelivery means an event with the same delivery ID already
	// exists.
	DuplicateDelivery

	// DuplicateContent means an event with the same semantic key and raw
	// body hash was received at or after the dedup cutoff.
	DuplicateContent
)

// EventStore persists canonical event records.
type EventStore interface {
	// InsertEvent atomically appends the event and its queue entry. Both
	// writes succeed or both fail. The insert is conditional: it is
	// refused when the delivery ID exists, or when an event with the same
	// semantic key and raw body hash was received at or after
	// contentSince. The content check and the insert are a single atomic
	// operation, so concurrent deliveries of identical content cannot
	// both land. Events with an empty semantic key skip the content
	// check.
	InsertEvent(ctx context.Context, ev *events.Event, entry *events.QueueEntry, contentSince time.Time) (InsertOutcome, error)

	GetEvent(ctx context.Context, id string) (*events.Event, error)

	// UpdateEventStatus transitions an event. Transitions away from
	// processed are refused with ErrConflict.
	UpdateEventStatus(ctx context.Context, id string, status events.Status, retryCount int, lastError string) error

	// ResetEventForReplay records the current state in the event history
	// sidecar, then resets the event to received with a zero retry count.
	// Only the admin replay path calls this.
	ResetEventForReplay(ctx context.Context, id string) error

	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

// QueueStore persists queue entries, mirroring the in-memory queue.
type QueueStore interface {
	// ActiveEntries returns all pending and processing entries, for queue
	// recovery on startup.
	ActiveEntries(ctx context.Context) ([]*events.QueueEntry, error)

	// ResetProcessingEntries flips entries stale from a crash back to
	// pending and returns how many were reset.
	ResetProcessingEntries(ctx context.Context) (int64, error)

	// InsertEntry appends a new entry. Used by the admin replay path; the
	// ingress path inserts entries through InsertEvent.
	InsertEntry(ctx context.Context, entry *events.QueueEntry) error

	// ActiveEntryForEvent returns the pending or processing entry for an
	// event, or ErrNotFound.
	ActiveEntryForEvent(ctx context.Context, eventID string) (*events.QueueEntry, error)

	// ClaimEntry CASes an entry from pending to processing. Returns false
	// when the entry is no longer pending.
	ClaimEntry(ctx context.Context, entryID string, startedAt time.Time) (bool, error)

	CompleteEntry(ctx context.Context, entryID string, completedAt time.Time) error

	// RescheduleEntry returns a failed entry to pending with a new
	// eligibility time and an incremented retry count.
	RescheduleEntry(ctx context.Context, entryID string, scheduledAt time.Time, retryCount int, lastError string) error

	// DeadEntry moves an entry to the dead-letter state.
	DeadEntry(ctx context.Context, entryID, lastError string, at time.Time) error

	DeadEntries(ctx context.Context, limit int) ([]*events.QueueEntry, error)

	// CancelPendingEntries completes pending entries for the given events
	// without running them. Used when workflow completion cancels
	// in-flight retries.
	CancelPendingEntries(ctx context.Context, eventIDs []string, at time.Time) (int64, error)

	PruneEntries(ctx context.Context, olderThan time.Time) (int64, error)
}

// WorkflowStore persists workflows and the correlation index.
type WorkflowStore interface {
	// InsertWorkflow appends a new active workflow and its initial
	// correlation rows.
	InsertWorkflow(ctx context.Context, wf *events.Workflow) error

	GetWorkflow(ctx context.Context, id string) (*events.Workflow, error)

	// AppendWorkflowEvent adds an event to the workflow's event list,
	// keeping the list ordered by event receipt time rather than
	// processing order. Appending an event that is already present is a
	// no-op.
	AppendWorkflowEvent(ctx context.Context, workflowID, eventID string, ts time.Time) error

	// CompleteWorkflow transitions an active workflow to completed.
	// Completed workflows are never reopened; completing twice is a no-op.
	CompleteWorkflow(ctx context.Context, workflowID, completingEventID string, at time.Time) error

	// InsertCorrelations records identifier rows pointing at a workflow.
	InsertCorrelations(ctx context.Context, workflowID, eventID string, ids []events.Identifier, ts time.Time) error

	// WorkflowIDsForIdentifiers returns the distinct workflow IDs any of
	// the identifiers map to.
	WorkflowIDsForIdentifiers(ctx context.Context, ids []events.Identifier) ([]string, error)

	// ActiveWorkflows loads the subset of the given workflows that are
	// still active.
	ActiveWorkflows(ctx context.Context, workflowIDs []string) ([]*events.Workflow, error)

	PruneWorkflows(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store is the single coherent durable backing for the pipeline.
type Store interface {
	EventStore
	QueueStore
	WorkflowStore

	Ping(ctx context.Context) error
	Close() error
}
