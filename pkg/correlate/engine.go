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

// Package correlate stitches events into workflows by the repository, PR,
// branch, commit and user identifiers they carry.
package correlate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/webhook-correlator/pkg/events"
	"github.com/abcxyz/webhook-correlator/pkg/store"
)

// Engine associates events with workflows. Appends within one workflow
// serialize on a per-workflow mutex; unrelated workflows proceed
// concurrently.
type Engine struct {
	store store.Store

	// cancelOnComplete completes the pending queue entries of a
	// workflow's earlier events when the workflow completes.
	cancelOnComplete bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithCancelOnComplete makes workflow completion cancel pending retries for
// the workflow's events.
func WithCancelOnComplete() Option {
	return func(e *Engine) { e.cancelOnComplete = true }
}

// NewEngine creates a correlation engine over the given store.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store: s,
		locks: map[string]*sync.Mutex{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome describes what correlation did with an event.
type Outcome struct {
	// WorkflowID is empty when the event was not associated.
	WorkflowID string

	// Started is true when this event opened a new workflow.
	Started bool

	// Completed is true when this event completed its workflow.
	Completed bool

	Identifiers []events.Identifier
}

func (e *Engine) workflowLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Correlate looks up the workflows the event's identifiers map to, appends
// the event to the most recently updated active one, or opens a new
// workflow when the event is a start trigger. Events matching nothing are
// dispatched stand-alone.
func (e *Engine) Correlate(ctx context.Context, ev *events.Event) (*Outcome, error) {
	logger := logging.FromContext(ctx)

	ids := events.Identifiers(ev)
	if len(ids) == 0 {
		return &Outcome{}, nil
	}

	candidates, err := e.store.WorkflowIDsForIdentifiers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup identifiers: %w", err)
	}

	active, err := e.store.ActiveWorkflows(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate workflows: %w", err)
	}

	if len(active) > 0 {
		wf := active[0]
		for _, cand := range active[1:] {
			if cand.UpdatedAt.After(wf.UpdatedAt) {
				wf = cand
			}
		}
		return e.appendToWorkflow(ctx, wf, ev, ids)
	}

	if events.StartsWorkflow(ev) {
		return e.openWorkflow(ctx, ev, ids)
	}

	logger.DebugContext(ctx, "event has no workflow association",
		"event_id", ev.ID,
		"event_type", ev.Type)
	return &Outcome{Identifiers: ids}, nil
}

func (e *Engine) openWorkflow(ctx context.Context, ev *events.Event, ids []events.Identifier) (*Outcome, error) {
	logger := logging.FromContext(ctx)
	now := e.now()

	wf := &events.Workflow{
		WorkflowID:        events.NewWorkflowID(ev, now),
		Type:              events.WorkflowTypeFor(ev),
		Status:            events.WorkflowActive,
		CreatedAt:         now,
		UpdatedAt:         now,
		TriggeringEventID: ev.ID,
		LastEventID:       ev.ID,
		EventIDs:          []string{ev.ID},
		Identifiers:       ids,
	}
	if err := e.store.InsertWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to open workflow: %w", err)
	}

	logger.InfoContext(ctx, "opened workflow",
		"workflow_id", wf.WorkflowID,
		"workflow_type", wf.Type,
		"event_id", ev.ID)
	return &Outcome{WorkflowID: wf.WorkflowID, Started: true, Identifiers: ids}, nil
}

func (e *Engine) appendToWorkflow(ctx context.Context, wf *events.Workflow, ev *events.Event, ids []events.Identifier) (*Outcome, error) {
	logger := logging.FromContext(ctx)

	lock := e.workflowLock(wf.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	now := e.now()
	if err := e.store.AppendWorkflowEvent(ctx, wf.WorkflowID, ev.ID, now); err != nil {
		return nil, fmt.Errorf("failed to append event to workflow: %w", err)
	}
	if err := e.store.InsertCorrelations(ctx, wf.WorkflowID, ev.ID, ids, now); err != nil {
		return nil, fmt.Errorf("failed to record correlations: %w", err)
	}

	out := &Outcome{WorkflowID: wf.WorkflowID, Identifiers: ids}
	if !events.CompletesWorkflow(ev) {
		return out, nil
	}

	if err := e.store.CompleteWorkflow(ctx, wf.WorkflowID, ev.ID, e.now()); err != nil {
		return nil, fmt.Errorf("failed to complete workflow: %w", err)
	}
	out.Completed = true
	logger.InfoContext(ctx, "completed workflow",
		"workflow_id", wf.WorkflowID,
		"completing_event_id", ev.ID)

	if e.cancelOnComplete {
		// Skip the queued work of earlier events in this workflow; the
		// completing event itself is already processing.
		var others []string
		for _, id := range wf.EventIDs {
			if id != ev.ID {
				others = append(others, id)
			}
		}
		n, err := e.store.CancelPendingEntries(ctx, others, e.now())
		if err != nil {
			return nil, fmt.Errorf("failed to cancel pending entries: %w", err)
		}
		if n > 0 {
			logger.InfoContext(ctx, "cancelled pending entries for completed workflow",
				"workflow_id", wf.WorkflowID,
				"cancelled", n)
		}
	}
	return out, nil
}
