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

// Package worker drains the queue: claim, correlate, dispatch, then record
// the outcome with retry and dead-letter handling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/webhook-correlator/pkg/correlate"
	"github.com/abcxyz/webhook-correlator/pkg/dispatch"
	"github.com/abcxyz/webhook-correlator/pkg/events"
	"github.com/abcxyz/webhook-correlator/pkg/metrics"
	"github.com/abcxyz/webhook-correlator/pkg/queue"
	"github.com/abcxyz/webhook-correlator/pkg/store"
)

// Pool runs N concurrent workers over the queue.
type Pool struct {
	cfg        *Config
	store      store.Store
	queue      *queue.Queue
	engine     *correlate.Engine
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	backoff    *Backoff

	now func() time.Time
}

// NewPool creates a worker pool. A nil metrics set gets a private one.
func NewPool(cfg *Config, s store.Store, q *queue.Queue, engine *correlate.Engine, d *dispatch.Dispatcher, m *metrics.Metrics) *Pool {
	if m == nil {
		m = metrics.New()
	}
	return &Pool{
		cfg:        cfg,
		store:      s,
		queue:      q,
		engine:     engine,
		dispatcher: d,
		metrics:    m,
		backoff:    cfg.Backoff(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks draining the queue until the context is cancelled. In-flight
// entries finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Count; i++ {
		i := i
		g.Go(func() error {
			return p.runWorker(ctx, i)
		})
	}
	return g.Wait() //nolint:wrapcheck // Want passthrough
}

func (p *Pool) runWorker(ctx context.Context, id int) error {
	logger := logging.FromContext(ctx).With("worker", id)
	ctx = logging.WithLogger(ctx, logger)

	for {
		entry, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorContext(ctx, "failed to claim entry, backing off", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, entry)
	}
}

// process runs one claimed entry through correlation and dispatch. The job
// and the store writes that record its outcome are detached from the worker
// context: shutdown stops claiming but lets the in-flight job finish within
// the drain window, and a job timeout cannot lose the result.
func (p *Pool) process(ctx context.Context, entry *events.QueueEntry) {
	logger := logging.FromContext(ctx)

	recCtx := context.WithoutCancel(ctx)
	jobCtx, cancelJob := context.WithTimeout(recCtx, p.cfg.JobTimeout())
	defer cancelJob()
	stop := context.AfterFunc(ctx, func() {
		// Shutdown began mid-job; bound the remaining work.
		time.AfterFunc(p.cfg.DrainTimeout(), cancelJob)
	})
	defer stop()

	ev, err := p.store.GetEvent(jobCtx, entry.EventID)
	if err != nil {
		p.fail(recCtx, entry, nil, fmt.Errorf("failed to load event: %w", err))
		return
	}

	if err := p.store.UpdateEventStatus(jobCtx, ev.ID, events.StatusProcessing, entry.RetryCount, ""); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Already processed, e.g. a replayed entry raced its original.
			logger.WarnContext(ctx, "skipping entry for processed event",
				"entry_id", entry.EntryID,
				"event_id", ev.ID)
			p.completeEntry(recCtx, entry)
			return
		}
		p.fail(recCtx, entry, ev, fmt.Errorf("failed to mark event processing: %w", err))
		return
	}

	outcome, err := p.engine.Correlate(jobCtx, ev)
	if err != nil {
		p.fail(recCtx, entry, ev, fmt.Errorf("failed to correlate event: %w", err))
		return
	}
	if outcome.Started {
		p.metrics.Workflows.WithLabelValues("started").Inc()
	}
	if outcome.Completed {
		p.metrics.Workflows.WithLabelValues("completed").Inc()
	}

	res, err := p.dispatcher.Dispatch(jobCtx, ev, outcome.WorkflowID)
	if err != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("job timed out after %s: %w", p.cfg.JobTimeout(), err)
		}
		p.fail(recCtx, entry, ev, err)
		return
	}
	if res.Path != "" {
		p.metrics.DispatchRequests.WithLabelValues(res.Path, "ok").Inc()
	}

	p.completeEntry(recCtx, entry)
	if err := p.store.UpdateEventStatus(recCtx, ev.ID, events.StatusProcessed, entry.RetryCount, ""); err != nil {
		logger.ErrorContext(ctx, "failed to mark event processed",
			"event_id", ev.ID,
			"error", err)
		return
	}

	logger.InfoContext(ctx, "processed event",
		"event_id", ev.ID,
		"entry_id", entry.EntryID,
		"workflow_id", outcome.WorkflowID,
		"path", res.Path,
		"retry_count", entry.RetryCount)
}

func (p *Pool) completeEntry(ctx context.Context, entry *events.QueueEntry) {
	if err := p.store.CompleteEntry(ctx, entry.EntryID, p.now()); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to complete entry",
			"entry_id", entry.EntryID,
			"error", err)
	}
}

// fail applies the retry policy to a failed entry: reschedule with backoff
// while retries remain and the failure is retryable, dead-letter otherwise.
func (p *Pool) fail(ctx context.Context, entry *events.QueueEntry, ev *events.Event, procErr error) {
	logger := logging.FromContext(ctx)
	kind := dispatch.Classify(procErr)
	lastError := fmt.Sprintf("%s: %v", kind, procErr)

	if kind.Retryable() && entry.RetryCount+1 <= entry.MaxRetries {
		delay := p.backoff.Delay(entry.RetryCount, kind.SlowRetry())
		scheduledAt := p.now().Add(delay)

		if err := p.store.RescheduleEntry(ctx, entry.EntryID, scheduledAt, entry.RetryCount+1, lastError); err != nil {
			logger.ErrorContext(ctx, "failed to reschedule entry",
				"entry_id", entry.EntryID,
				"error", err)
			return
		}
		if ev != nil {
			if err := p.store.UpdateEventStatus(ctx, ev.ID, events.StatusReceived, entry.RetryCount+1, lastError); err != nil {
				logger.ErrorContext(ctx, "failed to record event retry",
					"event_id", ev.ID,
					"error", err)
			}
		}

		retry := *entry
		retry.RetryCount++
		retry.ScheduledAt = scheduledAt
		retry.StartedAt = nil
		if err := p.queue.Admit(&retry); err != nil {
			// Durable pending entry without a memory mirror; recovery or a
			// later admission will pick it up.
			logger.ErrorContext(ctx, "failed to re-admit entry",
				"entry_id", entry.EntryID,
				"error", err)
		}

		p.metrics.RetriesScheduled.WithLabelValues(string(kind)).Inc()
		logger.WarnContext(ctx, "rescheduled entry",
			"entry_id", entry.EntryID,
			"event_id", entry.EventID,
			"error_kind", string(kind),
			"retry_count", entry.RetryCount+1,
			"delay", delay.String(),
			"error", procErr)
		return
	}

	if err := p.store.DeadEntry(ctx, entry.EntryID, lastError, p.now()); err != nil {
		logger.ErrorContext(ctx, "failed to dead-letter entry",
			"entry_id", entry.EntryID,
			"error", err)
		return
	}
	if ev != nil {
		if err := p.store.UpdateEventStatus(ctx, ev.ID, events.StatusFailed, entry.RetryCount, lastError); err != nil {
			logger.ErrorContext(ctx, "failed to mark event failed",
				"event_id", ev.ID,
				"error", err)
		}
	}

	p.metrics.DeadLetters.Inc()
	logger.ErrorContext(ctx, "dead-lettered entry",
		"entry_id", entry.EntryID,
		"event_id", entry.EventID,
		"error_kind", string(kind),
		"retry_count", entry.RetryCount,
		"error", procErr)
}
