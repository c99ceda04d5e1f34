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

package worker

import (
	"context"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/webhook-correlator/pkg/store"
)

// DefaultJanitorInterval is how often expired records are pruned.
const DefaultJanitorInterval = 10 * time.Minute

// Janitor prunes terminal events, settled queue entries and completed
// workflows past their TTL.
type Janitor struct {
	store       store.Store
	eventTTL    time.Duration
	workflowTTL time.Duration
	interval    time.Duration

	now func() time.Time
}

// NewJanitor creates a janitor with the given retention windows.
func NewJanitor(s store.Store, eventTTL, workflowTTL time.Duration) *Janitor {
	return &Janitor{
		store:       s,
		eventTTL:    eventTTL,
		workflowTTL: workflowTTL,
		interval:    DefaultJanitorInterval,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run prunes on a fixed interval until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs a single prune pass. Errors are logged, not returned; the
// next pass retries.
func (j *Janitor) Sweep(ctx context.Context) {
	logger := logging.FromContext(ctx)
	now := j.now()

	var events, entries, workflows int64
	var err error

	if events, err = j.store.PruneEvents(ctx, now.Add(-j.eventTTL)); err != nil {
		logger.ErrorContext(ctx, "failed to prune events", "error", err)
	}
	if entries, err = j.store.PruneEntries(ctx, now.Add(-j.eventTTL)); err != nil {
		logger.ErrorContext(ctx, "failed to prune entries", "error", err)
	}
	if workflows, err = j.store.PruneWorkflows(ctx, now.Add(-j.workflowTTL)); err != nil {
		logger.ErrorContext(ctx, "failed to prune workflows", "error", err)
	}

	if events+entries+workflows > 0 {
		logger.InfoContext(ctx, "pruned expired records",
			"events", events,
			"entries", entries,
			"workflows", workflows)
	}
}
