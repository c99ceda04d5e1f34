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
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/abcxyz/webhook-correlator/pkg/agentapi"
	"github.com/abcxyz/webhook-correlator/pkg/correlate"
	"github.com/abcxyz/webhook-correlator/pkg/dispatch"
	"github.com/abcxyz/webhook-correlator/pkg/events"
	"github.com/abcxyz/webhook-correlator/pkg/queue"
	"github.com/abcxyz/webhook-correlator/pkg/store"
)

// scriptedCaller returns the scripted errors in order, then succeeds.
// When entered and release are set, each call signals entered and then
// blocks until release closes.
type scriptedCaller struct {
	mu    sync.Mutex
	errs  []error
	calls int

	entered chan struct{}
	release chan struct{}
}

func (s *scriptedCaller) Post(context.Context, string, *agentapi.Request) (*agentapi.Response, error) {
	s.mu.Lock()
	s.calls++
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	entered, release := s.entered, s.release
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &agentapi.Response{DeploymentID: "dep-1"}, nil
}

func (s *scriptedCaller) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig() *Config {
	return &Config{
		Count:              1,
		JobTimeoutMillis:   5000,
		RetryBaseMillis:    1,
		RetryMaxMillis:     5,
		RetryMultiplier:    2,
		MaxRetries:         3,
		DrainTimeoutMillis: 5000,
	}
}

func prEvent(id string) *events.Event {
	return &events.Event{
		ID:         id,
		Provider:   events.ProviderGitHub,
		Type:       "pull_request",
		Action:     "opened",
		ReceivedAt: time.Now().UTC(),
		Payload: map[string]any{
			"pull_request": map[string]any{
				"number": float64(42),
				"head":   map[string]any{"ref": "feat/x", "sha": "abc123"},
				"base":   map[string]any{"ref": "main"},
				"user":   map[string]any{"login": "alice"},
			},
			"repository": map[string]any{"full_name": "acme/web"},
		},
		Status: events.StatusReceived,
	}
}

// seed persists an event with a pending entry and admits it.
func seed(tb testing.TB, m *store.Memory, q *queue.Queue, ev *events.Event, maxRetries int) *events.QueueEntry {
	tb.Helper()

	entry := events.NewQueueEntry(ev.ID, events.EventPriority(ev), maxRetries, time.Now().UTC())
	outcome, err := m.InsertEvent(context.Background(), ev, entry, time.Time{})
	if err != nil {
		tb.Fatalf("failed to insert event: %v", err)
	}
	if outcome != store.Inserted {
		tb.Fatalf("event %q already present", ev.ID)
	}
	if err := q.Admit(entry); err != nil {
		tb.Fatalf("failed to admit entry: %v", err)
	}
	return entry
}

// runPool drains in the background until cancel.
func runPool(tb testing.TB, p *Pool) context.CancelFunc {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			tb.Errorf("pool returned error: %v", err)
		}
	}()
	tb.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

// waitFor polls until the condition holds or the deadline expires.
func waitFor(tb testing.TB, cond func() bool) {
	tb.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("condition not reached before deadline")
}

func newPool(m *store.Memory, q *queue.Queue, caller *scriptedCaller) *Pool {
	p := NewPool(testConfig(), m, q, correlate.NewEngine(m), dispatch.New(caller), nil)
	p.backoff.jitter = func() float64 { return 0 }
	return p
}

func TestPoolProcessesEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemory()
	q := queue.New(m, 0)
	caller := &scriptedCaller{}

	ev := prEvent("d1")
	entry := seed(t, m, q, ev, 3)

	runPool(t, newPool(m, q, caller))

	waitFor(t, func() bool {
		got, err := m.GetEvent(ctx, "d1")
		return err == nil && got.Status == events.StatusProcessed
	})

	if got := m.Entry(entry.EntryID); got.Status != events.QueueCompleted {
		t.Errorf("entry status = %q, want completed", got.Status)
	}
	if got := caller.callCount(); got != 1 {
		t.Errorf("downstream calls = %d, want 1", got)
	}

	// A started workflow exists for the opened PR.
	wfs, err := m.WorkflowIDsForIdentifiers(ctx, []events.Identifier{
		events.PullRequestIdentifier("acme/web", 42),
	})
	if err != nil {
		t.Fatalf("failed to look up workflows: %v", err)
	}
	if len(wfs) != 1 {
		t.Errorf("workflows = %d, want 1", len(wfs))
	}
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemory()
	q := queue.New(m, 0)
	caller := &scriptedCaller{errs: []error{
		&agentapi.Error{StatusCode: http.StatusServiceUnavailable},
		&agentapi.Error{StatusCode: http.StatusServiceUnavailable},
	}}

	ev := prEvent("d1")
	entry := seed(t, m, q, ev, 3)

	runPool(t, newPool(m, q, caller))

	waitFor(t, func() bool {
		got, err := m.GetEvent(ctx, "d1")
		return err == nil && got.Status == events.StatusProcessed
	})

	if got := caller.callCount(); got != 3 {
		t.Errorf("downstream calls = %d, want 3", got)
	}
	got, err := m.GetEvent(ctx, "d1")
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if got.RetryCount != 2 {
		t.Errorf("event retry_count = %d, want 2", got.RetryCount)
	}
	if e := m.Entry(entry.EntryID); e.Status != events.QueueCompleted || e.RetryCount != 2 {
		t.Errorf("entry = %q retry_count=%d, want completed with 2", e.Status, e.RetryCount)
	}
}

func TestPoolDeadLettersAfterMaxRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemory()
	q := queue.New(m, 0)
	caller := &scriptedCaller{errs: []error{
		&agentapi.Error{StatusCode: http.StatusServiceUnavailable},
		&agentapi.Error{StatusCode: http.StatusServiceUnavailable},
		&agentapi.Error{StatusCode: http.StatusServiceUnavailable},
	}}

	ev := prEvent("d1")
	entry := seed(t, m, q, ev, 2)

	runPool(t, newPool(m, q, caller))

	waitFor(t, func() bool {
		e := m.Entry(entry.EntryID)
		return e != nil && e.Status == events.QueueDead
	})

	got, err := m.GetEvent(ctx, "d1")
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if got.Status != events.StatusFailed {
		t.Errorf("event status = %q, want failed", got.Status)
	}
	if e := m.Entry(entry.EntryID); e.RetryCount != 2 || e.LastError == "" {
		t.Errorf("dead entry retry_count=%d last_error=%q, want 2 with error", e.RetryCount, e.LastError)
	}

	dead, err := m.DeadEntries(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list dead entries: %v", err)
	}
	if len(dead) != 1 {
		t.Errorf("dead entries = %d, want 1", len(dead))
	}
}

func TestPoolDeadLettersNonRetryable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemory()
	q := queue.New(m, 0)
	caller := &scriptedCaller{errs: []error{
		&agentapi.Error{StatusCode: http.StatusUnauthorized},
	}}

	ev := prEvent("d1")
	entry := seed(t, m, q, ev, 3)

	runPool(t, newPool(m, q, caller))

	waitFor(t, func() bool {
		e := m.Entry(entry.EntryID)
		return e != nil && e.Status == events.QueueDead
	})

	if got := caller.callCount(); got != 1 {
		t.Errorf("downstream calls = %d, want 1", got)
	}
	got, err := m.GetEvent(ctx, "d1")
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if got.Status != events.StatusFailed || got.RetryCount != 0 {
		t.Errorf("event = %q retry_count=%d, want failed with 0", got.Status, got.RetryCount)
	}
}

func TestPoolShutdownFinishesInFlightJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemory()
	q := queue.New(m, 0)
	caller := &scriptedCaller{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	ev := prEvent("d1")
	entry := seed(t, m, q, ev, 3)
	p := newPool(m, q, caller)

	poolCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(poolCtx); err != nil {
			t.Errorf("pool returned error: %v", err)
		}
	}()

	// Shutdown starts while the dispatch call is in flight. The worker
	// finishes the job and records its outcome before stopping.
	<-caller.entered
	cancel()
	close(caller.release)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not stop after shutdown")
	}

	got, err := m.GetEvent(ctx, "d1")
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if got.Status != events.StatusProcessed {
		t.Errorf("event status = %q, want processed after drain", got.Status)
	}
	if e := m.Entry(entry.EntryID); e.Status != events.QueueCompleted {
		t.Errorf("entry status = %q, want completed after drain", e.Status)
	}
	if calls := caller.callCount(); calls != 1 {
		t.Errorf("downstream calls = %d, want 1", calls)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := &Backoff{
		Base:       5 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Floor:      SlowRetryFloor,
		jitter:     func() float64 { return 0 },
	}

	cases := []struct {
		name       string
		retryCount int
		slow       bool
		want       time.Duration
	}{
		{"first", 0, false, 5 * time.Second},
		{"second", 1, false, 10 * time.Second},
		{"third", 2, false, 20 * time.Second},
		{"capped", 3, false, 30 * time.Second},
		{"way_past_cap", 10, false, 30 * time.Second},
		{"rate_limited_floor", 0, true, 60 * time.Second},
		{"rate_limited_still_floor", 2, true, 60 * time.Second},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := b.Delay(tc.retryCount, tc.slow); got != tc.want {
				t.Errorf("Delay(%d, %t) = %s, want %s", tc.retryCount, tc.slow, got, tc.want)
			}
		})
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	b := &Backoff{Base: 5 * time.Second, Max: 30 * time.Second, Multiplier: 2}

	for i := 0; i < 100; i++ {
		got := b.Delay(0, false)
		if got < 4500*time.Millisecond || got > 5500*time.Millisecond {
			t.Fatalf("jittered delay %s outside +-10%% of 5s", got)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{"valid", testConfig(), ""},
		{"no_workers", &Config{JobTimeoutMillis: 1, RetryBaseMillis: 1, RetryMaxMillis: 1, RetryMultiplier: 1}, "N_WORKERS"},
		{"bad_multiplier", &Config{Count: 1, JobTimeoutMillis: 1, RetryBaseMillis: 1, RetryMaxMillis: 1, RetryMultiplier: 0.5}, "RETRY_MULTIPLIER"},
		{"max_below_base", &Config{Count: 1, JobTimeoutMillis: 1, RetryBaseMillis: 10, RetryMaxMillis: 5, RetryMultiplier: 2}, "RETRY_MAX_MS"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q", tc.wantErr)
			}
		})
	}
}

func TestJanitorSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemory()
	q := queue.New(m, 0)
	caller := &scriptedCaller{}

	ev := prEvent("d1")
	seed(t, m, q, ev, 3)

	runPool(t, newPool(m, q, caller))
	waitFor(t, func() bool {
		got, err := m.GetEvent(ctx, "d1")
		return err == nil && got.Status == events.StatusProcessed
	})

	j := NewJanitor(m, time.Hour, time.Hour)
	j.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	j.Sweep(ctx)

	if _, err := m.GetEvent(ctx, "d1"); err == nil {
		t.Errorf("expected event pruned")
	}
}
