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

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/abcxyz/webhook-correlator/pkg/agentapi"
	"github.com/abcxyz/webhook-correlator/pkg/events"
)

// fakeCaller records AgentAPI calls.
type fakeCaller struct {
	calls []string
	reqs  []*agentapi.Request
	err   error
}

func (f *fakeCaller) Post(_ context.Context, path string, req *agentapi.Request) (*agentapi.Response, error) {
	f.calls = append(f.calls, path)
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &agentapi.Response{DeploymentID: "dep-1"}, nil
}

func makeEvent(tb testing.TB, eventType, action, payload string) *events.Event {
	tb.Helper()

	var p map[string]any
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		tb.Fatalf("failed to unmarshal payload: %v", err)
	}
	return &events.Event{
		ID:         "d1",
		Provider:   events.ProviderGitHub,
		Type:       eventType,
		Action:     action,
		ReceivedAt: time.Now().UTC(),
		Payload:    p,
		Status:     events.StatusProcessing,
	}
}

func TestDispatchRouting(t *testing.T) {
	t.Parallel()

	unmerged := `{"pull_request":{"number":42,"merged":false,"head":{"ref":"feat/x","sha":"abc123"},"base":{"ref":"main"},"user":{"login":"alice"}},"repository":{"full_name":"acme/web"}}`
	merged := `{"pull_request":{"number":42,"merged":true,"head":{"ref":"feat/x","sha":"abc123"},"base":{"ref":"main"},"user":{"login":"alice"}},"repository":{"full_name":"acme/web"}}`

	cases := []struct {
		name      string
		eventType string
		action    string
		payload   string
		wantPath  string
	}{
		{"pr_opened", "pull_request", "opened", unmerged, agentapi.PathDeployCode},
		{"pr_reopened", "pull_request", "reopened", unmerged, agentapi.PathDeployCode},
		{"pr_synchronize", "pull_request", "synchronize", unmerged, agentapi.PathValidateCode},
		{"pr_closed_merged", "pull_request", "closed", merged, agentapi.PathWorkflowMerge},
		{"pr_closed_unmerged", "pull_request", "closed", unmerged, ""},
		{"pr_ready_for_review", "pull_request", "ready_for_review", unmerged, agentapi.PathReview},
		{
			name:      "push_default_branch",
			eventType: "push",
			payload:   `{"ref":"refs/heads/main","after":"def456","commits":[{"id":"c1"}],"pusher":{"name":"bob"},"repository":{"full_name":"acme/web"}}`,
			wantPath:  agentapi.PathPostMerge,
		},
		{
			name:      "push_feature_branch",
			eventType: "push",
			payload:   `{"ref":"refs/heads/feat/x","after":"def456","repository":{"full_name":"acme/web"}}`,
			wantPath:  "",
		},
		{
			name:      "check_run_failure",
			eventType: "check_run",
			action:    "completed",
			payload:   `{"check_run":{"head_sha":"abc123","conclusion":"failure"},"repository":{"full_name":"acme/web"}}`,
			wantPath:  agentapi.PathRecoveryFailure,
		},
		{
			name:      "check_run_success",
			eventType: "check_run",
			action:    "completed",
			payload:   `{"check_run":{"head_sha":"abc123","conclusion":"success"},"repository":{"full_name":"acme/web"}}`,
			wantPath:  "",
		},
		{
			name:      "unknown_event",
			eventType: "star",
			action:    "created",
			payload:   `{"repository":{"full_name":"acme/web"}}`,
			wantPath:  "",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			caller := &fakeCaller{}
			d := New(caller)

			res, err := d.Dispatch(context.Background(), makeEvent(t, tc.eventType, tc.action, tc.payload), "wf1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Path != tc.wantPath {
				t.Errorf("dispatched to %q, want %q", res.Path, tc.wantPath)
			}
			if tc.wantPath == "" && len(caller.calls) != 0 {
				t.Errorf("expected no downstream call, got %v", caller.calls)
			}
			if tc.wantPath != "" {
				if len(caller.reqs) != 1 {
					t.Fatalf("expected one call, got %d", len(caller.reqs))
				}
				if got := caller.reqs[0].CorrelationID; got != "wf1" {
					t.Errorf("correlation_id = %q, want wf1", got)
				}
				if got := caller.reqs[0].EventID; got != "d1" {
					t.Errorf("event_id = %q, want d1", got)
				}
			}
		})
	}
}

func TestDispatchMalformedPR(t *testing.T) {
	t.Parallel()

	d := New(&fakeCaller{})
	ev := makeEvent(t, "pull_request", "opened", `{"action":"opened"}`)

	_, err := d.Dispatch(context.Background(), ev, "")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if got := Classify(err); got != KindMalformed {
		t.Errorf("classified as %q, want malformed_payload", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		err           error
		want          Kind
		wantRetryable bool
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout, true},
		{"rate_limited", &agentapi.Error{StatusCode: http.StatusTooManyRequests}, KindRateLimited, true},
		{"server", &agentapi.Error{StatusCode: http.StatusServiceUnavailable}, KindServer, true},
		{"auth", &agentapi.Error{StatusCode: http.StatusUnauthorized}, KindAuth, false},
		{"forbidden", &agentapi.Error{StatusCode: http.StatusForbidden}, KindAuth, false},
		{"not_found", &agentapi.Error{StatusCode: http.StatusNotFound}, KindNotFound, false},
		{"validation", &agentapi.Error{StatusCode: http.StatusUnprocessableEntity}, KindValidation, false},
		{"breaker_open", agentapi.ErrUnavailable, KindConnection, true},
		{"malformed", ErrMalformed, KindMalformed, false},
		{"unknown", errors.New("surprise"), KindUnknown, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(tc.err)
			if got != tc.want {
				t.Errorf("Classify = %q, want %q", got, tc.want)
			}
			if got.Retryable() != tc.wantRetryable {
				t.Errorf("Retryable = %t, want %t", got.Retryable(), tc.wantRetryable)
			}
		})
	}

	if !KindRateLimited.SlowRetry() {
		t.Errorf("expected rate limited retries to use the floor")
	}
	if KindServer.SlowRetry() {
		t.Errorf("server errors follow the regular backoff schedule")
	}
}
