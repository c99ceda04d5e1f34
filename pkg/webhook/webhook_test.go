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

package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abcxyz/pkg/renderer"

	"github.com/abcxyz/webhook-correlator/pkg/events"
	"github.com/abcxyz/webhook-correlator/pkg/queue"
	"github.com/abcxyz/webhook-correlator/pkg/store"
)

const testGitHubSecret = "gh-secret"

func testConfig() *Config {
	return &Config{
		ListenAddr:             ":8080",
		GitHubWebhookSecret:    testGitHubSecret,
		LinearWebhookSecret:    "linear-secret",
		LinearSignatureHeader:  "Linear-Signature",
		DatabaseURL:            "postgres://localhost/test",
		AgentAPIBaseURL:        "http://agentapi.invalid",
		AgentAPITimeoutMillis:  30000,
		MaxQueue:               100,
		MaxRetries:             3,
		DupWindowSeconds:       3600,
		RateLimitRequests:      50,
		RateLimitWindowSeconds: 60,
		AdminToken:             "admin-token",
	}
}

func testServer(tb testing.TB, cfg *Config) (*Server, *store.Memory, *queue.Queue) {
	tb.Helper()

	ctx := context.Background()
	h, err := renderer.New(ctx, nil,
		renderer.WithDebug(true),
		renderer.WithOnError(func(err error) {
			tb.Error(err)
		}))
	if err != nil {
		tb.Fatal(err)
	}

	m := store.NewMemory()
	q := queue.New(m, cfg.MaxQueue)
	srv, err := NewServer(ctx, h, cfg, m, q, nil)
	if err != nil {
		tb.Fatalf("failed to create server: %v", err)
	}
	return srv, m, q
}

func githubRequest(deliveryID, eventType, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(body))
	req.Header.Set(EventTypeHeader, eventType)
	req.Header.Set(DeliveryIDHeader, deliveryID)
	req.Header.Set("User-Agent", "GitHub-Hookshot/044aadd")
	req.Header.Set(SHA256SignatureHeader, "sha256="+createSignature([]byte(testGitHubSecret), []byte(body)))
	return req
}

func decodeReceive(tb testing.TB, resp *httptest.ResponseRecorder) *receiveResponse {
	tb.Helper()

	var out receiveResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		tb.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
	}
	return &out
}

func TestHandleGitHubWebhook(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		mutate        func(*http.Request)
		expStatusCode int
	}{
		{
			name:          "accepts_valid_delivery",
			expStatusCode: http.StatusOK,
		},
		{
			name: "refuses_missing_signature",
			mutate: func(r *http.Request) {
				r.Header.Del(SHA256SignatureHeader)
			},
			expStatusCode: http.StatusUnauthorized,
		},
		{
			name: "refuses_bad_signature",
			mutate: func(r *http.Request) {
				r.Header.Set(SHA256SignatureHeader, "sha256="+createSignature([]byte("wrong"), []byte(prBody)))
			},
			expStatusCode: http.StatusUnauthorized,
		},
		{
			name: "refuses_malformed_signature",
			mutate: func(r *http.Request) {
				r.Header.Set(SHA256SignatureHeader, "not-a-digest")
			},
			expStatusCode: http.StatusUnauthorized,
		},
		{
			name: "refuses_missing_delivery_header",
			mutate: func(r *http.Request) {
				r.Header.Del(DeliveryIDHeader)
			},
			expStatusCode: http.StatusBadRequest,
		},
		{
			name: "refuses_wrong_user_agent",
			mutate: func(r *http.Request) {
				r.Header.Set("User-Agent", "curl/8.0")
			},
			expStatusCode: http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, m, q := testServer(t, testConfig())
			handler := srv.Routes(context.Background())

			req := githubRequest("d1", "pull_request", prBody)
			if tc.mutate != nil {
				tc.mutate(req)
			}
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)

			if got, want := resp.Code, tc.expStatusCode; got != want {
				t.Fatalf("status = %d, want %d: %s", got, want, resp.Body.String())
			}

			if tc.expStatusCode != http.StatusOK {
				// Refused deliveries never reach the store.
				if _, err := m.GetEvent(context.Background(), "d1"); err == nil {
					t.Errorf("refused delivery was persisted")
				}
				return
			}

			out := decodeReceive(t, resp)
			if !out.Received || out.EventID != "d1" || out.Duplicate {
				t.Errorf("unexpected response: %+v", out)
			}
			ev, err := m.GetEvent(context.Background(), "d1")
			if err != nil {
				t.Fatalf("event not persisted: %v", err)
			}
			if ev.Status != events.StatusReceived {
				t.Errorf("event status = %q, want received", ev.Status)
			}
			if q.Size() != 1 {
				t.Errorf("queue size = %d, want 1", q.Size())
			}
		})
	}
}

func TestHandleWebhookDuplicateDelivery(t *testing.T) {
	t.Parallel()

	srv, _, q := testServer(t, testConfig())
	handler := srv.Routes(context.Background())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, githubRequest("d1", "pull_request", prBody))
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d: %s", first.Code, first.Body.String())
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, githubRequest("d1", "pull_request", prBody))
	if second.Code != http.StatusOK {
		t.Fatalf("second delivery status = %d: %s", second.Code, second.Body.String())
	}

	out := decodeReceive(t, second)
	if !out.Duplicate || out.EventID != "d1" {
		t.Errorf("expected duplicate response, got %+v", out)
	}
	if q.Size() != 1 {
		t.Errorf("queue size = %d, want 1", q.Size())
	}
}

func TestHandleWebhookContentDuplicate(t *testing.T) {
	t.Parallel()

	srv, m, _ := testServer(t, testConfig())
	handler := srv.Routes(context.Background())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, githubRequest("d1", "pull_request", prBody))
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", first.Code)
	}

	// Same body under a fresh delivery ID lands in the dedup window.
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, githubRequest("d2", "pull_request", prBody))
	out := decodeReceive(t, second)
	if !out.Duplicate {
		t.Errorf("expected content duplicate, got %+v", out)
	}
	if _, err := m.GetEvent(context.Background(), "d2"); err == nil {
		t.Errorf("duplicate content was persisted")
	}
}

func TestHandleWebhookRateLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimitRequests = 1
	srv, _, _ := testServer(t, cfg)
	handler := srv.Routes(context.Background())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, githubRequest("d1", "pull_request", prBody))
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, githubRequest("d2", "pull_request", prBody))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Errorf("missing Retry-After header")
	}
}

func TestHandleWebhookStoreUnavailable(t *testing.T) {
	t.Parallel()

	srv, m, _ := testServer(t, testConfig())
	handler := srv.Routes(context.Background())

	m.FailNext = true
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, githubRequest("d1", "pull_request", prBody))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", resp.Code, resp.Body.String())
	}
}

func TestHandleLinearWebhook(t *testing.T) {
	t.Parallel()

	srv, m, _ := testServer(t, testConfig())
	handler := srv.Routes(context.Background())

	body := `{"action":"create","type":"Issue","data":{"title":"bug"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/linear", strings.NewReader(body))
	req.Header.Set(LinearEventHeader, "Issue")
	req.Header.Set(LinearDeliveryHeader, "lin-1")
	req.Header.Set("Linear-Signature", createSignature([]byte("linear-secret"), []byte(body)))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}

	ev, err := m.GetEvent(context.Background(), "lin-1")
	if err != nil {
		t.Fatalf("event not persisted: %v", err)
	}
	if ev.Provider != events.ProviderLinear {
		t.Errorf("provider = %q, want linear", ev.Provider)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	srv, m, _ := testServer(t, testConfig())
	handler := srv.Routes(context.Background())

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}

	var health healthResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if health.Status != "healthy" || health.Store != "ok" {
		t.Errorf("unexpected health response: %+v", health)
	}

	m.FailNext = true
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when store is down", resp.Code)
	}
}

func TestHandleReplay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv, m, q := testServer(t, testConfig())
	handler := srv.Routes(ctx)

	// Ingest then drain the entry so the event has no active entry left.
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, githubRequest("d1", "pull_request", prBody))
	if resp.Code != http.StatusOK {
		t.Fatalf("ingest status = %d", resp.Code)
	}
	entry, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("failed to claim entry: %v", err)
	}
	if err := m.CompleteEntry(ctx, entry.EntryID, time.Now().UTC()); err != nil {
		t.Fatalf("failed to complete entry: %v", err)
	}
	if err := m.UpdateEventStatus(ctx, "d1", events.StatusFailed, 0, "boom"); err != nil {
		t.Fatalf("failed to fail event: %v", err)
	}

	replay := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := replay("/admin/events/d1/replay", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated replay status = %d, want 401", rec.Code)
	}
	if rec := replay("/admin/events/missing/replay", "admin-token"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown event replay status = %d, want 404", rec.Code)
	}

	rec := replay("/admin/events/d1/replay", "admin-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d: %s", rec.Code, rec.Body.String())
	}
	var out replayResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode replay response: %v", err)
	}
	if !out.Replayed || out.EventID != "d1" || out.EntryID == "" {
		t.Errorf("unexpected replay response: %+v", out)
	}

	ev, err := m.GetEvent(ctx, "d1")
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if ev.Status != events.StatusReceived || ev.RetryCount != 0 {
		t.Errorf("event = %q retry_count=%d, want received with 0", ev.Status, ev.RetryCount)
	}
	if got := len(m.EventHistory("d1")); got != 1 {
		t.Errorf("event history entries = %d, want 1", got)
	}
	if q.Size() != 1 {
		t.Errorf("queue size = %d, want 1", q.Size())
	}

	// A second replay races the fresh active entry.
	if rec := replay("/admin/events/d1/replay", "admin-token"); rec.Code != http.StatusConflict {
		t.Errorf("replay with active entry status = %d, want 409", rec.Code)
	}
}

func TestHandleDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv, m, _ := testServer(t, testConfig())
	handler := srv.Routes(ctx)

	entry := events.NewQueueEntry("d1", 5, 3, time.Now().UTC())
	if err := m.InsertEntry(ctx, entry); err != nil {
		t.Fatalf("failed to insert entry: %v", err)
	}
	if err := m.DeadEntry(ctx, entry.EntryID, "server_error: boom", time.Now().UTC()); err != nil {
		t.Fatalf("failed to dead-letter entry: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/deadletter", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Entries []*events.QueueEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(out.Entries) != 1 || out.Entries[0].EntryID != entry.EntryID {
		t.Errorf("unexpected dead-letter listing: %+v", out.Entries)
	}
}
