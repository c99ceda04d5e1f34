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

package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var gotAuth string
	var gotPath string
	var gotReq Request

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"deployment_id":"dep-123"}`)
	}))
	t.Cleanup(srv.Close)

	client := New(ctx, &Config{BaseURL: srv.URL, Token: "test-token"})

	resp, err := client.Post(ctx, PathDeployCode, &Request{
		EventID:       "d1",
		CorrelationID: "wf1",
		Repository:    "acme/web",
		PRData:        &PRData{Number: 42, HeadSHA: "abc123", Author: "alice"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := resp.ID(), "dep-123"; got != want {
		t.Errorf("response id = %q, want %q", got, want)
	}
	if got, want := gotAuth, "Bearer test-token"; got != want {
		t.Errorf("authorization = %q, want %q", got, want)
	}
	if got, want := gotPath, "/deploy/code"; got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	if gotReq.PRData == nil || gotReq.PRData.Number != 42 || gotReq.CorrelationID != "wf1" {
		t.Errorf("unexpected request body: %+v", gotReq)
	}
}

func TestPostErrorStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no access", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	client := New(ctx, &Config{BaseURL: srv.URL})

	_, err := client.Post(ctx, PathValidateCode, &Request{EventID: "d1"})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", apiErr.StatusCode)
	}
}

func TestBreakerOpensAfterConsecutive5xx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := New(ctx, &Config{BaseURL: srv.URL})

	for i := 0; i < 5; i++ {
		if _, err := client.Post(ctx, PathDeployCode, &Request{EventID: "d1"}); err == nil {
			t.Fatalf("expected error on call %d", i)
		}
	}

	// The breaker is now open: calls fail fast without reaching the
	// server.
	_, err := client.Post(ctx, PathDeployCode, &Request{EventID: "d1"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls != 5 {
		t.Errorf("server saw %d calls, want 5", calls)
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	client := New(ctx, &Config{BaseURL: srv.URL})

	for i := 0; i < 10; i++ {
		var apiErr *Error
		if _, err := client.Post(ctx, PathDeployCode, &Request{EventID: "d1"}); !errors.As(err, &apiErr) {
			t.Fatalf("expected *Error on call %d, got %v", i, err)
		}
	}
}
