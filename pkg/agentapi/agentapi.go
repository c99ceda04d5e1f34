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

// Package agentapi is the HTTP client for the downstream AgentAPI service
// that consumes the dispatcher's outbound calls.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
)

// Paths served by AgentAPI.
const (
	PathDeployCode      = "/deploy/code"
	PathValidateCode    = "/validate/code"
	PathWorkflowMerge   = "/workflow/merge"
	PathPostMerge       = "/workflow/post_merge"
	PathReview          = "/review"
	PathRecoveryFailure = "/recovery/failure"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("agentapi: temporarily unavailable")

// Error is a non-2xx AgentAPI response.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agentapi: status %d: %s", e.StatusCode, e.Body)
}

// Config holds the downstream connection settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client calls AgentAPI with bearer-token auth behind a circuit breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New creates an AgentAPI client.
func New(ctx context.Context, cfg *Config) *Client {
	var httpClient *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	} else {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient.Timeout = timeout

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "agentapi",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// 4xx means the service is up and rejecting this request; only
		// connectivity problems, 429s and 5xxs count against the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *Error
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
			}
			return false
		},
	})

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		breaker:    breaker,
	}
}

// PRData is the pull request descriptor carried on deploy, validate, merge
// and review calls.
type PRData struct {
	Number  int    `json:"number"`
	HeadRef string `json:"head_ref,omitempty"`
	HeadSHA string `json:"head_sha,omitempty"`
	BaseRef string `json:"base_ref,omitempty"`
	Author  string `json:"author,omitempty"`
	Merged  bool   `json:"merged,omitempty"`
}

// PushData is the push descriptor carried on post-merge calls.
type PushData struct {
	Ref     string   `json:"ref,omitempty"`
	HeadSHA string   `json:"head_sha,omitempty"`
	Commits []string `json:"commits,omitempty"`
	Pusher  string   `json:"pusher,omitempty"`
}

// CheckData is the check descriptor carried on recovery calls.
type CheckData struct {
	HeadSHA    string `json:"head_sha,omitempty"`
	Conclusion string `json:"conclusion,omitempty"`
}

// Request is the JSON body for every AgentAPI call. CorrelationID carries
// the workflow ID when the event is associated with one.
type Request struct {
	EventID       string     `json:"event_id"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Repository    string     `json:"repository,omitempty"`
	PRData        *PRData    `json:"pr_data,omitempty"`
	Push          *PushData  `json:"push_data,omitempty"`
	Check         *CheckData `json:"check_data,omitempty"`
}

// Response is the union of AgentAPI acknowledgement bodies.
type Response struct {
	DeploymentID string `json:"deployment_id,omitempty"`
	ValidationID string `json:"validation_id,omitempty"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	ReviewID     string `json:"review_id,omitempty"`
	RecoveryID   string `json:"recovery_id,omitempty"`
}

// ID returns whichever acknowledgement identifier the response carried.
func (r *Response) ID() string {
	for _, id := range []string{r.DeploymentID, r.ValidationID, r.WorkflowID, r.ReviewID, r.RecoveryID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Post calls the given AgentAPI path. Non-2xx responses come back as
// *Error; an open circuit breaker comes back as ErrUnavailable.
func (c *Client) Post(ctx context.Context, path string, req *Request) (*Response, error) {
	raw, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, path, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}
	return raw.(*Response), nil
}

func (c *Client) post(ctx context.Context, path string, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call agentapi: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read agentapi response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out Response
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agentapi response: %w", err)
		}
	}
	return &out, nil
}
