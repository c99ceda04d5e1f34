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

// Package dispatch routes typed events to downstream AgentAPI calls.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/webhook-correlator/pkg/agentapi"
	"github.com/abcxyz/webhook-correlator/pkg/events"
)

// ErrMalformed marks an event whose payload lacks the fields its dispatch
// route requires. Never retried.
var ErrMalformed = errors.New("dispatch: malformed event payload")

// Caller is the slice of the AgentAPI client the dispatcher needs.
type Caller interface {
	Post(ctx context.Context, path string, req *agentapi.Request) (*agentapi.Response, error)
}

// Dispatcher selects and performs the downstream action for an event.
type Dispatcher struct {
	api Caller
}

// New creates a dispatcher over the given AgentAPI caller.
func New(api Caller) *Dispatcher {
	return &Dispatcher{api: api}
}

// Result records the dispatch outcome for a single event.
type Result struct {
	// Path is the AgentAPI path called, empty when the event was recorded
	// without a call.
	Path string

	// ResponseID is the downstream acknowledgement identifier.
	ResponseID string
}

// Dispatch routes the event. workflowID, when set, rides along as the
// correlation_id on the outbound call.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *events.Event, workflowID string) (*Result, error) {
	logger := logging.FromContext(ctx)

	path, req, err := route(ev, workflowID)
	if err != nil {
		return nil, err
	}
	if path == "" {
		logger.DebugContext(ctx, "event recorded without downstream call",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"action", ev.Action)
		return &Result{}, nil
	}

	resp, err := d.api.Post(ctx, path, req)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch %s: %w", path, err)
	}

	logger.InfoContext(ctx, "dispatched event",
		"event_id", ev.ID,
		"path", path,
		"correlation_id", workflowID,
		"response_id", resp.ID())
	return &Result{Path: path, ResponseID: resp.ID()}, nil
}

// route maps an event to its AgentAPI path and request body. An empty path
// means record-only.
func route(ev *events.Event, workflowID string) (string, *agentapi.Request, error) {
	d := events.Describe(ev)
	req := &agentapi.Request{
		EventID:       ev.ID,
		CorrelationID: workflowID,
		Repository:    d.Repository,
	}

	switch ev.Type {
	case "pull_request":
		if d.Repository == "" || d.Number == 0 {
			return "", nil, fmt.Errorf("%w: pull_request event %q lacks repository or number", ErrMalformed, ev.ID)
		}
		req.PRData = &agentapi.PRData{
			Number:  d.Number,
			HeadRef: d.HeadRef,
			HeadSHA: d.HeadSHA,
			BaseRef: d.BaseRef,
			Author:  d.User,
			Merged:  d.Merged,
		}
		switch ev.Action {
		case "opened", "reopened":
			return agentapi.PathDeployCode, req, nil
		case "synchronize":
			return agentapi.PathValidateCode, req, nil
		case "closed":
			if d.Merged {
				return agentapi.PathWorkflowMerge, req, nil
			}
			return "", req, nil
		case "ready_for_review":
			return agentapi.PathReview, req, nil
		default:
			return "", req, nil
		}

	case "push":
		if !d.DefaultBranchPush() {
			return "", req, nil
		}
		req.Push = &agentapi.PushData{
			Ref:     d.Ref,
			HeadSHA: d.HeadSHA,
			Commits: d.CommitSHAs,
			Pusher:  d.User,
		}
		return agentapi.PathPostMerge, req, nil

	case "check_run":
		if ev.Action == "completed" && d.Conclusion == "failure" {
			req.Check = &agentapi.CheckData{
				HeadSHA:    d.HeadSHA,
				Conclusion: d.Conclusion,
			}
			return agentapi.PathRecoveryFailure, req, nil
		}
		return "", req, nil

	default:
		return "", req, nil
	}
}
