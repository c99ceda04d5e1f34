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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/webhook-correlator/pkg/events"
)

const (
	// EventTypeHeader is the GitHub header key used to pass the event type.
	EventTypeHeader = "X-GitHub-Event"

	// DeliveryIDHeader is the GitHub header key used to pass the unique ID
	// for the webhook event.
	DeliveryIDHeader = "X-GitHub-Delivery"

	// GitHubUserAgentPrefix is the User-Agent prefix GitHub hook senders
	// use.
	GitHubUserAgentPrefix = "GitHub-Hookshot/"

	// LinearEventHeader and LinearDeliveryHeader are the Linear
	// equivalents of the GitHub event headers.
	LinearEventHeader    = "Linear-Event"
	LinearDeliveryHeader = "Linear-Delivery"
)

// ErrMalformedPayload marks a delivery whose headers or body lack
// shape-critical fields.
var ErrMalformedPayload = errors.New("webhook: malformed payload")

// ParseGitHub validates the GitHub delivery headers and body shape and
// returns a provisional event with status received.
func ParseGitHub(header http.Header, body []byte, now time.Time) (*events.Event, error) {
	eventType := header.Get(EventTypeHeader)
	deliveryID := header.Get(DeliveryIDHeader)

	if eventType == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrMalformedPayload, EventTypeHeader)
	}
	if deliveryID == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrMalformedPayload, DeliveryIDHeader)
	}
	if ua := header.Get("User-Agent"); !strings.HasPrefix(ua, GitHubUserAgentPrefix) {
		return nil, fmt.Errorf("%w: unexpected user agent %q", ErrMalformedPayload, ua)
	}

	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %w", ErrMalformedPayload, err)
	}

	action, _ := payload["action"].(string)

	if err := checkGitHubShape(eventType, body); err != nil {
		return nil, err
	}

	ev := &events.Event{
		ID:           deliveryID,
		Provider:     events.ProviderGitHub,
		Type:         eventType,
		Action:       action,
		ReceivedAt:   now,
		Payload:      payload,
		RawBytesHash: events.RawHash(body),
		Status:       events.StatusReceived,
	}
	d := events.Describe(ev)
	ev.SemanticKey = events.SemanticKey(ev.Type, ev.Action, d.Repository, d.Number, d.HeadSHA, d.User)
	return ev, nil
}

// checkGitHubShape validates shape-critical fields through the typed
// GitHub payload structs.
func checkGitHubShape(eventType string, body []byte) error {
	switch eventType {
	case "pull_request":
		var pr github.PullRequestEvent
		if err := json.Unmarshal(body, &pr); err != nil {
			return fmt.Errorf("%w: invalid pull_request payload: %w", ErrMalformedPayload, err)
		}
		if pr.GetRepo().GetFullName() == "" {
			return fmt.Errorf("%w: pull_request payload lacks repository.full_name", ErrMalformedPayload)
		}
		if pr.GetPullRequest().GetNumber() == 0 {
			return fmt.Errorf("%w: pull_request payload lacks pull_request.number", ErrMalformedPayload)
		}
	case "push":
		var push github.PushEvent
		if err := json.Unmarshal(body, &push); err != nil {
			return fmt.Errorf("%w: invalid push payload: %w", ErrMalformedPayload, err)
		}
		if push.GetRepo().GetFullName() == "" {
			return fmt.Errorf("%w: push payload lacks repository.full_name", ErrMalformedPayload)
		}
	case "check_run":
		var check github.CheckRunEvent
		if err := json.Unmarshal(body, &check); err != nil {
			return fmt.Errorf("%w: invalid check_run payload: %w", ErrMalformedPayload, err)
		}
	case "check_suite":
		var check github.CheckSuiteEvent
		if err := json.Unmarshal(body, &check); err != nil {
			return fmt.Errorf("%w: invalid check_suite payload: %w", ErrMalformedPayload, err)
		}
	}
	return nil
}

// ParseLinear validates the Linear delivery headers and returns a
// provisional event. Linear event types are namespaced to keep them apart
// from GitHub types.
func ParseLinear(header http.Header, body []byte, now time.Time) (*events.Event, error) {
	eventType := header.Get(LinearEventHeader)
	deliveryID := header.Get(LinearDeliveryHeader)

	if eventType == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrMalformedPayload, LinearEventHeader)
	}
	if deliveryID == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrMalformedPayload, LinearDeliveryHeader)
	}

	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %w", ErrMalformedPayload, err)
	}

	action, _ := payload["action"].(string)

	ev := &events.Event{
		ID:           deliveryID,
		Provider:     events.ProviderLinear,
		Type:         "linear_" + strings.ToLower(eventType),
		Action:       action,
		ReceivedAt:   now,
		Payload:      payload,
		RawBytesHash: events.RawHash(body),
		Status:       events.StatusReceived,
	}
	d := events.Describe(ev)
	ev.SemanticKey = events.SemanticKey(ev.Type, ev.Action, d.Repository, d.Number, d.HeadSHA, d.User)
	return ev, nil
}
