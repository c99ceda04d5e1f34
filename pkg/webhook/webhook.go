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
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/webhook-correlator/pkg/events"
	"github.com/abcxyz/webhook-correlator/pkg/store"
)

// mb is used for conversion to megabytes.
const mb = 1000000

// errorResponse is the single error body HTTP callers see.
type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// receiveResponse acknowledges an accepted or deduplicated delivery.
type receiveResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Server) handleGitHubWebhook() http.Handler {
	return s.handleWebhook(events.ProviderGitHub)
}

func (s *Server) handleLinearWebhook() http.Handler {
	return s.handleWebhook(events.ProviderLinear)
}

// handleWebhook runs the ingestion pipeline for one provider: rate limit,
// signature, parse, dedup, durable insert, queue admission.
func (s *Server) handleWebhook(provider events.Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)
		now := s.now()

		s.inFlight.Add(1)
		defer s.inFlight.Add(-1)

		if ok, retryAfter := s.limiter.Allow(clientIP(r)); !ok {
			secs := int(math.Ceil(retryAfter.Seconds()))
			s.metrics.EventsRejected.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.h.RenderJSON(w, http.StatusTooManyRequests, &errorResponse{
				Error:      "RateLimited",
				Message:    "too many requests",
				RetryAfter: secs,
			})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 25*mb))
		if err != nil {
			logger.ErrorContext(ctx, "failed to read webhook request body", "error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, &errorResponse{
				Error:   "Internal",
				Message: "failed to read payload",
			})
			return
		}
		if len(body) == 0 {
			s.metrics.EventsRejected.WithLabelValues("malformed").Inc()
			s.h.RenderJSON(w, http.StatusBadRequest, &errorResponse{
				Error:   "MalformedPayload",
				Message: "no payload received",
			})
			return
		}

		sigHeader := SHA256SignatureHeader
		if provider == events.ProviderLinear {
			sigHeader = s.cfg.LinearSignatureHeader
		}
		if err := s.verifier.Verify(provider, r.Header.Get(sigHeader), body); err != nil {
			kind := signatureErrorKind(err)
			logger.WarnContext(ctx, "refused webhook delivery",
				"provider", string(provider),
				"reason", kind)
			s.metrics.EventsRejected.WithLabelValues("bad_signature").Inc()
			s.h.RenderJSON(w, http.StatusUnauthorized, &errorResponse{
				Error:   kind,
				Message: "signature verification failed",
			})
			return
		}

		var ev *events.Event
		switch provider {
		case events.ProviderGitHub:
			ev, err = ParseGitHub(r.Header, body, now)
		case events.ProviderLinear:
			ev, err = ParseLinear(r.Header, body, now)
		}
		if err != nil {
			logger.WarnContext(ctx, "refused webhook delivery",
				"provider", string(provider),
				"reason", "malformed_payload",
				"error", err)
			s.metrics.EventsRejected.WithLabelValues("malformed").Inc()
			s.h.RenderJSON(w, http.StatusBadRequest, &errorResponse{
				Error:   "MalformedPayload",
				Message: err.Error(),
			})
			return
		}

		// The dedup window check rides inside the insert so concurrent
		// deliveries of identical content cannot both land.
		entry := events.NewQueueEntry(ev.ID, events.EventPriority(ev), s.cfg.MaxRetries, now)
		outcome, err := s.store.InsertEvent(ctx, ev, entry, now.Add(-s.cfg.DupWindow()))
		if err != nil {
			s.renderStoreUnavailable(ctx, w, err)
			return
		}
		if outcome != store.Inserted {
			level := "delivery"
			if outcome == store.DuplicateContent {
				level = "content"
			}
			s.metrics.EventsDuplicate.WithLabelValues(level).Inc()
			logger.InfoContext(ctx, "deduplicated delivery",
				"event_id", ev.ID,
				"dedup_level", level)
			s.h.RenderJSON(w, http.StatusOK, &receiveResponse{Received: true, EventID: ev.ID, Duplicate: true})
			return
		}

		if err := s.queue.Admit(entry); err != nil {
			// The entry is durable; it will be admitted by recovery. Keep
			// the delivery acked so the provider does not resend.
			logger.WarnContext(ctx, "queue full, entry left durable",
				"event_id", ev.ID,
				"entry_id", entry.EntryID,
				"error", err)
		}

		s.metrics.EventsReceived.WithLabelValues(string(provider), ev.Type).Inc()
		logger.InfoContext(ctx, "accepted webhook delivery",
			"provider", string(provider),
			"event_id", ev.ID,
			"event_type", ev.Type,
			"action", ev.Action,
			"priority", entry.Priority)
		s.h.RenderJSON(w, http.StatusOK, &receiveResponse{Received: true, EventID: ev.ID})
	})
}

func (s *Server) renderStoreUnavailable(ctx context.Context, w http.ResponseWriter, err error) {
	logging.FromContext(ctx).ErrorContext(ctx, "store unavailable", "error", err)
	s.h.RenderJSON(w, http.StatusServiceUnavailable, &errorResponse{
		Error:   "StoreUnavailable",
		Message: "durable store unavailable, retry later",
	})
}

func signatureErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "MissingSignature"
	case errors.Is(err, ErrMalformedSignature):
		return "MalformedSignature"
	default:
		return "SignatureMismatch"
	}
}
