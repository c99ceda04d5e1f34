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
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/webhook-correlator/pkg/events"
	"github.com/abcxyz/webhook-correlator/pkg/store"
)

// replayResponse acknowledges an admin replay.
type replayResponse struct {
	Replayed bool   `json:"replayed"`
	EventID  string `json:"event_id"`
	EntryID  string `json:"entry_id"`
}

// authorized checks the admin bearer token in constant time.
func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1
}

// handleDeadLetter lists dead-lettered queue entries for inspection.
func (s *Server) handleDeadLetter() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.h.RenderJSON(w, http.StatusUnauthorized, &errorResponse{
				Error:   "Auth",
				Message: "missing or invalid admin token",
			})
			return
		}
		if r.Method != http.MethodGet {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, &errorResponse{
				Error:   "Validation",
				Message: "method not allowed",
			})
			return
		}

		entries, err := s.store.DeadEntries(r.Context(), 100)
		if err != nil {
			s.renderStoreUnavailable(r.Context(), w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
		})
	})
}

// handleReplay resets an event and enqueues a fresh entry for it. Routed
// as POST /admin/events/<id>/replay.
func (s *Server) handleReplay() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		if !s.authorized(r) {
			s.h.RenderJSON(w, http.StatusUnauthorized, &errorResponse{
				Error:   "Auth",
				Message: "missing or invalid admin token",
			})
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/admin/events/")
		eventID, ok := strings.CutSuffix(rest, "/replay")
		if !ok || eventID == "" || strings.Contains(eventID, "/") {
			s.h.RenderJSON(w, http.StatusNotFound, &errorResponse{
				Error:   "NotFound",
				Message: "unknown admin path",
			})
			return
		}
		if r.Method != http.MethodPost {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, &errorResponse{
				Error:   "Validation",
				Message: "method not allowed",
			})
			return
		}

		// Refuse replays that would race a live entry; the one-active-entry
		// invariant must hold.
		if _, err := s.store.ActiveEntryForEvent(ctx, eventID); err == nil {
			s.h.RenderJSON(w, http.StatusConflict, &errorResponse{
				Error:   "Validation",
				Message: "event already has an active queue entry",
			})
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			s.renderStoreUnavailable(ctx, w, err)
			return
		}

		if err := s.store.ResetEventForReplay(ctx, eventID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.h.RenderJSON(w, http.StatusNotFound, &errorResponse{
					Error:   "NotFound",
					Message: "no such event",
				})
				return
			}
			s.renderStoreUnavailable(ctx, w, err)
			return
		}

		ev, err := s.store.GetEvent(ctx, eventID)
		if err != nil {
			s.renderStoreUnavailable(ctx, w, err)
			return
		}

		entry := events.NewQueueEntry(ev.ID, events.EventPriority(ev), s.cfg.MaxRetries, s.now())
		if err := s.store.InsertEntry(ctx, entry); err != nil {
			s.renderStoreUnavailable(ctx, w, err)
			return
		}
		if err := s.queue.Admit(entry); err != nil {
			logger.WarnContext(ctx, "queue full, replay entry left durable",
				"event_id", ev.ID,
				"entry_id", entry.EntryID,
				"error", err)
		}

		logger.InfoContext(ctx, "replayed event",
			"event_id", ev.ID,
			"entry_id", entry.EntryID)
		s.h.RenderJSON(w, http.StatusOK, &replayResponse{
			Replayed: true,
			EventID:  ev.ID,
			EntryID:  entry.EntryID,
		})
	})
}
