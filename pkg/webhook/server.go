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

// Package webhook is the ingestion server: signature verification, rate
// limiting, parsing, deduplication and queue admission for provider
// webhooks.
package webhook

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"

	"github.com/abcxyz/webhook-correlator/pkg/metrics"
	"github.com/abcxyz/webhook-correlator/pkg/queue"
	"github.com/abcxyz/webhook-correlator/pkg/store"
	"github.com/abcxyz/webhook-correlator/pkg/version"
)

// Server provides the ingestion server implementation.
type Server struct {
	cfg      *Config
	h        *renderer.Renderer
	store    store.Store
	queue    *queue.Queue
	metrics  *metrics.Metrics
	verifier *Verifier
	limiter  *Limiter

	inFlight atomic.Int64
	now      func() time.Time
}

// NewServer creates a new HTTP server implementation that will handle
// receiving webhook payloads.
func NewServer(ctx context.Context, h *renderer.Renderer, cfg *Config, s store.Store, q *queue.Queue, m *metrics.Metrics) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}
	m.WatchQueueDepth(q.Size)

	return &Server{
		cfg:      cfg,
		h:        h,
		store:    s,
		queue:    q,
		metrics:  m,
		verifier: NewVerifier(cfg.GitHubWebhookSecret, cfg.LinearWebhookSecret),
		limiter:  NewLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow()),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Routes creates a ServeMux of all of the routes that this Router
// supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/health", s.handleHealth())
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/webhook/github", s.handleGitHubWebhook())
	mux.Handle("/webhook/linear", s.handleLinearWebhook())
	mux.Handle("/version", s.handleVersion())

	if s.cfg.AdminToken != "" {
		mux.Handle("/admin/deadletter", s.handleDeadLetter())
		mux.Handle("/admin/events/", s.handleReplay())
	}

	// Middleware
	root := logging.HTTPInterceptor(logger, "")(mux)

	return root
}

// handleVersion is a simple http.HandlerFunc that responds with version
// information for the server.
func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, map[string]string{
			"version": version.HumanVersion,
		})
	})
}

// healthResponse is the /health body.
type healthResponse struct {
	Status    string `json:"status"`
	QueueSize int    `json:"queue_size"`
	InFlight  int64  `json:"in_flight"`
	Store     string `json:"store"`
}

// handleHealth reports liveness plus queue and store condition.
func (s *Server) handleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := &healthResponse{
			Status:    "healthy",
			QueueSize: s.queue.Size(),
			InFlight:  s.inFlight.Load(),
			Store:     "ok",
		}
		code := http.StatusOK
		if err := s.store.Ping(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Store = "degraded"
			code = http.StatusServiceUnavailable
		}
		s.h.RenderJSON(w, code, resp)
	})
}

// Background runs the server's periodic chores, currently pruning idle
// rate limiter buckets, until the context is cancelled.
func (s *Server) Background(ctx context.Context) {
	s.limiter.Run(ctx.Done())
}

// clientIP extracts the remote IP for rate limiting.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
