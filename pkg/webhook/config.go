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
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/cli"
)

// Config defines the set of environment variables required for the
// ingestion server.
type Config struct {
	ListenAddr string

	GitHubWebhookSecret string

	// LinearWebhookSecret is optional; when empty, Linear deliveries are
	// accepted without signature verification.
	LinearWebhookSecret   string
	LinearSignatureHeader string

	DatabaseURL string

	AgentAPIBaseURL       string
	AgentAPIToken         string
	AgentAPITimeoutMillis int64

	MaxQueue   int
	MaxRetries int

	DupWindowSeconds int64

	RateLimitRequests      int
	RateLimitWindowSeconds int64

	// AdminToken protects the replay and dead-letter endpoints. When
	// empty, the admin endpoints are not served.
	AdminToken string
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.GitHubWebhookSecret == "" {
		merr = errors.Join(merr, fmt.Errorf("WEBHOOK_SECRET_GITHUB is required"))
	}

	if cfg.DatabaseURL == "" {
		merr = errors.Join(merr, fmt.Errorf("DATABASE_URL is required"))
	}

	if cfg.AgentAPIBaseURL == "" {
		merr = errors.Join(merr, fmt.Errorf("AGENTAPI_BASE_URL is required"))
	}

	if cfg.AgentAPITimeoutMillis <= 0 {
		merr = errors.Join(merr, fmt.Errorf("AGENTAPI_TIMEOUT_MS must be positive"))
	}

	if cfg.MaxQueue <= 0 {
		merr = errors.Join(merr, fmt.Errorf("MAX_QUEUE must be positive"))
	}

	if cfg.MaxRetries < 0 {
		merr = errors.Join(merr, fmt.Errorf("MAX_RETRIES must not be negative"))
	}

	if cfg.DupWindowSeconds <= 0 {
		merr = errors.Join(merr, fmt.Errorf("DUP_WINDOW_S must be positive"))
	}

	if cfg.RateLimitRequests <= 0 {
		merr = errors.Join(merr, fmt.Errorf("RATE_LIMIT_R must be positive"))
	}

	if cfg.RateLimitWindowSeconds <= 0 {
		merr = errors.Join(merr, fmt.Errorf("RATE_LIMIT_W_S must be positive"))
	}

	return merr
}

// AgentAPITimeout returns the downstream request timeout.
func (cfg *Config) AgentAPITimeout() time.Duration {
	return time.Duration(cfg.AgentAPITimeoutMillis) * time.Millisecond
}

// DupWindow returns the content deduplication window.
func (cfg *Config) DupWindow() time.Duration {
	return time.Duration(cfg.DupWindowSeconds) * time.Second
}

// RateLimitWindow returns the rate limiter window.
func (cfg *Config) RateLimitWindow() time.Duration {
	return time.Duration(cfg.RateLimitWindowSeconds) * time.Second
}

// ToFlags binds the config to the give [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "listen-addr",
		Target:  &cfg.ListenAddr,
		EnvVar:  "LISTEN_ADDR",
		Default: ":8080",
		Usage:   `The address the ingestion server listens on.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "webhook-secret-github",
		Target: &cfg.GitHubWebhookSecret,
		EnvVar: "WEBHOOK_SECRET_GITHUB",
		Usage:  `HMAC secret for GitHub webhook signatures.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "webhook-secret-linear",
		Target: &cfg.LinearWebhookSecret,
		EnvVar: "WEBHOOK_SECRET_LINEAR",
		Usage:  `HMAC secret for Linear webhook signatures, empty disables verification.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "linear-signature-header",
		Target:  &cfg.LinearSignatureHeader,
		EnvVar:  "LINEAR_SIGNATURE_HEADER",
		Default: "Linear-Signature",
		Usage:   `Header carrying the Linear HMAC hex digest.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "database-url",
		Target: &cfg.DatabaseURL,
		EnvVar: "DATABASE_URL",
		Usage:  `Postgres connection string for the durable store.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "agentapi-base-url",
		Target: &cfg.AgentAPIBaseURL,
		EnvVar: "AGENTAPI_BASE_URL",
		Usage:  `Base URL of the downstream AgentAPI service.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "agentapi-token",
		Target: &cfg.AgentAPIToken,
		EnvVar: "AGENTAPI_TOKEN",
		Usage:  `Bearer token for AgentAPI calls.`,
	})

	f.Int64Var(&cli.Int64Var{
		Name:    "agentapi-timeout-ms",
		Target:  &cfg.AgentAPITimeoutMillis,
		EnvVar:  "AGENTAPI_TIMEOUT_MS",
		Default: 30000,
		Usage:   `Timeout for AgentAPI requests, in milliseconds.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-queue",
		Target:  &cfg.MaxQueue,
		EnvVar:  "MAX_QUEUE",
		Default: 10000,
		Usage:   `Bound on the in-memory queue size.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-retries",
		Target:  &cfg.MaxRetries,
		EnvVar:  "MAX_RETRIES",
		Default: 3,
		Usage:   `Maximum retries per queue entry before dead-lettering.`,
	})

	f.Int64Var(&cli.Int64Var{
		Name:    "dup-window-s",
		Target:  &cfg.DupWindowSeconds,
		EnvVar:  "DUP_WINDOW_S",
		Default: 3600,
		Usage:   `Content deduplication window, in seconds.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "rate-limit-r",
		Target:  &cfg.RateLimitRequests,
		EnvVar:  "RATE_LIMIT_R",
		Default: 10,
		Usage:   `Requests allowed per remote IP per window.`,
	})

	f.Int64Var(&cli.Int64Var{
		Name:    "rate-limit-w-s",
		Target:  &cfg.RateLimitWindowSeconds,
		EnvVar:  "RATE_LIMIT_W_S",
		Default: 60,
		Usage:   `Rate limit window, in seconds.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "admin-token",
		Target: &cfg.AdminToken,
		EnvVar: "ADMIN_TOKEN",
		Usage:  `Bearer token for the admin endpoints, empty disables them.`,
	})

	return set
}
