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

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/abcxyz/pkg/cfgloader"
)

// Config controls the worker pool, the retry schedule and the janitor.
// Millisecond and second fields mirror the wire units of the corresponding
// environment variables.
type Config struct {
	// Count is the number of concurrent workers.
	Count int `env:"N_WORKERS,default=5"`

	// JobTimeoutMillis bounds a single entry's processing time.
	JobTimeoutMillis int64 `env:"JOB_TIMEOUT_MS,default=600000"`

	// RetryBaseMillis is the first retry delay.
	RetryBaseMillis int64 `env:"RETRY_BASE_MS,default=5000"`

	// RetryMaxMillis caps the growing retry delay.
	RetryMaxMillis int64 `env:"RETRY_MAX_MS,default=30000"`

	// RetryMultiplier grows the delay per attempt.
	RetryMultiplier float64 `env:"RETRY_MULTIPLIER,default=2"`

	// MaxRetries bounds retries per entry before dead-lettering.
	MaxRetries int `env:"MAX_RETRIES,default=3"`

	// DrainTimeoutMillis is how long an in-flight job may keep running
	// after shutdown starts before it is cut off.
	DrainTimeoutMillis int64 `env:"DRAIN_TIMEOUT_MS,default=30000"`

	// EventTTLSeconds is how long terminal events are kept.
	EventTTLSeconds int64 `env:"EVENT_TTL_S,default=604800"`

	// WorkflowTTLSeconds is how long completed workflows and their
	// correlation rows are kept.
	WorkflowTTLSeconds int64 `env:"WORKFLOW_TTL_S,default=604800"`

	// CancelOnWorkflowComplete cancels pending retries for a workflow's
	// earlier events when the workflow completes.
	CancelOnWorkflowComplete bool `env:"CANCEL_ON_WORKFLOW_COMPLETE,default=false"`
}

// NewConfig creates a new Config from environment variables.
func NewConfig(ctx context.Context) (*Config, error) {
	return newConfig(ctx, envconfig.OsLookuper())
}

func newConfig(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(lu)); err != nil {
		return nil, fmt.Errorf("failed to parse worker config: %w", err)
	}
	return &cfg, nil
}

// Validate validates the config.
func (c *Config) Validate() error {
	var merr error

	if c.Count <= 0 {
		merr = errors.Join(merr, fmt.Errorf("N_WORKERS must be positive"))
	}
	if c.JobTimeoutMillis <= 0 {
		merr = errors.Join(merr, fmt.Errorf("JOB_TIMEOUT_MS must be positive"))
	}
	if c.RetryBaseMillis <= 0 {
		merr = errors.Join(merr, fmt.Errorf("RETRY_BASE_MS must be positive"))
	}
	if c.RetryMaxMillis < c.RetryBaseMillis {
		merr = errors.Join(merr, fmt.Errorf("RETRY_MAX_MS must be at least RETRY_BASE_MS"))
	}
	if c.RetryMultiplier < 1 {
		merr = errors.Join(merr, fmt.Errorf("RETRY_MULTIPLIER must be at least 1"))
	}
	if c.MaxRetries < 0 {
		merr = errors.Join(merr, fmt.Errorf("MAX_RETRIES must not be negative"))
	}
	if c.DrainTimeoutMillis <= 0 {
		merr = errors.Join(merr, fmt.Errorf("DRAIN_TIMEOUT_MS must be positive"))
	}

	return merr
}

// JobTimeout returns the per-entry processing deadline.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMillis) * time.Millisecond
}

// DrainTimeout returns the shutdown grace period for in-flight jobs.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMillis) * time.Millisecond
}

// EventTTL returns how long terminal events are kept.
func (c *Config) EventTTL() time.Duration {
	return time.Duration(c.EventTTLSeconds) * time.Second
}

// WorkflowTTL returns how long completed workflows are kept.
func (c *Config) WorkflowTTL() time.Duration {
	return time.Duration(c.WorkflowTTLSeconds) * time.Second
}

// Backoff returns the retry schedule the config describes.
func (c *Config) Backoff() *Backoff {
	return &Backoff{
		Base:       time.Duration(c.RetryBaseMillis) * time.Millisecond,
		Max:        time.Duration(c.RetryMaxMillis) * time.Millisecond,
		Multiplier: c.RetryMultiplier,
		Floor:      SlowRetryFloor,
	}
}
