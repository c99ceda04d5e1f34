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
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "valid",
		},
		{
			name:    "missing_github_secret",
			mutate:  func(c *Config) { c.GitHubWebhookSecret = "" },
			wantErr: "WEBHOOK_SECRET_GITHUB",
		},
		{
			name:    "missing_database_url",
			mutate:  func(c *Config) { c.DatabaseURL = "" },
			wantErr: "DATABASE_URL",
		},
		{
			name:    "missing_agentapi_url",
			mutate:  func(c *Config) { c.AgentAPIBaseURL = "" },
			wantErr: "AGENTAPI_BASE_URL",
		},
		{
			name:    "zero_queue_bound",
			mutate:  func(c *Config) { c.MaxQueue = 0 },
			wantErr: "MAX_QUEUE",
		},
		{
			name:    "zero_dup_window",
			mutate:  func(c *Config) { c.DupWindowSeconds = 0 },
			wantErr: "DUP_WINDOW_S",
		},
		{
			name:    "zero_rate_limit",
			mutate:  func(c *Config) { c.RateLimitRequests = 0 },
			wantErr: "RATE_LIMIT_R",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			if tc.mutate != nil {
				tc.mutate(cfg)
			}

			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
