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

package dispatch

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/abcxyz/webhook-correlator/pkg/agentapi"
)

// Kind classifies a processing failure for the retry policy.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindConnection  Kind = "connection"
	KindServer      Kind = "server_error"
	KindRateLimited Kind = "rate_limited"
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation"
	KindMalformed   Kind = "malformed_payload"
	KindUnknown     Kind = "unknown"
)

// Retryable reports whether a failure of this kind should be retried.
// Unknown failures are retried to err on the side of delivery.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindConnection, KindServer, KindRateLimited, KindUnknown:
		return true
	default:
		return false
	}
}

// SlowRetry reports whether retries of this kind must wait for the rate
// limit floor rather than the regular backoff schedule.
func (k Kind) SlowRetry() bool {
	return k == KindRateLimited
}

// Classify maps an error from the dispatch path onto the retry taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, agentapi.ErrUnavailable) {
		return KindConnection
	}
	if errors.Is(err, ErrMalformed) {
		return KindMalformed
	}

	var apiErr *agentapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return KindRateLimited
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return KindAuth
		case apiErr.StatusCode == http.StatusNotFound:
			return KindNotFound
		case apiErr.StatusCode >= 500:
			return KindServer
		case apiErr.StatusCode >= 400:
			return KindValidation
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}

	return KindUnknown
}
