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

// Package events holds the canonical event, queue entry and workflow records
// shared by the ingestion pipeline, the queue and the correlation engine.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Provider identifies the webhook source.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderLinear Provider = "linear"
)

// Status is the lifecycle status of an event record.
type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusDuplicate  Status = "duplicate"
)

// Event is the canonical webhook event record. It is immutable once
// persisted except for status, retry_count and last_error, which are only
// mutated by workers.
type Event struct {
	// ID is the provider-assigned delivery identifier, globally unique.
	ID         string         `db:"id" json:"id"`
	Provider   Provider       `db:"provider" json:"provider"`
	Type       string         `db:"type" json:"type"`
	Action     string         `db:"action" json:"action,omitempty"`
	ReceivedAt time.Time      `db:"received_at" json:"received_at"`
	Payload    map[string]any `db:"-" json:"payload"`

	// RawBytesHash is the hex SHA-256 of the HTTP body, used for content
	// dedup alongside SemanticKey.
	RawBytesHash string `db:"raw_bytes_hash" json:"raw_bytes_hash"`
	SemanticKey  string `db:"semantic_key" json:"semantic_key"`

	Status     Status `db:"status" json:"status"`
	RetryCount int    `db:"retry_count" json:"retry_count"`
	LastError  string `db:"last_error" json:"last_error,omitempty"`
}

// RawHash returns the hex SHA-256 digest of the raw request body.
func RawHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SemanticKey computes the deterministic digest that identifies the semantic
// content of an event: sha256 over (type, action, repo, number, head sha,
// user) joined with "|". Missing components stay as empty strings so the
// positions are preserved.
func SemanticKey(eventType, action, repo string, number int, headSHA, user string) string {
	num := ""
	if number > 0 {
		num = strconv.Itoa(number)
	}
	joined := strings.Join([]string{eventType, action, repo, num, headSHA, user}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// Terminal reports whether the status is never left again.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed || s == StatusDuplicate
}
