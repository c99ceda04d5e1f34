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

package events

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the lifecycle status of a queue entry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueDead       QueueStatus = "dead"
)

// Priority bounds for queue entries; higher is served first.
const (
	MinPriority = 1
	MaxPriority = 10
)

// QueueEntry schedules the processing of a single event. At most one entry
// per event is pending or processing at any time.
type QueueEntry struct {
	EntryID     string      `db:"entry_id" json:"entry_id"`
	EventID     string      `db:"event_id" json:"event_id"`
	Priority    int         `db:"priority" json:"priority"`
	ScheduledAt time.Time   `db:"scheduled_at" json:"scheduled_at"`
	Status      QueueStatus `db:"status" json:"status"`
	RetryCount  int         `db:"retry_count" json:"retry_count"`
	MaxRetries  int         `db:"max_retries" json:"max_retries"`
	LastError   string      `db:"last_error" json:"last_error,omitempty"`
	StartedAt   *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// NewQueueEntry builds a pending entry for the event, eligible immediately.
func NewQueueEntry(eventID string, priority, maxRetries int, now time.Time) *QueueEntry {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return &QueueEntry{
		EntryID:     uuid.New().String(),
		EventID:     eventID,
		Priority:    priority,
		ScheduledAt: now,
		Status:      QueuePending,
		MaxRetries:  maxRetries,
	}
}

// EventPriority derives the queue priority for an event from its type and
// action. Failed checks and merged PRs jump the line, routine PR activity
// sits above pushes, everything else gets the default.
func EventPriority(ev *Event) int {
	d := Describe(ev)
	switch ev.Type {
	case "pull_request":
		if ev.Action == "closed" && d.Merged {
			return 8
		}
		return 7
	case "push":
		if d.DefaultBranchPush() {
			return 6
		}
		return 5
	case "check_run", "check_suite":
		if d.Conclusion == "failure" {
			return 8
		}
		return 5
	default:
		return 5
	}
}
