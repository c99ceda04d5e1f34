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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkflowType classifies the trigger that opened a workflow.
type WorkflowType string

const (
	WorkflowPullRequest WorkflowType = "pull_request_workflow"
	WorkflowPush        WorkflowType = "push_workflow"
	WorkflowGeneric     WorkflowType = "generic_workflow"
)

// WorkflowStatus is the lifecycle status of a workflow.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowAbandoned WorkflowStatus = "abandoned"
)

// Workflow groups correlated events over the lifecycle of a PR, a push
// chain, or an issue. EventIDs is append-only and temporally ordered.
type Workflow struct {
	WorkflowID        string         `db:"workflow_id" json:"workflow_id"`
	Type              WorkflowType   `db:"type" json:"type"`
	Status            WorkflowStatus `db:"status" json:"status"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
	CompletedAt       *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	TriggeringEventID string         `db:"triggering_event_id" json:"triggering_event_id"`
	CompletingEventID string         `db:"completing_event_id" json:"completing_event_id,omitempty"`
	LastEventID       string         `db:"last_event_id" json:"last_event_id"`
	EventIDs          []string       `db:"-" json:"event_ids"`
	Identifiers       []Identifier   `db:"-" json:"identifiers"`
}

// defaultBranches are the push targets that open a push workflow.
var defaultBranches = map[string]bool{
	"main":    true,
	"master":  true,
	"develop": true,
}

// StartsWorkflow reports whether the event is a workflow-start trigger:
// a PR being opened or reopened, or a push to a long-lived branch.
func StartsWorkflow(ev *Event) bool {
	switch ev.Type {
	case "pull_request":
		return ev.Action == "opened" || ev.Action == "reopened"
	case "push":
		return defaultBranches[Describe(ev).BranchName()]
	default:
		return false
	}
}

// CompletesWorkflow reports whether the event is a workflow-completion
// trigger: a PR closing, or a check suite finishing with a decisive
// conclusion.
func CompletesWorkflow(ev *Event) bool {
	switch ev.Type {
	case "pull_request":
		return ev.Action == "closed"
	case "check_suite":
		if ev.Action != "completed" {
			return false
		}
		c := Describe(ev).Conclusion
		return c == "success" || c == "failure"
	default:
		return false
	}
}

// WorkflowTypeFor maps a start-trigger event to the workflow type it opens.
func WorkflowTypeFor(ev *Event) WorkflowType {
	switch ev.Type {
	case "pull_request":
		return WorkflowPullRequest
	case "push":
		return WorkflowPush
	default:
		return WorkflowGeneric
	}
}

// NewWorkflowID generates a deterministic-prefix workflow identifier, e.g.
// wf_pr_acme_web_42_1700000000 with a short random suffix to keep IDs unique
// when the same PR opens twice in one second.
func NewWorkflowID(ev *Event, now time.Time) string {
	d := Describe(ev)
	repo := strings.NewReplacer("/", "_", "#", "_").Replace(d.Repository)
	suffix := uuid.New().String()[:8]
	switch ev.Type {
	case "pull_request":
		return fmt.Sprintf("wf_pr_%s_%d_%d_%s", repo, d.Number, now.Unix(), suffix)
	case "push":
		branch := strings.ReplaceAll(d.BranchName(), "/", "_")
		return fmt.Sprintf("wf_push_%s_%s_%d_%s", repo, branch, now.Unix(), suffix)
	default:
		return fmt.Sprintf("wf_generic_%s_%d_%s", repo, now.Unix(), suffix)
	}
}
