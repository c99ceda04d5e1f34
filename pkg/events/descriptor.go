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

import "strings"

// Descriptor is the typed view over the opaque payload, restricted to the
// fields the correlation engine and the dispatcher need. Everything else
// stays in Event.Payload untouched.
type Descriptor struct {
	Repository    string
	Number        int
	HeadRef       string
	BaseRef       string
	HeadSHA       string
	Ref           string
	User          string
	Merged        bool
	Conclusion    string
	CommitSHAs    []string
	AssociatedPRs []int
}

// BranchName returns the branch this event refers to: the head ref for PR
// events, the short ref name for pushes.
func (d *Descriptor) BranchName() string {
	if d.HeadRef != "" {
		return d.HeadRef
	}
	return strings.TrimPrefix(d.Ref, "refs/heads/")
}

// DefaultBranchPush reports whether the event is a push to a long-lived
// branch.
func (d *Descriptor) DefaultBranchPush() bool {
	if d.Ref == "" {
		return false
	}
	return defaultBranches[d.BranchName()]
}

// Describe extracts the typed view from an event payload. Missing fields
// are left at their zero values; the parser decides which absences are
// fatal.
func Describe(ev *Event) *Descriptor {
	d := &Descriptor{}
	p := ev.Payload
	if p == nil {
		return d
	}

	d.Repository = str(dig(p, "repository"), "full_name")
	d.Ref, _ = p["ref"].(string)

	switch normalType(ev.Type) {
	case "pull_request":
		pr := dig(p, "pull_request")
		d.Number = num(pr, "number")
		d.HeadRef = str(dig(pr, "head"), "ref")
		d.HeadSHA = str(dig(pr, "head"), "sha")
		d.BaseRef = str(dig(pr, "base"), "ref")
		d.User = str(dig(pr, "user"), "login")
		if m, ok := pr["merged"].(bool); ok {
			d.Merged = m
		}
	case "push":
		d.HeadSHA, _ = p["after"].(string)
		d.User = str(dig(p, "pusher"), "name")
		if d.User == "" {
			d.User = str(dig(p, "sender"), "login")
		}
		if commits, ok := p["commits"].([]any); ok {
			for _, c := range commits {
				if cm, ok := c.(map[string]any); ok {
					if id, ok := cm["id"].(string); ok && id != "" {
						d.CommitSHAs = append(d.CommitSHAs, id)
					}
				}
			}
		}
	case "check_run", "check_suite":
		body := dig(p, normalType(ev.Type))
		d.HeadSHA = str(body, "head_sha")
		d.Conclusion = str(body, "conclusion")
		if prs, ok := body["pull_requests"].([]any); ok {
			for _, raw := range prs {
				if pr, ok := raw.(map[string]any); ok {
					if n := num(pr, "number"); n > 0 {
						d.AssociatedPRs = append(d.AssociatedPRs, n)
					}
				}
			}
		}
	case "issues", "issue", "issue.update":
		issue := dig(p, "issue")
		if issue == nil {
			issue = dig(p, "data")
		}
		d.Number = num(issue, "number")
		d.User = str(dig(issue, "assignee"), "login")
		if d.User == "" {
			d.User = str(dig(issue, "assignee"), "name")
		}
	default:
		d.User = str(dig(p, "sender"), "login")
	}

	if d.User == "" {
		d.User = str(dig(p, "sender"), "login")
	}
	return d
}

// normalType strips the provider namespace from an event type, so the
// Linear and GitHub variants of the same concept share one extraction
// path: "linear_issue" describes like "issue".
func normalType(t string) string {
	return strings.TrimPrefix(t, "linear_")
}

func dig(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// num reads a JSON number field; decoded JSON carries them as float64.
func num(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
