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

import "fmt"

// IdentifierKind tags the kind of a correlation identifier.
type IdentifierKind string

const (
	KindRepository  IdentifierKind = "repository"
	KindPullRequest IdentifierKind = "pull_request"
	KindBranch      IdentifierKind = "branch"
	KindCommit      IdentifierKind = "commit"
	KindUser        IdentifierKind = "user"
)

// Identifier is a (kind, value) pair linking events across time, e.g.
// (pull_request, "acme/web#42").
type Identifier struct {
	Kind  IdentifierKind `db:"kind" json:"kind"`
	Value string         `db:"value" json:"value"`
}

func (i Identifier) String() string {
	return string(i.Kind) + ":" + i.Value
}

// PullRequestIdentifier builds the identifier for a PR in a repository.
func PullRequestIdentifier(repo string, number int) Identifier {
	return Identifier{Kind: KindPullRequest, Value: fmt.Sprintf("%s#%d", repo, number)}
}

// BranchIdentifier builds the identifier for a branch in a repository.
func BranchIdentifier(repo, branch string) Identifier {
	return Identifier{Kind: KindBranch, Value: repo + ":" + branch}
}

// Identifiers extracts the correlation identifiers an event carries. The
// set depends on the event type; unknown types correlate only by repository
// and user when present.
func Identifiers(ev *Event) []Identifier {
	d := Describe(ev)
	var ids []Identifier

	add := func(kind IdentifierKind, value string) {
		if value != "" {
			ids = append(ids, Identifier{Kind: kind, Value: value})
		}
	}

	switch normalType(ev.Type) {
	case "pull_request":
		add(KindRepository, d.Repository)
		if d.Repository != "" && d.Number > 0 {
			ids = append(ids, PullRequestIdentifier(d.Repository, d.Number))
		}
		if d.Repository != "" && d.HeadRef != "" {
			ids = append(ids, BranchIdentifier(d.Repository, d.HeadRef))
		}
		add(KindCommit, d.HeadSHA)
		add(KindUser, d.User)
	case "push":
		add(KindRepository, d.Repository)
		if d.Repository != "" && d.BranchName() != "" {
			ids = append(ids, BranchIdentifier(d.Repository, d.BranchName()))
		}
		for _, sha := range d.CommitSHAs {
			add(KindCommit, sha)
		}
		if len(d.CommitSHAs) == 0 {
			add(KindCommit, d.HeadSHA)
		}
		add(KindUser, d.User)
	case "check_run", "check_suite":
		add(KindCommit, d.HeadSHA)
		for _, n := range d.AssociatedPRs {
			if d.Repository != "" {
				ids = append(ids, PullRequestIdentifier(d.Repository, n))
			}
		}
	case "issues", "issue", "issue.update":
		add(KindRepository, d.Repository)
		add(KindUser, d.User)
	default:
		add(KindRepository, d.Repository)
		add(KindUser, d.User)
	}

	return ids
}
