package hg

import (
	"strings"

	"github.com/yoyogias2011/TUID/pkg/types"
)

// ChangelogEntry is one changeset of a json-log page, newest first.
type ChangelogEntry struct {
	Node string `json:"node"`
}

// ChangelogPage is the response of json-log/{rev}.
type ChangelogPage struct {
	Changesets []ChangelogEntry `json:"changesets"`
}

// RevisionInfo is the response of json-rev/{rev}.
type RevisionInfo struct {
	Node    string   `json:"node"`
	Phase   string   `json:"phase"` // "public" or "draft"
	Parents []string `json:"parents"`
}

// PushChangeset is one changeset inside a json-pushes entry.
type PushChangeset struct {
	Node    string   `json:"node"`
	Parents []string `json:"parents"`
}

// Push is one push of a json-pushes?full=1 response.
type Push struct {
	Changesets []PushChangeset `json:"changesets"`
}

// fileName is the nested {name: ...} object the diff format wraps paths
// in.
type fileName struct {
	Name string `json:"name"`
}

// moveEntry is one per-file diff record as delivered upstream.
type moveEntry struct {
	Old     fileName       `json:"old"`
	New     fileName       `json:"new"`
	Changes []types.Change `json:"changes"`
}

// revisionDiff is the enriched changeset document the hg cache service
// returns: the per-file moves plus the commit description.
type revisionDiff struct {
	Changeset struct {
		Moves       []moveEntry `json:"moves"`
		Description string      `json:"description"`
	} `json:"changeset"`
}

// isMergeDescription reports whether a commit description marks a merge
// changeset.
func isMergeDescription(description string) bool {
	return strings.HasPrefix(description, "merge ") || strings.HasPrefix(description, "Merge ")
}

// toDiff converts the wire document into the domain diff record.
func (d *revisionDiff) toDiff() types.Diff {
	diff := types.Diff{
		Merge: isMergeDescription(d.Changeset.Description),
		Files: make([]types.FileDiff, 0, len(d.Changeset.Moves)),
	}
	for _, m := range d.Changeset.Moves {
		diff.Files = append(diff.Files, types.FileDiff{
			OldName: m.Old.Name,
			NewName: m.New.Name,
			Changes: m.Changes,
		})
	}
	return diff
}
