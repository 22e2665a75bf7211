// Package types holds the shared domain types of the TUID service.
package types

import "strings"

// Tuid is a Temporally Unique IDentifier: a process-allocated integer
// naming one logical source line. Tuids are positive, never reused, and
// allocated monotonically.
type Tuid int64

// MissingTuid marks a line position with no identity. It is used for pad
// positions while transforming annotations and must never be persisted
// inside a stored annotation.
const MissingTuid Tuid = -1

// NullPath is the name Mercurial diffs use for the absent side of an
// add or delete.
const NullPath = "dev/null"

// RevisionLen is the length of the short revision prefix every store key
// and frontier uses.
const RevisionLen = 12

// ShortRev normalizes a revision to its 12-character prefix.
func ShortRev(rev string) string {
	if len(rev) > RevisionLen {
		return rev[:RevisionLen]
	}
	return rev
}

// TrimFile normalizes a file path by stripping the leading slash.
func TrimFile(file string) string {
	return strings.TrimPrefix(file, "/")
}

// TuidMap pairs a Tuid with its 1-based line number within one revision
// of a file.
type TuidMap struct {
	Tuid Tuid
	Line int
}

// Annotation is the ordered per-line Tuid list for one (revision, file).
// Index i holds the Tuid of line i+1. An empty (non-nil) annotation is a
// tombstone: the file does not exist at that revision.
type Annotation []Tuid

// Tombstone reports whether the annotation marks a removed file.
func (a Annotation) Tombstone() bool {
	return a != nil && len(a) == 0
}

// ToMaps expands the annotation into (Tuid, line) pairs.
func (a Annotation) ToMaps() []TuidMap {
	maps := make([]TuidMap, len(a))
	for i, t := range a {
		maps[i] = TuidMap{Tuid: t, Line: i + 1}
	}
	return maps
}

// AnnotationFromMaps collapses (Tuid, line) pairs back into the dense
// per-line list. The pairs may arrive in any order; line numbers must be
// 1-based and dense.
func AnnotationFromMaps(maps []TuidMap) Annotation {
	ann := make(Annotation, len(maps))
	for i := range ann {
		ann[i] = MissingTuid
	}
	for _, m := range maps {
		if m.Line >= 1 && m.Line <= len(maps) {
			ann[m.Line-1] = m.Tuid
		}
	}
	return ann
}

// Valid reports whether the annotation is dense: every line has a
// positive identity.
func (a Annotation) Valid() bool {
	for _, t := range a {
		if t <= 0 {
			return false
		}
	}
	return true
}

// ChangeAction is a single diff operation kind.
type ChangeAction string

const (
	ActionAdd    ChangeAction = "+"
	ActionRemove ChangeAction = "-"
)

// Change is one line-level operation within a file diff. Line numbers are
// 0-based anchors as delivered by the upstream diff format; the applier
// adds the +1 bias when touching 1-based annotations.
type Change struct {
	Action ChangeAction `json:"action"`
	Line   int          `json:"line"`
}

// FileDiff is the per-file change record of one revision's diff.
type FileDiff struct {
	OldName string   `json:"old"`
	NewName string   `json:"new"`
	Changes []Change `json:"changes"`
}

// Diff is the full change record of one revision. Merge diffs duplicate
// other commits' changes and are a no-op for Tuid allocation.
type Diff struct {
	Merge bool       `json:"merge"`
	Files []FileDiff `json:"diffs"`
}

// FileTuids is one entry of a resolve result: the requested file and its
// per-line Tuid maps. Tuids is empty when the file is absent at the
// requested revision or could not be resolved.
type FileTuids struct {
	File  string
	Tuids []TuidMap
}

// ResolveOptions modify a single resolve call.
type ResolveOptions struct {
	// GoingForward asserts the requested revision descends from every
	// frontier involved, forcing frontier advancement even when a file's
	// revision range cannot be fully walked.
	GoingForward bool

	// Repo overrides the configured branch. When empty the configured
	// branch is used and the revision is verified to exist on it first.
	Repo string

	// UseThread allows overflow work to be deferred to background
	// workers when the number of files not answered from the cache
	// exceeds the process threshold.
	UseThread bool

	// MaxCsetsProc caps the changelog walk per frontier move. Zero means
	// the configured default.
	MaxCsetsProc int

	// Etl marks requests from the ingestion pipeline; these pause the
	// prefetch daemon for their duration.
	Etl bool
}

// Frontier records the newest revision for which a file has a cached
// annotation.
type Frontier struct {
	File     string
	Revision string
}

// RevOrdinal is one (ordinal, revision) element of a changelog range.
type RevOrdinal struct {
	Ordinal  int
	Revision string
}
