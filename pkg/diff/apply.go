// Package diff transforms annotations by single-revision diffs while
// preserving line identity. Added lines receive fresh tuids; unchanged
// lines keep theirs and only move.
package diff

import (
	"sort"

	"github.com/yoyogias2011/TUID/pkg/types"
)

// Allocator hands out fresh tuids for added lines.
type Allocator interface {
	Next() (types.Tuid, error)
}

// TemporalEntry records one allocation made while applying a diff, for
// the pending temporal log.
type TemporalEntry struct {
	Tuid     types.Tuid
	Revision string
	File     string
	Line     int
}

// Result is the outcome of applying one diff to one file.
type Result struct {
	// Lines is the transformed annotation, ordered by line.
	Lines []types.TuidMap
	// File is the possibly renamed filename to carry forward.
	File string
	// Allocated lists the tuids handed out during this application.
	Allocated []TemporalEntry
}

// Apply transforms the annotation by the diff of revision rev, going
// forward in time. Merge diffs are a no-op: they duplicate other
// commits' changes and must not allocate.
//
// Diff line numbers are 0-based anchors; annotation line numbers are
// 1-based, hence the +1 bias on every change.
func Apply(alloc Allocator, ann []types.TuidMap, d *types.Diff, rev, file string) (*Result, error) {
	file = types.TrimFile(file)
	if d.Merge {
		return &Result{Lines: ann, File: file}, nil
	}
	if file == types.NullPath {
		return &Result{Lines: []types.TuidMap{}, File: file}, nil
	}

	lines := sortedCopy(ann)
	res := &Result{File: file}

	for _, entry := range d.Files {
		newName := types.TrimFile(entry.NewName)
		oldName := types.TrimFile(entry.OldName)
		if newName != file && oldName != file {
			continue
		}
		if oldName != newName {
			if newName == types.NullPath {
				return &Result{Lines: []types.TuidMap{}, File: file}, nil
			}
			// Track the rename so later diffs find the file under
			// its new name.
			res.File = newName
		}

		for _, change := range entry.Changes {
			switch change.Action {
			case types.ActionAdd:
				tuid, err := alloc.Next()
				if err != nil {
					return nil, err
				}
				res.Allocated = append(res.Allocated, TemporalEntry{
					Tuid:     tuid,
					Revision: types.ShortRev(rev),
					File:     res.File,
					Line:     change.Line + 1,
				})
				lines = addOne(types.TuidMap{Tuid: tuid, Line: change.Line + 1}, lines)
			case types.ActionRemove:
				lines = removeOne(change.Line+1, lines)
			}
		}
		break // Found the file, exit searching
	}

	res.Lines = lines
	return res, nil
}

// ApplyBackwards transforms the annotation by the diff of revision rev,
// going backward in time: additions become removals and removals become
// additions, applied in reverse order. Lines resurrected this way were
// never seen by this process and receive fresh tuids.
func ApplyBackwards(alloc Allocator, ann []types.TuidMap, d *types.Diff, rev, file string) (*Result, error) {
	file = types.TrimFile(file)
	if d.Merge {
		return &Result{Lines: ann, File: file}, nil
	}

	lines := sortedCopy(ann)
	res := &Result{File: file}

	for _, entry := range d.Files {
		newName := types.TrimFile(entry.NewName)
		oldName := types.TrimFile(entry.OldName)
		if newName != file && oldName != file {
			continue
		}
		if oldName != newName {
			if oldName == types.NullPath {
				// The file was added by this diff; before it there is
				// nothing to annotate.
				return &Result{Lines: []types.TuidMap{}, File: file}, nil
			}
			res.File = oldName
		}

		for i := len(entry.Changes) - 1; i >= 0; i-- {
			change := entry.Changes[i]
			switch change.Action {
			case types.ActionAdd:
				lines = removeOne(change.Line+1, lines)
			case types.ActionRemove:
				tuid, err := alloc.Next()
				if err != nil {
					return nil, err
				}
				res.Allocated = append(res.Allocated, TemporalEntry{
					Tuid:     tuid,
					Revision: types.ShortRev(rev),
					File:     res.File,
					Line:     change.Line + 1,
				})
				lines = addOne(types.TuidMap{Tuid: tuid, Line: change.Line + 1}, lines)
			}
		}
		break
	}

	res.Lines = lines
	return res, nil
}

// addOne splices the new line in at its position and renumbers the
// lines after it.
func addOne(line types.TuidMap, lines []types.TuidMap) []types.TuidMap {
	start := line.Line
	out := make([]types.TuidMap, 0, len(lines)+1)
	for _, l := range lines {
		if l.Line < start {
			out = append(out, l)
		}
	}
	out = append(out, line)
	for _, l := range lines {
		if l.Line >= start {
			out = append(out, types.TuidMap{Tuid: l.Tuid, Line: l.Line + 1})
		}
	}
	return out
}

// removeOne drops the line at start and renumbers the lines after it.
func removeOne(start int, lines []types.TuidMap) []types.TuidMap {
	out := make([]types.TuidMap, 0, len(lines))
	for _, l := range lines {
		switch {
		case l.Line < start:
			out = append(out, l)
		case l.Line > start:
			out = append(out, types.TuidMap{Tuid: l.Tuid, Line: l.Line - 1})
		}
	}
	return out
}

func sortedCopy(ann []types.TuidMap) []types.TuidMap {
	lines := make([]types.TuidMap, len(ann))
	copy(lines, ann)
	sort.Slice(lines, func(i, j int) bool { return lines[i].Line < lines[j].Line })
	return lines
}
