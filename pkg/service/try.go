package service

import (
	"context"
	"fmt"

	"github.com/yoyogias2011/TUID/pkg/diff"
	"github.com/yoyogias2011/TUID/pkg/hg"
	"github.com/yoyogias2011/TUID/pkg/metrics"
	"github.com/yoyogias2011/TUID/pkg/storage"
	"github.com/yoyogias2011/TUID/pkg/types"
)

// tryPush is the validated shape of the push containing a try revision:
// the public ancestor the push is based on, and the draft changesets to
// replay on top of it, in push order.
type tryPush struct {
	ancestor string
	drafts   []string
}

// resolveTry resolves files at an ephemeral try revision. Try history
// is rewritten constantly, so no frontiers are kept: the files are
// resolved at the push's public ancestor and the draft diffs are
// replayed on top.
func (s *Service) resolveTry(ctx context.Context, files []string, revision string) []types.FileTuids {
	var (
		results       []types.FileTuids
		filesToUpdate []string
		existing      int
	)

	for _, raw := range files {
		file := types.TrimFile(raw)
		ann, err := s.annotations.Get(revision, file)
		if err == nil {
			results = append(results, annotationResult(file, ann))
			existing++
			continue
		}
		filesToUpdate = append(filesToUpdate, file)
	}

	if existing > 0 {
		s.logger.Info().Int("existing", existing).Int("total", len(files)).
			Str("revision", revision).Msg("Try revision run - existing entries")
	}
	if len(filesToUpdate) == 0 {
		s.logger.Info().Str("revision", revision).
			Msg("Found all files for try revision request")
		return results
	}

	push, err := s.findTryPush(ctx, revision)
	if err != nil {
		s.logger.Warn().Err(err).Str("revision", revision).
			Msg("Unexpected error getting push for try revision")
		return emptyResults(files)
	}

	s.logger.Info().Strs("csets", push.drafts).Msg("Gathering diffs for try push")
	parsedDiffs := make(map[string]*types.Diff, len(push.drafts))
	for _, node := range push.drafts {
		d, derr := s.upstream.Diff(ctx, tryRepo, node)
		if derr != nil {
			s.logger.Warn().Err(derr).Str("revision", node).Msg("Failed to fetch try diff")
			return emptyResults(files)
		}
		parsedDiffs[node] = d
	}

	wanted := make(map[string]bool, len(filesToUpdate))
	for _, file := range filesToUpdate {
		wanted[file] = true
	}

	added := make(map[string]bool)
	removed := make(map[string]bool)
	filesToProcess := make(map[string][]string)

	for _, node := range push.drafts {
		for _, entry := range parsedDiffs[node].Files {
			newName := types.TrimFile(entry.NewName)
			oldName := types.TrimFile(entry.OldName)

			if !wanted[newName] {
				// A requested file deleted by a draft shows up as the
				// old name of a dev/null move.
				if newName == types.NullPath {
					removed[oldName] = true
				}
				continue
			}
			if oldName == types.NullPath {
				added[newName] = true
				continue
			}
			filesToProcess[newName] = append(filesToProcess[newName], node)
		}
	}

	// Resolve everything at the public ancestor first; the draft diffs
	// replay on top of these annotations.
	ancestorPairs := s.acquire(ctx, "", files, push.ancestor)
	ancestorAnns := make(map[string][]types.TuidMap, len(ancestorPairs))
	for _, pair := range ancestorPairs {
		ancestorAnns[pair.File] = pair.Tuids
	}

	var (
		annInserts []storage.AnnotationRecord
		annsToGet  []string
		tmpResults = make(map[string][]types.TuidMap)
	)

	for _, file := range filesToUpdate {
		ancestor, ok := ancestorAnns[file]
		if !ok {
			s.logger.Warn().Str("file", file).Str("revision", push.ancestor).
				Msg("Missing annotation entry at public ancestor")
			annsToGet = append(annsToGet, file)
			continue
		}

		switch {
		case added[file]:
			s.logger.Info().Str("file", file).Msg("Try revision run - added")
			annsToGet = append(annsToGet, file)
		case removed[file]:
			s.logger.Info().Str("file", file).Msg("Try revision run - removed")
			annInserts = append(annInserts, storage.AnnotationRecord{
				Revision:   revision,
				File:       file,
				Annotation: types.Annotation{},
			})
			tmpResults[file] = []types.TuidMap{}
		case len(filesToProcess[file]) > 0:
			s.logger.Info().Str("file", file).Msg("Try revision run - modified")
			lines := ancestor
			fname := file
			failed := false
			for _, node := range filesToProcess[file] {
				res, aerr := diff.Apply(s.alloc, lines, parsedDiffs[node], node, fname)
				if aerr != nil {
					s.logger.Warn().Err(aerr).Str("file", file).Str("revision", node).
						Msg("Failed to apply try diff")
					failed = true
					break
				}
				lines = res.Lines
				fname = res.File
			}
			if failed {
				tmpResults[file] = []types.TuidMap{}
				continue
			}
			annInserts = append(annInserts, storage.AnnotationRecord{
				Revision:   revision,
				File:       file,
				Annotation: types.AnnotationFromMaps(lines),
			})
			tmpResults[file] = lines
		default:
			// Untouched by the push; carry the ancestor's annotation
			// under the try revision.
			s.logger.Info().Str("file", file).Msg("Try revision run - not modified")
			annInserts = append(annInserts, storage.AnnotationRecord{
				Revision:   revision,
				File:       file,
				Annotation: types.AnnotationFromMaps(ancestor),
			})
			tmpResults[file] = ancestor
		}
	}

	if err := s.alloc.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to flush tuid high-water mark")
	}

	adopted := s.insertAnnotations(annInserts)

	if len(annsToGet) > 0 {
		results = append(results, s.acquire(ctx, tryRepo, annsToGet, revision)...)
	}

	for file, lines := range tmpResults {
		if ann, ok := adopted[revision+file]; ok {
			results = append(results, annotationResult(file, ann))
			continue
		}
		results = append(results, types.FileTuids{File: file, Tuids: lines})
		metrics.FilesResolvedTotal.WithLabelValues("try").Inc()
	}

	return results
}

// findTryPush locates and validates the push containing the revision.
func (s *Service) findTryPush(ctx context.Context, revision string) (*tryPush, error) {
	pushes, err := s.upstream.Pushes(ctx, tryRepo, revision)
	if err != nil {
		return nil, err
	}
	if len(pushes) == 0 {
		return nil, fmt.Errorf("nothing found in json-pushes request")
	}
	if len(pushes) > 1 {
		return nil, fmt.Errorf("too many push numbers found in json-pushes request, cannot handle it")
	}

	var push hg.Push
	for _, p := range pushes {
		push = p
	}
	if len(push.Changesets) == 0 {
		return nil, fmt.Errorf("cannot find any changesets in this push")
	}

	result := &tryPush{}
	for i, cset := range push.Changesets {
		if len(cset.Parents) == 0 {
			return nil, fmt.Errorf("cannot find parents for changeset %s", cset.Node)
		}
		if len(cset.Parents) > 1 {
			return nil, fmt.Errorf("cannot yet handle multiple parents for changeset %s", cset.Node)
		}
		if i == 0 {
			result.ancestor = types.ShortRev(cset.Parents[0])
		}
		result.drafts = append(result.drafts, types.ShortRev(cset.Node))
	}
	return result, nil
}
