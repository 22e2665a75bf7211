package service

import (
	"context"
	"errors"

	"github.com/yoyogias2011/TUID/pkg/diff"
	"github.com/yoyogias2011/TUID/pkg/events"
	"github.com/yoyogias2011/TUID/pkg/metrics"
	"github.com/yoyogias2011/TUID/pkg/storage"
	"github.com/yoyogias2011/TUID/pkg/types"
)

// moveFrontiers advances (or rewinds) the frontier of every listed file
// to the target revision, applying the intermediate diffs while
// preserving line identity.
func (s *Service) moveFrontiers(ctx context.Context, repo string, moves []fileFrontier, revision string, opts types.ResolveOptions) []types.FileTuids {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FrontierMoveDuration)

	revision = types.ShortRev(revision)

	// Resolve the revision path for each distinct frontier once.
	ranges := make(map[string][]types.RevOrdinal)
	rangeFailed := make(map[string]bool)
	for _, move := range moves {
		frontier := types.ShortRev(move.frontier)
		if _, seen := ranges[frontier]; seen || rangeFailed[frontier] {
			continue
		}
		revs, err := s.oracle.RevRange(ctx, revision, frontier)
		if err != nil {
			s.logger.Warn().Err(err).Str("frontier", frontier).Str("revision", revision).
				Msg("Could not connect frontier to requested revision")
			rangeFailed[frontier] = true
			continue
		}
		if len(revs)-1 > opts.MaxCsetsProc {
			s.logger.Info().Str("frontier", frontier).Str("revision", revision).
				Int("csets", len(revs)-1).Int("max", opts.MaxCsetsProc).
				Msg("Frontier is too far from requested revision")
			rangeFailed[frontier] = true
			continue
		}
		ranges[frontier] = revs
	}

	// Fetch each intermediate diff exactly once across all files.
	diffs := make(map[string]*types.Diff)
	for _, revs := range ranges {
		for _, ro := range revs {
			if _, seen := diffs[ro.Revision]; seen {
				continue
			}
			d, err := s.upstream.Diff(ctx, repo, ro.Revision)
			if err != nil {
				s.logger.Warn().Err(err).Str("revision", ro.Revision).
					Msg("Failed to fetch diff")
				continue // files needing it fail their walk
			}
			diffs[ro.Revision] = d
		}
	}

	// A file is touched iff some fetched diff mentions its current name.
	touched := make(map[string]bool)
	requested := make(map[string]bool, len(moves))
	for _, move := range moves {
		requested[move.file] = true
	}
	for _, d := range diffs {
		for _, entry := range d.Files {
			if requested[types.TrimFile(entry.NewName)] {
				touched[types.TrimFile(entry.NewName)] = true
			} else if requested[types.TrimFile(entry.OldName)] {
				touched[types.TrimFile(entry.OldName)] = true
			}
		}
	}

	var (
		results         []types.FileTuids
		annInserts      []storage.AnnotationRecord
		frontierUpserts []types.Frontier
		annsToGet       []string
		advanceOnFetch  = make(map[string]bool)
	)

	for _, move := range moves {
		file := move.file
		frontier := types.ShortRev(move.frontier)

		if rangeFailed[frontier] {
			// The revision range could not be fully walked. Going
			// forward we re-annotate at the target and advance anyway;
			// otherwise the frontier stays put and the file is
			// re-acquired at the target without advancing.
			annsToGet = append(annsToGet, file)
			advanceOnFetch[file] = opts.GoingForward
			continue
		}

		if !touched[file] {
			oldAnn, err := s.annotations.Get(frontier, file)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				// Likely left over from an earlier failure; create a
				// fresh initial entry.
				s.logger.Info().Str("file", file).Str("revision", revision).
					Msg("Frontier update - readding")
				annsToGet = append(annsToGet, file)
				advanceOnFetch[file] = true
			case errors.Is(err, storage.ErrCorrupt):
				s.logger.Warn().Str("file", file).Str("frontier", frontier).
					Msg("Corrupt annotation at frontier, restarting file")
				if derr := s.frontiers.Delete(file); derr != nil {
					s.logger.Error().Err(derr).Str("file", file).Msg("Failed to delete frontier")
				}
				annsToGet = append(annsToGet, file)
				advanceOnFetch[file] = true
			case err != nil:
				s.logger.Error().Err(err).Str("file", file).Msg("Failed to read annotation")
				results = append(results, types.FileTuids{File: file, Tuids: []types.TuidMap{}})
			default:
				// Untouched: re-key the existing annotation to the new
				// revision.
				annInserts = append(annInserts, storage.AnnotationRecord{
					Revision:   revision,
					File:       file,
					Annotation: oldAnn,
				})
				frontierUpserts = append(frontierUpserts, types.Frontier{File: file, Revision: revision})
				results = append(results, annotationResult(file, oldAnn))
				metrics.FilesResolvedTotal.WithLabelValues("frontier").Inc()
			}
			continue
		}

		walked := s.walkFile(file, frontier, revision, ranges[frontier], diffs)
		if walked.reacquire {
			annsToGet = append(annsToGet, file)
			advanceOnFetch[file] = true
			continue
		}
		if walked.failed {
			// Frontier untouched; the file stays where it was and will
			// be re-attempted later.
			results = append(results, types.FileTuids{File: file, Tuids: []types.TuidMap{}})
			continue
		}

		annInserts = append(annInserts, walked.inserts...)
		if walked.file != file {
			// The walk ended under a different name: the requested
			// file was renamed away and does not exist at the target
			// revision. The surviving lines live under the new name;
			// the old name gets a tombstone.
			annInserts = append(annInserts, storage.AnnotationRecord{
				Revision:   revision,
				File:       file,
				Annotation: types.Annotation{},
			})
			frontierUpserts = append(frontierUpserts,
				types.Frontier{File: walked.file, Revision: revision},
				types.Frontier{File: file, Revision: revision})
			results = append(results, types.FileTuids{File: file, Tuids: []types.TuidMap{}})
			s.publish(events.FileTombstoned, file, revision, "renamed to "+walked.file)
		} else {
			frontierUpserts = append(frontierUpserts, types.Frontier{File: file, Revision: revision})
			results = append(results, types.FileTuids{File: file, Tuids: walked.lines})
		}
		metrics.FilesResolvedTotal.WithLabelValues("frontier").Inc()
		s.publish(events.FrontierMoved, file, revision, frontier)
	}

	// New tuids may have been allocated during the walks; persist the
	// mark before the annotations become visible.
	if err := s.alloc.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to flush tuid high-water mark")
	}

	adopted := s.insertAnnotations(annInserts)
	if len(adopted) > 0 {
		for i := range results {
			if ann, ok := adopted[revision+results[i].File]; ok {
				results[i] = annotationResult(results[i].File, ann)
			}
		}
	}

	if err := s.frontiers.UpsertMany(frontierUpserts); err != nil {
		s.logger.Error().Err(err).Msg("Failed to update frontiers")
	}

	if len(annsToGet) > 0 {
		acquired := s.acquire(ctx, repo, annsToGet, revision)
		results = append(results, acquired...)

		var advance []types.Frontier
		for _, file := range annsToGet {
			if !advanceOnFetch[file] {
				continue
			}
			if _, aerr := s.annotations.Get(revision, file); aerr == nil {
				advance = append(advance, types.Frontier{File: file, Revision: revision})
			}
		}
		if err := s.frontiers.UpsertMany(advance); err != nil {
			s.logger.Error().Err(err).Msg("Failed to update frontiers for re-acquired files")
		}
	}

	return results
}

// walkResult is the outcome of walking one file across its revision
// range.
type walkResult struct {
	lines []types.TuidMap
	// file is the name the walk ended under; differs from the request
	// when a diff renamed the file along the way.
	file      string
	inserts   []storage.AnnotationRecord
	failed    bool
	reacquire bool
}

// walkFile loads the file's annotation at its frontier and applies the
// intermediate diffs one revision at a time, recording an annotation at
// every step so future queries at intermediate points hit the cache.
func (s *Service) walkFile(file, frontier, revision string, revs []types.RevOrdinal, diffs map[string]*types.Diff) walkResult {
	ann, err := s.annotations.Get(frontier, file)
	if err != nil || ann.Tombstone() || !ann.Valid() {
		s.logger.Warn().Str("file", file).Str("frontier", frontier).
			Msg("File has frontier but no usable annotation for it, restarting its frontier")
		return walkResult{reacquire: true}
	}

	backwards := false
	walk := revs
	if len(walk) >= 1 {
		if revision == walk[0].Revision {
			backwards = true
			// Apply the frontier diff first when going backwards, and
			// drop the target element.
			walk = reverseOrdinals(walk)
			walk = walk[:len(walk)-1]
			s.logger.Debug().Str("file", file).Msg("Applying diffs backwards")
		} else {
			// Going forward the first element is the frontier itself.
			walk = walk[1:]
		}
	}

	direction := "forward"
	if backwards {
		direction = "backward"
	}
	metrics.FrontierMovesTotal.WithLabelValues(direction).Inc()

	lines := ann.ToMaps()
	fname := file
	var inserts []storage.AnnotationRecord

	for i, ro := range walk {
		// Going backwards a step lands on the next revision in the
		// walk, not the one whose diff is applied.
		recordAt := ro.Revision
		if backwards {
			if i+1 < len(walk) {
				recordAt = walk[i+1].Revision
			} else {
				recordAt = revision
			}
		}

		d, ok := diffs[ro.Revision]
		if !ok {
			s.logger.Warn().Str("file", file).Str("revision", ro.Revision).
				Msg("Missing diff for revision, failing file transition")
			metrics.FrontierFilesFailedTotal.Inc()
			return walkResult{failed: true}
		}

		var (
			res  *diff.Result
			aerr error
		)
		if backwards {
			res, aerr = diff.ApplyBackwards(s.alloc, lines, d, recordAt, fname)
		} else {
			res, aerr = diff.Apply(s.alloc, lines, d, recordAt, fname)
		}
		if aerr != nil {
			s.logger.Warn().Err(aerr).Str("file", file).Str("revision", ro.Revision).
				Msg("Failed to apply diff, likely due to merge conflict")
			metrics.FrontierFilesFailedTotal.Inc()
			s.publish(events.FileFailed, file, ro.Revision, aerr.Error())
			return walkResult{failed: true}
		}

		lines = res.Lines
		fname = res.File

		inserts = append(inserts, storage.AnnotationRecord{
			Revision:   recordAt,
			File:       fname,
			Annotation: types.AnnotationFromMaps(lines),
		})
	}

	return walkResult{lines: lines, file: fname, inserts: inserts}
}

func reverseOrdinals(revs []types.RevOrdinal) []types.RevOrdinal {
	out := make([]types.RevOrdinal, len(revs))
	for i, ro := range revs {
		out[len(revs)-1-i] = ro
	}
	return out
}
