package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yoyogias2011/TUID/pkg/events"
	"github.com/yoyogias2011/TUID/pkg/hg"
	"github.com/yoyogias2011/TUID/pkg/metrics"
	"github.com/yoyogias2011/TUID/pkg/storage"
	"github.com/yoyogias2011/TUID/pkg/types"
)

// fetchOutcome is the result of one raw-file fetch.
type fetchOutcome struct {
	count     int
	tombstone bool
	// retryable marks files whose fetch failed transiently; they get an
	// empty answer but no tombstone, so a later request retries them.
	retryable bool
}

// acquire obtains initial annotations for files never seen at revision:
// fetch the raw file to learn its line count, allocate that many fresh
// tuids, and insert the annotation. Files the upstream does not serve
// are tombstoned.
func (s *Service) acquire(ctx context.Context, repo string, files []string, revision string) []types.FileTuids {
	revision = types.ShortRev(revision)
	var results []types.FileTuids

	for start := 0; start < len(files); start += acquireChunkSize {
		chunk := sliceRange(files, start, acquireChunkSize)

		// Another worker may have filled the cache while earlier chunks
		// ran; skip anything already present.
		var toFetch []string
		for _, raw := range chunk {
			file := types.TrimFile(raw)
			ann, err := s.annotations.Get(revision, file)
			if err == nil {
				results = append(results, annotationResult(file, ann))
				continue
			}
			toFetch = append(toFetch, file)
		}
		if len(toFetch) == 0 {
			continue
		}

		outcomes := s.fetchLineCounts(ctx, repo, toFetch, revision)
		results = append(results, s.annotateFetched(revision, toFetch, outcomes)...)
	}

	return results
}

// fetchLineCounts fans out bounded raw-file fetches for the chunk.
func (s *Service) fetchLineCounts(ctx context.Context, repo string, files []string, revision string) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(files))

	var g errgroup.Group
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			outcomes[i] = s.fetchOne(ctx, repo, revision, file)
			return nil
		})
	}
	g.Wait()

	return outcomes
}

// fetchOne waits for a request slot, then asks the upstream for the
// file's line count. A slot wait that outlives ann_wait yields a
// retryable empty outcome.
func (s *Service) fetchOne(ctx context.Context, repo, revision, file string) fetchOutcome {
	slotCtx, cancel := s.boundedWait(ctx)
	defer cancel()

	metrics.AnnotateFetchesWaiting.Inc()
	err := s.fetchSlots.Acquire(slotCtx, 1)
	metrics.AnnotateFetchesWaiting.Dec()
	if err != nil {
		s.logger.Warn().Str("file", file).Str("revision", revision).
			Msg("Timeout exceeded waiting for annotation request slot")
		return fetchOutcome{retryable: true}
	}
	defer s.fetchSlots.Release(1)

	metrics.AnnotateFetchesActive.Inc()
	defer metrics.AnnotateFetchesActive.Dec()

	count, err := s.upstream.RawFileLineCount(ctx, repo, revision, file)
	switch {
	case err == nil:
		return fetchOutcome{count: count}
	case errors.Is(err, hg.ErrFileNotFound):
		return fetchOutcome{tombstone: true}
	default:
		s.logger.Warn().Err(err).Str("file", file).Str("revision", revision).
			Msg("Unexpected error while trying to get raw file")
		return fetchOutcome{retryable: true}
	}
}

// boundedWait derives a context limited by ann_wait and the service
// stop signal.
func (s *Service) boundedWait(ctx context.Context) (context.Context, context.CancelFunc) {
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.AnnWait))
	stop := make(chan struct{})
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-stop:
		}
	}()
	return waitCtx, func() {
		close(stop)
		cancel()
	}
}

// annotateFetched turns fetch outcomes into annotations, allocating
// fresh tuids per line, and commits them through the double-check
// protocol.
func (s *Service) annotateFetched(revision string, files []string, outcomes []fetchOutcome) []types.FileTuids {
	var (
		results []types.FileTuids
		records []storage.AnnotationRecord
	)

	for i, file := range files {
		outcome := outcomes[i]

		// Make sure we are not adding the same thing another worker
		// already added.
		if ann, err := s.annotations.Get(revision, file); err == nil {
			results = append(results, annotationResult(file, ann))
			continue
		}

		if outcome.retryable {
			// Empty answer, nothing persisted; the file stays
			// acquirable.
			results = append(results, types.FileTuids{File: file, Tuids: []types.TuidMap{}})
			continue
		}

		if outcome.tombstone || outcome.count == 0 {
			s.logger.Info().Str("file", file).Str("revision", revision).
				Msg("Inserting dummy entry for missing file")
			records = append(records, storage.AnnotationRecord{
				Revision:   revision,
				File:       file,
				Annotation: types.Annotation{},
			})
			results = append(results, types.FileTuids{File: file, Tuids: []types.TuidMap{}})
			s.publish(events.FileTombstoned, file, revision, "")
			continue
		}

		ann := make(types.Annotation, outcome.count)
		for line := 0; line < outcome.count; line++ {
			tuid, _ := s.alloc.Next()
			ann[line] = tuid
		}
		records = append(records, storage.AnnotationRecord{
			Revision:   revision,
			File:       file,
			Annotation: ann,
		})
		results = append(results, types.FileTuids{File: file, Tuids: ann.ToMaps()})
		metrics.FilesResolvedTotal.WithLabelValues("annotate").Inc()
		s.publish(events.AnnotationCreated, file, revision, "")
	}

	// Persist the high-water mark before the annotations referencing the
	// new tuids become visible, so recovery can never re-issue them.
	if err := s.alloc.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to flush tuid high-water mark")
	}

	adopted := s.insertAnnotations(records)
	if len(adopted) > 0 {
		// A concurrent worker won the race for some keys; answer with
		// its values. Our allocations are unreferenced and leak, which
		// is acceptable: monotonicity holds.
		for i := range results {
			if ann, ok := adopted[revision+results[i].File]; ok {
				results[i] = annotationResult(results[i].File, ann)
			}
		}
	}

	return results
}

// insertAnnotations commits records in double-checked batches: each
// batch re-reads its keys first and drops the ones another worker beat
// us to. The returned map holds the winning values keyed revision+file.
func (s *Service) insertAnnotations(records []storage.AnnotationRecord) map[string]types.Annotation {
	adopted := make(map[string]types.Annotation)

	for start := 0; start < len(records); start += annBatchSize {
		batch := sliceRange(records, start, annBatchSize)

		recomputed := make([]storage.AnnotationRecord, 0, len(batch))
		for _, record := range batch {
			if !record.Annotation.Valid() {
				s.logger.Error().Str("file", record.File).Str("revision", record.Revision).
					Msg("Refusing to insert annotation with missing identities")
				continue
			}
			existing, err := s.annotations.Get(record.Revision, record.File)
			if err == nil {
				adopted[record.Revision+record.File] = existing
				continue
			}
			recomputed = append(recomputed, record)
		}
		if len(recomputed) == 0 {
			continue
		}

		if err := s.annotations.PutMany(recomputed); err != nil {
			s.logger.Error().Err(err).Msg("Error inserting into annotations store")
		}
	}

	return adopted
}

// annotationResult converts a cached annotation into a result pair.
func annotationResult(file string, ann types.Annotation) types.FileTuids {
	if ann.Tombstone() {
		return types.FileTuids{File: file, Tuids: []types.TuidMap{}}
	}
	return types.FileTuids{File: file, Tuids: ann.ToMaps()}
}
