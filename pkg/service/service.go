package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/yoyogias2011/TUID/pkg/config"
	"github.com/yoyogias2011/TUID/pkg/events"
	"github.com/yoyogias2011/TUID/pkg/hg"
	"github.com/yoyogias2011/TUID/pkg/log"
	"github.com/yoyogias2011/TUID/pkg/metrics"
	"github.com/yoyogias2011/TUID/pkg/storage"
	"github.com/yoyogias2011/TUID/pkg/types"
)

const (
	// annBatchSize bounds annotation inserts per double-checked batch.
	annBatchSize = 5

	// acquireChunkSize bounds the files annotated per upstream fan-out.
	acquireChunkSize = 50

	// branchCheckTTL is how long a branch-guard changelog lookup stays
	// cached.
	branchCheckTTL = 30 * time.Minute

	// tryRepo is the ephemeral branch handled by the try resolver.
	tryRepo = "try"
)

// Upstream is the slice of the hg client the service consumes.
type Upstream interface {
	Changelog(ctx context.Context, repo, rev string) (*hg.ChangelogPage, error)
	Pushes(ctx context.Context, repo, rev string) (map[string]hg.Push, error)
	RevisionFiles(ctx context.Context, repo, rev string) ([]string, error)
	RawFileLineCount(ctx context.Context, repo, rev, file string) (int, error)
	Diff(ctx context.Context, repo, rev string) (*types.Diff, error)
}

// ChangelogOracle connects two revisions in history. The changelog
// crawler implements it; deployments without one use the bounded
// json-log walking adapter in pkg/hg.
type ChangelogOracle interface {
	// RevRange returns the ordered (ordinal, revision) list between
	// target and frontier, oldest first. For a backward move the first
	// element is the target itself.
	RevRange(ctx context.Context, target, frontier string) ([]types.RevOrdinal, error)
}

// Deps collects everything a Service needs at construction time.
type Deps struct {
	Config      *config.Config
	Annotations storage.AnnotationStore
	Frontiers   storage.FrontierStore
	Temporal    storage.TemporalStore
	Upstream    Upstream
	Oracle      ChangelogOracle
	Broker      *events.Broker
}

// Service resolves (files, revision) requests into per-line tuid lists,
// maintaining per-file frontiers and the annotation cache.
type Service struct {
	cfg         *config.Config
	annotations storage.AnnotationStore
	frontiers   storage.FrontierStore
	alloc       *Allocator
	upstream    Upstream
	oracle      ChangelogOracle
	broker      *events.Broker
	ownBroker   bool
	logger      zerolog.Logger

	// fetchSlots enforces the cap on concurrent raw-file fetches.
	fetchSlots *semaphore.Weighted

	// pool runs deferred overflow batches.
	pool *pond.WorkerPool

	stopCh   chan struct{}
	stopOnce sync.Once
	batches  sync.WaitGroup

	// branchChecks memoizes branch-guard lookups.
	branchMu     sync.Mutex
	branchChecks map[string]branchCheck

	// cachingPaused gates the prefetch daemon while ETL requests run.
	cachingMu     sync.Mutex
	cachingPaused bool
}

type branchCheck struct {
	ok      bool
	checked time.Time
}

type fileFrontier struct {
	file     string
	frontier string
}

// New builds the service. Construction fails when the temporal counter
// cannot be read; the process must not start in that case.
func New(deps Deps) (*Service, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	alloc, err := NewAllocator(deps.Temporal)
	if err != nil {
		return nil, fmt.Errorf("can not setup service: %w", err)
	}

	broker := deps.Broker
	ownBroker := false
	if broker == nil {
		broker = events.NewBroker()
		ownBroker = true
	}

	s := &Service{
		ownBroker:    ownBroker,
		cfg:          deps.Config,
		annotations:  deps.Annotations,
		frontiers:    deps.Frontiers,
		alloc:        alloc,
		upstream:     deps.Upstream,
		oracle:       deps.Oracle,
		broker:       broker,
		logger:       log.WithComponent("service"),
		fetchSlots:   semaphore.NewWeighted(int64(deps.Config.MaxConcurrentAnnRequests)),
		pool:         pond.New(runtime.NumCPU(), 0, pond.MinWorkers(2)),
		stopCh:       make(chan struct{}),
		branchChecks: make(map[string]branchCheck),
	}
	return s, nil
}

// Stop signals all bounded waits and drains the overflow pool.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.pool.StopAndWait()
		if s.ownBroker {
			s.broker.Close()
		}
	})
}

// WaitIdle blocks until every deferred batch has finished. Intended for
// tests and shutdown paths.
func (s *Service) WaitIdle() {
	s.batches.Wait()
}

// Allocator exposes the tuid allocator, for the diff applier.
func (s *Service) Allocator() *Allocator {
	return s.alloc
}

// PauseCaching stops the prefetch daemon from advancing frontiers while
// ETL-originated requests are running.
func (s *Service) PauseCaching() {
	s.cachingMu.Lock()
	defer s.cachingMu.Unlock()
	if !s.cachingPaused {
		s.logger.Info().Msg("Stop caching run on daemon")
	}
	s.cachingPaused = true
}

// ResumeCaching lets the prefetch daemon run again.
func (s *Service) ResumeCaching() {
	s.cachingMu.Lock()
	defer s.cachingMu.Unlock()
	if s.cachingPaused {
		s.logger.Info().Msg("Start caching on daemon")
	}
	s.cachingPaused = false
}

// CachingEnabled reports whether the prefetch daemon may run.
func (s *Service) CachingEnabled() bool {
	s.cachingMu.Lock()
	defer s.cachingMu.Unlock()
	return !s.cachingPaused
}

// ResolveRevision returns tuids for every file a revision touches,
// discovering the file set through json-info.
func (s *Service) ResolveRevision(ctx context.Context, revision string) ([]types.FileTuids, error) {
	files, err := s.upstream.RevisionFiles(ctx, "", revision)
	if err != nil {
		s.logger.Warn().Err(err).Str("revision", revision).
			Msg("Unexpected error trying to get file list for revision")
		return nil, err
	}
	pairs, _, err := s.Resolve(ctx, files, revision, types.ResolveOptions{})
	return pairs, err
}

// Resolve returns the per-line tuids for the given files at the given
// revision. completed is false when part of the work was deferred to a
// background worker; the deferred files will appear in the cache once
// the worker finishes.
func (s *Service) Resolve(ctx context.Context, files []string, revision string, opts types.ResolveOptions) ([]types.FileTuids, bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ResolveDuration)

	completed := true
	metrics.FilesRequestedTotal.Add(float64(len(files)))

	// ETL requests pause the prefetch daemon for their duration.
	if opts.Etl {
		s.PauseCaching()
	}
	resumeCaching := func() {
		if opts.Etl {
			s.ResumeCaching()
		}
	}

	if opts.MaxCsetsProc <= 0 {
		opts.MaxCsetsProc = s.cfg.MaxCsetsProc
	}

	repo := opts.Repo
	if repo == "" {
		// Callers that do not name a repo have not verified the
		// revision; check the default branch to prevent walking a
		// foreign history.
		repo = s.cfg.Hg.Branch
		if !s.checkBranch(ctx, revision, repo) {
			resumeCaching()
			metrics.ResolveRequestsTotal.WithLabelValues("true").Inc()
			return emptyResults(files), completed, nil
		}
	}

	if repo == tryRepo {
		// Ephemeral history: no frontiers are kept for try pushes.
		var result []types.FileTuids
		if s.cfg.EnableTry {
			result = s.resolveTry(ctx, files, types.ShortRev(revision))
		} else {
			result = emptyResults(files)
		}
		resumeCaching()
		metrics.ResolveRequestsTotal.WithLabelValues("true").Inc()
		return result, completed, nil
	}

	revision = types.ShortRev(revision)

	var (
		result        []types.FileTuids
		newFiles      []string
		frontierMoves []fileFrontier
		cacheRefresh  []types.Frontier
		existing      int
	)

	for _, raw := range files {
		file := types.TrimFile(raw)

		ann, err := s.annotations.Get(revision, file)
		switch {
		case err == nil:
			// Already collected at this revision; refresh the frontier
			// so later requests do not walk from an old point.
			if ann.Tombstone() {
				result = append(result, types.FileTuids{File: file, Tuids: []types.TuidMap{}})
			} else {
				result = append(result, types.FileTuids{File: file, Tuids: ann.ToMaps()})
			}
			cacheRefresh = append(cacheRefresh, types.Frontier{File: file, Revision: revision})
			metrics.FilesResolvedTotal.WithLabelValues("cache").Inc()
			existing++
			continue
		case errors.Is(err, storage.ErrCorrupt):
			s.logger.Warn().Str("file", file).Str("revision", revision).
				Msg("Corrupt cached annotation, re-acquiring")
			if derr := s.frontiers.Delete(file); derr != nil {
				s.logger.Error().Err(derr).Str("file", file).Msg("Failed to delete frontier")
			}
			s.publish(events.FrontierDeleted, file, revision, "corrupt annotation")
			newFiles = append(newFiles, file)
			continue
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Error().Err(err).Str("file", file).Str("revision", revision).
				Msg("Failed to read annotation")
			newFiles = append(newFiles, file)
			continue
		}

		frontier, ferr := s.frontiers.Get(file)
		switch {
		case ferr == nil && frontier != revision:
			frontierMoves = append(frontierMoves, fileFrontier{file: file, frontier: frontier})
		case ferr == nil:
			// Frontier exists but its annotation is gone; restart the
			// file from scratch.
			s.logger.Info().Str("file", file).Str("revision", revision).
				Msg("Missing annotation for existing frontier - readding")
			if derr := s.frontiers.Delete(file); derr != nil {
				s.logger.Error().Err(derr).Str("file", file).Msg("Failed to delete frontier")
			}
			newFiles = append(newFiles, file)
		default:
			newFiles = append(newFiles, file)
		}
	}

	if len(files) > 0 {
		s.logger.Info().
			Str("revision", revision).
			Int("existing", existing).
			Int("total", len(files)).
			Msg("Files already existing in cache")
	}

	if len(cacheRefresh) > 0 {
		if err := s.frontiers.UpsertMany(cacheRefresh); err != nil {
			s.logger.Error().Err(err).Msg("Failed to refresh frontiers for cache hits")
		}
	}

	pending := len(newFiles) + len(frontierMoves)
	if opts.UseThread && pending > s.cfg.FilesToProcessThresh {
		// Too much work for an inline answer: defer batches to the
		// pool and report the cache hits only.
		completed = false
		s.logger.Info().Int("pending", pending).Msg("Incomplete response given")
		s.deferBatches(repo, newFiles, frontierMoves, revision, opts)
	} else {
		result = append(result, s.processFiles(ctx, repo, newFiles, frontierMoves, revision, opts)...)
		resumeCaching()
	}

	metrics.ResolveRequestsTotal.WithLabelValues(fmt.Sprintf("%t", completed)).Inc()
	return result, completed, nil
}

// deferBatches partitions pending work into overflow batches and hands
// them to the worker pool.
func (s *Service) deferBatches(repo string, newFiles []string, moves []fileFrontier, revision string, opts types.ResolveOptions) {
	batchSize := s.cfg.WorkOverflowBatchSize
	for start := 0; start < len(newFiles) || start < len(moves); start += batchSize {
		batchNew := sliceRange(newFiles, start, batchSize)
		batchMoves := sliceRange(moves, start, batchSize)

		batchID := uuid.NewString()[:8]
		metrics.OverflowBatchesTotal.Inc()
		s.publish(events.BatchDeferred, "", revision, batchID)

		s.batches.Add(1)
		s.pool.Submit(func() {
			defer s.batches.Done()
			metrics.ResolveWorkersActive.Inc()
			defer metrics.ResolveWorkersActive.Dec()

			logger := log.WithBatchID(batchID)
			logger.Info().Str("revision", revision).
				Int("new", len(batchNew)).Int("moves", len(batchMoves)).
				Msg("Running work overflow batch")

			ctx := context.Background()
			s.processFiles(ctx, repo, batchNew, batchMoves, revision, opts)

			if opts.Etl {
				s.ResumeCaching()
			}
			logger.Info().Str("revision", revision).Msg("Completed work overflow batch")
		})
	}
}

// processFiles annotates brand-new files and moves frontiers for the
// rest, returning every resolved pair.
func (s *Service) processFiles(ctx context.Context, repo string, newFiles []string, moves []fileFrontier, revision string, opts types.ResolveOptions) []types.FileTuids {
	var result []types.FileTuids

	if len(newFiles) > 0 {
		acquired := s.acquire(ctx, repo, newFiles, revision)
		result = append(result, acquired...)

		// Only files whose annotation actually landed get a frontier;
		// transient fetch failures stay retryable with no frontier.
		frontiers := make([]types.Frontier, 0, len(newFiles))
		for _, file := range newFiles {
			if _, err := s.annotations.Get(revision, file); err == nil {
				frontiers = append(frontiers, types.Frontier{File: file, Revision: revision})
			}
		}
		if err := s.frontiers.UpsertMany(frontiers); err != nil {
			s.logger.Error().Err(err).Msg("Failed to update frontiers for new files")
		}
	}

	if len(moves) > 0 {
		result = append(result, s.moveFrontiers(ctx, repo, moves, revision, opts)...)
	}

	return result
}

// checkBranch verifies the revision exists on the branch, memoizing the
// answer for 30 minutes.
func (s *Service) checkBranch(ctx context.Context, revision, branch string) bool {
	key := branch + "/" + types.ShortRev(revision)

	s.branchMu.Lock()
	if entry, ok := s.branchChecks[key]; ok && time.Since(entry.checked) < branchCheckTTL {
		s.branchMu.Unlock()
		return entry.ok
	}
	s.branchMu.Unlock()

	ok := true
	s.logger.Info().Str("revision", revision).Str("branch", branch).
		Msg("Searching through changelog")
	if _, err := s.upstream.Changelog(ctx, branch, revision); err != nil {
		if errors.Is(err, hg.ErrRevisionNotFound) {
			s.logger.Info().Str("revision", revision).Str("branch", branch).
				Msg("Revision does not exist in the branch")
		} else {
			s.logger.Warn().Err(err).Str("revision", revision).
				Msg("Unexpected error getting changeset log")
		}
		ok = false
	}

	s.branchMu.Lock()
	s.branchChecks[key] = branchCheck{ok: ok, checked: time.Now()}
	s.branchMu.Unlock()
	return ok
}

// publish emits a service event when a broker is attached.
func (s *Service) publish(eventType events.Type, file, revision, detail string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(events.Event{
		Type:     eventType,
		File:     file,
		Revision: revision,
		Detail:   detail,
	})
}

// emptyResults returns an empty annotation per requested file.
func emptyResults(files []string) []types.FileTuids {
	out := make([]types.FileTuids, 0, len(files))
	for _, file := range files {
		out = append(out, types.FileTuids{File: types.TrimFile(file), Tuids: []types.TuidMap{}})
	}
	return out
}

// sliceRange returns s[start : start+size], clamped.
func sliceRange[T any](s []T, start, size int) []T {
	if start >= len(s) {
		return nil
	}
	end := start + size
	if end > len(s) {
		end = len(s)
	}
	return s[start:end]
}
