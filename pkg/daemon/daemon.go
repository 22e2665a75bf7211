package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yoyogias2011/TUID/pkg/hg"
	"github.com/yoyogias2011/TUID/pkg/log"
	"github.com/yoyogias2011/TUID/pkg/metrics"
	"github.com/yoyogias2011/TUID/pkg/storage"
	"github.com/yoyogias2011/TUID/pkg/types"
)

// pausePollInterval is how often the daemon rechecks the caching gate
// while ETL requests hold it closed.
const pausePollInterval = 5 * time.Second

// Resolver is the slice of the service the daemon drives.
type Resolver interface {
	Resolve(ctx context.Context, files []string, revision string, opts types.ResolveOptions) ([]types.FileTuids, bool, error)
	CachingEnabled() bool
}

// Changelog pages through revision history, newest first.
type Changelog interface {
	Changelog(ctx context.Context, repo, rev string) (*hg.ChangelogPage, error)
}

// CoverageIndex answers which revisions have had code coverage run on
// them. The production implementation queries the external coverage
// task index.
type CoverageIndex interface {
	CoverageRevisions(ctx context.Context, branch string) (map[string]bool, error)
}

// NopCoverageIndex keeps every revision.
type NopCoverageIndex struct{}

// CoverageRevisions returns no filter: all revisions qualify.
func (NopCoverageIndex) CoverageRevisions(ctx context.Context, branch string) (map[string]bool, error) {
	return nil, nil
}

// Config holds the daemon settings.
type Config struct {
	Branch string

	// WaitAtNewest is the idle sleep once every frontier sits at the
	// newest known revision.
	WaitAtNewest time.Duration

	// OnlyCoverageRevisions restricts prefetching to revisions the
	// coverage index knows.
	OnlyCoverageRevisions bool

	// MaxWalk bounds the changesets inspected per frontier group.
	MaxWalk int
}

// Daemon advances known frontiers toward newly published revisions in
// the background, prefilling the annotation cache.
type Daemon struct {
	frontiers storage.FrontierStore
	changelog Changelog
	resolver  Resolver
	coverage  CoverageIndex
	cfg       Config
	logger    zerolog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a new prefetch daemon
func New(frontiers storage.FrontierStore, changelog Changelog, resolver Resolver, coverage CoverageIndex, cfg Config) *Daemon {
	if coverage == nil {
		coverage = NopCoverageIndex{}
	}
	if cfg.MaxWalk <= 0 {
		cfg.MaxWalk = 1000
	}
	return &Daemon{
		frontiers: frontiers,
		changelog: changelog,
		resolver:  resolver,
		coverage:  coverage,
		cfg:       cfg,
		logger:    log.WithComponent("daemon"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the prefetch loop
func (d *Daemon) Start() {
	go d.run()
}

// Stop stops the daemon
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
}

func (d *Daemon) run() {
	d.logger.Info().Msg("Prefetch daemon started")
	metrics.MarkDaemonRunning()
	defer metrics.MarkDaemonStopped()
	ctx := context.Background()

	for {
		select {
		case <-d.stopCh:
			d.logger.Info().Msg("Prefetch daemon stopped")
			return
		default:
		}

		if !d.resolver.CachingEnabled() {
			// ETL requests are running; stay out of their way.
			if !d.sleep(pausePollInterval) {
				return
			}
			continue
		}

		ran, err := d.pass(ctx)
		if err != nil {
			d.logger.Error().Err(err).Msg("Prefetch pass failed")
		}
		metrics.DaemonPassesTotal.Inc()

		if !ran {
			if !d.sleep(d.cfg.WaitAtNewest) {
				return
			}
		}
	}
}

// sleep waits for the duration or the stop signal; false means stop.
func (d *Daemon) sleep(duration time.Duration) bool {
	select {
	case <-time.After(duration):
		return true
	case <-d.stopCh:
		d.logger.Info().Msg("Prefetch daemon stopped")
		return false
	}
}

// pass walks every frontier group forward once. It reports whether any
// revision was processed; false means every frontier already sits at
// the newest revision.
func (d *Daemon) pass(ctx context.Context) (bool, error) {
	frontiers, err := d.frontiers.List()
	if err != nil {
		return false, err
	}

	// Group files by frontier revision so groups that are already new
	// are not dragged back to older revisions.
	groups := make(map[string][]string)
	for _, f := range frontiers {
		groups[f.Revision] = append(groups[f.Revision], f.File)
	}

	ran := false
	var coverage map[string]bool
	coverageLoaded := false

	for frontier, files := range groups {
		select {
		case <-d.stopCh:
			return ran, nil
		default:
		}

		d.logger.Info().Str("frontier", frontier).Int("files", len(files)).
			Msg("Searching for frontier")

		csets, found := d.newerRevisions(ctx, frontier)
		if !found || len(csets) == 0 {
			// Already at the newest revision.
			continue
		}

		if d.cfg.OnlyCoverageRevisions && !coverageLoaded {
			coverage, err = d.coverage.CoverageRevisions(ctx, d.cfg.Branch)
			if err != nil {
				d.logger.Warn().Err(err).Msg("Failed to query coverage revisions")
				continue
			}
			coverageLoaded = true
		}

		// Oldest first, so every intermediate step lands in the cache.
		for i := len(csets) - 1; i >= 0; i-- {
			select {
			case <-d.stopCh:
				return ran, nil
			default:
			}

			cset := csets[i]
			if d.cfg.OnlyCoverageRevisions && coverage != nil && !coverage[cset] {
				continue
			}

			d.logger.Debug().Str("frontier", frontier).Str("revision", cset).
				Msg("Moving frontier forward")
			if _, _, rerr := d.resolver.Resolve(ctx, files, cset, types.ResolveOptions{
				GoingForward: true,
			}); rerr != nil {
				d.logger.Warn().Err(rerr).Str("revision", cset).
					Msg("Failed to prefetch revision")
				continue
			}

			metrics.DaemonRevisionsProcessed.Inc()
			ran = true
		}
	}

	return ran, nil
}

// newerRevisions pages through the changelog from the tip until it
// finds the frontier, returning the revisions above it, newest first.
func (d *Daemon) newerRevisions(ctx context.Context, frontier string) ([]string, bool) {
	var csets []string
	next := ""
	first := true

	for len(csets) <= d.cfg.MaxWalk {
		page, err := d.changelog.Changelog(ctx, d.cfg.Branch, next)
		if err != nil {
			d.logger.Warn().Err(err).Str("rev", next).
				Msg("Unexpected error getting changeset log")
			return nil, false
		}
		if len(page.Changesets) == 0 {
			return nil, false
		}

		entries := page.Changesets
		if !first {
			entries = entries[1:]
		}
		first = false
		if len(entries) == 0 {
			return nil, false
		}

		for _, entry := range entries {
			cset := types.ShortRev(entry.Node)
			if cset == frontier {
				return csets, true
			}
			csets = append(csets, cset)
		}
		next = types.ShortRev(entries[len(entries)-1].Node)
	}

	d.logger.Warn().Str("frontier", frontier).
		Msg("Frontier not found within changelog walk budget")
	return nil, false
}
