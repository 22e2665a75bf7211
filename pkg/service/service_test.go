package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoyogias2011/TUID/pkg/config"
	"github.com/yoyogias2011/TUID/pkg/hg"
	"github.com/yoyogias2011/TUID/pkg/storage"
	"github.com/yoyogias2011/TUID/pkg/types"
)

const (
	r0 = "aaaaaaaaaaa0"
	r1 = "aaaaaaaaaaa1"
	r2 = "aaaaaaaaaaa2"
	r3 = "aaaaaaaaaaa3"
)

// fakeUpstream implements Upstream over fixture maps.
type fakeUpstream struct {
	mu sync.Mutex

	lineCounts map[string]int // rev/file → line count
	diffs      map[string]*types.Diff
	pushes     map[string]map[string]hg.Push
	revFiles   map[string][]string

	branchMissing bool
	clogCalls     int
	rawCalls      int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		lineCounts: make(map[string]int),
		diffs:      make(map[string]*types.Diff),
		pushes:     make(map[string]map[string]hg.Push),
		revFiles:   make(map[string][]string),
	}
}

func (f *fakeUpstream) key(rev, file string) string { return rev + "/" + file }

func (f *fakeUpstream) Changelog(ctx context.Context, repo, rev string) (*hg.ChangelogPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clogCalls++
	if f.branchMissing {
		return nil, hg.ErrRevisionNotFound
	}
	return &hg.ChangelogPage{Changesets: []hg.ChangelogEntry{{Node: rev}}}, nil
}

func (f *fakeUpstream) Pushes(ctx context.Context, repo, rev string) (map[string]hg.Push, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pushes, ok := f.pushes[rev]
	if !ok {
		return map[string]hg.Push{}, nil
	}
	return pushes, nil
}

func (f *fakeUpstream) RevisionFiles(ctx context.Context, repo, rev string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revFiles[rev], nil
}

func (f *fakeUpstream) RawFileLineCount(ctx context.Context, repo, rev, file string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawCalls++
	count, ok := f.lineCounts[f.key(rev, file)]
	if !ok {
		return 0, hg.ErrFileNotFound
	}
	return count, nil
}

func (f *fakeUpstream) Diff(ctx context.Context, repo, rev string) (*types.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.diffs[rev]; ok {
		return d, nil
	}
	return &types.Diff{}, nil
}

// fakeOracle answers ranges from a fixture map keyed target|frontier.
type fakeOracle struct {
	ranges map[string][]types.RevOrdinal
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{ranges: make(map[string][]types.RevOrdinal)}
}

func (f *fakeOracle) set(target, frontier string, revs ...string) {
	list := make([]types.RevOrdinal, len(revs))
	for i, rev := range revs {
		list[i] = types.RevOrdinal{Ordinal: i, Revision: rev}
	}
	f.ranges[target+"|"+frontier] = list
}

func (f *fakeOracle) RevRange(ctx context.Context, target, frontier string) ([]types.RevOrdinal, error) {
	if revs, ok := f.ranges[target+"|"+frontier]; ok {
		return revs, nil
	}
	return nil, hg.ErrRangeNotFound
}

type testEnv struct {
	svc      *Service
	upstream *fakeUpstream
	oracle   *fakeOracle
	store    *storage.SqliteStore
	anns     *storage.BoltAnnotationStore
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	anns, err := storage.NewBoltAnnotationStore(filepath.Join(dir, "annotations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { anns.Close() })

	db, err := storage.NewSqliteStore(filepath.Join(dir, "tuid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "tuid.db")
	cfg.Annotations.Path = filepath.Join(dir, "annotations.db")

	upstream := newFakeUpstream()
	oracle := newFakeOracle()

	svc, err := New(Deps{
		Config:      cfg,
		Annotations: anns,
		Frontiers:   db,
		Temporal:    db,
		Upstream:    upstream,
		Oracle:      oracle,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	return &testEnv{svc: svc, upstream: upstream, oracle: oracle, store: db, anns: anns, cfg: cfg}
}

func resultTuids(t *testing.T, pairs []types.FileTuids, file string) []types.Tuid {
	t.Helper()
	for _, pair := range pairs {
		if pair.File == file {
			out := make([]types.Tuid, len(pair.Tuids))
			for i, m := range pair.Tuids {
				out[i] = m.Tuid
			}
			return out
		}
	}
	t.Fatalf("no result for file %s", file)
	return nil
}

func branchOpts() types.ResolveOptions {
	return types.ResolveOptions{Repo: "mozilla-central"}
}

func TestResolveInitialAnnotate(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.lineCounts[r0+"/a.txt"] = 3

	pairs, completed, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r0, branchOpts())
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, []types.Tuid{1, 2, 3}, resultTuids(t, pairs, "a.txt"))

	// The second call answers from the cache with the same tuids.
	again, completed, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r0, branchOpts())
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, []types.Tuid{1, 2, 3}, resultTuids(t, again, "a.txt"))
	assert.Equal(t, 1, env.upstream.rawCalls)

	// Frontier coherence: the frontier points at an existing annotation.
	rev, err := env.store.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, r0, rev)
	_, err = env.anns.Get(rev, "a.txt")
	assert.NoError(t, err)

	// The high-water mark covers every allocated tuid.
	mark, err := env.store.MaxTuid()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, mark, types.Tuid(3))
}

func TestResolveForwardInsert(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.lineCounts[r0+"/a.txt"] = 3

	_, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r0, branchOpts())
	require.NoError(t, err)

	// R1 adds a line at position 2 (0-based anchor 1).
	env.oracle.set(r1, r0, r0, r1)
	env.upstream.diffs[r1] = &types.Diff{
		Files: []types.FileDiff{{
			OldName: "a.txt",
			NewName: "a.txt",
			Changes: []types.Change{{Action: types.ActionAdd, Line: 1}},
		}},
	}

	pairs, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r1, branchOpts())
	require.NoError(t, err)
	assert.Equal(t, []types.Tuid{1, 4, 2, 3}, resultTuids(t, pairs, "a.txt"))

	rev, err := env.store.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, r1, rev)

	// No new upstream annotate fetch was needed.
	assert.Equal(t, 1, env.upstream.rawCalls)
}

func TestResolveForwardDelete(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.lineCounts[r0+"/a.txt"] = 3

	_, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r0, branchOpts())
	require.NoError(t, err)

	env.oracle.set(r1, r0, r0, r1)
	env.upstream.diffs[r1] = &types.Diff{
		Files: []types.FileDiff{{
			OldName: "a.txt",
			NewName: "a.txt",
			Changes: []types.Change{{Action: types.ActionAdd, Line: 1}},
		}},
	}
	_, _, err = env.svc.Resolve(context.Background(), []string{"a.txt"}, r1, branchOpts())
	require.NoError(t, err)

	// R2 removes line 3, which carries tuid 2.
	env.oracle.set(r2, r1, r1, r2)
	env.upstream.diffs[r2] = &types.Diff{
		Files: []types.FileDiff{{
			OldName: "a.txt",
			NewName: "a.txt",
			Changes: []types.Change{{Action: types.ActionRemove, Line: 2}},
		}},
	}

	pairs, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r2, branchOpts())
	require.NoError(t, err)
	assert.Equal(t, []types.Tuid{1, 4, 3}, resultTuids(t, pairs, "a.txt"))
}

func TestResolveRename(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.lineCounts[r0+"/a.txt"] = 3

	_, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r0, branchOpts())
	require.NoError(t, err)

	// R1 renames a.txt to b.txt with no edits.
	env.oracle.set(r1, r0, r0, r1)
	env.upstream.diffs[r1] = &types.Diff{
		Files: []types.FileDiff{{OldName: "a.txt", NewName: "b.txt"}},
	}

	pairs, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r1, branchOpts())
	require.NoError(t, err)
	// The requested name no longer exists at R1.
	assert.Empty(t, resultTuids(t, pairs, "a.txt"))

	// The new name carries the old identities, straight from the cache.
	pairs, _, err = env.svc.Resolve(context.Background(), []string{"b.txt"}, r1, branchOpts())
	require.NoError(t, err)
	assert.Equal(t, []types.Tuid{1, 2, 3}, resultTuids(t, pairs, "b.txt"))

	// And the old name stays tombstoned.
	pairs, _, err = env.svc.Resolve(context.Background(), []string{"a.txt"}, r1, branchOpts())
	require.NoError(t, err)
	assert.Empty(t, resultTuids(t, pairs, "a.txt"))
}

func TestResolveBackwardWalk(t *testing.T) {
	env := newTestEnv(t)

	// Seed the stores as if [1, 4, 3] was annotated at R2 earlier.
	require.NoError(t, env.store.SaveMaxTuid(4))
	require.NoError(t, env.anns.PutMany([]storage.AnnotationRecord{
		{Revision: r2, File: "a.txt", Annotation: types.Annotation{1, 4, 3}},
	}))
	require.NoError(t, env.store.UpsertMany([]types.Frontier{{File: "a.txt", Revision: r2}}))

	// Reopen the service so the allocator sees the seeded mark.
	svc, err := New(Deps{
		Config:      env.cfg,
		Annotations: env.anns,
		Frontiers:   env.store,
		Temporal:    env.store,
		Upstream:    env.upstream,
		Oracle:      env.oracle,
	})
	require.NoError(t, err)
	defer svc.Stop()

	// Going back to R1 unwinds the R2 diff, which removed line 3.
	env.oracle.set(r1, r2, r1, r2)
	env.upstream.diffs[r2] = &types.Diff{
		Files: []types.FileDiff{{
			OldName: "a.txt",
			NewName: "a.txt",
			Changes: []types.Change{{Action: types.ActionRemove, Line: 2}},
		}},
	}

	pairs, _, err := svc.Resolve(context.Background(), []string{"a.txt"}, r1, branchOpts())
	require.NoError(t, err)

	// Unchanged lines keep their identity; the resurrected line gets a
	// fresh tuid (its original identity was never seen).
	got := resultTuids(t, pairs, "a.txt")
	require.Len(t, got, 4)
	assert.Equal(t, types.Tuid(1), got[0])
	assert.Equal(t, types.Tuid(4), got[1])
	assert.Greater(t, got[2], types.Tuid(4))
	assert.Equal(t, types.Tuid(3), got[3])

	rev, err := env.store.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, r1, rev)
}

func TestResolveTombstonesMissingFile(t *testing.T) {
	env := newTestEnv(t)

	pairs, completed, err := env.svc.Resolve(context.Background(), []string{"gone.txt"}, r0, branchOpts())
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Empty(t, resultTuids(t, pairs, "gone.txt"))

	// The tombstone is absorbing: later queries answer from the cache.
	rawBefore := env.upstream.rawCalls
	pairs, _, err = env.svc.Resolve(context.Background(), []string{"gone.txt"}, r0, branchOpts())
	require.NoError(t, err)
	assert.Empty(t, resultTuids(t, pairs, "gone.txt"))
	assert.Equal(t, rawBefore, env.upstream.rawCalls)

	ann, err := env.anns.Get(r0, "gone.txt")
	require.NoError(t, err)
	assert.True(t, ann.Tombstone())
}

func TestResolveMergeDiffIsNeutral(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.lineCounts[r0+"/a.txt"] = 2

	_, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r0, branchOpts())
	require.NoError(t, err)

	env.oracle.set(r1, r0, r0, r1)
	env.upstream.diffs[r1] = &types.Diff{
		Merge: true,
		Files: []types.FileDiff{{
			OldName: "a.txt",
			NewName: "a.txt",
			Changes: []types.Change{{Action: types.ActionAdd, Line: 0}},
		}},
	}

	pairs, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r1, branchOpts())
	require.NoError(t, err)
	assert.Equal(t, []types.Tuid{1, 2}, resultTuids(t, pairs, "a.txt"))
}

func TestResolveBranchGuard(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.branchMissing = true
	env.upstream.lineCounts[r0+"/a.txt"] = 3

	// No repo given: the revision is checked against the default
	// branch and fails.
	pairs, completed, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r0, types.ResolveOptions{})
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Empty(t, resultTuids(t, pairs, "a.txt"))
	assert.Equal(t, 0, env.upstream.rawCalls)

	// The verdict is memoized: a second call does not re-query.
	clogBefore := env.upstream.clogCalls
	_, _, err = env.svc.Resolve(context.Background(), []string{"a.txt"}, r0, types.ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, clogBefore, env.upstream.clogCalls)
}

func TestResolveOverflowDefersWork(t *testing.T) {
	env := newTestEnv(t)

	var files []string
	for i := 0; i < 8; i++ {
		file := fmt.Sprintf("dir/file%d.txt", i)
		files = append(files, file)
		env.upstream.lineCounts[r0+"/"+file] = i + 1
	}

	opts := branchOpts()
	opts.UseThread = true
	pairs, completed, err := env.svc.Resolve(context.Background(), files, r0, opts)
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Empty(t, pairs) // nothing was cached yet

	env.svc.WaitIdle()

	// The deferred batches landed in the cache.
	pairs, completed, err = env.svc.Resolve(context.Background(), files, r0, opts)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Len(t, pairs, len(files))
	assert.Equal(t, []types.Tuid{1}, resultTuids(t, pairs, "dir/file0.txt"))
}

func TestResolveTooFarFrontier(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.lineCounts[r0+"/a.txt"] = 2
	env.upstream.lineCounts[r3+"/a.txt"] = 5

	_, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r0, branchOpts())
	require.NoError(t, err)

	// No oracle range connects R3 to R0: the walk fails. Without
	// going_forward the frontier must stay put.
	pairs, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r3, branchOpts())
	require.NoError(t, err)
	assert.Len(t, resultTuids(t, pairs, "a.txt"), 5)

	rev, err := env.store.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, r0, rev)

	// With going_forward the frontier advances to the target.
	env.upstream.lineCounts[r2+"/a.txt"] = 4
	opts := branchOpts()
	opts.GoingForward = true
	pairs, _, err = env.svc.Resolve(context.Background(), []string{"a.txt"}, r2, opts)
	require.NoError(t, err)
	assert.Len(t, resultTuids(t, pairs, "a.txt"), 4)

	rev, err = env.store.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, r2, rev)
}

func TestResolveRevision(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.revFiles[r0] = []string{"a.txt", "b.txt"}
	env.upstream.lineCounts[r0+"/a.txt"] = 1
	env.upstream.lineCounts[r0+"/b.txt"] = 2

	pairs, err := env.svc.ResolveRevision(context.Background(), r0)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
}

func TestDoubleCheckAdoptsWinner(t *testing.T) {
	env := newTestEnv(t)

	// Another worker already inserted the annotation for this key.
	require.NoError(t, env.anns.PutMany([]storage.AnnotationRecord{
		{Revision: r0, File: "c.txt", Annotation: types.Annotation{7, 8}},
	}))

	markBefore := env.svc.alloc.Mark()

	// Our in-flight fetch result loses the race and adopts theirs; the
	// re-check before allocation means no tuids are allocated for it.
	results := env.svc.annotateFetched(r0, []string{"c.txt"}, []fetchOutcome{{count: 2}})
	require.Len(t, results, 1)
	assert.Equal(t, []types.Tuid{7, 8}, resultTuids(t, results, "c.txt"))

	ann, err := env.anns.Get(r0, "c.txt")
	require.NoError(t, err)
	assert.Equal(t, types.Annotation{7, 8}, ann)
	assert.Equal(t, markBefore, env.svc.alloc.Mark())
}

func TestInsertAnnotationsKeepsFirstWriter(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.anns.PutMany([]storage.AnnotationRecord{
		{Revision: r0, File: "a.txt", Annotation: types.Annotation{1}},
	}))

	adopted := env.svc.insertAnnotations([]storage.AnnotationRecord{
		{Revision: r0, File: "a.txt", Annotation: types.Annotation{9}},
		{Revision: r0, File: "b.txt", Annotation: types.Annotation{2}},
	})

	assert.Equal(t, types.Annotation{1}, adopted[r0+"a.txt"])

	ann, err := env.anns.Get(r0, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, types.Annotation{1}, ann)

	ann, err = env.anns.Get(r0, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, types.Annotation{2}, ann)
}

func TestInsertAnnotationsRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)

	env.svc.insertAnnotations([]storage.AnnotationRecord{
		{Revision: r0, File: "bad.txt", Annotation: types.Annotation{types.MissingTuid}},
	})

	_, err := env.anns.Get(r0, "bad.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEtlPausesCaching(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.lineCounts[r0+"/a.txt"] = 1

	assert.True(t, env.svc.CachingEnabled())

	opts := branchOpts()
	opts.Etl = true
	_, _, err := env.svc.Resolve(context.Background(), []string{"a.txt"}, r0, opts)
	require.NoError(t, err)

	// Inline execution resumes caching before returning.
	assert.True(t, env.svc.CachingEnabled())
}
