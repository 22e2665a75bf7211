package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoyogias2011/TUID/pkg/hg"
	"github.com/yoyogias2011/TUID/pkg/storage"
	"github.com/yoyogias2011/TUID/pkg/types"
)

const (
	r0  = "aaaaaaaaaaa0"
	r1  = "aaaaaaaaaaa1"
	r2  = "aaaaaaaaaaa2"
	tip = "aaaaaaaaaaa3"
)

// fakeChangelog serves a fixed linear history, newest first.
type fakeChangelog struct {
	history []string
}

func (f *fakeChangelog) Changelog(ctx context.Context, repo, rev string) (*hg.ChangelogPage, error) {
	start := 0
	if rev != "" {
		start = -1
		for i, node := range f.history {
			if node == rev {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, hg.ErrRevisionNotFound
		}
	}
	page := &hg.ChangelogPage{}
	for _, node := range f.history[start:] {
		page.Changesets = append(page.Changesets, hg.ChangelogEntry{Node: node})
	}
	return page, nil
}

// fakeResolver records resolve calls.
type fakeResolver struct {
	mu      sync.Mutex
	calls   []string
	enabled bool
}

func (f *fakeResolver) Resolve(ctx context.Context, files []string, revision string, opts types.ResolveOptions) ([]types.FileTuids, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !opts.GoingForward {
		panic("daemon must resolve with going_forward")
	}
	f.calls = append(f.calls, revision)
	return nil, true, nil
}

func (f *fakeResolver) CachingEnabled() bool { return f.enabled }

func newTestFrontiers(t *testing.T, frontiers ...types.Frontier) *storage.SqliteStore {
	t.Helper()
	store, err := storage.NewSqliteStore(filepath.Join(t.TempDir(), "tuid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.UpsertMany(frontiers))
	return store
}

func TestPassAdvancesFrontiersOldestFirst(t *testing.T) {
	store := newTestFrontiers(t,
		types.Frontier{File: "a.txt", Revision: r1},
		types.Frontier{File: "b.txt", Revision: r1},
	)
	changelog := &fakeChangelog{history: []string{tip, r2, r1, r0}}
	resolver := &fakeResolver{enabled: true}

	d := New(store, changelog, resolver, nil, Config{
		Branch:       "mozilla-central",
		WaitAtNewest: time.Second,
	})

	ran, err := d.pass(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	// Both files share a frontier, so one group walks r2 then tip.
	assert.Equal(t, []string{r2, tip}, resolver.calls)
}

func TestPassIdleAtNewest(t *testing.T) {
	store := newTestFrontiers(t, types.Frontier{File: "a.txt", Revision: tip})
	changelog := &fakeChangelog{history: []string{tip, r2, r1, r0}}
	resolver := &fakeResolver{enabled: true}

	d := New(store, changelog, resolver, nil, Config{
		Branch:       "mozilla-central",
		WaitAtNewest: time.Second,
	})

	ran, err := d.pass(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, resolver.calls)
}

func TestPassGroupsByFrontier(t *testing.T) {
	store := newTestFrontiers(t,
		types.Frontier{File: "old.txt", Revision: r0},
		types.Frontier{File: "new.txt", Revision: r2},
	)
	changelog := &fakeChangelog{history: []string{tip, r2, r1, r0}}
	resolver := &fakeResolver{enabled: true}

	d := New(store, changelog, resolver, nil, Config{
		Branch:       "mozilla-central",
		WaitAtNewest: time.Second,
	})

	ran, err := d.pass(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	// old.txt walks r1, r2, tip; new.txt walks tip only. Groups keep
	// newer files from being dragged back to older revisions.
	counts := make(map[string]int)
	for _, rev := range resolver.calls {
		counts[rev]++
	}
	assert.Equal(t, 1, counts[r1])
	assert.Equal(t, 1, counts[r2])
	assert.Equal(t, 2, counts[tip])
}

func TestStopHaltsLoop(t *testing.T) {
	store := newTestFrontiers(t)
	changelog := &fakeChangelog{history: []string{tip}}
	resolver := &fakeResolver{enabled: true}

	d := New(store, changelog, resolver, nil, Config{
		Branch:       "mozilla-central",
		WaitAtNewest: 10 * time.Millisecond,
	})

	d.Start()
	time.Sleep(50 * time.Millisecond)
	d.Stop()

	// Stop is idempotent.
	d.Stop()
}
