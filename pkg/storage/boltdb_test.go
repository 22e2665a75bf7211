package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/yoyogias2011/TUID/pkg/types"
)

func newTestAnnotationStore(t *testing.T) *BoltAnnotationStore {
	t.Helper()
	store, err := NewBoltAnnotationStore(filepath.Join(t.TempDir(), "annotations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAnnotationGetNotFound(t *testing.T) {
	store := newTestAnnotationStore(t)

	_, err := store.Get("abcdef123456", "a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAnnotationPutAndGet(t *testing.T) {
	store := newTestAnnotationStore(t)

	err := store.PutMany([]AnnotationRecord{
		{Revision: "abcdef123456", File: "a.txt", Annotation: types.Annotation{1, 2, 3}},
	})
	require.NoError(t, err)

	ann, err := store.Get("abcdef123456", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, types.Annotation{1, 2, 3}, ann)
}

func TestAnnotationFirstWriteWins(t *testing.T) {
	store := newTestAnnotationStore(t)

	require.NoError(t, store.PutMany([]AnnotationRecord{
		{Revision: "abcdef123456", File: "a.txt", Annotation: types.Annotation{1, 2}},
	}))
	// A second insert at the same key is silently dropped.
	require.NoError(t, store.PutMany([]AnnotationRecord{
		{Revision: "abcdef123456", File: "a.txt", Annotation: types.Annotation{8, 9}},
	}))

	ann, err := store.Get("abcdef123456", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, types.Annotation{1, 2}, ann)
}

func TestAnnotationTombstone(t *testing.T) {
	store := newTestAnnotationStore(t)

	require.NoError(t, store.PutMany([]AnnotationRecord{
		{Revision: "abcdef123456", File: "gone.txt", Annotation: types.Annotation{}},
	}))

	ann, err := store.Get("abcdef123456", "gone.txt")
	require.NoError(t, err)
	assert.True(t, ann.Tombstone())
}

func TestAnnotationCorruptRecord(t *testing.T) {
	store := newTestAnnotationStore(t)

	// Write garbage straight into the bucket.
	err := store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAnnotations).Put(annotationKey("abcdef123456", "a.txt"), []byte("{not json"))
	})
	require.NoError(t, err)

	_, err = store.Get("abcdef123456", "a.txt")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestAnnotationKeyUsesShortRev(t *testing.T) {
	store := newTestAnnotationStore(t)

	long := "abcdef1234567890abcdef"
	require.NoError(t, store.PutMany([]AnnotationRecord{
		{Revision: long, File: "a.txt", Annotation: types.Annotation{5}},
	}))

	ann, err := store.Get(types.ShortRev(long), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, types.Annotation{5}, ann)
}
