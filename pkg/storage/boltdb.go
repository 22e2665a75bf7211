package storage

import (
	"encoding/json"
	"fmt"

	"github.com/yoyogias2011/TUID/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketAnnotations = []byte("annotations")
)

// annotationKey builds the index key. The revision prefix has a fixed
// length, so revision+file never collides across entries.
func annotationKey(revision, file string) []byte {
	return []byte(types.ShortRev(revision) + file)
}

// BoltAnnotationStore implements AnnotationStore using BoltDB
type BoltAnnotationStore struct {
	db *bolt.DB
}

// NewBoltAnnotationStore creates a new BoltDB-backed annotation store
func NewBoltAnnotationStore(path string) (*BoltAnnotationStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotation database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAnnotations); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketAnnotations, err)
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltAnnotationStore{db: db}, nil
}

// Close closes the database
func (s *BoltAnnotationStore) Close() error {
	return s.db.Close()
}

// Get returns the annotation stored for (revision, file)
func (s *BoltAnnotationStore) Get(revision, file string) (types.Annotation, error) {
	var record AnnotationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAnnotations)
		data := b.Get(annotationKey(revision, file))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("%w: %s", ErrCorrupt, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if record.Annotation == nil {
		record.Annotation = types.Annotation{}
	}
	return record.Annotation, nil
}

// PutMany inserts records, dropping any whose key already exists. The
// first committed write for a key wins.
func (s *BoltAnnotationStore) PutMany(records []AnnotationRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAnnotations)
		for i := range records {
			record := &records[i]
			record.Revision = types.ShortRev(record.Revision)
			key := annotationKey(record.Revision, record.File)
			if b.Get(key) != nil {
				continue // first write wins
			}
			if record.Annotation == nil {
				record.Annotation = types.Annotation{}
			}
			data, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}
