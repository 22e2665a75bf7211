package storage

import (
	"errors"

	"github.com/yoyogias2011/TUID/pkg/types"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("record not found")

// ErrCorrupt is returned when a stored annotation cannot be decoded.
var ErrCorrupt = errors.New("corrupt annotation record")

// AnnotationRecord is one row of the annotation index.
type AnnotationRecord struct {
	Revision   string           `json:"revision"`
	File       string           `json:"file"`
	Annotation types.Annotation `json:"annotation"`
}

// AnnotationStore maps (revision, file) to the ordered per-line tuid
// list. Inserts are idempotent: the first committed write for a key
// wins, later writes for the same key are silently dropped. Callers that
// need the winning value must re-read after a dropped insert.
type AnnotationStore interface {
	// Get returns the annotation for (revision, file). An empty non-nil
	// annotation is a tombstone. ErrNotFound when no record exists,
	// ErrCorrupt when the record cannot be decoded.
	Get(revision, file string) (types.Annotation, error)

	// PutMany inserts records in batches, skipping keys that already
	// exist.
	PutMany(records []AnnotationRecord) error

	Close() error
}

// FrontierStore maps each file to the newest revision for which an
// annotation exists. One row per file, no history.
type FrontierStore interface {
	// Get returns the frontier revision for file, or ErrNotFound.
	Get(file string) (string, error)

	// List returns every (file, revision) pair.
	List() ([]types.Frontier, error)

	// UpsertMany inserts or replaces frontiers in one transaction.
	UpsertMany(frontiers []types.Frontier) error

	// Delete removes the frontier for file. Deleting a missing row is
	// not an error.
	Delete(file string) error
}

// TemporalStore persists the tuid high-water mark.
type TemporalStore interface {
	// MaxTuid returns the persisted high-water mark, or zero when no
	// tuid has been allocated yet.
	MaxTuid() (types.Tuid, error)

	// SaveMaxTuid persists the high-water mark.
	SaveMaxTuid(tuid types.Tuid) error
}
