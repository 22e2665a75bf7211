/*
Package storage provides the persisted state for the TUID service: the
annotation index, the per-file frontier table, and the tuid high-water
mark.

Two embedded databases split the state the way the deployment does:
BoltDB holds the append-only annotation index (it stands in for the
upstream keyword index), and SQLite holds the small mutable tables.

# Architecture

	┌──────────────────── PERSISTED STATE ─────────────────────┐
	│                                                           │
	│  ┌──────────────────────────────────────────┐            │
	│  │        BoltAnnotationStore                │            │
	│  │  - File: annotations.db                   │            │
	│  │  - Bucket: annotations                    │            │
	│  │  - Key: revision(12) + file path          │            │
	│  │  - Value: JSON {revision, file,           │            │
	│  │           annotation: [tuid, ...]}        │            │
	│  │  - Inserts: first write wins              │            │
	│  └──────────────────────────────────────────┘            │
	│                                                           │
	│  ┌──────────────────────────────────────────┐            │
	│  │           SqliteStore                     │            │
	│  │  - File: tuid.db                          │            │
	│  │  - latest_file_mod(file PK, revision)     │            │
	│  │  - temporal(id=1, tuid)                   │            │
	│  └──────────────────────────────────────────┘            │
	└──────────────────────────────────────────────────────────┘

# Semantics

Annotation index:
  - An empty stored list is a tombstone: the file is absent at that
    revision. Absence of a record means the pair was never resolved.
  - Records are never rewritten. A PutMany whose key already exists is
    silently dropped; callers that need the winning value re-read after
    the insert (the double-check protocol).

Frontier table:
  - One row per file: the newest revision with a cached annotation.
  - INSERT OR REPLACE upserts; all rows of one UpsertMany call share a
    single transaction.
  - Deleted on corruption; the file is then re-acquired from scratch.

Temporal counter:
  - A single row holding the allocation high-water mark. Written before
    a batch of fresh tuids becomes visible in any annotation, so
    recovery never re-issues a published tuid.

# See Also

  - pkg/service for the resolution engine consuming these interfaces
  - pkg/types for the annotation and frontier types
*/
package storage
