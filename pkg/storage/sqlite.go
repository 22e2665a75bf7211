package storage

import (
	"database/sql"
	"fmt"

	"github.com/yoyogias2011/TUID/pkg/types"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
-- Frontier table: one row per file, no history
CREATE TABLE IF NOT EXISTS latest_file_mod (
    file     TEXT NOT NULL,
    revision CHAR(12) NOT NULL,
    PRIMARY KEY(file)
);

-- Temporal counter: single row holding the tuid high-water mark
CREATE TABLE IF NOT EXISTS temporal (
    id   INTEGER PRIMARY KEY,
    tuid INTEGER NOT NULL
);
`

// frontierBatchSize is the chunk size UpsertMany walks the rows in. All
// chunks run in the same transaction, one statement execution per row.
const frontierBatchSize = 500

// SqliteStore implements FrontierStore and TemporalStore over a single
// SQLite file.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens (and if necessary creates) the database at path.
func NewSqliteStore(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SqliteStore{db: db}, nil
}

// Close closes the database
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// Get returns the frontier revision for file
func (s *SqliteStore) Get(file string) (string, error) {
	var revision string
	err := s.db.QueryRow("SELECT revision FROM latest_file_mod WHERE file = ?", file).Scan(&revision)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return revision, nil
}

// List returns every known (file, revision) pair
func (s *SqliteStore) List() ([]types.Frontier, error) {
	rows, err := s.db.Query("SELECT file, revision FROM latest_file_mod")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frontiers []types.Frontier
	for rows.Next() {
		var f types.Frontier
		if err := rows.Scan(&f.File, &f.Revision); err != nil {
			return nil, err
		}
		frontiers = append(frontiers, f)
	}
	return frontiers, rows.Err()
}

// UpsertMany inserts or replaces frontiers, batched inside one
// transaction.
func (s *SqliteStore) UpsertMany(frontiers []types.Frontier) error {
	if len(frontiers) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO latest_file_mod (file, revision) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for start := 0; start < len(frontiers); start += frontierBatchSize {
		end := start + frontierBatchSize
		if end > len(frontiers) {
			end = len(frontiers)
		}
		for _, f := range frontiers[start:end] {
			if _, err := stmt.Exec(f.File, types.ShortRev(f.Revision)); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// Delete removes the frontier for file
func (s *SqliteStore) Delete(file string) error {
	_, err := s.db.Exec("DELETE FROM latest_file_mod WHERE file = ?", file)
	return err
}

// MaxTuid returns the persisted high-water mark, zero when empty
func (s *SqliteStore) MaxTuid() (types.Tuid, error) {
	var tuid types.Tuid
	err := s.db.QueryRow("SELECT tuid FROM temporal WHERE id = 1").Scan(&tuid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return tuid, nil
}

// SaveMaxTuid persists the high-water mark
func (s *SqliteStore) SaveMaxTuid(tuid types.Tuid) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO temporal (id, tuid) VALUES (1, ?)", tuid)
	return err
}
