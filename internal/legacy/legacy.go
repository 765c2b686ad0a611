// Package legacy reads and retires the version one download database.
//
// The v1 schema has one row per download in Downloads, grouped by an integer
// batch row id in batches. Rows are only ever removed by exact row id.
package legacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/handiism/batch-downloader/internal/logging"
	"github.com/handiism/batch-downloader/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    _id INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_title TEXT,
    batch_status INTEGER NOT NULL DEFAULT 0,
    last_modified_timestamp INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS Downloads (
    _id INTEGER PRIMARY KEY AUTOINCREMENT,
    uri TEXT NOT NULL,
    _data TEXT,
    total_bytes INTEGER NOT NULL DEFAULT -1,
    current_bytes INTEGER NOT NULL DEFAULT 0,
    batch_id INTEGER NOT NULL
);`

// v1 batch status values.
const (
	StatusPending    = 190
	StatusRunning    = 192
	StatusPaused     = 193
	StatusSuccessful = 200
)

// Batch is a row of the v1 batches table.
type Batch struct {
	ID           int64
	Title        string
	Status       int
	LastModified time.Time
}

// Download is a row of the v1 Downloads table.
type Download struct {
	ID           int64
	BatchID      int64
	URI          string
	Data         string // local file location
	TotalBytes   int64
	CurrentBytes int64
}

// Store is an open v1 database.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// Open opens an existing v1 database. It returns model.ErrLegacyStoreMissing
// when there is nothing to migrate.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", model.ErrLegacyStoreMissing, path)
		}
		return nil, &model.StorageError{Op: "stat", Path: path, Err: err}
	}
	return open(ctx, path, logger)
}

// Create opens path, creating the v1 schema if needed. It is used to seed
// legacy data for tests and demos.
func Create(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	s, err := open(ctx, path, logger)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		s.db.Close()
		return nil, &model.DatabaseError{Op: "create legacy schema", Err: err}
	}
	return s, nil
}

func open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &model.DatabaseError{Op: "open legacy", Err: err}
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &model.DatabaseError{Op: "ping legacy", Err: err}
	}
	return &Store{
		db:     db,
		path:   path,
		logger: logging.Component(logger, "legacy"),
	}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// InsertBatch adds a v1 batch row and returns its row id.
func (s *Store) InsertBatch(ctx context.Context, title string, status int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (batch_title, batch_status, last_modified_timestamp) VALUES (?, ?, ?)`,
		title, status, time.Now().UnixMilli())
	if err != nil {
		return 0, &model.DatabaseError{Op: "insert legacy batch", Err: err}
	}
	return res.LastInsertId()
}

// InsertDownload adds a v1 download row and returns its row id.
func (s *Store) InsertDownload(ctx context.Context, d Download) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO Downloads (uri, _data, total_bytes, current_bytes, batch_id) VALUES (?, ?, ?, ?, ?)`,
		d.URI, d.Data, d.TotalBytes, d.CurrentBytes, d.BatchID)
	if err != nil {
		return 0, &model.DatabaseError{Op: "insert legacy download", Err: err}
	}
	return res.LastInsertId()
}

// Batches returns every v1 batch ordered by row id.
func (s *Store) Batches(ctx context.Context) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT _id, COALESCE(batch_title, ''), batch_status, last_modified_timestamp FROM batches ORDER BY _id`)
	if err != nil {
		return nil, &model.DatabaseError{Op: "query legacy batches", Err: err}
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var (
			b        Batch
			modified int64
		)
		if err := rows.Scan(&b.ID, &b.Title, &b.Status, &modified); err != nil {
			return nil, &model.DatabaseError{Op: "scan legacy batch", Err: err}
		}
		b.LastModified = time.UnixMilli(modified)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Downloads returns the downloads of one batch ordered by row id.
func (s *Store) Downloads(ctx context.Context, batchID int64) ([]Download, error) {
	return s.queryDownloads(ctx,
		`SELECT _id, batch_id, uri, COALESCE(_data, ''), total_bytes, current_bytes FROM Downloads WHERE batch_id = ? ORDER BY _id`,
		batchID)
}

// AllDownloads returns every download row.
func (s *Store) AllDownloads(ctx context.Context) ([]Download, error) {
	return s.queryDownloads(ctx,
		`SELECT _id, batch_id, uri, COALESCE(_data, ''), total_bytes, current_bytes FROM Downloads ORDER BY _id`)
}

func (s *Store) queryDownloads(ctx context.Context, query string, args ...any) ([]Download, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &model.DatabaseError{Op: "query legacy downloads", Err: err}
	}
	defer rows.Close()

	var out []Download
	for rows.Next() {
		var d Download
		if err := rows.Scan(&d.ID, &d.BatchID, &d.URI, &d.Data, &d.TotalBytes, &d.CurrentBytes); err != nil {
			return nil, &model.DatabaseError{Op: "scan legacy download", Err: err}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDownload removes one download row.
func (s *Store) DeleteDownload(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM Downloads WHERE _id = ?`, id); err != nil {
		return &model.DatabaseError{Op: "delete legacy download", Err: err}
	}
	return nil
}

// DeleteBatch removes a batch row and its download rows in one transaction.
func (s *Store) DeleteBatch(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &model.DatabaseError{Op: "begin legacy delete", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM Downloads WHERE batch_id = ?`, id); err != nil {
		return &model.DatabaseError{Op: "delete legacy downloads", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE _id = ?`, id); err != nil {
		return &model.DatabaseError{Op: "delete legacy batch", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &model.DatabaseError{Op: "commit legacy delete", Err: err}
	}
	return nil
}

// DeleteOrphanBatches removes batches without any download row and returns
// how many were removed.
func (s *Store) DeleteOrphanBatches(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM batches WHERE _id NOT IN (SELECT DISTINCT batch_id FROM Downloads)`)
	if err != nil {
		return 0, &model.DatabaseError{Op: "delete orphan batches", Err: err}
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeleteDatabase removes the database file and its SQLite side files. The
// store must be closed first.
func (s *Store) DeleteDatabase() error {
	var errs []error
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm", s.path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, &model.StorageError{Op: "remove", Path: p, Err: err})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info().Str("path", s.path).Msg("legacy database deleted")
	return nil
}
