package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/handiism/batch-downloader/internal/logging"
	"github.com/handiism/batch-downloader/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is the Persistence backend backed by a single SQLite file.
//
// The pool is limited to one connection, so transactions are serialized and
// readers always observe either the old or the new record.
type SQLite struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

var _ Persistence = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// embedded schema migrations.
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLite, error) {
	logger = logging.Component(logger, "store")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &model.DatabaseError{Op: "create directory", Err: err}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &model.DatabaseError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &model.DatabaseError{Op: "ping", Err: err}
	}

	s := &SQLite{db: db, path: path, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug().Str("path", path).Msg("store opened")
	return s, nil
}

// migrate applies the embedded SQL migrations. The migrate instance is not
// closed because that would close the shared *sql.DB.
func (s *SQLite) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return &model.DatabaseError{Op: "load migrations", Err: err}
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return &model.DatabaseError{Op: "init migration driver", Err: err}
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return &model.DatabaseError{Op: "init migrations", Err: err}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return &model.DatabaseError{Op: "apply migrations", Err: err}
	}

	version, dirty, _ := m.Version()
	s.logger.Debug().Uint("version", version).Bool("dirty", dirty).Msg("schema migrated")
	return nil
}

// Path returns the database file location.
func (s *SQLite) Path() string {
	return s.path
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// StartTransaction begins a scoped transaction.
func (s *SQLite) StartTransaction(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &model.DatabaseError{Op: "begin", Err: err}
	}
	return &sqliteTx{tx: tx, logger: s.logger}, nil
}

// LoadBatches returns every batch in creation order.
func (s *SQLite) LoadBatches(ctx context.Context) ([]BatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, title, status, error_type, storage_root, created_at
		FROM batches
		ORDER BY created_at, batch_id`)
	if err != nil {
		return nil, &model.DatabaseError{Op: "load batches", Err: err}
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.DatabaseError{Op: "load batches", Err: err}
	}
	return out, nil
}

// LoadBatch returns one batch or model.ErrBatchNotFound.
func (s *SQLite) LoadBatch(ctx context.Context, id model.BatchID) (BatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT batch_id, title, status, error_type, storage_root, created_at
		FROM batches
		WHERE batch_id = ?`, string(id))
	rec, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchRecord{}, fmt.Errorf("%w: %s", model.ErrBatchNotFound, id)
	}
	return rec, err
}

// LoadFiles returns the files of a batch in submission order.
func (s *SQLite) LoadFiles(ctx context.Context, id model.BatchID) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, file_id, file_name, file_path, total_size, bytes_downloaded, url, persistence_type, position
		FROM files
		WHERE batch_id = ?
		ORDER BY position`, string(id))
	if err != nil {
		return nil, &model.DatabaseError{Op: "load files", Err: err}
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var (
			rec             FileRecord
			batchID, fileID string
			persistence     string
		)
		if err := rows.Scan(&batchID, &fileID, &rec.FileName, &rec.FilePath, &rec.TotalSize,
			&rec.BytesDownloaded, &rec.URL, &persistence, &rec.Position); err != nil {
			return nil, &model.DatabaseError{Op: "scan file", Err: err}
		}
		rec.BatchID = model.BatchID(batchID)
		rec.FileID = model.FileID(fileID)
		rec.PersistenceType = PersistenceType(persistence)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.DatabaseError{Op: "load files", Err: err}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (BatchRecord, error) {
	var (
		rec                BatchRecord
		id, status, errTyp string
		createdAt          int64
	)
	if err := row.Scan(&id, &rec.Title, &status, &errTyp, &rec.StorageRoot, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BatchRecord{}, err
		}
		return BatchRecord{}, &model.DatabaseError{Op: "scan batch", Err: err}
	}

	st, err := model.ParseStatus(status)
	if err != nil {
		return BatchRecord{}, &model.DatabaseError{Op: "scan batch", Err: err}
	}
	rec.ID = model.BatchID(id)
	rec.Status = st
	if errTyp != "" {
		rec.ErrorType = model.ParseErrorType(errTyp)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return rec, nil
}

type sqliteTx struct {
	tx      *sql.Tx
	logger  zerolog.Logger
	success bool
	done    bool
}

func (t *sqliteTx) Success() {
	t.success = true
}

// End commits after Success and rolls back otherwise. Calling End again is a
// no-op.
func (t *sqliteTx) End() error {
	if t.done {
		return nil
	}
	t.done = true

	if !t.success {
		if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return &model.DatabaseError{Op: "rollback", Err: err}
		}
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return &model.DatabaseError{Op: "commit", Err: err}
	}
	return nil
}

func (t *sqliteTx) PersistBatch(ctx context.Context, rec BatchRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO batches (batch_id, title, status, error_type, storage_root, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			error_type = excluded.error_type,
			storage_root = excluded.storage_root`,
		string(rec.ID), rec.Title, string(rec.Status), string(rec.ErrorType), rec.StorageRoot, createdAt.UnixNano())
	if err != nil {
		return &model.DatabaseError{Op: "persist batch", Err: err}
	}
	return nil
}

func (t *sqliteTx) PersistFile(ctx context.Context, rec FileRecord) error {
	persistence := rec.PersistenceType
	if persistence == "" {
		persistence = PersistenceExternal
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO files (batch_id, file_id, file_name, file_path, total_size, bytes_downloaded, url, persistence_type, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, file_id) DO UPDATE SET
			file_name = excluded.file_name,
			file_path = excluded.file_path,
			total_size = excluded.total_size,
			bytes_downloaded = excluded.bytes_downloaded,
			url = excluded.url,
			persistence_type = excluded.persistence_type,
			position = excluded.position`,
		string(rec.BatchID), string(rec.FileID), rec.FileName, rec.FilePath, rec.TotalSize,
		rec.BytesDownloaded, rec.URL, string(persistence), rec.Position)
	if err != nil {
		return &model.DatabaseError{Op: "persist file", Err: err}
	}
	return nil
}

func (t *sqliteTx) Delete(ctx context.Context, id model.BatchID) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM files WHERE batch_id = ?`, string(id)); err != nil {
		return &model.DatabaseError{Op: "delete files", Err: err}
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM batches WHERE batch_id = ?`, string(id)); err != nil {
		return &model.DatabaseError{Op: "delete batch", Err: err}
	}
	return nil
}

func (t *sqliteTx) UpdateBatchStatus(ctx context.Context, id model.BatchID, status model.Status, errType model.ErrorType) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE batches SET status = ?, error_type = ? WHERE batch_id = ?`,
		string(status), string(errType), string(id))
	if err != nil {
		return &model.DatabaseError{Op: "update batch status", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", model.ErrBatchNotFound, id)
	}
	return nil
}

func (t *sqliteTx) UpdateFileProgress(ctx context.Context, batchID model.BatchID, fileID model.FileID, bytesDownloaded, totalSize int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE files SET bytes_downloaded = ?, total_size = ? WHERE batch_id = ? AND file_id = ?`,
		bytesDownloaded, totalSize, string(batchID), string(fileID))
	if err != nil {
		return &model.DatabaseError{Op: "update file progress", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", model.ErrFileNotFound, batchID, fileID)
	}
	return nil
}
