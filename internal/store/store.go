package store

import (
	"context"
	"time"

	"github.com/handiism/batch-downloader/internal/model"
)

// PersistenceType records who owns the bytes of a file.
type PersistenceType string

const (
	// PersistenceInternal files live in storage managed by this application.
	PersistenceInternal PersistenceType = "INTERNAL"
	// PersistenceExternal files live under a caller supplied storage root.
	PersistenceExternal PersistenceType = "EXTERNAL"
)

// BatchRecord is the persisted form of a batch.
type BatchRecord struct {
	ID          model.BatchID
	Title       string
	Status      model.Status
	ErrorType   model.ErrorType
	StorageRoot string
	CreatedAt   time.Time
}

// FileRecord is the persisted form of one file of a batch.
type FileRecord struct {
	BatchID         model.BatchID
	FileID          model.FileID
	FileName        string
	FilePath        string
	TotalSize       int64
	BytesDownloaded int64
	URL             string
	PersistenceType PersistenceType
	Position        int
}

// Writer is the set of record mutations available inside a transaction.
type Writer interface {
	PersistBatch(ctx context.Context, rec BatchRecord) error
	PersistFile(ctx context.Context, rec FileRecord) error
	Delete(ctx context.Context, id model.BatchID) error
	UpdateBatchStatus(ctx context.Context, id model.BatchID, status model.Status, errType model.ErrorType) error
	UpdateFileProgress(ctx context.Context, batchID model.BatchID, fileID model.FileID, bytesDownloaded, totalSize int64) error
}

// Tx is a scoped transaction. Changes become visible only when Success was
// called before End; otherwise End rolls everything back.
//
//	tx, err := p.StartTransaction(ctx)
//	if err != nil { ... }
//	defer tx.End()
//	if err := tx.PersistBatch(ctx, rec); err != nil { return err }
//	tx.Success()
//	return tx.End()
type Tx interface {
	Writer
	Success()
	End() error
}

// Persistence is the capability the download engine and the migration
// pipeline depend on. It never exposes the concrete backend.
type Persistence interface {
	StartTransaction(ctx context.Context) (Tx, error)
	LoadBatches(ctx context.Context) ([]BatchRecord, error)
	LoadBatch(ctx context.Context, id model.BatchID) (BatchRecord, error)
	LoadFiles(ctx context.Context, id model.BatchID) ([]FileRecord, error)
	Close() error
}

// RunInTx runs fn inside one transaction, committing when fn returns nil and
// rolling back otherwise.
func RunInTx(ctx context.Context, p Persistence, fn func(Writer) error) error {
	tx, err := p.StartTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.End()

	if err := fn(tx); err != nil {
		return err
	}
	tx.Success()
	return tx.End()
}
