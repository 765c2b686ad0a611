package migration

import (
	"context"

	"github.com/handiism/batch-downloader/internal/model"
)

// FileMetadata describes one legacy file to carry over.
type FileMetadata struct {
	LegacyID         int64
	URI              string
	TotalSize        int64
	OriginalLocation string
}

// Migration is one legacy batch translated into the new batch shape. It only
// lives for the duration of a run. Files[i] is the source of Batch.Files[i].
type Migration struct {
	LegacyBatchID int64
	Batch         model.Batch
	Files         []FileMetadata
}

// Extractor reads the legacy store into migrations. It never writes.
type Extractor interface {
	Extract(ctx context.Context) ([]Migration, error)
}

// UnlinkedDataRemover purges legacy rows without files and files without
// rows before extraction.
type UnlinkedDataRemover interface {
	Remove(ctx context.Context) error
}

// ProgressSink receives every status the pipeline emits.
type ProgressSink interface {
	Report(status Status)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(Status)

// Report calls f(status).
func (f SinkFunc) Report(status Status) { f(status) }

// LegacyStore is the write side of the legacy database used during a run.
type LegacyStore interface {
	DeleteBatch(ctx context.Context, id int64) error
	Close() error
	DeleteDatabase() error
}
