// Package model defines the core data structures shared by the download
// engine, the persistence store and the migration pipeline.
//
// # Batch
//
// A Batch is a named group of files downloaded and tracked as one unit. It is
// assembled with the fluent builder and is immutable once submitted:
//
//	batch, err := model.NewBatch(model.DirRoot("/downloads"), model.NewBatchID("batch_id_1"), "Made in chelsea").
//	    DownloadFrom("http://example.com/5MB.zip").SaveTo("foo/bar", "5mb.zip").Apply().
//	    DownloadFrom("http://example.com/10MB.zip").Apply().
//	    Build()
//
// Files without an explicit identifier get a deterministic FileID derived from
// the batch id and URL, so resubmitting the same batch maps onto the same
// persisted records.
//
// # Status
//
// Status is the batch lifecycle:
//
//	QUEUED -> DOWNLOADING <-> PAUSED -> DOWNLOADED
//
// Any non-terminal state may move to ERROR, and DELETED is reachable from any
// state and is terminal. CheckTransition enforces the matrix and returns a
// *TransitionError for disallowed moves.
//
// # Errors
//
// Failures are typed as *NetworkError, *StorageError, *DatabaseError or
// *MigrationItemError. ClassifyError maps any error chain onto the ErrorType
// reported to callers through DownloadError.
package model
