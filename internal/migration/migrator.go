package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ioutils "github.com/handiism/batch-downloader/internal/io"
	"github.com/handiism/batch-downloader/internal/legacy"
	"github.com/handiism/batch-downloader/internal/logging"
	"github.com/handiism/batch-downloader/internal/metrics"
	"github.com/handiism/batch-downloader/internal/model"
	"github.com/handiism/batch-downloader/internal/store"
)

// Migrator moves legacy data into the persistence store.
//
// A run is one-shot and strictly sequential:
//
//	remove unlinked data -> EXTRACTING -> MIGRATING(i/n) ... -> DELETING -> COMPLETE
//
// Per-item failures are logged and never abort the run, so COMPLETE does not
// guarantee every legacy item was carried over.
type Migrator struct {
	running sync.Mutex

	extractor   Extractor
	remover     UnlinkedDataRemover
	legacy      LegacyStore
	persistence store.Persistence
	sink        ProgressSink

	buffers *ioutils.BufferPool
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithBufferSize sets the copy chunk size.
func WithBufferSize(size int) Option {
	return func(m *Migrator) {
		m.buffers = ioutils.NewBufferPool(size)
	}
}

// WithMetrics records migrated items.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Migrator) {
		m.metrics = mt
	}
}

// New creates a Migrator. A nil sink drops progress reports.
func New(extractor Extractor, remover UnlinkedDataRemover, legacyStore LegacyStore,
	persistence store.Persistence, sink ProgressSink, logger zerolog.Logger, opts ...Option) *Migrator {
	if sink == nil {
		sink = SinkFunc(func(Status) {})
	}
	m := &Migrator{
		extractor:   extractor,
		remover:     remover,
		legacy:      legacyStore,
		persistence: persistence,
		sink:        sink,
		buffers:     ioutils.NewBufferPool(ioutils.DefaultBufferSize),
		logger:      logging.Component(logger, "migration"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Migrate runs the pipeline to completion. It returns model.ErrMigrationRunning
// if another run is in progress. Cancelling ctx does not stop a run.
//
// Only failures that prevent the pipeline from starting, such as an
// unreadable legacy store, are returned.
func (m *Migrator) Migrate(ctx context.Context) error {
	if !m.running.TryLock() {
		return model.ErrMigrationRunning
	}
	defer m.running.Unlock()

	ctx = context.WithoutCancel(ctx)
	tracker := &statusTracker{}

	if m.remover != nil {
		if err := m.remover.Remove(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("unlinked data removal incomplete")
		}
	}

	m.emit(tracker, Status{Phase: PhaseExtracting})
	m.logger.Debug().Int64("time_ns", time.Now().UnixNano()).Msg("about to extract migrations")
	migrations, err := m.extractor.Extract(ctx)
	if err != nil {
		return fmt.Errorf("extract migrations: %w", err)
	}
	m.logger.Info().
		Int("items", len(migrations)).
		Int64("time_ns", time.Now().UnixNano()).
		Msg("migrations extracted")

	n := len(migrations)
	if n == 0 {
		m.emit(tracker, Status{Phase: PhaseMigrating})
	}
	for i, mig := range migrations {
		m.emit(tracker, Status{Phase: PhaseMigrating, Current: i, Total: n})
		m.migrateItem(ctx, mig)
	}
	m.logger.Info().Int64("time_ns", time.Now().UnixNano()).Msg("all items processed, deleting legacy store")

	m.emit(tracker, Status{Phase: PhaseDeleting})
	if err := m.legacy.Close(); err != nil {
		m.logger.Error().Err(err).Msg("closing legacy store")
	}
	if err := m.legacy.DeleteDatabase(); err != nil {
		m.logger.Error().Err(err).Msg("deleting legacy store")
	}

	m.emit(tracker, Status{Phase: PhaseComplete})
	m.logger.Info().Int64("time_ns", time.Now().UnixNano()).Msg("migration complete")
	return nil
}

func (m *Migrator) emit(tracker *statusTracker, status Status) {
	if err := tracker.advance(status); err != nil {
		m.logger.Error().Err(err).Msg("dropping out of order migration status")
		return
	}
	m.logger.Info().Stringer("status", status).Msg("migration phase")
	m.sink.Report(status)
}

// maxIDAttempts bounds the search for a batch id no other batch uses.
const maxIDAttempts = 100

// migrateItem copies the files of one item, persists its records in a single
// transaction and then removes the legacy row and files.
func (m *Migrator) migrateItem(ctx context.Context, mig Migration) {
	logger := m.logger.With().Int64("legacy_batch", mig.LegacyBatchID).Logger()

	id, copiedBefore, err := m.claimID(ctx, mig)
	if err != nil {
		logger.Error().Err(err).Msg("no batch id for migrated batch, keeping legacy data")
		m.metrics.MigrationItem(metrics.ResultFailed)
		return
	}
	if copiedBefore != nil {
		logger.Warn().Str("batch_id", id.String()).Msg("batch already in store, finishing legacy cleanup only")
		m.deleteLegacy(ctx, logger, mig, copiedBefore)
		m.metrics.MigrationItem(metrics.ResultSkipped)
		return
	}
	if id != mig.Batch.ID {
		logger.Warn().
			Str("taken_id", mig.Batch.ID.String()).
			Str("batch_id", id.String()).
			Msg("batch id used by another batch, migrating under a new id")
		if mig, err = rebase(mig, id); err != nil {
			logger.Error().Err(err).Msg("rebuilding batch under new id, keeping legacy data")
			m.metrics.MigrationItem(metrics.ResultFailed)
			return
		}
	}
	logger = logger.With().Str("batch_id", id.String()).Logger()

	copied := make([]bool, len(mig.Files))
	sizes := make([]int64, len(mig.Files))
	failures, partial := 0, false
	for i, meta := range mig.Files {
		dst := mig.Batch.FilePath(mig.Batch.Files[i])
		n, err := m.copyFile(ctx, meta.OriginalLocation, dst)
		if err != nil {
			failures++
			logger.Error().
				Err(&model.MigrationItemError{LegacyID: meta.LegacyID, URI: meta.URI, Op: "copy", Err: err}).
				Msg("file not migrated")
			_ = ioutils.RemoveFile(dst)
			continue
		}
		copied[i] = true
		sizes[i] = n
		if n < meta.TotalSize {
			partial = true
		}
	}

	// A partial file keeps its real total so the engine resumes it from the
	// copied offset.
	status, errType := model.StatusDownloaded, model.ErrorType("")
	switch {
	case failures > 0:
		status, errType = model.StatusError, model.ErrorTypeStorage
	case partial:
		status = model.StatusQueued
	}

	err = store.RunInTx(ctx, m.persistence, func(w store.Writer) error {
		if err := w.PersistBatch(ctx, store.BatchRecord{
			ID:          mig.Batch.ID,
			Title:       mig.Batch.Title,
			Status:      status,
			ErrorType:   errType,
			StorageRoot: mig.Batch.Root.Path(),
			CreatedAt:   time.Now(),
		}); err != nil {
			return err
		}
		for i, file := range mig.Batch.Files {
			total := max(mig.Files[i].TotalSize, 0)
			var downloaded int64
			if copied[i] {
				downloaded = sizes[i]
				total = max(total, downloaded)
			}
			if err := w.PersistFile(ctx, store.FileRecord{
				BatchID:         mig.Batch.ID,
				FileID:          file.ID,
				FileName:        file.FileName,
				FilePath:        mig.Batch.FilePath(file),
				TotalSize:       total,
				BytesDownloaded: downloaded,
				URL:             file.URL,
				PersistenceType: store.PersistenceInternal,
				Position:        i,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("persisting migrated batch failed, keeping legacy data")
		for i, file := range mig.Batch.Files {
			if copied[i] {
				_ = ioutils.RemoveFile(mig.Batch.FilePath(file))
			}
		}
		m.metrics.MigrationItem(metrics.ResultFailed)
		return
	}

	m.deleteLegacy(ctx, logger, mig, copied)
	if failures > 0 {
		m.metrics.MigrationItem(metrics.ResultFailed)
		return
	}
	m.metrics.MigrationItem(metrics.ResultMigrated)
}

// claimID finds the id the item is stored under: the derived id when it is
// free, otherwise legacy-<row>, legacy-<row>-2 and so on. A non-nil copied
// slice means an earlier run already committed the item under id.
func (m *Migrator) claimID(ctx context.Context, mig Migration) (model.BatchID, []bool, error) {
	for attempt := range maxIDAttempts {
		id := candidateID(mig, attempt)
		rec, err := m.persistence.LoadBatch(ctx, id)
		if errors.Is(err, model.ErrBatchNotFound) {
			return id, nil, nil
		}
		if err != nil {
			return "", nil, fmt.Errorf("check batch %s: %w", id, err)
		}
		copied, err := m.remnant(ctx, rec, mig)
		if err != nil {
			return "", nil, err
		}
		if copied != nil {
			return id, copied, nil
		}
	}
	return "", nil, fmt.Errorf("no free batch id for legacy batch %d after %d attempts", mig.LegacyBatchID, maxIDAttempts)
}

func candidateID(mig Migration, attempt int) model.BatchID {
	switch attempt {
	case 0:
		return mig.Batch.ID
	case 1:
		return model.NewBatchID(fmt.Sprintf("legacy-%d", mig.LegacyBatchID))
	default:
		return model.NewBatchID(fmt.Sprintf("legacy-%d-%d", mig.LegacyBatchID, attempt))
	}
}

// remnant reports which legacy files an earlier run copied into rec. It
// returns nil when rec belongs to some other batch: a remnant has the same
// title and the same files, in order and stored internally.
func (m *Migrator) remnant(ctx context.Context, rec store.BatchRecord, mig Migration) ([]bool, error) {
	if rec.Title != mig.Batch.Title {
		return nil, nil
	}
	files, err := m.persistence.LoadFiles(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("check files of batch %s: %w", rec.ID, err)
	}
	if len(files) != len(mig.Batch.Files) {
		return nil, nil
	}
	copied := make([]bool, len(files))
	for i, f := range files {
		if f.PersistenceType != store.PersistenceInternal || f.URL != mig.Batch.Files[i].URL {
			return nil, nil
		}
		copied[i] = ioutils.FileExists(f.FilePath)
	}
	return copied, nil
}

// rebase rebuilds the item under id. Files kept in the directory named after
// the old id move to one named after the new id.
func rebase(mig Migration, id model.BatchID) (Migration, error) {
	b := model.NewBatch(mig.Batch.Root, id, mig.Batch.Title)
	for _, f := range mig.Batch.Files {
		sub := f.SubPath
		if sub == mig.Batch.ID.String() {
			sub = id.String()
		}
		b.DownloadFrom(f.URL).
			SaveTo(sub, f.FileName).
			WithIdentifier(f.ID.String()).
			WithSize(f.TotalSize).
			Apply()
	}
	batch, err := b.Build()
	if err != nil {
		return Migration{}, err
	}
	mig.Batch = batch
	return mig, nil
}

func (m *Migrator) copyFile(ctx context.Context, src, dst string) (int64, error) {
	buf := m.buffers.Get()
	defer m.buffers.Put(buf)
	return ioutils.CopyFile(ctx, src, dst, *buf)
}

// deleteLegacy removes the legacy row and the legacy files. Files whose copy
// failed are left on disk.
func (m *Migrator) deleteLegacy(ctx context.Context, logger zerolog.Logger, mig Migration, copied []bool) {
	logger.Debug().Int64("time_ns", time.Now().UnixNano()).Msg("about to delete legacy batch")
	if err := m.legacy.DeleteBatch(ctx, mig.LegacyBatchID); err != nil {
		logger.Error().
			Err(&model.MigrationItemError{LegacyID: mig.LegacyBatchID, Op: "delete row", Err: err}).
			Msg("legacy row not deleted")
	}
	for i, meta := range mig.Files {
		if !copied[i] {
			continue
		}
		if meta.OriginalLocation == "" {
			continue
		}
		if err := ioutils.RemoveFile(meta.OriginalLocation); err != nil {
			logger.Error().
				Err(&model.MigrationItemError{LegacyID: meta.LegacyID, URI: meta.URI, Op: "delete file", Err: err}).
				Msg("legacy file not deleted")
		}
	}
}

// NewFromLegacy wires a Migrator reading from a v1 database, with legacy
// files swept under filesDir and new files stored under root.
func NewFromLegacy(ls *legacy.Store, filesDir string, root model.StorageRoot,
	persistence store.Persistence, sink ProgressSink, logger zerolog.Logger, opts ...Option) *Migrator {
	child := logging.Component(logger, "migration")
	return New(
		NewLegacyExtractor(ls, root, child),
		NewLegacyUnlinkedDataRemover(ls, filesDir, child),
		ls,
		persistence,
		sink,
		logger,
		opts...,
	)
}
