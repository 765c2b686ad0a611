package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/handiism/batch-downloader/internal/http"
	ioutils "github.com/handiism/batch-downloader/internal/io"
	"github.com/handiism/batch-downloader/internal/model"
	"github.com/handiism/batch-downloader/internal/store"
)

// schedule starts a worker for a QUEUED batch, or marks the running worker
// to restart once it has drained. A batch the connection policy disallows is
// shown as PAUSED instead.
func (m *Manager) schedule(st *batchState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	allowed := m.allowed.Allows(m.connectivity.IsMetered())

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted || st.status != model.StatusQueued {
		return
	}
	if st.running {
		st.restart = true
		return
	}
	if !allowed {
		st.gated = true
		st.status = model.StatusPaused
		m.publishLocked(st)
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	st.running = true
	st.restart = false
	st.stop.Store(false)
	st.cancel = cancel
	st.done = make(chan struct{})

	m.wg.Add(1)
	go m.run(ctx, st)
}

func (m *Manager) run(ctx context.Context, st *batchState) {
	defer m.wg.Done()
	err := m.runBatch(ctx, st)
	m.finish(ctx, st, err)
}

// finish records the outcome of a worker run. A stopped run (pause, delete,
// connection gating) or a shutdown leaves the status as the stopper set it.
func (m *Manager) finish(ctx context.Context, st *batchState, err error) {
	shutdown := m.ctx.Err() != nil

	st.mu.Lock()
	changed := false
	switch {
	case st.deleted || st.stop.Load() || shutdown:
	case err != nil:
		st.status = model.StatusError
		st.err = model.NewDownloadError(err)
		changed = true
		m.logger.Error().
			Err(err).
			Str("batch_id", st.batch.ID.String()).
			Str("error_type", string(st.err.Type)).
			Msg("batch failed")
	case st.status == model.StatusDownloading:
		st.status = model.StatusDownloaded
		changed = true
		m.logger.Info().Str("batch_id", st.batch.ID.String()).Msg("batch downloaded")
	}
	if st.status != model.StatusDownloading {
		for _, f := range st.files {
			if f.discarded {
				f.downloaded, f.discarded = 0, false
			}
		}
	}
	if changed {
		m.publishLocked(st)
	}
	st.mu.Unlock()

	if changed {
		_ = m.persistStatus(ctx, st)
	}

	st.mu.Lock()
	st.running = false
	st.cancel()
	st.cancel = nil
	restart := st.restart && !st.deleted
	st.restart = false
	done := st.done
	st.mu.Unlock()
	close(done)

	if restart {
		m.schedule(st)
	}
}

func (m *Manager) runBatch(ctx context.Context, st *batchState) error {
	if err := m.batchSlots.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer m.batchSlots.Release(1)

	if st.stop.Load() {
		return nil
	}
	if err := m.verifyOffsets(ctx, st); err != nil {
		return err
	}

	st.mu.Lock()
	if st.stop.Load() || st.status != model.StatusQueued {
		st.mu.Unlock()
		return nil
	}
	st.status = model.StatusDownloading
	m.publishLocked(st)
	st.mu.Unlock()

	if err := m.persistStatus(ctx, st); err != nil {
		return err
	}

	m.sizeFiles(ctx, st)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fileLimit)
	for _, f := range st.files {
		g.Go(func() error {
			return m.downloadFile(gctx, st, f)
		})
	}
	return g.Wait()
}

// verifyOffsets compares every file on disk with its persisted offset while
// the batch is still QUEUED. A file that does not match restarts from zero,
// so the byte count never falls once DOWNLOADING is published.
func (m *Manager) verifyOffsets(ctx context.Context, st *batchState) error {
	for _, f := range st.files {
		st.mu.Lock()
		persisted, total := f.downloaded, f.total
		f.discarded = false
		st.mu.Unlock()

		size, err := ioutils.FileSize(f.path)
		if err != nil {
			return err
		}
		if size == persisted && (total <= 0 || size <= total) {
			continue
		}
		m.logger.Warn().
			Err(&model.StorageError{Op: "resume", Path: f.path, Err: model.ErrOffsetMismatch}).
			Str("batch_id", st.batch.ID.String()).
			Str("file_id", f.file.ID.String()).
			Int64("on_disk", size).
			Int64("persisted", persisted).
			Msg("restarting file from zero")
		if err := m.restartFile(ctx, st, f); err != nil {
			return err
		}
	}
	return nil
}

// sizeFiles asks the server for the size of every file whose size is not
// known yet. Failures are ignored: the GET response is used instead.
func (m *Manager) sizeFiles(ctx context.Context, st *batchState) {
	for _, f := range st.files {
		if st.stop.Load() {
			return
		}
		st.mu.Lock()
		known := f.total > 0
		st.mu.Unlock()
		if known {
			continue
		}

		size, err := m.requester.GetFileSize(ctx, f.file.URL)
		if err != nil || size <= 0 {
			m.logger.Debug().Err(err).Str("url", f.file.URL).Msg("size unknown before transfer")
			continue
		}

		st.mu.Lock()
		f.total = size
		m.publishLocked(st)
		st.mu.Unlock()
		if err := m.persistProgress(ctx, st, f); err != nil {
			m.logger.Warn().Err(err).Str("file_id", f.file.ID.String()).Msg("persisting file size failed")
		}
	}
}

// downloadFile streams one file from its persisted offset to the end. It
// returns nil when the file completed or the batch was stopped.
func (m *Manager) downloadFile(ctx context.Context, st *batchState, f *fileState) error {
	logger := m.logger.With().
		Str("batch_id", st.batch.ID.String()).
		Str("file_id", f.file.ID.String()).
		Logger()

	st.mu.Lock()
	persisted, total := f.downloaded, f.total
	f.err = nil
	st.mu.Unlock()

	fp := ioutils.NewFilePersistence()
	size, err := fp.Create(f.path, max(total, 0))
	if err != nil {
		return m.failFile(ctx, logger, st, f, err)
	}
	defer fp.Close()

	offset := size
	if size != persisted {
		return m.failFile(ctx, logger, st, f, &model.StorageError{Op: "resume", Path: f.path, Err: model.ErrOffsetMismatch})
	}
	if total > 0 && offset == total {
		return nil
	}
	if st.stop.Load() {
		return nil
	}

	resp, err := m.requester.Request(ctx, f.file.URL, offset)
	if err != nil {
		return m.failFile(ctx, logger, st, f, err)
	}
	defer resp.CloseByteStream()

	if !resp.IsSuccessful() {
		return m.failFile(ctx, logger, st, f, &model.NetworkError{
			URL:  f.file.URL,
			Code: resp.Code(),
			Err:  fmt.Errorf("unexpected status %d", resp.Code()),
		})
	}
	if offset > 0 && resp.Code() != nethttp.StatusPartialContent {
		// The body starts at zero; appending it would corrupt the file.
		if err := m.discardFile(ctx, st, f, fp); err != nil {
			return m.failFile(ctx, logger, st, f, err)
		}
		return m.failFile(ctx, logger, st, f, &model.NetworkError{
			URL:  f.file.URL,
			Code: resp.Code(),
			Err:  model.ErrPartialContentUnsupported,
		})
	}
	if total <= 0 {
		if t := http.TotalSize(resp, offset); t > 0 {
			total = t
			fp.SetTotalSize(t)
			st.mu.Lock()
			f.total = t
			m.publishLocked(st)
			st.mu.Unlock()
		}
	}

	stream, err := resp.OpenByteStream()
	if err != nil {
		return m.failFile(ctx, logger, st, f, err)
	}

	m.metrics.TransferStarted()
	defer m.metrics.TransferFinished()

	buf := m.buffers.Get()
	defer m.buffers.Put(buf)

	var (
		loopErr         error
		eof             bool
		sinceCheckpoint int64
	)
	for !st.stop.Load() {
		n, rerr := stream.Read(*buf)
		if n > 0 {
			if werr := fp.Write(*buf, 0, n); werr != nil {
				loopErr = werr
				break
			}
			offset += int64(n)
			m.metrics.AddBytes(n)

			st.mu.Lock()
			f.downloaded = offset
			m.publishLocked(st)
			st.mu.Unlock()

			sinceCheckpoint += int64(n)
			if sinceCheckpoint >= m.checkpoint {
				sinceCheckpoint = 0
				if err := m.persistProgress(ctx, st, f); err != nil {
					logger.Warn().Err(err).Msg("checkpoint failed")
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			eof = true
			break
		}
		if rerr != nil {
			loopErr = rerr
			break
		}
	}

	closeErr := fp.Close()
	if eof && loopErr == nil && closeErr == nil && total <= 0 {
		st.mu.Lock()
		f.total = offset
		st.mu.Unlock()
	}
	if err := m.persistProgress(ctx, st, f); err != nil {
		logger.Error().Err(err).Int64("offset", offset).Msg("persisting file progress failed")
	}

	switch {
	case loopErr != nil:
		return m.failFile(ctx, logger, st, f, loopErr)
	case closeErr != nil:
		return m.failFile(ctx, logger, st, f, closeErr)
	case !eof:
		logger.Debug().Int64("offset", offset).Msg("transfer stopped")
		return nil
	case total > 0 && offset < total:
		return m.failFile(ctx, logger, st, f, &model.NetworkError{URL: f.file.URL, Err: io.ErrUnexpectedEOF})
	}

	logger.Debug().Int64("bytes", offset).Msg("file downloaded")
	return nil
}

// restartFile empties the file on disk and persists a zero offset. The batch
// is not DOWNLOADING yet, so the lower count may be published.
func (m *Manager) restartFile(ctx context.Context, st *batchState, f *fileState) error {
	fp := ioutils.NewFilePersistence()
	if _, err := fp.Create(f.path, 0); err != nil {
		return err
	}
	if err := errors.Join(fp.Truncate(), fp.Close()); err != nil {
		return err
	}
	st.mu.Lock()
	f.downloaded = 0
	m.publishLocked(st)
	st.mu.Unlock()
	return m.persistProgress(ctx, st, f)
}

// discardFile empties a file mid-run. The store gets the zero offset at once
// while the in-memory count holds until finish moves the batch on.
func (m *Manager) discardFile(ctx context.Context, st *batchState, f *fileState, fp *ioutils.FilePersistence) error {
	if err := fp.Truncate(); err != nil {
		return err
	}
	st.mu.Lock()
	f.discarded = true
	total := f.total
	st.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	return store.RunInTx(ctx, m.persistence, func(w store.Writer) error {
		return w.UpdateFileProgress(ctx, st.batch.ID, f.file.ID, 0, total)
	})
}

// failFile records err on the file unless the transfer was only cancelled
// because the batch stopped or a sibling file failed.
func (m *Manager) failFile(ctx context.Context, logger zerolog.Logger, st *batchState, f *fileState, err error) error {
	if st.stop.Load() || ctx.Err() != nil {
		return err
	}
	st.mu.Lock()
	f.err = model.NewDownloadError(err)
	st.mu.Unlock()
	logger.Error().Err(err).Str("url", f.file.URL).Msg("file transfer failed")
	return err
}

// persistProgress checkpoints the offset and size of one file. It runs even
// when ctx is cancelled so the last written offset is never lost.
func (m *Manager) persistProgress(ctx context.Context, st *batchState, f *fileState) error {
	st.mu.Lock()
	downloaded, total := f.downloaded, f.total
	st.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	return store.RunInTx(ctx, m.persistence, func(w store.Writer) error {
		return w.UpdateFileProgress(ctx, st.batch.ID, f.file.ID, downloaded, total)
	})
}
