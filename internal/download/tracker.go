package download

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/handiism/batch-downloader/internal/model"
)

// fileState is the in-memory progress of one file. Fields other than file
// and path are guarded by the owning batchState.mu.
type fileState struct {
	file model.BatchFile
	path string

	downloaded int64
	total      int64
	err        *model.DownloadError

	// discarded marks a file emptied on disk mid-run. Its offset drops to
	// zero once the batch leaves DOWNLOADING.
	discarded bool
}

func (f *fileState) complete() bool {
	return f.total > 0 && f.downloaded >= f.total
}

// batchState is the runtime view of one batch.
//
// Lock order is Manager.mu before batchState.mu. persistMu serializes status
// writes for the batch and is never taken while holding mu.
type batchState struct {
	batch     model.Batch
	createdAt time.Time

	persistMu sync.Mutex

	mu         sync.Mutex
	status     model.Status
	err        *model.DownloadError
	files      []*fileState
	userPaused bool
	gated      bool
	deleted    bool

	// notification throttle
	lastStatus  model.Status
	lastPercent int

	// worker bookkeeping
	running bool
	restart bool
	cancel  context.CancelFunc
	done    chan struct{}
	stop    atomic.Bool
}

func newBatchState(batch model.Batch, createdAt time.Time) *batchState {
	st := &batchState{
		batch:       batch,
		createdAt:   createdAt,
		status:      model.StatusQueued,
		files:       make([]*fileState, len(batch.Files)),
		lastPercent: -1,
	}
	for i, f := range batch.Files {
		st.files[i] = &fileState{
			file:  f,
			path:  batch.FilePath(f),
			total: f.TotalSize,
		}
	}
	return st
}

// halt asks the running worker to stop at its next read boundary. Callers
// hold st.mu.
func (st *batchState) halt() {
	st.stop.Store(true)
	st.restart = false
	if st.cancel != nil {
		st.cancel()
	}
}

// snapshot builds the caller-visible status. Callers hold st.mu.
func (st *batchState) snapshot() model.DownloadBatchStatus {
	s := model.DownloadBatchStatus{
		BatchID:   st.batch.ID,
		Title:     st.batch.Title,
		Status:    st.status,
		CreatedAt: st.createdAt,
	}
	for _, f := range st.files {
		s.BytesDownloaded += f.downloaded
		s.BytesTotalSize += max(f.total, f.downloaded)
		if f.total <= 0 && st.status != model.StatusDownloaded {
			s.SizeUnknown = true
		}
	}
	if st.status == model.StatusError && st.err != nil {
		e := *st.err
		s.Error = &e
	}
	return s
}

// fileSnapshot builds the status of one file. Callers hold st.mu.
func (st *batchState) fileSnapshot(f *fileState) model.DownloadFileStatus {
	s := model.DownloadFileStatus{
		BatchID:         st.batch.ID,
		FileID:          f.file.ID,
		URL:             f.file.URL,
		FileName:        f.file.FileName,
		FilePath:        f.path,
		BytesDownloaded: f.downloaded,
		TotalSize:       f.total,
		Status:          st.status,
	}
	switch {
	case f.complete():
		s.Status = model.StatusDownloaded
	case f.err != nil:
		s.Status = model.StatusError
		e := *f.err
		s.Error = &e
	case st.status == model.StatusDownloaded:
		// zero byte file of a finished batch
		s.Status = model.StatusDownloaded
	}
	return s
}

// changed reports whether the snapshot differs enough from the last
// delivered one to notify: a new status or a new whole percentage. Callers
// hold st.mu.
func (st *batchState) changed(s model.DownloadBatchStatus) (statusChanged, notify bool) {
	statusChanged = s.Status != st.lastStatus
	pct := s.Percentage()
	if !statusChanged && pct == st.lastPercent {
		return false, false
	}
	st.lastStatus = s.Status
	st.lastPercent = pct
	return statusChanged, true
}

// persistedStatus is the status written to the store. A pause caused by
// connection gating keeps QUEUED so the intent to download survives a
// restart. Callers hold st.mu.
func (st *batchState) persistedStatus() (model.Status, model.ErrorType) {
	switch {
	case st.status == model.StatusPaused && !st.userPaused:
		return model.StatusQueued, ""
	case st.status == model.StatusError && st.err != nil:
		return model.StatusError, st.err.Type
	default:
		return st.status, ""
	}
}

func (st *batchState) fileByID(id model.FileID) *fileState {
	for _, f := range st.files {
		if f.file.ID == id {
			return f
		}
	}
	return nil
}
