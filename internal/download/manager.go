package download

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/handiism/batch-downloader/internal/config"
	"github.com/handiism/batch-downloader/internal/http"
	ioutils "github.com/handiism/batch-downloader/internal/io"
	"github.com/handiism/batch-downloader/internal/logging"
	"github.com/handiism/batch-downloader/internal/metrics"
	"github.com/handiism/batch-downloader/internal/model"
	"github.com/handiism/batch-downloader/internal/store"
)

// ErrShutdown is returned by Download after Shutdown.
var ErrShutdown = errors.New("download manager is shut down")

// Manager is the command surface of the download engine. It owns the
// runtime state of every batch, persists every status change and schedules
// transfers on a bounded worker pool.
type Manager struct {
	settings     *config.Settings
	requester    http.Requester
	persistence  store.Persistence
	connectivity Connectivity
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	buffers    *ioutils.BufferPool
	batchSlots *semaphore.Weighted
	fileLimit  int
	checkpoint int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events *dispatcher

	mu      sync.Mutex
	batches map[model.BatchID]*batchState
	order   []model.BatchID
	allowed model.ConnectionType
	closed  bool

	cbMu      sync.RWMutex
	callbacks []callback
	nextCB    int
}

type callback struct {
	id int
	fn func(model.DownloadBatchStatus)
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records transfers and status changes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// New creates a Manager. A nil connectivity uses the static class from
// settings. Call Start (or Load) before issuing commands against persisted
// batches, and Shutdown when done.
func New(settings *config.Settings, requester http.Requester, persistence store.Persistence,
	connectivity Connectivity, logger zerolog.Logger, opts ...Option) *Manager {
	logger = logging.Component(logger, "download")

	allowed, err := settings.ConnectionType()
	if err != nil {
		logger.Warn().Err(err).Msg("invalid allowed connection type, allowing all")
		allowed = model.ConnectionAll
	}
	if connectivity == nil {
		connectivity = NewFixedConnectivity(settings.MeteredConnection)
	}
	checkpoint := settings.CheckpointBytes
	if checkpoint <= 0 {
		checkpoint = 1 << 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		settings:     settings,
		requester:    requester,
		persistence:  persistence,
		connectivity: connectivity,
		logger:       logger,
		buffers:      ioutils.NewBufferPool(settings.BufferSize),
		batchSlots:   semaphore.NewWeighted(int64(max(settings.MaxConcurrentBatches, 1))),
		fileLimit:    max(settings.MaxConcurrentFiles, 1),
		checkpoint:   checkpoint,
		ctx:          ctx,
		cancel:       cancel,
		batches:      make(map[model.BatchID]*batchState),
		allowed:      allowed,
	}
	m.events = newDispatcher(m.deliver)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load rehydrates persisted batches without touching the network. A batch
// persisted as DOWNLOADING was interrupted and is restored as QUEUED.
// Batches already known are left alone.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.persistence.LoadBatches(ctx)
	if err != nil {
		return fmt.Errorf("load batches: %w", err)
	}

	loaded := 0
	for _, rec := range records {
		m.mu.Lock()
		_, known := m.batches[rec.ID]
		m.mu.Unlock()
		if known {
			continue
		}

		files, err := m.persistence.LoadFiles(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("load files of batch %s: %w", rec.ID, err)
		}
		st := restoreBatch(rec, files)

		m.mu.Lock()
		if _, known := m.batches[rec.ID]; !known {
			m.batches[rec.ID] = st
			m.order = append(m.order, rec.ID)
			loaded++
		}
		m.mu.Unlock()
	}

	m.logger.Info().Int("batches", loaded).Msg("persisted batches loaded")
	return nil
}

func restoreBatch(rec store.BatchRecord, files []store.FileRecord) *batchState {
	batch := model.Batch{
		ID:    rec.ID,
		Title: rec.Title,
		Root:  model.DirRoot(rec.StorageRoot),
	}
	for _, f := range files {
		sub, err := filepath.Rel(rec.StorageRoot, filepath.Dir(f.FilePath))
		if err != nil {
			sub = ""
		}
		batch.Files = append(batch.Files, model.BatchFile{
			ID:        f.FileID,
			URL:       f.URL,
			SubPath:   sub,
			FileName:  f.FileName,
			TotalSize: f.TotalSize,
		})
	}

	st := newBatchState(batch, rec.CreatedAt)
	for i, f := range files {
		st.files[i].path = f.FilePath
		st.files[i].downloaded = f.BytesDownloaded
	}

	switch rec.Status {
	case model.StatusDownloading:
		st.status = model.StatusQueued
	case model.StatusPaused:
		st.status = model.StatusPaused
		st.userPaused = true
	case model.StatusError:
		st.status = model.StatusError
		st.err = &model.DownloadError{Type: rec.ErrorType}
	default:
		st.status = rec.Status
	}
	s := st.snapshot()
	st.lastStatus, st.lastPercent = s.Status, s.Percentage()
	return st
}

// Start loads persisted batches and schedules every QUEUED one.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Load(ctx); err != nil {
		return err
	}
	for _, st := range m.states() {
		m.schedule(st)
	}
	return nil
}

// Shutdown stops every worker at its next read boundary, waits for them and
// for pending notifications. Persisted statuses are left as they are so a
// later Start resumes the same work. Callbacks must not call Shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.events.close()
	m.logger.Info().Msg("download manager stopped")
}

// Download persists batch as QUEUED and schedules it.
func (m *Manager) Download(ctx context.Context, batch model.Batch) error {
	if batch.ID == "" || len(batch.Files) == 0 {
		return fmt.Errorf("%w: batch %q has no files", model.ErrInvalidBatch, batch.ID)
	}
	st := newBatchState(batch, time.Now())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	if _, exists := m.batches[batch.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrBatchExists, batch.ID)
	}
	m.batches[batch.ID] = st
	m.order = append(m.order, batch.ID)
	m.mu.Unlock()

	err := store.RunInTx(ctx, m.persistence, func(w store.Writer) error {
		if err := w.PersistBatch(ctx, store.BatchRecord{
			ID:          batch.ID,
			Title:       batch.Title,
			Status:      model.StatusQueued,
			StorageRoot: rootPath(batch),
			CreatedAt:   st.createdAt,
		}); err != nil {
			return err
		}
		for i, f := range batch.Files {
			if err := w.PersistFile(ctx, store.FileRecord{
				BatchID:         batch.ID,
				FileID:          f.ID,
				FileName:        f.FileName,
				FilePath:        batch.FilePath(f),
				TotalSize:       f.TotalSize,
				URL:             f.URL,
				PersistenceType: store.PersistenceExternal,
				Position:        i,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.forget(batch.ID)
		return fmt.Errorf("persist batch %s: %w", batch.ID, err)
	}

	m.logger.Info().
		Str("batch_id", batch.ID.String()).
		Str("title", batch.Title).
		Int("files", len(batch.Files)).
		Msg("batch queued")

	m.publish(st)
	m.schedule(st)
	return nil
}

// Pause stops the batch at its next read boundary and persists PAUSED.
// Bytes already written are kept.
func (m *Manager) Pause(ctx context.Context, id model.BatchID) error {
	st, err := m.lookup(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if err := model.CheckTransition(id, st.status, model.StatusPaused); err != nil {
		st.mu.Unlock()
		return err
	}
	st.userPaused = true
	st.gated = false
	st.status = model.StatusPaused
	st.halt()
	m.publishLocked(st)
	st.mu.Unlock()

	m.logger.Info().Str("batch_id", id.String()).Msg("batch paused")
	return m.persistStatus(ctx, st)
}

// Resume requeues a PAUSED batch, or an ERROR batch whose failure was a
// network error. Other failures return model.ErrResumeNotAllowed: delete and
// resubmit instead. Resuming a QUEUED or DOWNLOADING batch is a no-op.
func (m *Manager) Resume(ctx context.Context, id model.BatchID) error {
	st, err := m.lookup(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	switch st.status {
	case model.StatusPaused:
	case model.StatusError:
		if st.err == nil || st.err.Type != model.ErrorTypeNetwork {
			errType := model.ErrorTypeUnknown
			if st.err != nil {
				errType = st.err.Type
			}
			st.mu.Unlock()
			return fmt.Errorf("%w: batch %s failed with a %s error", model.ErrResumeNotAllowed, id, errType)
		}
	case model.StatusQueued, model.StatusDownloading:
		st.userPaused = false
		st.mu.Unlock()
		return nil
	default:
		from := st.status
		st.mu.Unlock()
		return &model.TransitionError{BatchID: id, From: from, To: model.StatusQueued}
	}
	st.userPaused = false
	st.gated = false
	st.err = nil
	for _, f := range st.files {
		f.err = nil
	}
	st.status = model.StatusQueued
	m.publishLocked(st)
	st.mu.Unlock()

	m.logger.Info().Str("batch_id", id.String()).Msg("batch resumed")
	if err := m.persistStatus(ctx, st); err != nil {
		return err
	}
	m.schedule(st)
	return nil
}

// Delete stops the batch, removes its records and every file it wrote. The
// batch disappears from queries before Delete returns.
func (m *Manager) Delete(ctx context.Context, id model.BatchID) error {
	st := m.forget(id)
	if st == nil {
		return fmt.Errorf("%w: %s", model.ErrBatchNotFound, id)
	}

	st.mu.Lock()
	st.deleted = true
	st.status = model.StatusDeleted
	st.halt()
	running, done := st.running, st.done
	m.publishLocked(st)
	st.mu.Unlock()

	if running {
		<-done
	}

	st.persistMu.Lock()
	err := store.RunInTx(ctx, m.persistence, func(w store.Writer) error {
		return w.Delete(ctx, id)
	})
	st.persistMu.Unlock()
	if err != nil {
		return fmt.Errorf("delete batch %s: %w", id, err)
	}

	root := rootPath(st.batch)
	var errs []error
	for _, f := range st.files {
		if err := ioutils.RemoveFile(f.path); err != nil {
			errs = append(errs, err)
		}
		ioutils.RemoveEmptyDirs(filepath.Dir(f.path), root)
	}

	m.logger.Info().Str("batch_id", id.String()).Msg("batch deleted")
	return errors.Join(errs...)
}

// UpdateAllowedConnectionType changes the connection policy and re-evaluates
// every batch.
func (m *Manager) UpdateAllowedConnectionType(ctx context.Context, t model.ConnectionType) error {
	m.mu.Lock()
	m.allowed = t
	m.mu.Unlock()

	m.logger.Info().Str("allowed", string(t)).Msg("allowed connection type updated")
	return m.reevaluate(ctx)
}

// AllowedConnectionType returns the current connection policy.
func (m *Manager) AllowedConnectionType() model.ConnectionType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowed
}

// ConnectivityChanged re-evaluates every batch against the current
// connectivity class.
func (m *Manager) ConnectivityChanged(ctx context.Context) error {
	return m.reevaluate(ctx)
}

// reevaluate pauses active batches the policy no longer allows and requeues
// batches it paused that are allowed again. Caller pauses are never undone.
func (m *Manager) reevaluate(ctx context.Context) error {
	m.mu.Lock()
	allowed := m.allowed.Allows(m.connectivity.IsMetered())
	m.mu.Unlock()

	var errs []error
	for _, st := range m.states() {
		if allowed {
			m.ungate(st)
			continue
		}
		if err := m.gate(ctx, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) gate(ctx context.Context, st *batchState) error {
	st.mu.Lock()
	if st.status != model.StatusQueued && st.status != model.StatusDownloading {
		st.mu.Unlock()
		return nil
	}
	st.gated = true
	st.status = model.StatusPaused
	st.halt()
	m.publishLocked(st)
	st.mu.Unlock()

	m.logger.Info().Str("batch_id", st.batch.ID.String()).Msg("batch paused by connection policy")
	return m.persistStatus(ctx, st)
}

func (m *Manager) ungate(st *batchState) {
	st.mu.Lock()
	if !st.gated || st.userPaused || st.status != model.StatusPaused {
		st.mu.Unlock()
		return
	}
	st.gated = false
	st.status = model.StatusQueued
	m.publishLocked(st)
	st.mu.Unlock()

	m.logger.Info().Str("batch_id", st.batch.ID.String()).Msg("batch allowed by connection policy")
	m.schedule(st)
}

// GetDownloadBatchStatus returns a fresh snapshot of one batch.
func (m *Manager) GetDownloadBatchStatus(id model.BatchID) (model.DownloadBatchStatus, error) {
	st, err := m.lookup(id)
	if err != nil {
		return model.DownloadBatchStatus{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), nil
}

// GetAllDownloadBatchStatuses returns a snapshot of every batch in
// submission order.
func (m *Manager) GetAllDownloadBatchStatuses() []model.DownloadBatchStatus {
	states := m.states()
	out := make([]model.DownloadBatchStatus, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.snapshot())
		st.mu.Unlock()
	}
	return out
}

// GetDownloadFileStatus returns a snapshot of one file.
func (m *Manager) GetDownloadFileStatus(batchID model.BatchID, fileID model.FileID) (model.DownloadFileStatus, error) {
	st, err := m.lookup(batchID)
	if err != nil {
		return model.DownloadFileStatus{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	f := st.fileByID(fileID)
	if f == nil {
		return model.DownloadFileStatus{}, fmt.Errorf("%w: %s/%s", model.ErrFileNotFound, batchID, fileID)
	}
	return st.fileSnapshot(f), nil
}

// GetDownloadFileStatuses returns a snapshot of every file of a batch.
func (m *Manager) GetDownloadFileStatuses(batchID model.BatchID) ([]model.DownloadFileStatus, error) {
	st, err := m.lookup(batchID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]model.DownloadFileStatus, len(st.files))
	for i, f := range st.files {
		out[i] = st.fileSnapshot(f)
	}
	return out, nil
}

// AddCallback registers fn for status changes: a new status or a new whole
// percentage. Callbacks run on one dispatch goroutine in change order.
func (m *Manager) AddCallback(fn func(model.DownloadBatchStatus)) (remove func()) {
	m.cbMu.Lock()
	id := m.nextCB
	m.nextCB++
	m.callbacks = append(m.callbacks, callback{id: id, fn: fn})
	m.cbMu.Unlock()

	return func() {
		m.cbMu.Lock()
		defer m.cbMu.Unlock()
		m.callbacks = slices.DeleteFunc(m.callbacks, func(c callback) bool { return c.id == id })
	}
}

func (m *Manager) deliver(s model.DownloadBatchStatus) {
	m.cbMu.RLock()
	callbacks := slices.Clone(m.callbacks)
	m.cbMu.RUnlock()
	for _, c := range callbacks {
		c.fn(s)
	}
}

func (m *Manager) publish(st *batchState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	m.publishLocked(st)
}

// publishLocked queues a snapshot when it changed. Callers hold st.mu.
func (m *Manager) publishLocked(st *batchState) {
	s := st.snapshot()
	statusChanged, notify := st.changed(s)
	if !notify {
		return
	}
	if statusChanged {
		m.metrics.ObserveStatus(string(s.Status))
	}
	m.events.push(s)
}

// persistStatus writes the current status of st. Writes for one batch are
// serialized and always carry the latest status.
func (m *Manager) persistStatus(ctx context.Context, st *batchState) error {
	st.persistMu.Lock()
	defer st.persistMu.Unlock()

	st.mu.Lock()
	if st.deleted {
		st.mu.Unlock()
		return nil
	}
	status, errType := st.persistedStatus()
	st.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	err := store.RunInTx(ctx, m.persistence, func(w store.Writer) error {
		return w.UpdateBatchStatus(ctx, st.batch.ID, status, errType)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("batch_id", st.batch.ID.String()).Msg("persisting batch status failed")
		return fmt.Errorf("persist status of batch %s: %w", st.batch.ID, err)
	}
	return nil
}

func (m *Manager) lookup(id model.BatchID) (*batchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrBatchNotFound, id)
	}
	return st, nil
}

func (m *Manager) forget(id model.BatchID) *batchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.batches[id]
	if !ok {
		return nil
	}
	delete(m.batches, id)
	m.order = slices.DeleteFunc(m.order, func(other model.BatchID) bool { return other == id })
	return st
}

func (m *Manager) states() []*batchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*batchState, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.batches[id])
	}
	return out
}

func rootPath(batch model.Batch) string {
	if batch.Root == nil {
		return ""
	}
	return batch.Root.Path()
}
