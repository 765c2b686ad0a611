package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/handiism/batch-downloader/internal/config"
	"github.com/handiism/batch-downloader/internal/http"
	"github.com/handiism/batch-downloader/internal/model"
	"github.com/handiism/batch-downloader/internal/store"
)

// fakeServer serves in-memory files through the Requester interface.
type fakeServer struct {
	mu       sync.Mutex
	files    map[string][]byte
	noRange  bool
	unsized  map[string]bool
	status   map[string]int
	holdAt   map[string]int64
	release  chan struct{}
	requests []fakeRequest
}

type fakeRequest struct {
	url    string
	offset int64
}

func newFakeServer(t *testing.T) *fakeServer {
	s := &fakeServer{
		files:   make(map[string][]byte),
		unsized: make(map[string]bool),
		status:  make(map[string]int),
		holdAt:  make(map[string]int64),
		release: make(chan struct{}),
	}
	t.Cleanup(func() { close(s.release) })
	return s
}

func (s *fakeServer) add(url string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[url] = data
}

// hold blocks the next transfer of url once it reaches offset, until the
// request is cancelled.
func (s *fakeServer) hold(url string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdAt[url] = offset
}

func (s *fakeServer) setNoRange(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noRange = v
}

// setUnsized hides the size of url: no HEAD size, no Content-Length and an
// open ended Content-Range.
func (s *fakeServer) setUnsized(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsized[url] = true
}

func (s *fakeServer) requestsFor(url string) []fakeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fakeRequest
	for _, r := range s.requests {
		if r.url == url {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeServer) Request(ctx context.Context, url string, offset int64) (http.NetworkResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, fakeRequest{url: url, offset: offset})

	if code, ok := s.status[url]; ok {
		return &fakeResponse{code: code, body: bytes.NewReader(nil), length: 0}, nil
	}
	data, ok := s.files[url]
	if !ok {
		return &fakeResponse{code: nethttp.StatusNotFound, body: bytes.NewReader(nil), length: 0}, nil
	}

	body := &fakeBody{ctx: ctx, data: data, pos: int(offset), chunk: 700, release: s.release, holdAt: -1}
	if at, ok := s.holdAt[url]; ok {
		body.holdAt = int(at)
		delete(s.holdAt, url)
	}

	resp := &fakeResponse{code: nethttp.StatusOK, header: map[string]string{}, body: body}
	if offset > 0 && !s.noRange {
		resp.code = nethttp.StatusPartialContent
		resp.header["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", offset, len(data)-1, len(data))
		resp.length = int64(len(data)) - offset
	} else {
		body.pos = 0
		resp.length = int64(len(data))
	}
	if s.unsized[url] {
		resp.length = -1
		if resp.code == nethttp.StatusPartialContent {
			resp.header["Content-Range"] = fmt.Sprintf("bytes %d-%d/*", offset, len(data)-1)
		}
	}
	return resp, nil
}

func (s *fakeServer) GetFileSize(_ context.Context, url string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[url]
	if !ok {
		return 0, errors.New("not found")
	}
	if s.unsized[url] {
		return 0, errors.New("no content length")
	}
	return int64(len(data)), nil
}

type fakeResponse struct {
	code   int
	header map[string]string
	body   io.Reader
	length int64
}

func (r *fakeResponse) Code() int          { return r.code }
func (r *fakeResponse) IsSuccessful() bool { return r.code >= 200 && r.code < 300 }
func (r *fakeResponse) Header(name, def string) string {
	if v, ok := r.header[name]; ok {
		return v
	}
	return def
}
func (r *fakeResponse) OpenByteStream() (io.Reader, error) { return r.body, nil }
func (r *fakeResponse) CloseByteStream() error             { return nil }
func (r *fakeResponse) BodyContentLength() int64           { return r.length }

type fakeBody struct {
	ctx     context.Context
	data    []byte
	pos     int
	chunk   int
	holdAt  int
	release chan struct{}
}

func (b *fakeBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	if b.holdAt >= 0 && b.pos >= b.holdAt {
		select {
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		case <-b.release:
			b.holdAt = -1
		}
	}
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := min(len(p), b.chunk, len(b.data)-b.pos)
	if b.holdAt >= 0 {
		n = min(n, b.holdAt-b.pos)
	}
	copy(p, b.data[b.pos:b.pos+n])
	b.pos += n
	return n, nil
}

type harness struct {
	t       *testing.T
	manager *Manager
	store   *store.SQLite
	server  *fakeServer
	conn    *FixedConnectivity
	root    model.DirRoot
	dbPath  string

	mu       sync.Mutex
	statuses []model.DownloadBatchStatus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:      t,
		server: newFakeServer(t),
		conn:   NewFixedConnectivity(false),
		root:   model.DirRoot(filepath.Join(dir, "downloads")),
		dbPath: filepath.Join(dir, "downloads.db"),
	}
	h.openStore()
	h.start()
	return h
}

func (h *harness) openStore() {
	h.t.Helper()
	s, err := store.OpenSQLite(context.Background(), h.dbPath, zerolog.Nop())
	if err != nil {
		h.t.Fatalf("OpenSQLite() error = %v", err)
	}
	h.t.Cleanup(func() { s.Close() })
	h.store = s
}

func testSettings() *config.Settings {
	s := config.DefaultSettings()
	s.BufferSize = 1000
	s.CheckpointBytes = 1000
	s.MaxConcurrentBatches = 2
	s.MaxConcurrentFiles = 2
	s.AllowedConnection = "all"
	return s
}

func (h *harness) start() {
	h.t.Helper()
	h.manager = New(testSettings(), h.server, h.store, h.conn, zerolog.Nop())
	h.manager.AddCallback(func(s model.DownloadBatchStatus) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.statuses = append(h.statuses, s)
	})
	h.t.Cleanup(h.manager.Shutdown)
	if err := h.manager.Start(context.Background()); err != nil {
		h.t.Fatalf("Start() error = %v", err)
	}
}

func (h *harness) delivered() []model.DownloadBatchStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.DownloadBatchStatus(nil), h.statuses...)
}

func (h *harness) batch(id string, urls ...string) model.Batch {
	h.t.Helper()
	b := model.NewBatch(h.root, model.NewBatchID(id), "Made in chelsea")
	for _, u := range urls {
		b.DownloadFrom(u).Apply()
	}
	batch, err := b.Build()
	if err != nil {
		h.t.Fatalf("Build() error = %v", err)
	}
	return batch
}

func (h *harness) waitFor(id model.BatchID, what string, cond func(model.DownloadBatchStatus) bool) model.DownloadBatchStatus {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := h.manager.GetDownloadBatchStatus(id)
		if err == nil && cond(s) {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	s, err := h.manager.GetDownloadBatchStatus(id)
	h.t.Fatalf("timed out waiting for %s: status = %+v, err = %v", what, s, err)
	return s
}

func (h *harness) waitStatus(id model.BatchID, want model.Status) model.DownloadBatchStatus {
	h.t.Helper()
	return h.waitFor(id, string(want), func(s model.DownloadBatchStatus) bool { return s.Status == want })
}

func (h *harness) waitIdle(id model.BatchID) {
	h.t.Helper()
	st, err := h.manager.lookup(id)
	if err != nil {
		return
	}
	st.mu.Lock()
	running, done := st.running, st.done
	st.mu.Unlock()
	if !running {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("worker did not stop")
	}
}

func (h *harness) fileRecord(id model.BatchID, i int) store.FileRecord {
	h.t.Helper()
	files, err := h.store.LoadFiles(context.Background(), id)
	if err != nil {
		h.t.Fatalf("LoadFiles() error = %v", err)
	}
	return files[i]
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

// assertNeverFalls checks that no DOWNLOADING snapshot reports fewer bytes
// than an earlier one and that the count stays within the total.
func assertNeverFalls(t *testing.T, statuses []model.DownloadBatchStatus) {
	t.Helper()
	var last int64 = -1
	for _, s := range statuses {
		if s.BytesDownloaded > s.BytesTotalSize {
			t.Errorf("bytes downloaded %d exceeds total %d", s.BytesDownloaded, s.BytesTotalSize)
		}
		if s.Status != model.StatusDownloading {
			continue
		}
		if s.BytesDownloaded < last {
			t.Errorf("bytes downloaded went back from %d to %d", last, s.BytesDownloaded)
		}
		last = s.BytesDownloaded
	}
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: got %d bytes, want %d bytes with matching content", path, len(got), len(want))
	}
}

func TestManager_DownloadCompletes(t *testing.T) {
	h := newHarness(t)
	a, b := payload(10_000, 1), payload(5_000, 7)
	h.server.add("http://example.com/10MB.zip", a)
	h.server.add("http://example.com/5MB.zip", b)

	batch := h.batch("b1", "http://example.com/10MB.zip", "http://example.com/5MB.zip")
	if err := h.manager.Download(context.Background(), batch); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	s := h.waitStatus(batch.ID, model.StatusDownloaded)
	if s.BytesDownloaded != 15_000 || s.BytesTotalSize != 15_000 || s.Percentage() != 100 {
		t.Errorf("final status = %+v", s)
	}
	assertFile(t, batch.FilePath(batch.Files[0]), a)
	assertFile(t, batch.FilePath(batch.Files[1]), b)

	rec, err := h.store.LoadBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.StatusDownloaded {
		t.Errorf("persisted status = %s", rec.Status)
	}
	for i, want := range []int64{10_000, 5_000} {
		f := h.fileRecord(batch.ID, i)
		if f.BytesDownloaded != want || f.TotalSize != want || f.PersistenceType != store.PersistenceExternal {
			t.Errorf("file record %d = %+v", i, f)
		}
	}

	fs, err := h.manager.GetDownloadFileStatus(batch.ID, batch.Files[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if fs.Status != model.StatusDownloaded || fs.BytesDownloaded != 5_000 {
		t.Errorf("file status = %+v", fs)
	}
}

func TestManager_StatusSequence(t *testing.T) {
	h := newHarness(t)
	h.server.add("http://example.com/a", payload(8_000, 1))
	h.server.add("http://example.com/b", payload(3_500, 2))

	batch := h.batch("b1", "http://example.com/a", "http://example.com/b")
	if err := h.manager.Download(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(batch.ID, model.StatusDownloaded)
	h.manager.Shutdown()

	assertNeverFalls(t, h.delivered())

	var seen []model.Status
	for _, s := range h.delivered() {
		if len(seen) == 0 || seen[len(seen)-1] != s.Status {
			seen = append(seen, s.Status)
		}
	}
	want := []model.Status{model.StatusQueued, model.StatusDownloading, model.StatusDownloaded}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("status sequence = %v, want %v", seen, want)
	}
}

func TestManager_PauseResumeKeepsOffset(t *testing.T) {
	h := newHarness(t)
	const url = "http://example.com/10MB.zip"
	data := payload(10_000, 3)
	h.server.add(url, data)
	h.server.hold(url, 4_200)

	batch := h.batch("b1", url)
	if err := h.manager.Download(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	h.waitFor(batch.ID, "4200 bytes", func(s model.DownloadBatchStatus) bool { return s.BytesDownloaded == 4_200 })

	if err := h.manager.Pause(context.Background(), batch.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	h.waitIdle(batch.ID)

	s, _ := h.manager.GetDownloadBatchStatus(batch.ID)
	if s.Status != model.StatusPaused || s.BytesDownloaded != 4_200 {
		t.Fatalf("paused status = %+v", s)
	}
	if f := h.fileRecord(batch.ID, 0); f.BytesDownloaded != 4_200 {
		t.Fatalf("persisted offset = %d, want 4200", f.BytesDownloaded)
	}
	if rec, _ := h.store.LoadBatch(context.Background(), batch.ID); rec.Status != model.StatusPaused {
		t.Errorf("persisted status = %s, want PAUSED", rec.Status)
	}
	if info, err := os.Stat(batch.FilePath(batch.Files[0])); err != nil || info.Size() != 4_200 {
		t.Fatalf("file on disk after pause: %v, %v", info, err)
	}

	if err := h.manager.Resume(context.Background(), batch.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	h.waitStatus(batch.ID, model.StatusDownloaded)

	reqs := h.server.requestsFor(url)
	if len(reqs) != 2 || reqs[0].offset != 0 || reqs[1].offset != 4_200 {
		t.Errorf("requests = %+v, want offsets 0 then 4200", reqs)
	}
	assertFile(t, batch.FilePath(batch.Files[0]), data)
}

func TestManager_Delete(t *testing.T) {
	h := newHarness(t)
	const url = "http://example.com/file.bin"
	h.server.add(url, payload(6_000, 4))
	h.server.hold(url, 2_100)

	batch := h.batch("b1", url)
	if err := h.manager.Download(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	h.waitFor(batch.ID, "2100 bytes", func(s model.DownloadBatchStatus) bool { return s.BytesDownloaded == 2_100 })

	if err := h.manager.Delete(context.Background(), batch.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := h.manager.GetDownloadBatchStatus(batch.ID); !errors.Is(err, model.ErrBatchNotFound) {
		t.Errorf("GetDownloadBatchStatus() error = %v, want ErrBatchNotFound", err)
	}
	if all := h.manager.GetAllDownloadBatchStatuses(); len(all) != 0 {
		t.Errorf("all statuses = %+v, want none", all)
	}
	if _, err := h.store.LoadBatch(context.Background(), batch.ID); !errors.Is(err, model.ErrBatchNotFound) {
		t.Errorf("persisted batch still present: %v", err)
	}
	if _, err := os.Stat(batch.FilePath(batch.Files[0])); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.root.Path(), "b1")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("batch directory still on disk: %v", err)
	}
	if err := h.manager.Delete(context.Background(), batch.ID); !errors.Is(err, model.ErrBatchNotFound) {
		t.Errorf("second Delete() error = %v, want ErrBatchNotFound", err)
	}
}

func TestManager_ConnectionGating(t *testing.T) {
	h := newHarness(t)
	h.conn.SetMetered(true)
	const url = "http://example.com/big.bin"
	data := payload(9_000, 5)
	h.server.add(url, data)
	h.server.hold(url, 3_500)

	batch := h.batch("b1", url)
	if err := h.manager.Download(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	h.waitFor(batch.ID, "3500 bytes", func(s model.DownloadBatchStatus) bool { return s.BytesDownloaded == 3_500 })

	if err := h.manager.UpdateAllowedConnectionType(context.Background(), model.ConnectionUnmetered); err != nil {
		t.Fatalf("UpdateAllowedConnectionType() error = %v", err)
	}
	h.waitIdle(batch.ID)

	s, _ := h.manager.GetDownloadBatchStatus(batch.ID)
	if s.Status != model.StatusPaused || s.BytesDownloaded != 3_500 {
		t.Fatalf("gated status = %+v", s)
	}
	if rec, _ := h.store.LoadBatch(context.Background(), batch.ID); rec.Status != model.StatusQueued {
		t.Errorf("persisted status = %s, want QUEUED", rec.Status)
	}

	h.conn.SetMetered(false)
	if err := h.manager.ConnectivityChanged(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(batch.ID, model.StatusDownloaded)
	assertFile(t, batch.FilePath(batch.Files[0]), data)

	reqs := h.server.requestsFor(url)
	if last := reqs[len(reqs)-1]; last.offset != 3_500 {
		t.Errorf("resumed at offset %d, want 3500", last.offset)
	}
}

func TestManager_GatingKeepsCallerPause(t *testing.T) {
	h := newHarness(t)
	h.conn.SetMetered(true)
	if err := h.manager.UpdateAllowedConnectionType(context.Background(), model.ConnectionUnmetered); err != nil {
		t.Fatal(err)
	}
	h.server.add("http://example.com/x", payload(100, 1))

	batch := h.batch("b1", "http://example.com/x")
	if err := h.manager.Download(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(batch.ID, model.StatusPaused)
	if err := h.manager.Pause(context.Background(), batch.ID); err != nil {
		t.Fatal(err)
	}

	h.conn.SetMetered(false)
	if err := h.manager.ConnectivityChanged(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if s, _ := h.manager.GetDownloadBatchStatus(batch.ID); s.Status != model.StatusPaused {
		t.Errorf("status = %s, want PAUSED after caller pause", s.Status)
	}
	if len(h.server.requestsFor("http://example.com/x")) != 0 {
		t.Error("gated batch issued a request")
	}
}

func TestManager_ResumeRules(t *testing.T) {
	t.Run("network error can resume", func(t *testing.T) {
		h := newHarness(t)
		const url = "http://example.com/missing"
		batch := h.batch("b1", url)
		if err := h.manager.Download(context.Background(), batch); err != nil {
			t.Fatal(err)
		}
		s := h.waitStatus(batch.ID, model.StatusError)
		if s.Error == nil || s.Error.Type != model.ErrorTypeNetwork {
			t.Fatalf("error = %+v, want NETWORK", s.Error)
		}
		if rec, _ := h.store.LoadBatch(context.Background(), batch.ID); rec.ErrorType != model.ErrorTypeNetwork {
			t.Errorf("persisted error type = %q", rec.ErrorType)
		}

		h.server.add(url, payload(1_500, 9))
		if err := h.manager.Resume(context.Background(), batch.ID); err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
		h.waitStatus(batch.ID, model.StatusDownloaded)
	})

	t.Run("storage error cannot resume", func(t *testing.T) {
		h := newHarness(t)
		const url = "http://example.com/blocked"
		h.server.add(url, payload(100, 1))
		batch := h.batch("b1", url)
		// a directory where the file should go
		if err := os.MkdirAll(batch.FilePath(batch.Files[0]), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := h.manager.Download(context.Background(), batch); err != nil {
			t.Fatal(err)
		}
		s := h.waitStatus(batch.ID, model.StatusError)
		if s.Error == nil || s.Error.Type != model.ErrorTypeStorage {
			t.Fatalf("error = %+v, want STORAGE", s.Error)
		}
		if err := h.manager.Resume(context.Background(), batch.ID); !errors.Is(err, model.ErrResumeNotAllowed) {
			t.Errorf("Resume() error = %v, want ErrResumeNotAllowed", err)
		}
	})

	t.Run("downloaded batch cannot pause", func(t *testing.T) {
		h := newHarness(t)
		h.server.add("http://example.com/x", payload(10, 1))
		batch := h.batch("b1", "http://example.com/x")
		if err := h.manager.Download(context.Background(), batch); err != nil {
			t.Fatal(err)
		}
		h.waitStatus(batch.ID, model.StatusDownloaded)

		var te *model.TransitionError
		if err := h.manager.Pause(context.Background(), batch.ID); !errors.As(err, &te) {
			t.Errorf("Pause() error = %v, want TransitionError", err)
		}
		if err := h.manager.Resume(context.Background(), batch.ID); !errors.As(err, &te) {
			t.Errorf("Resume() error = %v, want TransitionError", err)
		}
	})
}

func TestManager_DownloadRejectsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.server.add("http://example.com/x", payload(10, 1))
	batch := h.batch("b1", "http://example.com/x")
	if err := h.manager.Download(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	if err := h.manager.Download(context.Background(), batch); !errors.Is(err, model.ErrBatchExists) {
		t.Errorf("second Download() error = %v, want ErrBatchExists", err)
	}
	if err := h.manager.Download(context.Background(), model.Batch{ID: "empty"}); !errors.Is(err, model.ErrInvalidBatch) {
		t.Errorf("Download(empty) error = %v, want ErrInvalidBatch", err)
	}
}

// persistPartial seeds the store and disk with a half-downloaded batch.
func persistPartial(t *testing.T, h *harness, batch model.Batch, onDisk []byte, persisted int64) {
	t.Helper()
	ctx := context.Background()
	f := batch.Files[0]
	err := store.RunInTx(ctx, h.store, func(w store.Writer) error {
		if err := w.PersistBatch(ctx, store.BatchRecord{
			ID:          batch.ID,
			Title:       batch.Title,
			Status:      model.StatusDownloading,
			StorageRoot: h.root.Path(),
			CreatedAt:   time.Now(),
		}); err != nil {
			return err
		}
		return w.PersistFile(ctx, store.FileRecord{
			BatchID:         batch.ID,
			FileID:          f.ID,
			FileName:        f.FileName,
			FilePath:        batch.FilePath(f),
			TotalSize:       f.TotalSize,
			BytesDownloaded: persisted,
			URL:             f.URL,
			PersistenceType: store.PersistenceExternal,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	path := batch.FilePath(f)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, onDisk, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManager_StartResumesInterruptedBatch(t *testing.T) {
	h := newHarness(t)
	h.manager.Shutdown()

	const url = "http://example.com/file.bin"
	data := payload(4_000, 6)
	h.server.add(url, data)
	batch := h.batch("b1", url)
	persistPartial(t, h, batch, data[:1_800], 1_800)

	h.start()
	h.waitStatus(batch.ID, model.StatusDownloaded)

	reqs := h.server.requestsFor(url)
	if len(reqs) != 1 || reqs[0].offset != 1_800 {
		t.Errorf("requests = %+v, want one at 1800", reqs)
	}
	assertFile(t, batch.FilePath(batch.Files[0]), data)
}

func TestManager_OffsetMismatchRestartsFile(t *testing.T) {
	h := newHarness(t)
	h.manager.Shutdown()

	const url = "http://example.com/file.bin"
	data := payload(4_000, 8)
	h.server.add(url, data)
	batch := h.batch("b1", url)
	persistPartial(t, h, batch, data[:900], 1_800)

	h.start()
	h.waitStatus(batch.ID, model.StatusDownloaded)

	reqs := h.server.requestsFor(url)
	if len(reqs) != 1 || reqs[0].offset != 0 {
		t.Errorf("requests = %+v, want one at 0", reqs)
	}
	assertFile(t, batch.FilePath(batch.Files[0]), data)

	h.manager.Shutdown()
	var downloading bool
	for _, s := range h.delivered() {
		if s.Status == model.StatusDownloading && !downloading {
			downloading = true
			if s.BytesDownloaded > 0 {
				t.Errorf("first DOWNLOADING snapshot at %d bytes, want the reset offset", s.BytesDownloaded)
			}
		}
	}
	assertNeverFalls(t, h.delivered())
}

func TestManager_PartialContentUnsupported(t *testing.T) {
	h := newHarness(t)
	h.manager.Shutdown()

	const url = "http://example.com/file.bin"
	data := payload(4_000, 2)
	h.server.add(url, data)
	h.server.setNoRange(true)
	batch := h.batch("b1", url)
	persistPartial(t, h, batch, data[:1_000], 1_000)

	h.start()
	s := h.waitStatus(batch.ID, model.StatusError)
	if s.Error == nil || s.Error.Type != model.ErrorTypeNetwork {
		t.Fatalf("error = %+v, want NETWORK", s.Error)
	}
	if s.BytesDownloaded != 0 {
		t.Errorf("bytes downloaded = %d, want 0 after restart", s.BytesDownloaded)
	}
	if f := h.fileRecord(batch.ID, 0); f.BytesDownloaded != 0 {
		t.Errorf("persisted offset = %d, want 0", f.BytesDownloaded)
	}
	if info, err := os.Stat(batch.FilePath(batch.Files[0])); err != nil || info.Size() != 0 {
		t.Errorf("file on disk = %v, %v; want empty", info, err)
	}
	assertNeverFalls(t, h.delivered())

	if err := h.manager.Resume(context.Background(), batch.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	h.waitStatus(batch.ID, model.StatusDownloaded)
	assertFile(t, batch.FilePath(batch.Files[0]), data)
}

func TestManager_UnknownSizeHasNoPercentage(t *testing.T) {
	h := newHarness(t)
	const url = "http://example.com/stream"
	data := payload(10_000, 4)
	h.server.add(url, data)
	h.server.setUnsized(url)
	h.server.hold(url, 2_100)

	batch := h.batch("b1", url)
	if err := h.manager.Download(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	s := h.waitFor(batch.ID, "2100 bytes", func(s model.DownloadBatchStatus) bool { return s.BytesDownloaded == 2_100 })
	if s.Status != model.StatusDownloading || !s.SizeUnknown {
		t.Fatalf("status = %+v, want DOWNLOADING with unknown size", s)
	}
	if got := s.Percentage(); got != 0 {
		t.Errorf("Percentage() = %d, want 0 while the size is unknown", got)
	}
	if s.BytesDownloaded > s.BytesTotalSize {
		t.Errorf("bytes downloaded %d exceeds total %d", s.BytesDownloaded, s.BytesTotalSize)
	}

	if err := h.manager.Pause(context.Background(), batch.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	h.waitIdle(batch.ID)
	if err := h.manager.Resume(context.Background(), batch.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	s = h.waitStatus(batch.ID, model.StatusDownloaded)
	if s.SizeUnknown || s.BytesTotalSize != 10_000 || s.Percentage() != 100 {
		t.Errorf("finished status = %+v, want 10000 bytes at 100%%", s)
	}
	if f := h.fileRecord(batch.ID, 0); f.TotalSize != 10_000 {
		t.Errorf("persisted total = %d, want 10000", f.TotalSize)
	}
	assertFile(t, batch.FilePath(batch.Files[0]), data)
}

func TestManager_LoadMapsState(t *testing.T) {
	h := newHarness(t)
	h.manager.Shutdown()

	batch := h.batch("b1", "http://example.com/file.bin")
	persistPartial(t, h, batch, nil, 0)

	m := New(testSettings(), h.server, h.store, h.conn, zerolog.Nop())
	t.Cleanup(m.Shutdown)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	s, err := m.GetDownloadBatchStatus(batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != model.StatusQueued {
		t.Errorf("restored status = %s, want QUEUED", s.Status)
	}
	files, err := m.GetDownloadFileStatuses(batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].FilePath != batch.FilePath(batch.Files[0]) {
		t.Errorf("restored files = %+v", files)
	}
	if _, err := m.GetDownloadFileStatus(batch.ID, "nope"); !errors.Is(err, model.ErrFileNotFound) {
		t.Errorf("GetDownloadFileStatus() error = %v, want ErrFileNotFound", err)
	}
	if len(h.server.requestsFor("http://example.com/file.bin")) != 0 {
		t.Error("Load issued a request")
	}
}

func TestManager_CallbackRemoval(t *testing.T) {
	h := newHarness(t)
	h.server.add("http://example.com/x", payload(10, 1))

	var mu sync.Mutex
	count := 0
	remove := h.manager.AddCallback(func(model.DownloadBatchStatus) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	remove()

	batch := h.batch("b1", "http://example.com/x")
	if err := h.manager.Download(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	h.waitStatus(batch.ID, model.StatusDownloaded)
	h.manager.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("removed callback called %d times", count)
	}
	if len(h.delivered()) == 0 {
		t.Error("registered callback never called")
	}
}

func TestManager_DownloadAfterShutdown(t *testing.T) {
	h := newHarness(t)
	h.manager.Shutdown()
	if err := h.manager.Download(context.Background(), h.batch("b1", "http://example.com/x")); !errors.Is(err, ErrShutdown) {
		t.Errorf("Download() error = %v, want ErrShutdown", err)
	}
}
