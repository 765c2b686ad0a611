package tui

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/handiism/batch-downloader/internal/model"
)

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	batches  []model.Batch
	allowed  model.ConnectionType
	statuses []model.DownloadBatchStatus
	err      error
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) Download(_ context.Context, b model.Batch) error {
	f.mu.Lock()
	f.batches = append(f.batches, b)
	f.mu.Unlock()
	return f.record("download")
}

func (f *fakeController) Pause(_ context.Context, id model.BatchID) error {
	return f.record("pause " + id.String())
}

func (f *fakeController) Resume(_ context.Context, id model.BatchID) error {
	return f.record("resume " + id.String())
}

func (f *fakeController) Delete(_ context.Context, id model.BatchID) error {
	return f.record("delete " + id.String())
}

func (f *fakeController) UpdateAllowedConnectionType(_ context.Context, t model.ConnectionType) error {
	return f.record("allow " + string(t))
}

func (f *fakeController) AllowedConnectionType() model.ConnectionType { return f.allowed }

func (f *fakeController) ConnectivityChanged(context.Context) error {
	return f.record("connectivity")
}

func (f *fakeController) GetAllDownloadBatchStatuses() []model.DownloadBatchStatus {
	return slices.Clone(f.statuses)
}

type fakeConnectivity struct{ metered bool }

func (c *fakeConnectivity) IsMetered() bool   { return c.metered }
func (c *fakeConnectivity) SetMetered(v bool) { c.metered = v }

func newTestModel(statuses ...model.DownloadBatchStatus) (Model, *fakeController, *fakeConnectivity) {
	ctrl := &fakeController{allowed: model.ConnectionAll, statuses: statuses}
	conn := &fakeConnectivity{}
	return NewModel(context.Background(), ctrl, conn, model.DirRoot("/downloads"), nil), ctrl, conn
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press sends a key and runs the resulting command, if any.
func press(t *testing.T, m Model, k string) (Model, tea.Msg) {
	t.Helper()
	next, cmd := m.Update(key(k))
	var msg tea.Msg
	if cmd != nil {
		msg = cmd()
	}
	return next.(Model), msg
}

func TestParseURLs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "   ", nil},
		{"single", "http://a/1.zip", []string{"http://a/1.zip"}},
		{"mixed separators", "http://a/1.zip, http://a/2.zip\thttp://a/3.zip", []string{"http://a/1.zip", "http://a/2.zip", "http://a/3.zip"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseURLs(tt.input)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseURLs(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestModel_ApplyStatus(t *testing.T) {
	m, _, _ := newTestModel(
		model.DownloadBatchStatus{BatchID: "b1", Title: "one", Status: model.StatusQueued},
	)

	next, _ := m.Update(StatusMsg{Status: model.DownloadBatchStatus{BatchID: "b1", Title: "one", Status: model.StatusDownloading, BytesDownloaded: 50, BytesTotalSize: 100}})
	m = next.(Model)
	next, _ = m.Update(StatusMsg{Status: model.DownloadBatchStatus{BatchID: "b2", Title: "two", Status: model.StatusQueued}})
	m = next.(Model)

	if len(m.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(m.batches))
	}
	if m.batches[0].Status != model.StatusDownloading || m.batches[0].BytesDownloaded != 50 {
		t.Errorf("b1 = %+v, want DOWNLOADING at 50", m.batches[0])
	}

	m.cursor = 1
	next, _ = m.Update(StatusMsg{Status: model.DownloadBatchStatus{BatchID: "b2", Status: model.StatusDeleted}})
	m = next.(Model)
	if len(m.batches) != 1 || m.batches[0].BatchID != "b1" {
		t.Errorf("batches after delete = %+v", m.batches)
	}
	if m.cursor != 0 {
		t.Errorf("cursor = %d, want 0", m.cursor)
	}

	next, _ = m.Update(StatusMsg{Status: model.DownloadBatchStatus{
		BatchID: "b1", Title: "one", Status: model.StatusError,
		Error: &model.DownloadError{Type: model.ErrorTypeNetwork, Message: "reset"},
	}})
	m = next.(Model)
	if len(m.logs) != 1 || m.logs[0].Level != LevelError {
		t.Errorf("logs = %+v, want one error", m.logs)
	}
	if !strings.Contains(m.View(), "ERROR NETWORK") {
		t.Errorf("view does not show the error type:\n%s", m.View())
	}
}

func TestModel_BatchKeys(t *testing.T) {
	m, ctrl, _ := newTestModel(
		model.DownloadBatchStatus{BatchID: "b1", Title: "one", Status: model.StatusDownloading},
		model.DownloadBatchStatus{BatchID: "b2", Title: "two", Status: model.StatusPaused},
	)

	m, msg := press(t, m, "p")
	if res, ok := msg.(ResultMsg); !ok || res.Err != nil {
		t.Fatalf("pause result = %#v", msg)
	}
	m, _ = press(t, m, "down")
	m, _ = press(t, m, "r")
	_, _ = press(t, m, "x")

	want := []string{"pause b1", "resume b2", "delete b2"}
	if !slices.Equal(ctrl.calls, want) {
		t.Errorf("calls = %v, want %v", ctrl.calls, want)
	}
}

func TestModel_CommandError(t *testing.T) {
	m, ctrl, _ := newTestModel(model.DownloadBatchStatus{BatchID: "b1", Title: "one", Status: model.StatusDownloaded})
	ctrl.err = &model.TransitionError{BatchID: "b1", From: model.StatusDownloaded, To: model.StatusPaused}

	m, msg := press(t, m, "p")
	next, _ := m.Update(msg)
	m = next.(Model)

	var te *model.TransitionError
	if res := msg.(ResultMsg); !errors.As(res.Err, &te) {
		t.Fatalf("err = %v, want TransitionError", res.Err)
	}
	if len(m.logs) != 1 || m.logs[0].Level != LevelError {
		t.Errorf("logs = %+v, want one error", m.logs)
	}
}

func TestModel_ConnectionKeys(t *testing.T) {
	m, ctrl, conn := newTestModel()

	m, _ = press(t, m, "u")
	if m.allowed != model.ConnectionUnmetered {
		t.Errorf("allowed = %s, want UNMETERED", m.allowed)
	}
	m, _ = press(t, m, "m")
	if !conn.metered {
		t.Error("connection should be metered after toggle")
	}
	m, _ = press(t, m, "u")
	if m.allowed != model.ConnectionAll {
		t.Errorf("allowed = %s, want ALL", m.allowed)
	}

	want := []string{"allow UNMETERED", "connectivity", "allow ALL"}
	if !slices.Equal(ctrl.calls, want) {
		t.Errorf("calls = %v, want %v", ctrl.calls, want)
	}
	if !strings.Contains(m.View(), "Connection: metered") {
		t.Errorf("view does not show metered connection:\n%s", m.View())
	}
}

func TestModel_SubmitBatch(t *testing.T) {
	m, ctrl, _ := newTestModel()

	next, _ := m.Update(key("a"))
	m = next.(Model)
	if m.focus != FocusInput {
		t.Fatal("a should focus the input")
	}
	m.textInput.SetValue("http://example.com/5MB.zip, http://example.com/10MB.zip")

	m, msg := press(t, m, "enter")
	if res, ok := msg.(ResultMsg); !ok || res.Err != nil {
		t.Fatalf("submit result = %#v", msg)
	}
	if m.focus != FocusList {
		t.Error("submit should return focus to the list")
	}
	if len(ctrl.batches) != 1 {
		t.Fatalf("batches submitted = %d, want 1", len(ctrl.batches))
	}

	b := ctrl.batches[0]
	if b.Title != "5MB.zip" || len(b.Files) != 2 {
		t.Errorf("batch = %q with %d files, want 5MB.zip with 2", b.Title, len(b.Files))
	}
	if got := b.FilePath(b.Files[1]); !strings.HasPrefix(got, "/downloads/"+b.ID.String()) {
		t.Errorf("file path = %s, want under the batch directory", got)
	}
}

func TestModel_QuitKeys(t *testing.T) {
	m, _, _ := newTestModel()

	_, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should return tea.QuitMsg")
	}

	// q is text while typing URLs.
	next, _ := m.Update(key("a"))
	next, _ = next.(Model).Update(key("q"))
	if got := next.(Model).textInput.Value(); got != "q" {
		t.Errorf("input = %q, want q", got)
	}
}
