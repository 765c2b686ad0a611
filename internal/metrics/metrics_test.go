package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.AddBytes(100)
	m.AddBytes(28)
	m.AddBytes(-5)
	m.ObserveStatus("DOWNLOADING")
	m.ObserveStatus("DOWNLOADING")
	m.ObserveStatus("PAUSED")
	m.MigrationItem(ResultMigrated)
	m.MigrationItem(ResultFailed)
	m.TransferStarted()
	m.TransferStarted()
	m.TransferFinished()

	if got := testutil.ToFloat64(m.bytesDownloaded); got != 128 {
		t.Errorf("bytes = %v, want 128", got)
	}
	if got := testutil.ToFloat64(m.statusTransitions.WithLabelValues("DOWNLOADING")); got != 2 {
		t.Errorf("DOWNLOADING transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.migrationItems.WithLabelValues(ResultFailed)); got != 1 {
		t.Errorf("failed items = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeTransfers); got != 1 {
		t.Errorf("active transfers = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.AddBytes(1)
	m.ObserveStatus("QUEUED")
	m.MigrationItem(ResultSkipped)
	m.TransferStarted()
	m.TransferFinished()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil handler code = %d, want 404", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveStatus("DOWNLOADED")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `batchdl_batch_status_transitions_total{status="DOWNLOADED"} 1`) {
		t.Errorf("exposition missing transition counter:\n%s", rec.Body.String())
	}
}
