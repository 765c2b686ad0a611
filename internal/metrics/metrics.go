// Package metrics exposes Prometheus counters for the download engine and the
// migration pipeline.
//
// All methods are safe on a nil *Metrics, so components can run without
// instrumentation.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Migration item results.
const (
	ResultMigrated = "migrated"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	bytesDownloaded   prometheus.Counter
	statusTransitions *prometheus.CounterVec
	migrationItems    *prometheus.CounterVec
	activeTransfers   prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		bytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchdl_downloaded_bytes_total",
			Help: "Bytes written to disk by active transfers",
		}),
		statusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchdl_batch_status_transitions_total",
			Help: "Batch status transitions by target status",
		}, []string{"status"}),
		migrationItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchdl_migration_items_total",
			Help: "Legacy items processed by the migration pipeline by result",
		}, []string{"result"}),
		activeTransfers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchdl_active_transfers",
			Help: "File transfers currently streaming bytes",
		}),
	}
}

// AddBytes counts n downloaded bytes.
func (m *Metrics) AddBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesDownloaded.Add(float64(n))
}

// ObserveStatus counts a batch moving to status.
func (m *Metrics) ObserveStatus(status string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(status).Inc()
}

// MigrationItem counts one legacy item with the given result.
func (m *Metrics) MigrationItem(result string) {
	if m == nil {
		return
	}
	m.migrationItems.WithLabelValues(result).Inc()
}

// TransferStarted increments the active transfer gauge.
func (m *Metrics) TransferStarted() {
	if m == nil {
		return
	}
	m.activeTransfers.Inc()
}

// TransferFinished decrements the active transfer gauge.
func (m *Metrics) TransferFinished() {
	if m == nil {
		return
	}
	m.activeTransfers.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
