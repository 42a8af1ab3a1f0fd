package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Metrics tracks operational metrics for the throttling coordinator.
type Metrics struct {
	// Connection metrics
	ConnectionsGranted  atomic.Int64
	ConnectionsDenied   atomic.Int64
	ConnectionsReleased atomic.Int64

	// Fetch metrics
	FetchesGranted atomic.Int64
	FetchesAborted atomic.Int64
	FetchWaitMs    atomic.Int64

	// Stream metrics
	ReadsGranted   atomic.Int64
	ReadsAborted   atomic.Int64
	ReadWaitMs     atomic.Int64
	BytesThrottled atomic.Int64
	StreamsOpen    atomic.Int32

	// Lifecycle metrics
	GroupsCreated   atomic.Int64
	GroupsDestroyed atomic.Int64
	ShutdownAborts  atomic.Int64

	logger *slog.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *slog.Logger) *Metrics {
	return &Metrics{
		logger: logger.With("component", "metrics"),
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	metrics := []struct {
		name  string
		help  string
		value int64
	}{
		{"throttlepool_connections_granted_total", "Total connection permissions granted", m.ConnectionsGranted.Load()},
		{"throttlepool_connections_denied_total", "Total connection permissions denied", m.ConnectionsDenied.Load()},
		{"throttlepool_connections_released_total", "Total connection permissions released", m.ConnectionsReleased.Load()},
		{"throttlepool_fetches_granted_total", "Total fetch permissions granted", m.FetchesGranted.Load()},
		{"throttlepool_fetches_aborted_total", "Total fetch waits aborted", m.FetchesAborted.Load()},
		{"throttlepool_fetch_wait_ms_total", "Total milliseconds spent waiting for fetch permissions", m.FetchWaitMs.Load()},
		{"throttlepool_reads_granted_total", "Total read permits granted", m.ReadsGranted.Load()},
		{"throttlepool_reads_aborted_total", "Total read waits aborted", m.ReadsAborted.Load()},
		{"throttlepool_read_wait_ms_total", "Total milliseconds spent waiting for read permits", m.ReadWaitMs.Load()},
		{"throttlepool_bytes_throttled_total", "Total bytes granted through read permits", m.BytesThrottled.Load()},
		{"throttlepool_streams_open", "Currently open throttled streams", int64(m.StreamsOpen.Load())},
		{"throttlepool_groups_created_total", "Total throttle groups created", m.GroupsCreated.Load()},
		{"throttlepool_groups_destroyed_total", "Total throttle groups destroyed", m.GroupsDestroyed.Load()},
		{"throttlepool_shutdown_aborts_total", "Total operations aborted by shutdown", m.ShutdownAborts.Load()},
	}

	for _, metric := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", metric.name)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Snapshot returns all metrics as a map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"connections_granted":  m.ConnectionsGranted.Load(),
		"connections_denied":   m.ConnectionsDenied.Load(),
		"connections_released": m.ConnectionsReleased.Load(),
		"fetches_granted":      m.FetchesGranted.Load(),
		"fetches_aborted":      m.FetchesAborted.Load(),
		"fetch_wait_ms":        m.FetchWaitMs.Load(),
		"reads_granted":        m.ReadsGranted.Load(),
		"reads_aborted":        m.ReadsAborted.Load(),
		"read_wait_ms":         m.ReadWaitMs.Load(),
		"bytes_throttled":      m.BytesThrottled.Load(),
		"streams_open":         int64(m.StreamsOpen.Load()),
		"groups_created":       m.GroupsCreated.Load(),
		"groups_destroyed":     m.GroupsDestroyed.Load(),
		"shutdown_aborts":      m.ShutdownAborts.Load(),
	}
}
