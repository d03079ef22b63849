// Package metrics instruments the daemon with Prometheus counters and
// optionally exposes them over HTTP. The exporter is off unless
// CHIMERA_METRICS_ADDR is set: the core API surface stays the Unix
// socket.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// RequestsTotal counts API requests by verb.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chimera_requests_total",
		Help: "API requests handled, by verb.",
	}, []string{"verb"})

	// RequestErrors counts ERR responses by error kind.
	RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chimera_request_errors_total",
		Help: "ERR responses sent, by kind.",
	}, []string{"kind"})

	// RecordsRead counts records pulled from the journal tool.
	RecordsRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_ingest_records_total",
		Help: "Journal records read during ingest.",
	})

	// RecordsInserted counts rows actually added to the store.
	RecordsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_ingest_inserted_total",
		Help: "Rows inserted into the analytic store.",
	})

	// RecordsDropped counts records discarded before insert (bad
	// timestamp).
	RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_ingest_dropped_total",
		Help: "Journal records dropped during normalization.",
	})

	// MalformedLines counts unparseable journal output lines.
	MalformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_journal_malformed_lines_total",
		Help: "Malformed JSON lines skipped in journal output.",
	})
)

// Serve runs the HTTP exporter on addr until ctx is canceled. Errors
// are logged, never fatal: metrics are a diagnostic surface, not a
// dependency of the core.
func Serve(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics exporter listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics exporter failed", zap.Error(err))
	}
}
