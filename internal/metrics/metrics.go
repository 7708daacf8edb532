// Package metrics exports worker counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "seedscan"

// Config controls the metrics endpoint.
type Config struct {
	Enabled    bool
	ListenAddr string
}

// Exporter holds the worker metrics. It implements worker.Observer.
type Exporter struct {
	registry *prometheus.Registry

	batches           *prometheus.CounterVec
	candidates        *prometheus.CounterVec
	solutions         *prometheus.CounterVec
	coordinatorErrors *prometheus.CounterVec
	reportFailures    *prometheus.CounterVec
	deviceFailures    *prometheus.CounterVec
	batchDuration     *prometheus.HistogramVec
}

// New creates an exporter with its own registry.
func New() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches dispatched and completed per device.",
		}, []string{"device"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Candidates scanned per device.",
		}, []string{"device"}),
		solutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solutions_total",
			Help:      "Solutions found per device.",
		}, []string{"device"}),
		coordinatorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_errors_total",
			Help:      "Failed or unusable work requests.",
		}, []string{"op"}),
		reportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_failures_total",
			Help:      "Reports the coordinator did not accept.",
		}, []string{"kind"}),
		deviceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_failures_total",
			Help:      "Fatal device errors.",
		}, []string{"device"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch dispatch and readback.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"device"}),
	}

	e.registry.MustRegister(
		e.batches,
		e.candidates,
		e.solutions,
		e.coordinatorErrors,
		e.reportFailures,
		e.deviceFailures,
		e.batchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

func (e *Exporter) BatchDone(device string, lanes uint64, elapsed time.Duration) {
	e.batches.WithLabelValues(device).Inc()
	e.candidates.WithLabelValues(device).Add(float64(lanes))
	e.batchDuration.WithLabelValues(device).Observe(elapsed.Seconds())
}

func (e *Exporter) SolutionFound(device string) {
	e.solutions.WithLabelValues(device).Inc()
}

func (e *Exporter) CoordinatorError(op string) {
	e.coordinatorErrors.WithLabelValues(op).Inc()
}

func (e *Exporter) ReportFailed(kind string) {
	e.reportFailures.WithLabelValues(kind).Inc()
}

func (e *Exporter) DeviceFailed(device string) {
	e.deviceFailures.WithLabelValues(device).Inc()
}

// Handler serves /metrics and /healthz.
func (e *Exporter) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	return r
}

// Serve listens on cfg.ListenAddr until ctx is done. It returns nil after a
// clean shutdown.
func (e *Exporter) Serve(ctx context.Context, logger *zap.Logger, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", zap.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown", zap.Error(err))
		return err
	}
	return nil
}
