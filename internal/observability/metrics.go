package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IshaanNene/webstalk/internal/autoscale"
	"github.com/IshaanNene/webstalk/internal/stats"
)

// Metrics exposes the autoscaled pool's concurrency state and the
// statistics tracker's job counters as Prometheus gauges/counters,
// registered against a private registry so embedding this package never
// collides with the default global one.
type Metrics struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	currentConcurrency prometheus.Gauge
	runningTasks       prometheus.Gauge
	finishedJobs       prometheus.Gauge
	failedJobs         prometheus.Gauge
	meanDurationMs     prometheus.Gauge
	retryHistogram     *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with its collectors registered.
func NewMetrics(logger *slog.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logger:   logger.With("component", "metrics"),

		currentConcurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_autoscale_current_concurrency",
			Help: "Current concurrency limit chosen by the autoscaled pool.",
		}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_autoscale_running_tasks",
			Help: "Number of tasks currently in flight.",
		}),
		finishedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_jobs_finished_total",
			Help: "Total jobs that completed successfully.",
		}),
		failedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_jobs_failed_total",
			Help: "Total jobs that ended in terminal failure.",
		}),
		meanDurationMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_job_duration_mean_ms",
			Help: "Mean job duration in milliseconds.",
		}),
		retryHistogram: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "webstalk_job_retry_count",
			Help: "Count of jobs by number of retries consumed.",
		}, []string{"retries"}),
	}

	m.registry.MustRegister(
		m.currentConcurrency,
		m.runningTasks,
		m.finishedJobs,
		m.failedJobs,
		m.meanDurationMs,
		m.retryHistogram,
	)
	return m
}

// Watch starts a goroutine that periodically samples pool and stats into
// the registered gauges, until ctx is cancelled.
func (m *Metrics) Watch(ctx context.Context, pool *autoscale.Pool, s *stats.Stats, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample(pool, s)
			}
		}
	}()
}

func (m *Metrics) sample(pool *autoscale.Pool, s *stats.Stats) {
	if pool != nil {
		m.currentConcurrency.Set(float64(pool.CurrentConcurrency()))
		m.runningTasks.Set(float64(pool.RunningTasks()))
	}
	if s != nil {
		snap := s.Snapshot()
		m.finishedJobs.Set(float64(snap.FinishedJobs))
		m.failedJobs.Set(float64(snap.FailedJobs))
		m.meanDurationMs.Set(snap.MeanDurationMs)
		for retries, count := range snap.RetryHistogram {
			m.retryHistogram.WithLabelValues(fmt.Sprintf("%d", retries)).Set(float64(count))
		}
	}
}

// StartServer starts the Prometheus metrics HTTP server.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}
