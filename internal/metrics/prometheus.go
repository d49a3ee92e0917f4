package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Block lifecycle metrics
	BlockOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbw_block_ops_total",
		Help: "Block store operations by outcome",
	}, []string{"operation", "status"})

	BlockOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tbw_block_op_duration_seconds",
		Help:    "Block store operation latency",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})

	// Tier metrics
	TierCapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tbw_tier_capacity_bytes",
		Help: "Configured capacity of each tier",
	}, []string{"tier"})

	TierUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tbw_tier_used_bytes",
		Help: "Bytes reserved or committed in each tier",
	}, []string{"tier"})

	// Eviction metrics
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbw_evictions_total",
		Help: "Eviction actions executed",
	}, []string{"tier", "action"})

	EvictionSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbw_eviction_skips_total",
		Help: "Eviction victims skipped because their state changed after planning",
	}, []string{"reason"})

	// Lock metrics
	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tbw_lock_wait_seconds",
		Help:    "Time spent waiting for block locks",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 5, 10},
	}, []string{"mode"})

	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbw_lock_timeouts_total",
		Help: "Lock acquisitions that exceeded their deadline",
	}, []string{"mode"})

	// UFS pass-through metrics
	UfsReadersOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tbw_ufs_readers_open",
		Help: "Open pass-through readers per mount",
	}, []string{"mount"})

	UfsReadsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbw_ufs_reads_rejected_total",
		Help: "Pass-through reads rejected by the concurrency ceiling",
	}, []string{"mount"})

	UfsBytesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbw_ufs_bytes_read_total",
		Help: "Bytes served by pass-through readers",
	}, []string{"mount"})

	S3GetDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tbw_s3_get_duration_seconds",
		Help:    "S3 ranged GET latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"bucket"})

	// Worker metrics
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbw_cache_requests_total",
		Help: "Cache requests by mode and outcome",
	}, []string{"mode", "status"})

	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tbw_heartbeat_failures_total",
		Help: "Heartbeats that failed to reach the master",
	})
)

// Reset clears the worker's counters and histograms. Gauges that mirror live state
// are left alone.
func Reset() {
	BlockOps.Reset()
	BlockOpDuration.Reset()
	Evictions.Reset()
	EvictionSkips.Reset()
	LockWait.Reset()
	LockTimeouts.Reset()
	UfsReadsRejected.Reset()
	UfsBytesRead.Reset()
	S3GetDuration.Reset()
	CacheRequests.Reset()
}

// ObserveOp records the outcome and latency of a block store operation.
func ObserveOp(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BlockOps.WithLabelValues(op, status).Inc()
	BlockOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
