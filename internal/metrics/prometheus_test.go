package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsServer_MetricsEndpoint(t *testing.T) {
	// Vec metrics only show up after WithLabelValues() is called.
	BlockOps.WithLabelValues("commit", "ok").Add(0)
	BlockOpDuration.WithLabelValues("commit").Observe(0)
	TierCapacityBytes.WithLabelValues("MEM").Set(0)
	TierUsedBytes.WithLabelValues("MEM").Set(0)
	Evictions.WithLabelValues("MEM", "remove").Add(0)
	EvictionSkips.WithLabelValues("locked").Add(0)
	LockWait.WithLabelValues("read").Observe(0)
	LockTimeouts.WithLabelValues("write").Add(0)
	UfsReadersOpen.WithLabelValues("/").Set(0)
	UfsReadsRejected.WithLabelValues("/").Add(0)
	UfsBytesRead.WithLabelValues("/").Add(0)
	S3GetDuration.WithLabelValues("bucket").Observe(0)
	CacheRequests.WithLabelValues("sync", "ok").Add(0)
	HeartbeatFailures.Add(0)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	expectedMetrics := []string{
		"tbw_block_ops_total",
		"tbw_block_op_duration_seconds",
		"tbw_tier_capacity_bytes",
		"tbw_tier_used_bytes",
		"tbw_evictions_total",
		"tbw_eviction_skips_total",
		"tbw_lock_wait_seconds",
		"tbw_lock_timeouts_total",
		"tbw_ufs_readers_open",
		"tbw_ufs_reads_rejected_total",
		"tbw_ufs_bytes_read_total",
		"tbw_s3_get_duration_seconds",
		"tbw_cache_requests_total",
		"tbw_heartbeat_failures_total",
	}
	for _, name := range expectedMetrics {
		if !strings.Contains(body, name) {
			t.Errorf("expected /metrics to contain %q", name)
		}
	}
}

func TestObserveOpAndReset(t *testing.T) {
	ObserveOp("remove", time.Now(), nil)
	ObserveOp("remove", time.Now(), errors.New("boom"))

	if got := testutil.ToFloat64(BlockOps.WithLabelValues("remove", "ok")); got != 1 {
		t.Fatalf("expected 1 ok remove, got %v", got)
	}
	if got := testutil.ToFloat64(BlockOps.WithLabelValues("remove", "error")); got != 1 {
		t.Fatalf("expected 1 failed remove, got %v", got)
	}

	TierUsedBytes.WithLabelValues("HDD").Set(42)
	Reset()

	if got := testutil.ToFloat64(BlockOps.WithLabelValues("remove", "ok")); got != 0 {
		t.Fatalf("expected counters cleared, got %v", got)
	}
	if got := testutil.ToFloat64(TierUsedBytes.WithLabelValues("HDD")); got != 42 {
		t.Fatalf("gauges should survive reset, got %v", got)
	}
}
