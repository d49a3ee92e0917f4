package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is implemented by the metadata journal.
type Pinger interface {
	Ping() error
}

// ContextPinger is implemented by remote dependencies such as S3 mounts.
type ContextPinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker runs health probes.
type HealthChecker struct {
	natsConn *nats.Conn
	journal  Pinger
	mounts   map[string]ContextPinger
}

// NewHealthChecker creates a new health checker. Any dependency may be nil.
func NewHealthChecker(nc *nats.Conn, journal Pinger, mounts map[string]ContextPinger) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		journal:  journal,
		mounts:   mounts,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the worker can serve requests.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.natsConn != nil {
		if !h.natsConn.IsConnected() {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		} else {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "connected"})
		}
	}

	if h.journal != nil {
		if err := h.journal.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "metadata", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{Name: "metadata", Status: "ok"})
		}
	}

	names := make([]string, 0, len(h.mounts))
	for name := range h.mounts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := h.mounts[name].Ping(ctx)
		cancel()
		check := Check{Name: "ufs:" + name, Status: "ok"}
		if err != nil {
			status.OK = false
			check.Status = "error"
			check.Error = err.Error()
		}
		status.Checks = append(status.Checks, check)
	}

	return status
}

// Handler serves the liveness and readiness endpoints.
func (h *HealthChecker) Handler(cfg config.HealthConfig) http.Handler {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, h.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, h.Readiness())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: checker.Handler(cfg),
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
