package netmon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	workersSpawnedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmon_workers_spawned_total",
			Help: "Total number of interface monitor processes spawned.",
		},
	)
	spawnFailureCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmon_worker_spawn_failures_total",
			Help: "Total number of interface monitor spawn attempts that failed.",
		},
	)
	workersReapedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmon_workers_reaped_total",
			Help: "Total number of interface monitor processes reaped.",
		},
	)
	restartCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmon_worker_restart_total",
			Help: "Total number of times the worker set was restarted.",
		},
		[]string{"reason"},
	)
	activeConnsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netmon_active_connections",
			Help: "Number of currently admitted monitor connections.",
		},
	)
	reportsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmon_reports_received_total",
			Help: "Total number of status reports received from monitors.",
		},
	)
	rejectCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmon_connections_rejected_total",
			Help: "Total number of connections rejected at handshake or capacity.",
		},
	)
	uptimeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netmon_uptime_seconds",
			Help: "Supervisor uptime in seconds.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		workersSpawnedCounter, spawnFailureCounter, workersReapedCounter,
		restartCounter, activeConnsGauge, reportsCounter, rejectCounter, uptimeGauge,
	)
}

// startMetricsServer serves /metrics and /healthz plus a manual worker
// restart endpoint, and shuts the server down once the supervisor is done.
func (s *Supervisor) startMetricsServer() {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				uptimeGauge.Set(time.Since(s.startTime).Seconds())
			case <-s.done:
				return
			}
		}
	}()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/workers/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		s.QueueRestart("manual")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Worker restart initiated"))
	})
	slog.Info("Supervisor: metrics/health endpoints listening", slog.String("port", s.cfg.MetricsPort))
	server := &http.Server{
		Addr:    ":" + s.cfg.MetricsPort,
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Supervisor: metrics server ListenAndServe error", slog.String("err", err.Error()))
		}
	}()
	<-s.done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("Supervisor: metrics server shutdown error", slog.String("err", err.Error()))
	}
}
