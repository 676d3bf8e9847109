package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck 是 /healthz 上的一项依赖探测，例如 redis ping
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// StartMetricsServer 启动独立的 metrics 服务器，暴露 /metrics 与 /healthz
func StartMetricsServer(ctx context.Context, addr string, logger *slog.Logger, checks ...HealthCheck) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(checks))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", addr, "health_checks", len(checks))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		results := make(map[string]string, len(checks))
		status := http.StatusOK
		for _, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				results[hc.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[hc.Name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": http.StatusText(status),
			"checks": results,
		})
	}
}
