package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
)

const maxGoroutines = 10000

func (s *Server) registerHealth(mux *http.ServeMux) {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	health.AddReadinessCheck("store", healthcheck.Timeout(s.pingStore, 2*time.Second))
	if s.cfg.MinFreeMemoryMB > 0 {
		health.AddReadinessCheck("memory", freeMemoryCheck(s.cfg.MinFreeMemoryMB))
	}
	mux.Handle("GET /live", health)
	mux.Handle("GET /ready", health)

	mux.HandleFunc("GET /health", s.handleHealth)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) pingStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.store.Ping(ctx)
}

func freeMemoryCheck(minMB uint64) healthcheck.Check {
	return func() error {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return fmt.Errorf("read memory stats: %w", err)
		}
		if free := vm.Available >> 20; free < minMB {
			return fmt.Errorf("available memory %dMB below %dMB", free, minMB)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":       "healthy",
		"service":      "indexswap",
		"version":      s.version,
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
		"active_swaps": s.swaps.Running(),
		"store":        "connected",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		body["status"] = "unhealthy"
		body["store"] = "disconnected: " + err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = jsonEncode(w, body)
		return
	}
	jsonResponse(w, body)
}
