package profiling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/kacperjurak/goretro/internal/logger"
	"github.com/kacperjurak/goretro/pkg/config"
)

// Profiler manages the pprof profiling server
type Profiler struct {
	config config.ProfilingConfig
	server *http.Server
}

// New creates a new profiler instance
func New(cfg config.ProfilingConfig) *Profiler {
	return &Profiler{config: cfg}
}

// Handler returns the mux serving the pprof endpoints and /debug/info.
func (p *Profiler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/info", p.infoHandler)
	return mux
}

// Start starts the profiling server on a separate port
func (p *Profiler) Start() error {
	if !p.config.Enabled {
		logger.Debug("profiling disabled")
		return nil
	}

	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)

	p.server = &http.Server{
		Addr:              ":" + p.config.Port,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("profiling server on http://localhost:%s/debug/pprof/", p.config.Port)
	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("profiling server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully stops the profiling server
func (p *Profiler) Stop() error {
	if p.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("profiling server shutdown error: %w", err)
	}
	logger.Debug("profiling server stopped")
	return nil
}

// RuntimeInfo is the payload of /debug/info.
type RuntimeInfo struct {
	Timestamp    string  `json:"timestamp"`
	Goroutines   int     `json:"goroutines"`
	GOMAXPROCS   int     `json:"gomaxprocs"`
	NumCPU       int     `json:"num_cpu"`
	Version      string  `json:"version"`
	AllocMB      float64 `json:"alloc_mb"`
	TotalAllocMB float64 `json:"total_alloc_mb"`
	SysMB        float64 `json:"sys_mb"`
	HeapObjects  uint64  `json:"heap_objects"`
	NumGC        uint32  `json:"num_gc"`

	Operations map[string]OpTiming `json:"operations,omitempty"`
}

// ReadRuntimeInfo samples the runtime.
func ReadRuntimeInfo() RuntimeInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeInfo{
		Timestamp:    time.Now().Format(time.RFC3339),
		Goroutines:   runtime.NumGoroutine(),
		GOMAXPROCS:   runtime.GOMAXPROCS(0),
		NumCPU:       runtime.NumCPU(),
		Version:      runtime.Version(),
		AllocMB:      bToMb(m.Alloc),
		TotalAllocMB: bToMb(m.TotalAlloc),
		SysMB:        bToMb(m.Sys),
		HeapObjects:  m.HeapObjects,
		NumGC:        m.NumGC,
		Operations:   Operations.Snapshot(),
	}
}

// infoHandler provides runtime information
func (p *Profiler) infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ReadRuntimeInfo()); err != nil {
		logger.Warn("profiling info: %v", err)
	}
}

// bToMb converts bytes to megabytes
func bToMb(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
