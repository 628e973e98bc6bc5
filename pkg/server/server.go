package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/kacperjurak/goretro/internal/logger"
	"github.com/kacperjurak/goretro/pkg/config"
	"github.com/kacperjurak/goretro/pkg/handlers"
	"github.com/kacperjurak/goretro/pkg/profiling"
	"github.com/kacperjurak/goretro/pkg/webhook"
)

// Server represents the HTTP server with all dependencies
type Server struct {
	config     *config.Config
	httpServer *http.Server
	profiler   *profiling.Profiler
	reco       *handlers.RecoHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// Options holds configuration for creating a new server
type Options struct {
	Config    *config.Config
	Processor handlers.ProcessorFunc
	// Store is optional; without it results are only sent to the webhook.
	Store handlers.ResultStore
}

// New creates a new server instance
func New(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   opts.Config,
		profiler: profiling.New(opts.Config.Profiling),
		ctx:      ctx,
		cancel:   cancel,
	}

	var notifier handlers.Notifier
	if url := opts.Config.Server.WebhookURL; url != "" {
		notifier = webhook.NewClient(url)
	}
	s.reco = handlers.NewRecoHandler(ctx, handlers.RecoOptions{
		Config:    opts.Config,
		Processor: opts.Processor,
		Store:     opts.Store,
		Notifier:  notifier,
		Workers:   opts.Config.Server.Workers,
	})

	mux := http.NewServeMux()
	mux.Handle("/reconstruct", s.reco)
	mux.Handle("GET /results/{id}", handlers.NewResultsHandler(opts.Store))
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /debug/gc", s.gcHandler)

	s.httpServer = &http.Server{
		Addr:         ":" + opts.Config.Server.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// healthHandler provides a simple health check endpoint
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// gcReport is the payload of /debug/gc.
type gcReport struct {
	Runs          uint32  `json:"gc_runs"`
	PauseTotalMs  float64 `json:"pause_total_ms"`
	PauseRecentUs float64 `json:"pause_recent_us"`
	CPUPercent    float64 `json:"cpu_percent"`
	LastGC        string  `json:"last_gc"`
	Timestamp     string  `json:"timestamp"`
}

func readGCReport() gcReport {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	rep := gcReport{
		Runs:         m.NumGC,
		PauseTotalMs: float64(m.PauseTotalNs) / 1e6,
		CPUPercent:   m.GCCPUFraction * 100,
		Timestamp:    time.Now().Format(time.RFC3339),
	}
	if m.NumGC > 0 {
		rep.PauseRecentUs = float64(m.PauseNs[(m.NumGC+255)%256]) / 1e3
		rep.LastGC = time.Unix(0, int64(m.LastGC)).Format(time.RFC3339)
	}
	return rep
}

// gcHandler returns garbage collection statistics
func (s *Server) gcHandler(w http.ResponseWriter, r *http.Request) {
	rep := readGCReport()
	logger.Debug("gc: runs=%d, total pause=%.2fms, recent pause=%.2fus, cpu=%.2f%%",
		rep.Runs, rep.PauseTotalMs, rep.PauseRecentUs, rep.CPUPercent)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(rep)
}

// Start starts the HTTP server and blocks until it is shut down.
func (s *Server) Start() error {
	if err := s.profiler.Start(); err != nil {
		logger.Error("failed to start profiler: %v", err)
	}

	port := s.config.Server.Port
	logger.Info("starting HTTP server on port %s", port)
	logger.Info("  - Reconstruct: POST http://localhost:%s/reconstruct", port)
	logger.Info("  - Results:     GET  http://localhost:%s/results/{id}", port)
	logger.Info("  - Health:      GET  http://localhost:%s/health", port)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels running reconstructions and
// waits for them to return.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("shutting down server...")

	err := s.httpServer.Shutdown(ctx)
	s.cancel()
	s.reco.Wait()

	if perr := s.profiler.Stop(); perr != nil {
		logger.Warn("profiler shutdown error: %v", perr)
	}
	logger.Info("server shutdown complete")
	return err
}
