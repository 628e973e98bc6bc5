package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kacperjurak/goretro"
	"github.com/kacperjurak/goretro/internal/logger"
	"github.com/kacperjurak/goretro/internal/plotting"
	"github.com/kacperjurak/goretro/internal/processing"
	"github.com/kacperjurak/goretro/internal/storage"
	"github.com/kacperjurak/goretro/pkg/config"
	"github.com/kacperjurak/goretro/pkg/models"
	"github.com/kacperjurak/goretro/pkg/profiling"
	"github.com/kacperjurak/goretro/pkg/server"
)

type flags struct {
	config     string
	event      string
	table      string
	method     string
	mode       string
	initValues config.ArrayFlags
	starts     int
	db         string
	plot       string
	logLevel   string
	profile    bool
	server     bool
	port       string
	quiet      bool
}

func main() {
	f := parseFlags()

	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(2)
	}
	applyFlags(cfg, f)

	level := cfg.Logging.Level
	if cfg.Quiet {
		level = "warn"
	}
	logger.Init(level, cfg.Logging.Format)

	if cfg.Server.Enabled {
		if err := runServer(cfg); err != nil {
			logger.Fatal("server error: %v", err)
		}
		return
	}

	if f.event == "" || f.table == "" {
		logger.Fatal("both -event and -table are required")
	}

	profiler := profiling.New(cfg.Profiling)
	if err := profiler.Start(); err != nil {
		logger.Fatal("failed to start profiler: %v", err)
	}
	defer profiler.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f); err != nil {
		logger.Error("%v", err)
		profiler.Stop()
		os.Exit(1)
	}
}

// parseFlags parses command line flags
func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.config, "config", "", "Configuration file (yaml, json or toml)")
	flag.StringVar(&f.event, "event", "", "Event file (json)")
	flag.StringVar(&f.table, "table", "", "Detector geometry and photon table file (json)")
	flag.StringVar(&f.method, "method", "", "Minimization method, or \"all\" to try every method")
	flag.StringVar(&f.mode, "mode", "", "Hypothesis mode (10d or 8d)")
	flag.Var(&f.initValues, "v", "Initial generic parameters (repeat per value)")
	flag.IntVar(&f.starts, "starts", 0, "Number of start points")
	flag.StringVar(&f.db, "db", "", "SQLite database to store the result in")
	flag.StringVar(&f.plot, "plot", "", "Path of the pegleg profile plot (png, svg or pdf)")
	flag.StringVar(&f.logLevel, "log", "", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&f.profile, "profile", false, "Enable pprof profiling")
	flag.BoolVar(&f.server, "server", false, "Start the HTTP reconstruction server")
	flag.StringVar(&f.port, "port", "", "HTTP server port")
	flag.BoolVar(&f.quiet, "q", false, "Quiet mode")
	flag.Parse()
	return f
}

// applyFlags overrides the configuration with the flags given explicitly.
func applyFlags(cfg *config.Config, f *flags) {
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "method":
			cfg.Reco.Method = f.method
		case "mode":
			cfg.Reco.Mode = f.mode
		case "v":
			cfg.Reco.InitValues = f.initValues
		case "starts":
			cfg.Reco.Starts = f.starts
		case "db":
			cfg.Storage.Path = f.db
		case "plot":
			cfg.Plot.Path = f.plot
		case "log":
			cfg.Logging.Level = f.logLevel
		case "profile":
			cfg.Profiling.Enabled = f.profile
		case "server":
			cfg.Server.Enabled = f.server
		case "port":
			cfg.Server.Port = f.port
		case "q":
			cfg.Quiet = f.quiet
		}
	})
}

// runServer serves reconstructions over HTTP until SIGINT or SIGTERM.
func runServer(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	opts := server.Options{
		Config:    cfg,
		Processor: processing.NewRecoProcessor().Process,
	}
	if cfg.Storage.Path != "" {
		store, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Store = store
	}
	srv := server.New(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		logger.Info("received shutdown signal")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("error during shutdown: %v", err)
		}
	}()

	if err := srv.Start(); err != nil {
		return err
	}
	<-done
	return nil
}

func run(ctx context.Context, cfg *config.Config, f *flags) error {
	ef, err := models.LoadEventFile(f.event)
	if err != nil {
		return err
	}
	tf, err := models.LoadTableFile(f.table)
	if err != nil {
		return err
	}

	res, err := processing.NewRecoProcessor().Process(ctx, ef, tf, cfg)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(out))

	if cfg.Storage.Path != "" {
		store, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.SaveResult(ctx, res); err != nil {
			return fmt.Errorf("failed to store result: %w", err)
		}
		logger.Info("stored result %s in %s", res.ID, cfg.Storage.Path)
	}

	if cfg.Plot.Path != "" {
		track := processing.NewGenerator(cfg.Physics, nil)
		title := fmt.Sprintf("event %s (%s)", res.EventID, res.Status)
		if err := plotting.SaveProfile(cfg.Plot.Path, title, res.Profile, track.PeglegEnergy, cfg.Plot.Width, cfg.Plot.Height); err != nil {
			return fmt.Errorf("failed to save plot: %w", err)
		}
		logger.Info("saved pegleg profile to %s", cfg.Plot.Path)
	}

	if res.Status != goretro.StatusOK {
		logger.Warn("event %s finished with status %s", res.EventID, res.Status)
	}
	return nil
}
