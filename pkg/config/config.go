package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kacperjurak/goretro"
	"github.com/spf13/viper"
)

// ArrayFlags collects repeated float flags such as -v 1 -v 2.
type ArrayFlags []float64

func (a *ArrayFlags) String() string {
	parts := make([]string, len(*a))
	for i, v := range *a {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func (a *ArrayFlags) Set(value string) error {
	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	*a = append(*a, val)
	return nil
}

// MethodAll runs every minimization strategy and keeps the best.
const MethodAll = "all"

// Config holds all settings of a reconstruction run.
type Config struct {
	Reco      RecoConfig                `mapstructure:"reco"`
	Pegleg    goretro.PeglegConfig      `mapstructure:"pegleg"`
	Scaling   goretro.ScalingSolver     `mapstructure:"scaling"`
	Minimizer goretro.MinimizerSettings `mapstructure:"minimizer"`
	Restarts  goretro.SolverSettings    `mapstructure:"restarts"`
	Physics   PhysicsConfig             `mapstructure:"physics"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Plot      PlotConfig                `mapstructure:"plot"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Profiling ProfilingConfig           `mapstructure:"profiling"`
	Server    ServerConfig              `mapstructure:"server"`
	Quiet     bool                      `mapstructure:"quiet"`
}

// RecoConfig selects the hypothesis and the outer minimizer.
type RecoConfig struct {
	Method     string     `mapstructure:"method"`
	Mode       string     `mapstructure:"mode"`
	Starts     int        `mapstructure:"starts"`
	InitValues ArrayFlags `mapstructure:"init_values"`
	// TimeBefore and TimeAfter bound the vertex time around the earliest hit, ns.
	TimeBefore     float64 `mapstructure:"time_before"`
	TimeAfter      float64 `mapstructure:"time_after"`
	Threads        int     `mapstructure:"threads"`
	Epsilon        float64 `mapstructure:"epsilon"`
	InvalidPenalty float64 `mapstructure:"invalid_penalty"`
}

// PhysicsConfig parametrises the light-source kernels.
type PhysicsConfig struct {
	PhotonsPerGeV    float64 `mapstructure:"photons_per_gev"`
	CascadeLength    float64 `mapstructure:"cascade_length"`
	CascadeSamples   int     `mapstructure:"cascade_samples"`
	PhotonsPerMeter  float64 `mapstructure:"photons_per_meter"`
	SegmentLength    float64 `mapstructure:"segment_length"`
	EnergyPerMeter   float64 `mapstructure:"energy_per_meter"`
	VertexLuminosity float64 `mapstructure:"vertex_luminosity"`
}

// StorageConfig points at the result database; empty disables storage.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// PlotConfig controls the pegleg profile plot; empty path disables it.
type PlotConfig struct {
	Path   string  `mapstructure:"path"`
	Width  float64 `mapstructure:"width"`
	Height float64 `mapstructure:"height"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProfilingConfig enables the pprof server.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    string `mapstructure:"port"`
}

// ServerConfig holds HTTP server specific configuration
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    string `mapstructure:"port"`
	// WebhookURL receives every finished result; empty disables it.
	WebhookURL string `mapstructure:"webhook_url"`
	// Workers bounds the number of reconstructions running at once.
	Workers int `mapstructure:"workers"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Reco: RecoConfig{
			Method:         goretro.MethodNelderMead,
			Mode:           "10d",
			Starts:         4,
			TimeBefore:     1000,
			TimeAfter:      200,
			Threads:        1,
			Epsilon:        goretro.DefaultEpsilon,
			InvalidPenalty: goretro.DefaultInvalidPenalty,
		},
		Pegleg:    goretro.DefaultPeglegConfig(),
		Scaling:   goretro.DefaultScalingSolver(),
		Minimizer: goretro.DefaultMinimizerSettings(),
		Restarts:  goretro.DefaultSolverSettings(),
		Physics: PhysicsConfig{
			PhotonsPerGeV:   1e5,
			CascadeLength:   5,
			CascadeSamples:  5,
			PhotonsPerMeter: 2e4,
			SegmentLength:   1,
			EnergyPerMeter:  0.2,
		},
		Plot:      PlotConfig{Width: 16, Height: 10},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Profiling: ProfilingConfig{Port: "6060"},
		Server:    ServerConfig{Port: "8080", Workers: 2},
	}
}

// Load reads configuration from an optional file and RETRO_* environment
// variables on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RETRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("reco.method", d.Reco.Method)
	v.SetDefault("reco.mode", d.Reco.Mode)
	v.SetDefault("reco.starts", d.Reco.Starts)
	v.SetDefault("reco.init_values", []float64{})
	v.SetDefault("reco.time_before", d.Reco.TimeBefore)
	v.SetDefault("reco.time_after", d.Reco.TimeAfter)
	v.SetDefault("reco.threads", d.Reco.Threads)
	v.SetDefault("reco.epsilon", d.Reco.Epsilon)
	v.SetDefault("reco.invalid_penalty", d.Reco.InvalidPenalty)

	v.SetDefault("pegleg.seed_steps", d.Pegleg.SeedSteps)
	v.SetDefault("pegleg.step_size", d.Pegleg.StepSize)
	v.SetDefault("pegleg.growth", d.Pegleg.Growth)
	v.SetDefault("pegleg.max_steps", d.Pegleg.MaxSteps)
	v.SetDefault("pegleg.tolerance", d.Pegleg.Tolerance)

	v.SetDefault("scaling.alpha_max", d.Scaling.AlphaMax)
	v.SetDefault("scaling.tolerance", d.Scaling.Tolerance)
	v.SetDefault("scaling.max_iterations", d.Scaling.MaxIterations)
	v.SetDefault("scaling.method", d.Scaling.Method)

	v.SetDefault("minimizer.major_iterations", d.Minimizer.MajorIterations)
	v.SetDefault("minimizer.func_evaluations", d.Minimizer.FuncEvaluations)
	v.SetDefault("minimizer.gradient_threshold", d.Minimizer.GradientThreshold)
	v.SetDefault("minimizer.concurrent", d.Minimizer.Concurrent)
	v.SetDefault("minimizer.wall_penalty", d.Minimizer.WallPenalty)
	v.SetDefault("minimizer.population", d.Minimizer.Population)
	v.SetDefault("minimizer.step_size", d.Minimizer.StepSize)
	v.SetDefault("minimizer.seed", d.Minimizer.Seed)

	v.SetDefault("restarts.max_restarts", d.Restarts.MaxRestarts)
	v.SetDefault("restarts.restart_tolerance", d.Restarts.RestartTolerance)
	v.SetDefault("restarts.perturbation", d.Restarts.Perturbation)
	v.SetDefault("restarts.seed", d.Restarts.Seed)

	v.SetDefault("physics.photons_per_gev", d.Physics.PhotonsPerGeV)
	v.SetDefault("physics.cascade_length", d.Physics.CascadeLength)
	v.SetDefault("physics.cascade_samples", d.Physics.CascadeSamples)
	v.SetDefault("physics.photons_per_meter", d.Physics.PhotonsPerMeter)
	v.SetDefault("physics.segment_length", d.Physics.SegmentLength)
	v.SetDefault("physics.energy_per_meter", d.Physics.EnergyPerMeter)
	v.SetDefault("physics.vertex_luminosity", d.Physics.VertexLuminosity)

	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("plot.path", d.Plot.Path)
	v.SetDefault("plot.width", d.Plot.Width)
	v.SetDefault("plot.height", d.Plot.Height)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("profiling.enabled", d.Profiling.Enabled)
	v.SetDefault("profiling.port", d.Profiling.Port)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.webhook_url", d.Server.WebhookURL)
	v.SetDefault("server.workers", d.Server.Workers)

	v.SetDefault("quiet", d.Quiet)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	var errs []error

	if c.Reco.Method != MethodAll {
		if _, err := goretro.NewMinimizer(c.Reco.Method, c.Minimizer); err != nil {
			errs = append(errs, fmt.Errorf("reco.method: %w", err))
		}
	}
	mode, err := goretro.ParseMode(c.Reco.Mode)
	if err != nil {
		errs = append(errs, fmt.Errorf("reco.mode: %w", err))
	}
	if c.Reco.Starts < 1 {
		errs = append(errs, errors.New("reco.starts must be at least 1"))
	}
	if n := len(c.Reco.InitValues); n > 0 && err == nil && n != mode.GenericDim() {
		errs = append(errs, fmt.Errorf("reco.init_values has %d values, mode %s needs %d", n, mode, mode.GenericDim()))
	}
	if c.Reco.TimeBefore < 0 || c.Reco.TimeAfter < 0 || c.Reco.TimeBefore+c.Reco.TimeAfter <= 0 {
		errs = append(errs, errors.New("reco.time_before and reco.time_after must span a positive window"))
	}
	if c.Reco.Threads < 1 {
		errs = append(errs, errors.New("reco.threads must be at least 1"))
	}
	if c.Reco.Epsilon <= 0 {
		errs = append(errs, errors.New("reco.epsilon must be positive"))
	}
	if c.Reco.InvalidPenalty <= 0 {
		errs = append(errs, errors.New("reco.invalid_penalty must be positive"))
	}

	if err := c.Pegleg.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Scaling.AlphaMax <= 0 {
		errs = append(errs, errors.New("scaling.alpha_max must be positive"))
	}
	if c.Scaling.Tolerance <= 0 {
		errs = append(errs, errors.New("scaling.tolerance must be positive"))
	}
	if c.Scaling.MaxIterations < 1 {
		errs = append(errs, errors.New("scaling.max_iterations must be at least 1"))
	}
	if c.Scaling.Method != goretro.ScalingNewton && c.Scaling.Method != goretro.ScalingLM {
		errs = append(errs, fmt.Errorf("scaling.method must be one of: %s, %s", goretro.ScalingNewton, goretro.ScalingLM))
	}

	if c.Minimizer.WallPenalty <= 0 {
		errs = append(errs, errors.New("minimizer.wall_penalty must be positive"))
	}
	if c.Restarts.MaxRestarts < 0 {
		errs = append(errs, errors.New("restarts.max_restarts must not be negative"))
	}
	if c.Restarts.Perturbation < 0 {
		errs = append(errs, errors.New("restarts.perturbation must not be negative"))
	}

	if c.Physics.PhotonsPerGeV < 0 || c.Physics.PhotonsPerMeter < 0 || c.Physics.VertexLuminosity < 0 {
		errs = append(errs, errors.New("physics luminosities must not be negative"))
	}
	if c.Physics.PhotonsPerMeter > 0 && (c.Physics.SegmentLength <= 0 || c.Physics.EnergyPerMeter <= 0) {
		errs = append(errs, errors.New("physics.segment_length and physics.energy_per_meter must be positive for a track"))
	}

	if c.Plot.Path != "" && (c.Plot.Width <= 0 || c.Plot.Height <= 0) {
		errs = append(errs, errors.New("plot.width and plot.height must be positive"))
	}

	if c.Server.Enabled && (c.Server.Port == "" || c.Server.Workers < 1) {
		errs = append(errs, errors.New("server.port must be set and server.workers must be at least 1"))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "silent": true}
	if !validLogLevels[c.Logging.Level] {
		errs = append(errs, errors.New("logging.level must be one of: debug, info, warn, error, silent"))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, errors.New("logging.format must be one of: json, text"))
	}

	return errors.Join(errs...)
}

// HypothesisMode returns the parsed reco.mode.
func (c *Config) HypothesisMode() goretro.Mode {
	m, _ := goretro.ParseMode(c.Reco.Mode)
	return m
}
