package processing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"time"

	"github.com/kacperjurak/goretro"
	"github.com/kacperjurak/goretro/internal/logger"
	"github.com/kacperjurak/goretro/internal/utils"
	"github.com/kacperjurak/goretro/pkg/config"
	"github.com/kacperjurak/goretro/pkg/models"
	"github.com/kacperjurak/goretro/pkg/worker"
)

// startSpread is the jitter of additional start points as a fraction of
// the bound widths.
const startSpread = 0.1

// ErrAllStartsFailed is returned when no minimization produced a result.
var ErrAllStartsFailed = errors.New("all minimizations failed")

// RecoProcessor reconstructs single events.
type RecoProcessor struct{}

// NewRecoProcessor creates a new reconstruction processor
func NewRecoProcessor() *RecoProcessor {
	return &RecoProcessor{}
}

// NewGenerator builds the source kernels described by phys. Kernels with
// zero luminosity are left out.
func NewGenerator(phys config.PhysicsConfig, domain goretro.DomainChecker) *goretro.SourceGenerator {
	gen := &goretro.SourceGenerator{Domain: domain}
	if phys.PhotonsPerGeV > 0 {
		gen.Scaling = goretro.CascadeKernel{
			PhotonsPerGeV: phys.PhotonsPerGeV,
			Length:        phys.CascadeLength,
			Samples:       phys.CascadeSamples,
		}
	}
	if phys.PhotonsPerMeter > 0 {
		gen.Pegleg = goretro.TrackKernel{
			PhotonsPerMeter: phys.PhotonsPerMeter,
			SegmentLength:   phys.SegmentLength,
			EnergyPerMeter:  phys.EnergyPerMeter,
		}
	}
	if phys.VertexLuminosity > 0 {
		gen.Generic = goretro.VertexKernel{Luminosity: phys.VertexLuminosity}
	}
	return gen
}

// problem is everything needed to minimize one event.
type problem struct {
	event  *goretro.Event
	mode   goretro.Mode
	obj    *goretro.GenericObjective
	gen    *goretro.SourceGenerator
	bounds goretro.Bounds
	seed   []float64
}

func (p *RecoProcessor) prepare(ef *models.EventFile, tf *models.TableFile, cfg *config.Config) (*problem, error) {
	ev, err := ef.Event()
	if err != nil {
		return nil, fmt.Errorf("invalid event %s: %w", ef.ID, err)
	}
	mode := cfg.HypothesisMode()

	table, err := tf.Build(func(id int) bool {
		s, ok := ev.Sensor(id)
		return !ok || s.Operational
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build table: %w", err)
	}

	gen := NewGenerator(cfg.Physics, table)
	eval := goretro.NewEvaluator(table, ev, goretro.EvaluatorOptions{
		Epsilon: cfg.Reco.Epsilon,
		Threads: cfg.Reco.Threads,
	})

	lo, hi := table.Domain()
	t0 := ev.EarliestTime()
	bounds := goretro.NewBounds(mode, lo, hi, t0-cfg.Reco.TimeBefore, t0+cfg.Reco.TimeAfter)

	obj, err := goretro.NewObjective(eval, gen, goretro.ObjectiveConfig{
		Mode:           mode,
		Pegleg:         cfg.Pegleg,
		Scaling:        cfg.Scaling,
		Bounds:         bounds,
		InvalidPenalty: cfg.Reco.InvalidPenalty,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build objective: %w", err)
	}

	var seed []float64
	if len(cfg.Reco.InitValues) > 0 {
		seed = append(seed, cfg.Reco.InitValues...)
		logger.Debug("using provided initial values: %v", seed)
	} else {
		seed, err = goretro.InitialValues(ev, tf.Sensors, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to seed event %s: %w", ev.ID, err)
		}
		logger.Debug("using hit-derived initial values: %v", seed)
	}
	if len(seed) != mode.GenericDim() {
		return nil, fmt.Errorf("%w: %d initial values for mode %s", goretro.ErrDimension, len(seed), mode)
	}
	bounds.Clamp(seed, seed)

	return &problem{event: ev, mode: mode, obj: obj, gen: gen, bounds: bounds, seed: seed}, nil
}

// starts returns the seed followed by n-1 jittered copies.
func (pr *problem) starts(n int, seed uint64) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := [][]float64{append([]float64(nil), pr.seed...)}
	for i := 1; i < n; i++ {
		x := make([]float64, len(pr.seed))
		for j, v := range pr.seed {
			x[j] = v + rng.NormFloat64()*startSpread*(pr.bounds.Upper[j]-pr.bounds.Lower[j])
		}
		pr.bounds.Clamp(x, x)
		out = append(out, x)
	}
	return out
}

// Process reconstructs one event.
func (p *RecoProcessor) Process(ctx context.Context, ef *models.EventFile, tf *models.TableFile, cfg *config.Config) (goretro.Result, error) {
	if err := cfg.Validate(); err != nil {
		return goretro.Result{}, fmt.Errorf("invalid configuration: %w", err)
	}
	started := time.Now()

	pr, err := p.prepare(ef, tf, cfg)
	if err != nil {
		return goretro.Result{}, err
	}
	logger.Info("event %s: %d hits on %d sensors, charge %.1f, mode %s",
		pr.event.ID, pr.event.NumHits(), len(pr.event.HitSensors()), pr.event.TotalCharge(), pr.mode)

	methods := []string{cfg.Reco.Method}
	if cfg.Reco.Method == config.MethodAll {
		methods = goretro.Methods()
	}

	var (
		best       goretro.Minimum
		bestMethod string
		iters      int
		evals      int
		found      bool
	)
	for _, method := range methods {
		m, it, ev, err := p.runMethod(ctx, pr, method, cfg)
		iters += it
		evals += ev
		if err != nil {
			if ctx.Err() != nil {
				return goretro.Result{}, err
			}
			logger.Warn("event %s: method %s failed: %v", pr.event.ID, method, err)
			continue
		}
		logger.Debug("event %s: method %s reached %.6f", pr.event.ID, method, m.F)
		if !found || m.F < best.F {
			best, bestMethod, found = m, method, true
		}
	}
	if !found {
		return goretro.Result{ID: utils.GenerateID(), EventID: pr.event.ID, Method: cfg.Reco.Method, Status: goretro.StatusFailed},
			fmt.Errorf("event %s: %w", pr.event.ID, ErrAllStartsFailed)
	}

	trial := pr.obj.Trial(best.X)
	res := goretro.NewResult(trial, pr.mode, best)
	res.ID = utils.GenerateID()
	res.EventID = pr.event.ID
	res.Method = bestMethod
	res.Iterations = iters
	res.FuncEvals = evals
	res.Runtime = time.Since(started).Seconds()

	stats := pr.obj.Stats()
	res.ClampedHits = stats.Clamped
	if stats.Clamped > 0 {
		logger.Warn("event %s: lambda+noise clamped to epsilon %d times over %d evaluations", pr.event.ID, stats.Clamped, stats.Evaluations)
	}
	if !trial.PeglegConverged {
		logger.Warn("event %s: pegleg loop reached %d steps without converging", pr.event.ID, trial.PeglegStop)
	}

	logger.Info("event %s: method=%s -llh=%.4f cascade=%.3g track=%.3g status=%s (%.2fs)",
		pr.event.ID, res.Method, res.NegLLH, res.CascadeEnergy, res.TrackEnergy, res.Status, res.Runtime)
	return res, nil
}

// runMethod minimizes from all start points concurrently and returns the
// best minimum with the summed iteration and evaluation counts.
func (p *RecoProcessor) runMethod(ctx context.Context, pr *problem, method string, cfg *config.Config) (goretro.Minimum, int, int, error) {
	minimizer, err := goretro.NewMinimizer(method, cfg.Minimizer)
	if err != nil {
		return goretro.Minimum{}, 0, 0, err
	}

	starts := pr.starts(cfg.Reco.Starts, cfg.Restarts.Seed)
	pool := worker.New(worker.Options{
		Workers: min(len(starts), runtime.GOMAXPROCS(0)),
		Processor: func(item models.WorkItem) (goretro.Minimum, error) {
			m := *minimizer
			m.Settings.Seed = cfg.Minimizer.Seed + uint64(item.ID)
			s := goretro.NewSolver(pr.obj, &m, item.Start)
			s.Settings = cfg.Restarts
			s.Settings.Seed = item.Seed
			return s.Solve()
		},
	})
	defer pool.Shutdown()

	go func() {
		for i, x := range starts {
			ok := pool.SubmitJob(models.WorkItem{
				ID:        i,
				EventID:   pr.event.ID,
				Start:     x,
				Seed:      cfg.Restarts.Seed + uint64(i),
				StartTime: time.Now(),
			})
			if !ok {
				return
			}
		}
	}()

	results, err := pool.Collect(ctx, len(starts))
	if err != nil {
		return goretro.Minimum{}, 0, 0, err
	}

	return selectBest(method, results)
}

// selectBest picks the lowest minimum among successful starts and sums
// their iteration and evaluation counts. Results arrive in completion
// order, so they are ordered by start first and ties go to the lowest
// start.
func selectBest(method string, results []models.WorkResult) (goretro.Minimum, int, int, error) {
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })

	best := goretro.Minimum{F: math.Inf(1)}
	iters, evals, ok := 0, 0, false
	for _, r := range results {
		if !r.Success {
			logger.Warn("event %s: start %d (%s) failed: %v", r.EventID, r.ID, method, r.Err)
			continue
		}
		iters += r.Minimum.Iterations
		evals += r.Minimum.FuncEvals
		logger.Debug("event %s: start %d (%s) f=%.6f in %v", r.EventID, r.ID, method, r.Minimum.F, r.ProcessingTime)
		if !ok || r.Minimum.F < best.F {
			best, ok = r.Minimum, true
		}
	}
	if !ok {
		return goretro.Minimum{}, iters, evals, ErrAllStartsFailed
	}
	return best, iters, evals, nil
}
