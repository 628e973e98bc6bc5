package goretro

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"strings"
	"time"

	"github.com/kacperjurak/goretro/internal/logger"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Outer minimization strategies.
const (
	MethodNelderMead      = "nelder-mead"
	MethodLBFGS           = "lbfgs"
	MethodBFGS            = "bfgs"
	MethodGradientDescent = "gradient-descent"
	MethodNewton          = "newton"
	MethodCmaEs           = "cmaes"
)

// Methods lists the supported strategies.
func Methods() []string {
	return []string{MethodNelderMead, MethodLBFGS, MethodBFGS, MethodGradientDescent, MethodNewton, MethodCmaEs}
}

// Bounds is the box the generic parameters are confined to.
type Bounds struct {
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`
}

// NewBounds builds the generic-parameter box for mode from a spatial box
// and a time window. Zenith angles span [0, pi], azimuths [0, 2pi].
func NewBounds(mode Mode, lo, hi [3]float64, t0, t1 float64) Bounds {
	b := Bounds{
		Lower: []float64{lo[0], lo[1], lo[2], t0, 0, 0},
		Upper: []float64{hi[0], hi[1], hi[2], t1, math.Pi, 2 * math.Pi},
	}
	if mode == Mode10 {
		b.Lower = append(b.Lower, 0, 0)
		b.Upper = append(b.Upper, math.Pi, 2*math.Pi)
	}
	return b
}

func (b Bounds) validate(dim int) error {
	if len(b.Lower) != dim || len(b.Upper) != dim {
		return fmt.Errorf("%w: bounds have %d/%d entries, want %d", ErrDimension, len(b.Lower), len(b.Upper), dim)
	}
	for i := range b.Lower {
		lo, hi := b.Lower[i], b.Upper[i]
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || !(hi > lo) {
			return fmt.Errorf("bounds %d: need finite lower < upper, got [%g, %g]", i, lo, hi)
		}
	}
	return nil
}

func (b Bounds) clone() Bounds {
	return Bounds{
		Lower: append([]float64(nil), b.Lower...),
		Upper: append([]float64(nil), b.Upper...),
	}
}

// Contains reports whether x lies inside the box.
func (b Bounds) Contains(x []float64) bool {
	for i, v := range x {
		if !(v >= b.Lower[i] && v <= b.Upper[i]) {
			return false
		}
	}
	return true
}

// Clamp writes x clamped into the box to dst.
func (b Bounds) Clamp(dst, x []float64) {
	for i, v := range x {
		dst[i] = math.Min(math.Max(v, b.Lower[i]), b.Upper[i])
	}
}

// Objective is the capability the outer minimizer consumes.
type Objective interface {
	Evaluate(x []float64) float64
	Dim() int
	Bounds() Bounds
}

// GradientObjective is an Objective with an analytic gradient.
type GradientObjective interface {
	Objective
	Gradient(grad, x []float64)
}

// Minimum is the outcome of one minimization.
type Minimum struct {
	X          []float64
	F          float64
	Iterations int
	FuncEvals  int
	Status     string
	Runtime    time.Duration
}

// Minimizer is a pluggable outer minimization strategy.
type Minimizer interface {
	Minimize(obj Objective, x0 []float64) (Minimum, error)
}

// MinimizerSettings tunes the gonum-backed strategies.
type MinimizerSettings struct {
	MajorIterations   int     `mapstructure:"major_iterations" json:"major_iterations"`
	FuncEvaluations   int     `mapstructure:"func_evaluations" json:"func_evaluations"`
	GradientThreshold float64 `mapstructure:"gradient_threshold" json:"gradient_threshold"`
	// Concurrent is the number of parallel evaluations for strategies that
	// support it.
	Concurrent int `mapstructure:"concurrent" json:"concurrent"`
	// WallPenalty weights the squared distance outside the bounds, measured
	// in units of the bound widths.
	WallPenalty float64 `mapstructure:"wall_penalty" json:"wall_penalty"`
	// Population is the CMA-ES population size; zero picks the default.
	Population int `mapstructure:"population" json:"population"`
	// StepSize is the initial simplex size or CMA-ES step, as a fraction of
	// the bound widths.
	StepSize float64 `mapstructure:"step_size" json:"step_size"`
	// Seed drives the samplers of stochastic strategies (CMA-ES).
	Seed uint64 `mapstructure:"seed" json:"seed"`
}

// DefaultMinimizerSettings returns settings suitable for a handful of
// generic parameters.
func DefaultMinimizerSettings() MinimizerSettings {
	return MinimizerSettings{
		MajorIterations: 0,
		FuncEvaluations: 20000,
		Concurrent:      runtime.GOMAXPROCS(0),
		WallPenalty:     1e6,
		StepSize:        0.05,
		Seed:            1,
	}
}

// GonumMinimizer runs one of the gonum optimize methods in a unit box.
// Parameters are mapped linearly onto [0, 1] so that positions, times and
// angles share one scale.
type GonumMinimizer struct {
	Method   string
	Settings MinimizerSettings
}

// NewMinimizer returns the strategy named method.
func NewMinimizer(method string, settings MinimizerSettings) (*GonumMinimizer, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		method = MethodNelderMead
	}
	for _, m := range Methods() {
		if m == method {
			return &GonumMinimizer{Method: method, Settings: settings}, nil
		}
	}
	return nil, fmt.Errorf("unknown minimization method %q (want one of %s)", method, strings.Join(Methods(), ", "))
}

func (g *GonumMinimizer) method() optimize.Method {
	step := g.Settings.StepSize
	if step <= 0 {
		step = 0.05
	}
	switch g.Method {
	case MethodLBFGS:
		return &optimize.LBFGS{}
	case MethodBFGS:
		return &optimize.BFGS{}
	case MethodGradientDescent:
		return &optimize.GradientDescent{}
	case MethodNewton:
		return &optimize.Newton{}
	case MethodCmaEs:
		seed := g.Settings.Seed
		return &optimize.CmaEsChol{
			InitStepSize: step,
			Population:   g.Settings.Population,
			Src:          rand.NewPCG(seed, seed^0xda3e39cb94b95bdb),
		}
	}
	return &optimize.NelderMead{SimplexSize: step}
}

// unitProblem maps the unit box onto the bounds of obj.
type unitProblem struct {
	obj   Objective
	lo    []float64
	width []float64
	wall  float64
}

func newUnitProblem(obj Objective, wall float64) (*unitProblem, error) {
	b := obj.Bounds()
	if err := b.validate(obj.Dim()); err != nil {
		return nil, err
	}
	p := &unitProblem{obj: obj, lo: b.Lower, width: make([]float64, len(b.Lower)), wall: wall}
	for i := range p.width {
		p.width[i] = b.Upper[i] - b.Lower[i]
	}
	return p, nil
}

// toX clamps u into the unit box, maps it to parameter space and returns
// the squared distance u lay outside the box.
func (p *unitProblem) toX(dst, u []float64) float64 {
	excess := 0.0
	for i, v := range u {
		c := math.Min(math.Max(v, 0), 1)
		excess += (v - c) * (v - c)
		dst[i] = p.lo[i] + c*p.width[i]
	}
	return excess
}

func (p *unitProblem) toU(dst, x []float64) {
	for i, v := range x {
		dst[i] = (v - p.lo[i]) / p.width[i]
	}
}

func (p *unitProblem) f(u []float64) float64 {
	x := make([]float64, len(u))
	excess := p.toX(x, u)
	return p.obj.Evaluate(x) + p.wall*excess
}

func (p *unitProblem) grad(grad, u []float64) {
	gobj, ok := p.obj.(GradientObjective)
	if !ok {
		fd.Gradient(grad, p.f, u, &fd.Settings{Formula: fd.Central})
		return
	}
	x := make([]float64, len(u))
	p.toX(x, u)
	gobj.Gradient(grad, x)
	for i, v := range u {
		switch {
		case v < 0:
			grad[i] = 2 * p.wall * v
		case v > 1:
			grad[i] = 2 * p.wall * (v - 1)
		default:
			grad[i] *= p.width[i]
		}
	}
}

func (p *unitProblem) hess(h *mat.SymDense, u []float64) {
	fd.Hessian(h, p.f, u, nil)
}

// Minimize implements Minimizer.
func (g *GonumMinimizer) Minimize(obj Objective, x0 []float64) (Minimum, error) {
	if len(x0) != obj.Dim() {
		return Minimum{}, fmt.Errorf("%w: start point has %d values, want %d", ErrDimension, len(x0), obj.Dim())
	}
	up, err := newUnitProblem(obj, g.Settings.WallPenalty)
	if err != nil {
		return Minimum{}, err
	}

	problem := optimize.Problem{Func: up.f}
	switch g.Method {
	case MethodLBFGS, MethodBFGS, MethodGradientDescent:
		problem.Grad = up.grad
	case MethodNewton:
		problem.Grad = up.grad
		problem.Hess = up.hess
	}

	settings := &optimize.Settings{
		GradientThreshold: g.Settings.GradientThreshold,
		MajorIterations:   g.Settings.MajorIterations,
		FuncEvaluations:   g.Settings.FuncEvaluations,
		Concurrent:        g.Settings.Concurrent,
	}
	if g.Method == MethodCmaEs {
		// CMA-ES stops on covariance collapse or the evaluation budget.
		settings.Converger = optimize.NeverTerminate{}
	}

	u0 := make([]float64, len(x0))
	up.toU(u0, x0)
	logger.Debug("minimize: method=%s start=%v", g.Method, x0)

	res, err := optimize.Minimize(problem, u0, settings, g.method())
	if res == nil {
		return Minimum{}, fmt.Errorf("%s minimization failed: %w", g.Method, err)
	}
	if err != nil {
		logger.Warn("%s minimization stopped early: %v", g.Method, err)
	}

	x := make([]float64, len(res.X))
	up.toX(x, res.X)
	for _, v := range x {
		if math.IsNaN(v) {
			return Minimum{}, fmt.Errorf("%s minimization produced a non-finite point", g.Method)
		}
	}
	return Minimum{
		X:          x,
		F:          obj.Evaluate(x),
		Iterations: res.Stats.MajorIterations,
		FuncEvals:  res.Stats.FuncEvaluations,
		Status:     res.Status.String(),
		Runtime:    res.Stats.Runtime,
	}, nil
}

// SolverSettings controls restarts around the best point found so far.
type SolverSettings struct {
	MaxRestarts      int     `mapstructure:"max_restarts" json:"max_restarts"`
	RestartTolerance float64 `mapstructure:"restart_tolerance" json:"restart_tolerance"`
	// Perturbation is the standard deviation of the restart jitter as a
	// fraction of the bound widths.
	Perturbation float64 `mapstructure:"perturbation" json:"perturbation"`
	Seed         uint64  `mapstructure:"seed" json:"seed"`
}

// DefaultSolverSettings returns a small restart budget.
func DefaultSolverSettings() SolverSettings {
	return SolverSettings{
		MaxRestarts:      3,
		RestartTolerance: 0.05,
		Perturbation:     0.02,
		Seed:             1,
	}
}

// Solver minimizes an objective from a start point and restarts from
// jittered copies of the best point until the gain stalls.
type Solver struct {
	Objective  Objective
	Minimizer  Minimizer
	InitValues []float64
	Settings   SolverSettings
}

// NewSolver returns a solver with default restart settings.
func NewSolver(obj Objective, m Minimizer, init []float64) *Solver {
	return &Solver{
		Objective:  obj,
		Minimizer:  m,
		InitValues: append([]float64(nil), init...),
		Settings:   DefaultSolverSettings(),
	}
}

// Solve runs the first minimization and the restarts. Iterations and
// function evaluations are summed over all runs.
func (s *Solver) Solve() (Minimum, error) {
	if len(s.InitValues) == 0 {
		return Minimum{}, errors.New("no initial values provided for optimization")
	}
	started := time.Now()
	b := s.Objective.Bounds()
	rng := rand.New(rand.NewPCG(s.Settings.Seed, s.Settings.Seed^0x9e3779b97f4a7c15))

	best, err := s.Minimizer.Minimize(s.Objective, s.InitValues)
	if err != nil {
		return Minimum{}, err
	}
	iters, evals := best.Iterations, best.FuncEvals
	last := best.F

	for restart := 1; restart <= s.Settings.MaxRestarts; restart++ {
		x0 := make([]float64, len(best.X))
		for i, v := range best.X {
			x0[i] = v + rng.NormFloat64()*s.Settings.Perturbation*(b.Upper[i]-b.Lower[i])
		}
		b.Clamp(x0, x0)

		res, err := s.Minimizer.Minimize(s.Objective, x0)
		if err != nil {
			logger.Warn("restart %d failed: %v", restart, err)
			break
		}
		iters += res.Iterations
		evals += res.FuncEvals
		logger.Debug("restart %d: f=%g best=%g", restart, res.F, best.F)

		if res.F < best.F {
			best = res
		}
		gain := last - res.F
		last = res.F
		if gain < s.Settings.RestartTolerance {
			break
		}
	}

	best.Iterations, best.FuncEvals = iters, evals
	best.Runtime = time.Since(started)
	return best, nil
}

// InitialValues seeds the generic parameters from the hits: the vertex at
// the charge-weighted centroid of the hit sensors, the time at the earliest
// hit and the direction from a charge-weighted line fit of sensor position
// against hit time.
func InitialValues(ev *Event, sensors []SensorGeometry, mode Mode) ([]float64, error) {
	pos := make(map[int][3]float64, len(sensors))
	for _, s := range sensors {
		pos[s.ID] = [3]float64{s.X, s.Y, s.Z}
	}

	var centre [3]float64
	var qsum, tmean float64
	for _, h := range ev.Hits() {
		p, ok := pos[h.Sensor]
		if !ok {
			return nil, fmt.Errorf("no geometry for hit sensor %d", h.Sensor)
		}
		for i := range centre {
			centre[i] += h.Charge * p[i]
		}
		tmean += h.Charge * h.Time
		qsum += h.Charge
	}
	for i := range centre {
		centre[i] /= qsum
	}
	tmean /= qsum

	var v [3]float64
	var tt float64
	for _, h := range ev.Hits() {
		p := pos[h.Sensor]
		dt := h.Time - tmean
		for i := range v {
			v[i] += h.Charge * (p[i] - centre[i]) * dt
		}
		tt += h.Charge * dt * dt
	}

	zenith, azimuth := math.Pi/2, 0.0
	if norm := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2]); tt > 0 && norm > 0 {
		zenith = math.Acos(v[2] / norm)
		azimuth = math.Mod(math.Atan2(v[1], v[0])+2*math.Pi, 2*math.Pi)
	}

	x := []float64{centre[0], centre[1], centre[2], ev.EarliestTime(), zenith, azimuth}
	if mode == Mode10 {
		x = append(x, zenith, azimuth)
	}
	return x, nil
}
