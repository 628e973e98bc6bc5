package goretro

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// DefaultInvalidPenalty is returned for hypotheses that produce no light.
const DefaultInvalidPenalty = 1e12

// Workspace holds the buffers of one likelihood trial. It must not be
// shared between goroutines.
type Workspace struct {
	Acc     *Accumulators
	Problem ScalingProblem
	best    *Accumulator
}

// NewWorkspace allocates a workspace sized for the evaluator's event.
func (e *Evaluator) NewWorkspace() *Workspace {
	return &Workspace{
		Acc:  e.NewAccumulators(),
		best: NewAccumulator(Pegleg, e.event.NumHits()),
	}
}

// ObjectiveConfig configures a GenericObjective.
type ObjectiveConfig struct {
	Mode           Mode
	Pegleg         PeglegConfig
	Scaling        ScalingSolver
	Bounds         Bounds
	InvalidPenalty float64
}

// Trial is the converged inner state for one set of generic parameters.
type Trial struct {
	Hypothesis       Hypothesis
	NegLLH           float64
	Alpha            float64
	Boundary         Boundary
	ScalingConverged bool
	PeglegSteps      int
	PeglegStop       int
	PeglegSources    int
	PeglegConverged  bool
	Sources          int
	Clamped          int
	Invalid          bool
	Profile          []PeglegPoint
}

// ObjectiveStats are running counters over all calls.
type ObjectiveStats struct {
	Evaluations int64
	Gradients   int64
	Clamped     int64
	Invalid     int64
}

// GenericObjective is the negative log-likelihood as a function of the
// generic parameters only. Energies are solved internally on each call.
// It is safe for concurrent use.
type GenericObjective struct {
	eval    *Evaluator
	gen     *SourceGenerator
	mode    Mode
	loop    PeglegLoop
	bounds  Bounds
	penalty float64

	pool sync.Pool

	evals     atomic.Int64
	gradients atomic.Int64
	clamped   atomic.Int64
	invalid   atomic.Int64
}

// NewObjective builds the objective for one event.
func NewObjective(e *Evaluator, gen *SourceGenerator, cfg ObjectiveConfig) (*GenericObjective, error) {
	if e == nil || gen == nil {
		return nil, errors.New("objective needs an evaluator and a source generator")
	}
	if err := cfg.Pegleg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Scaling.AlphaMax <= 0 || cfg.Scaling.MaxIterations < 1 {
		return nil, fmt.Errorf("scaling bracket [0, %g] with %d iterations is unusable", cfg.Scaling.AlphaMax, cfg.Scaling.MaxIterations)
	}
	dim := cfg.Mode.GenericDim()
	if err := cfg.Bounds.validate(dim); err != nil {
		return nil, err
	}
	if cfg.InvalidPenalty <= 0 || math.IsInf(cfg.InvalidPenalty, 0) || math.IsNaN(cfg.InvalidPenalty) {
		cfg.InvalidPenalty = DefaultInvalidPenalty
	}

	o := &GenericObjective{
		eval:    e,
		gen:     gen,
		mode:    cfg.Mode,
		loop:    PeglegLoop{Config: cfg.Pegleg, Scaling: cfg.Scaling},
		bounds:  cfg.Bounds.clone(),
		penalty: cfg.InvalidPenalty,
	}
	o.pool.New = func() any { return e.NewWorkspace() }
	return o, nil
}

// Dim is the number of generic parameters.
func (o *GenericObjective) Dim() int { return o.mode.GenericDim() }

// Bounds returns a copy of the parameter bounds.
func (o *GenericObjective) Bounds() Bounds { return o.bounds.clone() }

// Mode is the hypothesis parametrisation.
func (o *GenericObjective) Mode() Mode { return o.mode }

// Stats returns the running counters.
func (o *GenericObjective) Stats() ObjectiveStats {
	return ObjectiveStats{
		Evaluations: o.evals.Load(),
		Gradients:   o.gradients.Load(),
		Clamped:     o.clamped.Load(),
		Invalid:     o.invalid.Load(),
	}
}

// Evaluate returns -LLH at the converged pegleg and scaling state.
func (o *GenericObjective) Evaluate(x []float64) float64 {
	ws := o.pool.Get().(*Workspace)
	defer o.pool.Put(ws)
	return o.trial(x, ws, false).NegLLH
}

// Trial evaluates x and returns the full inner state including the
// pegleg profile.
func (o *GenericObjective) Trial(x []float64) Trial {
	ws := o.pool.Get().(*Workspace)
	defer o.pool.Put(ws)
	return o.trial(x, ws, true)
}

func (o *GenericObjective) trial(x []float64, ws *Workspace, keepProfile bool) Trial {
	o.evals.Add(1)
	h, err := o.mode.Hypothesis(x)
	if err != nil {
		panic(err)
	}

	acc := ws.Acc
	acc.Scaling.Reset()
	acc.Generic.Reset()
	o.eval.Accumulate(acc.Generic, o.gen.GenericSources(h))
	o.eval.Accumulate(acc.Scaling, o.gen.ScalingSources(h))

	pr := o.loop.Run(o.eval, o.gen, h, ws)

	t := Trial{
		Hypothesis:       h,
		Alpha:            pr.Scaling.Alpha,
		Boundary:         pr.Scaling.Boundary,
		ScalingConverged: pr.Scaling.Converged,
		PeglegSteps:      pr.BestSteps,
		PeglegStop:       pr.StopSteps,
		PeglegSources:    pr.Sources,
		PeglegConverged:  pr.Converged,
		Sources:          acc.Scaling.Sources + acc.Generic.Sources + pr.Sources,
		Clamped:          pr.Scaling.Clamped,
		NegLLH:           -pr.Scaling.LLH,
	}
	t.Hypothesis.CascadeEnergy = pr.Scaling.Alpha
	t.Hypothesis.TrackEnergy = o.gen.PeglegEnergy(pr.BestSteps)
	if keepProfile {
		t.Profile = pr.Profile
	}

	if acc.Scaling.Sources+acc.Generic.Sources+pr.Grown == 0 || math.IsNaN(t.NegLLH) || math.IsInf(t.NegLLH, 0) {
		t.Invalid = true
		t.NegLLH = o.penalty
		o.invalid.Add(1)
		return t
	}
	if t.Clamped > 0 {
		o.clamped.Add(int64(t.Clamped))
	}
	return t
}

// Gradient writes d(-LLH)/dx into grad. The scale factor and pegleg step
// count are held at their optimum for x, and the derivatives of Lambda and
// every lambda_k are taken by central differences.
func (o *GenericObjective) Gradient(grad, x []float64) {
	if len(grad) != len(x) {
		panic("goretro: gradient length mismatch")
	}
	o.gradients.Add(1)
	ws := o.pool.Get().(*Workspace)
	defer o.pool.Put(ws)

	t := o.trial(x, ws, false)
	if t.Invalid {
		for i := range grad {
			grad[i] = 0
		}
		return
	}

	scratch := o.pool.Get().(*Workspace)
	defer o.pool.Put(scratch)
	alpha, steps := t.Alpha, t.PeglegSteps
	expect := func(y, theta []float64) {
		h, err := o.mode.Hypothesis(theta)
		if err != nil {
			panic(err)
		}
		a := scratch.Acc
		a.Scaling.Reset()
		a.Pegleg.Reset()
		a.Generic.Reset()
		o.eval.Accumulate(a.Scaling, o.gen.ScalingSources(h))
		o.eval.Accumulate(a.Pegleg, o.gen.PeglegSources(h, 0, steps))
		o.eval.Accumulate(a.Generic, o.gen.GenericSources(h))
		y[0] = a.Lambda(alpha)
		for k := range a.Scaling.PerHit {
			y[k+1] = a.At(alpha, k)
		}
	}

	jac := mat.NewDense(o.eval.event.NumHits()+1, len(x), nil)
	fd.Jacobian(jac, expect, x, &fd.JacobianSettings{Formula: fd.Central})
	o.eval.Gradient(jac, alpha, ws.Acc, grad)
	for i := range grad {
		grad[i] = -grad[i]
	}
}
