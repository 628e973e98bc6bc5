package goretro

import (
	"errors"
	"fmt"
	"math"
)

// PeglegConfig controls how the pegleg step count grows.
type PeglegConfig struct {
	// SeedSteps is the step count the loop starts from.
	SeedSteps int `mapstructure:"seed_steps" json:"seed_steps"`
	// StepSize is the first increment; later increments are multiplied by
	// Growth.
	StepSize int     `mapstructure:"step_size" json:"step_size"`
	Growth   float64 `mapstructure:"growth" json:"growth"`
	// MaxSteps bounds the step count (the maximum track energy).
	MaxSteps int `mapstructure:"max_steps" json:"max_steps"`
	// Tolerance is the smallest log-likelihood gain that keeps the loop going.
	Tolerance float64 `mapstructure:"tolerance" json:"tolerance"`
}

// DefaultPeglegConfig grows one step at a time up to 500 steps.
func DefaultPeglegConfig() PeglegConfig {
	return PeglegConfig{
		SeedSteps: 0,
		StepSize:  1,
		Growth:    1,
		MaxSteps:  500,
		Tolerance: 0.01,
	}
}

// Validate checks the loop parameters.
func (c PeglegConfig) Validate() error {
	var errs []error
	if c.SeedSteps < 0 {
		errs = append(errs, fmt.Errorf("pegleg seed_steps %d is negative", c.SeedSteps))
	}
	if c.StepSize < 1 {
		errs = append(errs, fmt.Errorf("pegleg step_size %d must be at least 1", c.StepSize))
	}
	if c.Growth < 1 || math.IsNaN(c.Growth) {
		errs = append(errs, fmt.Errorf("pegleg growth %g must be at least 1", c.Growth))
	}
	if c.MaxSteps < c.SeedSteps {
		errs = append(errs, fmt.Errorf("pegleg max_steps %d below seed_steps %d", c.MaxSteps, c.SeedSteps))
	}
	if c.Tolerance < 0 || math.IsNaN(c.Tolerance) {
		errs = append(errs, fmt.Errorf("pegleg tolerance %g is negative", c.Tolerance))
	}
	return errors.Join(errs...)
}

// PeglegPoint is one visited state of the loop.
type PeglegPoint struct {
	Steps int     `json:"steps"`
	Alpha float64 `json:"alpha"`
	LLH   float64 `json:"llh"`
	// Gain is the log-likelihood change against the previous point.
	Gain float64 `json:"gain"`
}

// PeglegResult is the outcome of one run of the loop.
type PeglegResult struct {
	// StopSteps is the step count at which the loop terminated.
	StopSteps int
	// BestSteps is the visited step count with the highest likelihood.
	BestSteps int
	// Sources is the number of pegleg sources at BestSteps.
	Sources int
	// Grown is the number of pegleg sources at StopSteps.
	Grown     int
	Converged bool
	// Scaling is the scaling solution at BestSteps.
	Scaling ScalingResult
	Profile []PeglegPoint
}

// iterate runs the step state machine. solve grows the state to the given
// step count and returns the scaling solution there. The loop stops at the
// first step whose gain is below Tolerance, or unconverged at MaxSteps.
func (c PeglegConfig) iterate(solve func(steps int) ScalingResult) (stop int, converged bool, profile []PeglegPoint) {
	steps := c.SeedSteps
	cur := solve(steps)
	profile = append(profile, PeglegPoint{Steps: steps, Alpha: cur.Alpha, LLH: cur.LLH})

	inc := float64(c.StepSize)
	for steps < c.MaxSteps {
		next := min(steps+max(1, int(inc)), c.MaxSteps)
		r := solve(next)
		gain := r.LLH - cur.LLH
		profile = append(profile, PeglegPoint{Steps: next, Alpha: r.Alpha, LLH: r.LLH, Gain: gain})

		steps, cur = next, r
		if !(gain >= c.Tolerance) {
			return steps, true, profile
		}
		inc *= c.Growth
	}
	return steps, false, profile
}

// PeglegLoop grows the pegleg sources of a hypothesis and re-solves the
// scale factor at every step.
type PeglegLoop struct {
	Config  PeglegConfig
	Scaling ScalingSolver
}

// Run expects ws.Acc to hold the scaling and generic contributions of h.
// It overwrites the pegleg accumulator and leaves it at the best step.
// Without a pegleg kernel only the seed state is evaluated.
func (l PeglegLoop) Run(e *Evaluator, gen *SourceGenerator, h Hypothesis, ws *Workspace) PeglegResult {
	acc := ws.Acc
	acc.Pegleg.Reset()
	ws.best.Reset()

	var (
		cur       int
		best      ScalingResult
		bestSteps = -1
	)
	solve := func(steps int) ScalingResult {
		if steps > cur {
			e.Accumulate(acc.Pegleg, gen.PeglegSources(h, cur, steps))
			cur = steps
		}
		ws.Problem.Prepare(e, acc)
		r := l.Scaling.Solve(&ws.Problem)
		if bestSteps < 0 || r.LLH > best.LLH {
			best, bestSteps = r, steps
			ws.best.CopyFrom(acc.Pegleg)
		}
		return r
	}

	cfg := l.Config
	if gen.Pegleg == nil {
		cfg.MaxSteps = cfg.SeedSteps
	}
	stop, converged, profile := cfg.iterate(solve)
	if gen.Pegleg == nil {
		converged = true
	}

	res := PeglegResult{
		StopSteps: stop,
		BestSteps: bestSteps,
		Sources:   ws.best.Sources,
		Grown:     acc.Pegleg.Sources,
		Converged: converged,
		Scaling:   best,
		Profile:   profile,
	}
	acc.Pegleg.CopyFrom(ws.best)
	return res
}
