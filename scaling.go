package goretro

import (
	"fmt"
	"math"

	"github.com/kacperjurak/goretro/internal/logger"
	"github.com/maorshutman/lm"
)

// Boundary reports whether a scale factor is an interior root or a clamp.
type Boundary int

const (
	// Interior means the derivative crosses zero inside [0, AlphaMax].
	Interior Boundary = iota
	// LowerBound means the derivative is non-positive already at zero.
	LowerBound
	// UpperBound means the derivative is still positive at AlphaMax.
	UpperBound
)

func (b Boundary) String() string {
	switch b {
	case Interior:
		return "interior"
	case LowerBound:
		return "lower"
	case UpperBound:
		return "upper"
	}
	return fmt.Sprintf("boundary(%d)", int(b))
}

// Scaling root-finding methods.
const (
	ScalingNewton = "newton"
	ScalingLM     = "lm"
)

// ScalingProblem is the one-dimensional problem in the scale factor with
// the pegleg and generic expectations frozen. Only hits that see scaling
// light are kept; the rest contribute a constant.
type ScalingProblem struct {
	lambdaS  float64
	constant float64
	clamped  int
	eps      float64

	q    []float64
	s    []float64
	base []float64
}

// Prepare loads the problem from the evaluator and accumulators. Buffers
// are reused between calls.
func (p *ScalingProblem) Prepare(e *Evaluator, acc *Accumulators) {
	p.lambdaS = acc.Scaling.Lambda
	p.constant = -(acc.Pegleg.Lambda + acc.Generic.Lambda)
	p.clamped = 0
	p.eps = e.eps
	p.q, p.s, p.base = p.q[:0], p.s[:0], p.base[:0]

	for k, h := range e.event.hits {
		base := acc.Pegleg.PerHit[k] + acc.Generic.PerHit[k] + e.event.noise[k]
		if s := acc.Scaling.PerHit[k]; s > 0 {
			p.q = append(p.q, h.Charge)
			p.s = append(p.s, s)
			p.base = append(p.base, base)
			continue
		}
		if !(base > p.eps) {
			base = p.eps
			p.clamped++
		}
		p.constant += h.Charge * math.Log(base)
	}
}

func (p *ScalingProblem) den(alpha float64, i int) (float64, bool) {
	x := alpha*p.s[i] + p.base[i]
	if !(x > p.eps) {
		return p.eps, true
	}
	return x, false
}

// Derivative is dLLH/dalpha = -Lambda^s + sum q s / (n + alpha s + lambda^p + lambda^g).
func (p *ScalingProblem) Derivative(alpha float64) float64 {
	g := -p.lambdaS
	for i := range p.s {
		x, _ := p.den(alpha, i)
		g += p.q[i] * p.s[i] / x
	}
	return g
}

// slope is the second derivative of the log-likelihood in alpha.
func (p *ScalingProblem) slope(alpha float64) float64 {
	d := 0.0
	for i := range p.s {
		x, c := p.den(alpha, i)
		if c {
			continue
		}
		d -= p.q[i] * p.s[i] * p.s[i] / (x * x)
	}
	return d
}

// LogLikelihood evaluates the log-likelihood at alpha and the number of
// clamped hits.
func (p *ScalingProblem) LogLikelihood(alpha float64) (float64, int) {
	llh := p.constant - alpha*p.lambdaS
	clamped := p.clamped
	for i := range p.s {
		x, c := p.den(alpha, i)
		if c {
			clamped++
		}
		llh += p.q[i] * math.Log(x)
	}
	return llh, clamped
}

// ScalingResult is the optimal scale factor for fixed pegleg and generic
// contributions.
type ScalingResult struct {
	Alpha      float64
	LLH        float64
	Boundary   Boundary
	Iterations int
	Converged  bool
	Clamped    int
}

// ScalingSolver finds the scale factor maximising the log-likelihood.
type ScalingSolver struct {
	AlphaMax      float64 `mapstructure:"alpha_max" json:"alpha_max"`
	Tolerance     float64 `mapstructure:"tolerance" json:"tolerance"`
	MaxIterations int     `mapstructure:"max_iterations" json:"max_iterations"`
	Method        string  `mapstructure:"method" json:"method"`
}

// DefaultScalingSolver returns the default bracket and tolerance.
func DefaultScalingSolver() ScalingSolver {
	return ScalingSolver{
		AlphaMax:      1e4,
		Tolerance:     1e-9,
		MaxIterations: 100,
		Method:        ScalingNewton,
	}
}

func (s ScalingSolver) finish(p *ScalingProblem, alpha float64, b Boundary, iters int, converged bool) ScalingResult {
	llh, clamped := p.LogLikelihood(alpha)
	return ScalingResult{Alpha: alpha, LLH: llh, Boundary: b, Iterations: iters, Converged: converged, Clamped: clamped}
}

// Solve finds the root of the derivative in [0, AlphaMax]. The derivative
// is non-increasing in alpha, so a sign check at both ends decides between
// an interior root and a boundary optimum.
func (s ScalingSolver) Solve(p *ScalingProblem) ScalingResult {
	if len(p.s) == 0 || p.Derivative(0) <= 0 {
		return s.finish(p, 0, LowerBound, 0, true)
	}
	if p.Derivative(s.AlphaMax) >= 0 {
		return s.finish(p, s.AlphaMax, UpperBound, 0, true)
	}

	if s.Method == ScalingLM {
		if res, ok := s.solveLM(p); ok {
			return res
		}
		logger.Debug("scaling: lm did not land inside the bracket, falling back to newton")
	}
	return s.solveNewton(p)
}

// solveNewton is Newton's method safeguarded by bisection of the bracket.
func (s ScalingSolver) solveNewton(p *ScalingProblem) ScalingResult {
	lo, hi := 0.0, s.AlphaMax
	alpha := 0.5 * (lo + hi)
	if d := p.slope(0); d < 0 {
		if guess := -p.Derivative(0) / d; guess > lo && guess < hi {
			alpha = guess
		}
	}

	for iter := 1; iter <= s.MaxIterations; iter++ {
		g := p.Derivative(alpha)
		if g == 0 {
			return s.finish(p, alpha, Interior, iter, true)
		}
		if g > 0 {
			lo = alpha
		} else {
			hi = alpha
		}

		next := 0.5 * (lo + hi)
		if d := p.slope(alpha); d < 0 {
			if n := alpha - g/d; n > lo && n < hi {
				next = n
			}
		}
		if math.Abs(next-alpha) <= s.Tolerance*(1+alpha) || hi-lo <= s.Tolerance*(1+alpha) {
			return s.finish(p, next, Interior, iter, true)
		}
		alpha = next
	}
	return s.finish(p, alpha, Interior, s.MaxIterations, false)
}

// solveLM minimises the squared derivative with Levenberg-Marquardt. The
// answer is accepted only if it lies inside the bracket and the
// derivative there is small compared to Lambda^s.
func (s ScalingSolver) solveLM(p *ScalingProblem) (res ScalingResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("scaling: lm panicked: %v", r)
			ok = false
		}
	}()

	evals := 0
	fnc := func(dst, x []float64) {
		evals++
		dst[0] = p.Derivative(x[0])
	}
	jac := lm.NumJac{Func: fnc}

	start := 0.5 * s.AlphaMax
	if d := p.slope(0); d < 0 {
		if guess := -p.Derivative(0) / d; guess > 0 && guess < s.AlphaMax {
			start = guess
		}
	}

	problem := lm.LMProblem{
		Dim:        1,
		Size:       1,
		Func:       fnc,
		Jac:        jac.Jac,
		InitParams: []float64{start},
		Tau:        1e-6,
		Eps1:       1e-12,
		Eps2:       1e-12,
	}
	out, err := lm.LM(problem, &lm.Settings{Iterations: s.MaxIterations, ObjectiveTol: 1e-20})
	if err != nil || len(out.X) != 1 {
		return ScalingResult{}, false
	}
	alpha := out.X[0]
	if math.IsNaN(alpha) || alpha <= 0 || alpha >= s.AlphaMax {
		return ScalingResult{}, false
	}
	if math.Abs(p.Derivative(alpha)) > 1e-6*(math.Abs(p.lambdaS)+1) {
		return ScalingResult{}, false
	}
	return s.finish(p, alpha, Interior, evals, true), true
}
