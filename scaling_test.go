package goretro

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScalingProblem(lambdaS float64, q, s, base []float64) *ScalingProblem {
	return &ScalingProblem{lambdaS: lambdaS, eps: DefaultEpsilon, q: q, s: s, base: base}
}

func TestScalingDerivativeIsNonIncreasing(t *testing.T) {
	p := newScalingProblem(40, []float64{3, 1, 7, 2}, []float64{1, 5, 0.2, 3}, []float64{0.1, 2, 0, 0.5})
	prev := math.Inf(1)
	for alpha := 0.0; alpha <= 100; alpha += 0.25 {
		g := p.Derivative(alpha)
		assert.LessOrEqual(t, g, prev, "alpha=%g", alpha)
		prev = g
	}
}

func TestScalingSolveClosedForm(t *testing.T) {
	// one hit: -Lambda_s + q s / (alpha s + b) = 0  =>  alpha = q/Lambda_s - b/s
	for _, method := range []string{ScalingNewton, ScalingLM} {
		t.Run(method, func(t *testing.T) {
			s := DefaultScalingSolver()
			s.Method = method
			res := s.Solve(newScalingProblem(2, []float64{3}, []float64{1}, []float64{0}))
			assert.Equal(t, Interior, res.Boundary)
			assert.True(t, res.Converged)
			assert.InDelta(t, 1.5, res.Alpha, 1e-7)
			assert.InDelta(t, -3+3*math.Log(1.5), res.LLH, 1e-10)

			res = s.Solve(newScalingProblem(4, []float64{10}, []float64{2}, []float64{1}))
			assert.InDelta(t, 10.0/4-0.5, res.Alpha, 1e-7)
		})
	}
}

func TestScalingSolveIsMaximum(t *testing.T) {
	p := newScalingProblem(40, []float64{3, 1, 7, 2}, []float64{1, 5, 0.2, 3}, []float64{0.1, 2, 0, 0.5})
	res := DefaultScalingSolver().Solve(p)
	require.Equal(t, Interior, res.Boundary)
	assert.InDelta(t, 0, p.Derivative(res.Alpha), 1e-6)

	for _, d := range []float64{-1e-3, 1e-3, -0.1, 0.1} {
		llh, _ := p.LogLikelihood(res.Alpha + d)
		assert.LessOrEqual(t, llh, res.LLH+1e-12, "offset %g", d)
	}
}

func TestScalingNewtonAndLMAgree(t *testing.T) {
	p := newScalingProblem(12.5, []float64{4, 2, 9, 1, 3}, []float64{0.3, 1.2, 2.5, 0.1, 0.8}, []float64{0.4, 0.01, 3, 0.2, 0})
	newton := DefaultScalingSolver()
	lm := newton
	lm.Method = ScalingLM

	a, b := newton.Solve(p), lm.Solve(p)
	assert.InEpsilon(t, a.Alpha, b.Alpha, 1e-6)
	assert.InDelta(t, a.LLH, b.LLH, 1e-9)
}

func TestScalingBoundaries(t *testing.T) {
	s := DefaultScalingSolver()

	t.Run("no scaling light", func(t *testing.T) {
		p := newScalingProblem(0, nil, nil, nil)
		p.constant = -4
		res := s.Solve(p)
		assert.Equal(t, LowerBound, res.Boundary)
		assert.Zero(t, res.Alpha)
		assert.Equal(t, -4.0, res.LLH)
	})

	t.Run("derivative negative at zero", func(t *testing.T) {
		res := s.Solve(newScalingProblem(100, []float64{1}, []float64{1}, []float64{5}))
		assert.Equal(t, LowerBound, res.Boundary)
		assert.Zero(t, res.Alpha)
		assert.True(t, res.Converged)
	})

	t.Run("derivative positive at max", func(t *testing.T) {
		small := s
		small.AlphaMax = 1
		res := small.Solve(newScalingProblem(2, []float64{30}, []float64{1}, []float64{0}))
		assert.Equal(t, UpperBound, res.Boundary)
		assert.Equal(t, 1.0, res.Alpha)
	})
}

func TestScalingPrepareFromAccumulators(t *testing.T) {
	ev, err := NewEvent("two", []Hit{{Sensor: 1, Charge: 3}, {Sensor: 2, Charge: 2}},
		[]SensorState{{ID: 1, Operational: true}, {ID: 2, NoiseRate: 0.5, Operational: true}}, 0, 2)
	require.NoError(t, err)
	e := NewEvaluator(constTable{}, ev, EvaluatorOptions{})

	acc := e.NewAccumulators()
	acc.Scaling.Lambda = 2
	acc.Scaling.PerHit = []float64{1, 0}
	acc.Generic.Lambda = 1.5
	acc.Generic.PerHit = []float64{0, 0.25}

	var p ScalingProblem
	p.Prepare(e, acc)
	require.Len(t, p.s, 1, "only the hit seeing scaling light is kept")

	for _, alpha := range []float64{0.5, 1, 4} {
		want, _ := e.LogLikelihood(alpha, acc)
		got, _ := p.LogLikelihood(alpha)
		assert.InDelta(t, want, got, 1e-12, "alpha=%g", alpha)
	}

	res := DefaultScalingSolver().Solve(&p)
	assert.InDelta(t, 1.5, res.Alpha, 1e-7)
}

func TestBoundaryString(t *testing.T) {
	assert.Equal(t, "interior", Interior.String())
	assert.Equal(t, "lower", LowerBound.String())
	assert.Equal(t, "upper", UpperBound.String())
	assert.Equal(t, "boundary(7)", Boundary(7).String())
}

func TestScalingIterationLimitIsReported(t *testing.T) {
	s := DefaultScalingSolver()
	s.MaxIterations = 1
	// root at alpha = 0.5; one Newton step from 1/3 lands near 0.48
	res := s.Solve(newScalingProblem(2, []float64{3}, []float64{1}, []float64{1}))
	assert.Equal(t, Interior, res.Boundary)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)

	tr := Trial{Boundary: res.Boundary, ScalingConverged: res.Converged, PeglegConverged: true}
	assert.Equal(t, StatusScalingNotConverged, StatusFor(tr))
}
