package goretro

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

func newTestObjective(t *testing.T, e *Evaluator, gen *SourceGenerator, mode Mode) *GenericObjective {
	t.Helper()
	o, err := NewObjective(e, gen, ObjectiveConfig{
		Mode:    mode,
		Pegleg:  DefaultPeglegConfig(),
		Scaling: DefaultScalingSolver(),
		Bounds:  unitBounds(mode),
	})
	require.NoError(t, err)
	return o
}

func TestObjectiveSingleHit(t *testing.T) {
	e := NewEvaluator(constTable{tdi: 2, td: 1}, singleHitEvent(t, 3), EvaluatorOptions{})
	o := newTestObjective(t, e, &SourceGenerator{Scaling: pointKernel{lum: 1}}, Mode8)
	require.Equal(t, 6, o.Dim())

	x := []float64{1, 2, 3, 0, 1, 1}
	tr := o.Trial(x)
	assert.False(t, tr.Invalid)
	assert.InDelta(t, 3-3*math.Log(1.5), tr.NegLLH, 1e-9)
	assert.InDelta(t, 1.5, tr.Alpha, 1e-7)
	assert.InDelta(t, 1.5, tr.Hypothesis.CascadeEnergy, 1e-7)
	assert.Equal(t, Interior, tr.Boundary)
	assert.True(t, tr.PeglegConverged)
	assert.Equal(t, 1, tr.Sources)
	assert.Len(t, tr.Profile, 1)
	assert.Equal(t, StatusOK, StatusFor(tr))

	assert.Equal(t, tr.NegLLH, o.Evaluate(x))
	assert.Equal(t, int64(2), o.Stats().Evaluations)
}

func TestObjectiveInvalidHypothesis(t *testing.T) {
	e := NewEvaluator(constTable{tdi: 1, td: 1}, singleHitEvent(t, 3), EvaluatorOptions{})
	o, err := NewObjective(e, &SourceGenerator{}, ObjectiveConfig{
		Mode:           Mode8,
		Pegleg:         DefaultPeglegConfig(),
		Scaling:        DefaultScalingSolver(),
		Bounds:         unitBounds(Mode8),
		InvalidPenalty: 1e9,
	})
	require.NoError(t, err)

	tr := o.Trial(make([]float64, 6))
	assert.True(t, tr.Invalid)
	assert.Equal(t, 1e9, tr.NegLLH)
	assert.Equal(t, StatusInvalidHypothesis, StatusFor(tr))
	assert.Equal(t, int64(1), o.Stats().Invalid)

	grad := []float64{1, 1, 1, 1, 1, 1}
	o.Gradient(grad, make([]float64, 6))
	assert.Equal(t, make([]float64, 6), grad)
}

func TestObjectiveDefaultPenalty(t *testing.T) {
	e := NewEvaluator(constTable{}, singleHitEvent(t, 1), EvaluatorOptions{})
	o, err := NewObjective(e, &SourceGenerator{}, ObjectiveConfig{
		Mode:    Mode10,
		Pegleg:  DefaultPeglegConfig(),
		Scaling: DefaultScalingSolver(),
		Bounds:  unitBounds(Mode10),
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultInvalidPenalty, o.Evaluate(make([]float64, 8)))
}

func TestNewObjectiveRejectsBadConfig(t *testing.T) {
	e := NewEvaluator(constTable{}, singleHitEvent(t, 1), EvaluatorOptions{})
	gen := &SourceGenerator{Scaling: pointKernel{lum: 1}}
	good := ObjectiveConfig{
		Mode:    Mode8,
		Pegleg:  DefaultPeglegConfig(),
		Scaling: DefaultScalingSolver(),
		Bounds:  unitBounds(Mode8),
	}

	_, err := NewObjective(nil, gen, good)
	assert.Error(t, err)

	bad := good
	bad.Bounds = unitBounds(Mode10)
	_, err = NewObjective(e, gen, bad)
	assert.ErrorIs(t, err, ErrDimension)

	bad = good
	bad.Bounds = unitBounds(Mode8)
	bad.Bounds.Upper[0] = bad.Bounds.Lower[0]
	_, err = NewObjective(e, gen, bad)
	assert.Error(t, err)

	bad = good
	bad.Pegleg.StepSize = 0
	_, err = NewObjective(e, gen, bad)
	assert.Error(t, err)

	bad = good
	bad.Scaling.AlphaMax = 0
	_, err = NewObjective(e, gen, bad)
	assert.Error(t, err)
}

func detectorObjective(t *testing.T, gen *SourceGenerator) *GenericObjective {
	t.Helper()
	sensors := detector()
	table := analyticTable(t, sensors)
	e := NewEvaluator(table, detectorEvent(t, sensors), EvaluatorOptions{Threads: 2})
	gen.Domain = table
	lo, hi := table.Domain()
	o, err := NewObjective(e, gen, ObjectiveConfig{
		Mode:    Mode8,
		Pegleg:  DefaultPeglegConfig(),
		Scaling: DefaultScalingSolver(),
		Bounds:  NewBounds(Mode8, lo, hi, -200, 200),
	})
	require.NoError(t, err)
	return o
}

func TestObjectiveDeterministicUnderConcurrency(t *testing.T) {
	o := detectorObjective(t, &SourceGenerator{
		Scaling: CascadeKernel{PhotonsPerGeV: 1e4, Length: 4, Samples: 4},
		Pegleg:  TrackKernel{PhotonsPerMeter: 2e3, SegmentLength: 1, EnergyPerMeter: 0.22},
	})
	points := [][]float64{
		{5, 5, 10, 0, 1, 1},
		{0, 0, 5, -10, 2, 4},
		{8, 2, 12, 5, 0.5, 3},
	}
	want := make([]float64, len(points))
	for i, x := range points {
		want[i] = o.Evaluate(x)
		require.False(t, math.IsNaN(want[i]))
	}

	var wg sync.WaitGroup
	got := make([][]float64, 8)
	for g := range got {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			got[g] = make([]float64, len(points))
			for i, x := range points {
				got[g][i] = o.Evaluate(x)
			}
		}(g)
	}
	wg.Wait()

	for g := range got {
		assert.Equal(t, want, got[g], "goroutine %d", g)
	}
	assert.Equal(t, int64(3+8*3), o.Stats().Evaluations)
}

func TestObjectiveGradientMatchesFiniteDifferences(t *testing.T) {
	o := detectorObjective(t, &SourceGenerator{
		Scaling: CascadeKernel{PhotonsPerGeV: 1e4, Length: 4, Samples: 4},
	})
	x := []float64{4, 6, 9, 0, 1.2, 0.7}

	grad := make([]float64, len(x))
	o.Gradient(grad, x)
	want := fd.Gradient(nil, o.Evaluate, x, &fd.Settings{Formula: fd.Central})

	for i := range x {
		assert.InDelta(t, want[i], grad[i], 1e-3*(math.Abs(want[i])+1), "component %d", i)
	}
	assert.Equal(t, int64(1), o.Stats().Gradients)
}
