package goretro

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func detectorSources(h Hypothesis) (scaling, pegleg, generic []LightSource) {
	scaling = CascadeKernel{PhotonsPerGeV: 1e5, Length: 5, Samples: 5}.Nominal(h)
	pegleg = TrackKernel{PhotonsPerMeter: 2e4, SegmentLength: 1, EnergyPerMeter: 0.2}.Segment(h, 0, 12)
	generic = VertexKernel{Luminosity: 5e4}.Generic(h)
	return scaling, pegleg, generic
}

func TestAccumulatorsDecompose(t *testing.T) {
	sensors := detector()
	ev := detectorEvent(t, sensors)
	e := NewEvaluator(analyticTable(t, sensors), ev, EvaluatorOptions{})
	h := Hypothesis{X: 4, Y: 6, Z: 9, T: -2, TrackZenith: 1, TrackAzimuth: 0.5, CascadeZenith: 1, CascadeAzimuth: 0.5}
	scaling, pegleg, generic := detectorSources(h)

	acc := e.NewAccumulators()
	e.Accumulate(acc.Scaling, scaling)
	e.Accumulate(acc.Pegleg, pegleg)
	e.Accumulate(acc.Generic, generic)
	assert.Equal(t, len(scaling)+len(pegleg)+len(generic), acc.Sources())

	const alpha = 3.7
	combined := NewAccumulator(Generic, ev.NumHits())
	scaled := make([]LightSource, len(scaling))
	for i, s := range scaling {
		s.Luminosity *= alpha
		scaled[i] = s
	}
	e.Accumulate(combined, scaled)
	e.Accumulate(combined, pegleg)
	e.Accumulate(combined, generic)

	assertClose(t, combined.Lambda, acc.Lambda(alpha), 1e-12)
	for k := range combined.PerHit {
		assertClose(t, combined.PerHit[k], acc.At(alpha, k), 1e-12, "hit %d", k)
	}

	// Accumulation is additive across calls.
	split := NewAccumulator(Pegleg, ev.NumHits())
	e.Accumulate(split, pegleg[:5])
	e.Accumulate(split, pegleg[5:])
	assertClose(t, acc.Pegleg.Lambda, split.Lambda, 1e-12)
	for k := range split.PerHit {
		assertClose(t, acc.Pegleg.PerHit[k], split.PerHit[k], 1e-12, "hit %d", k)
	}

	split.Reset()
	assert.Zero(t, split.Lambda)
	assert.Zero(t, split.Sources)
	for _, v := range split.PerHit {
		assert.Zero(t, v)
	}

	var cp Accumulator
	cp.CopyFrom(acc.Pegleg)
	assert.Equal(t, acc.Pegleg.PerHit, cp.PerHit)
	assert.Equal(t, acc.Pegleg.Lambda, cp.Lambda)
	assert.Equal(t, Pegleg, cp.Category)
}

func TestAccumulateIsThreadCountInvariant(t *testing.T) {
	sensors := detector()
	var states []SensorState
	var hits []Hit
	for _, s := range sensors {
		states = append(states, SensorState{ID: s.ID, NoiseRate: 1e-4, Operational: true})
		for i := 0; i < 12; i++ {
			hits = append(hits, Hit{Sensor: s.ID, Time: 40 + 7*float64(i), Charge: 1})
		}
	}
	ev, err := NewEvent("many", hits, states, 0, 1000)
	require.NoError(t, err)
	table := analyticTable(t, sensors)

	h := Hypothesis{X: 1, Y: 2, Z: 3, CascadeZenith: 0.4}
	sources := CascadeKernel{PhotonsPerGeV: 1e5, Length: 10, Samples: 100}.Nominal(h)
	require.GreaterOrEqual(t, len(hits)*len(sources), parallelWork)

	serial := NewEvaluator(table, ev, EvaluatorOptions{Threads: 1})
	parallel := NewEvaluator(table, ev, EvaluatorOptions{Threads: 4})
	a, b := serial.NewAccumulators(), parallel.NewAccumulators()
	serial.Accumulate(a.Scaling, sources)
	parallel.Accumulate(b.Scaling, sources)

	assert.Equal(t, a.Scaling.Lambda, b.Scaling.Lambda)
	assert.Equal(t, a.Scaling.PerHit, b.Scaling.PerHit)
}

func TestLogLikelihoodKnownValue(t *testing.T) {
	ev := singleHitEvent(t, 3)
	e := NewEvaluator(constTable{tdi: 2, td: 1}, ev, EvaluatorOptions{})
	acc := e.NewAccumulators()
	e.Accumulate(acc.Scaling, pointKernel{lum: 1}.Nominal(Hypothesis{}))

	llh, clamped := e.LogLikelihood(1.5, acc)
	assert.Zero(t, clamped)
	assert.InDelta(t, -3+3*math.Log(1.5), llh, 1e-12)
}

func TestLogLikelihoodClampsZeroExpectation(t *testing.T) {
	ev := singleHitEvent(t, 2)
	e := NewEvaluator(constTable{tdi: 1, td: 0}, ev, EvaluatorOptions{Epsilon: 1e-6})
	acc := e.NewAccumulators()
	e.Accumulate(acc.Scaling, pointKernel{lum: 1}.Nominal(Hypothesis{}))

	llh, clamped := e.LogLikelihood(1, acc)
	assert.Equal(t, 1, clamped)
	assert.InDelta(t, -1+2*math.Log(1e-6), llh, 1e-12)
	assert.False(t, math.IsInf(llh, 0))
	assert.Equal(t, 1e-6, e.Epsilon())
}

func TestUnsimplifiedLikelihoodSharesOptimum(t *testing.T) {
	sensors := detector()
	ev := detectorEvent(t, sensors)
	e := NewEvaluator(analyticTable(t, sensors), ev, EvaluatorOptions{})

	scan := func(hs []Hypothesis, alphas []float64) (simple, full []float64) {
		for i, h := range hs {
			scaling, pegleg, generic := detectorSources(h)
			acc := e.NewAccumulators()
			e.Accumulate(acc.Scaling, scaling)
			e.Accumulate(acc.Pegleg, pegleg)
			e.Accumulate(acc.Generic, generic)
			s, _ := e.LogLikelihood(alphas[i], acc)
			f, err := e.UnsimplifiedLogLikelihood(alphas[i], scaling, pegleg, generic)
			require.NoError(t, err)
			simple, full = append(simple, s), append(full, f)
		}
		return simple, full
	}
	assertSameShape := func(simple, full []float64) {
		t.Helper()
		assert.Equal(t, floats.MaxIdx(simple), floats.MaxIdx(full))
		offset := full[0] - simple[0]
		assert.Less(t, offset, 0.0)
		for i := range simple {
			assert.InDelta(t, offset, full[i]-simple[i], 1e-9*math.Abs(offset), "point %d", i)
		}
	}

	t.Run("scale factor", func(t *testing.T) {
		alphas := []float64{0.01, 0.1, 0.3, 1, 3, 10, 30, 100}
		hs := make([]Hypothesis, len(alphas))
		for i := range hs {
			hs[i] = Hypothesis{X: 5, Y: 5, Z: 10}
		}
		assertSameShape(scan(hs, alphas))
	})

	t.Run("vertex", func(t *testing.T) {
		var hs []Hypothesis
		var alphas []float64
		for _, dx := range []float64{-8, -4, 0, 4, 8} {
			for _, dz := range []float64{-5, 0, 5} {
				hs = append(hs, Hypothesis{X: 5 + dx, Y: 5, Z: 10 + dz, CascadeZenith: 1})
				alphas = append(alphas, 3)
			}
		}
		assertSameShape(scan(hs, alphas))
	})

	t.Run("table without per-sensor lookups", func(t *testing.T) {
		plain := NewEvaluator(constTable{tdi: 1, td: 1}, ev, EvaluatorOptions{})
		_, err := plain.UnsimplifiedLogLikelihood(1, pointKernel{lum: 1}.Nominal(Hypothesis{}), nil, nil)
		assert.ErrorIs(t, err, ErrNoSensorTable)
	})
}

func TestGradientFormula(t *testing.T) {
	ev := singleHitEvent(t, 3)
	e := NewEvaluator(constTable{tdi: 2, td: 1}, ev, EvaluatorOptions{})
	acc := e.NewAccumulators()
	e.Accumulate(acc.Scaling, pointKernel{lum: 1}.Nominal(Hypothesis{}))

	// d Lambda/d theta = (1, 0), d lambda_1/d theta = (0, 2)
	jac := mat.NewDense(2, 2, []float64{1, 0, 0, 2})
	dst := make([]float64, 2)
	e.Gradient(jac, 1.5, acc, dst)
	assert.InDelta(t, -1.0, dst[0], 1e-12)
	assert.InDelta(t, 3/1.5*2, dst[1], 1e-12)

	assert.Panics(t, func() { e.Gradient(mat.NewDense(3, 2, nil), 1, acc, dst) })
}
