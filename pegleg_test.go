package goretro

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// llhSeries turns a table of log-likelihoods indexed by step count into a
// solve function for iterate.
func llhSeries(llh func(steps int) float64) func(int) ScalingResult {
	return func(steps int) ScalingResult {
		return ScalingResult{Alpha: float64(steps), LLH: llh(steps)}
	}
}

func profileSteps(profile []PeglegPoint) []int {
	out := make([]int, len(profile))
	for i, p := range profile {
		out[i] = p.Steps
	}
	return out
}

func TestIterateStopsOnDecayingGain(t *testing.T) {
	cfg := DefaultPeglegConfig()
	cfg.MaxSteps = 100

	// gain at step n is 10 * 0.5^(n-1)
	stop, converged, profile := cfg.iterate(llhSeries(func(n int) float64 {
		return 20 * (1 - math.Pow(0.5, float64(n)))
	}))
	assert.True(t, converged)
	assert.Equal(t, 11, stop)
	require.Len(t, profile, 12)
	assert.Zero(t, profile[0].Gain)
	assert.InDelta(t, 10, profile[1].Gain, 1e-12)
	assert.Less(t, profile[11].Gain, cfg.Tolerance)
}

func TestIterateToleranceIsInclusive(t *testing.T) {
	cfg := DefaultPeglegConfig()
	cfg.Tolerance = 0.25
	table := []float64{0, 1, 1.5, 1.75, 1.875, 1.9}

	stop, converged, profile := cfg.iterate(llhSeries(func(n int) float64 { return table[n] }))
	assert.True(t, converged)
	assert.Equal(t, 4, stop, "a gain equal to the tolerance keeps the loop going")
	assert.Equal(t, []int{0, 1, 2, 3, 4}, profileSteps(profile))
}

func TestIterateStopsOnLoss(t *testing.T) {
	cfg := DefaultPeglegConfig()
	table := []float64{-5, -4, -6}

	stop, converged, profile := cfg.iterate(llhSeries(func(n int) float64 { return table[n] }))
	assert.True(t, converged)
	assert.Equal(t, 2, stop)
	assert.Equal(t, -2.0, profile[2].Gain)
}

func TestIterateReachesMaxSteps(t *testing.T) {
	cfg := DefaultPeglegConfig()
	cfg.MaxSteps = 5

	stop, converged, profile := cfg.iterate(llhSeries(func(n int) float64 { return float64(n) }))
	assert.False(t, converged)
	assert.Equal(t, 5, stop)
	assert.Len(t, profile, 6)
}

func TestIterateGrowth(t *testing.T) {
	cfg := PeglegConfig{SeedSteps: 0, StepSize: 1, Growth: 2, MaxSteps: 20, Tolerance: 0.01}

	stop, converged, profile := cfg.iterate(llhSeries(func(n int) float64 { return float64(n) }))
	assert.False(t, converged)
	assert.Equal(t, 20, stop)
	assert.Equal(t, []int{0, 1, 3, 7, 15, 20}, profileSteps(profile))
}

func TestIterateSeedAtMax(t *testing.T) {
	cfg := PeglegConfig{SeedSteps: 7, StepSize: 1, Growth: 1, MaxSteps: 7}
	calls := 0
	stop, converged, profile := cfg.iterate(func(n int) ScalingResult {
		calls++
		return ScalingResult{LLH: 1}
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 7, stop)
	assert.False(t, converged)
	assert.Len(t, profile, 1)
}

func TestPeglegConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultPeglegConfig().Validate())

	tests := []struct {
		name string
		edit func(*PeglegConfig)
	}{
		{"negative seed", func(c *PeglegConfig) { c.SeedSteps = -1 }},
		{"zero step", func(c *PeglegConfig) { c.StepSize = 0 }},
		{"shrinking growth", func(c *PeglegConfig) { c.Growth = 0.5 }},
		{"nan growth", func(c *PeglegConfig) { c.Growth = math.NaN() }},
		{"max below seed", func(c *PeglegConfig) { c.SeedSteps = 10; c.MaxSteps = 5 }},
		{"negative tolerance", func(c *PeglegConfig) { c.Tolerance = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultPeglegConfig()
			tt.edit(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestPeglegRunKeepsBestStep(t *testing.T) {
	// With one hit of charge 10 and unit sources, LLH(n) = -n + 10 ln n,
	// which peaks at n = 10; the gain first drops below tolerance at 11.
	ev := singleHitEvent(t, 10)
	e := NewEvaluator(constTable{tdi: 1, td: 1}, ev, EvaluatorOptions{})
	gen := &SourceGenerator{Pegleg: stepKernel{lum: 1}}
	loop := PeglegLoop{Config: DefaultPeglegConfig(), Scaling: DefaultScalingSolver()}

	ws := e.NewWorkspace()
	res := loop.Run(e, gen, Hypothesis{}, ws)

	assert.True(t, res.Converged)
	assert.Equal(t, 11, res.StopSteps)
	assert.Equal(t, 10, res.BestSteps)
	assert.Equal(t, 10, res.Sources)
	assert.Equal(t, 11, res.Grown)
	assert.Equal(t, LowerBound, res.Scaling.Boundary)
	assert.InDelta(t, -10+10*math.Log(10), res.Scaling.LLH, 1e-9)
	require.Len(t, res.Profile, 12)

	assert.Equal(t, 10.0, ws.Acc.Pegleg.Lambda, "accumulator is left at the best step")
	assert.Equal(t, 10, ws.Acc.Pegleg.Sources)
	assert.Equal(t, 10.0, ws.Acc.Pegleg.PerHit[0])
}

func TestPeglegRunIncrementalMatchesFull(t *testing.T) {
	sensors := detector()
	ev := detectorEvent(t, sensors)
	e := NewEvaluator(analyticTable(t, sensors), ev, EvaluatorOptions{})
	gen := &SourceGenerator{
		Scaling: CascadeKernel{PhotonsPerGeV: 1e4, Length: 4, Samples: 4},
		Pegleg:  TrackKernel{PhotonsPerMeter: 2e3, SegmentLength: 1, EnergyPerMeter: 0.22},
	}
	h := Hypothesis{X: 5, Y: 5, Z: 10, TrackZenith: math.Pi / 2, CascadeZenith: math.Pi / 2}

	cfg := DefaultPeglegConfig()
	cfg.MaxSteps = 40
	cfg.StepSize = 2
	loop := PeglegLoop{Config: cfg, Scaling: DefaultScalingSolver()}

	ws := e.NewWorkspace()
	e.Accumulate(ws.Acc.Scaling, gen.ScalingSources(h))
	res := loop.Run(e, gen, h, ws)
	require.GreaterOrEqual(t, res.BestSteps, 0)

	full := NewAccumulator(Pegleg, ev.NumHits())
	e.Accumulate(full, gen.PeglegSources(h, 0, res.BestSteps))
	assertClose(t, full.Lambda, ws.Acc.Pegleg.Lambda, 1e-12)
	for k := range full.PerHit {
		assertClose(t, full.PerHit[k], ws.Acc.Pegleg.PerHit[k], 1e-12, "hit %d", k)
	}
	assert.Equal(t, full.Sources, res.Sources)

	bestLLH := math.Inf(-1)
	for _, p := range res.Profile {
		bestLLH = math.Max(bestLLH, p.LLH)
	}
	assert.Equal(t, bestLLH, res.Scaling.LLH)

	llh, _ := e.LogLikelihood(res.Scaling.Alpha, ws.Acc)
	assertClose(t, res.Scaling.LLH, llh, 1e-10)
}

func TestPeglegRunWithoutKernel(t *testing.T) {
	ev := singleHitEvent(t, 3)
	e := NewEvaluator(constTable{tdi: 2, td: 1}, ev, EvaluatorOptions{})
	gen := &SourceGenerator{Scaling: pointKernel{lum: 1}}
	loop := PeglegLoop{Config: DefaultPeglegConfig(), Scaling: DefaultScalingSolver()}

	ws := e.NewWorkspace()
	e.Accumulate(ws.Acc.Scaling, gen.ScalingSources(Hypothesis{}))
	res := loop.Run(e, gen, Hypothesis{}, ws)

	assert.True(t, res.Converged)
	assert.Zero(t, res.BestSteps)
	assert.Zero(t, res.Sources)
	assert.Len(t, res.Profile, 1)
	assert.InDelta(t, 1.5, res.Scaling.Alpha, 1e-7)
}
