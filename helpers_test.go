package goretro

import (
	"math"
	"testing"

	"github.com/kacperjurak/goretro/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init("silent", "text")
}

// constTable answers every lookup with fixed values.
type constTable struct {
	tdi, td float64
}

func (c constTable) TimeIndependent(coords []Coord, dst []float64) {
	for i := range coords {
		dst[i] = c.tdi
	}
}

func (c constTable) TimeDependent(coords []Coord, _ int, _ float64, dst []float64) {
	for i := range coords {
		dst[i] = c.td
	}
}

// pointKernel is a single scaling source at the vertex.
type pointKernel struct{ lum float64 }

func (k pointKernel) Nominal(h Hypothesis) []LightSource {
	return []LightSource{{Coord: Coord{X: h.X, Y: h.Y, Z: h.Z, T: h.T}, Luminosity: k.lum}}
}

// stepKernel adds one source of fixed luminosity per step.
type stepKernel struct{ lum float64 }

func (k stepKernel) Segment(h Hypothesis, from, to int) []LightSource {
	var out []LightSource
	for s := from + 1; s <= to; s++ {
		out = append(out, LightSource{Coord: Coord{X: h.X + float64(s), Y: h.Y, Z: h.Z, T: h.T}, Luminosity: k.lum})
	}
	return out
}

func (k stepKernel) Energy(steps int) float64 { return float64(steps) }

// detector is two layers of a 3x3 sensor grid with 15 m spacing.
func detector() []SensorGeometry {
	var out []SensorGeometry
	id := 0
	for _, z := range []float64{0, 20} {
		for _, x := range []float64{-15, 0, 15} {
			for _, y := range []float64{-15, 0, 15} {
				id++
				out = append(out, SensorGeometry{ID: id, X: x, Y: y, Z: z, Efficiency: 1})
			}
		}
	}
	return out
}

var trueVertex = [3]float64{5, 5, 10}

// detectorEvent has one hit on every sensor within 25 m of trueVertex,
// 25 ns after the direct light from a vertex at t=0.
func detectorEvent(t *testing.T, sensors []SensorGeometry) *Event {
	t.Helper()
	cMedium := SpeedOfLight / RefractiveIndex
	var states []SensorState
	var hits []Hit
	for _, s := range sensors {
		states = append(states, SensorState{ID: s.ID, NoiseRate: 1e-4, Operational: true})
		dx, dy, dz := s.X-trueVertex[0], s.Y-trueVertex[1], s.Z-trueVertex[2]
		r := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if r > 25 {
			continue
		}
		hits = append(hits, Hit{Sensor: s.ID, Time: r/cMedium + 25, Charge: math.Round(40 / r)})
	}
	ev, err := NewEvent("detector", hits, states, -500, 1500)
	require.NoError(t, err)
	return ev
}

func analyticTable(t *testing.T, sensors []SensorGeometry) *AnalyticTable {
	t.Helper()
	table, err := NewAnalyticTable(sensors, DefaultAnalyticParams())
	require.NoError(t, err)
	return table
}

// singleHitEvent is one hit of charge q on sensor 1 without noise.
func singleHitEvent(t *testing.T, q float64) *Event {
	t.Helper()
	ev, err := NewEvent("single", []Hit{{Sensor: 1, Time: 0, Charge: q}}, []SensorState{{ID: 1, Operational: true}}, 0, 0)
	require.NoError(t, err)
	return ev
}

func unitBounds(mode Mode) Bounds {
	return NewBounds(mode, [3]float64{-100, -100, -100}, [3]float64{100, 100, 100}, -100, 100)
}

// assertClose checks got against want to a relative tolerance.
func assertClose(t *testing.T, want, got, rel float64, msgAndArgs ...any) bool {
	t.Helper()
	return assert.InDelta(t, want, got, rel*math.Abs(want)+1e-300, msgAndArgs...)
}
