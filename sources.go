package goretro

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrDimension is returned when a parameter vector has the wrong length.
var ErrDimension = errors.New("parameter vector has wrong dimension")

// Category tells how a light source reacts to hypothesis changes.
type Category int

const (
	// Scaling sources have a fixed topology; only their luminosity scales.
	Scaling Category = iota
	// Pegleg sources form an append-only sequence indexed by step.
	Pegleg
	// Generic sources are regenerated whenever generic parameters change.
	Generic
)

func (c Category) String() string {
	switch c {
	case Scaling:
		return "scaling"
	case Pegleg:
		return "pegleg"
	case Generic:
		return "generic"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// LightSource is an idealized point emitter.
type LightSource struct {
	Coord
	Luminosity float64
	Category   Category
}

// Hypothesis is the physical description of an event.
type Hypothesis struct {
	X, Y, Z, T     float64
	TrackZenith    float64
	TrackAzimuth   float64
	CascadeZenith  float64
	CascadeAzimuth float64
	CascadeEnergy  float64
	TrackEnergy    float64
}

// Mode selects the hypothesis parametrisation.
type Mode int

const (
	// Mode10 fits independent cascade and track directions.
	Mode10 Mode = iota
	// Mode8 ties the cascade direction to the track direction.
	Mode8
)

var (
	generic10 = []string{"x", "y", "z", "time", "track_zenith", "track_azimuth", "cascade_zenith", "cascade_azimuth"}
	generic8  = generic10[:6]
)

// ParseMode accepts "10", "10d", "8" or "8d".
func ParseMode(s string) (Mode, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "d") {
	case "10", "":
		return Mode10, nil
	case "8":
		return Mode8, nil
	}
	return 0, fmt.Errorf("unknown hypothesis mode %q", s)
}

func (m Mode) String() string {
	if m == Mode8 {
		return "8d"
	}
	return "10d"
}

// GenericNames lists the parameters handed to the outer minimizer.
func (m Mode) GenericNames() []string {
	if m == Mode8 {
		return append([]string(nil), generic8...)
	}
	return append([]string(nil), generic10...)
}

// ParamNames lists the full hypothesis vector: generic parameters followed
// by the internally solved energies.
func (m Mode) ParamNames() []string {
	return append(m.GenericNames(), "cascade_energy", "track_energy")
}

// GenericDim is the number of generic parameters.
func (m Mode) GenericDim() int { return len(m.GenericNames()) }

// Hypothesis builds a hypothesis from generic parameters; energies are zero.
func (m Mode) Hypothesis(generic []float64) (Hypothesis, error) {
	if len(generic) != m.GenericDim() {
		return Hypothesis{}, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(generic), m.GenericDim())
	}
	h := Hypothesis{
		X: generic[0], Y: generic[1], Z: generic[2], T: generic[3],
		TrackZenith: generic[4], TrackAzimuth: generic[5],
	}
	if m == Mode8 {
		h.CascadeZenith, h.CascadeAzimuth = h.TrackZenith, h.TrackAzimuth
	} else {
		h.CascadeZenith, h.CascadeAzimuth = generic[6], generic[7]
	}
	return h, nil
}

// Params returns the full parameter vector in ParamNames order.
func (h Hypothesis) Params(m Mode) []float64 {
	p := []float64{h.X, h.Y, h.Z, h.T, h.TrackZenith, h.TrackAzimuth}
	if m == Mode10 {
		p = append(p, h.CascadeZenith, h.CascadeAzimuth)
	}
	return append(p, h.CascadeEnergy, h.TrackEnergy)
}

// ScalingKernel emits the nominal (unit scale) scaling topology.
type ScalingKernel interface {
	Nominal(h Hypothesis) []LightSource
}

// PeglegKernel emits pegleg sources for steps from+1..to.
type PeglegKernel interface {
	Segment(h Hypothesis, from, to int) []LightSource
	// Energy maps a step count to the energy it represents.
	Energy(steps int) float64
}

// GenericKernel emits the fully regenerated sources.
type GenericKernel interface {
	Generic(h Hypothesis) []LightSource
}

// GenericFunc adapts a function to GenericKernel.
type GenericFunc func(h Hypothesis) []LightSource

// Generic implements GenericKernel.
func (f GenericFunc) Generic(h Hypothesis) []LightSource { return f(h) }

// CascadeKernel discretises a 1 GeV electromagnetic cascade along its
// direction. The optimal scale factor is then the cascade energy in GeV.
type CascadeKernel struct {
	PhotonsPerGeV float64
	Length        float64
	Samples       int
}

// Nominal implements ScalingKernel.
func (k CascadeKernel) Nominal(h Hypothesis) []LightSource {
	n := k.Samples
	if n < 1 {
		n = 1
	}
	dir := Coord{Zenith: h.CascadeZenith, Azimuth: h.CascadeAzimuth}
	dx, dy, dz := dir.Direction()
	out := make([]LightSource, n)
	for i := range out {
		s := (float64(i) + 0.5) / float64(n) * k.Length
		out[i] = LightSource{
			Coord: Coord{
				X: h.X + s*dx, Y: h.Y + s*dy, Z: h.Z + s*dz,
				T:      h.T + s/SpeedOfLight,
				Zenith: h.CascadeZenith, Azimuth: h.CascadeAzimuth,
			},
			Luminosity: k.PhotonsPerGeV / float64(n),
			Category:   Scaling,
		}
	}
	return out
}

// TrackKernel places one source per track segment of a minimum-ionizing
// muon starting at the vertex.
type TrackKernel struct {
	PhotonsPerMeter float64
	SegmentLength   float64
	EnergyPerMeter  float64
}

// Segment implements PeglegKernel.
func (k TrackKernel) Segment(h Hypothesis, from, to int) []LightSource {
	if to <= from {
		return nil
	}
	dir := Coord{Zenith: h.TrackZenith, Azimuth: h.TrackAzimuth}
	dx, dy, dz := dir.Direction()
	out := make([]LightSource, 0, to-from)
	for step := from + 1; step <= to; step++ {
		s := (float64(step) - 0.5) * k.SegmentLength
		out = append(out, LightSource{
			Coord: Coord{
				X: h.X + s*dx, Y: h.Y + s*dy, Z: h.Z + s*dz,
				T:      h.T + s/SpeedOfLight,
				Zenith: h.TrackZenith, Azimuth: h.TrackAzimuth,
			},
			Luminosity: k.PhotonsPerMeter * k.SegmentLength,
			Category:   Pegleg,
		})
	}
	return out
}

// Energy implements PeglegKernel.
func (k TrackKernel) Energy(steps int) float64 {
	return float64(steps) * k.SegmentLength * k.EnergyPerMeter
}

// StepsFor returns the smallest step count reaching energy.
func (k TrackKernel) StepsFor(energy float64) int {
	per := k.SegmentLength * k.EnergyPerMeter
	if per <= 0 || energy <= 0 {
		return 0
	}
	return int(math.Ceil(energy/per - 1e-9))
}

// VertexKernel is a point flash of fixed luminosity at the vertex.
type VertexKernel struct {
	Luminosity float64
}

// Generic implements GenericKernel.
func (k VertexKernel) Generic(h Hypothesis) []LightSource {
	if k.Luminosity <= 0 {
		return nil
	}
	return []LightSource{{
		Coord:      Coord{X: h.X, Y: h.Y, Z: h.Z, T: h.T, Zenith: h.CascadeZenith, Azimuth: h.CascadeAzimuth},
		Luminosity: k.Luminosity,
		Category:   Generic,
	}}
}

// SourceGenerator maps a hypothesis to categorised light sources with
// nominal luminosities. Any kernel may be nil.
type SourceGenerator struct {
	Scaling ScalingKernel
	Pegleg  PeglegKernel
	Generic GenericKernel
	// Domain, when set, drops sources that cannot produce signal.
	Domain DomainChecker
}

func (g *SourceGenerator) keep(src []LightSource, cat Category) []LightSource {
	out := make([]LightSource, 0, len(src))
	for _, s := range src {
		s.Category = cat
		if g.Domain != nil && !g.Domain.Contains(s.Coord) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ScalingSources returns the nominal scaling topology.
func (g *SourceGenerator) ScalingSources(h Hypothesis) []LightSource {
	if g.Scaling == nil {
		return nil
	}
	return g.keep(g.Scaling.Nominal(h), Scaling)
}

// PeglegSources returns only the sources added between step counts from
// and to.
func (g *SourceGenerator) PeglegSources(h Hypothesis, from, to int) []LightSource {
	if g.Pegleg == nil || to <= from {
		return nil
	}
	return g.keep(g.Pegleg.Segment(h, from, to), Pegleg)
}

// GenericSources regenerates the generic sources.
func (g *SourceGenerator) GenericSources(h Hypothesis) []LightSource {
	if g.Generic == nil {
		return nil
	}
	return g.keep(g.Generic.Generic(h), Generic)
}

// PeglegEnergy maps a step count to energy, zero without a pegleg kernel.
func (g *SourceGenerator) PeglegEnergy(steps int) float64 {
	if g.Pegleg == nil {
		return 0
	}
	return g.Pegleg.Energy(steps)
}
