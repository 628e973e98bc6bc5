package goretro

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// SpeedOfLight in vacuum, m/ns.
	SpeedOfLight = 0.299792458
	// RefractiveIndex of the medium used for direct-light times.
	RefractiveIndex = 1.33
)

// Coord is the position, emission time and emission direction of a light
// source.
type Coord struct {
	X, Y, Z float64
	T       float64
	Zenith  float64
	Azimuth float64
}

// Direction returns the unit vector the source emits along.
func (c Coord) Direction() (dx, dy, dz float64) {
	st, ct := math.Sincos(c.Zenith)
	sp, cp := math.Sincos(c.Azimuth)
	return st * cp, st * sp, ct
}

func (c Coord) finite() bool {
	for _, v := range [...]float64{c.X, c.Y, c.Z, c.T, c.Zenith, c.Azimuth} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// TableProvider returns photon expectations per unit luminosity. Both
// lookups are batched over coordinates and write one value per
// coordinate into dst. Coordinates outside the physical domain of the
// table yield zero, never an error.
type TableProvider interface {
	// TimeIndependent writes the total expected charge in the whole
	// detector per unit luminosity.
	TimeIndependent(coords []Coord, dst []float64)
	// TimeDependent writes the expected charge rate density at sensor and
	// time t per unit luminosity.
	TimeDependent(coords []Coord, sensor int, t float64, dst []float64)
}

// DomainChecker is implemented by tables that can tell cheaply whether a
// coordinate can produce any signal at all.
type DomainChecker interface {
	Contains(c Coord) bool
}

// Table is a TableProvider with a known spatial domain.
type Table interface {
	TableProvider
	DomainChecker
	Domain() (lo, hi [3]float64)
}

// SensorTable is implemented by tables that can split the
// time-independent expectation by sensor.
type SensorTable interface {
	// SensorExpectation writes the expected charge at sensor per unit
	// luminosity, integrated over time.
	SensorExpectation(coords []Coord, sensor int, dst []float64)
}

// TableError reports an invalid table construction.
type TableError struct {
	Table  string
	Reason string
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s table: %s", e.Table, e.Reason)
}

// SensorGeometry is the position and relative efficiency of a sensor.
type SensorGeometry struct {
	ID         int     `json:"id"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Efficiency float64 `json:"efficiency"`
}

// box is an axis-aligned bounding box around the sensors grown by a margin.
type box struct {
	min, max [3]float64
}

func boundingBox(sensors []SensorGeometry, margin float64) box {
	b := box{
		min: [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)},
		max: [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)},
	}
	for _, s := range sensors {
		p := [3]float64{s.X, s.Y, s.Z}
		for i := range p {
			b.min[i] = math.Min(b.min[i], p[i]-margin)
			b.max[i] = math.Max(b.max[i], p[i]+margin)
		}
	}
	return b
}

func (b box) contains(c Coord) bool {
	p := [3]float64{c.X, c.Y, c.Z}
	for i := range p {
		if p[i] < b.min[i] || p[i] > b.max[i] {
			return false
		}
	}
	return true
}

// Bounds returns the box corners.
func (b box) Bounds() (lo, hi [3]float64) { return b.min, b.max }

// AnalyticParams configures the closed-form photon transport model.
type AnalyticParams struct {
	// Area is the effective photocathode area of a unit-efficiency sensor, m^2.
	Area float64 `mapstructure:"area" json:"area"`
	// AttenuationLength of the medium, m.
	AttenuationLength float64 `mapstructure:"attenuation_length" json:"attenuation_length"`
	// Anisotropy in [0, 1) weights emission along the source direction.
	Anisotropy float64 `mapstructure:"anisotropy" json:"anisotropy"`
	// MinDistance clamps the source-sensor distance from below, m.
	MinDistance float64 `mapstructure:"min_distance" json:"min_distance"`
	// MaxDistance beyond which a sensor sees nothing, m.
	MaxDistance float64 `mapstructure:"max_distance" json:"max_distance"`
	// Margin grows the detector bounding box to form the table domain, m.
	Margin float64 `mapstructure:"margin" json:"margin"`
	// DelayShape and DelayRate parametrise the Gamma-distributed photon
	// delay after the direct-light time (rate in 1/ns).
	DelayShape float64 `mapstructure:"delay_shape" json:"delay_shape"`
	DelayRate  float64 `mapstructure:"delay_rate" json:"delay_rate"`
}

// DefaultAnalyticParams returns parameters roughly matching deep glacial ice.
func DefaultAnalyticParams() AnalyticParams {
	return AnalyticParams{
		Area:              0.01,
		AttenuationLength: 50,
		Anisotropy:        0.5,
		MinDistance:       1,
		MaxDistance:       200,
		Margin:            100,
		DelayShape:        1.5,
		DelayRate:         0.05,
	}
}

// AnalyticTable is a TableProvider backed by a closed-form transport
// model. It is read-only after construction and safe for concurrent use.
type AnalyticTable struct {
	params  AnalyticParams
	sensors []SensorGeometry
	index   map[int]int
	domain  box
	delay   distuv.Gamma
	cMedium float64
}

// NewAnalyticTable builds a table over the given sensors.
func NewAnalyticTable(sensors []SensorGeometry, params AnalyticParams) (*AnalyticTable, error) {
	if len(sensors) == 0 {
		return nil, &TableError{Table: "analytic", Reason: "no sensors"}
	}
	if params.Area <= 0 || params.AttenuationLength <= 0 {
		return nil, &TableError{Table: "analytic", Reason: "area and attenuation length must be positive"}
	}
	if params.Anisotropy < 0 || params.Anisotropy >= 1 {
		return nil, &TableError{Table: "analytic", Reason: fmt.Sprintf("anisotropy %g outside [0, 1)", params.Anisotropy)}
	}
	if params.MinDistance <= 0 || params.MaxDistance <= params.MinDistance {
		return nil, &TableError{Table: "analytic", Reason: "need 0 < min_distance < max_distance"}
	}
	if params.DelayShape <= 0 || params.DelayRate <= 0 {
		return nil, &TableError{Table: "analytic", Reason: "delay shape and rate must be positive"}
	}

	t := &AnalyticTable{
		params:  params,
		sensors: append([]SensorGeometry(nil), sensors...),
		domain:  boundingBox(sensors, params.Margin),
		delay:   distuv.Gamma{Alpha: params.DelayShape, Beta: params.DelayRate},
		cMedium: SpeedOfLight / RefractiveIndex,
	}
	idx, err := indexSensors("analytic", t.sensors)
	if err != nil {
		return nil, err
	}
	t.index = idx
	return t, nil
}

// indexSensors maps sensor ids to positions, rejecting duplicates and
// efficiencies that are negative or not a number.
func indexSensors(table string, sensors []SensorGeometry) (map[int]int, error) {
	index := make(map[int]int, len(sensors))
	for i, s := range sensors {
		if _, dup := index[s.ID]; dup {
			return nil, &TableError{Table: table, Reason: fmt.Sprintf("duplicate sensor %d", s.ID)}
		}
		if !(s.Efficiency >= 0) || math.IsInf(s.Efficiency, 0) {
			return nil, &TableError{Table: table, Reason: fmt.Sprintf("sensor %d has invalid efficiency %g", s.ID, s.Efficiency)}
		}
		index[s.ID] = i
	}
	return index, nil
}

// Contains implements DomainChecker.
func (t *AnalyticTable) Contains(c Coord) bool {
	return c.finite() && t.domain.contains(c)
}

// Domain returns the bounding box of the table domain.
func (t *AnalyticTable) Domain() (lo, hi [3]float64) { return t.domain.Bounds() }

// amplitude is the time-integrated expected charge at sensor s per unit
// luminosity, and the source-sensor distance.
func (t *AnalyticTable) amplitude(c Coord, s SensorGeometry) (float64, float64) {
	dx, dy, dz := s.X-c.X, s.Y-c.Y, s.Z-c.Z
	r := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if r > t.params.MaxDistance {
		return 0, r
	}
	rc := math.Max(r, t.params.MinDistance)

	cosEta := 0.0
	if r > 0 {
		ux, uy, uz := c.Direction()
		cosEta = (ux*dx + uy*dy + uz*dz) / r
	}
	a := s.Efficiency * t.params.Area * math.Exp(-rc/t.params.AttenuationLength) / (4 * math.Pi * rc * rc)
	return a * (1 + t.params.Anisotropy*cosEta), r
}

// TimeIndependent implements TableProvider.
func (t *AnalyticTable) TimeIndependent(coords []Coord, dst []float64) {
	for i, c := range coords {
		dst[i] = 0
		if !t.Contains(c) {
			continue
		}
		sum := 0.0
		for _, s := range t.sensors {
			a, _ := t.amplitude(c, s)
			sum += a
		}
		dst[i] = sum
	}
}

// SensorExpectation implements SensorTable.
func (t *AnalyticTable) SensorExpectation(coords []Coord, sensor int, dst []float64) {
	idx, ok := t.index[sensor]
	for i, c := range coords {
		dst[i] = 0
		if ok && t.Contains(c) {
			dst[i], _ = t.amplitude(c, t.sensors[idx])
		}
	}
}

// TimeDependent implements TableProvider.
func (t *AnalyticTable) TimeDependent(coords []Coord, sensor int, tm float64, dst []float64) {
	idx, ok := t.index[sensor]
	for i, c := range coords {
		dst[i] = 0
		if !ok || !t.Contains(c) {
			continue
		}
		s := t.sensors[idx]
		a, r := t.amplitude(c, s)
		if a == 0 {
			continue
		}
		delay := tm - c.T - r/t.cMedium
		if delay <= 0 {
			continue
		}
		dst[i] = a * t.delay.Prob(delay)
	}
}
