package goretro

import (
	"fmt"
	"math"
	"sort"
)

// BinnedTable is a radially symmetric TableProvider built from a
// photon-density table binned in source-sensor distance and time residual
// (time after the direct-light arrival). The first and last bin along each
// axis are under/overflow bins: they are kept in the input for fidelity
// with the generating simulation but never used for lookups.
type BinnedTable struct {
	radius  []float64   // bin edges, len nr+1
	residue []float64   // bin edges, len nt+1
	density [][]float64 // [nr][nt], charge rate per unit luminosity per ns
	tindep  []float64   // [nr], density summed over the inner time bins

	sensors []SensorGeometry
	index   map[int]int
	domain  box
	cMedium float64
}

// NewBinnedTable validates the binning and derives the time-independent
// table by summing the density over the time axis.
func NewBinnedTable(sensors []SensorGeometry, radius, residue []float64, density [][]float64) (*BinnedTable, error) {
	if len(sensors) == 0 {
		return nil, &TableError{Table: "binned", Reason: "no sensors"}
	}
	nr, nt := len(radius)-1, len(residue)-1
	if nr < 3 || nt < 3 {
		return nil, &TableError{Table: "binned", Reason: "need at least three bins per axis (two are under/overflow)"}
	}
	if !sort.Float64sAreSorted(radius) || !sort.Float64sAreSorted(residue) {
		return nil, &TableError{Table: "binned", Reason: "bin edges must be ascending"}
	}
	if len(density) != nr {
		return nil, &TableError{Table: "binned", Reason: fmt.Sprintf("density has %d radial rows, want %d", len(density), nr)}
	}

	t := &BinnedTable{
		radius:  append([]float64(nil), radius...),
		residue: append([]float64(nil), residue...),
		density: make([][]float64, nr),
		tindep:  make([]float64, nr),
		sensors: append([]SensorGeometry(nil), sensors...),
		cMedium: SpeedOfLight / RefractiveIndex,
	}
	for i, row := range density {
		if len(row) != nt {
			return nil, &TableError{Table: "binned", Reason: fmt.Sprintf("density row %d has %d bins, want %d", i, len(row), nt)}
		}
		t.density[i] = append([]float64(nil), row...)
		for j := 1; j < nt-1; j++ {
			if row[j] < 0 || math.IsNaN(row[j]) {
				return nil, &TableError{Table: "binned", Reason: fmt.Sprintf("invalid density at (%d, %d)", i, j)}
			}
			if i > 0 && i < nr-1 {
				t.tindep[i] += row[j] * (residue[j+1] - residue[j])
			}
		}
	}
	idx, err := indexSensors("binned", t.sensors)
	if err != nil {
		return nil, err
	}
	t.index = idx
	t.domain = boundingBox(sensors, radius[nr-1])
	return t, nil
}

// Contains implements DomainChecker.
func (t *BinnedTable) Contains(c Coord) bool {
	return c.finite() && t.domain.contains(c)
}

// Domain returns the bounding box of the table domain.
func (t *BinnedTable) Domain() (lo, hi [3]float64) { return t.domain.Bounds() }

// TimeIndependentBins exposes the derived time-independent table.
func (t *BinnedTable) TimeIndependentBins() []float64 {
	return append([]float64(nil), t.tindep...)
}

// inner returns the inner bin holding v, or -1 for under/overflow.
func inner(edges []float64, v float64) int {
	n := len(edges) - 1
	if math.IsNaN(v) || v < edges[1] || v >= edges[n-1] {
		return -1
	}
	return sort.Search(len(edges), func(k int) bool { return edges[k] > v }) - 1
}

func (t *BinnedTable) distance(c Coord, s SensorGeometry) float64 {
	dx, dy, dz := s.X-c.X, s.Y-c.Y, s.Z-c.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// TimeIndependent implements TableProvider.
func (t *BinnedTable) TimeIndependent(coords []Coord, dst []float64) {
	for i, c := range coords {
		dst[i] = 0
		if !t.Contains(c) {
			continue
		}
		sum := 0.0
		for _, s := range t.sensors {
			if ri := inner(t.radius, t.distance(c, s)); ri >= 0 {
				sum += s.Efficiency * t.tindep[ri]
			}
		}
		dst[i] = sum
	}
}

// SensorExpectation implements SensorTable.
func (t *BinnedTable) SensorExpectation(coords []Coord, sensor int, dst []float64) {
	idx, ok := t.index[sensor]
	for i, c := range coords {
		dst[i] = 0
		if !ok || !t.Contains(c) {
			continue
		}
		s := t.sensors[idx]
		if ri := inner(t.radius, t.distance(c, s)); ri >= 0 {
			dst[i] = s.Efficiency * t.tindep[ri]
		}
	}
}

// TimeDependent implements TableProvider.
func (t *BinnedTable) TimeDependent(coords []Coord, sensor int, tm float64, dst []float64) {
	idx, ok := t.index[sensor]
	for i, c := range coords {
		dst[i] = 0
		if !ok || !t.Contains(c) {
			continue
		}
		s := t.sensors[idx]
		r := t.distance(c, s)
		ri := inner(t.radius, r)
		if ri < 0 {
			continue
		}
		ti := inner(t.residue, tm-c.T-r/t.cMedium)
		if ti < 0 {
			continue
		}
		dst[i] = s.Efficiency * t.density[ri][ti]
	}
}
