package goretro

import (
	"errors"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrNoSensorTable is returned when a per-sensor expectation is needed
// from a table that only provides detector totals.
var ErrNoSensorTable = errors.New("table has no per-sensor expectations")

const (
	// DefaultEpsilon is the floor applied to lambda+noise before the log.
	DefaultEpsilon = 1e-12
	// parallelWork is the hits x sources product above which accumulation
	// is split across goroutines.
	parallelWork = 1 << 14
)

// Accumulator holds the additive contribution of one source category:
// Lambda (the whole-detector expected charge) and lambda at every hit.
// Scaling accumulators hold nominal, unscaled values.
type Accumulator struct {
	Category Category
	Lambda   float64
	PerHit   []float64
	Sources  int

	coords  []Coord
	lum     []float64
	tdi     []float64
	scratch [][]float64
}

// NewAccumulator allocates an empty accumulator for an event with nHits.
func NewAccumulator(cat Category, nHits int) *Accumulator {
	return &Accumulator{Category: cat, PerHit: make([]float64, nHits)}
}

// Reset clears the sums, keeping buffers.
func (a *Accumulator) Reset() {
	a.Lambda = 0
	a.Sources = 0
	for i := range a.PerHit {
		a.PerHit[i] = 0
	}
}

// CopyFrom overwrites a with the sums of b.
func (a *Accumulator) CopyFrom(b *Accumulator) {
	a.Category = b.Category
	a.Lambda = b.Lambda
	a.Sources = b.Sources
	if cap(a.PerHit) < len(b.PerHit) {
		a.PerHit = make([]float64, len(b.PerHit))
	}
	a.PerHit = a.PerHit[:len(b.PerHit)]
	copy(a.PerHit, b.PerHit)
}

// Accumulators are the three parallel per-category sets. Changing alpha
// never touches Pegleg or Generic; growing the pegleg set only adds to
// Pegleg.
type Accumulators struct {
	Scaling *Accumulator
	Pegleg  *Accumulator
	Generic *Accumulator
}

// NewAccumulators allocates the three sets.
func NewAccumulators(nHits int) *Accumulators {
	return &Accumulators{
		Scaling: NewAccumulator(Scaling, nHits),
		Pegleg:  NewAccumulator(Pegleg, nHits),
		Generic: NewAccumulator(Generic, nHits),
	}
}

// Lambda combines the category totals for scale factor alpha.
func (a *Accumulators) Lambda(alpha float64) float64 {
	return alpha*a.Scaling.Lambda + a.Pegleg.Lambda + a.Generic.Lambda
}

// At combines the per-hit expectations of hit k for scale factor alpha.
func (a *Accumulators) At(alpha float64, k int) float64 {
	return alpha*a.Scaling.PerHit[k] + a.Pegleg.PerHit[k] + a.Generic.PerHit[k]
}

// Sources is the number of sources accumulated over all categories.
func (a *Accumulators) Sources() int {
	return a.Scaling.Sources + a.Pegleg.Sources + a.Generic.Sources
}

// Evaluator computes expectations and the extended log-likelihood of one
// event. It holds no mutable state and is safe for concurrent use as long
// as each goroutine works on its own accumulators.
type Evaluator struct {
	table   TableProvider
	event   *Event
	eps     float64
	threads int
}

// EvaluatorOptions tunes an Evaluator.
type EvaluatorOptions struct {
	Epsilon float64
	Threads int
}

// NewEvaluator builds an evaluator for event using table.
func NewEvaluator(table TableProvider, event *Event, opts EvaluatorOptions) *Evaluator {
	if opts.Epsilon <= 0 {
		opts.Epsilon = DefaultEpsilon
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	return &Evaluator{table: table, event: event, eps: opts.Epsilon, threads: opts.Threads}
}

// Event returns the evaluated event.
func (e *Evaluator) Event() *Event { return e.event }

// Epsilon is the clamp floor for lambda+noise.
func (e *Evaluator) Epsilon() float64 { return e.eps }

// NewAccumulators allocates accumulators sized for the event.
func (e *Evaluator) NewAccumulators() *Accumulators {
	return NewAccumulators(e.event.NumHits())
}

// Accumulate adds the contributions of sources, at their own luminosity,
// to acc.
func (e *Evaluator) Accumulate(acc *Accumulator, sources []LightSource) {
	n := len(sources)
	if n == 0 {
		return
	}
	acc.coords = acc.coords[:0]
	acc.lum = acc.lum[:0]
	for _, s := range sources {
		acc.coords = append(acc.coords, s.Coord)
		acc.lum = append(acc.lum, s.Luminosity)
	}
	if cap(acc.tdi) < n {
		acc.tdi = make([]float64, n)
	}
	acc.tdi = acc.tdi[:n]

	e.table.TimeIndependent(acc.coords, acc.tdi)
	acc.Lambda += floats.Dot(acc.lum, acc.tdi)
	acc.Sources += n

	hits := e.event.hits
	workers := 1
	if e.threads > 1 && len(hits)*n >= parallelWork {
		workers = min(e.threads, len(hits))
	}
	for len(acc.scratch) < workers {
		acc.scratch = append(acc.scratch, nil)
	}
	for w := 0; w < workers; w++ {
		if cap(acc.scratch[w]) < n {
			acc.scratch[w] = make([]float64, n)
		}
		acc.scratch[w] = acc.scratch[w][:n]
	}

	span := func(w, lo, hi int) {
		buf := acc.scratch[w]
		for k := lo; k < hi; k++ {
			e.table.TimeDependent(acc.coords, hits[k].Sensor, hits[k].Time, buf)
			acc.PerHit[k] += floats.Dot(acc.lum, buf)
		}
	}
	if workers == 1 {
		span(0, 0, len(hits))
		return
	}

	var wg sync.WaitGroup
	chunk := (len(hits) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, min((w+1)*chunk, len(hits))
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			span(w, lo, hi)
		}(w, lo, hi)
	}
	wg.Wait()
}

// denominator returns lambda_k + n_k floored at epsilon, and whether the
// floor was applied.
func (e *Evaluator) denominator(expect float64, k int) (float64, bool) {
	x := expect + e.event.noise[k]
	if !(x > e.eps) {
		return e.eps, true
	}
	return x, false
}

// LogLikelihood returns -Lambda + sum_k q_k ln(lambda_k + n_k) for scale
// factor alpha, and the number of hits whose argument had to be clamped.
func (e *Evaluator) LogLikelihood(alpha float64, acc *Accumulators) (float64, int) {
	clamped := 0
	sum := 0.0
	for k, h := range e.event.hits {
		x, c := e.denominator(acc.At(alpha, k), k)
		if c {
			clamped++
		}
		sum += h.Charge * math.Log(x)
	}
	return -acc.Lambda(alpha) + sum, clamped
}

// UnsimplifiedLogLikelihood evaluates the extended likelihood from the
// sources directly, without the algebra LogLikelihood relies on. Every
// operational sensor d contributes the Poisson term of its total charge,
//
//	Q_d ln(Lambda_d + N_d) - (Lambda_d + N_d) - lnGamma(Q_d + 1),
//
// and every hit adds its normalised time pdf q ln((lambda + n)/(Lambda_d + N_d)).
// Lambda_d comes from per-sensor lookups, so the table must implement
// SensorTable. When the table knows only the event's operational sensors
// the result differs from LogLikelihood by a hypothesis-independent
// constant.
func (e *Evaluator) UnsimplifiedLogLikelihood(alpha float64, scaling, pegleg, generic []LightSource) (float64, error) {
	st, ok := e.table.(SensorTable)
	if !ok {
		return 0, ErrNoSensorTable
	}

	type group struct {
		scale  float64
		coords []Coord
		lum    []float64
		buf    []float64
	}
	var groups []group
	for _, g := range []struct {
		scale float64
		src   []LightSource
	}{{alpha, scaling}, {1, pegleg}, {1, generic}} {
		if len(g.src) == 0 {
			continue
		}
		gr := group{scale: g.scale, buf: make([]float64, len(g.src))}
		for _, s := range g.src {
			gr.coords = append(gr.coords, s.Coord)
			gr.lum = append(gr.lum, s.Luminosity)
		}
		groups = append(groups, gr)
	}
	expect := func(lookup func(coords []Coord, dst []float64)) float64 {
		total := 0.0
		for _, g := range groups {
			lookup(g.coords, g.buf)
			total += g.scale * floats.Dot(g.lum, g.buf)
		}
		return total
	}

	charge := make(map[int]float64, len(e.event.hitSens))
	for _, h := range e.event.hits {
		charge[h.Sensor] += h.Charge
	}

	llh := 0.0
	total := make(map[int]float64, len(e.event.sensors))
	for _, id := range e.event.Operational() {
		mu := expect(func(c []Coord, dst []float64) { st.SensorExpectation(c, id, dst) })
		mu = math.Max(mu+e.event.sensors[id].ExpectedNoise, e.eps)
		q := charge[id]
		lg, _ := math.Lgamma(q + 1)
		llh += q*math.Log(mu) - mu - lg
		total[id] = mu
	}
	for k, h := range e.event.hits {
		lambda := expect(func(c []Coord, dst []float64) { e.table.TimeDependent(c, h.Sensor, h.Time, dst) })
		x, _ := e.denominator(lambda, k)
		llh += h.Charge * math.Log(x/total[h.Sensor])
	}
	return llh, nil
}

// Gradient applies the extended-likelihood Jacobian formula. jac holds
// d(Lambda, lambda_1..lambda_K)/d theta_j with one row for Lambda followed
// by one row per hit; acc holds the expectations at the evaluation point.
// dst receives d LLH / d theta_j.
func (e *Evaluator) Gradient(jac mat.Matrix, alpha float64, acc *Accumulators, dst []float64) {
	rows, cols := jac.Dims()
	if rows != e.event.NumHits()+1 || cols != len(dst) {
		panic("goretro: jacobian dimension mismatch")
	}
	for j := range dst {
		dst[j] = -jac.At(0, j)
	}
	for k, h := range e.event.hits {
		x, _ := e.denominator(acc.At(alpha, k), k)
		w := h.Charge / x
		for j := range dst {
			dst[j] += w * jac.At(k+1, j)
		}
	}
}
