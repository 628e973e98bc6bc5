package goretro

// Status summarises how a reconstruction ended.
type Status string

const (
	StatusOK                  Status = "OK"
	StatusPeglegNotConverged  Status = "PEGLEG_NOT_CONVERGED"
	StatusScalingAtBoundary   Status = "SCALING_AT_BOUNDARY"
	StatusScalingNotConverged Status = "SCALING_NOT_CONVERGED"
	StatusInvalidHypothesis   Status = "INVALID_HYPOTHESIS"
	StatusFailed              Status = "FAILED"
)

// StatusFor derives the status of a converged trial. Pegleg
// non-convergence outranks the scale factor flags, and an unfinished
// root-find outranks a clamp at AlphaMax. A scale factor of zero is a
// legitimate answer (no cascade light) and is not flagged.
func StatusFor(t Trial) Status {
	switch {
	case t.Invalid:
		return StatusInvalidHypothesis
	case !t.PeglegConverged:
		return StatusPeglegNotConverged
	case !t.ScalingConverged:
		return StatusScalingNotConverged
	case t.Boundary == UpperBound:
		return StatusScalingAtBoundary
	}
	return StatusOK
}

// Result is the outcome of reconstructing one event.
type Result struct {
	ID               string        `json:"id"`
	EventID          string        `json:"event_id"`
	Method           string        `json:"method"`
	Mode             string        `json:"mode"`
	Names            []string      `json:"names"`
	Params           []float64     `json:"params"`
	NegLLH           float64       `json:"neg_llh"`
	CascadeEnergy    float64       `json:"cascade_energy"`
	TrackEnergy      float64       `json:"track_energy"`
	PeglegSteps      int           `json:"pegleg_steps"`
	PeglegConverged  bool          `json:"pegleg_converged"`
	ScalingConverged bool          `json:"scaling_converged"`
	ScalingBoundary  string        `json:"scaling_boundary"`
	Status           Status        `json:"status"`
	Iterations       int           `json:"iterations"`
	FuncEvals        int           `json:"func_evals"`
	ClampedHits      int64         `json:"clamped_hits"`
	Runtime          float64       `json:"runtime"`
	Profile          []PeglegPoint `json:"profile,omitempty"`
}

// NewResult fills a Result from the trial at the optimum.
func NewResult(t Trial, mode Mode, min Minimum) Result {
	return Result{
		Mode:             mode.String(),
		Names:            mode.ParamNames(),
		Params:           t.Hypothesis.Params(mode),
		NegLLH:           t.NegLLH,
		CascadeEnergy:    t.Hypothesis.CascadeEnergy,
		TrackEnergy:      t.Hypothesis.TrackEnergy,
		PeglegSteps:      t.PeglegSteps,
		PeglegConverged:  t.PeglegConverged,
		ScalingConverged: t.ScalingConverged,
		ScalingBoundary:  t.Boundary.String(),
		Status:           StatusFor(t),
		Iterations:       min.Iterations,
		FuncEvals:        min.FuncEvals,
		Runtime:          min.Runtime.Seconds(),
		Profile:          t.Profile,
	}
}
