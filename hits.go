package goretro

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/kacperjurak/goretro/internal/logger"
)

// ErrNoHits is returned when an event has no usable hits left after
// filtering.
var ErrNoHits = errors.New("event has no usable hits")

// HitError describes a hit rejected during event construction.
type HitError struct {
	Index  int
	Reason string
}

func (e *HitError) Error() string {
	return fmt.Sprintf("hit %d: %s", e.Index, e.Reason)
}

// Hit is a single charge deposit recorded by a sensor.
type Hit struct {
	Sensor int     `json:"sensor"`
	Time   float64 `json:"time"`
	Charge float64 `json:"charge"`
}

// SensorState carries the per-event noise description of a sensor.
type SensorState struct {
	ID            int     `json:"id"`
	NoiseRate     float64 `json:"noise_rate"`
	ExpectedNoise float64 `json:"expected_noise"`
	Operational   bool    `json:"operational"`
}

// Event is the read-only per-event input of a reconstruction. Hits are
// grouped by sensor and ordered by time within a sensor.
type Event struct {
	ID          string
	WindowStart float64
	WindowEnd   float64

	hits    []Hit
	noise   []float64
	sensors map[int]SensorState
	hitSens []int // distinct hit sensors, ascending
}

// NewEvent validates hits against the sensor states and builds an Event.
// Hits on non-operational sensors and hits with zero charge carry no
// information for the likelihood and are dropped.
func NewEvent(id string, hits []Hit, sensors []SensorState, windowStart, windowEnd float64) (*Event, error) {
	if windowEnd < windowStart {
		return nil, fmt.Errorf("event %s: window end %g before start %g", id, windowEnd, windowStart)
	}

	ev := &Event{
		ID:          id,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		sensors:     make(map[int]SensorState, len(sensors)),
	}
	for _, s := range sensors {
		if s.NoiseRate < 0 || math.IsNaN(s.NoiseRate) || math.IsInf(s.NoiseRate, 0) {
			return nil, fmt.Errorf("sensor %d: invalid noise rate %g", s.ID, s.NoiseRate)
		}
		if s.ExpectedNoise == 0 && windowEnd > windowStart {
			s.ExpectedNoise = s.NoiseRate * (windowEnd - windowStart)
		}
		ev.sensors[s.ID] = s
	}

	dropped := 0
	kept := make([]Hit, 0, len(hits))
	for i, h := range hits {
		st, ok := ev.sensors[h.Sensor]
		if !ok {
			return nil, &HitError{Index: i, Reason: fmt.Sprintf("unknown sensor %d", h.Sensor)}
		}
		if math.IsNaN(h.Time) || math.IsInf(h.Time, 0) {
			return nil, &HitError{Index: i, Reason: "non-finite time"}
		}
		if math.IsNaN(h.Charge) || math.IsInf(h.Charge, 0) || h.Charge < 0 {
			return nil, &HitError{Index: i, Reason: fmt.Sprintf("invalid charge %g", h.Charge)}
		}
		if !st.Operational || h.Charge == 0 {
			dropped++
			continue
		}
		kept = append(kept, h)
	}
	if dropped > 0 {
		logger.Warn("event %s: dropped %d hits on non-operational sensors or with zero charge", id, dropped)
	}
	if len(kept) == 0 {
		return nil, ErrNoHits
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Sensor != kept[j].Sensor {
			return kept[i].Sensor < kept[j].Sensor
		}
		return kept[i].Time < kept[j].Time
	})

	ev.hits = kept
	ev.noise = make([]float64, len(kept))
	for i, h := range kept {
		ev.noise[i] = ev.sensors[h.Sensor].NoiseRate
		if i == 0 || kept[i-1].Sensor != h.Sensor {
			ev.hitSens = append(ev.hitSens, h.Sensor)
		}
	}
	return ev, nil
}

// Hits returns the ordered hits. The slice must not be modified.
func (e *Event) Hits() []Hit { return e.hits }

// NumHits is the number of usable hits.
func (e *Event) NumHits() int { return len(e.hits) }

// HitSensors returns the ids of sensors with at least one hit.
func (e *Event) HitSensors() []int { return e.hitSens }

// Sensor returns the state of sensor id.
func (e *Event) Sensor(id int) (SensorState, bool) {
	s, ok := e.sensors[id]
	return s, ok
}

// Operational returns the ids of all operational sensors, ascending.
func (e *Event) Operational() []int {
	ids := make([]int, 0, len(e.sensors))
	for id, s := range e.sensors {
		if s.Operational {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// TotalCharge is the summed charge of all usable hits.
func (e *Event) TotalCharge() float64 {
	q := 0.0
	for _, h := range e.hits {
		q += h.Charge
	}
	return q
}

// EarliestTime is the time of the first usable hit.
func (e *Event) EarliestTime() float64 {
	t := math.Inf(1)
	for _, h := range e.hits {
		t = math.Min(t, h.Time)
	}
	return t
}

// TotalNoise is the sum of expected noise over operational sensors.
func (e *Event) TotalNoise() float64 {
	n := 0.0
	for _, id := range e.Operational() {
		n += e.sensors[id].ExpectedNoise
	}
	return n
}
