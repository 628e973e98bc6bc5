package profiling

import (
	"sync"
	"time"
)

// OpTiming summarises the recorded durations of one operation.
type OpTiming struct {
	Count   int     `json:"count"`
	TotalMs float64 `json:"total_ms"`
	MeanMs  float64 `json:"mean_ms"`
	MaxMs   float64 `json:"max_ms"`
}

type opTotals struct {
	count int
	total time.Duration
	max   time.Duration
}

// Timings collects wall-clock durations per named operation. The zero
// value is ready to use and safe for concurrent use.
type Timings struct {
	mu  sync.Mutex
	ops map[string]*opTotals
}

// Operations is the process-wide registry served on /debug/info.
var Operations = &Timings{}

// Start begins timing op. The returned function records the elapsed time
// and returns it; calling it more than once records only the first call.
func (t *Timings) Start(op string) func() time.Duration {
	begin := time.Now()
	var once sync.Once
	var d time.Duration
	return func() time.Duration {
		once.Do(func() {
			d = time.Since(begin)
			t.Record(op, d)
		})
		return d
	}
}

// Record adds one duration for op.
func (t *Timings) Record(op string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ops == nil {
		t.ops = make(map[string]*opTotals)
	}
	o, ok := t.ops[op]
	if !ok {
		o = &opTotals{}
		t.ops[op] = o
	}
	o.count++
	o.total += d
	o.max = max(o.max, d)
}

// Snapshot returns the current summaries keyed by operation.
func (t *Timings) Snapshot() map[string]OpTiming {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]OpTiming, len(t.ops))
	for name, o := range t.ops {
		out[name] = OpTiming{
			Count:   o.count,
			TotalMs: ms(o.total),
			MeanMs:  ms(o.total) / float64(o.count),
			MaxMs:   ms(o.max),
		}
	}
	return out
}

func ms(d time.Duration) float64 { return float64(d.Nanoseconds()) / 1e6 }
