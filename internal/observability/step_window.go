package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

const DefaultStepWindowSize = 256

type StepStats struct {
	Step    string  `json:"step"`
	Samples int     `json:"samples"`
	Errors  int     `json:"errors"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type StepStatsSnapshot struct {
	GeneratedAt time.Time   `json:"generated_at"`
	WindowSize  int         `json:"window_size"`
	Steps       []StepStats `json:"steps"`
}

// stepWindow keeps the last maxSamples latencies per step in a ring.
type stepWindow struct {
	mu         sync.RWMutex
	maxSamples int
	steps      map[string]*stepRing
}

type stepRing struct {
	values []float64
	next   int
	filled bool
	last   float64
	errors int
}

func newStepWindow(maxSamples int) *stepWindow {
	if maxSamples <= 0 {
		maxSamples = DefaultStepWindowSize
	}
	return &stepWindow{
		maxSamples: maxSamples,
		steps:      make(map[string]*stepRing),
	}
}

func (w *stepWindow) observe(step string, ms float64, failed bool) {
	if step == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.steps[step]
	if !ok {
		ring = &stepRing{values: make([]float64, w.maxSamples)}
		w.steps[step] = ring
	}
	if failed {
		ring.errors++
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next == len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *stepWindow) snapshot(now time.Time) StepStatsSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.steps))
	for name := range w.steps {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]StepStats, 0, len(names))
	for _, name := range names {
		ring := w.steps[name]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		samples := append([]float64(nil), ring.values[:n]...)
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		out = append(out, StepStats{
			Step:    name,
			Samples: n,
			Errors:  ring.errors,
			LastMS:  round2(ring.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			P99MS:   round2(quantile(samples, 0.99)),
		})
	}

	return StepStatsSnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  w.maxSamples,
		Steps:       out,
	}
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
