package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Call stages tracked by the rolling latency window.
const (
	StageSessionResolve = "session_resolve"
	StageAIDial         = "ai_dial"
	StageFirstAudio     = "ai_open_to_first_audio"
	StageBargeInElapsed = "barge_in_elapsed"
)

// stageTargetsP95 are the p95 budgets (ms) a healthy bridge should meet.
// Barge-in elapsed measures caller behaviour, so it has no budget.
var stageTargetsP95 = map[string]float64{
	StageSessionResolve: 50,
	StageAIDial:         800,
	StageFirstAudio:     1500,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window above TargetP95MS.
	OverTarget int `json:"over_target,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// latencyRing holds the most recent samples of one stage.
type latencyRing struct {
	buf  []float64
	head int
	size int
}

func (r *latencyRing) add(ms float64) {
	r.buf[r.head] = ms
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// latest returns the most recently added sample.
func (r *latencyRing) latest() float64 {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

func (r *latencyRing) sorted() []float64 {
	out := make([]float64, r.size)
	copy(out, r.buf[:r.size])
	sort.Float64s(out)
	return out
}

type stageWindow struct {
	mu         sync.Mutex
	capacity   int
	rings      map[string]*latencyRing
	indicators map[string]int
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &stageWindow{
		capacity:   capacity,
		rings:      make(map[string]*latencyRing),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring := w.rings[stage]
	if ring == nil {
		ring = &latencyRing{buf: make([]float64, w.capacity)}
		w.rings[stage] = ring
	}
	ring.add(ms)
}

func (w *stageWindow) ObserveIndicator(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

// Snapshot summarizes every stage with at least one sample, sorted by stage
// name, plus all indicator counters.
func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for stage, ring := range w.rings {
		if ring.size == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarizeStage(stage, ring))
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: count})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

func summarizeStage(stage string, ring *latencyRing) StageStats {
	samples := ring.sorted()
	target := stageTargetsP95[stage]

	sum, over := 0.0, 0
	for _, v := range samples {
		sum += v
		if target > 0 && v > target {
			over++
		}
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      round2(ring.latest()),
		AvgMS:       round2(sum / float64(len(samples))),
		P50MS:       round2(interpolate(samples, 0.50)),
		P95MS:       round2(interpolate(samples, 0.95)),
		MaxMS:       round2(samples[len(samples)-1]),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

// interpolate returns the q-quantile of sorted samples with linear
// interpolation between closest ranks.
func interpolate(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
