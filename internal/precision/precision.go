// Package precision implements the process-wide learned bias tracker: it
// observes realised cycle ratios and nudges per-phase and global
// multiplicative adjustments so the engine continuously self-corrects for
// systematic overshoot/undershoot across all torrents.
//
// Tracker is owned by engine.Engine as a single field, not a package-level
// global: spec.md's "shared mutable globals become a single engine-owned
// struct" note applies here, unlike internal/cache's package-level
// singleton (which backs read-only configuration, not control state).
package precision

import (
	"sync"

	"github.com/kestrelpt/pacer/internal/phase"
)

const (
	rollingWindow = 30

	phaseAdjMin, phaseAdjMax   = 0.92, 1.08
	globalAdjMin, globalAdjMax = 0.95, 1.05

	minSamplesForUpdate = 3
)

// Tracker holds per-phase rolling ratio history and the derived adjustment
// factors, plus a global rolling history across all phases.
type Tracker struct {
	mu sync.Mutex

	phaseRatios map[phase.Phase][]float64
	phaseAdj    map[phase.Phase]float64

	globalRatios []float64
	globalAdj    float64
}

// New returns a Tracker with neutral (1.0) adjustments.
func New() *Tracker {
	return &Tracker{
		phaseRatios: make(map[phase.Phase][]float64),
		phaseAdj: map[phase.Phase]float64{
			phase.Warmup: 1.0,
			phase.Catch:  1.0,
			phase.Steady: 1.0,
			phase.Finish: 1.0,
		},
		globalAdj: 1.0,
	}
}

// Record ingests one completed cycle's (actual_avg/target) ratio, labelled
// with the phase active when the cycle ended.
func (t *Tracker) Record(p phase.Phase, ratio float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.phaseRatios[p] = pushBounded(t.phaseRatios[p], ratio, rollingWindow)
	t.globalRatios = pushBounded(t.globalRatios, ratio, rollingWindow)

	if samples := t.phaseRatios[p]; len(samples) >= minSamplesForUpdate {
		avg := mean(samples)
		adj := t.phaseAdj[p]
		switch {
		case avg > 1.005:
			adj *= 0.998
		case avg > 1.001:
			adj *= 0.999
		case avg < 0.99:
			adj *= 1.002
		case avg < 0.995:
			adj *= 1.001
		}
		t.phaseAdj[p] = clamp(adj, phaseAdjMin, phaseAdjMax)
	}

	if len(t.globalRatios) >= minSamplesForUpdate {
		avg := mean(t.globalRatios)
		adj := t.globalAdj
		switch {
		case avg > 1.002:
			adj *= 0.999
		case avg > 1.0005:
			adj *= 0.9995
		case avg < 0.998:
			adj *= 1.001
		case avg < 0.9995:
			adj *= 1.0005
		}
		t.globalAdj = clamp(adj, globalAdjMin, globalAdjMax)
	}
}

// Adjustment returns phase_adj * global_adj, the factor the controller
// multiplies the effective target by before computing the required rate.
func (t *Tracker) Adjustment(p phase.Phase) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phaseAdj[p] * t.globalAdj
}

// Snapshot is the persisted form of a Tracker's adjustments (spec.md §6:
// "process-global bias state from §4.D").
type Snapshot struct {
	PhaseAdj  map[phase.Phase]float64 `json:"phase_adj"`
	GlobalAdj float64                 `json:"global_adj"`
}

// Snapshot returns the current per-phase and global adjustments for
// persistence.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[phase.Phase]float64, len(t.phaseAdj))
	for k, v := range t.phaseAdj {
		out[k] = v
	}
	return Snapshot{PhaseAdj: out, GlobalAdj: t.globalAdj}
}

// Restore seeds the tracker's adjustments from a persisted snapshot. Ratio
// history is not restored; it rebuilds from newly completed cycles.
func (t *Tracker) Restore(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range snap.PhaseAdj {
		t.phaseAdj[k] = v
	}
	if snap.GlobalAdj > 0 {
		t.globalAdj = snap.GlobalAdj
	}
}

func pushBounded(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func mean(s []float64) float64 {
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
