// Package estimator fuses noisy per-tick upload-speed measurements into a
// filtered speed/acceleration estimate and a phase-weighted multi-window
// average, the way the control loop's "what is the torrent actually doing
// right now" question gets answered.
package estimator

import (
	"math"
	"time"

	"github.com/kestrelpt/pacer/internal/phase"
)

// Tunable process/measurement noise for the constant-acceleration Kalman
// filter. These are deliberately named constants, not buried literals, so a
// deployment can retune them without touching the filter logic.
const (
	QSpeed = 50.0
	QAccel = 5.0
	R      = 2000.0

	initialCovariance = 1000.0

	ringWindowSeconds = 20 * 60 // at least 20 minutes of samples retained
)

var windows = [4]float64{5, 15, 30, 60}

var weightsByPhase = map[phase.Phase][4]float64{
	phase.Warmup: {0.10, 0.20, 0.30, 0.40},
	phase.Catch:  {0.20, 0.30, 0.30, 0.20},
	phase.Steady: {0.30, 0.30, 0.20, 0.20},
	phase.Finish: {0.50, 0.30, 0.15, 0.05},
}

// sample is a single (time, instantaneous speed) observation in the ring.
type sample struct {
	t     time.Time
	speed float64
}

// Estimator is a value-typed Kalman filter plus a bounded sample ring. It is
// embedded by value in torrentstate.State and reset in place at each new
// cycle rather than reallocated.
type Estimator struct {
	initialized bool
	lastUpdate  time.Time

	// state vector [speed, accel] and its 2x2 covariance, stored flat.
	speed, accel       float64
	p00, p01, p10, p11 float64

	ring []sample
}

// New returns a zero-value Estimator ready for its first Record.
func New() Estimator {
	return Estimator{}
}

// Reset clears all filter and ring state, as happens when a torrent opens a
// new cycle; the estimator warms back up from live measurements.
func (e *Estimator) Reset() {
	*e = Estimator{}
}

// Record ingests one instantaneous speed measurement at time now.
func (e *Estimator) Record(now time.Time, speedBps float64) {
	e.kalmanUpdate(now, speedBps)
	e.pushSample(now, speedBps)
}

func (e *Estimator) kalmanUpdate(now time.Time, measurement float64) {
	if !e.initialized {
		e.speed = measurement
		e.accel = 0
		e.p00, e.p01, e.p10, e.p11 = initialCovariance, 0, 0, initialCovariance
		e.initialized = true
		e.lastUpdate = now
		return
	}

	dt := now.Sub(e.lastUpdate).Seconds()
	if dt <= 0 {
		return
	}
	e.lastUpdate = now

	// Predict: constant-acceleration motion model.
	//   speed' = speed + accel*dt
	//   accel' = accel
	predSpeed := e.speed + e.accel*dt
	predAccel := e.accel

	// Covariance predict: P' = F P F^T + Q, with F = [[1, dt], [0, 1]].
	f00, f01 := 1.0, dt
	f10, f11 := 0.0, 1.0
	// FP
	fp00 := f00*e.p00 + f01*e.p10
	fp01 := f00*e.p01 + f01*e.p11
	fp10 := f10*e.p00 + f11*e.p10
	fp11 := f10*e.p01 + f11*e.p11
	// (FP)F^T
	p00 := fp00*f00 + fp01*f01
	p01 := fp00*f10 + fp01*f11
	p10 := fp10*f00 + fp11*f01
	p11 := fp10*f10 + fp11*f11

	p00 += QSpeed
	p11 += QAccel

	// Update against the scalar measurement (speed only): H = [1, 0].
	innovation := measurement - predSpeed
	s := p00 + R
	k0 := p00 / s
	k1 := p10 / s

	e.speed = predSpeed + k0*innovation
	e.accel = predAccel + k1*innovation

	// P = (I - K H) P
	e.p00 = (1 - k0) * p00
	e.p01 = (1 - k0) * p01
	e.p10 = p10 - k1*p00
	e.p11 = p11 - k1*p01
}

// Speed returns the Kalman-smoothed instantaneous speed, floored at zero.
func (e *Estimator) Speed() float64 {
	if e.speed < 0 {
		return 0
	}
	return e.speed
}

// Accel returns the Kalman-smoothed acceleration.
func (e *Estimator) Accel() float64 {
	return e.accel
}

// PredictUpload projects bytes uploaded over the next timeLeftSec at the
// current speed/acceleration: max(0, speed*t + 0.5*accel*t^2).
func (e *Estimator) PredictUpload(timeLeftSec float64) float64 {
	v := e.Speed()*timeLeftSec + 0.5*e.accel*timeLeftSec*timeLeftSec
	return math.Max(0, v)
}

func (e *Estimator) pushSample(now time.Time, speed float64) {
	e.ring = append(e.ring, sample{t: now, speed: speed})
	cutoff := now.Add(-ringWindowSeconds * time.Second)
	i := 0
	for i < len(e.ring) && e.ring[i].t.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.ring = e.ring[i:]
	}
}

// windowAverage returns the mean speed over the last windowSec of samples
// ending at now, and whether the window had any samples at all.
func (e *Estimator) windowAverage(now time.Time, windowSec float64) (float64, bool) {
	cutoff := now.Add(-time.Duration(windowSec * float64(time.Second)))
	var sum float64
	var n int
	for i := len(e.ring) - 1; i >= 0; i-- {
		s := e.ring[i]
		if s.t.Before(cutoff) {
			break
		}
		sum += s.speed
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// WeightedAverage returns the phase-weighted multi-window average speed
// over {5,15,30,60}s. Windows with no samples are skipped and excluded from
// the normaliser.
func (e *Estimator) WeightedAverage(now time.Time, p phase.Phase) float64 {
	weights := weightsByPhase[p]
	var sum, totalWeight float64
	for i, w := range windows {
		avg, ok := e.windowAverage(now, w)
		if !ok {
			continue
		}
		sum += avg * weights[i]
		totalWeight += weights[i]
	}
	if totalWeight == 0 {
		return e.Speed()
	}
	return sum / totalWeight
}

// WindowAverage exposes a single named window's average, used for the
// reannounce optimiser's 300-second averages.
func (e *Estimator) WindowAverage(now time.Time, windowSec float64) (float64, bool) {
	return e.windowAverage(now, windowSec)
}

// RecentTrend splits the last 10s of samples in half and returns
// (secondAvg - firstAvg) / firstAvg, used by the quantiser to tighten its
// step size when speed is moving quickly. Returns 0 if there is not enough
// history to compute a trend.
func (e *Estimator) RecentTrend(now time.Time) float64 {
	const window = 10 * time.Second
	cutoff := now.Add(-window)
	mid := now.Add(-window / 2)

	var firstSum, secondSum float64
	var firstN, secondN int
	for i := len(e.ring) - 1; i >= 0; i-- {
		s := e.ring[i]
		if s.t.Before(cutoff) {
			break
		}
		if s.t.Before(mid) {
			firstSum += s.speed
			firstN++
		} else {
			secondSum += s.speed
			secondN++
		}
	}
	if firstN == 0 || secondN == 0 {
		return 0
	}
	firstAvg := firstSum / float64(firstN)
	secondAvg := secondSum / float64(secondN)
	if firstAvg == 0 {
		return 0
	}
	return (secondAvg - firstAvg) / firstAvg
}

// Samples returns a copy of the ring samples as (epoch, speed) pairs, used
// by the control surface's samples() query.
func (e *Estimator) Samples() []struct {
	T     time.Time
	Speed float64
} {
	out := make([]struct {
		T     time.Time
		Speed float64
	}, len(e.ring))
	for i, s := range e.ring {
		out[i].T = s.t
		out[i].Speed = s.speed
	}
	return out
}
