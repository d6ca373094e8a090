// Package pidctl implements the phase-aware PID controller that turns
// cumulative target vs. achieved upload into a multiplicative correction
// factor for the rate command.
package pidctl

import (
	"time"

	"github.com/kestrelpt/pacer/internal/phase"
)

// Gains is the (kp, ki, kd, headroom) tuple for one phase.
type Gains struct {
	Kp, Ki, Kd, Headroom float64
}

var gainsByPhase = map[phase.Phase]Gains{
	phase.Warmup: {Kp: 0.3, Ki: 0.05, Kd: 0.02, Headroom: 1.030},
	phase.Catch:  {Kp: 0.5, Ki: 0.10, Kd: 0.05, Headroom: 1.020},
	phase.Steady: {Kp: 0.6, Ki: 0.15, Kd: 0.08, Headroom: 1.005},
	phase.Finish: {Kp: 0.8, Ki: 0.20, Kd: 0.12, Headroom: 1.001},
}

// GainsFor returns the fixed gain table entry for a phase.
func GainsFor(p phase.Phase) Gains { return gainsByPhase[p] }

const (
	integralClamp = 0.3
	dFilterAlpha  = 0.3
	minOutput     = 0.5
	maxOutput     = 2.0
	minDt         = 10 * time.Millisecond
)

// Controller is a plain value-typed PID controller, embedded by value in
// torrentstate.State and reset in place at each new cycle.
type Controller struct {
	initialized bool
	lastUpdate  time.Time
	lastError   float64
	integral    float64
	dFiltered   float64
}

// New returns a zero-value Controller.
func New() Controller { return Controller{} }

// Reset clears all accumulated state, as happens on a new cycle.
func (c *Controller) Reset() { *c = Controller{} }

// Update computes the correction factor given cumulative target T,
// cumulative uploaded U, the current phase, and the wall-clock time of this
// measurement. The first call always returns exactly 1.0 and only records
// the baseline.
func (c *Controller) Update(now time.Time, target, uploaded float64, p phase.Phase) float64 {
	denom := target
	if denom < 1 {
		denom = 1
	}
	errNow := (target - uploaded) / denom

	if !c.initialized {
		c.initialized = true
		c.lastUpdate = now
		c.lastError = errNow
		c.integral = 0
		c.dFiltered = 0
		return 1.0
	}

	dt := now.Sub(c.lastUpdate)
	if dt <= minDt {
		return clamp(1+c.lastTerms(p), minOutput, maxOutput)
	}
	dtSec := dt.Seconds()

	c.integral += errNow * dtSec
	c.integral = clamp(c.integral, -integralClamp, integralClamp)

	rawDerivative := (errNow - c.lastError) / dtSec
	c.dFiltered = dFilterAlpha*rawDerivative + (1-dFilterAlpha)*c.dFiltered

	g := gainsByPhase[p]
	pTerm := g.Kp * errNow
	iTerm := g.Ki * c.integral
	dTerm := g.Kd * c.dFiltered

	c.lastError = errNow
	c.lastUpdate = now

	return clamp(1+pTerm+iTerm+dTerm, minOutput, maxOutput)
}

// lastTerms recomputes the last P+I+D contribution without advancing state,
// used when dt is too small to integrate (sub-10ms re-entry).
func (c *Controller) lastTerms(p phase.Phase) float64 {
	g := gainsByPhase[p]
	return g.Kp*c.lastError + g.Ki*c.integral + g.Kd*c.dFiltered
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
