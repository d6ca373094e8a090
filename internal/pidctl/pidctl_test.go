package pidctl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelpt/pacer/internal/phase"
)

func TestController_FirstUpdateReturnsNeutral(t *testing.T) {
	c := New()
	out := c.Update(time.Now(), 1000, 0, phase.Steady)
	assert.Equal(t, 1.0, out)
}

func TestController_OutputStaysWithinBounds(t *testing.T) {
	c := New()
	now := time.Now()
	c.Update(now, 1000, 0, phase.Steady)

	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		out := c.Update(now, 1000, 0, phase.Steady)
		assert.GreaterOrEqual(t, out, minOutput)
		assert.LessOrEqual(t, out, maxOutput)
	}
}

func TestController_BehindTargetPushesOutputAboveOne(t *testing.T) {
	c := New()
	now := time.Now()
	c.Update(now, 1000, 1000, phase.Steady)

	now = now.Add(time.Second)
	out := c.Update(now, 1000, 0, phase.Steady)
	assert.Greater(t, out, 1.0)
}

func TestController_AheadOfTargetPullsOutputBelowOne(t *testing.T) {
	c := New()
	now := time.Now()
	c.Update(now, 1000, 0, phase.Steady)

	now = now.Add(time.Second)
	out := c.Update(now, 1000, 2000, phase.Steady)
	assert.Less(t, out, 1.0)
}

func TestController_ReentryBelowMinDtReusesLastTerms(t *testing.T) {
	c := New()
	now := time.Now()
	c.Update(now, 1000, 0, phase.Steady)
	now = now.Add(time.Second)
	first := c.Update(now, 1000, 500, phase.Steady)

	again := c.Update(now.Add(time.Millisecond), 1000, 999_999, phase.Steady)
	assert.InDelta(t, first, again, 1e-9)
}

func TestController_ResetClearsAccumulatedState(t *testing.T) {
	c := New()
	now := time.Now()
	c.Update(now, 1000, 0, phase.Steady)
	now = now.Add(time.Second)
	c.Update(now, 1000, 0, phase.Steady)

	c.Reset()
	out := c.Update(time.Now(), 1000, 0, phase.Steady)
	assert.Equal(t, 1.0, out)
}

func TestGainsFor_ReturnsDistinctTablesPerPhase(t *testing.T) {
	assert.NotEqual(t, GainsFor(phase.Warmup), GainsFor(phase.Finish))
}
