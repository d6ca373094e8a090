package quantizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelpt/pacer/internal/phase"
)

func TestQuantize_NeverBelowMinLimit(t *testing.T) {
	q := New()
	out := q.Quantize(phase.Steady, 100, 100, 1_000_000, 0)
	assert.GreaterOrEqual(t, out, float64(MinLimit))
}

func TestQuantize_FinishIsStepMultipleAndBypassesSmoother(t *testing.T) {
	q := New()
	first := q.Quantize(phase.Finish, 1_000_000, 1_000_000, 1_000_000, 0)
	s := step(phase.Finish, 1_000_000, 1_000_000, 0)
	assert.Equal(t, 0.0, math.Mod(first, s))

	second := q.Quantize(phase.Finish, 1_500_000, 1_500_000, 1_000_000, 0)
	s2 := step(phase.Finish, 1_500_000, 1_000_000, 0)
	assert.Equal(t, 0.0, math.Mod(second, s2))
}

func TestQuantize_FinishSuccessiveCapsWithin2x(t *testing.T) {
	// Mirrors a realistic per-tick command trajectory (the rate command
	// only drifts a bounded amount tick to tick, per the PID output clamp),
	// not an adversarial jump between unrelated values.
	q := New()
	prev := q.Quantize(phase.Finish, 1_000_000, 1_000_000, 1_000_000, 0)
	for _, cmd := range []float64{1_100_000, 1_050_000, 1_150_000, 1_000_000} {
		cur := q.Quantize(phase.Finish, cmd, cmd, 1_000_000, 0)
		ratio := cur / prev
		if ratio < 1 {
			ratio = 1 / ratio
		}
		assert.LessOrEqual(t, ratio, 2.0)
		prev = cur
	}
}

func TestQuantize_SmootherDampensLargeJumpOutsideFinish(t *testing.T) {
	q := New()
	first := q.Quantize(phase.Steady, 1_000_000, 1_000_000, 1_000_000, 0)
	second := q.Quantize(phase.Steady, 2_000_000, 2_000_000, 1_000_000, 0)
	assert.Less(t, second, 2_000_000.0)
	assert.Greater(t, second, first)
}

func TestQuantize_SmallChangePassesThroughUnsmoothed(t *testing.T) {
	q := New()
	q.Quantize(phase.Steady, 1_000_000, 1_000_000, 1_000_000, 0)

	cmd := 1_010_000.0
	second := q.Quantize(phase.Steady, cmd, cmd, 1_000_000, 0)
	rawQuantized := roundToStep(cmd, step(phase.Steady, cmd, 1_000_000, 0))
	assert.Equal(t, rawQuantized, second)
}

func TestQuantize_ResetClearsSmoothingHistory(t *testing.T) {
	q := New()
	q.Quantize(phase.Steady, 1_000_000, 1_000_000, 1_000_000, 0)
	q.Reset()
	assert.False(t, q.hasPrev)
}

func TestStep_WideTrendHalvesStepAndFloorsAt256(t *testing.T) {
	s := step(phase.Steady, 1_000_000, 1_000_000, 0.2)
	assert.GreaterOrEqual(t, s, 256.0)
	assert.LessOrEqual(t, s, float64(maxStep))
}
