package estimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelpt/pacer/internal/phase"
)

func TestEstimator_SpeedNeverNegative(t *testing.T) {
	e := New()
	now := time.Now()
	e.Record(now, 1_000_000)
	for i := 1; i <= 20; i++ {
		now = now.Add(time.Second)
		e.Record(now, 0)
	}
	assert.GreaterOrEqual(t, e.Speed(), 0.0)
}

func TestEstimator_FirstRecordSetsSpeedToMeasurement(t *testing.T) {
	e := New()
	e.Record(time.Now(), 5_000_000)
	assert.Equal(t, 5_000_000.0, e.Speed())
}

func TestEstimator_ConvergesTowardSteadyMeasurement(t *testing.T) {
	e := New()
	now := time.Now()
	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		e.Record(now, 2_000_000)
	}
	assert.InDelta(t, 2_000_000, e.Speed(), 200_000)
}

func TestEstimator_PredictUploadNeverNegative(t *testing.T) {
	e := New()
	now := time.Now()
	e.Record(now, 100)
	got := e.PredictUpload(-10)
	assert.GreaterOrEqual(t, got, 0.0)
}

func TestEstimator_WeightedAverageFallsBackToSpeedWithNoSamples(t *testing.T) {
	e := New()
	now := time.Now()
	e.Record(now, 1_000_000)
	// Two minutes later the only sample is outside every window (at most 60s).
	assert.Equal(t, e.Speed(), e.WeightedAverage(now.Add(2*time.Minute), phase.Steady))
}

func TestEstimator_WeightedAverageUsesRecordedWindows(t *testing.T) {
	e := New()
	now := time.Now()
	for i := 0; i < 10; i++ {
		now = now.Add(time.Second)
		e.Record(now, 1_000_000)
	}
	avg := e.WeightedAverage(now, phase.Catch)
	assert.InDelta(t, 1_000_000, avg, 1)
}

func TestEstimator_ResetClearsState(t *testing.T) {
	e := New()
	now := time.Now()
	e.Record(now, 1_000_000)
	e.Reset()
	assert.Equal(t, 0.0, e.Speed())
	assert.Empty(t, e.Samples())
}

func TestEstimator_RecentTrendZeroWithoutEnoughHistory(t *testing.T) {
	e := New()
	e.Record(time.Now(), 1_000_000)
	assert.Equal(t, 0.0, e.RecentTrend(time.Now()))
}
