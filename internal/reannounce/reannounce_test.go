package reannounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAnnounceInterval_BucketsByAge(t *testing.T) {
	assert.Equal(t, 1800*time.Second, AnnounceInterval(86400))
	assert.Equal(t, 2700*time.Second, AnnounceInterval(10*86400))
	assert.Equal(t, 3600*time.Second, AnnounceInterval(40*86400))
}

func TestShouldReannounce_CooldownBlocksImmediateRetry(t *testing.T) {
	now := time.Now()
	force, _, waiting := ShouldReannounce(Params{
		Now:                   now,
		LastReannounceTime:    now.Add(-10 * time.Second),
		CycleElapsedSeconds:   100,
		AvgUpBps:              2_000_000,
		AvgDlBps:              1_000_000,
		SpeedLimitBytesPerSec: 1_000_000,
	})
	assert.False(t, force)
	assert.False(t, waiting)
}

func TestShouldReannounce_DoesNothingWhenUnderLimit(t *testing.T) {
	now := time.Now()
	force, _, waiting := ShouldReannounce(Params{
		Now:                   now,
		CycleStart:            now.Add(-100 * time.Second),
		CycleElapsedSeconds:   100,
		AvgUpBps:              500_000,
		AvgDlBps:              1_000_000,
		SpeedLimitBytesPerSec: 1_000_000,
	})
	assert.False(t, force)
	assert.False(t, waiting)
}

func TestShouldReannounce_DoesNothingWhileDownloadComplete(t *testing.T) {
	now := time.Now()
	force, _, waiting := ShouldReannounce(Params{
		Now:                   now,
		CycleStart:            now.Add(-100 * time.Second),
		CycleElapsedSeconds:   100,
		AvgUpBps:              2_000_000,
		AvgDlBps:              1_000_000,
		SpeedLimitBytesPerSec: 1_000_000,
		DownloadComplete:      true,
	})
	assert.False(t, force)
	assert.False(t, waiting)
}

func TestResolveWaiting_NeverWaitingReturnsFalse(t *testing.T) {
	force, _, clear := ResolveWaiting(time.Now(), time.Time{}, 1800*time.Second, 500_000, 1_000_000)
	assert.False(t, force)
	assert.False(t, clear)
}

func TestResolveWaiting_ForcesOnceIntervalPassedAndAverageRecovered(t *testing.T) {
	waitingSince := time.Now().Add(-2 * time.Hour)
	force, reason, clear := ResolveWaiting(time.Now(), waitingSince, 1800*time.Second, 500_000, 1_000_000)
	assert.True(t, force)
	assert.True(t, clear)
	assert.Equal(t, "average-recovered", reason)
}

func TestResolveWaiting_StaysWaitingIfAverageStillOverLimit(t *testing.T) {
	waitingSince := time.Now().Add(-2 * time.Hour)
	force, _, clear := ResolveWaiting(time.Now(), waitingSince, 1800*time.Second, 2_000_000, 1_000_000)
	assert.False(t, force)
	assert.False(t, clear)
}
