// Package reannounce implements the tracker-assisted reannounce optimiser:
// deciding when forcing a tracker reannounce would let the lifetime upload
// average recover before it drifts further over the hard ceiling, and the
// matching "wait, then force" resolution once a torrent has been told to
// stall.
package reannounce

import "time"

const (
	// MinIntervalSinceLast is the cooldown between forced reannounces.
	MinIntervalSinceLast = 900 * time.Second
	// WaitLimitBytesPerSec is the temporary upload cap applied while
	// waiting_reannounce is set.
	WaitLimitBytesPerSec = 5120 * 1024

	minCycleElapsedSeconds = 30.0

	recoverySlopeBytesPerSec = 45 * 1024 * 1024

	perfectTimeMargin = 60 * time.Second
)

// AnnounceInterval buckets by torrent age, per §4.F.
func AnnounceInterval(ageSeconds float64) time.Duration {
	switch {
	case ageSeconds < 7*86400:
		return 1800 * time.Second
	case ageSeconds < 30*86400:
		return 2700 * time.Second
	default:
		return 3600 * time.Second
	}
}

// Params bundles one tick's inputs to ShouldReannounce.
type Params struct {
	Now                time.Time
	CycleStart         time.Time
	CycleElapsedSeconds float64
	CycleUploadedBytes  float64
	LastReannounceTime  time.Time // zero value means "never"
	TorrentAgeSeconds   float64

	SpeedLimitBytesPerSec float64
	AvgUpBps              float64
	AvgDlBps              float64
	RemainingBytes        float64
	DownloadComplete      bool
}

// ShouldReannounce decides whether to force a reannounce right now, or to
// start waiting for the lifetime average to recover. force and waiting are
// mutually exclusive; both false means "do nothing this tick".
func ShouldReannounce(p Params) (force bool, reason string, waiting bool) {
	if !p.LastReannounceTime.IsZero() && p.Now.Sub(p.LastReannounceTime) < MinIntervalSinceLast {
		return false, "", false
	}
	if p.CycleElapsedSeconds < minCycleElapsedSeconds {
		return false, "", false
	}
	if p.DownloadComplete {
		return false, "", false
	}
	if !(p.AvgUpBps > p.SpeedLimitBytesPerSec && p.AvgDlBps > 0) {
		return false, "", false
	}

	interval := AnnounceInterval(p.TorrentAgeSeconds)
	completeTime := p.Now.Add(time.Duration(p.RemainingBytes / p.AvgDlBps * float64(time.Second)))
	perfectTime := completeTime.Add(-time.Duration(float64(interval) * p.SpeedLimitBytesPerSec / p.AvgUpBps * float64(time.Second)))

	cycleAvg := p.CycleUploadedBytes / p.CycleElapsedSeconds

	var earliest time.Time
	if cycleAvg > p.SpeedLimitBytesPerSec {
		secs := (p.CycleUploadedBytes - p.SpeedLimitBytesPerSec*p.CycleElapsedSeconds) / recoverySlopeBytesPerSec
		earliest = p.Now.Add(time.Duration(secs * float64(time.Second)))
	} else {
		earliest = p.Now
	}

	if earliest.Sub(p.CycleStart) < MinIntervalSinceLast {
		return false, "", false
	}

	if earliest.After(perfectTime) && !p.Now.Before(earliest) && cycleAvg > p.SpeedLimitBytesPerSec {
		return true, "optimised", false
	}
	if earliest.Before(perfectTime.Add(perfectTimeMargin)) {
		return false, "", true
	}
	return false, "", false
}

// ResolveWaiting implements "resolve a waiting reannounce": if a full
// announce interval has passed since waitingSince and the running cycle
// average has dropped below the ceiling, force a reannounce and clear the
// flag.
func ResolveWaiting(now, waitingSince time.Time, announceInterval time.Duration, cycleAvgBps, speedLimitBps float64) (force bool, reason string, clear bool) {
	if waitingSince.IsZero() {
		return false, "", false
	}
	if now.Sub(waitingSince) >= announceInterval && cycleAvgBps < speedLimitBps {
		return true, "average-recovered", true
	}
	return false, "", false
}
