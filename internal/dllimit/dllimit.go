// Package dllimit computes the download cap that prevents a torrent's
// lifetime upload average from overshooting a tracker-enforced hard ceiling
// (SPEED_LIMIT). This is a safety mechanism, distinct from the user's
// upload-speed target.
package dllimit

// Buffer and slope figures named per DESIGN.md's Open Question resolution
// #2, since the source gives no derivation for them. They are fixed package
// constants: Params carries no per-call override, and config's DL_* values
// are not passed in.
const (
	AvgBufferSeconds         = 30.0
	TightenBufferSeconds     = 60.0
	RecoverySlopeBytesPerSec = 45 * 1024 * 1024

	MinDownloadCapBytesPerSec = 512 * 1024
	minElapsedSeconds         = 2.0
	tightenAcceptFraction     = 0.95
	activeCapReentryFactor    = 2.0
)

// Params bundles the per-tick inputs the limiter needs.
type Params struct {
	SpeedLimitBytesPerSec float64
	CycleUploadedBytes    float64
	CycleElapsedSeconds   float64
	DownloadSpeedBps      float64
	RemainingBytes        float64
	UploadCapActive       bool
	DownloadCapActive     bool
	CurrentDownloadCap    float64
}

// Result is the limiter's verdict: a negative BytesPerSec means "release any
// active download cap"; zero means "no change"; positive is the new cap.
type Result struct {
	BytesPerSec float64
	Reason      string
	Change      bool
}

const noChange = ""

// Compute derives the protective download cap from the current cycle's
// average upload rate and remaining time, releasing or tightening it as
// the danger of overshooting SpeedLimitBytesPerSec changes.
func Compute(p Params) Result {
	if p.CycleElapsedSeconds < minElapsedSeconds {
		return Result{Reason: "too-early", Change: false}
	}

	avgUp := p.CycleUploadedBytes / p.CycleElapsedSeconds

	if avgUp <= p.SpeedLimitBytesPerSec && p.DownloadCapActive {
		return Result{BytesPerSec: -1, Reason: "release", Change: true}
	}

	minTime := 20.0
	if p.UploadCapActive {
		minTime = 40.0
	}

	eta := p.RemainingBytes / maxFloat(p.DownloadSpeedBps, 1)

	if !p.DownloadCapActive {
		if avgUp > p.SpeedLimitBytesPerSec && eta > 0 && eta <= minTime {
			d := p.CycleUploadedBytes/p.SpeedLimitBytesPerSec - p.CycleElapsedSeconds + AvgBufferSeconds
			if d <= 0 {
				return Result{BytesPerSec: MinDownloadCapBytesPerSec, Reason: "avg-over-limit", Change: true}
			}
			cap := p.RemainingBytes / d
			if cap < MinDownloadCapBytesPerSec {
				cap = MinDownloadCapBytesPerSec
			}
			return Result{BytesPerSec: cap, Reason: "avg-over-limit", Change: true}
		}
		return Result{Reason: noChange, Change: false}
	}

	// Download cap already active.
	if avgUp > p.SpeedLimitBytesPerSec && p.DownloadSpeedBps < activeCapReentryFactor*p.CurrentDownloadCap {
		d := p.CycleUploadedBytes/p.SpeedLimitBytesPerSec - p.CycleElapsedSeconds + TightenBufferSeconds
		if d <= 0 {
			return Result{Reason: noChange, Change: false}
		}
		newCap := p.RemainingBytes / d
		if newCap < tightenAcceptFraction*p.CurrentDownloadCap {
			if newCap < MinDownloadCapBytesPerSec {
				newCap = MinDownloadCapBytesPerSec
			}
			return Result{BytesPerSec: newCap, Reason: "tighten", Change: true}
		}
	}
	return Result{Reason: noChange, Change: false}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
