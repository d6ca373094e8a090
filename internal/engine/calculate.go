package engine

import (
	"math"
	"time"

	"github.com/kestrelpt/pacer/internal/pidctl"
	"github.com/kestrelpt/pacer/internal/phase"
	"github.com/kestrelpt/pacer/internal/quantizer"
	"github.com/kestrelpt/pacer/internal/torrentstate"
)

// MinLimit mirrors quantizer.MinLimit; named here too since calculate()'s
// overspeed-brake branch returns it directly without going through the
// quantiser, and the warmup "over" branch uses it as its cap (which then
// passes through the quantiser like any other positive cap).
const MinLimit = quantizer.MinLimit

// overspeedFactor is the session real-average multiple of SPEED_LIMIT that
// triggers the hard safety brake.
const overspeedFactor = 1.05

// waitReannounceCapBps is the temporary cap applied while a torrent waits
// for a forced reannounce to become worthwhile.
const waitReannounceCapBps = 5120 * 1024

// catchReleaseFactor: in CATCH, a required rate this many times the target
// means the torrent is hopelessly behind; uncapped is the right call.
const catchReleaseFactor = 5

// calcInput bundles one torrent's calculate() inputs for a single tick.
type calcInput struct {
	Now                   time.Time
	State                 *torrentstate.State
	CurrentUploaded       int64
	TargetBytesPerSec     float64
	SpeedLimitBytesPerSec float64
	RealAverageBps        float64
	Paused                bool
	WaitingReannounce     bool
}

// calcResult is calculate()'s verdict: Cap of -1 means uncapped, -2 is
// never returned here (that sentinel is reserved for "never applied").
type calcResult struct {
	Cap    float64
	Reason string
}

// calculate implements spec.md §4.H.6 verbatim: the controller's
// calculate() contract that turns one torrent's current measurements into
// a rate-cap decision.
func calculate(in calcInput) calcResult {
	if in.Paused {
		return calcResult{Cap: torrentstate.CapUncapped, Reason: "paused"}
	}
	if in.RealAverageBps > in.SpeedLimitBytesPerSec*overspeedFactor {
		return calcResult{Cap: MinLimit, Reason: "overspeed-brake"}
	}
	if in.WaitingReannounce {
		return calcResult{Cap: waitReannounceCapBps, Reason: "waiting-reannounce"}
	}

	s := in.State
	now := in.Now
	p := s.Phase(now)

	elapsed := now.Sub(s.CycleStartTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	timeLeft, _ := s.TimeLeft(now)
	totalCycleTime := s.EstimateTotalCycleTime(now)

	targetTotal := in.TargetBytesPerSec * totalCycleTime
	cycleUploaded := float64(s.CycleUploaded(in.CurrentUploaded))

	pidOut := s.PID.Update(now, in.TargetBytesPerSec*elapsed, cycleUploaded, p)

	timeLeftForRate := timeLeft
	if timeLeftForRate <= 0 {
		timeLeftForRate = 1
	}
	requiredRate := math.Max(0, (targetTotal-cycleUploaded)/timeLeftForRate)

	predictedBytes := cycleUploaded + s.UpEstimator.PredictUpload(timeLeft)
	denom := targetTotal
	if denom < 1 {
		denom = 1
	}
	predictedRatio := predictedBytes / denom

	progress := cycleUploaded / denom

	gains := pidctl.GainsFor(p)

	var result calcResult
	switch p {
	case phase.Finish:
		correction := 1.0
		switch {
		case predictedRatio > 1.002:
			correction = math.Max(0.8, 1-(predictedRatio-1)*3)
		case predictedRatio < 0.998:
			correction = math.Min(1.2, 1+(1-predictedRatio)*3)
		}
		result = calcResult{Cap: requiredRate * pidOut * correction, Reason: "finish"}

	case phase.Steady:
		headroom := gains.Headroom
		if predictedRatio > 1.01 {
			headroom = 1.0
		}
		result = calcResult{Cap: requiredRate * headroom * pidOut, Reason: "steady"}

	case phase.Catch:
		if requiredRate > in.TargetBytesPerSec*catchReleaseFactor {
			result = calcResult{Cap: torrentstate.CapUncapped, Reason: "catch-release"}
			break
		}
		result = calcResult{Cap: requiredRate * gains.Headroom * pidOut, Reason: "catch"}

	default: // WARMUP
		switch {
		case progress >= 1.0:
			result = calcResult{Cap: MinLimit, Reason: "over"}
		case progress >= 0.8:
			result = calcResult{Cap: requiredRate * 1.01 * pidOut, Reason: "warmup"}
		case progress >= 0.5:
			result = calcResult{Cap: requiredRate * 1.05, Reason: "warmup"}
		default:
			result = calcResult{Cap: torrentstate.CapUncapped, Reason: "warmup"}
		}
	}

	if result.Cap > 0 {
		trend := s.UpEstimator.RecentTrend(now)
		result.Cap = s.Quant.Quantize(p, result.Cap, s.UpEstimator.Speed(), in.TargetBytesPerSec, trend)
	}

	if result.Cap == torrentstate.CapUncapped && progress > 0.9 && timeLeft < 30 {
		result.Cap = in.TargetBytesPerSec
		result.Reason += "+protect"
	}

	return result
}
