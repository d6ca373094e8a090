// Package phase holds the cycle-phase enum shared by the estimator, PID
// controller, quantiser, precision tracker, torrent-state and engine
// packages, so none of the leaf packages among them needs to import
// torrentstate (which embeds several of them by value).
package phase

// Phase classifies where inside a tracker-announce cycle a torrent sits.
type Phase string

const (
	// Warmup is any torrent whose cycle has not yet synced to the tracker's
	// announce interval (two consecutive jumps observed).
	Warmup Phase = "WARMUP"
	// Catch is a synced cycle with 10-60s left until the next announce.
	Catch Phase = "CATCH"
	// Steady is a synced cycle with more than 60s left.
	Steady Phase = "STEADY"
	// Finish is a synced cycle with less than 10s left.
	Finish Phase = "FINISH"
)

// Classify implements the pure function of (synced, timeLeft) -> Phase from
// the cycle-detection rules: WARMUP if not synced, FINISH if tl < 10s,
// CATCH if tl < 60s, STEADY otherwise.
func Classify(synced bool, timeLeftSec float64) Phase {
	if !synced {
		return Warmup
	}
	switch {
	case timeLeftSec < 10:
		return Finish
	case timeLeftSec < 60:
		return Catch
	default:
		return Steady
	}
}

func (p Phase) String() string { return string(p) }
