// Package torrentstate holds the per-torrent TorrentState: identity,
// cycle bookkeeping, the phase classifier, and the embedded value-typed
// estimator/PID/quantiser sub-objects. A State is a plain struct with
// methods — no pointer graphs, no interfaces — reset in place at each new
// cycle the way akira's SeedingTrackingData is mutated in place under its
// owning map's lock.
package torrentstate

import (
	"time"

	"github.com/kestrelpt/pacer/internal/estimator"
	"github.com/kestrelpt/pacer/internal/phase"
	"github.com/kestrelpt/pacer/internal/pidctl"
	"github.com/kestrelpt/pacer/internal/quantizer"
	"github.com/kestrelpt/pacer/internal/reannounce"
)

// Sentinel values for LastAppliedUpCap / LastAppliedDlCap.
const (
	CapUncapped     int64 = -1
	CapUninitialized int64 = -2

	// MaxReannounce: any time_left at or above this is treated as invalid.
	MaxReannounce = 86400.0
	// jumpThresholdSeconds is the minimum upward discontinuity in time_left
	// that counts as evidence of a tracker announce.
	jumpThresholdSeconds = 30.0
	// minJumpIntervalSeconds is the minimum gap between the last two jumps
	// before the observed interval is trusted as the tracker's real period.
	minJumpIntervalSeconds = 60.0
	// evictAfter is how long an unseen torrent's state survives.
	evictAfter = 2 * time.Hour
)

// State is one torrent's complete tracked state.
type State struct {
	Hash           string
	Name           string
	TrackerURL     string
	OwningClientID string
	TotalSize      int64
	AddedAt        time.Time

	SessionStart           time.Time
	SessionUploadedAtStart int64

	CycleIndex           int64
	CycleStartTime       time.Time
	CycleUploadedAtStart int64
	CycleInterval        time.Duration
	CycleSynced          bool
	PrevTimeLeft         float64
	JumpCount            int
	LastJumpTime         time.Time
	// FirstCycle marks cycle_index==0 as informational-only per the
	// precision-tracker Open Question resolution: its ratio is computed and
	// recorded in cycle history but excluded from precision.Tracker.Record.
	FirstCycle bool

	CachedTimeLeft  float64
	CacheTimestamp  time.Time
	Source          string // "client" | "site" | "estimated"
	SiteLastAnnounceTime time.Time
	SiteAnnounceInterval time.Duration

	SiteID           string
	Tid              string
	Promotion        string
	PublishTime      time.Time
	TidSearched      bool
	TidNotFoundUntil time.Time

	TargetBytesPerSec float64
	LastAppliedUpCap  int64
	LastAppliedDlCap  int64
	LastLimitReason   string

	DLLimitedThisCycle     bool
	ReannouncedThisCycle   bool
	WaitingReannounce      bool
	WaitingReannounceSince time.Time
	LastReannounceTime     time.Time

	LastSeenAt time.Time

	UpEstimator estimator.Estimator
	DlEstimator estimator.Estimator
	PID         pidctl.Controller
	Quant       quantizer.Quantizer
}

// New creates a fresh TorrentState for a just-observed torrent.
func New(hash, name, trackerURL, clientID string, totalSize int64, now time.Time) *State {
	return &State{
		Hash:             hash,
		Name:             name,
		TrackerURL:       trackerURL,
		OwningClientID:   clientID,
		TotalSize:        totalSize,
		AddedAt:          now,
		SessionStart:     now,
		LastAppliedUpCap: CapUninitialized,
		LastAppliedDlCap: CapUninitialized,
		LastSeenAt:       now,
		UpEstimator:      estimator.New(),
		DlEstimator:      estimator.New(),
		PID:              pidctl.New(),
		Quant:            quantizer.New(),
	}
}

// IsTimeLeftValid reports whether tl is strictly inside (0, MaxReannounce).
func IsTimeLeftValid(tl float64) bool {
	return tl > 0 && tl < MaxReannounce
}

// UpdateTimeLeftFromClient records a freshly fetched reannounce value from
// the client adapter.
func (s *State) UpdateTimeLeftFromClient(now time.Time, reannounceSeconds float64) {
	s.CachedTimeLeft = reannounceSeconds
	s.CacheTimestamp = now
	s.Source = "client"
}

// UpdateTimeLeftFromSite records a site-resolved last-announce timestamp,
// the highest-priority time_left source.
func (s *State) UpdateTimeLeftFromSite(lastAnnounceTime time.Time, addedInterval time.Duration) {
	s.SiteLastAnnounceTime = lastAnnounceTime
	s.SiteAnnounceInterval = addedInterval
	s.Source = "site"
}

// TimeLeft computes time_left(now) in priority order: (1) site-resolved
// last_announce_time, (2) decayed cached_time_left, (3) 9999 (unknown).
func (s *State) TimeLeft(now time.Time) (float64, string) {
	if !s.SiteLastAnnounceTime.IsZero() {
		tl := s.SiteAnnounceInterval.Seconds() + s.SiteLastAnnounceTime.Sub(now).Seconds()
		if tl < 0 {
			tl = 0
		}
		return tl, "site"
	}
	if !s.CacheTimestamp.IsZero() {
		elapsed := now.Sub(s.CacheTimestamp).Seconds()
		tl := s.CachedTimeLeft - elapsed
		if tl < 0 {
			tl = 0
		}
		return tl, "estimated"
	}
	return 9999, "estimated"
}

// Phase classifies the current phase from cycle_synced and time_left.
func (s *State) Phase(now time.Time) phase.Phase {
	tl, _ := s.TimeLeft(now)
	return phase.Classify(s.CycleSynced, tl)
}

// EstimateTotalCycleTime prefers elapsed+time_left when time_left is
// valid; else the learned cycle_interval if synced; else elapsed itself.
func (s *State) EstimateTotalCycleTime(now time.Time) float64 {
	elapsed := now.Sub(s.CycleStartTime).Seconds()
	tl, _ := s.TimeLeft(now)
	if IsTimeLeftValid(tl) {
		return elapsed + tl
	}
	if s.CycleSynced && s.CycleInterval > 0 {
		return s.CycleInterval.Seconds()
	}
	return elapsed
}

// HandleTick runs cycle-jump detection for one tick's fresh time_left
// reading. currentUploaded is the torrent's lifetime uploaded-bytes
// counter; ageSeconds is now - AddedAt, used to seed the first synthetic
// cycle. Returns true if a new cycle was opened this tick.
func (s *State) HandleTick(now time.Time, freshTimeLeft float64, currentUploaded int64, ageSeconds float64) bool {
	if s.CycleStartTime.IsZero() {
		s.seedFirstCycle(now, freshTimeLeft, currentUploaded, ageSeconds)
		s.PrevTimeLeft = freshTimeLeft
		return false
	}

	jumped := freshTimeLeft-s.PrevTimeLeft > jumpThresholdSeconds
	if jumped {
		s.JumpCount++
		if s.JumpCount >= 2 && !s.LastJumpTime.IsZero() {
			interval := now.Sub(s.LastJumpTime)
			if interval > minJumpIntervalSeconds*time.Second {
				s.CycleInterval = interval
				s.CycleSynced = true
			}
		}
		s.LastJumpTime = now
		s.CycleIndex++
		s.CycleStartTime = now
		s.CycleUploadedAtStart = currentUploaded
		s.FirstCycle = false
		s.DLLimitedThisCycle = false
		s.ReannouncedThisCycle = false
		s.PID.Reset()
		s.UpEstimator.Reset()
		s.DlEstimator.Reset()
		s.Quant.Reset()
	}
	s.PrevTimeLeft = freshTimeLeft
	return jumped
}

func (s *State) seedFirstCycle(now time.Time, timeLeft float64, currentUploaded int64, ageSeconds float64) {
	announceInterval := reannounce.AnnounceInterval(ageSeconds).Seconds()
	if timeLeft < announceInterval {
		est := float64(currentUploaded) - s.UpEstimator.Speed()*(announceInterval-timeLeft)
		if est < 0 {
			est = 0
		}
		s.CycleUploadedAtStart = int64(est)
	} else {
		s.CycleUploadedAtStart = currentUploaded
	}
	s.CycleIndex = 0
	s.CycleStartTime = now
	s.FirstCycle = true
}

// CycleUploaded returns bytes uploaded within the current cycle, clamping
// and re-seeding the baseline if the lifetime counter ever appears to have
// decreased (a semantic anomaly, never fatal per the error-handling design).
func (s *State) CycleUploaded(currentUploaded int64) int64 {
	if currentUploaded < s.CycleUploadedAtStart {
		s.CycleUploadedAtStart = currentUploaded
	}
	return currentUploaded - s.CycleUploadedAtStart
}

// Stale reports whether the torrent has been unseen long enough to be
// evicted.
func (s *State) Stale(now time.Time) bool {
	return now.Sub(s.LastSeenAt) > evictAfter
}

// Touch marks the torrent as observed on this tick.
func (s *State) Touch(now time.Time) {
	s.LastSeenAt = now
}
