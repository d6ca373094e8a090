package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/kestrelpt/pacer/internal/dllimit"
	"github.com/kestrelpt/pacer/internal/metrics"
	"github.com/kestrelpt/pacer/internal/notify"
	"github.com/kestrelpt/pacer/internal/phase"
	"github.com/kestrelpt/pacer/internal/qbt"
	"github.com/kestrelpt/pacer/internal/reannounce"
	"github.com/kestrelpt/pacer/internal/rules"
	"github.com/kestrelpt/pacer/internal/store"
	"github.com/kestrelpt/pacer/internal/torrentstate"
)

// runLoop is the engine's one long-running main task (spec.md §5).
func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.doneCh)

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		minTL := e.tick(ctx, start)
		passDuration := time.Since(start)
		sleep := sleepDuration(minTL, passDuration)

		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// sleepDuration implements spec.md §4.H.1's dynamic tick period table.
func sleepDuration(minTimeLeft float64, passDuration time.Duration) time.Duration {
	var base time.Duration
	switch {
	case minTimeLeft >= 1800:
		base = 5 * time.Second
	case minTimeLeft >= 600:
		base = 4 * time.Second
	case minTimeLeft >= 180:
		base = 2 * time.Second
	case minTimeLeft >= 60:
		base = 1 * time.Second
	case minTimeLeft >= 10:
		base = 500 * time.Millisecond
	default:
		base = 150 * time.Millisecond
	}
	d := base - passDuration
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// propertiesCadence implements spec.md §4.H.2's phase-bound refresh rate.
func propertiesCadence(p phase.Phase) time.Duration {
	switch p {
	case phase.Catch:
		return 1 * time.Second
	case phase.Steady:
		return 500 * time.Millisecond
	case phase.Finish:
		return 200 * time.Millisecond
	default: // WARMUP
		return 2 * time.Second
	}
}

type pendingCap struct {
	hash  string
	value int64
}

// tick runs one full pass over every active torrent on every client
// instance, then batches and applies the resulting caps. Returns the
// smallest observed time_left, used to size the next sleep.
func (e *Engine) tick(ctx context.Context, now time.Time) float64 {
	e.runMu.Lock()
	paused := e.paused
	e.runMu.Unlock()

	rulesList, err := e.rules.SpeedRules()
	if err != nil {
		e.logger.WithError(err).Debug("failed to load speed rules this tick")
	}
	siteConfigs, err := e.rules.SiteConfigs()
	if err != nil {
		e.logger.WithError(err).Debug("failed to load site configs this tick")
	}

	minTL := torrentstate.MaxReannounce
	seen := make(map[string]bool)
	upByClient := make(map[string][]pendingCap)
	dlByClient := make(map[string][]pendingCap)

	for _, clientID := range e.client.ListInstances() {
		torrents, err := e.client.ListTorrents(ctx, clientID)
		if err != nil {
			e.logger.WithError(err).WithField("client", clientID).Debug("failed to list torrents, skipping this client for this tick")
			continue
		}

		for _, t := range torrents {
			seen[t.Hash] = true
			upCap, dlCap, tl := e.processTorrent(ctx, now, clientID, t, paused, rulesList, siteConfigs)
			if tl < minTL {
				minTL = tl
			}
			if upCap != nil {
				upByClient[clientID] = append(upByClient[clientID], pendingCap{t.Hash, *upCap})
			}
			if dlCap != nil {
				dlByClient[clientID] = append(dlByClient[clientID], pendingCap{t.Hash, *dlCap})
			}
		}
	}

	for clientID, cmds := range upByClient {
		e.applyBatch(ctx, clientID, cmds, e.client.SetUploadLimit, func(hash string, v int64) {
			e.mu.Lock()
			if s, ok := e.states[hash]; ok {
				s.LastAppliedUpCap = v
			}
			e.mu.Unlock()
		})
	}
	for clientID, cmds := range dlByClient {
		e.applyBatch(ctx, clientID, cmds, e.client.SetDownloadLimit, func(hash string, v int64) {
			e.mu.Lock()
			if s, ok := e.states[hash]; ok {
				s.LastAppliedDlCap = v
			}
			e.mu.Unlock()
		})
	}

	e.evictStale(now)
	e.runMaintenance(ctx, now)
	metrics.SetPacedTorrents(e.activeCount())

	if len(seen) == 0 {
		return 1800
	}
	return minTL
}

// applyBatch groups hashes by identical target value and issues exactly
// one RPC per (client, cap), per spec.md §4.H.4 / P8.
func (e *Engine) applyBatch(ctx context.Context, clientID string, cmds []pendingCap, setFn func(context.Context, string, []string, int64) error, applied func(hash string, value int64)) {
	groups := make(map[int64][]string)
	for _, c := range cmds {
		groups[c.value] = append(groups[c.value], c.hash)
	}
	for value, hashes := range groups {
		rpcValue := value
		if value == torrentstate.CapUncapped {
			rpcValue = 0
		}
		if err := setFn(ctx, clientID, hashes, rpcValue); err != nil {
			e.logger.WithError(err).WithField("client", clientID).Warn("failed to apply batched limit")
			continue
		}
		for _, h := range hashes {
			applied(h, value)
		}
	}
}

// processTorrent runs the per-pass sequence (a-k) of spec.md §4.H.3 for one
// torrent. It returns the upload/download caps to apply this tick (nil if
// unchanged from last_applied_*) and the torrent's current time_left.
func (e *Engine) processTorrent(ctx context.Context, now time.Time, clientID string, t qbt.Torrent, paused bool, rulesList []rules.SpeedRule, siteConfigs []rules.SiteRuleConfig) (upCap, dlCap *int64, timeLeft float64) {
	e.mu.Lock()
	s, existed := e.states[t.Hash]
	if existed && s.OwningClientID != clientID {
		// A torrent that moved to a different client instance mid-cycle is
		// treated as a new torrent (spec.md §9 open question 3): its old
		// cycle baseline no longer means anything under the new instance.
		existed = false
	}
	if !existed {
		if pt, ok := e.store.Torrent(t.Hash); ok && pt.OwningClientID == clientID {
			s = rehydrateState(pt, t.Hash, t.Name, t.Tracker, clientID, t.TotalSize, now)
		} else {
			s = torrentstate.New(t.Hash, t.Name, t.Tracker, clientID, t.TotalSize, now)
		}
		e.states[t.Hash] = s
	}
	s.Name = t.Name
	s.TrackerURL = t.Tracker
	s.TotalSize = t.TotalSize
	s.Touch(now)
	e.mu.Unlock()

	if !existed {
		e.maybeNotifyMonitorStart(s, now)
	}

	// b. record instantaneous speed.
	s.UpEstimator.Record(now, float64(t.Upspeed))
	s.DlEstimator.Record(now, float64(t.Dlspeed))

	// c. enqueue best-effort background lookups.
	e.enqueueLookups(s, now)

	// d. refresh time_left from the client if stale and RPC budget allows.
	cadence := propertiesCadence(s.Phase(now))
	if now.Sub(s.CacheTimestamp) >= cadence {
		if props, err := e.client.GetProperties(ctx, clientID, t.Hash); err == nil {
			s.UpdateTimeLeftFromClient(now, float64(props.Reannounce))
		} else if !errors.Is(err, qbt.ErrRateLimited) {
			e.logger.WithError(err).WithField("hash", t.Hash).Debug("failed to refresh reannounce, using decayed cache")
		}
	}

	// e. cycle jump detection; capture pre-jump state for completion
	// bookkeeping before HandleTick mutates it in place.
	prevCycleStart := s.CycleStartTime
	prevCycleIndex := s.CycleIndex
	prevCycleUploadedAtStart := s.CycleUploadedAtStart
	prevTarget := s.TargetBytesPerSec
	prevSynced := s.CycleSynced
	prevTimeLeftBeforeJump := s.PrevTimeLeft
	prevFirstCycle := s.FirstCycle

	freshTimeLeft, _ := s.TimeLeft(now)
	ageSeconds := now.Sub(s.AddedAt).Seconds()
	jumped := s.HandleTick(now, freshTimeLeft, t.Uploaded, ageSeconds)

	if jumped && !prevCycleStart.IsZero() {
		e.recordCycleCompletion(s, now, t.Uploaded, prevCycleStart, prevCycleIndex,
			prevCycleUploadedAtStart, prevTarget, prevSynced, prevTimeLeftBeforeJump, prevFirstCycle, clientID)
	}

	// f. effective target: rules + temp override, safety margin, precision bias.
	target, _, siteCfg, hasSiteCfg := e.effectiveTarget(s, now, rulesList, siteConfigs)
	s.TargetBytesPerSec = target

	// g. resolve any pending waiting-reannounce.
	announceInterval := reannounce.AnnounceInterval(ageSeconds)
	if s.WaitingReannounce {
		avg := cycleAvg(s, now, t.Uploaded)
		if force, reason, clear := reannounce.ResolveWaiting(now, s.WaitingReannounceSince, announceInterval, avg, e.cfg.Control.SpeedLimitBytesPerSec); clear {
			s.WaitingReannounce = false
			if force {
				e.forceReannounce(ctx, clientID, s, reason)
			}
		}
	}

	realAvg := realAverage(s, now, t.Uploaded)

	// h. upload cap via calculate().
	res := calculate(calcInput{
		Now:                   now,
		State:                 s,
		CurrentUploaded:       t.Uploaded,
		TargetBytesPerSec:     s.TargetBytesPerSec,
		SpeedLimitBytesPerSec: e.cfg.Control.SpeedLimitBytesPerSec,
		RealAverageBps:        realAvg,
		Paused:                paused,
		WaitingReannounce:     s.WaitingReannounce,
	})
	s.LastLimitReason = res.Reason
	if res.Reason == "overspeed-brake" {
		e.maybeNotifyOverspeed(s, now, realAvg, e.cfg.Control.SpeedLimitBytesPerSec)
	}

	upCapVal := torrentstate.CapUncapped
	if res.Cap != torrentstate.CapUncapped {
		upCapVal = int64(res.Cap)
	}
	if upCapVal != s.LastAppliedUpCap {
		v := upCapVal
		upCap = &v
	}

	// i. download cap via §4.E, only for sites that opt in.
	if hasSiteCfg && siteCfg.DownloadLimitEnabled {
		remaining := math.Max(0, float64(t.TotalSize-t.Downloaded))
		dlRes := dllimit.Compute(dllimit.Params{
			SpeedLimitBytesPerSec: e.cfg.Control.SpeedLimitBytesPerSec,
			CycleUploadedBytes:    float64(s.CycleUploaded(t.Uploaded)),
			CycleElapsedSeconds:   now.Sub(s.CycleStartTime).Seconds(),
			DownloadSpeedBps:      float64(t.Dlspeed),
			RemainingBytes:        remaining,
			UploadCapActive:       s.LastAppliedUpCap > 0,
			DownloadCapActive:     s.LastAppliedDlCap > 0,
			CurrentDownloadCap:    float64(s.LastAppliedDlCap),
		})
		if dlRes.Change {
			dlCapVal := torrentstate.CapUncapped
			if dlRes.BytesPerSec >= 0 {
				dlCapVal = int64(dlRes.BytesPerSec)
			}
			if dlCapVal != s.LastAppliedDlCap {
				v := dlCapVal
				dlCap = &v
				s.DLLimitedThisCycle = true
				e.maybeNotifyDownloadLimit(s, now, float64(dlCapVal), dlRes.Reason)
			}
		}
	}

	// j. decide whether to force a reannounce.
	if hasSiteCfg && siteCfg.ReannounceOptimization && !s.WaitingReannounce {
		avgUp, _ := s.UpEstimator.WindowAverage(now, 300)
		avgDl, _ := s.DlEstimator.WindowAverage(now, 300)
		force, reason, waiting := reannounce.ShouldReannounce(reannounce.Params{
			Now:                   now,
			CycleStart:            s.CycleStartTime,
			CycleElapsedSeconds:   now.Sub(s.CycleStartTime).Seconds(),
			CycleUploadedBytes:    float64(s.CycleUploaded(t.Uploaded)),
			LastReannounceTime:    s.LastReannounceTime,
			TorrentAgeSeconds:     ageSeconds,
			SpeedLimitBytesPerSec: e.cfg.Control.SpeedLimitBytesPerSec,
			AvgUpBps:              avgUp,
			AvgDlBps:              avgDl,
			RemainingBytes:        math.Max(0, float64(t.TotalSize-t.Downloaded)),
			DownloadComplete:      t.Progress >= 1.0,
		})
		if force {
			e.forceReannounce(ctx, clientID, s, reason)
		} else if waiting {
			s.WaitingReannounce = true
			s.WaitingReannounceSince = now
		}
	}

	// k. new intended caps are recorded via LastLimitReason above and the
	// LastAppliedUpCap/DlCap writebacks in applyBatch's callback.

	tl, _ := s.TimeLeft(now)
	return upCap, dlCap, tl
}

func cycleAvg(s *torrentstate.State, now time.Time, currentUploaded int64) float64 {
	elapsed := now.Sub(s.CycleStartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.CycleUploaded(currentUploaded)) / elapsed
}

func realAverage(s *torrentstate.State, now time.Time, currentUploaded int64) float64 {
	elapsed := now.Sub(s.SessionStart).Seconds()
	if elapsed <= 1 {
		return 0
	}
	return float64(currentUploaded-s.SessionUploadedAtStart) / elapsed
}

func (e *Engine) effectiveTarget(s *torrentstate.State, now time.Time, rulesList []rules.SpeedRule, siteConfigs []rules.SiteRuleConfig) (target, margin float64, cfg rules.SiteRuleConfig, hasCfg bool) {
	e.runMu.Lock()
	tempSet, tempKiB := e.tempTargetSet, e.tempTargetKiB
	e.runMu.Unlock()

	cfg, hasCfg = rules.SiteConfigFor(siteConfigs, s.TrackerURL)

	var baseKiB float64
	if tempSet {
		baseKiB = tempKiB
	} else if rule, ok := rules.TargetFor(rulesList, s.SiteID); ok {
		baseKiB, margin = rule.TargetKiB, rule.SafetyMargin
	}

	baseBps := baseKiB * 1024 * (1 - margin)
	bias := e.precision.Adjustment(s.Phase(now))
	return baseBps * bias, margin, cfg, hasCfg
}

func (e *Engine) forceReannounce(ctx context.Context, clientID string, s *torrentstate.State, reason string) {
	if err := e.client.ForceReannounce(ctx, clientID, []string{s.Hash}); err != nil {
		e.logger.WithError(err).WithField("hash", s.Hash).Warn("failed to force reannounce")
		return
	}
	s.LastReannounceTime = time.Now()
	s.ReannouncedThisCycle = true
	metrics.ObserveReannounce(reason)
	e.maybeNotifyReannounce(s, reason)
}

func (e *Engine) recordCycleCompletion(s *torrentstate.State, now time.Time, currentUploaded int64,
	prevCycleStart time.Time, prevCycleIndex, prevCycleUploadedAtStart int64, prevTarget float64,
	prevSynced bool, prevTimeLeft float64, prevFirstCycle bool, clientID string) {

	uploadedInCycle := currentUploaded - prevCycleUploadedAtStart
	if uploadedInCycle < 0 {
		uploadedInCycle = 0
	}
	elapsed := now.Sub(prevCycleStart).Seconds()
	var avgBps, ratio float64
	if elapsed > 0 {
		avgBps = float64(uploadedInCycle) / elapsed
	}
	if prevTarget > 0 {
		ratio = avgBps / prevTarget
	}
	hit := math.Abs(ratio-1) <= 0.03

	e.store.RecordCycleCompletion(store.CycleHistoryRecord{
		Hash: s.Hash, Name: s.Name, ClientID: clientID,
		CycleIndex: prevCycleIndex, CycleStartEpoch: prevCycleStart, CycleEndEpoch: now,
		UploadedInCycle: uploadedInCycle, TargetBps: prevTarget, AvgBps: avgBps, Ratio: ratio, Hit: hit,
	})
	metrics.ObserveCycle(hit)

	if !prevFirstCycle && prevTarget > 0 {
		e.precision.Record(phase.Classify(prevSynced, prevTimeLeft), ratio)
	}

	grade := "miss"
	if hit {
		grade = "hit"
	}
	e.notify(notify.Event{
		Kind: notify.EventCycleReport, Time: now, Hash: s.Hash, Name: s.Name,
		Ratio: ratio, Uploaded: uploadedInCycle, AvgBps: avgBps, Grade: grade,
	})
}

func (e *Engine) enqueueLookups(s *torrentstate.State, now time.Time) {
	if s.Tid == "" && (s.TidNotFoundUntil.IsZero() || now.After(s.TidNotFoundUntil)) {
		e.mu.Lock()
		last := e.lastTidAttempt[s.Hash]
		due := now.Sub(last) >= e.cfg.Site.TidSearchCooldown
		if due {
			e.lastTidAttempt[s.Hash] = now
		}
		e.mu.Unlock()
		if due {
			select {
			case e.tidQueue <- tidJob{hash: s.Hash}:
			default:
			}
		}
	}

	if s.Tid != "" {
		e.mu.Lock()
		last := e.lastPeerlistAttempt[s.Hash]
		due := now.Sub(last) >= e.cfg.Site.PeerlistCooldown
		if due {
			e.lastPeerlistAttempt[s.Hash] = now
		}
		e.mu.Unlock()
		if due {
			select {
			case e.peerlistQueue <- peerlistJob{hash: s.Hash, tid: s.Tid}:
			default:
			}
		}
	}
}

func (e *Engine) evictStale(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for hash, s := range e.states {
		if s.Stale(now) {
			delete(e.states, hash)
			delete(e.lastTidAttempt, hash)
			delete(e.lastPeerlistAttempt, hash)
			e.store.DeleteTorrent(hash)
		}
	}
}

func (e *Engine) runMaintenance(ctx context.Context, now time.Time) {
	if now.Sub(e.lastPersist) >= e.cfg.Control.DBSaveInterval {
		e.persist()
		e.lastPersist = now
	}
	if now.Sub(e.lastCookieCheck) >= e.cfg.Control.CookieCheckInterval {
		e.checkCookies(ctx, now)
		e.lastCookieCheck = now
	}
}

func (e *Engine) checkCookies(ctx context.Context, now time.Time) {
	siteConfigs, err := e.rules.SiteConfigs()
	if err != nil {
		return
	}
	for _, cfg := range siteConfigs {
		adapter := e.sites.Resolve(cfg.MatchKeyword)
		if !adapter.CheckCookie(ctx) {
			e.maybeNotifyCookieInvalid(cfg.SiteID, now)
		}
	}
}

func (e *Engine) activeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.states)
}
