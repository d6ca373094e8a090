package engine

import (
	"time"

	"github.com/kestrelpt/pacer/internal/metrics"
	"github.com/kestrelpt/pacer/internal/notify"
	"github.com/kestrelpt/pacer/internal/torrentstate"
)

// Per-event notification cooldowns, spec.md §6.
const (
	monitorStartCooldown   = 60 * time.Second
	overspeedCooldown      = 120 * time.Second
	downloadLimitCooldown  = 60 * time.Second
	reannounceCooldown     = 60 * time.Second
	cookieInvalidCooldown  = 3600 * time.Second
)

func (e *Engine) maybeNotifyMonitorStart(s *torrentstate.State, now time.Time) {
	e.notifyMu.Lock()
	last, ok := e.lastMonitorNotify[s.Hash]
	if ok && now.Sub(last) < monitorStartCooldown {
		e.notifyMu.Unlock()
		return
	}
	e.lastMonitorNotify[s.Hash] = now
	e.notifyMu.Unlock()

	e.notify(notify.Event{Kind: notify.EventMonitorStart, Time: now, Hash: s.Hash, Name: s.Name})
}

func (e *Engine) maybeNotifyOverspeed(s *torrentstate.State, now time.Time, realAvg, limit float64) {
	e.notifyMu.Lock()
	last, ok := e.lastOverspeedNotify[s.Hash]
	if ok && now.Sub(last) < overspeedCooldown {
		e.notifyMu.Unlock()
		return
	}
	e.lastOverspeedNotify[s.Hash] = now
	e.notifyMu.Unlock()

	metrics.ObserveOverspeedBrake()
	e.notify(notify.Event{
		Kind: notify.EventOverspeedWarning, Time: now, Hash: s.Hash, Name: s.Name,
		RealAverageBps: realAvg, LimitBps: limit,
	})
}

func (e *Engine) maybeNotifyDownloadLimit(s *torrentstate.State, now time.Time, capBps float64, reason string) {
	e.notifyMu.Lock()
	last, ok := e.lastDlLimitNotify[s.Hash]
	if ok && now.Sub(last) < downloadLimitCooldown {
		e.notifyMu.Unlock()
		return
	}
	e.lastDlLimitNotify[s.Hash] = now
	e.notifyMu.Unlock()

	e.notify(notify.Event{
		Kind: notify.EventDownloadLimited, Time: now, Hash: s.Hash, Name: s.Name,
		CapBps: capBps, Reason: reason,
	})
}

func (e *Engine) maybeNotifyReannounce(s *torrentstate.State, reason string) {
	now := time.Now()
	e.notifyMu.Lock()
	last, ok := e.lastReannounceNotify[s.Hash]
	if ok && now.Sub(last) < reannounceCooldown {
		e.notifyMu.Unlock()
		return
	}
	e.lastReannounceNotify[s.Hash] = now
	e.notifyMu.Unlock()

	e.notify(notify.Event{
		Kind: notify.EventForcedReannounce, Time: now, Hash: s.Hash, Name: s.Name, Reason: reason,
	})
}

func (e *Engine) maybeNotifyCookieInvalid(siteID string, now time.Time) {
	e.notifyMu.Lock()
	last, ok := e.lastCookieNotify[siteID]
	if ok && now.Sub(last) < cookieInvalidCooldown {
		e.notifyMu.Unlock()
		return
	}
	e.lastCookieNotify[siteID] = now
	e.notifyMu.Unlock()

	e.notify(notify.Event{Kind: notify.EventCookieInvalid, Time: now, SiteID: siteID})
}
