// Package engine implements the Limit Engine (spec.md §4.H): the main tick
// loop that enumerates active torrents across one or more qBittorrent
// instances, drives the estimator/PID/quantiser/precision pipeline per
// torrent, applies batched rate-limit RPCs, and exposes the control
// surface (start/stop/pause/resume/set_temp_target, status/samples/
// history). It owns the only mutable shared state in the process: the
// TorrentState map and the precision tracker, mirroring akira's
// SeedingService ownership of its tracking-data map but generalized to a
// tighter, closed-loop controller instead of a one-shot timer check.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kestrelpt/pacer/internal/config"
	"github.com/kestrelpt/pacer/internal/logging"
	"github.com/kestrelpt/pacer/internal/notify"
	"github.com/kestrelpt/pacer/internal/precision"
	"github.com/kestrelpt/pacer/internal/qbt"
	"github.com/kestrelpt/pacer/internal/rules"
	"github.com/kestrelpt/pacer/internal/site"
	"github.com/kestrelpt/pacer/internal/store"
	"github.com/kestrelpt/pacer/internal/torrentstate"
)

// ErrAlreadyRunning is returned by Start when the engine's tick loop is
// already active.
var ErrAlreadyRunning = errors.New("engine: already running")

// ErrNotRunning is returned by Stop when the engine is not active.
var ErrNotRunning = errors.New("engine: not running")

const (
	tidQueueSize      = 256
	peerlistQueueSize = 256
	notifyQueueSize   = 128

	stopGrace = 5 * time.Second
)

// Engine is the process's single control-loop owner. No package-level
// globals back any of its mutable fields (spec.md §9: "shared mutable
// globals become a single engine-owned struct").
type Engine struct {
	cfg *config.Config

	client qbt.Client
	sites  *site.Registry
	rules  *rules.Store
	store  *store.Store

	precision *precision.Tracker

	sinks    []notify.Sink
	notifyCh chan notify.Event

	mu     sync.RWMutex
	states map[string]*torrentstate.State

	lastTidAttempt      map[string]time.Time
	lastPeerlistAttempt map[string]time.Time

	notifyMu             sync.Mutex
	lastMonitorNotify    map[string]time.Time
	lastOverspeedNotify  map[string]time.Time
	lastDlLimitNotify    map[string]time.Time
	lastReannounceNotify map[string]time.Time
	lastCookieNotify     map[string]time.Time

	runMu         sync.Mutex
	running       bool
	paused        bool
	tempTargetSet bool
	tempTargetKiB float64

	stopCh chan struct{}
	doneCh chan struct{}

	tidQueue      chan tidJob
	peerlistQueue chan peerlistJob

	lastPersist     time.Time
	lastCookieCheck time.Time

	logger *logging.Logger
}

type tidJob struct{ hash string }
type peerlistJob struct {
	hash string
	tid  string
}

// New builds an Engine from its collaborators. It rehydrates the
// TorrentState map and the precision tracker from st's persisted
// snapshot so a restart resumes cycle bookkeeping (spec.md §8 scenario 6).
func New(cfg *config.Config, client qbt.Client, sites *site.Registry, rulesStore *rules.Store, st *store.Store, sinks ...notify.Sink) *Engine {
	e := &Engine{
		cfg:                  cfg,
		client:               client,
		sites:                sites,
		rules:                rulesStore,
		store:                st,
		precision:            precision.New(),
		sinks:                sinks,
		notifyCh:             make(chan notify.Event, notifyQueueSize),
		states:               make(map[string]*torrentstate.State),
		lastTidAttempt:       make(map[string]time.Time),
		lastPeerlistAttempt:  make(map[string]time.Time),
		lastMonitorNotify:    make(map[string]time.Time),
		lastOverspeedNotify:  make(map[string]time.Time),
		lastDlLimitNotify:    make(map[string]time.Time),
		lastReannounceNotify: make(map[string]time.Time),
		lastCookieNotify:     make(map[string]time.Time),
		tidQueue:             make(chan tidJob, tidQueueSize),
		peerlistQueue:        make(chan peerlistJob, peerlistQueueSize),
		logger:               logging.GetEngineLogger(),
	}
	e.precision.Restore(st.PrecisionSnapshot())
	return e
}

// Start launches the tick loop, the two background lookup workers and the
// notification dispatcher, then returns immediately. Mirrors akira's
// SeedingService.Start pattern of spawning one long-running goroutine per
// background task rather than blocking the caller.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.running = true
	e.lastPersist = time.Now()
	e.lastCookieCheck = time.Now()

	go e.tidSearchWorker(ctx)
	go e.peerlistWorker(ctx)
	go e.notificationDispatcher(ctx)
	go e.runLoop(ctx)

	e.notify(notify.Event{
		Kind:          notify.EventStartup,
		Time:          time.Now(),
		SafetyMargin:  0,
		SiteAssistOn:  e.sites != nil,
		ClientVersion: "pacer",
	})

	e.logger.Info("limit engine started")
	return nil
}

// Stop signals the tick loop to exit, waits up to stopGrace for it to
// finish, then synchronously persists state and lifts the upload cap of
// every torrent that had one applied (download caps are left as they are),
// per spec.md §4.H.7.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return ErrNotRunning
	}
	close(e.stopCh)
	e.runMu.Unlock()

	select {
	case <-e.doneCh:
	case <-time.After(stopGrace):
		e.logger.Warn("tick loop did not exit within grace period")
	}

	e.persist()
	e.uncapAll(ctx)

	e.runMu.Lock()
	e.running = false
	e.runMu.Unlock()

	e.notify(notify.Event{Kind: notify.EventShutdown, Time: time.Now()})
	e.logger.Info("limit engine stopped")
	return nil
}

// Pause sets every torrent's cap to uncapped from the next tick onward.
func (e *Engine) Pause() {
	e.runMu.Lock()
	e.paused = true
	e.runMu.Unlock()
}

// Resume clears the paused flag; caps resume from the next tick.
func (e *Engine) Resume() {
	e.runMu.Lock()
	e.paused = false
	e.runMu.Unlock()
}

// SetTempTarget overrides every rule's effective target until the process
// restarts, per spec.md §4.H's control surface.
func (e *Engine) SetTempTarget(kib float64) {
	e.runMu.Lock()
	e.tempTargetSet = true
	e.tempTargetKiB = kib
	e.runMu.Unlock()
}

// ClearTempTarget reverts to rules-file-derived targets.
func (e *Engine) ClearTempTarget() {
	e.runMu.Lock()
	e.tempTargetSet = false
	e.runMu.Unlock()
}

// TorrentStatus is one torrent's snapshot row for status().
type TorrentStatus struct {
	Hash          string
	Name          string
	Phase         string
	CycleIndex    int64
	TargetBps     float64
	UpCap         int64
	DlCap         int64
	LastReason    string
	UpSpeedBps    float64
	TimeLeftSec   float64
}

// Status is the control surface's status() response.
type Status struct {
	Running       bool
	Paused        bool
	TempTargetKiB float64
	TempTargetSet bool
	Torrents      []TorrentStatus
}

// Status returns a snapshot query over the TorrentState map (spec.md §5:
// "reads by UI are snapshot queries over the map, short lock").
func (e *Engine) Status() Status {
	e.runMu.Lock()
	running, paused, tempSet, tempKiB := e.running, e.paused, e.tempTargetSet, e.tempTargetKiB
	e.runMu.Unlock()

	now := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := Status{Running: running, Paused: paused, TempTargetKiB: tempKiB, TempTargetSet: tempSet}
	for _, s := range e.states {
		tl, _ := s.TimeLeft(now)
		out.Torrents = append(out.Torrents, TorrentStatus{
			Hash:        s.Hash,
			Name:        s.Name,
			Phase:       string(s.Phase(now)),
			CycleIndex:  s.CycleIndex,
			TargetBps:   s.TargetBytesPerSec,
			UpCap:       s.LastAppliedUpCap,
			DlCap:       s.LastAppliedDlCap,
			LastReason:  s.LastLimitReason,
			UpSpeedBps:  s.UpEstimator.Speed(),
			TimeLeftSec: tl,
		})
	}
	sort.Slice(out.Torrents, func(i, j int) bool { return out.Torrents[i].Name < out.Torrents[j].Name })
	return out
}

// Sample is one (epoch, up_bps, dl_bps) point for samples().
type Sample struct {
	Time   time.Time
	UpBps  float64
	DlBps  float64
}

// Samples returns the recorded speed ring for one torrent's upload and
// download estimators, merged by timestamp.
func (e *Engine) Samples(hash string, windowSec float64) []Sample {
	e.mu.RLock()
	s, ok := e.states[hash]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	cutoff := time.Now().Add(-time.Duration(windowSec * float64(time.Second)))
	upSamples := s.UpEstimator.Samples()
	dlSamples := s.DlEstimator.Samples()

	dlByTime := make(map[int64]float64, len(dlSamples))
	for _, d := range dlSamples {
		dlByTime[d.T.UnixNano()] = d.Speed
	}

	out := make([]Sample, 0, len(upSamples))
	for _, u := range upSamples {
		if u.T.Before(cutoff) {
			continue
		}
		out = append(out, Sample{Time: u.T, UpBps: u.Speed, DlBps: dlByTime[u.T.UnixNano()]})
	}
	return out
}

// History returns up to limit of the most recent completed-cycle records.
func (e *Engine) History(limit int) []store.CycleHistoryRecord {
	return e.store.History(limit)
}

func (e *Engine) notify(ev notify.Event) {
	select {
	case e.notifyCh <- ev:
	default:
		e.logger.Warn("notification channel full, dropping event")
	}
}

func (e *Engine) notificationDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.notifyCh:
			for _, sink := range e.sinks {
				sink.Notify(ev)
			}
		}
	}
}

func (e *Engine) persist() {
	e.mu.RLock()
	for hash, s := range e.states {
		e.store.UpsertTorrent(store.PersistedTorrent{
			Hash:                   hash,
			Name:                   s.Name,
			TrackerURL:             s.TrackerURL,
			OwningClientID:         s.OwningClientID,
			TotalSize:              s.TotalSize,
			AddedAt:                s.AddedAt,
			SessionStart:           s.SessionStart,
			SessionUploadedAtStart: s.SessionUploadedAtStart,
			CycleIndex:             s.CycleIndex,
			CycleStartTime:         s.CycleStartTime,
			CycleUploadedAtStart:   s.CycleUploadedAtStart,
			CycleInterval:          int64(s.CycleInterval),
			CycleSynced:            s.CycleSynced,
			SiteID:                 s.SiteID,
			Tid:                    s.Tid,
			Promotion:              s.Promotion,
			TargetBytesPerSec:      s.TargetBytesPerSec,
			LastSeenAt:             s.LastSeenAt,
		})
	}
	e.mu.RUnlock()

	e.store.SetPrecisionSnapshot(e.precision.Snapshot())

	if err := e.store.Save(); err != nil {
		e.logger.WithError(err).Error("failed to persist state")
	}
}

// uncapAll issues an uncapped upload-limit RPC for every torrent that had a
// non-uncapped cap applied, grouped per client, per spec.md §4.H.7.
func (e *Engine) uncapAll(ctx context.Context) {
	e.mu.RLock()
	byClient := make(map[string][]string)
	for _, s := range e.states {
		if s.LastAppliedUpCap > 0 {
			byClient[s.OwningClientID] = append(byClient[s.OwningClientID], s.Hash)
		}
	}
	e.mu.RUnlock()

	for clientID, hashes := range byClient {
		if err := e.client.SetUploadLimit(ctx, clientID, hashes, 0); err != nil {
			e.logger.WithError(err).WithField("client", clientID).Warn("failed to uncap torrents on shutdown")
		}
	}
}

func rehydrateState(pt store.PersistedTorrent, hash, name, trackerURL, clientID string, totalSize int64, now time.Time) *torrentstate.State {
	s := torrentstate.New(hash, name, trackerURL, clientID, totalSize, now)
	s.AddedAt = pt.AddedAt
	s.SessionStart = pt.SessionStart
	s.SessionUploadedAtStart = pt.SessionUploadedAtStart
	s.CycleIndex = pt.CycleIndex
	s.CycleStartTime = pt.CycleStartTime
	s.CycleUploadedAtStart = pt.CycleUploadedAtStart
	s.CycleInterval = time.Duration(pt.CycleInterval)
	s.CycleSynced = pt.CycleSynced
	s.SiteID = pt.SiteID
	s.Tid = pt.Tid
	s.Promotion = pt.Promotion
	s.TargetBytesPerSec = pt.TargetBytesPerSec
	s.LastSeenAt = now

	// Seed prev_time_left from the learned interval so the first post-
	// restart refresh isn't misread as a tracker jump (spec.md §8 scenario
	// 6: cycle_index must survive a restart untouched).
	if pt.CycleSynced && pt.CycleInterval > 0 {
		elapsed := now.Sub(pt.CycleStartTime).Seconds()
		tl := float64(pt.CycleInterval)/float64(time.Second) - elapsed
		if tl < 0 {
			tl = 0
		}
		s.PrevTimeLeft = tl
	}
	return s
}
