package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelpt/pacer/internal/config"
	"github.com/kestrelpt/pacer/internal/phase"
	"github.com/kestrelpt/pacer/internal/qbt"
	"github.com/kestrelpt/pacer/internal/rules"
	"github.com/kestrelpt/pacer/internal/site"
	"github.com/kestrelpt/pacer/internal/store"
	"github.com/kestrelpt/pacer/internal/torrentstate"
)

// fakeClient is a minimal in-memory qbt.Client for tick-loop tests: one
// instance, a fixed torrent list, and recorded SetUploadLimit/
// SetDownloadLimit calls.
type fakeClient struct {
	torrents      []qbt.Torrent
	upCalls       []fakeLimitCall
	dlCalls       []fakeLimitCall
	reannounces   []string
	propsErr      error
	reannounceSec int64 // overrides the default 1800s GetProperties reply when non-zero
}

type fakeLimitCall struct {
	instanceID  string
	hashes      []string
	bytesPerSec int64
}

func (f *fakeClient) ListInstances() []string { return []string{"default"} }

func (f *fakeClient) ListTorrents(ctx context.Context, instanceID string) ([]qbt.Torrent, error) {
	return f.torrents, nil
}

func (f *fakeClient) GetProperties(ctx context.Context, instanceID, hash string) (*qbt.Properties, error) {
	if f.propsErr != nil {
		return nil, f.propsErr
	}
	if f.reannounceSec != 0 {
		return &qbt.Properties{Reannounce: f.reannounceSec}, nil
	}
	return &qbt.Properties{Reannounce: 1800}, nil
}

func (f *fakeClient) SetUploadLimit(ctx context.Context, instanceID string, hashes []string, bytesPerSec int64) error {
	f.upCalls = append(f.upCalls, fakeLimitCall{instanceID, hashes, bytesPerSec})
	return nil
}

func (f *fakeClient) SetDownloadLimit(ctx context.Context, instanceID string, hashes []string, bytesPerSec int64) error {
	f.dlCalls = append(f.dlCalls, fakeLimitCall{instanceID, hashes, bytesPerSec})
	return nil
}

func (f *fakeClient) ForceReannounce(ctx context.Context, instanceID string, hashes []string) error {
	f.reannounces = append(f.reannounces, hashes...)
	return nil
}

func (f *fakeClient) FreeDiskSpace(ctx context.Context, instanceID string) (int64, error) {
	return 0, nil
}

func newTestEngine(t *testing.T, client qbt.Client) *Engine {
	t.Helper()
	cfg := &config.Config{}
	cfg.Control.SpeedLimitBytesPerSec = 50 * 1024 * 1024
	cfg.Control.MinLimitBytesPerSec = 4096
	cfg.Control.DBSaveInterval = time.Hour
	cfg.Control.CookieCheckInterval = time.Hour
	cfg.Control.EvictAfter = 2 * time.Hour
	cfg.Site.TidSearchCooldown = time.Minute
	cfg.Site.PeerlistCooldown = 5 * time.Minute
	cfg.Site.NotFoundCooldown = time.Hour

	rulesStore := rules.NewStore(filepath.Join(t.TempDir(), "missing-rules.json"), nil)
	st, err := store.New(filepath.Join(t.TempDir(), "state.json"), 100)
	require.NoError(t, err)

	return New(cfg, client, site.NewRegistry(), rulesStore, st)
}

func TestEngine_TickTracksNewTorrent(t *testing.T) {
	client := &fakeClient{
		torrents: []qbt.Torrent{
			{Hash: "h1", Name: "torrent-one", Tracker: "https://tracker.example.com/announce",
				TotalSize: 10_000_000_000, Uploaded: 0, Upspeed: 1_000_000},
		},
	}
	e := newTestEngine(t, client)

	now := time.Now()
	tl := e.tick(context.Background(), now)

	require.Len(t, e.states, 1)
	s := e.states["h1"]
	assert.Equal(t, "torrent-one", s.Name)
	assert.GreaterOrEqual(t, tl, 0.0)
}

func TestEngine_PausedUncapsEverything(t *testing.T) {
	client := &fakeClient{
		torrents: []qbt.Torrent{
			{Hash: "h1", Name: "t1", Tracker: "example.com", TotalSize: 1000, Uploaded: 0},
		},
	}
	e := newTestEngine(t, client)
	e.Pause()

	now := time.Now()
	e.tick(context.Background(), now)

	require.Len(t, client.upCalls, 1)
	assert.Equal(t, int64(0), client.upCalls[0].bytesPerSec)
}

func TestEngine_IdenticalCapsBatchIntoOneRPCPerClient(t *testing.T) {
	client := &fakeClient{
		torrents: []qbt.Torrent{
			{Hash: "h1", Name: "t1", Tracker: "example.com", TotalSize: 1000, Uploaded: 0},
			{Hash: "h2", Name: "t2", Tracker: "example.com", TotalSize: 1000, Uploaded: 0},
		},
	}
	e := newTestEngine(t, client)
	e.Pause()

	e.tick(context.Background(), time.Now())

	require.Len(t, client.upCalls, 1)
	assert.ElementsMatch(t, []string{"h1", "h2"}, client.upCalls[0].hashes)
}

func TestApplyBatch_GroupsByValue(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client)

	applied := make(map[string]int64)
	cmds := []pendingCap{{"h1", 1000}, {"h2", 1000}, {"h3", 2000}}
	e.applyBatch(context.Background(), "default", cmds, client.SetUploadLimit, func(hash string, v int64) {
		applied[hash] = v
	})

	require.Len(t, client.upCalls, 2)
	assert.Equal(t, int64(1000), applied["h1"])
	assert.Equal(t, int64(1000), applied["h2"])
	assert.Equal(t, int64(2000), applied["h3"])
}

func TestSleepDuration_BucketsByTimeLeft(t *testing.T) {
	assert.Equal(t, 5*time.Second, sleepDuration(3600, 0))
	assert.Equal(t, 150*time.Millisecond, sleepDuration(5, 0))
	assert.Equal(t, 100*time.Millisecond, sleepDuration(5, time.Second))
}

func TestCalculate_Paused(t *testing.T) {
	s := torrentstate.New("h1", "t1", "tracker", "c1", 1000, time.Now())
	res := calculate(calcInput{Now: time.Now(), State: s, Paused: true, SpeedLimitBytesPerSec: 1000})
	assert.Equal(t, torrentstate.CapUncapped, res.Cap)
	assert.Equal(t, "paused", res.Reason)
}

func TestCalculate_OverspeedBrake(t *testing.T) {
	s := torrentstate.New("h1", "t1", "tracker", "c1", 1000, time.Now())
	res := calculate(calcInput{
		Now: time.Now(), State: s, SpeedLimitBytesPerSec: 1000, RealAverageBps: 2000,
	})
	assert.Equal(t, float64(MinLimit), res.Cap)
	assert.Equal(t, "overspeed-brake", res.Reason)
}

func TestCalculate_WaitingReannounceCapsAtWaitLimit(t *testing.T) {
	s := torrentstate.New("h1", "t1", "tracker", "c1", 1000, time.Now())
	res := calculate(calcInput{
		Now: time.Now(), State: s, SpeedLimitBytesPerSec: 1000, WaitingReannounce: true,
	})
	assert.Equal(t, float64(waitReannounceCapBps), res.Cap)
	assert.Equal(t, "waiting-reannounce", res.Reason)
}

func TestCalculate_WarmupUncappedBelowHalfProgress(t *testing.T) {
	now := time.Now()
	s := torrentstate.New("h1", "t1", "tracker", "c1", 1000, now)
	s.CycleStartTime = now.Add(-10 * time.Second)
	res := calculate(calcInput{
		Now: now, State: s, TargetBytesPerSec: 1_000_000, SpeedLimitBytesPerSec: 50_000_000,
	})
	assert.Equal(t, phase.Warmup, s.Phase(now))
	assert.Equal(t, torrentstate.CapUncapped, res.Cap)
}

// writeRulesFile writes a minimal rules.Document to disk and returns a
// Store reading from it, mirroring internal/rules's own test helper.
func writeRulesFile(t *testing.T, doc rules.Document) *rules.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return rules.NewStore(path, nil)
}

// newScenarioEngine is newTestEngine with the rules store swapped for a
// caller-supplied one, for the six spec.md §8 end-to-end scenarios below.
func newScenarioEngine(t *testing.T, client qbt.Client, rulesStore *rules.Store) *Engine {
	t.Helper()
	cfg := &config.Config{}
	cfg.Control.SpeedLimitBytesPerSec = 50 * 1024 * 1024
	cfg.Control.MinLimitBytesPerSec = 4096
	cfg.Control.DBSaveInterval = time.Hour
	cfg.Control.CookieCheckInterval = time.Hour
	cfg.Control.EvictAfter = 2 * time.Hour
	cfg.Site.TidSearchCooldown = time.Minute
	cfg.Site.PeerlistCooldown = 5 * time.Minute
	cfg.Site.NotFoundCooldown = time.Hour

	st, err := store.New(filepath.Join(t.TempDir(), "state.json"), 100)
	require.NoError(t, err)

	return New(cfg, client, site.NewRegistry(), rulesStore, st)
}

// Scenario 1: steady convergence. A torrent well into a synced cycle,
// uploading close to its target, should be capped near the target with
// reason "steady" rather than left uncapped or pinned at MinLimit.
func TestEngine_Scenario_SteadyConvergence(t *testing.T) {
	targetBps := 1024.0 * 1024.0 // 1024 KiB/s
	rulesStore := writeRulesFile(t, rules.Document{
		SpeedRules: []rules.SpeedRule{{TargetKiB: 1024}},
	})
	client := &fakeClient{
		torrents: []qbt.Torrent{
			{Hash: "h1", Name: "steady-torrent", Tracker: "https://tracker.example.com/announce",
				TotalSize: 100_000_000_000, Uploaded: 0, Upspeed: int64(targetBps)},
		},
		reannounceSec: 1740, // keeps time_left steady across refreshes instead of jumping to 1800
	}
	e := newScenarioEngine(t, client, rulesStore)

	now := time.Now()
	s := torrentstate.New("h1", "steady-torrent", "https://tracker.example.com/announce", "default", 100_000_000_000, now)
	s.CycleSynced = true
	s.CycleStartTime = now.Add(-60 * time.Second)
	s.CachedTimeLeft = 1740
	s.CacheTimestamp = now
	s.PrevTimeLeft = 1740 // matches the seeded cache so the first tick's refresh isn't misread as a jump
	s.CycleUploadedAtStart = 0
	e.mu.Lock()
	e.states["h1"] = s
	e.mu.Unlock()

	client.torrents[0].Uploaded = int64(targetBps * 60)

	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		client.torrents[0].Uploaded += int64(targetBps)
		e.tick(context.Background(), now)
	}

	assert.Equal(t, "steady", s.LastLimitReason)
	assert.NotEqual(t, torrentstate.CapUncapped, s.LastAppliedUpCap)
	assert.InDelta(t, targetBps, float64(s.LastAppliedUpCap), targetBps*2)
}

// Scenario 2: overshoot brake. Once session real average exceeds
// SPEED_LIMIT*1.05, the next tick must hard-cap at MinLimit regardless of
// phase or target.
func TestEngine_Scenario_OvershootBrake(t *testing.T) {
	rulesStore := writeRulesFile(t, rules.Document{})
	client := &fakeClient{
		torrents: []qbt.Torrent{
			{Hash: "h1", Name: "t1", Tracker: "example.com", TotalSize: 1_000_000_000, Uploaded: 200_000_000},
		},
	}
	e := newScenarioEngine(t, client, rulesStore)
	e.cfg.Control.SpeedLimitBytesPerSec = 1_000_000

	now := time.Now()
	s := torrentstate.New("h1", "t1", "example.com", "default", 1_000_000_000, now)
	s.SessionStart = now.Add(-100 * time.Second)
	s.SessionUploadedAtStart = 0
	e.mu.Lock()
	e.states["h1"] = s
	e.mu.Unlock()

	e.tick(context.Background(), now)

	assert.Equal(t, "overspeed-brake", s.LastLimitReason)
	assert.Equal(t, int64(MinLimit), s.LastAppliedUpCap)
}

// Scenario 3: catch-from-behind. A torrent short on time with a modest
// shortfall should be capped above its baseline target with reason
// "catch", not released uncapped (that's reserved for hopeless shortfalls).
func TestEngine_Scenario_CatchFromBehind(t *testing.T) {
	targetBps := 1024.0 * 1024.0
	rulesStore := writeRulesFile(t, rules.Document{
		SpeedRules: []rules.SpeedRule{{TargetKiB: 1024}},
	})
	client := &fakeClient{
		torrents: []qbt.Torrent{
			{Hash: "h1", Name: "catch-torrent", Tracker: "example.com",
				TotalSize: 100_000_000_000, Uploaded: 80_000_000, Upspeed: 800_000},
		},
	}
	e := newScenarioEngine(t, client, rulesStore)

	now := time.Now()
	s := torrentstate.New("h1", "catch-torrent", "example.com", "default", 100_000_000_000, now)
	s.CycleSynced = true
	s.CycleStartTime = now.Add(-100 * time.Second)
	s.CachedTimeLeft = 45
	s.CacheTimestamp = now
	s.PrevTimeLeft = 45 // matches the seeded cache so this tick isn't misread as a jump
	s.CycleUploadedAtStart = 0
	e.mu.Lock()
	e.states["h1"] = s
	e.mu.Unlock()

	e.tick(context.Background(), now)

	assert.Equal(t, "catch", s.LastLimitReason)
	assert.NotEqual(t, torrentstate.CapUncapped, s.LastAppliedUpCap)
	assert.Greater(t, float64(s.LastAppliedUpCap), targetBps)
	assert.Less(t, float64(s.LastAppliedUpCap), targetBps*catchReleaseFactor)
}

// Scenario 4: waiting-reannounce. While WaitingReannounce is set, every
// tick must cap at waitReannounceCapBps; once the announce interval has
// elapsed and the cycle average has recovered under the site limit, the
// flag clears on its own.
func TestEngine_Scenario_WaitingReannounce(t *testing.T) {
	rulesStore := writeRulesFile(t, rules.Document{})
	client := &fakeClient{
		torrents: []qbt.Torrent{
			{Hash: "h1", Name: "t1", Tracker: "example.com", TotalSize: 1_000_000_000, Uploaded: 0},
		},
	}
	e := newScenarioEngine(t, client, rulesStore)

	now := time.Now()
	e.tick(context.Background(), now)

	e.mu.Lock()
	s := e.states["h1"]
	s.WaitingReannounce = true
	s.WaitingReannounceSince = now
	e.mu.Unlock()

	now = now.Add(time.Second)
	client.torrents[0].Uploaded += 500_000
	e.tick(context.Background(), now)
	assert.True(t, s.WaitingReannounce)
	assert.Equal(t, "waiting-reannounce", s.LastLimitReason)
	assert.Equal(t, int64(waitReannounceCapBps), s.LastAppliedUpCap)

	now = now.Add(2000 * time.Second)
	client.torrents[0].Uploaded += 1_000_000
	e.tick(context.Background(), now)
	assert.False(t, s.WaitingReannounce)
	assert.NotEqual(t, "waiting-reannounce", s.LastLimitReason)
}

// Scenario 5: pause/resume. A paused engine uncaps every torrent; resuming
// must reinstate real control on the very next tick.
func TestEngine_Scenario_PauseResume(t *testing.T) {
	rulesStore := writeRulesFile(t, rules.Document{})
	client := &fakeClient{
		torrents: []qbt.Torrent{
			{Hash: "h1", Name: "t1", Tracker: "example.com", TotalSize: 1_000_000_000, Uploaded: 500_000_000},
		},
	}
	e := newScenarioEngine(t, client, rulesStore)
	e.Pause()

	now := time.Now()
	e.tick(context.Background(), now)
	require.NotEmpty(t, client.upCalls)
	assert.Equal(t, int64(0), client.upCalls[len(client.upCalls)-1].bytesPerSec)

	e.Resume()
	now = now.Add(time.Second)
	client.torrents[0].Uploaded += 1000 // any forward progress pins WARMUP's progress>=1.0 branch
	e.tick(context.Background(), now)

	require.Len(t, client.upCalls, 2)
	assert.Equal(t, int64(MinLimit), client.upCalls[1].bytesPerSec)
}

// Scenario 6: restart idempotence. A rehydrated torrent's PrevTimeLeft is
// seeded from its learned cycle interval, so the first post-restart tick
// must not misread the normal decay as a tracker jump and must leave
// CycleIndex untouched.
func TestEngine_Scenario_RestartIdempotence(t *testing.T) {
	rulesStore := writeRulesFile(t, rules.Document{})
	st, err := store.New(filepath.Join(t.TempDir(), "state.json"), 100)
	require.NoError(t, err)

	now := time.Now()
	cycleStart := now.Add(-70 * time.Second)
	st.UpsertTorrent(store.PersistedTorrent{
		Hash:                 "h1",
		Name:                 "restart-torrent",
		TrackerURL:           "example.com",
		OwningClientID:       "default",
		TotalSize:            1_000_000_000,
		AddedAt:              now.Add(-2 * time.Hour),
		SessionStart:         now.Add(-2 * time.Hour),
		CycleIndex:           3,
		CycleStartTime:       cycleStart,
		CycleUploadedAtStart: 0,
		CycleInterval:        int64(90 * time.Second),
		CycleSynced:          true,
		TargetBytesPerSec:    1_000_000,
		LastSeenAt:           now,
	})

	client := &fakeClient{
		torrents: []qbt.Torrent{
			{Hash: "h1", Name: "restart-torrent", Tracker: "example.com",
				TotalSize: 1_000_000_000, Uploaded: 70_000_000},
		},
		reannounceSec: 20,
	}
	cfg := &config.Config{}
	cfg.Control.SpeedLimitBytesPerSec = 50 * 1024 * 1024
	cfg.Control.MinLimitBytesPerSec = 4096
	cfg.Control.DBSaveInterval = time.Hour
	cfg.Control.CookieCheckInterval = time.Hour
	cfg.Control.EvictAfter = 2 * time.Hour
	cfg.Site.TidSearchCooldown = time.Minute
	cfg.Site.PeerlistCooldown = 5 * time.Minute
	cfg.Site.NotFoundCooldown = time.Hour

	e := New(cfg, client, site.NewRegistry(), rulesStore, st)

	e.tick(context.Background(), now)

	s := e.states["h1"]
	require.NotNil(t, s)
	assert.Equal(t, int64(3), s.CycleIndex)
	assert.True(t, s.CycleSynced)
}
