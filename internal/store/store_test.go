package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelpt/pacer/internal/precision"
)

func tempStatePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.json")
}

func TestNew_MissingFileStartsEmpty(t *testing.T) {
	s, err := New(tempStatePath(t), 500)
	require.NoError(t, err)
	assert.Equal(t, 0, s.TorrentCount())
	assert.False(t, s.Counters().EngineStartEpoch.IsZero())
}

func TestUpsertAndRetrieveTorrent(t *testing.T) {
	s, err := New(tempStatePath(t), 500)
	require.NoError(t, err)

	s.UpsertTorrent(PersistedTorrent{Hash: "abc", Name: "test", TotalSize: 1000})
	pt, ok := s.Torrent("abc")
	require.True(t, ok)
	assert.Equal(t, "test", pt.Name)
}

func TestDeleteTorrent(t *testing.T) {
	s, err := New(tempStatePath(t), 500)
	require.NoError(t, err)

	s.UpsertTorrent(PersistedTorrent{Hash: "abc"})
	s.DeleteTorrent("abc")

	_, ok := s.Torrent("abc")
	assert.False(t, ok)
}

func TestSaveAndReload(t *testing.T) {
	path := tempStatePath(t)
	s, err := New(path, 500)
	require.NoError(t, err)

	s.UpsertTorrent(PersistedTorrent{Hash: "abc", Name: "persisted"})
	s.SetPrecisionSnapshot(precision.Snapshot{GlobalAdj: 1.02})
	require.NoError(t, s.Save())

	reloaded, err := New(path, 500)
	require.NoError(t, err)

	pt, ok := reloaded.Torrent("abc")
	require.True(t, ok)
	assert.Equal(t, "persisted", pt.Name)
	assert.Equal(t, 1.02, reloaded.PrecisionSnapshot().GlobalAdj)
}

func TestRecordCycleCompletion_CountersAndHistory(t *testing.T) {
	s, err := New(tempStatePath(t), 2)
	require.NoError(t, err)

	now := time.Now()
	s.RecordCycleCompletion(CycleHistoryRecord{
		Hash: "abc", CycleIndex: 0, CycleStartEpoch: now, CycleEndEpoch: now,
		UploadedInCycle: 1000, Ratio: 1.008, Hit: true,
	})
	s.RecordCycleCompletion(CycleHistoryRecord{Hash: "abc", CycleIndex: 1, Ratio: 1.005})
	s.RecordCycleCompletion(CycleHistoryRecord{Hash: "abc", CycleIndex: 2, Ratio: 0.80})

	counters := s.Counters()
	assert.Equal(t, int64(3), counters.TotalCycles)
	assert.Equal(t, int64(2), counters.SuccessCycles)   // |1.008-1|<=0.03, |1.005-1|<=0.03
	assert.Equal(t, int64(2), counters.PrecisionCycles) // both 1.008 and 1.005 are within 0.01

	history := s.History(10)
	assert.Len(t, history, 2) // bounded to maxHistoryLen=2
	assert.Equal(t, int64(1), history[0].CycleIndex)
	assert.Equal(t, int64(2), history[1].CycleIndex)
}

func TestHistory_LimitZeroReturnsAll(t *testing.T) {
	s, err := New(tempStatePath(t), 500)
	require.NoError(t, err)

	s.RecordCycleCompletion(CycleHistoryRecord{CycleIndex: 0, Ratio: 1.0})
	s.RecordCycleCompletion(CycleHistoryRecord{CycleIndex: 1, Ratio: 1.0})

	assert.Len(t, s.History(0), 2)
}

func TestSiteCookie(t *testing.T) {
	s, err := New(tempStatePath(t), 500)
	require.NoError(t, err)

	_, ok := s.SiteCookie("site1")
	assert.False(t, ok)

	s.SetSiteCookie("site1", "cookie-value")
	cookie, ok := s.SiteCookie("site1")
	require.True(t, ok)
	assert.Equal(t, "cookie-value", cookie)
}
