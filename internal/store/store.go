// Package store implements the keyed persistent store and cycle-history
// append log (spec.md §6): an atomic JSON file, written temp-file-then-
// rename the way the original source's SQLite write gave durability for
// free, generalized to a plain file since pacer has no database
// dependency in its corpus.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelpt/pacer/internal/logging"
	"github.com/kestrelpt/pacer/internal/precision"
)

// PersistedTorrent is a snapshot of one torrent's durable scalar fields
// (spec.md §6: "all scalar fields of §3 except embedded estimator state").
type PersistedTorrent struct {
	Hash                   string    `json:"hash"`
	Name                   string    `json:"name"`
	TrackerURL             string    `json:"tracker_url"`
	OwningClientID         string    `json:"owning_client_id"`
	TotalSize              int64     `json:"total_size"`
	AddedAt                time.Time `json:"added_at"`
	SessionStart           time.Time `json:"session_start"`
	SessionUploadedAtStart int64     `json:"session_uploaded_at_start"`
	CycleIndex             int64     `json:"cycle_index"`
	CycleStartTime         time.Time `json:"cycle_start_time"`
	CycleUploadedAtStart   int64     `json:"cycle_uploaded_at_start"`
	CycleInterval          int64     `json:"cycle_interval_ns"`
	CycleSynced            bool      `json:"cycle_synced"`
	SiteID                 string    `json:"site_id"`
	Tid                    string    `json:"tid"`
	Promotion              string    `json:"promotion"`
	TargetBytesPerSec      float64   `json:"target_bytes_per_sec"`
	LastSeenAt             time.Time `json:"last_seen_at"`
}

// GlobalCounters tracks the engine-wide counters named in spec.md §6.
type GlobalCounters struct {
	TotalCycles        int64     `json:"total_cycles"`
	SuccessCycles      int64     `json:"success_cycles"`   // |ratio-1| <= 0.03
	PrecisionCycles    int64     `json:"precision_cycles"` // |ratio-1| <= 0.01
	TotalLimitUploaded int64     `json:"total_limit_uploaded"`
	EngineStartEpoch   time.Time `json:"engine_start_epoch"`
}

// CycleHistoryRecord is one completed-cycle log entry (spec.md §6).
type CycleHistoryRecord struct {
	ID               string    `json:"id"`
	Hash             string    `json:"hash"`
	Name             string    `json:"name"`
	ClientID         string    `json:"client_id"`
	CycleIndex       int64     `json:"cycle_index"`
	CycleStartEpoch  time.Time `json:"cycle_start_epoch"`
	CycleEndEpoch    time.Time `json:"cycle_end_epoch"`
	UploadedInCycle  int64     `json:"uploaded_in_cycle"`
	TargetBps        float64   `json:"target_bps"`
	AvgBps           float64   `json:"avg_bps"`
	Ratio            float64   `json:"ratio"`
	Hit              bool      `json:"hit"`
}

// Document is the complete on-disk state snapshot.
type Document struct {
	Torrents       map[string]PersistedTorrent `json:"torrents"`
	Counters       GlobalCounters              `json:"counters"`
	Precision      precision.Snapshot          `json:"precision"`
	SiteCookies    map[string]string           `json:"site_cookies"`
	CycleHistory   []CycleHistoryRecord        `json:"cycle_history"`
}

// Store is a single-writer (main tick loop), multi-reader (snapshot
// queries) JSON file store.
type Store struct {
	stateFile        string
	maxHistoryLen    int
	mu               sync.RWMutex
	doc              Document
	logger           *logging.Logger
}

// New loads an existing state file if present, else starts from an empty
// Document.
func New(stateFile string, maxHistoryLen int) (*Store, error) {
	s := &Store{
		stateFile:     stateFile,
		maxHistoryLen: maxHistoryLen,
		logger:        logging.GetPersistenceLogger(),
		doc: Document{
			Torrents:    make(map[string]PersistedTorrent),
			SiteCookies: make(map[string]string),
		},
	}

	data, err := os.ReadFile(stateFile)
	if os.IsNotExist(err) {
		s.doc.Counters.EngineStartEpoch = time.Now()
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %q: %w", stateFile, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file %q: %w", stateFile, err)
	}
	if doc.Torrents == nil {
		doc.Torrents = make(map[string]PersistedTorrent)
	}
	if doc.SiteCookies == nil {
		doc.SiteCookies = make(map[string]string)
	}
	s.doc = doc
	return s, nil
}

// UpsertTorrent writes one torrent's persisted snapshot into the in-memory
// document. Call Save to flush to disk.
func (s *Store) UpsertTorrent(t PersistedTorrent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Torrents[t.Hash] = t
}

// DeleteTorrent removes a torrent's persisted snapshot (eviction).
func (s *Store) DeleteTorrent(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Torrents, hash)
}

// Torrent returns a torrent's persisted snapshot, if any — used to seed a
// freshly observed torrent's TorrentState, per spec.md §3's lifecycle note.
func (s *Store) Torrent(hash string) (PersistedTorrent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.doc.Torrents[hash]
	return t, ok
}

// Counters returns a copy of the global counters.
func (s *Store) Counters() GlobalCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Counters
}

// SetCounters replaces the global counters.
func (s *Store) SetCounters(c GlobalCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Counters = c
}

// RecordCycleCompletion updates the global counters for one finished cycle
// and appends a bounded cycle-history entry.
func (s *Store) RecordCycleCompletion(rec CycleHistoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Counters.TotalCycles++
	if abs(rec.Ratio-1) <= 0.03 {
		s.doc.Counters.SuccessCycles++
	}
	if abs(rec.Ratio-1) <= 0.01 {
		s.doc.Counters.PrecisionCycles++
	}
	s.doc.Counters.TotalLimitUploaded += rec.UploadedInCycle

	rec.ID = uuid.NewString()
	s.doc.CycleHistory = append(s.doc.CycleHistory, rec)
	if len(s.doc.CycleHistory) > s.maxHistoryLen {
		s.doc.CycleHistory = s.doc.CycleHistory[len(s.doc.CycleHistory)-s.maxHistoryLen:]
	}
}

// History returns up to limit of the most recent cycle-history records.
func (s *Store) History(limit int) []CycleHistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.doc.CycleHistory)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]CycleHistoryRecord, limit)
	copy(out, s.doc.CycleHistory[n-limit:])
	return out
}

// PrecisionSnapshot / SetPrecisionSnapshot round-trip the process-global
// bias state (spec.md §6: "Process-global bias state from §4.D").

func (s *Store) PrecisionSnapshot() precision.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Precision
}

func (s *Store) SetPrecisionSnapshot(snap precision.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Precision = snap
}

// SiteCookie / SetSiteCookie manage the opaque per-site cookie strings.

func (s *Store) SiteCookie(siteID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.doc.SiteCookies[siteID]
	return c, ok
}

func (s *Store) SetSiteCookie(siteID, cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SiteCookies[siteID] = cookie
}

// TorrentCount returns the number of persisted torrents.
func (s *Store) TorrentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.doc.Torrents)
}

// Save atomically flushes the current document to disk via
// temp-file-then-rename, per spec.md §6's "single-writer" persistence
// policy.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.stateFile)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory %q: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".pacer-state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.stateFile); err != nil {
		return fmt.Errorf("failed to rename temp state file into place: %w", err)
	}
	return nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
