// Package site implements the Site Adapter collaborator contract (spec
// §4.J): best-effort tracker-site lookups used to resolve a torrent's tid,
// promotion label, and tracker-assisted time_left. It is a narrow interface
// plus a table of implementations keyed by a match substring against
// tracker_url, per spec.md §9's dynamic-dispatch-to-fixed-interface note.
package site

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by SearchByHash when a tracker has no record of
// the info-hash.
var ErrNotFound = errors.New("site: torrent not found")

// ErrUnavailable is returned by FetchPeerlist when the site cannot serve
// peerlist data right now (cookie expired, scrape blocked, transient error).
var ErrUnavailable = errors.New("site: peerlist unavailable")

// SearchResult is the outcome of a successful info-hash search.
type SearchResult struct {
	Tid             string
	PromotionLabel  string
	PublishTime     time.Time
}

// PeerlistResult is the outcome of a successful peerlist fetch.
type PeerlistResult struct {
	UploadedOnSite     int64
	LastAnnounceTime   time.Time
	ReannounceInSeconds float64
}

// Adapter is the engine's entire view of a tracker site.
type Adapter interface {
	// SearchByHash looks up a torrent by info-hash. Returns ErrNotFound if
	// the site has no record.
	SearchByHash(ctx context.Context, infoHash string) (SearchResult, error)
	// FetchPeerlist fetches peerlist-derived timing for a resolved tid.
	// Returns ErrUnavailable if the site cannot serve it right now.
	FetchPeerlist(ctx context.Context, tid string) (PeerlistResult, error)
	// CheckCookie reports whether the site's configured cookie is still
	// valid.
	CheckCookie(ctx context.Context) bool
}

// Config mirrors spec.md §3's SiteConfig entity: match keyword, cookie,
// reannounce-optimisation enable, download-limit enable.
type Config struct {
	MatchKeyword          string
	Cookie                string
	ReannounceOptimization bool
	DownloadLimitEnabled   bool
}

// Registry resolves a tracker_url to the Adapter configured for it, falling
// back to NullImpl when nothing matches.
type Registry struct {
	entries []registryEntry
}

type registryEntry struct {
	matchKeyword string
	adapter      Adapter
}

// NewRegistry builds an empty registry; Register adds site bindings.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds an Adapter to every tracker_url containing matchKeyword.
// Later registrations take priority over earlier ones sharing a substring.
func (r *Registry) Register(matchKeyword string, adapter Adapter) {
	r.entries = append([]registryEntry{{matchKeyword: matchKeyword, adapter: adapter}}, r.entries...)
}

// Resolve returns the Adapter bound to trackerURL, or NullImpl if none match.
func (r *Registry) Resolve(trackerURL string) Adapter {
	for _, e := range r.entries {
		if strings.Contains(trackerURL, e.matchKeyword) {
			return e.adapter
		}
	}
	return NullImpl{}
}

// NullImpl is always unavailable; used when no site assist is configured so
// TorrentState degrades to client-sourced time_left only (spec.md §4.G).
type NullImpl struct{}

func (NullImpl) SearchByHash(ctx context.Context, infoHash string) (SearchResult, error) {
	return SearchResult{}, ErrNotFound
}

func (NullImpl) FetchPeerlist(ctx context.Context, tid string) (PeerlistResult, error) {
	return PeerlistResult{}, ErrUnavailable
}

func (NullImpl) CheckCookie(ctx context.Context) bool {
	return false
}
