// Package rules loads and caches the SpeedRule and SiteConfig
// configuration entities (spec.md §3): pure configuration, re-read from
// disk at most once per internal/cache's 10-second TTL.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kestrelpt/pacer/internal/cache"
	"github.com/kestrelpt/pacer/internal/logging"
)

// SpeedRule is a target upload speed with a safety margin, optionally
// scoped to one site.
type SpeedRule struct {
	TargetKiB     float64 `json:"target_kib"`
	SafetyMargin  float64 `json:"safety_margin"`
	SiteID        string  `json:"site_id,omitempty"`
}

// SiteRuleConfig mirrors spec.md §3's SiteConfig entity.
type SiteRuleConfig struct {
	SiteID                string `json:"site_id"`
	MatchKeyword          string `json:"match_keyword"`
	Cookie                string `json:"cookie"`
	ReannounceOptimization bool   `json:"reannounce_optimization"`
	DownloadLimitEnabled   bool   `json:"download_limit_enabled"`
}

// Document is the on-disk rules file shape.
type Document struct {
	SpeedRules []SpeedRule      `json:"speed_rules"`
	Sites      []SiteRuleConfig `json:"sites"`
}

// Store loads Document from a JSON file and serves it through
// internal/cache's TTL-backed rules keys, so a hot tick-loop read almost
// never touches disk.
type Store struct {
	path  string
	cache *cache.CacheManager
	mu    sync.Mutex
}

// NewStore builds a Store reading from path, optionally backed by a cache
// manager (nil disables caching; every call re-reads disk).
func NewStore(path string, cacheManager *cache.CacheManager) *Store {
	return &Store{path: path, cache: cacheManager}
}

func (s *Store) load() (Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to read rules file %q: %w", s.path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("failed to parse rules file %q: %w", s.path, err)
	}
	return doc, nil
}

// SpeedRules returns the configured speed rules, cached for up to
// RulesTTL (spec.md §3's "10-second cache").
func (s *Store) SpeedRules() ([]SpeedRule, error) {
	if s.cache != nil {
		if cached, found := s.cache.GetRules(cache.KeyRulesSpeedRules); found {
			if rules, ok := cached.([]SpeedRule); ok {
				return rules, nil
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		logging.GetLogger().WithError(err).Warn("failed to load speed rules, using empty set")
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetRules(cache.KeyRulesSpeedRules, doc.SpeedRules)
	}
	return doc.SpeedRules, nil
}

// SiteConfigs returns the configured per-site settings, cached the same way.
func (s *Store) SiteConfigs() ([]SiteRuleConfig, error) {
	if s.cache != nil {
		if cached, found := s.cache.GetRules(cache.KeyRulesSiteConfigs); found {
			if configs, ok := cached.([]SiteRuleConfig); ok {
				return configs, nil
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		logging.GetLogger().WithError(err).Warn("failed to load site configs, using empty set")
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetRules(cache.KeyRulesSiteConfigs, doc.Sites)
	}
	return doc.Sites, nil
}

// TargetFor resolves the effective SpeedRule for a torrent's site_id,
// falling back to the first site-agnostic rule, per spec.md §4.H.6.f.
func TargetFor(rulesList []SpeedRule, siteID string) (SpeedRule, bool) {
	var fallback *SpeedRule
	for i := range rulesList {
		r := rulesList[i]
		if r.SiteID == siteID && siteID != "" {
			return r, true
		}
		if r.SiteID == "" && fallback == nil {
			fallback = &rulesList[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return SpeedRule{}, false
}

// SiteConfigFor resolves the SiteConfig matching trackerURL by substring,
// mirroring internal/site.Registry's match-keyword dispatch.
func SiteConfigFor(configs []SiteRuleConfig, trackerURL string) (SiteRuleConfig, bool) {
	for _, c := range configs {
		if c.MatchKeyword != "" && strings.Contains(trackerURL, c.MatchKeyword) {
			return c, true
		}
	}
	return SiteRuleConfig{}, false
}
