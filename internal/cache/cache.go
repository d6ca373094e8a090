package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kestrelpt/pacer/internal/config"
	"github.com/kestrelpt/pacer/internal/logging"
)

// Cache key prefixes for different types of cached data.
const (
	KeyAuthSessionPrefix  = "auth:session:"  // followed by client id
	KeyServerStatePrefix  = "server:state:"  // followed by client id
	KeyRulesSpeedRules    = "rules:speed"
	KeyRulesSiteConfigs   = "rules:site"
)

// CacheManager wraps go-cache with typed methods and statistics. It is
// kept as a package-level singleton (as is the logger), deliberately: the data it
// holds (rules, auth sessions, server-state snapshots) is read-only
// configuration/derived-state, never control state — unlike
// precision.Tracker, which is engine-owned per DESIGN.md.
type CacheManager struct {
	cache  *cache.Cache
	config *config.CacheConfig
	logger *logging.Logger
	stats  *CacheStats
	mutex  sync.RWMutex
}

// CacheStats tracks cache performance metrics.
type CacheStats struct {
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Sets      int64     `json:"sets"`
	Deletes   int64     `json:"deletes"`
	Evictions int64     `json:"evictions"`
	ItemCount int       `json:"item_count"`
	LastReset time.Time `json:"last_reset"`
}

// AuthSession represents cached client-adapter authentication data.
type AuthSession struct {
	Cookie    string    `json:"cookie"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// cacheInstance holds the global cache manager.
var cacheInstance *CacheManager

// Initialize creates and configures the cache manager.
func Initialize(cfg *config.CacheConfig) (*CacheManager, error) {
	logger := logging.GetLogger()

	c := cache.New(
		cfg.AuthSessionTTL,
		cfg.CleanupInterval,
	)

	manager := &CacheManager{
		cache:  c,
		config: cfg,
		logger: logger,
		stats: &CacheStats{
			LastReset: time.Now(),
		},
	}

	c.OnEvicted(func(key string, value interface{}) {
		manager.mutex.Lock()
		manager.stats.Evictions++
		manager.mutex.Unlock()
	})

	cacheInstance = manager

	logger.WithFields(map[string]interface{}{
		"auth_session_ttl": cfg.AuthSessionTTL,
		"rules_ttl":        cfg.RulesTTL,
		"cleanup_interval": cfg.CleanupInterval,
		"max_items":        cfg.MaxItems,
	}).Info("Cache manager initialized successfully")

	return manager, nil
}

// GetManager returns the global cache manager instance.
func GetManager() *CacheManager {
	return cacheInstance
}

// Authentication Session Caching, keyed per client instance.

// SetAuthSession stores authentication session data for a client instance.
func (cm *CacheManager) SetAuthSession(clientID string, session *AuthSession) {
	cm.mutex.Lock()
	cm.stats.Sets++
	cm.mutex.Unlock()

	cm.cache.Set(KeyAuthSessionPrefix+clientID, session, cm.config.AuthSessionTTL)
}

// GetAuthSession retrieves a cached authentication session for a client instance.
func (cm *CacheManager) GetAuthSession(clientID string) (*AuthSession, bool) {
	value, found := cm.cache.Get(KeyAuthSessionPrefix + clientID)

	cm.mutex.Lock()
	if found {
		cm.stats.Hits++
	} else {
		cm.stats.Misses++
	}
	cm.mutex.Unlock()

	if !found {
		return nil, false
	}

	session, ok := value.(*AuthSession)
	if !ok {
		cm.DeleteAuthSession(clientID)
		return nil, false
	}
	return session, true
}

// DeleteAuthSession removes a cached authentication session.
func (cm *CacheManager) DeleteAuthSession(clientID string) {
	cm.mutex.Lock()
	cm.stats.Deletes++
	cm.mutex.Unlock()

	cm.cache.Delete(KeyAuthSessionPrefix + clientID)
}

// IsAuthSessionValid checks if a client's cached session is valid and not expired.
func (cm *CacheManager) IsAuthSessionValid(clientID string) bool {
	session, found := cm.GetAuthSession(clientID)
	if !found {
		return false
	}
	if time.Now().After(session.ExpiresAt) {
		cm.DeleteAuthSession(clientID)
		return false
	}
	return true
}

// Server State Caching, keyed per client instance. The payload type is
// opaque to cache (callers choose the concrete type) so that internal/cache
// never has to import internal/qbt.

// SetServerState stores an arbitrary server-state payload for a client.
func (cm *CacheManager) SetServerState(clientID string, state interface{}) {
	cm.mutex.Lock()
	cm.stats.Sets++
	cm.mutex.Unlock()

	cm.cache.Set(KeyServerStatePrefix+clientID, state, cm.config.ServerStateTTL)
}

// GetServerState retrieves a cached server-state payload for a client.
func (cm *CacheManager) GetServerState(clientID string) (interface{}, bool) {
	value, found := cm.cache.Get(KeyServerStatePrefix + clientID)

	cm.mutex.Lock()
	if found {
		cm.stats.Hits++
	} else {
		cm.stats.Misses++
	}
	cm.mutex.Unlock()

	return value, found
}

// Rules caching (SpeedRule / SiteConfig), TTL-driven per spec.md §3's
// "pure configuration read each tick via a 10-second cache".

// SetRules stores an arbitrary rules payload (internal/rules builds the
// concrete type) under the configured RulesTTL (10s by default).
func (cm *CacheManager) SetRules(key string, payload interface{}) {
	cm.mutex.Lock()
	cm.stats.Sets++
	cm.mutex.Unlock()

	cm.cache.Set(key, payload, cm.config.RulesTTL)
}

// GetRules retrieves a cached rules payload.
func (cm *CacheManager) GetRules(key string) (interface{}, bool) {
	value, found := cm.cache.Get(key)

	cm.mutex.Lock()
	if found {
		cm.stats.Hits++
	} else {
		cm.stats.Misses++
	}
	cm.mutex.Unlock()

	return value, found
}

// Cache Management Methods

// GetStats returns current cache statistics.
func (cm *CacheManager) GetStats() *CacheStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	cm.stats.ItemCount = cm.cache.ItemCount()

	return &CacheStats{
		Hits:      cm.stats.Hits,
		Misses:    cm.stats.Misses,
		Sets:      cm.stats.Sets,
		Deletes:   cm.stats.Deletes,
		Evictions: cm.stats.Evictions,
		ItemCount: cm.stats.ItemCount,
		LastReset: cm.stats.LastReset,
	}
}

// GetHitRatio returns the cache hit ratio as a percentage.
func (cm *CacheManager) GetHitRatio() float64 {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	total := cm.stats.Hits + cm.stats.Misses
	if total == 0 {
		return 0.0
	}
	return (float64(cm.stats.Hits) / float64(total)) * 100.0
}

// ResetStats resets cache statistics.
func (cm *CacheManager) ResetStats() {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.stats = &CacheStats{LastReset: time.Now()}
}

// Clear removes all items from the cache.
func (cm *CacheManager) Clear() {
	cm.cache.Flush()
	cm.ResetStats()
}

// GetItemCount returns the current number of items in cache.
func (cm *CacheManager) GetItemCount() int {
	return cm.cache.ItemCount()
}

// DeleteExpired manually triggers cleanup of expired items.
func (cm *CacheManager) DeleteExpired() {
	cm.cache.DeleteExpired()
}

// LogStats logs current cache statistics.
func (cm *CacheManager) LogStats() {
	stats := cm.GetStats()
	hitRatio := cm.GetHitRatio()

	cm.logger.WithFields(map[string]interface{}{
		"hits":       stats.Hits,
		"misses":     stats.Misses,
		"sets":       stats.Sets,
		"deletes":    stats.Deletes,
		"evictions":  stats.Evictions,
		"item_count": stats.ItemCount,
		"hit_ratio":  fmt.Sprintf("%.2f%%", hitRatio),
		"uptime":     time.Since(stats.LastReset).String(),
	}).Info("Cache statistics")
}

// Shutdown gracefully shuts down the cache manager.
func (cm *CacheManager) Shutdown() {
	cm.LogStats()
	cm.Clear()
}

// NewAuthSession builds a new AuthSession expiring in expiresIn.
func NewAuthSession(cookie string, expiresIn time.Duration) *AuthSession {
	now := time.Now()
	return &AuthSession{
		Cookie:    cookie,
		ExpiresAt: now.Add(expiresIn),
		CreatedAt: now,
	}
}
