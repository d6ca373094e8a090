package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Client      ClientConfig      `json:"client"`
	Site        SiteConfig        `json:"site"`
	Control     ControlConfig     `json:"control"`
	Cache       CacheConfig       `json:"cache"`
	Logging     LoggingConfig     `json:"logging"`
	Persistence PersistenceConfig `json:"persistence"`
	Notify      NotifyConfig      `json:"notify"`
}

// ClientInstance is one supervised BitTorrent client.
type ClientInstance struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	SavePathRoot string `json:"save_path_root"`
}

// ClientConfig holds BitTorrent client-adapter configuration.
type ClientConfig struct {
	Instances          []ClientInstance `json:"instances"`
	RequestTimeout     time.Duration    `json:"request_timeout"`
	RPCRateLimitPerSec float64          `json:"rpc_rate_limit_per_sec"`
}

// SiteConfig holds ambient tracker-site-adapter configuration (not to be
// confused with the per-site SiteConfig entity in internal/rules, which is
// read each tick from the 10-second rules cache).
type SiteConfig struct {
	RequestTimeout    time.Duration `json:"request_timeout"`
	UserAgent         string        `json:"user_agent"`
	TidSearchCooldown time.Duration `json:"tid_search_cooldown"`
	PeerlistCooldown  time.Duration `json:"peerlist_cooldown"`
	NotFoundCooldown  time.Duration `json:"not_found_cooldown"`
}

// ControlConfig holds the control-loop's protocol-fixed and tunable
// constants (spec.md §6 "Constants fixed by protocol" plus the Open
// Question #2 buffer fields).
type ControlConfig struct {
	SpeedLimitBytesPerSec          float64       `json:"speed_limit_bytes_per_sec"`
	MinLimitBytesPerSec            float64       `json:"min_limit_bytes_per_sec"`
	ReannounceMinInterval          time.Duration `json:"reannounce_min_interval"`
	ReannounceWaitLimitBytesPerSec float64       `json:"reannounce_wait_limit_bytes_per_sec"`
	ProgressProtect                float64       `json:"progress_protect"`
	DBSaveInterval                 time.Duration `json:"db_save_interval"`
	CookieCheckInterval            time.Duration `json:"cookie_check_interval"`
	EvictAfter                     time.Duration `json:"evict_after"`
	RulesFile                      string        `json:"rules_file"`
	RulesCacheTTL                  time.Duration `json:"rules_cache_ttl"`

	// Open Question #2: download-limiter buffers and recovery slope, read
	// from the environment. The engine does not pass these fields to
	// internal/dllimit or internal/reannounce, which use their own fixed
	// constants (30s, 60s, 45 MiB/s), so setting them does not change any cap.
	DLAvgBufferSeconds     float64 `json:"dl_avg_buffer_seconds"`
	DLTightenBufferSeconds float64 `json:"dl_tighten_buffer_seconds"`
	DLRecoverySlopeBps     float64 `json:"dl_recovery_slope_bytes_per_sec"`
}

// CacheConfig holds caching configuration for the rules cache and the
// Client Adapter's auth-session / server-state caches.
type CacheConfig struct {
	RulesTTL        time.Duration `json:"rules_ttl"`
	AuthSessionTTL  time.Duration `json:"auth_session_ttl"`
	ServerStateTTL  time.Duration `json:"server_state_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	MaxItems        int           `json:"max_items"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"`    // megabytes
	MaxBackups int    `json:"max_backups"` // number of backup files
	MaxAge     int    `json:"max_age"`     // days
	Compress   bool   `json:"compress"`    // compress rotated files
	ToStdout   bool   `json:"to_stdout"`   // also log to stdout
}

// PersistenceConfig holds the keyed-store and cycle-history log locations.
type PersistenceConfig struct {
	StateFile              string `json:"state_file"`
	CycleHistoryFile       string `json:"cycle_history_file"`
	CycleHistoryMaxEntries int    `json:"cycle_history_max_entries"`
}

// NotifyConfig holds notification-sink configuration.
type NotifyConfig struct {
	DiscordWebhookURL string `json:"discord_webhook_url"`
	Enabled           bool   `json:"enabled"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Printf("Warning: .env file not found, using system environment variables\n")
	}

	cfg := &Config{}

	cfg.Client.Instances = parseClientInstances()
	cfg.Client.RequestTimeout = parseDurationOrDefault("CLIENT_REQUEST_TIMEOUT", 30*time.Second)
	cfg.Client.RPCRateLimitPerSec = parseFloat64OrDefault("CLIENT_RPC_RATE_LIMIT_PER_SEC", 20.0)

	cfg.Site.RequestTimeout = parseDurationOrDefault("SITE_REQUEST_TIMEOUT", 15*time.Second)
	cfg.Site.UserAgent = getEnvOrDefault("SITE_USER_AGENT", "pacer/1.0")
	cfg.Site.TidSearchCooldown = parseDurationOrDefault("SITE_TID_SEARCH_COOLDOWN", 60*time.Second)
	cfg.Site.PeerlistCooldown = parseDurationOrDefault("SITE_PEERLIST_COOLDOWN", 300*time.Second)
	cfg.Site.NotFoundCooldown = parseDurationOrDefault("SITE_NOT_FOUND_COOLDOWN", 3600*time.Second)

	cfg.Control.SpeedLimitBytesPerSec = parseFloat64OrDefault("SPEED_LIMIT_BYTES_PER_SEC", 50*1024*1024)
	cfg.Control.MinLimitBytesPerSec = parseFloat64OrDefault("MIN_LIMIT_BYTES_PER_SEC", 4096)
	cfg.Control.ReannounceMinInterval = parseDurationOrDefault("REANNOUNCE_MIN_INTERVAL", 900*time.Second)
	cfg.Control.ReannounceWaitLimitBytesPerSec = parseFloat64OrDefault("REANNOUNCE_WAIT_LIMIT_BYTES_PER_SEC", 5120*1024)
	cfg.Control.ProgressProtect = parseFloat64OrDefault("PROGRESS_PROTECT", 0.90)
	cfg.Control.DBSaveInterval = parseDurationOrDefault("DB_SAVE_INTERVAL", 180*time.Second)
	cfg.Control.CookieCheckInterval = parseDurationOrDefault("COOKIE_CHECK_INTERVAL", 3600*time.Second)
	cfg.Control.EvictAfter = parseDurationOrDefault("EVICT_AFTER", 2*time.Hour)
	cfg.Control.RulesFile = getEnvOrDefault("RULES_FILE", "rules.json")
	cfg.Control.RulesCacheTTL = parseDurationOrDefault("RULES_CACHE_TTL", 10*time.Second)
	cfg.Control.DLAvgBufferSeconds = parseFloat64OrDefault("DL_AVG_BUFFER_SECONDS", 30.0)
	cfg.Control.DLTightenBufferSeconds = parseFloat64OrDefault("DL_TIGHTEN_BUFFER_SECONDS", 60.0)
	cfg.Control.DLRecoverySlopeBps = parseFloat64OrDefault("DL_RECOVERY_SLOPE_BYTES_PER_SEC", 45*1024*1024)

	cfg.Cache.RulesTTL = parseDurationOrDefault("CACHE_RULES_TTL", 10*time.Second)
	cfg.Cache.AuthSessionTTL = parseDurationOrDefault("CACHE_AUTH_SESSION_TTL", 1*time.Hour)
	cfg.Cache.ServerStateTTL = parseDurationOrDefault("CACHE_SERVER_STATE_TTL", 5*time.Second)
	cfg.Cache.CleanupInterval = parseDurationOrDefault("CACHE_CLEANUP_INTERVAL", 10*time.Minute)
	cfg.Cache.MaxItems = parseIntOrDefault("CACHE_MAX_ITEMS", 1000)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.Logging.File = getEnvOrDefault("LOG_FILE", "pacer_activity.log")
	cfg.Logging.MaxSize = parseIntOrDefault("LOG_MAX_SIZE", 100)
	cfg.Logging.MaxBackups = parseIntOrDefault("LOG_MAX_BACKUPS", 5)
	cfg.Logging.MaxAge = parseIntOrDefault("LOG_MAX_AGE", 30)
	cfg.Logging.Compress = parseBoolOrDefault("LOG_COMPRESS", true)
	cfg.Logging.ToStdout = parseBoolOrDefault("LOG_TO_STDOUT", true)

	cfg.Persistence.StateFile = getEnvOrDefault("STATE_FILE", "pacer_state.json")
	cfg.Persistence.CycleHistoryFile = getEnvOrDefault("CYCLE_HISTORY_FILE", "pacer_cycle_history.json")
	cfg.Persistence.CycleHistoryMaxEntries = parseIntOrDefault("CYCLE_HISTORY_MAX_ENTRIES", 500)

	cfg.Notify.DiscordWebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", "")
	cfg.Notify.Enabled = cfg.Notify.DiscordWebhookURL != ""

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// parseClientInstances reads CLIENT_INSTANCES ("id|url|user|pass|savepath"
// entries separated by ";"), falling back to a single instance built from
// CLIENT_URL/CLIENT_USERNAME/CLIENT_PASSWORD/CLIENT_ID.
func parseClientInstances() []ClientInstance {
	raw := getEnvOrDefault("CLIENT_INSTANCES", "")
	if raw == "" {
		return []ClientInstance{{
			ID:           getEnvOrDefault("CLIENT_ID", "default"),
			URL:          getEnvOrDefault("CLIENT_URL", "http://localhost:8080"),
			Username:     getEnvOrDefault("CLIENT_USERNAME", "admin"),
			Password:     getEnvOrDefault("CLIENT_PASSWORD", ""),
			SavePathRoot: getEnvOrDefault("CLIENT_SAVE_PATH_ROOT", "/"),
		}}
	}

	var instances []ClientInstance
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		inst := ClientInstance{SavePathRoot: "/"}
		if len(parts) > 0 {
			inst.ID = parts[0]
		}
		if len(parts) > 1 {
			inst.URL = parts[1]
		}
		if len(parts) > 2 {
			inst.Username = parts[2]
		}
		if len(parts) > 3 {
			inst.Password = parts[3]
		}
		if len(parts) > 4 {
			inst.SavePathRoot = parts[4]
		}
		instances = append(instances, inst)
	}
	return instances
}

// Validate checks that all required configuration is present and valid.
func (c *Config) Validate() error {
	if len(c.Client.Instances) == 0 {
		return fmt.Errorf("at least one client instance is required (CLIENT_URL or CLIENT_INSTANCES)")
	}
	for _, inst := range c.Client.Instances {
		if inst.URL == "" {
			return fmt.Errorf("client instance %q is missing a URL", inst.ID)
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.Logging.Level)
	}

	if c.Control.SpeedLimitBytesPerSec <= 0 {
		return fmt.Errorf("speed limit must be greater than 0, got: %f", c.Control.SpeedLimitBytesPerSec)
	}
	if c.Control.MinLimitBytesPerSec <= 0 {
		return fmt.Errorf("min limit must be greater than 0, got: %f", c.Control.MinLimitBytesPerSec)
	}

	return nil
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
