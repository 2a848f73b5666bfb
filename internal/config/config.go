// Package config loads all operational knobs from the environment, with an
// optional .env overlay for development deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/siteprobe/siteprobe/internal/plan"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenHost string
	ListenPort int
	DataPath   string

	// Scan execution
	ScanTimeout     time.Duration // global per-scan deadline
	ServiceTimeout  time.Duration // default per-service timeout
	ServiceTimeouts map[string]time.Duration
	TimeoutGrace    time.Duration // grace after scan deadline before abandon
	MaxConcurrent   int64         // in-flight executor cap per process

	// URL normalization
	ForceHTTPS          bool
	StripTrackingParams bool

	// Cache
	CacheSweepInterval time.Duration

	// HTTP
	AllowedOrigins []string

	// Logging
	LogLevel  string
	LogFormat string

	Environment string
}

// Defaults returns the production baseline.
func Defaults() *Config {
	return &Config{
		ListenHost:          "0.0.0.0",
		ListenPort:          7690,
		DataPath:            "/var/lib/siteprobe",
		ScanTimeout:         2 * time.Minute,
		ServiceTimeout:      30 * time.Second,
		ServiceTimeouts:     map[string]time.Duration{},
		TimeoutGrace:        5 * time.Second,
		MaxConcurrent:       int64(len(plan.Catalogue())),
		ForceHTTPS:          true,
		StripTrackingParams: true,
		CacheSweepInterval:  30 * time.Minute,
		AllowedOrigins:      []string{"*"},
		LogLevel:            "info",
		LogFormat:           "auto",
		Environment:         "production",
	}
}

// Load builds the configuration from the environment. A .env file in the
// working directory is read first when present; real environment variables
// win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to read .env file")
	}

	cfg := Defaults()

	cfg.ListenHost = getString("LISTEN_HOST", cfg.ListenHost)
	cfg.ListenPort = getInt("LISTEN_PORT", cfg.ListenPort)
	cfg.DataPath = getString("DATA_PATH", cfg.DataPath)

	cfg.ScanTimeout = getDuration("SCAN_TIMEOUT", cfg.ScanTimeout)
	cfg.ServiceTimeout = getDuration("SERVICE_TIMEOUT", cfg.ServiceTimeout)
	cfg.TimeoutGrace = getDuration("SCAN_TIMEOUT_GRACE", cfg.TimeoutGrace)
	cfg.MaxConcurrent = int64(getInt("MAX_CONCURRENT_SERVICES", int(cfg.MaxConcurrent)))
	for _, name := range plan.Catalogue() {
		key := "SERVICE_TIMEOUT_" + strings.ToUpper(name)
		if d := getDuration(key, 0); d > 0 {
			cfg.ServiceTimeouts[name] = d
		}
	}

	cfg.ForceHTTPS = getBool("NORMALIZE_FORCE_HTTPS", cfg.ForceHTTPS)
	cfg.StripTrackingParams = getBool("STRIP_TRACKING_PARAMS", cfg.StripTrackingParams)

	cfg.CacheSweepInterval = getDuration("CACHE_SWEEP_INTERVAL", cfg.CacheSweepInterval)

	if origins := getString("ALLOWED_ORIGINS", ""); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	cfg.LogLevel = getString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getString("LOG_FORMAT", cfg.LogFormat)
	cfg.Environment = getString("ENVIRONMENT", cfg.Environment)

	// Quota overrides for test deployments; zero keeps the plan default.
	for _, tier := range []plan.Tier{plan.TierGuest, plan.TierFree, plan.TierPro} {
		scans := getInt("DAILY_SCANS_"+string(tier), 0)
		retries := getInt("RETRIES_"+string(tier), -1)
		if scans > 0 || retries >= 0 {
			plan.Override(tier, scans, retries)
			log.Info().Str("tier", string(tier)).Int("dailyScans", scans).
				Int("retries", retries).Msg("Plan limits overridden from environment")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan timeout must be positive, got %s", c.ScanTimeout)
	}
	if c.ServiceTimeout <= 0 {
		return fmt.Errorf("service timeout must be positive, got %s", c.ServiceTimeout)
	}
	if c.ServiceTimeout > c.ScanTimeout {
		return fmt.Errorf("service timeout %s exceeds scan timeout %s", c.ServiceTimeout, c.ScanTimeout)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent services must be positive, got %d", c.MaxConcurrent)
	}
	if c.CacheSweepInterval <= 0 {
		return fmt.Errorf("cache sweep interval must be positive, got %s", c.CacheSweepInterval)
	}
	return nil
}

// ServiceTimeoutFor returns the per-service override or the default.
func (c *Config) ServiceTimeoutFor(name string) time.Duration {
	if d, ok := c.ServiceTimeouts[name]; ok {
		return d
	}
	return c.ServiceTimeout
}

func getString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment, using default")
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	// Bare numbers are read as seconds for operator convenience.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
