// Package config loads and validates the gateway's site-wide settings:
// auto-release timing, session TTLs, rate-limit tables, Modbus pulse timing,
// and log-retention windows. Configuration is strict YAML with environment
// overrides and is hot-reloadable via Watcher.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/xg2g/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

// RateLimitScope holds the token-bucket parameters for one rate-limit scope,
// mirroring ratelimit.ScopeConfig in YAML-friendly form.
type RateLimitScope struct {
	MaxTokens             float64 `yaml:"max_tokens"`
	RefillRate            float64 `yaml:"refill_rate"`
	ViolationLogThreshold int     `yaml:"violation_log_threshold"`
	BlockThreshold        int     `yaml:"block_threshold"`
	BlockDurationSeconds  int     `yaml:"block_duration_seconds"`
}

func (s RateLimitScope) toScopeConfig() ratelimit.ScopeConfig {
	return ratelimit.ScopeConfig{
		MaxTokens:             s.MaxTokens,
		RefillRate:            s.RefillRate,
		ViolationLogThreshold: s.ViolationLogThreshold,
		BlockThreshold:        s.BlockThreshold,
		BlockDuration:         time.Duration(s.BlockDurationSeconds) * time.Second,
	}
}

// RateLimitTables holds the four rate-limit scopes the gateway enforces.
type RateLimitTables struct {
	IP     RateLimitScope `yaml:"ip"`
	Card   RateLimitScope `yaml:"card"`
	Locker RateLimitScope `yaml:"locker"`
	Device RateLimitScope `yaml:"device"`
}

// ToRateLimitConfig converts the YAML-shaped tables into ratelimit.Config.
func (t RateLimitTables) ToRateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Scopes: map[ratelimit.Scope]ratelimit.ScopeConfig{
			ratelimit.ScopeIP:     t.IP.toScopeConfig(),
			ratelimit.ScopeCard:   t.Card.toScopeConfig(),
			ratelimit.ScopeLocker: t.Locker.toScopeConfig(),
			ratelimit.ScopeDevice: t.Device.toScopeConfig(),
		},
	}
}

// Config holds all site-wide settings for the gateway process.
type Config struct {
	Environment string `yaml:"environment"` // "production", "staging", "development"
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	DataDir     string `yaml:"data_dir"`
	DBPath      string `yaml:"db_path"`

	// AutoReleaseHours is the deadline for the auto-release sweeper.
	// Zero/negative disables the sweeper entirely.
	AutoReleaseHours float64 `yaml:"auto_release_hours"`

	ReserveTTLSeconds        int `yaml:"reserve_ttl_seconds"`
	OfflineThresholdSeconds  int `yaml:"offline_threshold_seconds"`
	BulkOperationIntervalMS  int `yaml:"bulk_operation_interval_ms"`
	MasterLockoutFails       int `yaml:"master_lockout_fails"`
	MasterLockoutMinutes     int `yaml:"master_lockout_minutes"`

	PulseDurationMS    int `yaml:"pulse_duration_ms"`
	BurstDurationSec   int `yaml:"burst_duration_seconds"`
	BurstIntervalMS    int `yaml:"burst_interval_ms"`
	CommandIntervalMS  int `yaml:"command_interval_ms"`

	EventRetentionDays   int  `yaml:"event_retention_days"`
	AuditRetentionDays   int  `yaml:"audit_retention_days"`
	FileLogRetentionDays int  `yaml:"file_log_retention_days"`
	AnonymizationEnabled bool `yaml:"anonymization_enabled"`

	RateLimits RateLimitTables `yaml:"rate_limits"`

	AdminToken string `yaml:"admin_token"`

	TracingEnabled     bool    `yaml:"tracing_enabled"`
	TracingEndpoint    string  `yaml:"tracing_endpoint"`
	TracingSampleRatio float64 `yaml:"tracing_sample_ratio"`
}

const defaultAdminToken = "change-me"

// Default returns a Config populated with the defaults enumerated in the
// external interface contract (§6): auto-release deadline, session TTL,
// heartbeat staleness, bulk pacing, lockout thresholds, Modbus timings, and
// retention windows.
func Default() Config {
	return Config{
		Environment:             "development",
		ListenAddr:              ":8080",
		MetricsAddr:             ":9090",
		LogLevel:                "info",
		DataDir:                 "./data",
		DBPath:                  "./data/gateway.db",
		AutoReleaseHours:        24,
		ReserveTTLSeconds:       25,
		OfflineThresholdSeconds: 30,
		BulkOperationIntervalMS: 500,
		MasterLockoutFails:      5,
		MasterLockoutMinutes:    15,
		PulseDurationMS:         400,
		BurstDurationSec:        10,
		BurstIntervalMS:         2000,
		CommandIntervalMS:       300,
		EventRetentionDays:      30,
		AuditRetentionDays:      90,
		FileLogRetentionDays:    14,
		AnonymizationEnabled:    true,
		AdminToken:              defaultAdminToken,
		RateLimits: RateLimitTables{
			IP:     RateLimitScope{MaxTokens: 30, RefillRate: 0.5, ViolationLogThreshold: 3, BlockThreshold: 10, BlockDurationSeconds: 900},
			Card:   RateLimitScope{MaxTokens: 60, RefillRate: 1, ViolationLogThreshold: 3, BlockThreshold: 10, BlockDurationSeconds: 900},
			Locker: RateLimitScope{MaxTokens: 6, RefillRate: 0.1, ViolationLogThreshold: 3, BlockThreshold: 10, BlockDurationSeconds: 900},
			Device: RateLimitScope{MaxTokens: 1, RefillRate: 0.05, ViolationLogThreshold: 3, BlockThreshold: 10, BlockDurationSeconds: 900},
		},
		TracingSampleRatio: 1.0,
	}
}

// Load reads a strict YAML config file from path, merges it over the
// defaults, applies environment variable overrides, and validates the
// result. An empty path returns validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(new(struct{})); err != io.EOF {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
}

// Validate enforces the config loader's documented error conditions:
// invalid ports, a default secret in a production environment, and
// negative durations.
func Validate(cfg Config) error {
	if err := validateAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if err := validateAddr(cfg.MetricsAddr); err != nil {
		return fmt.Errorf("metrics_addr: %w", err)
	}

	if cfg.Environment == "production" && cfg.AdminToken == defaultAdminToken {
		return fmt.Errorf("admin_token: default secret is not permitted in production")
	}

	negatives := map[string]int{
		"reserve_ttl_seconds":        cfg.ReserveTTLSeconds,
		"offline_threshold_seconds":  cfg.OfflineThresholdSeconds,
		"bulk_operation_interval_ms": cfg.BulkOperationIntervalMS,
		"master_lockout_fails":       cfg.MasterLockoutFails,
		"master_lockout_minutes":     cfg.MasterLockoutMinutes,
		"pulse_duration_ms":          cfg.PulseDurationMS,
		"burst_duration_seconds":     cfg.BurstDurationSec,
		"burst_interval_ms":          cfg.BurstIntervalMS,
		"command_interval_ms":        cfg.CommandIntervalMS,
		"event_retention_days":       cfg.EventRetentionDays,
		"audit_retention_days":       cfg.AuditRetentionDays,
		"file_log_retention_days":    cfg.FileLogRetentionDays,
	}
	for name, v := range negatives {
		if v < 0 {
			return fmt.Errorf("%s: must not be negative", name)
		}
	}
	if cfg.AutoReleaseHours < 0 {
		return fmt.Errorf("auto_release_hours: must not be negative")
	}

	if err := validateRateLimitScope("rate_limits.ip", cfg.RateLimits.IP); err != nil {
		return err
	}
	if err := validateRateLimitScope("rate_limits.card", cfg.RateLimits.Card); err != nil {
		return err
	}
	if err := validateRateLimitScope("rate_limits.locker", cfg.RateLimits.Locker); err != nil {
		return err
	}
	if err := validateRateLimitScope("rate_limits.device", cfg.RateLimits.Device); err != nil {
		return err
	}

	return nil
}

func validateRateLimitScope(name string, s RateLimitScope) error {
	if s.MaxTokens < 0 || s.RefillRate < 0 || s.BlockDurationSeconds < 0 {
		return fmt.Errorf("%s: must not be negative", name)
	}
	return nil
}

func validateAddr(addr string) error {
	if addr == "" {
		return nil
	}
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return fmt.Errorf("missing port in %q", addr)
	}
	portStr := addr[idx+1:]
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range [1,65535]", port)
	}
	return nil
}
