package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"crdt-editor/internal/crdt"
)

// Store drivers accepted by COLLAB_STORE_DRIVER.
var Drivers = []string{"bolt", "sqlite", "postgres", "mongo", "redis", "memory"}

type Config struct {
	Port     string `json:"port"`
	LogLevel string `json:"log_level"`

	InactivityTimeout Duration `json:"inactivity_timeout"`
	CleanupInterval   Duration `json:"cleanup_interval"`
	SessionGrace      Duration `json:"session_grace"`
	ActivityWindow    Duration `json:"activity_window"`
	SaveTimeout       Duration `json:"save_timeout"`
	SyncTimeout       Duration `json:"sync_timeout"`

	MaxParticipants  int           `json:"max_participants"`
	ConflictStrategy crdt.Strategy `json:"conflict_strategy"`
	SendBuffer       int           `json:"send_buffer"`

	StoreDriver string `json:"store_driver"`
	StoreDSN    string `json:"store_dsn"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	MDNSEnabled  bool   `json:"mdns_enabled"`
	MDNSInstance string `json:"mdns_instance"`
}

// Duration is a time.Duration that reads "30s" style strings from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:              "8080",
		LogLevel:          "info",
		InactivityTimeout: Duration(30 * time.Minute),
		CleanupInterval:   Duration(5 * time.Minute),
		SessionGrace:      Duration(time.Minute),
		ActivityWindow:    Duration(2 * time.Minute),
		SaveTimeout:       Duration(10 * time.Second),
		SyncTimeout:       Duration(250 * time.Millisecond),
		MaxParticipants:   50,
		ConflictStrategy:  crdt.StrategyMerge,
		SendBuffer:        256,
		StoreDriver:       "bolt",
		StoreDSN:          "collab.db",
		MDNSInstance:      "collab-server",
	}
}

// Load reads the optional JSON file named by COLLAB_CONFIG, then applies
// environment overrides, then validates.
func Load() (Config, error) {
	cfg := Default()
	if p := strings.TrimSpace(os.Getenv("COLLAB_CONFIG")); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", p, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Port = envOrDefault("COLLAB_PORT", cfg.Port)
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}
	cfg.LogLevel = envOrDefault("COLLAB_LOG_LEVEL", cfg.LogLevel)
	cfg.StoreDriver = strings.ToLower(envOrDefault("COLLAB_STORE_DRIVER", cfg.StoreDriver))
	cfg.StoreDSN = envOrDefault("COLLAB_STORE_DSN", cfg.StoreDSN)
	cfg.RedisAddr = envOrDefault("COLLAB_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envOrDefault("COLLAB_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.MDNSInstance = envOrDefault("COLLAB_MDNS_INSTANCE", cfg.MDNSInstance)
	if v := strings.TrimSpace(os.Getenv("COLLAB_CONFLICT_STRATEGY")); v != "" {
		cfg.ConflictStrategy = crdt.Strategy(v)
	}
	if v, ok := getenvBool("COLLAB_MDNS_ENABLED"); ok {
		cfg.MDNSEnabled = v
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"COLLAB_INACTIVITY_TIMEOUT", &cfg.InactivityTimeout},
		{"COLLAB_CLEANUP_INTERVAL", &cfg.CleanupInterval},
		{"COLLAB_SESSION_GRACE", &cfg.SessionGrace},
		{"COLLAB_ACTIVITY_WINDOW", &cfg.ActivityWindow},
		{"COLLAB_SAVE_TIMEOUT", &cfg.SaveTimeout},
		{"COLLAB_SYNC_TIMEOUT", &cfg.SyncTimeout},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = Duration(parsed)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"COLLAB_MAX_PARTICIPANTS", &cfg.MaxParticipants},
		{"COLLAB_SEND_BUFFER", &cfg.SendBuffer},
		{"COLLAB_REDIS_DB", &cfg.RedisDB},
	}
	for _, i := range ints {
		v := strings.TrimSpace(os.Getenv(i.key))
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = parsed
	}
	return nil
}

// Validate rejects settings the server cannot run with. It normalises the
// conflict strategy in place.
func (c *Config) Validate() error {
	for name, d := range map[string]Duration{
		"inactivity_timeout": c.InactivityTimeout,
		"cleanup_interval":   c.CleanupInterval,
		"session_grace":      c.SessionGrace,
		"activity_window":    c.ActivityWindow,
		"save_timeout":       c.SaveTimeout,
		"sync_timeout":       c.SyncTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d.Std())
		}
	}
	if c.MaxParticipants <= 0 {
		return fmt.Errorf("max_participants must be positive, got %d", c.MaxParticipants)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	st, err := crdt.ParseStrategy(string(c.ConflictStrategy))
	if err != nil {
		return err
	}
	c.ConflictStrategy = st

	known := false
	for _, d := range Drivers {
		if c.StoreDriver == d {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.StoreDriver == "redis" && c.RedisAddr == "" && c.StoreDSN == "" {
		return fmt.Errorf("redis store needs COLLAB_REDIS_ADDR or COLLAB_STORE_DSN")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvBool(name string) (bool, bool) {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if v == "" {
		return false, false
	}
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
