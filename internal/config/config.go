// Package config holds the immutable service configuration, loaded from an
// optional TOML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type DatabaseConfig struct {
	URL string `toml:"url"`
}

// ReplicationDSN returns the connection string for the replication session
// (replication=database is required for logical decoding commands).
func (d DatabaseConfig) ReplicationDSN() string {
	if strings.Contains(d.URL, "?") {
		return d.URL + "&replication=database"
	}
	return d.URL + "?replication=database"
}

type ReplicationConfig struct {
	SlotName    string `toml:"slot_name"`
	Publication string `toml:"publication"`
}

type SyncConfig struct {
	CatchupChunkSize       int `toml:"catchup_chunk_size"`
	HeartbeatIntervalSec   int `toml:"heartbeat_interval_sec"`
	AckTimeoutSec          int `toml:"ack_timeout_sec"`
	WriteTimeoutSec        int `toml:"write_timeout_sec"`
	OutboundQueueDepth     int `toml:"outbound_queue_depth"`
	BackpressureTimeoutSec int `toml:"backpressure_timeout_sec"`
}

func (s SyncConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSec) * time.Second
}

func (s SyncConfig) AckTimeout() time.Duration {
	return time.Duration(s.AckTimeoutSec) * time.Second
}

func (s SyncConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

func (s SyncConfig) BackpressureTimeout() time.Duration {
	return time.Duration(s.BackpressureTimeoutSec) * time.Second
}

type ServerConfig struct {
	Listen         string   `toml:"listen"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// Config is the top-level configuration for syncd.
type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Replication ReplicationConfig `toml:"replication"`
	Sync        SyncConfig        `toml:"sync"`
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
}

func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/vibestack?sslmode=disable",
		},
		Replication: ReplicationConfig{
			SlotName:    "vibestack_replication",
			Publication: "vibestack_pub",
		},
		Sync: SyncConfig{
			CatchupChunkSize:       500,
			HeartbeatIntervalSec:   10,
			AckTimeoutSec:          10,
			WriteTimeoutSec:        5,
			OutboundQueueDepth:     256,
			BackpressureTimeoutSec: 30,
		},
		Server: ServerConfig{
			Listen: "0.0.0.0",
			Port:   8377,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the config file at path (or the first of ~/.syncd/config.toml,
// /etc/syncd/config.toml when path is empty), then applies environment
// overrides on top.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	ApplyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".syncd", "config.toml"))
	}
	candidates = append(candidates, "/etc/syncd/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REPLICATION_SLOT_NAME"); v != "" {
		cfg.Replication.SlotName = v
	}
	if v := os.Getenv("REPLICATION_PUBLICATION"); v != "" {
		cfg.Replication.Publication = v
	}
	envInt("CATCHUP_CHUNK_SIZE", &cfg.Sync.CatchupChunkSize)
	envInt("HEARTBEAT_INTERVAL_SEC", &cfg.Sync.HeartbeatIntervalSec)
	envInt("ACK_TIMEOUT_SEC", &cfg.Sync.AckTimeoutSec)
	envInt("OUTBOUND_QUEUE_DEPTH", &cfg.Sync.OutboundQueueDepth)
	envInt("BACKPRESSURE_TIMEOUT_SEC", &cfg.Sync.BackpressureTimeoutSec)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}
	if v := os.Getenv("SYNCD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	envInt("SYNCD_PORT", &cfg.Server.Port)
	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.Replication.SlotName == "" {
		errs = append(errs, errors.New("replication slot name is required"))
	}
	if c.Replication.Publication == "" {
		errs = append(errs, errors.New("publication name is required"))
	}
	if c.Sync.CatchupChunkSize < 1 {
		errs = append(errs, errors.New("catchup chunk size must be positive"))
	}
	if c.Sync.HeartbeatIntervalSec < 1 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	if c.Sync.AckTimeoutSec < 1 {
		errs = append(errs, errors.New("ack timeout must be positive"))
	}
	if c.Sync.OutboundQueueDepth < 1 {
		errs = append(errs, errors.New("outbound queue depth must be positive"))
	}
	if c.Sync.BackpressureTimeoutSec < 1 {
		errs = append(errs, errors.New("backpressure timeout must be positive"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.Server.Port))
	}

	return errors.Join(errs...)
}
