// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides. Sections are separated by a
// double underscore: PICKUP_STORAGE__REDIS__URL sets storage.redis.url.
const EnvPrefix = "PICKUP_"

// Storage backends.
const (
	FastRedis  = "redis"
	FastMemory = "memory"

	DurableMongo  = "mongo"
	DurableSQLite = "sqlite"
	DurableBadger = "badger"
	DurableMemory = "memory"
)

// Lock backends.
const (
	LockStore = "store"
	LockEtcd  = "etcd"
	LockNone  = "none"
)

// Config holds all configuration for the pickup broker.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Migration MigrationConfig `yaml:"migration"`
	Push      PushConfig      `yaml:"push"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds transport and process settings.
type ServerConfig struct {
	// InstanceID identifies this process in session records and the leader
	// lock. A random ID is generated when empty.
	InstanceID string `yaml:"instance_id"`

	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`  // empty allows any origin
	MaxMessageSize  int64         `yaml:"max_message_size"` // bytes per inbound frame
	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and configures the two queue tiers.
type StorageConfig struct {
	Fast    string `yaml:"fast"`    // redis, memory
	Durable string `yaml:"durable"` // mongo, sqlite, badger, memory

	Redis  RedisConfig  `yaml:"redis"`
	Mongo  MongoConfig  `yaml:"mongo"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Badger BadgerConfig `yaml:"badger"`
}

// RedisConfig holds fast store connection settings.
type RedisConfig struct {
	Type     string   `yaml:"type"` // single, cluster
	URL      string   `yaml:"url"`
	Nodes    []string `yaml:"nodes"`
	Password string   `yaml:"password"`
}

// MongoConfig holds durable store connection settings.
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SQLiteConfig holds the embedded SQL durable store settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// BadgerConfig holds the embedded KV durable store settings.
type BadgerConfig struct {
	Dir string `yaml:"dir"`
}

// MigrationConfig holds migration scheduler settings.
type MigrationConfig struct {
	Enabled bool `yaml:"enabled"`

	// Threshold is the age at which a fast-tier message moves to the durable tier.
	Threshold time.Duration `yaml:"threshold"`

	// Interval between migration passes; zero uses Threshold.
	Interval time.Duration `yaml:"interval"`

	LockBackend string        `yaml:"lock_backend"` // store, etcd, none
	LockKey     string        `yaml:"lock_key"`
	LockTTL     time.Duration `yaml:"lock_ttl"`

	Etcd EtcdConfig `yaml:"etcd"`
}

// EtcdConfig holds etcd lock settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Embedded runs a private single-node etcd in-process. Every instance
	// with it enabled elects itself, so it only suits single-instance
	// deployments and excludes Endpoints.
	Embedded   bool   `yaml:"embedded"`
	DataDir    string `yaml:"data_dir"`
	ClientAddr string `yaml:"client_addr"`
	PeerAddr   string `yaml:"peer_addr"`
}

// PushConfig holds push notification settings. An empty URL disables push.
type PushConfig struct {
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RateLimitConfig holds WebSocket rate limits.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	UpgradeRate     float64       `yaml:"upgrade_rate"` // per second per IP
	UpgradeBurst    int           `yaml:"upgrade_burst"`
	RequestRate     float64       `yaml:"request_rate"` // per second per socket
	RequestBurst    int           `yaml:"request_burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0

	// ExportInterval between metric pushes; zero uses 10s.
	ExportInterval time.Duration `yaml:"export_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSAddr:          ":3100",
			WSPath:          "/",
			HealthAddr:      ":3500",
			HealthEnabled:   true,
			MaxMessageSize:  4 * 1024 * 1024,
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Fast:    FastRedis,
			Durable: DurableMongo,
			Redis: RedisConfig{
				Type: "single",
				URL:  "redis://localhost:6379",
			},
			Mongo: MongoConfig{
				URI:            "mongodb://localhost:27017",
				Database:       "pickup",
				Collection:     "storequeuedmessages",
				ConnectTimeout: 10 * time.Second,
			},
			SQLite: SQLiteConfig{Path: "/tmp/pickup/pickup.db"},
			Badger: BadgerConfig{Dir: "/tmp/pickup/badger"},
		},
		Migration: MigrationConfig{
			Enabled:     true,
			Threshold:   60 * time.Second,
			LockBackend: LockStore,
			LockKey:     "pickup:migration:leader",
			LockTTL:     30 * time.Second,
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				DialTimeout: 5 * time.Second,
				DataDir:     "/tmp/pickup/etcd",
				ClientAddr:  "127.0.0.1:2379",
				PeerAddr:    "127.0.0.1:2380",
			},
		},
		Push: PushConfig{
			Timeout:          5 * time.Second,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			UpgradeRate:     100.0 / 60.0,
			UpgradeBurst:    20,
			RequestRate:     200,
			RequestBurst:    100,
			CleanupInterval: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "pickup",
			ServiceVersion:  "0.1.0",
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads defaults, then the YAML file (if any), then PICKUP_*
// environment overrides, and validates the result.
// A missing file is not an error.
func Load(filename string) (*Config, error) {
	k := koanf.New(".")

	if filename != "" {
		if _, err := os.Stat(filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		} else if err == nil {
			if err := k.Load(file.Provider(filename), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envKey maps PICKUP_STORAGE__REDIS__URL to storage.redis.url.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// MigrationInterval returns the effective migration period.
func (c *Config) MigrationInterval() time.Duration {
	if c.Migration.Interval > 0 {
		return c.Migration.Interval
	}
	return c.Migration.Threshold
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MaxMessageSize < 1024 {
		return fmt.Errorf("server.max_message_size must be at least 1KB")
	}
	if c.Server.PingInterval < time.Second {
		return fmt.Errorf("server.ping_interval must be at least 1 second")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}

	switch c.Storage.Fast {
	case FastRedis:
		switch c.Storage.Redis.Type {
		case "single":
			if c.Storage.Redis.URL == "" {
				return fmt.Errorf("storage.redis.url required for single mode")
			}
		case "cluster":
			if len(c.Storage.Redis.Nodes) == 0 {
				return fmt.Errorf("storage.redis.nodes required for cluster mode")
			}
		default:
			return fmt.Errorf("storage.redis.type must be one of: single, cluster")
		}
	case FastMemory:
	default:
		return fmt.Errorf("storage.fast must be one of: redis, memory")
	}

	switch c.Storage.Durable {
	case DurableMongo:
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("storage.mongo.uri required when durable is mongo")
		}
	case DurableSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path required when durable is sqlite")
		}
	case DurableBadger:
		if c.Storage.Badger.Dir == "" {
			return fmt.Errorf("storage.badger.dir required when durable is badger")
		}
	case DurableMemory:
	default:
		return fmt.Errorf("storage.durable must be one of: mongo, sqlite, badger, memory")
	}

	if c.Migration.Threshold <= 0 {
		return fmt.Errorf("migration.threshold must be positive")
	}
	if c.Migration.Interval < 0 {
		return fmt.Errorf("migration.interval cannot be negative")
	}
	if c.Migration.LockTTL < time.Second {
		return fmt.Errorf("migration.lock_ttl must be at least 1 second")
	}
	switch c.Migration.LockBackend {
	case LockStore, LockNone:
	case LockEtcd:
		if !c.Migration.Etcd.Embedded && len(c.Migration.Etcd.Endpoints) == 0 {
			return fmt.Errorf("migration.etcd.endpoints required when lock_backend is etcd")
		}
		if c.Migration.Etcd.Embedded && len(c.Migration.Etcd.Endpoints) > 0 {
			return fmt.Errorf("migration.etcd.embedded is single-instance only and cannot be combined with endpoints")
		}
		if c.Migration.Etcd.Embedded && (c.Migration.Etcd.DataDir == "" || c.Migration.Etcd.ClientAddr == "" || c.Migration.Etcd.PeerAddr == "") {
			return fmt.Errorf("migration.etcd data_dir, client_addr and peer_addr required when embedded")
		}
	default:
		return fmt.Errorf("migration.lock_backend must be one of: store, etcd, none")
	}

	if c.Push.URL != "" && c.Push.Timeout <= 0 {
		return fmt.Errorf("push.timeout must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.UpgradeRate <= 0 || c.RateLimit.RequestRate <= 0 {
			return fmt.Errorf("ratelimit rates must be positive")
		}
		if c.RateLimit.UpgradeBurst < 1 || c.RateLimit.RequestBurst < 1 {
			return fmt.Errorf("ratelimit bursts must be at least 1")
		}
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.ExportInterval < 0 {
			return fmt.Errorf("telemetry.export_interval cannot be negative")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
