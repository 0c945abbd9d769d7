// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.WSAddr != ":3100" {
		t.Errorf("expected default WebSocket addr :3100, got %s", cfg.Server.WSAddr)
	}
	if cfg.Server.HealthAddr != ":3500" {
		t.Errorf("expected default health addr :3500, got %s", cfg.Server.HealthAddr)
	}
	if cfg.Storage.Fast != FastRedis || cfg.Storage.Durable != DurableMongo {
		t.Errorf("expected redis/mongo storage, got %s/%s", cfg.Storage.Fast, cfg.Storage.Durable)
	}
	if cfg.Migration.Threshold != 60*time.Second {
		t.Errorf("expected migration threshold 60s, got %v", cfg.Migration.Threshold)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestMigrationInterval(t *testing.T) {
	cfg := Default()
	if got := cfg.MigrationInterval(); got != cfg.Migration.Threshold {
		t.Errorf("expected interval to fall back to threshold, got %v", got)
	}

	cfg.Migration.Interval = 5 * time.Second
	if got := cfg.MigrationInterval(); got != 5*time.Second {
		t.Errorf("expected interval 5s, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing websocket addr",
			modify:  func(c *Config) { c.Server.WSAddr = "" },
			wantErr: true,
		},
		{
			name:    "relative websocket path",
			modify:  func(c *Config) { c.Server.WSPath = "ws" },
			wantErr: true,
		},
		{
			name:    "message size too small",
			modify:  func(c *Config) { c.Server.MaxMessageSize = 100 },
			wantErr: true,
		},
		{
			name:    "unknown fast store",
			modify:  func(c *Config) { c.Storage.Fast = "memcached" },
			wantErr: true,
		},
		{
			name: "redis cluster without nodes",
			modify: func(c *Config) {
				c.Storage.Redis.Type = "cluster"
				c.Storage.Redis.Nodes = nil
			},
			wantErr: true,
		},
		{
			name: "memory stores",
			modify: func(c *Config) {
				c.Storage.Fast = FastMemory
				c.Storage.Durable = DurableMemory
			},
			wantErr: false,
		},
		{
			name: "sqlite without path",
			modify: func(c *Config) {
				c.Storage.Durable = DurableSQLite
				c.Storage.SQLite.Path = ""
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.Durable = DurableBadger
				c.Storage.Badger.Dir = ""
			},
			wantErr: true,
		},
		{
			name:    "zero migration threshold",
			modify:  func(c *Config) { c.Migration.Threshold = 0 },
			wantErr: true,
		},
		{
			name:    "lock ttl too short",
			modify:  func(c *Config) { c.Migration.LockTTL = 100 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "unknown lock backend",
			modify:  func(c *Config) { c.Migration.LockBackend = "zookeeper" },
			wantErr: true,
		},
		{
			name: "etcd without endpoints",
			modify: func(c *Config) {
				c.Migration.LockBackend = LockEtcd
				c.Migration.Etcd.Endpoints = nil
			},
			wantErr: true,
		},
		{
			name: "embedded etcd",
			modify: func(c *Config) {
				c.Migration.LockBackend = LockEtcd
				c.Migration.Etcd.Embedded = true
				c.Migration.Etcd.Endpoints = nil
			},
			wantErr: false,
		},
		{
			name: "embedded etcd with endpoints",
			modify: func(c *Config) {
				c.Migration.LockBackend = LockEtcd
				c.Migration.Etcd.Embedded = true
				c.Migration.Etcd.Endpoints = []string{"etcd-0:2379"}
			},
			wantErr: true,
		},
		{
			name: "rate limit zero burst",
			modify: func(c *Config) {
				c.RateLimit.UpgradeBurst = 0
			},
			wantErr: true,
		},
		{
			name: "telemetry sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.TracesEnabled = true
				c.Telemetry.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "negative telemetry export interval",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.ExportInterval = -time.Second
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Server.WSAddr != ":3100" {
		t.Errorf("expected default config, got WebSocket addr %s", cfg.Server.WSAddr)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Server.WSAddr = ":4100"
	cfg.Storage.Durable = DurableSQLite
	cfg.Migration.Threshold = 90 * time.Second
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.WSAddr != ":4100" {
		t.Errorf("expected WebSocket addr :4100, got %s", loaded.Server.WSAddr)
	}
	if loaded.Storage.Durable != DurableSQLite {
		t.Errorf("expected durable sqlite, got %s", loaded.Storage.Durable)
	}
	if loaded.Migration.Threshold != 90*time.Second {
		t.Errorf("expected threshold 90s, got %v", loaded.Migration.Threshold)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}

func TestLoadPartialFile(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "config.yaml")
	data := "storage:\n  fast: memory\nmigration:\n  threshold: 2m\n"
	if err := os.WriteFile(tmpfile, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Fast != FastMemory {
		t.Errorf("expected fast memory, got %s", cfg.Storage.Fast)
	}
	if cfg.Migration.Threshold != 2*time.Minute {
		t.Errorf("expected threshold 2m, got %v", cfg.Migration.Threshold)
	}
	if cfg.Storage.Durable != DurableMongo {
		t.Errorf("unset keys should keep defaults, got durable %s", cfg.Storage.Durable)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PICKUP_LOG__LEVEL", "warn")
	t.Setenv("PICKUP_STORAGE__REDIS__URL", "redis://cache:6380")
	t.Setenv("PICKUP_PUSH__URL", "http://push.local/send")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Log.Level)
	}
	if cfg.Storage.Redis.URL != "redis://cache:6380" {
		t.Errorf("expected redis url override, got %s", cfg.Storage.Redis.URL)
	}
	if cfg.Push.URL != "http://push.local/send" {
		t.Errorf("expected push url override, got %s", cfg.Push.URL)
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("PICKUP_LOG__FORMAT", "xml")

	if _, err := Load(""); err == nil {
		t.Error("expected validation error")
	}
}
