package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
	if cfg.Sync.SettleDelay != 1500*time.Millisecond {
		t.Errorf("Expected settle delay 1.5s, got %v", cfg.Sync.SettleDelay)
	}
	if cfg.Sync.MaxTemplateSize != 2000 {
		t.Errorf("Expected max template size 2000, got %d", cfg.Sync.MaxTemplateSize)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"sqlite path", func(c *Config) { c.Database.Path = "" }},
		{"postgres dsn", func(c *Config) { c.Database.Driver = "postgres" }},
		{"api port", func(c *Config) { c.API.Port = 70000 }},
		{"settle delay", func(c *Config) { c.Sync.SettleDelay = -time.Second }},
		{"sync interval", func(c *Config) { c.Sync.Interval = -time.Minute }},
		{"template size", func(c *Config) { c.Sync.MaxTemplateSize = 5 }},
		{"max uid", func(c *Config) { c.Sync.MaxUID = 0 }},
		{"device id", func(c *Config) { c.Devices = []DeviceConfig{{Host: "a", Transport: "tcp"}} }},
		{"device host", func(c *Config) { c.Devices = []DeviceConfig{{ID: 1, Transport: "tcp"}} }},
		{"device transport", func(c *Config) { c.Devices = []DeviceConfig{{ID: 1, Host: "a", Transport: "serial"}} }},
		{"device password", func(c *Config) {
			c.Devices = []DeviceConfig{{ID: 1, Host: "a", Transport: "tcp", Password: "abc"}}
		}},
		{"duplicate device", func(c *Config) {
			c.Devices = []DeviceConfig{{ID: 1, Host: "a", Transport: "tcp"}, {ID: 1, Host: "b", Transport: "tcp"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
log_level: debug
database:
  path: /var/lib/zk/attendance.db
sync:
  settle_delay: 250ms
devices:
  - id: 1
    name: Front door
    host: 192.168.1.201
    password: "123456"
  - id: 2
    host: 192.168.1.202
    port: 4371
    transport: udp
    timeout: 3s
`), 0644))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ZKBRIDGE_REDIS_ADDR=redis.local:6379\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("ZKBRIDGE_REDIS_ADDR") })
	t.Setenv("ZKBRIDGE_API_PORT", "9090")

	cfg, err := LoadFiles(configFile, envFile)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/zk/attendance.db", cfg.Database.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.SettleDelay)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "redis.local:6379", cfg.Redis.Addr)
	assert.Equal(t, "zk:events", cfg.Redis.List)

	require.Len(t, cfg.Devices, 2)
	front, ok := cfg.Device(1)
	require.True(t, ok)
	assert.Equal(t, 4370, front.Port)
	assert.Equal(t, "tcp", front.Transport)
	assert.Equal(t, 10*time.Second, front.Timeout)

	back, ok := cfg.DeviceByHost("192.168.1.202")
	require.True(t, ok)
	params := back.Params(cfg.Sync.KeepAlivePeriod)
	assert.True(t, params.UDP)
	assert.Equal(t, 4371, params.Port)
	assert.Equal(t, 3*time.Second, params.Timeout)
	assert.Equal(t, 30*time.Second, params.KeepAlive)

	_, ok = cfg.Device(9)
	assert.False(t, ok)
}

func TestLoadFiles_Errors(t *testing.T) {
	_, err := LoadFiles(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("database:\n  driver: oracle\n"), 0644))
	_, err = LoadFiles(bad, filepath.Join(t.TempDir(), ".env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
