package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"zk-attendance-bridge/internal/zk"
)

// Config represents the bridge configuration
type Config struct {
	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	API      APIConfig      `mapstructure:"api"`
	Sync     SyncConfig     `mapstructure:"sync"`

	Devices []DeviceConfig `mapstructure:"devices"`
}

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"` // sqlite3, postgres
	Path          string `mapstructure:"path"`
	DSN           string `mapstructure:"dsn"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

// RedisConfig configures event publishing. An empty address disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	List     string `mapstructure:"list"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// SyncConfig tunes device synchronisation.
type SyncConfig struct {
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	MaxTemplateSize int           `mapstructure:"max_template_size"`
	MaxUID          int           `mapstructure:"max_uid"`
	KeepAlivePeriod time.Duration `mapstructure:"keepalive_period"`
	// Interval schedules a sync of every device while serving. Zero disables it.
	Interval time.Duration `mapstructure:"interval"`
}

// DeviceConfig describes one terminal.
type DeviceConfig struct {
	ID         int           `mapstructure:"id"`
	Serial     string        `mapstructure:"serial"`
	Name       string        `mapstructure:"name"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Password   string        `mapstructure:"password"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Transport  string        `mapstructure:"transport"` // tcp, udp
	ListenPort int           `mapstructure:"listen_port"`
}

// Params converts the device entry into session parameters.
func (d DeviceConfig) Params(keepAlive time.Duration) zk.Params {
	return zk.Params{
		Host:       d.Host,
		Port:       d.Port,
		Timeout:    d.Timeout,
		ListenPort: d.ListenPort,
		Password:   d.Password,
		UDP:        d.Transport == "udp",
		KeepAlive:  keepAlive,
	}
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogFile:  "",
		Database: DatabaseConfig{
			Driver: "sqlite3",
			Path:   "./attendance.db",
		},
		Redis: RedisConfig{
			List: "zk:events",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8081,
		},
		Sync: SyncConfig{
			SettleDelay:     1500 * time.Millisecond,
			MaxTemplateSize: zk.DefaultMaxTemplateSize,
			MaxUID:          3000,
			KeepAlivePeriod: 30 * time.Second,
		},
	}
}

// Load loads configuration from .env, the config file and environment variables
func Load(configFile string) (*Config, error) {
	return LoadFiles(configFile, ".env")
}

// LoadFiles is Load with an explicit dotenv path.
func LoadFiles(configFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := DefaultConfig()
	v := viper.New()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/zk-attendance-bridge")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".zk-attendance-bridge"))
		}
	}

	v.SetEnvPrefix("ZKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.dsn", cfg.Database.DSN)
	v.SetDefault("database.encryption_key", cfg.Database.EncryptionKey)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.list", cfg.Redis.List)
	v.SetDefault("api.host", cfg.API.Host)
	v.SetDefault("api.port", cfg.API.Port)
	v.SetDefault("api.jwt_secret", cfg.API.JWTSecret)
	v.SetDefault("sync.settle_delay", cfg.Sync.SettleDelay)
	v.SetDefault("sync.max_template_size", cfg.Sync.MaxTemplateSize)
	v.SetDefault("sync.max_uid", cfg.Sync.MaxUID)
	v.SetDefault("sync.keepalive_period", cfg.Sync.KeepAlivePeriod)
	v.SetDefault("sync.interval", cfg.Sync.Interval)
}

func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Port == 0 {
			d.Port = zk.DefaultPort
		}
		if d.Timeout == 0 {
			d.Timeout = 10 * time.Second
		}
		if d.Transport == "" {
			d.Transport = "tcp"
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite3")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be one of: sqlite3, postgres")
	}

	switch len(c.Database.EncryptionKey) {
	case 0, 16, 24, 32:
	default:
		return fmt.Errorf("database.encryption_key must be 16, 24 or 32 bytes")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}

	if c.Sync.SettleDelay < 0 {
		return fmt.Errorf("sync.settle_delay must not be negative")
	}
	if c.Sync.MaxTemplateSize < 6 {
		return fmt.Errorf("sync.max_template_size must be at least 6")
	}
	if c.Sync.MaxUID <= 0 || c.Sync.MaxUID > 65535 {
		return fmt.Errorf("sync.max_uid must be between 1 and 65535")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}

	seen := make(map[int]bool)
	for i, d := range c.Devices {
		if d.ID <= 0 {
			return fmt.Errorf("devices[%d].id must be positive", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d].id %d is duplicated", i, d.ID)
		}
		seen[d.ID] = true
		if d.Host == "" {
			return fmt.Errorf("devices[%d].host is required", i)
		}
		if d.Transport != "tcp" && d.Transport != "udp" {
			return fmt.Errorf("devices[%d].transport must be one of: tcp, udp", i)
		}
		if d.Password != "" {
			if _, err := strconv.ParseUint(d.Password, 10, 32); err != nil {
				return fmt.Errorf("devices[%d].password must be numeric", i)
			}
		}
	}

	return nil
}

// Device returns the device with the given id.
func (c *Config) Device(id int) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// DeviceByHost returns the configured device reachable at host, if any.
func (c *Config) DeviceByHost(host string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Host == host {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
