// Package config loads tasksync configuration.
//
// Values come from, in increasing precedence: built-in defaults, the global
// file ~/.tasksync/config.yaml, the project file ./.tasksync/config.yaml and
// TASKSYNC_* environment variables (TASKSYNC_REMOTE_URL for remote.url).
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the full configuration.
type Config struct {
	UserID       string             `mapstructure:"user_id" yaml:"user_id"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Offline      OfflineConfig      `mapstructure:"offline" yaml:"offline"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Inbox        InboxConfig        `mapstructure:"inbox" yaml:"inbox"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
}

// RemoteConfig addresses the backing service.
type RemoteConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Token string `mapstructure:"token" yaml:"token"`
}

// CacheConfig configures the snapshot cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// OfflineConfig configures the offline queue.
type OfflineConfig struct {
	DBPath        string        `mapstructure:"db_path" yaml:"db_path"`
	DrainInterval time.Duration `mapstructure:"drain_interval" yaml:"drain_interval"`
}

// ConnectivityConfig configures the connectivity monitor.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	SettleDelay   time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// InboxConfig configures the draft inbox. An empty Dir disables it.
type InboxConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LogConfig configures log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// ServerConfig configures the reference backing service.
type ServerConfig struct {
	Port   int          `mapstructure:"port" yaml:"port"`
	DBPath string       `mapstructure:"db_path" yaml:"db_path"`
	Users  []ServerUser `mapstructure:"users" yaml:"users,omitempty"`
}

// ServerUser maps a bearer token to a user id.
type ServerUser struct {
	ID    string `mapstructure:"id" yaml:"id"`
	Token string `mapstructure:"token" yaml:"token"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			URL: "http://localhost:8080",
		},
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
		},
		Offline: OfflineConfig{
			DBPath:        filepath.Join(GlobalDir(), "offline.db"),
			DrainInterval: 30 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			SettleDelay:   2 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Server: ServerConfig{
			Port:   8080,
			DBPath: filepath.Join(GlobalDir(), "server.db"),
		},
	}
}

// ServerTokens returns the token to user id map of the configured users.
func (c *Config) ServerTokens() map[string]string {
	if len(c.Server.Users) == 0 {
		return nil
	}
	tokens := make(map[string]string, len(c.Server.Users))
	for _, u := range c.Server.Users {
		tokens[u.Token] = u.ID
	}
	return tokens
}

// GlobalDir returns the global tasksync directory.
func GlobalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasksync"
	}
	return filepath.Join(home, ".tasksync")
}

// ProjectDir returns the project tasksync directory.
func ProjectDir() string {
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, ".tasksync")
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	return filepath.Join(GlobalDir(), "config.yaml")
}

// ProjectConfigPath returns the path to the project config file
func ProjectConfigPath() string {
	return filepath.Join(ProjectDir(), "config.yaml")
}
