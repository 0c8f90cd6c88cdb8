package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "TASKSYNC"

// Load loads and merges configuration from global and project sources
func Load() (*Config, error) {
	return LoadFiles(GlobalConfigPath(), ProjectConfigPath())
}

// LoadFiles merges the given YAML files over the defaults, later files
// overriding earlier ones, then applies environment overrides. Missing
// files are skipped.
func LoadFiles(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("user_id", cfg.UserID)
	v.SetDefault("remote.url", cfg.Remote.URL)
	v.SetDefault("remote.token", cfg.Remote.Token)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)
	v.SetDefault("offline.db_path", cfg.Offline.DBPath)
	v.SetDefault("offline.drain_interval", cfg.Offline.DrainInterval)
	v.SetDefault("connectivity.probe_interval", cfg.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.settle_delay", cfg.Connectivity.SettleDelay)
	v.SetDefault("inbox.dir", cfg.Inbox.Dir)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.db_path", cfg.Server.DBPath)
}

// Marshal renders cfg as YAML with human-readable durations. Secrets are
// replaced by "***" when redact is set.
func Marshal(cfg *Config, redact bool) ([]byte, error) {
	secret := func(s string) string {
		if redact && s != "" {
			return "***"
		}
		return s
	}

	users := make([]map[string]any, 0, len(cfg.Server.Users))
	for _, u := range cfg.Server.Users {
		users = append(users, map[string]any{"id": u.ID, "token": secret(u.Token)})
	}
	server := map[string]any{
		"port":    cfg.Server.Port,
		"db_path": cfg.Server.DBPath,
	}
	if len(users) > 0 {
		server["users"] = users
	}

	doc := map[string]any{
		"user_id": cfg.UserID,
		"remote": map[string]any{
			"url":   cfg.Remote.URL,
			"token": secret(cfg.Remote.Token),
		},
		"cache": map[string]any{
			"ttl": cfg.Cache.TTL.String(),
		},
		"offline": map[string]any{
			"db_path":        cfg.Offline.DBPath,
			"drain_interval": cfg.Offline.DrainInterval.String(),
		},
		"connectivity": map[string]any{
			"probe_interval": cfg.Connectivity.ProbeInterval.String(),
			"settle_delay":   cfg.Connectivity.SettleDelay.String(),
		},
		"inbox": map[string]any{
			"dir": cfg.Inbox.Dir,
		},
		"log": map[string]any{
			"file":        cfg.Log.File,
			"max_size_mb": cfg.Log.MaxSizeMB,
			"max_backups": cfg.Log.MaxBackups,
		},
		"server": server,
	}
	return yaml.Marshal(doc)
}

// WriteFile writes cfg to path, creating parent directories. An existing
// file is only replaced when overwrite is set.
func WriteFile(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s: %w", path, os.ErrExist)
		}
	}
	data, err := Marshal(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
