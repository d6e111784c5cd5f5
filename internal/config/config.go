// Package config loads the fasal configuration: defaults, then the TOML
// config file, then FASAL_* environment variables, later layers winning.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server  ServerConfig
	Remote  RemoteConfig
	Storage StorageConfig
	Cache   CacheConfig
	Probe   ProbeConfig
}

type ServerConfig struct {
	Port  int
	Token string // bearer token the local SPA presents; empty disables auth
}

type RemoteConfig struct {
	BaseURL string
	Token   string
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	MarketExpiry     time.Duration
	FetchAttempts    int
	RetryDelay       time.Duration
	Retention        time.Duration
	CleanupInterval  time.Duration
	PreloadDistricts []string
}

type ProbeConfig struct {
	Interval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Remote: RemoteConfig{
			BaseURL: "https://api.fasal.example.com/v1",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			MarketExpiry:    6 * time.Hour,
			FetchAttempts:   3,
			RetryDelay:      time.Second,
			Retention:       30 * 24 * time.Hour,
			CleanupInterval: 6 * time.Hour,
			PreloadDistricts: []string{
				"Ranchi", "Dhanbad", "Bokaro", "Hazaribagh", "Giridih",
			},
		},
		Probe: ProbeConfig{
			Interval: 30 * time.Second,
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "fasal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "fasal-data"
	}
	return filepath.Join(home, ".local", "share", "fasal")
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "fasal", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "fasal", "config.toml")
}

// fileConfig mirrors the TOML file. Durations are strings in Go duration
// syntax ("6h", "1s").
type fileConfig struct {
	Server struct {
		Port  int    `toml:"port"`
		Token string `toml:"token"`
	} `toml:"server"`
	Remote struct {
		BaseURL string `toml:"base_url"`
		Token   string `toml:"token"`
	} `toml:"remote"`
	Storage struct {
		DataDir string `toml:"data_dir"`
	} `toml:"storage"`
	Cache struct {
		MarketExpiry     string   `toml:"market_expiry"`
		FetchAttempts    int      `toml:"fetch_attempts"`
		RetryDelay       string   `toml:"retry_delay"`
		Retention        string   `toml:"retention"`
		CleanupInterval  string   `toml:"cleanup_interval"`
		PreloadDistricts []string `toml:"preload_districts"`
	} `toml:"cache"`
	Probe struct {
		Interval string `toml:"interval"`
	} `toml:"probe"`
}

// Load reads configuration from path, or the default location when path is
// empty. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = defaultConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults and env only.
	case err != nil:
		return Config{}, fmt.Errorf("reading config: %w", err)
	default:
		var raw fileConfig
		if err := toml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
		if err := applyFile(&cfg, raw); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Remote.BaseURL == "" {
		return Config{}, fmt.Errorf("missing required config: remote base URL (set remote.base_url or FASAL_REMOTE_URL)")
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw fileConfig) error {
	if raw.Server.Port != 0 {
		cfg.Server.Port = raw.Server.Port
	}
	if raw.Server.Token != "" {
		cfg.Server.Token = raw.Server.Token
	}
	if s := strings.TrimSpace(raw.Remote.BaseURL); s != "" {
		cfg.Remote.BaseURL = s
	}
	if raw.Remote.Token != "" {
		cfg.Remote.Token = raw.Remote.Token
	}
	if s := strings.TrimSpace(raw.Storage.DataDir); s != "" {
		cfg.Storage.DataDir = s
	}
	if raw.Cache.FetchAttempts != 0 {
		cfg.Cache.FetchAttempts = raw.Cache.FetchAttempts
	}
	if len(raw.Cache.PreloadDistricts) > 0 {
		cfg.Cache.PreloadDistricts = raw.Cache.PreloadDistricts
	}

	for _, d := range []struct {
		raw  string
		key  string
		dest *time.Duration
	}{
		{raw.Cache.MarketExpiry, "cache.market_expiry", &cfg.Cache.MarketExpiry},
		{raw.Cache.RetryDelay, "cache.retry_delay", &cfg.Cache.RetryDelay},
		{raw.Cache.Retention, "cache.retention", &cfg.Cache.Retention},
		{raw.Cache.CleanupInterval, "cache.cleanup_interval", &cfg.Cache.CleanupInterval},
		{raw.Probe.Interval, "probe.interval", &cfg.Probe.Interval},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.key, d.raw, err)
		}
		*d.dest = parsed
	}
	return nil
}

// Environment variables override both defaults and the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FASAL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var FASAL_PORT=%q: %v. Using configured value.\n", v, err)
		}
	}
	if v := os.Getenv("FASAL_SERVER_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("FASAL_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("FASAL_REMOTE_TOKEN"); v != "" {
		cfg.Remote.Token = v
	}
	if v := os.Getenv("FASAL_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("FASAL_MARKET_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.MarketExpiry = d
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var FASAL_MARKET_EXPIRY=%q: %v. Using configured value.\n", v, err)
		}
	}
	if v := os.Getenv("FASAL_PRELOAD_DISTRICTS"); v != "" {
		parts := strings.Split(v, ",")
		districts := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				districts = append(districts, p)
			}
		}
		cfg.Cache.PreloadDistricts = districts
	}
}
