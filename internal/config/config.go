package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileEnv names the environment variable pointing at an optional TOML file.
const FileEnv = "TABLESTAGE_CONFIG"

type Config struct {
	Addr       string
	CORSOrigin string
	// DataDir is the file host's working directory.
	DataDir        string
	HistoryDSN     string
	RedisURL       string
	MeiliURL       string
	MeiliMasterKey string
	IsolationKey   string
	AutoSave       bool
	AutoSaveDelay  time.Duration
	SuppressWindow time.Duration
	LogLevel       string
}

// fileConfig mirrors Config in TOML. Durations are strings such as "2s".
type fileConfig struct {
	Addr           string `toml:"addr"`
	CORSOrigin     string `toml:"cors_origin"`
	DataDir        string `toml:"data_dir"`
	HistoryDSN     string `toml:"history_dsn"`
	RedisURL       string `toml:"redis_url"`
	MeiliURL       string `toml:"meili_url"`
	MeiliMasterKey string `toml:"meili_master_key"`
	IsolationKey   string `toml:"isolation_key"`
	AutoSave       *bool  `toml:"autosave"`
	AutoSaveDelay  string `toml:"autosave_delay"`
	SuppressWindow string `toml:"suppress_window"`
	LogLevel       string `toml:"log_level"`
}

func Default() Config {
	return Config{
		Addr:           ":8787",
		CORSOrigin:     "*",
		DataDir:        "./data/chat",
		HistoryDSN:     "sqlite://./data/history.db",
		AutoSaveDelay:  3 * time.Second,
		SuppressWindow: 2 * time.Second,
		LogLevel:       "info",
	}
}

// Load starts from defaults, applies the TOML file named by TABLESTAGE_CONFIG
// if set, then environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.Addr = getenv("TABLESTAGE_ADDR", cfg.Addr)
	cfg.CORSOrigin = getenv("TABLESTAGE_CORS_ORIGIN", cfg.CORSOrigin)
	cfg.DataDir = getenv("TABLESTAGE_DATA_DIR", cfg.DataDir)
	cfg.HistoryDSN = getenv("TABLESTAGE_HISTORY_DSN", cfg.HistoryDSN)
	cfg.RedisURL = getenv("TABLESTAGE_REDIS_URL", cfg.RedisURL)
	cfg.MeiliURL = getenv("TABLESTAGE_MEILI_URL", cfg.MeiliURL)
	cfg.MeiliMasterKey = getenv("TABLESTAGE_MEILI_MASTER_KEY", cfg.MeiliMasterKey)
	cfg.IsolationKey = getenv("TABLESTAGE_ISOLATION_KEY", cfg.IsolationKey)
	cfg.AutoSave = getenvBool("TABLESTAGE_AUTOSAVE", cfg.AutoSave)
	cfg.AutoSaveDelay = getenvDuration("TABLESTAGE_AUTOSAVE_DELAY", cfg.AutoSaveDelay)
	cfg.SuppressWindow = getenvDuration("TABLESTAGE_SUPPRESS_WINDOW", cfg.SuppressWindow)
	cfg.LogLevel = getenv("TABLESTAGE_LOG_LEVEL", cfg.LogLevel)
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Addr, fc.Addr)
	set(&c.CORSOrigin, fc.CORSOrigin)
	set(&c.DataDir, fc.DataDir)
	set(&c.HistoryDSN, fc.HistoryDSN)
	set(&c.RedisURL, fc.RedisURL)
	set(&c.MeiliURL, fc.MeiliURL)
	set(&c.MeiliMasterKey, fc.MeiliMasterKey)
	set(&c.IsolationKey, fc.IsolationKey)
	set(&c.LogLevel, fc.LogLevel)
	if fc.AutoSave != nil {
		c.AutoSave = *fc.AutoSave
	}
	for _, d := range []struct {
		dst  *time.Duration
		raw  string
		name string
	}{
		{&c.AutoSaveDelay, fc.AutoSaveDelay, "autosave_delay"},
		{&c.SuppressWindow, fc.SuppressWindow, "suppress_window"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
