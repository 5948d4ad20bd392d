package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	Engine     string `json:"engine"`
	TimeoutSec int    `json:"timeout_sec"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:   "info",
		Engine:     "cel",
		TimeoutSec: 30,
	}
}

func arazzoDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arazzo"
	}
	return filepath.Join(home, ".arazzo")
}

func settingsPath() string {
	return filepath.Join(arazzoDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ARAZZO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ARAZZO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARAZZO_ENGINE"); v != "" {
		cfg.Engine = v
	}
	if v := os.Getenv("ARAZZO_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSec = n
		}
	}

	return cfg
}
