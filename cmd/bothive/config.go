package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all bothive server configuration.
// Priority: env vars > settings.json > defaults. A .env file in the working
// directory is loaded into the environment first.
type Config struct {
	ListenAddr   string `json:"listen_addr"`
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	PoolSize     int    `json:"pool_size"`
	TickInterval string `json:"tick_interval"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:   ":4200",
		DBPath:       filepath.Join(bothiveDir(), "bothive.db"),
		LogLevel:     "info",
		PoolSize:     8,
		TickInterval: "30s",
	}
}

func bothiveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bothive"
	}
	return filepath.Join(home, ".bothive")
}

func settingsPath() string {
	return filepath.Join(bothiveDir(), "settings.json")
}

func loadConfig() Config {
	// Layer 0: optional .env file (ignore if missing).
	_ = godotenv.Load()

	cfg := defaultConfig()

	// Layer 1: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 2: env vars override.
	if v := os.Getenv("BOTHIVE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BOTHIVE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BOTHIVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BOTHIVE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("BOTHIVE_TICK_INTERVAL"); v != "" {
		cfg.TickInterval = v
	}
	return cfg
}

func (c Config) tickInterval() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d < time.Second {
		return 30 * time.Second
	}
	return d
}
