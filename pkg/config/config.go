// Package config loads bridge settings from a JSON file and the environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Send     SendConfig     `json:"send"`
	Reclaim  ReclaimConfig  `json:"reclaim"`
	Relay    RelayConfig    `json:"relay"`
	Storage  StorageConfig  `json:"storage"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Log      LogConfig      `json:"log"`

	mu sync.RWMutex
}

type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	Environment    string   `json:"environment"`
}

type WhatsAppConfig struct {
	ClientID           string `json:"client_id"`
	StorePath          string `json:"store_path"`
	PrintQRTerminal    bool   `json:"print_qr_terminal"`
	SettleDelayMS      int    `json:"settle_delay_ms"`
	RecoveryCooldownMS int    `json:"recovery_cooldown_ms"`
	LaunchTimeoutMS    int    `json:"launch_timeout_ms"`
	MaxQRRetries       int    `json:"max_qr_retries"`
	AutoStart          bool   `json:"auto_start"`
}

type SendConfig struct {
	TimeoutMS           int `json:"timeout_ms"`
	BackoffMS           int `json:"backoff_ms"`
	EscalationWindowMS  int `json:"escalation_window_ms"`
	EscalationThreshold int `json:"escalation_threshold"`
}

type ReclaimConfig struct {
	Dirs           []string `json:"dirs"`
	ProcessPattern string   `json:"process_pattern"`
}

type RelayConfig struct {
	BaseURL   string `json:"base_url"`
	Secret    string `json:"secret,omitempty"`
	TimeoutMS int    `json:"timeout_ms"`
}

type StorageConfig struct {
	Type        string `json:"type"` // none, file, sqlite, postgres
	FilePath    string `json:"file_path"`
	DatabaseURL string `json:"database_url,omitempty"`
	SSLEnabled  bool   `json:"ssl_enabled"`
	MaxJournal  int    `json:"max_journal"`
}

type WatchdogConfig struct {
	Schedule      string `json:"schedule"`
	InitTimeoutMS int    `json:"init_timeout_ms"`
}

type LogConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           3333,
			AllowedOrigins: []string{},
			Environment:    "development",
		},
		WhatsApp: WhatsAppConfig{
			ClientID:           "default",
			SettleDelayMS:      2000,
			RecoveryCooldownMS: 8000,
			LaunchTimeoutMS:    60000,
			MaxQRRetries:       5,
			AutoStart:          true,
		},
		Send: SendConfig{
			TimeoutMS:           15000,
			BackoffMS:           1000,
			EscalationWindowMS:  60000,
			EscalationThreshold: 2,
		},
		Relay: RelayConfig{
			BaseURL:   "http://localhost:3001",
			TimeoutMS: 10000,
		},
		Storage: StorageConfig{
			Type:       "file",
			MaxJournal: 500,
		},
		Watchdog: WatchdogConfig{
			Schedule:      "* * * * *",
			InitTimeoutMS: 180000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// HomeDir is the bridge's state directory.
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wabridge")
}

func DefaultConfigPath() string {
	return filepath.Join(HomeDir(), "config.json")
}

// ExpandHome expands a leading ~ in path.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && (path[1] == '/' || path[1] == '\\') {
		return home + path[1:]
	}
	return home
}

// ProfileDir is the per-client session directory.
func (c *Config) ProfileDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profileDirLocked()
}

func (c *Config) profileDirLocked() string {
	id := c.WhatsApp.ClientID
	if id == "" {
		id = "default"
	}
	return filepath.Join(HomeDir(), "sessions", id)
}

// StorePath is the whatsmeow device database.
func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.WhatsApp.StorePath != "" {
		return ExpandHome(c.WhatsApp.StorePath)
	}
	return filepath.Join(c.profileDirLocked(), "whatsapp.db")
}

// ReclaimDirs are the directories scanned for stale markers.
func (c *Config) ReclaimDirs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Reclaim.Dirs) == 0 {
		dirs := []string{c.profileDirLocked()}
		if c.WhatsApp.StorePath != "" {
			dirs = append(dirs, filepath.Dir(ExpandHome(c.WhatsApp.StorePath)))
		}
		return dirs
	}
	out := make([]string, len(c.Reclaim.Dirs))
	for i, d := range c.Reclaim.Dirs {
		out[i] = ExpandHome(d)
	}
	return out
}

// StorageFilePath resolves the storage location for file and sqlite.
func (c *Config) StorageFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Storage.FilePath != "" {
		return ExpandHome(c.Storage.FilePath)
	}
	if c.Storage.Type == "sqlite" {
		return filepath.Join(HomeDir(), "wabridge.db")
	}
	return filepath.Join(HomeDir(), "state")
}

// IsProduction disables the permissive localhost origin default.
func (c *Config) IsProduction() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.EqualFold(c.Server.Environment, "production")
}

func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.Marshal(c)
	if err != nil {
		return DefaultConfig()
	}
	clone := DefaultConfig()
	if err := json.Unmarshal(data, clone); err != nil {
		return DefaultConfig()
	}
	return clone
}
