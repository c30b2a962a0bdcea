// Package config loads and persists walletchat client settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"walletchat/attachment"
	"walletchat/history"
	"walletchat/network"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "walletchat"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "WALLETCHAT"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "WALLETCHAT_DATA_DIR"
	// DefaultRealtimeURL is the relay websocket endpoint used when none is configured.
	DefaultRealtimeURL = "ws://localhost:8080/ws"
	// DefaultHistoryURL is the history service base URL used when none is configured.
	DefaultHistoryURL = "http://localhost:8080"
	// DefaultLogLevel is used when log_level is empty.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Config contains persistent client settings. Every field can be overridden by a
// WALLETCHAT_ prefixed environment variable.
type Config struct {
	ClientID                   string `json:"client_id" envconfig:"CLIENT_ID"`
	WalletAddress              string `json:"wallet_address" envconfig:"WALLET_ADDRESS"`
	RealtimeURL                string `json:"realtime_url" envconfig:"REALTIME_URL"`
	HistoryURL                 string `json:"history_url" envconfig:"HISTORY_URL"`
	HistoryLimit               int    `json:"history_limit" envconfig:"HISTORY_LIMIT"`
	MaxAttachmentBytes         int64  `json:"max_attachment_bytes" envconfig:"MAX_ATTACHMENT_BYTES"`
	ReconnectEnabled           bool   `json:"reconnect_enabled" envconfig:"RECONNECT_ENABLED"`
	ReconnectMaxAttempts       int    `json:"reconnect_max_attempts" envconfig:"RECONNECT_MAX_ATTEMPTS"`
	ReconnectInitialIntervalMS int    `json:"reconnect_initial_interval_ms" envconfig:"RECONNECT_INITIAL_INTERVAL_MS"`
	ReconnectMaxIntervalMS     int    `json:"reconnect_max_interval_ms" envconfig:"RECONNECT_MAX_INTERVAL_MS"`
	SendTimeoutMS              int    `json:"send_timeout_ms" envconfig:"SEND_TIMEOUT_MS"`
	ArchiveEnabled             bool   `json:"archive_enabled" envconfig:"ARCHIVE_ENABLED"`
	DiscoveryService           string `json:"discovery_service" envconfig:"DISCOVERY_SERVICE"`
	LogLevel                   string `json:"log_level" envconfig:"LOG_LEVEL"`
}

// Reconnect converts the reconnect settings into a session policy.
func (c *Config) Reconnect() network.ReconnectPolicy {
	return network.ReconnectPolicy{
		Enabled:         c.ReconnectEnabled,
		MaxAttempts:     c.ReconnectMaxAttempts,
		InitialInterval: time.Duration(c.ReconnectInitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(c.ReconnectMaxIntervalMS) * time.Millisecond,
	}
}

// SendTimeout returns the pending-send expiry, zero when disabled.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must be >= 0, got %d", c.HistoryLimit)
	}
	if c.MaxAttachmentBytes < 0 {
		return fmt.Errorf("max_attachment_bytes must be >= 0, got %d", c.MaxAttachmentBytes)
	}
	// base64 grows the payload by 4/3 and the frame still needs room for the envelope.
	if c.MaxAttachmentBytes/3*4 >= network.MaxFrameSize {
		return fmt.Errorf("max_attachment_bytes %d does not fit in a %d byte frame", c.MaxAttachmentBytes, network.MaxFrameSize)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnect_max_attempts must be >= 0, got %d", c.ReconnectMaxAttempts)
	}
	if c.ReconnectInitialIntervalMS < 0 || c.ReconnectMaxIntervalMS < 0 {
		return errors.New("reconnect intervals must be >= 0")
	}
	if c.SendTimeoutMS < 0 {
		return fmt.Errorf("send_timeout_ms must be >= 0, got %d", c.SendTimeoutMS)
	}
	if c.RealtimeURL != "" {
		if err := validateURL("realtime_url", c.RealtimeURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.HistoryURL != "" {
		if err := validateURL("history_url", c.HistoryURL, "http", "https"); err != nil {
			return err
		}
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			if u.Host == "" {
				return fmt.Errorf("%s %q has no host", field, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%s %q must use scheme %v", field, raw, schemes)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WALLETCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, applies .env and
// environment overrides, and returns the config with its data directory.
// Overrides are not written back to disk.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = Default()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, dataDir, nil
}

// ApplyEnv loads .env from the working directory when present and applies
// WALLETCHAT_ environment overrides onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("apply environment overrides: %w", err)
	}
	return nil
}

// Default returns a config with every default applied and a fresh client id.
func Default() *Config {
	return &Config{
		ClientID:                   uuid.NewString(),
		RealtimeURL:                DefaultRealtimeURL,
		HistoryURL:                 DefaultHistoryURL,
		HistoryLimit:               history.DefaultLimit,
		MaxAttachmentBytes:         attachment.DefaultMaxBytes,
		ReconnectEnabled:           false,
		ReconnectMaxAttempts:       network.DefaultReconnectAttempts,
		ReconnectInitialIntervalMS: int(network.DefaultReconnectInitialInterval / time.Millisecond),
		ReconnectMaxIntervalMS:     int(network.DefaultReconnectMaxInterval / time.Millisecond),
		ArchiveEnabled:             true,
		LogLevel:                   DefaultLogLevel,
	}
}

func normalizeDefaults(cfg *Config) bool {
	updated := false
	defaults := Default()

	if cfg.ClientID == "" {
		cfg.ClientID = defaults.ClientID
		updated = true
	}
	if cfg.RealtimeURL == "" && cfg.DiscoveryService == "" {
		cfg.RealtimeURL = defaults.RealtimeURL
		updated = true
	}
	if cfg.HistoryURL == "" {
		cfg.HistoryURL = defaults.HistoryURL
		updated = true
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
		updated = true
	}
	if cfg.MaxAttachmentBytes == 0 {
		cfg.MaxAttachmentBytes = defaults.MaxAttachmentBytes
		updated = true
	}
	if cfg.ReconnectMaxAttempts == 0 {
		cfg.ReconnectMaxAttempts = defaults.ReconnectMaxAttempts
		updated = true
	}
	if cfg.ReconnectInitialIntervalMS == 0 {
		cfg.ReconnectInitialIntervalMS = defaults.ReconnectInitialIntervalMS
		updated = true
	}
	if cfg.ReconnectMaxIntervalMS == 0 {
		cfg.ReconnectMaxIntervalMS = defaults.ReconnectMaxIntervalMS
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
		updated = true
	}

	return updated
}
