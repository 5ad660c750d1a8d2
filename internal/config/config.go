package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load when the corresponding field is absent.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultMaxAttachmentMB   = 10
)

// DefaultMimePrefixes is the attachment allow-list used when the config
// does not override it.
var DefaultMimePrefixes = []string{
	"image/",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument",
	"text/plain",
}

// Config represents the sync client configuration (config.toml).
type Config struct {
	// ServerURL is the portal REST base URL, e.g. "https://portal.example/api".
	ServerURL string `toml:"server_url"`
	// WSURL is the push-channel base URL, e.g. "wss://portal.example".
	WSURL string `toml:"ws_url"`
	// SessionToken is the portal session JWT for the local user.
	SessionToken string `toml:"session_token"`
	// DataDir holds the session cache DB, lock file and logs.
	DataDir string `toml:"data_dir"`

	HeartbeatSeconds    int      `toml:"heartbeat_seconds"`
	ReconnectSeconds    int      `toml:"reconnect_seconds"`
	MaxAttachmentMB     int64    `toml:"max_attachment_mb"`
	AllowedMimePrefixes []string `toml:"allowed_mime_prefixes"`
}

// Load reads config from the given path and applies defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = int(DefaultHeartbeatInterval / time.Second)
	}
	if c.ReconnectSeconds <= 0 {
		c.ReconnectSeconds = int(DefaultReconnectDelay / time.Second)
	}
	if c.MaxAttachmentMB <= 0 {
		c.MaxAttachmentMB = DefaultMaxAttachmentMB
	}
	if len(c.AllowedMimePrefixes) == 0 {
		c.AllowedMimePrefixes = append([]string(nil), DefaultMimePrefixes...)
	}
	if c.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.DataDir = filepath.Join(home, ".unexca-sync")
	}
}

// Validate checks that the fields without usable defaults are set.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	if c.WSURL == "" {
		return fmt.Errorf("config: ws_url is required")
	}
	if c.SessionToken == "" {
		return fmt.Errorf("config: session_token is required")
	}
	return nil
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// ReconnectDelay returns the fixed reconnect delay as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectSeconds) * time.Second
}

// MaxAttachmentBytes returns the attachment size ceiling in bytes.
func (c *Config) MaxAttachmentBytes() int64 {
	return c.MaxAttachmentMB * 1024 * 1024
}

// DBPath returns the session cache database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "sync.db")
}

// LockDir returns the lock file directory (one sync client per user session).
func (c *Config) LockDir() string {
	return c.DataDir
}

// LogPath returns the log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "syncd.log")
}
