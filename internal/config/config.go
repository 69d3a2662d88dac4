// Package config loads and validates taskvault's TOML configuration.
// Resolution order is defaults, then the config file, then CLI flags;
// flags always win so one-off overrides need no file edits.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default sync tuning. The debounce window and pool bounds match the
// deployed behavior; operators override them in the config file.
const (
	DefaultDebounceMS      = 500
	DefaultDownloadWorkers = 10
	DefaultUploadWorkers   = 4
)

// Config is the full file configuration.
type Config struct {
	Store StoreConfig `toml:"store"`
	Sync  SyncConfig  `toml:"sync"`
	Log   LogConfig   `toml:"log"`

	// DataDir overrides where the database and token live.
	DataDir string `toml:"data_dir"`
}

// StoreConfig points at the remote object store.
type StoreConfig struct {
	BaseURL  string `toml:"base_url"`
	AuthURL  string `toml:"auth_url"`
	TokenURL string `toml:"token_url"`
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	DebounceMS      int `toml:"debounce_ms"`
	DownloadWorkers int `toml:"download_workers"`
	UploadWorkers   int `toml:"upload_workers"`
}

// LogConfig controls CLI logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
	// Format is auto (text on a TTY, JSON otherwise), text, or json.
	Format string `toml:"format"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			BaseURL:  "https://store.taskvault.app/v1",
			AuthURL:  "https://store.taskvault.app/oauth/authorize",
			TokenURL: "https://store.taskvault.app/oauth/token",
		},
		Sync: SyncConfig{
			DebounceMS:      DefaultDebounceMS,
			DownloadWorkers: DefaultDownloadWorkers,
			UploadWorkers:   DefaultUploadWorkers,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Debounce returns the debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Sync.DebounceMS) * time.Millisecond
}

// DefaultConfigPath returns the config file location:
// $XDG_CONFIG_HOME/taskvault/config.toml or the platform equivalent.
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}

	return filepath.Join(base, "taskvault", "config.toml")
}

// ResolveDataDir returns the data directory, creating it if needed:
// the configured override, or $XDG_DATA_HOME-equivalent /taskvault.
func (c *Config) ResolveDataDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("config: resolving data directory: %w", err)
		}

		dir = filepath.Join(base, "taskvault")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: creating data directory %s: %w", dir, err)
	}

	return dir, nil
}

// DBPath returns the SQLite database path inside dataDir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "taskvault.db")
}

// TokenPath returns the OAuth token file path inside dataDir.
func TokenPath(dataDir string) string {
	return filepath.Join(dataDir, "token.json")
}
