package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Log          LogConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
	File  string
}

type SyncConfig struct {
	BaseURL        string
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	Schedule       string
	RemoteToken    string
}

type ConnectivityConfig struct {
	ProbeURL      string
	ProbeInterval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Sync: SyncConfig{
			MaxRetries:     3,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			RequestTimeout: 30 * time.Second,
			Schedule:       "@every 1m",
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
		},
	}
}

func xdgDir(env string, fallback ...string) string {
	dir := os.Getenv(env)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(append([]string{home}, fallback...)...)
	}
	return dir
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "syncq")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "syncq", "config.toml")
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/syncq/config.toml, then applies SYNCQ_* environment
// overrides. The remote credential comes from SYNCQ_REMOTE_TOKEN or the
// secrets file.
func Load() (Config, error) {
	return loadFromPath(configFilePath(), fileSecrets{})
}

func loadFromPath(path string, secrets secretReader) (Config, error) {
	return loadWith(newFileBackend(path), secrets)
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Sync.RemoteToken == "" {
		if tok, err := secrets.Get(accountRemoteToken); err == nil {
			cfg.Sync.RemoteToken = tok
		}
	}

	return cfg, nil
}

// Validate checks the settings the daemon needs to run.
func (c Config) Validate() error {
	if c.Sync.BaseURL == "" {
		return fmt.Errorf("missing required config: sync.base_url. " +
			"Set it with `syncq config set sync.base_url <url>` or SYNCQ_SYNC_BASE_URL")
	}
	u, err := url.Parse(c.Sync.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid sync.base_url %q: must be an absolute http(s) URL", c.Sync.BaseURL)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("invalid sync.max_retries %d: must be at least 1", c.Sync.MaxRetries)
	}
	if c.Sync.BaseDelay > c.Sync.MaxDelay {
		return fmt.Errorf("sync.base_delay (%s) exceeds sync.max_delay (%s)", c.Sync.BaseDelay, c.Sync.MaxDelay)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}
