package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

const remoteTokenEnv = "SYNCQ_REMOTE_TOKEN"

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SYNCQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "SYNCQ_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SYNCQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SYNCQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "SYNCQ_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "sync.base_url", typ: kString, env: "SYNCQ_SYNC_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.BaseURL },
	},
	{
		key: "sync.max_retries", typ: kInt, env: "SYNCQ_SYNC_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxRetries },
	},
	{
		key: "sync.base_delay", typ: kDuration, env: "SYNCQ_SYNC_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Sync.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.BaseDelay },
	},
	{
		key: "sync.max_delay", typ: kDuration, env: "SYNCQ_SYNC_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.MaxDelay },
	},
	{
		key: "sync.request_timeout", typ: kDuration, env: "SYNCQ_SYNC_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sync.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.RequestTimeout },
	},
	{
		key: "sync.schedule", typ: kString, env: "SYNCQ_SYNC_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Sync.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Schedule },
	},
	{
		key: "sync.remote_token", typ: kString, env: remoteTokenEnv,
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.RemoteToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.RemoteToken },
	},
	{
		key: "connectivity.probe_url", typ: kString, env: "SYNCQ_CONNECTIVITY_PROBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeURL },
	},
	{
		key: "connectivity.probe_interval", typ: kDuration, env: "SYNCQ_CONNECTIVITY_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeInterval },
	},
}

func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := parseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := parseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
