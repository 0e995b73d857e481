package config

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyInfo is one row of `syncq config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every non-secret key with its effective value in cfg, after
// the TOML file and SYNCQ_* overrides have been applied.
func ShowAll(cfg Config) []KeyInfo {
	keys := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if s.secret {
			continue
		}
		keys = append(keys, KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))})
	}
	return keys
}

// SetKey checks value against the key's type and writes it to config.toml.
// A SYNCQ_* variable for the same key still takes precedence at load time.
func SetKey(key, value string) error {
	return setKeyIn(newFileBackend(configFilePath()), key, value)
}

func setKeyIn(b ConfigBackend, key, value string) error {
	s, err := lookupKey(key)
	if err != nil {
		return err
	}

	switch s.typ {
	case kInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		return b.SetInt(key, n)
	case kDuration:
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("invalid duration value for %s: %w", key, err)
		}
	}
	// Durations are kept in their written form ("30s") so the file stays readable.
	return b.SetString(key, value)
}

func lookupKey(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("%s is a secret: use `syncq config set-remote-token` or %s", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
}

// ValidKeys returns the keys `syncq config set` accepts.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
