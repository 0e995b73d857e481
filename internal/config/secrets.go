package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	secretsService     = "syncq"
	accountAPIToken    = "api_token"
	accountRemoteToken = "remote_token"
)

var errSecretNotFound = errors.New("secret not found")

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "syncq", "secrets.json")
}

// fileSecrets reads the 0600 secrets file kept next to the data directory.
type fileSecrets struct{}

func (fileSecrets) Get(account string) (string, error) {
	return secretGet(secretsFilePath(), account)
}

func readSecrets(path string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func secretGet(path, account string) (string, error) {
	secrets, err := readSecrets(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errSecretNotFound
		}
		return "", err
	}
	val, ok := secrets[secretsService][account]
	if !ok || val == "" {
		return "", errSecretNotFound
	}
	return val, nil
}

func secretSet(path, account, value string) error {
	secrets, err := readSecrets(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[secretsService] == nil {
		secrets[secretsService] = make(map[string]string)
	}
	if value == "" {
		delete(secrets[secretsService], account)
	} else {
		secrets[secretsService][account] = value
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// GetAPIToken returns the bearer token guarding the local API, generating and
// persisting one on first use.
func GetAPIToken() (string, error) {
	return apiTokenAt(secretsFilePath())
}

func apiTokenAt(path string) (string, error) {
	tok, err := secretGet(path, accountAPIToken)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, errSecretNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := secretSet(path, accountAPIToken, tok); err != nil {
		return "", fmt.Errorf("saving api token: %w", err)
	}
	return tok, nil
}

// RemoteToken returns the credential for the remote API: SYNCQ_REMOTE_TOKEN
// if set, else the secrets file. A missing credential yields "" and no error.
func RemoteToken() (string, error) {
	return remoteTokenAt(secretsFilePath())
}

func remoteTokenAt(path string) (string, error) {
	if tok := os.Getenv(remoteTokenEnv); tok != "" {
		return tok, nil
	}
	tok, err := secretGet(path, accountRemoteToken)
	if errors.Is(err, errSecretNotFound) {
		return "", nil
	}
	return tok, err
}

// SetRemoteToken stores the remote credential. An empty value removes it.
func SetRemoteToken(value string) error {
	return secretSet(secretsFilePath(), accountRemoteToken, value)
}
