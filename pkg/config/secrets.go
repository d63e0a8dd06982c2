package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService   = "wabridge"
	keyringRelayUser = "relay-secret"
)

type secretAccessor struct {
	Path string
	Get  func(*Config) string
	Set  func(*Config, string)
}

var secretAccessors = []secretAccessor{
	{
		Path: "relay.secret",
		Get:  func(c *Config) string { return c.Relay.Secret },
		Set:  func(c *Config, v string) { c.Relay.Secret = v },
	},
	{
		Path: "storage.database_url",
		Get:  func(c *Config) string { return c.Storage.DatabaseURL },
		Set:  func(c *Config, v string) { c.Storage.DatabaseURL = v },
	},
}

func MaskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 5 {
		return "*****" + value
	}
	return "*****" + value[len(value)-5:]
}

// SecretMaskMap returns the masked value of every configured secret, keyed by
// its JSON path.
func SecretMaskMap(cfg *Config) map[string]string {
	result := make(map[string]string)
	if cfg == nil {
		return result
	}
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	for _, accessor := range secretAccessors {
		value := accessor.Get(cfg)
		if value != "" {
			result[accessor.Path] = MaskSecret(value)
		}
	}
	return result
}

// ClearSecrets blanks every secret field, e.g. before printing a config.
func ClearSecrets(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	for _, accessor := range secretAccessors {
		accessor.Set(cfg, "")
	}
}

// RelaySecret resolves the shared secret for the inbound relay: config and
// environment first, then the OS keyring, then the fallback file.
func (c *Config) RelaySecret() string {
	c.mu.RLock()
	secret := strings.TrimSpace(c.Relay.Secret)
	c.mu.RUnlock()
	if secret != "" {
		return secret
	}
	if v, err := keyring.Get(keyringService, keyringRelayUser); err == nil && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if data, err := os.ReadFile(fallbackRelaySecretPath()); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}

// StoreRelaySecret saves secret in the OS keyring, falling back to an
// owner-only file when no keyring is available (headless/container).
// It reports whether the fallback file was used.
func StoreRelaySecret(secret string) (bool, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false, errors.New("secret is empty")
	}
	if err := keyring.Set(keyringService, keyringRelayUser, secret); err == nil {
		return false, nil
	}

	path := fallbackRelaySecretPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return true, err
	}
	return true, os.WriteFile(path, []byte(secret), 0o600)
}

// ClearRelaySecret removes the secret from the keyring and the fallback file.
func ClearRelaySecret() error {
	var errs []error
	if err := keyring.Delete(keyringService, keyringRelayUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		errs = append(errs, err)
	}
	if err := os.Remove(fallbackRelaySecretPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func fallbackRelaySecretPath() string {
	return filepath.Join(HomeDir(), ".relay-secret")
}
