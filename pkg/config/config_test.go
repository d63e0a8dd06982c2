package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadConfig() = %v", err)
	}
	if cfg.Server.Port != 3333 || cfg.Send.TimeoutMS != 15000 || cfg.WhatsApp.MaxQRRetries != 5 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Relay.BaseURL != "http://localhost:3001" {
		t.Fatalf("relay base = %q", cfg.Relay.BaseURL)
	}
}

func TestLoadConfigFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":4000},"send":{"timeout_ms":5000}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4000 || cfg.Send.TimeoutMS != 5000 {
		t.Fatalf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Send.BackoffMS != 1000 {
		t.Fatalf("unset field lost its default: %d", cfg.Send.BackoffMS)
	}
}

func TestLoadConfigRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_ = os.WriteFile(path, []byte(`{`), 0o600)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WHATSAPP_WEB_PORT", "4444")
	t.Setenv("WHATSAPP_WEB_ALLOWED_ORIGINS", "https://crm.example.com, https://admin.example.com")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("WHATSAPP_SEND_TIMEOUT_MS", "9000")
	t.Setenv("APP_URL", "https://crm.example.com/")
	t.Setenv("WHATSAPP_WEB_BRIDGE_SECRET", "top-secret")
	t.Setenv("WHATSAPP_CLIENT_ID", "shop")

	cfg := DefaultConfig()
	if !applyEnvOverrides(cfg) {
		t.Fatal("applyEnvOverrides() reported no change")
	}

	if cfg.Server.Port != 4444 || cfg.Send.TimeoutMS != 9000 {
		t.Fatalf("ints = %d %d", cfg.Server.Port, cfg.Send.TimeoutMS)
	}
	want := []string{"https://crm.example.com", "https://admin.example.com"}
	if !reflect.DeepEqual(cfg.Server.AllowedOrigins, want) {
		t.Fatalf("origins = %v", cfg.Server.AllowedOrigins)
	}
	if !cfg.IsProduction() {
		t.Fatal("NODE_ENV=production not applied")
	}
	if cfg.Relay.BaseURL != "https://crm.example.com" || cfg.Relay.Secret != "top-secret" {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
	if filepath.Base(cfg.ProfileDir()) != "shop" {
		t.Fatalf("profile dir = %s", cfg.ProfileDir())
	}
}

func TestEnvOverridesIgnoreInvalidNumbers(t *testing.T) {
	t.Setenv("WHATSAPP_SEND_TIMEOUT_MS", "soon")
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	if cfg.Send.TimeoutMS != 15000 {
		t.Fatalf("timeout = %d", cfg.Send.TimeoutMS)
	}
}

func TestPostgresURLFromParts(t *testing.T) {
	t.Setenv("WABRIDGE_STORAGE_TYPE", "postgres")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "d")
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	if cfg.Storage.DatabaseURL != "postgres://u:p@postgres:5432/d?sslmode=disable" {
		t.Fatalf("url = %q", cfg.Storage.DatabaseURL)
	}
}

func TestWatchdogOff(t *testing.T) {
	t.Setenv("WABRIDGE_WATCHDOG_SCHEDULE", "off")
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	if cfg.Watchdog.Schedule != "" {
		t.Fatalf("schedule = %q", cfg.Watchdog.Schedule)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Server.Port = 5000
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
	got, err := LoadConfigFromFile(path)
	if err != nil || got.Server.Port != 5000 {
		t.Fatalf("reload = %+v, %v", got, err)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":            "",
		"abc":         "*****abc",
		"supersecret": "*****ecret",
	}
	for in, want := range tests {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSecretMaskMapAndClear(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relay.Secret = "relay-secret-value"
	masks := SecretMaskMap(cfg)
	if masks["relay.secret"] != "*****value" {
		t.Fatalf("masks = %v", masks)
	}
	ClearSecrets(cfg)
	if cfg.Relay.Secret != "" {
		t.Fatal("ClearSecrets left the relay secret")
	}
}

func TestRelaySecretResolution(t *testing.T) {
	keyring.MockInit()
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	if got := cfg.RelaySecret(); got != "" {
		t.Fatalf("RelaySecret() = %q, want empty", got)
	}

	if _, err := StoreRelaySecret("from-keyring"); err != nil {
		t.Fatal(err)
	}
	if got := cfg.RelaySecret(); got != "from-keyring" {
		t.Fatalf("RelaySecret() = %q", got)
	}

	cfg.Relay.Secret = "from-config"
	if got := cfg.RelaySecret(); got != "from-config" {
		t.Fatalf("config secret should win, got %q", got)
	}

	if err := ClearRelaySecret(); err != nil {
		t.Fatal(err)
	}
	cfg.Relay.Secret = ""
	if got := cfg.RelaySecret(); got != "" {
		t.Fatalf("RelaySecret() after clear = %q", got)
	}
}

func TestStoreRelaySecretRejectsEmpty(t *testing.T) {
	if _, err := StoreRelaySecret("  "); err == nil {
		t.Fatal("expected error")
	}
}

func TestStorageFilePath(t *testing.T) {
	t.Setenv("HOME", "/home/ops")
	cfg := DefaultConfig()
	if got := cfg.StorageFilePath(); got != "/home/ops/.wabridge/state" {
		t.Fatalf("file path = %s", got)
	}
	cfg.Storage.Type = "sqlite"
	if got := cfg.StorageFilePath(); got != "/home/ops/.wabridge/wabridge.db" {
		t.Fatalf("sqlite path = %s", got)
	}
	cfg.Storage.FilePath = "~/data/x.db"
	if got := cfg.StorageFilePath(); got != "/home/ops/data/x.db" {
		t.Fatalf("expanded = %s", got)
	}
}
