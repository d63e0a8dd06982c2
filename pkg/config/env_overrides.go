package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides applies selected runtime environment variables into config.
// It returns true when any value changed.
func applyEnvOverrides(cfg *Config) bool {
	if cfg == nil {
		return false
	}
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	changed := false

	setString := func(dst *string, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		if *dst != value {
			*dst = value
			changed = true
		}
	}
	setInt := func(dst *int, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return
		}
		if *dst != parsed {
			*dst = parsed
			changed = true
		}
	}
	setBool := func(dst *bool, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return
		}
		if *dst != parsed {
			*dst = parsed
			changed = true
		}
	}
	setList := func(dst *[]string, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		var out []string
		for _, part := range strings.Split(value, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
		changed = true
	}

	env := func(keys ...string) string {
		for _, key := range keys {
			if value := strings.TrimSpace(os.Getenv(key)); value != "" {
				return value
			}
		}
		return ""
	}

	setString(&cfg.Server.Host, env("WHATSAPP_WEB_HOST"))
	setInt(&cfg.Server.Port, env("WHATSAPP_WEB_PORT"))
	setList(&cfg.Server.AllowedOrigins, env("WHATSAPP_WEB_ALLOWED_ORIGINS"))
	setString(&cfg.Server.Environment, env("WABRIDGE_ENV", "NODE_ENV"))

	setString(&cfg.WhatsApp.ClientID, env("WHATSAPP_CLIENT_ID"))
	setString(&cfg.WhatsApp.StorePath, env("WHATSAPP_STORE_PATH"))
	setBool(&cfg.WhatsApp.PrintQRTerminal, env("WHATSAPP_PRINT_QR"))

	setInt(&cfg.Send.TimeoutMS, env("WHATSAPP_SEND_TIMEOUT_MS"))

	setString(&cfg.Relay.Secret, env("WHATSAPP_WEB_BRIDGE_SECRET"))
	if base := env("NEXT_BASE_URL", "APP_URL", "NEXT_PUBLIC_APP_URL"); base != "" {
		setString(&cfg.Relay.BaseURL, strings.TrimRight(base, "/"))
	}

	setString(&cfg.Storage.Type, env("WABRIDGE_STORAGE_TYPE"))
	setString(&cfg.Storage.DatabaseURL, env("WABRIDGE_STORAGE_DATABASE_URL", "DATABASE_URL"))
	setString(&cfg.Storage.FilePath, env("WABRIDGE_STORAGE_FILE_PATH"))
	setBool(&cfg.Storage.SSLEnabled, env("WABRIDGE_STORAGE_SSL_ENABLED"))

	// If storage type is postgres but no database URL was resolved yet,
	// build one from individual POSTGRES_* env vars.
	if strings.EqualFold(cfg.Storage.Type, "postgres") && strings.TrimSpace(cfg.Storage.DatabaseURL) == "" {
		pgUser := strings.TrimSpace(os.Getenv("POSTGRES_USER"))
		pgPass := strings.TrimSpace(os.Getenv("POSTGRES_PASSWORD"))
		pgDB := strings.TrimSpace(os.Getenv("POSTGRES_DB"))
		pgHost := strings.TrimSpace(os.Getenv("POSTGRES_HOST"))
		if pgHost == "" {
			pgHost = "postgres"
		}
		if pgUser != "" && pgPass != "" && pgDB != "" {
			built := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", pgUser, pgPass, pgHost, pgDB)
			setString(&cfg.Storage.DatabaseURL, built)
		}
	}

	if schedule := env("WABRIDGE_WATCHDOG_SCHEDULE"); strings.EqualFold(schedule, "off") {
		if cfg.Watchdog.Schedule != "" {
			cfg.Watchdog.Schedule = ""
			changed = true
		}
	} else {
		setString(&cfg.Watchdog.Schedule, schedule)
	}
	setString(&cfg.Log.Level, env("WABRIDGE_LOG_LEVEL"))
	setBool(&cfg.Log.JSON, env("WABRIDGE_LOG_JSON"))

	return changed
}
