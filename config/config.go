package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Mode values for the gateway process.
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
	ModeBoth   = "both"
)

// ProductName and Version identify the gateway on outbound webhook requests.
const (
	ProductName = "wagate"
	Version     = "1.0.0"
)

type Config struct {
	Mode        string
	Port        string
	DatabaseDSN string
	AuthRoot    string
	SinglePhone string

	// Upstream stream codes yang dianggap transient saat manual restart
	// (default 515: stream reset selama QR scan).
	TransientStreamCodes []string

	// RetentionMinutes == 0 disables the retention cron entirely.
	RetentionMinutes int
	RetentionCron    string
}

func Load() *Config {
	viper.AutomaticEnv()

	return &Config{
		Mode:                 getEnv("MODE", ModeMulti),
		Port:                 getEnv("PORT", "3000"),
		DatabaseDSN:          getEnv("DB_DSN", "file:wagate.db?_foreign_keys=on"),
		AuthRoot:             getEnv("AUTH_ROOT", "auth"),
		SinglePhone:          getEnv("SINGLE_PHONE", ""),
		TransientStreamCodes: splitList(getEnv("TRANSIENT_STREAM_CODES", "515")),
		RetentionMinutes:     viper.GetInt("RETENTION_MINUTES"),
		RetentionCron:        getEnv("RETENTION_CRON", "*/10 * * * *"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := viper.GetString(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
