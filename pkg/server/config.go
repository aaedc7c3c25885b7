package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the relay config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Auth    AuthSection    `toml:"auth"`
	Pairing PairingSection `toml:"pairing"`
	Limits  LimitsSection  `toml:"limits"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"` // 0 = disabled
	DatabasePath string `toml:"database_path"`
}

type AuthSection struct {
	JWTSecret                 string `toml:"jwt_secret"`
	JWTIssuer                 string `toml:"jwt_issuer"`
	AccessTTLSeconds          int    `toml:"access_ttl_seconds"`
	RefreshTTLSeconds         int    `toml:"refresh_ttl_seconds"`
	TelegramBotToken          string `toml:"telegram_bot_token"`
	TelegramInitDataMaxAgeSec int    `toml:"telegram_initdata_max_age_seconds"`
}

type PairingSection struct {
	TTLSeconds           int `toml:"ttl_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

type LimitsSection struct {
	MaxEnvelopeBytes          int `toml:"max_envelope_bytes"`
	ChannelIdleTimeoutSeconds int `toml:"channel_idle_timeout_seconds"`
}

// DefaultTOMLConfig returns the default relay configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     8080,
			MetricsPort:  9090,
			DatabasePath: "~/.bizz-relay/relay.db",
		},
		Auth: AuthSection{
			JWTIssuer:                 "bizz-relay",
			AccessTTLSeconds:          900,     // 15 minutes
			RefreshTTLSeconds:         2592000, // 30 days
			TelegramInitDataMaxAgeSec: 86400,   // 24 hours
		},
		Pairing: PairingSection{
			TTLSeconds:           120, // 2 minutes; policy value, not a protocol constant
			SweepIntervalSeconds: 30,
		},
		Limits: LimitsSection{
			MaxEnvelopeBytes:          4096,
			ChannelIdleTimeoutSeconds: 300,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not
// found, and applies environment variable overrides. An empty path means
// config.toml in the relay data directory.
func LoadConfig(path string) (TOMLConfig, error) {
	if path == "" {
		dataDir, err := getServerDataDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to resolve config location: %w", err)
		}
		path = filepath.Join(dataDir, "config.toml")
	}
	path = ExpandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions?), but defaults still let us run.
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: BIZZRELAY_SECTION_KEY
// Example: BIZZRELAY_SERVER_HTTP_PORT=8081
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("BIZZRELAY_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("BIZZRELAY_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("BIZZRELAY_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("BIZZRELAY_AUTH_JWT_SECRET"); val != "" {
		config.Auth.JWTSecret = val
	}
	if val := os.Getenv("BIZZRELAY_AUTH_TELEGRAM_BOT_TOKEN"); val != "" {
		config.Auth.TelegramBotToken = val
	}
	if val := os.Getenv("BIZZRELAY_PAIRING_TTL_SECONDS"); val != "" {
		if ttl, err := strconv.Atoi(val); err == nil {
			config.Pairing.TTLSeconds = ttl
		}
	}
	return config
}

// writeDefaultConfig writes the default config file, creating parent
// directories as needed
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(config)
}

// ExpandPath expands a leading ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
