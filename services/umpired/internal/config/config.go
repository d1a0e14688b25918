// Package config loads the daemon's own settings from the environment. Only
// host-level plumbing lives here; everything the factory line cares about
// (bundles, rulesets, service settings) comes from the deployed config
// document instead.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the daemon's environment-derived configuration.
type Config struct {
	// BaseDir roots the persisted layout: resources/, conf/, run/, log/,
	// umpire_data/, parameters/ and temp/ all live under it.
	BaseDir string
	// RPCPort is where the chi listener binds. The nginx frontend, when
	// configured, sits in front of it.
	RPCPort int
	// AdvertiseHost is the host DUTs reach this server at; it goes into
	// download URLs handed out by GetUpdate.
	AdvertiseHost string

	// DatabaseURL enables the DUT inventory when set.
	DatabaseURL string
	// NATSURL enables event publication when set.
	NATSURL string

	// ReportBucket is the S3 bucket uploaded DUT reports are archived to.
	// Archiving is enabled when both this and the S3 client env are set.
	ReportBucket string
}

// Load reads the daemon configuration from the environment.
func Load() (Config, error) {
	cfg := Config{}

	cfg.BaseDir = getEnv("UMPIRE_BASE_DIR", "/var/db/factory/umpire")
	if !filepath.IsAbs(cfg.BaseDir) {
		return Config{}, fmt.Errorf("UMPIRE_BASE_DIR must be absolute, got %q", cfg.BaseDir)
	}

	cfg.RPCPort = getEnvInt("UMPIRE_RPC_PORT", 8090)
	if cfg.RPCPort <= 0 || cfg.RPCPort > 65535 {
		return Config{}, fmt.Errorf("invalid UMPIRE_RPC_PORT: %d", cfg.RPCPort)
	}

	cfg.AdvertiseHost = getEnv("UMPIRE_ADVERTISE_HOST", "")
	if cfg.AdvertiseHost == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("UMPIRE_ADVERTISE_HOST unset and hostname lookup failed: %w", err)
		}
		cfg.AdvertiseHost = hostname
	}

	cfg.DatabaseURL = os.Getenv("UMPIRE_DATABASE_URL")
	cfg.NATSURL = os.Getenv("UMPIRE_NATS_URL")
	cfg.ReportBucket = os.Getenv("UMPIRE_REPORT_BUCKET")

	return cfg, nil
}

// ResourcesDir returns the resource store directory.
func (c Config) ResourcesDir() string { return filepath.Join(c.BaseDir, "resources") }

// ConfDir returns the directory holding the active config symlink and
// per-service runtime configs.
func (c Config) ConfDir() string { return filepath.Join(c.BaseDir, "conf") }

// DataDir returns the directory for uploaded reports and event logs.
func (c Config) DataDir() string { return filepath.Join(c.BaseDir, "umpire_data") }

// ParametersDir returns the directory served by the parameters endpoint.
func (c Config) ParametersDir() string { return filepath.Join(c.BaseDir, "parameters") }

// BaseURL is the address DUTs use to download resources.
func (c Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.AdvertiseHost, c.RPCPort)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
