// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	StateDir string
	LogDir   string

	// Network
	ListenAddress string
	Port          int
	// DataHost/DataPort form the rendezvous address published to uploading
	// clients; DataHost defaults to the listen address.
	DataHost string
	DataPort int

	// API
	APIMaxBodyBytes int
	APIMaxConns     int

	// Transfers
	PortalTransferGroup string
	TicketTTL           time.Duration
	// MoverLivenessWindow bounds how long a silent mover stays eligible
	// for download placement.
	MoverLivenessWindow time.Duration

	// Periodic jobs (cron expressions, descriptors allowed)
	TicketSweepSchedule   string
	VolumeRefreshSchedule string
	GeoIPReloadSchedule   string

	// GeoIP
	GeoIPDBPath string

	// Auth
	AdminToken string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error if any required variable is missing or any
// value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("ECPDS_STATE_DIR", "/var/lib/ecpds")
	cfg.LogDir = envStr("ECPDS_LOG_DIR", "/var/log/ecpds")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("ECPDS_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("ECPDS_PORT", 9080, &errs)
	cfg.DataHost = strings.TrimSpace(envStr("ECPDS_DATA_HOST", cfg.ListenAddress))
	cfg.DataPort = envInt("ECPDS_DATA_PORT", 9021, &errs)

	// --- API ---
	cfg.APIMaxBodyBytes = envInt("ECPDS_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.APIMaxConns = envInt("ECPDS_API_MAX_CONNS", 512, &errs)

	// --- Transfers ---
	cfg.PortalTransferGroup = envStr("ECPDS_PORTAL_TRANSFER_GROUP", "internet")
	cfg.TicketTTL = envDuration("ECPDS_TICKET_TTL", 2*time.Hour, &errs)
	cfg.MoverLivenessWindow = envDuration("ECPDS_MOVER_LIVENESS_WINDOW", time.Minute, &errs)

	// --- Periodic jobs ---
	cfg.TicketSweepSchedule = envStr("ECPDS_TICKET_SWEEP_SCHEDULE", "@every 5m")
	cfg.VolumeRefreshSchedule = envStr("ECPDS_VOLUME_REFRESH_SCHEDULE", "@every 10m")
	cfg.GeoIPReloadSchedule = envStr("ECPDS_GEOIP_RELOAD_SCHEDULE", "@every 1h")

	// --- GeoIP ---
	cfg.GeoIPDBPath = envStr("ECPDS_GEOIP_DB", "/usr/share/GeoIP/GeoLite2-Country.mmdb")

	// --- Auth (must be defined; empty means auth disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("ECPDS_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "ECPDS_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "ECPDS_LISTEN_ADDRESS must not be empty")
	}
	if cfg.PortalTransferGroup == "" {
		errs = append(errs, "ECPDS_PORTAL_TRANSFER_GROUP must not be empty")
	}
	validatePort("ECPDS_PORT", cfg.Port, &errs)
	validatePort("ECPDS_DATA_PORT", cfg.DataPort, &errs)
	validatePositive("ECPDS_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("ECPDS_API_MAX_CONNS", cfg.APIMaxConns, &errs)
	if cfg.TicketTTL <= 0 {
		errs = append(errs, "ECPDS_TICKET_TTL must be positive")
	}
	if cfg.MoverLivenessWindow <= 0 {
		errs = append(errs, "ECPDS_MOVER_LIVENESS_WINDOW must be positive")
	}
	validateSchedule("ECPDS_TICKET_SWEEP_SCHEDULE", cfg.TicketSweepSchedule, &errs)
	validateSchedule("ECPDS_VOLUME_REFRESH_SCHEDULE", cfg.VolumeRefreshSchedule, &errs)
	validateSchedule("ECPDS_GEOIP_RELOAD_SCHEDULE", cfg.GeoIPReloadSchedule, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validateSchedule(name, spec string, errs *[]string) {
	if _, err := cron.ParseStandard(spec); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid cron expression %q: %v", name, spec, err))
	}
}
