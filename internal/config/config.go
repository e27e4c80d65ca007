// Package config reads the gateway's environment into one immutable
// struct at boot. Nothing re-reads the environment after Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const machineIDPath = "/etc/machine-id"

type Config struct {
	// Identity
	DeviceID       string // EDGE_DEVICE_ID, "auto" derives from the machine id
	TenantID       string
	ManagementTier string // basic | managed

	// Stores
	DatabaseURL string
	RedisAddr   string
	LocalCache  int // entries in the in-process tier

	// Billing backend
	BillingURL        string
	BillingAPIKey     string
	BillingTimeout    time.Duration
	BillingMaxRetries int
	MockBilling       bool

	// License plane
	LicenseTTL       time.Duration
	EntitlementTTL   time.Duration
	TrialCameraLimit int
	OfflineGrace     time.Duration
	BypassLicense    bool

	// Usage tracker
	UsageBatchSize    int
	UsageSyncInterval time.Duration

	// Feature flags
	EnableLicenseValidation bool
	EnableUsageTracking     bool
	EnableHeartbeat         bool
	EnableOfflineMode       bool

	// Files
	GrowthPacksPath string // YAML growth-pack catalogue, empty = built-in
	ZoneConfigPath  string // watched zone layout document

	// Transports
	NATSURL    string
	ListenAddr string
}

func Load() (*Config, error) {
	cfg := &Config{
		DeviceID:       getEnv("EDGE_DEVICE_ID", "auto"),
		TenantID:       getEnv("TENANT_ID", ""),
		ManagementTier: getEnv("MANAGEMENT_TIER", "basic"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		LocalCache:  getEnvInt("LOCAL_CACHE_SIZE", 4096),

		BillingURL:        getEnv("BILLING_SERVICE_URL", ""),
		BillingAPIKey:     getEnv("BILLING_API_KEY", ""),
		BillingTimeout:    time.Duration(getEnvInt("BILLING_TIMEOUT_MS", 5000)) * time.Millisecond,
		BillingMaxRetries: getEnvInt("BILLING_MAX_RETRIES", 3),
		MockBilling:       getEnvBool("MOCK_BILLING_SERVICE", false),

		LicenseTTL:       time.Duration(getEnvInt("LICENSE_CACHE_TTL_SECONDS", 3600)) * time.Second,
		EntitlementTTL:   time.Duration(getEnvInt("ENTITLEMENT_CACHE_TTL_SECONDS", 300)) * time.Second,
		TrialCameraLimit: getEnvInt("TRIAL_CAMERA_LIMIT", 2),
		OfflineGrace:     time.Duration(getEnvInt("OFFLINE_GRACE_PERIOD_HOURS", 24)) * time.Hour,
		BypassLicense:    getEnvBool("BYPASS_LICENSE_CHECK", false),

		UsageBatchSize:    getEnvInt("USAGE_BATCH_SIZE", 1000),
		UsageSyncInterval: time.Duration(getEnvInt("USAGE_SYNC_INTERVAL_SECONDS", 300)) * time.Second,

		EnableLicenseValidation: getEnvBool("ENABLE_LICENSE_VALIDATION", true),
		EnableUsageTracking:     getEnvBool("ENABLE_USAGE_TRACKING", true),
		EnableHeartbeat:         getEnvBool("ENABLE_HEARTBEAT", true),
		EnableOfflineMode:       getEnvBool("ENABLE_OFFLINE_MODE", true),

		GrowthPacksPath: getEnv("GROWTH_PACKS_FILE", ""),
		ZoneConfigPath:  getEnv("ZONE_CONFIG_FILE", ""),

		NATSURL:    getEnv("NATS_URL", ""),
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.BillingURL == "" && !cfg.MockBilling {
		return nil, fmt.Errorf("BILLING_SERVICE_URL is required unless MOCK_BILLING_SERVICE is set")
	}
	switch cfg.ManagementTier {
	case "basic", "managed":
	default:
		return nil, fmt.Errorf("MANAGEMENT_TIER must be basic or managed, got %q", cfg.ManagementTier)
	}

	if cfg.DeviceID == "auto" {
		cfg.DeviceID = deriveDeviceID()
	}
	return cfg, nil
}

// deriveDeviceID prefers the stable machine id; a generated uuid is the
// fallback on platforms without one.
func deriveDeviceID() string {
	if raw, err := os.ReadFile(machineIDPath); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
