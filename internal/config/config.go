// Package config loads the gateway's configuration from environment
// variables, an optional .env file, and an optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SensitivityTier names the four sensitivity classes a resource can carry.
type SensitivityTier string

const (
	TierCritical SensitivityTier = "critical"
	TierHigh     SensitivityTier = "high"
	TierMedium   SensitivityTier = "medium"
	TierLow      SensitivityTier = "low"
	TierUnknown  SensitivityTier = "unknown"
)

// CacheTTL maps a sensitivity tier to its decision-cache TTL.
type CacheTTL map[SensitivityTier]time.Duration

// DefaultCacheTTL returns the tiered TTL table used unless overridden.
func DefaultCacheTTL() CacheTTL {
	return CacheTTL{
		TierCritical: 60 * time.Second,
		TierHigh:     120 * time.Second,
		TierMedium:   180 * time.Second,
		TierLow:      300 * time.Second,
		TierUnknown:  120 * time.Second,
	}
}

// BusinessHours describes the weekly window emergency-override and
// time-window policies evaluate against.
type BusinessHours struct {
	Timezone  string `yaml:"timezone" env:"BUSINESS_HOURS_TZ,default=UTC"`
	StartHour int    `yaml:"start_hour" env:"BUSINESS_HOURS_START,default=8"`
	EndHour   int    `yaml:"end_hour" env:"BUSINESS_HOURS_END,default=18"`
	Weekdays  []int  `yaml:"weekdays"` // 0=Sunday .. 6=Saturday; empty means Mon-Fri
}

// Config is the gateway's fully resolved runtime configuration.
type Config struct {
	Environment string `env:"GATEWAY_ENV,default=development"`
	HTTPAddr    string `env:"GATEWAY_HTTP_ADDR,default=:8443"`

	// Credential verification.
	JWTPublicKeyPath  string        `env:"GATEWAY_JWT_PUBLIC_KEY_PATH"`
	JWTHMACSecret     string        `env:"GATEWAY_JWT_HMAC_SECRET"`
	TokenClockSkew    time.Duration `env:"GATEWAY_TOKEN_CLOCK_SKEW,default=30s"`
	AccessTokenTTL    time.Duration `env:"GATEWAY_ACCESS_TOKEN_TTL,default=15m"`
	RefreshTokenTTL   time.Duration `env:"GATEWAY_REFRESH_TOKEN_TTL,default=720h"`
	MFAWindow         time.Duration `env:"GATEWAY_MFA_WINDOW,default=10m"`
	APIKeyRatePerSec  float64       `env:"GATEWAY_APIKEY_RATE_PER_SEC,default=50"`
	APIKeyRateBurst   int           `env:"GATEWAY_APIKEY_RATE_BURST,default=100"`

	// Policy engine.
	PolicyCorpusPath              string `env:"GATEWAY_POLICY_PATH,default=./policies"`
	PolicyWatchIntervalSeconds    int    `env:"GATEWAY_POLICY_WATCH_INTERVAL_SECONDS,default=15"`
	EmergencyOverrideRequiresMFA  bool   `env:"GATEWAY_EMERGENCY_REQUIRES_MFA,default=true"`
	IPAllowCIDRs                  []string
	IPBlockCIDRs                  []string
	BusinessHours                 BusinessHours

	// Decision cache.
	RedisAddr     string   `env:"GATEWAY_REDIS_ADDR,default=localhost:6379"`
	RedisDB       int      `env:"GATEWAY_REDIS_DB,default=0"`
	CacheTTLTable CacheTTL `yaml:"-"`

	// Audit store.
	PostgresDSN     string `env:"GATEWAY_POSTGRES_DSN"`
	AuditRetention  time.Duration `env:"GATEWAY_AUDIT_RETENTION,default=8760h"`
	MigrationsPath  string `env:"GATEWAY_MIGRATIONS_PATH,default=./migrations"`

	// SIEM forwarding.
	SIEMSinks              []string      `env:"GATEWAY_SIEM_SINKS"`
	SIEMBatchSize          int           `env:"GATEWAY_SIEM_BATCH_SIZE,default=100"`
	SIEMFlushInterval      time.Duration `env:"GATEWAY_SIEM_FLUSH_INTERVAL,default=5s"`
	SIEMCircuitFailures    int           `env:"GATEWAY_SIEM_CIRCUIT_FAILURES,default=10"`
	SIEMCircuitCooldown    time.Duration `env:"GATEWAY_SIEM_CIRCUIT_COOLDOWN,default=30s"`
	SIEMDeadLetterSchedule string        `env:"GATEWAY_SIEM_DLQ_CRON,default=*/5 * * * *"`

	// Rate limiting / batch.
	MaxBatchSize int `env:"GATEWAY_MAX_BATCH_SIZE,default=50"`

	LogLevel  string `env:"GATEWAY_LOG_LEVEL,default=info"`
	LogFormat string `env:"GATEWAY_LOG_FORMAT,default=json"`
}

// overlay is the subset of Config that may additionally be supplied via the
// YAML file, since envdecode cannot populate slices/maps/nested structs
// consistently across shells.
type overlay struct {
	IPAllowCIDRs  []string        `yaml:"ip_allow_cidrs"`
	IPBlockCIDRs  []string        `yaml:"ip_block_cidrs"`
	BusinessHours BusinessHours   `yaml:"business_hours"`
	CacheTTL      map[string]string `yaml:"cache_ttl"`
	SIEMSinks     []string        `yaml:"siem_sinks"`
}

// Load builds a Config from environment variables (after loading an
// optional .env file), then applies an optional YAML overlay. Unknown YAML
// keys are rejected to fail fast on typos.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := &Config{CacheTTLTable: DefaultCacheTTL()}
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, nil
			}
			return nil, fmt.Errorf("read config overlay %s: %w", yamlPath, err)
		}
		var ov overlay
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&ov); err != nil {
			return nil, fmt.Errorf("parse config overlay %s: %w", yamlPath, err)
		}
		if len(ov.IPAllowCIDRs) > 0 {
			cfg.IPAllowCIDRs = ov.IPAllowCIDRs
		}
		if len(ov.IPBlockCIDRs) > 0 {
			cfg.IPBlockCIDRs = ov.IPBlockCIDRs
		}
		if ov.BusinessHours.Timezone != "" {
			cfg.BusinessHours = ov.BusinessHours
		}
		if len(ov.SIEMSinks) > 0 {
			cfg.SIEMSinks = ov.SIEMSinks
		}
		for tier, raw := range ov.CacheTTL {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("cache_ttl[%s]: %w", tier, err)
			}
			cfg.CacheTTLTable[SensitivityTier(tier)] = d
		}
	}

	return cfg, nil
}

// TTLFor returns the configured cache TTL for a sensitivity tier, falling
// back to the unknown-tier TTL if the tier was never configured.
func (c *Config) TTLFor(tier SensitivityTier) time.Duration {
	if d, ok := c.CacheTTLTable[tier]; ok {
		return d
	}
	return c.CacheTTLTable[TierUnknown]
}
