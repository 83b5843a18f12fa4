// Package config loads the orchestrator configuration from the environment.
// Every knob has a default so the binary starts with no environment at all,
// running on in-memory backends.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the orchestrator process.
type Config struct {
	ListenAddr string

	// Backends. Empty RedisAddr or DatabaseURL selects the in-memory
	// implementation for the corresponding concern.
	RedisAddr   string
	DatabaseURL string

	// AuthSecret signs API bearer tokens. WebhookPublicKey (PEM) verifies
	// signed edit events; empty disables verification.
	AuthSecret       string
	WebhookPublicKey string

	// NotifyEndpoint is the mail relay URL. Empty routes notifications to
	// the log instead.
	NotifyEndpoint string

	// Master tables swept by the scheduler, and the agent assigned when no
	// allocation rule matches.
	MasterTables []string
	DefaultAgent string

	// DefaultDepartment fills submissions that omit a department.
	DefaultDepartment string

	SweepInterval time.Duration
	SweepBudget   time.Duration
	ResubmitAfter time.Duration

	// ExpiredDayLimit is the business-day age beyond which a request with no
	// requester activity expires.
	ExpiredDayLimit int

	LockMaxWait     time.Duration
	JanitorInterval time.Duration

	HolidayFile string

	RateLimitPerSec float64
	RateLimitBurst  int
}

// Load reads the configuration from the environment, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		RedisAddr:         envOr("REDIS_ADDR", ""),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		AuthSecret:        envOr("AUTH_SECRET", ""),
		WebhookPublicKey:  envOr("WEBHOOK_PUBLIC_KEY", ""),
		NotifyEndpoint:    envOr("NOTIFY_ENDPOINT", ""),
		DefaultAgent:      envOr("DEFAULT_AGENT", "MDM Default"),
		DefaultDepartment: envOr("DEFAULT_DEPARTMENT", "General"),
		HolidayFile:       envOr("HOLIDAY_FILE", ""),
	}

	cfg.MasterTables = splitList(envOr("MASTER_TABLES", "BOM,Pricing,Customer,Vendor,Material"))

	var err error
	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.SweepBudget, err = envDuration("SWEEP_BUDGET", 45*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ResubmitAfter, err = envDuration("RESUBMIT_AFTER", 10*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.LockMaxWait, err = envDuration("LOCK_MAX_WAIT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.JanitorInterval, err = envDuration("JANITOR_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.ExpiredDayLimit, err = envInt("EXPIRED_DAY_LIMIT", 3); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = envInt("RATE_LIMIT_BURST", 20); err != nil {
		return cfg, err
	}
	if cfg.RateLimitPerSec, err = envFloat("RATE_LIMIT_PER_SEC", 10); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envOr returns the value of the environment variable or the fallback.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
