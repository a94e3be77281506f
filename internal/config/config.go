package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"finledger/internal/core"
)

var (
	validBackends   = []string{"memory", "sqlite"}
	validStrategies = []string{"full", "delta"}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
)

type Config struct {
	// HTTP Server
	Port           string
	TrustedProxies []string
	RateLimit      int

	// Backend selection
	DataBackend  string
	SQLiteDBPath string

	// AMQP
	AMQPURL        string
	AMQPExchange   string
	AMQPQueue      string
	AMQPAlertQueue string

	// Consistency engine
	LockTTL                   time.Duration
	AlertWarningPercent       int
	LargeTransactionThreshold core.Money
	SuspiciousAmountThreshold core.Money
	RecomputeCreate           string
	RecomputeUpdate           string
	RecomputeDelete           string
	DriftSweepInterval        time.Duration

	// Google Sheets audit export
	GoogleSpreadsheetID      string
	GoogleAuditSheetName     string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string

	LogLevel string
}

func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8081"),
		TrustedProxies: getEnvList("TRUSTED_PROXIES"),
		RateLimit:      getEnvInt("RATE_LIMIT_PER_MINUTE", 60),

		DataBackend:  getEnv("DATA_BACKEND", "memory"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/finledger.db"),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "finledger"),
		AMQPQueue:      getEnv("AMQP_QUEUE", "budget_recalculations"),
		AMQPAlertQueue: getEnv("AMQP_ALERT_QUEUE", "budget_alerts"),

		LockTTL:                   getEnvDuration("LOCK_TTL", 5*time.Minute),
		AlertWarningPercent:       getEnvInt("ALERT_WARNING_PERCENT", 80),
		LargeTransactionThreshold: getEnvMoney("LARGE_TRANSACTION_THRESHOLD", core.NewMoney(10000_00)),
		SuspiciousAmountThreshold: getEnvMoney("SUSPICIOUS_AMOUNT_THRESHOLD", core.NewMoney(10000_00)),
		RecomputeCreate:           strings.ToLower(getEnv("RECOMPUTE_STRATEGY_CREATE", "full")),
		RecomputeUpdate:           strings.ToLower(getEnv("RECOMPUTE_STRATEGY_UPDATE", "full")),
		RecomputeDelete:           strings.ToLower(getEnv("RECOMPUTE_STRATEGY_DELETE", "full")),
		DriftSweepInterval:        getEnvDuration("DRIFT_SWEEP_INTERVAL", 5*time.Minute),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleAuditSheetName:     getEnv("GOOGLE_AUDIT_SHEET_NAME", "Audit"),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),

		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
}

// Validate validates the configuration and returns an error listing every
// problem found.
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if !contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	// Validate SQLite configuration if backend is sqlite
	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	// AMQP is optional; when set it needs a valid URL and names.
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPAlertQueue != "" && c.AMQPAlertQueue == c.AMQPQueue {
			errors = append(errors, "AMQP alert queue must differ from the recalculation queue")
		}
	}

	if c.LockTTL < time.Second {
		errors = append(errors, fmt.Sprintf("invalid lock TTL %v: must be at least 1 second", c.LockTTL))
	} else if c.LockTTL > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid lock TTL %v: must be at most 24 hours", c.LockTTL))
	}

	if c.AlertWarningPercent < 1 || c.AlertWarningPercent > 100 {
		errors = append(errors, fmt.Sprintf("invalid alert warning percent %d: must be between 1 and 100", c.AlertWarningPercent))
	}

	if !c.LargeTransactionThreshold.GreaterThan(core.Zero) {
		errors = append(errors, "large transaction threshold must be positive")
	}
	if !c.SuspiciousAmountThreshold.GreaterThan(core.Zero) {
		errors = append(errors, "suspicious amount threshold must be positive")
	}

	for key, name := range c.RecomputeStrategies() {
		if !contains(validStrategies, name) {
			errors = append(errors, fmt.Sprintf("invalid %s recompute strategy '%s': must be one of %v", key, name, validStrategies))
		}
	}

	if c.DriftSweepInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid drift sweep interval %v: must be at least 1 second", c.DriftSweepInterval))
	}

	if c.RateLimit < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimit))
	}

	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errors = append(errors, fmt.Sprintf("invalid trusted proxy '%s': must be a CIDR", cidr))
		}
	}

	if c.GoogleServiceAccountFile != "" {
		if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
		}
	}

	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of %v", c.LogLevel, validLogLevels))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// RecomputeStrategies maps each mutation kind to its configured strategy
// name. Restores follow the create strategy.
func (c *Config) RecomputeStrategies() map[string]string {
	return map[string]string{
		"create":  c.RecomputeCreate,
		"update":  c.RecomputeUpdate,
		"delete":  c.RecomputeDelete,
		"restore": c.RecomputeCreate,
	}
}

// SlogLevel converts LogLevel; unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SheetsEnabled reports whether audit export to a spreadsheet is configured.
func (c *Config) SheetsEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvMoney(key string, defaultValue core.Money) core.Money {
	if value := os.Getenv(key); value != "" {
		if m, err := core.ParseMoney(value); err == nil {
			return m
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
