package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	DBAutoMigrate         bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RollupCacheTTLSeconds int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	StoreTimezone         string
	LowStockThreshold     decimal.Decimal
	LockTimeoutMS         int
	TxMaxRetries          int
	TxRetryBaseMS         int
	ReconcileCron         string
	LogLevel              string
	MetricsEnabled        bool
}

// Load reads an optional env file, then the process environment. A missing
// file is not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed loading env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	threshold, err := decimal.NewFromString(getEnv("LOW_STOCK_THRESHOLD", "5"))
	if err != nil {
		return Config{}, fmt.Errorf("LOW_STOCK_THRESHOLD: %w", err)
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DBAutoMigrate:         getBool("DB_AUTO_MIGRATE", false),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		RollupCacheTTLSeconds: getInt("ROLLUP_CACHE_TTL_SECONDS", 30, 1),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		StoreTimezone:         getEnv("STORE_TIMEZONE", "UTC"),
		LowStockThreshold:     threshold,
		LockTimeoutMS:         getInt("LOCK_TIMEOUT_MS", 3000, 1),
		TxMaxRetries:          getInt("TX_MAX_RETRIES", 3, 0),
		TxRetryBaseMS:         getInt("TX_RETRY_BASE_MS", 25, 1),
		ReconcileCron:         strings.TrimSpace(getEnv("RECONCILE_CRON", "*/30 * * * *")),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		MetricsEnabled:        getBool("METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT must be provided")
	}
	if _, err := time.LoadLocation(c.StoreTimezone); err != nil {
		return fmt.Errorf("STORE_TIMEZONE %q: %w", c.StoreTimezone, err)
	}
	if !c.LowStockThreshold.IsPositive() {
		return errors.New("LOW_STOCK_THRESHOLD must be greater than zero")
	}
	if c.ReconcileCron != "" {
		if _, err := cron.ParseStandard(c.ReconcileCron); err != nil {
			return fmt.Errorf("RECONCILE_CRON %q: %w", c.ReconcileCron, err)
		}
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location is the store timezone. Validate has already checked it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.StoreTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c Config) RetryBase() time.Duration {
	return time.Duration(c.TxRetryBaseMS) * time.Millisecond
}

func (c Config) RollupCacheTTL() time.Duration {
	return time.Duration(c.RollupCacheTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
