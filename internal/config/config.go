package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for our application
type Config struct {
	Port            string
	Origin          string
	Environment     string
	Timezone        string
	JWTSecret       string
	ShutdownTimeout time.Duration
	RateLimit       RateLimitConfig
	Database        DatabaseConfig
	Redis           RedisConfig
	RabbitMQ        RabbitMQConfig
	Logger          LoggerConfig
	Session         SessionConfig
	Subscription    SubscriptionConfig
	Wallet          WalletConfig
	Reconcile       ReconcileConfig
	Client          ClientConfig
}

// DatabaseConfig holds database connection details
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     string
	Username string
	Password string
	Name     string
	DSN      string
}

// RedisConfig holds the snapshot cache and leader lock connection details.
// An empty Addr disables redis; the worker then runs with a process-local lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RabbitMQConfig holds the activity feed broker details.
// An empty URL disables publishing; notifications are only logged.
type RabbitMQConfig struct {
	URL                string
	ActivityExchange   string
	PlanActivatedQueue string
}

type LoggerConfig struct {
	Level string
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// SessionConfig holds the timer engine policy.
type SessionConfig struct {
	DefaultMinutes    int
	GracePeriod       time.Duration
	EarlyJoinWindow   time.Duration
	HeartbeatInterval time.Duration
}

type SubscriptionConfig struct {
	CarryOver bool
}

// WithdrawalLimit bounds a single withdrawal request, in minor units.
type WithdrawalLimit struct {
	Min int64
	Max int64
}

// WalletConfig holds the external rate table and withdrawal policy.
// Rates are keyed by currency then consultation type, in minor units.
type WalletConfig struct {
	Rates            map[string]map[string]int64
	WithdrawalLimits map[string]WithdrawalLimit
	LocalCountry     string
	LocalCurrency    string
	DefaultCurrency  string
}

type ReconcileConfig struct {
	Interval time.Duration
	LockTTL  time.Duration
}

// ClientConfig configures the API client used by patient and doctor apps.
type ClientConfig struct {
	Timeout          time.Duration
	MaxRetries       uint64
	BreakerFailures  uint32
	BreakerCooldown  time.Duration
	SyncInterval     time.Duration
	InitialRetryWait time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	dbConfig := DatabaseConfig{
		Driver:   getEnv("DB_DRIVER", "mysql"),
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "3306"),
		Username: getEnv("DB_USERNAME", "root"),
		Password: getEnv("DB_PASSWORD", ""),
		Name:     getEnv("DB_NAME", "teleconsult"),
	}

	switch dbConfig.Driver {
	case "mysql":
		dbConfig.DSN = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			dbConfig.Username, dbConfig.Password, dbConfig.Host, dbConfig.Port, dbConfig.Name)
	case "sqlite":
		dbConfig.DSN = getEnv("DB_SQLITE_PATH", "teleconsult.db")
	default:
		return nil, fmt.Errorf("invalid DB_DRIVER %q: expected mysql or sqlite", dbConfig.Driver)
	}

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	shutdownSeconds, err := strconv.Atoi(getEnv("APP_SHUTDOWN_TIMEOUT_SECONDS", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid APP_SHUTDOWN_TIMEOUT_SECONDS: %w", err)
	}

	rps, err := strconv.ParseFloat(getEnv("APP_RATE_LIMIT_RPS", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_RATE_LIMIT_RPS: %w", err)
	}
	burst, err := strconv.Atoi(getEnv("APP_RATE_LIMIT_BURST", "20"))
	if err != nil {
		return nil, fmt.Errorf("invalid APP_RATE_LIMIT_BURST: %w", err)
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	carryOver, err := strconv.ParseBool(getEnv("SUBSCRIPTION_CARRY_OVER", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid SUBSCRIPTION_CARRY_OVER: %w", err)
	}

	wallet, err := loadWalletConfig()
	if err != nil {
		return nil, err
	}

	reconcileInterval, err := time.ParseDuration(getEnv("RECONCILE_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL: %w", err)
	}
	lockTTL, err := time.ParseDuration(getEnv("RECONCILE_LOCK_TTL", "2m"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_LOCK_TTL: %w", err)
	}

	client, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:            getEnv("PORT", "3001"),
		Origin:          getEnv("ORIGIN", "http://localhost:4200"),
		Environment:     getEnv("APP_ENV", "development"),
		Timezone:        getEnv("APP_TIMEZONE", "Africa/Blantyre"),
		JWTSecret:       getEnv("JWT_SECRET", "default_jwt_secret"),
		ShutdownTimeout: time.Duration(shutdownSeconds) * time.Second,
		RateLimit:       RateLimitConfig{RequestsPerSecond: rps, Burst: burst},
		Database:        dbConfig,
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		RabbitMQ: RabbitMQConfig{
			URL:                getEnv("RABBITMQ_URL", ""),
			ActivityExchange:   getEnv("RABBITMQ_ACTIVITY_EXCHANGE", "activity_feed"),
			PlanActivatedQueue: getEnv("RABBITMQ_PLAN_ACTIVATED_QUEUE", "plan_activated"),
		},
		Logger:       LoggerConfig{Level: getEnv("LOGGER_LEVEL", "info")},
		Session:      session,
		Subscription: SubscriptionConfig{CarryOver: carryOver},
		Wallet:       wallet,
		Reconcile:    ReconcileConfig{Interval: reconcileInterval, LockTTL: lockTTL},
		Client:       client,
	}, nil
}

func loadSessionConfig() (SessionConfig, error) {
	defaultMinutes, err := strconv.Atoi(getEnv("SESSION_DEFAULT_MINUTES", "10"))
	if err != nil {
		return SessionConfig{}, fmt.Errorf("invalid SESSION_DEFAULT_MINUTES: %w", err)
	}
	if defaultMinutes <= 0 {
		return SessionConfig{}, fmt.Errorf("SESSION_DEFAULT_MINUTES must be positive, got %d", defaultMinutes)
	}
	grace, err := time.ParseDuration(getEnv("SESSION_GRACE_PERIOD", "60s"))
	if err != nil {
		return SessionConfig{}, fmt.Errorf("invalid SESSION_GRACE_PERIOD: %w", err)
	}
	earlyJoin, err := time.ParseDuration(getEnv("SESSION_EARLY_JOIN_WINDOW", "0s"))
	if err != nil {
		return SessionConfig{}, fmt.Errorf("invalid SESSION_EARLY_JOIN_WINDOW: %w", err)
	}
	heartbeat, err := time.ParseDuration(getEnv("SESSION_HEARTBEAT_INTERVAL", "60s"))
	if err != nil {
		return SessionConfig{}, fmt.Errorf("invalid SESSION_HEARTBEAT_INTERVAL: %w", err)
	}
	return SessionConfig{
		DefaultMinutes:    defaultMinutes,
		GracePeriod:       grace,
		EarlyJoinWindow:   earlyJoin,
		HeartbeatInterval: heartbeat,
	}, nil
}

func loadWalletConfig() (WalletConfig, error) {
	rates := DefaultRates()
	for currency, byType := range rates {
		for consultationType := range byType {
			key := fmt.Sprintf("WALLET_RATE_%s_%s", currency, strings.ToUpper(consultationType))
			raw, ok := os.LookupEnv(key)
			if !ok {
				continue
			}
			value, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return WalletConfig{}, fmt.Errorf("invalid %s: %w", key, err)
			}
			byType[consultationType] = value
		}
	}

	limits := DefaultWithdrawalLimits()
	for currency, limit := range limits {
		minKey := "WALLET_MIN_WITHDRAWAL_" + currency
		maxKey := "WALLET_MAX_WITHDRAWAL_" + currency
		if raw, ok := os.LookupEnv(minKey); ok {
			value, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return WalletConfig{}, fmt.Errorf("invalid %s: %w", minKey, err)
			}
			limit.Min = value
		}
		if raw, ok := os.LookupEnv(maxKey); ok {
			value, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return WalletConfig{}, fmt.Errorf("invalid %s: %w", maxKey, err)
			}
			limit.Max = value
		}
		limits[currency] = limit
	}

	return WalletConfig{
		Rates:            rates,
		WithdrawalLimits: limits,
		LocalCountry:     strings.ToLower(getEnv("WALLET_LOCAL_COUNTRY", "malawi")),
		LocalCurrency:    getEnv("WALLET_LOCAL_CURRENCY", "MWK"),
		DefaultCurrency:  getEnv("WALLET_DEFAULT_CURRENCY", "USD"),
	}, nil
}

func loadClientConfig() (ClientConfig, error) {
	timeout, err := time.ParseDuration(getEnv("CLIENT_TIMEOUT", "10s"))
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid CLIENT_TIMEOUT: %w", err)
	}
	retries, err := strconv.ParseUint(getEnv("CLIENT_MAX_RETRIES", "3"), 10, 64)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid CLIENT_MAX_RETRIES: %w", err)
	}
	failures, err := strconv.ParseUint(getEnv("CLIENT_BREAKER_FAILURES", "5"), 10, 32)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid CLIENT_BREAKER_FAILURES: %w", err)
	}
	cooldown, err := time.ParseDuration(getEnv("CLIENT_BREAKER_COOLDOWN", "30s"))
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid CLIENT_BREAKER_COOLDOWN: %w", err)
	}
	syncInterval, err := time.ParseDuration(getEnv("CLIENT_SYNC_INTERVAL", "15s"))
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid CLIENT_SYNC_INTERVAL: %w", err)
	}
	return ClientConfig{
		Timeout:          timeout,
		MaxRetries:       retries,
		BreakerFailures:  uint32(failures),
		BreakerCooldown:  cooldown,
		SyncInterval:     syncInterval,
		InitialRetryWait: 200 * time.Millisecond,
	}, nil
}

// DefaultRates returns the consultation payout table in minor units.
func DefaultRates() map[string]map[string]int64 {
	return map[string]map[string]int64{
		"MWK": {"text": 400000, "voice": 500000, "video": 600000},
		"USD": {"text": 400, "voice": 500, "video": 600},
	}
}

// DefaultWithdrawalLimits returns per-currency withdrawal bounds in minor units.
func DefaultWithdrawalLimits() map[string]WithdrawalLimit {
	return map[string]WithdrawalLimit{
		"MWK": {Min: 100000, Max: 100000000},
		"USD": {Min: 100, Max: 100000},
	}
}

// Helper function to get environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
