/**
 * @description
 * This package handles the configuration management for the pledge-service and
 * its scheduler companion. It uses the Viper library to read configuration from
 * environment variables, with an optional .env file for local development.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerPort          = "8080"
	defaultEventsExchange      = "baseline.events"
	defaultLeasePrefix         = "baseline:settlement_lease"
	defaultReviewWindowSeconds = 7 * 24 * 60 * 60
	defaultReconcileLimit      = 200
	defaultReconcileMaxLimit   = 500
	defaultLeaseSeconds        = 300
	defaultUserRatePerMinute   = 60
)

// Config holds all the configuration variables for the pledge-service.
type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	RedisURL            string `mapstructure:"REDIS_URL"`
	RedisLeasePrefix    string `mapstructure:"REDIS_LEASE_PREFIX"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	EventsExchange      string `mapstructure:"EVENTS_EXCHANGE"`
	SupabaseJWTSecret   string `mapstructure:"SUPABASE_JWT_SECRET"`
	SupabaseJWTAudience string `mapstructure:"SUPABASE_JWT_AUDIENCE"`
	JobSecret           string `mapstructure:"PLEDGE_JOB_SECRET"`
	CronSecret          string `mapstructure:"CRON_SECRET"`

	ChainRPCURL           string `mapstructure:"CHAIN_RPC_URL"`
	ChainID               int64  `mapstructure:"-"`
	EscrowRegistryAddress string `mapstructure:"ESCROW_REGISTRY_ADDRESS"`
	RelayerPrivateKey     string `mapstructure:"RELAYER_PRIVATE_KEY"`

	DefaultReviewWindow    time.Duration `mapstructure:"-"`
	ReconcileDefaultLimit  int           `mapstructure:"-"`
	ReconcileMaxLimit      int           `mapstructure:"-"`
	SettlementLeaseTTL     time.Duration `mapstructure:"-"`
	UserRateLimitPerMinute int           `mapstructure:"-"`
	ChainCallTimeout       time.Duration `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("REDIS_LEASE_PREFIX", defaultLeasePrefix)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_LEASE_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("SUPABASE_JWT_SECRET")
	_ = viper.BindEnv("SUPABASE_JWT_AUDIENCE")
	_ = viper.BindEnv("PLEDGE_JOB_SECRET", "PLEDGE_JOB_SECRET", "INTERNAL_API_KEY")
	_ = viper.BindEnv("CRON_SECRET")
	_ = viper.BindEnv("CHAIN_RPC_URL")
	_ = viper.BindEnv("CHAIN_ID")
	_ = viper.BindEnv("ESCROW_REGISTRY_ADDRESS")
	_ = viper.BindEnv("RELAYER_PRIVATE_KEY")
	_ = viper.BindEnv("DEFAULT_REVIEW_WINDOW_SECONDS")
	_ = viper.BindEnv("RECONCILE_DEFAULT_LIMIT")
	_ = viper.BindEnv("RECONCILE_MAX_LIMIT")
	_ = viper.BindEnv("SETTLEMENT_LEASE_SECONDS")
	_ = viper.BindEnv("USER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CHAIN_CALL_TIMEOUT_SECONDS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.ChainRPCURL = strings.TrimSpace(config.ChainRPCURL)
	config.EscrowRegistryAddress = strings.TrimSpace(config.EscrowRegistryAddress)
	config.RelayerPrivateKey = strings.TrimSpace(config.RelayerPrivateKey)
	config.JobSecret = strings.TrimSpace(config.JobSecret)
	config.CronSecret = strings.TrimSpace(config.CronSecret)
	if config.CronSecret == "" {
		config.CronSecret = config.JobSecret
	}
	config.RedisLeasePrefix = strings.TrimSpace(config.RedisLeasePrefix)
	if config.RedisLeasePrefix == "" {
		config.RedisLeasePrefix = defaultLeasePrefix
	}
	if strings.TrimSpace(config.EventsExchange) == "" {
		config.EventsExchange = defaultEventsExchange
	}

	config.ChainID = int64(intSetting("CHAIN_ID", 0, 0))
	config.DefaultReviewWindow = time.Duration(intSetting("DEFAULT_REVIEW_WINDOW_SECONDS", defaultReviewWindowSeconds, 1)) * time.Second
	config.ReconcileMaxLimit = intSetting("RECONCILE_MAX_LIMIT", defaultReconcileMaxLimit, 1)
	config.ReconcileDefaultLimit = intSetting("RECONCILE_DEFAULT_LIMIT", defaultReconcileLimit, 1)
	if config.ReconcileDefaultLimit > config.ReconcileMaxLimit {
		config.ReconcileDefaultLimit = config.ReconcileMaxLimit
	}
	config.SettlementLeaseTTL = time.Duration(intSetting("SETTLEMENT_LEASE_SECONDS", defaultLeaseSeconds, 1)) * time.Second
	config.UserRateLimitPerMinute = intSetting("USER_RATE_LIMIT_PER_MINUTE", defaultUserRatePerMinute, 0)
	config.ChainCallTimeout = time.Duration(intSetting("CHAIN_CALL_TIMEOUT_SECONDS", 0, 0)) * time.Second

	return config, nil
}

// Validate reports settings without which the service cannot boot. Chain
// settings are checked by the procedures that need them.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JobSecret == "" {
		errs = append(errs, errors.New("PLEDGE_JOB_SECRET is required"))
	}
	return errors.Join(errs...)
}

// intSetting reads an integer setting, falling back to def when it is unset,
// malformed or below floor.
func intSetting(key string, def, floor int) int {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < floor {
		log.Printf("level=warn component=config msg=\"invalid integer setting, using default\" key=%s value=%q default=%d", key, raw, def)
		return def
	}
	return value
}
