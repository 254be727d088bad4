package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// SchedulerConfig holds all configuration for the scheduler service.
type SchedulerConfig struct {
	PledgeServiceURL         string `mapstructure:"PLEDGE_SERVICE_URL"`
	CronSecret               string `mapstructure:"CRON_SECRET"`
	ExpireOffersJobSchedule  string `mapstructure:"EXPIRE_OFFERS_JOB_SCHEDULE"`
	ReconcileJobSchedule     string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	SettleOverdueJobSchedule string `mapstructure:"SETTLE_OVERDUE_JOB_SCHEDULE"`
	SettleLegacyJobSchedule  string `mapstructure:"SETTLE_LEGACY_JOB_SCHEDULE"`
	ReconcileJobLimit        int    `mapstructure:"-"`
}

// LoadSchedulerConfig reads configuration from environment variables.
func LoadSchedulerConfig() (*SchedulerConfig, error) {
	viper.SetDefault("PLEDGE_SERVICE_URL", "http://localhost:8080")
	viper.SetDefault("EXPIRE_OFFERS_JOB_SCHEDULE", "*/15 * * * *") // Every 15 minutes.
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "0 * * * *")        // Hourly.
	viper.SetDefault("SETTLE_OVERDUE_JOB_SCHEDULE", "*/30 * * * *")
	viper.SetDefault("SETTLE_LEGACY_JOB_SCHEDULE", "15 */6 * * *")
	viper.AutomaticEnv()

	_ = viper.BindEnv("PLEDGE_SERVICE_URL")
	_ = viper.BindEnv("CRON_SECRET", "CRON_SECRET", "PLEDGE_JOB_SECRET", "INTERNAL_API_KEY")
	_ = viper.BindEnv("EXPIRE_OFFERS_JOB_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")
	_ = viper.BindEnv("SETTLE_OVERDUE_JOB_SCHEDULE")
	_ = viper.BindEnv("SETTLE_LEGACY_JOB_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_JOB_LIMIT")

	var config SchedulerConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.PledgeServiceURL = strings.TrimSuffix(strings.TrimSpace(config.PledgeServiceURL), "/")
	config.CronSecret = strings.TrimSpace(config.CronSecret)
	if config.CronSecret == "" {
		return nil, errors.New("CRON_SECRET or PLEDGE_JOB_SECRET is required")
	}
	config.ReconcileJobLimit = intSetting("RECONCILE_JOB_LIMIT", defaultReconcileLimit, 1)

	return &config, nil
}
