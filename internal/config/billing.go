package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries the billing tunables the engine re-reads on every
// metering and settlement decision.
type BillingConfig struct {
	// UnitMinutes is the billing granularity: one quota unit covers this
	// many minutes of connected time.
	UnitMinutes int `mapstructure:"unitMinutes"`
	// ProviderRatePerUnit is the wallet credit, in minor currency units,
	// for one billed unit.
	ProviderRatePerUnit int64  `mapstructure:"providerRatePerUnit"`
	Currency            string `mapstructure:"currency"`

	// InactivityTimeoutMinutes ends a session with no activity.
	InactivityTimeoutMinutes int `mapstructure:"inactivityTimeoutMinutes"`

	// StandardPlanDays is the renewable plan length eligible for rollover.
	StandardPlanDays int `mapstructure:"standardPlanDays"`
	// RolloverGraceDays is the one-time extension past the original end date.
	RolloverGraceDays int `mapstructure:"rolloverGraceDays"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		UnitMinutes:              10,
		ProviderRatePerUnit:      1500,
		Currency:                 "USD",
		InactivityTimeoutMinutes: 15,
		StandardPlanDays:         30,
		RolloverGraceDays:        7,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewBillingConfigHolder loads billing tunables from billing.yml and keeps
// them hot-reloaded for the lifetime of the process.
func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/careline/config")
	v.AddConfigPath("/etc/careline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CARELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.unitMinutes", defaults.UnitMinutes)
	v.SetDefault("billing.providerRatePerUnit", defaults.ProviderRatePerUnit)
	v.SetDefault("billing.currency", defaults.Currency)
	v.SetDefault("billing.inactivityTimeoutMinutes", defaults.InactivityTimeoutMinutes)
	v.SetDefault("billing.standardPlanDays", defaults.StandardPlanDays)
	v.SetDefault("billing.rolloverGraceDays", defaults.RolloverGraceDays)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.UnitMinutes <= 0 {
		return errors.New("billing.unitMinutes must be positive")
	}
	if cfg.ProviderRatePerUnit < 0 {
		return errors.New("billing.providerRatePerUnit cannot be negative")
	}
	if cfg.StandardPlanDays <= 0 {
		return errors.New("billing.standardPlanDays must be positive")
	}
	if cfg.RolloverGraceDays < 0 {
		return errors.New("billing.rolloverGraceDays cannot be negative")
	}
	return nil
}
