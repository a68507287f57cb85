package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LimitsConfig is the spend-limit policy applied by the daily limit guard.
// The per-owner soft target itself lives in the database; this file carries
// the policy around it.
type LimitsConfig struct {
	// EnforceHardStop gates hard-stop rejection. Soft-target tracking stays
	// on either way.
	EnforceHardStop bool `mapstructure:"enforceHardStop"`

	// HardStopMultiplier scales the soft target into the hard stop.
	HardStopMultiplier int `mapstructure:"hardStopMultiplier"`

	// SoftTargetMax bounds configurable soft targets (credits per day).
	SoftTargetMax float64 `mapstructure:"softTargetMax"`

	// SoftTargetStep is the granularity of configurable soft targets.
	SoftTargetStep float64 `mapstructure:"softTargetStep"`

	// DefaultTimezone and DefaultAnchorHour apply to owners without an
	// explicit day-bucket anchor.
	DefaultTimezone   string `mapstructure:"defaultTimezone"`
	DefaultAnchorHour int    `mapstructure:"defaultAnchorHour"`
}

func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		EnforceHardStop:    true,
		HardStopMultiplier: 2,
		SoftTargetMax:      50,
		SoftTargetStep:     0.25,
		DefaultTimezone:    "UTC",
		DefaultAnchorHour:  0,
	}
}

// LimitsConfigHolder hot-reloads the spend-limit policy from disk.
type LimitsConfigHolder struct {
	current atomic.Value // holds LimitsConfig
}

func NewLimitsConfigHolder() (*LimitsConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("limits")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditmeter/config") // Volume-mounted config
	v.AddConfigPath("/etc/creditmeter")            // System config
	v.AddConfigPath(".")                           // Current directory (dev mode)

	v.SetEnvPrefix("CREDITMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultLimitsConfig()
		v.SetDefault("limits.enforceHardStop", defaults.EnforceHardStop)
		v.SetDefault("limits.hardStopMultiplier", defaults.HardStopMultiplier)
		v.SetDefault("limits.softTargetMax", defaults.SoftTargetMax)
		v.SetDefault("limits.softTargetStep", defaults.SoftTargetStep)
		v.SetDefault("limits.defaultTimezone", defaults.DefaultTimezone)
		v.SetDefault("limits.defaultAnchorHour", defaults.DefaultAnchorHour)
	}

	var cfg LimitsConfig
	if err := v.UnmarshalKey("limits", &cfg); err != nil {
		return nil, err
	}
	if err := validateLimitsConfig(cfg); err != nil {
		return nil, err
	}

	holder := &LimitsConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LimitsConfig
		if err := v.UnmarshalKey("limits", &updated); err != nil {
			log.Printf("[limits-config] reload failed: %v", err)
			return
		}
		if err := validateLimitsConfig(updated); err != nil {
			log.Printf("[limits-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[limits-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *LimitsConfigHolder) Get() LimitsConfig {
	return h.current.Load().(LimitsConfig)
}

// NewStaticLimitsHolder wraps a fixed policy, used by tests and by callers
// that do not want file watching.
func NewStaticLimitsHolder(cfg LimitsConfig) (*LimitsConfigHolder, error) {
	if err := validateLimitsConfig(cfg); err != nil {
		return nil, err
	}
	holder := &LimitsConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func validateLimitsConfig(cfg LimitsConfig) error {
	if cfg.HardStopMultiplier < 1 {
		return errors.New("limits.hardStopMultiplier must be at least 1")
	}
	if cfg.SoftTargetMax <= 0 {
		return errors.New("limits.softTargetMax must be positive")
	}
	if cfg.SoftTargetStep <= 0 {
		return errors.New("limits.softTargetStep must be positive")
	}
	if cfg.DefaultAnchorHour < 0 || cfg.DefaultAnchorHour > 23 {
		return errors.New("limits.defaultAnchorHour must be in [0,23]")
	}
	return nil
}
