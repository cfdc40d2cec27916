package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DispatchFailureCompensate = "compensate"
	DispatchFailureRetain     = "retain"
)

// RuntimeConfig carries knobs that can change without a restart.
type RuntimeConfig struct {
	Build  RuntimeBuildConfig  `mapstructure:"build"`
	Outbox RuntimeOutboxConfig `mapstructure:"outbox"`
}

type RuntimeBuildConfig struct {
	Timeout               time.Duration `mapstructure:"timeout"`
	DispatchFailurePolicy string        `mapstructure:"dispatchFailurePolicy"`
	SweepBatchSize        int           `mapstructure:"sweepBatchSize"`
}

type RuntimeOutboxConfig struct {
	BatchSize   int           `mapstructure:"batchSize"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
	Interval    time.Duration `mapstructure:"interval"`
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Build: RuntimeBuildConfig{
			Timeout:               45 * time.Minute,
			DispatchFailurePolicy: DispatchFailureCompensate,
			SweepBatchSize:        100,
		},
		Outbox: RuntimeOutboxConfig{
			BatchSize:   100,
			MaxAttempts: 10,
			Interval:    2 * time.Second,
		},
	}
}

type RuntimeConfigHolder struct {
	current atomic.Value // holds RuntimeConfig
}

// NewRuntimeConfigHolder reads runtime.yml when present and watches it for changes.
func NewRuntimeConfigHolder() (*RuntimeConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("runtime")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/storeforge/config")
	v.AddConfigPath("/etc/storeforge")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STOREFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return newRuntimeConfigHolder(v, true)
}

func newRuntimeConfigHolder(v *viper.Viper, watch bool) (*RuntimeConfigHolder, error) {
	setRuntimeDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	cfg, err := decodeRuntimeConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &RuntimeConfigHolder{}
	holder.current.Store(cfg)

	if watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeRuntimeConfig(v)
			if err != nil {
				zap.L().Warn("runtime config reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			zap.L().Info("runtime config reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

// NewStaticRuntimeConfigHolder wraps a fixed configuration, mainly for tests.
func NewStaticRuntimeConfigHolder(cfg RuntimeConfig) *RuntimeConfigHolder {
	holder := &RuntimeConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *RuntimeConfigHolder) Get() RuntimeConfig {
	if h == nil {
		return DefaultRuntimeConfig()
	}
	cfg, ok := h.current.Load().(RuntimeConfig)
	if !ok {
		return DefaultRuntimeConfig()
	}
	return cfg
}

// Set replaces the active configuration after validation.
func (h *RuntimeConfigHolder) Set(cfg RuntimeConfig) error {
	if err := validateRuntimeConfig(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

func setRuntimeDefaults(v *viper.Viper) {
	defaults := DefaultRuntimeConfig()
	v.SetDefault("build.timeout", defaults.Build.Timeout)
	v.SetDefault("build.dispatchFailurePolicy", defaults.Build.DispatchFailurePolicy)
	v.SetDefault("build.sweepBatchSize", defaults.Build.SweepBatchSize)
	v.SetDefault("outbox.batchSize", defaults.Outbox.BatchSize)
	v.SetDefault("outbox.maxAttempts", defaults.Outbox.MaxAttempts)
	v.SetDefault("outbox.interval", defaults.Outbox.Interval)
}

func decodeRuntimeConfig(v *viper.Viper) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return RuntimeConfig{}, err
	}
	cfg.Build.DispatchFailurePolicy = strings.ToLower(strings.TrimSpace(cfg.Build.DispatchFailurePolicy))
	if err := validateRuntimeConfig(cfg); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

func validateRuntimeConfig(cfg RuntimeConfig) error {
	if cfg.Build.Timeout <= 0 {
		return errors.New("build.timeout must be positive")
	}
	switch cfg.Build.DispatchFailurePolicy {
	case DispatchFailureCompensate, DispatchFailureRetain:
	default:
		return errors.New("build.dispatchFailurePolicy must be compensate or retain")
	}
	if cfg.Build.SweepBatchSize <= 0 {
		return errors.New("build.sweepBatchSize must be positive")
	}
	if cfg.Outbox.BatchSize <= 0 {
		return errors.New("outbox.batchSize must be positive")
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		return errors.New("outbox.maxAttempts must be positive")
	}
	if cfg.Outbox.Interval <= 0 {
		return errors.New("outbox.interval must be positive")
	}
	return nil
}
