// Package config loads CoreConfig — the kernel's read-only key/value
// configuration surface — from layered sources via the feeders package.
package config

import "time"

// CoreConfig is the kernel's complete external configuration surface.
type CoreConfig struct {
	Core struct {
		UseScheduler        bool    `yaml:"use_scheduler" env:"CORE_USE_SCHEDULER"`
		SchedulerBaseRateHz float64 `yaml:"scheduler_base_rate_hz" env:"CORE_SCHEDULER_BASE_RATE_HZ"`
		ModuleDirectory     string  `yaml:"module_directory" env:"CORE_MODULE_DIRECTORY"`
	}
	Bus struct {
		MaxLastMessages          int           `yaml:"max_last_messages" env:"BUS_MAX_LAST_MESSAGES"`
		LastMessageTTL           time.Duration `yaml:"last_message_ttl" env:"BUS_LAST_MESSAGE_TTL"`
		MaxFailuresBeforeRemoval int           `yaml:"max_failures_before_removal" env:"BUS_MAX_FAILURES_BEFORE_REMOVAL"`
	}
	Watchdog struct {
		CheckInterval time.Duration `yaml:"check_interval" env:"WATCHDOG_CHECK_INTERVAL"`
		HangThreshold time.Duration `yaml:"hang_threshold" env:"WATCHDOG_HANG_THRESHOLD"`
	}
	Memory struct {
		CheckInterval          time.Duration `yaml:"check_interval" env:"MEMORY_CHECK_INTERVAL"`
		PerModuleSoftLimitMB   int           `yaml:"per_module_soft_limit_mb" env:"MEMORY_PER_MODULE_SOFT_LIMIT_MB"`
		GlobalWarnThresholdMB  int           `yaml:"global_warn_threshold_mb" env:"MEMORY_GLOBAL_WARN_THRESHOLD_MB"`
	}
	Lifecycle struct {
		InitTimeout     time.Duration `yaml:"init_timeout" env:"LIFECYCLE_INIT_TIMEOUT"`
		StartTimeout    time.Duration `yaml:"start_timeout" env:"LIFECYCLE_START_TIMEOUT"`
		StopTimeout     time.Duration `yaml:"stop_timeout" env:"LIFECYCLE_STOP_TIMEOUT"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LIFECYCLE_SHUTDOWN_TIMEOUT"`
		HealthTimeout   time.Duration `yaml:"health_timeout" env:"LIFECYCLE_HEALTH_TIMEOUT"`
	}
}

// Default returns a CoreConfig populated with spec-mandated defaults, before
// any feeder is applied.
func Default() *CoreConfig {
	c := &CoreConfig{}
	c.Core.UseScheduler = true
	c.Core.SchedulerBaseRateHz = 100
	c.Bus.MaxLastMessages = 100
	c.Bus.LastMessageTTL = time.Hour
	c.Bus.MaxFailuresBeforeRemoval = 10
	c.Watchdog.CheckInterval = 5 * time.Second
	c.Watchdog.HangThreshold = 60 * time.Second
	c.Memory.CheckInterval = 10 * time.Second
	c.Memory.PerModuleSoftLimitMB = 500
	c.Memory.GlobalWarnThresholdMB = 2048
	c.Lifecycle.InitTimeout = 30 * time.Second
	c.Lifecycle.StartTimeout = 30 * time.Second
	c.Lifecycle.StopTimeout = 10 * time.Second
	c.Lifecycle.ShutdownTimeout = 10 * time.Second
	c.Lifecycle.HealthTimeout = 5 * time.Second
	return c
}

// Feeder is the subset of the feeders package's interface loader.go needs:
// populate target's fields from whatever source the implementation reads.
type Feeder interface {
	Feed(target interface{}) error
}
