package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkernel/core/config"
)

type fakeFeeder struct {
	apply func(*config.CoreConfig)
}

func (f *fakeFeeder) Feed(target interface{}) error {
	cfg := target.(*config.CoreConfig)
	f.apply(cfg)
	return nil
}

func TestDefault_MatchesSpecDefaults(t *testing.T) {
	cfg := config.Default()
	assert.True(t, cfg.Core.UseScheduler)
	assert.Equal(t, 100.0, cfg.Core.SchedulerBaseRateHz)
	assert.Equal(t, 100, cfg.Bus.MaxLastMessages)
	assert.Equal(t, time.Hour, cfg.Bus.LastMessageTTL)
	assert.Equal(t, 10, cfg.Bus.MaxFailuresBeforeRemoval)
	assert.Equal(t, 5*time.Second, cfg.Watchdog.CheckInterval)
	assert.Equal(t, 60*time.Second, cfg.Watchdog.HangThreshold)
	assert.Equal(t, 10*time.Second, cfg.Memory.CheckInterval)
	assert.Equal(t, 500, cfg.Memory.PerModuleSoftLimitMB)
	assert.Equal(t, 2048, cfg.Memory.GlobalWarnThresholdMB)
	assert.Equal(t, 30*time.Second, cfg.Lifecycle.InitTimeout)
	assert.Equal(t, 30*time.Second, cfg.Lifecycle.StartTimeout)
	assert.Equal(t, 10*time.Second, cfg.Lifecycle.StopTimeout)
	assert.Equal(t, 10*time.Second, cfg.Lifecycle.ShutdownTimeout)
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.HealthTimeout)
}

func TestLoad_LaterFeedersOverrideEarlier(t *testing.T) {
	l := config.NewLoader()
	l.AddFeeder(&fakeFeeder{apply: func(c *config.CoreConfig) { c.Core.SchedulerBaseRateHz = 50 }})
	l.AddFeeder(&fakeFeeder{apply: func(c *config.CoreConfig) { c.Core.SchedulerBaseRateHz = 75 }})

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 75.0, cfg.Core.SchedulerBaseRateHz)
}

func TestLoad_StartsFromDefaults(t *testing.T) {
	l := config.NewLoader()
	l.AddFeeder(&fakeFeeder{apply: func(c *config.CoreConfig) { c.Watchdog.CheckInterval = 2 * time.Second }})

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Watchdog.CheckInterval)
	assert.Equal(t, 500, cfg.Memory.PerModuleSoftLimitMB)
}

func TestLoad_PropagatesFeederError(t *testing.T) {
	l := config.NewLoader()
	l.AddFeeder(&failingFeeder{})

	_, err := l.Load()
	assert.Error(t, err)
}

type failingFeeder struct{}

func (f *failingFeeder) Feed(interface{}) error { return errors.New("feeder failed") }
