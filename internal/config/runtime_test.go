package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T, contents string) *viper.Viper {
	t.Helper()

	dir := t.TempDir()
	if contents != "" {
		if err := os.WriteFile(filepath.Join(dir, "runtime.yml"), []byte(contents), 0o600); err != nil {
			t.Fatalf("write runtime.yml: %v", err)
		}
	}
	v := viper.New()
	v.SetConfigName("runtime")
	v.SetConfigType("yml")
	v.AddConfigPath(dir)
	return v
}

func TestRuntimeConfigDefaultsWithoutFile(t *testing.T) {
	holder, err := newRuntimeConfigHolder(newTestViper(t, ""), false)
	require.NoError(t, err)

	assert.Equal(t, DefaultRuntimeConfig(), holder.Get())
}

func TestRuntimeConfigReadsFile(t *testing.T) {
	holder, err := newRuntimeConfigHolder(newTestViper(t, `
build:
  timeout: 10m
  dispatchFailurePolicy: Retain
outbox:
  batchSize: 25
  maxAttempts: 3
  interval: 500ms
`), false)
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 10*time.Minute, cfg.Build.Timeout)
	assert.Equal(t, DispatchFailureRetain, cfg.Build.DispatchFailurePolicy)
	assert.Equal(t, 100, cfg.Build.SweepBatchSize)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.Equal(t, 3, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Outbox.Interval)
}

func TestRuntimeConfigRejectsUnknownPolicy(t *testing.T) {
	_, err := newRuntimeConfigHolder(newTestViper(t, `
build:
  dispatchFailurePolicy: rollback
`), false)
	require.Error(t, err)
}

func TestRuntimeConfigHolderSetValidates(t *testing.T) {
	holder := NewStaticRuntimeConfigHolder(DefaultRuntimeConfig())

	bad := DefaultRuntimeConfig()
	bad.Outbox.MaxAttempts = 0
	require.Error(t, holder.Set(bad))
	assert.Equal(t, 10, holder.Get().Outbox.MaxAttempts)

	good := DefaultRuntimeConfig()
	good.Outbox.MaxAttempts = 4
	require.NoError(t, holder.Set(good))
	assert.Equal(t, 4, holder.Get().Outbox.MaxAttempts)
}

func TestNilRuntimeConfigHolderFallsBackToDefaults(t *testing.T) {
	var holder *RuntimeConfigHolder
	assert.Equal(t, DefaultRuntimeConfig(), holder.Get())
}
