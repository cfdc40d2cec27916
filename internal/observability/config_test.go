package observability

import (
	"testing"

	"github.com/smallbiznis/storeforge/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaultsServiceName(t *testing.T) {
	cfg := NewConfig(config.Config{Environment: "production", Log: config.LogConfig{Level: "info"}})
	require.Equal(t, "storeforge", cfg.ServiceName)
	require.False(t, cfg.Debug())
}

func TestConfigDebug(t *testing.T) {
	require.True(t, NewConfig(config.Config{Environment: "local"}).Debug())
	require.True(t, NewConfig(config.Config{Environment: "production", Log: config.LogConfig{Level: "debug"}}).Debug())
}

func TestConfigProjections(t *testing.T) {
	cfg := NewConfig(config.Config{
		AppName:     "forge",
		AppVersion:  "1.2.3",
		Environment: "staging",
		Log:         config.LogConfig{Level: "warn", Format: "console"},
		Otel: config.OtelConfig{
			Enabled:       true,
			Endpoint:      "collector:4318",
			Protocol:      "http",
			SamplingRatio: 0.5,
		},
	})

	lc := cfg.Logger()
	require.Equal(t, "forge", lc.ServiceName)
	require.Equal(t, "console", lc.Format)
	require.False(t, lc.IncludeStackOnError)

	tc := cfg.Tracing()
	require.True(t, tc.Enabled)
	require.Equal(t, "collector:4318", tc.ExporterEndpoint)
	require.Equal(t, 0.5, tc.SamplingRatio)
	require.Equal(t, "1.2.3", tc.ServiceVersion)

	mc := cfg.Metrics()
	require.Equal(t, "http", mc.ExporterProtocol)
	require.Equal(t, "staging", mc.Environment)
}
