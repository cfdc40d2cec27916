package observability

import (
	"strings"

	"github.com/smallbiznis/storeforge/internal/config"
	"github.com/smallbiznis/storeforge/internal/observability/logger"
	"github.com/smallbiznis/storeforge/internal/observability/metrics"
	"github.com/smallbiznis/storeforge/internal/observability/tracing"
)

const defaultServiceName = "storeforge"

// Config is the observability slice of the application config.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	Log  config.LogConfig
	Otel config.OtelConfig

	development bool
}

func NewConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = defaultServiceName
	}
	return Config{
		ServiceName: name,
		Environment: strings.TrimSpace(cfg.Environment),
		Version:     strings.TrimSpace(cfg.AppVersion),
		Log:         cfg.Log,
		Otel:        cfg.Otel,
		development: cfg.IsDevelopment(),
	}
}

// Debug is true for debug log level or a development environment.
func (c Config) Debug() bool {
	return c.Log.Level == "debug" || c.development
}

func (c Config) Logger() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.Log.Level,
		Format:              c.Log.Format,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) Tracing() tracing.Config {
	return tracing.Config{
		Enabled:          c.Otel.Enabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.Otel.Endpoint,
		ExporterProtocol: c.Otel.Protocol,
		SamplingRatio:    c.Otel.SamplingRatio,
	}
}

func (c Config) Metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.Otel.Enabled,
		ExporterEndpoint: c.Otel.Endpoint,
		ExporterProtocol: c.Otel.Protocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
