package processor

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/service"
	"github.com/timzifer/siggen/serviceio"
	"github.com/timzifer/siggen/telemetry"
)

// WithLogger provides a custom logger instance for the processor. The logging
// section of the configuration is ignored when set.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithDriver installs additional source and mirror factories for a driver.
// Either factory may be nil.
func WithDriver(def DriverDefinition) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.drivers = append(cfg.drivers, def)
		return nil
	}
}

// WithConfigPath configures the processor to load configuration data from the provided path.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// WithServiceOptions appends raw service options, applied after the built-in
// drivers.
func WithServiceOptions(opts ...service.Option) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.serviceOptions = append(cfg.serviceOptions, opts...)
		return nil
	}
}

// NewDriverDefinition creates a driver definition from the provided factories.
func NewDriverDefinition(driver string, source serviceio.SourceFactory, sink serviceio.SinkFactory) DriverDefinition {
	return DriverDefinition{Driver: driver, Source: source, Sink: sink}
}
