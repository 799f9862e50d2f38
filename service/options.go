package service

import (
	"github.com/timzifer/siggen/generator"
	"github.com/timzifer/siggen/serviceio"
	"github.com/timzifer/siggen/telemetry"
)

// Option configures a service during construction.
type Option func(*factoryRegistry)

type factoryRegistry struct {
	sources   map[string]serviceio.SourceFactory
	sinks     map[string]serviceio.SinkFactory
	telemetry telemetry.Collector
	clock     generator.Clock
}

func newFactoryRegistry() factoryRegistry {
	return factoryRegistry{
		sources:   make(map[string]serviceio.SourceFactory),
		sinks:     make(map[string]serviceio.SinkFactory),
		telemetry: telemetry.Noop(),
		clock:     generator.SystemClock(),
	}
}

func applyOptions(reg factoryRegistry, opts []Option) factoryRegistry {
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	return reg
}

// WithSourceFactory registers or overrides a source factory for a driver
// identifier. A nil factory removes the driver.
func WithSourceFactory(driver string, factory serviceio.SourceFactory) Option {
	return func(reg *factoryRegistry) {
		if reg == nil || driver == "" {
			return
		}
		if reg.sources == nil {
			reg.sources = make(map[string]serviceio.SourceFactory)
		}
		if factory == nil {
			delete(reg.sources, driver)
			return
		}
		reg.sources[driver] = factory
	}
}

// WithSinkFactory registers or overrides a mirror factory for a driver
// identifier. A nil factory removes the driver.
func WithSinkFactory(driver string, factory serviceio.SinkFactory) Option {
	return func(reg *factoryRegistry) {
		if reg == nil || driver == "" {
			return
		}
		if reg.sinks == nil {
			reg.sinks = make(map[string]serviceio.SinkFactory)
		}
		if factory == nil {
			delete(reg.sinks, driver)
			return
		}
		reg.sinks[driver] = factory
	}
}

// WithTelemetry sets the collector handed to generators and fed each cycle.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(reg *factoryRegistry) {
		if collector == nil {
			collector = telemetry.Noop()
		}
		reg.telemetry = collector
	}
}

// WithClock replaces the clock driving the generator sampling loops.
func WithClock(clock generator.Clock) Option {
	return func(reg *factoryRegistry) {
		if clock != nil {
			reg.clock = clock
		}
	}
}
