package generator

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/telemetry"
)

// Option configures a generator during construction.
type Option func(*settings) error

type settings struct {
	id         string
	waveform   Waveform
	frequency  float64
	amplitude  float64
	linker     Linker
	logger     zerolog.Logger
	collector  telemetry.Collector
	clock      Clock
	enableGate bool
	autoStart  bool
}

// WithID names the generator. The id prefixes its internal lines.
func WithID(id string) Option {
	return func(cfg *settings) error {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("%w: generator id must not be empty", ErrInvalidArgument)
		}
		cfg.id = id
		return nil
	}
}

// WithWaveform sets the initial waveform.
func WithWaveform(w Waveform) Option {
	return func(cfg *settings) error {
		cfg.waveform = w
		return nil
	}
}

// WithFrequency sets the initial frequency in Hz.
func WithFrequency(hz float64) Option {
	return func(cfg *settings) error {
		cfg.frequency = hz
		return nil
	}
}

// WithAmplitude sets the initial amplitude in volts.
func WithAmplitude(volts float64) Option {
	return func(cfg *settings) error {
		cfg.amplitude = volts
		return nil
	}
}

// WithLinker shares a linker with other components binding the same lines.
func WithLinker(linker Linker) Option {
	return func(cfg *settings) error {
		cfg.linker = linker
		return nil
	}
}

// WithLogger provides the logger for lifecycle events.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		cfg.logger = logger
		return nil
	}
}

// WithClock replaces the wall clock driving the sampling loop.
func WithClock(clock Clock) Option {
	return func(cfg *settings) error {
		if clock == nil {
			clock = SystemClock()
		}
		cfg.clock = clock
		return nil
	}
}

// WithTelemetry reports scheduler exits to the collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.collector = collector
		return nil
	}
}

// WithEnableGate makes the sampling loop skip publishing while the enable
// input is low. Without it the enable input has no effect on the output.
func WithEnableGate(enabled bool) Option {
	return func(cfg *settings) error {
		cfg.enableGate = enabled
		return nil
	}
}

// WithAutoStart starts the sampling loop from New.
func WithAutoStart() Option {
	return func(cfg *settings) error {
		cfg.autoStart = true
		return nil
	}
}
