package service

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/generator"
	"github.com/timzifer/siggen/serviceio"
)

func buildLines(cfgs []config.LineConfig) (*bus.Registry, error) {
	lines := bus.NewRegistry()
	for _, cfg := range cfgs {
		if _, err := lines.Add(cfg.ID, cfg.Width, cfg.Analog); err != nil {
			return nil, err
		}
	}
	return lines, nil
}

func buildGenerators(cfgs []config.GeneratorConfig, lines *bus.Registry, linker generator.Linker, logger zerolog.Logger, reg factoryRegistry) ([]*generator.Generator, error) {
	generators := make([]*generator.Generator, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Disable {
			logger.Info().Str("generator", cfg.ID).Msg("generator disabled by configuration")
			continue
		}
		gen, err := buildGenerator(cfg, lines, linker, logger, reg)
		if err != nil {
			return nil, fmt.Errorf("generator %s: %w", cfg.ID, err)
		}
		generators = append(generators, gen)
	}
	return generators, nil
}

// buildGenerator creates a generator and applies the configured knobs in
// their documented order before binding its lines.
func buildGenerator(cfg config.GeneratorConfig, lines *bus.Registry, linker generator.Linker, logger zerolog.Logger, reg factoryRegistry) (*generator.Generator, error) {
	waveform, err := generator.ParseWaveform(cfg.Waveform)
	if err != nil {
		return nil, err
	}
	modulation, err := generator.ParseModulation(cfg.Modulation)
	if err != nil {
		return nil, err
	}
	gen, err := generator.New(
		generator.WithID(cfg.ID),
		generator.WithWaveform(waveform),
		generator.WithLinker(linker),
		generator.WithLogger(logger),
		generator.WithTelemetry(reg.telemetry),
		generator.WithClock(reg.clock),
		generator.WithEnableGate(cfg.EnableGate),
	)
	if err != nil {
		return nil, err
	}

	knobs := []struct {
		name  string
		set   bool
		apply func() error
	}{
		{"frequency", cfg.Frequency != nil, func() error { return gen.SetFrequencyExact(*cfg.Frequency) }},
		{"frequency_range", cfg.FrequencyRange != nil, func() error {
			return gen.SetFrequencyRange(cfg.FrequencyRange.Low, cfg.FrequencyRange.High)
		}},
		{"frequency_percent", cfg.FrequencyPercent != nil, func() error { return gen.SetFrequency(*cfg.FrequencyPercent) }},
		{"amplitude", cfg.Amplitude != nil, func() error { return gen.SetAmplitudeExact(*cfg.Amplitude) }},
		{"attenuation", cfg.Attenuation != nil, func() error { return gen.SetAttenuation(*cfg.Attenuation) }},
		{"amplitude_percent", cfg.AmplitudePercent != nil, func() error { return gen.SetAmplitude(*cfg.AmplitudePercent) }},
		{"offset", cfg.Offset != nil, func() error { return gen.SetOffset(*cfg.Offset) }},
		{"modulation", true, func() error { return gen.SetModulation(modulation) }},
	}
	for _, knob := range knobs {
		if !knob.set {
			continue
		}
		if err := knob.apply(); err != nil {
			return nil, fmt.Errorf("%s: %w", knob.name, err)
		}
	}

	bindings := []struct {
		line string
		bind func(*bus.Line) error
	}{
		{cfg.Output, gen.SetOutputSink},
		{cfg.ModulationInput, gen.SetModulationSource},
		{cfg.Enable, gen.SetEnableSource},
	}
	for _, binding := range bindings {
		if binding.line == "" {
			continue
		}
		line, err := lines.Get(binding.line)
		if err != nil {
			return nil, err
		}
		if err := binding.bind(line); err != nil {
			return nil, err
		}
	}
	return gen, nil
}

func buildSources(cfgs []config.SourceConfig, deps serviceio.Dependencies, factories map[string]serviceio.SourceFactory) ([]serviceio.Source, error) {
	sources := make([]serviceio.Source, 0, len(cfgs))
	for _, cfg := range cfgs {
		factory := factories[cfg.Driver]
		if factory == nil {
			closeSources(sources)
			return nil, fmt.Errorf("source %s: no source factory registered for driver %s", cfg.ID, cfg.Driver)
		}
		src, err := factory(cfg, deps)
		if err != nil {
			closeSources(sources)
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func buildSinks(cfgs []config.MirrorConfig, deps serviceio.Dependencies, factories map[string]serviceio.SinkFactory) ([]serviceio.Sink, error) {
	sinks := make([]serviceio.Sink, 0, len(cfgs))
	for _, cfg := range cfgs {
		factory := factories[cfg.Driver]
		if factory == nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("mirror %s: no mirror factory registered for driver %s", cfg.ID, cfg.Driver)
		}
		sink, err := factory(cfg, deps)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func closeSources(sources []serviceio.Source) {
	for _, src := range sources {
		src.Close()
	}
}

func closeSinks(sinks []serviceio.Sink) {
	for _, sink := range sinks {
		sink.Close()
	}
}

// Validate performs a dry run of the configuration: it checks references,
// builds lines and generators and verifies that every driver is registered.
// Drivers are not constructed, so no connections are opened.
func Validate(cfg *config.Config, logger zerolog.Logger, opts ...Option) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	reg := applyOptions(newFactoryRegistry(), opts)
	lines, err := buildLines(cfg.Lines)
	if err != nil {
		return err
	}
	defer lines.Close()
	if _, err := buildGenerators(cfg.Generators, lines, bus.NewLinker(), logger, reg); err != nil {
		return err
	}
	var errs []error
	for _, src := range cfg.Sources {
		if reg.sources[src.Driver] == nil {
			errs = append(errs, fmt.Errorf("source %s: no source factory registered for driver %s", src.ID, src.Driver))
		}
	}
	for _, mirror := range cfg.Mirrors {
		if reg.sinks[mirror.Driver] == nil {
			errs = append(errs, fmt.Errorf("mirror %s: no mirror factory registered for driver %s", mirror.ID, mirror.Driver))
		}
	}
	return errors.Join(errs...)
}
