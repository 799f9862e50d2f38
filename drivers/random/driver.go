package random

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/serviceio"
)

// Driver is the source driver name.
const Driver = "random"

// NewSourceFactory returns a serviceio.SourceFactory writing random voltages
// into a line: uniform values in [min, max] for analog lines, or logic levels
// drawn with true_probability for digital lines and level mode.
func NewSourceFactory() serviceio.SourceFactory {
	return func(cfg config.SourceConfig, deps serviceio.Dependencies) (serviceio.Source, error) {
		if cfg.ID == "" {
			return nil, errors.New("source id must not be empty")
		}
		if deps.Lines == nil {
			return nil, fmt.Errorf("source %s: dependencies missing line registry", cfg.ID)
		}
		line, err := deps.Lines.Get(cfg.Line)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		raw, err := config.SettingsJSON(cfg.Settings)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		settings, err := parseSettings(raw)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		resolved, err := settings.resolve(!line.Analog())
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		entropy, err := newEntropy(settings.Source, settings.Seed)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		src := &randomSource{
			id:       cfg.ID,
			line:     line,
			settings: resolved,
			entropy:  entropy,
			schedule: serviceio.NewSchedule(cfg.Interval.Duration),
		}
		src.schedule.SetDisabled(cfg.Disable)
		return src, nil
	}
}

type randomSource struct {
	id       string
	line     *bus.Line
	settings resolvedSettings
	entropy  entropy
	schedule *serviceio.Schedule

	mu         sync.Mutex
	lastValues []float64
}

func (s *randomSource) ID() string { return s.id }

func (s *randomSource) Due(now time.Time) bool { return s.schedule.Due(now) }

func (s *randomSource) Perform(now time.Time, logger zerolog.Logger) int {
	if s.schedule.Disabled() {
		return 0
	}
	start := time.Now()
	defer func() { s.schedule.Done(now, time.Since(start)) }()

	value, err := s.sample()
	if err != nil {
		logger.Error().Err(err).Str("source", s.id).Msg("random source failed")
		return 1
	}
	if err := s.line.SetVoltageAll(value, s.settings.ground); err != nil {
		logger.Error().Err(err).Str("source", s.id).Str("line", s.line.Name()).Msg("random source update failed")
		return 1
	}
	values := s.line.Voltages()
	s.mu.Lock()
	s.lastValues = values
	s.mu.Unlock()
	return 0
}

func (s *randomSource) sample() (float64, error) {
	if !s.settings.level {
		return uniform(s.entropy, s.settings.min, s.settings.max)
	}
	high, err := bernoulli(s.entropy, s.settings.boolProbability)
	if err != nil || !high {
		return 0, err
	}
	return 1, nil
}

func (s *randomSource) SetDisabled(disabled bool) { s.schedule.SetDisabled(disabled) }

func (s *randomSource) Status() serviceio.SourceStatus {
	next, last, duration := s.schedule.Times()
	s.mu.Lock()
	values := append([]float64(nil), s.lastValues...)
	s.mu.Unlock()
	return serviceio.SourceStatus{
		ID:           s.id,
		Driver:       Driver,
		Line:         s.line.Name(),
		Disabled:     s.schedule.Disabled(),
		NextRun:      next,
		LastRun:      last,
		LastDuration: duration,
		LastValues:   values,
	}
}

func (s *randomSource) Close() {}
