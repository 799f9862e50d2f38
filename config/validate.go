package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/timzifer/siggen/generator"
)

// ErrInvalid marks configuration validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks identifiers, line references and knob domains.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalid)
	}
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if c.Cycle.Duration < 0 {
		fail("cycle must not be negative")
	}
	if c.Workers.Sources < 0 || c.Workers.Mirrors < 0 {
		fail("worker slots must not be negative")
	}

	lines := make(map[string]LineConfig, len(c.Lines))
	for i, line := range c.Lines {
		id := strings.TrimSpace(line.ID)
		if id == "" {
			fail("line %d: id must not be empty", i)
			continue
		}
		if _, dup := lines[id]; dup {
			fail("line %s: duplicate id", id)
			continue
		}
		if line.Width < 1 {
			fail("line %s: width must be at least 1", id)
		}
		lines[id] = line
	}

	requireLine := func(owner, field, id string, width int, analog bool) {
		if id == "" {
			return
		}
		line, ok := lines[id]
		if !ok {
			fail("%s: %s references unknown line %q", owner, field, id)
			return
		}
		if line.Width != width || line.Analog != analog {
			kind := "digital"
			if analog {
				kind = "analog"
			}
			fail("%s: %s line %q must be %s with %d terminals", owner, field, id, kind, width)
		}
	}

	generators := make(map[string]struct{}, len(c.Generators))
	for i, gen := range c.Generators {
		id := strings.TrimSpace(gen.ID)
		if id == "" {
			fail("generator %d: id must not be empty", i)
			continue
		}
		if _, dup := generators[id]; dup {
			fail("generator %s: duplicate id", id)
			continue
		}
		generators[id] = struct{}{}
		owner := "generator " + id

		if _, err := generator.ParseWaveform(gen.Waveform); err != nil {
			fail("%s: %v", owner, err)
		}
		if _, err := generator.ParseModulation(gen.Modulation); err != nil {
			fail("%s: %v", owner, err)
		}
		checkNumber := func(field string, v *float64, lo, hi float64) {
			if v == nil {
				return
			}
			if math.IsNaN(*v) || *v < lo || *v > hi {
				fail("%s: %s %v outside [%v, %v]", owner, field, *v, lo, hi)
			}
		}
		checkNumber("frequency", gen.Frequency, 0, math.Inf(1))
		checkNumber("frequency_percent", gen.FrequencyPercent, 0, 100)
		checkNumber("amplitude", gen.Amplitude, math.Inf(-1), math.Inf(1))
		checkNumber("attenuation", gen.Attenuation, 0, math.MaxFloat64)
		checkNumber("amplitude_percent", gen.AmplitudePercent, 0, 100)
		checkNumber("offset", gen.Offset, -generator.AmplMax, generator.AmplMax)
		if r := gen.FrequencyRange; r != nil && (math.IsNaN(r.Low) || math.IsNaN(r.High) || r.Low > r.High) {
			fail("%s: frequency_range low %v above high %v", owner, r.Low, r.High)
		}

		requireLine(owner, "output", gen.Output, 2, true)
		requireLine(owner, "modulation_input", gen.ModulationInput, 2, true)
		requireLine(owner, "enable", gen.Enable, 1, false)
	}

	checkDriver := func(kind string, index int, id, line, driver string, seen map[string]struct{}) {
		id = strings.TrimSpace(id)
		if id == "" {
			fail("%s %d: id must not be empty", kind, index)
			return
		}
		if _, dup := seen[id]; dup {
			fail("%s %s: duplicate id", kind, id)
			return
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(driver) == "" {
			fail("%s %s: driver must not be empty", kind, id)
		}
		if _, ok := lines[line]; !ok {
			fail("%s %s: references unknown line %q", kind, id, line)
		}
	}

	sources := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		checkDriver("source", i, src.ID, src.Line, src.Driver, sources)
		if src.Interval.Duration < 0 {
			fail("source %s: interval must not be negative", src.ID)
		}
	}
	mirrors := make(map[string]struct{}, len(c.Mirrors))
	for i, mirror := range c.Mirrors {
		checkDriver("mirror", i, mirror.ID, mirror.Line, mirror.Driver, mirrors)
		if mirror.Interval.Duration < 0 {
			fail("mirror %s: interval must not be negative", mirror.ID)
		}
	}

	return errors.Join(errs...)
}
