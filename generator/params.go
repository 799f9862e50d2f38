package generator

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Params is an immutable snapshot of the generator knobs.
type Params struct {
	Waveform       Waveform
	Frequency      float64
	FrequencyRange FrequencyRange
	// Period in seconds, +Inf when Frequency is zero.
	Period      float64
	Amplitude   float64
	Attenuation float64
	Offset      float64
	Modulation  Modulation
	LevelSource LevelSource
}

// SamplingInterval returns period/OversamplingFactor in seconds.
func (p Params) SamplingInterval() float64 {
	return p.Period / OversamplingFactor
}

// SamplingDuration returns the sampling interval as a time.Duration, at
// least one nanosecond.
func (p Params) SamplingDuration() time.Duration {
	interval := p.SamplingInterval()
	if math.IsInf(interval, 0) || math.IsNaN(interval) {
		return PeriodToDuration(FreqMin) / OversamplingFactor
	}
	d := time.Duration(interval * float64(time.Second))
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}

// PeriodToDuration converts a frequency to its period as a time.Duration.
func PeriodToDuration(hz float64) time.Duration {
	return time.Duration(PeriodOf(hz) * float64(time.Second))
}

// ParameterStore holds the validated generator configuration.
//
// Setters serialize on an internal mutex, derive a new snapshot and publish it
// with a single atomic swap. Readers never block and never observe a partially
// applied mutation.
type ParameterStore struct {
	mu      sync.Mutex
	current atomic.Pointer[Params]
}

// NewParameterStore returns a store holding the construction defaults: sine,
// 1 kHz, 5 V, no offset and no modulation.
func NewParameterStore() *ParameterStore {
	s := &ParameterStore{}
	p := Params{Waveform: Sine, Modulation: NoModulation}
	applyFrequencyExact(&p, 1000)
	applyAmplitudeExact(&p, 5)
	s.current.Store(&p)
	return s
}

// Snapshot returns a copy of the current parameters.
func (s *ParameterStore) Snapshot() Params {
	return *s.current.Load()
}

func (s *ParameterStore) Waveform() Waveform             { return s.current.Load().Waveform }
func (s *ParameterStore) Frequency() float64             { return s.current.Load().Frequency }
func (s *ParameterStore) FrequencyRange() FrequencyRange { return s.current.Load().FrequencyRange }
func (s *ParameterStore) Period() float64                { return s.current.Load().Period }
func (s *ParameterStore) Amplitude() float64             { return s.current.Load().Amplitude }
func (s *ParameterStore) Attenuation() float64           { return s.current.Load().Attenuation }
func (s *ParameterStore) Offset() float64                { return s.current.Load().Offset }
func (s *ParameterStore) Modulation() Modulation         { return s.current.Load().Modulation }
func (s *ParameterStore) LevelSource() LevelSource       { return s.current.Load().LevelSource }

func (s *ParameterStore) update(fn func(p *Params) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.current.Load()
	if err := fn(&next); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}

// SetFrequencyExact sets the output frequency, saturating at FreqMin and
// FreqMax, and selects the matching decade band as the knob range.
func (s *ParameterStore) SetFrequencyExact(hz float64) error {
	if math.IsNaN(hz) {
		return fmt.Errorf("%w: frequency must be a number", ErrInvalidArgument)
	}
	return s.update(func(p *Params) error {
		applyFrequencyExact(p, hz)
		return nil
	})
}

// SetFrequency sets the frequency relative to the current knob range:
// low + (high-low)*percent, saturated to [FreqMin, FreqMax]. The knob scale
// is not divided by 100, so any percent above 1 lands beyond the range high.
func (s *ParameterStore) SetFrequency(percent float64) error {
	if !finite(percent) || percent < 0 || percent > 100 {
		return fmt.Errorf("%w: frequency percent %v outside [0, 100]", ErrInvalidArgument, percent)
	}
	return s.update(func(p *Params) error {
		r := p.FrequencyRange
		if !finite(r.Low) || !finite(r.High) || r.Low > r.High {
			return fmt.Errorf("%w: frequency range [%v, %v] not usable", ErrInvalidArgument, r.Low, r.High)
		}
		p.Frequency = clamp(r.Low+(r.High-r.Low)*percent, FreqMin, FreqMax)
		p.Period = PeriodOf(p.Frequency)
		return nil
	})
}

// SetFrequencyRange sets the knob range. Edges outside [FreqMin, FreqMax]
// saturate silently.
func (s *ParameterStore) SetFrequencyRange(low, high float64) error {
	if math.IsNaN(low) || math.IsNaN(high) {
		return fmt.Errorf("%w: frequency range bounds must be numbers", ErrInvalidArgument)
	}
	if low > high {
		return fmt.Errorf("%w: low frequency limit %v above high limit %v", ErrInvalidArgument, low, high)
	}
	return s.update(func(p *Params) error {
		p.FrequencyRange = FrequencyRange{
			Low:  clamp(low, FreqMin, FreqMax),
			High: clamp(high, FreqMin, FreqMax),
		}
		return nil
	})
}

// SetAmplitudeExact sets the amplitude, saturating at AmplMin and AmplMax,
// and recomputes the attenuation from it.
func (s *ParameterStore) SetAmplitudeExact(volts float64) error {
	if math.IsNaN(volts) {
		return fmt.Errorf("%w: amplitude must be a number", ErrInvalidArgument)
	}
	return s.update(func(p *Params) error {
		applyAmplitudeExact(p, volts)
		return nil
	})
}

// SetAttenuation sets the attenuation in dB. The amplitude is left untouched
// until the next amplitude setter runs.
func (s *ParameterStore) SetAttenuation(db float64) error {
	if !finite(db) || db < 0 {
		return fmt.Errorf("%w: attenuation %v must be a non-negative number", ErrInvalidArgument, db)
	}
	return s.update(func(p *Params) error {
		p.Attenuation = db
		p.LevelSource = LevelFromAttenuation
		return nil
	})
}

// SetAmplitude sets the amplitude as a percentage of the maximum allowed by
// the current attenuation.
func (s *ParameterStore) SetAmplitude(percent float64) error {
	if !finite(percent) || percent < 0 || percent > 100 {
		return fmt.Errorf("%w: amplitude percent %v outside [0, 100]", ErrInvalidArgument, percent)
	}
	return s.update(func(p *Params) error {
		scale := math.Pow(10, -p.Attenuation/20)
		p.Amplitude = clamp(AmplMin+scale*AmplMax*percent*0.01, AmplMin, AmplMax)
		p.LevelSource = LevelFromPercent
		return nil
	})
}

// SetOffset sets the DC offset.
func (s *ParameterStore) SetOffset(volts float64) error {
	if !finite(volts) || volts < -AmplMax || volts > AmplMax {
		return fmt.Errorf("%w: offset %v outside [%v, %v]", ErrInvalidArgument, volts, -AmplMax, AmplMax)
	}
	return s.update(func(p *Params) error {
		p.Offset = volts
		return nil
	})
}

// SetWaveform selects the output waveform.
func (s *ParameterStore) SetWaveform(w Waveform) error {
	if !w.Valid() {
		return fmt.Errorf("%w: waveform %d not in [0, 5]", ErrInvalidArgument, int(w))
	}
	return s.update(func(p *Params) error {
		p.Waveform = w
		return nil
	})
}

// SetModulation selects the modulation type.
func (s *ParameterStore) SetModulation(m Modulation) error {
	if !m.Valid() {
		return fmt.Errorf("%w: modulation %d not in [0, 2]", ErrInvalidArgument, int(m))
	}
	return s.update(func(p *Params) error {
		p.Modulation = m
		return nil
	})
}

func applyFrequencyExact(p *Params, hz float64) {
	p.Frequency = clamp(hz, FreqMin, FreqMax)
	p.FrequencyRange = BandFor(p.Frequency)
	p.Period = PeriodOf(p.Frequency)
}

// The clamp branches are authoritative: at and beyond the limits attenuation
// is defined as 0 dB.
func applyAmplitudeExact(p *Params, volts float64) {
	p.LevelSource = LevelFromAmplitude
	switch {
	case volts <= AmplMin:
		p.Amplitude = AmplMin
		p.Attenuation = 0
	case volts >= AmplMax:
		p.Amplitude = AmplMax
		p.Attenuation = 0
	default:
		p.Amplitude = volts
		p.Attenuation = 20 * math.Log10(volts/AmplMax)
	}
}
