package generator

import (
	"fmt"
	"math"
	"strings"
)

// Physical limits of the generator.
const (
	AmplMin = 0.0
	AmplMax = 10.0
	FreqMin = 0.1
	FreqMax = 1e9

	// OversamplingFactor divides the period to obtain both the minimum phase
	// advance between two publishes and the sleep between two checks.
	OversamplingFactor = 500
)

// Waveform selects the shape of the synthesized signal.
type Waveform int

const (
	Sine Waveform = iota
	Square
	Ramp
	Triangular
	Sawtooth
	// DigitalLevel is a 50% duty cycle on/off level (TTL).
	DigitalLevel
)

var waveformNames = map[Waveform]string{
	Sine:         "sine",
	Square:       "square",
	Ramp:         "ramp",
	Triangular:   "triangular",
	Sawtooth:     "sawtooth",
	DigitalLevel: "ttl",
}

func (w Waveform) String() string {
	if name, ok := waveformNames[w]; ok {
		return name
	}
	return fmt.Sprintf("waveform(%d)", int(w))
}

// Valid reports whether w is one of the six known waveforms.
func (w Waveform) Valid() bool {
	_, ok := waveformNames[w]
	return ok
}

// ParseWaveform resolves a waveform by name.
func ParseWaveform(name string) (Waveform, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sine", "sin":
		return Sine, nil
	case "square":
		return Square, nil
	case "ramp":
		return Ramp, nil
	case "triangular", "triangle":
		return Triangular, nil
	case "sawtooth", "saw":
		return Sawtooth, nil
	case "ttl", "digital", "digital_level":
		return DigitalLevel, nil
	default:
		return 0, fmt.Errorf("%w: unknown waveform %q", ErrInvalidArgument, name)
	}
}

// Modulation selects how the modulation input affects the carrier.
type Modulation int

const (
	NoModulation Modulation = iota
	AM
	FM
)

func (m Modulation) String() string {
	switch m {
	case NoModulation:
		return "none"
	case AM:
		return "am"
	case FM:
		return "fm"
	default:
		return fmt.Sprintf("modulation(%d)", int(m))
	}
}

// Valid reports whether m is a known modulation type.
func (m Modulation) Valid() bool {
	return m == NoModulation || m == AM || m == FM
}

// ParseModulation resolves a modulation type by name.
func ParseModulation(name string) (Modulation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "no":
		return NoModulation, nil
	case "am":
		return AM, nil
	case "fm":
		return FM, nil
	default:
		return 0, fmt.Errorf("%w: unknown modulation %q", ErrInvalidArgument, name)
	}
}

// LevelSource records which setter last defined the signal level. Amplitude
// and attenuation are two views of one quantity, but only some setters keep
// both in sync.
type LevelSource int

const (
	// LevelFromAmplitude: SetAmplitudeExact set amplitude and recomputed attenuation.
	LevelFromAmplitude LevelSource = iota
	// LevelFromAttenuation: SetAttenuation changed attenuation only; amplitude may be stale.
	LevelFromAttenuation
	// LevelFromPercent: SetAmplitude derived amplitude from the current attenuation.
	LevelFromPercent
)

func (l LevelSource) String() string {
	switch l {
	case LevelFromAmplitude:
		return "amplitude"
	case LevelFromAttenuation:
		return "attenuation"
	case LevelFromPercent:
		return "percent"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// FrequencyRange is the knob range used by the percent frequency setter.
type FrequencyRange struct {
	Low  float64
	High float64
}

// Contains reports whether hz lies within the closed range.
func (r FrequencyRange) Contains(hz float64) bool {
	return hz >= r.Low && hz <= r.High
}

// FrequencyBands are the eight fixed decade bands of the frequency knob.
var FrequencyBands = [...]FrequencyRange{
	{0.1, 10},
	{10, 100},
	{100, 1e3},
	{1e3, 1e4},
	{1e4, 1e5},
	{1e5, 1e6},
	{1e6, 1e7},
	{1e7, 1e9},
}

// AttenuationLevels lists the standard attenuation steps in dB.
var AttenuationLevels = [...]float64{0, 10, 20, 30, 40}

// BandFor returns the band containing hz after clamping to [FreqMin, FreqMax].
func BandFor(hz float64) FrequencyRange {
	hz = clamp(hz, FreqMin, FreqMax)
	for i := len(FrequencyBands) - 1; i >= 0; i-- {
		if hz >= FrequencyBands[i].Low {
			return FrequencyBands[i]
		}
	}
	return FrequencyBands[0]
}

// PeriodOf returns 1/hz, or +Inf for a zero frequency.
func PeriodOf(hz float64) float64 {
	if hz == 0 {
		return math.Inf(1)
	}
	return 1 / hz
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
