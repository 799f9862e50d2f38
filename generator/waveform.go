package generator

import "math"

// Synthesize maps a phase fraction in [0, 1) to the raw, unscaled voltage of
// the waveform.
func Synthesize(w Waveform, phase float64) float64 {
	switch w {
	case Sine:
		// The +0.5 bias is part of the output contract.
		return math.Sin(2*math.Pi*phase) + 0.5
	case Square, DigitalLevel:
		if phase < 0.5 {
			return 1
		}
		return 0
	case Ramp:
		return phase
	case Triangular:
		return math.Abs(centeredFold(phase))
	case Sawtooth:
		return centeredFold(phase) + 1
	default:
		return 0
	}
}

// centeredFold is a sawtooth in [-1, 1) centered on phase 0.
func centeredFold(phase float64) float64 {
	return 2 * (phase - math.Floor(phase+0.5))
}

// Phase reconstructs the phase fraction from the elapsed time and a period.
// An infinite period stays at phase 0; a negative period runs backwards.
func Phase(elapsed, period float64) float64 {
	if math.IsInf(period, 0) || math.IsNaN(period) || period == 0 {
		return 0
	}
	if period < 0 {
		frac := math.Mod(elapsed, -period) / -period
		if frac == 0 {
			return 0
		}
		return 1 - frac
	}
	offset := math.Mod(elapsed, period)
	if offset < 0 {
		offset += period
	}
	phase := offset / period
	if phase >= 1 {
		return 0
	}
	return phase
}
