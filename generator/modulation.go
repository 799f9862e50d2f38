package generator

// InstantaneousPeriod returns the period used to synthesize the carrier for a
// modulating sample m. Only FM shifts it: 1/(frequency+m), +Inf when the sum
// is zero. Each tick recomputes the phase from scratch with this period, so
// changes of m between ticks may produce phase discontinuities.
func InstantaneousPeriod(p Params, m float64) float64 {
	if p.Modulation != FM {
		return p.Period
	}
	return PeriodOf(p.Frequency + m)
}

// Modulate combines the carrier sample c with the modulating sample m.
func Modulate(mod Modulation, c, m float64) float64 {
	if mod == AM {
		return (1 + m) * c
	}
	return c
}

// Scale applies amplitude and offset to a modulated sample.
func Scale(p Params, sample float64) float64 {
	return sample*p.Amplitude + p.Offset
}

// Compose produces the published voltage for the given elapsed time and
// modulating sample.
func Compose(p Params, elapsed, m float64) float64 {
	period := InstantaneousPeriod(p, m)
	carrier := Synthesize(p.Waveform, Phase(elapsed, period))
	return Scale(p, Modulate(p.Modulation, carrier, m))
}
