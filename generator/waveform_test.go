package generator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSynthesizeSquare(t *testing.T) {
	require.Equal(t, 1.0, Synthesize(Square, 0.3))
	require.Equal(t, 0.0, Synthesize(Square, 0.7))
	require.Equal(t, 1.0, Synthesize(Square, 0))
	require.Equal(t, 0.0, Synthesize(Square, 0.5))
	require.Equal(t, Synthesize(Square, 0.3), Synthesize(DigitalLevel, 0.3))
	require.Equal(t, Synthesize(Square, 0.7), Synthesize(DigitalLevel, 0.7))
}

func TestSynthesizeSineKeepsBias(t *testing.T) {
	require.InDelta(t, 0.5, Synthesize(Sine, 0), 1e-12)
	require.InDelta(t, 1.5, Synthesize(Sine, 0.25), 1e-12)
	require.InDelta(t, 0.5, Synthesize(Sine, 0.5), 1e-12)
	require.InDelta(t, -0.5, Synthesize(Sine, 0.75), 1e-12)
}

func TestSynthesizeRampAndFolds(t *testing.T) {
	require.Equal(t, 0.42, Synthesize(Ramp, 0.42))

	cases := []struct {
		phase      float64
		triangular float64
		sawtooth   float64
	}{
		{phase: 0, triangular: 0, sawtooth: 1},
		{phase: 0.25, triangular: 0.5, sawtooth: 1.5},
		{phase: 0.4, triangular: 0.8, sawtooth: 1.8},
		{phase: 0.5, triangular: 1, sawtooth: 0},
		{phase: 0.75, triangular: 0.5, sawtooth: 0.5},
	}
	for _, tc := range cases {
		require.InDelta(t, tc.triangular, Synthesize(Triangular, tc.phase), 1e-12, "triangular at %v", tc.phase)
		require.InDelta(t, tc.sawtooth, Synthesize(Sawtooth, tc.phase), 1e-12, "sawtooth at %v", tc.phase)
	}
}

func TestSynthesizeOutputRange(t *testing.T) {
	for _, w := range []Waveform{Sine, Square, Ramp, Triangular, Sawtooth, DigitalLevel} {
		for phase := 0.0; phase < 1; phase += 0.01 {
			v := Synthesize(w, phase)
			require.False(t, math.IsNaN(v))
			require.GreaterOrEqual(t, v, -0.5)
			require.LessOrEqual(t, v, 2.0)
		}
	}
	require.Equal(t, 0.0, Synthesize(Waveform(99), 0.3))
}

func TestPhase(t *testing.T) {
	require.InDelta(t, 0.3, Phase(0.3, 1), 1e-12)
	require.InDelta(t, 0.25, Phase(1.25, 1), 1e-12)
	require.InDelta(t, 0.3, Phase(0.03, 0.1), 1e-9)
	require.Equal(t, 0.0, Phase(5, math.Inf(1)))
	require.Equal(t, 0.0, Phase(5, 0))
	require.InDelta(t, 0.75, Phase(0.25, -1), 1e-12)
	require.Equal(t, 0.0, Phase(2, -1))

	for elapsed := 0.0; elapsed < 3; elapsed += 0.037 {
		phase := Phase(elapsed, 0.1)
		require.GreaterOrEqual(t, phase, 0.0)
		require.Less(t, phase, 1.0)
	}
}
