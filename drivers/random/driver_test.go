package random

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/serviceio"
)

func newDeps(t *testing.T) (serviceio.Dependencies, *bus.Line, *bus.Line) {
	t.Helper()
	lines := bus.NewRegistry()
	analog, err := lines.Add("noise", 2, true)
	require.NoError(t, err)
	digital, err := lines.Add("enable", 1, false)
	require.NoError(t, err)
	return serviceio.Dependencies{Lines: lines}, analog, digital
}

func TestRandomSourceWritesWithinRange(t *testing.T) {
	deps, analog, _ := newDeps(t)
	factory := NewSourceFactory()
	src, err := factory(config.SourceConfig{
		ID:       "noise_src",
		Line:     "noise",
		Driver:   Driver,
		Interval: config.Duration{Duration: 50 * time.Millisecond},
		Settings: map[string]interface{}{"seed": 42, "min": -0.5, "max": 0.5, "ground": 0.1},
	}, deps)
	require.NoError(t, err)
	require.Equal(t, "noise_src", src.ID())

	logger := zerolog.New(io.Discard)
	now := time.Unix(1700000000, 0)
	for i := 0; i < 20; i++ {
		require.Zero(t, src.Perform(now, logger))
		v := analog.Voltage(0)
		require.GreaterOrEqual(t, v, -0.5)
		require.LessOrEqual(t, v, 0.5)
		require.Equal(t, 0.1, analog.Voltage(1))
	}

	status := src.Status()
	require.Equal(t, Driver, status.Driver)
	require.Equal(t, "noise", status.Line)
	require.Equal(t, now, status.LastRun)
	require.Equal(t, now.Add(50*time.Millisecond), status.NextRun)
	require.Len(t, status.LastValues, 2)
	require.Positive(t, status.LastDuration)
}

func TestRandomSourceSeedIsDeterministic(t *testing.T) {
	run := func() []float64 {
		deps, analog, _ := newDeps(t)
		src, err := NewSourceFactory()(config.SourceConfig{
			ID: "a", Line: "noise", Driver: Driver,
			Settings: map[string]interface{}{"seed": 7},
		}, deps)
		require.NoError(t, err)
		var values []float64
		for i := 0; i < 5; i++ {
			require.Zero(t, src.Perform(time.Now(), zerolog.Nop()))
			values = append(values, analog.Voltage(0))
		}
		return values
	}
	require.Equal(t, run(), run())
}

func TestRandomSourceDigitalLevels(t *testing.T) {
	deps, _, digital := newDeps(t)
	src, err := NewSourceFactory()(config.SourceConfig{
		ID: "flaky", Line: "enable", Driver: Driver,
		Settings: map[string]interface{}{"source": "secure", "true_probability": 1},
	}, deps)
	require.NoError(t, err)
	require.Zero(t, src.Perform(time.Now(), zerolog.Nop()))
	require.True(t, digital.High())

	src, err = NewSourceFactory()(config.SourceConfig{
		ID: "dead", Line: "enable", Driver: Driver,
		Settings: map[string]interface{}{"true_probability": 0},
	}, deps)
	require.NoError(t, err)
	require.Zero(t, src.Perform(time.Now(), zerolog.Nop()))
	require.False(t, digital.High())
}

func TestRandomSourceDueAndDisable(t *testing.T) {
	deps, _, _ := newDeps(t)
	src, err := NewSourceFactory()(config.SourceConfig{
		ID: "a", Line: "noise", Driver: Driver,
		Interval: config.Duration{Duration: time.Second},
	}, deps)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	require.True(t, src.Due(now))
	src.Perform(now, zerolog.Nop())
	require.False(t, src.Due(now.Add(500*time.Millisecond)))
	require.True(t, src.Due(now.Add(time.Second)))

	src.SetDisabled(true)
	require.False(t, src.Due(now.Add(time.Hour)))
	require.True(t, src.Status().Disabled)
	require.Zero(t, src.Perform(now.Add(time.Hour), zerolog.Nop()))
}

func TestRandomSourceReportsClosedLine(t *testing.T) {
	deps, analog, _ := newDeps(t)
	src, err := NewSourceFactory()(config.SourceConfig{ID: "a", Line: "noise", Driver: Driver}, deps)
	require.NoError(t, err)
	analog.Close()
	require.Equal(t, 1, src.Perform(time.Now(), zerolog.Nop()))
}

func TestRandomSourceFactoryErrors(t *testing.T) {
	deps, _, _ := newDeps(t)
	factory := NewSourceFactory()

	_, err := factory(config.SourceConfig{Line: "noise"}, deps)
	require.Error(t, err)
	_, err = factory(config.SourceConfig{ID: "a", Line: "missing"}, deps)
	require.ErrorContains(t, err, "unknown line")
	_, err = factory(config.SourceConfig{ID: "a", Line: "noise"}, serviceio.Dependencies{})
	require.ErrorContains(t, err, "missing line registry")
	_, err = factory(config.SourceConfig{ID: "a", Line: "noise", Settings: map[string]interface{}{"min": 2, "max": 1}}, deps)
	require.ErrorContains(t, err, "max must be >= min")
	_, err = factory(config.SourceConfig{ID: "a", Line: "noise", Settings: map[string]interface{}{"true_probability": 2}}, deps)
	require.ErrorContains(t, err, "true_probability")
	_, err = factory(config.SourceConfig{ID: "a", Line: "noise", Settings: map[string]interface{}{"source": "dice"}}, deps)
	require.ErrorContains(t, err, "unknown random source")
	_, err = factory(config.SourceConfig{ID: "a", Line: "noise", Settings: map[string]interface{}{"seed": "abc"}}, deps)
	require.ErrorContains(t, err, "decode random settings")
}
