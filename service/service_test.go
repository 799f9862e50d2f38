package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/drivers/expression"
	"github.com/timzifer/siggen/generator"
	"github.com/timzifer/siggen/serviceio"
)

func float(v float64) *float64 { return &v }

type recordingSink struct {
	id       string
	line     *bus.Line
	commits  atomic.Int64
	disabled atomic.Bool
	closed   atomic.Bool

	mu   sync.Mutex
	last float64
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Commit(now time.Time, logger zerolog.Logger) int {
	if s.disabled.Load() {
		return 0
	}
	s.commits.Add(1)
	s.mu.Lock()
	s.last = s.line.Differential()
	s.mu.Unlock()
	return 0
}

func (s *recordingSink) SetDisabled(disabled bool) { s.disabled.Store(disabled) }

func (s *recordingSink) Status() serviceio.SinkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return serviceio.SinkStatus{ID: s.id, Driver: "record", Line: s.line.Name(), Disabled: s.disabled.Load(), LastValue: s.last}
}

func (s *recordingSink) Close() { s.closed.Store(true) }

type recordingCollector struct {
	mu        sync.Mutex
	published map[string]uint64
	voltage   map[string]float64
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{published: map[string]uint64{}, voltage: map[string]float64{}}
}

func (c *recordingCollector) IncHotReload(string) {}

func (c *recordingCollector) AddSamplesPublished(gen string, n uint64) {
	c.mu.Lock()
	c.published[gen] += n
	c.mu.Unlock()
}

func (c *recordingCollector) SetOutputVoltage(gen string, v float64) {
	c.mu.Lock()
	c.voltage[gen] = v
	c.mu.Unlock()
}

func (c *recordingCollector) IncSchedulerExit(string, string) {}

func (c *recordingCollector) total(gen string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[gen]
}

func benchConfig() *config.Config {
	return &config.Config{
		Cycle: config.Duration{Duration: 2 * time.Millisecond},
		Lines: []config.LineConfig{
			{ID: "scope", Width: 2, Analog: true},
			{ID: "lfo", Width: 2, Analog: true},
		},
		Generators: []config.GeneratorConfig{{
			ID:               "sig1",
			Waveform:         "square",
			Frequency:        float(250),
			FrequencyPercent: float(50),
			Amplitude:        float(5),
			Attenuation:      float(20),
			AmplitudePercent: float(50),
			Offset:           float(1),
			Modulation:       "am",
			Output:           "scope",
			ModulationInput:  "lfo",
		}},
		Sources: []config.SourceConfig{{
			ID:       "lfo_src",
			Line:     "lfo",
			Driver:   expression.Driver,
			Settings: map[string]interface{}{"expression": "0.5"},
		}},
		Mirrors: []config.MirrorConfig{{ID: "scope_rec", Line: "scope", Driver: "record"}},
	}
}

func recordSinkOption(sinks *[]*recordingSink) Option {
	return WithSinkFactory("record", func(cfg config.MirrorConfig, deps serviceio.Dependencies) (serviceio.Sink, error) {
		line, err := deps.Lines.Get(cfg.Line)
		if err != nil {
			return nil, err
		}
		sink := &recordingSink{id: cfg.ID, line: line}
		*sinks = append(*sinks, sink)
		return sink, nil
	})
}

func TestNewAppliesKnobsInOrder(t *testing.T) {
	var sinks []*recordingSink
	svc, err := New(benchConfig(), zerolog.Nop(),
		WithSourceFactory(expression.Driver, expression.NewSourceFactory()),
		recordSinkOption(&sinks),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	gen, err := svc.Generator("sig1")
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	p := gen.Snapshot()
	if p.Frequency != 45100 {
		t.Fatalf("expected percent 50 on the 250 Hz band to give 45100 Hz, got %v", p.Frequency)
	}
	if math.Abs(p.Amplitude-0.5) > 1e-9 {
		t.Fatalf("expected 0.5 V after 20 dB and 50%%, got %v", p.Amplitude)
	}
	if p.Attenuation != 20 || p.Offset != 1 || p.Modulation != generator.AM || p.Waveform != generator.Square {
		t.Fatalf("unexpected params %+v", p)
	}
	if gen.State() != generator.Idle {
		t.Fatalf("generator must stay idle until Run, got %s", gen.State())
	}
	if len(sinks) != 1 {
		t.Fatalf("expected one sink, got %d", len(sinks))
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(benchConfig(), zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "no source factory registered for driver expression") {
		t.Fatalf("expected missing factory error, got %v", err)
	}
}

func TestNewClosesSourcesWhenMirrorFails(t *testing.T) {
	var closed atomic.Bool
	_, err := New(benchConfig(), zerolog.Nop(),
		WithSourceFactory(expression.Driver, func(cfg config.SourceConfig, deps serviceio.Dependencies) (serviceio.Source, error) {
			src, err := expression.NewSourceFactory()(cfg, deps)
			if err != nil {
				return nil, err
			}
			return &closeTracker{Source: src, closed: &closed}, nil
		}),
	)
	if err == nil {
		t.Fatalf("expected mirror factory error")
	}
	if !closed.Load() {
		t.Fatalf("expected built sources to be closed")
	}
}

type closeTracker struct {
	serviceio.Source
	closed *atomic.Bool
}

func (c *closeTracker) Close() {
	c.closed.Store(true)
	c.Source.Close()
}

func TestNewSkipsDisabledGenerator(t *testing.T) {
	cfg := benchConfig()
	cfg.Generators[0].Disable = true
	var sinks []*recordingSink
	svc, err := New(cfg, zerolog.Nop(),
		WithSourceFactory(expression.Driver, expression.NewSourceFactory()),
		recordSinkOption(&sinks),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()
	if _, err := svc.Generator("sig1"); err == nil {
		t.Fatalf("disabled generator must not be built")
	}
	if got := len(svc.Status().Generators); got != 0 {
		t.Fatalf("expected no generator status, got %d", got)
	}
}

func TestNewReportsKnobErrors(t *testing.T) {
	cfg := benchConfig()
	cfg.Generators[0].FrequencyRange = &config.RangeConfig{Low: 10, High: 1}
	_, err := New(cfg, zerolog.Nop(), WithSourceFactory(expression.Driver, expression.NewSourceFactory()))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "generator sig1") {
		t.Fatalf("expected generator context in %v", err)
	}
}

func TestValidateDoesNotBuildDrivers(t *testing.T) {
	var built atomic.Bool
	opts := []Option{
		WithSourceFactory(expression.Driver, func(config.SourceConfig, serviceio.Dependencies) (serviceio.Source, error) {
			built.Store(true)
			return nil, errors.New("unexpected")
		}),
		WithSinkFactory("record", func(config.MirrorConfig, serviceio.Dependencies) (serviceio.Sink, error) {
			built.Store(true)
			return nil, errors.New("unexpected")
		}),
	}
	if err := Validate(benchConfig(), zerolog.Nop(), opts...); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if built.Load() {
		t.Fatalf("validate must not construct drivers")
	}

	err := Validate(benchConfig(), zerolog.Nop())
	if err == nil {
		t.Fatalf("expected missing factories")
	}
	for _, fragment := range []string{"driver expression", "driver record"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %v", fragment, err)
		}
	}
}

func TestIterateOnceRecordsCancelledCycle(t *testing.T) {
	var sinks []*recordingSink
	svc, err := New(benchConfig(), zerolog.Nop(),
		WithSourceFactory(expression.Driver, expression.NewSourceFactory()),
		recordSinkOption(&sinks),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.IterateOnce(ctx, time.Now()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	lfo, _ := svc.Lines().Get("lfo")
	if got := lfo.Voltage(0); got != 0 {
		t.Fatalf("cancelled cycle must not drive sources, lfo at %v", got)
	}
	if got := sinks[0].commits.Load(); got != 0 {
		t.Fatalf("cancelled cycle must not commit mirrors, got %d commits", got)
	}
	metrics := svc.Metrics()
	if !metrics.LastAborted || metrics.AbortedCycles != 1 || metrics.CycleCount != 1 {
		t.Fatalf("expected aborted cycle in metrics, got %+v", metrics)
	}

	if err := svc.IterateOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	metrics = svc.Metrics()
	if metrics.LastAborted || metrics.AbortedCycles != 1 || metrics.CycleCount != 2 {
		t.Fatalf("expected a complete second cycle, got %+v", metrics)
	}
}

func TestIterateOnceDrivesSourcesAndMirrors(t *testing.T) {
	var sinks []*recordingSink
	collector := newRecordingCollector()
	svc, err := New(benchConfig(), zerolog.Nop(),
		WithSourceFactory(expression.Driver, expression.NewSourceFactory()),
		recordSinkOption(&sinks),
		WithTelemetry(collector),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	if err := svc.IterateOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	lfo, _ := svc.Lines().Get("lfo")
	if got := lfo.Voltage(0); got != 0.5 {
		t.Fatalf("expected lfo driven to 0.5, got %v", got)
	}
	if sinks[0].commits.Load() != 1 {
		t.Fatalf("expected one commit, got %d", sinks[0].commits.Load())
	}
	metrics := svc.Metrics()
	if metrics.CycleCount != 1 || metrics.LastSourceErrors != 0 || metrics.LastMirrorErrors != 0 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}

	if _, err := svc.SetMirrorDisabled("scope_rec", true); err != nil {
		t.Fatalf("disable mirror: %v", err)
	}
	if err := svc.IterateOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if sinks[0].commits.Load() != 1 {
		t.Fatalf("disabled mirror must not commit")
	}
	if _, err := svc.SetSourceDisabled("missing", true); err == nil {
		t.Fatalf("expected unknown source error")
	}
}

func TestRunPublishesUntilCancelled(t *testing.T) {
	var sinks []*recordingSink
	collector := newRecordingCollector()
	cfg := benchConfig()
	cfg.Workers = config.WorkerSlots{Sources: 2, Mirrors: 2}
	svc, err := New(cfg, zerolog.Nop(),
		WithSourceFactory(expression.Driver, expression.NewSourceFactory()),
		recordSinkOption(&sinks),
		WithTelemetry(collector),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for collector.total("sig1") == 0 || sinks[0].commits.Load() < 3 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("service made no progress")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	gen, _ := svc.Generator("sig1")
	if gen.State() != generator.Terminated {
		t.Fatalf("expected terminated generator, got %s", gen.State())
	}
	if err := svc.Run(context.Background()); err == nil {
		t.Fatalf("expected second run to fail")
	}
}

func TestStatusIsJSONFriendly(t *testing.T) {
	var sinks []*recordingSink
	cfg := benchConfig()
	cfg.Generators[0].Frequency = nil
	cfg.Generators[0].FrequencyPercent = nil
	svc, err := New(cfg, zerolog.Nop(),
		WithSourceFactory(expression.Driver, expression.NewSourceFactory()),
		recordSinkOption(&sinks),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()
	if err := svc.IterateOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	status := svc.Status()
	if len(status.Generators) != 1 || len(status.Lines) != 2 || len(status.Sources) != 1 || len(status.Mirrors) != 1 {
		t.Fatalf("unexpected status sizes %+v", status)
	}
	gen := status.Generators[0]
	if gen.State != "idle" || gen.Waveform != "square" || gen.Modulation != "am" {
		t.Fatalf("unexpected generator status %+v", gen)
	}
	if gen.Frequency == nil || gen.Frequency.String() != "1000" {
		t.Fatalf("unexpected frequency %v", gen.Frequency)
	}
	if gen.Period == nil || gen.Period.String() != "0.001" {
		t.Fatalf("unexpected period %v", gen.Period)
	}
	raw, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	if !strings.Contains(string(raw), `"id":"sig1"`) {
		t.Fatalf("unexpected status json %s", raw)
	}
}

func TestRoundedDropsNonFinite(t *testing.T) {
	if rounded(math.Inf(1)) != nil || rounded(math.NaN()) != nil {
		t.Fatalf("non-finite values must render as nil")
	}
	if got := rounded(1.23456789).String(); got != "1.234568" {
		t.Fatalf("unexpected rounding %s", got)
	}
}

func TestCloseReleasesDrivers(t *testing.T) {
	var sinks []*recordingSink
	svc, err := New(benchConfig(), zerolog.Nop(),
		WithSourceFactory(expression.Driver, expression.NewSourceFactory()),
		recordSinkOption(&sinks),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !sinks[0].closed.Load() {
		t.Fatalf("expected sink to be closed")
	}
	scope, _ := svc.Lines().Get("scope")
	if !scope.Closed() {
		t.Fatalf("expected lines to be closed")
	}
}
