package generator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/telemetry"
)

// Linker rebinds bus lines. The embedded lock is shared with every other
// component that changes the same linkage graph.
type Linker interface {
	sync.Locker
	// Relink drops every link of line and links src to dst instead. A
	// rejected link must leave the previous links of line in place.
	Relink(line, src, dst *bus.Line) error
}

// Generator is an analog signal generator. It synthesizes a periodic waveform,
// optionally modulates it with an external input and publishes the result to
// its output terminals.
type Generator struct {
	*ParameterStore

	id        string
	linker    Linker
	logger    zerolog.Logger
	collector telemetry.Collector

	enable *bus.Line
	output *bus.Line
	modIn  *bus.Line

	sampler   *sampler
	scheduler *Scheduler
}

// Stats summarizes the activity of the sampling loop.
type Stats struct {
	Published  uint64
	GatedOff   uint64
	LastOutput float64
}

// New constructs an idle generator. The scheduler starts on Start, or right
// away when WithAutoStart is given.
func New(opts ...Option) (*Generator, error) {
	cfg := settings{
		id:        "siggen",
		waveform:  Sine,
		frequency: 1000,
		amplitude: 5,
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
		clock:     SystemClock(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.linker == nil {
		cfg.linker = bus.NewLinker()
	}

	store := NewParameterStore()
	if err := store.SetWaveform(cfg.waveform); err != nil {
		return nil, err
	}
	if err := store.SetFrequencyExact(cfg.frequency); err != nil {
		return nil, err
	}
	if err := store.SetAmplitudeExact(cfg.amplitude); err != nil {
		return nil, err
	}

	logger := cfg.logger.With().Str("generator", cfg.id).Logger()
	g := &Generator{
		ParameterStore: store,
		id:             cfg.id,
		linker:         cfg.linker,
		logger:         logger,
		collector:      cfg.collector,
		enable:         bus.NewLine(cfg.id+".enable", 1, false),
		output:         bus.NewLine(cfg.id+".out", 2, true),
		modIn:          bus.NewLine(cfg.id+".mod", 2, true),
	}
	g.sampler = &sampler{
		params: store,
		output: g.output,
		modIn:  g.modIn,
		enable: g.enable,
		gated:  cfg.enableGate,
	}
	g.scheduler = NewScheduler(g.sampler, cfg.clock, logger)
	g.scheduler.OnExit(g.exited)

	if cfg.autoStart {
		if err := g.Start(context.Background()); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ID returns the generator identifier.
func (g *Generator) ID() string { return g.id }

// Output returns the internal output line. Its terminals carry signal and
// ground; bound sinks follow it.
func (g *Generator) Output() *bus.Line { return g.output }

// Start launches the sampling loop. A generator runs at most once.
func (g *Generator) Start(ctx context.Context) error {
	if err := g.scheduler.Start(ctx); err != nil {
		return err
	}
	p := g.Snapshot()
	g.logger.Info().
		Str("waveform", p.Waveform.String()).
		Float64("frequency", p.Frequency).
		Float64("amplitude", p.Amplitude).
		Msg("generator started")
	return nil
}

// Stop requests termination. It is idempotent and does not wait.
func (g *Generator) Stop() { g.scheduler.Stop() }

// Wait blocks until the loop exited and returns the failure cause, if any.
func (g *Generator) Wait() error { return g.scheduler.Wait() }

// Done is closed once the loop exited.
func (g *Generator) Done() <-chan struct{} { return g.scheduler.Done() }

// State returns the lifecycle state of the scheduler.
func (g *Generator) State() State { return g.scheduler.State() }

// Err returns the error that terminated the loop.
func (g *Generator) Err() error { return g.scheduler.Err() }

// Enabled reports whether the enable input is high.
func (g *Generator) Enabled() bool { return g.enable.High() }

// Disabled reports whether the enable input is low.
func (g *Generator) Disabled() bool { return !g.enable.High() }

// Stats returns the sampling counters.
func (g *Generator) Stats() Stats {
	return Stats{
		Published:  g.sampler.published.Load(),
		GatedOff:   g.sampler.gatedOff.Load(),
		LastOutput: g.sampler.last(),
	}
}

// SetEnableSource binds a one-terminal digital line to the enable input.
func (g *Generator) SetEnableSource(src *bus.Line) error {
	if err := checkShape(src, 1, false); err != nil {
		return fmt.Errorf("enable source: %w", err)
	}
	return g.rebind(src, g.enable, g.enable)
}

// SetOutputSink binds the output terminals to a two-terminal analog line.
func (g *Generator) SetOutputSink(sink *bus.Line) error {
	if err := checkShape(sink, 2, true); err != nil {
		return fmt.Errorf("output sink: %w", err)
	}
	return g.rebind(g.output, sink, g.output)
}

// SetModulationSource binds a two-terminal analog line to the modulation input.
func (g *Generator) SetModulationSource(src *bus.Line) error {
	if err := checkShape(src, 2, true); err != nil {
		return fmt.Errorf("modulation source: %w", err)
	}
	return g.rebind(src, g.modIn, g.modIn)
}

// rebind drops every link of the internal line and links src to dst while
// holding the shared linkage lock.
func (g *Generator) rebind(src, dst, internal *bus.Line) error {
	g.linker.Lock()
	defer g.linker.Unlock()
	if err := g.linker.Relink(internal, src, dst); err != nil {
		return fmt.Errorf("%w: link %s to %s: %w", ErrLinkage, src.Name(), dst.Name(), err)
	}
	g.logger.Debug().Str("src", src.Name()).Str("dst", dst.Name()).Msg("line bound")
	return nil
}

func (g *Generator) exited(err error) {
	reason := "stopped"
	if err != nil {
		reason = "failed"
	}
	g.collector.IncSchedulerExit(g.id, reason)
}

func checkShape(line *bus.Line, width int, analog bool) error {
	if line == nil {
		return fmt.Errorf("%w: nil line", ErrLinkage)
	}
	if line.Width() != width {
		return fmt.Errorf("%w: %s has %d terminals, want %d", ErrLinkage, line.Name(), line.Width(), width)
	}
	if line.Analog() != analog {
		kind := "digital"
		if analog {
			kind = "analog"
		}
		return fmt.Errorf("%w: %s must be %s", ErrLinkage, line.Name(), kind)
	}
	return nil
}
