package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/generator"
	"github.com/timzifer/siggen/serviceio"
	"github.com/timzifer/siggen/telemetry"
)

// Service wires generators, lines, sources and mirrors built from a
// configuration. Generators sample on their own goroutines while a cycle loop
// drives the sources and mirrors.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	lines      *bus.Registry
	linker     *bus.Linker
	generators []*generator.Generator
	sources    []serviceio.Source
	mirrors    []serviceio.Sink
	telemetry  telemetry.Collector

	cycle       time.Duration
	sourceSlots int
	mirrorSlots int
	running     atomic.Bool
	closeOnce   sync.Once

	metricsMu sync.Mutex
	metrics   Metrics
	lastCycle time.Time

	publishedMu sync.Mutex
	published   map[string]uint64
}

// Metrics summarizes the most recent cycle.
type Metrics struct {
	CycleCount       uint64
	LastDuration     time.Duration
	LastSourceErrors int
	LastMirrorErrors int
	// LastAborted is set when the context ended before every due source
	// and mirror of the last cycle was handed to a worker.
	LastAborted   bool
	AbortedCycles uint64
}

// New builds a service from configuration. Generators stay idle until Run.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg := applyOptions(newFactoryRegistry(), opts)

	lines, err := buildLines(cfg.Lines)
	if err != nil {
		return nil, err
	}
	linker := bus.NewLinker()
	generators, err := buildGenerators(cfg.Generators, lines, linker, logger, reg)
	if err != nil {
		lines.Close()
		return nil, err
	}

	deps := serviceio.Dependencies{Lines: lines}
	sources, err := buildSources(cfg.Sources, deps, reg.sources)
	if err != nil {
		lines.Close()
		return nil, err
	}
	mirrors, err := buildSinks(cfg.Mirrors, deps, reg.sinks)
	if err != nil {
		closeSources(sources)
		lines.Close()
		return nil, err
	}

	return &Service{
		cfg:         cfg,
		logger:      logger,
		lines:       lines,
		linker:      linker,
		generators:  generators,
		sources:     sources,
		mirrors:     mirrors,
		telemetry:   reg.telemetry,
		cycle:       cfg.CycleInterval(),
		sourceSlots: sanitizeSlot(cfg.Workers.Sources),
		mirrorSlots: sanitizeSlot(cfg.Workers.Mirrors),
		published:   make(map[string]uint64, len(generators)),
	}, nil
}

// Run starts every generator and executes the cycle loop until ctx is
// cancelled. A generator that dies is logged and reported through Status;
// the remaining generators keep running. Run returns once every generator has
// stopped.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("service already running")
	}
	group, groupCtx := errgroup.WithContext(ctx)

	for _, gen := range s.generators {
		if err := gen.Start(groupCtx); err != nil {
			s.stopGenerators()
			return fmt.Errorf("start generator %s: %w", gen.ID(), err)
		}
		group.Go(func() error {
			select {
			case <-gen.Done():
				if err := gen.Err(); err != nil {
					s.logger.Error().Err(err).Str("generator", gen.ID()).Msg("generator died")
				}
			case <-groupCtx.Done():
				gen.Stop()
				_ = gen.Wait()
			}
			return nil
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(s.cycle)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case now := <-ticker.C:
				if err := s.IterateOnce(groupCtx, now); err != nil {
					s.logger.Error().Err(err).Msg("iteration failure")
				}
			}
		}
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// IterateOnce performs one cycle: due sources write their lines, mirrors
// commit and generator counters are pushed to telemetry.
func (s *Service) IterateOnce(ctx context.Context, now time.Time) error {
	start := time.Now()
	due := make([]serviceio.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if src.Due(now) {
			due = append(due, src)
		}
	}
	sourceErrors, sourcesAborted := runWorkerPool(ctx, s.sourceSlots, due, func(_ context.Context, src serviceio.Source) int {
		return src.Perform(now, s.logger)
	})
	mirrorErrors, mirrorsAborted := runWorkerPool(ctx, s.mirrorSlots, s.mirrors, func(c context.Context, sink serviceio.Sink) int {
		if c.Err() != nil {
			return 0
		}
		return sink.Commit(now, s.logger)
	})
	s.pushTelemetry()

	aborted := sourcesAborted || mirrorsAborted
	if aborted {
		s.logger.Warn().
			Bool("sources", sourcesAborted).
			Bool("mirrors", mirrorsAborted).
			Msg("cycle interrupted by cancellation")
	}

	s.metricsMu.Lock()
	s.metrics.CycleCount++
	s.metrics.LastAborted = aborted
	if aborted {
		s.metrics.AbortedCycles++
	}
	s.metrics.LastDuration = time.Since(start)
	s.metrics.LastSourceErrors = sourceErrors
	s.metrics.LastMirrorErrors = mirrorErrors
	s.lastCycle = now
	s.metricsMu.Unlock()
	return nil
}

func (s *Service) pushTelemetry() {
	s.publishedMu.Lock()
	defer s.publishedMu.Unlock()
	for _, gen := range s.generators {
		stats := gen.Stats()
		if delta := stats.Published - s.published[gen.ID()]; delta > 0 {
			s.telemetry.AddSamplesPublished(gen.ID(), delta)
		}
		s.published[gen.ID()] = stats.Published
		s.telemetry.SetOutputVoltage(gen.ID(), stats.LastOutput)
	}
}

// Metrics returns the last recorded cycle metrics.
func (s *Service) Metrics() Metrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics
}

// Lines returns the line registry.
func (s *Service) Lines() *bus.Registry { return s.lines }

// Generator returns the generator with the given id.
func (s *Service) Generator(id string) (*generator.Generator, error) {
	for _, gen := range s.generators {
		if gen.ID() == id {
			return gen, nil
		}
	}
	return nil, fmt.Errorf("generator %s not found", id)
}

// SetSourceDisabled toggles a source at runtime.
func (s *Service) SetSourceDisabled(id string, disabled bool) (serviceio.SourceStatus, error) {
	for _, src := range s.sources {
		if src.ID() == id {
			src.SetDisabled(disabled)
			return src.Status(), nil
		}
	}
	return serviceio.SourceStatus{}, fmt.Errorf("source %s not found", id)
}

// SetMirrorDisabled toggles a mirror at runtime.
func (s *Service) SetMirrorDisabled(id string, disabled bool) (serviceio.SinkStatus, error) {
	for _, sink := range s.mirrors {
		if sink.ID() == id {
			sink.SetDisabled(disabled)
			return sink.Status(), nil
		}
	}
	return serviceio.SinkStatus{}, fmt.Errorf("mirror %s not found", id)
}

func (s *Service) stopGenerators() {
	for _, gen := range s.generators {
		gen.Stop()
	}
	for _, gen := range s.generators {
		_ = gen.Wait()
	}
}

// Close stops the generators and releases every driver and line.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.stopGenerators()
		closeSources(s.sources)
		closeSinks(s.mirrors)
		s.lines.Close()
	})
	return nil
}
