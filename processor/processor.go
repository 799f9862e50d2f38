package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/drivers/expression"
	"github.com/timzifer/siggen/drivers/modbus"
	"github.com/timzifer/siggen/drivers/mqtt"
	"github.com/timzifer/siggen/drivers/random"
	"github.com/timzifer/siggen/internal/logging"
	"github.com/timzifer/siggen/internal/reload"
	"github.com/timzifer/siggen/service"
	"github.com/timzifer/siggen/serviceio"
	"github.com/timzifer/siggen/telemetry"
)

// watchInterval is the polling period of the hot reload watcher.
const watchInterval = time.Second

// ReloadFunc represents a function that reloads the processor configuration.
type ReloadFunc func(ctx context.Context) error

// Option configures the processor during construction.
type Option func(*settings) error

// DriverDefinition bundles optional source and mirror factories under a driver identifier.
type DriverDefinition struct {
	Driver string
	Source serviceio.SourceFactory
	Sink   serviceio.SinkFactory
}

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	drivers           []DriverDefinition
	serviceOptions    []service.Option
}

// Processor owns one service at a time and replaces it whenever the
// configuration changes, either on request or through the file watcher.
type Processor struct {
	configPath     string
	collector      telemetry.Collector
	serviceOptions []service.Option
	customLogger   bool
	baseLogger     zerolog.Logger
	reloads        chan reloadRequest

	mu      sync.Mutex
	config  *config.Config
	current *runtimeState
	watcher *reload.Watcher
	running bool
}

// runtimeState is one generation of the service with its logger.
type runtimeState struct {
	logger zerolog.Logger
	stopLn func()
	srv    *service.Service
}

func (r *runtimeState) close() {
	if r == nil {
		return
	}
	r.srv.Close()
	r.stopLn()
}

type reloadRequest struct {
	done  chan error
	files []string
}

func (r reloadRequest) reply(err error) {
	if r.done != nil {
		r.done <- err
	}
}

// New constructs a processor and builds the first service generation.
func New(ctx context.Context, opts ...Option) (*Processor, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	cfg := settings{logger: zerolog.Nop(), telemetry: telemetry.Noop()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}
	if !cfg.telemetryProvided {
		collector, err := collectorFor(cfg.config.Telemetry)
		if err != nil {
			log.Warn().Err(err).Msg("telemetry disabled")
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
	}

	serviceOpts := defaultServiceOptions()
	serviceOpts = append(serviceOpts, driverServiceOptions(cfg.drivers)...)
	serviceOpts = append(serviceOpts, service.WithTelemetry(cfg.telemetry))
	serviceOpts = append(serviceOpts, cfg.serviceOptions...)

	p := &Processor{
		configPath:     cfg.configPath,
		collector:      cfg.telemetry,
		serviceOptions: serviceOpts,
		customLogger:   cfg.customLogger,
		baseLogger:     cfg.logger,
		config:         cfg.config,
	}
	if cfg.configPath != "" {
		p.reloads = make(chan reloadRequest)
	}

	rt, err := p.buildRuntime(cfg.config)
	if err != nil {
		return nil, err
	}
	p.current = rt
	if err := p.trackFiles(cfg.config); err != nil {
		rt.close()
		return nil, err
	}
	if cfg.registerReload != nil {
		cfg.registerReload(p.Reload)
	}
	return p, nil
}

// Run serves the current generation until ctx ends. A validated reload stops
// the running service, builds the next one and continues with it.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return errors.New("processor not initialized")
	}
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.current = nil
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		current := p.current
		p.mu.Unlock()

		next, req, err := p.serve(ctx, current)
		current.close()
		if next == nil {
			return err
		}

		rt, err := p.buildRuntime(next)
		if err != nil {
			req.reply(err)
			return err
		}
		p.mu.Lock()
		p.current = rt
		p.config = next
		watchErr := p.trackFiles(next)
		p.mu.Unlock()
		if watchErr != nil {
			rt.logger.Error().Err(watchErr).Msg("failed to update configuration watcher")
		}

		rt.logger.Info().Strs("files", req.files).Int("generators", len(next.Generators)).Msg("configuration reloaded")
		req.reply(nil)
		for _, file := range req.files {
			p.collector.IncHotReload(file)
		}
	}
}

// serve runs one generation. It returns the next configuration once a reload
// was accepted, or a nil configuration with the terminal error otherwise.
func (p *Processor) serve(ctx context.Context, current *runtimeState) (*config.Config, reloadRequest, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- current.srv.Run(runCtx) }()

	var ticks <-chan time.Time
	p.mu.Lock()
	watching := p.watcher != nil
	p.mu.Unlock()
	if watching {
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	stopService := func() {
		cancel()
		if err := <-errCh; err != nil {
			current.logger.Error().Err(err).Msg("service stopped with error")
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopService()
			return nil, reloadRequest{}, ctx.Err()
		case err := <-errCh:
			return nil, reloadRequest{}, err
		case req := <-p.reloads:
			next, err := p.candidate(current.logger)
			if err != nil {
				req.reply(err)
				continue
			}
			stopService()
			return next, req, nil
		case <-ticks:
			changed, err := p.watcher.Check()
			if err != nil {
				current.logger.Error().Err(err).Msg("failed to check configuration changes")
				continue
			}
			if len(changed) == 0 {
				continue
			}
			next, err := p.candidate(current.logger)
			if err != nil {
				// Refresh the snapshot so a broken file is reported once.
				_ = p.watcher.Update(p.configPath, p.Config())
				continue
			}
			stopService()
			return next, reloadRequest{files: changed}, nil
		}
	}
}

// candidate loads the configuration from disk and dry-runs it.
func (p *Processor) candidate(logger zerolog.Logger) (*config.Config, error) {
	if p.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	cfg, err := config.Load(p.configPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload configuration")
		return nil, err
	}
	if err := service.Validate(cfg, logger, p.serviceOptions...); err != nil {
		logger.Error().Err(err).Msg("reloaded configuration invalid")
		return nil, err
	}
	return cfg, nil
}

// Reload rebuilds the service from the configuration on disk. While Run is
// active the request is handed to the run loop.
func (p *Processor) Reload(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	if p.reloads == nil {
		return errors.New("reload not supported without configuration path")
	}
	if !running {
		cfg, err := p.candidate(zerolog.Nop())
		if err != nil {
			return err
		}
		return p.swapRuntime(cfg)
	}

	req := reloadRequest{done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.reloads <- req:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

// Status returns the status of the active service.
func (p *Processor) Status() (service.Status, bool) {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current == nil || current.srv == nil {
		return service.Status{}, false
	}
	return current.srv.Status(), true
}

// Config returns the active configuration.
func (p *Processor) Config() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// Close releases resources managed by the processor.
func (p *Processor) Close() {
	p.mu.Lock()
	current := p.current
	p.current = nil
	p.mu.Unlock()
	current.close()
}

func (p *Processor) swapRuntime(cfg *config.Config) error {
	rt, err := p.buildRuntime(cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.current
	p.current = rt
	p.config = cfg
	err = p.trackFiles(cfg)
	p.mu.Unlock()
	if err != nil {
		rt.close()
		return err
	}
	old.close()
	return nil
}

func (p *Processor) buildRuntime(cfg *config.Config) (*runtimeState, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	rt := &runtimeState{logger: p.baseLogger, stopLn: func() {}}
	if !p.customLogger {
		logger, stop, err := logging.Setup(cfg.Logging)
		if err != nil {
			return nil, err
		}
		rt.logger, rt.stopLn = logger, stop
	}
	log.Logger = rt.logger

	srv, err := service.New(cfg, rt.logger, p.serviceOptions...)
	if err != nil {
		rt.stopLn()
		return nil, err
	}
	rt.srv = srv
	return rt, nil
}

// trackFiles points the watcher at cfg, or drops it when hot reload is off.
// The caller holds p.mu or owns p exclusively.
func (p *Processor) trackFiles(cfg *config.Config) error {
	if p.configPath == "" || !cfg.HotReload {
		p.watcher = nil
		return nil
	}
	if p.watcher != nil {
		return p.watcher.Update(p.configPath, cfg)
	}
	w, err := reload.NewWatcher(p.configPath, cfg)
	if err != nil {
		return err
	}
	p.watcher = w
	return nil
}

// telemetryProviders maps a configured provider name to its collector. The
// empty provider selects prometheus.
var telemetryProviders = map[string]func() (telemetry.Collector, error){
	"prometheus": func() (telemetry.Collector, error) {
		return telemetry.NewPrometheusCollector(nil)
	},
	"noop": func() (telemetry.Collector, error) { return telemetry.Noop(), nil },
}

func collectorFor(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "prometheus"
	}
	build, ok := telemetryProviders[name]
	if !ok {
		return nil, fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
	collector, err := build()
	if err != nil {
		return nil, fmt.Errorf("telemetry provider %s: %w", name, err)
	}
	return collector, nil
}

// defaultServiceOptions registers the built-in drivers.
func defaultServiceOptions() []service.Option {
	return []service.Option{
		service.WithSourceFactory(random.Driver, random.NewSourceFactory()),
		service.WithSourceFactory(expression.Driver, expression.NewSourceFactory()),
		service.WithSourceFactory(mqtt.Driver, mqtt.NewSourceFactory()),
		service.WithSinkFactory(mqtt.Driver, mqtt.NewSinkFactory()),
		service.WithSourceFactory(modbus.Driver, modbus.NewSourceFactory(nil)),
		service.WithSinkFactory(modbus.Driver, modbus.NewSinkFactory(nil)),
	}
}

func driverServiceOptions(defs []DriverDefinition) []service.Option {
	if len(defs) == 0 {
		return nil
	}
	opts := make([]service.Option, 0, len(defs)*2)
	for _, def := range defs {
		if def.Driver == "" {
			continue
		}
		if def.Source != nil {
			opts = append(opts, service.WithSourceFactory(def.Driver, def.Source))
		}
		if def.Sink != nil {
			opts = append(opts, service.WithSinkFactory(def.Driver, def.Sink))
		}
	}
	return opts
}

// Validate dry-runs cfg against the built-in drivers without opening any
// connection.
func Validate(cfg *config.Config) error {
	return service.Validate(cfg, zerolog.Nop(), defaultServiceOptions()...)
}
