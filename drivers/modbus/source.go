package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/serviceio"
)

// NewSourceFactory builds a Modbus source factory polling one register or
// coil and driving a line with the decoded voltage. A nil factory connects
// over TCP.
func NewSourceFactory(factory ClientFactory) serviceio.SourceFactory {
	if factory == nil {
		factory = NewTCPClientFactory()
	}
	return func(cfg config.SourceConfig, deps serviceio.Dependencies) (serviceio.Source, error) {
		if cfg.ID == "" {
			return nil, errors.New("source id must not be empty")
		}
		if deps.Lines == nil {
			return nil, fmt.Errorf("source %s: dependencies missing line registry", cfg.ID)
		}
		line, err := deps.Lines.Get(cfg.Line)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		raw, err := config.SettingsJSON(cfg.Settings)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		settings, err := parseSettings(raw)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		resolved, err := settings.resolve(false)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		s := &poller{
			id:            cfg.ID,
			line:          line,
			settings:      resolved,
			clientFactory: factory,
			schedule:      serviceio.NewSchedule(cfg.Interval.Duration),
		}
		s.schedule.SetDisabled(cfg.Disable)
		return s, nil
	}
}

type poller struct {
	id            string
	line          *bus.Line
	settings      resolvedSettings
	clientFactory ClientFactory
	schedule      *serviceio.Schedule

	mu         sync.Mutex
	client     Client
	lastValues []float64
}

func (p *poller) ID() string { return p.id }

func (p *poller) Due(now time.Time) bool { return p.schedule.Due(now) }

func (p *poller) Perform(now time.Time, logger zerolog.Logger) int {
	if p.schedule.Disabled() {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	start := time.Now()
	defer func() { p.schedule.Done(now, time.Since(start)) }()

	if p.client == nil {
		client, err := p.clientFactory(p.settings.endpoint)
		if err != nil {
			logger.Error().Err(err).Str("source", p.id).Msg("modbus client unavailable")
			return 1
		}
		p.client = client
	}
	value, err := p.read()
	if err != nil {
		_ = p.client.Close()
		p.client = nil
		logger.Error().Err(err).Str("source", p.id).Uint16("register", p.settings.register).Msg("modbus read failed")
		return 1
	}
	if err := p.line.SetVoltageAll(value, p.settings.ground); err != nil {
		logger.Error().Err(err).Str("source", p.id).Str("line", p.line.Name()).Msg("modbus source update failed")
		return 1
	}
	p.lastValues = p.line.Voltages()
	return 0
}

func (p *poller) read() (float64, error) {
	var (
		payload []byte
		err     error
	)
	switch p.settings.function {
	case functionCoil:
		payload, err = p.client.ReadCoils(p.settings.register, 1)
		if err != nil {
			return 0, err
		}
		if len(payload) < 1 {
			return 0, fmt.Errorf("short coil response: %d bytes", len(payload))
		}
		if payload[0]&0x01 != 0 {
			return 1, nil
		}
		return 0, nil
	case functionInput:
		payload, err = p.client.ReadInputRegisters(p.settings.register, 1)
	default:
		payload, err = p.client.ReadHoldingRegisters(p.settings.register, 1)
	}
	if err != nil {
		return 0, err
	}
	if len(payload) < 2 {
		return 0, fmt.Errorf("short register response: %d bytes", len(payload))
	}
	word := uint16(payload[0])<<8 | uint16(payload[1])
	return p.settings.codec.Decode(word), nil
}

func (p *poller) SetDisabled(disabled bool) { p.schedule.SetDisabled(disabled) }

func (p *poller) Status() serviceio.SourceStatus {
	next, last, duration := p.schedule.Times()
	p.mu.Lock()
	values := append([]float64(nil), p.lastValues...)
	p.mu.Unlock()
	return serviceio.SourceStatus{
		ID:           p.id,
		Driver:       Driver,
		Line:         p.line.Name(),
		Disabled:     p.schedule.Disabled(),
		NextRun:      next,
		LastRun:      last,
		LastDuration: duration,
		LastValues:   values,
	}
}

func (p *poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
}
