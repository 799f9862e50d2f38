package modbus

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/serviceio"
)

// Driver is the driver name for Modbus mirrors and sources.
const Driver = "modbus"

const coilOn = 0xFF00

// NewSinkFactory builds a Modbus mirror factory writing the differential
// voltage of a line to a holding register or coil. A nil factory connects
// over TCP.
func NewSinkFactory(factory ClientFactory) serviceio.SinkFactory {
	if factory == nil {
		factory = NewTCPClientFactory()
	}
	return func(cfg config.MirrorConfig, deps serviceio.Dependencies) (serviceio.Sink, error) {
		if cfg.ID == "" {
			return nil, errors.New("mirror id must not be empty")
		}
		if deps.Lines == nil {
			return nil, fmt.Errorf("mirror %s: dependencies missing line registry", cfg.ID)
		}
		line, err := deps.Lines.Get(cfg.Line)
		if err != nil {
			return nil, fmt.Errorf("mirror %s: %w", cfg.ID, err)
		}
		raw, err := config.SettingsJSON(cfg.Settings)
		if err != nil {
			return nil, fmt.Errorf("mirror %s: %w", cfg.ID, err)
		}
		settings, err := parseSettings(raw)
		if err != nil {
			return nil, fmt.Errorf("mirror %s: %w", cfg.ID, err)
		}
		resolved, err := settings.resolve(true)
		if err != nil {
			return nil, fmt.Errorf("mirror %s: %w", cfg.ID, err)
		}
		m := &mirror{
			id:            cfg.ID,
			line:          line,
			settings:      resolved,
			rateLimit:     settings.RateLimit.Duration,
			clientFactory: factory,
			schedule:      serviceio.NewSchedule(cfg.Interval.Duration),
		}
		m.schedule.SetDisabled(cfg.Disable)
		return m, nil
	}
}

type mirror struct {
	id            string
	line          *bus.Line
	settings      resolvedSettings
	rateLimit     time.Duration
	clientFactory ClientFactory
	schedule      *serviceio.Schedule

	mu          sync.Mutex
	client      Client
	hasLast     bool
	lastValue   float64
	lastWrite   time.Time
	lastAttempt time.Time
}

func (m *mirror) ID() string { return m.id }

func (m *mirror) Commit(now time.Time, logger zerolog.Logger) int {
	if !m.schedule.Due(now) {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	value := m.line.Differential()
	if m.hasLast {
		if m.rateLimit > 0 && now.Before(m.lastWrite.Add(m.rateLimit)) {
			logger.Trace().Str("mirror", m.id).Dur("rate_limit", m.rateLimit).Msg("skipping due to rate limit")
			return 0
		}
		if !m.changed(value) {
			logger.Trace().Str("mirror", m.id).Msg("no significant change detected")
			return 0
		}
	}

	m.lastAttempt = now
	client, err := m.ensureClient()
	if err != nil {
		logger.Error().Err(err).Str("mirror", m.id).Msg("modbus client unavailable")
		m.schedule.Done(now, 0)
		return 1
	}

	start := time.Now()
	if err := m.write(client, value); err != nil {
		m.closeClient()
		logger.Error().Err(err).Str("mirror", m.id).Uint16("register", m.settings.register).Msg("modbus write failed")
		m.schedule.Done(now, time.Since(start))
		return 1
	}
	duration := time.Since(start)
	m.schedule.Done(now, duration)
	m.hasLast = true
	m.lastValue = value
	m.lastWrite = now
	logger.Trace().Str("mirror", m.id).Float64("voltage", value).Dur("duration", duration).Msg("modbus mirror committed")
	return 0
}

func (m *mirror) changed(value float64) bool {
	if m.settings.function == functionCoil {
		return (value >= 0.5) != (m.lastValue >= 0.5)
	}
	return math.Abs(value-m.lastValue) > m.settings.deadband
}

func (m *mirror) write(client Client, value float64) error {
	if m.settings.function == functionCoil {
		var word uint16
		if value >= 0.5 {
			word = coilOn
		}
		_, err := client.WriteSingleCoil(m.settings.register, word)
		return err
	}
	word, err := m.settings.codec.Encode(value)
	if err != nil {
		return err
	}
	_, err = client.WriteSingleRegister(m.settings.register, word)
	return err
}

func (m *mirror) ensureClient() (Client, error) {
	if m.client != nil {
		return m.client, nil
	}
	client, err := m.clientFactory(m.settings.endpoint)
	if err != nil {
		return nil, err
	}
	m.client = client
	return client, nil
}

func (m *mirror) closeClient() {
	if m.client == nil {
		return
	}
	_ = m.client.Close()
	m.client = nil
}

func (m *mirror) SetDisabled(disabled bool) { m.schedule.SetDisabled(disabled) }

func (m *mirror) Status() serviceio.SinkStatus {
	_, _, duration := m.schedule.Times()
	m.mu.Lock()
	defer m.mu.Unlock()
	return serviceio.SinkStatus{
		ID:           m.id,
		Driver:       Driver,
		Line:         m.line.Name(),
		Disabled:     m.schedule.Disabled(),
		LastValue:    m.lastValue,
		LastWrite:    m.lastWrite,
		LastAttempt:  m.lastAttempt,
		LastDuration: duration,
	}
}

func (m *mirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeClient()
}
