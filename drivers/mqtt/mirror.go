package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/serviceio"
)

// Driver is the driver name for both MQTT mirrors and sources.
const Driver = "mqtt"

const formatObject = "object"

// NewSinkFactory returns a serviceio.SinkFactory publishing the differential
// voltage of a line to an MQTT topic.
func NewSinkFactory() serviceio.SinkFactory {
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
		var settings MirrorSettings
		if err := decodeSettings(raw, &settings); err != nil {
			return nil, fmt.Errorf("mirror %s: %w", cfg.ID, err)
		}
		if err := settings.Validate(); err != nil {
			return nil, fmt.Errorf("mirror %s: %w", cfg.ID, err)
		}

		clientID := settings.Connection.ClientID
		if clientID == "" {
			clientID = "siggen-" + cfg.ID
		}
		format := resolvePayload(settings.Payload)
		ha, err := newHomeAssistantPublisher(settings.HomeAssistant, clientID, settings.Topic, format)
		if err != nil {
			return nil, fmt.Errorf("mirror %s: %w", cfg.ID, err)
		}

		m := &mirror{
			id:       cfg.ID,
			line:     line,
			settings: settings,
			format:   format,
			schedule: serviceio.NewSchedule(cfg.Interval.Duration),
			logger:   zerolog.Nop(),
			ha:       ha,
		}
		m.schedule.SetDisabled(cfg.Disable)
		client, err := buildClient(settings.Connection, clientID, m.logger, nil)
		if err != nil {
			return nil, fmt.Errorf("mirror %s: %w", cfg.ID, err)
		}
		m.client = client
		return m, nil
	}
}

type mirror struct {
	id       string
	line     *bus.Line
	settings MirrorSettings
	format   PayloadConversion
	schedule *serviceio.Schedule
	client   mqtt.Client
	ha       *homeAssistantPublisher

	mu          sync.Mutex
	logger      zerolog.Logger
	last        *Sample
	lastAttempt time.Time
	lastWrite   time.Time
	announced   bool
}

func (m *mirror) ID() string { return m.id }

func (m *mirror) Commit(now time.Time, logger zerolog.Logger) int {
	if !m.schedule.Due(now) {
		return 0
	}
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
	m.lastAttempt = now

	if !m.announced {
		m.ha.Ensure(m.client, logger)
		m.ha.PublishAvailability(m.client, logger, true)
		m.announced = true
	}

	sample := Sample{Value: m.line.Differential(), Timestamp: now}
	if !ShouldPublish(m.settings.Deadband, m.settings.RateLimit, m.last, sample) {
		m.schedule.Done(now, time.Since(start))
		return 0
	}

	payload, err := EncodePayload(m.format, m.payloadValue(sample))
	if err != nil {
		logger.Error().Err(err).Str("mirror", m.id).Msg("mqtt: encode payload failed")
		return 1
	}
	token := m.client.Publish(m.settings.Topic, m.settings.QoSLevel(), m.settings.RetainFlag(), payload)
	if token.Wait() && token.Error() != nil {
		logger.Error().Err(token.Error()).Str("topic", m.settings.Topic).Msg("mqtt: publish failed")
		return 1
	}

	m.schedule.Done(now, time.Since(start))
	m.lastWrite = now
	m.last = &sample
	return 0
}

func (m *mirror) payloadValue(sample Sample) any {
	if !strings.EqualFold(m.format.Format, formatObject) {
		return sample.Value
	}
	return map[string]any{
		"line":      m.line.Name(),
		"voltage":   sample.Value,
		"terminals": m.line.Voltages(),
		"timestamp": sample.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func (m *mirror) SetDisabled(disabled bool) {
	m.schedule.SetDisabled(disabled)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.announced {
		m.ha.PublishAvailability(m.client, m.logger, !disabled)
	}
}

func (m *mirror) Status() serviceio.SinkStatus {
	_, _, duration := m.schedule.Times()
	m.mu.Lock()
	defer m.mu.Unlock()
	status := serviceio.SinkStatus{
		ID:           m.id,
		Driver:       Driver,
		Line:         m.line.Name(),
		Disabled:     m.schedule.Disabled(),
		LastWrite:    m.lastWrite,
		LastAttempt:  m.lastAttempt,
		LastDuration: duration,
	}
	if m.last != nil {
		status.LastValue = m.last.Value
	}
	return status
}

func (m *mirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.announced {
		m.ha.PublishAvailability(m.client, m.logger, false)
	}
	disconnect(m.client)
}
