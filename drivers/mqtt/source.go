package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/serviceio"
)

// NewSourceFactory returns a serviceio.SourceFactory subscribing to a topic
// and driving a line with the received values. Messages are buffered and
// applied on the next service cycle, so the line is only written from the
// cycle goroutine.
func NewSourceFactory() serviceio.SourceFactory {
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
		var settings SourceSettings
		if err := decodeSettings(raw, &settings); err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		if err := settings.Validate(); err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}

		s := &subscription{
			id:         cfg.ID,
			line:       line,
			settings:   settings,
			conversion: resolvePayload(settings.Payload),
			schedule:   serviceio.NewSchedule(cfg.Interval.Duration),
			logger:     zerolog.Nop(),
		}
		s.schedule.SetDisabled(cfg.Disable)
		client, err := buildClient(settings.Connection, "siggen-"+cfg.ID, s.logger, s.onConnect)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		s.client = client
		return s, nil
	}
}

type subscription struct {
	id         string
	line       *bus.Line
	settings   SourceSettings
	conversion PayloadConversion
	schedule   *serviceio.Schedule
	client     mqtt.Client

	mu          sync.Mutex
	logger      zerolog.Logger
	pending     *Sample
	decodeFails int
	lastValues  []float64
}

func (s *subscription) ID() string { return s.id }

// Due reports whether a received value or decode failure awaits the cycle.
func (s *subscription) Due(now time.Time) bool {
	if !s.schedule.Due(now) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil || s.decodeFails > 0
}

func (s *subscription) Perform(now time.Time, logger zerolog.Logger) int {
	if s.schedule.Disabled() {
		return 0
	}
	start := time.Now()
	s.mu.Lock()
	s.logger = logger
	pending := s.pending
	s.pending = nil
	errs := s.decodeFails
	s.decodeFails = 0
	s.mu.Unlock()
	defer func() { s.schedule.Done(now, time.Since(start)) }()

	if pending == nil {
		return errs
	}
	if err := s.line.SetVoltageAll(pending.Value*s.settings.ScaleFactor(), s.settings.Ground); err != nil {
		logger.Error().Err(err).Str("source", s.id).Str("line", s.line.Name()).Msg("mqtt: line update failed")
		return errs + 1
	}
	values := s.line.Voltages()
	s.mu.Lock()
	s.lastValues = values
	s.mu.Unlock()
	return errs
}

func (s *subscription) onConnect(client mqtt.Client) {
	s.mu.Lock()
	logger := s.logger
	s.mu.Unlock()
	token := client.Subscribe(s.settings.Topic, s.settings.QoSLevel(), s.handle)
	if token.Wait() && token.Error() != nil {
		logger.Error().Err(token.Error()).Str("topic", s.settings.Topic).Msg("mqtt: subscribe failed")
		return
	}
	logger.Info().Str("topic", s.settings.Topic).Msg("mqtt: subscribed")
}

func (s *subscription) handle(_ mqtt.Client, msg mqtt.Message) {
	if s.schedule.Disabled() {
		return
	}
	value, err := DecodeVoltage(s.conversion, msg.Payload())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.decodeFails++
		s.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("mqtt: decode failed")
		return
	}
	s.pending = &Sample{Value: value, Timestamp: time.Now()}
}

func (s *subscription) SetDisabled(disabled bool) { s.schedule.SetDisabled(disabled) }

func (s *subscription) Status() serviceio.SourceStatus {
	next, last, duration := s.schedule.Times()
	s.mu.Lock()
	values := append([]float64(nil), s.lastValues...)
	s.mu.Unlock()
	return serviceio.SourceStatus{
		ID:           s.id,
		Driver:       Driver,
		Line:         s.line.Name(),
		Disabled:     s.schedule.Disabled(),
		NextRun:      next,
		LastRun:      last,
		LastDuration: duration,
		LastValues:   values,
	}
}

func (s *subscription) Close() { disconnect(s.client) }
