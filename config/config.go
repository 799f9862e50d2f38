package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON accepts the same duration strings inside driver settings.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// LineConfig declares a shared signal line.
type LineConfig struct {
	ID          string `yaml:"id"`
	Width       int    `yaml:"width"`
	Analog      bool   `yaml:"analog"`
	Description string `yaml:"description,omitempty"`
}

// RangeConfig is a closed frequency range in Hz.
type RangeConfig struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// GeneratorConfig describes one signal generator. Knobs are applied in a fixed
// order: waveform, frequency, frequency_range, frequency_percent, amplitude,
// attenuation, amplitude_percent, offset, modulation.
type GeneratorConfig struct {
	ID               string       `yaml:"id"`
	Waveform         string       `yaml:"waveform,omitempty"`
	Frequency        *float64     `yaml:"frequency,omitempty"`
	FrequencyRange   *RangeConfig `yaml:"frequency_range,omitempty"`
	FrequencyPercent *float64     `yaml:"frequency_percent,omitempty"`
	Amplitude        *float64     `yaml:"amplitude,omitempty"`
	Attenuation      *float64     `yaml:"attenuation,omitempty"`
	AmplitudePercent *float64     `yaml:"amplitude_percent,omitempty"`
	Offset           *float64     `yaml:"offset,omitempty"`
	Modulation       string       `yaml:"modulation,omitempty"`
	EnableGate       bool         `yaml:"enable_gate,omitempty"`
	Output           string       `yaml:"output,omitempty"`
	ModulationInput  string       `yaml:"modulation_input,omitempty"`
	Enable           string       `yaml:"enable,omitempty"`
	Disable          bool         `yaml:"disable,omitempty"`
}

// SourceConfig describes a driver writing voltages into a line.
type SourceConfig struct {
	ID       string                 `yaml:"id"`
	Line     string                 `yaml:"line"`
	Driver   string                 `yaml:"driver"`
	Interval Duration               `yaml:"interval,omitempty"`
	Disable  bool                   `yaml:"disable,omitempty"`
	Settings map[string]interface{} `yaml:"settings,omitempty"`
}

// MirrorConfig describes a driver copying a line to an external system.
type MirrorConfig struct {
	ID       string                 `yaml:"id"`
	Line     string                 `yaml:"line"`
	Driver   string                 `yaml:"driver"`
	Interval Duration               `yaml:"interval,omitempty"`
	Disable  bool                   `yaml:"disable,omitempty"`
	Settings map[string]interface{} `yaml:"settings,omitempty"`
}

// WorkerSlots bounds how many sources and mirrors run concurrently per cycle.
// Zero means one.
type WorkerSlots struct {
	Sources int `yaml:"sources,omitempty"`
	Mirrors int `yaml:"mirrors,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Cycle       Duration          `yaml:"cycle"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	HotReload   bool              `yaml:"hot_reload,omitempty"`
	Workers     WorkerSlots       `yaml:"workers,omitempty"`
	Lines       []LineConfig      `yaml:"lines"`
	Generators  []GeneratorConfig `yaml:"generators"`
	Sources     []SourceConfig    `yaml:"sources,omitempty"`
	Mirrors     []MirrorConfig    `yaml:"mirrors,omitempty"`

	// Path is the file the configuration was loaded from.
	Path string `yaml:"-"`
}

// DefaultCycle is used when no cycle is configured.
const DefaultCycle = 10 * time.Millisecond

// Load reads, decodes and validates the configuration file. Files ending in
// .cue are evaluated with CUE; everything else is parsed as YAML.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}

	var cfg *Config
	if strings.EqualFold(filepath.Ext(abs), ".cue") {
		cfg, err = decodeCUE(abs, raw)
	} else {
		cfg, err = decodeYAML(abs, raw)
	}
	if err != nil {
		return nil, err
	}
	cfg.Path = abs
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document.
func Parse(raw []byte) (*Config, error) {
	cfg, err := decodeYAML("<inline>", raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(name string, raw []byte) (*Config, error) {
	var document yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", name, err)
	}
	if len(document.Content) == 0 || document.Content[0] == nil {
		return nil, fmt.Errorf("config %s is empty", name)
	}
	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config %s: top-level YAML document must be a mapping", name)
	}
	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", name, err)
	}
	return &cfg, nil
}

// CycleInterval returns the configured service cycle duration.
func (c *Config) CycleInterval() time.Duration {
	if c == nil || c.Cycle.Duration <= 0 {
		return DefaultCycle
	}
	return c.Cycle.Duration
}

// Line returns the line declaration with the given id.
func (c *Config) Line(id string) (LineConfig, bool) {
	if c == nil {
		return LineConfig{}, false
	}
	for _, line := range c.Lines {
		if line.ID == id {
			return line, true
		}
	}
	return LineConfig{}, false
}

// SettingsJSON renders driver settings as JSON for driver specific decoding.
func SettingsJSON(settings map[string]interface{}) (json.RawMessage, error) {
	if len(settings) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode driver settings: %w", err)
	}
	return raw, nil
}
