package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/timzifer/siggen/config"
)

// ConnectionSettings describe how to reach the MQTT broker.
type ConnectionSettings struct {
	Broker         string           `json:"broker"`
	ClientID       string           `json:"client_id,omitempty"`
	CleanSession   *bool            `json:"clean_session,omitempty"`
	KeepAlive      *config.Duration `json:"keep_alive,omitempty"`
	ConnectTimeout *config.Duration `json:"connect_timeout,omitempty"`
	AutoReconnect  *bool            `json:"auto_reconnect,omitempty"`
	MaxReconnect   *config.Duration `json:"max_reconnect_interval,omitempty"`
	RetryInterval  *config.Duration `json:"connect_retry_interval,omitempty"`
	Auth           *AuthSettings    `json:"auth,omitempty"`
	TLS            *TLSSettings     `json:"tls,omitempty"`
	Will           *WillSettings    `json:"will,omitempty"`
}

// AuthSettings capture username/password authentication for MQTT.
type AuthSettings struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TLSSettings allow TLS connections to be configured.
type TLSSettings struct {
	Enabled            bool     `json:"enabled"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify"`
	CAFile             string   `json:"ca_file,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty"`
	ServerName         string   `json:"server_name,omitempty"`
	ALPN               []string `json:"alpn,omitempty"`
}

// WillSettings describe a last will message for the MQTT client.
type WillSettings struct {
	Topic   string             `json:"topic"`
	Payload json.RawMessage    `json:"payload"`
	QoS     *byte              `json:"qos,omitempty"`
	Retain  *bool              `json:"retain,omitempty"`
	Format  *PayloadConversion `json:"format,omitempty"`
}

// PayloadConversion defines how payloads are encoded or decoded.
//
// Encoding is one of json (default) or string. Format "object" publishes a
// JSON document with the line name, terminal voltages and timestamp instead of
// the bare differential voltage. Path selects a nested field when decoding.
type PayloadConversion struct {
	Encoding string `json:"encoding,omitempty"`
	Format   string `json:"format,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Deadband ensures only significant changes trigger a publish.
type Deadband struct {
	Absolute *float64 `json:"absolute,omitempty"`
	Percent  *float64 `json:"percent,omitempty"`
}

// RateLimit limits how frequently a value may be published.
type RateLimit struct {
	MinInterval config.Duration `json:"min_interval,omitempty"`
}

// MirrorSettings encapsulates the settings of a line mirror.
type MirrorSettings struct {
	Connection    ConnectionSettings    `json:"connection"`
	Topic         string                `json:"topic"`
	QoS           *byte                 `json:"qos,omitempty"`
	Retain        *bool                 `json:"retain,omitempty"`
	Payload       *PayloadConversion    `json:"payload,omitempty"`
	Deadband      *Deadband             `json:"deadband,omitempty"`
	RateLimit     *RateLimit            `json:"rate_limit,omitempty"`
	HomeAssistant *HomeAssistantOptions `json:"home_assistant,omitempty"`
}

// SourceSettings encapsulates the settings of a subscription driving a line.
//
// Received values are multiplied by Scale (default 1) and written to terminal
// 0, every further terminal is driven with Ground.
type SourceSettings struct {
	Connection ConnectionSettings `json:"connection"`
	Topic      string             `json:"topic"`
	QoS        *byte              `json:"qos,omitempty"`
	Payload    *PayloadConversion `json:"payload,omitempty"`
	Scale      *float64           `json:"scale,omitempty"`
	Ground     float64            `json:"ground,omitempty"`
}

// HomeAssistantOptions configure a discovery entry announcing a mirrored line
// as a voltage sensor.
type HomeAssistantOptions struct {
	Enabled         bool            `json:"enabled"`
	DiscoveryPrefix string          `json:"discovery_prefix,omitempty"`
	ObjectID        string          `json:"object_id,omitempty"`
	Name            string          `json:"name,omitempty"`
	Icon            string          `json:"icon,omitempty"`
	Availability    *HAAvailability `json:"availability,omitempty"`
	Device          *HADevice       `json:"device,omitempty"`
	Extra           map[string]any  `json:"extra,omitempty"`
}

// HAAvailability configures the topics used to report availability to Home Assistant.
type HAAvailability struct {
	Topic          string `json:"topic,omitempty"`
	PayloadOnline  string `json:"payload_online,omitempty"`
	PayloadOffline string `json:"payload_offline,omitempty"`
	Retain         bool   `json:"retain,omitempty"`
}

// HADevice describes a device entry for Home Assistant discovery.
type HADevice struct {
	Identifiers  []string `json:"identifiers,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

func decodeSettings(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("settings missing")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

func resolvePayload(p *PayloadConversion) PayloadConversion {
	if p != nil {
		return *p
	}
	return PayloadConversion{Encoding: "json"}
}

// RetainFlag resolves the retain behaviour for a mirror.
func (s MirrorSettings) RetainFlag() bool {
	if s.Retain == nil {
		return false
	}
	return *s.Retain
}

// QoSLevel resolves the QoS for a mirror publication.
func (s MirrorSettings) QoSLevel() byte {
	if s.QoS == nil {
		return 0
	}
	return *s.QoS
}

// Validate performs lightweight validation of mirror settings.
func (s MirrorSettings) Validate() error {
	if s.Connection.Broker == "" {
		return fmt.Errorf("connection.broker is required")
	}
	if s.Topic == "" {
		return fmt.Errorf("topic must be provided")
	}
	if s.QoSLevel() > 2 {
		return fmt.Errorf("qos %d out of range", s.QoSLevel())
	}
	if s.HomeAssistant != nil && s.HomeAssistant.Enabled && s.HomeAssistant.ObjectID == "" {
		return fmt.Errorf("home_assistant.object_id is required when enabled")
	}
	return nil
}

// QoSLevel resolves the subscription QoS.
func (s SourceSettings) QoSLevel() byte {
	if s.QoS == nil {
		return 0
	}
	return *s.QoS
}

// ScaleFactor resolves the multiplier applied to received values.
func (s SourceSettings) ScaleFactor() float64 {
	if s.Scale == nil {
		return 1
	}
	return *s.Scale
}

// Validate performs lightweight validation of source settings.
func (s SourceSettings) Validate() error {
	if s.Connection.Broker == "" {
		return fmt.Errorf("connection.broker is required")
	}
	if s.Topic == "" {
		return fmt.Errorf("topic must be provided")
	}
	if s.QoSLevel() > 2 {
		return fmt.Errorf("qos %d out of range", s.QoSLevel())
	}
	if math.IsNaN(s.ScaleFactor()) || math.IsNaN(s.Ground) {
		return fmt.Errorf("scale and ground must not be NaN")
	}
	return nil
}

// DurationValue converts a config.Duration pointer to time.Duration.
func DurationValue(d *config.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return d.Duration
}
