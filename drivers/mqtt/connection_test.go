package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/siggen/config"
)

func TestClientOptions(t *testing.T) {
	autoReconnect := false
	qos := byte(1)
	settings := ConnectionSettings{
		Broker:        "tcp://127.0.0.1:1883",
		KeepAlive:     &config.Duration{Duration: 15 * time.Second},
		AutoReconnect: &autoReconnect,
		Auth:          &AuthSettings{Username: "bench", Password: "secret"},
		Will: &WillSettings{
			Topic:   "bench/status",
			Payload: json.RawMessage(`"offline"`),
			QoS:     &qos,
			Format:  &PayloadConversion{Encoding: "string"},
		},
	}
	opts, err := clientOptions(settings, "siggen-fallback", zerolog.Nop(), nil)
	require.NoError(t, err)
	require.Equal(t, "siggen-fallback", opts.ClientID)
	require.Len(t, opts.Servers, 1)
	require.Equal(t, "127.0.0.1:1883", opts.Servers[0].Host)
	require.Equal(t, "bench", opts.Username)
	require.Equal(t, int64(15), opts.KeepAlive)
	require.False(t, opts.AutoReconnect)
	require.True(t, opts.WillEnabled)
	require.Equal(t, "bench/status", opts.WillTopic)
	require.Equal(t, []byte("offline"), opts.WillPayload)
	require.Equal(t, byte(1), opts.WillQos)

	settings.ClientID = "explicit"
	opts, err = clientOptions(settings, "siggen-fallback", zerolog.Nop(), nil)
	require.NoError(t, err)
	require.Equal(t, "explicit", opts.ClientID)
}

func TestClientOptionsRequireBroker(t *testing.T) {
	_, err := clientOptions(ConnectionSettings{}, "x", zerolog.Nop(), nil)
	require.Error(t, err)
}

func TestBuildTLSConfigMissingCA(t *testing.T) {
	_, err := buildTLSConfig(TLSSettings{Enabled: true, CAFile: "/nonexistent/ca.pem"})
	require.Error(t, err)

	cfg, err := buildTLSConfig(TLSSettings{Enabled: true, ServerName: "broker", ALPN: []string{"mqtt"}})
	require.NoError(t, err)
	require.Equal(t, "broker", cfg.ServerName)
	require.Equal(t, []string{"mqtt"}, cfg.NextProtos)
}

func TestSettingsValidate(t *testing.T) {
	require.Error(t, MirrorSettings{Topic: "a"}.Validate())
	require.Error(t, MirrorSettings{Connection: ConnectionSettings{Broker: "tcp://b"}}.Validate())
	require.Error(t, MirrorSettings{
		Connection:    ConnectionSettings{Broker: "tcp://b"},
		Topic:         "a",
		HomeAssistant: &HomeAssistantOptions{Enabled: true},
	}.Validate())
	bad := byte(3)
	require.Error(t, SourceSettings{Connection: ConnectionSettings{Broker: "tcp://b"}, Topic: "a", QoS: &bad}.Validate())
	require.NoError(t, SourceSettings{Connection: ConnectionSettings{Broker: "tcp://b"}, Topic: "a"}.Validate())
	require.Equal(t, 1.0, SourceSettings{}.ScaleFactor())
}

func TestHomeAssistantDiscoveryDocument(t *testing.T) {
	h, err := newHomeAssistantPublisher(&HomeAssistantOptions{
		Enabled:  true,
		ObjectID: "sig1_out",
		Device:   &HADevice{Name: "bench"},
	}, "siggen-m1", "bench/out", PayloadConversion{Format: "object"})
	require.NoError(t, err)
	require.Equal(t, "homeassistant/sensor/sig1_out/config", h.discoveryTopic)
	require.Equal(t, "homeassistant/status/siggen-m1", h.availabilityTopic)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(h.discoveryPayload, &doc))
	require.Equal(t, "bench/out", doc["state_topic"])
	require.Equal(t, "V", doc["unit_of_measurement"])
	require.Equal(t, "siggen-m1_sig1_out", doc["unique_id"])
	require.Equal(t, "{{ value_json.voltage }}", doc["value_template"])

	none, err := newHomeAssistantPublisher(nil, "x", "y", PayloadConversion{})
	require.NoError(t, err)
	require.Nil(t, none)
}
