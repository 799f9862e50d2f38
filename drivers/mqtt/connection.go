package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/config"
)

const (
	connectTimeout  = 30 * time.Second
	disconnectQuiet = 250
)

// clientOptions translates connection settings into paho client options.
// fallbackID is used when no client id is configured.
func clientOptions(settings ConnectionSettings, fallbackID string, logger zerolog.Logger, onConnect mqtt.OnConnectHandler) (*mqtt.ClientOptions, error) {
	if settings.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}
	clientID := settings.ClientID
	if clientID == "" {
		clientID = fallbackID
	}
	opts := mqtt.NewClientOptions().AddBroker(settings.Broker).SetClientID(clientID)

	ifSet(settings.CleanSession, func(v bool) { opts.SetCleanSession(v) })
	ifSet(settings.AutoReconnect, func(v bool) { opts.SetAutoReconnect(v) })
	ifSet(settings.KeepAlive, func(v config.Duration) { opts.SetKeepAlive(v.Duration) })
	ifSet(settings.ConnectTimeout, func(v config.Duration) { opts.SetConnectTimeout(v.Duration) })
	ifSet(settings.MaxReconnect, func(v config.Duration) { opts.SetMaxReconnectInterval(v.Duration) })
	ifSet(settings.RetryInterval, func(v config.Duration) { opts.SetConnectRetryInterval(v.Duration) })
	ifSet(settings.Auth, func(v AuthSettings) { opts.SetUsername(v.Username).SetPassword(v.Password) })

	if tlsSettings := settings.TLS; tlsSettings != nil && tlsSettings.Enabled {
		tlsConfig, err := buildTLSConfig(*tlsSettings)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	if will := settings.Will; will != nil && will.Topic != "" {
		payload, err := willPayload(*will)
		if err != nil {
			return nil, err
		}
		var qos byte
		retain := false
		ifSet(will.QoS, func(v byte) { qos = v })
		ifSet(will.Retain, func(v bool) { retain = v })
		opts.SetBinaryWill(will.Topic, payload, qos, retain)
	}

	if onConnect != nil {
		opts.SetOnConnectHandler(onConnect)
	}
	broker := logger.With().Str("broker", settings.Broker).Logger()
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		broker.Warn().Err(err).Msg("mqtt: connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		broker.Info().Msg("mqtt: reconnecting")
	})
	return opts, nil
}

func ifSet[T any](v *T, apply func(T)) {
	if v != nil {
		apply(*v)
	}
}

func willPayload(will WillSettings) ([]byte, error) {
	if will.Format == nil {
		return append([]byte(nil), will.Payload...), nil
	}
	var value any
	if len(will.Payload) > 0 {
		if err := json.Unmarshal(will.Payload, &value); err != nil {
			value = string(will.Payload)
		}
	}
	encoded, err := EncodePayload(*will.Format, value)
	if err != nil {
		return nil, fmt.Errorf("mqtt: encode will payload: %w", err)
	}
	return encoded, nil
}

// buildClient constructs a configured MQTT client and establishes the initial connection.
func buildClient(settings ConnectionSettings, fallbackID string, logger zerolog.Logger, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
	opts, err := clientOptions(settings, fallbackID, logger, onConnect)
	if err != nil {
		return nil, err
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}
	return client, nil
}

func buildTLSConfig(settings TLSSettings) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: settings.InsecureSkipVerify}
	if settings.ServerName != "" {
		cfg.ServerName = settings.ServerName
	}
	if len(settings.ALPN) > 0 {
		cfg.NextProtos = append([]string(nil), settings.ALPN...)
	}

	if settings.CAFile != "" {
		ca, err := os.ReadFile(settings.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("mqtt: parse ca file %s", settings.CAFile)
		}
		cfg.RootCAs = pool
	}

	if settings.CertFile != "" && settings.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func disconnect(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiet)
	}
}
