package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-co/mqtt/server"
	"github.com/mochi-co/mqtt/server/listeners"
	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/serviceio"
)

func TestMirrorPublishesLineVoltage(t *testing.T) {
	brokerURL, shutdown := startMockBroker(t)
	defer shutdown()

	subClient := connectClient(t, brokerURL, "subscriber")
	t.Cleanup(func() { subClient.Disconnect(250) })
	messages := subscribe(t, subClient, "bench/out")
	discovery := subscribe(t, subClient, "homeassistant/sensor/sig1_out/config")

	lines := bus.NewRegistry()
	line, err := lines.Add("scope", 2, true)
	if err != nil {
		t.Fatalf("add line: %v", err)
	}
	if err := line.SetVoltages(3, 1); err != nil {
		t.Fatalf("set voltages: %v", err)
	}

	factory := NewSinkFactory()
	sink, err := factory(config.MirrorConfig{
		ID:     "m1",
		Line:   "scope",
		Driver: Driver,
		Settings: map[string]interface{}{
			"connection":     map[string]interface{}{"broker": brokerURL},
			"topic":          "bench/out",
			"deadband":       map[string]interface{}{"absolute": 0.5},
			"home_assistant": map[string]interface{}{"enabled": true, "object_id": "sig1_out"},
		},
	}, serviceio.Dependencies{Lines: lines})
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	t.Cleanup(sink.Close)

	logger := zerolog.Nop()
	if errs := sink.Commit(time.Now(), logger); errs != 0 {
		t.Fatalf("commit reported %d errors", errs)
	}
	if got := string(receive(t, messages)); got != "2" {
		t.Fatalf("unexpected payload %q", got)
	}
	var doc map[string]any
	if err := json.Unmarshal(receive(t, discovery), &doc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if doc["state_topic"] != "bench/out" {
		t.Fatalf("unexpected discovery document %v", doc)
	}

	// Within the deadband nothing is published.
	if err := line.SetVoltages(3.2, 1); err != nil {
		t.Fatalf("set voltages: %v", err)
	}
	sink.Commit(time.Now(), logger)
	select {
	case msg := <-messages:
		t.Fatalf("unexpected publish %q", msg)
	case <-time.After(200 * time.Millisecond):
	}

	if err := line.SetVoltages(-1, 1); err != nil {
		t.Fatalf("set voltages: %v", err)
	}
	sink.Commit(time.Now(), logger)
	if got := string(receive(t, messages)); got != "-2" {
		t.Fatalf("unexpected payload %q", got)
	}
	if status := sink.Status(); status.LastValue != -2 || status.Driver != Driver {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestMirrorObjectFormat(t *testing.T) {
	brokerURL, shutdown := startMockBroker(t)
	defer shutdown()

	subClient := connectClient(t, brokerURL, "subscriber")
	t.Cleanup(func() { subClient.Disconnect(250) })
	messages := subscribe(t, subClient, "bench/object")

	lines := bus.NewRegistry()
	line, _ := lines.Add("scope", 2, true)
	_ = line.SetVoltages(1.5, 0)

	sink, err := NewSinkFactory()(config.MirrorConfig{
		ID:   "m2",
		Line: "scope",
		Settings: map[string]interface{}{
			"connection": map[string]interface{}{"broker": brokerURL},
			"topic":      "bench/object",
			"payload":    map[string]interface{}{"format": "object"},
		},
	}, serviceio.Dependencies{Lines: lines})
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	t.Cleanup(sink.Close)

	sink.Commit(time.Now(), zerolog.Nop())
	var doc struct {
		Line      string    `json:"line"`
		Voltage   float64   `json:"voltage"`
		Terminals []float64 `json:"terminals"`
	}
	if err := json.Unmarshal(receive(t, messages), &doc); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if doc.Line != "scope" || doc.Voltage != 1.5 || len(doc.Terminals) != 2 {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestSourceDrivesLine(t *testing.T) {
	brokerURL, shutdown := startMockBroker(t)
	defer shutdown()

	lines := bus.NewRegistry()
	line, err := lines.Add("lfo", 2, true)
	if err != nil {
		t.Fatalf("add line: %v", err)
	}

	src, err := NewSourceFactory()(config.SourceConfig{
		ID:   "lfo_mqtt",
		Line: "lfo",
		Settings: map[string]interface{}{
			"connection": map[string]interface{}{"broker": brokerURL},
			"topic":      "bench/lfo",
			"payload":    map[string]interface{}{"path": "value"},
			"scale":      0.5,
		},
	}, serviceio.Dependencies{Lines: lines})
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	t.Cleanup(src.Close)

	publisher := connectClient(t, brokerURL, "publisher")
	t.Cleanup(func() { publisher.Disconnect(250) })

	// Republish until the subscription is active.
	waitFor(t, 5*time.Second, func() bool {
		publisher.Publish("bench/lfo", 0, false, []byte(`{"value": 3}`)).Wait()
		return src.Due(time.Now())
	})
	if errs := src.Perform(time.Now(), zerolog.Nop()); errs != 0 {
		t.Fatalf("perform reported %d errors", errs)
	}
	if got := line.Voltages(); got[0] != 1.5 || got[1] != 0 {
		t.Fatalf("unexpected voltages %v", got)
	}
	if status := src.Status(); len(status.LastValues) != 2 || status.LastValues[0] != 1.5 {
		t.Fatalf("unexpected status %+v", status)
	}

	src.SetDisabled(true)
	if src.Due(time.Now()) {
		t.Fatalf("disabled source must not be due")
	}
}

func TestFactoriesRejectBadSettings(t *testing.T) {
	lines := bus.NewRegistry()
	_, _ = lines.Add("scope", 2, true)
	deps := serviceio.Dependencies{Lines: lines}

	if _, err := NewSinkFactory()(config.MirrorConfig{ID: "m", Line: "scope"}, deps); err == nil {
		t.Fatalf("expected missing settings error")
	}
	if _, err := NewSinkFactory()(config.MirrorConfig{ID: "m", Line: "nowhere", Settings: map[string]interface{}{"topic": "x"}}, deps); err == nil {
		t.Fatalf("expected unknown line error")
	}
	if _, err := NewSourceFactory()(config.SourceConfig{ID: "s", Line: "scope", Settings: map[string]interface{}{"topic": "x"}}, deps); err == nil {
		t.Fatalf("expected missing broker error")
	}
}

func startMockBroker(t *testing.T) (string, func()) {
	t.Helper()

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	server := mqttserver.NewServer(nil)
	tcp := listeners.NewTCP("test", addr)

	if err := server.AddListener(tcp, nil); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}

	if err := waitForBroker(addr, 5*time.Second); err != nil {
		t.Fatalf("wait for broker: %v", err)
	}

	return "tcp://" + addr, func() {
		_ = server.Close()
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForBroker(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("broker at %s did not start", addr)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("condition not satisfied within %s", timeout)
		case <-ticker.C:
		}
	}
}

func connectClient(t *testing.T, brokerURL, clientID string) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatalf("connect timeout")
	}
	if err := token.Error(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return client
}

func subscribe(t *testing.T, client mqtt.Client, topic string) <-chan []byte {
	t.Helper()
	messages := make(chan []byte, 8)
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case messages <- msg.Payload():
		default:
		}
	})
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatal("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return messages
}

func receive(t *testing.T, messages <-chan []byte) []byte {
	t.Helper()
	select {
	case payload := <-messages:
		return payload
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for published message")
		return nil
	}
}
