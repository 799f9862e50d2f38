package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// homeAssistantPublisher announces a mirrored line as a voltage sensor and
// keeps its availability topic current.
type homeAssistantPublisher struct {
	discoveryTopic   string
	discoveryPayload []byte

	availabilityTopic   string
	availabilityOnline  string
	availabilityOffline string
	availabilityRetain  bool

	once sync.Once
}

func newHomeAssistantPublisher(opts *HomeAssistantOptions, clientID, stateTopic string, format PayloadConversion) (*homeAssistantPublisher, error) {
	if opts == nil || !opts.Enabled {
		return nil, nil
	}
	prefix := strings.Trim(opts.DiscoveryPrefix, "/")
	if prefix == "" {
		prefix = "homeassistant"
	}
	h := &homeAssistantPublisher{
		discoveryTopic:      fmt.Sprintf("%s/sensor/%s/config", prefix, opts.ObjectID),
		availabilityOnline:  "online",
		availabilityOffline: "offline",
		availabilityRetain:  true,
	}
	if a := opts.Availability; a != nil {
		h.availabilityTopic = a.Topic
		if a.PayloadOnline != "" {
			h.availabilityOnline = a.PayloadOnline
		}
		if a.PayloadOffline != "" {
			h.availabilityOffline = a.PayloadOffline
		}
		h.availabilityRetain = a.Retain
	}
	if h.availabilityTopic == "" {
		h.availabilityTopic = fmt.Sprintf("%s/status/%s", prefix, clientID)
	}

	name := opts.Name
	if name == "" {
		name = opts.ObjectID
	}
	payload := map[string]any{
		"name":                  name,
		"object_id":             opts.ObjectID,
		"unique_id":             uniqueID(clientID, opts.ObjectID),
		"state_topic":           stateTopic,
		"device_class":          "voltage",
		"unit_of_measurement":   "V",
		"state_class":           "measurement",
		"availability_topic":    h.availabilityTopic,
		"payload_available":     h.availabilityOnline,
		"payload_not_available": h.availabilityOffline,
	}
	if strings.EqualFold(format.Format, formatObject) {
		payload["value_template"] = "{{ value_json.voltage }}"
	}
	if opts.Icon != "" {
		payload["icon"] = opts.Icon
	}
	if d := opts.Device; d != nil {
		device := map[string]any{}
		if len(d.Identifiers) > 0 {
			device["identifiers"] = d.Identifiers
		}
		if d.Manufacturer != "" {
			device["manufacturer"] = d.Manufacturer
		}
		if d.Model != "" {
			device["model"] = d.Model
		}
		if d.Name != "" {
			device["name"] = d.Name
		}
		if d.SWVersion != "" {
			device["sw_version"] = d.SWVersion
		}
		payload["device"] = device
	}
	for k, v := range opts.Extra {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mqtt: encode home assistant discovery: %w", err)
	}
	h.discoveryPayload = body
	return h, nil
}

// Ensure publishes the retained discovery document once per publisher.
func (h *homeAssistantPublisher) Ensure(client mqtt.Client, logger zerolog.Logger) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		token := client.Publish(h.discoveryTopic, 1, true, h.discoveryPayload)
		if token.Wait() && token.Error() != nil {
			logger.Error().Err(token.Error()).Str("topic", h.discoveryTopic).Msg("mqtt: home assistant discovery publish failed")
		} else {
			logger.Info().Str("topic", h.discoveryTopic).Msg("mqtt: home assistant discovery published")
		}
	})
}

func (h *homeAssistantPublisher) PublishAvailability(client mqtt.Client, logger zerolog.Logger, online bool) {
	if h == nil || client == nil || !client.IsConnected() {
		return
	}
	payload := h.availabilityOffline
	if online {
		payload = h.availabilityOnline
	}
	token := client.Publish(h.availabilityTopic, 1, h.availabilityRetain, payload)
	if token.Wait() && token.Error() != nil {
		logger.Error().Err(token.Error()).Str("topic", h.availabilityTopic).Msg("mqtt: home assistant availability publish failed")
	}
}

func uniqueID(clientID, objectID string) string {
	base := strings.TrimSpace(clientID)
	if base == "" {
		base = "siggen"
	}
	return fmt.Sprintf("%s_%s", base, strings.TrimSpace(objectID))
}
