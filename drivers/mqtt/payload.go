package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	errUnsupportedEncoding = errors.New("mqtt: unsupported payload encoding")
	errNotNumeric          = errors.New("mqtt: payload is not numeric")
)

// DecodeVoltage extracts a voltage from a raw MQTT payload. Booleans decode
// as logic levels 0 and 1.
func DecodeVoltage(cfg PayloadConversion, payload []byte) (float64, error) {
	text := strings.TrimSpace(string(payload))
	switch strings.ToLower(cfg.Encoding) {
	case "json", "":
		var value any
		if err := json.Unmarshal([]byte(text), &value); err != nil {
			// Plain numbers and literals are accepted when the payload is not JSON.
			return coerceFloat(text)
		}
		if cfg.Path != "" {
			for _, segment := range strings.Split(cfg.Path, ".") {
				m, ok := value.(map[string]any)
				if !ok {
					return 0, fmt.Errorf("mqtt: path %s not present", cfg.Path)
				}
				value = m[segment]
			}
		}
		return coerceFloat(value)
	case "string":
		return coerceFloat(text)
	default:
		return 0, errUnsupportedEncoding
	}
}

func coerceFloat(value any) (float64, error) {
	var (
		f   float64
		err error
	)
	switch v := value.(type) {
	case float64:
		f = v
	case bool:
		if v {
			f = 1
		}
	case string:
		if b, berr := strconv.ParseBool(v); berr == nil {
			return coerceFloat(b)
		}
		f, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errNotNumeric, v)
		}
	default:
		return 0, fmt.Errorf("%w: %T", errNotNumeric, value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", errNotNumeric, f)
	}
	return f, nil
}

// EncodePayload encodes a Go value to bytes for outbound MQTT messages.
func EncodePayload(cfg PayloadConversion, value any) ([]byte, error) {
	switch strings.ToLower(cfg.Encoding) {
	case "json", "":
		return json.Marshal(value)
	case "string":
		if f, ok := value.(float64); ok {
			return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
		}
		return []byte(fmt.Sprint(value)), nil
	default:
		return nil, errUnsupportedEncoding
	}
}

// ShouldPublish evaluates whether a new sample should be published based on
// deadband and rate limit constraints.
func ShouldPublish(deadband *Deadband, rateLimit *RateLimit, last *Sample, next Sample) bool {
	if last == nil {
		return true
	}

	if rateLimit != nil && rateLimit.MinInterval.Duration > 0 {
		if next.Timestamp.Sub(last.Timestamp) < rateLimit.MinInterval.Duration {
			return false
		}
	}

	if deadband == nil {
		return true
	}

	diff := math.Abs(next.Value - last.Value)
	if deadband.Absolute != nil && diff < *deadband.Absolute {
		return false
	}
	if deadband.Percent != nil && last.Value != 0 {
		if diff/math.Abs(last.Value)*100 < *deadband.Percent {
			return false
		}
	}

	return true
}
