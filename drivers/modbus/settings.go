package modbus

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/timzifer/siggen/config"
)

// defaultScale maps one register count to one millivolt.
var defaultScale = decimal.New(1, -3)

// Settings configure a Modbus mirror or source.
//
// Function selects the register space: holding (default) or coil for
// mirrors, holding, input or coil for sources. Scale is the voltage of one
// register count.
type Settings struct {
	Address    string           `json:"address"`
	UnitID     byte             `json:"unit_id,omitempty"`
	Timeout    *config.Duration `json:"timeout,omitempty"`
	Function   string           `json:"function,omitempty"`
	Register   uint16           `json:"register"`
	Scale      *float64         `json:"scale,omitempty"`
	Unsigned   bool             `json:"unsigned,omitempty"`
	Endianness string           `json:"endianness,omitempty"`
	Deadband   float64          `json:"deadband,omitempty"`
	RateLimit  config.Duration  `json:"rate_limit,omitempty"`
	Ground     float64          `json:"ground,omitempty"`
}

type function int

const (
	functionHolding function = iota
	functionInput
	functionCoil
)

type resolvedSettings struct {
	endpoint Endpoint
	function function
	register uint16
	codec    registerCodec
	deadband float64
	ground   float64
}

func parseSettings(raw json.RawMessage) (Settings, error) {
	if len(raw) == 0 {
		return Settings{}, fmt.Errorf("settings missing")
	}
	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("decode modbus settings: %w", err)
	}
	return settings, nil
}

func (s Settings) resolve(writable bool) (resolvedSettings, error) {
	if strings.TrimSpace(s.Address) == "" {
		return resolvedSettings{}, fmt.Errorf("address is required")
	}
	resolved := resolvedSettings{
		endpoint: Endpoint{Address: s.Address, UnitID: s.UnitID},
		register: s.Register,
		deadband: math.Max(s.Deadband, 0),
		ground:   s.Ground,
		codec: registerCodec{
			scale:  defaultScale,
			signed: !s.Unsigned,
		},
	}
	if s.Timeout != nil {
		resolved.endpoint.Timeout = s.Timeout.Duration
	}
	switch strings.ToLower(s.Function) {
	case "", "holding", "holding_register", "holding_registers":
		resolved.function = functionHolding
	case "input", "input_register", "input_registers":
		if writable {
			return resolvedSettings{}, fmt.Errorf("input registers are read-only")
		}
		resolved.function = functionInput
	case "coil", "coils":
		resolved.function = functionCoil
	default:
		return resolvedSettings{}, fmt.Errorf("unsupported function %q", s.Function)
	}
	if s.Scale != nil {
		if math.IsNaN(*s.Scale) || math.IsInf(*s.Scale, 0) || *s.Scale == 0 {
			return resolvedSettings{}, fmt.Errorf("scale must be a finite non-zero number")
		}
		resolved.codec.scale = decimal.NewFromFloat(*s.Scale)
	}
	switch strings.ToLower(s.Endianness) {
	case "", "big", "big_endian":
	case "little", "little_endian":
		resolved.codec.swap = true
	default:
		return resolvedSettings{}, fmt.Errorf("unsupported endianness %q", s.Endianness)
	}
	if math.IsNaN(s.Ground) {
		return resolvedSettings{}, fmt.Errorf("ground must not be NaN")
	}
	return resolved, nil
}
