package random

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	defaultMin             = 0.0
	defaultMax             = 1.0
	defaultBoolProbability = 0.5
)

// Settings describes the configuration accepted via source settings.
type Settings struct {
	Source          string   `json:"source,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
	Min             *float64 `json:"min,omitempty"`
	Max             *float64 `json:"max,omitempty"`
	Level           *bool    `json:"level,omitempty"`
	TrueProbability *float64 `json:"true_probability,omitempty"`
	Ground          *float64 `json:"ground,omitempty"`
}

type resolvedSettings struct {
	min             float64
	max             float64
	level           bool
	boolProbability float64
	ground          float64
}

func parseSettings(raw json.RawMessage) (Settings, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Settings{}, nil
	}
	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("decode random settings: %w", err)
	}
	return settings, nil
}

// resolve applies defaults. Digital lines always produce levels.
func (s Settings) resolve(digital bool) (resolvedSettings, error) {
	resolved := resolvedSettings{
		min:             defaultMin,
		max:             defaultMax,
		level:           digital,
		boolProbability: defaultBoolProbability,
	}
	if s.Min != nil {
		resolved.min = *s.Min
	}
	if s.Max != nil {
		resolved.max = *s.Max
	}
	if s.Level != nil && !digital {
		resolved.level = *s.Level
	}
	if s.TrueProbability != nil {
		resolved.boolProbability = *s.TrueProbability
	}
	if s.Ground != nil {
		resolved.ground = *s.Ground
	}
	if math.IsNaN(resolved.min) || math.IsNaN(resolved.max) || math.IsNaN(resolved.ground) {
		return resolvedSettings{}, fmt.Errorf("min, max and ground must not be NaN")
	}
	if resolved.max < resolved.min {
		return resolvedSettings{}, fmt.Errorf("max must be >= min")
	}
	if resolved.boolProbability < 0 || resolved.boolProbability > 1 {
		return resolvedSettings{}, fmt.Errorf("true_probability must be between 0 and 1")
	}
	return resolved, nil
}
