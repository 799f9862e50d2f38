package expression

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/serviceio"
)

// Driver is the source driver name.
const Driver = "expression"

// Settings describes the configuration accepted via source settings.
type Settings struct {
	// Expression yields the voltage of terminal 0.
	Expression string `json:"expression"`
	// Ground optionally yields the voltage of every further terminal.
	Ground string `json:"ground,omitempty"`
}

// NewSourceFactory returns a serviceio.SourceFactory evaluating expressions
// over the elapsed time t in seconds.
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
		var settings Settings
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &settings); err != nil {
				return nil, fmt.Errorf("source %s: decode expression settings: %w", cfg.ID, err)
			}
		}
		if strings.TrimSpace(settings.Expression) == "" {
			return nil, fmt.Errorf("source %s: expression must not be empty", cfg.ID)
		}
		signal, err := Compile(settings.Expression)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		var ground *vm.Program
		if strings.TrimSpace(settings.Ground) != "" {
			ground, err = Compile(settings.Ground)
			if err != nil {
				return nil, fmt.Errorf("source %s: ground: %w", cfg.ID, err)
			}
		}
		src := &expressionSource{
			id:       cfg.ID,
			line:     line,
			signal:   signal,
			ground:   ground,
			schedule: serviceio.NewSchedule(cfg.Interval.Duration),
		}
		src.schedule.SetDisabled(cfg.Disable)
		return src, nil
	}
}

// Compile type checks an expression against the evaluation environment.
func Compile(source string) (*vm.Program, error) {
	program, err := expr.Compile(source, expr.Env(environment(0)))
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", source, err)
	}
	return program, nil
}

// Evaluate runs a compiled expression at elapsed time t. Booleans evaluate
// to logic levels 1 and 0.
func Evaluate(program *vm.Program, t float64) (float64, error) {
	out, err := vm.Run(program, environment(t))
	if err != nil {
		return 0, err
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("expression returned %T, want number or bool", out)
	}
}

func environment(t float64) map[string]interface{} {
	return map[string]interface{}{
		"t":     t,
		"pi":    math.Pi,
		"e":     math.E,
		"sin":   math.Sin,
		"cos":   math.Cos,
		"tan":   math.Tan,
		"sqrt":  math.Sqrt,
		"exp":   math.Exp,
		"log":   math.Log,
		"pow":   math.Pow,
		"mod":   math.Mod,
		"clamp": clamp,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

type expressionSource struct {
	id       string
	line     *bus.Line
	signal   *vm.Program
	ground   *vm.Program
	schedule *serviceio.Schedule

	mu         sync.Mutex
	start      time.Time
	lastValues []float64
}

func (s *expressionSource) ID() string { return s.id }

func (s *expressionSource) Due(now time.Time) bool { return s.schedule.Due(now) }

func (s *expressionSource) Perform(now time.Time, logger zerolog.Logger) int {
	if s.schedule.Disabled() {
		return 0
	}
	begin := time.Now()
	defer func() { s.schedule.Done(now, time.Since(begin)) }()

	s.mu.Lock()
	if s.start.IsZero() {
		s.start = now
	}
	t := now.Sub(s.start).Seconds()
	s.mu.Unlock()

	signal, err := Evaluate(s.signal, t)
	if err != nil {
		logger.Error().Err(err).Str("source", s.id).Msg("expression evaluation failed")
		return 1
	}
	var ground float64
	if s.ground != nil {
		ground, err = Evaluate(s.ground, t)
		if err != nil {
			logger.Error().Err(err).Str("source", s.id).Msg("ground expression evaluation failed")
			return 1
		}
	}
	if math.IsNaN(signal) || math.IsNaN(ground) {
		logger.Warn().Str("source", s.id).Float64("t", t).Msg("expression produced NaN")
		return 1
	}
	if err := s.line.SetVoltageAll(signal, ground); err != nil {
		logger.Error().Err(err).Str("source", s.id).Str("line", s.line.Name()).Msg("expression source update failed")
		return 1
	}
	values := s.line.Voltages()
	s.mu.Lock()
	s.lastValues = values
	s.mu.Unlock()
	return 0
}

func (s *expressionSource) SetDisabled(disabled bool) { s.schedule.SetDisabled(disabled) }

func (s *expressionSource) Status() serviceio.SourceStatus {
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

func (s *expressionSource) Close() {}
