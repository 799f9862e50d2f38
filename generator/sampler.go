package generator

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/timzifer/siggen/bus"
)

// sampler reconstructs the phase from elapsed time on every tick and publishes
// a new output sample once the phase offset moved by at least one sampling
// interval since the last publish.
type sampler struct {
	params *ParameterStore
	output *bus.Line
	modIn  *bus.Line
	enable *bus.Line
	gated  bool

	start      time.Time
	lastOffset float64

	published atomic.Uint64
	gatedOff  atomic.Uint64
	lastValue atomic.Uint64
}

func (s *sampler) Begin(now time.Time) {
	p := s.params.Snapshot()
	s.start = now
	// Start one period behind so the first tick always publishes.
	s.lastOffset = -p.Period
}

func (s *sampler) Tick(now time.Time) (time.Duration, error) {
	p := s.params.Snapshot()
	elapsed := now.Sub(s.start).Seconds()
	offset := math.Mod(elapsed, p.Period)
	if !s.due(p, offset) {
		return p.SamplingDuration(), nil
	}
	if s.gated && !s.enable.High() {
		s.gatedOff.Add(1)
		s.lastOffset = offset
		return p.SamplingDuration(), nil
	}
	if s.modIn.Closed() {
		return 0, fmt.Errorf("read modulation input: %w", bus.ErrClosed)
	}
	m := s.modIn.Differential()
	volts := Compose(p, elapsed, m)
	if err := s.output.SetVoltageAll(volts, 0); err != nil {
		return 0, fmt.Errorf("publish output: %w", err)
	}
	s.lastOffset = offset
	s.published.Add(1)
	s.lastValue.Store(math.Float64bits(volts))
	return p.SamplingDuration(), nil
}

func (s *sampler) due(p Params, offset float64) bool {
	return math.Abs(offset-s.lastOffset) >= p.SamplingInterval()
}

func (s *sampler) last() float64 {
	return math.Float64frombits(s.lastValue.Load())
}
