package service

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timzifer/siggen/serviceio"
)

// statusPlaces is the number of decimal places reported for voltages and
// frequencies.
const statusPlaces = 6

// Status is a point in time view of the whole service.
type Status struct {
	Generators []GeneratorStatus        `json:"generators"`
	Lines      []LineStatus             `json:"lines"`
	Sources    []serviceio.SourceStatus `json:"sources"`
	Mirrors    []serviceio.SinkStatus   `json:"mirrors"`
	Metrics    Metrics                  `json:"metrics"`
	LastCycle  time.Time                `json:"last_cycle"`
}

// GeneratorStatus reports the knobs and counters of one generator. Values
// that are not finite, such as the period of a stopped oscillator, are nil.
type GeneratorStatus struct {
	ID          string           `json:"id"`
	State       string           `json:"state"`
	Error       string           `json:"error,omitempty"`
	Enabled     bool             `json:"enabled"`
	Waveform    string           `json:"waveform"`
	Modulation  string           `json:"modulation"`
	Level       string           `json:"level_source"`
	Frequency   *decimal.Decimal `json:"frequency"`
	BandLow     *decimal.Decimal `json:"band_low"`
	BandHigh    *decimal.Decimal `json:"band_high"`
	Period      *decimal.Decimal `json:"period"`
	Amplitude   *decimal.Decimal `json:"amplitude"`
	Attenuation *decimal.Decimal `json:"attenuation"`
	Offset      *decimal.Decimal `json:"offset"`
	LastOutput  *decimal.Decimal `json:"last_output"`
	Published   uint64           `json:"published"`
	GatedOff    uint64           `json:"gated_off"`
}

// LineStatus reports the terminal voltages of a configured line.
type LineStatus struct {
	ID       string             `json:"id"`
	Analog   bool               `json:"analog"`
	Voltages []*decimal.Decimal `json:"voltages"`
}

// Status collects the current state of generators, lines and drivers.
func (s *Service) Status() Status {
	status := Status{
		Generators: make([]GeneratorStatus, 0, len(s.generators)),
		Sources:    make([]serviceio.SourceStatus, 0, len(s.sources)),
		Mirrors:    make([]serviceio.SinkStatus, 0, len(s.mirrors)),
		Metrics:    s.Metrics(),
	}
	for _, gen := range s.generators {
		p := gen.Snapshot()
		stats := gen.Stats()
		entry := GeneratorStatus{
			ID:          gen.ID(),
			State:       gen.State().String(),
			Enabled:     gen.Enabled(),
			Waveform:    p.Waveform.String(),
			Modulation:  p.Modulation.String(),
			Level:       p.LevelSource.String(),
			Frequency:   rounded(p.Frequency),
			BandLow:     rounded(p.FrequencyRange.Low),
			BandHigh:    rounded(p.FrequencyRange.High),
			Period:      rounded(p.Period),
			Amplitude:   rounded(p.Amplitude),
			Attenuation: rounded(p.Attenuation),
			Offset:      rounded(p.Offset),
			LastOutput:  rounded(stats.LastOutput),
			Published:   stats.Published,
			GatedOff:    stats.GatedOff,
		}
		if err := gen.Err(); err != nil {
			entry.Error = err.Error()
		}
		status.Generators = append(status.Generators, entry)
	}
	for _, id := range s.lines.IDs() {
		line, err := s.lines.Get(id)
		if err != nil {
			continue
		}
		volts := line.Voltages()
		entry := LineStatus{ID: id, Analog: line.Analog(), Voltages: make([]*decimal.Decimal, len(volts))}
		for i, v := range volts {
			entry.Voltages[i] = rounded(v)
		}
		status.Lines = append(status.Lines, entry)
	}
	for _, src := range s.sources {
		status.Sources = append(status.Sources, src.Status())
	}
	for _, sink := range s.mirrors {
		status.Mirrors = append(status.Mirrors, sink.Status())
	}
	s.metricsMu.Lock()
	status.LastCycle = s.lastCycle
	s.metricsMu.Unlock()
	return status
}

func rounded(v float64) *decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	d := decimal.NewFromFloat(v).Round(statusPlaces)
	return &d
}
