package telemetry

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the service cycle.
type Collector interface {
	IncHotReload(file string)
	AddSamplesPublished(generator string, count uint64)
	SetOutputVoltage(generator string, volts float64)
	IncSchedulerExit(generator, reason string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                {}
func (noopCollector) AddSamplesPublished(string, uint64) {}
func (noopCollector) SetOutputVoltage(string, float64)   {}
func (noopCollector) IncSchedulerExit(string, string)    {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads     *prometheus.CounterVec
	samples        *prometheus.CounterVec
	outputVoltage  *prometheus.GaugeVec
	schedulerExits *prometheus.CounterVec
}

var (
	metricsLock        sync.Mutex
	hotReloadCounter   *prometheus.CounterVec
	samplesCounter     *prometheus.CounterVec
	outputVoltageGauge *prometheus.GaugeVec
	exitCounter        *prometheus.CounterVec
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsLock.Lock()
	defer metricsLock.Unlock()

	if hotReloadCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "siggen_config_hot_reload_total",
			Help: "Number of hot reload operations triggered per configuration source file.",
		}, "file")
		if err != nil {
			return nil, err
		}
		hotReloadCounter = counter
	}
	if samplesCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "siggen_samples_published_total",
			Help: "Number of output samples published per generator.",
		}, "generator")
		if err != nil {
			return nil, err
		}
		samplesCounter = counter
	}
	if outputVoltageGauge == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "siggen_output_voltage",
			Help: "Last voltage published by each generator.",
		}, []string{"generator"})
		if err := reg.Register(gauge); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
			existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				return nil, err
			}
			gauge = existing
		}
		outputVoltageGauge = gauge
	}
	if exitCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "siggen_scheduler_exit_total",
			Help: "Number of generator scheduler exits by reason.",
		}, "generator", "reason")
		if err != nil {
			return nil, err
		}
		exitCounter = counter
	}

	return &PrometheusCollector{
		hotReloads:     hotReloadCounter,
		samples:        samplesCounter,
		outputVoltage:  outputVoltageGauge,
		schedulerExits: exitCounter,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return counter, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// AddSamplesPublished records newly published samples for a generator.
func (p *PrometheusCollector) AddSamplesPublished(generator string, count uint64) {
	if p == nil || p.samples == nil || count == 0 {
		return
	}
	p.samples.WithLabelValues(generator).Add(float64(count))
}

// SetOutputVoltage updates the last published voltage of a generator.
func (p *PrometheusCollector) SetOutputVoltage(generator string, volts float64) {
	if p == nil || p.outputVoltage == nil {
		return
	}
	p.outputVoltage.WithLabelValues(generator).Set(volts)
}

// IncSchedulerExit counts a scheduler exit. Reason is "stopped" or "failed".
func (p *PrometheusCollector) IncSchedulerExit(generator, reason string) {
	if p == nil || p.schedulerExits == nil {
		return
	}
	p.schedulerExits.WithLabelValues(generator, reason).Inc()
}
