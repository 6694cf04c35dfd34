// Package prometheus implements stats.Collector on Prometheus metrics,
// registering each metric lazily the first time its name is used.
package prometheus

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/freeeve/analysisd/internal/stats"
)

// Collector implements stats.Collector using Prometheus metrics.
type Collector struct {
	registry prometheus.Registerer
	log      zerolog.Logger

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

var _ stats.Collector = (*Collector)(nil)

// New returns a collector registering into reg, or the default registerer
// when reg is nil. Registration failures are logged to log.
func New(reg prometheus.Registerer, log zerolog.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Collector{
		registry:   reg,
		log:        log,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func (c *Collector) IncCounter(name string, delta int64) {
	c.counter(name).Add(float64(delta))
}

func (c *Collector) SetGauge(name string, value int64) {
	c.gauge(name).Set(float64(value))
}

func (c *Collector) ObserveHistogram(name string, value float64) {
	c.histogram(name).Observe(value)
}

func (c *Collector) counter(name string) prometheus.Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.counters[name]; ok {
		return m
	}
	m, err := register(c.registry, prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: name}))
	c.logFailure(name, err)
	c.counters[name] = m
	return m
}

func (c *Collector) gauge(name string) prometheus.Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.gauges[name]; ok {
		return m
	}
	m, err := register(c.registry, prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: name}))
	c.logFailure(name, err)
	c.gauges[name] = m
	return m
}

func (c *Collector) histogram(name string) prometheus.Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.histograms[name]; ok {
		return m
	}
	m, err := register(c.registry, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    name,
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
	}))
	c.logFailure(name, err)
	c.histograms[name] = m
	return m
}

// logFailure reports a metric that could not be registered. The metric is
// cached anyway so the failure is logged once per name.
func (c *Collector) logFailure(name string, err error) {
	if err != nil {
		c.log.Error().Err(err).Str("metric", name).Msg("metric registration failed, values will not be exported")
	}
}

// register adds m to reg, reusing an identical metric that is already
// registered. On any other error m is returned unregistered along with the
// error; it still accepts updates.
func register[M prometheus.Collector](reg prometheus.Registerer, m M) (M, error) {
	err := reg.Register(m)
	if err == nil {
		return m, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(M); ok {
			return existing, nil
		}
	}
	return m, err
}
