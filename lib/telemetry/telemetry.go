// Package telemetry sets up the process wide go-metrics instance and the
// HTTP endpoint that exposes it.
package telemetry

import (
	"time"

	"github.com/armon/go-metrics"
	"github.com/armon/go-metrics/prometheus"
)

// Config configures metrics collection.
type Config struct {
	// Disable turns metrics collection off. Metrics calls then go to the
	// go-metrics default, a blackhole.
	Disable bool

	// MetricsPrefix is prepended to every metric name.
	MetricsPrefix string

	// DisableHostname keeps the hostname out of gauge names.
	DisableHostname bool

	// PrometheusRetentionTime enables the Prometheus sink when positive.
	// Series not updated for this long are dropped.
	PrometheusRetentionTime time.Duration

	// StatsiteAddr and StatsdAddr forward metrics when set.
	StatsiteAddr string
	StatsdAddr   string

	// MetricsAddr is where the HTTP metrics endpoint listens. Empty disables
	// the endpoint.
	MetricsAddr string
}

// DefaultMetrics holds the global metrics instance and its in-memory sink.
type DefaultMetrics struct {
	client    *metrics.Metrics
	inmemSink *metrics.InmemSink

	prometheus bool
}

func (c *DefaultMetrics) IncrCounter(key []string, val float32, labels ...metrics.Label) {
	c.client.IncrCounterWithLabels(key, val, labels)
}

func (c *DefaultMetrics) SetGauge(key []string, val float32, labels ...metrics.Label) {
	c.client.SetGaugeWithLabels(key, val, labels)
}

func (c *DefaultMetrics) GetInmemSink() *metrics.InmemSink {
	return c.inmemSink
}

// PrometheusEnabled reports whether the Prometheus sink is installed.
func (c *DefaultMetrics) PrometheusEnabled() bool {
	return c.prometheus
}

// sinkFn builds an optional sink. A nil sink means it is not configured.
type sinkFn func(Config) (metrics.MetricSink, error)

func statsiteSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.StatsiteAddr == "" {
		return nil, nil
	}
	return metrics.NewStatsiteSink(cfg.StatsiteAddr)
}

func statsdSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.StatsdAddr == "" {
		return nil, nil
	}
	return metrics.NewStatsdSink(cfg.StatsdAddr)
}

func prometheusSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.PrometheusRetentionTime.Nanoseconds() < 1 {
		return nil, nil
	}
	return prometheus.NewPrometheusSinkFrom(prometheus.PrometheusOpts{
		Expiration: cfg.PrometheusRetentionTime,
	})
}

func initSinks(cfg Config) (metrics.FanoutSink, bool, error) {
	var sinks metrics.FanoutSink
	var prom bool
	for _, fn := range []sinkFn{statsiteSink, statsdSink, prometheusSink} {
		s, err := fn(cfg)
		if err != nil {
			return nil, false, err
		}
		if s == nil {
			continue
		}
		if _, ok := s.(*prometheus.PrometheusSink); ok {
			prom = true
		}
		sinks = append(sinks, s)
	}
	return sinks, prom, nil
}

// Init installs the global metrics instance. It returns nil when metrics are
// disabled.
func Init(cfg Config) (*DefaultMetrics, error) {
	if cfg.Disable {
		return nil, nil
	}
	// 10s intervals kept for a minute; SIGUSR1 dumps them to stderr
	memSink := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(memSink)

	mCfg := metrics.DefaultConfig(cfg.MetricsPrefix)
	mCfg.EnableHostname = !cfg.DisableHostname

	sinks, prom, err := initSinks(cfg)
	if err != nil {
		return nil, err
	}

	var sink metrics.MetricSink = memSink
	if len(sinks) == 0 {
		// hostname is irrelevant for on-host telemetry
		mCfg.EnableHostname = false
	} else {
		sink = append(sinks, memSink)
	}
	client, err := metrics.NewGlobal(mCfg, sink)
	if err != nil {
		return nil, err
	}
	return &DefaultMetrics{client: client, inmemSink: memSink, prometheus: prom}, nil
}
