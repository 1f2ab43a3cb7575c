package imetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jvmsyms/pkg/connector"
)

// attachDurations buckets, in seconds. HotSpot may need a few seconds to start its
// attach listener.
var attachDurations = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type PrometheusConfig struct {
	Port int    `yaml:"port,omitempty" env:"JVMSYMS_INTERNAL_METRICS_PROMETHEUS_PORT"`
	Path string `yaml:"path,omitempty" env:"JVMSYMS_INTERNAL_METRICS_PROMETHEUS_PATH"`
}

// PrometheusReporter is an internal metrics Reporter that exports to Prometheus
type PrometheusReporter struct {
	connector       *connector.PrometheusManager
	attaches        *prometheus.CounterVec
	attachDuration  prometheus.Histogram
	bytesReceived   *prometheus.CounterVec
	unloadsVerified prometheus.Counter
}

func NewPrometheusReporter(cfg *PrometheusConfig, manager *connector.PrometheusManager) *PrometheusReporter {
	pr := &PrometheusReporter{
		connector: manager,
		attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jvmsyms_attaches_total",
			Help: "attach operations, by result",
		}, []string{"result"}),
		attachDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jvmsyms_attach_duration_seconds",
			Help:    "duration of the attach operations, from the namespace resolution to the end of the transfer",
			Buckets: attachDurations,
		}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jvmsyms_received_bytes_total",
			Help: "bytes copied into the local mirror files, by channel",
		}, []string{"channel"}),
		unloadsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jvmsyms_unloads_verified_total",
			Help: "unloaded code addresses that have been verified",
		}),
	}
	manager.Register(cfg.Port, cfg.Path,
		pr.attaches,
		pr.attachDuration,
		pr.bytesReceived,
		pr.unloadsVerified)

	return pr
}

func (p *PrometheusReporter) Start(ctx context.Context) error {
	return p.connector.StartHTTP(ctx)
}

func (p *PrometheusReporter) AttachFinished(result string, duration time.Duration) {
	p.attaches.WithLabelValues(result).Inc()
	p.attachDuration.Observe(duration.Seconds())
}

func (p *PrometheusReporter) BytesReceived(channel string, bytes int64) {
	p.bytesReceived.WithLabelValues(channel).Add(float64(bytes))
}

func (p *PrometheusReporter) UnloadsVerified(n int) {
	p.unloadsVerified.Add(float64(n))
}
