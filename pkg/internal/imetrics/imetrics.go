// Package imetrics supports recording and submission of internal metrics about the
// attach operations
package imetrics

import (
	"context"
	"time"
)

// Config options for the internal metrics exporters
type Config struct {
	Prometheus PrometheusConfig `yaml:"prometheus,omitempty"`
}

// Enabled is true when the metrics need to be exported
func (c *Config) Enabled() bool {
	return c.Prometheus.Port != 0 && c.Prometheus.Path != ""
}

// Reporter of internal metrics
type Reporter interface {
	// Start the reporter
	Start(ctx context.Context) error
	// AttachFinished is invoked every time an attach operation returns, with its
	// result code and its duration.
	AttachFinished(result string, duration time.Duration)
	// BytesReceived is invoked when a receiver session finishes, with the bytes
	// that were copied from the given channel.
	BytesReceived(channel string, bytes int64)
	// UnloadsVerified is invoked every time a synchronization marker verifies n
	// unloaded addresses.
	UnloadsVerified(n int)
}

// NoopReporter is a metrics Reporter that just does nothing
type NoopReporter struct{}

func (n NoopReporter) Start(_ context.Context) error            { return nil }
func (n NoopReporter) AttachFinished(_ string, _ time.Duration) {}
func (n NoopReporter) BytesReceived(_ string, _ int64)          {}
func (n NoopReporter) UnloadsVerified(_ int)                    {}
