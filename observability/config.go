package observability

import (
	"fmt"
	"time"
)

const (
	defaultServiceName  = "finagent"
	defaultSamplingRate = 1.0
	defaultMetricsPath  = "/metrics"
	defaultOTLPEndpoint = "localhost:4317"
)

// Config bundles the tracing and metrics configuration for one
// deployment.
type Config struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures OpenTelemetry distributed tracing over one
// OTLP/gRPC exporter.
type TracingConfig struct {
	Enabled      bool          `yaml:"enabled,omitempty"`
	Endpoint     string        `yaml:"endpoint,omitempty"`
	SamplingRate float64       `yaml:"sampling_rate,omitempty"`
	ServiceName  string        `yaml:"service_name,omitempty"`
	Insecure     bool          `yaml:"insecure,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// MetricsConfig configures the Prometheus metrics registry.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults applies defaults to every sub-config.
func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks every sub-config.
func (c *Config) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// SetDefaults applies defaults to TracingConfig.
func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = defaultSamplingRate
	}
	if c.Endpoint == "" {
		c.Endpoint = defaultOTLPEndpoint
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate checks TracingConfig for errors.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when tracing is enabled")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	return nil
}

// SetDefaults applies defaults to MetricsConfig.
func (c *MetricsConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = defaultMetricsPath
	}
	if c.Namespace == "" {
		c.Namespace = defaultServiceName
	}
}

// Validate checks MetricsConfig for errors.
func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when metrics are enabled")
	}
	return nil
}
