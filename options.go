package uploadgw

import (
	"fmt"
	"strings"
	"time"
)

// Options holds functional options for customizing gateway component
// behavior. The Staging Store accepts them; the Object-Store Client and the
// finalize components take their logger and clock through their own config
// structs instead.
type Options struct {
	logger Logger
	clock  func() time.Time
}

// Option is a functional option for configuring gateway components.
type Option func(*Options)

// WithLogger sets a custom logger.
func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}

// WithClock sets a custom time provider (useful for testing the reaper and
// staleness checks without wall-clock sleeps).
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.clock = clock
	}
}

// applyDefaults applies default values to unset options.
func (opts *Options) applyDefaults() {
	if opts.logger == nil {
		opts.logger = NewNopLogger()
	}
	if opts.clock == nil {
		opts.clock = time.Now
	}
}

// GetLogger returns the configured logger.
func (opts *Options) GetLogger() Logger {
	if opts.logger == nil {
		return NewNopLogger()
	}
	return opts.logger
}

// GetClock returns the configured clock function.
func (opts *Options) GetClock() func() time.Time {
	if opts.clock == nil {
		return time.Now
	}
	return opts.clock
}

// GetEffectiveConfig returns the configuration with options applied.
func GetEffectiveConfig(cfg *Config, options ...Option) (*Config, *Options) {
	opts := &Options{}
	for _, opt := range options {
		opt(opts)
	}
	opts.applyDefaults()

	effective := *cfg
	return &effective, opts
}

// IsMinIO reports whether the configuration appears to target MinIO rather
// than AWS S3.
func (c *Config) IsMinIO() bool {
	if c.Endpoint == "" {
		return false
	}

	endpoint := strings.ToLower(c.Endpoint)
	return strings.Contains(endpoint, "minio") ||
		strings.Contains(endpoint, "localhost") ||
		strings.Contains(endpoint, "127.0.0.1") ||
		c.UsePathStyle
}

// GetEndpointURL returns the full endpoint URL, or "" when no custom
// endpoint is configured (pure AWS mode).
func (c *Config) GetEndpointURL() string {
	if c.Endpoint == "" {
		return ""
	}

	if strings.HasPrefix(c.Endpoint, "http://") || strings.HasPrefix(c.Endpoint, "https://") {
		return c.Endpoint
	}

	scheme := "https"
	if c.DisableSSL {
		scheme = "http"
	}

	return fmt.Sprintf("%s://%s", scheme, c.Endpoint)
}
