package config

import (
	"fmt"
	"time"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/errors"
)

// ConfigBuilder provides a fluent interface for building configurations.
// Errors are collected and reported together by Build.
type ConfigBuilder struct {
	config *Config
	errors []error
}

// NewConfigBuilder creates a builder for the account at endpoint, with every
// other section at its defaults.
func NewConfigBuilder(endpoint string) *ConfigBuilder {
	config := DefaultConfig()
	config.Account.Endpoint = endpoint
	return &ConfigBuilder{config: config}
}

// WithFallbackEndpoints sets the regional endpoints asked for the topology
// when the account endpoint is unreachable.
func (b *ConfigBuilder) WithFallbackEndpoints(endpoints ...string) *ConfigBuilder {
	for _, ep := range endpoints {
		if ep == "" {
			b.errors = append(b.errors, fmt.Errorf("fallback endpoint cannot be empty"))
			return b
		}
	}
	b.config.Account.FallbackEndpoints = append(b.config.Account.FallbackEndpoints, endpoints...)
	return b
}

// WithPreferredRegions sets the region preference order
func (b *ConfigBuilder) WithPreferredRegions(regions ...domain.RegionName) *ConfigBuilder {
	b.config.Endpoint.PreferredRegions = append([]domain.RegionName(nil), regions...)
	return b
}

// WithExcludedRegions sets the regions no request is routed to
func (b *ConfigBuilder) WithExcludedRegions(regions ...domain.RegionName) *ConfigBuilder {
	b.config.Endpoint.ExcludedRegions = append([]domain.RegionName(nil), regions...)
	return b
}

// WithMultipleWriteLocations enables writes to every writable region
func (b *ConfigBuilder) WithMultipleWriteLocations(enabled bool) *ConfigBuilder {
	b.config.Endpoint.EnableMultipleWriteLocations = enabled
	return b
}

// WithRefresh configures the topology refresh
func (b *ConfigBuilder) WithRefresh(interval, unavailabilityWindow time.Duration) *ConfigBuilder {
	if interval <= 0 || unavailabilityWindow <= 0 {
		b.errors = append(b.errors, fmt.Errorf("refresh interval and unavailability window must be positive"))
		return b
	}
	b.config.Endpoint.RefreshInterval = interval
	b.config.Endpoint.UnavailabilityWindow = unavailabilityWindow
	return b
}

// WithRetry replaces the retry budgets
func (b *ConfigBuilder) WithRetry(retry domain.RetryConfig) *ConfigBuilder {
	if retry.MaxServiceUnavailableRetries < 0 || retry.MaxThrottleRetries < 0 {
		b.errors = append(b.errors, fmt.Errorf("retry budgets cannot be negative"))
		return b
	}
	b.config.Retry = retry
	return b
}

// WithCircuitBreaker configures the per-partition circuit breaker
func (b *ConfigBuilder) WithCircuitBreaker(enabled bool, readThreshold, writeThreshold int, failbackAfter time.Duration) *ConfigBuilder {
	if enabled && (readThreshold <= 0 || writeThreshold <= 0) {
		b.errors = append(b.errors, fmt.Errorf("circuit breaker thresholds must be positive"))
		return b
	}
	b.config.CircuitBreaker.Enabled = enabled
	b.config.CircuitBreaker.ReadFailureThreshold = readThreshold
	b.config.CircuitBreaker.WriteFailureThreshold = writeThreshold
	if failbackAfter > 0 {
		b.config.CircuitBreaker.FailbackAfter = failbackAfter
	}
	return b
}

// WithRequestTimeout bounds every operation end to end
func (b *ConfigBuilder) WithRequestTimeout(timeout time.Duration) *ConfigBuilder {
	if timeout <= 0 {
		b.errors = append(b.errors, fmt.Errorf("request timeout must be positive: %v", timeout))
		return b
	}
	b.config.Pipeline.Timeout = timeout
	return b
}

// WithRateLimit configures the outbound attempt limiter
func (b *ConfigBuilder) WithRateLimit(enabled bool, requestsPerSecond float64, burst int) *ConfigBuilder {
	if enabled && (requestsPerSecond <= 0 || burst <= 0) {
		b.errors = append(b.errors, fmt.Errorf("rate limit requires positive rate and burst"))
		return b
	}
	b.config.Pipeline.RateLimit = domain.RateLimitConfig{
		Enabled:           enabled,
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         burst,
	}
	return b
}

// WithAdmin configures the admin API
func (b *ConfigBuilder) WithAdmin(enabled bool, port int) *ConfigBuilder {
	if enabled && (port <= 0 || port > 65535) {
		b.errors = append(b.errors, fmt.Errorf("invalid admin port: %d", port))
		return b
	}
	b.config.Admin.Enabled = enabled
	b.config.Admin.Port = port
	return b
}

// WithAdminAuth protects the admin API with HS256 tokens signed by secret
func (b *ConfigBuilder) WithAdminAuth(secret, issuer string) *ConfigBuilder {
	b.config.Admin.Auth.Enabled = true
	b.config.Admin.Auth.SecretKey = secret
	if issuer != "" {
		b.config.Admin.Auth.Issuer = issuer
	}
	return b
}

// WithLogging configures logging settings
func (b *ConfigBuilder) WithLogging(level, format, output string) *ConfigBuilder {
	b.config.Logging.Level = level
	b.config.Logging.Format = format
	b.config.Logging.Output = output
	return b
}

// Build validates and returns the final configuration
func (b *ConfigBuilder) Build() (*Config, error) {
	if len(b.errors) > 0 {
		return nil, errors.NewError(
			errors.ErrCodeConfigLoad,
			"config_builder",
			fmt.Sprintf("Configuration validation failed with %d errors", len(b.errors)),
		).WithMetadata("errors", b.errors)
	}

	if err := b.config.Validate(); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeConfigLoad, "config_builder", "invalid configuration")
	}

	return b.Clone().config, nil
}

// Clone creates a copy of the current configuration for modification
func (b *ConfigBuilder) Clone() *ConfigBuilder {
	newConfig := *b.config

	newConfig.Account.FallbackEndpoints = append([]string(nil), b.config.Account.FallbackEndpoints...)
	newConfig.Endpoint.PreferredRegions = append([]domain.RegionName(nil), b.config.Endpoint.PreferredRegions...)
	newConfig.Endpoint.ExcludedRegions = append([]domain.RegionName(nil), b.config.Endpoint.ExcludedRegions...)

	return &ConfigBuilder{
		config: &newConfig,
		errors: append([]error(nil), b.errors...),
	}
}
