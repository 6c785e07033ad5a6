package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/errors"
	"github.com/mir00r/region-router/internal/middleware"
	"github.com/mir00r/region-router/internal/server"
	"github.com/mir00r/region-router/internal/service"
	"github.com/mir00r/region-router/pkg/logger"
)

// Config represents the main configuration structure
type Config struct {
	Account        AccountConfig               `yaml:"account"`
	Endpoint       domain.EndpointConfig       `yaml:"endpoint"`
	Retry          domain.RetryConfig          `yaml:"retry"`
	CircuitBreaker domain.CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pipeline       domain.PipelineConfig       `yaml:"pipeline"`
	Transport      domain.TransportConfig      `yaml:"transport"`
	FaultInjection FaultInjectionConfig        `yaml:"fault_injection"`
	Admin          AdminConfig                 `yaml:"admin"`
	Metrics        MetricsConfig               `yaml:"metrics"`
	Logging        LoggingConfig               `yaml:"logging"`
}

// AccountConfig names the database account the router talks to
type AccountConfig struct {
	// Endpoint is the global account endpoint used until the regional
	// topology is known.
	Endpoint string `yaml:"endpoint"`
	// FallbackEndpoints are regional endpoints asked for the topology when
	// the global endpoint cannot answer.
	FallbackEndpoints []string `yaml:"fallback_endpoints"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled      bool                   `yaml:"enabled"`
	Port         int                    `yaml:"port"`
	ReadTimeout  time.Duration          `yaml:"read_timeout"`
	WriteTimeout time.Duration          `yaml:"write_timeout"`
	IdleTimeout  time.Duration          `yaml:"idle_timeout"`
	Auth         AuthConfig             `yaml:"auth"`
	RateLimit    domain.RateLimitConfig `yaml:"rate_limit"`
	TLS          server.TLSConfig       `yaml:"tls"`
}

// AuthConfig contains the admin API's JWT settings
type AuthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	SecretKey   string        `yaml:"secret_key"`
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	ClockSkew   time.Duration `yaml:"clock_skew"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Endpoint:       domain.DefaultEndpointConfig(),
		Retry:          domain.DefaultRetryConfig(),
		CircuitBreaker: domain.DefaultCircuitBreakerConfig(),
		Pipeline:       domain.DefaultPipelineConfig(),
		Transport:      domain.DefaultTransportConfig(),
		Admin: AdminConfig{
			Enabled:      true,
			Port:         9090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			Auth: AuthConfig{
				Enabled:     false,
				Issuer:      "region-router",
				TokenExpiry: time.Hour,
				ClockSkew:   time.Minute,
			},
			RateLimit: domain.RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				BurstSize:         40,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	config := DefaultConfig()
	if err := config.loadFile(filename); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeConfigLoad, "config", "invalid configuration")
	}
	return config, nil
}

func (c *Config) loadFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("failed to read config file %s", filename))
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.WrapError(err, errors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("failed to parse config file %s", filename))
	}
	return nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Account.Endpoint == "" {
		return fmt.Errorf("account.endpoint is required")
	}
	for _, ep := range append([]string{c.Account.Endpoint}, c.Account.FallbackEndpoints...) {
		u, err := url.Parse(ep)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid endpoint URL: %q", ep)
		}
	}

	// Endpoint manager
	if c.Endpoint.UnavailabilityWindow <= 0 {
		return fmt.Errorf("endpoint.unavailability_window must be positive: %v", c.Endpoint.UnavailabilityWindow)
	}
	if c.Endpoint.RefreshInterval <= 0 {
		return fmt.Errorf("endpoint.refresh_interval must be positive: %v", c.Endpoint.RefreshInterval)
	}
	seen := make(map[domain.RegionName]bool)
	for _, r := range c.Endpoint.PreferredRegions {
		if r == "" {
			return fmt.Errorf("endpoint.preferred_regions cannot contain an empty region")
		}
		if seen[r] {
			return fmt.Errorf("endpoint.preferred_regions: duplicate region '%s'", r)
		}
		seen[r] = true
	}

	// Retry budgets
	budgets := map[string]int{
		"retry.max_service_unavailable_retries": c.Retry.MaxServiceUnavailableRetries,
		"retry.max_metadata_retries":            c.Retry.MaxMetadataRetries,
		"retry.max_data_plane_retries":          c.Retry.MaxDataPlaneRetries,
		"retry.max_session_retries":             c.Retry.MaxSessionRetries,
		"retry.max_throttle_retries":            c.Retry.MaxThrottleRetries,
	}
	for name, v := range budgets {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative: %d", name, v)
		}
	}
	if c.Retry.ThrottleBaseDelay <= 0 || c.Retry.ThrottleMaxDelay < c.Retry.ThrottleBaseDelay {
		return fmt.Errorf("retry.throttle_base_delay must be positive and not above throttle_max_delay")
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.ReadFailureThreshold <= 0 || c.CircuitBreaker.WriteFailureThreshold <= 0 {
			return fmt.Errorf("circuit_breaker thresholds must be positive")
		}
		if c.CircuitBreaker.CounterResetWindow <= 0 || c.CircuitBreaker.FailbackAfter <= 0 {
			return fmt.Errorf("circuit_breaker windows must be positive")
		}
	}

	if c.Pipeline.Timeout <= 0 {
		return fmt.Errorf("pipeline.timeout must be positive: %v", c.Pipeline.Timeout)
	}
	if c.Pipeline.RateLimit.Enabled {
		if c.Pipeline.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("pipeline.rate_limit.requests_per_second must be positive")
		}
		if c.Pipeline.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("pipeline.rate_limit.burst_size must be positive")
		}
	}

	if c.Transport.RequestTimeout < 0 || c.Transport.DialTimeout < 0 {
		return fmt.Errorf("transport timeouts cannot be negative")
	}
	if err := c.FaultInjection.validate(); err != nil {
		return err
	}

	if c.Admin.Enabled {
		if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
		}
		if c.Admin.Auth.Enabled && len(c.Admin.Auth.SecretKey) < 16 {
			return fmt.Errorf("admin.auth.secret_key must be at least 16 characters")
		}
		if c.Admin.RateLimit.Enabled && (c.Admin.RateLimit.RequestsPerSecond <= 0 || c.Admin.RateLimit.BurstSize <= 0) {
			return fmt.Errorf("admin.rate_limit requires positive rate and burst")
		}
		if err := c.Admin.TLS.Validate(); err != nil {
			return fmt.Errorf("invalid admin tls: %w", err)
		}
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when output is file")
	}

	return nil
}

// ToClientConfig converts to the routing client's configuration
func (c *Config) ToClientConfig() service.ClientConfig {
	return service.ClientConfig{
		DefaultEndpoint:   c.Account.Endpoint,
		FallbackEndpoints: append([]string(nil), c.Account.FallbackEndpoints...),
		Endpoint:          c.Endpoint,
		Retry:             c.Retry,
		CircuitBreaker:    c.CircuitBreaker,
		Pipeline:          c.Pipeline,
	}
}

// ToJWTAuthConfig converts to the admin API's JWT middleware configuration.
// Health probes and the metrics endpoint stay public.
func (c *Config) ToJWTAuthConfig() middleware.JWTAuthConfig {
	return middleware.JWTAuthConfig{
		Enabled:     c.Admin.Auth.Enabled,
		SecretKey:   c.Admin.Auth.SecretKey,
		Issuer:      c.Admin.Auth.Issuer,
		Audience:    c.Admin.Auth.Audience,
		TokenExpiry: c.Admin.Auth.TokenExpiry,
		ClockSkew:   c.Admin.Auth.ClockSkew,
		PublicPaths: []string{"/health/*", c.Metrics.Path},
	}
}

// ToServerConfig converts to the admin listener's configuration
func (c *Config) ToServerConfig() server.Config {
	return server.Config{
		Port:         c.Admin.Port,
		ReadTimeout:  c.Admin.ReadTimeout,
		WriteTimeout: c.Admin.WriteTimeout,
		IdleTimeout:  c.Admin.IdleTimeout,
		TLS:          c.Admin.TLS,
	}
}

// ToLoggerConfig converts to the logger's configuration
func (c *Config) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
		File:   c.Logging.File,
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}
