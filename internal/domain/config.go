package domain

import "time"

// EndpointConfig holds the settings of the endpoint manager
type EndpointConfig struct {
	PreferredRegions             []RegionName  `json:"preferred_regions" yaml:"preferred_regions"`
	ExcludedRegions              []RegionName  `json:"excluded_regions" yaml:"excluded_regions"`
	EnableMultipleWriteLocations bool          `json:"enable_multiple_write_locations" yaml:"enable_multiple_write_locations"`
	UnavailabilityWindow         time.Duration `json:"unavailability_window" yaml:"unavailability_window"`
	RefreshInterval              time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
	RefreshTimeout               time.Duration `json:"refresh_timeout" yaml:"refresh_timeout"`
}

// DefaultEndpointConfig returns the endpoint manager defaults
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		UnavailabilityWindow: 5 * time.Minute,
		RefreshInterval:      5 * time.Minute,
		RefreshTimeout:       10 * time.Second,
	}
}

// RetryConfig holds the budgets and delays the retry policy works with
type RetryConfig struct {
	MaxServiceUnavailableRetries int           `json:"max_service_unavailable_retries" yaml:"max_service_unavailable_retries"`
	MaxMetadataRetries           int           `json:"max_metadata_retries" yaml:"max_metadata_retries"`
	MaxDataPlaneRetries          int           `json:"max_data_plane_retries" yaml:"max_data_plane_retries"`
	MaxSessionRetries            int           `json:"max_session_retries" yaml:"max_session_retries"`
	EndpointFailoverDelay        time.Duration `json:"endpoint_failover_delay" yaml:"endpoint_failover_delay"`
	MaxThrottleRetries           int           `json:"max_throttle_retries" yaml:"max_throttle_retries"`
	MaxThrottleWait              time.Duration `json:"max_throttle_wait" yaml:"max_throttle_wait"`
	ThrottleBaseDelay            time.Duration `json:"throttle_base_delay" yaml:"throttle_base_delay"`
	ThrottleMaxDelay             time.Duration `json:"throttle_max_delay" yaml:"throttle_max_delay"`
}

// DefaultRetryConfig returns the retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxServiceUnavailableRetries: 3,
		MaxMetadataRetries:           2,
		MaxDataPlaneRetries:          5,
		MaxSessionRetries:            1,
		EndpointFailoverDelay:        time.Second,
		MaxThrottleRetries:           9,
		MaxThrottleWait:              30 * time.Second,
		ThrottleBaseDelay:            100 * time.Millisecond,
		ThrottleMaxDelay:             5 * time.Second,
	}
}

// CircuitBreakerConfig holds the settings of the partition-level circuit
// breaker.
type CircuitBreakerConfig struct {
	Enabled               bool          `json:"enabled" yaml:"enabled"`
	ReadFailureThreshold  int           `json:"read_failure_threshold" yaml:"read_failure_threshold"`
	WriteFailureThreshold int           `json:"write_failure_threshold" yaml:"write_failure_threshold"`
	CounterResetWindow    time.Duration `json:"counter_reset_window" yaml:"counter_reset_window"`
	FailbackAfter         time.Duration `json:"failback_after" yaml:"failback_after"`
}

// DefaultCircuitBreakerConfig returns the circuit breaker defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:               true,
		ReadFailureThreshold:  2,
		WriteFailureThreshold: 5,
		CounterResetWindow:    5 * time.Minute,
		FailbackAfter:         5 * time.Minute,
	}
}

// RateLimitConfig holds client-side request rate limiting settings
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// PipelineConfig holds the settings of the gateway pipeline
type PipelineConfig struct {
	Timeout   time.Duration   `json:"timeout" yaml:"timeout"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// DefaultPipelineConfig returns the pipeline defaults
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Timeout: 60 * time.Second,
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 1000,
			BurstSize:         100,
		},
	}
}

// TransportConfig holds the settings of the default HTTP transport
type TransportConfig struct {
	RequestTimeout      time.Duration `json:"request_timeout" yaml:"request_timeout"`
	DialTimeout         time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	EnableHTTP2         bool          `json:"enable_http2" yaml:"enable_http2"`
	UserAgent           string        `json:"user_agent" yaml:"user_agent"`
}

// DefaultTransportConfig returns the transport defaults
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		RequestTimeout:      30 * time.Second,
		DialTimeout:         5 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 16,
		EnableHTTP2:         true,
		UserAgent:           "region-router/1.0",
	}
}
