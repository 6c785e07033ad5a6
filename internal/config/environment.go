package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mir00r/region-router/internal/domain"
)

// EnvPrefix prefixes every environment variable the router reads
const EnvPrefix = "ROUTER_"

// LoadFromEnvironment loads configuration from environment variables on top
// of the defaults.
func LoadFromEnvironment() *Config {
	config := DefaultConfig()
	applyEnvironment(config)
	return config
}

// applyEnvironment overrides the fields of config whose variable is set.
// Values that fail to parse are ignored.
func applyEnvironment(config *Config) {
	// Account
	if endpoint := getEnv("ROUTER_ACCOUNT_ENDPOINT", ""); endpoint != "" {
		config.Account.Endpoint = endpoint
	}
	if fallbacks := getEnvList("ROUTER_FALLBACK_ENDPOINTS"); fallbacks != nil {
		config.Account.FallbackEndpoints = fallbacks
	}

	// Endpoint manager
	if regions := getEnvList("ROUTER_PREFERRED_REGIONS"); regions != nil {
		config.Endpoint.PreferredRegions = toRegions(regions)
	}
	if regions := getEnvList("ROUTER_EXCLUDED_REGIONS"); regions != nil {
		config.Endpoint.ExcludedRegions = toRegions(regions)
	}
	config.Endpoint.EnableMultipleWriteLocations = getEnvBool("ROUTER_MULTIPLE_WRITE_LOCATIONS", config.Endpoint.EnableMultipleWriteLocations)
	config.Endpoint.UnavailabilityWindow = getEnvDuration("ROUTER_UNAVAILABILITY_WINDOW", config.Endpoint.UnavailabilityWindow)
	config.Endpoint.RefreshInterval = getEnvDuration("ROUTER_REFRESH_INTERVAL", config.Endpoint.RefreshInterval)
	config.Endpoint.RefreshTimeout = getEnvDuration("ROUTER_REFRESH_TIMEOUT", config.Endpoint.RefreshTimeout)

	// Retry
	config.Retry.MaxServiceUnavailableRetries = getEnvInt("ROUTER_MAX_SERVICE_UNAVAILABLE_RETRIES", config.Retry.MaxServiceUnavailableRetries)
	config.Retry.MaxDataPlaneRetries = getEnvInt("ROUTER_MAX_DATA_PLANE_RETRIES", config.Retry.MaxDataPlaneRetries)
	config.Retry.MaxMetadataRetries = getEnvInt("ROUTER_MAX_METADATA_RETRIES", config.Retry.MaxMetadataRetries)
	config.Retry.MaxThrottleRetries = getEnvInt("ROUTER_MAX_THROTTLE_RETRIES", config.Retry.MaxThrottleRetries)
	config.Retry.MaxThrottleWait = getEnvDuration("ROUTER_MAX_THROTTLE_WAIT", config.Retry.MaxThrottleWait)
	config.Retry.EndpointFailoverDelay = getEnvDuration("ROUTER_FAILOVER_DELAY", config.Retry.EndpointFailoverDelay)

	// Circuit breaker
	config.CircuitBreaker.Enabled = getEnvBool("ROUTER_CIRCUIT_BREAKER_ENABLED", config.CircuitBreaker.Enabled)
	config.CircuitBreaker.ReadFailureThreshold = getEnvInt("ROUTER_CIRCUIT_BREAKER_READ_THRESHOLD", config.CircuitBreaker.ReadFailureThreshold)
	config.CircuitBreaker.WriteFailureThreshold = getEnvInt("ROUTER_CIRCUIT_BREAKER_WRITE_THRESHOLD", config.CircuitBreaker.WriteFailureThreshold)
	config.CircuitBreaker.FailbackAfter = getEnvDuration("ROUTER_CIRCUIT_BREAKER_FAILBACK_AFTER", config.CircuitBreaker.FailbackAfter)

	// Pipeline
	config.Pipeline.Timeout = getEnvDuration("ROUTER_REQUEST_TIMEOUT", config.Pipeline.Timeout)
	config.Pipeline.RateLimit.Enabled = getEnvBool("ROUTER_RATE_LIMIT_ENABLED", config.Pipeline.RateLimit.Enabled)
	if rps := getEnv("ROUTER_RATE_LIMIT_RPS", ""); rps != "" {
		if r, err := strconv.ParseFloat(rps, 64); err == nil && r > 0 {
			config.Pipeline.RateLimit.RequestsPerSecond = r
		}
	}
	config.Pipeline.RateLimit.BurstSize = getEnvInt("ROUTER_RATE_LIMIT_BURST", config.Pipeline.RateLimit.BurstSize)

	// Transport
	config.Transport.DialTimeout = getEnvDuration("ROUTER_DIAL_TIMEOUT", config.Transport.DialTimeout)
	config.Transport.EnableHTTP2 = getEnvBool("ROUTER_ENABLE_HTTP2", config.Transport.EnableHTTP2)
	config.Transport.UserAgent = getEnv("ROUTER_USER_AGENT", config.Transport.UserAgent)

	// Admin API
	config.Admin.Enabled = getEnvBool("ROUTER_ADMIN_ENABLED", config.Admin.Enabled)
	if port := getEnv("ROUTER_ADMIN_PORT", ""); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p <= 65535 {
			config.Admin.Port = p
		}
	}
	config.Admin.Auth.Enabled = getEnvBool("ROUTER_ADMIN_AUTH_ENABLED", config.Admin.Auth.Enabled)
	config.Admin.Auth.SecretKey = getEnv("ROUTER_ADMIN_JWT_SECRET", config.Admin.Auth.SecretKey)
	config.Admin.TLS.Enabled = getEnvBool("ROUTER_ADMIN_TLS_ENABLED", config.Admin.TLS.Enabled)
	config.Admin.TLS.CertFile = getEnv("ROUTER_ADMIN_TLS_CERT_FILE", config.Admin.TLS.CertFile)
	config.Admin.TLS.KeyFile = getEnv("ROUTER_ADMIN_TLS_KEY_FILE", config.Admin.TLS.KeyFile)
	config.Metrics.Enabled = getEnvBool("ROUTER_METRICS_ENABLED", config.Metrics.Enabled)

	// Logging
	config.Logging.Level = getEnv("ROUTER_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("ROUTER_LOG_FORMAT", config.Logging.Format)
	config.Logging.Output = getEnv("ROUTER_LOG_OUTPUT", config.Logging.Output)
	config.Logging.File = getEnv("ROUTER_LOG_FILE", config.Logging.File)
}

// getEnv gets environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as integer with fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets environment variable as duration with fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable. It returns nil when the
// variable is unset so callers can tell "unset" from "empty".
func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	items := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func toRegions(names []string) []domain.RegionName {
	regions := make([]domain.RegionName, len(names))
	for i, n := range names {
		regions[i] = domain.RegionName(n)
	}
	return regions
}

// ConfigFile returns the configuration file path and whether it was named
// explicitly by ROUTER_CONFIG_FILE.
func ConfigFile() (string, bool) {
	if path, ok := os.LookupEnv(EnvPrefix + "CONFIG_FILE"); ok {
		return path, true
	}
	return "config.yaml", false
}

// LoadConfig loads configuration with priority: env vars > config file > defaults.
// The file is named by ROUTER_CONFIG_FILE and defaults to config.yaml; a
// missing default file is not an error.
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	configFile, explicit := ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		if err := config.loadFile(configFile); err != nil {
			return nil, err
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", configFile, err)
	}

	applyEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
