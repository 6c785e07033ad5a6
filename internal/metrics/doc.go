// Package metrics provides Prometheus collectors for the router.
//
// Collectors are grouped per subsystem:
//   - pipeline: logical operations, attempts, retry decisions, latency
//   - endpoint: unavailability marks, topology refreshes, partition failovers
//   - cache: metadata cache hits, misses and loads
//
// Every constructor has a WithRegistry variant so tests can use a private
// prometheus.Registry. All Record methods are safe on a nil receiver, which
// lets components run without metrics.
//
// Usage:
//
//	set := metrics.NewSetWithRegistry(prometheus.DefaultRegisterer)
//	pipeline := service.NewPipeline(cfg, manager, transport, policy, log, service.WithMetrics(set.Pipeline))
//	http.Handle("/metrics", promhttp.Handler())
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "region_router"

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Set bundles the collectors of every subsystem.
type Set struct {
	Pipeline *PipelineMetrics
	Endpoint *EndpointMetrics
	Cache    *CacheMetrics
}

// NewSetWithRegistry creates every collector and registers it with reg.
func NewSetWithRegistry(reg prometheus.Registerer) *Set {
	return &Set{
		Pipeline: NewPipelineMetricsWithRegistry(reg),
		Endpoint: NewEndpointMetricsWithRegistry(reg),
		Cache:    NewCacheMetricsWithRegistry(reg),
	}
}
