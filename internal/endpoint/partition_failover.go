package endpoint

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/metrics"
	"github.com/mir00r/region-router/pkg/logger"
)

// PartitionFailover is a per-partition circuit breaker. After enough
// consecutive failures of one partition key range in one region it routes
// that partition to the next region while the rest of the account keeps its
// normal preferred order.
type PartitionFailover struct {
	config  domain.CircuitBreakerConfig
	manager *Manager
	logger  *logger.Logger
	metrics *metrics.EndpointMetrics
	now     func() time.Time

	mu         sync.RWMutex
	partitions map[domain.PartitionScope]*partitionFailoverInfo
}

type partitionFailoverInfo struct {
	mu            sync.Mutex
	current       string
	failed        map[string]time.Time
	readFailures  int
	writeFailures int
	lastFailure   time.Time
	overridden    bool
	overrideSince time.Time
}

// PartitionOverride describes a partition currently routed away from its
// preferred region.
type PartitionOverride struct {
	Partition       string    `json:"partition"`
	Endpoint        string    `json:"endpoint"`
	FailedEndpoints []string  `json:"failed_endpoints"`
	Since           time.Time `json:"since"`
}

// NewPartitionFailover creates the breaker and registers its failback with
// the manager's background loop.
func NewPartitionFailover(config domain.CircuitBreakerConfig, manager *Manager, log *logger.Logger, m *metrics.EndpointMetrics) *PartitionFailover {
	p := &PartitionFailover{
		config:     config,
		manager:    manager,
		logger:     log.FailoverLogger(),
		metrics:    m,
		now:        manager.now,
		partitions: make(map[domain.PartitionScope]*partitionFailoverInfo),
	}
	manager.AddMaintenance(func(now time.Time) {
		if n := p.Failback(now); n > 0 {
			p.logger.WithField("count", n).Info("Partitions failed back to preferred regions")
		}
	})
	return p
}

// Eligible reports whether req is subject to partition-level failover
func (p *PartitionFailover) Eligible(req *domain.Request) bool {
	op := req.Operation
	if !p.config.Enabled || req.Partition.IsZero() {
		return false
	}
	if !op.Resource.IsDataPlane(op.Operation) || (!op.ReadOnly && !op.MultiWrite) {
		return false
	}
	return len(p.manager.ReadEndpoints()) > 1
}

// Override returns the endpoint req's partition is currently routed to, if
// the breaker for that partition has tripped.
func (p *PartitionFailover) Override(req *domain.Request) (string, bool) {
	if !p.Eligible(req) {
		return "", false
	}

	p.mu.RLock()
	info, ok := p.partitions[req.Partition]
	p.mu.RUnlock()
	if !ok {
		return "", false
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	if !info.overridden {
		return "", false
	}
	return info.current, true
}

// RecordFailure counts a failure of req's partition at endpoint and reports
// whether the consecutive failure count now exceeds the threshold for the
// operation class.
func (p *PartitionFailover) RecordFailure(req *domain.Request, endpoint string) bool {
	if !p.Eligible(req) {
		return false
	}
	info := p.getOrCreate(req.Partition, endpoint)
	now := p.now()

	info.mu.Lock()
	defer info.mu.Unlock()

	if !info.lastFailure.IsZero() && now.Sub(info.lastFailure) > p.config.CounterResetWindow {
		info.readFailures = 0
		info.writeFailures = 0
	}
	info.lastFailure = now

	if req.Operation.ReadOnly {
		info.readFailures++
		return info.readFailures > p.config.ReadFailureThreshold
	}
	info.writeFailures++
	return info.writeFailures > p.config.WriteFailureThreshold
}

// RecordSuccess resets the consecutive failure counters of req's partition
func (p *PartitionFailover) RecordSuccess(req *domain.Request) {
	if req.Partition.IsZero() || !p.config.Enabled {
		return
	}
	p.mu.RLock()
	info, ok := p.partitions[req.Partition]
	p.mu.RUnlock()
	if !ok {
		return
	}

	info.mu.Lock()
	info.readFailures = 0
	info.writeFailures = 0
	info.mu.Unlock()
}

// MarkUnavailable moves req's partition off failedEndpoint to the next
// endpoint it has not failed on yet. When every endpoint has been tried the
// override is dropped and false is returned.
func (p *PartitionFailover) MarkUnavailable(req *domain.Request, failedEndpoint string) bool {
	if !p.Eligible(req) {
		return false
	}
	info := p.getOrCreate(req.Partition, failedEndpoint)
	now := p.now()

	candidates := p.manager.ReadEndpoints()
	if !req.Operation.ReadOnly {
		candidates = p.manager.WriteEndpoints()
	}

	info.mu.Lock()
	info.failed[failedEndpoint] = now
	for _, c := range candidates {
		if c == info.current || c == failedEndpoint {
			continue
		}
		if _, tried := info.failed[c]; tried {
			continue
		}

		previous := info.current
		info.current = c
		info.readFailures = 0
		info.writeFailures = 0
		if !info.overridden {
			info.overridden = true
			info.overrideSince = now
		}
		info.mu.Unlock()

		p.metrics.RecordPartitionFailover(req.Operation.RequestOperation().String())
		p.metrics.SetPartitionOverrides(p.overrideCount())
		p.logger.WithFields(logrus.Fields{
			"partition": req.Partition.String(),
			"from":      previous,
			"to":        c,
			"operation": req.Operation.Operation.String(),
		}).Warn("Partition moved to next region")
		return true
	}
	info.mu.Unlock()

	p.mu.Lock()
	delete(p.partitions, req.Partition)
	p.mu.Unlock()
	p.metrics.SetPartitionOverrides(p.overrideCount())

	p.logger.WithField("partition", req.Partition.String()).
		Warn("Partition failed in every region, dropping override")
	return false
}

// Failback drops overrides older than FailbackAfter so those partitions
// return to the preferred regions. It returns the number dropped.
func (p *PartitionFailover) Failback(now time.Time) int {
	p.mu.Lock()
	dropped := 0
	for scope, info := range p.partitions {
		info.mu.Lock()
		expired := info.overridden && now.Sub(info.overrideSince) >= p.config.FailbackAfter
		idle := !info.overridden && now.Sub(info.lastFailure) > p.config.CounterResetWindow
		info.mu.Unlock()
		if expired || idle {
			delete(p.partitions, scope)
			if expired {
				dropped++
			}
		}
	}
	p.mu.Unlock()

	p.metrics.SetPartitionOverrides(p.overrideCount())
	return dropped
}

// Overrides lists the partitions currently routed away from their
// preferred region.
func (p *PartitionFailover) Overrides() []PartitionOverride {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []PartitionOverride
	for scope, info := range p.partitions {
		info.mu.Lock()
		if info.overridden {
			o := PartitionOverride{
				Partition: scope.String(),
				Endpoint:  info.current,
				Since:     info.overrideSince,
			}
			for ep := range info.failed {
				o.FailedEndpoints = append(o.FailedEndpoints, ep)
			}
			sort.Strings(o.FailedEndpoints)
			out = append(out, o)
		}
		info.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

func (p *PartitionFailover) getOrCreate(scope domain.PartitionScope, endpoint string) *partitionFailoverInfo {
	p.mu.RLock()
	info, ok := p.partitions[scope]
	p.mu.RUnlock()
	if ok {
		return info
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.partitions[scope]; ok {
		return info
	}
	info = &partitionFailoverInfo{current: endpoint, failed: make(map[string]time.Time)}
	p.partitions[scope] = info
	return info
}

func (p *PartitionFailover) overrideCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, info := range p.partitions {
		info.mu.Lock()
		if info.overridden {
			n++
		}
		info.mu.Unlock()
	}
	return n
}
