// Package endpoint tracks the account's regional endpoints, their
// availability, and partition-level failover overrides, and resolves the
// endpoint each attempt of an operation should be sent to.
package endpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/errors"
	"github.com/mir00r/region-router/internal/metrics"
	"github.com/mir00r/region-router/pkg/logger"
)

// Manager is the shared view of the account's regions. It is safe for
// concurrent use; the topology is an immutable snapshot swapped on refresh
// and availability marks are updated per endpoint with compare-and-swap.
type Manager struct {
	defaultEndpoint string
	config          domain.EndpointConfig
	source          domain.TopologySource
	logger          *logger.Logger
	metrics         *metrics.EndpointMetrics
	now             func() time.Time

	locations   atomic.Pointer[locationSnapshot]
	unavailable sync.Map // endpoint URL -> *unavailability

	refreshing  atomic.Bool
	lastRefresh atomic.Int64
	background  sync.WaitGroup

	mu          sync.Mutex
	stopChan    chan struct{}
	isRunning   bool
	maintenance []func(now time.Time)
}

type unavailability struct {
	ops   domain.RequestOperation
	until time.Time
}

type locationSnapshot struct {
	preferred     []domain.RegionName
	readOrder     []domain.Endpoint
	writeOrder    []domain.Endpoint
	accountWrites []domain.Endpoint
	roles         map[string]domain.EndpointRole
	multiWrite    bool
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics sets the collectors availability changes are recorded on
func WithMetrics(m *metrics.EndpointMetrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock replaces time.Now, used by tests to move past recovery windows
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// NewManager creates a manager that falls back to defaultEndpoint until a
// topology is known. source may be nil, in which case refreshes are no-ops
// and the topology is only changed through Update.
func NewManager(defaultEndpoint string, config domain.EndpointConfig, source domain.TopologySource, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		defaultEndpoint: defaultEndpoint,
		config:          config,
		source:          source,
		logger:          log.WithField("component", "endpoint_manager"),
		now:             time.Now,
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.locations.Store(&locationSnapshot{roles: map[string]domain.EndpointRole{}})
	return m
}

// DefaultEndpoint returns the account endpoint used when no region is known
func (m *Manager) DefaultEndpoint() string {
	return m.defaultEndpoint
}

// HasTopology reports whether a topology with at least one region is known
func (m *Manager) HasTopology() bool {
	snap := m.locations.Load()
	return len(snap.readOrder) > 0 || len(snap.accountWrites) > 0
}

// LastRefresh returns when the topology was last fetched, zero if never
func (m *Manager) LastRefresh() time.Time {
	ns := m.lastRefresh.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Update replaces the topology with the one the service reported.
func (m *Manager) Update(topology *domain.AccountTopology) {
	if topology == nil {
		return
	}
	snap := m.buildSnapshot(topology)
	m.locations.Store(snap)

	m.logger.WithFields(logrus.Fields{
		"preferred":   snap.preferred,
		"read_count":  len(snap.readOrder),
		"write_count": len(snap.accountWrites),
		"multi_write": snap.multiWrite,
	}).Debug("Account topology updated")
}

func (m *Manager) buildSnapshot(topology *domain.AccountTopology) *locationSnapshot {
	snap := &locationSnapshot{
		roles:      make(map[string]domain.EndpointRole),
		multiWrite: topology.EnableMultipleWriteLocations,
	}

	readByRegion := make(map[domain.RegionName]string, len(topology.ReadRegions))
	for _, r := range topology.ReadRegions {
		readByRegion[r.Name] = r.Endpoint
		snap.roles[r.Endpoint] = domain.RoleRead
	}
	writeByRegion := make(map[domain.RegionName]string, len(topology.WriteRegions))
	for _, r := range topology.WriteRegions {
		writeByRegion[r.Name] = r.Endpoint
		snap.accountWrites = append(snap.accountWrites, domain.Endpoint{Region: r.Name, URL: r.Endpoint})
		if role, ok := snap.roles[r.Endpoint]; ok && role == domain.RoleRead {
			snap.roles[r.Endpoint] = domain.RoleReadWrite
		} else {
			snap.roles[r.Endpoint] = domain.RoleWrite
		}
	}

	seen := make(map[domain.RegionName]bool)
	for _, region := range m.config.PreferredRegions {
		_, readable := readByRegion[region]
		_, writable := writeByRegion[region]
		if seen[region] || (!readable && !writable) {
			continue
		}
		seen[region] = true
		snap.preferred = append(snap.preferred, region)
	}
	for _, r := range topology.ReadRegions {
		if !seen[r.Name] {
			seen[r.Name] = true
			snap.preferred = append(snap.preferred, r.Name)
		}
	}

	for _, region := range snap.preferred {
		if url, ok := readByRegion[region]; ok {
			snap.readOrder = append(snap.readOrder, domain.Endpoint{Region: region, URL: url})
		}
	}

	added := make(map[domain.RegionName]bool)
	for _, region := range snap.preferred {
		if url, ok := writeByRegion[region]; ok {
			added[region] = true
			snap.writeOrder = append(snap.writeOrder, domain.Endpoint{Region: region, URL: url})
		}
	}
	for _, ep := range snap.accountWrites {
		if !added[ep.Region] {
			snap.writeOrder = append(snap.writeOrder, ep)
		}
	}
	return snap
}

// OperationInfo classifies an operation and decides whether it may use
// multiple write locations. excluded, when non-nil, replaces the configured
// excluded regions for this operation.
func (m *Manager) OperationInfo(op domain.OperationType, resource domain.ResourceType, excluded []domain.RegionName) domain.OperationInfo {
	info := domain.NewOperationInfo(op, resource)
	info.MultiWrite = !info.ReadOnly && m.CanUseMultipleWriteLocations(op, resource)
	info.ExcludedRegions = excluded
	return info
}

// CanUseMultipleWriteLocations reports whether writes of this kind may go
// to any write region instead of only the first one.
func (m *Manager) CanUseMultipleWriteLocations(op domain.OperationType, resource domain.ResourceType) bool {
	snap := m.locations.Load()
	return m.config.EnableMultipleWriteLocations &&
		snap.multiWrite &&
		len(snap.accountWrites) > 1 &&
		resource.IsDataPlane(op)
}

// PreferredLocationCount returns how many regions the effective preferred
// list holds.
func (m *Manager) PreferredLocationCount() int {
	return len(m.locations.Load().preferred)
}

// PreferredRegions returns the effective preferred region order
func (m *Manager) PreferredRegions() []domain.RegionName {
	return append([]domain.RegionName(nil), m.locations.Load().preferred...)
}

// ResolveServiceEndpoint returns the endpoint the next attempt of op should
// use given the call's routing state.
func (m *Manager) ResolveServiceEndpoint(state *domain.RoutingState, op domain.OperationInfo) string {
	snap := m.locations.Load()

	if !state.UsePreferredLocations || (!op.ReadOnly && !op.MultiWrite) {
		if len(snap.accountWrites) == 0 {
			return m.defaultEndpoint
		}
		return snap.accountWrites[state.LocationIndex%len(snap.accountWrites)].URL
	}

	endpoints := m.applicable(snap, op)
	if len(endpoints) == 0 {
		return m.defaultEndpoint
	}
	return endpoints[state.LocationIndex%len(endpoints)].URL
}

// ApplicableEndpoints returns the endpoints op may use in the order they
// should be tried: preferred order, excluded regions removed, currently
// unavailable endpoints moved to the end.
func (m *Manager) ApplicableEndpoints(op domain.OperationInfo) []domain.Endpoint {
	return m.applicable(m.locations.Load(), op)
}

func (m *Manager) applicable(snap *locationSnapshot, op domain.OperationInfo) []domain.Endpoint {
	source := snap.readOrder
	if !op.ReadOnly {
		source = snap.writeOrder
	}

	excluded := op.ExcludedRegions
	if excluded == nil {
		excluded = m.config.ExcludedRegions
	}

	class := op.RequestOperation()
	var available, unavailable []domain.Endpoint
	for _, ep := range source {
		if containsRegion(excluded, ep.Region) {
			continue
		}
		if m.IsEndpointUnavailable(ep.URL, class) {
			unavailable = append(unavailable, ep)
		} else {
			available = append(available, ep)
		}
	}
	return append(available, unavailable...)
}

// ReadEndpoints returns the read endpoint URLs in try order
func (m *Manager) ReadEndpoints() []string {
	return urls(m.applicable(m.locations.Load(), domain.OperationInfo{ReadOnly: true}))
}

// WriteEndpoints returns the write endpoint URLs in try order
func (m *Manager) WriteEndpoints() []string {
	return urls(m.applicable(m.locations.Load(), domain.OperationInfo{}))
}

// RegionOf returns the region serving endpoint, or "" when unknown
func (m *Manager) RegionOf(endpoint string) domain.RegionName {
	snap := m.locations.Load()
	for _, list := range [][]domain.Endpoint{snap.readOrder, snap.writeOrder} {
		for _, ep := range list {
			if ep.URL == endpoint {
				return ep.Region
			}
		}
	}
	return ""
}

// MarkEndpointUnavailableForRead marks endpoint unusable for reads until
// the unavailability window passes.
func (m *Manager) MarkEndpointUnavailableForRead(endpoint string) {
	m.markUnavailable(endpoint, domain.RequestOperationRead)
}

// MarkEndpointUnavailableForWrite marks endpoint unusable for writes until
// the unavailability window passes.
func (m *Manager) MarkEndpointUnavailableForWrite(endpoint string) {
	m.markUnavailable(endpoint, domain.RequestOperationWrite)
}

func (m *Manager) markUnavailable(endpoint string, op domain.RequestOperation) {
	now := m.now()
	next := &unavailability{ops: op, until: now.Add(m.config.UnavailabilityWindow)}

	for {
		current, loaded := m.unavailable.LoadOrStore(endpoint, next)
		if !loaded {
			break
		}
		old := current.(*unavailability)
		merged := &unavailability{ops: op, until: next.until}
		if old.until.After(now) {
			merged.ops |= old.ops
		}
		if m.unavailable.CompareAndSwap(endpoint, old, merged) {
			break
		}
	}

	m.metrics.RecordUnavailable(endpoint, op.String())
	m.logger.WithFields(logrus.Fields{
		"endpoint":  endpoint,
		"region":    m.RegionOf(endpoint),
		"operation": op.String(),
		"until":     next.until,
	}).Warn("Endpoint marked unavailable")
}

// IsEndpointUnavailable reports whether endpoint currently carries an
// unexpired mark covering op.
func (m *Manager) IsEndpointUnavailable(endpoint string, op domain.RequestOperation) bool {
	v, ok := m.unavailable.Load(endpoint)
	if !ok {
		return false
	}
	u := v.(*unavailability)
	if !u.until.After(m.now()) {
		m.unavailable.CompareAndDelete(endpoint, u)
		return false
	}
	return u.ops&op != 0
}

// SweepExpired drops every unavailability mark whose window has passed and
// returns how many were dropped.
func (m *Manager) SweepExpired() int {
	now := m.now()
	dropped := 0
	m.unavailable.Range(func(key, value any) bool {
		if u := value.(*unavailability); !u.until.After(now) {
			if m.unavailable.CompareAndDelete(key, u) {
				dropped++
			}
		}
		return true
	})
	return dropped
}

// Snapshot returns the status of every known endpoint
func (m *Manager) Snapshot() []domain.EndpointStatus {
	snap := m.locations.Load()
	now := m.now()

	seen := make(map[string]bool)
	var out []domain.EndpointStatus
	for _, list := range [][]domain.Endpoint{snap.readOrder, snap.writeOrder} {
		for _, ep := range list {
			if seen[ep.URL] {
				continue
			}
			seen[ep.URL] = true
			status := domain.EndpointStatus{
				Region:   ep.Region,
				URL:      ep.URL,
				Role:     snap.roles[ep.URL],
				RoleName: snap.roles[ep.URL].String(),
			}
			if v, ok := m.unavailable.Load(ep.URL); ok {
				if u := v.(*unavailability); u.until.After(now) {
					until := u.until
					status.UnavailableFor = u.ops
					status.Unavailable = u.ops.String()
					status.UnavailableUntil = &until
				}
			}
			out = append(out, status)
		}
	}
	return out
}

// Refresh fetches the topology and applies it. On failure the last known
// topology stays in place.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	m.lastRefresh.Store(m.now().UnixNano())

	if m.config.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.RefreshTimeout)
		defer cancel()
	}

	topology, err := m.source.FetchAccountTopology(ctx)
	if err != nil {
		m.metrics.RecordRefresh(false)
		return errors.WrapError(err, errors.ErrCodeTopologyRefreshFailed, "endpoint_manager",
			"failed to fetch account topology")
	}
	m.Update(topology)
	m.metrics.RecordRefresh(true)
	return nil
}

// RefreshLocation refreshes the topology in the background. Unless force is
// set it does nothing when the last refresh is younger than the refresh
// interval. At most one refresh runs at a time and failures are only logged.
func (m *Manager) RefreshLocation(ctx context.Context, force bool) {
	if m.source == nil {
		return
	}
	if !force {
		last := time.Unix(0, m.lastRefresh.Load())
		if m.now().Sub(last) < m.config.RefreshInterval {
			return
		}
	}
	if !m.refreshing.CompareAndSwap(false, true) {
		return
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		defer m.refreshing.Store(false)

		if err := m.Refresh(context.WithoutCancel(ctx)); err != nil {
			m.logger.RefreshLogger().WithError(err).Warn("Topology refresh failed, keeping last known topology")
		}
	}()
}

// WaitForRefresh blocks until background refreshes started so far finish
func (m *Manager) WaitForRefresh() {
	m.background.Wait()
}

func containsRegion(list []domain.RegionName, region domain.RegionName) bool {
	for _, r := range list {
		if r == region {
			return true
		}
	}
	return false
}

func urls(eps []domain.Endpoint) []string {
	out := make([]string, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.URL)
	}
	return out
}
