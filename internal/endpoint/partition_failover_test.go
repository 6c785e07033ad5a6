package endpoint

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/metrics"
	"github.com/mir00r/region-router/pkg/logger"
)

func newTestFailover(t *testing.T, clock *fakeClock) (*PartitionFailover, *Manager, *metrics.EndpointMetrics) {
	t.Helper()
	cfg := domain.DefaultEndpointConfig()
	cfg.PreferredRegions = []domain.RegionName{"East US", "West US", "North Europe"}
	m := newTestManager(t, cfg, nil, clock)
	m.Update(singleMasterTopology())

	em := metrics.NewEndpointMetricsWithRegistry(prometheus.NewRegistry())
	return NewPartitionFailover(domain.DefaultCircuitBreakerConfig(), m, logger.Discard(), em), m, em
}

func partitionRead() *domain.Request {
	return &domain.Request{
		Operation: domain.NewOperationInfo(domain.OperationRead, domain.ResourceDocuments),
		Partition: domain.PartitionScope{CollectionRID: "coll", RangeID: "3"},
	}
}

func TestPartitionFailover_Eligibility(t *testing.T) {
	p, _, _ := newTestFailover(t, newFakeClock())

	assert.True(t, p.Eligible(partitionRead()))

	noPartition := partitionRead()
	noPartition.Partition = domain.PartitionScope{}
	assert.False(t, p.Eligible(noPartition))

	metadata := partitionRead()
	metadata.Operation = domain.NewOperationInfo(domain.OperationRead, domain.ResourceContainers)
	assert.False(t, p.Eligible(metadata))

	singleMasterWrite := partitionRead()
	singleMasterWrite.Operation = domain.NewOperationInfo(domain.OperationCreate, domain.ResourceDocuments)
	assert.False(t, p.Eligible(singleMasterWrite))
}

func TestPartitionFailover_TripsAfterReadThreshold(t *testing.T) {
	p, _, em := newTestFailover(t, newFakeClock())
	req := partitionRead()

	assert.False(t, p.RecordFailure(req, eastURL))
	assert.False(t, p.RecordFailure(req, eastURL))
	require.True(t, p.RecordFailure(req, eastURL))

	_, ok := p.Override(req)
	assert.False(t, ok)

	require.True(t, p.MarkUnavailable(req, eastURL))
	ep, ok := p.Override(req)
	require.True(t, ok)
	assert.Equal(t, westURL, ep)

	assert.Equal(t, float64(1), testutil.ToFloat64(em.PartitionFailoversTotal.WithLabelValues("read")))
	assert.Equal(t, float64(1), testutil.ToFloat64(em.PartitionOverrides))

	other := partitionRead()
	other.Partition.RangeID = "4"
	_, ok = p.Override(other)
	assert.False(t, ok)
}

func TestPartitionFailover_SkipsTriedLocationsAndGivesUp(t *testing.T) {
	p, _, _ := newTestFailover(t, newFakeClock())
	req := partitionRead()

	require.True(t, p.MarkUnavailable(req, eastURL))
	ep, _ := p.Override(req)
	assert.Equal(t, westURL, ep)

	require.True(t, p.MarkUnavailable(req, westURL))
	ep, _ = p.Override(req)
	assert.Equal(t, europeURL, ep)

	overrides := p.Overrides()
	require.Len(t, overrides, 1)
	assert.Equal(t, []string{eastURL, westURL}, overrides[0].FailedEndpoints)

	assert.False(t, p.MarkUnavailable(req, europeURL))
	_, ok := p.Override(req)
	assert.False(t, ok)
	assert.Empty(t, p.Overrides())
}

func TestPartitionFailover_CountersResetAfterQuietPeriod(t *testing.T) {
	clock := newFakeClock()
	p, _, _ := newTestFailover(t, clock)
	req := partitionRead()

	p.RecordFailure(req, eastURL)
	p.RecordFailure(req, eastURL)
	clock.Advance(6 * time.Minute)
	assert.False(t, p.RecordFailure(req, eastURL))
}

func TestPartitionFailover_SuccessResetsCounters(t *testing.T) {
	p, _, _ := newTestFailover(t, newFakeClock())
	req := partitionRead()

	p.RecordFailure(req, eastURL)
	p.RecordFailure(req, eastURL)
	p.RecordSuccess(req)
	assert.False(t, p.RecordFailure(req, eastURL))
}

func TestPartitionFailover_Failback(t *testing.T) {
	clock := newFakeClock()
	p, _, _ := newTestFailover(t, clock)
	req := partitionRead()

	require.True(t, p.MarkUnavailable(req, eastURL))
	assert.Equal(t, 0, p.Failback(clock.Now()))

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, p.Failback(clock.Now()))
	_, ok := p.Override(req)
	assert.False(t, ok)
}

func TestPartitionFailover_Disabled(t *testing.T) {
	m := newTestManager(t, domain.DefaultEndpointConfig(), nil, nil)
	m.Update(singleMasterTopology())
	cfg := domain.DefaultCircuitBreakerConfig()
	cfg.Enabled = false
	p := NewPartitionFailover(cfg, m, logger.Discard(), nil)

	req := partitionRead()
	for i := 0; i < 10; i++ {
		assert.False(t, p.RecordFailure(req, eastURL))
	}
	assert.False(t, p.MarkUnavailable(req, eastURL))
}
