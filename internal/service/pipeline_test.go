package service

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/endpoint"
	"github.com/mir00r/region-router/internal/errors"
	"github.com/mir00r/region-router/internal/metrics"
	"github.com/mir00r/region-router/internal/retry"
	"github.com/mir00r/region-router/pkg/logger"
)

const (
	defaultURL = "https://acct.example.com/"
	westURL    = "https://acct-westus.example.com/"
	eastURL    = "https://acct-eastus.example.com/"
	europeURL  = "https://acct-northeurope.example.com/"
)

func threeRegionTopology() *domain.AccountTopology {
	return &domain.AccountTopology{
		WriteRegions: []domain.AccountRegion{{Name: "West US", Endpoint: westURL}},
		ReadRegions: []domain.AccountRegion{
			{Name: "West US", Endpoint: westURL},
			{Name: "East US", Endpoint: eastURL},
			{Name: "North Europe", Endpoint: europeURL},
		},
	}
}

func twoRegionTopology() *domain.AccountTopology {
	t := threeRegionTopology()
	t.ReadRegions = t.ReadRegions[:2]
	return t
}

type result struct {
	status int
	sub    int
	header http.Header
	body   string
	err    error
}

type sent struct {
	endpoint string
	req      *domain.Request
}

// scriptedTransport answers each endpoint from a queue of results. The
// last result of a queue repeats; endpoints without a script answer 200.
type scriptedTransport struct {
	mu      sync.Mutex
	scripts map[string][]result
	sent    []sent
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{scripts: make(map[string][]result)}
}

func (s *scriptedTransport) on(endpoint string, results ...result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[endpoint] = results
}

func (s *scriptedTransport) Send(ctx context.Context, endpoint string, req *domain.Request) (*domain.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTransportError(endpoint, err)
	}

	s.mu.Lock()
	s.sent = append(s.sent, sent{endpoint: endpoint, req: req})
	q := s.scripts[endpoint]
	var r result
	if len(q) == 0 {
		r = result{status: http.StatusOK, body: `{}`}
	} else {
		r = q[0]
		if len(q) > 1 {
			s.scripts[endpoint] = q[1:]
		}
	}
	s.mu.Unlock()

	if r.err != nil {
		return nil, errors.NewTransportError(endpoint, r.err)
	}
	header := r.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if r.sub != 0 {
		header.Set(domain.HeaderSubStatus, strconv.Itoa(r.sub))
	}
	return &domain.Response{StatusCode: r.status, Header: header, Body: []byte(r.body)}, nil
}

func (s *scriptedTransport) endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, r := range s.sent {
		out = append(out, r.endpoint)
	}
	return out
}

func (s *scriptedTransport) requests() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	before func()
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	if r.before != nil {
		r.before()
	}
	return ctx.Err()
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestManager(topology *domain.AccountTopology, cfg domain.EndpointConfig) *endpoint.Manager {
	m := endpoint.NewManager(defaultURL, cfg, nil, logger.Discard())
	m.Update(topology)
	return m
}

func newTestPipeline(manager *endpoint.Manager, tr domain.Transport, opts ...PipelineOption) *Pipeline {
	return NewPipeline(
		domain.DefaultPipelineConfig(),
		manager,
		tr,
		retry.NewPolicy(domain.DefaultRetryConfig()),
		logger.Discard(),
		opts...,
	)
}

func readRequest() *domain.Request {
	return &domain.Request{
		Method:       http.MethodGet,
		ResourceLink: "dbs/db1/colls/c1/docs/1",
		Header:       make(http.Header),
		Operation:    domain.NewOperationInfo(domain.OperationRead, domain.ResourceDocuments),
	}
}

func createRequest() *domain.Request {
	return &domain.Request{
		Method:       http.MethodPost,
		ResourceLink: "dbs/db1/colls/c1/docs",
		Header:       make(http.Header),
		Body:         []byte(`{"id":"1"}`),
		Operation:    domain.NewOperationInfo(domain.OperationCreate, domain.ResourceDocuments),
	}
}

func TestPipelineServiceUnavailableFailsOverToNextRegion(t *testing.T) {
	manager := newTestManager(twoRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()
	tr.on(westURL, result{status: http.StatusServiceUnavailable})
	tr.on(eastURL, result{status: http.StatusOK, body: `{"id":"1"}`})
	sleeper := &recordingSleeper{}

	p := newTestPipeline(manager, tr, WithSleeper(sleeper.Sleep))
	resp, err := p.Execute(context.Background(), readRequest())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{westURL, eastURL}, tr.endpoints())
	assert.Equal(t, 2, resp.Diagnostics.Attempts)
	assert.Equal(t, []string{"West US", "East US"}, resp.Diagnostics.RegionsContacted)
	assert.Equal(t, []string{westURL, eastURL}, resp.Diagnostics.EndpointsContacted)
	assert.NotEmpty(t, resp.Diagnostics.ActivityID)
	assert.Empty(t, sleeper.Delays())
}

func TestPipelineThrottleHonoursRetryAfter(t *testing.T) {
	manager := newTestManager(twoRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()
	tr.on(westURL,
		result{status: http.StatusTooManyRequests, header: http.Header{domain.HeaderRetryAfter: []string{"2s"}}},
		result{status: http.StatusOK},
	)
	sleeper := &recordingSleeper{}

	p := newTestPipeline(manager, tr, WithSleeper(sleeper.Sleep))
	resp, err := p.Execute(context.Background(), readRequest())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{westURL, westURL}, tr.endpoints())
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Delays())
}

func TestPipelineThrottleUsesExponentialBackoff(t *testing.T) {
	manager := newTestManager(twoRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()
	tr.on(westURL,
		result{status: http.StatusTooManyRequests},
		result{status: http.StatusTooManyRequests},
		result{status: http.StatusOK},
	)
	sleeper := &recordingSleeper{}

	p := newTestPipeline(manager, tr, WithSleeper(sleeper.Sleep))
	_, err := p.Execute(context.Background(), readRequest())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.Delays())
}

func TestPipelineTransportErrorIsNotRetried(t *testing.T) {
	manager := newTestManager(twoRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()
	tr.on(westURL, result{err: fmt.Errorf("connection refused")})

	p := newTestPipeline(manager, tr)
	resp, err := p.Execute(context.Background(), readRequest())
	require.Error(t, err)
	assert.Nil(t, resp)

	rErr, ok := errors.AsRoutingError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeTransport, rErr.Code)
	assert.Equal(t, 1, rErr.Attempts)
	assert.Equal(t, []string{westURL}, tr.endpoints())
}

func TestPipelineNonRetryableStatusAborts(t *testing.T) {
	manager := newTestManager(twoRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()
	tr.on(westURL, result{status: http.StatusNotFound, body: `{"code":"NotFound"}`})

	p := newTestPipeline(manager, tr)
	_, err := p.Execute(context.Background(), readRequest())
	require.Error(t, err)

	rErr, ok := errors.AsRoutingError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeRemoteNonRetryable, rErr.Code)
	assert.Equal(t, http.StatusNotFound, rErr.StatusCode)
	assert.Equal(t, `{"code":"NotFound"}`, rErr.Details)
	assert.Len(t, tr.endpoints(), 1)
}

func TestPipelineServiceUnavailableBudgetExhausted(t *testing.T) {
	manager := newTestManager(threeRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()
	for _, ep := range []string{westURL, eastURL, europeURL} {
		tr.on(ep, result{status: http.StatusServiceUnavailable, sub: 20003})
	}

	p := newTestPipeline(manager, tr)
	_, err := p.Execute(context.Background(), readRequest())
	require.Error(t, err)

	rErr, ok := errors.AsRoutingError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeRetryExhausted, rErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, rErr.StatusCode)
	assert.Equal(t, 20003, rErr.SubStatus)
	assert.Equal(t, 4, rErr.Attempts)
	assert.Equal(t, []string{"West US", "East US", "North Europe"}, rErr.RegionsTried)
	assert.Equal(t, []string{westURL, eastURL, europeURL, westURL}, tr.endpoints())
	assert.True(t, errors.IsRetryable(err))
}

type switchableTopology struct {
	mu       sync.Mutex
	topology *domain.AccountTopology
}

func (s *switchableTopology) set(t *domain.AccountTopology) {
	s.mu.Lock()
	s.topology = t
	s.mu.Unlock()
}

func (s *switchableTopology) FetchAccountTopology(context.Context) (*domain.AccountTopology, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topology, nil
}

func TestPipelineWriteForbiddenMarksEndpointAndRefreshes(t *testing.T) {
	source := &switchableTopology{topology: twoRegionTopology()}
	manager := endpoint.NewManager(defaultURL, domain.DefaultEndpointConfig(), source, logger.Discard())
	require.NoError(t, manager.Refresh(context.Background()))

	moved := twoRegionTopology()
	moved.WriteRegions = []domain.AccountRegion{{Name: "East US", Endpoint: eastURL}}
	source.set(moved)

	tr := newScriptedTransport()
	tr.on(westURL, result{status: http.StatusForbidden, sub: 3})
	sleeper := &recordingSleeper{before: manager.WaitForRefresh}

	p := newTestPipeline(manager, tr, WithSleeper(sleeper.Sleep))
	resp, err := p.Execute(context.Background(), createRequest())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{westURL, eastURL}, tr.endpoints())
	assert.Equal(t, []time.Duration{time.Second}, sleeper.Delays())
	assert.True(t, manager.IsEndpointUnavailable(westURL, domain.RequestOperationWrite))
	assert.False(t, manager.IsEndpointUnavailable(westURL, domain.RequestOperationRead))
}

func TestPipelineAccountNotFoundSkipsMarkedReadEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		topology *domain.AccountTopology
		scripts  map[string]result
		want     []string
	}{
		{
			name:     "two regions",
			topology: twoRegionTopology(),
			scripts:  map[string]result{westURL: {status: http.StatusForbidden, sub: 1008}},
			want:     []string{westURL, eastURL},
		},
		{
			name:     "three regions goes to next preferred",
			topology: threeRegionTopology(),
			scripts:  map[string]result{westURL: {status: http.StatusForbidden, sub: 1008}},
			want:     []string{westURL, eastURL},
		},
		{
			name:     "three regions two removed",
			topology: threeRegionTopology(),
			scripts: map[string]result{
				westURL: {status: http.StatusForbidden, sub: 1008},
				eastURL: {status: http.StatusForbidden, sub: 1008},
			},
			want: []string{westURL, eastURL, europeURL},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := newTestManager(tt.topology, domain.DefaultEndpointConfig())
			tr := newScriptedTransport()
			for ep, r := range tt.scripts {
				tr.on(ep, r)
			}
			sleeper := &recordingSleeper{}

			p := newTestPipeline(manager, tr, WithSleeper(sleeper.Sleep))
			resp, err := p.Execute(context.Background(), readRequest())
			require.NoError(t, err)

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.want, tr.endpoints())
			assert.Equal(t, tt.want, resp.Diagnostics.EndpointsContacted)
			for ep := range tt.scripts {
				assert.True(t, manager.IsEndpointUnavailable(ep, domain.RequestOperationRead))
				assert.False(t, manager.IsEndpointUnavailable(ep, domain.RequestOperationWrite))
			}
		})
	}
}

func TestPipelineMultiWriteForbiddenMovesToNextWriteRegion(t *testing.T) {
	topology := threeRegionTopology()
	topology.WriteRegions = topology.ReadRegions
	topology.EnableMultipleWriteLocations = true
	cfg := domain.DefaultEndpointConfig()
	cfg.EnableMultipleWriteLocations = true
	manager := newTestManager(topology, cfg)

	tr := newScriptedTransport()
	tr.on(westURL, result{status: http.StatusForbidden, sub: 3})
	sleeper := &recordingSleeper{}

	req := createRequest()
	req.Operation = manager.OperationInfo(domain.OperationCreate, domain.ResourceDocuments, nil)
	require.True(t, req.Operation.MultiWrite)

	p := newTestPipeline(manager, tr, WithSleeper(sleeper.Sleep))
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{westURL, eastURL}, tr.endpoints())
	assert.Equal(t, []time.Duration{time.Second}, sleeper.Delays())
	assert.True(t, manager.IsEndpointUnavailable(westURL, domain.RequestOperationWrite))
}

func TestPipelineSessionRetryGoesToWriteEndpoint(t *testing.T) {
	cfg := domain.DefaultEndpointConfig()
	cfg.PreferredRegions = []domain.RegionName{"East US"}
	manager := newTestManager(twoRegionTopology(), cfg)

	tr := newScriptedTransport()
	tr.on(eastURL, result{status: http.StatusNotFound, sub: 1002})

	p := newTestPipeline(manager, tr)
	resp, err := p.Execute(context.Background(), readRequest())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{eastURL, westURL}, tr.endpoints())
}

func TestPipelineDeadlineReturnsLastError(t *testing.T) {
	manager := newTestManager(twoRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()
	tr.on(westURL, result{status: http.StatusTooManyRequests, header: http.Header{domain.HeaderRetryAfterMs: []string{"10000"}}})

	cfg := domain.DefaultPipelineConfig()
	cfg.Timeout = 50 * time.Millisecond
	p := NewPipeline(cfg, manager, tr, retry.NewPolicy(domain.DefaultRetryConfig()), logger.Discard())

	start := time.Now()
	_, err := p.Execute(context.Background(), readRequest())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	rErr, ok := errors.AsRoutingError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeRequestTimeout, rErr.Code)
	assert.Equal(t, http.StatusTooManyRequests, rErr.StatusCode)

	last, ok := rErr.Cause.(*errors.RoutingError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeRemoteRetryable, last.Code)
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
}

func TestPipelineCanceledContext(t *testing.T) {
	manager := newTestManager(twoRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(manager, tr)
	_, err := p.Execute(ctx, readRequest())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRequestCanceled, errors.GetErrorCode(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipelineStampsHeadersOnEveryAttempt(t *testing.T) {
	manager := newTestManager(twoRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()
	tr.on(westURL, result{status: http.StatusServiceUnavailable})

	req := readRequest()
	req.Partition = domain.PartitionScope{CollectionRID: "rid1", RangeID: "7"}

	p := newTestPipeline(manager, tr)
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	sent := tr.requests()
	require.Len(t, sent, 2)
	for _, s := range sent {
		assert.Equal(t, resp.Diagnostics.ActivityID, s.req.Header.Get(domain.HeaderActivityID))
		assert.Equal(t, "7", s.req.Header.Get(domain.HeaderPartitionRangeID))
	}
	assert.Empty(t, req.Header.Get(domain.HeaderActivityID), "caller's request must not be mutated")
}

func TestPipelineMetadataUsesSmallerBudget(t *testing.T) {
	manager := newTestManager(threeRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()
	for _, ep := range []string{westURL, eastURL, europeURL} {
		tr.on(ep, result{status: http.StatusServiceUnavailable})
	}

	req := &domain.Request{
		Method:       http.MethodGet,
		ResourceLink: "dbs/db1/colls/c1/pkranges",
		Operation:    domain.NewOperationInfo(domain.OperationReadFeed, domain.ResourcePartitionKeyRanges),
	}
	p := newTestPipeline(manager, tr)
	_, err := p.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRetryExhausted, errors.GetErrorCode(err))
	assert.Len(t, tr.endpoints(), 3)
}

func TestPipelinePartitionBreakerMovesPartition(t *testing.T) {
	manager := newTestManager(threeRegionTopology(), domain.DefaultEndpointConfig())
	failover := endpoint.NewPartitionFailover(domain.DefaultCircuitBreakerConfig(), manager, logger.Discard(), nil)

	tr := newScriptedTransport()
	tr.on(westURL, result{status: http.StatusServiceUnavailable})
	p := newTestPipeline(manager, tr, WithPartitionFailover(failover))

	newReq := func() *domain.Request {
		req := readRequest()
		req.Partition = domain.PartitionScope{CollectionRID: "rid1", RangeID: "0"}
		return req
	}

	for i := 0; i < 3; i++ {
		_, err := p.Execute(context.Background(), newReq())
		require.NoError(t, err)
	}
	overrides := failover.Overrides()
	require.Len(t, overrides, 1)
	assert.Equal(t, eastURL, overrides[0].Endpoint)

	before := len(tr.endpoints())
	resp, err := p.Execute(context.Background(), newReq())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Diagnostics.Attempts)
	assert.Equal(t, []string{eastURL}, tr.endpoints()[before:])

	// requests for other partitions keep the regular order
	other := readRequest()
	other.Partition = domain.PartitionScope{CollectionRID: "rid1", RangeID: "1"}
	tr.on(westURL, result{status: http.StatusOK})
	_, err = p.Execute(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, westURL, tr.endpoints()[len(tr.endpoints())-1])
}

func TestPipelineRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPipelineMetricsWithRegistry(reg)

	manager := newTestManager(twoRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()
	tr.on(westURL, result{status: http.StatusServiceUnavailable})

	p := newTestPipeline(manager, tr, WithMetrics(m))
	_, err := p.Execute(context.Background(), readRequest())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("read", metrics.StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues(westURL, "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues(eastURL, "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("retry_next_region")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("done")))
}

func TestPipelineRateLimiter(t *testing.T) {
	manager := newTestManager(twoRegionTopology(), domain.DefaultEndpointConfig())
	tr := newScriptedTransport()

	cfg := domain.DefaultPipelineConfig()
	cfg.RateLimit = domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1}
	p := NewPipeline(cfg, manager, tr, retry.NewPolicy(domain.DefaultRetryConfig()), logger.Discard())

	_, err := p.Execute(context.Background(), readRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Execute(ctx, readRequest())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRequestTimeout, errors.GetErrorCode(err))
	assert.Len(t, tr.endpoints(), 1)
}
