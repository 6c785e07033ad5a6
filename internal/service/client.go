package service

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mir00r/region-router/internal/cache"
	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/endpoint"
	"github.com/mir00r/region-router/internal/errors"
	"github.com/mir00r/region-router/internal/metrics"
	"github.com/mir00r/region-router/internal/retry"
	"github.com/mir00r/region-router/internal/routing"
	"github.com/mir00r/region-router/pkg/logger"
)

// ClientConfig holds everything a Client needs besides its transport
type ClientConfig struct {
	DefaultEndpoint string
	// FallbackEndpoints are asked for the account topology when the
	// default endpoint cannot answer.
	FallbackEndpoints []string
	Endpoint          domain.EndpointConfig
	Retry             domain.RetryConfig
	CircuitBreaker    domain.CircuitBreakerConfig
	Pipeline          domain.PipelineConfig
}

// DefaultClientConfig returns a config with every section at its defaults
func DefaultClientConfig(defaultEndpoint string) ClientConfig {
	return ClientConfig{
		DefaultEndpoint: defaultEndpoint,
		Endpoint:        domain.DefaultEndpointConfig(),
		Retry:           domain.DefaultRetryConfig(),
		CircuitBreaker:  domain.DefaultCircuitBreakerConfig(),
		Pipeline:        domain.DefaultPipelineConfig(),
	}
}

// Client owns the shared routing state: the endpoint manager, the partition
// breaker, the metadata caches and the pipeline every operation runs through.
type Client struct {
	config     ClientConfig
	manager    *endpoint.Manager
	failover   *endpoint.PartitionFailover
	containers *routing.ContainerCache
	ranges     *routing.PartitionKeyRangeCache
	pipeline   *Pipeline
	logger     *logger.Logger
}

// ClientOption configures a Client
type ClientOption func(*clientOptions)

type clientOptions struct {
	topology domain.TopologySource
	metadata domain.MetadataSource
	metrics  *metrics.Set
	pipeline []PipelineOption
	manager  []endpoint.Option
}

// WithTopologySource replaces the gateway topology source
func WithTopologySource(s domain.TopologySource) ClientOption {
	return func(o *clientOptions) { o.topology = s }
}

// WithMetadataSource replaces the gateway metadata source
func WithMetadataSource(s domain.MetadataSource) ClientOption {
	return func(o *clientOptions) { o.metadata = s }
}

// WithMetricsSet wires the collectors of every component
func WithMetricsSet(set *metrics.Set) ClientOption {
	return func(o *clientOptions) { o.metrics = set }
}

// WithPipelineOptions passes extra options to the pipeline
func WithPipelineOptions(opts ...PipelineOption) ClientOption {
	return func(o *clientOptions) { o.pipeline = append(o.pipeline, opts...) }
}

// WithManagerOptions passes extra options to the endpoint manager
func WithManagerOptions(opts ...endpoint.Option) ClientOption {
	return func(o *clientOptions) { o.manager = append(o.manager, opts...) }
}

// NewClient wires a client around transport
func NewClient(config ClientConfig, transport domain.Transport, log *logger.Logger, opts ...ClientOption) *Client {
	if log == nil {
		log = logger.Discard()
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	set := o.metrics
	if set == nil {
		set = &metrics.Set{}
	}

	if o.topology == nil {
		o.topology = NewGatewayTopologySource(transport, config.DefaultEndpoint, config.FallbackEndpoints, log)
	}
	managerOpts := append([]endpoint.Option{endpoint.WithMetrics(set.Endpoint)}, o.manager...)
	manager := endpoint.NewManager(config.DefaultEndpoint, config.Endpoint, o.topology, log, managerOpts...)
	failover := endpoint.NewPartitionFailover(config.CircuitBreaker, manager, log, set.Endpoint)

	pipelineOpts := append([]PipelineOption{
		WithMetrics(set.Pipeline),
		WithPartitionFailover(failover),
	}, o.pipeline...)
	pipeline := NewPipeline(config.Pipeline, manager, transport, retry.NewPolicy(config.Retry), log, pipelineOpts...)

	if o.metadata == nil {
		o.metadata = NewGatewayMetadataSource(pipeline)
	}
	cacheOpts := []cache.Option{cache.WithLogger(log), cache.WithMetrics(set.Cache)}

	return &Client{
		config:     config,
		manager:    manager,
		failover:   failover,
		containers: routing.NewContainerCache(o.metadata, cacheOpts...),
		ranges:     routing.NewPartitionKeyRangeCache(o.metadata, cacheOpts...),
		pipeline:   pipeline,
		logger:     log.WithField("component", "client"),
	}
}

// Start loads the account topology and starts the background refresh
func (c *Client) Start(ctx context.Context) error {
	return c.manager.Start(ctx)
}

// Stop stops the background refresh
func (c *Client) Stop() {
	c.manager.Stop()
}

// Config returns the configuration the client was built with
func (c *Client) Config() ClientConfig { return c.config }

// Manager returns the endpoint manager
func (c *Client) Manager() *endpoint.Manager { return c.manager }

// PartitionFailover returns the partition breaker
func (c *Client) PartitionFailover() *endpoint.PartitionFailover { return c.failover }

// Containers returns the container cache
func (c *Client) Containers() *routing.ContainerCache { return c.containers }

// PartitionKeyRanges returns the routing map cache
func (c *Client) PartitionKeyRanges() *routing.PartitionKeyRangeCache { return c.ranges }

// Execute sends a request that is not scoped to a partition, e.g. a
// database or container operation.
func (c *Client) Execute(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	return c.pipeline.Execute(ctx, req)
}

// ItemRequest is an operation on a single item of a container
type ItemRequest struct {
	ContainerLink   string
	ItemID          string
	PartitionKey    domain.EffectivePartitionKey
	Operation       domain.OperationType
	Body            []byte
	Header          http.Header
	ExcludedRegions []domain.RegionName
}

func (r ItemRequest) method() string {
	switch r.Operation {
	case domain.OperationRead:
		return http.MethodGet
	case domain.OperationHead:
		return http.MethodHead
	case domain.OperationCreate, domain.OperationUpsert, domain.OperationBatch:
		return http.MethodPost
	case domain.OperationReplace:
		return http.MethodPut
	case domain.OperationDelete:
		return http.MethodDelete
	case domain.OperationPatch:
		return http.MethodPatch
	default:
		return http.MethodPost
	}
}

func (r ItemRequest) link() string {
	docs := strings.Trim(r.ContainerLink, "/") + "/docs"
	if r.ItemID == "" {
		return docs
	}
	return docs + "/" + r.ItemID
}

// ExecuteItem resolves the item's partition key range and runs the
// operation against it. When the service reports that the range moved, or
// that the container was recreated, the metadata is refreshed and the
// operation is resolved and sent once more.
func (c *Client) ExecuteItem(ctx context.Context, item ItemRequest) (*domain.Response, error) {
	if item.ContainerLink == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidRequest, "client", "container link is required")
	}

	op := c.manager.OperationInfo(item.Operation, domain.ResourceDocuments, item.ExcludedRegions)
	var (
		forceContainer bool
		previous       *routing.CollectionRoutingMap
	)
	for attempt := 0; ; attempt++ {
		props, err := c.containers.Resolve(ctx, item.ContainerLink, forceContainer)
		if err != nil {
			return nil, err
		}
		if previous != nil {
			if _, err := c.ranges.RoutingMap(ctx, item.ContainerLink, props.ResourceID, previous); err != nil {
				return nil, err
			}
		}
		pkRange, err := c.ranges.ResolveRange(ctx, item.ContainerLink, props.ResourceID, item.PartitionKey)
		if err != nil {
			return nil, err
		}

		header := item.Header.Clone()
		if header == nil {
			header = make(http.Header)
		}
		resp, err := c.pipeline.Execute(ctx, &domain.Request{
			Method:       item.method(),
			ResourceLink: item.link(),
			Header:       header,
			Body:         item.Body,
			Operation:    op,
			Partition:    domain.PartitionScope{CollectionRID: props.ResourceID, RangeID: pkRange.ID},
		})
		if err == nil || attempt > 0 {
			return resp, err
		}

		rErr, ok := errors.AsRoutingError(err)
		if !ok {
			return nil, err
		}
		status := retry.Status{Code: rErr.StatusCode, SubStatus: retry.SubStatusCode(rErr.SubStatus)}
		switch {
		case status.IsPartitionTopologyChange():
			previous, _ = c.ranges.Cached(item.ContainerLink)
			if previous == nil {
				return nil, err
			}
		case status.IsNameCacheStale():
			forceContainer = true
			c.ranges.Invalidate(item.ContainerLink)
		default:
			return nil, err
		}

		c.logger.WithFields(logrus.Fields{
			"container": item.ContainerLink,
			"range":     pkRange.ID,
			"status":    status.String(),
		}).Info("Routing metadata changed, refreshing and resending")
	}
}

// OverlappingRanges returns the partition key ranges of a container that
// intersect keyRanges, e.g. to fan a query out.
func (c *Client) OverlappingRanges(ctx context.Context, containerLink string, keyRanges []domain.KeyRange) ([]domain.PartitionKeyRange, error) {
	props, err := c.containers.Resolve(ctx, containerLink, false)
	if err != nil {
		return nil, err
	}
	return c.ranges.OverlappingRanges(ctx, containerLink, props.ResourceID, keyRanges)
}

// Location is where an item operation would be routed right now
type Location struct {
	Container     string                   `json:"container"`
	CollectionRID string                   `json:"collection_rid"`
	Range         domain.PartitionKeyRange `json:"partition_key_range"`
	Endpoint      string                   `json:"endpoint"`
	Region        domain.RegionName        `json:"region"`
	Operation     string                   `json:"operation"`
	Candidates    []domain.Endpoint        `json:"candidates"`
}

// Locate resolves the partition key range and endpoint an item operation
// would use without sending anything.
func (c *Client) Locate(ctx context.Context, item ItemRequest) (*Location, error) {
	if item.ContainerLink == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidRequest, "client", "container link is required")
	}
	props, err := c.containers.Resolve(ctx, item.ContainerLink, false)
	if err != nil {
		return nil, err
	}
	pkRange, err := c.ranges.ResolveRange(ctx, item.ContainerLink, props.ResourceID, item.PartitionKey)
	if err != nil {
		return nil, err
	}

	op := c.manager.OperationInfo(item.Operation, domain.ResourceDocuments, item.ExcludedRegions)
	target := c.pipeline.Route(&domain.Request{
		Method:       item.method(),
		ResourceLink: item.link(),
		Operation:    op,
		Partition:    domain.PartitionScope{CollectionRID: props.ResourceID, RangeID: pkRange.ID},
	})
	return &Location{
		Container:     item.ContainerLink,
		CollectionRID: props.ResourceID,
		Range:         pkRange,
		Endpoint:      target,
		Region:        c.manager.RegionOf(target),
		Operation:     item.Operation.String(),
		Candidates:    c.manager.ApplicableEndpoints(op),
	}, nil
}

// Diagnostics is a point-in-time view of the client's routing state
type Diagnostics struct {
	PreferredRegions []domain.RegionName          `json:"preferred_regions"`
	ReadEndpoints    []string                     `json:"read_endpoints"`
	WriteEndpoints   []string                     `json:"write_endpoints"`
	Endpoints        []domain.EndpointStatus      `json:"endpoints"`
	Overrides        []endpoint.PartitionOverride `json:"partition_overrides"`
	Containers       []string                     `json:"cached_containers"`
}

// Diagnostics returns the client's routing state
func (c *Client) Diagnostics() Diagnostics {
	return Diagnostics{
		PreferredRegions: c.manager.PreferredRegions(),
		ReadEndpoints:    c.manager.ReadEndpoints(),
		WriteEndpoints:   c.manager.WriteEndpoints(),
		Endpoints:        c.manager.Snapshot(),
		Overrides:        c.failover.Overrides(),
		Containers:       c.containers.Links(),
	}
}
