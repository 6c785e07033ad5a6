package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/errors"
	"github.com/mir00r/region-router/pkg/logger"
)

// GatewayTopologySource reads the account topology from the gateway. The
// default endpoint is asked first; when it cannot answer, the configured
// regional endpoints are tried in order.
type GatewayTopologySource struct {
	transport domain.Transport
	endpoints []string
	logger    *logger.Logger
}

// NewGatewayTopologySource creates a topology source. fallbacks are regional
// endpoints used when the default endpoint is unreachable.
func NewGatewayTopologySource(transport domain.Transport, defaultEndpoint string, fallbacks []string, log *logger.Logger) *GatewayTopologySource {
	if log == nil {
		log = logger.Discard()
	}
	endpoints := append([]string{defaultEndpoint}, fallbacks...)
	return &GatewayTopologySource{
		transport: transport,
		endpoints: endpoints,
		logger:    log.RefreshLogger(),
	}
}

// FetchAccountTopology implements domain.TopologySource
func (s *GatewayTopologySource) FetchAccountTopology(ctx context.Context) (*domain.AccountTopology, error) {
	var lastErr error
	for _, ep := range s.endpoints {
		req := &domain.Request{
			Method:    http.MethodGet,
			Header:    make(http.Header),
			Operation: domain.NewOperationInfo(domain.OperationRead, domain.ResourceDatabaseAccount),
		}
		resp, err := s.transport.Send(ctx, ep, req)
		if err == nil && resp.StatusCode != http.StatusOK {
			err = errors.NewRemoteError(resp.StatusCode, 0, false)
		}
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			s.logger.WithError(err).WithField("endpoint", ep).Debug("Account topology unavailable from endpoint")
			continue
		}

		var topology domain.AccountTopology
		if err := json.Unmarshal(resp.Body, &topology); err != nil {
			return nil, fmt.Errorf("failed to decode account topology from %s: %w", ep, err)
		}
		return &topology, nil
	}
	return nil, fmt.Errorf("no endpoint returned the account topology: %w", lastErr)
}

// executor is the part of Pipeline the metadata source depends on
type executor interface {
	Execute(ctx context.Context, req *domain.Request) (*domain.Response, error)
}

// GatewayMetadataSource reads container metadata through the pipeline, so
// metadata reads fail over between regions with the metadata retry budget.
type GatewayMetadataSource struct {
	pipeline executor
	pageSize int
}

// NewGatewayMetadataSource creates a metadata source on top of pipeline
func NewGatewayMetadataSource(pipeline executor) *GatewayMetadataSource {
	return &GatewayMetadataSource{pipeline: pipeline, pageSize: 1000}
}

// FetchContainerProperties implements domain.MetadataSource
func (s *GatewayMetadataSource) FetchContainerProperties(ctx context.Context, link string) (*domain.ContainerProperties, error) {
	resp, err := s.pipeline.Execute(ctx, &domain.Request{
		Method:       http.MethodGet,
		ResourceLink: strings.Trim(link, "/"),
		Header:       make(http.Header),
		Operation:    domain.NewOperationInfo(domain.OperationRead, domain.ResourceContainers),
	})
	if err != nil {
		return nil, err
	}

	var props domain.ContainerProperties
	if err := json.Unmarshal(resp.Body, &props); err != nil {
		return nil, fmt.Errorf("failed to decode container %s: %w", link, err)
	}
	if props.ResourceID == "" {
		return nil, fmt.Errorf("container %s has no resource id", link)
	}
	return &props, nil
}

type partitionKeyRangeFeed struct {
	ResourceID string                     `json:"_rid"`
	Ranges     []domain.PartitionKeyRange `json:"PartitionKeyRanges"`
	Count      int                        `json:"_count"`
}

// FetchPartitionKeyRanges implements domain.MetadataSource. The range feed
// is read page by page until the service stops returning a continuation.
func (s *GatewayMetadataSource) FetchPartitionKeyRanges(ctx context.Context, collectionLink string) ([]domain.PartitionKeyRange, error) {
	link := strings.Trim(collectionLink, "/") + "/pkranges"

	var (
		ranges       []domain.PartitionKeyRange
		continuation string
	)
	for {
		header := make(http.Header)
		header.Set(domain.HeaderMaxItemCount, fmt.Sprint(s.pageSize))
		if continuation != "" {
			header.Set(domain.HeaderContinuation, continuation)
		}

		resp, err := s.pipeline.Execute(ctx, &domain.Request{
			Method:       http.MethodGet,
			ResourceLink: link,
			Header:       header,
			Operation:    domain.NewOperationInfo(domain.OperationReadFeed, domain.ResourcePartitionKeyRanges),
		})
		if err != nil {
			return nil, err
		}

		var page partitionKeyRangeFeed
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode partition key ranges of %s: %w", collectionLink, err)
		}
		ranges = append(ranges, page.Ranges...)

		continuation = resp.Header.Get(domain.HeaderContinuation)
		if continuation == "" {
			return ranges, nil
		}
	}
}
