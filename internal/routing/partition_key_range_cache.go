package routing

import (
	"context"
	"fmt"

	"github.com/mir00r/region-router/internal/cache"
	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/errors"
)

// PartitionKeyRangeCache caches one CollectionRoutingMap per container link.
type PartitionKeyRangeCache struct {
	cache  *cache.AsyncCache[string, *CollectionRoutingMap]
	source domain.MetadataSource
}

// NewPartitionKeyRangeCache creates a routing map cache backed by source
func NewPartitionKeyRangeCache(source domain.MetadataSource, opts ...cache.Option) *PartitionKeyRangeCache {
	return &PartitionKeyRangeCache{
		cache:  cache.New[string, *CollectionRoutingMap]("partition_key_ranges", opts...),
		source: source,
	}
}

// RoutingMap returns the routing map of the container. When previous is
// non-nil and is still the cached map, it is reloaded; if another caller has
// already replaced it the newer map is returned without a fetch.
func (c *PartitionKeyRangeCache) RoutingMap(ctx context.Context, link, collectionRID string, previous *CollectionRoutingMap) (*CollectionRoutingMap, error) {
	var isStale func(*CollectionRoutingMap) bool
	if previous != nil {
		isStale = func(m *CollectionRoutingMap) bool { return m == previous }
	}

	return c.cache.Get(ctx, link, isStale, func(ctx context.Context) (*CollectionRoutingMap, error) {
		ranges, err := c.source.FetchPartitionKeyRanges(ctx, link)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeMetadataLoad, "partition_key_range_cache",
				"failed to load partition key ranges of "+link)
		}
		m := NewCollectionRoutingMap(collectionRID, ranges)
		if !m.IsComplete() {
			return nil, errors.NewError(errors.ErrCodeMetadataLoad, "partition_key_range_cache",
				fmt.Sprintf("partition key ranges of %s do not cover the key space (%d ranges)", link, m.Len()))
		}
		return m, nil
	})
}

// ResolveRange returns the range containing epk, refreshing the routing map
// once if the cached one has no such range.
func (c *PartitionKeyRangeCache) ResolveRange(ctx context.Context, link, collectionRID string, epk domain.EffectivePartitionKey) (domain.PartitionKeyRange, error) {
	m, err := c.RoutingMap(ctx, link, collectionRID, nil)
	if err != nil {
		return domain.PartitionKeyRange{}, err
	}
	if r, ok := m.RangeContaining(epk); ok {
		return r, nil
	}

	m, err = c.RoutingMap(ctx, link, collectionRID, m)
	if err != nil {
		return domain.PartitionKeyRange{}, err
	}
	if r, ok := m.RangeContaining(epk); ok {
		return r, nil
	}
	return domain.PartitionKeyRange{}, errors.NewPartitionNotFoundError(link, string(epk))
}

// OverlappingRanges returns the ranges of the container that intersect any
// of keyRanges.
func (c *PartitionKeyRangeCache) OverlappingRanges(ctx context.Context, link, collectionRID string, keyRanges []domain.KeyRange) ([]domain.PartitionKeyRange, error) {
	m, err := c.RoutingMap(ctx, link, collectionRID, nil)
	if err != nil {
		return nil, err
	}
	return m.OverlappingRanges(keyRanges), nil
}

// Refresh forces a reload of the container's routing map, typically after
// the service reported a split or merge.
func (c *PartitionKeyRangeCache) Refresh(ctx context.Context, link, collectionRID string) (*CollectionRoutingMap, error) {
	current, ok := c.cache.TryGet(link)
	if !ok {
		return c.RoutingMap(ctx, link, collectionRID, nil)
	}
	return c.RoutingMap(ctx, link, collectionRID, current)
}

// Cached returns the cached routing map without loading
func (c *PartitionKeyRangeCache) Cached(link string) (*CollectionRoutingMap, bool) {
	return c.cache.TryGet(link)
}

// Invalidate drops the cached routing map for link
func (c *PartitionKeyRangeCache) Invalidate(link string) {
	c.cache.Remove(link)
}
