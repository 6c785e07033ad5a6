package routing

import (
	"context"

	"github.com/mir00r/region-router/internal/cache"
	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/errors"
)

// ContainerCache caches container properties by container link
type ContainerCache struct {
	cache  *cache.AsyncCache[string, *domain.ContainerProperties]
	source domain.MetadataSource
}

// NewContainerCache creates a container cache backed by source
func NewContainerCache(source domain.MetadataSource, opts ...cache.Option) *ContainerCache {
	return &ContainerCache{
		cache:  cache.New[string, *domain.ContainerProperties]("containers", opts...),
		source: source,
	}
}

// Resolve returns the properties of the container at link. With
// forceRefresh the currently cached value is treated as stale; callers that
// raced on the same refresh share one fetch.
func (c *ContainerCache) Resolve(ctx context.Context, link string, forceRefresh bool) (*domain.ContainerProperties, error) {
	var isStale func(*domain.ContainerProperties) bool
	if forceRefresh {
		seen, _ := c.cache.TryGet(link)
		isStale = func(p *domain.ContainerProperties) bool { return p == seen }
	}

	return c.cache.Get(ctx, link, isStale, func(ctx context.Context) (*domain.ContainerProperties, error) {
		props, err := c.source.FetchContainerProperties(ctx, link)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeMetadataLoad, "container_cache",
				"failed to load container "+link)
		}
		return props, nil
	})
}

// Seed stores properties obtained elsewhere, e.g. from a create response
func (c *ContainerCache) Seed(link string, props *domain.ContainerProperties) {
	c.cache.Insert(link, props)
}

// Invalidate drops the cached properties for link
func (c *ContainerCache) Invalidate(link string) {
	c.cache.Remove(link)
}

// Links returns the cached container links
func (c *ContainerCache) Links() []string {
	return c.cache.Keys()
}
