package access

import (
	"context"
	"time"

	"sharedrive/pkg/cache"
	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
)

// ParentLookup returns the parent id of a node, or "" for a node with none.
type ParentLookup interface {
	ParentOf(ctx context.Context, id string) (string, error)
}

type NodeGetter interface {
	GetFile(ctx context.Context, id string) (*domain.Node, error)
}

// GatewayParents asks the drive provider directly.
type GatewayParents struct {
	nodes NodeGetter
}

func NewGatewayParents(nodes NodeGetter) *GatewayParents {
	return &GatewayParents{nodes: nodes}
}

func (g *GatewayParents) ParentOf(ctx context.Context, id string) (string, error) {
	node, err := g.nodes.GetFile(ctx, id)
	if err != nil {
		return "", err
	}
	return node.Parent(), nil
}

// CachedParents remembers parent links for ttl. Cache failures fall through
// to the provider.
type CachedParents struct {
	next   ParentLookup
	cache  cache.Cache
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedParents(next ParentLookup, c cache.Cache, ttl time.Duration, log logger.Logger) *CachedParents {
	return &CachedParents{next: next, cache: c, ttl: ttl, logger: log}
}

func parentKey(id string) string {
	return "parent:" + id
}

func (c *CachedParents) ParentOf(ctx context.Context, id string) (string, error) {
	var parent string
	err := c.cache.Get(ctx, parentKey(id), &parent)
	if err == nil {
		return parent, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		c.logger.Warn("Parent cache read failed", map[string]interface{}{"id": id, "error": err})
	}

	parent, err = c.next.ParentOf(ctx, id)
	if err != nil {
		return "", err
	}
	if err := c.cache.Set(ctx, parentKey(id), parent, c.ttl); err != nil {
		c.logger.Warn("Parent cache write failed", map[string]interface{}{"id": id, "error": err})
	}
	return parent, nil
}

// Forget drops the cached parent of the given nodes, after a delete.
func (c *CachedParents) Forget(ctx context.Context, ids ...string) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = parentKey(id)
	}
	if err := c.cache.Delete(ctx, keys...); err != nil {
		c.logger.Warn("Parent cache delete failed", map[string]interface{}{"error": err})
	}
}
