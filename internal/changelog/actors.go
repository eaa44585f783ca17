package changelog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openmined/scmmirror/internal/catalog"
)

// ActorCache resolves remote user ids to display names for the lifetime of one pass.
// Nothing is evicted; a new pass starts with a new cache.
//
// The first lookup failure disables further lookups for the pass and ids are then reported
// as-is, since a session that cannot read user accounts fails the same way for every id.
type ActorCache struct {
	resolver catalog.ActorResolver

	mu       sync.Mutex
	names    map[string]string
	disabled bool
}

// NewActorCache wraps resolver, which may be nil.
func NewActorCache(resolver catalog.ActorResolver) *ActorCache {
	return &ActorCache{
		resolver: resolver,
		names:    make(map[string]string),
	}
}

func (c *ActorCache) Resolve(ctx context.Context, id string) string {
	if id == "" {
		return UnknownActor
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if name, ok := c.names[id]; ok {
		return name
	}
	if c.resolver == nil || c.disabled {
		return id
	}

	name, err := c.resolver.ResolveActor(ctx, id)
	if err != nil {
		slog.Warn("actor lookup disabled for this pass", "id", id, "error", err)
		c.disabled = true
		return id
	}
	if name == "" {
		name = id
	}
	c.names[id] = name
	return name
}

// Len is the number of resolved ids.
func (c *ActorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.names)
}
