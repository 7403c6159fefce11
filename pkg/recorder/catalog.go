package recorder

import (
	"context"
	"sync"
)

// Catalog is a read-only, filterable view over the tracked entities.
type Catalog interface {
	// List returns the entities matching the filter in a stable order.
	// A filter that matches nothing yields an empty slice, not an error.
	List(ctx context.Context, filter Filter) ([]Entity, error)
}

// EntityStore persists entities discovered from a provider.
type EntityStore interface {
	Catalog
	UpsertEntities(ctx context.Context, entities []Entity) (int, error)
}

// StaticCatalog is an in-memory EntityStore.
type StaticCatalog struct {
	mu       sync.RWMutex
	entities map[string]Entity
}

// NewStaticCatalog seeds a catalog with the given entities.
func NewStaticCatalog(entities ...Entity) *StaticCatalog {
	c := &StaticCatalog{entities: make(map[string]Entity, len(entities))}
	for _, e := range entities {
		c.entities[e.ID] = e
	}
	return c
}

// List implements Catalog.
func (c *StaticCatalog) List(_ context.Context, filter Filter) ([]Entity, error) {
	c.mu.RLock()
	all := make([]Entity, 0, len(c.entities))
	for _, e := range c.entities {
		all = append(all, e)
	}
	c.mu.RUnlock()
	return ApplyFilter(all, filter), nil
}

// UpsertEntities implements EntityStore.
func (c *StaticCatalog) UpsertEntities(_ context.Context, entities []Entity) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return 0, err
		}
		c.entities[e.ID] = e
	}
	return len(entities), nil
}
