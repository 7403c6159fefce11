package recorder

import (
	"context"
	"time"
)

// FetchRequest carries everything an adapter needs for one provider call.
type FetchRequest struct {
	Entity Entity
	Level  Level
	Schema Schema
	Window FetchWindow
	// Location is the run's trading calendar timezone.
	Location *time.Location
}

// FetchResult is the outcome of one successful fetch. An empty result means
// nothing new is available and is a normal terminal state.
type FetchResult struct {
	Observations []Observation
}

// NoData is the empty result.
var NoData = FetchResult{}

// Empty reports whether the provider returned nothing.
func (r FetchResult) Empty() bool { return len(r.Observations) == 0 }

// Len is the raw batch size, compared with the size hint to decide whether to loop.
func (r FetchResult) Len() int { return len(r.Observations) }

// FetchAdapter is implemented once per provider.
// Errors should be wrapped with Transient or Fatal; unclassified errors are fatal.
type FetchAdapter interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// RunInfo identifies the run to lifecycle hooks.
type RunInfo struct {
	ID       string
	Job      string
	Provider string
}

// SessionHooks is implemented by adapters holding a provider session. The driver
// calls OnStart once before any entity and OnFinish once after the run, including
// runs that end with failed entities.
type SessionHooks interface {
	OnStart(ctx context.Context, run RunInfo) error
	OnFinish(ctx context.Context, run RunInfo) error
}

// EntitySource lists entities known to a provider, for catalog discovery.
type EntitySource interface {
	ListEntities(ctx context.Context, entityType string) ([]Entity, error)
}

// AdapterFunc adapts a function to FetchAdapter.
type AdapterFunc func(ctx context.Context, req FetchRequest) (FetchResult, error)

// Fetch implements FetchAdapter.
func (f AdapterFunc) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	return f(ctx, req)
}
