package scheduler

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// DagBag provides the latest serialized version of each dag.
type DagBag interface {
	// GetDag returns the newest version of the given dag, or an error wrapping
	// database.ErrDagNotFound if the dag was never serialized.
	GetDag(ctx context.Context, dagID string) (*schedulerobjects.SerializedDag, error)
}

// CachedDagBag caches serialized dags for a short ttl so that one scheduling
// cycle touching many task instances of the same dag does a single fetch.
type CachedDagBag struct {
	dags  database.SerializedDagRepository
	cache *cache.Cache
}

func NewCachedDagBag(dags database.SerializedDagRepository, ttl time.Duration) *CachedDagBag {
	return &CachedDagBag{
		dags:  dags,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (b *CachedDagBag) GetDag(ctx context.Context, dagID string) (*schedulerobjects.SerializedDag, error) {
	if cached, ok := b.cache.Get(dagID); ok {
		return cached.(*schedulerobjects.SerializedDag), nil
	}
	dag, err := b.dags.FetchLatest(ctx, dagID)
	if err != nil {
		// Not-found is not cached: a dag serialized between cycles must be
		// picked up immediately.
		return nil, err
	}
	b.cache.SetDefault(dagID, dag)
	return dag, nil
}
