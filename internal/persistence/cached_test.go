package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gocache "github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/redis/redistest"
	"github.com/zeromicro/go-zero/core/syncx"

	"quotesync/pkg/recorder"
)

type countingPersister struct {
	*recorder.MemoryPersister
	lookups int
}

func (c *countingPersister) MaxTimestamp(ctx context.Context, schema recorder.Schema, key recorder.SeriesKey) (time.Time, bool, error) {
	c.lookups++
	return c.MemoryPersister.MaxTimestamp(ctx, schema, key)
}

func newTestCache(t *testing.T) gocache.Cache {
	rds := redistest.CreateRedis(t)
	return gocache.NewNode(rds, syncx.NewSingleFlight(), gocache.NewStat("quotesync-test"), errors.New("not found"))
}

func TestCachedWatermark(t *testing.T) {
	ctx := context.Background()
	inner := &countingPersister{MemoryPersister: recorder.NewMemoryPersister()}
	store := NewCachedPersister(inner, newTestCache(t), time.Minute)
	key := recorder.SeriesKey{EntityID: "coin_hyperliquid_BTC", Level: recorder.Level1Hour, Provider: "hyperliquid"}

	_, found, err := store.MaxTimestamp(ctx, recorder.KdataSchema, key)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.MaxTimestamp(ctx, recorder.KdataSchema, key)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, inner.lookups, "second lookup served from cache")

	ts := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	res, err := store.Upsert(ctx, recorder.KdataSchema, []recorder.Record{{
		ID: "coin_hyperliquid_BTC_2024-03-01T14:00:00Z", EntityID: key.EntityID, Provider: key.Provider, Level: key.Level,
		Timestamp: ts, Values: map[string]any{"open": 1.0, "close": 1.0, "high": 1.0, "low": 1.0},
	}}, recorder.PolicyAdd)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	got, found, err := store.MaxTimestamp(ctx, recorder.KdataSchema, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Equal(ts))
	assert.Equal(t, 2, inner.lookups, "write invalidated the cached watermark")

	got, _, err = store.MaxTimestamp(ctx, recorder.KdataSchema, key)
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))
	assert.Equal(t, 2, inner.lookups)
}

func TestCachedPersisterWithoutCache(t *testing.T) {
	inner := recorder.NewMemoryPersister()
	assert.Same(t, inner, NewCachedPersister(inner, nil, time.Minute))
}
