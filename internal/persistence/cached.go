// Package persistence holds storage decorators shared by every backend.
package persistence

import (
	"context"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	gocache "github.com/zeromicro/go-zero/core/stores/cache"

	cachekeys "quotesync/internal/cache"
	"quotesync/pkg/recorder"
)

var _ recorder.Persister = (*CachedPersister)(nil)

// CachedPersister serves watermark lookups from Redis and invalidates them
// after every successful write. Cache failures fall back to the inner store.
type CachedPersister struct {
	inner recorder.Persister
	cache gocache.Cache
	ttl   time.Duration
}

type watermarkEntry struct {
	UnixNano int64 `json:"ts"`
	Found    bool  `json:"found"`
}

// NewCachedPersister wraps inner. A nil cache returns inner unchanged.
func NewCachedPersister(inner recorder.Persister, cache gocache.Cache, ttl time.Duration) recorder.Persister {
	if cache == nil || ttl <= 0 {
		return inner
	}
	return &CachedPersister{inner: inner, cache: cache, ttl: ttl}
}

func watermarkKey(schema recorder.Schema, key recorder.SeriesKey) string {
	return cachekeys.WatermarkKey(schema.Name, key.Provider, string(key.Level), key.EntityID)
}

// MaxTimestamp implements recorder.Persister.
func (p *CachedPersister) MaxTimestamp(ctx context.Context, schema recorder.Schema, key recorder.SeriesKey) (time.Time, bool, error) {
	ck := watermarkKey(schema, key)
	var entry watermarkEntry
	err := p.cache.GetCtx(ctx, ck, &entry)
	switch {
	case err == nil:
		if !entry.Found {
			return time.Time{}, false, nil
		}
		return time.Unix(0, entry.UnixNano).UTC(), true, nil
	case !p.cache.IsNotFound(err):
		logx.WithContext(ctx).Errorf("persistence: get cache %s: %v", ck, err)
	}

	ts, found, err := p.inner.MaxTimestamp(ctx, schema, key)
	if err != nil {
		return ts, found, err
	}
	entry = watermarkEntry{Found: found}
	if found {
		entry.UnixNano = ts.UnixNano()
	}
	if err := p.cache.SetWithExpireCtx(ctx, ck, entry, p.ttl); err != nil {
		logx.WithContext(ctx).Errorf("persistence: set cache %s: %v", ck, err)
	}
	return ts, found, nil
}

// Upsert implements recorder.Persister.
func (p *CachedPersister) Upsert(ctx context.Context, schema recorder.Schema, records []recorder.Record, policy recorder.DuplicatePolicy) (recorder.PersistResult, error) {
	res, err := p.inner.Upsert(ctx, schema, records, policy)
	if err != nil || res.Written == 0 {
		return res, err
	}
	seen := make(map[string]struct{})
	keys := make([]string, 0, 1)
	for _, r := range records {
		ck := watermarkKey(schema, recorder.SeriesKey{EntityID: r.EntityID, Level: r.Level, Provider: r.Provider})
		if _, ok := seen[ck]; ok {
			continue
		}
		seen[ck] = struct{}{}
		keys = append(keys, ck)
	}
	if err := p.cache.DelCtx(ctx, keys...); err != nil {
		logx.WithContext(ctx).Errorf("persistence: invalidate %v: %v", keys, err)
	}
	return res, nil
}
