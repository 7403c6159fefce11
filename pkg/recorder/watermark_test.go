package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var shanghai = time.FixedZone("CST", 8*3600)

func seed(t *testing.T, store *MemoryPersister, entityID string, ts ...time.Time) {
	t.Helper()
	records := make([]Record, 0, len(ts))
	for _, v := range ts {
		records = append(records, Record{
			ID:        PrimaryKey(entityID, v, Level1Day, shanghai),
			EntityID:  entityID,
			Provider:  "fake",
			Level:     Level1Day,
			Timestamp: v,
			Values:    map[string]any{"open": 1.0, "close": 1.0, "high": 1.0, "low": 1.0},
		})
	}
	_, err := store.Upsert(context.Background(), KdataSchema, records, PolicyOverwrite)
	require.NoError(t, err)
}

func resolveRun() RunConfig {
	return RunConfig{
		Provider:  "fake",
		Schema:    KdataSchema,
		Level:     Level1Day,
		Location:  shanghai,
		CloseHour: 15,
	}
}

func TestResolverWindow(t *testing.T) {
	d := func(y int, m time.Month, day int) time.Time { return time.Date(y, m, day, 0, 0, 0, 0, shanghai) }
	afterClose := time.Date(2020, 1, 7, 16, 0, 0, 0, shanghai)
	beforeClose := time.Date(2020, 1, 7, 10, 0, 0, 0, shanghai)

	listed := NewEntity(EntityStock, "cn", "000338", "")
	listed.ListDate = d(2007, 4, 30)
	unlisted := NewEntity(EntityIndex, "cn", "000300", "")

	cases := []struct {
		name      string
		entity    Entity
		stored    []time.Time
		now       time.Time
		mutate    func(*RunConfig)
		start     time.Time
		inclusive bool
		end       time.Time
	}{
		{
			name: "no data starts at listing date", entity: listed, now: afterClose,
			start: d(2007, 4, 30), inclusive: true, end: afterClose,
		},
		{
			name: "no data and no listing date starts at epoch", entity: unlisted, now: afterClose,
			start: EpochSentinel, inclusive: true, end: afterClose,
		},
		{
			name: "configured start later than listing wins", entity: listed, now: afterClose,
			mutate: func(r *RunConfig) { r.StartTimestamp = d(2019, 1, 1) },
			start:  d(2019, 1, 1), inclusive: true, end: afterClose,
		},
		{
			name: "resume after watermark", entity: listed, now: afterClose,
			stored: []time.Time{d(2020, 1, 2), d(2020, 1, 6)},
			start:  d(2020, 1, 6), inclusive: false, end: afterClose,
		},
		{
			name: "configured start beyond watermark", entity: listed, now: afterClose,
			stored: []time.Time{d(2020, 1, 2)},
			mutate: func(r *RunConfig) { r.StartTimestamp = d(2020, 1, 6) },
			start:  d(2020, 1, 6), inclusive: true, end: afterClose,
		},
		{
			name: "real time refetches the current session", entity: listed, now: beforeClose,
			stored: []time.Time{d(2020, 1, 7)},
			mutate: func(r *RunConfig) { r.RealTime = true },
			start:  d(2020, 1, 7), inclusive: true, end: beforeClose,
		},
		{
			name: "real time leaves older sessions alone", entity: listed, now: beforeClose,
			stored: []time.Time{d(2020, 1, 6)},
			mutate: func(r *RunConfig) { r.RealTime = true },
			start:  d(2020, 1, 6), inclusive: false, end: beforeClose,
		},
		{
			name: "before close excludes today", entity: listed, now: beforeClose,
			stored: []time.Time{d(2020, 1, 6)},
			start:  d(2020, 1, 6), inclusive: false, end: d(2020, 1, 7).Add(-time.Nanosecond),
		},
		{
			name: "force update ignores watermark", entity: listed, now: afterClose,
			stored: []time.Time{d(2020, 1, 6)},
			mutate: func(r *RunConfig) { r.ForceUpdate = true },
			start:  d(2007, 4, 30), inclusive: true, end: afterClose,
		},
		{
			name: "force update honours configured start", entity: listed, now: afterClose,
			stored: []time.Time{d(2020, 1, 6)},
			mutate: func(r *RunConfig) { r.ForceUpdate = true; r.StartTimestamp = d(2020, 1, 1) },
			start:  d(2020, 1, 1), inclusive: true, end: afterClose,
		},
		{
			name: "configured end", entity: listed, now: afterClose,
			mutate: func(r *RunConfig) { r.EndTimestamp = d(2010, 1, 1) },
			start:  d(2007, 4, 30), inclusive: true, end: d(2010, 1, 1),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryPersister()
			seed(t, store, tc.entity.ID, tc.stored...)
			run := resolveRun()
			if tc.mutate != nil {
				tc.mutate(&run)
			}
			now := tc.now
			w, err := NewResolver(store, func() time.Time { return now }).Resolve(context.Background(), tc.entity, run)
			require.NoError(t, err)
			assert.True(t, w.Start.Equal(tc.start), "start %s want %s", w.Start, tc.start)
			assert.Equal(t, tc.inclusive, w.StartInclusive)
			assert.True(t, w.End.Equal(tc.end), "end %s want %s", w.End, tc.end)
			assert.Equal(t, defaultSize, w.Size)
			if len(tc.stored) > 0 {
				assert.True(t, w.Watermark.Equal(tc.stored[len(tc.stored)-1]))
			} else {
				assert.True(t, w.Watermark.IsZero())
			}
		})
	}
}

func TestResolverClampsToDelisting(t *testing.T) {
	e := NewEntity(EntityStock, "cn", "600001", "")
	e.ListDate = time.Date(1998, 1, 1, 0, 0, 0, 0, shanghai)
	e.EndDate = time.Date(2009, 12, 31, 0, 0, 0, 0, shanghai)
	now := time.Date(2020, 1, 7, 16, 0, 0, 0, shanghai)

	store := NewMemoryPersister()
	seed(t, store, e.ID, e.EndDate)
	w, err := NewResolver(store, func() time.Time { return now }).Resolve(context.Background(), e, resolveRun())
	require.NoError(t, err)
	assert.True(t, w.End.Equal(e.EndDate))
	assert.True(t, w.Empty(), "nothing after the last listed session")
}

func TestFetchWindow(t *testing.T) {
	start := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC)
	w := FetchWindow{Start: start, End: end, Size: 10}

	assert.False(t, w.Contains(start))
	assert.True(t, w.Contains(end))
	assert.False(t, w.Contains(end.Add(time.Second)))

	w.StartInclusive = true
	assert.True(t, w.Contains(start))
	assert.Equal(t, "[2020-01-02T00:00:00Z, 2020-01-10T00:00:00Z] size=10", w.String())

	next := w.Advance(end)
	assert.False(t, next.StartInclusive)
	assert.True(t, next.Empty())
	assert.Equal(t, 10, next.Size)

	assert.False(t, FetchWindow{Start: end, End: end, StartInclusive: true}.Empty())
	assert.True(t, FetchWindow{Start: end.Add(time.Hour), End: end, StartInclusive: true}.Empty())
}
