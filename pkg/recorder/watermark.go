package recorder

import (
	"context"
	"fmt"
	"time"
)

// EpochSentinel is the start used for entities without a known listing date.
var EpochSentinel = time.Unix(0, 0).UTC()

// FetchWindow is the time range requested for one fetch call.
type FetchWindow struct {
	Start          time.Time
	StartInclusive bool
	End            time.Time
	// Size bounds the number of records requested per call.
	Size int
	// Watermark is the stored maximum timestamp when the window was resolved, zero when none.
	Watermark time.Time
}

// Empty reports whether there is nothing to request.
func (w FetchWindow) Empty() bool {
	if w.Start.After(w.End) {
		return true
	}
	return w.Start.Equal(w.End) && !w.StartInclusive
}

// Contains reports whether t lies inside the window.
func (w FetchWindow) Contains(t time.Time) bool {
	if t.After(w.End) {
		return false
	}
	if w.StartInclusive {
		return !t.Before(w.Start)
	}
	return t.After(w.Start)
}

// Advance moves the start past the given timestamp, keeping end and size.
func (w FetchWindow) Advance(to time.Time) FetchWindow {
	w.Start = to
	w.StartInclusive = false
	return w
}

func (w FetchWindow) String() string {
	open := "("
	if w.StartInclusive {
		open = "["
	}
	return fmt.Sprintf("%s%s, %s] size=%d", open, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), w.Size)
}

// Resolver derives fetch windows from the persister's stored state.
type Resolver struct {
	store Persister
	now   func() time.Time
}

// NewResolver builds a resolver; now defaults to time.Now.
func NewResolver(store Persister, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, now: now}
}

// Resolve computes the window for entity e under run.
func (r *Resolver) Resolve(ctx context.Context, e Entity, run RunConfig) (FetchWindow, error) {
	run = run.withDefaults()
	now := r.now()
	key := SeriesKey{EntityID: e.ID, Level: run.Level, Provider: run.Provider}
	latest, ok, err := r.store.MaxTimestamp(ctx, run.Schema, key)
	if err != nil {
		return FetchWindow{}, fmt.Errorf("recorder: resolve watermark %s: %w", key, err)
	}

	w := FetchWindow{Size: run.DefaultSize, End: r.end(run, now)}
	if ok {
		w.Watermark = latest
	}
	switch {
	case run.ForceUpdate:
		w.Start = firstNonZero(run.StartTimestamp, e.ListDate, EpochSentinel)
		w.StartInclusive = true
	case ok:
		w.Start = latest
		w.StartInclusive = run.RealTime && run.sameSession(latest, now)
		if run.StartTimestamp.After(latest) {
			w.Start = run.StartTimestamp
			w.StartInclusive = true
		}
	default:
		w.Start = firstNonZero(e.ListDate, EpochSentinel)
		if run.StartTimestamp.After(w.Start) {
			w.Start = run.StartTimestamp
		}
		w.StartInclusive = true
	}
	if !e.EndDate.IsZero() && e.EndDate.Before(w.End) {
		w.End = e.EndDate
	}
	return w, nil
}

// end is the configured end or now. Without a configured end, daily and coarser
// bars dated today are excluded until the session close unless the run is real-time.
func (r *Resolver) end(run RunConfig, now time.Time) time.Time {
	if !run.EndTimestamp.IsZero() {
		return run.EndTimestamp
	}
	if !run.RealTime && !run.Level.Intraday() && !run.sessionClosed(now) {
		today := Level1Day.Floor(now, run.Location)
		return today.Add(-time.Nanosecond)
	}
	return now
}

func firstNonZero(values ...time.Time) time.Time {
	for _, v := range values {
		if !v.IsZero() {
			return v
		}
	}
	return time.Time{}
}
