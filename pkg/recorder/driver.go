package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"
)

const hookTimeout = 30 * time.Second

// Driver orchestrates synchronization runs over a catalog.
type Driver struct {
	catalog    Catalog
	store      Persister
	adapter    FetchAdapter
	normalizer Normalizer
	now        func() time.Time
	pacer      Pacer
	retry      *RetryHandler

	discovery     EntitySource
	discoveryType string
}

// Option customises a Driver.
type Option func(*Driver)

// WithClock overrides the time source used for windows and summaries.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

// WithPacer shares an existing pacer, e.g. across runs hitting the same provider.
func WithPacer(p Pacer) Option {
	return func(d *Driver) {
		if p != nil {
			d.pacer = p
		}
	}
}

// WithRetry overrides the retry policy derived from the run configuration.
func WithRetry(r *RetryHandler) Option {
	return func(d *Driver) {
		if r != nil {
			d.retry = r
		}
	}
}

// WithNormalizer replaces the record normalizer.
func WithNormalizer(n Normalizer) Option {
	return func(d *Driver) {
		d.normalizer = n
	}
}

// WithDiscovery refreshes the catalog from source inside the provider session,
// before entities are listed. The catalog must be an EntityStore. A failed
// discovery is logged and the run continues with the stored catalog.
func WithDiscovery(source EntitySource, entityType string) Option {
	return func(d *Driver) {
		d.discovery = source
		d.discoveryType = entityType
	}
}

// NewDriver wires a driver for one provider adapter.
func NewDriver(catalog Catalog, store Persister, adapter FetchAdapter, opts ...Option) *Driver {
	d := &Driver{
		catalog: catalog,
		store:   store,
		adapter: adapter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run synchronizes every entity selected by the run filter and returns the summary.
// Entity failures are reported in the summary; the returned error is reserved for
// failures that prevent the run itself, such as a session that cannot be opened.
func (d *Driver) Run(ctx context.Context, run RunConfig) (summary *Summary, err error) {
	run = run.withDefaults()
	if err := run.Validate(); err != nil {
		return nil, err
	}
	info := RunInfo{ID: uuid.NewString(), Job: run.Job, Provider: run.Provider}
	ctx = logx.ContextWithFields(ctx, logx.Field("run", info.ID), logx.Field("job", run.Job))
	logger := logx.WithContext(ctx)

	summary = &Summary{
		RunID:     info.ID,
		Job:       run.Job,
		Provider:  run.Provider,
		Schema:    run.Schema.Name,
		Level:     run.Level,
		StartedAt: d.now(),
	}
	defer func() { summary.FinishedAt = d.now() }()

	if hooks, ok := d.adapter.(SessionHooks); ok {
		if err := hooks.OnStart(ctx, info); err != nil {
			logger.Errorf("recorder: session start provider=%s err=%v", run.Provider, err)
			return summary, fmt.Errorf("%w: %s: %w", ErrSessionFatal, run.Provider, err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
			defer cancel()
			if err := hooks.OnFinish(releaseCtx, info); err != nil {
				logger.Errorf("recorder: session finish provider=%s err=%v", run.Provider, err)
			}
		}()
	}

	d.discover(ctx)

	entities, err := d.catalog.List(ctx, run.Filter)
	if err != nil {
		return summary, fmt.Errorf("recorder: list entities: %w", err)
	}
	logger.Infof("recorder: start provider=%s schema=%s level=%s entities=%d parallelism=%d force=%t realtime=%t policy=%s",
		run.Provider, run.Schema.Name, run.Level, len(entities), run.Parallelism, run.ForceUpdate, run.RealTime, run.EffectivePolicy())

	pacer := d.pacer
	if pacer == nil {
		pacer = NewTokenBucket(run.SleepInterval, 1)
	}
	retry := d.retry
	if retry == nil {
		retry = NewRetryHandler(RetryConfig{
			MaxRetries:     run.MaxRetries,
			InitialBackoff: run.InitialBackoff,
			MaxBackoff:     run.MaxBackoff,
		})
	}
	worker := &entityWorker{
		driver:   d,
		run:      run,
		resolver: NewResolver(d.store, d.now),
		pacer:    pacer,
		retry:    retry,
	}

	outcomes := make([]EntityOutcome, len(entities))
	var g errgroup.Group
	g.SetLimit(run.Parallelism)
	for i, e := range entities {
		// sync checks again once a pool slot frees up.
		if ctx.Err() != nil {
			outcomes[i] = EntityOutcome{EntityID: e.ID, State: StateInterrupted, Err: ctx.Err()}
			continue
		}
		i, e := i, e
		g.Go(func() error {
			outcomes[i] = worker.sync(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	summary.Outcomes = outcomes
	for _, o := range outcomes {
		observeOutcome(run.Provider, run.Schema.Name, o)
	}
	summary.FinishedAt = d.now()
	if summary.OK() {
		logger.Infof("recorder: finish %s", summary)
	} else {
		logger.Errorf("recorder: finish with failures %s", summary)
	}
	return summary, nil
}

type entityWorker struct {
	driver   *Driver
	run      RunConfig
	resolver *Resolver
	pacer    Pacer
	retry    *RetryHandler
}

// sync walks one entity through PENDING → FETCHING → NORMALIZING → PERSISTING →
// ADVANCING until its window is exhausted. Iterations never overlap.
func (w *entityWorker) sync(ctx context.Context, e Entity) (out EntityOutcome) {
	out = EntityOutcome{EntityID: e.ID, State: StatePending}
	logger := logx.WithContext(ctx)
	if ctx.Err() != nil {
		return w.interrupted(out, ctx.Err())
	}

	window, err := w.resolver.Resolve(ctx, e, w.run)
	if err != nil {
		return w.failed(ctx, out, err)
	}
	out.WatermarkBefore, out.WatermarkAfter = window.Watermark, window.Watermark
	if window.Empty() {
		out.State = StateSkipped
		return out
	}

	var cursor time.Time
	for {
		if out.Fetches > 0 && ctx.Err() != nil {
			return w.interrupted(out, ctx.Err())
		}
		if err := w.pacer.Wait(ctx); err != nil {
			return w.interrupted(out, err)
		}

		out.State = StateFetching
		req := FetchRequest{Entity: e, Level: w.run.Level, Schema: w.run.Schema, Window: window, Location: w.run.Location}
		result, attempts, err := w.fetch(ctx, req)
		out.Attempts += attempts
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return w.interrupted(out, err)
			}
			return w.failed(ctx, out, fmt.Errorf("recorder: fetch %s %s: %w", e.ID, window, err))
		}
		out.Fetches++
		if result.Empty() {
			out.State = StateDone
			return out
		}

		out.State = StateNormalizing
		batch := w.driver.normalizer.Normalize(w.run.Provider, req, w.run.EffectivePolicy(), result.Observations)
		for _, invalid := range batch.Invalid {
			logger.Error(invalid.Error())
		}
		out.Dropped += len(batch.Invalid)
		if len(batch.Records) == 0 {
			out.State = StateDone
			return out
		}

		out.State = StatePersisting
		res, err := w.persist(ctx, batch.Records)
		if err != nil {
			return w.failed(ctx, out, fmt.Errorf("%w: %s: %w", ErrPersist, e.ID, err))
		}
		out.Written += res.Written
		out.Skipped += res.Skipped
		if res.Skipped > 0 && w.run.EffectivePolicy() == PolicyAdd {
			logger.Infof("recorder: %s kept %d stored records on duplicate keys", e.ID, res.Skipped)
		}

		out.State = StateAdvancing
		batchMax := batch.MaxTimestamp()
		if batchMax.After(out.WatermarkAfter) {
			out.WatermarkAfter = batchMax
		}
		progressed := cursor.IsZero() || batchMax.After(cursor)
		cursor = batchMax
		if !progressed || result.Len() < window.Size || !cursor.Before(window.End) {
			out.State = StateDone
			return out
		}
		window = window.Advance(cursor)
	}
}

// fetch calls the adapter under the retry policy. Each attempt runs on a context
// detached from run cancellation and bounded by the fetch timeout, so in-flight
// calls finish or time out instead of being torn down.
func (w *entityWorker) fetch(ctx context.Context, req FetchRequest) (FetchResult, int, error) {
	var (
		result   FetchResult
		attempts int
	)
	detached := context.WithoutCancel(ctx)
	err := w.retry.Do(ctx, func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(detached, w.run.FetchTimeout)
		defer cancel()

		start := time.Now()
		res, err := w.driver.adapter.Fetch(attemptCtx, req)
		metricFetchDuration.Observe(time.Since(start).Milliseconds(), w.run.Provider)
		if err != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				err = Transient(fmt.Errorf("timeout after %s: %w", w.run.FetchTimeout, err))
			}
			logx.WithContext(ctx).Errorf("recorder: fetch attempt=%d entity=%s err=%v", attempts, req.Entity.ID, err)
			return err
		}
		result = res
		return nil
	})
	return result, attempts, err
}

func (w *entityWorker) persist(ctx context.Context, records []Record) (PersistResult, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.run.PersistTimeout)
	defer cancel()
	return w.driver.store.Upsert(persistCtx, w.run.Schema, records, w.run.EffectivePolicy())
}

func (d *Driver) discover(ctx context.Context) {
	if d.discovery == nil {
		return
	}
	store, ok := d.catalog.(EntityStore)
	if !ok {
		logx.WithContext(ctx).Errorf("recorder: discovery needs a writable catalog, got %T", d.catalog)
		return
	}
	if _, err := Discover(ctx, d.discovery, store, d.discoveryType); err != nil {
		logx.WithContext(ctx).Errorf("recorder: %v, continuing with the stored catalog", err)
	}
}

func (w *entityWorker) failed(ctx context.Context, out EntityOutcome, err error) EntityOutcome {
	out.State = StateFailed
	out.Err = err
	logx.WithContext(ctx).Errorf("recorder: entity %s failed: %v", out.EntityID, err)
	return out
}

func (w *entityWorker) interrupted(out EntityOutcome, err error) EntityOutcome {
	out.State = StateInterrupted
	out.Err = err
	return out
}
