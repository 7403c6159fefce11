package svc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	gocache "github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
	"github.com/zeromicro/go-zero/core/syncx"

	cachekeys "quotesync/internal/cache"
	"quotesync/internal/config"
	"quotesync/internal/persistence"
	"quotesync/internal/persistence/filestore"
	"quotesync/internal/persistence/postgres"
	"quotesync/pkg/journal"
	"quotesync/pkg/recorder"
	_ "quotesync/pkg/recorder/adapters/csvfile"
	_ "quotesync/pkg/recorder/adapters/hyperliquid"
	_ "quotesync/pkg/recorder/adapters/joinquant"
	_ "quotesync/pkg/recorder/adapters/polygon"
)

// ErrJobRunning is returned when another process holds the job lock.
var ErrJobRunning = errors.New("svc: job already running")

var errCacheNotFound = errors.New("cache: not found")

type ServiceContext struct {
	Config     config.Config
	SyncConfig *recorder.Config

	Adapters map[string]recorder.FetchAdapter
	Store    recorder.Persister
	Catalog  recorder.EntityStore

	// Optional infrastructure, nil when not configured.
	DBConn  sqlx.SqlConn
	Redis   *redis.Redis
	Cache   gocache.Cache
	TTL     cachekeys.TTLSet
	Journal *journal.Writer

	now func() time.Time
}

func NewServiceContext(c config.Config) (*ServiceContext, error) {
	if c.Sync.Value == nil {
		return nil, errors.New("svc: sync config not loaded")
	}
	svc := &ServiceContext{
		Config:     c,
		SyncConfig: c.Sync.Value,
		TTL:        cachekeys.NewTTLSet(c.TTL),
		now:        time.Now,
	}

	adapters, err := c.Sync.Value.BuildAdapters()
	if err != nil {
		return nil, fmt.Errorf("svc: build adapters: %w", err)
	}
	svc.Adapters = adapters

	if c.RedisEnabled() {
		rds, err := redis.NewRedis(c.Redis)
		if err != nil {
			return nil, fmt.Errorf("svc: redis: %w", err)
		}
		svc.Redis = rds
		svc.Cache = gocache.NewNode(rds, syncx.NewSingleFlight(), gocache.NewStat("quotesync"), errCacheNotFound)
	}

	var store recorder.Persister
	switch c.Store {
	case config.StorePostgres:
		conn := sqlx.NewSqlConn("pgx", c.Postgres.DSN)
		if raw, err := conn.RawDB(); err == nil {
			raw.SetMaxOpenConns(c.Postgres.MaxOpen)
			raw.SetMaxIdleConns(c.Postgres.MaxIdle)
		}
		pg := postgres.NewStore(conn)
		if c.Postgres.EnsureSchema {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := pg.EnsureSchema(ctx, jobSchemas(svc.SyncConfig)...)
			cancel()
			if err != nil {
				return nil, err
			}
		}
		svc.DBConn = conn
		store, svc.Catalog = pg, pg
	case config.StoreFile:
		fs, err := filestore.New(c.DataDir)
		if err != nil {
			return nil, err
		}
		store, svc.Catalog = fs, fs
	default:
		store, svc.Catalog = recorder.NewMemoryPersister(), recorder.NewStaticCatalog()
	}
	svc.Store = persistence.NewCachedPersister(store, svc.Cache, cachekeys.WatermarkTTL(svc.TTL))

	if c.JournalDir != "" {
		svc.Journal = journal.NewWriter(c.JournalDir)
	}
	return svc, nil
}

// jobSchemas lists the distinct schemas used by configured jobs.
func jobSchemas(cfg *recorder.Config) []recorder.Schema {
	seen := make(map[string]recorder.Schema)
	for _, job := range cfg.Jobs {
		s := job.RunConfig().Schema
		seen[s.Name] = s
	}
	out := make([]recorder.Schema, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Driver builds a driver for a job's adapter over the shared store and catalog.
// Jobs with discovery enabled refresh the catalog inside the provider session.
func (s *ServiceContext) Driver(name string) (*recorder.Driver, recorder.RunConfig, error) {
	job, ok := s.SyncConfig.Jobs[name]
	if !ok {
		return nil, recorder.RunConfig{}, fmt.Errorf("svc: unknown job %q", name)
	}
	adapter, ok := s.Adapters[job.Adapter]
	if !ok {
		return nil, recorder.RunConfig{}, fmt.Errorf("svc: job %s: unknown adapter %q", name, job.Adapter)
	}
	run := job.RunConfig()
	opts := []recorder.Option{recorder.WithClock(s.now)}
	if job.Discover {
		source, ok := adapter.(recorder.EntitySource)
		if !ok {
			return nil, recorder.RunConfig{}, fmt.Errorf("svc: job %s: adapter %s cannot list entities", name, job.Adapter)
		}
		opts = append(opts, recorder.WithDiscovery(source, run.Filter.EntityType))
	}
	return recorder.NewDriver(s.Catalog, s.Store, adapter, opts...), run, nil
}

// seedCatalog stores the job's static entities.
func (s *ServiceContext) seedCatalog(ctx context.Context, name string, job *recorder.JobConfig) error {
	seeds, err := job.StaticEntities()
	if err != nil {
		return fmt.Errorf("svc: job %s: %w", name, err)
	}
	if len(seeds) == 0 {
		return nil
	}
	if _, err := s.Catalog.UpsertEntities(ctx, seeds); err != nil {
		return fmt.Errorf("svc: job %s: seed entities: %w", name, err)
	}
	return nil
}

// PrepareCatalog seeds the job's static entities and, when enabled, discovers
// entities from its adapter within one provider session. Unlike a run, a
// discovery failure is returned.
func (s *ServiceContext) PrepareCatalog(ctx context.Context, name string) error {
	job, ok := s.SyncConfig.Jobs[name]
	if !ok {
		return fmt.Errorf("svc: unknown job %q", name)
	}
	if err := s.seedCatalog(ctx, name, job); err != nil {
		return err
	}
	if !job.Discover {
		return nil
	}
	adapter := s.Adapters[job.Adapter]
	source, ok := adapter.(recorder.EntitySource)
	if !ok {
		return fmt.Errorf("svc: job %s: adapter %s cannot list entities", name, job.Adapter)
	}
	if hooks, ok := adapter.(recorder.SessionHooks); ok {
		info := recorder.RunInfo{Job: name, Provider: job.Adapter}
		if err := hooks.OnStart(ctx, info); err != nil {
			return fmt.Errorf("svc: job %s: %w: %w", name, recorder.ErrSessionFatal, err)
		}
		defer func() {
			if err := hooks.OnFinish(context.WithoutCancel(ctx), info); err != nil {
				logx.WithContext(ctx).Errorf("svc: job %s: session finish: %v", name, err)
			}
		}()
	}
	_, err := recorder.Discover(ctx, source, s.Catalog, job.RunConfig().Filter.EntityType)
	return err
}

// RunJob runs a job once to completion. With Redis configured the run holds a
// lock so overlapping schedules on several hosts do not sync the same series.
func (s *ServiceContext) RunJob(ctx context.Context, name string) (summary *recorder.Summary, err error) {
	driver, run, err := s.Driver(name)
	if err != nil {
		return nil, err
	}
	if s.Redis != nil {
		lock := redis.NewRedisLock(s.Redis, cachekeys.RunLockKey(name))
		lock.SetExpire(int(lockExpiry(run).Seconds()))
		acquired, err := lock.AcquireCtx(ctx)
		if err != nil {
			return nil, fmt.Errorf("svc: lock %s: %w", name, err)
		}
		if !acquired {
			return nil, fmt.Errorf("%w: %s", ErrJobRunning, name)
		}
		defer func() {
			if _, err := lock.ReleaseCtx(context.WithoutCancel(ctx)); err != nil {
				logx.WithContext(ctx).Errorf("svc: release lock %s: %v", name, err)
			}
		}()
	}
	if err := s.seedCatalog(ctx, name, s.SyncConfig.Jobs[name]); err != nil {
		return nil, err
	}

	summary, err = driver.Run(ctx, run)
	s.record(ctx, summary, err)
	return summary, err
}

func lockExpiry(run recorder.RunConfig) time.Duration {
	if run.FetchTimeout > 0 {
		return 20 * run.FetchTimeout
	}
	return time.Hour
}

func (s *ServiceContext) record(ctx context.Context, summary *recorder.Summary, runErr error) {
	if s.Journal != nil {
		if path, err := s.Journal.WriteRun(journal.FromSummary(summary, runErr)); err != nil {
			logx.WithContext(ctx).Errorf("svc: journal: %v", err)
		} else {
			logx.WithContext(ctx).Debugf("svc: journal written to %s", path)
		}
	}
	if s.Cache != nil && summary != nil {
		key := cachekeys.LastSummaryKey(summary.Job)
		if err := s.Cache.SetWithExpireCtx(ctx, key, journal.FromSummary(summary, runErr), cachekeys.LastSummaryTTL()); err != nil {
			logx.WithContext(ctx).Errorf("svc: set cache %s: %v", key, err)
		}
	}
}

// LastRun returns the cached record of a job's latest run.
func (s *ServiceContext) LastRun(ctx context.Context, name string) (*journal.RunRecord, bool) {
	if s.Cache == nil {
		return nil, false
	}
	var rec journal.RunRecord
	if err := s.Cache.GetCtx(ctx, cachekeys.LastSummaryKey(name), &rec); err != nil {
		if !s.Cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("svc: get last run %s: %v", name, err)
		}
		return nil, false
	}
	return &rec, true
}
