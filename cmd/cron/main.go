package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeromicro/go-zero/core/logx"

	"quotesync/internal/cli"
	"quotesync/internal/config"
	"quotesync/internal/svc"
)

const shutdownTimeout = 2 * time.Minute // grace period for running jobs

var configFile = flag.String("f", "etc/quotesync.yaml", "the config file")

func main() {
	flag.Parse()

	cfg := config.MustLoad(*configFile)
	cfg.MustSetUp()
	defer logx.Close()
	cli.LogConfigSummary(cfg)

	svcCtx, err := svc.NewServiceContext(*cfg)
	if err != nil {
		logx.Must(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cronLogger{}
	scheduler := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.Local),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	scheduled := 0
	for _, name := range cfg.Sync.Value.JobNames() {
		job := cfg.Sync.Value.Jobs[name]
		if job.Schedule == "" {
			continue
		}
		name := name
		spec := scheduleSpec(job.Schedule, job.RunConfig().Location)
		if _, err := scheduler.AddFunc(spec, func() { runJob(ctx, svcCtx, name) }); err != nil {
			logx.Errorf("cron: job %s: invalid schedule %q: %v", name, job.Schedule, err)
			os.Exit(1)
		}
		logx.Infof("cron: scheduled %s at %q", name, spec)
		scheduled++
	}
	if scheduled == 0 {
		logx.Error("cron: no job has a schedule, nothing to do")
		return
	}

	scheduler.Start()
	logx.Infof("cron: started with %d jobs", scheduled)

	<-ctx.Done()
	logx.Info("cron: shutdown signal received, waiting for running jobs")

	// Stop prevents new runs; ctx is already cancelled so running drivers
	// finish their in-flight batch and return.
	done := scheduler.Stop()
	select {
	case <-done.Done():
		logx.Info("cron: all jobs stopped cleanly")
	case <-time.After(shutdownTimeout):
		logx.Error("cron: shutdown timeout exceeded, forcing exit")
	}
}

// scheduleSpec pins a schedule to the job's timezone unless it names one.
func scheduleSpec(schedule string, loc *time.Location) string {
	schedule = strings.TrimSpace(schedule)
	if loc == nil || strings.HasPrefix(schedule, "CRON_TZ=") || strings.HasPrefix(schedule, "TZ=") {
		return schedule
	}
	return "CRON_TZ=" + loc.String() + " " + schedule
}

func runJob(ctx context.Context, svcCtx *svc.ServiceContext, name string) {
	if ctx.Err() != nil {
		return
	}
	ctx = logx.ContextWithFields(ctx, logx.Field("cron_job", name))
	summary, err := svcCtx.RunJob(ctx, name)
	if err != nil {
		logx.WithContext(ctx).Errorf("cron: job %s: %v", name, err)
	}
	if summary != nil {
		cli.LogRunSummary(summary)
	}
}

// cronLogger routes robfig/cron logs through logx.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logx.Debugw("cron: "+msg, fields(keysAndValues)...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logx.Errorw("cron: "+msg, append(fields(keysAndValues), logx.Field("err", err))...)
}

func fields(kv []any) []logx.LogField {
	out := make([]logx.LogField, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Field(key, kv[i+1]))
	}
	return out
}
