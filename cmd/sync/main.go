package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeromicro/go-zero/core/logx"

	"quotesync/internal/cli"
	"quotesync/internal/config"
	"quotesync/internal/svc"
)

var (
	configFile = flag.String("f", "etc/quotesync.yaml", "the config file")
	jobName    = flag.String("job", "", "job to run once")
	listJobs   = flag.Bool("list", false, "list configured jobs and exit")
	discover   = flag.Bool("discover", false, "only refresh the catalog for the job")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg := config.MustLoad(*configFile)
	cfg.MustSetUp()
	defer logx.Close()
	cli.LogConfigSummary(cfg)

	if *listJobs {
		for _, name := range cfg.Sync.Value.JobNames() {
			job := cfg.Sync.Value.Jobs[name]
			fmt.Printf("%s\tadapter=%s schema=%s level=%s schedule=%q\n", name, job.Adapter, job.RunConfig().Schema.Name, job.RunConfig().Level, job.Schedule)
		}
		return 0
	}
	if *jobName == "" {
		fmt.Fprintln(os.Stderr, "sync: -job is required")
		flag.Usage()
		return 2
	}

	svcCtx, err := svc.NewServiceContext(*cfg)
	if err != nil {
		logx.Errorf("sync: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *discover {
		if err := svcCtx.PrepareCatalog(ctx, *jobName); err != nil {
			logx.Errorf("sync: discover %s: %v", *jobName, err)
			return 1
		}
		return 0
	}

	summary, err := svcCtx.RunJob(ctx, *jobName)
	cli.LogRunSummary(summary)
	for _, line := range cli.RunSummaryLines(summary) {
		fmt.Println(line)
	}
	if err != nil {
		logx.Errorf("sync: job %s: %v", *jobName, err)
		return 1
	}
	if !summary.OK() {
		return 1
	}
	return 0
}
