package recorder_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotesync/pkg/recorder"
)

func init() {
	recorder.RegisterAdapter("stub", func(name string, cfg *recorder.AdapterConfig) (recorder.FetchAdapter, error) {
		return recorder.AdapterFunc(func(context.Context, recorder.FetchRequest) (recorder.FetchResult, error) {
			return recorder.NoData, nil
		}), nil
	})
}

const syncYAML = `
timezone: Asia/Shanghai
adapters:
  jq:
    type: stub
    username: ${QS_TEST_JQ_USER}
    password: ${QS_TEST_JQ_PASS}
    timeout: 6s
    http_timeout: 12s
    max_retries: 4
jobs:
  index_day:
    adapter: jq
    schema: kdata
    level: day
    entity_type: index
    codes: ["000300", "000905"]
    duplicate_policy: add
    sleep_interval: 500ms
    default_size: 500
    close_hour: 15
    start_timestamp: "2005-01-01"
    fetch_timeout: 45s
    parallelism: 2
    max_retries: 1
    schedule: "0 30 15 * * 1-5"
    entities:
      - id: index_sh_000300
        name: CSI 300
        list_date: "2005-04-08"
  block_members:
    adapter: jq
    schema: block_stock
    entity_type: block
    duplicate_policy: overwrite
    force_update: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("QS_TEST_JQ_USER", "13800000000")
	t.Setenv("QS_TEST_JQ_PASS", "secret")

	cfg, err := recorder.LoadConfig(writeConfig(t, syncYAML))
	require.NoError(t, err)

	jq := cfg.Adapters["jq"]
	require.NotNil(t, jq)
	assert.Equal(t, "13800000000", jq.Username)
	assert.Equal(t, "secret", jq.Password)
	assert.Equal(t, 6*time.Second, jq.Timeout)
	assert.Equal(t, 12*time.Second, jq.HTTPTimeout)
	assert.Equal(t, 4, jq.MaxRetries)

	assert.Equal(t, []string{"block_members", "index_day"}, cfg.JobNames())

	job := cfg.Jobs["index_day"]
	run := job.RunConfig()
	assert.Equal(t, "index_day", run.Job)
	assert.Equal(t, "jq", run.Provider)
	assert.Equal(t, recorder.KdataSchema.Name, run.Schema.Name)
	assert.Equal(t, recorder.Level1Day, run.Level)
	assert.Equal(t, recorder.PolicyAdd, run.DuplicatePolicy)
	assert.Equal(t, 500*time.Millisecond, run.SleepInterval)
	assert.Equal(t, 500, run.DefaultSize)
	assert.Equal(t, 15, run.CloseHour)
	assert.Equal(t, 45*time.Second, run.FetchTimeout)
	assert.Equal(t, 2, run.Parallelism)
	assert.Equal(t, 1, run.MaxRetries)
	assert.Equal(t, "Asia/Shanghai", run.Location.String())
	assert.Equal(t, recorder.Filter{EntityType: "index", Codes: []string{"000300", "000905"}}, run.Filter)
	assert.Equal(t, "2005-01-01", run.StartTimestamp.In(run.Location).Format("2006-01-02"))
	assert.Equal(t, "0 30 15 * * 1-5", job.Schedule)

	seeds, err := job.StaticEntities()
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, "index_sh_000300", seeds[0].ID)
	assert.Equal(t, "CSI 300", seeds[0].Name)
	assert.Equal(t, "2005-04-08", seeds[0].ListDate.In(run.Location).Format("2006-01-02"))

	block := cfg.Jobs["block_members"].RunConfig()
	assert.Equal(t, recorder.BlockStockSchema.Name, block.Schema.Name)
	assert.Equal(t, recorder.Level1Day, block.Level)
	assert.True(t, block.ForceUpdate)
	assert.Equal(t, 3, block.MaxRetries, "unset max_retries falls back to the default")

	adapters, err := cfg.BuildAdapters()
	require.NoError(t, err)
	assert.Contains(t, adapters, "jq")
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"unsupported adapter type": {
			body: "adapters:\n  x:\n    type: foobar\n",
			want: "unsupported",
		},
		"no adapters": {
			body: "jobs: {}\n",
			want: "adapters cannot be empty",
		},
		"unknown adapter in job": {
			body: "adapters:\n  x:\n    type: stub\njobs:\n  j:\n    adapter: y\n",
			want: "unknown adapter",
		},
		"unknown schema": {
			body: "adapters:\n  x:\n    type: stub\njobs:\n  j:\n    adapter: x\n    schema: ticks\n",
			want: "unknown schema",
		},
		"bad policy": {
			body: "adapters:\n  x:\n    type: stub\njobs:\n  j:\n    adapter: x\n    duplicate_policy: merge\n",
			want: "duplicate policy",
		},
		"bad duration": {
			body: "adapters:\n  x:\n    type: stub\n    timeout: soon\n",
			want: "invalid timeout",
		},
		"bad close": {
			body: "adapters:\n  x:\n    type: stub\njobs:\n  j:\n    adapter: x\n    close_hour: 25\n",
			want: "session close",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := recorder.LoadConfigFromReader(strings.NewReader(tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
