package csvfile

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

var cst = time.FixedZone("CST", 8*3600)

const series = `date,open,close,high,low,volume,money
2020-01-02,10,10.5,11,9.5,100,1000
2020-01-03,10.5,11,11.5,10,120,1300
bad-date,1,1,1,1,1,1
2020-01-06,11,10,11,9.8,90,950
`

func writeSeries(t *testing.T, dir, level, id, body string) {
	t.Helper()
	p := filepath.Join(dir, level, id+".csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
}

func TestReplayThroughDriver(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "1d", "stock_cn_000338", series)
	adapter := NewAdapter(dir)

	e := recorder.NewEntity(recorder.EntityStock, "cn", "000338", "")
	e.ListDate = time.Date(2020, 1, 1, 0, 0, 0, 0, cst)
	store := recorder.NewMemoryPersister()
	now := time.Date(2020, 1, 7, 16, 0, 0, 0, cst)
	driver := recorder.NewDriver(recorder.NewStaticCatalog(e), store, adapter, recorder.WithClock(func() time.Time { return now }))

	summary, err := driver.Run(context.Background(), recorder.RunConfig{
		Provider: "csv", Schema: recorder.KdataSchema, Level: recorder.Level1Day, Location: cst,
	})
	require.NoError(t, err)
	out, _ := summary.Outcome(e.ID)
	assert.Equal(t, recorder.StateDone, out.State)
	assert.Equal(t, 3, out.Written)
	assert.Equal(t, 1, out.Dropped)

	rec, ok := store.Get(recorder.KdataSchema, "stock_cn_000338_20200103")
	require.True(t, ok)
	turnover, _ := rec.Float("turnover")
	assert.Equal(t, 1300.0, turnover)
}

func TestReadWindowAndSize(t *testing.T) {
	req := recorder.FetchRequest{
		Level:    recorder.Level1Day,
		Location: cst,
		Window: recorder.FetchWindow{
			Start: time.Date(2020, 1, 2, 0, 0, 0, 0, cst),
			End:   time.Date(2020, 1, 10, 0, 0, 0, 0, cst),
			Size:  1,
		},
	}
	rows, err := Read(strings.NewReader(series), req)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2020-01-03", rows[0].TimeText)

	_, err = Read(strings.NewReader("open,close\n1,2\n"), req)
	assert.Error(t, err)
}

func TestMissingFileIsNoData(t *testing.T) {
	adapter := NewAdapter(t.TempDir())
	res, err := adapter.Fetch(context.Background(), recorder.FetchRequest{
		Entity: recorder.NewEntity(recorder.EntityIndex, "sh", "000300", ""),
		Level:  recorder.Level1Day,
		Window: recorder.FetchWindow{Size: 10},
	})
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestListEntities(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "1d", "stock_cn_000338", series)
	writeSeries(t, dir, "1h", "stock_cn_000338", series)
	writeSeries(t, dir, "1d", "index_sh_000300", series)
	writeSeries(t, dir, "1d", "README", "x")

	adapter := NewAdapter(dir)
	all, err := adapter.ListEntities(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "index_sh_000300", all[0].ID)

	stocks, err := adapter.ListEntities(context.Background(), recorder.EntityStock)
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	assert.Equal(t, "stock_cn_000338", stocks[0].ID)
}
