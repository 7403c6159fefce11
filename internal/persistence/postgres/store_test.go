package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"quotesync/pkg/recorder"
)

var cst = time.FixedZone("CST", 8*3600)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewStore(sqlx.NewSqlConnFromDB(db)), mock
}

func kdataRecords() []recorder.Record {
	mk := func(day int, close float64) recorder.Record {
		ts := time.Date(2020, 1, day, 0, 0, 0, 0, cst)
		return recorder.Record{
			ID:        recorder.PrimaryKey("stock_cn_000338", ts, recorder.Level1Day, cst),
			EntityID:  "stock_cn_000338",
			Provider:  "joinquant",
			Level:     recorder.Level1Day,
			Timestamp: ts,
			Code:      "000338",
			Values:    map[string]any{"open": 10.0, "close": close, "high": 11.0, "low": 9.0},
		}
	}
	return []recorder.Record{mk(2, 10), mk(3, 10.5)}
}

func TestUpsertOverwrite(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	for _, id := range []string{"stock_cn_000338_20200102", "stock_cn_000338_20200103"} {
		mock.ExpectExec(`INSERT INTO "kdata" .* ON CONFLICT \(id\) DO UPDATE SET`).
			WithArgs(id, "stock_cn_000338", "joinquant", "1d", sqlmock.AnyArg(), "000338", nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), recorder.KdataSchema, kdataRecords(), recorder.PolicyOverwrite)
	require.NoError(t, err)
	assert.Equal(t, recorder.PersistResult{Written: 2}, res)
}

func TestUpsertOverwriteUnchangedRowIsSkipped(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DO UPDATE SET .* WHERE "kdata"\.payload IS DISTINCT FROM EXCLUDED\.payload`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DO UPDATE SET .* WHERE "kdata"\.payload IS DISTINCT FROM EXCLUDED\.payload`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), recorder.KdataSchema, kdataRecords(), recorder.PolicyOverwrite)
	require.NoError(t, err)
	assert.Equal(t, recorder.PersistResult{Written: 1, Skipped: 1}, res)
}

func TestUpsertKeepsStoredRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`ON CONFLICT \(id\) DO NOTHING`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`ON CONFLICT \(id\) DO NOTHING`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), recorder.KdataSchema, kdataRecords(), recorder.PolicyAdd)
	require.NoError(t, err)
	assert.Equal(t, recorder.PersistResult{Written: 1, Skipped: 1}, res)
}

func TestUpsertRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "kdata"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "kdata"`).WillReturnError(&pgconn.PgError{Code: codeUndefinedTable, Message: `relation "kdata" does not exist`})
	mock.ExpectRollback()

	res, err := store.Upsert(context.Background(), recorder.KdataSchema, kdataRecords(), recorder.PolicyIgnore)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table missing")
	assert.Equal(t, recorder.PersistResult{}, res)
}

func TestUpsertEmptyBatch(t *testing.T) {
	store, _ := newMockStore(t)
	res, err := store.Upsert(context.Background(), recorder.KdataSchema, nil, recorder.PolicyAdd)
	require.NoError(t, err)
	assert.Equal(t, recorder.PersistResult{}, res)
}

func TestMaxTimestamp(t *testing.T) {
	store, mock := newMockStore(t)
	key := recorder.SeriesKey{EntityID: "stock_cn_000338", Level: recorder.Level1Day, Provider: "joinquant"}
	want := time.Date(2020, 1, 6, 0, 0, 0, 0, cst)

	mock.ExpectQuery(`SELECT MAX\(ts\) AS max_ts FROM "kdata"`).
		WithArgs("stock_cn_000338", "1d", "joinquant").
		WillReturnRows(sqlmock.NewRows([]string{"max_ts"}).AddRow(want))
	mock.ExpectQuery(`SELECT MAX\(ts\) AS max_ts FROM "kdata"`).
		WillReturnRows(sqlmock.NewRows([]string{"max_ts"}).AddRow(nil))

	got, found, err := store.MaxTimestamp(context.Background(), recorder.KdataSchema, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, got.Equal(want))

	_, found, err = store.MaxTimestamp(context.Background(), recorder.KdataSchema, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListEntities(t *testing.T) {
	store, mock := newMockStore(t)
	listed := time.Date(2005, 4, 8, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "entity_type", "exchange", "code", "name", "list_date", "end_date", "category"}).
		AddRow("index_sh_000300", "index", "sh", "000300", "CSI 300", listed, nil, nil).
		AddRow("index_sh_000905", "index", "sh", "000905", "CSI 500", nil, nil, nil).
		AddRow("index_sz_399001", "index", "sz", "399001", nil, nil, nil, nil)
	mock.ExpectQuery(`FROM entities`).WithArgs("index").WillReturnRows(rows)

	entities, err := store.List(context.Background(), recorder.Filter{EntityType: "Index", Codes: []string{"000300", "399001"}})
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "index_sh_000300", entities[0].ID)
	assert.Equal(t, "CSI 300", entities[0].Name)
	assert.True(t, entities[0].ListDate.Equal(listed))
	assert.True(t, entities[0].EndDate.IsZero())
	assert.Equal(t, "index_sz_399001", entities[1].ID)
}

func TestUpsertEntities(t *testing.T) {
	store, mock := newMockStore(t)
	block := recorder.NewEntity(recorder.EntityBlock, "cn", "GN001", "5G")
	block.Category = "concept"

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entities`).
		WithArgs("block_cn_GN001", "block", "cn", "GN001", "5G", nil, nil, "concept").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := store.UpsertEntities(context.Background(), []recorder.Entity{block})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.UpsertEntities(context.Background(), []recorder.Entity{{ID: "broken"}})
	assert.ErrorIs(t, err, recorder.ErrInvalidEntityID)
}

func TestEnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS entities`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "kdata"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "kdata_series_idx"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "block_stock"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "block_stock_series_idx"`).
		WillReturnError(&pgconn.PgError{Code: "42501", Message: "permission denied"})

	err := store.EnsureSchema(context.Background(), recorder.KdataSchema, recorder.BlockStockSchema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlstate 42501")
}
