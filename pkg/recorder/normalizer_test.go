package recorder

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kdataRequest(window FetchWindow) FetchRequest {
	e := NewEntity(EntityStock, "cn", "000338", "Weichai Power")
	return FetchRequest{Entity: e, Level: Level1Day, Schema: KdataSchema, Window: window, Location: shanghai}
}

func openWindow() FetchWindow {
	return FetchWindow{
		Start:          EpochSentinel,
		StartInclusive: true,
		End:            time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		Size:           100,
	}
}

func ohlc(ts string, close any) Observation {
	return Observation{TimeText: ts, Values: map[string]any{"open": "10", "close": close, "high": 11.0, "low": 9, "money": 5.0}}
}

func TestNormalizeKeysAndOrdering(t *testing.T) {
	batch := Normalizer{}.Normalize("joinquant", kdataRequest(openWindow()), PolicyAdd, []Observation{
		ohlc("2020-01-06", 10.0),
		ohlc("2020-01-02", "10.25"),
		ohlc("2020-01-03 15:00:00", json.Number("10.5")),
	})
	require.Empty(t, batch.Invalid)
	require.Len(t, batch.Records, 3)

	ids := []string{batch.Records[0].ID, batch.Records[1].ID, batch.Records[2].ID}
	assert.Equal(t, []string{"stock_cn_000338_20200102", "stock_cn_000338_20200103", "stock_cn_000338_20200106"}, ids)

	first := batch.Records[0]
	assert.Equal(t, "joinquant", first.Provider)
	assert.Equal(t, "000338", first.Code)
	assert.Equal(t, "Weichai Power", first.Name)
	assert.True(t, first.Timestamp.Equal(time.Date(2020, 1, 2, 0, 0, 0, 0, shanghai)))
	c, ok := first.Float("close")
	require.True(t, ok)
	assert.Equal(t, 10.25, c)
	_, hasMoney := first.Values["money"]
	assert.False(t, hasMoney, "undeclared fields are dropped")

	// Intraday timestamps on a daily level floor to the session date.
	assert.True(t, batch.Records[1].Timestamp.Equal(time.Date(2020, 1, 3, 0, 0, 0, 0, shanghai)))
	assert.True(t, batch.MaxTimestamp().Equal(time.Date(2020, 1, 6, 0, 0, 0, 0, shanghai)))
}

func TestNormalizeDuplicatesWithinBatch(t *testing.T) {
	obs := []Observation{ohlc("2020-01-02", 10.0), ohlc("2020-01-02", 12.0)}

	kept := Normalizer{}.Normalize("p", kdataRequest(openWindow()), PolicyAdd, obs)
	require.Len(t, kept.Records, 1)
	c, _ := kept.Records[0].Float("close")
	assert.Equal(t, 10.0, c)

	replaced := Normalizer{}.Normalize("p", kdataRequest(openWindow()), PolicyOverwrite, obs)
	require.Len(t, replaced.Records, 1)
	c, _ = replaced.Records[0].Float("close")
	assert.Equal(t, 12.0, c)
}

func TestNormalizeDropsInvalidObservations(t *testing.T) {
	batch := Normalizer{}.Normalize("p", kdataRequest(openWindow()), PolicyAdd, []Observation{
		ohlc("2020-01-02", 10.0),
		ohlc("not a date", 10.0),
		ohlc("2020-01-03", "n/a"),
		{Values: map[string]any{"open": 1.0, "close": 1.0, "high": 1.0, "low": 1.0}},
		{TimeText: "2020-01-06", Values: map[string]any{"open": 1.0, "close": 1.0, "high": 1.0}},
	})
	assert.Len(t, batch.Records, 1)
	require.Len(t, batch.Invalid, 4)

	var verr *ValidationError
	require.True(t, errors.As(batch.Invalid[0], &verr))
	assert.Equal(t, 1, verr.Index)
	assert.Equal(t, "stock_cn_000338", verr.EntityID)
	assert.Contains(t, batch.Invalid[3].Error(), "missing required field low")
}

func TestNormalizeFiltersOutsideWindow(t *testing.T) {
	window := FetchWindow{
		Start: time.Date(2020, 1, 2, 0, 0, 0, 0, shanghai),
		End:   time.Date(2020, 1, 6, 0, 0, 0, 0, shanghai),
		Size:  100,
	}
	batch := Normalizer{}.Normalize("p", kdataRequest(window), PolicyAdd, []Observation{
		ohlc("2020-01-02", 1.0), // at the exclusive start
		ohlc("2020-01-03", 1.0),
		ohlc("2020-01-06", 1.0),
		ohlc("2020-01-07", 1.0),
	})
	assert.Len(t, batch.Records, 2)
	assert.Equal(t, 2, batch.OutOfWindow)
}

func TestNormalizeKeyField(t *testing.T) {
	block := NewEntity(EntityBlock, "cn", "GN001", "5G")
	req := FetchRequest{Entity: block, Level: Level1Day, Schema: BlockStockSchema, Window: openWindow(), Location: shanghai}
	batch := Normalizer{}.Normalize("joinquant", req, PolicyOverwrite, []Observation{
		{TimeText: "2020-01-02", Values: map[string]any{"stock_id": "stock_sz_000063", "stock_code": "000063"}},
		{TimeText: "2020-01-02", Values: map[string]any{"stock_id": "stock_sh_600498", "stock_code": "600498"}},
	})
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "block_cn_GN001_stock_sh_600498", batch.Records[0].ID)
	assert.Equal(t, "block_cn_GN001_stock_sz_000063", batch.Records[1].ID)
	assert.Equal(t, "000063", batch.Records[1].Text("stock_code"))
}

func TestNormalizeIntradayKeysInUTC(t *testing.T) {
	req := kdataRequest(openWindow())
	req.Level = Level5Min
	batch := Normalizer{}.Normalize("p", req, PolicyAdd, []Observation{
		{Timestamp: time.Date(2020, 1, 2, 9, 33, 12, 0, shanghai), Values: map[string]any{"open": 1, "close": 1, "high": 1, "low": 1}},
	})
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "stock_cn_000338_2020-01-02T01:30:00Z", batch.Records[0].ID)
}

func TestToFloat(t *testing.T) {
	cases := []struct {
		in        any
		precision int32
		want      float64
		wantErr   bool
	}{
		{in: 10.123456, precision: 4, want: 10.1235},
		{in: "3.14159", precision: 2, want: 3.14},
		{in: 7, precision: 4, want: 7},
		{in: int64(1_000_000), precision: 0, want: 1_000_000},
		{in: json.Number("0.00005"), precision: 4, want: 0.0001},
		{in: decimal.RequireFromString("1.005"), precision: 2, want: 1.01},
		{in: 1.23456789, precision: 0, want: 1.23456789},
		{in: "abc", wantErr: true},
		{in: true, wantErr: true},
	}
	for _, tc := range cases {
		got, err := toFloat(tc.in, tc.precision)
		if tc.wantErr {
			assert.Error(t, err, "%v", tc.in)
			continue
		}
		require.NoError(t, err, "%v", tc.in)
		assert.InDelta(t, tc.want, got, 1e-9, "%v", tc.in)
	}
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("20200102", shanghai)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2020, 1, 2, 0, 0, 0, 0, shanghai)))

	got, err = parseTime("1577923200000", shanghai)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)))

	_, err = parseTime("yesterday", shanghai)
	assert.Error(t, err)
}
