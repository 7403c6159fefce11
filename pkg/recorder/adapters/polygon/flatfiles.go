package polygon

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"quotesync/pkg/recorder"
)

const (
	defaultFlatFilesEndpoint = "files.polygon.io"
	defaultFlatFilesBucket   = "flatfiles"
	defaultFlatFilesPrefix   = "us_stocks_sip/minute_aggs_v1"
)

// ErrFlatFileMissing reports a trading day whose file is not (yet) published.
var ErrFlatFileMissing = errors.New("polygon: flat file missing")

// Flat files are named by New York trading date.
var newYork = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// FlatFiles reads daily gzipped CSV minute aggregates from an S3-compatible bucket.
type FlatFiles struct {
	s3     *minio.Client
	bucket string
	prefix string
}

// NewFlatFiles connects to the flat-file bucket.
func NewFlatFiles(cfg recorder.FlatFilesConfig) (*FlatFiles, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultFlatFilesEndpoint
	}
	s3, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: true,
	})
	if err != nil {
		return nil, fmt.Errorf("polygon: flat files client: %w", err)
	}
	ff := &FlatFiles{s3: s3, bucket: cfg.Bucket, prefix: cfg.Prefix}
	if ff.bucket == "" {
		ff.bucket = defaultFlatFilesBucket
	}
	if ff.prefix == "" {
		ff.prefix = defaultFlatFilesPrefix
	}
	return ff, nil
}

// Name returns the object key for the trading date of t,
// e.g. us_stocks_sip/minute_aggs_v1/2024/03/2024-03-01.csv.gz.
func (f *FlatFiles) Name(t time.Time) string {
	t = t.In(newYork)
	return path.Join(f.prefix, t.Format("2006"), t.Format("01"), t.Format("2006-01-02")+".csv.gz")
}

// MinuteAggs walks the daily files from the window start until it has a full
// batch or passes the window end. Days without a file end the walk.
func (f *FlatFiles) MinuteAggs(ctx context.Context, ticker string, w recorder.FetchWindow) ([]recorder.Observation, error) {
	var out []recorder.Observation
	for day := w.Start.In(newYork); !day.After(w.End) && len(out) < w.Size; day = day.AddDate(0, 0, 1) {
		rows, err := f.readDay(ctx, f.Name(day), ticker, w, w.Size-len(out))
		if errors.Is(err, ErrFlatFileMissing) {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (f *FlatFiles) readDay(ctx context.Context, name, ticker string, w recorder.FetchWindow, limit int) ([]recorder.Observation, error) {
	obj, err := f.s3.GetObject(ctx, f.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3(name, err)
	}
	defer obj.Close()
	// GetObject is lazy; a missing key only surfaces on the first read.
	gz, err := gzip.NewReader(obj)
	if err != nil {
		return nil, classifyS3(name, err)
	}
	defer gz.Close()
	return ReadMinuteAggs(gz, ticker, w, limit)
}

func classifyS3(name string, err error) error {
	switch minio.ToErrorResponse(err).StatusCode {
	case http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrFlatFileMissing, name)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return recorder.Transient(fmt.Errorf("polygon: flat file %s: %w", name, err))
	}
	return recorder.Fatal(fmt.Errorf("polygon: flat file %s: %w", name, err))
}

// ReadMinuteAggs reads one day file (ticker,volume,open,close,high,low,window_start,transactions)
// and returns up to limit rows of ticker inside the window.
func ReadMinuteAggs(r io.Reader, ticker string, w recorder.FetchWindow, limit int) ([]recorder.Observation, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, recorder.Fatal(fmt.Errorf("polygon: flat file header: %w", err))
	}
	var out []recorder.Observation
	for len(out) < limit {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, recorder.Fatal(fmt.Errorf("polygon: flat file row: %w", err))
		}
		if len(row) < 8 || row[0] != ticker {
			continue
		}
		ns, err := strconv.ParseInt(row[6], 10, 64)
		if err != nil {
			continue
		}
		ts := time.Unix(0, ns).UTC()
		if !w.Contains(ts) {
			continue
		}
		out = append(out, recorder.Observation{
			Timestamp: ts,
			Values: map[string]any{
				"volume": row[1],
				"open":   row[2],
				"close":  row[3],
				"high":   row[4],
				"low":    row[5],
			},
		})
	}
	return out, nil
}
