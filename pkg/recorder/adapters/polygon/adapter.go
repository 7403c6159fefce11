// Package polygon syncs US equity aggregates from the Polygon REST API, with
// an optional backfill path over the minute-aggregate flat files.
package polygon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"github.com/zeromicro/go-zero/core/logx"

	"quotesync/pkg/recorder"
)

type span struct {
	multiplier int
	timespan   models.Timespan
}

var spans = map[recorder.Level]span{
	recorder.Level1Min:   {1, models.Minute},
	recorder.Level5Min:   {5, models.Minute},
	recorder.Level15Min:  {15, models.Minute},
	recorder.Level30Min:  {30, models.Minute},
	recorder.Level1Hour:  {1, models.Hour},
	recorder.Level4Hour:  {4, models.Hour},
	recorder.Level1Day:   {1, models.Day},
	recorder.Level1Week:  {1, models.Week},
	recorder.Level1Month: {1, models.Month},
}

func init() {
	recorder.RegisterAdapter("polygon", func(name string, cfg *recorder.AdapterConfig) (recorder.FetchAdapter, error) {
		if cfg.APIKey == "" {
			return nil, errors.New("polygon: api_key is required")
		}
		hc := &http.Client{Timeout: cfg.HTTPTimeout}
		opts := []AdapterOption{}
		if cfg.FlatFiles.Enabled {
			ff, err := NewFlatFiles(cfg.FlatFiles)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithFlatFiles(ff))
		}
		return NewAdapter(polygon.NewWithClient(cfg.APIKey, hc), opts...), nil
	})
}

// Adapter implements recorder.FetchAdapter.
type Adapter struct {
	client    *polygon.Client
	flatFiles *FlatFiles
}

// AdapterOption customises the adapter.
type AdapterOption func(*Adapter)

// WithFlatFiles enables flat-file reads for minute bars.
func WithFlatFiles(ff *FlatFiles) AdapterOption {
	return func(a *Adapter) { a.flatFiles = ff }
}

// NewAdapter wraps a REST client.
func NewAdapter(client *polygon.Client, opts ...AdapterOption) *Adapter {
	a := &Adapter{client: client}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Fetch implements recorder.FetchAdapter. Minute windows that start before
// yesterday are served from flat files when configured; everything else,
// and any day without a published file, comes from the REST API.
func (a *Adapter) Fetch(ctx context.Context, req recorder.FetchRequest) (recorder.FetchResult, error) {
	sp, ok := spans[req.Level]
	if !ok {
		return recorder.NoData, recorder.Fatal(fmt.Errorf("polygon: unsupported level %s", req.Level))
	}
	if a.flatFiles != nil && req.Level == recorder.Level1Min && req.Window.Start.Before(time.Now().AddDate(0, 0, -1)) {
		observations, err := a.flatFiles.MinuteAggs(ctx, req.Entity.Code, req.Window)
		switch {
		case err == nil && len(observations) > 0:
			return recorder.FetchResult{Observations: observations}, nil
		case err != nil && !errors.Is(err, ErrFlatFileMissing):
			return recorder.NoData, err
		}
		logx.WithContext(ctx).Infof("polygon: no flat file data for %s from %s, using REST", req.Entity.Code, req.Window.Start.Format(time.DateOnly))
	}
	return a.fetchAggs(ctx, sp, req)
}

func (a *Adapter) fetchAggs(ctx context.Context, sp span, req recorder.FetchRequest) (recorder.FetchResult, error) {
	w := req.Window
	params := models.ListAggsParams{
		Ticker:     req.Entity.Code,
		Multiplier: sp.multiplier,
		Timespan:   sp.timespan,
		From:       models.Millis(w.Start),
		To:         models.Millis(w.End),
	}.WithAdjusted(true).WithOrder(models.Asc).WithLimit(50000)

	it := a.client.ListAggs(ctx, params)
	var observations []recorder.Observation
	for it.Next() {
		agg := it.Item()
		ts := time.Time(agg.Timestamp).UTC()
		if !w.Contains(ts) {
			continue
		}
		observations = append(observations, recorder.Observation{
			Timestamp: ts,
			Values: map[string]any{
				"open":     agg.Open,
				"high":     agg.High,
				"low":      agg.Low,
				"close":    agg.Close,
				"volume":   agg.Volume,
				"turnover": agg.VWAP * agg.Volume,
			},
		})
		if len(observations) == w.Size {
			break
		}
	}
	if err := it.Err(); err != nil {
		return recorder.NoData, classify(err)
	}
	return recorder.FetchResult{Observations: observations}, nil
}

// classify maps client errors onto retry classes: throttling, server errors
// and network timeouts are transient, the rest is fatal.
func classify(err error) error {
	var apiErr *models.ErrorResponse
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return recorder.Transient(fmt.Errorf("polygon: %w", err))
		}
		return recorder.Fatal(fmt.Errorf("polygon: %w", err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return recorder.Transient(fmt.Errorf("polygon: %w", err))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return recorder.Fatal(fmt.Errorf("polygon: %w", err))
}
