// Package hyperliquid syncs perpetual candles from the Hyperliquid info API.
package hyperliquid

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"quotesync/pkg/recorder"
)

// Exchange is the exchange segment of entity ids, e.g. coin_hyperliquid_BTC.
const Exchange = "hyperliquid"

var intervals = map[recorder.Level]string{
	recorder.Level1Min:   "1m",
	recorder.Level5Min:   "5m",
	recorder.Level15Min:  "15m",
	recorder.Level30Min:  "30m",
	recorder.Level1Hour:  "1h",
	recorder.Level4Hour:  "4h",
	recorder.Level1Day:   "1d",
	recorder.Level1Week:  "1w",
	recorder.Level1Month: "1M",
}

func init() {
	recorder.RegisterAdapter("hyperliquid", func(name string, cfg *recorder.AdapterConfig) (recorder.FetchAdapter, error) {
		opts := []Option{WithBaseURL(cfg.BaseURL)}
		if cfg.HTTPTimeout > 0 {
			opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
		}
		return NewAdapter(NewClient(opts...)), nil
	})
}

// Adapter implements recorder.FetchAdapter and recorder.EntitySource.
type Adapter struct {
	client *Client
}

// NewAdapter wraps a client.
func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client}
}

// Fetch implements recorder.FetchAdapter.
func (a *Adapter) Fetch(ctx context.Context, req recorder.FetchRequest) (recorder.FetchResult, error) {
	if req.Entity.Exchange != Exchange {
		return recorder.NoData, recorder.Fatal(fmt.Errorf("hyperliquid: entity %s is not listed here", req.Entity.ID))
	}
	interval, ok := intervals[req.Level]
	if !ok {
		return recorder.NoData, recorder.Fatal(fmt.Errorf("hyperliquid: unsupported level %s", req.Level))
	}
	candles, err := a.client.Candles(ctx, req.Entity.Code, interval, req.Window.Start, req.Window.End)
	if err != nil {
		return recorder.NoData, err
	}

	observations := make([]recorder.Observation, 0, len(candles))
	for _, c := range candles {
		ts := time.UnixMilli(c.T).UTC()
		if !req.Window.Contains(ts) {
			continue
		}
		observations = append(observations, recorder.Observation{
			Timestamp: ts,
			Values: map[string]any{
				"open":   c.O,
				"high":   c.H,
				"low":    c.L,
				"close":  c.C,
				"volume": c.V,
			},
		})
		if len(observations) == req.Window.Size {
			break
		}
	}
	logx.WithContext(ctx).Debugf("hyperliquid: %s %s window=%s candles=%d kept=%d",
		req.Entity.Code, interval, req.Window, len(candles), len(observations))
	return recorder.FetchResult{Observations: observations}, nil
}

// ListEntities implements recorder.EntitySource. Delisted coins are left out.
func (a *Adapter) ListEntities(ctx context.Context, entityType string) ([]recorder.Entity, error) {
	if entityType != "" && entityType != recorder.EntityCoin {
		return nil, fmt.Errorf("hyperliquid: only %s entities are listed, got %q", recorder.EntityCoin, entityType)
	}
	universe, err := a.client.Universe(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]recorder.Entity, 0, len(universe))
	for _, entry := range universe {
		if entry.IsDelisted {
			continue
		}
		out = append(out, recorder.NewEntity(recorder.EntityCoin, Exchange, entry.Name, entry.Name))
	}
	return out, nil
}
