// Package joinquant syncs China A-share indices, stocks and concept blocks
// from the JQData HTTP API.
package joinquant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"quotesync/pkg/recorder"
)

const (
	dayLayout      = "2006-01-02"
	intradayLayout = "2006-01-02 15:04:05"
)

// listed securities carry this end date
const openEndDate = "2200-01-01"

var units = map[recorder.Level]string{
	recorder.Level1Min:   "1m",
	recorder.Level5Min:   "5m",
	recorder.Level15Min:  "15m",
	recorder.Level30Min:  "30m",
	recorder.Level1Hour:  "60m",
	recorder.Level1Day:   "1d",
	recorder.Level1Week:  "1w",
	recorder.Level1Month: "1M",
}

var venues = map[string]string{"sh": "XSHG", "sz": "XSHE"}

func init() {
	recorder.RegisterAdapter("joinquant", func(name string, cfg *recorder.AdapterConfig) (recorder.FetchAdapter, error) {
		if cfg.Username == "" || cfg.Password == "" {
			return nil, errors.New("joinquant: username and password are required")
		}
		opts := []Option{WithBaseURL(cfg.BaseURL)}
		if cfg.HTTPTimeout > 0 {
			opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
		}
		return NewAdapter(NewClient(opts...), cfg.Username, cfg.Password), nil
	})
}

// Adapter implements recorder.FetchAdapter, recorder.SessionHooks and recorder.EntitySource.
type Adapter struct {
	client   *Client
	username string
	password string
	now      func() time.Time

	mu    sync.Mutex
	token string
}

// NewAdapter builds an adapter logging in with the given account.
func NewAdapter(client *Client, username, password string) *Adapter {
	return &Adapter{client: client, username: username, password: password, now: time.Now}
}

// OnStart obtains the session token.
func (a *Adapter) OnStart(ctx context.Context, run recorder.RunInfo) error {
	token, err := a.client.Token(ctx, a.username, a.password)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	logx.WithContext(ctx).Infof("joinquant: session opened job=%s", run.Job)
	return nil
}

// OnFinish drops the session token. JQData has no logout call; tokens expire server side.
func (a *Adapter) OnFinish(ctx context.Context, run recorder.RunInfo) error {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
	logx.WithContext(ctx).Infof("joinquant: session closed job=%s", run.Job)
	return nil
}

// ensureToken logs in lazily for calls made outside a driver run, e.g. discovery.
func (a *Adapter) ensureToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := a.OnStart(ctx, recorder.RunInfo{Job: "adhoc"}); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == "" {
		return "", ErrNoToken
	}
	return a.token, nil
}

// Fetch implements recorder.FetchAdapter.
func (a *Adapter) Fetch(ctx context.Context, req recorder.FetchRequest) (recorder.FetchResult, error) {
	token, err := a.ensureToken(ctx)
	if err != nil {
		return recorder.NoData, err
	}
	if req.Schema.Name == recorder.BlockStockSchema.Name {
		return a.fetchMembers(ctx, token, req)
	}
	return a.fetchBars(ctx, token, req)
}

func (a *Adapter) fetchBars(ctx context.Context, token string, req recorder.FetchRequest) (recorder.FetchResult, error) {
	unit, ok := units[req.Level]
	if !ok {
		return recorder.NoData, recorder.Fatal(fmt.Errorf("joinquant: unsupported level %s", req.Level))
	}
	code, err := ToJQCode(req.Entity)
	if err != nil {
		return recorder.NoData, err
	}
	loc := location(req)
	layout := dayLayout
	if req.Level.Intraday() {
		layout = intradayLayout
	}
	w := req.Window
	end := w.End.In(loc).Format(layout)

	// get_bars counts backwards from end; when the window holds more bars than
	// one batch, walk it forwards with get_price_period instead.
	var rows []map[string]string
	estimate := int(w.End.Sub(w.Start)/req.Level.Duration()) + 1
	if estimate <= w.Size {
		includeNow := sameDay(w.End, a.now(), loc)
		rows, err = a.client.Bars(ctx, token, code, unit, estimate, end, includeNow)
	} else {
		rows, err = a.client.PricePeriod(ctx, token, code, unit, w.Start.In(loc).Format(layout), end)
	}
	if err != nil {
		return recorder.NoData, err
	}

	observations := make([]recorder.Observation, 0, len(rows))
	for _, row := range rows {
		ts, err := recorder.ParseTimestamp(row["date"], loc)
		if err != nil || ts.IsZero() {
			// keep it so the normalizer reports the bad row
			observations = append(observations, toObservation(row))
			continue
		}
		if !w.Contains(req.Level.Floor(ts, loc)) {
			continue
		}
		observations = append(observations, toObservation(row))
		if len(observations) == w.Size {
			break
		}
	}
	return recorder.FetchResult{Observations: observations}, nil
}

// toObservation renames money to turnover and date to the observation time.
func toObservation(row map[string]string) recorder.Observation {
	values := make(map[string]any, len(row))
	for k, v := range row {
		switch k {
		case "date":
		case "money":
			values["turnover"] = v
		default:
			values[k] = v
		}
	}
	return recorder.Observation{TimeText: row["date"], Values: values}
}

func (a *Adapter) fetchMembers(ctx context.Context, token string, req recorder.FetchRequest) (recorder.FetchResult, error) {
	if req.Entity.Type != recorder.EntityBlock {
		return recorder.NoData, recorder.Fatal(fmt.Errorf("joinquant: %s is not a block", req.Entity.ID))
	}
	loc := location(req)
	asOf := recorder.Level1Day.Floor(req.Window.End, loc)
	if !req.Window.Contains(asOf) {
		return recorder.NoData, nil
	}
	codes, err := a.client.ConceptStocks(ctx, token, req.Entity.Code, asOf.Format(dayLayout))
	if err != nil {
		return recorder.NoData, err
	}
	observations := make([]recorder.Observation, 0, len(codes))
	for _, jq := range codes {
		exchange, code, err := FromJQCode(jq)
		if err != nil {
			logx.WithContext(ctx).Errorf("joinquant: block %s member %q: %v", req.Entity.ID, jq, err)
			continue
		}
		observations = append(observations, recorder.Observation{
			Timestamp: asOf,
			Values: map[string]any{
				"stock_id":   recorder.EntityID(recorder.EntityStock, exchange, code),
				"stock_code": code,
			},
		})
	}
	return recorder.FetchResult{Observations: observations}, nil
}

// ListEntities implements recorder.EntitySource for stock, index and block.
func (a *Adapter) ListEntities(ctx context.Context, entityType string) ([]recorder.Entity, error) {
	token, err := a.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	switch entityType {
	case recorder.EntityStock, recorder.EntityIndex:
		rows, err := a.client.Securities(ctx, token, entityType, a.now().Format(dayLayout))
		if err != nil {
			return nil, err
		}
		out := make([]recorder.Entity, 0, len(rows))
		for _, row := range rows {
			exchange, code, err := FromJQCode(row["code"])
			if err != nil {
				continue
			}
			e := recorder.NewEntity(entityType, exchange, code, row["display_name"])
			e.ListDate, _ = recorder.ParseTimestamp(row["start_date"], time.UTC)
			if end := row["end_date"]; end != "" && end != openEndDate {
				e.EndDate, _ = recorder.ParseTimestamp(end, time.UTC)
			}
			out = append(out, e)
		}
		return out, nil
	case recorder.EntityBlock:
		rows, err := a.client.Concepts(ctx, token)
		if err != nil {
			return nil, err
		}
		out := make([]recorder.Entity, 0, len(rows))
		for _, row := range rows {
			e := recorder.NewEntity(recorder.EntityBlock, "cn", row["code"], row["name"])
			e.ListDate, _ = recorder.ParseTimestamp(row["start_date"], time.UTC)
			e.Category = "concept"
			out = append(out, e)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("joinquant: cannot list %q entities", entityType)
	}
}

// ToJQCode maps an entity onto a JQData security code, e.g. index_sh_000300 -> 000300.XSHG.
func ToJQCode(e recorder.Entity) (string, error) {
	if e.Type == recorder.EntityBlock {
		return e.Code, nil
	}
	venue, ok := venues[e.Exchange]
	if !ok {
		return "", recorder.Fatal(fmt.Errorf("joinquant: unsupported exchange %q for %s", e.Exchange, e.ID))
	}
	return e.Code + "." + venue, nil
}

// FromJQCode splits a JQData security code into exchange and code.
func FromJQCode(jq string) (exchange, code string, err error) {
	code, venue, ok := strings.Cut(strings.TrimSpace(jq), ".")
	if ok {
		for ex, v := range venues {
			if v == venue {
				return ex, code, nil
			}
		}
	}
	return "", "", fmt.Errorf("joinquant: unknown security code %q", jq)
}

func location(req recorder.FetchRequest) *time.Location {
	if req.Location != nil {
		return req.Location
	}
	return time.UTC
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
