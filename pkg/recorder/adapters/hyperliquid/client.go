package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"quotesync/pkg/recorder"
)

const (
	defaultBaseURL     = "https://api.hyperliquid.xyz/info"
	defaultHTTPTimeout = 10 * time.Second
)

// ErrCoinNotFound indicates that the requested coin is not listed.
var ErrCoinNotFound = errors.New("hyperliquid: coin not found")

// Client wraps access to the info endpoint. Retries are left to the caller;
// errors come back classified as transient or fatal.
type Client struct {
	baseURL    string
	httpClient *http.Client

	universeMu sync.RWMutex
	universe   map[string]UniverseEntry // keyed by upper-cased name
}

// Option configures a new Client.
type Option func(*Client)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL overrides the default info endpoint URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// NewClient constructs an info API client.
func NewClient(opts ...Option) *Client {
	client := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// doRequest posts an InfoRequest and decodes the response into result.
func (c *Client) doRequest(ctx context.Context, req InfoRequest, result interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return recorder.Fatal(fmt.Errorf("hyperliquid: encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return recorder.Fatal(fmt.Errorf("hyperliquid: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return recorder.Transient(fmt.Errorf("hyperliquid: %s: %w", req.Type, err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return recorder.Transient(fmt.Errorf("hyperliquid: read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("hyperliquid: http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return recorder.Transient(err)
		}
		return recorder.Fatal(err)
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return recorder.Fatal(fmt.Errorf("hyperliquid: decode %s response: %w", req.Type, err))
		}
	}
	return nil
}

// Universe returns the listed assets and refreshes the cached directory.
func (c *Client) Universe(ctx context.Context) ([]UniverseEntry, error) {
	var payload MetaAndAssetCtxsResponse
	if err := c.doRequest(ctx, InfoRequest{Type: "metaAndAssetCtxs"}, &payload); err != nil {
		return nil, err
	}
	index := make(map[string]UniverseEntry, len(payload.Universe))
	out := make([]UniverseEntry, 0, len(payload.Universe))
	for _, entry := range payload.Universe {
		entry.Name = strings.TrimSpace(entry.Name)
		if entry.Name == "" {
			continue
		}
		index[strings.ToUpper(entry.Name)] = entry
		out = append(out, entry)
	}
	c.universeMu.Lock()
	c.universe = index
	c.universeMu.Unlock()
	return out, nil
}

// canonicalCoin resolves a coin name case-insensitively, e.g. kpepe -> kPEPE.
func (c *Client) canonicalCoin(ctx context.Context, coin string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(coin))
	lookup := func() (string, bool) {
		c.universeMu.RLock()
		defer c.universeMu.RUnlock()
		entry, ok := c.universe[key]
		return entry.Name, ok
	}
	if name, ok := lookup(); ok {
		return name, nil
	}
	if _, err := c.Universe(ctx); err != nil {
		return "", err
	}
	if name, ok := lookup(); ok {
		return name, nil
	}
	return "", recorder.Fatal(fmt.Errorf("%w: %s", ErrCoinNotFound, coin))
}

// Candles fetches candles with open time in [start, end], sorted ascending.
func (c *Client) Candles(ctx context.Context, coin, interval string, start, end time.Time) ([]Candle, error) {
	canonical, err := c.canonicalCoin(ctx, coin)
	if err != nil {
		return nil, err
	}
	var candles []Candle
	req := InfoRequest{
		Type: "candleSnapshot",
		Req: CandleSnapshotRequest{
			Coin:      canonical,
			Interval:  interval,
			StartTime: start.UnixMilli(),
			EndTime:   end.UnixMilli(),
		},
	}
	if err := c.doRequest(ctx, req, &candles); err != nil {
		return nil, err
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].T < candles[j].T })
	return candles, nil
}
