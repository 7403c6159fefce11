package joinquant

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quotesync/pkg/recorder"
)

const (
	defaultBaseURL     = "https://dataapi.joinquant.com/apis"
	defaultHTTPTimeout = 15 * time.Second
)

// ErrNoToken is returned when a call is made before a session token was obtained.
var ErrNoToken = errors.New("joinquant: no session token")

// Client speaks the JQData HTTP API: JSON requests, CSV responses.
type Client struct {
	baseURL    string
	httpClient *http.Client
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

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// NewClient constructs an API client.
func NewClient(opts ...Option) *Client {
	c := &Client{baseURL: defaultBaseURL, httpClient: &http.Client{Timeout: defaultHTTPTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call posts one method and returns the raw body. Bodies starting with
// "error" are API-level failures and are never retried.
func (c *Client) call(ctx context.Context, params map[string]any) (string, error) {
	method, _ := params["method"].(string)
	payload, err := json.Marshal(params)
	if err != nil {
		return "", recorder.Fatal(fmt.Errorf("joinquant: encode %s: %w", method, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", recorder.Fatal(fmt.Errorf("joinquant: build %s: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", recorder.Transient(fmt.Errorf("joinquant: %s: %w", method, err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", recorder.Transient(fmt.Errorf("joinquant: read %s: %w", method, err))
	}
	text := strings.TrimSpace(string(body))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", recorder.Transient(fmt.Errorf("joinquant: %s: http status %d", method, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", recorder.Fatal(fmt.Errorf("joinquant: %s: http status %d: %s", method, resp.StatusCode, text))
	}
	if strings.HasPrefix(strings.ToLower(text), "error") {
		return "", recorder.Fatal(fmt.Errorf("joinquant: %s: %s", method, text))
	}
	return text, nil
}

// Token logs in with the account phone number and password.
func (c *Client) Token(ctx context.Context, mob, pwd string) (string, error) {
	token, err := c.call(ctx, map[string]any{"method": "get_token", "mob": mob, "pwd": pwd})
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", recorder.Fatal(errors.New("joinquant: get_token: empty token"))
	}
	return token, nil
}

// Bars returns up to count bars ending at end, oldest first.
func (c *Client) Bars(ctx context.Context, token, code, unit string, count int, end string, includeNow bool) ([]map[string]string, error) {
	text, err := c.call(ctx, map[string]any{
		"method":      "get_bars",
		"token":       token,
		"code":        code,
		"count":       count,
		"unit":        unit,
		"end_date":    end,
		"include_now": includeNow,
	})
	if err != nil {
		return nil, err
	}
	return parseTable(text)
}

// PricePeriod returns every bar between start and end, oldest first.
func (c *Client) PricePeriod(ctx context.Context, token, code, unit, start, end string) ([]map[string]string, error) {
	text, err := c.call(ctx, map[string]any{
		"method":   "get_price_period",
		"token":    token,
		"code":     code,
		"unit":     unit,
		"date":     start,
		"end_date": end,
	})
	if err != nil {
		return nil, err
	}
	return parseTable(text)
}

// Securities lists securities of a kind ("stock", "index") listed on date.
func (c *Client) Securities(ctx context.Context, token, kind, date string) ([]map[string]string, error) {
	text, err := c.call(ctx, map[string]any{"method": "get_all_securities", "token": token, "code": kind, "date": date})
	if err != nil {
		return nil, err
	}
	return parseTable(text)
}

// Concepts lists concept blocks.
func (c *Client) Concepts(ctx context.Context, token string) ([]map[string]string, error) {
	text, err := c.call(ctx, map[string]any{"method": "get_concepts", "token": token})
	if err != nil {
		return nil, err
	}
	return parseTable(text)
}

// ConceptStocks lists the member codes of a concept on date.
func (c *Client) ConceptStocks(ctx context.Context, token, concept, date string) ([]string, error) {
	text, err := c.call(ctx, map[string]any{"method": "get_concept_stocks", "token": token, "code": concept, "date": date})
	if err != nil {
		return nil, err
	}
	var codes []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		// one code per line; anything without a venue suffix is a header
		if strings.Contains(line, ".") {
			codes = append(codes, line)
		}
	}
	return codes, nil
}

// parseTable reads a CSV body with a header row into one map per row.
func parseTable(text string) ([]map[string]string, error) {
	if text == "" {
		return nil, nil
	}
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, recorder.Fatal(fmt.Errorf("joinquant: parse csv: %w", err))
	}
	if len(rows) < 2 {
		return nil, nil
	}
	header := rows[0]
	out := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		m := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				m[strings.TrimSpace(col)] = strings.TrimSpace(row[i])
			}
		}
		out = append(out, m)
	}
	return out, nil
}
