// Package csvfile replays bars from local CSV files laid out as
// <dir>/<level>/<entity_id>.csv. It backs offline backfills and fixtures.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"quotesync/pkg/recorder"
)

var timeColumns = []string{"timestamp", "date", "time", "datetime"}

func init() {
	recorder.RegisterAdapter("csv", func(name string, cfg *recorder.AdapterConfig) (recorder.FetchAdapter, error) {
		if cfg.Dir == "" {
			return nil, errors.New("csv: dir is required")
		}
		return NewAdapter(cfg.Dir), nil
	})
}

// Adapter implements recorder.FetchAdapter and recorder.EntitySource over a directory.
type Adapter struct {
	dir string
}

// NewAdapter reads files under dir.
func NewAdapter(dir string) *Adapter {
	return &Adapter{dir: dir}
}

// Path is where the series of an entity at a level is expected.
func (a *Adapter) Path(entityID string, level recorder.Level) string {
	return filepath.Join(a.dir, string(level), entityID+".csv")
}

// Fetch implements recorder.FetchAdapter. A missing file means no data.
func (a *Adapter) Fetch(ctx context.Context, req recorder.FetchRequest) (recorder.FetchResult, error) {
	f, err := os.Open(a.Path(req.Entity.ID, req.Level))
	if errors.Is(err, os.ErrNotExist) {
		return recorder.NoData, nil
	}
	if err != nil {
		return recorder.NoData, recorder.Fatal(fmt.Errorf("csv: %w", err))
	}
	defer f.Close()
	observations, err := Read(f, req)
	if err != nil {
		return recorder.NoData, recorder.Fatal(fmt.Errorf("csv: %s: %w", f.Name(), err))
	}
	return recorder.FetchResult{Observations: observations}, nil
}

// Read parses a CSV with a header row. Rows outside the window are skipped and
// at most Window.Size rows are returned. Rows with an unreadable time are kept
// so the normalizer reports them.
func Read(r io.Reader, req recorder.FetchRequest) ([]recorder.Observation, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	timeIdx := -1
	for i, col := range header {
		col = strings.ToLower(strings.TrimSpace(col))
		header[i] = col
		if timeIdx < 0 && contains(timeColumns, col) {
			timeIdx = i
		}
	}
	if timeIdx < 0 {
		return nil, fmt.Errorf("no time column in header %v", header)
	}

	loc := req.Location
	var out []recorder.Observation
	for len(out) < req.Window.Size {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if timeIdx >= len(row) {
			continue
		}
		text := strings.TrimSpace(row[timeIdx])
		if ts, err := recorder.ParseTimestamp(text, loc); err == nil && !ts.IsZero() {
			if !req.Window.Contains(req.Level.Floor(ts, loc)) {
				continue
			}
		}
		values := make(map[string]any, len(row))
		for i, v := range row {
			if i == timeIdx || i >= len(header) {
				continue
			}
			key := header[i]
			if key == "money" {
				key = "turnover"
			}
			values[key] = strings.TrimSpace(v)
		}
		out = append(out, recorder.Observation{TimeText: text, Values: values})
	}
	return out, nil
}

// ListEntities implements recorder.EntitySource from the file names present.
func (a *Adapter) ListEntities(_ context.Context, entityType string) ([]recorder.Entity, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, "*", "*.csv"))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []recorder.Entity
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), ".csv")
		if seen[id] {
			continue
		}
		typ, exchange, code, err := recorder.ParseEntityID(id)
		if err != nil || (entityType != "" && typ != entityType) {
			continue
		}
		seen[id] = true
		out = append(out, recorder.NewEntity(typ, exchange, code, ""))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func contains(values []string, v string) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}
