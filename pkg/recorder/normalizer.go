package recorder

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var timeLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
	"20060102",
}

// Batch is the normalized output of one fetch.
type Batch struct {
	Records []Record
	// Invalid holds one *ValidationError per dropped observation.
	Invalid []error
	// OutOfWindow counts valid observations discarded for lying outside the window.
	OutOfWindow int
}

// MaxTimestamp returns the newest record timestamp, zero for an empty batch.
func (b Batch) MaxTimestamp() time.Time {
	var max time.Time
	for _, r := range b.Records {
		if r.Timestamp.After(max) {
			max = r.Timestamp
		}
	}
	return max
}

// Normalizer maps raw observations onto a schema.
type Normalizer struct{}

// Normalize converts observations into records keyed deterministically. Collisions
// inside the batch keep the last observation under overwrite and the first otherwise.
func (Normalizer) Normalize(provider string, req FetchRequest, policy DuplicatePolicy, observations []Observation) Batch {
	loc := req.Location
	if loc == nil {
		loc = time.UTC
	}
	var batch Batch
	index := make(map[string]int, len(observations))
	for i, obs := range observations {
		rec, err := normalizeOne(provider, req, loc, obs)
		if err != "" {
			batch.Invalid = append(batch.Invalid, &ValidationError{EntityID: req.Entity.ID, Index: i, Reason: err})
			continue
		}
		if !req.Window.Contains(rec.Timestamp) {
			batch.OutOfWindow++
			continue
		}
		if pos, seen := index[rec.ID]; seen {
			if policy.Overwrites() {
				batch.Records[pos] = rec
			}
			continue
		}
		index[rec.ID] = len(batch.Records)
		batch.Records = append(batch.Records, rec)
	}
	sort.SliceStable(batch.Records, func(i, j int) bool {
		a, b := batch.Records[i], batch.Records[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return batch
}

func normalizeOne(provider string, req FetchRequest, loc *time.Location, obs Observation) (Record, string) {
	ts := obs.Timestamp
	if ts.IsZero() {
		if strings.TrimSpace(obs.TimeText) == "" {
			return Record{}, "missing timestamp"
		}
		parsed, err := parseTime(obs.TimeText, loc)
		if err != nil {
			return Record{}, err.Error()
		}
		ts = parsed
	}
	ts = req.Level.Floor(ts, loc)

	schema := req.Schema
	values := make(map[string]any, len(schema.Numeric)+len(schema.Text))
	for _, field := range schema.Numeric {
		raw, ok := obs.Values[field]
		if !ok || raw == nil {
			continue
		}
		f, err := toFloat(raw, schema.Precision)
		if err != nil {
			return Record{}, fmt.Sprintf("field %s: %v", field, err)
		}
		values[field] = f
	}
	for _, field := range schema.Text {
		raw, ok := obs.Values[field]
		if !ok || raw == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(raw))
		if s == "" {
			continue
		}
		values[field] = s
	}
	for _, field := range schema.Required {
		if _, ok := values[field]; !ok {
			return Record{}, fmt.Sprintf("missing required field %s", field)
		}
	}

	id := PrimaryKey(req.Entity.ID, ts, req.Level, loc)
	if schema.KeyField != "" {
		id = req.Entity.ID + "_" + fmt.Sprint(values[schema.KeyField])
	}
	return Record{
		ID:        id,
		EntityID:  req.Entity.ID,
		Provider:  provider,
		Level:     req.Level,
		Timestamp: ts,
		Code:      req.Entity.Code,
		Name:      req.Entity.Name,
		Values:    values,
	}, ""
}

func parseTime(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1e11 {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// toFloat coerces provider numerics and rounds them to precision places.
// A precision of zero keeps the value as delivered.
func toFloat(raw any, precision int32) (float64, error) {
	var d decimal.Decimal
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("not a finite number")
		}
		d = decimal.NewFromFloat(v)
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, fmt.Errorf("not a finite number")
		}
		d = decimal.NewFromFloat32(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case int64:
		d = decimal.NewFromInt(v)
	case int32:
		d = decimal.NewFromInt32(v)
	case decimal.Decimal:
		d = v
	case json.Number:
		parsed, err := decimal.NewFromString(v.String())
		if err != nil {
			return 0, err
		}
		d = parsed
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("not a number %q", v)
		}
		d = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", raw)
	}
	if precision > 0 {
		d = d.Round(precision)
	}
	f, _ := d.Float64()
	return f, nil
}
