package recorder

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrUnknownSchema is returned when a schema name is not registered.
var ErrUnknownSchema = errors.New("recorder: unknown schema")

const (
	dayKeyLayout      = "20060102"
	intradayKeyLayout = time.RFC3339
)

// Record is one normalized time-series point.
type Record struct {
	ID        string         `json:"id" msgpack:"id"`
	EntityID  string         `json:"entity_id" msgpack:"entity_id"`
	Provider  string         `json:"provider" msgpack:"provider"`
	Level     Level          `json:"level" msgpack:"level"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`
	Code      string         `json:"code" msgpack:"code"`
	Name      string         `json:"name" msgpack:"name"`
	Values    map[string]any `json:"values" msgpack:"values"` // float64 for numeric fields, string for text fields
}

// Float returns a numeric field.
func (r Record) Float(field string) (float64, bool) {
	v, ok := r.Values[field].(float64)
	return v, ok
}

// Text returns a text field.
func (r Record) Text(field string) string {
	s, _ := r.Values[field].(string)
	return s
}

// Observation is a raw point returned by a fetch adapter before normalization.
type Observation struct {
	// Timestamp is used when set; otherwise TimeText is parsed.
	Timestamp time.Time
	TimeText  string
	Values    map[string]any
}

// SeriesKey addresses the records sharing one watermark.
type SeriesKey struct {
	EntityID string
	Level    Level
	Provider string
}

func (k SeriesKey) String() string {
	return k.Provider + "/" + string(k.Level) + "/" + k.EntityID
}

// PrimaryKey is the deterministic record identifier for (entity, timestamp, level).
func PrimaryKey(entityID string, ts time.Time, level Level, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	if level.Intraday() {
		return entityID + "_" + level.Floor(ts, loc).UTC().Format(intradayKeyLayout)
	}
	return entityID + "_" + ts.In(loc).Format(dayKeyLayout)
}

// Schema describes one record kind independently of any storage engine.
type Schema struct {
	// Name doubles as the storage table name.
	Name     string
	Numeric  []string
	Text     []string
	Required []string
	// KeyField, when set, keys records by entityID_<value> instead of by timestamp.
	KeyField string
	// Precision is the number of decimal places numeric fields are rounded to.
	Precision int32
}

var schemaNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Validate checks the schema can be used as a storage target.
func (s Schema) Validate() error {
	if !schemaNamePattern.MatchString(s.Name) {
		return fmt.Errorf("recorder: invalid schema name %q", s.Name)
	}
	if len(s.Numeric)+len(s.Text) == 0 {
		return fmt.Errorf("recorder: schema %s declares no fields", s.Name)
	}
	for _, f := range s.Required {
		if !s.hasField(f) {
			return fmt.Errorf("recorder: schema %s requires undeclared field %q", s.Name, f)
		}
	}
	if s.KeyField != "" && !s.hasField(s.KeyField) {
		return fmt.Errorf("recorder: schema %s keys on undeclared field %q", s.Name, s.KeyField)
	}
	return nil
}

func (s Schema) hasField(name string) bool {
	return contains(s.Numeric, name) || contains(s.Text, name)
}

func (s Schema) isNumeric(name string) bool { return contains(s.Numeric, name) }

// KdataSchema holds OHLCV bars.
var KdataSchema = Schema{
	Name:      "kdata",
	Numeric:   []string{"open", "close", "high", "low", "volume", "turnover"},
	Required:  []string{"open", "close", "high", "low"},
	Precision: 4,
}

// BlockStockSchema holds block membership: one record per (block, stock).
var BlockStockSchema = Schema{
	Name:     "block_stock",
	Text:     []string{"stock_id", "stock_code", "stock_name"},
	Required: []string{"stock_id"},
	KeyField: "stock_id",
}

var (
	schemaRegistry   = map[string]Schema{}
	schemaRegistryMu sync.RWMutex
)

func init() {
	RegisterSchema(KdataSchema)
	RegisterSchema(BlockStockSchema)
}

// RegisterSchema makes a schema addressable by name from configuration.
func RegisterSchema(s Schema) {
	schemaRegistryMu.Lock()
	defer schemaRegistryMu.Unlock()
	schemaRegistry[strings.ToLower(s.Name)] = s
}

// LookupSchema resolves a registered schema.
func LookupSchema(name string) (Schema, error) {
	schemaRegistryMu.RLock()
	defer schemaRegistryMu.RUnlock()
	s, ok := schemaRegistry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownSchema, name)
	}
	return s, nil
}
