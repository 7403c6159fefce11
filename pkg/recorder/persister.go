package recorder

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// PersistResult reports what one upsert did.
type PersistResult struct {
	Written int // inserted or replaced with different content
	Skipped int // collided with a stored record and left it as it was
}

// Persister is the durable storage contract. Upsert must be idempotent and
// atomic per call: either every record reflects the policy or nothing changes.
// Overwriting a record with identical content counts as skipped.
type Persister interface {
	Upsert(ctx context.Context, schema Schema, records []Record, policy DuplicatePolicy) (PersistResult, error)
	MaxTimestamp(ctx context.Context, schema Schema, key SeriesKey) (time.Time, bool, error)
}

// MemoryPersister keeps records in process memory. It backs dry runs and tests.
type MemoryPersister struct {
	mu     sync.RWMutex
	tables map[string]map[string]Record
}

// NewMemoryPersister returns an empty store.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{tables: make(map[string]map[string]Record)}
}

// Upsert implements Persister.
func (m *MemoryPersister) Upsert(_ context.Context, schema Schema, records []Record, policy DuplicatePolicy) (PersistResult, error) {
	for _, r := range records {
		if r.ID == "" || r.EntityID == "" {
			return PersistResult{}, fmt.Errorf("recorder: memory upsert %s: record without id", schema.Name)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[schema.Name]
	if !ok {
		table = make(map[string]Record)
		m.tables[schema.Name] = table
	}
	var res PersistResult
	for _, r := range records {
		if stored, exists := table[r.ID]; exists && (!policy.Overwrites() || sameContent(stored, r)) {
			res.Skipped++
			continue
		}
		table[r.ID] = cloneRecord(r)
		res.Written++
	}
	return res, nil
}

// MaxTimestamp implements Persister.
func (m *MemoryPersister) MaxTimestamp(_ context.Context, schema Schema, key SeriesKey) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		max   time.Time
		found bool
	)
	for _, r := range m.tables[schema.Name] {
		if r.EntityID != key.EntityID || r.Level != key.Level || r.Provider != key.Provider {
			continue
		}
		if !found || r.Timestamp.After(max) {
			max, found = r.Timestamp, true
		}
	}
	return max, found, nil
}

// Records returns a copy of the stored records for a schema ordered by ID.
func (m *MemoryPersister) Records(schema Schema) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.tables[schema.Name]))
	for _, r := range m.tables[schema.Name] {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one record by primary key.
func (m *MemoryPersister) Get(schema Schema, id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.tables[schema.Name][id]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(r), true
}

func sameContent(a, b Record) bool {
	return a.EntityID == b.EntityID && a.Provider == b.Provider && a.Level == b.Level &&
		a.Timestamp.Equal(b.Timestamp) && a.Code == b.Code && a.Name == b.Name &&
		reflect.DeepEqual(a.Values, b.Values)
}

func cloneRecord(r Record) Record {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	r.Values = values
	return r
}
