// Package filestore keeps records and the entity catalog as msgpack files
// under a data directory. One file holds one series; writes go to a
// temporary file first and are renamed into place.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/logx"

	"quotesync/pkg/recorder"
)

const entitiesFile = "entities.msgpack"

var (
	_ recorder.Persister   = (*Store)(nil)
	_ recorder.EntityStore = (*Store)(nil)
)

// Store implements recorder.Persister and recorder.EntityStore on local files.
// It is safe for concurrent use within one process.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates dir when missing.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestore: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir is the root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) seriesPath(schema string, key recorder.SeriesKey) string {
	return filepath.Join(s.dir, schema, key.Provider, string(key.Level), key.EntityID+".msgpack")
}

// Upsert implements recorder.Persister. Every series touched by the batch is
// merged in memory before anything is written.
func (s *Store) Upsert(ctx context.Context, schema recorder.Schema, records []recorder.Record, policy recorder.DuplicatePolicy) (recorder.PersistResult, error) {
	var result recorder.PersistResult
	if len(records) == 0 {
		return result, nil
	}
	groups := make(map[recorder.SeriesKey][]recorder.Record)
	var order []recorder.SeriesKey
	for _, r := range records {
		if r.ID == "" || r.EntityID == "" {
			return recorder.PersistResult{}, fmt.Errorf("filestore: upsert %s: record without id", schema.Name)
		}
		key := recorder.SeriesKey{EntityID: r.EntityID, Level: r.Level, Provider: r.Provider}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[recorder.SeriesKey][]recorder.Record, len(groups))
	var dirty []recorder.SeriesKey
	for _, key := range order {
		stored, err := s.readSeries(s.seriesPath(schema.Name, key))
		if err != nil {
			return recorder.PersistResult{}, err
		}
		byID := make(map[string]int, len(stored))
		for i, r := range stored {
			byID[r.ID] = i
		}
		changed := false
		for _, r := range groups[key] {
			if i, ok := byID[r.ID]; ok {
				if !policy.Overwrites() {
					result.Skipped++
					continue
				}
				same, err := sameRecord(stored[i], r)
				if err != nil {
					return recorder.PersistResult{}, err
				}
				if same {
					result.Skipped++
					continue
				}
				stored[i] = r
			} else {
				byID[r.ID] = len(stored)
				stored = append(stored, r)
			}
			result.Written++
			changed = true
		}
		if !changed {
			continue
		}
		sort.SliceStable(stored, func(i, j int) bool { return stored[i].Timestamp.Before(stored[j].Timestamp) })
		merged[key] = stored
		dirty = append(dirty, key)
	}

	for _, key := range dirty {
		if err := writeFile(s.seriesPath(schema.Name, key), merged[key]); err != nil {
			return recorder.PersistResult{}, err
		}
	}
	if result.Skipped > 0 && policy == recorder.PolicyAdd {
		logx.WithContext(ctx).Infof("filestore: %s kept %d stored records", schema.Name, result.Skipped)
	}
	return result, nil
}

// MaxTimestamp implements recorder.Persister.
func (s *Store) MaxTimestamp(_ context.Context, schema recorder.Schema, key recorder.SeriesKey) (time.Time, bool, error) {
	s.mu.Lock()
	stored, err := s.readSeries(s.seriesPath(schema.Name, key))
	s.mu.Unlock()
	if err != nil || len(stored) == 0 {
		return time.Time{}, false, err
	}
	return stored[len(stored)-1].Timestamp, true, nil
}

// Records returns a stored series in time order.
func (s *Store) Records(schema recorder.Schema, key recorder.SeriesKey) ([]recorder.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSeries(s.seriesPath(schema.Name, key))
}

func (s *Store) readSeries(path string) ([]recorder.Record, error) {
	var out []recorder.Record
	if err := readFile(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// List implements recorder.Catalog.
func (s *Store) List(_ context.Context, filter recorder.Filter) ([]recorder.Entity, error) {
	s.mu.Lock()
	entities, err := s.readEntities()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return recorder.ApplyFilter(entities, filter), nil
}

// UpsertEntities implements recorder.EntityStore.
func (s *Store) UpsertEntities(_ context.Context, entities []recorder.Entity) (int, error) {
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.readEntities()
	if err != nil {
		return 0, err
	}
	byID := make(map[string]int, len(stored))
	for i, e := range stored {
		byID[e.ID] = i
	}
	for _, e := range entities {
		if i, ok := byID[e.ID]; ok {
			stored[i] = e
			continue
		}
		byID[e.ID] = len(stored)
		stored = append(stored, e)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].ID < stored[j].ID })
	if err := writeFile(filepath.Join(s.dir, entitiesFile), stored); err != nil {
		return 0, err
	}
	return len(entities), nil
}

func (s *Store) readEntities() ([]recorder.Entity, error) {
	var out []recorder.Entity
	if err := readFile(filepath.Join(s.dir, entitiesFile), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// readFile leaves v untouched when path does not exist.
func readFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("filestore: read %s: %w", path, err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	return nil
}

// encode sorts map keys so equal content always yields equal bytes.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sameRecord(a, b recorder.Record) (bool, error) {
	ea, err := encode(a)
	if err != nil {
		return false, fmt.Errorf("filestore: encode %s: %w", a.ID, err)
	}
	eb, err := encode(b)
	if err != nil {
		return false, fmt.Errorf("filestore: encode %s: %w", b.ID, err)
	}
	return bytes.Equal(ea, eb), nil
}

func writeFile(path string, v any) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("filestore: rename %s: %w", path, err)
	}
	return nil
}
