// Package journal writes one JSON document per finished synchronization run
// so operators can audit what each run fetched and where it failed.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"quotesync/pkg/recorder"
)

// EntityLine is the per-entity part of a RunRecord.
type EntityLine struct {
	EntityID        string    `json:"entity_id"`
	State           string    `json:"state"`
	Fetches         int       `json:"fetches"`
	Attempts        int       `json:"attempts"`
	Written         int       `json:"written"`
	Skipped         int       `json:"skipped,omitempty"`
	Dropped         int       `json:"dropped,omitempty"`
	WatermarkBefore time.Time `json:"watermark_before,omitempty"`
	WatermarkAfter  time.Time `json:"watermark_after,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// RunRecord captures one run for audit.
type RunRecord struct {
	RunID      string       `json:"run_id"`
	Job        string       `json:"job"`
	Provider   string       `json:"provider"`
	Schema     string       `json:"schema"`
	Level      string       `json:"level"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Success    bool         `json:"success"`
	Error      string       `json:"error,omitempty"`
	Entities   []EntityLine `json:"entities"`
}

// FromSummary converts a run summary; runErr is the error Run returned, if any.
func FromSummary(s *recorder.Summary, runErr error) *RunRecord {
	rec := &RunRecord{Success: runErr == nil}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if s == nil {
		return rec
	}
	rec.RunID, rec.Job, rec.Provider, rec.Schema = s.RunID, s.Job, s.Provider, s.Schema
	rec.Level = string(s.Level)
	rec.StartedAt, rec.FinishedAt = s.StartedAt, s.FinishedAt
	rec.Success = rec.Success && s.OK()
	rec.Entities = make([]EntityLine, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		line := EntityLine{
			EntityID:        o.EntityID,
			State:           string(o.State),
			Fetches:         o.Fetches,
			Attempts:        o.Attempts,
			Written:         o.Written,
			Skipped:         o.Skipped,
			Dropped:         o.Dropped,
			WatermarkBefore: o.WatermarkBefore,
			WatermarkAfter:  o.WatermarkAfter,
		}
		if o.Err != nil {
			line.Error = o.Err.Error()
		}
		rec.Entities = append(rec.Entities, line)
	}
	return rec
}

// Writer persists run records to a directory as JSON files.
type Writer struct {
	dir   string
	nowFn func() time.Time
}

// NewWriter constructs a journal writer.
func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = "journal"
	}
	return &Writer{dir: dir, nowFn: time.Now}
}

// WriteRun writes a run record to a timestamped JSON file and returns its path.
func (w *Writer) WriteRun(rec *RunRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("journal: nil record")
	}
	ts := rec.FinishedAt
	if ts.IsZero() {
		ts = w.nowFn()
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("journal: %w", err)
	}
	job := rec.Job
	if job == "" {
		job = "adhoc"
	}
	name := fmt.Sprintf("run_%s_%s_%s.json", job, ts.UTC().Format("20060102_150405"), shortID(rec.RunID))
	path := filepath.Join(w.dir, name)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "norun"
	}
	return id
}
