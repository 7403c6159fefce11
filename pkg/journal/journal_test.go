package journal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotesync/pkg/recorder"
)

func TestWriteRun(t *testing.T) {
	finished := time.Date(2020, 1, 7, 8, 0, 0, 0, time.UTC)
	summary := &recorder.Summary{
		RunID:      "0f8fad5b-d9cb-469f-a165-70867728950e",
		Job:        "index_day",
		Provider:   "joinquant",
		Schema:     "kdata",
		Level:      recorder.Level1Day,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
		Outcomes: []recorder.EntityOutcome{
			{EntityID: "index_sh_000300", State: recorder.StateDone, Fetches: 1, Attempts: 1, Written: 3},
			{EntityID: "index_sz_399001", State: recorder.StateFailed, Attempts: 4, Err: errors.New("502 bad gateway")},
		},
	}

	w := NewWriter(t.TempDir())
	path, err := w.WriteRun(FromSummary(summary, nil))
	require.NoError(t, err)
	assert.Equal(t, "run_index_day_20200107_080000_0f8fad5b.json", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got RunRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.False(t, got.Success, "a failed entity marks the run unsuccessful")
	require.Len(t, got.Entities, 2)
	assert.Equal(t, "done", got.Entities[0].State)
	assert.Equal(t, "502 bad gateway", got.Entities[1].Error)
}

func TestFromSummaryWithoutOutcomes(t *testing.T) {
	rec := FromSummary(nil, recorder.ErrSessionFatal)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "session")

	_, err := NewWriter(t.TempDir()).WriteRun(nil)
	assert.Error(t, err)
}
