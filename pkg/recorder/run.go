package recorder

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultSize           = 2000
	defaultParallelism    = 1
	defaultFetchTimeout   = 30 * time.Second
	defaultPersistTimeout = time.Minute
)

// RunConfig is the immutable description of one synchronization run.
// It is passed by value; the driver never mutates the caller's copy.
type RunConfig struct {
	Job      string
	Provider string // adapter name, stamped on every record
	Schema   Schema
	Level    Level
	Filter   Filter

	// ForceUpdate recomputes from StartTimestamp, ignoring the stored watermark.
	ForceUpdate bool
	// RealTime re-fetches the latest stored point while it belongs to the current session.
	RealTime        bool
	DuplicatePolicy DuplicatePolicy

	// SleepInterval is the minimum spacing between fetches across all workers.
	SleepInterval time.Duration
	// DefaultSize is the fetch batch size hint.
	DefaultSize    int
	StartTimestamp time.Time
	EndTimestamp   time.Time

	// CloseHour and CloseMinute mark the session close in Location. Before the
	// close, today's daily bar is still forming and only real-time runs fetch it.
	CloseHour   int
	CloseMinute int
	Location    *time.Location

	Parallelism    int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	FetchTimeout   time.Duration
	PersistTimeout time.Duration
}

func (r RunConfig) withDefaults() RunConfig {
	if r.DefaultSize <= 0 {
		r.DefaultSize = defaultSize
	}
	if r.Parallelism <= 0 {
		r.Parallelism = defaultParallelism
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.FetchTimeout <= 0 {
		r.FetchTimeout = defaultFetchTimeout
	}
	if r.PersistTimeout <= 0 {
		r.PersistTimeout = defaultPersistTimeout
	}
	if r.Location == nil {
		r.Location = time.UTC
	}
	if r.DuplicatePolicy == "" {
		r.DuplicatePolicy = PolicyAdd
	}
	return r
}

// Validate rejects configurations the driver cannot execute.
func (r RunConfig) Validate() error {
	if r.Provider == "" {
		return errors.New("recorder: run provider is required")
	}
	if err := r.Schema.Validate(); err != nil {
		return err
	}
	if _, ok := levelDurations[r.Level]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLevel, r.Level)
	}
	if _, err := ParseDuplicatePolicy(string(r.DuplicatePolicy)); err != nil {
		return err
	}
	if r.CloseHour < 0 || r.CloseHour > 23 || r.CloseMinute < 0 || r.CloseMinute > 59 {
		return fmt.Errorf("recorder: invalid session close %02d:%02d", r.CloseHour, r.CloseMinute)
	}
	return nil
}

// EffectivePolicy is the policy records are written with. Force-update runs
// recompute their range, so stored records are always replaced.
func (r RunConfig) EffectivePolicy() DuplicatePolicy {
	if r.ForceUpdate {
		return PolicyOverwrite
	}
	return r.DuplicatePolicy
}

// sessionClosed reports whether now is at or past today's close cutoff.
func (r RunConfig) sessionClosed(now time.Time) bool {
	lt := now.In(r.Location)
	cutoff := time.Date(lt.Year(), lt.Month(), lt.Day(), r.CloseHour, r.CloseMinute, 0, 0, r.Location)
	return !lt.Before(cutoff)
}

// sameSession reports whether a and b fall on the same trading date in the run location.
func (r RunConfig) sameSession(a, b time.Time) bool {
	ay, am, ad := a.In(r.Location).Date()
	by, bm, bd := b.In(r.Location).Date()
	return ay == by && am == bm && ad == bd
}
