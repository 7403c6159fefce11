package recorder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownLevel is returned for unsupported granularities.
var ErrUnknownLevel = errors.New("recorder: unknown level")

// Level is the time resolution of a record.
type Level string

const (
	Level1Min   Level = "1m"
	Level5Min   Level = "5m"
	Level15Min  Level = "15m"
	Level30Min  Level = "30m"
	Level1Hour  Level = "1h"
	Level4Hour  Level = "4h"
	Level1Day   Level = "1d"
	Level1Week  Level = "1wk"
	Level1Month Level = "1mon"
)

var levelDurations = map[Level]time.Duration{
	Level1Min:   time.Minute,
	Level5Min:   5 * time.Minute,
	Level15Min:  15 * time.Minute,
	Level30Min:  30 * time.Minute,
	Level1Hour:  time.Hour,
	Level4Hour:  4 * time.Hour,
	Level1Day:   24 * time.Hour,
	Level1Week:  7 * 24 * time.Hour,
	Level1Month: 30 * 24 * time.Hour,
}

// ParseLevel accepts the canonical names plus a few common aliases.
func ParseLevel(raw string) (Level, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "1min":
		s = "1m"
	case "60m", "1hour":
		s = "1h"
	case "day", "daily", "1day":
		s = "1d"
	case "1w", "week", "weekly":
		s = "1wk"
	case "1mo", "1month", "month", "monthly":
		s = "1mon"
	}
	l := Level(s)
	if _, ok := levelDurations[l]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownLevel, raw)
	}
	return l, nil
}

// Duration is the nominal length of one bar.
func (l Level) Duration() time.Duration { return levelDurations[l] }

// Intraday reports whether bars are finer than one day.
func (l Level) Intraday() bool {
	d, ok := levelDurations[l]
	return ok && d < 24*time.Hour
}

// Floor aligns t to the start of its bar. Daily and coarser bars align to
// midnight of the calendar date in loc; intraday bars align in UTC.
func (l Level) Floor(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if l.Intraday() {
		return t.UTC().Truncate(l.Duration())
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

func (l Level) String() string { return string(l) }
