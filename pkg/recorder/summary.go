package recorder

import (
	"fmt"
	"time"
)

// State is a step of the per-entity state machine.
type State string

const (
	StatePending     State = "pending"
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StatePersisting  State = "persisting"
	StateAdvancing   State = "advancing"

	// Terminal states.
	StateDone        State = "done"
	StateSkipped     State = "skipped" // empty window, nothing requested
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
)

// Terminal reports whether the entity finished for this run.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateSkipped, StateFailed, StateInterrupted:
		return true
	}
	return false
}

// EntityOutcome is the per-entity line of a run summary.
type EntityOutcome struct {
	EntityID        string
	State           State
	Fetches         int // successful provider calls
	Attempts        int // provider calls including retries
	Written         int
	Skipped         int
	Dropped         int
	WatermarkBefore time.Time
	WatermarkAfter  time.Time
	Err             error
}

// Summary reports every entity of a run so callers can alert or simply retry next cycle.
type Summary struct {
	RunID      string
	Job        string
	Provider   string
	Schema     string
	Level      Level
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []EntityOutcome
}

// Count returns how many entities ended in state s.
func (s *Summary) Count(state State) int {
	if s == nil {
		return 0
	}
	n := 0
	for _, o := range s.Outcomes {
		if o.State == state {
			n++
		}
	}
	return n
}

// Failed lists the failed and interrupted entities.
func (s *Summary) Failed() []EntityOutcome {
	if s == nil {
		return nil
	}
	var out []EntityOutcome
	for _, o := range s.Outcomes {
		if o.State == StateFailed || o.State == StateInterrupted {
			out = append(out, o)
		}
	}
	return out
}

// OK reports whether every entity completed.
func (s *Summary) OK() bool { return len(s.Failed()) == 0 }

// Outcome finds the line for an entity.
func (s *Summary) Outcome(entityID string) (EntityOutcome, bool) {
	if s == nil {
		return EntityOutcome{}, false
	}
	for _, o := range s.Outcomes {
		if o.EntityID == entityID {
			return o, true
		}
	}
	return EntityOutcome{}, false
}

// Totals sums written, skipped and dropped records.
func (s *Summary) Totals() (written, skipped, dropped int) {
	if s == nil {
		return 0, 0, 0
	}
	for _, o := range s.Outcomes {
		written += o.Written
		skipped += o.Skipped
		dropped += o.Dropped
	}
	return written, skipped, dropped
}

func (s *Summary) String() string {
	written, skipped, dropped := s.Totals()
	return fmt.Sprintf("run=%s job=%s provider=%s entities=%d done=%d skipped=%d failed=%d interrupted=%d written=%d dup=%d dropped=%d took=%s",
		s.RunID, s.Job, s.Provider, len(s.Outcomes),
		s.Count(StateDone), s.Count(StateSkipped), s.Count(StateFailed), s.Count(StateInterrupted),
		written, skipped, dropped, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
}
