package migration

import "fmt"

// Phase is one stage of a migration run. Phases only move forward.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseExtracting
	PhaseMigrating
	PhaseDeleting
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "NOT_STARTED"
	case PhaseExtracting:
		return "EXTRACTING"
	case PhaseMigrating:
		return "MIGRATING"
	case PhaseDeleting:
		return "DELETING"
	case PhaseComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Status is the progress of a run. Current and Total are only meaningful
// while migrating: Current is the zero-based index of the item being
// processed and Total the number of extracted items.
type Status struct {
	Phase   Phase
	Current int
	Total   int
}

func (s Status) String() string {
	if s.Phase == PhaseMigrating {
		return fmt.Sprintf("%s(%d/%d)", s.Phase, s.Current, s.Total)
	}
	return s.Phase.String()
}

// Percentage returns the whole-number share of items started.
func (s Status) Percentage() int {
	switch s.Phase {
	case PhaseDeleting, PhaseComplete:
		return 100
	case PhaseMigrating:
		if s.Total <= 0 {
			return 100
		}
		return s.Current * 100 / s.Total
	default:
		return 0
	}
}

// statusTracker enforces forward-only phase changes within one run.
type statusTracker struct {
	current Status
}

func (t *statusTracker) advance(next Status) error {
	if next.Phase < t.current.Phase {
		return fmt.Errorf("migration phase cannot move from %s back to %s", t.current.Phase, next.Phase)
	}
	if next.Phase == t.current.Phase && next.Phase == PhaseMigrating && next.Current < t.current.Current {
		return fmt.Errorf("migration progress cannot move from %s back to %s", t.current, next)
	}
	t.current = next
	return nil
}
