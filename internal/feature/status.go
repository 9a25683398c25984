package feature

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a source's cache
type State int

const (
	StateIdle State = iota
	StatePending
	StateReady
	StateFailed
	StateStale
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStale:
		return "stale"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason explains why a cache is Stale
type Reason int

const (
	ReasonNone Reason = iota
	ReasonCalculatorUpgraded
	ReasonTempoChanged
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCalculatorUpgraded:
		return "calculator-upgraded"
	case ReasonTempoChanged:
		return "tempo-changed"
	case ReasonManual:
		return "manual"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Status is a source's cache status. Values are immutable; the helpers
// below build new ones.
type Status struct {
	State  State
	Reason Reason

	// StaleCalculators lists the calculators whose tracks are outdated
	// when Reason is ReasonCalculatorUpgraded.
	StaleCalculators []string

	// Progress is in [0, 1] and only meaningful while Pending.
	Progress    float64
	HasProgress bool
	JobID       string

	// CalculatorID and Message describe a failure.
	CalculatorID string
	Message      string
}

// Idle is the status of a bound source that has never been analysed.
func Idle() Status { return Status{State: StateIdle} }

// Pending marks a job in flight.
func Pending(jobID string) Status { return Status{State: StatePending, JobID: jobID} }

// Ready marks a fully populated cache.
func Ready() Status { return Status{State: StateReady} }

// Failed records the calculator that failed and its message.
func Failed(calculatorID, message string) Status {
	return Status{State: StateFailed, CalculatorID: calculatorID, Message: message}
}

// Stale marks outdated content.
func Stale(reason Reason, calculators ...string) Status {
	return Status{State: StateStale, Reason: reason, StaleCalculators: calculators}
}

// WithProgress returns a copy carrying a progress ratio.
func (s Status) WithProgress(ratio float64) Status {
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	s.Progress = ratio
	s.HasProgress = true
	return s
}

// CalculatorStale reports whether tracks from calculatorID should be
// treated as outdated. Tempo and manual staleness cover every calculator.
func (s Status) CalculatorStale(calculatorID string) bool {
	if s.State != StateStale {
		return false
	}
	if s.Reason != ReasonCalculatorUpgraded {
		return true
	}
	return slices.Contains(s.StaleCalculators, calculatorID)
}

func (s Status) String() string {
	switch s.State {
	case StatePending:
		if s.HasProgress {
			return fmt.Sprintf("pending (%.0f%%)", s.Progress*100)
		}
		return "pending"
	case StateFailed:
		return fmt.Sprintf("failed (%s: %s)", s.CalculatorID, s.Message)
	case StateStale:
		if len(s.StaleCalculators) > 0 {
			return fmt.Sprintf("stale (%s: %v)", s.Reason, s.StaleCalculators)
		}
		return fmt.Sprintf("stale (%s)", s.Reason)
	default:
		return s.State.String()
	}
}
