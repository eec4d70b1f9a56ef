package domain

import (
	"fmt"
	"time"

	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/types"
)

// CallState is the lifecycle state of a follow-up call
type CallState string

const (
	CallStatePending    CallState = "pending"
	CallStateInProgress CallState = "in_progress"
	CallStateCalled     CallState = "called"
	CallStateFailed     CallState = "failed"
)

// Terminal reports whether no further transitions are allowed
func (s CallState) Terminal() bool {
	return s == CallStateCalled || s == CallStateFailed
}

// Valid reports whether s is a known state
func (s CallState) Valid() bool {
	switch s {
	case CallStatePending, CallStateInProgress, CallStateCalled, CallStateFailed:
		return true
	}
	return false
}

// Outcome is what the telephony side reports about an attempt
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeConnected Outcome = "connected"
	OutcomeNoContact Outcome = "no_contact"
)

// DefaultMaxAttempts applies when a caller passes a non-positive ceiling
const DefaultMaxAttempts = 3

// Call is the one follow-up call derived from a discharged stay.
type Call struct {
	ID              types.ID   `json:"id"`
	StayID          types.ID   `json:"stay_id"`
	PatientID       types.ID   `json:"patient_id"`
	State           CallState  `json:"state"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	ContactedAt     *time.Time `json:"contacted_at,omitempty"`
	Attempts        int        `json:"attempts"`
	DurationSeconds int        `json:"duration_seconds"`
	Summary         string     `json:"summary,omitempty"`
	Score           *int       `json:"score,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewCall creates a pending call for a discharged stay
func NewCall(stay Stay, offset time.Duration) (*Call, error) {
	if stay.DischargeDate == nil {
		return nil, fmt.Errorf("stay %s has no discharge date", stay.SourceID)
	}

	now := time.Now()
	return &Call{
		ID:          types.NewID(),
		StayID:      stay.ID,
		PatientID:   stay.PatientID,
		State:       CallStatePending,
		ScheduledAt: stay.DischargeDate.Add(offset),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// CallSnapshot is the persisted before/after image of a call in history
type CallSnapshot struct {
	State           CallState  `json:"state"`
	Attempts        int        `json:"attempts"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	ContactedAt     *time.Time `json:"contacted_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	Summary         string     `json:"summary,omitempty"`
}

// Snapshot captures the mutable fields of the call
func (c *Call) Snapshot() CallSnapshot {
	return CallSnapshot{
		State:           c.State,
		Attempts:        c.Attempts,
		ScheduledAt:     c.ScheduledAt,
		ContactedAt:     c.ContactedAt,
		DurationSeconds: c.DurationSeconds,
		Summary:         c.Summary,
	}
}

// AttemptReport describes one call attempt outcome
type AttemptReport struct {
	Outcome Outcome `json:"outcome"`
	// Set for OutcomeConnected. ContactedAt defaults to the report time.
	ContactedAt     *time.Time `json:"contacted_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	Actor           string     `json:"actor,omitempty"`
}

// Validate checks the report before any state is touched
func (r AttemptReport) Validate() error {
	switch r.Outcome {
	case OutcomeStarted, OutcomeConnected, OutcomeNoContact:
	default:
		return errors.Validation("unknown attempt outcome", map[string]string{"outcome": string(r.Outcome)})
	}
	if r.DurationSeconds < 0 {
		return errors.Validation("duration must not be negative", map[string]string{"duration_seconds": fmt.Sprint(r.DurationSeconds)})
	}
	return nil
}

// Policy holds the retry rules for the state machine
type Policy struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Apply advances the call for one attempt report and returns the history
// entries to append, one per transition. On error the call is unchanged.
//
// A pending call receiving connected or no_contact first moves to
// in_progress, so every reported outcome maps to explicit transitions.
func (c *Call) Apply(r AttemptReport, p Policy, now time.Time) ([]CallHistoryEntry, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if c.State.Terminal() {
		return nil, errors.InvalidTransition("call", string(c.State), string(r.Outcome))
	}

	actor := r.Actor
	if actor == "" {
		actor = "system"
	}

	work := *c
	var entries []CallHistoryEntry
	move := func(to CallState, mutate func(*Call)) {
		before := work.Snapshot()
		from := work.State
		if mutate != nil {
			mutate(&work)
		}
		work.State = to
		work.UpdatedAt = now
		entries = append(entries, newHistoryEntry(work.ID, from, to, before, work.Snapshot(), actor, now))
	}

	// Retry ceiling reached before this attempt.
	if work.Attempts >= p.MaxAttempts {
		move(CallStateFailed, nil)
		*c = work
		return entries, nil
	}

	switch r.Outcome {
	case OutcomeStarted:
		if work.State != CallStatePending {
			return nil, errors.InvalidTransition("call", string(work.State), string(r.Outcome))
		}
		move(CallStateInProgress, nil)

	case OutcomeConnected:
		if work.State == CallStatePending {
			move(CallStateInProgress, nil)
		}
		contacted := now
		if r.ContactedAt != nil {
			contacted = *r.ContactedAt
		}
		move(CallStateCalled, func(w *Call) {
			w.Attempts++
			w.ContactedAt = &contacted
			w.DurationSeconds = r.DurationSeconds
			w.Summary = r.Summary
		})

	case OutcomeNoContact:
		if work.State == CallStatePending {
			move(CallStateInProgress, nil)
		}
		if work.Attempts+1 < p.MaxAttempts {
			move(CallStatePending, func(w *Call) {
				w.Attempts++
				w.ScheduledAt = now.Add(p.RetryDelay)
			})
		} else {
			move(CallStateFailed, func(w *Call) {
				w.Attempts++
			})
		}
	}

	*c = work
	return entries, nil
}
