package domain

import (
	"time"

	"github.com/serbia-gov/followup/internal/shared/types"
)

// CallHistoryEntry is an append-only record of one call state transition
type CallHistoryEntry struct {
	ID         types.ID     `json:"id"`
	CallID     types.ID     `json:"call_id"`
	OldState   CallState    `json:"old_state"`
	NewState   CallState    `json:"new_state"`
	Before     CallSnapshot `json:"before"`
	After      CallSnapshot `json:"after"`
	Actor      string       `json:"actor"`
	OccurredAt time.Time    `json:"occurred_at"`
}

func newHistoryEntry(callID types.ID, from, to CallState, before, after CallSnapshot, actor string, at time.Time) CallHistoryEntry {
	return CallHistoryEntry{
		ID:         types.NewID(),
		CallID:     callID,
		OldState:   from,
		NewState:   to,
		Before:     before,
		After:      after,
		Actor:      actor,
		OccurredAt: at,
	}
}
