package domain

import (
	"context"
	"time"

	"github.com/serbia-gov/followup/internal/shared/types"
)

// MirrorRepository persists data mirrored from the hospital source system
type MirrorRepository interface {
	// UpsertPatients inserts or updates patients keyed on SourceID and
	// returns how many rows were inserted or actually changed.
	UpsertPatients(ctx context.Context, patients []Patient) (int, error)

	// UpsertStays resolves each stay's patient by source id and upserts it.
	// Stays whose patient is not mirrored are skipped and counted.
	UpsertStays(ctx context.Context, stays []Stay) (upserted, skipped int, err error)

	// CreateMissingCalls inserts one pending call for every discharged stay
	// without a call, scheduled at discharge + offset.
	CreateMissingCalls(ctx context.Context, offset time.Duration) (int, error)

	// GetWatermark returns nil when no run has succeeded yet.
	GetWatermark(ctx context.Context) (*Watermark, error)
	SaveWatermark(ctx context.Context, w Watermark) error
}

// CallRepository persists calls and their history
type CallRepository interface {
	GetCall(ctx context.Context, id types.ID) (*Call, error)

	// ApplyTransitions writes call only if the stored state and attempt
	// count still equal expected, and appends entries in the same
	// transaction. A lost race returns an InvalidTransition error.
	ApplyTransitions(ctx context.Context, call *Call, expected CallSnapshot, entries []CallHistoryEntry) error

	ListCalls(ctx context.Context, filter CallFilter) ([]Call, int, error)
	GetCallHistory(ctx context.Context, callID types.ID) ([]CallHistoryEntry, error)
}

// ScoreRepository persists evaluations and alerts
type ScoreRepository interface {
	PatientExists(ctx context.Context, id types.ID) (bool, error)

	// SaveEvaluation upserts metrics per (patient, evaluation date), sets the
	// call's score when metrics reference a call, and inserts candidate only
	// if the patient has no active alert. It returns the patient's active
	// alert afterwards and whether candidate was inserted.
	SaveEvaluation(ctx context.Context, m *ScoreMetrics, candidate *Alert) (*Alert, bool, error)

	GetAlert(ctx context.Context, id types.ID) (*Alert, error)
	// UpdateAlertStatus writes alert only if its stored status is still from.
	UpdateAlertStatus(ctx context.Context, alert *Alert, from AlertStatus) error
	ActiveAlertForPatient(ctx context.Context, patientID types.ID) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, int, error)
}

// Store is the full operational store
type Store interface {
	MirrorRepository
	CallRepository
	ScoreRepository
	Ping(ctx context.Context) error
}

// Listing limits
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// NormalizeLimit applies the default and ceiling to a page size
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// CallFilter defines filters for listing calls
type CallFilter struct {
	State         *CallState `json:"state,omitempty"`
	PatientID     *types.ID  `json:"patient_id,omitempty"`
	ScheduledFrom *time.Time `json:"scheduled_from,omitempty"`
	ScheduledTo   *time.Time `json:"scheduled_to,omitempty"`
	MinScore      *int       `json:"min_score,omitempty"`
	MaxScore      *int       `json:"max_score,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
	OrderBy       string     `json:"order_by,omitempty"`
	OrderDesc     bool       `json:"order_desc,omitempty"`
}

// AlertFilter defines filters for listing alerts
type AlertFilter struct {
	Status      *AlertStatus `json:"status,omitempty"`
	Severity    *Severity    `json:"severity,omitempty"`
	PatientID   *types.ID    `json:"patient_id,omitempty"`
	CreatedFrom *time.Time   `json:"created_from,omitempty"`
	CreatedTo   *time.Time   `json:"created_to,omitempty"`
	MinScore    *int         `json:"min_score,omitempty"`
	MaxScore    *int         `json:"max_score,omitempty"`
	Limit       int          `json:"limit,omitempty"`
	Offset      int          `json:"offset,omitempty"`
	OrderBy     string       `json:"order_by,omitempty"`
	OrderDesc   bool         `json:"order_desc,omitempty"`
}
