package domain

import (
	"strings"
	"time"

	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/types"
)

// AlertStatus is the lifecycle status of an alert
type AlertStatus string

const (
	AlertStatusActive   AlertStatus = "active"
	AlertStatusResolved AlertStatus = "resolved"
	AlertStatusIgnored  AlertStatus = "ignored"
)

// Alert flags a patient whose score crossed a risk threshold. At most one
// alert per patient is active at a time.
type Alert struct {
	ID             types.ID    `json:"id"`
	PatientID      types.ID    `json:"patient_id"`
	MetricsID      *types.ID   `json:"metrics_id,omitempty"`
	Severity       Severity    `json:"severity"`
	Score          int         `json:"score"`
	Reason         string      `json:"reason"`
	RequiredAction string      `json:"required_action"`
	Status         AlertStatus `json:"status"`
	ResolvedBy     string      `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NewAlert builds an active alert for an evaluation, or nil when the
// score is healthy.
func NewAlert(sm *ScoreMetrics, now time.Time) *Alert {
	sev := SeverityFor(sm.Score)
	if sev == SeverityNone {
		return nil
	}

	metricsID := sm.ID
	return &Alert{
		ID:             types.NewID(),
		PatientID:      sm.PatientID,
		MetricsID:      &metricsID,
		Severity:       sev,
		Score:          sm.Score,
		Reason:         strings.Join(sm.Reasons(), "; "),
		RequiredAction: RequiredAction(sev),
		Status:         AlertStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Resolve closes an active alert
func (a *Alert) Resolve(actor string, now time.Time) error {
	return a.close(AlertStatusResolved, actor, now)
}

// Ignore dismisses an active alert without clinical action
func (a *Alert) Ignore(actor string, now time.Time) error {
	return a.close(AlertStatusIgnored, actor, now)
}

func (a *Alert) close(to AlertStatus, actor string, now time.Time) error {
	if a.Status != AlertStatusActive {
		return errors.InvalidTransition("alert", string(a.Status), string(to))
	}
	a.Status = to
	a.ResolvedBy = actor
	a.ResolvedAt = &now
	a.UpdatedAt = now
	return nil
}
