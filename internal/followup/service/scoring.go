package service

import (
	"context"
	"time"

	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/events"
	"github.com/serbia-gov/followup/internal/shared/metrics"
	"github.com/serbia-gov/followup/internal/shared/types"
	"go.uber.org/zap"
)

// ScoringEngine scores evaluations and manages alerts
type ScoringEngine struct {
	repo    domain.ScoreRepository
	emitter *events.Emitter
	log     *zap.Logger
	now     func() time.Time
}

// NewScoringEngine creates a scoring engine
func NewScoringEngine(repo domain.ScoreRepository, emitter *events.Emitter, log *zap.Logger) *ScoringEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &ScoringEngine{
		repo:    repo,
		emitter: emitter,
		log:     log.With(zap.String("component", "scoring")),
		now:     time.Now,
	}
}

// SubmitResult is the outcome of one metrics submission
type SubmitResult struct {
	MetricsID    types.ID        `json:"metrics_id"`
	Score        int             `json:"score"`
	Severity     domain.Severity `json:"severity,omitempty"`
	AlertCreated bool            `json:"alert_created"`
	// Alert is the patient's active alert when the score is at risk: the new
	// one, or the one already open.
	Alert *domain.Alert `json:"alert,omitempty"`
}

// SubmitMetrics validates and scores metrics, stores them, and raises an
// alert when the score is at risk and the patient has no active alert.
// Healthy scores leave alerts untouched.
func (e *ScoringEngine) SubmitMetrics(ctx context.Context, patientID types.ID, m domain.Metrics) (*SubmitResult, error) {
	now := e.now()

	sm, err := domain.NewScoreMetrics(patientID, m, now)
	if err != nil {
		return nil, err
	}

	exists, err := e.repo.PatientExists(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.UnknownPatient(patientID.String())
	}

	candidate := domain.NewAlert(sm, now)
	active, created, err := e.repo.SaveEvaluation(ctx, sm, candidate)
	if err != nil {
		return nil, err
	}

	metrics.RecordScore(sm.Score)

	result := &SubmitResult{
		MetricsID:    sm.ID,
		Score:        sm.Score,
		Severity:     domain.SeverityFor(sm.Score),
		AlertCreated: created,
	}
	if candidate == nil {
		e.log.Debug("healthy evaluation", zap.String("patient_id", patientID.String()), zap.Int("score", sm.Score))
		return result, nil
	}

	result.Alert = active
	if created {
		metrics.RecordAlert(string(active.Severity), "raised")
		e.emitter.Emit(ctx, events.NewEvent(events.TypeAlertRaised, eventSource, active.ID.String(), active))
		e.log.Info("alert raised",
			zap.String("alert_id", active.ID.String()),
			zap.String("patient_id", patientID.String()),
			zap.String("severity", string(active.Severity)),
			zap.Int("score", sm.Score),
		)
	} else {
		metrics.RecordAlert(string(candidate.Severity), "kept")
		e.log.Info("active alert already open",
			zap.String("patient_id", patientID.String()),
			zap.Int("score", sm.Score),
		)
	}

	return result, nil
}

// ResolveAlert marks an active alert resolved
func (e *ScoringEngine) ResolveAlert(ctx context.Context, alertID types.ID, actor string) (*domain.Alert, error) {
	return e.close(ctx, alertID, actor, (*domain.Alert).Resolve, events.TypeAlertResolved, "resolved")
}

// IgnoreAlert dismisses an active alert
func (e *ScoringEngine) IgnoreAlert(ctx context.Context, alertID types.ID, actor string) (*domain.Alert, error) {
	return e.close(ctx, alertID, actor, (*domain.Alert).Ignore, events.TypeAlertIgnored, "ignored")
}

func (e *ScoringEngine) close(
	ctx context.Context,
	alertID types.ID,
	actor string,
	transition func(*domain.Alert, string, time.Time) error,
	eventType, action string,
) (*domain.Alert, error) {
	alert, err := e.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	from := alert.Status
	if err := transition(alert, actor, e.now()); err != nil {
		return nil, err
	}
	if err := e.repo.UpdateAlertStatus(ctx, alert, from); err != nil {
		return nil, err
	}

	metrics.RecordAlert(string(alert.Severity), action)
	e.emitter.Emit(ctx, events.NewEvent(eventType, eventSource, alert.ID.String(), alert).WithActor(actor))
	e.log.Info("alert closed",
		zap.String("alert_id", alert.ID.String()),
		zap.String("status", string(alert.Status)),
		zap.String("actor", actor),
	)

	return alert, nil
}

// ListAlerts lists alerts matching filter with the total count
func (e *ScoringEngine) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, int, error) {
	return e.repo.ListAlerts(ctx, filter)
}
