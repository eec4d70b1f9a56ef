package service

import (
	"context"
	"time"

	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/shared/events"
	"github.com/serbia-gov/followup/internal/shared/metrics"
	"github.com/serbia-gov/followup/internal/shared/types"
	"go.uber.org/zap"
)

const eventSource = "followup-core"

// LifecycleManager advances calls as the telephony side reports attempts.
type LifecycleManager struct {
	repo    domain.CallRepository
	policy  domain.Policy
	emitter *events.Emitter
	log     *zap.Logger
	now     func() time.Time
}

// NewLifecycleManager creates a lifecycle manager. policy.MaxAttempts is the
// ceiling used when a caller does not pass one.
func NewLifecycleManager(repo domain.CallRepository, policy domain.Policy, emitter *events.Emitter, log *zap.Logger) *LifecycleManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &LifecycleManager{
		repo:    repo,
		policy:  policy,
		emitter: emitter,
		log:     log.With(zap.String("component", "lifecycle")),
		now:     time.Now,
	}
}

// RecordAttempt applies one attempt outcome to a call. Terminal calls and
// lost races fail with an InvalidTransition error and leave the call as it
// was. maxAttempts <= 0 uses the configured ceiling.
func (m *LifecycleManager) RecordAttempt(ctx context.Context, callID types.ID, report domain.AttemptReport, maxAttempts int) (*domain.Call, error) {
	call, err := m.repo.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	policy := m.policy
	if maxAttempts > 0 {
		policy.MaxAttempts = maxAttempts
	}

	expected := call.Snapshot()
	entries, err := call.Apply(report, policy, m.now())
	if err != nil {
		m.log.Info("attempt rejected",
			zap.String("call_id", callID.String()),
			zap.String("state", string(expected.State)),
			zap.String("outcome", string(report.Outcome)),
			zap.Error(err),
		)
		return nil, err
	}

	if err := m.repo.ApplyTransitions(ctx, call, expected, entries); err != nil {
		m.log.Warn("failed to persist call transition",
			zap.String("call_id", callID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	for _, e := range entries {
		metrics.RecordCallTransition(string(e.OldState), string(e.NewState))
		m.emitter.Emit(ctx, events.NewEvent(events.TypeCallTransitioned, eventSource, call.ID.String(), map[string]any{
			"call_id":    call.ID,
			"patient_id": call.PatientID,
			"old_state":  e.OldState,
			"new_state":  e.NewState,
			"attempts":   e.After.Attempts,
		}).WithActor(e.Actor))
	}

	m.log.Info("call advanced",
		zap.String("call_id", callID.String()),
		zap.String("from", string(expected.State)),
		zap.String("to", string(call.State)),
		zap.Int("attempts", call.Attempts),
	)

	return call, nil
}

// ListDueCalls returns pending calls scheduled at or before now, earliest first
func (m *LifecycleManager) ListDueCalls(ctx context.Context, now time.Time, limit int) ([]domain.Call, error) {
	pending := domain.CallStatePending
	calls, _, err := m.repo.ListCalls(ctx, domain.CallFilter{
		State:       &pending,
		ScheduledTo: &now,
		Limit:       limit,
		OrderBy:     "scheduled_at",
	})
	return calls, err
}

// ListCalls lists calls matching filter with the total count
func (m *LifecycleManager) ListCalls(ctx context.Context, filter domain.CallFilter) ([]domain.Call, int, error) {
	return m.repo.ListCalls(ctx, filter)
}

// History returns a call's transitions in order
func (m *LifecycleManager) History(ctx context.Context, callID types.ID) ([]domain.CallHistoryEntry, error) {
	return m.repo.GetCallHistory(ctx, callID)
}
