package syncer_test

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/serbia-gov/followup/internal/adapters/health"
	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/followup/memory"
	"github.com/serbia-gov/followup/internal/followup/service"
	"github.com/serbia-gov/followup/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSource struct {
	patients []health.PatientRecord
	stays    []health.StayRecord
}

func (s staticSource) ChangedPatients(context.Context, time.Time) iter.Seq2[[]health.PatientRecord, error] {
	return func(yield func([]health.PatientRecord, error) bool) { yield(s.patients, nil) }
}

func (s staticSource) ChangedStays(context.Context, time.Time) iter.Seq2[[]health.StayRecord, error] {
	return func(yield func([]health.StayRecord, error) bool) { yield(s.stays, nil) }
}

func (staticSource) SourceSystem() string         { return "static" }
func (staticSource) Health(context.Context) error { return nil }
func (staticSource) Close() error                 { return nil }

// Discharge to sync to call attempts to scoring to alert resolution.
func TestDischargeToAlertScenario(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p1Discharge := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	p2Discharge := time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC)

	src := staticSource{
		patients: []health.PatientRecord{
			{SourceID: "P1", FirstName: "Ana", LastName: "Petrović"},
			{SourceID: "P2", FirstName: "Marko", LastName: "Jovanović"},
		},
		stays: []health.StayRecord{
			{SourceID: "S1", PatientSourceID: "P1", Service: "Kardiologija", DischargeDate: &p1Discharge},
			{SourceID: "S2", PatientSourceID: "P2", Service: "Hirurgija", DischargeDate: &p2Discharge},
		},
	}

	synchronizer := syncer.New(src, store, syncer.DefaultConfig(), nil, zap.NewNop())
	lifecycle := service.NewLifecycleManager(store, domain.Policy{MaxAttempts: 3, RetryDelay: 2 * time.Hour}, nil, zap.NewNop())
	scoring := service.NewScoringEngine(store, nil, zap.NewNop())

	// (1) one pending call scheduled three days after discharge
	report, err := synchronizer.RunSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.CallsCreated)

	s1, ok := store.StayBySource("S1")
	require.True(t, ok)
	call1, ok := store.CallForStay(s1.ID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStatePending, call1.State)
	assert.Equal(t, time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC), call1.ScheduledAt)

	// (2) three unanswered attempts: pending twice, then failed
	noContact := domain.AttemptReport{Outcome: domain.OutcomeNoContact}
	for i, want := range []domain.CallState{domain.CallStatePending, domain.CallStatePending, domain.CallStateFailed} {
		got, err := lifecycle.RecordAttempt(ctx, call1.ID, noContact, 3)
		require.NoError(t, err, "attempt %d", i+1)
		assert.Equal(t, want, got.State, "attempt %d", i+1)
	}

	// (3) P2 is reached and reports pain, fever and an urgent keyword
	s2, ok := store.StayBySource("S2")
	require.True(t, ok)
	call2, ok := store.CallForStay(s2.ID)
	require.True(t, ok)

	reached, err := lifecycle.RecordAttempt(ctx, call2.ID, domain.AttemptReport{
		Outcome: domain.OutcomeConnected, DurationSeconds: 310, Summary: "Reports pain and fever",
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCalled, reached.State)

	result, err := scoring.SubmitMetrics(ctx, s2.PatientID, domain.Metrics{
		PainLevel: 8, Fever: true, TreatmentAdherent: true, BowelNormal: true, Mood: 6,
		UrgentKeywords: []string{"hitno"},
		CallID:         &call2.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 40, result.Score)
	assert.Equal(t, domain.SeverityMedium, result.Severity)
	require.True(t, result.AlertCreated)

	// (4) resolve, then a healthy evaluation must not reopen it
	resolved, err := scoring.ResolveAlert(ctx, result.Alert.ID, "dr.nikolic")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertStatusResolved, resolved.Status)

	healthy, err := scoring.SubmitMetrics(ctx, s2.PatientID, domain.Metrics{
		PainLevel: 1, TreatmentAdherent: true, BowelNormal: true, Mood: 9,
		EvaluationDate: time.Now().AddDate(0, 0, 3),
	})
	require.NoError(t, err)
	assert.False(t, healthy.AlertCreated)

	active, err := store.ActiveAlertForPatient(ctx, s2.PatientID)
	require.NoError(t, err)
	assert.Nil(t, active)

	got, err := store.GetAlert(ctx, result.Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertStatusResolved, got.Status)

	// A repeat sync leaves everything in place.
	again, err := synchronizer.RunSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.PatientsUpserted+again.StaysUpserted+again.CallsCreated)
	assert.Equal(t, 2, store.CallCount())
}
