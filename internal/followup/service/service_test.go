package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/followup/memory"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/events"
	"github.com/serbia-gov/followup/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Health(context.Context) error { return nil }
func (p *recordingPublisher) Close() error                 { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store     *memory.Store
	pub       *recordingPublisher
	lifecycle *LifecycleManager
	scoring   *ScoringEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	pub := &recordingPublisher{}
	emitter := events.NewEmitter(pub, zap.NewNop())

	return &fixture{
		store:     store,
		pub:       pub,
		lifecycle: NewLifecycleManager(store, domain.Policy{MaxAttempts: 3, RetryDelay: 2 * time.Hour}, emitter, zap.NewNop()),
		scoring:   NewScoringEngine(store, emitter, zap.NewNop()),
	}
}

// seedCall mirrors one discharged stay and returns its call.
func (f *fixture) seedCall(t *testing.T, patientSource string) domain.Call {
	t.Helper()
	ctx := context.Background()
	discharged := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	_, err := f.store.UpsertPatients(ctx, []domain.Patient{{SourceID: patientSource, FirstName: "Test"}})
	require.NoError(t, err)
	_, _, err = f.store.UpsertStays(ctx, []domain.Stay{{
		SourceID:        "stay-" + patientSource,
		PatientSourceID: patientSource,
		DischargeDate:   &discharged,
	}})
	require.NoError(t, err)
	_, err = f.store.CreateMissingCalls(ctx, 72*time.Hour)
	require.NoError(t, err)

	stay, ok := f.store.StayBySource("stay-" + patientSource)
	require.True(t, ok)
	call, ok := f.store.CallForStay(stay.ID)
	require.True(t, ok)
	return call
}

func (f *fixture) patientID(t *testing.T, source string) types.ID {
	t.Helper()
	p, ok := f.store.PatientBySource(source)
	require.True(t, ok)
	return p.ID
}

func TestRecordAttempt_RetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.seedCall(t, "P1")

	noContact := domain.AttemptReport{Outcome: domain.OutcomeNoContact, Actor: "dialer"}

	got, err := f.lifecycle.RecordAttempt(ctx, call.ID, noContact, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatePending, got.State)
	assert.Equal(t, 1, got.Attempts)

	got, err = f.lifecycle.RecordAttempt(ctx, call.ID, noContact, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatePending, got.State)

	got, err = f.lifecycle.RecordAttempt(ctx, call.ID, noContact, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateFailed, got.State)
	assert.Equal(t, 3, got.Attempts)

	history, err := f.lifecycle.History(ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, history, 6)
	want := []domain.CallState{
		domain.CallStateInProgress, domain.CallStatePending,
		domain.CallStateInProgress, domain.CallStatePending,
		domain.CallStateInProgress, domain.CallStateFailed,
	}
	for i, e := range history {
		assert.Equal(t, want[i], e.NewState)
		assert.Equal(t, "dialer", e.Actor)
	}

	assert.Len(t, f.pub.types(), 6)
}

func TestRecordAttempt_TerminalIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.seedCall(t, "P1")

	_, err := f.lifecycle.RecordAttempt(ctx, call.ID, domain.AttemptReport{Outcome: domain.OutcomeConnected}, 0)
	require.NoError(t, err)

	before, err := f.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	historyBefore, err := f.lifecycle.History(ctx, call.ID)
	require.NoError(t, err)

	for _, outcome := range []domain.Outcome{domain.OutcomeStarted, domain.OutcomeConnected, domain.OutcomeNoContact} {
		_, err := f.lifecycle.RecordAttempt(ctx, call.ID, domain.AttemptReport{Outcome: outcome}, 3)
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "outcome %s", outcome)
	}

	after, err := f.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	historyAfter, err := f.lifecycle.History(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, historyBefore, historyAfter)
}

func TestRecordAttempt_UnknownCall(t *testing.T) {
	f := newFixture(t)

	_, err := f.lifecycle.RecordAttempt(context.Background(), types.NewID(), domain.AttemptReport{Outcome: domain.OutcomeStarted}, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownCall))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRecordAttempt_ConcurrentReportsSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.seedCall(t, "P1")

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.lifecycle.RecordAttempt(ctx, call.ID, domain.AttemptReport{Outcome: domain.OutcomeConnected}, 3)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	}
	assert.Equal(t, 1, succeeded)

	got, err := f.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCalled, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestListDueCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.seedCall(t, "P1")

	due, err := f.lifecycle.ListDueCalls(ctx, call.ScheduledAt.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = f.lifecycle.ListDueCalls(ctx, call.ScheduledAt, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, call.ID, due[0].ID)
}

func TestSubmitMetrics_AlertSingularity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCall(t, "P2")
	patientID := f.patientID(t, "P2")

	// 25: pain, non-adherence, fever, keywords
	first, err := f.scoring.SubmitMetrics(ctx, patientID, domain.Metrics{
		PainLevel: 7, Mood: 6, BowelNormal: true, Fever: true, UrgentKeywords: []string{"bleeding"},
		EvaluationDate: time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 25, first.Score)
	assert.Equal(t, domain.SeverityHigh, first.Severity)
	assert.True(t, first.AlertCreated)

	second, err := f.scoring.SubmitMetrics(ctx, patientID, domain.Metrics{
		PainLevel: 8, Fever: true, TreatmentAdherent: true, BowelNormal: true, Mood: 7,
		UrgentKeywords: []string{"urgent"},
		EvaluationDate: time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 40, second.Score)
	assert.False(t, second.AlertCreated)
	require.NotNil(t, second.Alert)
	assert.Equal(t, first.Alert.ID, second.Alert.ID)

	active := domain.AlertStatusActive
	alerts, total, err := f.scoring.ListAlerts(ctx, domain.AlertFilter{Status: &active, PatientID: &patientID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, alerts, 1)
}

func TestSubmitMetrics_ConcurrentLowScoresRaiseOneAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCall(t, "P2")
	patientID := f.patientID(t, "P2")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			_, err := f.scoring.SubmitMetrics(ctx, patientID, domain.Metrics{
				PainLevel: 9, Mood: 1, Fever: true,
				EvaluationDate: time.Date(2024, 1, 10+day, 0, 0, 0, 0, time.UTC),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	active := domain.AlertStatusActive
	_, total, err := f.scoring.ListAlerts(ctx, domain.AlertFilter{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSubmitMetrics_HealthyLeavesAlertsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCall(t, "P2")
	patientID := f.patientID(t, "P2")

	low, err := f.scoring.SubmitMetrics(ctx, patientID, domain.Metrics{PainLevel: 9, Mood: 1})
	require.NoError(t, err)
	require.True(t, low.AlertCreated)

	healthy, err := f.scoring.SubmitMetrics(ctx, patientID, domain.Metrics{
		PainLevel: 1, Mood: 9, TreatmentAdherent: true, BowelNormal: true,
		EvaluationDate: time.Now().AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 100, healthy.Score)
	assert.Equal(t, domain.SeverityNone, healthy.Severity)
	assert.Nil(t, healthy.Alert)

	still, err := f.store.ActiveAlertForPatient(ctx, patientID)
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Equal(t, low.Alert.ID, still.ID)
}

func TestSubmitMetrics_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.seedCall(t, "P2")
	patientID := f.patientID(t, "P2")

	_, err := f.scoring.SubmitMetrics(ctx, patientID, domain.Metrics{PainLevel: 11})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = f.scoring.SubmitMetrics(ctx, types.NewID(), domain.Metrics{PainLevel: 1})
	assert.True(t, errors.Is(err, errors.ErrUnknownPatient))

	unknownCall := types.NewID()
	_, err = f.scoring.SubmitMetrics(ctx, patientID, domain.Metrics{PainLevel: 1, CallID: &unknownCall})
	assert.True(t, errors.Is(err, errors.ErrUnknownCall))

	// Nothing was written by the rejected submissions.
	got, err := f.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Score)
	alerts, _, err := f.scoring.ListAlerts(ctx, domain.AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestSubmitMetrics_SetsCallScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.seedCall(t, "P2")
	patientID := f.patientID(t, "P2")

	_, err := f.scoring.SubmitMetrics(ctx, patientID, domain.Metrics{
		PainLevel: 3, Mood: 8, TreatmentAdherent: true, BowelNormal: false, CallID: &call.ID,
	})
	require.NoError(t, err)

	got, err := f.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.Equal(t, 90, *got.Score)
}

func TestResolveAndIgnoreAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCall(t, "P2")
	patientID := f.patientID(t, "P2")

	res, err := f.scoring.SubmitMetrics(ctx, patientID, domain.Metrics{PainLevel: 9, Mood: 1})
	require.NoError(t, err)

	resolved, err := f.scoring.ResolveAlert(ctx, res.Alert.ID, "dr.markovic")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertStatusResolved, resolved.Status)
	assert.Equal(t, "dr.markovic", resolved.ResolvedBy)

	_, err = f.scoring.ResolveAlert(ctx, res.Alert.ID, "dr.markovic")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = f.scoring.IgnoreAlert(ctx, res.Alert.ID, "nurse")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = f.scoring.ResolveAlert(ctx, types.NewID(), "dr.markovic")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	// A new low score after resolution opens a fresh alert, which can be ignored.
	again, err := f.scoring.SubmitMetrics(ctx, patientID, domain.Metrics{
		PainLevel: 9, Mood: 1, EvaluationDate: time.Now().AddDate(0, 0, 2),
	})
	require.NoError(t, err)
	require.True(t, again.AlertCreated)
	assert.NotEqual(t, res.Alert.ID, again.Alert.ID)

	ignored, err := f.scoring.IgnoreAlert(ctx, again.Alert.ID, "nurse")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertStatusIgnored, ignored.Status)

	assert.Contains(t, f.pub.types(), events.TypeAlertRaised)
	assert.Contains(t, f.pub.types(), events.TypeAlertResolved)
	assert.Contains(t, f.pub.types(), events.TypeAlertIgnored)
}
