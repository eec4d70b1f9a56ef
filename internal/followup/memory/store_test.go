package memory

import (
	"context"
	"testing"
	"time"

	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *Store, n int) {
	t.Helper()
	ctx := context.Background()

	patients := make([]domain.Patient, 0, n)
	stays := make([]domain.Stay, 0, n)
	for i := range n {
		src := string(rune('A' + i))
		discharge := time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC)
		patients = append(patients, domain.Patient{SourceID: "P" + src, LastName: src})
		stays = append(stays, domain.Stay{SourceID: "S" + src, PatientSourceID: "P" + src, DischargeDate: &discharge})
	}

	_, err := s.UpsertPatients(ctx, patients)
	require.NoError(t, err)
	_, _, err = s.UpsertStays(ctx, stays)
	require.NoError(t, err)
	created, err := s.CreateMissingCalls(ctx, 72*time.Hour)
	require.NoError(t, err)
	require.Equal(t, n, created)
}

func TestListCalls_FilterOrderAndPage(t *testing.T) {
	s := New()
	seed(t, s, 5)
	ctx := context.Background()

	calls, total, err := s.ListCalls(ctx, domain.CallFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, calls, 2)
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), calls[0].ScheduledAt)

	to := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	calls, total, err = s.ListCalls(ctx, domain.CallFilter{ScheduledTo: &to, OrderDesc: true})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.True(t, calls[0].ScheduledAt.After(calls[1].ScheduledAt))

	minScore := 10
	_, total, err = s.ListCalls(ctx, domain.CallFilter{MinScore: &minScore})
	require.NoError(t, err)
	assert.Zero(t, total, "unscored calls never match a score range")
}

func TestUpsertPatients_CountsOnlyChanges(t *testing.T) {
	s := New()
	ctx := context.Background()

	n, err := s.UpsertPatients(ctx, []domain.Patient{{SourceID: "P1", LastName: "Ilić"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.UpsertPatients(ctx, []domain.Patient{{SourceID: "P1", LastName: "Ilić"}})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.UpsertPatients(ctx, []domain.Patient{{SourceID: "P1", LastName: "Ilić", Phone: "0641234567"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, ok := s.PatientBySource("P1")
	require.True(t, ok)
	assert.Equal(t, "0641234567", p.Phone)
}

func TestApplyTransitions_RejectsStaleSnapshot(t *testing.T) {
	s := New()
	seed(t, s, 1)
	ctx := context.Background()

	calls, _, err := s.ListCalls(ctx, domain.CallFilter{})
	require.NoError(t, err)
	call := calls[0]
	stale := call.Snapshot()

	updated := call
	updated.State = domain.CallStateInProgress
	require.NoError(t, s.ApplyTransitions(ctx, &updated, stale, nil))

	err = s.ApplyTransitions(ctx, &updated, stale, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	missing := domain.Call{ID: types.NewID()}
	err = s.ApplyTransitions(ctx, &missing, stale, nil)
	assert.True(t, errors.Is(err, errors.ErrUnknownCall))
}

func TestSaveEvaluation_RejectsForeignCall(t *testing.T) {
	s := New()
	seed(t, s, 2)
	ctx := context.Background()

	pa, _ := s.PatientBySource("PA")
	sb, _ := s.StayBySource("SB")
	callB, ok := s.CallForStay(sb.ID)
	require.True(t, ok)

	m, err := domain.NewScoreMetrics(pa.ID, domain.Metrics{Mood: 8, TreatmentAdherent: true, BowelNormal: true, CallID: &callB.ID}, time.Now())
	require.NoError(t, err)
	_, _, err = s.SaveEvaluation(ctx, m, nil)
	assert.True(t, errors.Is(err, errors.ErrUnknownCall))

	got, _ := s.CallForStay(sb.ID)
	assert.Nil(t, got.Score, "nothing written on rejection")
}

func TestUpsertStays_ReassignedStayMovesItsCall(t *testing.T) {
	s := New()
	seed(t, s, 2)
	ctx := context.Background()

	sa, _ := s.StayBySource("SA")
	call, ok := s.CallForStay(sa.ID)
	require.True(t, ok)
	stale := call

	discharge := *sa.DischargeDate
	n, _, err := s.UpsertStays(ctx, []domain.Stay{{SourceID: "SA", PatientSourceID: "PB", DischargeDate: &discharge}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pb, _ := s.PatientBySource("PB")
	moved, _ := s.CallForStay(sa.ID)
	assert.Equal(t, pb.ID, moved.PatientID)

	calls, total, err := s.ListCalls(ctx, domain.CallFilter{PatientID: &pb.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, calls, 2)

	updated := stale
	updated.State = domain.CallStateInProgress
	require.NoError(t, s.ApplyTransitions(ctx, &updated, stale.Snapshot(), nil))
	got, _ := s.CallForStay(sa.ID)
	assert.Equal(t, pb.ID, got.PatientID, "a copy read before the move does not restore the old patient")
}
