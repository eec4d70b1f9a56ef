package domain

import (
	"testing"
	"time"

	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy() Metrics {
	return Metrics{PainLevel: 2, TreatmentAdherent: true, BowelNormal: true, Mood: 8}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Metrics)
		want   int
	}{
		{"healthy", func(m *Metrics) {}, 100},
		{"pain above five", func(m *Metrics) { m.PainLevel = 6 }, 80},
		{"pain exactly five", func(m *Metrics) { m.PainLevel = 5 }, 100},
		{"not adherent", func(m *Metrics) { m.TreatmentAdherent = false }, 85},
		{"bowel abnormal", func(m *Metrics) { m.BowelNormal = false }, 90},
		{"low mood", func(m *Metrics) { m.Mood = 4 }, 85},
		{"fever", func(m *Metrics) { m.Fever = true }, 80},
		{"keywords", func(m *Metrics) { m.UrgentKeywords = []string{"bleeding"} }, 80},
		{"blank keywords ignored", func(m *Metrics) { m.UrgentKeywords = []string{" ", ""} }, 100},
		{"pain and fever", func(m *Metrics) { m.PainLevel = 8; m.Fever = true }, 60},
		{"pain fever keyword", func(m *Metrics) {
			m.PainLevel = 8
			m.Fever = true
			m.UrgentKeywords = []string{"urgent"}
		}, 40},
		{"everything bad", func(m *Metrics) {
			*m = Metrics{PainLevel: 8, Mood: 2, Fever: true, UrgentKeywords: []string{"urgent"}}
		}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := healthy()
			tt.mutate(&m)
			assert.Equal(t, tt.want, Score(m))
			assert.Equal(t, tt.want, Score(m), "deterministic")
		})
	}
}

func TestScoreBound(t *testing.T) {
	for pain := 0; pain <= 10; pain++ {
		for mood := 0; mood <= 10; mood++ {
			for mask := 0; mask < 16; mask++ {
				m := Metrics{
					PainLevel:         pain,
					Mood:              mood,
					TreatmentAdherent: mask&1 != 0,
					BowelNormal:       mask&2 != 0,
					Fever:             mask&4 != 0,
				}
				if mask&8 != 0 {
					m.UrgentKeywords = []string{"help"}
				}
				s := Score(m)
				assert.GreaterOrEqual(t, s, 0)
				assert.LessOrEqual(t, s, 100)
			}
		}
	}
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, SeverityHigh, SeverityFor(0))
	assert.Equal(t, SeverityHigh, SeverityFor(30))
	assert.Equal(t, SeverityMedium, SeverityFor(31))
	assert.Equal(t, SeverityMedium, SeverityFor(60))
	assert.Equal(t, SeverityNone, SeverityFor(61))
	assert.Equal(t, SeverityNone, SeverityFor(100))
}

func TestMetricsValidate(t *testing.T) {
	m := healthy()
	m.PainLevel = 11
	m.Mood = -1

	err := m.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Details, "pain_level")
	assert.Contains(t, appErr.Details, "mood")

	assert.NoError(t, healthy().Validate())
}

func TestNewScoreMetrics(t *testing.T) {
	now := time.Date(2024, 1, 14, 15, 30, 0, 0, time.UTC)
	m := Metrics{PainLevel: 8, Fever: true, TreatmentAdherent: true, BowelNormal: true, Mood: 7,
		UrgentKeywords: []string{" urgent ", "URGENT", ""}}

	sm, err := NewScoreMetrics(types.NewID(), m, now)
	require.NoError(t, err)

	assert.Equal(t, 40, sm.Score)
	assert.Equal(t, []string{"urgent"}, sm.UrgentKeywords)
	assert.Equal(t, time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC), sm.EvaluationDate)

	alert := NewAlert(sm, now)
	require.NotNil(t, alert)
	assert.Equal(t, SeverityMedium, alert.Severity)
	assert.Equal(t, AlertStatusActive, alert.Status)
	assert.Equal(t, "pain 8/10; fever; urgent keywords: urgent", alert.Reason)
	assert.Equal(t, sm.ID, *alert.MetricsID)

	bad := healthy()
	bad.PainLevel = 42
	_, err = NewScoreMetrics(types.NewID(), bad, now)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestNewAlertHealthyScore(t *testing.T) {
	sm, err := NewScoreMetrics(types.NewID(), healthy(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, NewAlert(sm, time.Now()))
}

func TestAlertResolve(t *testing.T) {
	a := &Alert{Status: AlertStatusActive}
	now := time.Now()

	require.NoError(t, a.Resolve("dr.jovanovic", now))
	assert.Equal(t, AlertStatusResolved, a.Status)
	assert.Equal(t, "dr.jovanovic", a.ResolvedBy)

	err := a.Resolve("dr.jovanovic", now)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	err = a.Ignore("nurse", now)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	assert.Equal(t, AlertStatusResolved, a.Status)
}

func TestStayMergeKeepsDischargeDate(t *testing.T) {
	first := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	later := time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)

	stored := Stay{SourceID: "S1", DischargeDate: &first, Status: "discharged"}
	merged := stored.Merge(Stay{SourceID: "S1", DischargeDate: &later, Status: "archived"})

	assert.Equal(t, first, *merged.DischargeDate)
	assert.Equal(t, "archived", merged.Status)

	open := Stay{SourceID: "S2"}
	merged = open.Merge(Stay{SourceID: "S2", DischargeDate: &later})
	require.NotNil(t, merged.DischargeDate)
	assert.Equal(t, later, *merged.DischargeDate)
}
