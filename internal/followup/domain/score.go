package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/types"
)

// Score deductions
const (
	deductPain         = 20
	deductNonAdherence = 15
	deductBowel        = 10
	deductMood         = 15
	deductFever        = 20
	deductKeywords     = 20

	painThreshold = 5
	moodThreshold = 5
)

// Severity thresholds (inclusive upper bounds)
const (
	HighSeverityMax   = 30
	MediumSeverityMax = 60
)

// Metrics are the wellbeing inputs collected during a call
type Metrics struct {
	PainLevel         int       `json:"pain_level"`
	TreatmentAdherent bool      `json:"treatment_adherent"`
	BowelNormal       bool      `json:"bowel_normal"`
	Mood              int       `json:"mood"`
	Fever             bool      `json:"fever"`
	UrgentKeywords    []string  `json:"urgent_keywords,omitempty"`
	EvaluationDate    time.Time `json:"evaluation_date"`
	CallID            *types.ID `json:"call_id,omitempty"`
}

// Validate rejects out-of-range inputs
func (m Metrics) Validate() error {
	details := map[string]string{}
	if m.PainLevel < 0 || m.PainLevel > 10 {
		details["pain_level"] = fmt.Sprintf("must be between 0 and 10, got %d", m.PainLevel)
	}
	if m.Mood < 0 || m.Mood > 10 {
		details["mood"] = fmt.Sprintf("must be between 0 and 10, got %d", m.Mood)
	}
	if len(details) > 0 {
		return errors.Validation("invalid metrics", details)
	}
	return nil
}

// Normalized trims keywords, drops blanks and duplicates, and truncates the
// evaluation date to a calendar day (today when unset).
func (m Metrics) Normalized(now time.Time) Metrics {
	out := m
	out.UrgentKeywords = nil
	seen := make(map[string]bool, len(m.UrgentKeywords))
	for _, k := range m.UrgentKeywords {
		k = strings.TrimSpace(k)
		if k == "" || seen[strings.ToLower(k)] {
			continue
		}
		seen[strings.ToLower(k)] = true
		out.UrgentKeywords = append(out.UrgentKeywords, k)
	}

	d := m.EvaluationDate
	if d.IsZero() {
		d = now
	}
	out.EvaluationDate = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return out
}

// Score computes the wellness score. It is a pure function of the six inputs.
func Score(m Metrics) int {
	score := 100
	if m.PainLevel > painThreshold {
		score -= deductPain
	}
	if !m.TreatmentAdherent {
		score -= deductNonAdherence
	}
	if !m.BowelNormal {
		score -= deductBowel
	}
	if m.Mood < moodThreshold {
		score -= deductMood
	}
	if m.Fever {
		score -= deductFever
	}
	if hasKeywords(m.UrgentKeywords) {
		score -= deductKeywords
	}
	return max(0, min(100, score))
}

func hasKeywords(keywords []string) bool {
	for _, k := range keywords {
		if strings.TrimSpace(k) != "" {
			return true
		}
	}
	return false
}

// Reasons lists the inputs that lowered the score
func (m Metrics) Reasons() []string {
	var reasons []string
	if m.PainLevel > painThreshold {
		reasons = append(reasons, fmt.Sprintf("pain %d/10", m.PainLevel))
	}
	if !m.TreatmentAdherent {
		reasons = append(reasons, "treatment not followed")
	}
	if !m.BowelNormal {
		reasons = append(reasons, "bowel function abnormal")
	}
	if m.Mood < moodThreshold {
		reasons = append(reasons, fmt.Sprintf("mood %d/10", m.Mood))
	}
	if m.Fever {
		reasons = append(reasons, "fever")
	}
	if hasKeywords(m.UrgentKeywords) {
		reasons = append(reasons, "urgent keywords: "+strings.Join(m.UrgentKeywords, ", "))
	}
	return reasons
}

// Severity classifies a score for alerting
type Severity string

const (
	SeverityNone   Severity = ""
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// SeverityFor maps a score to an alert severity. SeverityNone means healthy.
func SeverityFor(score int) Severity {
	switch {
	case score <= HighSeverityMax:
		return SeverityHigh
	case score <= MediumSeverityMax:
		return SeverityMedium
	default:
		return SeverityNone
	}
}

// RequiredAction is the follow-up expected from clinical staff
func RequiredAction(s Severity) string {
	switch s {
	case SeverityHigh:
		return "Contact the patient's physician today"
	case SeverityMedium:
		return "Schedule a control call within 48 hours"
	case SeverityLow:
		return "Review at next routine check"
	default:
		return ""
	}
}

// ScoreMetrics is one stored evaluation. Score is always derived.
type ScoreMetrics struct {
	ID        types.ID `json:"id"`
	PatientID types.ID `json:"patient_id"`
	Metrics
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// NewScoreMetrics validates, normalizes and scores an evaluation
func NewScoreMetrics(patientID types.ID, m Metrics, now time.Time) (*ScoreMetrics, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m = m.Normalized(now)

	return &ScoreMetrics{
		ID:        types.NewID(),
		PatientID: patientID,
		Metrics:   m,
		Score:     Score(m),
		CreatedAt: now,
	}, nil
}
