// Package memory is an in-process operational store. It backs tests and
// `followup sync --dry-run`, and enforces the same uniqueness rules as the
// PostgreSQL schema.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/types"
)

type metricsKey struct {
	patientID types.ID
	date      string
}

// Store implements domain.Store in memory
type Store struct {
	mu sync.Mutex

	patients    map[string]domain.Patient // source id -> patient
	patientByID map[types.ID]string       // id -> source id
	stays       map[string]domain.Stay    // source id -> stay
	calls       map[types.ID]domain.Call
	callByStay  map[types.ID]types.ID
	history     map[types.ID][]domain.CallHistoryEntry
	metrics     map[metricsKey]domain.ScoreMetrics
	alerts      map[types.ID]domain.Alert
	watermark   *domain.Watermark
}

// New returns an empty store
func New() *Store {
	return &Store{
		patients:    map[string]domain.Patient{},
		patientByID: map[types.ID]string{},
		stays:       map[string]domain.Stay{},
		calls:       map[types.ID]domain.Call{},
		callByStay:  map[types.ID]types.ID{},
		history:     map[types.ID][]domain.CallHistoryEntry{},
		metrics:     map[metricsKey]domain.ScoreMetrics{},
		alerts:      map[types.ID]domain.Alert{},
	}
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error { return nil }

// UpsertPatients implements domain.MirrorRepository
func (s *Store) UpsertPatients(ctx context.Context, patients []domain.Patient) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	changed := 0
	for _, p := range patients {
		existing, ok := s.patients[p.SourceID]
		if !ok {
			p.ID = types.NewID()
			p.CreatedAt = now
			p.UpdatedAt = now
			s.patients[p.SourceID] = p
			s.patientByID[p.ID] = p.SourceID
			changed++
			continue
		}
		if existing.SameAs(p) {
			continue
		}
		existing.FirstName = p.FirstName
		existing.LastName = p.LastName
		existing.BirthDate = p.BirthDate
		existing.Phone = p.Phone
		existing.UpdatedAt = now
		s.patients[p.SourceID] = existing
		changed++
	}
	return changed, nil
}

// UpsertStays implements domain.MirrorRepository
func (s *Store) UpsertStays(ctx context.Context, stays []domain.Stay) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	upserted, skipped := 0, 0
	for _, in := range stays {
		patient, ok := s.patients[in.PatientSourceID]
		if !ok {
			skipped++
			continue
		}
		in.PatientID = patient.ID

		existing, ok := s.stays[in.SourceID]
		if !ok {
			in.ID = types.NewID()
			in.CreatedAt = now
			in.UpdatedAt = now
			s.stays[in.SourceID] = in
			upserted++
			continue
		}

		merged := existing.Merge(in)
		if merged.SameAs(existing) {
			continue
		}
		merged.UpdatedAt = now
		s.stays[in.SourceID] = merged
		upserted++

		// A stay moved to another patient takes its call along.
		if merged.PatientID != existing.PatientID {
			if callID, ok := s.callByStay[merged.ID]; ok {
				call := s.calls[callID]
				call.PatientID = merged.PatientID
				call.UpdatedAt = now
				s.calls[callID] = call
			}
		}
	}
	return upserted, skipped, nil
}

// CreateMissingCalls implements domain.MirrorRepository
func (s *Store) CreateMissingCalls(ctx context.Context, offset time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for _, stay := range s.stays {
		if !stay.Discharged() {
			continue
		}
		if _, exists := s.callByStay[stay.ID]; exists {
			continue
		}
		call, err := domain.NewCall(stay, offset)
		if err != nil {
			return created, err
		}
		s.calls[call.ID] = *call
		s.callByStay[stay.ID] = call.ID
		created++
	}
	return created, nil
}

// GetWatermark implements domain.MirrorRepository
func (s *Store) GetWatermark(ctx context.Context) (*domain.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watermark == nil {
		return nil, nil
	}
	w := *s.watermark
	return &w, nil
}

// SaveWatermark implements domain.MirrorRepository
func (s *Store) SaveWatermark(ctx context.Context, w domain.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watermark = &w
	return nil
}

// GetCall implements domain.CallRepository
func (s *Store) GetCall(ctx context.Context, id types.ID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[id]
	if !ok {
		return nil, errors.UnknownCall(id.String())
	}
	return &c, nil
}

// ApplyTransitions implements domain.CallRepository
func (s *Store) ApplyTransitions(ctx context.Context, call *domain.Call, expected domain.CallSnapshot, entries []domain.CallHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.calls[call.ID]
	if !ok {
		return errors.UnknownCall(call.ID.String())
	}
	if stored.State != expected.State || stored.Attempts != expected.Attempts {
		return errors.InvalidTransition("call", string(stored.State), "concurrent update")
	}

	// Ownership follows the mirrored stay, never the caller's copy.
	call.StayID, call.PatientID = stored.StayID, stored.PatientID
	s.calls[call.ID] = *call
	s.history[call.ID] = append(s.history[call.ID], entries...)
	return nil
}

// ListCalls implements domain.CallRepository
func (s *Store) ListCalls(ctx context.Context, filter domain.CallFilter) ([]domain.Call, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]domain.Call, 0, len(s.calls))
	for _, c := range s.calls {
		if filter.State != nil && c.State != *filter.State {
			continue
		}
		if filter.PatientID != nil && c.PatientID != *filter.PatientID {
			continue
		}
		if filter.ScheduledFrom != nil && c.ScheduledAt.Before(*filter.ScheduledFrom) {
			continue
		}
		if filter.ScheduledTo != nil && c.ScheduledAt.After(*filter.ScheduledTo) {
			continue
		}
		if !scoreInRange(c.Score, filter.MinScore, filter.MaxScore) {
			continue
		}
		all = append(all, c)
	}

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if filter.OrderDesc {
			a, b = b, a
		}
		switch filter.OrderBy {
		case "created_at":
			return a.CreatedAt.Before(b.CreatedAt)
		case "attempts":
			return a.Attempts < b.Attempts
		case "score":
			return derefScore(a.Score) < derefScore(b.Score)
		default:
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
	})

	return page(all, filter.Limit, filter.Offset), len(all), nil
}

// GetCallHistory implements domain.CallRepository
func (s *Store) GetCallHistory(ctx context.Context, callID types.ID) ([]domain.CallHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls[callID]; !ok {
		return nil, errors.UnknownCall(callID.String())
	}
	out := make([]domain.CallHistoryEntry, len(s.history[callID]))
	copy(out, s.history[callID])
	return out, nil
}

// PatientExists implements domain.ScoreRepository
func (s *Store) PatientExists(ctx context.Context, id types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.patientByID[id]
	return ok, nil
}

// SaveEvaluation implements domain.ScoreRepository
func (s *Store) SaveEvaluation(ctx context.Context, m *domain.ScoreMetrics, candidate *domain.Alert) (*domain.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.patientByID[m.PatientID]; !ok {
		return nil, false, errors.UnknownPatient(m.PatientID.String())
	}

	if m.CallID != nil {
		call, ok := s.calls[*m.CallID]
		if !ok || call.PatientID != m.PatientID {
			return nil, false, errors.UnknownCall(m.CallID.String())
		}
		score := m.Score
		call.Score = &score
		call.UpdatedAt = time.Now()
		s.calls[call.ID] = call
	}

	key := metricsKey{patientID: m.PatientID, date: m.EvaluationDate.Format(time.DateOnly)}
	if existing, ok := s.metrics[key]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	}
	s.metrics[key] = *m

	active := s.activeAlertLocked(m.PatientID)
	if candidate == nil || active != nil {
		return active, false, nil
	}

	candidate.MetricsID = &m.ID
	s.alerts[candidate.ID] = *candidate
	a := *candidate
	return &a, true, nil
}

// GetAlert implements domain.ScoreRepository
func (s *Store) GetAlert(ctx context.Context, id types.ID) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, errors.NotFound("alert", id.String())
	}
	return &a, nil
}

// UpdateAlertStatus implements domain.ScoreRepository
func (s *Store) UpdateAlertStatus(ctx context.Context, alert *domain.Alert, from domain.AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.alerts[alert.ID]
	if !ok {
		return errors.NotFound("alert", alert.ID.String())
	}
	if stored.Status != from {
		return errors.InvalidTransition("alert", string(stored.Status), string(alert.Status))
	}
	s.alerts[alert.ID] = *alert
	return nil
}

// ActiveAlertForPatient implements domain.ScoreRepository
func (s *Store) ActiveAlertForPatient(ctx context.Context, patientID types.ID) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activeAlertLocked(patientID), nil
}

func (s *Store) activeAlertLocked(patientID types.ID) *domain.Alert {
	for _, a := range s.alerts {
		if a.PatientID == patientID && a.Status == domain.AlertStatusActive {
			return &a
		}
	}
	return nil
}

// ListAlerts implements domain.ScoreRepository
func (s *Store) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]domain.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.Severity != nil && a.Severity != *filter.Severity {
			continue
		}
		if filter.PatientID != nil && a.PatientID != *filter.PatientID {
			continue
		}
		if filter.CreatedFrom != nil && a.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if filter.CreatedTo != nil && a.CreatedAt.After(*filter.CreatedTo) {
			continue
		}
		score := a.Score
		if !scoreInRange(&score, filter.MinScore, filter.MaxScore) {
			continue
		}
		all = append(all, a)
	}

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if filter.OrderDesc {
			a, b = b, a
		}
		if filter.OrderBy == "score" {
			return a.Score < b.Score
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	return page(all, filter.Limit, filter.Offset), len(all), nil
}

// Snapshot helpers for tests

// Patients returns all mirrored patients
func (s *Store) Patients() []domain.Patient {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Patient, 0, len(s.patients))
	for _, p := range s.patients {
		out = append(out, p)
	}
	return out
}

// PatientBySource returns a mirrored patient by source id
func (s *Store) PatientBySource(sourceID string) (domain.Patient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patients[sourceID]
	return p, ok
}

// StayBySource returns a mirrored stay by source id
func (s *Store) StayBySource(sourceID string) (domain.Stay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stays[sourceID]
	return st, ok
}

// CallForStay returns the call derived from a stay
func (s *Store) CallForStay(stayID types.ID) (domain.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.callByStay[stayID]
	if !ok {
		return domain.Call{}, false
	}
	return s.calls[id], true
}

// CallCount returns the number of stored calls
func (s *Store) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.calls)
}

func scoreInRange(score, minScore, maxScore *int) bool {
	if minScore == nil && maxScore == nil {
		return true
	}
	if score == nil {
		return false
	}
	if minScore != nil && *score < *minScore {
		return false
	}
	if maxScore != nil && *score > *maxScore {
		return false
	}
	return true
}

func derefScore(score *int) int {
	if score == nil {
		return -1
	}
	return *score
}

func page[T any](all []T, limit, offset int) []T {
	limit = domain.NormalizeLimit(limit)
	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

var _ domain.Store = (*Store)(nil)
