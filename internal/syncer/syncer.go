// Package syncer mirrors patients and stays from the hospital source system
// into the operational store and derives follow-up calls.
package syncer

import (
	"context"
	"time"

	"github.com/serbia-gov/followup/internal/adapters/health"
	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/shared/events"
	"github.com/serbia-gov/followup/internal/shared/metrics"
	"go.uber.org/zap"
)

// Config controls the sync window and call scheduling
type Config struct {
	// Lookback is the trailing window covered by every run.
	Lookback time.Duration
	// Overlap is subtracted from the watermark so a run after an outage
	// re-covers the boundary.
	Overlap time.Duration
	// CallOffset is added to the discharge date to schedule the call.
	CallOffset time.Duration
}

// DefaultConfig returns the default sync configuration
func DefaultConfig() Config {
	return Config{
		Lookback:   7 * 24 * time.Hour,
		Overlap:    time.Hour,
		CallOffset: 72 * time.Hour,
	}
}

// SyncReport summarizes one run. Counts include only rows inserted or
// actually changed.
type SyncReport struct {
	PatientsUpserted int           `json:"patients_upserted"`
	StaysUpserted    int           `json:"stays_upserted"`
	StaysSkipped     int           `json:"stays_skipped"`
	CallsCreated     int           `json:"calls_created"`
	Since            time.Time     `json:"since"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
}

// Synchronizer runs extraction from the source and upserts into the store
type Synchronizer struct {
	source  health.Source
	store   domain.MirrorRepository
	config  Config
	emitter *events.Emitter
	log     *zap.Logger
	now     func() time.Time
}

// New creates a synchronizer
func New(source health.Source, store domain.MirrorRepository, cfg Config, emitter *events.Emitter, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		source:  source,
		store:   store,
		config:  cfg,
		emitter: emitter,
		log:     log.With(zap.String("component", "synchronizer"), zap.String("source", source.SourceSystem())),
		now:     time.Now,
	}
}

// RunSync performs one synchronization. Patients are written before stays,
// stays before calls. The watermark advances to the run's start time only
// when every step succeeds; a failed run may leave earlier batches applied,
// which the next run overwrites idempotently.
func (s *Synchronizer) RunSync(ctx context.Context) (SyncReport, error) {
	report := SyncReport{StartedAt: s.now()}

	err := s.run(ctx, &report)
	report.Duration = s.now().Sub(report.StartedAt)
	metrics.RecordSyncRows(report.PatientsUpserted, report.StaysUpserted, report.CallsCreated)

	if err != nil {
		s.log.Error("sync run failed",
			zap.Time("since", report.Since),
			zap.Int("patients_upserted", report.PatientsUpserted),
			zap.Int("stays_upserted", report.StaysUpserted),
			zap.Duration("duration", report.Duration),
			zap.Error(err),
		)
		s.emitter.Emit(ctx, events.NewEvent(events.TypeSyncFailed, s.source.SourceSystem(), "", map[string]any{
			"since": report.Since,
			"error": err.Error(),
		}))
		return report, err
	}

	metrics.RecordWatermark(report.StartedAt)
	s.log.Info("sync run completed",
		zap.Time("since", report.Since),
		zap.Int("patients_upserted", report.PatientsUpserted),
		zap.Int("stays_upserted", report.StaysUpserted),
		zap.Int("stays_skipped", report.StaysSkipped),
		zap.Int("calls_created", report.CallsCreated),
		zap.Duration("duration", report.Duration),
	)
	s.emitter.Emit(ctx, events.NewEvent(events.TypeSyncCompleted, s.source.SourceSystem(), "", report))

	return report, nil
}

func (s *Synchronizer) run(ctx context.Context, report *SyncReport) error {
	watermark, err := s.store.GetWatermark(ctx)
	if err != nil {
		return err
	}
	report.Since = s.windowStart(report.StartedAt, watermark)

	for batch, err := range s.source.ChangedPatients(ctx, report.Since) {
		if err != nil {
			return err
		}
		n, err := s.store.UpsertPatients(ctx, patientsFromRecords(batch))
		if err != nil {
			return err
		}
		report.PatientsUpserted += n
	}

	for batch, err := range s.source.ChangedStays(ctx, report.Since) {
		if err != nil {
			return err
		}
		n, skipped, err := s.store.UpsertStays(ctx, staysFromRecords(batch))
		if err != nil {
			return err
		}
		report.StaysUpserted += n
		report.StaysSkipped += skipped
		if skipped > 0 {
			s.log.Warn("stays skipped: patient not mirrored", zap.Int("count", skipped))
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	created, err := s.store.CreateMissingCalls(ctx, s.config.CallOffset)
	if err != nil {
		return err
	}
	report.CallsCreated = created

	return s.store.SaveWatermark(ctx, domain.Watermark{
		LastSuccessAt:    report.StartedAt,
		PatientsUpserted: report.PatientsUpserted,
		StaysUpserted:    report.StaysUpserted,
		CallsCreated:     report.CallsCreated,
	})
}

// windowStart is now - Lookback, pulled back to watermark - Overlap when
// the last success is older than the lookback window.
func (s *Synchronizer) windowStart(now time.Time, w *domain.Watermark) time.Time {
	since := now.Add(-s.config.Lookback)
	if w == nil {
		return since
	}
	if fromWatermark := w.LastSuccessAt.Add(-s.config.Overlap); fromWatermark.Before(since) {
		return fromWatermark
	}
	return since
}

// Watermark returns the last successful run, or nil
func (s *Synchronizer) Watermark(ctx context.Context) (*domain.Watermark, error) {
	return s.store.GetWatermark(ctx)
}

func patientsFromRecords(records []health.PatientRecord) []domain.Patient {
	out := make([]domain.Patient, 0, len(records))
	for _, r := range records {
		out = append(out, domain.Patient{
			SourceID:  r.SourceID,
			FirstName: r.FirstName,
			LastName:  r.LastName,
			BirthDate: r.BirthDate,
			Phone:     r.Phone,
		})
	}
	return out
}

func staysFromRecords(records []health.StayRecord) []domain.Stay {
	out := make([]domain.Stay, 0, len(records))
	for _, r := range records {
		out = append(out, domain.Stay{
			SourceID:           r.SourceID,
			PatientSourceID:    r.PatientSourceID,
			Service:            r.Service,
			AttendingPhysician: r.AttendingPhysician,
			AdmissionDate:      r.AdmissionDate,
			DischargeDate:      r.DischargeDate,
			Status:             r.Status,
		})
	}
	return out
}
