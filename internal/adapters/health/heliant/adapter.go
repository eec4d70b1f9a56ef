package heliant

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	"github.com/serbia-gov/followup/internal/adapters/health"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Adapter reads patients and hospitalizations from the Heliant HIS. It
// never writes: every statement is a parameterized SELECT.
type Adapter struct {
	db      *sql.DB
	config  Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger

	patientQuery      string
	patientQueryAfter string
	stayQuery         string
	stayQueryAfter    string
}

// Config holds Heliant adapter configuration
type Config struct {
	health.Config

	PatientTable string
	StayTable    string

	// Circuit breaker: consecutive page failures before opening, and how
	// long to stay open before probing again.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultHeliantConfig returns default Heliant configuration
func DefaultHeliantConfig() Config {
	return Config{
		Config:          health.DefaultConfig(),
		PatientTable:    "dbo.Patients",
		StayTable:       "dbo.Hospitalizations",
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
	}
}

// Open connects to the Heliant database with a small read-only pool and
// verifies the connection.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Adapter, error) {
	a, err := Connect(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := a.db.PingContext(ctx); err != nil {
		a.db.Close()
		return nil, errors.SourceUnavailable("ping", err)
	}
	return a, nil
}

// Connect prepares the pool without contacting the server. The first query
// or Health call establishes the connection.
func Connect(cfg Config, log *zap.Logger) (*Adapter, error) {
	connStr := fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s;ApplicationIntent=ReadOnly",
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.User,
		cfg.Password,
	)
	if cfg.Encrypt {
		connStr += ";encrypt=true;TrustServerCertificate=true"
	} else {
		connStr += ";encrypt=disable"
	}

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, errors.SourceUnavailable("open", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return New(db, cfg, log), nil
}

// New wraps an existing connection pool
func New(db *sql.DB, cfg Config, log *zap.Logger) *Adapter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}

	a := &Adapter{
		db:     db,
		config: cfg,
		log:    log.With(zap.String("source", "heliant"), zap.String("institution", cfg.InstitutionName)),
	}

	if cfg.PagesPerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.PagesPerSecond), 1)
	}

	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "heliant",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// The caller gave up; the source itself did not fail.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.Warn("source circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	a.buildQueries()
	return a
}

// buildQueries renders the paged SELECTs once. Table names come from
// configuration; every value is bound through sql.Named.
func (a *Adapter) buildQueries() {
	patientBase := fmt.Sprintf(`
		SELECT TOP (@limit)
			p.PatientID,
			p.FirstName,
			p.LastName,
			p.DateOfBirth,
			p.Phone,
			p.LastModified
		FROM %s p
		WHERE (p.LastModified >= @since
			OR EXISTS (
				SELECT 1 FROM %s h
				WHERE h.PatientID = p.PatientID
				  AND (h.LastModified >= @since OR h.DischargeDate >= @since)
			))`, a.config.PatientTable, a.config.StayTable)
	a.patientQuery = patientBase + "\n\t\tORDER BY p.PatientID"
	a.patientQueryAfter = patientBase + "\n\t\t  AND p.PatientID > @after\n\t\tORDER BY p.PatientID"

	stayBase := fmt.Sprintf(`
		SELECT TOP (@limit)
			h.HospitalizationID,
			h.PatientID,
			h.Department,
			h.AttendingDoctor,
			h.AdmissionDate,
			h.DischargeDate,
			h.Status,
			h.LastModified
		FROM %s h
		WHERE (h.LastModified >= @since OR h.DischargeDate >= @since)`, a.config.StayTable)
	a.stayQuery = stayBase + "\n\t\tORDER BY h.HospitalizationID"
	a.stayQueryAfter = stayBase + "\n\t\t  AND h.HospitalizationID > @after\n\t\tORDER BY h.HospitalizationID"
}

// SourceSystem returns the source system name
func (a *Adapter) SourceSystem() string {
	return "heliant"
}

// Health checks database connectivity
func (a *Adapter) Health(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return errors.SourceUnavailable("health", err)
	}
	return nil
}

// Close closes the connection pool
func (a *Adapter) Close() error {
	return a.db.Close()
}

// ChangedPatients pages through patients modified since the given time,
// plus patients whose stays changed or were discharged in the same window.
func (a *Adapter) ChangedPatients(ctx context.Context, since time.Time) iter.Seq2[[]health.PatientRecord, error] {
	return pages(ctx, a, "patients", func(ctx context.Context, after string) ([]health.PatientRecord, string, error) {
		return a.fetchPatientPage(ctx, since, after)
	})
}

// ChangedStays pages through stays modified or discharged since the given time
func (a *Adapter) ChangedStays(ctx context.Context, since time.Time) iter.Seq2[[]health.StayRecord, error] {
	return pages(ctx, a, "stays", func(ctx context.Context, after string) ([]health.StayRecord, string, error) {
		return a.fetchStayPage(ctx, since, after)
	})
}

type pageFunc[T any] func(ctx context.Context, after string) ([]T, string, error)

// pages turns a keyset page fetcher into a restartable sequence of batches.
// A short page ends the sequence.
func pages[T any](ctx context.Context, a *Adapter, entity string, fetch pageFunc[T]) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		after := ""
		for {
			if a.limiter != nil {
				if err := a.limiter.Wait(ctx); err != nil {
					yield(nil, errors.SourceUnavailable("fetch "+entity, err))
					return
				}
			}

			var last string
			result, err := a.breaker.Execute(func() (interface{}, error) {
				batch, l, err := fetch(ctx, after)
				last = l
				return batch, err
			})
			metrics.RecordSourcePage(entity, err)
			if err != nil {
				a.log.Error("source page fetch failed",
					zap.String("entity", entity),
					zap.String("after", after),
					zap.Error(err),
				)
				yield(nil, errors.SourceUnavailable("fetch "+entity, err))
				return
			}

			batch := result.([]T)
			if len(batch) == 0 {
				return
			}
			if !yield(batch, nil) {
				return
			}
			if len(batch) < a.config.BatchSize {
				return
			}
			after = last
		}
	}
}

func (a *Adapter) fetchPatientPage(ctx context.Context, since time.Time, after string) ([]health.PatientRecord, string, error) {
	query := a.patientQuery
	args := []any{
		sql.Named("limit", a.config.BatchSize),
		sql.Named("since", since),
	}
	if after != "" {
		query = a.patientQueryAfter
		args = append(args, sql.Named("after", after))
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query patients: %w", err)
	}
	defer rows.Close()

	batch := make([]health.PatientRecord, 0, a.config.BatchSize)
	for rows.Next() {
		var p health.PatientRecord
		var first, last, phone sql.NullString
		var birth sql.NullTime

		if err := rows.Scan(&p.SourceID, &first, &last, &birth, &phone, &p.LastModified); err != nil {
			return nil, "", fmt.Errorf("failed to scan patient: %w", err)
		}

		p.FirstName = first.String
		p.LastName = last.String
		p.Phone = phone.String
		if birth.Valid {
			b := birth.Time
			p.BirthDate = &b
		}

		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to read patients: %w", err)
	}

	lastID := ""
	if len(batch) > 0 {
		lastID = batch[len(batch)-1].SourceID
	}
	return batch, lastID, nil
}

func (a *Adapter) fetchStayPage(ctx context.Context, since time.Time, after string) ([]health.StayRecord, string, error) {
	query := a.stayQuery
	args := []any{
		sql.Named("limit", a.config.BatchSize),
		sql.Named("since", since),
	}
	if after != "" {
		query = a.stayQueryAfter
		args = append(args, sql.Named("after", after))
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query hospitalizations: %w", err)
	}
	defer rows.Close()

	batch := make([]health.StayRecord, 0, a.config.BatchSize)
	for rows.Next() {
		var s health.StayRecord
		var department, doctor, status sql.NullString
		var admitted, discharged sql.NullTime

		err := rows.Scan(
			&s.SourceID,
			&s.PatientSourceID,
			&department,
			&doctor,
			&admitted,
			&discharged,
			&status,
			&s.LastModified,
		)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan hospitalization: %w", err)
		}

		s.Service = department.String
		s.AttendingPhysician = doctor.String
		s.Status = status.String
		if admitted.Valid {
			t := admitted.Time
			s.AdmissionDate = &t
		}
		if discharged.Valid {
			t := discharged.Time
			s.DischargeDate = &t
		}

		batch = append(batch, s)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to read hospitalizations: %w", err)
	}

	lastID := ""
	if len(batch) > 0 {
		lastID = batch[len(batch)-1].SourceID
	}
	return batch, lastID, nil
}

// Verify interface implementation
var _ health.Source = (*Adapter)(nil)
