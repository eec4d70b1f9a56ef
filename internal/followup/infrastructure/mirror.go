package infrastructure

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/types"
)

const watermarkName = "synchronizer"

// Rows are only touched when a mirrored column actually differs, so the
// affected-row count is zero for an unchanged source.
const upsertPatientSQL = `
	INSERT INTO followup.patients AS p (
		id, source_id, first_name, last_name, birth_date, phone, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	ON CONFLICT (source_id) DO UPDATE SET
		first_name = EXCLUDED.first_name,
		last_name  = EXCLUDED.last_name,
		birth_date = EXCLUDED.birth_date,
		phone      = EXCLUDED.phone,
		updated_at = NOW()
	WHERE (p.first_name, p.last_name, p.birth_date, p.phone)
		IS DISTINCT FROM (EXCLUDED.first_name, EXCLUDED.last_name, EXCLUDED.birth_date, EXCLUDED.phone)`

// discharge_date is immutable once set.
const upsertStaySQL = `
	INSERT INTO followup.stays AS s (
		id, source_id, patient_id, service, attending_physician,
		admission_date, discharge_date, status, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	ON CONFLICT (source_id) DO UPDATE SET
		patient_id          = EXCLUDED.patient_id,
		service             = EXCLUDED.service,
		attending_physician = EXCLUDED.attending_physician,
		admission_date      = EXCLUDED.admission_date,
		discharge_date      = COALESCE(s.discharge_date, EXCLUDED.discharge_date),
		status              = EXCLUDED.status,
		updated_at          = NOW()
	WHERE (s.patient_id, s.service, s.attending_physician, s.admission_date, s.status, s.discharge_date)
		IS DISTINCT FROM (EXCLUDED.patient_id, EXCLUDED.service, EXCLUDED.attending_physician,
			EXCLUDED.admission_date, EXCLUDED.status, COALESCE(s.discharge_date, EXCLUDED.discharge_date))`

// Calls belong to the stay's current patient. A source correction that
// moves a stay to another patient moves its call in the same transaction.
const reassignCallsSQL = `
	UPDATE followup.calls c SET
		patient_id = s.patient_id,
		updated_at = NOW()
	FROM followup.stays s
	WHERE c.stay_id = s.id
	  AND c.patient_id <> s.patient_id
	  AND s.source_id = ANY($1)`

// A concurrent run inserting the same stay hits the unique constraint and
// becomes a no-op.
const createMissingCallsSQL = `
	INSERT INTO followup.calls (
		id, stay_id, patient_id, state, scheduled_at, attempts, created_at, updated_at
	)
	SELECT gen_random_uuid(), s.id, s.patient_id, 'pending',
		s.discharge_date + make_interval(secs => $1::double precision), 0, NOW(), NOW()
	FROM followup.stays s
	WHERE s.discharge_date IS NOT NULL
	  AND NOT EXISTS (SELECT 1 FROM followup.calls c WHERE c.stay_id = s.id)
	ON CONFLICT (stay_id) DO NOTHING`

// UpsertPatients implements domain.MirrorRepository. The batch is one
// transaction.
func (r *PostgresStore) UpsertPatients(ctx context.Context, patients []domain.Patient) (int, error) {
	if len(patients) == 0 {
		return 0, nil
	}
	defer observe("upsert_patients", time.Now())

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range patients {
		batch.Queue(upsertPatientSQL, types.NewID(), p.SourceID, p.FirstName, p.LastName, p.BirthDate, p.Phone)
	}

	changed, err := execBatch(ctx, tx, batch)
	if err != nil {
		return 0, errors.Wrap(err, "failed to upsert patients")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "failed to commit transaction")
	}
	return changed, nil
}

// UpsertStays implements domain.MirrorRepository
func (r *PostgresStore) UpsertStays(ctx context.Context, stays []domain.Stay) (int, int, error) {
	if len(stays) == 0 {
		return 0, 0, nil
	}
	defer observe("upsert_stays", time.Now())

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	patientIDs, err := resolvePatients(ctx, tx, stays)
	if err != nil {
		return 0, 0, err
	}

	skipped := 0
	batch := &pgx.Batch{}
	for _, s := range stays {
		patientID, ok := patientIDs[s.PatientSourceID]
		if !ok {
			skipped++
			continue
		}
		batch.Queue(upsertStaySQL,
			types.NewID(), s.SourceID, patientID, s.Service, s.AttendingPhysician,
			s.AdmissionDate, s.DischargeDate, s.Status,
		)
	}

	changed := 0
	if batch.Len() > 0 {
		changed, err = execBatch(ctx, tx, batch)
		if err != nil {
			return 0, 0, errors.Wrap(err, "failed to upsert stays")
		}
	}

	if changed > 0 {
		sourceIDs := make([]string, 0, len(stays))
		for _, s := range stays {
			sourceIDs = append(sourceIDs, s.SourceID)
		}
		if _, err := tx.Exec(ctx, reassignCallsSQL, sourceIDs); err != nil {
			return 0, 0, errors.Wrap(err, "failed to reassign calls")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, errors.Wrap(err, "failed to commit transaction")
	}
	return changed, skipped, nil
}

func resolvePatients(ctx context.Context, tx pgx.Tx, stays []domain.Stay) (map[string]types.ID, error) {
	sourceIDs := make([]string, 0, len(stays))
	seen := make(map[string]bool, len(stays))
	for _, s := range stays {
		if !seen[s.PatientSourceID] {
			seen[s.PatientSourceID] = true
			sourceIDs = append(sourceIDs, s.PatientSourceID)
		}
	}

	rows, err := tx.Query(ctx, `SELECT source_id, id FROM followup.patients WHERE source_id = ANY($1)`, sourceIDs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve patients")
	}
	defer rows.Close()

	ids := make(map[string]types.ID, len(sourceIDs))
	for rows.Next() {
		var sourceID string
		var id types.ID
		if err := rows.Scan(&sourceID, &id); err != nil {
			return nil, errors.Wrap(err, "failed to scan patient id")
		}
		ids[sourceID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to resolve patients")
	}
	return ids, nil
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) (int, error) {
	br := tx.SendBatch(ctx, batch)

	changed := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, err
		}
		changed += int(tag.RowsAffected())
	}
	return changed, br.Close()
}

// CreateMissingCalls implements domain.MirrorRepository
func (r *PostgresStore) CreateMissingCalls(ctx context.Context, offset time.Duration) (int, error) {
	defer observe("create_missing_calls", time.Now())

	tag, err := r.pool.Exec(ctx, createMissingCallsSQL, offset.Seconds())
	if err != nil {
		return 0, errors.Wrap(err, "failed to create calls")
	}
	return int(tag.RowsAffected()), nil
}

// GetWatermark implements domain.MirrorRepository
func (r *PostgresStore) GetWatermark(ctx context.Context) (*domain.Watermark, error) {
	query := `
		SELECT last_success_at, patients_upserted, stays_upserted, calls_created
		FROM followup.sync_state
		WHERE name = $1`

	w := &domain.Watermark{}
	err := r.pool.QueryRow(ctx, query, watermarkName).Scan(
		&w.LastSuccessAt, &w.PatientsUpserted, &w.StaysUpserted, &w.CallsCreated,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read watermark")
	}
	return w, nil
}

// SaveWatermark implements domain.MirrorRepository
func (r *PostgresStore) SaveWatermark(ctx context.Context, w domain.Watermark) error {
	query := `
		INSERT INTO followup.sync_state (name, last_success_at, patients_upserted, stays_upserted, calls_created, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (name) DO UPDATE SET
			last_success_at   = EXCLUDED.last_success_at,
			patients_upserted = EXCLUDED.patients_upserted,
			stays_upserted    = EXCLUDED.stays_upserted,
			calls_created     = EXCLUDED.calls_created,
			updated_at        = NOW()`

	_, err := r.pool.Exec(ctx, query, watermarkName, w.LastSuccessAt, w.PatientsUpserted, w.StaysUpserted, w.CallsCreated)
	if err != nil {
		return errors.Wrap(err, "failed to save watermark")
	}
	return nil
}
