package infrastructure

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/types"
)

const alertColumns = `id, patient_id, metrics_id, severity, score, reason, required_action,
	status, resolved_by, resolved_at, created_at, updated_at`

var alertOrderColumns = map[string]string{
	"created_at": "created_at",
	"score":      "score",
	"severity":   "severity",
}

func scanAlert(row pgx.Row) (*domain.Alert, error) {
	a := &domain.Alert{}
	var resolvedBy *string
	err := row.Scan(
		&a.ID, &a.PatientID, &a.MetricsID, &a.Severity, &a.Score, &a.Reason, &a.RequiredAction,
		&a.Status, &resolvedBy, &a.ResolvedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if resolvedBy != nil {
		a.ResolvedBy = *resolvedBy
	}
	return a, err
}

// PatientExists implements domain.ScoreRepository
func (r *PostgresStore) PatientExists(ctx context.Context, id types.ID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM followup.patients WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to find patient")
	}
	return exists, nil
}

// SaveEvaluation implements domain.ScoreRepository. The patient row is
// locked for the whole transaction so concurrent submissions for one
// patient cannot both observe "no active alert".
func (r *PostgresStore) SaveEvaluation(ctx context.Context, m *domain.ScoreMetrics, candidate *domain.Alert) (*domain.Alert, bool, error) {
	defer observe("save_evaluation", time.Now())

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	var locked types.ID
	err = tx.QueryRow(ctx, `SELECT id FROM followup.patients WHERE id = $1 FOR UPDATE`, m.PatientID).Scan(&locked)
	if err == pgx.ErrNoRows {
		return nil, false, errors.UnknownPatient(m.PatientID.String())
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to lock patient")
	}

	if m.CallID != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE followup.calls SET score = $1, updated_at = NOW() WHERE id = $2 AND patient_id = $3`,
			m.Score, *m.CallID, m.PatientID,
		)
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to update call score")
		}
		if tag.RowsAffected() == 0 {
			return nil, false, errors.UnknownCall(m.CallID.String())
		}
	}

	keywords := m.UrgentKeywords
	if keywords == nil {
		keywords = []string{}
	}

	query := `
		INSERT INTO followup.score_metrics (
			id, patient_id, call_id, evaluation_date, pain_level, treatment_adherent,
			bowel_normal, mood, fever, urgent_keywords, score, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (patient_id, evaluation_date) DO UPDATE SET
			call_id            = COALESCE(EXCLUDED.call_id, score_metrics.call_id),
			pain_level         = EXCLUDED.pain_level,
			treatment_adherent = EXCLUDED.treatment_adherent,
			bowel_normal       = EXCLUDED.bowel_normal,
			mood               = EXCLUDED.mood,
			fever              = EXCLUDED.fever,
			urgent_keywords    = EXCLUDED.urgent_keywords,
			score              = EXCLUDED.score,
			updated_at         = NOW()
		RETURNING id, created_at`

	err = tx.QueryRow(ctx, query,
		m.ID, m.PatientID, m.CallID, m.EvaluationDate, m.PainLevel, m.TreatmentAdherent,
		m.BowelNormal, m.Mood, m.Fever, keywords, m.Score, m.CreatedAt,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to save score metrics")
	}

	active, err := scanAlert(tx.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM followup.alerts WHERE patient_id = $1 AND status = 'active'`,
		m.PatientID,
	))
	switch {
	case err == pgx.ErrNoRows:
		active = nil
	case err != nil:
		return nil, false, errors.Wrap(err, "failed to find active alert")
	}

	created := false
	if candidate != nil && active == nil {
		candidate.MetricsID = &m.ID
		insert := `
			INSERT INTO followup.alerts (
				id, patient_id, metrics_id, severity, score, reason, required_action,
				status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

		_, err := tx.Exec(ctx, insert,
			candidate.ID, candidate.PatientID, candidate.MetricsID, candidate.Severity, candidate.Score,
			candidate.Reason, candidate.RequiredAction, candidate.Status, candidate.CreatedAt, candidate.UpdatedAt,
		)
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to save alert")
		}
		active = candidate
		created = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "failed to commit transaction")
	}
	return active, created, nil
}

// GetAlert implements domain.ScoreRepository
func (r *PostgresStore) GetAlert(ctx context.Context, id types.ID) (*domain.Alert, error) {
	a, err := scanAlert(r.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM followup.alerts WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("alert", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find alert")
	}
	return a, nil
}

// UpdateAlertStatus implements domain.ScoreRepository
func (r *PostgresStore) UpdateAlertStatus(ctx context.Context, alert *domain.Alert, from domain.AlertStatus) error {
	query := `
		UPDATE followup.alerts SET
			status = $2,
			resolved_by = $3,
			resolved_at = $4,
			updated_at = $5
		WHERE id = $1 AND status = $6`

	tag, err := r.pool.Exec(ctx, query, alert.ID, alert.Status, alert.ResolvedBy, alert.ResolvedAt, alert.UpdatedAt, from)
	if err != nil {
		return errors.Wrap(err, "failed to update alert")
	}
	if tag.RowsAffected() == 0 {
		current, err := r.GetAlert(ctx, alert.ID)
		if err != nil {
			return err
		}
		return errors.InvalidTransition("alert", string(current.Status), string(alert.Status))
	}
	return nil
}

// ActiveAlertForPatient implements domain.ScoreRepository
func (r *PostgresStore) ActiveAlertForPatient(ctx context.Context, patientID types.ID) (*domain.Alert, error) {
	a, err := scanAlert(r.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM followup.alerts WHERE patient_id = $1 AND status = 'active'`,
		patientID,
	))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active alert")
	}
	return a, nil
}

// ListAlerts implements domain.ScoreRepository
func (r *PostgresStore) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, int, error) {
	defer observe("list_alerts", time.Now())

	b := &filterBuilder{}
	if filter.Status != nil {
		b.add("status = $%d", *filter.Status)
	}
	if filter.Severity != nil {
		b.add("severity = $%d", *filter.Severity)
	}
	if filter.PatientID != nil {
		b.add("patient_id = $%d", *filter.PatientID)
	}
	if filter.CreatedFrom != nil {
		b.add("created_at >= $%d", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		b.add("created_at <= $%d", *filter.CreatedTo)
	}
	if filter.MinScore != nil {
		b.add("score >= $%d", *filter.MinScore)
	}
	if filter.MaxScore != nil {
		b.add("score <= $%d", *filter.MaxScore)
	}

	whereClause := b.where()

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM followup.alerts "+whereClause, b.args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count alerts")
	}

	query := `SELECT ` + alertColumns + ` FROM followup.alerts ` + whereClause + " " +
		b.page(alertOrderColumns, "created_at", filter.OrderBy, filter.OrderDesc, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list alerts")
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan alert")
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "failed to list alerts")
	}

	return alerts, total, nil
}
