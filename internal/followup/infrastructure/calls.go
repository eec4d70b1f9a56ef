package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/types"
)

const callColumns = `id, stay_id, patient_id, state, scheduled_at, contacted_at,
	attempts, duration_seconds, summary, score, created_at, updated_at`

var callOrderColumns = map[string]string{
	"scheduled_at": "scheduled_at",
	"created_at":   "created_at",
	"attempts":     "attempts",
	"score":        "score",
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	c := &domain.Call{}
	err := row.Scan(
		&c.ID, &c.StayID, &c.PatientID, &c.State, &c.ScheduledAt, &c.ContactedAt,
		&c.Attempts, &c.DurationSeconds, &c.Summary, &c.Score, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// GetCall implements domain.CallRepository
func (r *PostgresStore) GetCall(ctx context.Context, id types.ID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM followup.calls WHERE id = $1`

	c, err := scanCall(r.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.UnknownCall(id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find call")
	}
	return c, nil
}

// ApplyTransitions implements domain.CallRepository. The update matches on
// the expected state and attempt count, so of two concurrent reports for the
// same call only one can win.
func (r *PostgresStore) ApplyTransitions(ctx context.Context, call *domain.Call, expected domain.CallSnapshot, entries []domain.CallHistoryEntry) error {
	defer observe("apply_transitions", time.Now())

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE followup.calls SET
			state = $2,
			scheduled_at = $3,
			contacted_at = $4,
			attempts = $5,
			duration_seconds = $6,
			summary = $7,
			updated_at = $8
		WHERE id = $1 AND state = $9 AND attempts = $10`

	tag, err := tx.Exec(ctx, query,
		call.ID, call.State, call.ScheduledAt, call.ContactedAt,
		call.Attempts, call.DurationSeconds, call.Summary, call.UpdatedAt,
		expected.State, expected.Attempts,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update call")
	}

	if tag.RowsAffected() == 0 {
		var current domain.CallState
		err := tx.QueryRow(ctx, `SELECT state FROM followup.calls WHERE id = $1`, call.ID).Scan(&current)
		if err == pgx.ErrNoRows {
			return errors.UnknownCall(call.ID.String())
		}
		if err != nil {
			return errors.Wrap(err, "failed to read call state")
		}
		return errors.InvalidTransition("call", string(current), "concurrent update")
	}

	for i := range entries {
		if err := saveHistoryEntry(ctx, tx, &entries[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func saveHistoryEntry(ctx context.Context, tx pgx.Tx, e *domain.CallHistoryEntry) error {
	before, err := json.Marshal(e.Before)
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}
	after, err := json.Marshal(e.After)
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}

	query := `
		INSERT INTO followup.call_history (
			id, call_id, old_state, new_state, before_data, after_data, actor, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = tx.Exec(ctx, query, e.ID, e.CallID, e.OldState, e.NewState, before, after, e.Actor, e.OccurredAt)
	if err != nil {
		return errors.Wrap(err, "failed to save call history")
	}
	return nil
}

// GetCallHistory implements domain.CallRepository
func (r *PostgresStore) GetCallHistory(ctx context.Context, callID types.ID) ([]domain.CallHistoryEntry, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM followup.calls WHERE id = $1)`, callID).Scan(&exists); err != nil {
		return nil, errors.Wrap(err, "failed to find call")
	}
	if !exists {
		return nil, errors.UnknownCall(callID.String())
	}

	query := `
		SELECT id, call_id, old_state, new_state, before_data, after_data, actor, occurred_at
		FROM followup.call_history
		WHERE call_id = $1
		ORDER BY occurred_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get call history")
	}
	defer rows.Close()

	var entries []domain.CallHistoryEntry
	for rows.Next() {
		var e domain.CallHistoryEntry
		var before, after []byte

		if err := rows.Scan(&e.ID, &e.CallID, &e.OldState, &e.NewState, &before, &after, &e.Actor, &e.OccurredAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan call history")
		}
		if err := json.Unmarshal(before, &e.Before); err != nil {
			return nil, errors.Wrap(err, "failed to decode snapshot")
		}
		if err := json.Unmarshal(after, &e.After); err != nil {
			return nil, errors.Wrap(err, "failed to decode snapshot")
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read call history")
	}

	return entries, nil
}

// ListCalls implements domain.CallRepository
func (r *PostgresStore) ListCalls(ctx context.Context, filter domain.CallFilter) ([]domain.Call, int, error) {
	defer observe("list_calls", time.Now())

	b := &filterBuilder{}
	if filter.State != nil {
		b.add("state = $%d", *filter.State)
	}
	if filter.PatientID != nil {
		b.add("patient_id = $%d", *filter.PatientID)
	}
	if filter.ScheduledFrom != nil {
		b.add("scheduled_at >= $%d", *filter.ScheduledFrom)
	}
	if filter.ScheduledTo != nil {
		b.add("scheduled_at <= $%d", *filter.ScheduledTo)
	}
	if filter.MinScore != nil {
		b.add("score >= $%d", *filter.MinScore)
	}
	if filter.MaxScore != nil {
		b.add("score <= $%d", *filter.MaxScore)
	}

	whereClause := b.where()

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM followup.calls "+whereClause, b.args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count calls")
	}

	query := `SELECT ` + callColumns + ` FROM followup.calls ` + whereClause + " " +
		b.page(callOrderColumns, "scheduled_at", filter.OrderBy, filter.OrderDesc, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list calls")
	}
	defer rows.Close()

	var calls []domain.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan call")
		}
		calls = append(calls, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "failed to list calls")
	}

	return calls, total, nil
}
