package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/shared/metrics"
)

// PostgresStore implements domain.Store using PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks connectivity
func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func observe(op string, start time.Time) {
	metrics.RecordDBQuery(op, time.Since(start))
}

// filterBuilder accumulates WHERE conditions with numbered placeholders.
// Only values travel as arguments; column names are fixed by the caller.
type filterBuilder struct {
	conditions []string
	args       []any
}

func (b *filterBuilder) add(condition string, value any) {
	b.args = append(b.args, value)
	b.conditions = append(b.conditions, fmt.Sprintf(condition, len(b.args)))
}

func (b *filterBuilder) where() string {
	if len(b.conditions) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(b.conditions, " AND ")
}

// page appends ORDER BY and LIMIT/OFFSET. orderBy must be a key of allowed.
func (b *filterBuilder) page(allowed map[string]string, fallback, orderBy string, desc bool, limit, offset int) string {
	column, ok := allowed[orderBy]
	if !ok {
		column = allowed[fallback]
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	if offset < 0 {
		offset = 0
	}

	b.args = append(b.args, domain.NormalizeLimit(limit), offset)
	return fmt.Sprintf("ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d", column, dir, len(b.args)-1, len(b.args))
}

var _ domain.Store = (*PostgresStore)(nil)
