package health

import (
	"context"
	"iter"
	"time"
)

// Source is a read-only view of a hospital information system. It only
// exposes what the follow-up mirror needs: patients and stays changed inside
// a trailing window.
//
// Both sequences are finite and restartable: each range over them starts
// from the first page again. Every element is one batch. On failure the
// sequence yields a nil batch with an error wrapping ErrSourceUnavailable and
// stops; callers must treat the whole run as failed.
type Source interface {
	ChangedPatients(ctx context.Context, since time.Time) iter.Seq2[[]PatientRecord, error]
	ChangedStays(ctx context.Context, since time.Time) iter.Seq2[[]StayRecord, error]

	SourceSystem() string
	Health(ctx context.Context) error
	Close() error
}
