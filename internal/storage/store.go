package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/mailq/internal/domain"
)

// Store mirrors job metadata durably. The broker is the source of truth
// while a job lives; the mirror keeps its final state around after the
// broker purges the record.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// InsertJob records a newly scheduled job.
func (s *Store) InsertJob(ctx context.Context, j *domain.Job) error {
	_, err := s.db.Exec(ctx, `insert into jobs(
id, owner, tag, tx_id, status, payload, attempt, max_attempts, delay_until, created_at, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		j.ID, j.Owner, j.Tag, j.TxID, string(j.Status), j.Payload,
		j.Attempt, j.MaxAttempts, j.DelayUntil, j.CreatedAt, j.UpdatedAt,
	)
	return errors.Wrap(err, "insert job")
}

// MarkStatus records a status transition.
func (s *Store) MarkStatus(ctx context.Context, id string, status domain.Status, lastError string) error {
	_, err := s.db.Exec(ctx,
		`update jobs set status = $2, last_error = $3, updated_at = $4 where id = $1`,
		id, string(status), lastError, time.Now().UTC(),
	)
	return errors.Wrap(err, "mark job status")
}

// GetJob reads one mirrored job record.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var (
		j      domain.Job
		status string
	)
	err := s.db.QueryRow(ctx, `select
id, owner, tag, tx_id, status, payload, attempt, max_attempts, delay_until, last_error, created_at, updated_at
from jobs where id = $1`, id).Scan(
		&j.ID, &j.Owner, &j.Tag, &j.TxID, &status, &j.Payload,
		&j.Attempt, &j.MaxAttempts, &j.DelayUntil, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	j.Status = domain.Status(status)
	return &j, nil
}
