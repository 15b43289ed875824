package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	core "marketplace-backend/core/marketplace"
)

// PGStore persists job records in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS marketplace_jobs (
  job_id TEXT PRIMARY KEY,
  requester TEXT,
  provider TEXT,
  terms JSONB,
  terms_hash TEXT,
  status TEXT,
  history JSONB,
  artifact_ref TEXT,
  verification JSONB,
  payment_ref TEXT,
  created_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_marketplace_jobs_status ON marketplace_jobs(status);
CREATE INDEX IF NOT EXISTS idx_marketplace_jobs_requester ON marketplace_jobs(requester);
CREATE INDEX IF NOT EXISTS idx_marketplace_jobs_provider ON marketplace_jobs(provider);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// CreateJob inserts a new job record; fails if the identifier exists.
func (s *PGStore) CreateJob(ctx context.Context, job core.Job) error {
	terms, err := json.Marshal(job.Terms)
	if err != nil {
		return fmt.Errorf("marshal terms: %w", err)
	}
	history, err := json.Marshal(job.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	var verification []byte
	if job.Verification != nil {
		verification, err = json.Marshal(job.Verification)
		if err != nil {
			return fmt.Errorf("marshal verification: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO marketplace_jobs
  (job_id, requester, provider, terms, terms_hash, status, history, artifact_ref, verification, payment_ref, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		job.JobID, job.Requester, job.Provider, terms, job.TermsHash, string(job.Status),
		history, job.ArtifactRef, verification, job.PaymentRef, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *PGStore) GetJob(ctx context.Context, jobID string) (core.Job, error) {
	row := s.pool.QueryRow(ctx, `
SELECT job_id, requester, provider, terms, terms_hash, status, history, artifact_ref, verification, payment_ref, created_at, updated_at
FROM marketplace_jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

// CompareAndTransition advances the job under a row lock so a sweep and a
// live message can never both apply the same transition.
func (s *PGStore) CompareAndTransition(ctx context.Context, jobID string, expected, next core.JobStatus, reason string, mutate func(*core.Job)) (core.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.Job{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
SELECT job_id, requester, provider, terms, terms_hash, status, history, artifact_ref, verification, payment_ref, created_at, updated_at
FROM marketplace_jobs WHERE job_id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return core.Job{}, err
	}
	if job.Status != expected {
		return core.Job{}, ErrStaleState
	}

	if mutate != nil {
		mutate(&job)
	}
	now := time.Now().UTC()
	job.Status = next
	job.History = append(job.History, core.Transition{Status: next, Timestamp: now, Reason: reason})
	job.UpdatedAt = now

	history, err := json.Marshal(job.History)
	if err != nil {
		return core.Job{}, fmt.Errorf("marshal history: %w", err)
	}
	var verification []byte
	if job.Verification != nil {
		verification, err = json.Marshal(job.Verification)
		if err != nil {
			return core.Job{}, fmt.Errorf("marshal verification: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
UPDATE marketplace_jobs
SET status = $2, history = $3, artifact_ref = $4, verification = $5, payment_ref = $6, updated_at = $7
WHERE job_id = $1`,
		job.JobID, string(job.Status), history, job.ArtifactRef, verification, job.PaymentRef, job.UpdatedAt)
	if err != nil {
		return core.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *PGStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.Job, error) {
	query := `
SELECT job_id, requester, provider, terms, terms_hash, status, history, artifact_ref, verification, payment_ref, created_at, updated_at
FROM marketplace_jobs WHERE 1=1`
	args := []interface{}{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Requester != "" {
		args = append(args, filter.Requester)
		query += fmt.Sprintf(" AND requester = $%d", len(args))
	}
	if filter.Provider != "" {
		args = append(args, filter.Provider)
		query += fmt.Sprintf(" AND provider = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *PGStore) Close() { s.pool.Close() }

func scanJob(row pgx.Row) (core.Job, error) {
	var (
		job          core.Job
		status       string
		terms        []byte
		history      []byte
		verification []byte
	)
	err := row.Scan(&job.JobID, &job.Requester, &job.Provider, &terms, &job.TermsHash, &status,
		&history, &job.ArtifactRef, &verification, &job.PaymentRef, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Job{}, ErrJobNotFound
		}
		return core.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = core.JobStatus(status)
	if err := json.Unmarshal(terms, &job.Terms); err != nil {
		return core.Job{}, fmt.Errorf("unmarshal terms: %w", err)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &job.History); err != nil {
			return core.Job{}, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	if len(verification) > 0 {
		var v core.VerificationOutcome
		if err := json.Unmarshal(verification, &v); err != nil {
			return core.Job{}, fmt.Errorf("unmarshal verification: %w", err)
		}
		job.Verification = &v
	}
	return job, nil
}
