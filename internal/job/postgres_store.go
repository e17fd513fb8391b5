package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	xerrors "AgentMarket/internal/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  job_id TEXT PRIMARY KEY,
  task TEXT NOT NULL,
  payload JSONB,
  status TEXT NOT NULL,
  client_address TEXT NOT NULL DEFAULT '',
  client_wallet TEXT NOT NULL DEFAULT '',
  tool_address TEXT NOT NULL DEFAULT '',
  tool_wallet TEXT NOT NULL DEFAULT '',
  price BIGINT NOT NULL DEFAULT 0,
  bond_amount BIGINT NOT NULL DEFAULT 0,
  denom TEXT NOT NULL DEFAULT '',
  ttl BIGINT NOT NULL DEFAULT 0,
  terms_hash TEXT NOT NULL DEFAULT '',
  bond_tx_hash TEXT NOT NULL DEFAULT '',
  bond_return_tx_hash TEXT NOT NULL DEFAULT '',
  payment_tx_hash TEXT NOT NULL DEFAULT '',
  quote_timestamp TIMESTAMPTZ,
  perform_timestamp TIMESTAMPTZ,
  completion_timestamp TIMESTAMPTZ,
  verification_timestamp TIMESTAMPTZ,
  payment_timestamp TIMESTAMPTZ,
  bond_posted_timestamp TIMESTAMPTZ,
  bond_return_timestamp TIMESTAMPTZ,
  receipt JSONB,
  verification_result JSONB,
  notes TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_client ON jobs (client_address);
CREATE INDEX IF NOT EXISTS idx_jobs_tool ON jobs (tool_address);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs (created_at);
`

// PostgresStore persists jobs in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects and initializes schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Postgres DSN 不能为空")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping postgres")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "init jobs schema")
	}
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Create inserts a new job.
func (s *PostgresStore) Create(ctx context.Context, j *Job) error {
	if err := Validate(j); err != nil {
		return err
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	b := &argBuilder{d: postgresDialect}
	placeholders, err := insertArgs(j, b)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode job", xerrors.WithJobID(j.ID))
	}
	stmt := "INSERT INTO jobs (" + jobColumns + ") VALUES (" + placeholders + ")"
	if _, err := s.pool.Exec(ctx, stmt, b.args...); err != nil {
		var pgErr *pgconn.PgError
		if stdErrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert job", xerrors.WithJobID(j.ID))
	}
	return nil
}

// Update applies patch to the stored job.
func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) error {
	if patch.Empty() {
		_, err := s.Get(ctx, id)
		return err
	}
	b := &argBuilder{d: postgresDialect}
	sets, err := patchAssignments(patch, b, s.now())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode job patch", xerrors.WithJobID(id))
	}
	stmt := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE job_id = " + b.add(id)
	tag, err := s.pool.Exec(ctx, stmt, b.args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update job", xerrors.WithJobID(id))
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Get returns a job by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE job_id = $1", id)
	j, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "get job", xerrors.WithJobID(id))
	}
	return j, nil
}

// ListByStatus implements Store.
func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, participant string) ([]*Job, error) {
	opts := ListOptions{Statuses: []Status{status}, Participant: participant, Role: RoleAny, Order: SortByCreatedDesc}
	return s.query(ctx, opts, false)
}

// ListByParticipant implements Store.
func (s *PostgresStore) ListByParticipant(ctx context.Context, address string, role Role) ([]*Job, error) {
	if strings.TrimSpace(address) == "" {
		return nil, nil
	}
	if role != RoleClient && role != RoleTool {
		role = RoleAny
	}
	return s.query(ctx, ListOptions{Participant: address, Role: role, Order: SortByCreatedDesc}, false)
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()
	return s.query(ctx, opts, true)
}

func (s *PostgresStore) query(ctx context.Context, opts ListOptions, paged bool) ([]*Job, error) {
	b := &argBuilder{d: postgresDialect}
	query := "SELECT " + jobColumns + " FROM jobs" + buildFilterClause(opts, b) + orderClause(opts.Order)
	if paged {
		query += fmt.Sprintf(" LIMIT %s OFFSET %s", b.add(opts.Limit), b.add(opts.Offset))
	}
	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list jobs")
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate jobs")
	}
	return jobs, nil
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	b := &argBuilder{d: postgresDialect}
	query := "SELECT status, COUNT(*)::int, MIN(updated_at), MAX(updated_at) FROM jobs" + buildFilterClause(opts, b) + " GROUP BY status"
	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "job stats")
	}
	defer rows.Close()
	return collectStats(rows)
}

// Purge implements Store.
func (s *PostgresStore) Purge(ctx context.Context, before time.Time, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		statuses = TerminalStatuses()
	}
	b := &argBuilder{d: postgresDialect}
	in := statusArgs(statuses, b)
	stmt := "DELETE FROM jobs WHERE status IN (" + in + ") AND updated_at < " + b.add(before.UTC())
	tag, err := s.pool.Exec(ctx, stmt, b.args...)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "purge jobs")
	}
	return tag.RowsAffected(), nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
