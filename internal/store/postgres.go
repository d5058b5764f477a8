package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// PostgresStore persists job records in a job_records table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS job_records (
	id            TEXT PRIMARY KEY,
	program_id    TEXT NOT NULL,
	version_id    TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	profile       TEXT NOT NULL DEFAULT '',
	tier          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	parameters    JSONB,
	environment   JSONB,
	limits        JSONB NOT NULL,
	save_results  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	scheduled_for TIMESTAMPTZ,
	result        JSONB,
	usage         JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS job_records_program_idx ON job_records (program_id);
CREATE INDEX IF NOT EXISTS job_records_user_idx ON job_records (user_id);
CREATE INDEX IF NOT EXISTS job_records_status_idx ON job_records (status);
CREATE INDEX IF NOT EXISTS job_records_created_idx ON job_records (created_at DESC);
`

const terminalStatuses = `('completed', 'failed', 'stopped', 'cancelled')`

const recordColumns = `id, program_id, version_id, user_id, kind, profile, tier, status,
	parameters, environment, limits, save_results,
	created_at, started_at, completed_at, scheduled_for, result, usage`

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, dst interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// Create persists a new record, assigning an id and creation time as needed.
func (s *PostgresStore) Create(ctx context.Context, rec *types.JobRecord) error {
	if rec.ID == "" {
		rec.ID = types.JobID(uuid.NewString())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == types.StatusRunning && rec.StartedAt == nil {
		now := time.Now().UTC()
		rec.StartedAt = &now
	}

	params, err := marshalJSON(rec.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	env, err := marshalJSON(rec.Environment)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}
	limits, err := json.Marshal(rec.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal limits: %w", err)
	}
	result, err := marshalJSON(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	query := `
		INSERT INTO job_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = s.pool.Exec(ctx, query,
		rec.ID, rec.ProgramID, rec.VersionID, rec.UserID,
		rec.Kind, rec.Profile, rec.Tier, rec.Status,
		params, env, limits, rec.SaveResults,
		rec.CreatedAt, rec.StartedAt, rec.CompletedAt, rec.ScheduledFor,
		result, usage,
	)
	if err != nil {
		return fmt.Errorf("failed to create job record: %w", err)
	}

	return nil
}

func scanRecord(row pgx.Row) (*types.JobRecord, error) {
	rec := &types.JobRecord{}
	var params, env, limits, result, usage []byte

	err := row.Scan(
		&rec.ID, &rec.ProgramID, &rec.VersionID, &rec.UserID,
		&rec.Kind, &rec.Profile, &rec.Tier, &rec.Status,
		&params, &env, &limits, &rec.SaveResults,
		&rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt, &rec.ScheduledFor,
		&result, &usage,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(params, &rec.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	if err := unmarshalJSON(env, &rec.Environment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment: %w", err)
	}
	if err := unmarshalJSON(limits, &rec.Limits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal limits: %w", err)
	}
	if len(result) > 0 {
		rec.Result = &types.ExecutionResult{}
		if err := unmarshalJSON(result, rec.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if err := unmarshalJSON(usage, &rec.Usage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
	}

	return rec, nil
}

// Get returns the record by id.
func (s *PostgresStore) Get(ctx context.Context, id types.JobID) (*types.JobRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM job_records WHERE id = $1`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}
	return rec, nil
}

// Update replaces the record's mutable fields. Terminal records are not
// updated.
func (s *PostgresStore) Update(ctx context.Context, rec *types.JobRecord) error {
	params, err := marshalJSON(rec.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	env, err := marshalJSON(rec.Environment)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}
	limits, err := json.Marshal(rec.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal limits: %w", err)
	}
	result, err := marshalJSON(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	query := `
		UPDATE job_records
		SET kind = $2, profile = $3, tier = $4, status = $5,
			parameters = $6, environment = $7, limits = $8, save_results = $9,
			started_at = $10, completed_at = $11, scheduled_for = $12,
			result = $13, usage = $14
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	tag, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Kind, rec.Profile, rec.Tier, rec.Status,
		params, env, limits, rec.SaveResults,
		rec.StartedAt, rec.CompletedAt, rec.ScheduledFor,
		result, usage,
	)
	if err != nil {
		return fmt.Errorf("failed to update job record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrTerminal(ctx, rec.ID)
	}

	return nil
}

// UpdateStatus transitions the record's status, stamping StartedAt the first
// time the record enters running and CompletedAt on terminal transitions.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id types.JobID, status types.JobStatus) error {
	query := `
		UPDATE job_records
		SET status = $2,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ` + terminalStatuses + ` AND completed_at IS NULL THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	tag, err := s.pool.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrTerminal(ctx, id)
	}

	return nil
}

// Complete writes the terminal outcome in one transition.
func (s *PostgresStore) Complete(ctx context.Context, id types.JobID, status types.JobStatus, result types.ExecutionResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE job_records
		SET status = $2, result = $3,
			completed_at = NOW(),
			started_at = CASE WHEN started_at IS NULL AND $2 <> 'cancelled' THEN NOW() ELSE started_at END
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	tag, err := s.pool.Exec(ctx, query, id, status, resultJSON)
	if err != nil {
		return fmt.Errorf("failed to complete job record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrTerminal(ctx, id)
	}

	return nil
}

// UpdateResourceUsage records consumption for a job.
func (s *PostgresStore) UpdateResourceUsage(ctx context.Context, id types.JobID, usage types.ResourceUsage) error {
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE job_records SET usage = $2 WHERE id = $1 AND status NOT IN ` + terminalStatuses,
		id, usageJSON)
	if err != nil {
		return fmt.Errorf("failed to update resource usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrTerminal(ctx, id)
	}

	return nil
}

// missOrTerminal disambiguates a zero-row update.
func (s *PostgresStore) missOrTerminal(ctx context.Context, id types.JobID) error {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyTerminal
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*types.JobRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	defer rows.Close()

	var out []*types.JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job records: %w", err)
	}

	return out, nil
}

func (s *PostgresStore) ListByProgram(ctx context.Context, id types.ProgramID) ([]*types.JobRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM job_records WHERE program_id = $1 ORDER BY created_at DESC`, id)
}

func (s *PostgresStore) ListByVersion(ctx context.Context, id types.VersionID) ([]*types.JobRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM job_records WHERE version_id = $1 ORDER BY created_at DESC`, id)
}

func (s *PostgresStore) ListByUser(ctx context.Context, id types.UserID) ([]*types.JobRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM job_records WHERE user_id = $1 ORDER BY created_at DESC`, id)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status types.JobStatus) ([]*types.JobRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM job_records WHERE status = $1 ORDER BY created_at DESC`, status)
}

// ListRecent returns up to n records newest first, optionally scoped to a user.
func (s *PostgresStore) ListRecent(ctx context.Context, n int, user types.UserID) ([]*types.JobRecord, error) {
	if user == "" {
		return s.queryRecords(ctx,
			`SELECT `+recordColumns+` FROM job_records ORDER BY created_at DESC LIMIT $1`, n)
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM job_records WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, user, n)
}

func (s *PostgresStore) CountRunningByUser(ctx context.Context, id types.UserID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_records WHERE user_id = $1 AND status = 'running'`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs for user: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountRunningByProgram(ctx context.Context, id types.ProgramID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_records WHERE program_id = $1 AND status = 'running'`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs for program: %w", err)
	}
	return count, nil
}

// CleanupOlderThan deletes terminal records past the retention window.
func (s *PostgresStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM job_records WHERE status IN `+terminalStatuses+` AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up job records: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Exists(ctx context.Context, id types.JobID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_records WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check job record existence: %w", err)
	}
	return exists, nil
}
