package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/telchar/muxd/internal/core/domain"
	"github.com/telchar/muxd/internal/core/ports"
)

// Repository persists job records in an embedded DuckDB file so job
// history survives restarts and is queryable from the API.
type Repository struct {
	db *sql.DB
}

var _ ports.Repository = (*Repository)(nil)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb at %s: %w", path, err)
	}

	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id VARCHAR PRIMARY KEY,
		phase VARCHAR NOT NULL,
		input_name VARCHAR,
		output_name VARCHAR,
		error_kind VARCHAR,
		error_detail VARCHAR,
		exit_code INTEGER,
		elapsed_ns BIGINT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	);`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	var errKind, errDetail *string
	var exitCode int
	if job.Error != nil {
		k := string(job.Error.Kind)
		errKind = &k
		if job.Error.Detail != "" {
			d := job.Error.Detail
			errDetail = &d
		}
		exitCode = job.Error.ExitCode
	}

	query := `
	INSERT INTO jobs (id, phase, input_name, output_name, error_kind, error_detail, exit_code, elapsed_ns, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		phase = excluded.phase,
		error_kind = excluded.error_kind,
		error_detail = excluded.error_detail,
		exit_code = excluded.exit_code,
		elapsed_ns = excluded.elapsed_ns,
		updated_at = excluded.updated_at;
	`
	_, err := r.db.ExecContext(ctx, query,
		string(job.ID), string(job.Phase), job.InputName, job.OutputName,
		errKind, errDetail, exitCode, int64(job.Elapsed),
		job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	query := `SELECT id, phase, input_name, output_name, error_kind, error_detail, exit_code, elapsed_ns, created_at, updated_at FROM jobs WHERE id = ?`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, string(id)))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, err
	}
	return job, nil
}

func (r *Repository) ListJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, phase, input_name, output_name, error_kind, error_detail, exit_code, elapsed_ns, created_at, updated_at FROM jobs ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *Repository) DeleteJobs(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM jobs`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var idStr, phaseStr string
	var errKind, errDetail *string
	var exitCode int
	var elapsedNs int64
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&idStr, &phaseStr, &j.InputName, &j.OutputName,
		&errKind, &errDetail, &exitCode, &elapsedNs,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}

	j.ID = domain.JobID(idStr)
	j.Phase = domain.JobPhase(phaseStr)
	j.Elapsed = time.Duration(elapsedNs)
	j.CreatedAt = createdAt
	j.UpdatedAt = updatedAt
	if errKind != nil {
		j.Error = &domain.JobError{Kind: domain.FailureKind(*errKind), ExitCode: exitCode}
		if errDetail != nil {
			j.Error.Detail = *errDetail
		}
	}
	return j, nil
}

func scanJobRows(rows *sql.Rows) (domain.Job, error) {
	return scanJob(rows)
}
