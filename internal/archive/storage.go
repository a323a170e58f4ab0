package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

const schema = `
	CREATE TABLE IF NOT EXISTS plot_jobs (
		job_id        TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		status        TEXT NOT NULL,
		priority      INTEGER NOT NULL DEFAULT 1,
		source        TEXT NOT NULL,
		project_id    TEXT NOT NULL DEFAULT '',
		layer_id      TEXT NOT NULL DEFAULT '',
		drawn_mm      DOUBLE PRECISION NOT NULL DEFAULT 0,
		plot_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
		error_message TEXT,
		submitted_at  TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS plot_jobs_completed_idx ON plot_jobs (completed_at DESC, job_id DESC);
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// EnsureSchema creates the plot_jobs table when missing
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create plot_jobs schema: %w", err)
	}
	return nil
}

func (s *Storage) UpsertJob(ctx context.Context, row *JobRow) error {
	query := `
		INSERT INTO plot_jobs (
			job_id, name, status, priority, source, project_id, layer_id,
			drawn_mm, plot_seconds, error_message,
			submitted_at, started_at, completed_at
		) VALUES (
			:job_id, :name, :status, :priority, :source, :project_id, :layer_id,
			:drawn_mm, :plot_seconds, :error_message,
			:submitted_at, :started_at, :completed_at
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			drawn_mm = EXCLUDED.drawn_mm,
			plot_seconds = EXCLUDED.plot_seconds,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*JobRow, error) {
	var row JobRow
	query := `
		SELECT ` + columns + `
		FROM plot_jobs
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &row, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &row, nil
}

type JobFilter struct {
	Status    string
	ProjectID string
	PageSize  int
	Cursor    *JobCursor
}

type JobCursor struct {
	CompletedAt time.Time
	JobID       string
}

const columns = `
	job_id, name, status, priority, source, project_id, layer_id,
	drawn_mm, plot_seconds, error_message,
	submitted_at, started_at, completed_at`

// ListJobs returns up to PageSize+1 rows, newest first. The extra row
// tells the caller whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]JobRow, error) {
	query, args := buildListQuery(filter)

	var rows []JobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return rows, nil
}

func buildListQuery(filter JobFilter) (string, []any) {
	query := `
        SELECT ` + columns + `
        FROM plot_jobs
        WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.ProjectID != "" {
		query += fmt.Sprintf(" AND project_id = $%d", argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (completed_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CompletedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY completed_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	return query, args
}
