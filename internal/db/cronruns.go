package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

const cronColumns = `job_name, status, started_at, finished_at, duration_ms, last_error,
	processed, failed_count, run_count, error_count`

// StartRun marks a job as running and bumps its run counter.
func (s *Store) StartRun(ctx context.Context, job string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.DB.ExecContext(ctx, s.q(
		`INSERT INTO cron_runs (job_name, status, started_at, run_count)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT (job_name) DO UPDATE SET
		   status = excluded.status,
		   started_at = excluded.started_at,
		   finished_at = NULL,
		   run_count = cron_runs.run_count + 1`),
		job,
		models.CronRunning,
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("start cron run %s: %w", job, err)
	}
	return nil
}

// FinishRun records the outcome of the job's latest run.
func (s *Store) FinishRun(ctx context.Context, run models.CronRun) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	errInc := 0
	if run.Status == models.CronFailed {
		errInc = 1
	}

	_, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE cron_runs
		 SET status = ?, finished_at = ?, duration_ms = ?, last_error = ?,
		     processed = ?, failed_count = ?, error_count = error_count + ?
		 WHERE job_name = ?`),
		run.Status,
		finished,
		run.DurationMS,
		run.LastError,
		run.Processed,
		run.FailedCount,
		errInc,
		run.JobName,
	)
	if err != nil {
		return fmt.Errorf("finish cron run %s: %w", run.JobName, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, job string) (models.CronRun, error) {
	runs, err := s.listRuns(ctx, `WHERE job_name = ?`, job)
	if err != nil {
		return models.CronRun{}, err
	}
	if len(runs) == 0 {
		return models.CronRun{}, ErrNotFound
	}
	return runs[0], nil
}

func (s *Store) ListRuns(ctx context.Context) ([]models.CronRun, error) {
	return s.listRuns(ctx, `ORDER BY job_name ASC`)
}

func (s *Store) listRuns(ctx context.Context, where string, args ...any) ([]models.CronRun, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT `+cronColumns+` FROM cron_runs `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("query cron runs: %w", err)
	}
	defer rows.Close()

	var runs []models.CronRun
	for rows.Next() {
		var (
			r        models.CronRun
			status   string
			finished sql.NullTime
		)
		if err := rows.Scan(
			&r.JobName, &status, &r.StartedAt, &finished, &r.DurationMS, &r.LastError,
			&r.Processed, &r.FailedCount, &r.RunCount, &r.ErrorCount,
		); err != nil {
			return nil, fmt.Errorf("scan cron run: %w", err)
		}
		r.Status = models.CronStatus(status)
		r.StartedAt = r.StartedAt.UTC()
		r.FinishedAt = timePtr(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
