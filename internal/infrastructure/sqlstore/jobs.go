package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tokenpoints/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

const jobColumns = `id, chain, start_time, end_time, status, created_at, started_at, finished_at, error, addresses_total, addresses_done, addresses_failed`

func (r *Repository) CreateJob(ctx context.Context, job domain.RecalculationJob) error {
	ctx, span := r.startSpan(ctx, "CreateJob", attribute.String("job.id", job.ID), attribute.String("chain", job.Chain))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `INSERT INTO recalculation_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Chain, toMillis(job.StartTime), toMillis(job.EndTime), string(job.Status),
		toMillis(job.CreatedAt), toMillis(job.StartedAt), toMillis(job.FinishedAt), job.Error,
		job.AddressesTotal, job.AddressesDone, job.AddressesFailed)
	return recordErr(span, err)
}

func (r *Repository) UpdateJob(ctx context.Context, job domain.RecalculationJob) error {
	ctx, span := r.startSpan(ctx, "UpdateJob",
		attribute.String("job.id", job.ID),
		attribute.String("job.status", string(job.Status)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE recalculation_jobs
		SET status = ?, started_at = ?, finished_at = ?, error = ?, addresses_total = ?, addresses_done = ?, addresses_failed = ?
		WHERE id = ?`,
		string(job.Status), toMillis(job.StartedAt), toMillis(job.FinishedAt), job.Error,
		job.AddressesTotal, job.AddressesDone, job.AddressesFailed, job.ID)
	if err != nil {
		return recordErr(span, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL reports zero for an unchanged row, so confirm it exists.
		if _, err := r.GetJob(ctx, job.ID); err != nil {
			return recordErr(span, err)
		}
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id string) (domain.RecalculationJob, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM recalculation_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RecalculationJob{}, domain.ErrJobNotFound
	}
	return job, err
}

// ListJobs returns the newest jobs first. An empty chain lists all chains.
func (r *Repository) ListJobs(ctx context.Context, chain string, limit int) ([]domain.RecalculationJob, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT ` + jobColumns + ` FROM recalculation_jobs`
	args := []any{}
	if chain != "" {
		query += ` WHERE chain = ?`
		args = append(args, chain)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.RecalculationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FailStaleJobs marks every non-terminal job failed. It runs at start-up,
// before any job of this process exists.
func (r *Repository) FailStaleJobs(ctx context.Context, reason string, at time.Time) (int64, error) {
	ctx, span := r.startSpan(ctx, "FailStaleJobs")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE recalculation_jobs SET status = ?, error = ?, finished_at = ? WHERE status IN (?, ?)`,
		string(domain.JobFailed), reason, toMillis(at), string(domain.JobPending), string(domain.JobRunning))
	if err != nil {
		return 0, recordErr(span, err)
	}
	n, err := res.RowsAffected()
	return n, recordErr(span, err)
}

func scanJob(row rowScanner) (domain.RecalculationJob, error) {
	var (
		job                                 domain.RecalculationJob
		status                              string
		start, end, created, started, ended int64
	)
	if err := row.Scan(&job.ID, &job.Chain, &start, &end, &status, &created, &started, &ended, &job.Error,
		&job.AddressesTotal, &job.AddressesDone, &job.AddressesFailed); err != nil {
		return domain.RecalculationJob{}, err
	}
	job.Status = domain.JobStatus(status)
	job.StartTime = fromMillis(start)
	job.EndTime = fromMillis(end)
	job.CreatedAt = fromMillis(created)
	job.StartedAt = fromMillis(started)
	job.FinishedAt = fromMillis(ended)
	return job, nil
}
