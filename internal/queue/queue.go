// Package queue is the durable SQLite job queue that drives kernel cycles,
// with the worker that drains it and the scheduler that fills it.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/repo"
)

const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusDead    = "dead"
)

// ErrLeaseLost is returned when a job is settled by a worker that no longer
// holds its lease.
var ErrLeaseLost = errors.New("job lease lost")

// Queue stores one job per requested cycle.
type Queue struct {
	DB            *sql.DB
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	Now           func() time.Time
}

func New(db *sql.DB, cfg config.QueueConfig) *Queue {
	q := &Queue{
		DB:            db,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
		Now:           time.Now,
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 5
	}
	if q.RetryBackoff <= 0 {
		q.RetryBackoff = 10 * time.Second
	}
	if q.RetryMaxDelay <= 0 {
		q.RetryMaxDelay = 10 * time.Minute
	}
	return q
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

const jobColumns = `id,user_id,trace_id,status,attempts,enqueued_at,run_after,COALESCE(lease_owner,''),COALESCE(lease_expires_at,''),COALESCE(last_error,'')`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.UserID, &j.TraceID, &j.Status, &j.Attempts, &j.EnqueuedAt, &j.RunAfter, &j.LeaseOwner, &j.LeaseExpiresAt, &j.LastError)
	return j, err
}

// Enqueue records a request to run one cycle for userID.
func (q *Queue) Enqueue(ctx context.Context, userID string) (domain.Job, error) {
	now := repo.FormatTS(q.now())
	j := domain.Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		TraceID:    uuid.NewString(),
		Status:     StatusQueued,
		EnqueuedAt: now,
		RunAfter:   now,
	}
	_, err := q.DB.ExecContext(ctx, `INSERT INTO jobs(id,user_id,trace_id,status,attempts,enqueued_at,run_after) VALUES (?,?,?,?,0,?,?)`,
		j.ID, j.UserID, j.TraceID, j.Status, j.EnqueuedAt, j.RunAfter)
	if err != nil {
		return domain.Job{}, fmt.Errorf("enqueue cycle for %s: %w", userID, err)
	}
	return j, nil
}

// EnqueueIfIdle enqueues unless the user already has a queued or running job.
// It reports whether a job was created.
func (q *Queue) EnqueueIfIdle(ctx context.Context, userID string) (domain.Job, bool, error) {
	var n int
	if err := q.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE user_id=? AND status IN ('queued','running')`, userID).Scan(&n); err != nil {
		return domain.Job{}, false, err
	}
	if n > 0 {
		return domain.Job{}, false, nil
	}
	j, err := q.Enqueue(ctx, userID)
	return j, err == nil, err
}

// Claim leases the oldest runnable job to owner for ttl. Jobs whose lease
// expired are runnable again. ok is false when nothing is runnable.
func (q *Queue) Claim(ctx context.Context, owner string, ttl time.Duration) (job domain.Job, ok bool, err error) {
	now := q.now()
	ts := repo.FormatTS(now)
	row := q.DB.QueryRowContext(ctx, `UPDATE jobs
SET status='running', attempts=attempts+1, lease_owner=?, lease_expires_at=?
WHERE id=(
  SELECT id FROM jobs
  WHERE (status='queued' AND run_after<=?) OR (status='running' AND lease_expires_at<=?)
  ORDER BY run_after, enqueued_at
  LIMIT 1
)
RETURNING `+jobColumns, owner, repo.FormatTS(now.Add(ttl)), ts, ts)
	job, err = scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// Complete marks a leased job done.
func (q *Queue) Complete(ctx context.Context, jobID, owner string) error {
	res, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status='done', lease_owner=NULL, lease_expires_at=NULL, last_error=NULL
WHERE id=? AND status='running' AND lease_owner=?`, jobID, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete %s: %w", jobID, ErrLeaseLost)
	}
	return nil
}

// Fail releases a leased job for a later retry, or marks it dead once it has
// used all its attempts. It reports whether the job is dead.
func (q *Queue) Fail(ctx context.Context, job domain.Job, owner string, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	dead := job.Attempts >= q.MaxAttempts
	var (
		res sql.Result
		err error
	)
	if dead {
		res, err = q.DB.ExecContext(ctx, `UPDATE jobs SET status='dead', lease_owner=NULL, lease_expires_at=NULL, last_error=?
WHERE id=? AND status='running' AND lease_owner=?`, msg, job.ID, owner)
	} else {
		runAfter := q.now().Add(q.retryDelay(job.Attempts))
		res, err = q.DB.ExecContext(ctx, `UPDATE jobs SET status='queued', run_after=?, lease_owner=NULL, lease_expires_at=NULL, last_error=?
WHERE id=? AND status='running' AND lease_owner=?`, repo.FormatTS(runAfter), msg, job.ID, owner)
	}
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("fail %s: %w", job.ID, ErrLeaseLost)
	}
	return dead, nil
}

// retryDelay doubles from RetryBackoff per attempt, capped at RetryMaxDelay.
func (q *Queue) retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := q.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.RetryMaxDelay {
			return q.RetryMaxDelay
		}
	}
	if delay > q.RetryMaxDelay {
		return q.RetryMaxDelay
	}
	return delay
}

func (q *Queue) Get(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(q.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return j, repo.ErrNotFound
	}
	return j, err
}

// List returns jobs newest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY enqueued_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
