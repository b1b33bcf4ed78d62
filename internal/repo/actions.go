package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/domain"
)

// ErrTerminal is returned when an execution is logged against an instance
// that already left PENDING.
var ErrTerminal = errors.New("instance already terminal")

func (r Repo) InsertAction(ctx context.Context, a domain.ActionDefinition) error {
	if a.CreatedAt == "" {
		a.CreatedAt = FormatTS(time.Now())
	}
	if a.Frequency == "" {
		a.Frequency = "daily"
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO action_definitions(id,user_id,title,start_time,duration_minutes,frequency,strict,active,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.UserID, a.Title, a.StartTime, a.DurationMinutes, a.Frequency, boolInt(a.Strict), boolInt(a.Active), a.CreatedAt)
	return err
}

func (r Repo) SetActionActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE action_definitions SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActions returns a user's definitions. activeOnly drops deactivated ones.
func (r Repo) ListActions(ctx context.Context, userID string, activeOnly bool) ([]domain.ActionDefinition, error) {
	query := `SELECT id,user_id,title,start_time,duration_minutes,frequency,strict,active,created_at
FROM action_definitions WHERE user_id=?`
	if activeOnly {
		query += " AND active=1"
	}
	query += " ORDER BY start_time, id"
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionDefinition
	for rows.Next() {
		var (
			a              domain.ActionDefinition
			strict, active int
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Title, &a.StartTime, &a.DurationMinutes, &a.Frequency, &strict, &active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Strict = strict != 0
		a.Active = active != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListActiveActions(ctx context.Context, userID string) ([]domain.ActionDefinition, error) {
	return r.ListActions(ctx, userID, true)
}

// InstanceFilter narrows ListInstances. Dates are inclusive YYYY-MM-DD bounds.
type InstanceFilter struct {
	UserID   string
	FromDate string
	ToDate   string
	Status   domain.InstanceStatus
}

const instanceColumns = `id,action_id,user_id,scheduled_date,scheduled_start,scheduled_end,status,executed_at`

func scanInstance(row rowScanner) (domain.ActionInstance, error) {
	var (
		in         domain.ActionInstance
		start, end string
		executed   sql.NullString
	)
	if err := row.Scan(&in.ID, &in.ActionID, &in.UserID, &in.ScheduledDate, &start, &end, &in.Status, &executed); err != nil {
		return in, err
	}
	var err error
	if in.ScheduledStart, err = parseTS(start); err != nil {
		return in, err
	}
	if in.ScheduledEnd, err = parseTS(end); err != nil {
		return in, err
	}
	if in.ExecutedAt, err = parseNullTS(executed); err != nil {
		return in, err
	}
	return in, nil
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilter) ([]domain.ActionInstance, error) {
	var (
		clauses []string
		args    []any
	)
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.FromDate != "" {
		clauses = append(clauses, "scheduled_date>=?")
		args = append(args, f.FromDate)
	}
	if f.ToDate != "" {
		clauses = append(clauses, "scheduled_date<=?")
		args = append(args, f.ToDate)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + instanceColumns + ` FROM action_instances`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY scheduled_start, id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionInstance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.ActionInstance, error) {
	in, err := scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM action_instances WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

// InsertInstances inserts each instance unless one already exists for the
// same action and date. It returns only the rows this call inserted.
func (r Repo) InsertInstances(ctx context.Context, instances []domain.ActionInstance) ([]domain.ActionInstance, error) {
	if len(instances) == 0 {
		return nil, nil
	}
	var inserted []domain.ActionInstance
	err := retryWrite(ctx, func() error {
		inserted = inserted[:0]
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO action_instances(`+instanceColumns+`)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(action_id, scheduled_date) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, in := range instances {
			status := in.Status
			if status == "" {
				status = domain.StatusPending
			}
			var executed any
			if in.ExecutedAt != nil {
				executed = FormatTS(*in.ExecutedAt)
			}
			res, err := stmt.ExecContext(ctx, in.ID, in.ActionID, in.UserID, in.ScheduledDate,
				FormatTS(in.ScheduledStart), FormatTS(in.ScheduledEnd), string(status), executed)
			if err != nil {
				return fmt.Errorf("insert instance %s: %w", in.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				in.Status = status
				inserted = append(inserted, in)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// PendingExpired lists PENDING instance ids whose window closed strictly
// before now.
func (r Repo) PendingExpired(ctx context.Context, userID string, now time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM action_instances
WHERE user_id=? AND status='PENDING' AND scheduled_end<? ORDER BY scheduled_end, id`, userID, FormatTS(now))
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// MarkMissed transitions expired PENDING instances to MISSED and returns the
// ids this statement changed. Rows another writer already moved are skipped.
func (r Repo) MarkMissed(ctx context.Context, userID string, now time.Time) ([]string, error) {
	var ids []string
	err := retryWrite(ctx, func() error {
		rows, err := r.DB.QueryContext(ctx, `UPDATE action_instances SET status='MISSED'
WHERE user_id=? AND status='PENDING' AND scheduled_end<?
RETURNING id`, userID, FormatTS(now))
		if err != nil {
			return err
		}
		ids, err = collectIDs(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountMissedSince counts MISSED instances whose window ended at or after since.
func (r Repo) CountMissedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_instances
WHERE user_id=? AND status='MISSED' AND scheduled_end>=?`, userID, FormatTS(since)).Scan(&n)
	return n, err
}

// LogExecution records that an instance was performed at executedAt. The
// instance becomes COMPLETED when executed within its window, LATE otherwise.
func (r Repo) LogExecution(ctx context.Context, instanceID string, executedAt time.Time) (domain.ActionInstance, error) {
	in, err := r.GetInstance(ctx, instanceID)
	if err != nil {
		return in, err
	}
	if in.Terminal() {
		return in, fmt.Errorf("%s is %s: %w", instanceID, in.Status, ErrTerminal)
	}
	status := domain.StatusCompleted
	if executedAt.After(in.ScheduledEnd) {
		status = domain.StatusLate
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE action_instances SET status=?, executed_at=? WHERE id=? AND status='PENDING'`,
		string(status), FormatTS(executedAt), instanceID)
	if err != nil {
		return in, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return in, fmt.Errorf("%s: %w", instanceID, ErrTerminal)
	}
	in.Status = status
	ts := executedAt.UTC()
	in.ExecutedAt = &ts
	return in, nil
}
