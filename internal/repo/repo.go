package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cadence/internal/domain"
)

// Repo is the SQLite persistence collaborator consumed by the kernel, the
// enforcement observer and the outer surfaces.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// tsLayout is fixed width with nanoseconds so text order matches time order
// at full precision.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTS renders timestamps the way every table stores them.
func FormatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- policies, roles, users ---

func (r Repo) InsertPolicy(ctx context.Context, p domain.Policy) error {
	if p.CreatedAt == "" {
		p.CreatedAt = FormatTS(time.Now())
	}
	if p.Scope == "" {
		p.Scope = "role"
	}
	if p.EnforcementMode == "" {
		p.EnforcementMode = domain.ModeNone
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO policies(id,scope,enforcement_mode,rules_json,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Scope, string(p.EnforcementMode), nullable(p.RulesJSON), p.CreatedAt)
	return err
}

// UpsertPolicy replaces mode and rules of an existing policy or inserts it.
func (r Repo) UpsertPolicy(ctx context.Context, p domain.Policy) error {
	if p.CreatedAt == "" {
		p.CreatedAt = FormatTS(time.Now())
	}
	if p.Scope == "" {
		p.Scope = "role"
	}
	if p.EnforcementMode == "" {
		p.EnforcementMode = domain.ModeNone
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO policies(id,scope,enforcement_mode,rules_json,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET scope=excluded.scope, enforcement_mode=excluded.enforcement_mode, rules_json=excluded.rules_json`,
		p.ID, p.Scope, string(p.EnforcementMode), nullable(p.RulesJSON), p.CreatedAt)
	return err
}

func (r Repo) GetPolicy(ctx context.Context, id string) (domain.Policy, error) {
	var p domain.Policy
	var rules sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,scope,enforcement_mode,rules_json,created_at FROM policies WHERE id=?`, id).
		Scan(&p.ID, &p.Scope, &p.EnforcementMode, &rules, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.RulesJSON = rules.String
	return p, err
}

func (r Repo) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,scope,enforcement_mode,COALESCE(rules_json,''),created_at FROM policies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(&p.ID, &p.Scope, &p.EnforcementMode, &p.RulesJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertRole(ctx context.Context, role domain.Role) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO roles(id,name,policy_id) VALUES (?,?,?)`,
		role.ID, role.Name, nullable(role.PolicyID))
	return err
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	if u.CreatedAt == "" {
		u.CreatedAt = FormatTS(time.Now())
	}
	if u.Score == 0 {
		u.Score = 50
	}
	if u.Classification == "" {
		u.Classification = domain.LabelCompliant
	}
	var locked any
	if u.LockedUntil != nil {
		locked = FormatTS(*u.LockedUntil)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,email,role_id,policy_id,enforcement_mode,score,classification,locked_until,acknowledgment_required,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ID, nullable(u.Email), nullable(u.RoleID), nullable(u.PolicyID), nullable(string(u.EnforcementMode)),
		u.Score, u.Classification, locked, boolInt(u.AcknowledgmentRequired), u.CreatedAt)
	return err
}

const userColumns = `u.id,COALESCE(u.email,''),COALESCE(u.role_id,''),COALESCE(u.policy_id,''),COALESCE(u.enforcement_mode,''),u.score,u.classification,u.locked_until,u.acknowledgment_required,u.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var locked sql.NullString
	var ack int
	if err := row.Scan(&u.ID, &u.Email, &u.RoleID, &u.PolicyID, &u.EnforcementMode, &u.Score, &u.Classification, &locked, &ack, &u.CreatedAt); err != nil {
		return u, err
	}
	lu, err := parseNullTS(locked)
	if err != nil {
		return u, err
	}
	u.LockedUntil = lu
	u.AcknowledgmentRequired = ack != 0
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id=?`, id))
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// GetUserPolicy loads a user with the stored policy that applies to them: the
// user's own policy when set, else their role's policy.
func (r Repo) GetUserPolicy(ctx context.Context, userID string) (domain.UserPolicy, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userColumns+`,
  p.id, p.scope, p.enforcement_mode, p.rules_json, p.created_at
FROM users u
LEFT JOIN roles ro ON ro.id=u.role_id
LEFT JOIN policies p ON p.id=COALESCE(u.policy_id, ro.policy_id)
WHERE u.id=?`, userID)
	var (
		u                                   domain.User
		locked                              sql.NullString
		ack                                 int
		pID, pScope, pMode, pRules, pCreate sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &u.RoleID, &u.PolicyID, &u.EnforcementMode, &u.Score, &u.Classification, &locked, &ack, &u.CreatedAt,
		&pID, &pScope, &pMode, &pRules, &pCreate)
	if err == sql.ErrNoRows {
		return domain.UserPolicy{}, ErrNotFound
	}
	if err != nil {
		return domain.UserPolicy{}, err
	}
	if u.LockedUntil, err = parseNullTS(locked); err != nil {
		return domain.UserPolicy{}, err
	}
	u.AcknowledgmentRequired = ack != 0
	up := domain.UserPolicy{User: u}
	if pID.Valid {
		up.Policy = &domain.Policy{
			ID:              pID.String,
			Scope:           pScope.String,
			EnforcementMode: domain.EnforcementMode(pMode.String),
			RulesJSON:       pRules.String,
			CreatedAt:       pCreate.String,
		}
	}
	return up, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users u ORDER BY u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// ListUserIDs returns every user id, for scheduler fan-out.
func (r Repo) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
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

// UpdateUserPolicy sets the per-user policy and mode override. Empty values clear them.
func (r Repo) UpdateUserPolicy(ctx context.Context, userID, policyID string, mode domain.EnforcementMode) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET policy_id=?, enforcement_mode=? WHERE id=?`,
		nullable(policyID), nullable(string(mode)), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- enforcement state ---

// UpdateScore records the latest score and classification.
func (r Repo) UpdateScore(ctx context.Context, userID string, score float64, label string) error {
	return retryWrite(ctx, func() error {
		res, err := r.DB.ExecContext(ctx, `UPDATE users SET score=?, classification=? WHERE id=?`, score, label, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ApplyLockout sets locked_until and acknowledgment_required unless a lockout
// is already active at now. It reports whether the row changed.
func (r Repo) ApplyLockout(ctx context.Context, userID string, until, now time.Time) (bool, error) {
	var applied bool
	err := retryWrite(ctx, func() error {
		res, err := r.DB.ExecContext(ctx, `UPDATE users SET locked_until=?, acknowledgment_required=1
WHERE id=? AND (locked_until IS NULL OR locked_until <= ?)`, FormatTS(until), userID, FormatTS(now))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n > 0
		return nil
	})
	return applied, err
}

// ClearLockout is the explicit external unlock.
func (r Repo) ClearLockout(ctx context.Context, userID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET locked_until=NULL WHERE id=?`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) Acknowledge(ctx context.Context, userID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET acknowledgment_required=0 WHERE id=?`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- exceptions ---

func (r Repo) InsertException(ctx context.Context, e domain.DisciplineException) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO discipline_exceptions(id,user_id,reason,approved,valid_from,valid_until) VALUES (?,?,?,?,?,?)`,
		e.ID, e.UserID, nullable(e.Reason), boolInt(e.Approved), FormatTS(e.ValidFrom), FormatTS(e.ValidUntil))
	return err
}

func (r Repo) ApproveException(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE discipline_exceptions SET approved=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanException(row rowScanner) (domain.DisciplineException, error) {
	var (
		e           domain.DisciplineException
		approved    int
		from, until string
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.Reason, &approved, &from, &until); err != nil {
		return e, err
	}
	e.Approved = approved != 0
	var err error
	if e.ValidFrom, err = parseTS(from); err != nil {
		return e, err
	}
	if e.ValidUntil, err = parseTS(until); err != nil {
		return e, err
	}
	return e, nil
}

// ActiveException returns an approved exception covering at, or ErrNotFound.
func (r Repo) ActiveException(ctx context.Context, userID string, at time.Time) (domain.DisciplineException, error) {
	ts := FormatTS(at)
	e, err := scanException(r.DB.QueryRowContext(ctx, `SELECT id,user_id,COALESCE(reason,''),approved,valid_from,valid_until
FROM discipline_exceptions
WHERE user_id=? AND approved=1 AND valid_from<=? AND valid_until>=?
ORDER BY valid_until DESC LIMIT 1`, userID, ts, ts))
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) ListExceptions(ctx context.Context, userID string) ([]domain.DisciplineException, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,COALESCE(reason,''),approved,valid_from,valid_until
FROM discipline_exceptions WHERE user_id=? ORDER BY valid_from DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DisciplineException
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
