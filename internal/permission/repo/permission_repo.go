package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/hexagram/access-core-go/internal/permission/entity"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
)

// PermissionRepo provides data access for the permissions table using sqlx.
type PermissionRepo struct {
	db *sqlx.DB
}

func NewPermissionRepo(db *sqlx.DB) *PermissionRepo { return &PermissionRepo{db: db} }

// EnsureTable creates the permissions table if not exists (idempotent).
// DDL is kept portable between Postgres and SQLite.
func (r *PermissionRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS permissions (
  identity varchar(64) PRIMARY KEY,
  role varchar(16) NOT NULL DEFAULT 'free',
  subscription_start text NOT NULL DEFAULT '',
  subscription_end text NOT NULL DEFAULT '',
  daily_call_count integer NOT NULL DEFAULT 0,
  daily_call_limit integer NOT NULL DEFAULT 100,
  last_call_date varchar(10) NOT NULL DEFAULT '',
  max_device_count integer NOT NULL DEFAULT 1,
  last_login_ip varchar(64) NOT NULL DEFAULT '',
  created_at text NOT NULL,
  updated_at text NOT NULL
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Get returns the record for identity or sql.ErrNoRows.
func (r *PermissionRepo) Get(ctx context.Context, identity string) (*entity.Permission, error) {
	const q = `SELECT identity, role, subscription_start, subscription_end,
		daily_call_count, daily_call_limit, last_call_date,
		max_device_count, last_login_ip, created_at, updated_at
	  FROM permissions WHERE identity = $1`
	var row entity.Permission
	if err := r.db.GetContext(ctx, &row, q, identity); err != nil {
		return nil, err
	}
	return &row, nil
}

// CreateDefault inserts a fresh free-tier record for identity. A concurrent
// insert of the same identity is harmless: ON CONFLICT DO NOTHING makes the
// call idempotent and the caller re-reads.
func (r *PermissionRepo) CreateDefault(ctx context.Context, identity string, dailyLimit, maxDevices int, now time.Time) error {
	const q = `INSERT INTO permissions
		(identity, role, daily_call_limit, max_device_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (identity) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q, identity, entity.RoleFree, dailyLimit, maxDevices, database.FormatTime(now))
	return err
}

// RolloverDay resets the daily counter when the stored call date is not
// today. Safe to run on every request: the WHERE clause makes it a no-op on
// the second and later calls of the same day.
func (r *PermissionRepo) RolloverDay(ctx context.Context, identity, today string, now time.Time) error {
	const q = `UPDATE permissions SET daily_call_count = 0, last_call_date = $2, updated_at = $3
		WHERE identity = $1 AND last_call_date <> $2`
	_, err := r.db.ExecContext(ctx, q, identity, today, database.FormatTime(now))
	return err
}

// Charge performs the atomic increment-and-compare for one chargeable call.
// Returns false when the quota for today is already spent; the counter is
// never read separately from the write, so concurrent charges cannot lose
// updates or overshoot the limit.
func (r *PermissionRepo) Charge(ctx context.Context, identity, today string, limit int, now time.Time) (bool, error) {
	const q = `UPDATE permissions
		SET daily_call_count = daily_call_count + 1, updated_at = $4
		WHERE identity = $1 AND last_call_date = $2 AND daily_call_count < $3`
	res, err := r.db.ExecContext(ctx, q, identity, today, limit, database.FormatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetRole applies a role grant: role, subscription window and the capacity
// values implied by the role. Idempotent by construction.
func (r *PermissionRepo) SetRole(ctx context.Context, identity string, role entity.Role, subStart, subEnd string, dailyLimit, maxDevices int, now time.Time) error {
	const q = `UPDATE permissions
		SET role = $2, subscription_start = $3, subscription_end = $4,
		    daily_call_limit = $5, max_device_count = $6, updated_at = $7
		WHERE identity = $1`
	_, err := r.db.ExecContext(ctx, q, identity, role, subStart, subEnd, dailyLimit, maxDevices, database.FormatTime(now))
	return err
}

// TouchLogin records the last seen client address.
func (r *PermissionRepo) TouchLogin(ctx context.Context, identity, ip string, now time.Time) error {
	const q = `UPDATE permissions SET last_login_ip = $2, updated_at = $3 WHERE identity = $1`
	_, err := r.db.ExecContext(ctx, q, identity, ip, database.FormatTime(now))
	return err
}
