package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/hexagram/access-core-go/internal/divination/entity"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
)

// UsageRepo provides data access for weekly usage records using sqlx.
type UsageRepo struct {
	db *sqlx.DB
}

func NewUsageRepo(db *sqlx.DB) *UsageRepo { return &UsageRepo{db: db} }

// EnsureTable creates the weekly_usages table if not exists (idempotent).
// The unique index on (identity, week_start) is the eligibility gate.
func (r *UsageRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS weekly_usages (
  id varchar(32) PRIMARY KEY,
  identity varchar(64) NOT NULL,
  week_start varchar(10) NOT NULL,
  performed_at text NOT NULL,
  payload text NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_weekly_usages_identity_week ON weekly_usages (identity, week_start);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Get returns the record for (identity, weekStart) or sql.ErrNoRows.
func (r *UsageRepo) Get(ctx context.Context, identity, weekStart string) (*entity.Usage, error) {
	const q = `SELECT id, identity, week_start, performed_at, payload
		FROM weekly_usages WHERE identity = $1 AND week_start = $2`
	var row entity.Usage
	if err := r.db.GetContext(ctx, &row, q, identity, weekStart); err != nil {
		return nil, err
	}
	return &row, nil
}

// Insert writes a new usage record. A unique-constraint clash means a
// concurrent writer already performed this week; the caller maps it to
// already_done.
func (r *UsageRepo) Insert(ctx context.Context, id, identity, weekStart, payload string, performedAt time.Time) error {
	const q = `INSERT INTO weekly_usages (id, identity, week_start, performed_at, payload)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, q, id, identity, weekStart, database.FormatTime(performedAt), payload)
	return err
}
