package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/hexagram/access-core-go/internal/session/entity"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
)

// SessionRepo provides data access for the sessions table using sqlx.
type SessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepo(db *sqlx.DB) *SessionRepo { return &SessionRepo{db: db} }

// EnsureTable creates the sessions table if not exists (idempotent).
func (r *SessionRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  identity varchar(64) PRIMARY KEY,
  current_state varchar(24) NOT NULL DEFAULT 'idle',
  flow_type varchar(24) NOT NULL DEFAULT '',
  context text NOT NULL DEFAULT '{}',
  updated_at text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions (updated_at);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Get returns the session for identity or sql.ErrNoRows.
func (r *SessionRepo) Get(ctx context.Context, identity string) (*entity.Session, error) {
	const q = `SELECT identity, current_state, flow_type, context, updated_at
		FROM sessions WHERE identity = $1`
	var row entity.Session
	if err := r.db.GetContext(ctx, &row, q, identity); err != nil {
		return nil, err
	}
	return &row, nil
}

// CreateIdle lazily creates the idle session row; concurrent creation is a
// no-op.
func (r *SessionRepo) CreateIdle(ctx context.Context, identity string, now time.Time) error {
	const q = `INSERT INTO sessions (identity, current_state, context, updated_at)
		VALUES ($1, $2, '{}', $3)
		ON CONFLICT (identity) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q, identity, entity.StateIdle, database.FormatTime(now))
	return err
}

// MoveIf advances identity's session from `from` to `to` with the merged
// context, conditionally on the stored state still being `from`. Zero rows
// means a concurrent transition got there first.
func (r *SessionRepo) MoveIf(ctx context.Context, identity string, from, to entity.State, flowType, contextJSON string, now time.Time) (bool, error) {
	const q = `UPDATE sessions
		SET current_state = $3, flow_type = $4, context = $5, updated_at = $6
		WHERE identity = $1 AND current_state = $2`
	res, err := r.db.ExecContext(ctx, q, identity, from, to, flowType, contextJSON, database.FormatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteStale reaps sessions idle since before the cutoff.
func (r *SessionRepo) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM sessions WHERE updated_at < $1`
	res, err := r.db.ExecContext(ctx, q, database.FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
