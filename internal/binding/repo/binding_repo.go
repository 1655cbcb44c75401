package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/hexagram/access-core-go/internal/binding/entity"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
)

// BindingRepo provides data access for pending bindings and bound birth
// profiles using sqlx.
type BindingRepo struct {
	db *sqlx.DB
}

func NewBindingRepo(db *sqlx.DB) *BindingRepo { return &BindingRepo{db: db} }

// ErrNoPending is returned by Claim when no live unconsumed binding exists.
var ErrNoPending = errors.New("no pending binding")

// EnsureTable creates the binding tables if not exists (idempotent).
func (r *BindingRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS pending_bindings (
  id varchar(32) PRIMARY KEY,
  birth_data text NOT NULL,
  created_at text NOT NULL,
  expires_at text NOT NULL,
  consumed boolean NOT NULL DEFAULT false,
  claimed_by varchar(64) NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pending_bindings_expires ON pending_bindings (expires_at);
CREATE TABLE IF NOT EXISTS birth_profiles (
  identity varchar(64) PRIMARY KEY,
  birth_data text NOT NULL,
  gender varchar(8) NOT NULL DEFAULT '',
  created_at text NOT NULL,
  updated_at text NOT NULL
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// InsertPending stores a new anonymous offer.
func (r *BindingRepo) InsertPending(ctx context.Context, id, birthJSON string, createdAt, expiresAt time.Time) error {
	const q = `INSERT INTO pending_bindings (id, birth_data, created_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, false)`
	_, err := r.db.ExecContext(ctx, q, id, birthJSON, database.FormatTime(createdAt), database.FormatTime(expiresAt))
	return err
}

// Claim atomically consumes the most recent live binding for identity and
// upserts the birth profile, all in one transaction. The consumed flip is a
// conditional UPDATE on the candidate row, so exactly one concurrent
// claimant wins it; losers move to the next candidate or get ErrNoPending.
// Any mid-write failure rolls the whole unit back, leaving the offer
// unconsumed. The profile's gender preference is seeded from the claimed
// payload when not already set.
func (r *BindingRepo) Claim(ctx context.Context, identity string, now time.Time) (*entity.Profile, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	nowStr := database.FormatTime(now)

	var claimed entity.PendingBinding
	for {
		const sel = `SELECT id, birth_data, created_at, expires_at, consumed, claimed_by
			FROM pending_bindings
			WHERE consumed = false AND expires_at > $1
			ORDER BY created_at DESC, id DESC LIMIT 1`
		if err := tx.GetContext(ctx, &claimed, sel, nowStr); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNoPending
			}
			return nil, err
		}
		const upd = `UPDATE pending_bindings SET consumed = true, claimed_by = $2
			WHERE id = $1 AND consumed = false AND expires_at > $3`
		res, err := tx.ExecContext(ctx, upd, claimed.ID, identity, nowStr)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			break
		}
		// lost the race for this candidate; try the next newest
	}

	birth := claimed.BirthData
	var payload entity.BirthData
	_ = json.Unmarshal([]byte(birth), &payload)
	gender := payload.Gender
	const upsert = `INSERT INTO birth_profiles (identity, birth_data, gender, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (identity) DO UPDATE SET
		  birth_data = excluded.birth_data,
		  gender = CASE WHEN birth_profiles.gender = '' THEN excluded.gender ELSE birth_profiles.gender END,
		  updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, upsert, identity, birth, gender, nowStr); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entity.Profile{
		Identity:  identity,
		BirthData: birth,
		Gender:    gender,
		CreatedAt: nowStr,
		UpdatedAt: nowStr,
	}, nil
}

// GetProfile returns the bound profile for identity or sql.ErrNoRows.
func (r *BindingRepo) GetProfile(ctx context.Context, identity string) (*entity.Profile, error) {
	const q = `SELECT identity, birth_data, gender, created_at, updated_at
		FROM birth_profiles WHERE identity = $1`
	var row entity.Profile
	if err := r.db.GetContext(ctx, &row, q, identity); err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteExpired removes dead offers. Housekeeping only: correctness depends
// on the claim predicate, never on sweep timing.
func (r *BindingRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM pending_bindings WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, q, database.FormatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
