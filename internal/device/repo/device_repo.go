package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/hexagram/access-core-go/internal/device/entity"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
)

// DeviceRepo provides data access for the devices table using sqlx.
type DeviceRepo struct {
	db *sqlx.DB
}

func NewDeviceRepo(db *sqlx.DB) *DeviceRepo { return &DeviceRepo{db: db} }

// EnsureTable creates the devices table if not exists (idempotent). The
// unique index on (identity, fingerprint) guards same-fingerprint admission
// races; TakeSlot serializes distinct-fingerprint ones.
func (r *DeviceRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS devices (
  id varchar(32) PRIMARY KEY,
  identity varchar(64) NOT NULL,
  fingerprint varchar(64) NOT NULL,
  first_seen text NOT NULL,
  last_seen text NOT NULL,
  last_activity text NOT NULL,
  active boolean NOT NULL DEFAULT true,
  session_count integer NOT NULL DEFAULT 0,
  api_call_count integer NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_devices_identity_fingerprint ON devices (identity, fingerprint);
CREATE INDEX IF NOT EXISTS idx_devices_identity_activity ON devices (identity, last_activity);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const deviceColumns = `id, identity, fingerprint, first_seen, last_seen, last_activity, active, session_count, api_call_count`

// GetByFingerprint returns the record for (identity, fingerprint) or
// sql.ErrNoRows.
func (r *DeviceRepo) GetByFingerprint(ctx context.Context, identity, fingerprint string) (*entity.Device, error) {
	const q = `SELECT ` + deviceColumns + ` FROM devices WHERE identity = $1 AND fingerprint = $2`
	var row entity.Device
	if err := r.db.GetContext(ctx, &row, q, identity, fingerprint); err != nil {
		return nil, err
	}
	return &row, nil
}

// Upsert inserts a device row or, when the (identity, fingerprint) pair
// already exists, reactivates and refreshes it. Returns the row id either
// way; the single statement keeps concurrent admissions of the same
// fingerprint from producing duplicates.
func (r *DeviceRepo) Upsert(ctx context.Context, id, identity, fingerprint string, now time.Time) (string, error) {
	const q = `INSERT INTO devices
		(id, identity, fingerprint, first_seen, last_seen, last_activity, active, session_count, api_call_count)
		VALUES ($1, $2, $3, $4, $4, $4, true, 1, 1)
		ON CONFLICT (identity, fingerprint) DO UPDATE SET
		  last_seen = $4, last_activity = $4, active = true,
		  session_count = devices.session_count + 1,
		  api_call_count = devices.api_call_count + 1
		RETURNING id`
	ts := database.FormatTime(now)
	var got string
	if err := r.db.GetContext(ctx, &got, q, id, identity, fingerprint, ts); err != nil {
		return "", err
	}
	return got, nil
}

// Refresh updates activity bookkeeping for a known device.
func (r *DeviceRepo) Refresh(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE devices SET last_seen = $2, last_activity = $2,
		session_count = session_count + 1, api_call_count = api_call_count + 1
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id, database.FormatTime(now))
	return err
}

// CountActiveSince counts devices holding a capacity slot: active and with
// activity after the cutoff.
func (r *DeviceRepo) CountActiveSince(ctx context.Context, identity string, cutoff time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM devices
		WHERE identity = $1 AND active = true AND last_activity >= $2`
	var n int
	if err := r.db.GetContext(ctx, &n, q, identity, database.FormatTime(cutoff)); err != nil {
		return 0, err
	}
	return n, nil
}

// OldestActive returns the active slot-holding device with the oldest
// last_activity, or sql.ErrNoRows.
func (r *DeviceRepo) OldestActive(ctx context.Context, identity string, cutoff time.Time) (*entity.Device, error) {
	const q = `SELECT ` + deviceColumns + ` FROM devices
		WHERE identity = $1 AND active = true AND last_activity >= $2
		ORDER BY last_activity ASC LIMIT 1`
	var row entity.Device
	if err := r.db.GetContext(ctx, &row, q, identity, database.FormatTime(cutoff)); err != nil {
		return nil, err
	}
	return &row, nil
}

// TakeSlot claims a capacity slot for (identity, fingerprint). The count and
// the insert run in one transaction serialized on the identity's permission
// row, so every claimant observes the slots taken by earlier committers and
// at most maxDevices rows can end up active no matter how many admissions
// race. Returns the row id and whether the slot was taken.
func (r *DeviceRepo) TakeSlot(ctx context.Context, id, identity, fingerprint string, now, cutoff time.Time, maxDevices int) (string, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	// the permission row doubles as the per-identity admission lock: the
	// no-op write holds its row lock until commit, serializing claimants
	const lock = `UPDATE permissions SET updated_at = updated_at WHERE identity = $1`
	if _, err := tx.ExecContext(ctx, lock, identity); err != nil {
		return "", false, err
	}

	const count = `SELECT COUNT(*) FROM devices
		WHERE identity = $1 AND active = true AND last_activity >= $2`
	var active int
	if err := tx.GetContext(ctx, &active, count, identity, database.FormatTime(cutoff)); err != nil {
		return "", false, err
	}
	if active >= maxDevices {
		return "", false, nil
	}

	const ins = `INSERT INTO devices
		(id, identity, fingerprint, first_seen, last_seen, last_activity, active, session_count, api_call_count)
		VALUES ($1, $2, $3, $4, $4, $4, true, 1, 1)
		ON CONFLICT (identity, fingerprint) DO UPDATE SET
		  last_seen = $4, last_activity = $4, active = true,
		  session_count = devices.session_count + 1,
		  api_call_count = devices.api_call_count + 1
		RETURNING id`
	var got string
	if err := tx.GetContext(ctx, &got, ins, id, identity, fingerprint, database.FormatTime(now)); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return got, true, nil
}

// Deactivate soft-deletes a device row. Idempotent; reports whether the row
// exists for the identity.
func (r *DeviceRepo) Deactivate(ctx context.Context, identity, id string) (bool, error) {
	const q = `UPDATE devices SET active = false WHERE identity = $1 AND id = $2`
	res, err := r.db.ExecContext(ctx, q, identity, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// already-inactive rows still count as found
	var exists int
	if err := r.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM devices WHERE identity = $1 AND id = $2`, identity, id); err != nil {
		return false, err
	}
	return exists > 0, nil
}

// List returns devices for identity ordered by last_activity descending.
func (r *DeviceRepo) List(ctx context.Context, identity string, includeInactive bool) ([]entity.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE identity = $1`
	if !includeInactive {
		q += ` AND active = true`
	}
	q += ` ORDER BY last_activity DESC`
	var rows []entity.Device
	if err := r.db.SelectContext(ctx, &rows, q, identity); err != nil {
		return nil, err
	}
	return rows, nil
}
