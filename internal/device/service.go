package device

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/blake2b"

	deventity "github.com/ovaphlow/hexagram/access-core-go/internal/device/entity"
	devrepo "github.com/ovaphlow/hexagram/access-core-go/internal/device/repo"
	"github.com/ovaphlow/hexagram/access-core-go/internal/permission"
	permentity "github.com/ovaphlow/hexagram/access-core-go/internal/permission/entity"
	"github.com/ovaphlow/hexagram/access-core-go/internal/policy"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/utilities"
)

// Service is the DeviceRegistry: fingerprint tracking plus the role-based
// capacity and eviction policy. Capacity limits come from the permission
// record; the slot count is always derived from the devices table, never
// stored.
type Service struct {
	repo  *devrepo.DeviceRepo
	perms *permission.Service
	pol   policy.Policy
	now   func() time.Time
}

func NewService(db *sqlx.DB, perms *permission.Service, pol policy.Policy) *Service {
	return &Service{repo: devrepo.NewDeviceRepo(db), perms: perms, pol: pol, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Fingerprint derives the deterministic device hash from client signals.
func Fingerprint(sig deventity.Signals) string {
	sum := blake2b.Sum256([]byte(sig.UserAgent + "\n" + sig.Address + "\n" + sig.Extra))
	return hex.EncodeToString(sum[:])
}

// Admit decides whether the device identified by signals may act for
// identity. The ladder: admin always; known active device refresh; free
// slot; otherwise role-specific denial or premium stale replacement.
// Concurrent admissions cannot over-fill the capacity: the unique index
// absorbs same-fingerprint races and the serialized count-and-insert in
// TakeSlot resolves distinct-fingerprint ones.
func (s *Service) Admit(ctx context.Context, identity string, sig deventity.Signals) (*deventity.Decision, error) {
	fp := Fingerprint(sig)
	p, err := s.perms.GetOrCreate(ctx, identity)
	if err != nil {
		return nil, err
	}
	if p.Role == permentity.RoleBanned {
		return &deventity.Decision{Allowed: false, Reason: deventity.ReasonBanned}, nil
	}

	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	now := s.now()

	if p.Role == permentity.RoleAdmin {
		if _, err := s.repo.Upsert(ctx, utilities.NewKSUID(), identity, fp, now); err != nil {
			return nil, s.storeErr(err)
		}
		d, err := s.repo.GetByFingerprint(ctx, identity, fp)
		if err != nil {
			return nil, s.storeErr(err)
		}
		return &deventity.Decision{Allowed: true, Reason: deventity.ReasonKnownDevice, Device: d}, nil
	}

	existing, err := s.repo.GetByFingerprint(ctx, identity, fp)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, s.storeErr(err)
	}
	if existing != nil && existing.Active {
		if err := s.repo.Refresh(ctx, existing.ID, now); err != nil {
			return nil, s.storeErr(err)
		}
		existing.LastSeen = database.FormatTime(now)
		existing.LastActivity = existing.LastSeen
		existing.SessionCount++
		existing.APICallCount++
		return &deventity.Decision{Allowed: true, Reason: deventity.ReasonKnownDevice, Device: existing}, nil
	}

	cutoff := now.Add(-s.pol.ActiveDeviceWindow)
	active, err := s.repo.CountActiveSince(ctx, identity, cutoff)
	if err != nil {
		return nil, s.storeErr(err)
	}

	if active >= p.MaxDeviceCount {
		if p.Role == permentity.RolePremium {
			oldest, err := s.repo.OldestActive(ctx, identity, cutoff)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, s.storeErr(err)
			}
			if oldest != nil {
				lastActivity, perr := database.ParseTime(oldest.LastActivity)
				if perr == nil && now.Sub(lastActivity) > s.pol.StaleDeviceAfter {
					if _, err := s.repo.Deactivate(ctx, identity, oldest.ID); err != nil {
						return nil, s.storeErr(err)
					}
					return s.takeSlot(ctx, identity, fp, p.Role, now, cutoff, p.MaxDeviceCount, deventity.ReasonDeviceReplaced)
				}
			}
		}
		return denial(p.Role), nil
	}

	return s.takeSlot(ctx, identity, fp, p.Role, now, cutoff, p.MaxDeviceCount, deventity.ReasonNewDevice)
}

// takeSlot claims a capacity slot through the repo's serialized
// count-and-insert. A claimant that finds the capacity already filled by a
// concurrent admission gets the same role-specific denial as one that never
// raced.
func (s *Service) takeSlot(ctx context.Context, identity, fp string, role permentity.Role, now time.Time, cutoff time.Time, maxDevices int, reason string) (*deventity.Decision, error) {
	_, ok, err := s.repo.TakeSlot(ctx, utilities.NewKSUID(), identity, fp, now, cutoff, maxDevices)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if !ok {
		return denial(role), nil
	}

	d, err := s.repo.GetByFingerprint(ctx, identity, fp)
	if err != nil {
		return nil, s.storeErr(err)
	}
	return &deventity.Decision{Allowed: true, Reason: reason, Device: d}, nil
}

// denial is the role-specific at-capacity rejection.
func denial(role permentity.Role) *deventity.Decision {
	if role == permentity.RolePremium {
		return &deventity.Decision{
			Allowed:    false,
			Reason:     deventity.ReasonPremiumDeviceLimit,
			Suggestion: "manage_devices",
		}
	}
	return &deventity.Decision{
		Allowed:    false,
		Reason:     deventity.ReasonDeviceLimit,
		Suggestion: "upgrade_premium",
	}
}

// Deactivate soft-deletes one of identity's devices. Reports whether the
// device exists; repeating the call is harmless.
func (s *Service) Deactivate(ctx context.Context, identity, deviceID string) (bool, error) {
	if deviceID == "" {
		return false, apperr.Validation("empty_device_id")
	}
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	found, err := s.repo.Deactivate(ctx, identity, deviceID)
	if err != nil {
		return false, s.storeErr(err)
	}
	return found, nil
}

// List returns identity's devices, most recently active first.
func (s *Service) List(ctx context.Context, identity string, includeInactive bool) ([]deventity.Device, error) {
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	rows, err := s.repo.List(ctx, identity, includeInactive)
	if err != nil {
		return nil, s.storeErr(err)
	}
	return rows, nil
}

func (s *Service) storeErr(err error) error {
	return apperr.Transient("store_error", err)
}
