package permission

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/hexagram/access-core-go/internal/permission/entity"
	permrepo "github.com/ovaphlow/hexagram/access-core-go/internal/permission/repo"
	"github.com/ovaphlow/hexagram/access-core-go/internal/policy"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/utilities"
)

// Service is the PermissionStore: per-identity role, subscription window and
// call-quota bookkeeping. Records are created lazily on first contact and
// never deleted; a ban is a role value.
type Service struct {
	repo *permrepo.PermissionRepo
	pol  policy.Policy
	now  func() time.Time
}

func NewService(db *sqlx.DB, pol policy.Policy) *Service {
	return &Service{repo: permrepo.NewPermissionRepo(db), pol: pol, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetOrCreate returns the record for identity, creating a free-tier one on
// first contact.
func (s *Service) GetOrCreate(ctx context.Context, identity string) (*entity.Permission, error) {
	if identity == "" {
		return nil, apperr.Validation("empty_identity")
	}
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()

	p, err := s.repo.Get(ctx, identity)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, s.storeErr(err)
	}
	if err := s.repo.CreateDefault(ctx, identity, s.pol.FreeDailyLimit, s.pol.FreeMaxDevices, s.now()); err != nil {
		return nil, s.storeErr(err)
	}
	p, err = s.repo.Get(ctx, identity)
	if err != nil {
		return nil, s.storeErr(err)
	}
	return p, nil
}

// Check reports the quota snapshot for identity without consuming any of it.
// The day counter is rolled over first so Remaining reflects today.
func (s *Service) Check(ctx context.Context, identity string) (*entity.QuotaDecision, error) {
	p, err := s.GetOrCreate(ctx, identity)
	if err != nil {
		return nil, err
	}
	if p.Role == entity.RoleBanned {
		return &entity.QuotaDecision{Allowed: false, Role: p.Role, Reason: "banned"}, nil
	}

	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	now := s.now()
	today := utilities.LocalDay(now, s.pol.Location)
	if err := s.repo.RolloverDay(ctx, identity, today, now); err != nil {
		return nil, s.storeErr(err)
	}
	p, err = s.repo.Get(ctx, identity)
	if err != nil {
		return nil, s.storeErr(err)
	}

	limit := s.limitFor(p)
	if limit < 0 {
		return &entity.QuotaDecision{Allowed: true, Role: p.Role, Remaining: -1}, nil
	}
	remaining := limit - p.DailyCallCount
	if remaining < 0 {
		remaining = 0
	}
	d := &entity.QuotaDecision{Allowed: remaining > 0, Role: p.Role, Remaining: remaining}
	if !d.Allowed {
		d.Reason = "quota_exhausted"
	}
	return d, nil
}

// Charge consumes one unit of today's quota for a chargeable call. The
// increment-and-compare happens in a single UPDATE so concurrent charges
// from the same identity cannot overshoot the limit. Admin is never charged.
func (s *Service) Charge(ctx context.Context, identity string) (*entity.QuotaDecision, error) {
	p, err := s.GetOrCreate(ctx, identity)
	if err != nil {
		return nil, err
	}
	switch p.Role {
	case entity.RoleBanned:
		return nil, apperr.Conflict("banned")
	case entity.RoleAdmin:
		return &entity.QuotaDecision{Allowed: true, Role: p.Role, Remaining: -1}, nil
	}

	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	now := s.now()
	today := utilities.LocalDay(now, s.pol.Location)
	if err := s.repo.RolloverDay(ctx, identity, today, now); err != nil {
		return nil, s.storeErr(err)
	}
	limit := s.limitFor(p)
	ok, err := s.repo.Charge(ctx, identity, today, limit, now)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if !ok {
		return nil, apperr.ConflictWithSuggestion("quota_exhausted", "upgrade_premium")
	}
	p, err = s.repo.Get(ctx, identity)
	if err != nil {
		return nil, s.storeErr(err)
	}
	return &entity.QuotaDecision{Allowed: true, Role: p.Role, Remaining: limit - p.DailyCallCount}, nil
}

// GrantRole sets role plus the subscription window and capacity implied by
// it. Granting the same role again restarts the window; the operation is
// idempotent in effect.
func (s *Service) GrantRole(ctx context.Context, identity string, role entity.Role, subscriptionDays int) (*entity.Permission, error) {
	if !role.Valid() {
		return nil, apperr.Validation("invalid_role")
	}
	if _, err := s.GetOrCreate(ctx, identity); err != nil {
		return nil, err
	}

	now := s.now()
	var subStart, subEnd string
	limit := s.pol.FreeDailyLimit
	maxDevices := s.pol.FreeMaxDevices
	switch role {
	case entity.RolePremium:
		if subscriptionDays <= 0 {
			return nil, apperr.Validation("invalid_subscription_days")
		}
		subStart = database.FormatTime(now)
		subEnd = database.FormatTime(now.Add(time.Duration(subscriptionDays) * 24 * time.Hour))
		limit = s.pol.PremiumDailyLimit
		maxDevices = s.pol.PremiumMaxDevices
	case entity.RoleAdmin:
		limit = s.pol.PremiumDailyLimit
		maxDevices = s.pol.PremiumMaxDevices
	}

	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	if err := s.repo.SetRole(ctx, identity, role, subStart, subEnd, limit, maxDevices, now); err != nil {
		return nil, s.storeErr(err)
	}
	p, err := s.repo.Get(ctx, identity)
	if err != nil {
		return nil, s.storeErr(err)
	}
	return p, nil
}

// SubscriptionActive derives activity from the subscription window; admin is
// always active. There is deliberately no stored flag to disagree with.
func (s *Service) SubscriptionActive(p *entity.Permission) bool {
	if p.Role == entity.RoleAdmin {
		return true
	}
	end, err := database.ParseTime(p.SubscriptionEnd)
	if err != nil || end.IsZero() {
		return false
	}
	return end.After(s.now())
}

// TouchLogin records the caller's address on the permission record.
func (s *Service) TouchLogin(ctx context.Context, identity, ip string) error {
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	if err := s.repo.TouchLogin(ctx, identity, ip, s.now()); err != nil {
		return s.storeErr(err)
	}
	return nil
}

// limitFor resolves the effective daily limit: -1 means unlimited.
func (s *Service) limitFor(p *entity.Permission) int {
	switch p.Role {
	case entity.RoleAdmin:
		return -1
	case entity.RolePremium:
		if s.SubscriptionActive(p) {
			return s.pol.PremiumDailyLimit
		}
		return p.DailyCallLimit
	default:
		return p.DailyCallLimit
	}
}

func (s *Service) storeErr(err error) error {
	return apperr.Transient("store_error", err)
}
