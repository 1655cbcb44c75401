package permission

import (
	"context"
	"testing"
	"time"

	"github.com/ovaphlow/hexagram/access-core-go/internal/permission/entity"
	"github.com/ovaphlow/hexagram/access-core-go/internal/policy"
	"github.com/ovaphlow/hexagram/access-core-go/internal/testutil"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
)

func newTestService(t *testing.T, pol policy.Policy, at *time.Time) *Service {
	t.Helper()
	db := testutil.OpenDB(t)
	return NewService(db, pol).WithClock(func() time.Time { return *at })
}

func TestGetOrCreateDefaults(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, policy.Default(), &now)

	p, err := svc.GetOrCreate(context.Background(), "U1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if p.Role != entity.RoleFree {
		t.Errorf("expected role free, got %s", p.Role)
	}
	if p.DailyCallLimit != 100 {
		t.Errorf("expected daily limit 100, got %d", p.DailyCallLimit)
	}
	if p.MaxDeviceCount != 1 {
		t.Errorf("expected max devices 1, got %d", p.MaxDeviceCount)
	}

	again, err := svc.GetOrCreate(context.Background(), "U1")
	if err != nil {
		t.Fatalf("second get or create: %v", err)
	}
	if again.CreatedAt != p.CreatedAt {
		t.Error("expected the same record on second call")
	}
}

func TestQuotaResetsOnNewDay(t *testing.T) {
	now := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	pol := policy.Default()
	svc := newTestService(t, pol, &now)

	for i := 0; i < 5; i++ {
		if _, err := svc.Charge(context.Background(), "U1"); err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
	}
	d, err := svc.Check(context.Background(), "U1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Remaining != pol.FreeDailyLimit-5 {
		t.Errorf("expected remaining %d, got %d", pol.FreeDailyLimit-5, d.Remaining)
	}

	// next local day: one charge yields counter == 1 regardless of yesterday
	now = now.Add(2 * time.Hour)
	if _, err := svc.Charge(context.Background(), "U1"); err != nil {
		t.Fatalf("charge on new day: %v", err)
	}
	d, err = svc.Check(context.Background(), "U1")
	if err != nil {
		t.Fatalf("check on new day: %v", err)
	}
	if d.Remaining != pol.FreeDailyLimit-1 {
		t.Errorf("expected remaining %d after rollover, got %d", pol.FreeDailyLimit-1, d.Remaining)
	}
}

func TestChargeStopsAtLimit(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	pol := policy.Default()
	pol.FreeDailyLimit = 2
	svc := newTestService(t, pol, &now)

	for i := 0; i < 2; i++ {
		if _, err := svc.Charge(context.Background(), "U1"); err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
	}
	_, err := svc.Charge(context.Background(), "U1")
	if !apperr.IsConflict(err) || apperr.Reason(err) != "quota_exhausted" {
		t.Fatalf("expected quota_exhausted conflict, got %v", err)
	}
}

func TestAdminUnlimited(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, policy.Default(), &now)

	if _, err := svc.GrantRole(context.Background(), "boss", entity.RoleAdmin, 0); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	for i := 0; i < 3; i++ {
		d, err := svc.Charge(context.Background(), "boss")
		if err != nil {
			t.Fatalf("admin charge: %v", err)
		}
		if d.Remaining != -1 {
			t.Errorf("expected unlimited remaining, got %d", d.Remaining)
		}
	}
}

func TestBannedCharge(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, policy.Default(), &now)

	if _, err := svc.GrantRole(context.Background(), "U9", entity.RoleBanned, 0); err != nil {
		t.Fatalf("grant banned: %v", err)
	}
	if _, err := svc.Charge(context.Background(), "U9"); apperr.Reason(err) != "banned" {
		t.Fatalf("expected banned conflict, got %v", err)
	}
	d, err := svc.Check(context.Background(), "U9")
	if err != nil {
		t.Fatalf("check banned: %v", err)
	}
	if d.Allowed {
		t.Error("expected banned identity to be disallowed")
	}
}

func TestSubscriptionActivity(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, policy.Default(), &now)

	p, err := svc.GrantRole(context.Background(), "U2", entity.RolePremium, 30)
	if err != nil {
		t.Fatalf("grant premium: %v", err)
	}
	if !svc.SubscriptionActive(p) {
		t.Error("expected subscription active right after grant")
	}

	now = now.Add(31 * 24 * time.Hour)
	if svc.SubscriptionActive(p) {
		t.Error("expected subscription inactive after window passed")
	}

	// re-grant restarts the window (idempotent grant)
	p, err = svc.GrantRole(context.Background(), "U2", entity.RolePremium, 30)
	if err != nil {
		t.Fatalf("re-grant premium: %v", err)
	}
	if !svc.SubscriptionActive(p) {
		t.Error("expected subscription active after re-grant")
	}
}

func TestDayBoundaryUsesConfiguredZone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skipf("zoneinfo unavailable: %v", err)
	}
	pol := policy.Default()
	pol.Location = loc

	// 17:00 UTC on Mar 2 is already Mar 3 in Shanghai (UTC+8)
	now := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	svc := newTestService(t, pol, &now)
	if _, err := svc.Charge(context.Background(), "U3"); err != nil {
		t.Fatalf("charge: %v", err)
	}

	// 15:00 UTC next day is still Mar 3 in Shanghai: same local day, no reset
	now = time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	d, err := svc.Check(context.Background(), "U3")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Remaining != pol.FreeDailyLimit-1 {
		t.Errorf("expected same-local-day counter kept, remaining %d", d.Remaining)
	}
}
