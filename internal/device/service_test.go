package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ovaphlow/hexagram/access-core-go/internal/device/entity"
	"github.com/ovaphlow/hexagram/access-core-go/internal/permission"
	permentity "github.com/ovaphlow/hexagram/access-core-go/internal/permission/entity"
	"github.com/ovaphlow/hexagram/access-core-go/internal/policy"
	"github.com/ovaphlow/hexagram/access-core-go/internal/testutil"
)

func newTestServices(t *testing.T, pol policy.Policy, at *time.Time) (*Service, *permission.Service) {
	t.Helper()
	db := testutil.OpenDB(t)
	clock := func() time.Time { return *at }
	perms := permission.NewService(db, pol).WithClock(clock)
	devs := NewService(db, perms, pol).WithClock(clock)
	return devs, perms
}

func sig(ua string) entity.Signals {
	return entity.Signals{UserAgent: ua, Address: "10.0.0.1"}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(sig("agent-a"))
	if a != Fingerprint(sig("agent-a")) {
		t.Error("expected identical signals to produce identical fingerprints")
	}
	if a == Fingerprint(sig("agent-b")) {
		t.Error("expected distinct signals to produce distinct fingerprints")
	}
}

func TestAdmitNewThenKnown(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	devs, _ := newTestServices(t, policy.Default(), &now)

	d, err := devs.Admit(context.Background(), "U1", sig("agent-a"))
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if !d.Allowed || d.Reason != entity.ReasonNewDevice {
		t.Fatalf("expected new_device allow, got %+v", d)
	}

	d, err = devs.Admit(context.Background(), "U1", sig("agent-a"))
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if !d.Allowed || d.Reason != entity.ReasonKnownDevice {
		t.Fatalf("expected known_device allow, got %+v", d)
	}
	if d.Device.SessionCount != 2 {
		t.Errorf("expected session_count 2, got %d", d.Device.SessionCount)
	}
}

func TestFreeTierLimitAndManualDeactivate(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	devs, _ := newTestServices(t, policy.Default(), &now)

	a, err := devs.Admit(context.Background(), "U1", sig("agent-a"))
	if err != nil || !a.Allowed {
		t.Fatalf("admit fp-A: %v %+v", err, a)
	}

	b, err := devs.Admit(context.Background(), "U1", sig("agent-b"))
	if err != nil {
		t.Fatalf("admit fp-B: %v", err)
	}
	if b.Allowed || b.Reason != entity.ReasonDeviceLimit {
		t.Fatalf("expected device_limit_exceeded, got %+v", b)
	}
	if b.Suggestion != "upgrade_premium" {
		t.Errorf("expected upgrade_premium suggestion, got %q", b.Suggestion)
	}

	found, err := devs.Deactivate(context.Background(), "U1", a.Device.ID)
	if err != nil || !found {
		t.Fatalf("deactivate: %v found=%v", err, found)
	}
	// idempotent
	found, err = devs.Deactivate(context.Background(), "U1", a.Device.ID)
	if err != nil || !found {
		t.Fatalf("repeat deactivate: %v found=%v", err, found)
	}

	b, err = devs.Admit(context.Background(), "U1", sig("agent-b"))
	if err != nil || !b.Allowed {
		t.Fatalf("expected fp-B admitted after slot freed, got %v %+v", err, b)
	}
}

func TestConcurrentAdmitExactlyOneWins(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	devs, _ := newTestServices(t, policy.Default(), &now)

	var wg sync.WaitGroup
	results := make([]*entity.Decision, 2)
	errs := make([]error, 2)
	agents := []string{"agent-a", "agent-b"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = devs.Admit(context.Background(), "U1", sig(agents[i]))
		}(i)
	}
	wg.Wait()

	allowed, denied := 0, 0
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("admit %d: %v", i, errs[i])
		}
		if results[i].Allowed {
			allowed++
		} else if results[i].Reason == entity.ReasonDeviceLimit {
			denied++
		}
	}
	if allowed != 1 || denied != 1 {
		t.Fatalf("expected exactly one allow and one device_limit_exceeded, got allow=%d deny=%d", allowed, denied)
	}
}

func TestConcurrentAdmitManyRacers(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	devs, _ := newTestServices(t, policy.Default(), &now)

	const racers = 6
	var wg sync.WaitGroup
	results := make([]*entity.Decision, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = devs.Admit(context.Background(), "U1", sig("agent-"+string(rune('a'+i))))
		}(i)
	}
	wg.Wait()

	allowed := 0
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("admit %d: %v", i, errs[i])
		}
		if results[i].Allowed {
			allowed++
		} else if results[i].Reason != entity.ReasonDeviceLimit {
			t.Errorf("racer %d: expected device_limit_exceeded, got %+v", i, results[i])
		}
	}
	if allowed != 1 {
		t.Fatalf("free tier max 1: expected exactly one allow among %d racers, got %d", racers, allowed)
	}

	rows, err := devs.List(context.Background(), "U1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one active device after the race, got %d", len(rows))
	}
}

func TestConcurrentAdmitPremiumDenialReason(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	pol := policy.Default()
	pol.PremiumMaxDevices = 2
	devs, perms := newTestServices(t, pol, &now)

	if _, err := perms.GrantRole(context.Background(), "U1", permentity.RolePremium, 90); err != nil {
		t.Fatalf("grant premium: %v", err)
	}

	const racers = 5
	var wg sync.WaitGroup
	results := make([]*entity.Decision, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = devs.Admit(context.Background(), "U1", sig("agent-"+string(rune('a'+i))))
		}(i)
	}
	wg.Wait()

	allowed := 0
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("admit %d: %v", i, errs[i])
		}
		if results[i].Allowed {
			allowed++
			continue
		}
		if results[i].Reason != entity.ReasonPremiumDeviceLimit || results[i].Suggestion != "manage_devices" {
			t.Errorf("racer %d: expected premium_device_limit/manage_devices, got %+v", i, results[i])
		}
	}
	if allowed != 2 {
		t.Fatalf("premium max 2: expected exactly two allows among %d racers, got %d", racers, allowed)
	}
}

func TestPremiumStaleReplacement(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	pol := policy.Default()
	pol.PremiumMaxDevices = 1
	// replacement only fires on slot holders older than the stale threshold,
	// so the slot window must outlast it
	pol.ActiveDeviceWindow = 30 * 24 * time.Hour
	devs, perms := newTestServices(t, pol, &now)

	if _, err := perms.GrantRole(context.Background(), "U1", permentity.RolePremium, 90); err != nil {
		t.Fatalf("grant premium: %v", err)
	}

	a, err := devs.Admit(context.Background(), "U1", sig("agent-a"))
	if err != nil || !a.Allowed {
		t.Fatalf("admit fp-A: %v %+v", err, a)
	}

	// fp-A still fresh: premium denial with manual-management suggestion
	b, err := devs.Admit(context.Background(), "U1", sig("agent-b"))
	if err != nil {
		t.Fatalf("admit fp-B: %v", err)
	}
	if b.Allowed || b.Reason != entity.ReasonPremiumDeviceLimit || b.Suggestion != "manage_devices" {
		t.Fatalf("expected premium_device_limit, got %+v", b)
	}

	// fp-A idle past the 7-day threshold: fp-B replaces it
	now = now.Add(8 * 24 * time.Hour)
	b, err = devs.Admit(context.Background(), "U1", sig("agent-b"))
	if err != nil {
		t.Fatalf("admit fp-B after idle: %v", err)
	}
	if !b.Allowed || b.Reason != entity.ReasonDeviceReplaced {
		t.Fatalf("expected device_replaced, got %+v", b)
	}

	// fp-B is fresh, so a third device is denied
	c, err := devs.Admit(context.Background(), "U1", sig("agent-c"))
	if err != nil {
		t.Fatalf("admit fp-C: %v", err)
	}
	if c.Allowed || c.Reason != entity.ReasonPremiumDeviceLimit {
		t.Fatalf("expected premium_device_limit for fp-C, got %+v", c)
	}

	// the replaced fp-A row was deactivated, not deleted
	rows, err := devs.List(context.Background(), "U1", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var inactive int
	for _, d := range rows {
		if !d.Active {
			inactive++
		}
	}
	if inactive != 1 {
		t.Errorf("expected one deactivated row, got %d", inactive)
	}
}

func TestAdminBypassesCapacity(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	devs, perms := newTestServices(t, policy.Default(), &now)

	if _, err := perms.GrantRole(context.Background(), "boss", permentity.RoleAdmin, 0); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	for _, ua := range []string{"a", "b", "c", "d", "e"} {
		d, err := devs.Admit(context.Background(), "boss", sig(ua))
		if err != nil || !d.Allowed {
			t.Fatalf("admin admit %s: %v %+v", ua, err, d)
		}
	}
}

func TestListOrdering(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	pol := policy.Default()
	pol.FreeMaxDevices = 3
	devs, _ := newTestServices(t, pol, &now)

	for i, ua := range []string{"a", "b", "c"} {
		now = now.Add(time.Duration(i) * time.Minute)
		if d, err := devs.Admit(context.Background(), "U1", sig(ua)); err != nil || !d.Allowed {
			t.Fatalf("admit %s: %v %+v", ua, err, d)
		}
	}
	rows, err := devs.List(context.Background(), "U1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i-1].LastActivity < rows[i].LastActivity {
			t.Fatal("expected devices ordered by last_activity descending")
		}
	}
}
