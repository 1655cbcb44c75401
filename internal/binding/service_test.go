package binding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ovaphlow/hexagram/access-core-go/internal/binding/entity"
	"github.com/ovaphlow/hexagram/access-core-go/internal/policy"
	"github.com/ovaphlow/hexagram/access-core-go/internal/testutil"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
)

func newTestService(t *testing.T, at *time.Time) *Service {
	t.Helper()
	db := testutil.OpenDB(t)
	return NewService(db, policy.Default(), testutil.Logger()).WithClock(func() time.Time { return *at })
}

func birth() entity.BirthData {
	return entity.BirthData{Year: 1990, Month: 1, Day: 1, Hour: 12, Gender: "F"}
}

func TestCreateValidation(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	cases := []struct {
		name string
		b    entity.BirthData
	}{
		{"bad year", entity.BirthData{Year: 1490, Month: 1, Day: 1, Hour: 0}},
		{"bad month", entity.BirthData{Year: 1990, Month: 13, Day: 1, Hour: 0}},
		{"bad day", entity.BirthData{Year: 1990, Month: 1, Day: 0, Hour: 0}},
		{"bad hour", entity.BirthData{Year: 1990, Month: 1, Day: 1, Hour: 24}},
		{"bad gender", entity.BirthData{Year: 1990, Month: 1, Day: 1, Hour: 1, Gender: "X"}},
	}
	for _, tc := range cases {
		if _, err := svc.Create(context.Background(), tc.b); !apperr.IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestCreateClaimScenario(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	res, err := svc.Create(context.Background(), birth())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.TTLSeconds != 60 {
		t.Errorf("expected ttl 60, got %d", res.TTLSeconds)
	}

	now = now.Add(10 * time.Second)
	p, err := svc.Claim(context.Background(), "U2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if p.Identity != "U2" {
		t.Errorf("expected profile bound to U2, got %s", p.Identity)
	}
	got, err := svc.Profile(context.Background(), "U2")
	if err != nil || got == nil {
		t.Fatalf("profile: %v %v", got, err)
	}
	if got.Gender != "F" {
		t.Errorf("expected gender seeded from payload, got %q", got.Gender)
	}

	// the offer is single-use: the next claimant finds nothing
	if _, err := svc.Claim(context.Background(), "U3"); apperr.Reason(err) != "no_pending" {
		t.Fatalf("expected no_pending for U3, got %v", err)
	}
}

func TestClaimAlreadyBound(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	if _, err := svc.Create(context.Background(), birth()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Claim(context.Background(), "U2"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := svc.Create(context.Background(), birth()); err != nil {
		t.Fatalf("second create: %v", err)
	}
	if _, err := svc.Claim(context.Background(), "U2"); apperr.Reason(err) != "already_bound" {
		t.Fatalf("expected already_bound, got %v", err)
	}
}

func TestClaimExpired(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	if _, err := svc.Create(context.Background(), birth()); err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(61 * time.Second)
	if _, err := svc.Claim(context.Background(), "U2"); apperr.Reason(err) != "no_pending" {
		t.Fatalf("expected no_pending after expiry, got %v", err)
	}
}

func TestClaimPicksNewest(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	old := birth()
	old.Year = 1980
	if _, err := svc.Create(context.Background(), old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	now = now.Add(5 * time.Second)
	if _, err := svc.Create(context.Background(), birth()); err != nil {
		t.Fatalf("create new: %v", err)
	}

	p, err := svc.Claim(context.Background(), "U2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	b, err := p.Birth()
	if err != nil {
		t.Fatalf("decode birth: %v", err)
	}
	if b.Year != 1990 {
		t.Errorf("expected the most recent offer (1990), got %d", b.Year)
	}
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	if _, err := svc.Create(context.Background(), birth()); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	ids := []string{"A", "B"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Claim(context.Background(), ids[i])
		}(i)
	}
	wg.Wait()

	var won, lost int
	for i := 0; i < 2; i++ {
		switch {
		case errs[i] == nil:
			won++
		case apperr.Reason(errs[i]) == "no_pending" || apperr.Reason(errs[i]) == "already_bound":
			lost++
		default:
			t.Fatalf("claimant %s: unexpected outcome %v", ids[i], errs[i])
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one winner, got won=%d lost=%d", won, lost)
	}
}

func TestSweepExpired(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	if _, err := svc.Create(context.Background(), birth()); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := svc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing swept while live, got %d", n)
	}

	now = now.Add(2 * time.Minute)
	n, err = svc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep after expiry: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one row swept, got %d", n)
	}
	// idempotent
	if n, err = svc.SweepExpired(context.Background()); err != nil || n != 0 {
		t.Errorf("expected repeat sweep to be a no-op, got %d %v", n, err)
	}
}
