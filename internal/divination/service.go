package divination

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/hexagram/access-core-go/internal/binding"
	"github.com/ovaphlow/hexagram/access-core-go/internal/chart"
	"github.com/ovaphlow/hexagram/access-core-go/internal/divination/entity"
	usagerepo "github.com/ovaphlow/hexagram/access-core-go/internal/divination/repo"
	"github.com/ovaphlow/hexagram/access-core-go/internal/permission"
	"github.com/ovaphlow/hexagram/access-core-go/internal/policy"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/utilities"
)

// Service is the EligibilityWindow plus the perform operation: one
// divination per identity per Monday-anchored calendar week in the
// configured zone. The usage table's uniqueness constraint is the sole
// correctness gate; there is no separate counter.
type Service struct {
	repo     *usagerepo.UsageRepo
	bindings *binding.Service
	perms    *permission.Service
	engine   chart.Engine
	pol      policy.Policy
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewService(db *sqlx.DB, bindings *binding.Service, perms *permission.Service, engine chart.Engine, pol policy.Policy, logger *zap.SugaredLogger) *Service {
	return &Service{
		repo:     usagerepo.NewUsageRepo(db),
		bindings: bindings,
		perms:    perms,
		engine:   engine,
		pol:      pol,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WeekStart returns the uniqueness key for the week containing t.
func (s *Service) WeekStart(t time.Time) string {
	return utilities.WeekStartDate(t, s.pol.Location)
}

// Eligible reports whether identity may still divine this week. When not,
// the existing record is returned alongside.
func (s *Service) Eligible(ctx context.Context, identity string) (bool, *entity.Usage, error) {
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	u, err := s.repo.Get(ctx, identity, s.WeekStart(s.now()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil, nil
		}
		return false, nil, apperr.Transient("store_error", err)
	}
	return false, u, nil
}

// Perform runs one chargeable weekly divination. Input is the bound birth
// data when the identity has one, otherwise the current moment. The losing
// side of a concurrent perform gets already_done with the winner's record,
// never a duplicate row.
func (s *Service) Perform(ctx context.Context, identity, gender string) (*entity.Usage, error) {
	switch gender {
	case "", "M", "F":
	default:
		return nil, apperr.Validation("invalid_gender")
	}

	now := s.now()
	weekStart := s.WeekStart(now)

	// cheap pre-check so the common already_done path skips engine work
	if ok, existing, err := s.Eligible(ctx, identity); err != nil {
		return nil, err
	} else if !ok {
		return existing, apperr.Conflict("already_done")
	}

	profile, err := s.bindings.Profile(ctx, identity)
	if err != nil {
		return nil, err
	}
	var in chart.Input
	if profile != nil {
		birth, berr := profile.Birth()
		if berr != nil {
			return nil, apperr.Validation("corrupt_birth_data")
		}
		in = chart.Input{Year: birth.Year, Month: birth.Month, Day: birth.Day, Hour: birth.Hour}
		if gender == "" {
			gender = profile.Gender
		}
	} else {
		lt := now.In(s.pol.Location)
		in = chart.Input{Year: lt.Year(), Month: int(lt.Month()), Day: lt.Day(), Hour: lt.Hour(), IsNow: true}
	}
	if gender == "" {
		return nil, apperr.Validation("gender_required")
	}

	// non-charging quota check so banned and exhausted identities skip
	// engine work; the atomic Charge below remains the authority
	if dec, err := s.perms.Check(ctx, identity); err != nil {
		return nil, err
	} else if !dec.Allowed {
		if dec.Reason == "banned" {
			return nil, apperr.Conflict("banned")
		}
		return nil, apperr.ConflictWithSuggestion(dec.Reason, "upgrade_premium")
	}

	payload, err := s.engine.Compute(ctx, in, gender)
	if err != nil {
		s.logger.Errorw("chart engine failed", "identity", identity, "err", err)
		return nil, apperr.Transient("engine_error", err)
	}

	// charged only once the compute succeeded, so engine failures never
	// consume quota
	if _, err := s.perms.Charge(ctx, identity); err != nil {
		return nil, err
	}

	u := &entity.Usage{
		ID:          utilities.NewSnowflakeID(),
		Identity:    identity,
		WeekStart:   weekStart,
		PerformedAt: database.FormatTime(now),
		Payload:     string(payload),
	}
	sctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	if err := s.repo.Insert(sctx, u.ID, u.Identity, u.WeekStart, u.Payload, now); err != nil {
		if database.IsUniqueViolation(err) {
			existing, gerr := s.repo.Get(sctx, identity, weekStart)
			if gerr != nil {
				return nil, apperr.Transient("store_error", gerr)
			}
			return existing, apperr.Conflict("already_done")
		}
		return nil, apperr.Transient("store_error", err)
	}
	return u, nil
}
