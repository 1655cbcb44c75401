package binding

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/hexagram/access-core-go/internal/binding/entity"
	bindrepo "github.com/ovaphlow/hexagram/access-core-go/internal/binding/repo"
	"github.com/ovaphlow/hexagram/access-core-go/internal/policy"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/utilities"
)

// Service is the BindingHandshake: time-boxed single-use pairing of
// anonymously submitted birth data to an authenticated identity. The
// unauthenticated side never learns which identity claimed its offer.
type Service struct {
	repo   *bindrepo.BindingRepo
	pol    policy.Policy
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewService(db *sqlx.DB, pol policy.Policy, logger *zap.SugaredLogger) *Service {
	return &Service{repo: bindrepo.NewBindingRepo(db), pol: pol, logger: logger, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateResult reports the offer lifetime; nothing else leaves the
// anonymous channel.
type CreateResult struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// Create inserts a pending binding with no identity attached.
func (s *Service) Create(ctx context.Context, birth entity.BirthData) (*CreateResult, error) {
	if err := birth.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	now := s.now()
	if err := s.repo.InsertPending(ctx, utilities.NewKSUID(), birth.Marshal(), now, now.Add(s.pol.BindingTTL)); err != nil {
		return nil, apperr.Transient("store_error", err)
	}
	return &CreateResult{TTLSeconds: int(s.pol.BindingTTL / time.Second)}, nil
}

// Claim pairs the most recent live offer with identity. Rejections:
// already_bound when the identity has a profile, no_pending when no live
// offer exists, bind_failed when the atomic unit cannot be committed.
func (s *Service) Claim(ctx context.Context, identity string) (*entity.Profile, error) {
	if identity == "" {
		return nil, apperr.Validation("empty_identity")
	}
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()

	if _, err := s.repo.GetProfile(ctx, identity); err == nil {
		return nil, apperr.Conflict("already_bound")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Transient("store_error", err)
	}

	profile, err := s.repo.Claim(ctx, identity, s.now())
	if err != nil {
		if errors.Is(err, bindrepo.ErrNoPending) {
			return nil, apperr.Conflict("no_pending")
		}
		if database.IsTransient(err) {
			return nil, apperr.Transient("store_error", err)
		}
		return nil, apperr.Conflict("bind_failed")
	}
	return profile, nil
}

// Profile returns the bound birth profile for identity, or nil when none
// exists.
func (s *Service) Profile(ctx context.Context, identity string) (*entity.Profile, error) {
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	p, err := s.repo.GetProfile(ctx, identity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Transient("store_error", err)
	}
	return p, nil
}

// SweepExpired deletes dead offers; scheduled from cmd on a fixed ticker
// and safe to run concurrently with live claims.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, apperr.Transient("store_error", err)
	}
	if n > 0 {
		s.logger.Debugw("swept expired bindings", "count", n)
	}
	return n, nil
}
