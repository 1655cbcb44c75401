package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/hexagram/access-core-go/internal/divination"
	"github.com/ovaphlow/hexagram/access-core-go/internal/policy"
	"github.com/ovaphlow/hexagram/access-core-go/internal/session/entity"
	sessrepo "github.com/ovaphlow/hexagram/access-core-go/internal/session/repo"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
)

// Service is the SessionStateMachine: per-identity flow state kept in the
// store so any instance observes the same machine. Rows are created lazily
// and reaped after the configured idle TTL.
type Service struct {
	repo   *sessrepo.SessionRepo
	divs   *divination.Service
	pol    policy.Policy
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewService(db *sqlx.DB, divs *divination.Service, pol policy.Policy, logger *zap.SugaredLogger) *Service {
	return &Service{repo: sessrepo.NewSessionRepo(db), divs: divs, pol: pol, logger: logger, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetOrCreate returns the session for identity, creating the idle row on
// first contact.
func (s *Service) GetOrCreate(ctx context.Context, identity string) (*entity.Session, error) {
	if identity == "" {
		return nil, apperr.Validation("empty_identity")
	}
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	sess, err := s.repo.Get(ctx, identity)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Transient("store_error", err)
	}
	if err := s.repo.CreateIdle(ctx, identity, s.now()); err != nil {
		return nil, apperr.Transient("store_error", err)
	}
	sess, err = s.repo.Get(ctx, identity)
	if err != nil {
		return nil, apperr.Transient("store_error", err)
	}
	return sess, nil
}

// Transition moves identity's machine to target, merging patch into the
// stored context. Targets outside the current state's edge set are rejected
// with invalid_state_transition and the stored state is left untouched.
func (s *Service) Transition(ctx context.Context, identity string, target entity.State, patch map[string]string) (*entity.Session, error) {
	if !target.Valid() {
		return nil, apperr.Validation("invalid_state")
	}
	sess, err := s.GetOrCreate(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !sess.CurrentState.CanTransition(target) {
		return sess, apperr.Conflict("invalid_state_transition")
	}

	merged := sess.ContextMap()
	// completion and error resets drop accumulated context
	if target == entity.StateIdle {
		merged = map[string]string{}
	}
	for k, v := range patch {
		merged[k] = v
	}
	raw, _ := json.Marshal(merged)

	flow := sess.FlowType
	if f, ok := patch["flow_type"]; ok {
		flow = f
	}

	ctx2, cancel := database.WithTimeout(ctx)
	defer cancel()
	moved, err := s.repo.MoveIf(ctx2, identity, sess.CurrentState, target, flow, string(raw), s.now())
	if err != nil {
		return nil, apperr.Transient("store_error", err)
	}
	if !moved {
		// a concurrent transition changed the state under us
		return sess, apperr.Conflict("invalid_state_transition")
	}
	sess.CurrentState = target
	sess.FlowType = flow
	sess.Context = string(raw)
	sess.UpdatedAt = database.FormatTime(s.now())
	return sess, nil
}

// Execute drives the Executing leg: transition in, run the weekly
// divination, then settle in Completed or Error. Business rejections from
// the divination (already_done and friends) surface unchanged after the
// machine lands in Error.
func (s *Service) Execute(ctx context.Context, identity, gender string) (*entity.Session, error) {
	sess, err := s.Transition(ctx, identity, entity.StateExecuting, map[string]string{"gender": gender})
	if err != nil {
		return sess, err
	}

	u, perr := s.divs.Perform(ctx, identity, gender)
	if perr != nil {
		sess, err = s.Transition(ctx, identity, entity.StateError, map[string]string{"error": apperr.Reason(perr)})
		if err != nil {
			s.logger.Warnw("error transition failed", "identity", identity, "err", err)
		}
		return sess, perr
	}

	sess, err = s.Transition(ctx, identity, entity.StateCompleted, map[string]string{"result_id": u.ID})
	if err != nil {
		return sess, err
	}
	return sess, nil
}

// Reap deletes sessions idle past the policy TTL; scheduled from cmd.
func (s *Service) Reap(ctx context.Context) (int64, error) {
	ctx, cancel := database.WithTimeout(ctx)
	defer cancel()
	n, err := s.repo.DeleteStale(ctx, s.now().Add(-s.pol.SessionTTL))
	if err != nil {
		return 0, apperr.Transient("store_error", err)
	}
	if n > 0 {
		s.logger.Debugw("reaped stale sessions", "count", n)
	}
	return n, nil
}
