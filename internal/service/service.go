package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/store"
	"posledger/backend/internal/validator"
	"posledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// SystemActor is used by background jobs.
var SystemActor = domain.Actor{Username: "system", Role: domain.RoleAdmin}

type Service struct {
	repo    store.Repository
	ledger  *Ledger
	rollups cache.SalesRollupCache
	metrics *metrics.Metrics
	log     *zap.Logger

	loc        *time.Location
	lowStock   decimal.Decimal
	rollupTTL  time.Duration
	maxRetries int
	retryBase  time.Duration
	now        func() time.Time
}

type Option func(*Service)

func WithRollupCache(c cache.SalesRollupCache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.rollups = c
		}
		if ttl > 0 {
			s.rollupTTL = ttl
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithLocation sets the store timezone used for receipt days and report windows.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithLowStockThreshold(threshold decimal.Decimal) Option {
	return func(s *Service) {
		if threshold.IsPositive() {
			s.lowStock = threshold
		}
	}
}

// WithRetry bounds how many times a transaction aborted by lock contention is re-run.
func WithRetry(maxRetries int, base time.Duration) Option {
	return func(s *Service) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
		if base > 0 {
			s.retryBase = base
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(repo store.Repository, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		ledger:     &Ledger{},
		rollups:    cache.NoopSalesRollupCache{},
		log:        zap.NewNop(),
		loc:        time.UTC,
		lowStock:   decimal.NewFromInt(5),
		rollupTTL:  30 * time.Second,
		maxRetries: 3,
		retryBase:  25 * time.Millisecond,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) authorize(ctx context.Context, capability domain.Capability) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, fmt.Errorf("%w: authentication required", store.ErrForbidden)
	}
	if !actor.Can(capability) {
		return domain.Actor{}, fmt.Errorf("%w: role %s cannot %s", store.ErrForbidden, actor.Role, capability)
	}
	return actor, nil
}

func validate(req any) error {
	if err := validator.Validate(req); err != nil {
		return fmt.Errorf("%w: %s", store.ErrValidation, err.Error())
	}
	return nil
}

// withRetry re-runs fn while it fails with store.ErrRetryable. Every other
// error is returned as is.
func (s *Service) withRetry(ctx context.Context, operation string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryBase
	policy.MaxInterval = 40 * s.retryBase
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxRetries)), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || errors.Is(err, store.ErrRetryable) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, wait time.Duration) {
		s.metrics.TxRetried(operation)
		s.log.Warn("retrying transaction",
			zap.String("operation", operation),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

// storeDay returns the store-local calendar day containing at plus its
// half-open [from, to) window.
func (s *Service) storeDay(at time.Time) (time.Time, time.Time) {
	local := at.In(s.loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	return from, from.AddDate(0, 0, 1)
}

func (s *Service) parseDay(date string) (time.Time, time.Time, error) {
	if strings.TrimSpace(date) == "" {
		from, to := s.storeDay(s.now())
		return from, to, nil
	}
	parsed, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}
	return parsed, parsed.AddDate(0, 0, 1), nil
}

func (s *Service) invalidateRollup(ctx context.Context, at time.Time) {
	day, _ := s.storeDay(at)
	key := day.Format("2006-01-02")
	if err := s.rollups.Delete(ctx, key); err != nil {
		s.log.Warn("failed to invalidate sales rollup", zap.String("day", key), zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := s.authorize(ctx, domain.CapViewAuditTrail); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from, to time.Time
	if strings.TrimSpace(date) == "" {
		to = s.now().UTC().Add(time.Minute)
		from = to.Add(-24*time.Hour - time.Minute)
	} else {
		var err error
		from, to, err = s.parseDay(date)
		if err != nil {
			return nil, err
		}
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}
