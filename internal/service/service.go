// Package service is the transaction store and report facade. It runs every
// mutation as one repository unit, posts to the ledger on the transition into
// paid and hands notifications to telemetry after commit.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tokokas/backend/internal/cache"
	"tokokas/backend/internal/debt"
	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/inventory"
	"tokokas/backend/internal/ledger"
	"tokokas/backend/internal/store"
	"tokokas/backend/internal/telemetry"
	"tokokas/backend/internal/xid"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("owner role required")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Location          *time.Location
	LowStockThreshold decimal.Decimal
	Cache             cache.ReportCache
	CacheTTL          time.Duration
	Telemetry         *telemetry.Dispatcher
	Logger            *zap.Logger
	Now               func() time.Time
}

type Service struct {
	repo      store.Repository
	stock     *inventory.Stock
	book      *ledger.Book
	debts     *debt.Reporter
	cache     cache.ReportCache
	cacheTTL  time.Duration
	group     singleflight.Group
	staleMu   sync.Mutex
	stale     map[string]struct{}
	telemetry *telemetry.Dispatcher
	logger    *zap.Logger
	tracer    trace.Tracer
	loc       *time.Location
	now       func() time.Time
	newTxID   func() (string, error)
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopReportCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Service{
		repo:      repo,
		stock:     inventory.NewStock(opts.LowStockThreshold),
		book:      ledger.NewBook(repo, opts.Location),
		debts:     debt.NewReporter(repo, opts.Location, opts.Now),
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		stale:     make(map[string]struct{}),
		telemetry: opts.Telemetry,
		logger:    opts.Logger.Named("service"),
		tracer:    telemetry.Tracer(),
		loc:       opts.Location,
		now:       opts.Now,
		newTxID:   xid.TransactionID,
	}
}

// Location is the shop time zone used for month and day boundaries.
func (s *Service) Location() *time.Location {
	return s.loc
}

func (s *Service) actor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ShopID == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func (s *Service) owner(ctx context.Context) (domain.Actor, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleOwner {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// committed runs the after-commit side effects of a mutation. None of them
// can fail the operation.
func (s *Service) committed(ctx context.Context, operation string, shopID string, transactionID string, adjustments []inventory.Adjustment) {
	if err := s.cache.Invalidate(ctx, shopID); err != nil {
		s.markStale(shopID)
		s.logger.Warn("report cache invalidation failed",
			zap.String("shop_id", shopID),
			zap.String("operation", operation),
			zap.Error(err))
	}
	s.telemetry.LowStock(ctx, operation, s.stock.LowStockEvents(adjustments, s.now().UTC()))
	s.telemetry.Success(ctx, operation, shopID, transactionID)
}

func (s *Service) failed(ctx context.Context, operation string, shopID string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("shop_id", shopID),
		zap.String("operation", operation),
		zap.Error(err))
	if isCallerError(err) {
		s.logger.Info("operation rejected", fields...)
	} else {
		s.logger.Error("operation failed", fields...)
	}
	s.telemetry.Failure(ctx, operation, shopID, err)
}

func isCallerError(err error) bool {
	return errors.Is(err, store.ErrValidation) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnauthenticated)
}

// cachedRead serves a per-shop report from the cache, collapsing concurrent
// misses for the same key into one load.
func cachedRead[T any](ctx context.Context, s *Service, shopID string, name string, load func(context.Context) (T, error)) (T, error) {
	var zero T

	if !s.reconcileStale(ctx, shopID) {
		return load(ctx)
	}
	version, err := s.cache.Version(ctx, shopID)
	if err != nil {
		s.logger.Warn("report cache unavailable", zap.String("shop_id", shopID), zap.Error(err))
		return load(ctx)
	}
	key := cache.Key(shopID, version, name)

	var cached T
	hit, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.logger.Warn("report cache read failed", zap.String("key", key), zap.Error(err))
	}
	if hit {
		return cached, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, key, value, s.cacheTTL); err != nil {
			s.logger.Warn("report cache write failed", zap.String("key", key), zap.Error(err))
		}
		return value, nil
	})
	if err != nil {
		return zero, err
	}
	value, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected cached value %T for %s", v, name)
	}
	return value, nil
}

// markStale records a shop whose cache version could not be bumped after a
// commit. Its reports bypass the cache until a later bump succeeds.
func (s *Service) markStale(shopID string) {
	s.staleMu.Lock()
	s.stale[shopID] = struct{}{}
	s.staleMu.Unlock()
}

// reconcileStale reports whether the shop's cached reports can be trusted,
// retrying the missed invalidation first.
func (s *Service) reconcileStale(ctx context.Context, shopID string) bool {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	if _, ok := s.stale[shopID]; !ok {
		return true
	}
	if err := s.cache.Invalidate(ctx, shopID); err != nil {
		s.logger.Warn("report cache still stale", zap.String("shop_id", shopID), zap.Error(err))
		return false
	}
	delete(s.stale, shopID)
	return true
}
