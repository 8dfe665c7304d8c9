package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/ledger/internal/cache"
	"kasirinaja/ledger/internal/config"
	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/lock"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok && actor.CashierRef != ""
}

type Options struct {
	Locker         lock.Locker
	Summaries      cache.SummaryCache
	SummaryTTL     time.Duration
	Logger         logrus.FieldLogger
	DefaultStoreID string
	Clock          func() time.Time
}

// Service is the transaction boundary around the order, shift and refund
// engines. Each mutating call locks the aggregates it touches, loads them,
// applies a pure transition and persists the result in one Apply.
type Service struct {
	repo           store.Repository
	locks          lock.Locker
	summaries      cache.SummaryCache
	summaryTTL     time.Duration
	log            logrus.FieldLogger
	defaultStoreID string
	now            func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Summaries == nil {
		opts.Summaries = cache.NoopSummaryCache{}
	}
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "main-store"
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:           repo,
		locks:          opts.Locker,
		summaries:      opts.Summaries,
		summaryTTL:     opts.SummaryTTL,
		log:            opts.Logger.WithField("module", "service"),
		defaultStoreID: opts.DefaultStoreID,
		now:            opts.Clock,
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, filter store.AuditFilter) ([]domain.AuditLog, error) {
	if filter.StoreRef == "" {
		filter.StoreRef = s.defaultStoreID
	}
	return s.repo.ListAuditLogs(ctx, filter)
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, domain.Invalidf("cashier identity is required")
	}
	return actor, nil
}

// withLocks holds every key for the duration of fn. Keys are taken in sorted
// order so two callers locking the same pair cannot deadlock across instances.
func (s *Service) withLocks(ctx context.Context, keys []string, fn func() error) error {
	keys = slices.DeleteFunc(slices.Clone(keys), func(k string) bool { return k == "" })
	slices.Sort(keys)
	keys = slices.Compact(keys)
	leases := make([]lock.Lease, 0, len(keys))
	defer func() {
		for i := len(leases) - 1; i >= 0; i-- {
			if err := leases[i].Release(context.WithoutCancel(ctx)); err != nil {
				s.log.WithFields(logrus.Fields{"funcName": "withLocks", "key": keys[i]}).Warnf("release lock: %v", err)
			}
		}
	}()
	for _, key := range keys {
		lease, err := s.locks.Acquire(ctx, key)
		if err != nil {
			return err
		}
		leases = append(leases, lease)
	}
	return fn()
}

func orderKey(id string) string  { return "order:" + id }
func shiftKey(id string) string  { return "shift:" + id }
func refundKey(id string) string { return "refund:" + id }

func cashierKey(ref string) string {
	return "cashier:" + ref
}

func (s *Service) audit(changes *store.Changes, actor domain.Actor, storeRef string, action string, entityType string, entityID string, detail string) {
	if storeRef == "" {
		storeRef = s.defaultStoreID
	}
	changes.Audit(domain.AuditLog{
		ID:         xid.New("audit"),
		StoreRef:   storeRef,
		CashierRef: actor.CashierRef,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	})
}

// commit persists the change set and logs every audit entry it carried.
func (s *Service) commit(ctx context.Context, funcName string, changes store.Changes) error {
	if err := s.repo.Apply(ctx, changes); err != nil {
		if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrConcurrencyConflict) && !errors.Is(err, domain.ErrNotFound) {
			config.LogError(s.log, "service", funcName, "apply", nil, err)
		}
		return err
	}
	for _, entry := range changes.AuditLogs {
		s.log.WithFields(logrus.Fields{
			"funcName": funcName,
			"action":   entry.Action,
			"entity":   entry.EntityType,
			"id":       entry.EntityID,
			"cashier":  entry.CashierRef,
		}).Info(entry.Detail)
	}
	for _, o := range changes.Orders {
		s.invalidateSummary(ctx, o.ID)
	}
	for _, r := range changes.Refunds {
		s.invalidateSummary(ctx, r.OrderRef)
	}
	return nil
}

func (s *Service) invalidateSummary(ctx context.Context, orderID string) {
	if err := s.summaries.Invalidate(ctx, orderID); err != nil {
		s.log.WithFields(logrus.Fields{"funcName": "invalidateSummary", "order": orderID}).Warnf("invalidate summary cache: %v", err)
	}
}

// activeShift returns the cashier's open or suspended shift, or nil when
// there is none.
func (s *Service) activeShift(ctx context.Context, cashierRef string) (*domain.ShiftReport, error) {
	sh, err := s.repo.GetActiveShiftByCashier(ctx, cashierRef)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

// reloadShift re-reads a shift inside the lock and drops it when it has
// closed in the meantime.
func (s *Service) reloadShift(ctx context.Context, sh *domain.ShiftReport) (*domain.ShiftReport, error) {
	if sh == nil {
		return nil, nil
	}
	fresh, err := s.repo.GetShift(ctx, sh.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Status == domain.ShiftClosed {
		return nil, nil
	}
	return &fresh, nil
}

func (s *Service) storeRef(ref string) string {
	if ref == "" {
		return s.defaultStoreID
	}
	return ref
}
