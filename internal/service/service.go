package service

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"snackpos/backend/internal/cache"
	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/ledger"
	"snackpos/backend/internal/session"
	"snackpos/backend/internal/stock"
	"snackpos/backend/internal/store"
	"snackpos/backend/internal/xid"
)

const maxUnitAttempts = 3

var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrForbidden
	}
	return nil
}

type Options struct {
	// AutoStartSession lets a sale open a session instead of reporting
	// no_active_session.
	AutoStartSession bool
}

type serviceMetrics struct {
	sales          metric.Int64Counter
	refunds        metric.Int64Counter
	duplicateScans metric.Int64Counter
	lowStock       metric.Int64Counter
	unitRetries    metric.Int64Counter
}

func newServiceMetrics(meter metric.Meter) serviceMetrics {
	counter := func(name string, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Printf("[service] WARN: failed to create counter %s: %v", name, err)
			return noop.Int64Counter{}
		}
		return c
	}
	return serviceMetrics{
		sales:          counter("snackpos.sales", "Completed sales"),
		refunds:        counter("snackpos.refunds", "Refunded sales"),
		duplicateScans: counter("snackpos.scans.duplicate", "Scans suppressed as duplicates"),
		lowStock:       counter("snackpos.stock.low", "Low-stock events raised"),
		unitRetries:    counter("snackpos.unit.retries", "Units retried after a storage conflict"),
	}
}

// Service is the scan-to-sale orchestrator. It owns no state of its own;
// every mutation goes through one store unit of work.
type Service struct {
	repo      store.Repository
	sessions  *session.Manager
	ledger    *ledger.Ledger
	stock     *stock.Ledger
	guard     cache.ScanGuard
	autoStart bool

	tracer  trace.Tracer
	metrics serviceMetrics
}

func New(repo store.Repository, sessions *session.Manager, txLedger *ledger.Ledger, stockLedger *stock.Ledger, guard cache.ScanGuard, opts Options) *Service {
	if guard == nil {
		guard = cache.NoopScanGuard{}
	}
	return &Service{
		repo:      repo,
		sessions:  sessions,
		ledger:    txLedger,
		stock:     stockLedger,
		guard:     guard,
		autoStart: opts.AutoStartSession,
		tracer:    otel.Tracer("snackpos/service"),
		metrics:   newServiceMetrics(otel.Meter("snackpos/service")),
	}
}

// inUnit runs fn in one unit of work, retrying storage conflicts.
func (s *Service) inUnit(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxUnitAttempts; attempt++ {
		err = s.repo.WithinTx(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		s.metrics.unitRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		log.Printf("[service] WARN: %s hit a storage conflict, attempt %d/%d", op, attempt, maxUnitAttempts)
	}
	return err
}

func (s *Service) publishLowStock(ctx context.Context, event *domain.LowStockEvent) {
	if event == nil {
		return
	}
	s.metrics.lowStock.Add(ctx, 1)
	s.stock.Publish(ctx, event)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := actorOrSystem(ctx)
	if err := s.repo.CreateScanLog(ctx, domain.ScanLog{
		ID:            xid.New("scanlog"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write scan log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func (s *Service) ListScanLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.ScanLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListScanLogs(ctx, from, to, limit)
}
