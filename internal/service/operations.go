package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/ledger"
	"snackpos/backend/internal/stock"
	"snackpos/backend/internal/store"
)

// Refund reverses a sale: mirrored refund row, stock put back and the owning
// session recomputed in one unit.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (resp domain.RefundResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "service.Refund")
	span.SetAttributes(attribute.Int64("transaction.id", req.TransactionID))
	defer func() { endSpan(span, err) }()

	if err := requireAdmin(ctx); err != nil {
		return domain.RefundResponse{}, err
	}
	if req.TransactionID < 1 {
		return domain.RefundResponse{}, fmt.Errorf("%w: transaction id required", store.ErrInvalidTransaction)
	}

	actor := actorOrSystem(ctx)
	var out ledger.Outcome
	err = s.inUnit(ctx, "refund", func(tx store.Tx) error {
		var err error
		out, err = s.ledger.Refund(ctx, tx, req.TransactionID, req.Reason, actor.Username)
		return err
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.publishLowStock(ctx, out.LowStock)
	s.metrics.refunds.Add(ctx, 1)
	s.logAudit(ctx, "refund", "transaction", strconv.FormatInt(req.TransactionID, 10),
		fmt.Sprintf("refund=%d,amount=%s,reason=%s", out.Transaction.ID, out.Transaction.Amount.StringFixed(2), strings.TrimSpace(req.Reason)))

	return domain.RefundResponse{
		Refund:      out.Transaction,
		StockChange: out.StockChange,
		Session:     out.Session,
	}, nil
}

// DeleteTransaction is the administrative correction path. Stock is not
// restored.
func (s *Service) DeleteTransaction(ctx context.Context, id int64) (domain.Session, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Session{}, err
	}

	var recomputed domain.Session
	var err error
	for attempt := 1; attempt <= maxUnitAttempts; attempt++ {
		recomputed, err = s.ledger.Delete(ctx, id)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		log.Printf("[service] WARN: delete_transaction hit a storage conflict, attempt %d/%d", attempt, maxUnitAttempts)
	}
	if err != nil {
		return domain.Session{}, err
	}

	s.logAudit(ctx, "transaction_delete", "transaction", strconv.FormatInt(id, 10),
		fmt.Sprintf("session=%d,revenue=%s,count=%d", recomputed.ID, recomputed.TotalRevenue.StringFixed(2), recomputed.TransactionCount))
	return recomputed, nil
}

// AdjustStock changes stock outside a sale. It needs a running session, and
// every move of the level writes an adjustment row to it; adjustments never
// touch session revenue.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (resp domain.StockAdjustResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "service.AdjustStock")
	span.SetAttributes(attribute.Int64("product.id", req.ProductID), attribute.String("stock.mode", req.Mode))
	defer func() { endSpan(span, err) }()

	if err := requireAdmin(ctx); err != nil {
		return domain.StockAdjustResponse{}, err
	}
	req.Mode = strings.ToLower(strings.TrimSpace(req.Mode))
	if req.Mode == "" {
		req.Mode = domain.StockModeAdd
	}
	if _, err := stock.Apply(0, req.Delta, req.Mode); err != nil {
		return domain.StockAdjustResponse{}, err
	}

	if s.autoStart {
		if _, _, err := s.activeSession(ctx); err != nil {
			return domain.StockAdjustResponse{}, err
		}
	}

	actor := actorOrSystem(ctx)
	var (
		change domain.StockChange
		row    *domain.Transaction
		event  *domain.LowStockEvent
	)
	err = s.inUnit(ctx, "adjust_stock", func(tx store.Tx) error {
		row = nil
		product, err := tx.LockProduct(ctx, req.ProductID)
		if err != nil {
			return err
		}
		active, err := tx.GetActiveSession(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNoActiveSession
		}
		if err != nil {
			return err
		}
		change, event, err = s.stock.Adjust(ctx, tx, req.ProductID, req.Delta, req.Mode)
		if err != nil {
			return err
		}
		moved := change.Current - change.Previous
		if moved == 0 {
			return nil
		}

		notes := strings.TrimSpace(req.Notes)
		if notes == "" {
			notes = fmt.Sprintf("Stock %s: %d -> %d", req.Mode, change.Previous, change.Current)
		}
		recorded, err := s.ledger.Record(ctx, tx, domain.TransactionInput{
			SessionID:     active.ID,
			Product:       *product,
			Type:          domain.TxTypeAdjustment,
			Quantity:      max(moved, -moved),
			PaymentMethod: "none",
			Notes:         notes,
			CreatedBy:     actor.Username,
		})
		if err != nil {
			return err
		}
		row = &recorded
		return nil
	})
	if err != nil {
		return domain.StockAdjustResponse{}, err
	}

	s.publishLowStock(ctx, event)
	s.logAudit(ctx, "stock_adjust", "product", strconv.FormatInt(req.ProductID, 10),
		fmt.Sprintf("mode=%s,delta=%d,previous=%d,current=%d", req.Mode, req.Delta, change.Previous, change.Current))
	return domain.StockAdjustResponse{StockChange: change, Transaction: row}, nil
}

func (s *Service) ActiveSession(ctx context.Context) (domain.Session, error) {
	active, ok, err := s.sessions.GetActive(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if !ok {
		return domain.Session{}, store.ErrNoActiveSession
	}
	return active, nil
}

func (s *Service) StartSession(ctx context.Context, req domain.SessionStartRequest) (domain.SessionResponse, error) {
	actor := actorOrSystem(ctx)
	started, err := s.sessions.Start(ctx, actor.Username, strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.SessionResponse{}, err
	}
	s.logAudit(ctx, "session_start", "session", strconv.FormatInt(started.ID, 10), started.Notes)
	return domain.SessionResponse{Session: started}, nil
}

func (s *Service) EnsureSession(ctx context.Context) (domain.SessionResponse, error) {
	active, err := s.sessions.Ensure(ctx, actorOrSystem(ctx).Username)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return domain.SessionResponse{Session: active}, nil
}

// EndSession closes the given session, or the active one when id is zero.
func (s *Service) EndSession(ctx context.Context, req domain.SessionEndRequest) (domain.SessionResponse, error) {
	id := req.SessionID
	if id == 0 {
		active, err := s.ActiveSession(ctx)
		if err != nil {
			return domain.SessionResponse{}, err
		}
		id = active.ID
	}
	ended, err := s.sessions.End(ctx, id)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	s.logAudit(ctx, "session_end", "session", strconv.FormatInt(ended.ID, 10),
		fmt.Sprintf("revenue=%s,count=%d", ended.TotalRevenue.StringFixed(2), ended.TransactionCount))
	return domain.SessionResponse{Session: ended}, nil
}

func (s *Service) CleanupSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.sessions.MaxAge()
	}
	return s.sessions.CleanupExpired(ctx, maxAge)
}

func (s *Service) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, error) {
	return s.sessions.List(ctx, filter)
}

func (s *Service) SessionStats(ctx context.Context, id int64) (domain.SessionStats, error) {
	return s.sessions.Stats(ctx, id)
}

func (s *Service) GetTransaction(ctx context.Context, id int64) (domain.Transaction, error) {
	return s.ledger.Get(ctx, id)
}

func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	return s.ledger.List(ctx, filter)
}

func (s *Service) SalesStats(ctx context.Context, filter domain.TransactionFilter) (domain.SalesStats, error) {
	return s.ledger.Stats(ctx, filter)
}

func (s *Service) RevenueByPeriod(ctx context.Context, period string, filter domain.TransactionFilter) ([]domain.RevenueBucket, error) {
	return s.ledger.RevenueByPeriod(ctx, period, filter)
}

func (s *Service) PaymentMethodStats(ctx context.Context, filter domain.TransactionFilter) ([]domain.PaymentMethodStat, error) {
	return s.ledger.PaymentMethodStats(ctx, filter)
}
