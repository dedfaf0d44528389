package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"snackpos/backend/internal/barcode"
	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/store"
)

const quickSaleNote = "Quick sale via scanner"

var errProductInactive = errors.New("product inactive")

func guardScope(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "default"
}

// activeSession returns the running session, opening one when auto-start is
// enabled and there is none.
func (s *Service) activeSession(ctx context.Context) (domain.Session, bool, error) {
	if s.autoStart {
		active, err := s.sessions.Ensure(ctx, actorOrSystem(ctx).Username)
		if err != nil {
			return domain.Session{}, false, err
		}
		return active, true, nil
	}
	return s.sessions.GetActive(ctx)
}

// HandleScan resolves a scanned or typed code to a sellable product. It
// never writes to the ledger; ConfirmSale commits.
func (s *Service) HandleScan(ctx context.Context, code string) (result domain.ScanResult, err error) {
	ctx, span := s.tracer.Start(ctx, "service.HandleScan")
	defer func() {
		span.SetAttributes(
			attribute.String("scan.status", result.Status),
			attribute.Bool("scan.duplicate", result.Duplicate),
		)
		endSpan(span, err)
	}()

	result, ok, err := s.precheck(ctx, code)
	if err != nil || !ok {
		return result, err
	}

	scope := guardScope(ctx)
	dup, prior, err := s.guard.Check(ctx, scope, result.Code)
	if err != nil {
		return domain.ScanResult{}, err
	}
	if dup {
		s.metrics.duplicateScans.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "scan")))
		if prev, ok := decodePrior[domain.ScanResult](prior); ok && prev.Status != "" {
			prev.Duplicate = true
			return prev, nil
		}
		result.Status = domain.ScanStatusDuplicate
		result.Duplicate = true
		result.Message = "duplicate scan ignored"
		return result, nil
	}
	defer s.forgetOnError(ctx, scope, result.Code, &err)

	result, err = s.lookup(ctx, result)
	if err != nil {
		return domain.ScanResult{}, err
	}
	s.remember(ctx, scope, result.Code, result)
	return result, nil
}

// precheck validates the code and requires a running session. ok is false
// when result is already final.
func (s *Service) precheck(ctx context.Context, code string) (domain.ScanResult, bool, error) {
	code = barcode.Normalize(code)
	result := domain.ScanResult{Code: code, Symbology: string(barcode.Classify(code))}

	if !barcode.IsValid(code) {
		result.Status = domain.ScanStatusInvalidFormat
		result.Message = "barcode format or check digit is invalid"
		return result, false, nil
	}

	active, ok, err := s.activeSession(ctx)
	if err != nil {
		return domain.ScanResult{}, false, err
	}
	if !ok {
		result.Status = domain.ScanStatusNoActiveSession
		result.Message = "start a session before scanning"
		return result, false, nil
	}
	result.SessionID = active.ID
	return result, true, nil
}

func (s *Service) lookup(ctx context.Context, result domain.ScanResult) (domain.ScanResult, error) {
	product, err := s.repo.GetProductByBarcode(ctx, result.Code)
	switch {
	case errors.Is(err, store.ErrNotFound):
		result.Status = domain.ScanStatusNotFound
		result.Message = fmt.Sprintf("no product with barcode %s", result.Code)
	case err != nil:
		return domain.ScanResult{}, err
	case !product.Active():
		result.Status = domain.ScanStatusNotFound
		result.Message = "product is inactive"
	case product.StockQuantity <= 0:
		result.Status = domain.ScanStatusOutOfStock
		result.Product = product
		result.Message = "product is out of stock"
	default:
		result.Status = domain.ScanStatusResolved
		result.Product = product
	}
	return result, nil
}

func (s *Service) remember(ctx context.Context, scope string, code string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		log.Printf("[service] WARN: failed to encode scan result code=%s: %v", code, err)
		return
	}
	if err := s.guard.Remember(ctx, scope, code, payload); err != nil {
		log.Printf("[service] WARN: failed to remember scan result code=%s: %v", code, err)
	}
}

// forgetOnError releases an armed code when the call that armed it failed.
func (s *Service) forgetOnError(ctx context.Context, scope string, code string, errp *error) {
	if *errp == nil {
		return
	}
	if err := s.guard.Forget(ctx, scope, code); err != nil {
		log.Printf("[service] WARN: failed to release scan code=%s: %v", code, err)
	}
}

func decodePrior[T any](payload []byte) (T, bool) {
	var out T
	if len(payload) == 0 {
		return out, false
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, false
	}
	return out, true
}

// ConfirmSale commits one sale: the product is re-read under its lock, stock
// is re-checked, then the row, the decrement and the session totals are
// written in a single unit. Precondition failures come back as a status, not
// an error.
func (s *Service) ConfirmSale(ctx context.Context, req domain.SaleRequest) (result domain.SaleResult, err error) {
	ctx, span := s.tracer.Start(ctx, "service.ConfirmSale")
	span.SetAttributes(
		attribute.Int64("product.id", req.ProductID),
		attribute.Int("sale.quantity", req.Quantity),
	)
	defer func() {
		span.SetAttributes(attribute.String("sale.status", result.Status), attribute.Bool("sale.duplicate", result.Duplicate))
		endSpan(span, err)
	}()

	if req.ProductID < 1 || req.Quantity < 1 {
		return domain.SaleResult{}, fmt.Errorf("%w: product and a positive quantity are required", store.ErrInvalidTransaction)
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.IdempotencyKey != "" {
		if existing, err := s.repo.FindTransactionByIdempotency(ctx, req.IdempotencyKey); err == nil {
			return s.duplicateSale(ctx, existing)
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.SaleResult{}, err
		}
	}

	active, ok, err := s.activeSession(ctx)
	if err != nil {
		return domain.SaleResult{}, err
	}
	if !ok {
		return domain.SaleResult{Status: domain.SaleStatusNoActiveSession, Message: "start a session before selling"}, nil
	}

	actor := actorOrSystem(ctx)
	var (
		sale    domain.Transaction
		product domain.Product
		current domain.Session
		event   *domain.LowStockEvent
	)
	err = s.inUnit(ctx, "confirm_sale", func(tx store.Tx) error {
		locked, err := tx.LockProduct(ctx, req.ProductID)
		if err != nil {
			return err
		}
		product = *locked
		if !product.Active() {
			return errProductInactive
		}
		if product.StockQuantity < req.Quantity {
			return store.ErrInsufficientStock
		}

		sess, err := tx.LockSession(ctx, active.ID)
		if err != nil {
			return err
		}
		if sess.Status != domain.SessionStatusActive {
			return store.ErrNoActiveSession
		}

		sale, err = s.ledger.Record(ctx, tx, domain.TransactionInput{
			SessionID:      sess.ID,
			Product:        product,
			Type:           domain.TxTypeSale,
			Quantity:       req.Quantity,
			PaymentMethod:  req.PaymentMethod,
			Notes:          req.Notes,
			IdempotencyKey: req.IdempotencyKey,
			CreatedBy:      actor.Username,
		})
		if err != nil {
			return err
		}

		change, low, err := s.stock.Adjust(ctx, tx, product.ID, req.Quantity, domain.StockModeSubtract)
		if err != nil {
			return err
		}
		product.StockQuantity = change.Current
		event = low

		current, err = s.sessions.RecomputeTotals(ctx, tx, sess.ID)
		return err
	})

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, errProductInactive):
		return domain.SaleResult{Status: domain.SaleStatusNotFound, Message: "product not found or inactive"}, nil
	case errors.Is(err, store.ErrInsufficientStock):
		return domain.SaleResult{Status: domain.SaleStatusOutOfStock, Product: &product, Message: "not enough stock"}, nil
	case errors.Is(err, store.ErrNoActiveSession):
		return domain.SaleResult{Status: domain.SaleStatusNoActiveSession, Message: "session ended before the sale committed"}, nil
	case errors.Is(err, store.ErrDuplicateKey):
		existing, lookupErr := s.repo.FindTransactionByIdempotency(ctx, req.IdempotencyKey)
		if lookupErr != nil {
			return domain.SaleResult{}, err
		}
		return s.duplicateSale(ctx, existing)
	case err != nil:
		return domain.SaleResult{}, err
	}

	s.publishLowStock(ctx, event)
	s.metrics.sales.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", sale.PaymentMethod)))
	s.logAudit(ctx, "sale", "transaction", strconv.FormatInt(sale.ID, 10),
		fmt.Sprintf("product=%d,qty=%d,amount=%s,session=%d", sale.ProductID, sale.Quantity, sale.Amount.StringFixed(2), sale.SessionID))

	return domain.SaleResult{
		Status:      domain.SaleStatusCompleted,
		Transaction: &sale,
		Product:     &product,
		Session:     &current,
	}, nil
}

func (s *Service) duplicateSale(ctx context.Context, existing *domain.Transaction) (domain.SaleResult, error) {
	result := domain.SaleResult{
		Status:      domain.SaleStatusCompleted,
		Transaction: existing,
		Duplicate:   true,
		Message:     "sale already recorded for this idempotency key",
	}
	if product, err := s.repo.GetProductByID(ctx, existing.ProductID); err == nil {
		result.Product = product
	}
	if sess, err := s.repo.GetSession(ctx, existing.SessionID); err == nil {
		result.Session = sess
	}
	return result, nil
}

// QuickSale resolves a code and sells one unit of it in the same call.
// Repeated reads of the same code inside the scan window return the first
// outcome instead of selling again.
func (s *Service) QuickSale(ctx context.Context, code string, paymentMethod string) (result domain.SaleResult, err error) {
	ctx, span := s.tracer.Start(ctx, "service.QuickSale")
	defer func() {
		span.SetAttributes(attribute.String("sale.status", result.Status), attribute.Bool("sale.duplicate", result.Duplicate))
		endSpan(span, err)
	}()

	scan, ok, err := s.precheck(ctx, code)
	if err != nil {
		return domain.SaleResult{}, err
	}
	if !ok {
		status := domain.SaleStatusInvalidFormat
		if scan.Status == domain.ScanStatusNoActiveSession {
			status = domain.SaleStatusNoActiveSession
		}
		return domain.SaleResult{Status: status, Scan: &scan, Message: scan.Message}, nil
	}

	scope := "quick:" + guardScope(ctx)
	dup, prior, err := s.guard.Check(ctx, scope, scan.Code)
	if err != nil {
		return domain.SaleResult{}, err
	}
	if dup {
		s.metrics.duplicateScans.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "quick_sale")))
		if prev, ok := decodePrior[domain.SaleResult](prior); ok && prev.Status != "" {
			prev.Duplicate = true
			return prev, nil
		}
		scan.Duplicate = true
		return domain.SaleResult{Status: domain.SaleStatusDuplicate, Scan: &scan, Duplicate: true, Message: "duplicate scan ignored"}, nil
	}
	defer s.forgetOnError(ctx, scope, scan.Code, &err)

	scan, err = s.lookup(ctx, scan)
	if err != nil {
		return domain.SaleResult{}, err
	}

	var out domain.SaleResult
	switch scan.Status {
	case domain.ScanStatusResolved:
		out, err = s.ConfirmSale(ctx, domain.SaleRequest{
			ProductID:     scan.Product.ID,
			Quantity:      1,
			PaymentMethod: paymentMethod,
			Notes:         quickSaleNote,
		})
		if err != nil {
			return domain.SaleResult{}, err
		}
	case domain.ScanStatusOutOfStock:
		out = domain.SaleResult{Status: domain.SaleStatusOutOfStock, Product: scan.Product, Message: scan.Message}
	default:
		out = domain.SaleResult{Status: domain.SaleStatusNotFound, Message: scan.Message}
	}
	out.Scan = &scan
	s.remember(ctx, scope, scan.Code, out)
	return out, nil
}
