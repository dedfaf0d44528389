package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/session"
	"snackpos/backend/internal/stock"
	"snackpos/backend/internal/store"
)

const (
	maxNotesLength         = 500
	maxPaymentMethodLength = 32
)

// Outcome is everything one ledger mutation changed.
type Outcome struct {
	Transaction domain.Transaction
	StockChange domain.StockChange
	Session     domain.Session
	LowStock    *domain.LowStockEvent
}

// Ledger is the append-only record of sales, refunds and adjustments.
type Ledger struct {
	repo     store.Repository
	stock    *stock.Ledger
	sessions *session.Manager
	now      func() time.Time
}

func New(repo store.Repository, stockLedger *stock.Ledger, sessions *session.Manager) *Ledger {
	return &Ledger{
		repo:     repo,
		stock:    stockLedger,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record validates and appends one transaction inside tx. Stock and session
// effects are the caller's job within the same unit.
func (l *Ledger) Record(ctx context.Context, tx store.Tx, in domain.TransactionInput) (domain.Transaction, error) {
	txType := strings.ToLower(strings.TrimSpace(in.Type))
	if txType == "" {
		txType = domain.TxTypeSale
	}
	if txType != domain.TxTypeSale && txType != domain.TxTypeRefund && txType != domain.TxTypeAdjustment {
		return domain.Transaction{}, fmt.Errorf("%w: unknown transaction type %q", store.ErrInvalidTransaction, in.Type)
	}
	if in.SessionID < 1 {
		return domain.Transaction{}, fmt.Errorf("%w: session required", store.ErrInvalidTransaction)
	}
	if in.Quantity < 1 {
		return domain.Transaction{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidTransaction)
	}

	unitPrice := in.Product.Price
	if in.UnitPrice != nil {
		unitPrice = *in.UnitPrice
	}
	if unitPrice.IsNegative() {
		return domain.Transaction{}, fmt.Errorf("%w: unit price must not be negative", store.ErrInvalidTransaction)
	}

	paymentMethod := strings.ToLower(strings.TrimSpace(in.PaymentMethod))
	if paymentMethod == "" {
		paymentMethod = domain.PaymentMethodCash
	}
	if len(paymentMethod) > maxPaymentMethodLength {
		return domain.Transaction{}, fmt.Errorf("%w: payment method too long", store.ErrInvalidTransaction)
	}
	notes := strings.TrimSpace(in.Notes)
	if len(notes) > maxNotesLength {
		notes = notes[:maxNotesLength]
	}

	gross := unitPrice.Mul(decimal.NewFromInt(int64(in.Quantity))).Round(2)
	amount := gross
	switch txType {
	case domain.TxTypeRefund:
		if in.RefundOf == nil {
			return domain.Transaction{}, fmt.Errorf("%w: refund must reference a sale", store.ErrInvalidTransaction)
		}
		amount = gross.Neg()
		if in.Amount != nil {
			amount = *in.Amount
		}
	case domain.TxTypeAdjustment:
		amount = decimal.Zero
	}

	created, err := tx.InsertTransaction(ctx, domain.Transaction{
		SessionID:      in.SessionID,
		ProductID:      in.Product.ID,
		ProductName:    in.Product.Name,
		ProductBarcode: in.Product.Barcode,
		Type:           txType,
		Quantity:       in.Quantity,
		UnitPrice:      unitPrice,
		Amount:         amount,
		PaymentMethod:  paymentMethod,
		Notes:          notes,
		RefundOf:       in.RefundOf,
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
		CreatedBy:      in.CreatedBy,
		CreatedAt:      l.now(),
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return *created, nil
}

// Refund reverses a sale inside tx: a mirrored refund row with the negated
// amount, the quantity put back on stock and the owning session recomputed.
func (l *Ledger) Refund(ctx context.Context, tx store.Tx, originalID int64, reason string, actor string) (Outcome, error) {
	original, err := tx.GetTransaction(ctx, originalID)
	if err != nil {
		return Outcome{}, err
	}
	if original.Type != domain.TxTypeSale {
		return Outcome{}, fmt.Errorf("%w: only sales can be refunded, #%d is %s", store.ErrInvalidTransaction, originalID, original.Type)
	}

	// serializes concurrent refunds of the same sale
	if _, err := tx.LockProduct(ctx, original.ProductID); err != nil {
		return Outcome{}, err
	}
	if _, err := tx.FindRefundOf(ctx, originalID); err == nil {
		return Outcome{}, store.ErrAlreadyRefunded
	} else if !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	refundOf := original.ID
	mirrored := original.Amount.Neg()
	refund, err := l.Record(ctx, tx, domain.TransactionInput{
		SessionID: original.SessionID,
		Product: domain.Product{
			ID:      original.ProductID,
			Name:    original.ProductName,
			Barcode: original.ProductBarcode,
		},
		Type:          domain.TxTypeRefund,
		Quantity:      original.Quantity,
		UnitPrice:     &original.UnitPrice,
		Amount:        &mirrored,
		PaymentMethod: original.PaymentMethod,
		Notes:         fmt.Sprintf("Refund of #%d: %s", original.ID, reason),
		RefundOf:      &refundOf,
		CreatedBy:     actor,
	})
	if err != nil {
		return Outcome{}, err
	}

	change, event, err := l.stock.Adjust(ctx, tx, original.ProductID, original.Quantity, domain.StockModeAdd)
	if err != nil {
		return Outcome{}, err
	}
	s, err := l.sessions.RecomputeTotals(ctx, tx, original.SessionID)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{Transaction: refund, StockChange: change, Session: s, LowStock: event}, nil
}

// Delete removes a transaction for data correction. Stock is left as is;
// the owning session is recomputed in the same unit.
func (l *Ledger) Delete(ctx context.Context, id int64) (domain.Session, error) {
	var recomputed domain.Session
	err := l.repo.WithinTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if _, err := tx.LockSession(ctx, existing.SessionID); err != nil {
			return err
		}
		if err := tx.DeleteTransaction(ctx, id); err != nil {
			return err
		}
		s, err := l.sessions.RecomputeTotals(ctx, tx, existing.SessionID)
		if err != nil {
			return err
		}
		recomputed = s
		return nil
	})
	return recomputed, err
}

func (l *Ledger) Get(ctx context.Context, id int64) (domain.Transaction, error) {
	t, err := l.repo.GetTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *t, nil
}

func (l *Ledger) List(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if filter.Limit < 1 {
		filter.Limit = 100
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	return l.repo.ListTransactions(ctx, filter)
}

func (l *Ledger) BySession(ctx context.Context, sessionID int64, limit int) ([]domain.Transaction, error) {
	return l.List(ctx, domain.TransactionFilter{SessionID: sessionID, Limit: limit})
}

func (l *Ledger) ByProduct(ctx context.Context, productID int64, limit int) ([]domain.Transaction, error) {
	return l.List(ctx, domain.TransactionFilter{ProductID: productID, Limit: limit})
}

func (l *Ledger) ByDateRange(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Transaction, error) {
	return l.List(ctx, domain.TransactionFilter{From: &from, To: &to, Limit: limit})
}
