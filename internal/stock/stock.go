package stock

import (
	"context"
	"fmt"
	"time"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/notify"
	"snackpos/backend/internal/store"
)

// Ledger applies stock adjustments under the product's row lock and raises
// low-stock events once the surrounding unit has committed.
type Ledger struct {
	repo     store.Repository
	notifier notify.Notifier
	now      func() time.Time
}

func NewLedger(repo store.Repository, notifier notify.Notifier) *Ledger {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Ledger{
		repo:     repo,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Apply computes the new stock level for mode. Subtract and set never go
// below zero; add and subtract reject a negative delta.
func Apply(current int, delta int, mode string) (int, error) {
	switch mode {
	case domain.StockModeAdd:
		if delta < 0 {
			return 0, fmt.Errorf("%w: add requires a non-negative delta", store.ErrInvalidTransaction)
		}
		return current + delta, nil
	case domain.StockModeSubtract:
		if delta < 0 {
			return 0, fmt.Errorf("%w: subtract requires a non-negative delta", store.ErrInvalidTransaction)
		}
		return max(0, current-delta), nil
	case domain.StockModeSet:
		return max(0, delta), nil
	}
	return 0, fmt.Errorf("%w: unknown stock mode %q", store.ErrInvalidTransaction, mode)
}

// Adjust performs the locked read-modify-write inside tx. The returned event
// is non-nil when the new level is at or below the product's minimum; pass
// it to Publish after the unit commits.
func (l *Ledger) Adjust(ctx context.Context, tx store.Tx, productID int64, delta int, mode string) (domain.StockChange, *domain.LowStockEvent, error) {
	product, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return domain.StockChange{}, nil, err
	}

	next, err := Apply(product.StockQuantity, delta, mode)
	if err != nil {
		return domain.StockChange{}, nil, err
	}
	if err := tx.UpdateProductStock(ctx, productID, next); err != nil {
		return domain.StockChange{}, nil, err
	}

	change := domain.StockChange{
		ProductID: productID,
		Mode:      mode,
		Previous:  product.StockQuantity,
		Current:   next,
		Low:       next <= product.StockMinQuantity,
	}
	if !change.Low {
		return change, nil, nil
	}
	return change, &domain.LowStockEvent{
		ProductID: product.ID,
		Name:      product.Name,
		Barcode:   product.Barcode,
		Stock:     next,
		MinStock:  product.StockMinQuantity,
		At:        l.now(),
	}, nil
}

// Publish hands committed low-stock events to the notifier. It never fails.
func (l *Ledger) Publish(ctx context.Context, events ...*domain.LowStockEvent) {
	for _, event := range events {
		if event == nil {
			continue
		}
		l.notifier.NotifyLowStock(ctx, *event)
	}
}

// AdjustNow runs a standalone adjustment in its own unit.
func (l *Ledger) AdjustNow(ctx context.Context, productID int64, delta int, mode string) (domain.StockChange, error) {
	var change domain.StockChange
	var event *domain.LowStockEvent
	err := l.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		change, event, err = l.Adjust(ctx, tx, productID, delta, mode)
		return err
	})
	if err != nil {
		return domain.StockChange{}, err
	}
	l.Publish(ctx, event)
	return change, nil
}
