package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/store"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetProductByID(ctx context.Context, id int64) (*domain.Product, error) {
	return getProduct(ctx, t.tx, id, false)
}

func (t *pgTx) LockProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return getProduct(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateProductStock(ctx context.Context, id int64, qty int) error {
	if qty < 0 {
		return store.ErrInvalidTransaction
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = $2, updated_at = now()
		WHERE id = $1
	`, id, qty)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (t *pgTx) GetActiveSession(ctx context.Context) (*domain.Session, error) {
	return getActiveSession(ctx, t.tx)
}

func (t *pgTx) LockSession(ctx context.Context, id int64) (*domain.Session, error) {
	return scanSession(t.tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) CloseSession(ctx context.Context, id int64, at time.Time) (*domain.Session, error) {
	session, err := t.LockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionStatusActive {
		return nil, store.ErrSessionClosed
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'closed', end_time = $2
		WHERE id = $1
	`, id, at); err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatusClosed
	session.EndTime = &at
	return session, nil
}

func (t *pgTx) AggregateSession(ctx context.Context, id int64) (domain.SessionAggregate, error) {
	var agg domain.SessionAggregate
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type = 'sale'), 0),
			COUNT(*) FILTER (WHERE type = 'sale'),
			COALESCE(SUM(amount) FILTER (WHERE type = 'refund'), 0),
			COUNT(*) FILTER (WHERE type = 'refund')
		FROM transactions
		WHERE session_id = $1
	`, id).Scan(&agg.SaleAmount, &agg.SaleCount, &agg.RefundAmount, &agg.RefundCount)
	if err != nil {
		return domain.SessionAggregate{}, err
	}
	return agg, nil
}

func (t *pgTx) UpdateSessionTotals(ctx context.Context, id int64, revenue decimal.Decimal, count int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sessions
		SET total_revenue = $2, transaction_count = $3
		WHERE id = $1
	`, id, revenue, count)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr domain.Transaction) (*domain.Transaction, error) {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	var refundOf any
	if tr.RefundOf != nil {
		refundOf = *tr.RefundOf
	}

	created, err := scanTransaction(t.tx.QueryRowContext(ctx, `
		INSERT INTO transactions (
			session_id, product_id, product_name, product_barcode, type, quantity,
			unit_price, amount, payment_method, notes, refund_of, idempotency_key,
			created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING `+transactionColumns,
		tr.SessionID, tr.ProductID, tr.ProductName, tr.ProductBarcode, tr.Type, tr.Quantity,
		tr.UnitPrice, tr.Amount, tr.PaymentMethod, tr.Notes, refundOf, nullIfEmpty(tr.IdempotencyKey),
		tr.CreatedBy, tr.CreatedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "transactions_refund_of" {
				return nil, store.ErrAlreadyRefunded
			}
			return nil, store.ErrDuplicateKey
		}
		return nil, err
	}
	return created, nil
}

func (t *pgTx) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	return getTransaction(ctx, t.tx, id)
}

func (t *pgTx) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return findTransactionByIdempotency(ctx, t.tx, key)
}

func (t *pgTx) FindRefundOf(ctx context.Context, originalID int64) (*domain.Transaction, error) {
	return scanTransaction(t.tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE refund_of = $1`, originalID))
}

func (t *pgTx) DeleteTransaction(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}
