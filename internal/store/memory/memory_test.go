package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/store"
)

func seed(t *testing.T) (*Store, *domain.Product, *domain.Session) {
	t.Helper()
	ctx := context.Background()
	s := New()
	p, err := s.CreateProduct(ctx, domain.Product{
		Barcode:       "5449000000996",
		Name:          "Cola",
		Price:         decimal.RequireFromString("1.50"),
		StockQuantity: 5,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	session, err := s.CreateSession(ctx, domain.Session{OpenedBy: "operator"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s, p, session
}

func TestWithinTxDiscardsWritesOnError(t *testing.T) {
	s, p, session := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateProductStock(ctx, p.ID, 1); err != nil {
			return err
		}
		if _, err := tx.InsertTransaction(ctx, domain.Transaction{SessionID: session.ID, ProductID: p.ID, Type: domain.TxTypeSale, Quantity: 4, Amount: decimal.RequireFromString("6.00")}); err != nil {
			return err
		}
		staged, err := tx.GetProductByID(ctx, p.ID)
		if err != nil {
			return err
		}
		if staged.StockQuantity != 1 {
			t.Fatalf("expected the unit to see its own staged stock, got %d", staged.StockQuantity)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := s.GetProductByID(ctx, p.ID)
	if got.StockQuantity != 5 {
		t.Fatalf("expected stock to stay 5, got %d", got.StockQuantity)
	}
	rows, _ := s.ListTransactions(ctx, domain.TransactionFilter{})
	if len(rows) != 0 {
		t.Fatalf("expected no transactions, got %d", len(rows))
	}
}

func TestWithinTxCommitsAtomically(t *testing.T) {
	s, p, session := seed(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.InsertTransaction(ctx, domain.Transaction{SessionID: session.ID, ProductID: p.ID, Type: domain.TxTypeSale, Quantity: 1, Amount: decimal.RequireFromString("1.50")}); err != nil {
			return err
		}
		if err := tx.UpdateProductStock(ctx, p.ID, 4); err != nil {
			return err
		}
		agg, err := tx.AggregateSession(ctx, session.ID)
		if err != nil {
			return err
		}
		return tx.UpdateSessionTotals(ctx, session.ID, agg.SaleAmount, agg.SaleCount)
	})
	if err != nil {
		t.Fatalf("unit: %v", err)
	}

	got, _ := s.GetProductByID(ctx, p.ID)
	if got.StockQuantity != 4 {
		t.Fatalf("expected stock 4, got %d", got.StockQuantity)
	}
	updated, _ := s.GetSession(ctx, session.ID)
	if !updated.TotalRevenue.Equal(decimal.RequireFromString("1.50")) || updated.TransactionCount != 1 {
		t.Fatalf("expected 1.50/1, got %s/%d", updated.TotalRevenue, updated.TransactionCount)
	}
}

func TestIdempotencyKeyAndRefundOfAreUnique(t *testing.T) {
	s, p, session := seed(t)
	ctx := context.Background()

	insert := func(tr domain.Transaction) error {
		return s.WithinTx(ctx, func(tx store.Tx) error {
			_, err := tx.InsertTransaction(ctx, tr)
			return err
		})
	}

	sale := domain.Transaction{SessionID: session.ID, ProductID: p.ID, Type: domain.TxTypeSale, Quantity: 1, Amount: decimal.RequireFromString("1.50"), IdempotencyKey: "k-1"}
	if err := insert(sale); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(sale); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	found, err := s.FindTransactionByIdempotency(ctx, "k-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	refund := domain.Transaction{SessionID: session.ID, ProductID: p.ID, Type: domain.TxTypeRefund, Quantity: 1, Amount: decimal.RequireFromString("-1.50"), RefundOf: &found.ID}
	if err := insert(refund); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := insert(refund); !errors.Is(err, store.ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
}

func TestConcurrentUnitsRecheckUniquenessAtCommit(t *testing.T) {
	s, p, session := seed(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.WithinTx(ctx, func(tx store.Tx) error {
			_, err := tx.InsertTransaction(ctx, domain.Transaction{SessionID: session.ID, ProductID: p.ID, Type: domain.TxTypeSale, Quantity: 1, IdempotencyKey: "race"})
			close(entered)
			<-release
			return err
		})
	}()
	<-entered

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertTransaction(ctx, domain.Transaction{SessionID: session.ID, ProductID: p.ID, Type: domain.TxTypeSale, Quantity: 1, IdempotencyKey: "race"})
		return err
	})
	if err != nil {
		t.Fatalf("second unit: %v", err)
	}
	close(release)
	if err := <-firstDone; !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected the later commit to fail with ErrDuplicateKey, got %v", err)
	}
}

func TestSingleActiveSession(t *testing.T) {
	s, _, session := seed(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, domain.Session{}); !errors.Is(err, store.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CloseSession(ctx, session.ID, time.Now().UTC())
		return err
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.GetActiveSession(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no active session, got %v", err)
	}
	err = s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CloseSession(ctx, session.ID, time.Now().UTC())
		return err
	})
	if !errors.Is(err, store.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.CreateSession(ctx, domain.Session{}); err != nil {
		t.Fatalf("expected a new session after close, got %v", err)
	}
}

func TestDeleteTransactionFreesIdempotencyKey(t *testing.T) {
	s, p, session := seed(t)
	ctx := context.Background()

	var id int64
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		created, err := tx.InsertTransaction(ctx, domain.Transaction{SessionID: session.ID, ProductID: p.ID, Type: domain.TxTypeSale, Quantity: 1, IdempotencyKey: "k-del"})
		if err != nil {
			return err
		}
		id = created.ID
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	err = s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.DeleteTransaction(ctx, id)
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTransaction(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted transaction to be gone, got %v", err)
	}
	if _, err := s.FindTransactionByIdempotency(ctx, "k-del"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected key to be released, got %v", err)
	}
}

func TestCreateProductRejectsDuplicateBarcode(t *testing.T) {
	s, _, _ := seed(t)
	_, err := s.CreateProduct(context.Background(), domain.Product{Barcode: "5449000000996", Name: "Other", Price: decimal.NewFromInt(1)})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}
}

func TestNewSeededHasCatalogAndUsers(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	p, err := s.GetProductByBarcode(ctx, "5449000000996")
	if err != nil {
		t.Fatalf("lookup seeded product: %v", err)
	}
	if !p.Active() || p.StockQuantity < 1 {
		t.Fatalf("expected sellable seeded product, got %+v", p)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected two seeded users, got %d", len(users))
	}
}
