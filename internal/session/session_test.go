package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/store"
	"snackpos/backend/internal/store/memory"
)

func newTestManager() (*Manager, *memory.Store) {
	repo := memory.New()
	return NewManager(repo, 24*time.Hour), repo
}

func TestStartRejectsSecondActiveSession(t *testing.T) {
	m, _ := newTestManager()

	first, err := m.Start(context.Background(), "admin", "morning")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.Status != domain.SessionStatusActive || first.Token == "" {
		t.Fatalf("unexpected session %+v", first)
	}
	if _, err := m.Start(context.Background(), "operator", ""); !errors.Is(err, store.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	ensured, err := m.Ensure(context.Background(), "operator")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ensured.ID != first.ID {
		t.Fatalf("expected ensure to reuse session %d, got %d", first.ID, ensured.ID)
	}
}

func TestEndFreezesTotals(t *testing.T) {
	m, repo := newTestManager()
	s, _ := m.Start(context.Background(), "admin", "")

	err := repo.WithinTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.InsertTransaction(context.Background(), domain.Transaction{
			SessionID: s.ID,
			Type:      domain.TxTypeSale,
			Quantity:  2,
			UnitPrice: decimal.RequireFromString("1.25"),
			Amount:    decimal.RequireFromString("2.50"),
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	ended, err := m.End(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != domain.SessionStatusClosed || ended.EndTime == nil {
		t.Fatalf("expected closed session, got %+v", ended)
	}
	if !ended.TotalRevenue.Equal(decimal.RequireFromString("2.50")) || ended.TransactionCount != 1 {
		t.Fatalf("expected 2.50/1, got %s/%d", ended.TotalRevenue, ended.TransactionCount)
	}
	if _, err := m.End(context.Background(), s.ID); !errors.Is(err, store.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, ok, _ := m.GetActive(context.Background()); ok {
		t.Fatalf("expected no active session after end")
	}
}

func TestGetActiveEndsExpiredSession(t *testing.T) {
	m, _ := newTestManager()
	s, _ := m.Start(context.Background(), "admin", "")

	m.now = func() time.Time { return s.StartTime.Add(25 * time.Hour) }
	if _, ok, err := m.GetActive(context.Background()); err != nil || ok {
		t.Fatalf("expected expired session to be hidden, ok=%v err=%v", ok, err)
	}
	got, _ := m.Get(context.Background(), s.ID)
	if got.Status != domain.SessionStatusClosed {
		t.Fatalf("expected expired session to be closed, got %s", got.Status)
	}
}

func TestCleanupExpired(t *testing.T) {
	m, _ := newTestManager()
	s, _ := m.Start(context.Background(), "admin", "")

	n, err := m.CleanupExpired(context.Background(), time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing to clean, n=%d err=%v", n, err)
	}

	m.now = func() time.Time { return s.StartTime.Add(2 * time.Hour) }
	n, err = m.CleanupExpired(context.Background(), time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one session cleaned, n=%d err=%v", n, err)
	}
	if _, err := m.CleanupExpired(context.Background(), 0); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected non-positive max age to be rejected, got %v", err)
	}
}

func TestTotalsNetsRefunds(t *testing.T) {
	revenue, count := Totals(domain.SessionAggregate{
		SaleAmount:   decimal.RequireFromString("7.50"),
		SaleCount:    3,
		RefundAmount: decimal.RequireFromString("-2.50"),
		RefundCount:  1,
	})
	if !revenue.Equal(decimal.RequireFromString("5.00")) || count != 2 {
		t.Fatalf("expected 5.00/2, got %s/%d", revenue, count)
	}

	_, count = Totals(domain.SessionAggregate{RefundCount: 1})
	if count != 0 {
		t.Fatalf("expected count floored at 0, got %d", count)
	}
}

func TestStatsTopProducts(t *testing.T) {
	m, repo := newTestManager()
	s, _ := m.Start(context.Background(), "admin", "")

	rows := []domain.Transaction{
		{SessionID: s.ID, ProductID: 1, ProductName: "Cola", Type: domain.TxTypeSale, Quantity: 1, Amount: decimal.RequireFromString("1.50")},
		{SessionID: s.ID, ProductID: 2, ProductName: "Chips", Type: domain.TxTypeSale, Quantity: 3, Amount: decimal.RequireFromString("5.40")},
		{SessionID: s.ID, ProductID: 2, ProductName: "Chips", Type: domain.TxTypeAdjustment, Quantity: 9, Amount: decimal.Zero},
	}
	err := repo.WithinTx(context.Background(), func(tx store.Tx) error {
		for _, row := range rows {
			if _, err := tx.InsertTransaction(context.Background(), row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	stats, err := m.Stats(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ItemsSold != 4 || stats.Refunds != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(stats.TopProducts) != 2 || stats.TopProducts[0].ProductName != "Chips" {
		t.Fatalf("expected chips first, got %+v", stats.TopProducts)
	}
	if _, err := m.Stats(context.Background(), 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
