package stock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/store"
	"snackpos/backend/internal/store/memory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.LowStockEvent
}

func (r *recordingNotifier) NotifyLowStock(_ context.Context, event domain.LowStockEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestApply(t *testing.T) {
	cases := []struct {
		current, delta int
		mode           string
		want           int
	}{
		{5, 3, domain.StockModeAdd, 8},
		{5, 3, domain.StockModeSubtract, 2},
		{2, 5, domain.StockModeSubtract, 0},
		{5, 12, domain.StockModeSet, 12},
		{5, -4, domain.StockModeSet, 0},
	}
	for _, tc := range cases {
		got, err := Apply(tc.current, tc.delta, tc.mode)
		if err != nil {
			t.Fatalf("apply %d %s %d: %v", tc.current, tc.mode, tc.delta, err)
		}
		if got != tc.want {
			t.Fatalf("apply %d %s %d: expected %d, got %d", tc.current, tc.mode, tc.delta, tc.want, got)
		}
	}

	for _, mode := range []string{domain.StockModeAdd, domain.StockModeSubtract} {
		if _, err := Apply(5, -1, mode); !errors.Is(err, store.ErrInvalidTransaction) {
			t.Fatalf("%s: expected negative delta to be rejected, got %v", mode, err)
		}
	}
	if _, err := Apply(5, 1, "multiply"); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected unknown mode to be rejected, got %v", err)
	}
}

func TestAdjustNowPublishesLowStockAfterCommit(t *testing.T) {
	repo := memory.New()
	product, err := repo.CreateProduct(context.Background(), domain.Product{
		Name:             "Chips",
		Price:            decimal.RequireFromString("1.80"),
		StockQuantity:    6,
		StockMinQuantity: 5,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	notifier := &recordingNotifier{}
	ledger := NewLedger(repo, notifier)

	change, err := ledger.AdjustNow(context.Background(), product.ID, 1, domain.StockModeSubtract)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if change.Previous != 6 || change.Current != 5 || !change.Low {
		t.Fatalf("unexpected change %+v", change)
	}
	if len(notifier.events) != 1 || notifier.events[0].Stock != 5 {
		t.Fatalf("expected one low-stock event, got %+v", notifier.events)
	}

	if _, err := ledger.AdjustNow(context.Background(), product.ID, 20, domain.StockModeAdd); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if len(notifier.events) != 1 {
		t.Fatalf("expected no event above minimum, got %d", len(notifier.events))
	}
	p, _ := repo.GetProductByID(context.Background(), product.ID)
	if p.StockQuantity != 25 {
		t.Fatalf("expected stock 25, got %d", p.StockQuantity)
	}
}

func TestAdjustRolledBackPublishesNothing(t *testing.T) {
	repo := memory.New()
	product, _ := repo.CreateProduct(context.Background(), domain.Product{
		Name:             "Water",
		Price:            decimal.RequireFromString("1.00"),
		StockQuantity:    3,
		StockMinQuantity: 5,
	})
	notifier := &recordingNotifier{}
	ledger := NewLedger(repo, notifier)

	boom := errors.New("boom")
	var event *domain.LowStockEvent
	err := repo.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		_, event, err = ledger.Adjust(context.Background(), tx, product.ID, 1, domain.StockModeSubtract)
		if err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	if event == nil {
		t.Fatalf("expected a pending low-stock event from the unit")
	}
	if len(notifier.events) != 0 {
		t.Fatalf("expected nothing published for a rolled back unit")
	}
	p, _ := repo.GetProductByID(context.Background(), product.ID)
	if p.StockQuantity != 3 {
		t.Fatalf("expected stock unchanged at 3, got %d", p.StockQuantity)
	}
}

func TestConcurrentSubtractNeverGoesNegative(t *testing.T) {
	repo := memory.New()
	product, _ := repo.CreateProduct(context.Background(), domain.Product{
		Name:          "Gum",
		Price:         decimal.RequireFromString("0.50"),
		StockQuantity: 20,
	})
	ledger := NewLedger(repo, nil)

	var wg sync.WaitGroup
	for n := 0; n < 50; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.AdjustNow(context.Background(), product.ID, 1, domain.StockModeSubtract); err != nil {
				t.Errorf("adjust: %v", err)
			}
		}()
	}
	wg.Wait()

	p, _ := repo.GetProductByID(context.Background(), product.ID)
	if p.StockQuantity != 0 {
		t.Fatalf("expected stock floored at 0, got %d", p.StockQuantity)
	}
}
