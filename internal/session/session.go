package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/store"
	"snackpos/backend/internal/xid"
)

const topProductsLimit = 5

// Manager owns the selling session lifecycle: none -> active -> closed.
// A session older than maxAge is closed the next time it is looked up.
type Manager struct {
	repo   store.Repository
	maxAge time.Duration
	now    func() time.Time
}

func NewManager(repo store.Repository, maxAge time.Duration) *Manager {
	return &Manager{
		repo:   repo,
		maxAge: maxAge,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

func (m *Manager) expired(s domain.Session) bool {
	return m.maxAge > 0 && m.now().Sub(s.StartTime) > m.maxAge
}

// GetActive returns the most recently started active session.
func (m *Manager) GetActive(ctx context.Context) (domain.Session, bool, error) {
	active, err := m.repo.GetActiveSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}

	if m.expired(*active) {
		if _, err := m.End(ctx, active.ID); err != nil && !errors.Is(err, store.ErrSessionClosed) {
			return domain.Session{}, false, err
		}
		log.Printf("[session] closed expired session id=%d started=%s", active.ID, active.StartTime.Format(time.RFC3339))
		return domain.Session{}, false, nil
	}
	return *active, true, nil
}

func (m *Manager) Get(ctx context.Context, id int64) (domain.Session, error) {
	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	return *s, nil
}

func (m *Manager) List(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, error) {
	if filter.Limit < 1 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return m.repo.ListSessions(ctx, filter)
}

// Start opens a new session. It fails with store.ErrSessionActive when one
// is already running.
func (m *Manager) Start(ctx context.Context, openedBy string, notes string) (domain.Session, error) {
	if _, ok, err := m.GetActive(ctx); err != nil {
		return domain.Session{}, err
	} else if ok {
		return domain.Session{}, store.ErrSessionActive
	}

	created, err := m.repo.CreateSession(ctx, domain.Session{
		Token:     xid.Token(),
		OpenedBy:  openedBy,
		StartTime: m.now(),
		Notes:     notes,
	})
	if err != nil {
		return domain.Session{}, err
	}
	log.Printf("[session] started id=%d by=%s", created.ID, openedBy)
	return *created, nil
}

// Ensure returns the active session, starting one if none exists.
func (m *Manager) Ensure(ctx context.Context, openedBy string) (domain.Session, error) {
	if active, ok, err := m.GetActive(ctx); err != nil {
		return domain.Session{}, err
	} else if ok {
		return active, nil
	}

	created, err := m.Start(ctx, openedBy, "")
	if errors.Is(err, store.ErrSessionActive) {
		// another caller started one first
		active, ok, err := m.GetActive(ctx)
		if err != nil {
			return domain.Session{}, err
		}
		if ok {
			return active, nil
		}
		return domain.Session{}, store.ErrConflict
	}
	return created, err
}

// End closes the session and freezes its totals in the same unit.
func (m *Manager) End(ctx context.Context, id int64) (domain.Session, error) {
	var ended domain.Session
	err := m.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CloseSession(ctx, id, m.now()); err != nil {
			return err
		}
		s, err := m.RecomputeTotals(ctx, tx, id)
		if err != nil {
			return err
		}
		ended = s
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	log.Printf("[session] ended id=%d revenue=%s count=%d", ended.ID, ended.TotalRevenue.StringFixed(2), ended.TransactionCount)
	return ended, nil
}

// RecomputeTotals derives the session totals from the ledger inside tx.
func (m *Manager) RecomputeTotals(ctx context.Context, tx store.Tx, id int64) (domain.Session, error) {
	s, err := tx.LockSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	agg, err := tx.AggregateSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	revenue, count := Totals(agg)
	if err := tx.UpdateSessionTotals(ctx, id, revenue, count); err != nil {
		return domain.Session{}, err
	}
	s.TotalRevenue = revenue
	s.TransactionCount = count
	return *s, nil
}

// Recompute runs RecomputeTotals in its own unit.
func (m *Manager) Recompute(ctx context.Context, id int64) (domain.Session, error) {
	var out domain.Session
	err := m.repo.WithinTx(ctx, func(tx store.Tx) error {
		s, err := m.RecomputeTotals(ctx, tx, id)
		out = s
		return err
	})
	return out, err
}

// Totals nets refunds against the sales they reverse: revenue is the sum of
// sale and refund amounts, count is sales minus refunds. Adjustments are
// ignored.
func Totals(agg domain.SessionAggregate) (decimal.Decimal, int) {
	count := agg.SaleCount - agg.RefundCount
	if count < 0 {
		count = 0
	}
	return agg.SaleAmount.Add(agg.RefundAmount), count
}

// CleanupExpired ends every active session that started more than maxAge ago.
func (m *Manager) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: max age must be positive", store.ErrInvalidTransaction)
	}
	stale, err := m.repo.ListActiveSessionsStartedBefore(ctx, m.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, s := range stale {
		if _, err := m.End(ctx, s.ID); err != nil {
			if errors.Is(err, store.ErrSessionClosed) {
				continue
			}
			return ended, err
		}
		ended++
	}
	return ended, nil
}

// RunCleanup calls CleanupExpired every interval until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.CleanupExpired(ctx, maxAge)
			if err != nil {
				log.Printf("[session] WARN: cleanup failed after %d sessions: %v", n, err)
				continue
			}
			if n > 0 {
				log.Printf("[session] cleanup closed %d expired sessions", n)
			}
		}
	}
}

// Stats reports items sold, refunds and the best-selling products of a session.
func (m *Manager) Stats(ctx context.Context, id int64) (domain.SessionStats, error) {
	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return domain.SessionStats{}, err
	}
	rows, err := m.repo.ListTransactions(ctx, domain.TransactionFilter{SessionID: id, Ascending: true})
	if err != nil {
		return domain.SessionStats{}, err
	}

	stats := domain.SessionStats{Session: *s}
	byProduct := make(map[int64]*domain.ProductSales)
	for _, t := range rows {
		sign := 0
		switch t.Type {
		case domain.TxTypeSale:
			sign = 1
		case domain.TxTypeRefund:
			sign = -1
			stats.Refunds++
		default:
			continue
		}
		stats.ItemsSold += sign * t.Quantity

		ps, ok := byProduct[t.ProductID]
		if !ok {
			ps = &domain.ProductSales{ProductID: t.ProductID, ProductName: t.ProductName, Revenue: decimal.Zero}
			byProduct[t.ProductID] = ps
		}
		ps.Quantity += sign * t.Quantity
		ps.Revenue = ps.Revenue.Add(t.Amount)
	}

	top := make([]domain.ProductSales, 0, len(byProduct))
	for _, ps := range byProduct {
		if ps.Quantity > 0 {
			top = append(top, *ps)
		}
	}
	slices.SortFunc(top, func(a, b domain.ProductSales) int {
		if c := cmp.Compare(b.Quantity, a.Quantity); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	if len(top) > topProductsLimit {
		top = top[:topProductsLimit]
	}
	stats.TopProducts = top
	return stats, nil
}
