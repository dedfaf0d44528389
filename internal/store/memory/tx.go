package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/store"
)

// memTx buffers every write of a unit and applies them in one critical
// section on commit. Row locks are held from first use until release.
type memTx struct {
	s        *Store
	held     []*sync.Mutex
	heldKeys map[string]bool
	stock    map[int64]int
	sessions map[int64]domain.Session
	inserted []domain.Transaction
	deleted  map[int64]bool
}

func productKey(id int64) string { return fmt.Sprintf("product:%d", id) }
func sessionKey(id int64) string { return fmt.Sprintf("session:%d", id) }

func (t *memTx) lock(key string) {
	if t.heldKeys[key] {
		return
	}
	m := t.s.locks.get(key)
	m.Lock()
	t.heldKeys[key] = true
	t.held = append(t.held, m)
}

func (t *memTx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].Unlock()
	}
	t.held = nil
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tr := range t.inserted {
		if tr.IdempotencyKey != "" {
			if existing, ok := s.txByIdem[tr.IdempotencyKey]; ok && !t.deleted[existing] {
				return store.ErrDuplicateKey
			}
		}
		if tr.RefundOf != nil {
			if existing, ok := s.refundsByOrg[*tr.RefundOf]; ok && !t.deleted[existing] {
				return store.ErrAlreadyRefunded
			}
		}
	}

	for id := range t.deleted {
		tr, ok := s.transactions[id]
		if !ok {
			continue
		}
		delete(s.transactions, id)
		if tr.IdempotencyKey != "" && s.txByIdem[tr.IdempotencyKey] == id {
			delete(s.txByIdem, tr.IdempotencyKey)
		}
		if tr.RefundOf != nil && s.refundsByOrg[*tr.RefundOf] == id {
			delete(s.refundsByOrg, *tr.RefundOf)
		}
	}

	now := time.Now().UTC()
	for id, qty := range t.stock {
		p, ok := s.products[id]
		if !ok {
			continue
		}
		p.StockQuantity = qty
		p.UpdatedAt = now
		s.products[id] = p
	}

	for id, session := range t.sessions {
		s.sessions[id] = session
	}

	for _, tr := range t.inserted {
		s.transactions[tr.ID] = tr
		if tr.IdempotencyKey != "" {
			s.txByIdem[tr.IdempotencyKey] = tr.ID
		}
		if tr.RefundOf != nil {
			s.refundsByOrg[*tr.RefundOf] = tr.ID
		}
	}
	return nil
}

func (t *memTx) GetProductByID(_ context.Context, id int64) (*domain.Product, error) {
	t.s.mu.RLock()
	p, ok := t.s.products[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	if qty, staged := t.stock[id]; staged {
		p.StockQuantity = qty
	}
	return &p, nil
}

func (t *memTx) LockProduct(ctx context.Context, id int64) (*domain.Product, error) {
	if _, err := t.GetProductByID(ctx, id); err != nil {
		return nil, err
	}
	t.lock(productKey(id))
	return t.GetProductByID(ctx, id)
}

func (t *memTx) UpdateProductStock(ctx context.Context, id int64, qty int) error {
	if qty < 0 {
		return store.ErrInvalidTransaction
	}
	if _, err := t.LockProduct(ctx, id); err != nil {
		return err
	}
	t.stock[id] = qty
	return nil
}

func (t *memTx) session(id int64) (domain.Session, bool) {
	if session, ok := t.sessions[id]; ok {
		return session, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	session, ok := t.s.sessions[id]
	return session, ok
}

func (t *memTx) GetActiveSession(_ context.Context) (*domain.Session, error) {
	t.s.mu.RLock()
	ids := make([]int64, 0, len(t.s.sessions))
	for id := range t.s.sessions {
		ids = append(ids, id)
	}
	t.s.mu.RUnlock()
	slices.Sort(ids)

	for i := len(ids) - 1; i >= 0; i-- {
		session, _ := t.session(ids[i])
		if session.Status == domain.SessionStatusActive {
			return &session, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) LockSession(_ context.Context, id int64) (*domain.Session, error) {
	if _, ok := t.session(id); !ok {
		return nil, store.ErrNotFound
	}
	t.lock(sessionKey(id))
	session, _ := t.session(id)
	return &session, nil
}

func (t *memTx) CloseSession(ctx context.Context, id int64, at time.Time) (*domain.Session, error) {
	session, err := t.LockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionStatusActive {
		return nil, store.ErrSessionClosed
	}
	session.Status = domain.SessionStatusClosed
	session.EndTime = &at
	t.sessions[id] = *session
	return session, nil
}

func (t *memTx) AggregateSession(_ context.Context, id int64) (domain.SessionAggregate, error) {
	agg := domain.SessionAggregate{SaleAmount: decimal.Zero, RefundAmount: decimal.Zero}
	add := func(tr domain.Transaction) {
		if tr.SessionID != id {
			return
		}
		switch tr.Type {
		case domain.TxTypeSale:
			agg.SaleAmount = agg.SaleAmount.Add(tr.Amount)
			agg.SaleCount++
		case domain.TxTypeRefund:
			agg.RefundAmount = agg.RefundAmount.Add(tr.Amount)
			agg.RefundCount++
		}
	}

	t.s.mu.RLock()
	for txID, tr := range t.s.transactions {
		if !t.deleted[txID] {
			add(tr)
		}
	}
	t.s.mu.RUnlock()
	for _, tr := range t.inserted {
		add(tr)
	}
	return agg, nil
}

func (t *memTx) UpdateSessionTotals(ctx context.Context, id int64, revenue decimal.Decimal, count int) error {
	session, err := t.LockSession(ctx, id)
	if err != nil {
		return err
	}
	session.TotalRevenue = revenue
	session.TransactionCount = count
	t.sessions[id] = *session
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr domain.Transaction) (*domain.Transaction, error) {
	if tr.IdempotencyKey != "" {
		if _, err := t.FindTransactionByIdempotency(ctx, tr.IdempotencyKey); err == nil {
			return nil, store.ErrDuplicateKey
		}
	}
	if tr.RefundOf != nil {
		if _, err := t.FindRefundOf(ctx, *tr.RefundOf); err == nil {
			return nil, store.ErrAlreadyRefunded
		}
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	tr.ID = t.s.nextTxID.Add(1)
	t.inserted = append(t.inserted, tr)
	return &tr, nil
}

func (t *memTx) findStaged(match func(domain.Transaction) bool) (*domain.Transaction, bool) {
	for _, tr := range t.inserted {
		if match(tr) {
			found := tr
			return &found, true
		}
	}
	return nil, false
}

func (t *memTx) GetTransaction(_ context.Context, id int64) (*domain.Transaction, error) {
	if tr, ok := t.findStaged(func(tr domain.Transaction) bool { return tr.ID == id }); ok {
		return tr, nil
	}
	if t.deleted[id] {
		return nil, store.ErrNotFound
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	tr, ok := t.s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &tr, nil
}

func (t *memTx) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	if tr, ok := t.findStaged(func(tr domain.Transaction) bool { return tr.IdempotencyKey == key }); ok {
		return tr, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.txByIdem[key]
	if !ok || t.deleted[id] {
		return nil, store.ErrNotFound
	}
	tr := t.s.transactions[id]
	return &tr, nil
}

func (t *memTx) FindRefundOf(_ context.Context, originalID int64) (*domain.Transaction, error) {
	if tr, ok := t.findStaged(func(tr domain.Transaction) bool {
		return tr.RefundOf != nil && *tr.RefundOf == originalID
	}); ok {
		return tr, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.refundsByOrg[originalID]
	if !ok || t.deleted[id] {
		return nil, store.ErrNotFound
	}
	tr := t.s.transactions[id]
	return &tr, nil
}

func (t *memTx) DeleteTransaction(_ context.Context, id int64) error {
	for i, tr := range t.inserted {
		if tr.ID == id {
			t.inserted = slices.Delete(t.inserted, i, i+1)
			return nil
		}
	}
	if t.deleted[id] {
		return store.ErrNotFound
	}
	t.s.mu.RLock()
	_, ok := t.s.transactions[id]
	t.s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	t.deleted[id] = true
	return nil
}
