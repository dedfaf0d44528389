package memory

import (
	"cmp"
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/store"
	"snackpos/backend/internal/xid"
)

type Store struct {
	mu           sync.RWMutex
	products     map[int64]domain.Product
	barcodes     map[string]int64
	sessions     map[int64]domain.Session
	transactions map[int64]domain.Transaction
	txByIdem     map[string]int64
	refundsByOrg map[int64]int64
	scanLogs     []domain.ScanLog
	users        map[string]domain.UserAccount

	nextProductID atomic.Int64
	nextSessionID atomic.Int64
	nextTxID      atomic.Int64

	locks keyedMutex
}

// keyedMutex hands out one mutex per product or session so units touching
// different rows never wait on each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

func New() *Store {
	return &Store{
		products:     make(map[int64]domain.Product),
		barcodes:     make(map[string]int64),
		sessions:     make(map[int64]domain.Session),
		transactions: make(map[int64]domain.Transaction),
		txByIdem:     make(map[string]int64),
		refundsByOrg: make(map[int64]int64),
		scanLogs:     make([]domain.ScanLog, 0, 128),
		users:        make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory operator accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD; dev
// defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"operator", operatorPwd, "operator"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo operators and a small snack catalog.
func NewSeeded() *Store {
	s := New()
	s.users = seedUsers()

	catalog := []domain.Product{
		{Barcode: "5449000000996", Name: "Coca-Cola 0.33l", Category: "drinks", Price: decimal.RequireFromString("1.50"), StockQuantity: 24, StockMinQuantity: 6},
		{Barcode: "5000159461122", Name: "Snickers", Category: "chocolate", Price: decimal.RequireFromString("1.20"), StockQuantity: 30, StockMinQuantity: 10},
		{Barcode: "4006381333931", Name: "Salted Peanuts", Category: "nuts", Price: decimal.RequireFromString("2.10"), StockQuantity: 12, StockMinQuantity: 5},
		{Barcode: "5901234123457", Name: "Paprika Chips", Category: "chips", Price: decimal.RequireFromString("1.80"), StockQuantity: 18, StockMinQuantity: 8},
		{Barcode: "8710000001236", Name: "Stroopwafel", Category: "biscuits", Price: decimal.RequireFromString("0.90"), StockQuantity: 40, StockMinQuantity: 10},
		{Barcode: "7622210000002", Name: "Milk Chocolate Bar", Category: "chocolate", Price: decimal.RequireFromString("1.40"), StockQuantity: 20, StockMinQuantity: 10},
		{Barcode: "40123455", Name: "Mineral Water 0.5l", Category: "drinks", Price: decimal.RequireFromString("1.00"), StockQuantity: 48, StockMinQuantity: 12},
		{Barcode: "SNACK-GUMMY", Name: "Gummy Bears", Category: "candy", Price: decimal.RequireFromString("0.80"), StockQuantity: 25, StockMinQuantity: 10},
	}
	for _, p := range catalog {
		if _, err := s.CreateProduct(context.Background(), p); err != nil {
			log.Fatalf("[memory-store] failed to seed product %s: %v", p.Name, err)
		}
	}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:        s,
		heldKeys: make(map[string]bool),
		stock:    make(map[int64]int),
		sessions: make(map[int64]domain.Session),
		deleted:  make(map[int64]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *Store) GetProductByID(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.barcodes[barcode]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := s.products[id]
	return &p, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	product.Barcode = strings.TrimSpace(product.Barcode)
	if product.Name == "" || product.Price.IsNegative() || product.StockQuantity < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.StockMinQuantity == 0 {
		product.StockMinQuantity = domain.DefaultStockMinQuantity
	}
	if product.Status == "" {
		product.Status = domain.ProductStatusActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Barcode != "" {
		if _, exists := s.barcodes[product.Barcode]; exists {
			return nil, store.ErrInvalidTransaction
		}
	}

	now := time.Now().UTC()
	product.ID = s.nextProductID.Add(1)
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product
	if product.Barcode != "" {
		s.barcodes[product.Barcode] = product.ID
	}
	return &product, nil
}

func (s *Store) SetProductStatus(_ context.Context, id int64, status string) error {
	if status != domain.ProductStatusActive && status != domain.ProductStatusInactive {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p
	return nil
}

func (s *Store) CreateSession(_ context.Context, session domain.Session) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.Status == domain.SessionStatusActive {
			return nil, store.ErrSessionActive
		}
	}
	if session.Token == "" {
		session.Token = xid.Token()
	}
	if session.StartTime.IsZero() {
		session.StartTime = time.Now().UTC()
	}
	session.ID = s.nextSessionID.Add(1)
	session.Status = domain.SessionStatusActive
	session.EndTime = nil
	session.TotalRevenue = decimal.Zero
	session.TransactionCount = 0
	s.sessions[session.ID] = session
	return &session, nil
}

func (s *Store) GetSession(_ context.Context, id int64) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) GetActiveSession(_ context.Context) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active *domain.Session
	for _, session := range s.sessions {
		if session.Status != domain.SessionStatusActive {
			continue
		}
		if active == nil || session.ID > active.ID {
			copySession := session
			active = &copySession
		}
	}
	if active == nil {
		return nil, store.ErrNotFound
	}
	return active, nil
}

func (s *Store) ListSessions(_ context.Context, filter domain.SessionFilter) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		if filter.OpenedBy != "" && session.OpenedBy != filter.OpenedBy {
			continue
		}
		if filter.From != nil && session.StartTime.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !session.StartTime.Before(*filter.To) {
			continue
		}
		result = append(result, session)
	}
	slices.SortFunc(result, func(a, b domain.Session) int {
		return cmp.Compare(b.ID, a.ID)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) ListActiveSessionsStartedBefore(_ context.Context, before time.Time) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Session, 0, 1)
	for _, session := range s.sessions {
		if session.Status == domain.SessionStatusActive && session.StartTime.Before(before) {
			result = append(result, session)
		}
	}
	slices.SortFunc(result, func(a, b domain.Session) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetTransaction(_ context.Context, id int64) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.txByIdem[key]
	if !ok || key == "" {
		return nil, store.ErrNotFound
	}
	t := s.transactions[id]
	return &t, nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, 64)
	for _, t := range s.transactions {
		if matchesFilter(t, filter) {
			result = append(result, t)
		}
	}
	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if filter.Ascending {
			return cmp.Compare(a.ID, b.ID)
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchesFilter(t domain.Transaction, filter domain.TransactionFilter) bool {
	if filter.SessionID > 0 && t.SessionID != filter.SessionID {
		return false
	}
	if filter.ProductID > 0 && t.ProductID != filter.ProductID {
		return false
	}
	if filter.Type != "" && t.Type != filter.Type {
		return false
	}
	if filter.From != nil && t.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && !t.CreatedAt.Before(*filter.To) {
		return false
	}
	return true
}

func (s *Store) CreateScanLog(_ context.Context, entry domain.ScanLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("scanlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.scanLogs = append(s.scanLogs, entry)
	return nil
}

func (s *Store) ListScanLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.ScanLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.ScanLog, 0, 64)
	for i := len(s.scanLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.scanLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.users[user.Username]; exists {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "operator"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.users[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}
