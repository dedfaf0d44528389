package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"snackpos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrConflict           = errors.New("concurrent update conflict, retry")
	ErrDuplicateKey       = errors.New("duplicate idempotency key")
	ErrSessionActive      = errors.New("a session is already active")
	ErrSessionClosed      = errors.New("session already closed")
	ErrNoActiveSession    = errors.New("no active session")
	ErrAlreadyRefunded    = errors.New("transaction already refunded")
)

// Tx is one unit of work. Nothing written through it is visible to other
// callers until the WithinTx callback returns nil; any error discards it all.
//
// Lock order inside a unit is product first, then session.
type Tx interface {
	GetProductByID(ctx context.Context, id int64) (*domain.Product, error)
	LockProduct(ctx context.Context, id int64) (*domain.Product, error)
	UpdateProductStock(ctx context.Context, id int64, qty int) error

	GetActiveSession(ctx context.Context) (*domain.Session, error)
	LockSession(ctx context.Context, id int64) (*domain.Session, error)
	CloseSession(ctx context.Context, id int64, at time.Time) (*domain.Session, error)
	AggregateSession(ctx context.Context, id int64) (domain.SessionAggregate, error)
	UpdateSessionTotals(ctx context.Context, id int64, revenue decimal.Decimal, count int) error

	InsertTransaction(ctx context.Context, t domain.Transaction) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	FindRefundOf(ctx context.Context, originalID int64) (*domain.Transaction, error)
	DeleteTransaction(ctx context.Context, id int64) error
}

// ProductDirectory is the catalog surface the engine reads from. Creation
// and status changes exist for seeding and tests; catalog editing lives
// elsewhere.
type ProductDirectory interface {
	GetProductByID(ctx context.Context, id int64) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	SetProductStatus(ctx context.Context, id int64, status string) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	ProductDirectory
	UserStore

	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error)
	GetSession(ctx context.Context, id int64) (*domain.Session, error)
	GetActiveSession(ctx context.Context) (*domain.Session, error)
	ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, error)
	ListActiveSessionsStartedBefore(ctx context.Context, before time.Time) ([]domain.Session, error)

	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)

	CreateScanLog(ctx context.Context, entry domain.ScanLog) error
	ListScanLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.ScanLog, error)
}
