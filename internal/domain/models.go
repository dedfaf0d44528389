package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID               int64           `json:"id"`
	Barcode          string          `json:"barcode,omitempty"`
	Name             string          `json:"name"`
	Category         string          `json:"category,omitempty"`
	Price            decimal.Decimal `json:"price"`
	StockQuantity    int             `json:"stock_quantity"`
	StockMinQuantity int             `json:"stock_min_quantity"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (p Product) Active() bool {
	return p.Status == ProductStatusActive
}

type Session struct {
	ID               int64           `json:"id"`
	Token            string          `json:"token"`
	OpenedBy         string          `json:"opened_by"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	Status           string          `json:"status"`
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	TransactionCount int             `json:"transaction_count"`
	Notes            string          `json:"notes,omitempty"`
}

// SessionAggregate holds the raw per-type sums a session's totals are derived from.
type SessionAggregate struct {
	SaleAmount   decimal.Decimal
	SaleCount    int
	RefundAmount decimal.Decimal
	RefundCount  int
}

type SessionFilter struct {
	Status   string
	OpenedBy string
	From     *time.Time
	To       *time.Time
	Limit    int
}

type Transaction struct {
	ID             int64           `json:"id"`
	SessionID      int64           `json:"session_id"`
	ProductID      int64           `json:"product_id"`
	ProductName    string          `json:"product_name"`
	ProductBarcode string          `json:"product_barcode,omitempty"`
	Type           string          `json:"type"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentMethod  string          `json:"payment_method"`
	Notes          string          `json:"notes,omitempty"`
	RefundOf       *int64          `json:"refund_of,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type TransactionInput struct {
	SessionID      int64
	Product        Product
	Type           string
	Quantity       int
	UnitPrice      *decimal.Decimal
	// Amount overrides the computed amount of a refund row.
	Amount         *decimal.Decimal
	PaymentMethod  string
	Notes          string
	RefundOf       *int64
	IdempotencyKey string
	CreatedBy      string
}

type TransactionFilter struct {
	SessionID int64
	ProductID int64
	Type      string
	From      *time.Time
	To        *time.Time
	Limit     int
	Ascending bool
}

type SalesStats struct {
	TransactionCount int             `json:"transaction_count"`
	ItemsSold        int             `json:"items_sold"`
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	AverageSale      decimal.Decimal `json:"average_sale"`
	HighestSale      decimal.Decimal `json:"highest_sale"`
	LowestSale       decimal.Decimal `json:"lowest_sale"`
}

type RevenueBucket struct {
	Period       string          `json:"period"`
	Transactions int             `json:"transactions"`
	ItemsSold    int             `json:"items_sold"`
	Revenue      decimal.Decimal `json:"revenue"`
}

type PaymentMethodStat struct {
	PaymentMethod string          `json:"payment_method"`
	Transactions  int             `json:"transactions"`
	Revenue       decimal.Decimal `json:"revenue"`
}

type ProductSales struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Revenue     decimal.Decimal `json:"revenue"`
}

type SessionStats struct {
	Session     Session        `json:"session"`
	ItemsSold   int            `json:"items_sold"`
	Refunds     int            `json:"refunds"`
	TopProducts []ProductSales `json:"top_products"`
}

type StockChange struct {
	ProductID int64  `json:"product_id"`
	Mode      string `json:"mode"`
	Previous  int    `json:"previous"`
	Current   int    `json:"current"`
	Low       bool   `json:"low"`
}

type LowStockEvent struct {
	ProductID int64     `json:"product_id"`
	Name      string    `json:"name"`
	Barcode   string    `json:"barcode,omitempty"`
	Stock     int       `json:"stock"`
	MinStock  int       `json:"min_stock"`
	At        time.Time `json:"at"`
}

type ScanRequest struct {
	Code string `json:"code"`
}

type ScanResult struct {
	Status    string   `json:"status"`
	Code      string   `json:"code"`
	Symbology string   `json:"symbology,omitempty"`
	Product   *Product `json:"product,omitempty"`
	SessionID int64    `json:"session_id,omitempty"`
	Duplicate bool     `json:"duplicate"`
	Message   string   `json:"message,omitempty"`
}

type SaleRequest struct {
	ProductID      int64  `json:"product_id"`
	Quantity       int    `json:"quantity"`
	PaymentMethod  string `json:"payment_method"`
	IdempotencyKey string `json:"idempotency_key"`
	Notes          string `json:"notes"`
}

type SaleResult struct {
	Status      string       `json:"status"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Product     *Product     `json:"product,omitempty"`
	Session     *Session     `json:"session,omitempty"`
	Scan        *ScanResult  `json:"scan,omitempty"`
	Duplicate   bool         `json:"duplicate"`
	Message     string       `json:"message,omitempty"`
}

type RefundRequest struct {
	TransactionID int64  `json:"transaction_id"`
	Reason        string `json:"reason"`
}

type RefundResponse struct {
	Refund      Transaction `json:"refund"`
	StockChange StockChange `json:"stock_change"`
	Session     Session     `json:"session"`
}

type StockAdjustRequest struct {
	ProductID int64  `json:"product_id"`
	Delta     int    `json:"delta"`
	Mode      string `json:"mode"`
	Notes     string `json:"notes"`
}

type StockAdjustResponse struct {
	StockChange StockChange  `json:"stock_change"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

type SessionStartRequest struct {
	Notes string `json:"notes"`
}

type SessionEndRequest struct {
	SessionID int64 `json:"session_id"`
}

type SessionResponse struct {
	Session Session `json:"session"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

// ScanLog is the operator activity trail written alongside scans and sales.
type ScanLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ProductStatusActive   = "active"
	ProductStatusInactive = "inactive"
)

const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

const (
	TxTypeSale       = "sale"
	TxTypeRefund     = "refund"
	TxTypeAdjustment = "adjustment"
)

const (
	StockModeAdd      = "add"
	StockModeSubtract = "subtract"
	StockModeSet      = "set"
)

const (
	ScanStatusInvalidFormat   = "invalid_format"
	ScanStatusNoActiveSession = "no_active_session"
	ScanStatusNotFound        = "not_found"
	ScanStatusOutOfStock      = "out_of_stock"
	ScanStatusResolved        = "resolved"
	ScanStatusDuplicate       = "duplicate"
)

const (
	SaleStatusCompleted       = "completed"
	SaleStatusNoActiveSession = "no_active_session"
	SaleStatusNotFound        = "not_found"
	SaleStatusOutOfStock      = "out_of_stock"
	SaleStatusInvalidFormat   = "invalid_format"
	SaleStatusDuplicate       = "duplicate"
)

const (
	PeriodHour  = "hour"
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

const (
	PaymentMethodCash = "cash"
	PaymentMethodCard = "card"
)

const DefaultStockMinQuantity = 10
