package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/store"
	"snackpos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

// queryer is the part of *sql.DB and *sql.Tx the row helpers need.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken with
// SELECT ... FOR UPDATE serialize writers on the same product or session.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

const productColumns = `id, barcode, name, category, price, stock_quantity, stock_min_quantity, status, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var (
		p       domain.Product
		barcode sql.NullString
	)
	err := row.Scan(&p.ID, &barcode, &p.Name, &p.Category, &p.Price, &p.StockQuantity, &p.StockMinQuantity, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.Barcode = barcode.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func getProduct(ctx context.Context, q queryer, id int64, forUpdate bool) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanProduct(q.QueryRowContext(ctx, query, id))
}

func (s *Store) GetProductByID(ctx context.Context, id int64) (*domain.Product, error) {
	return getProduct(ctx, s.db, id, false)
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, store.ErrNotFound
	}
	return scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE barcode = $1`, barcode))
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
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

	created, err := scanProduct(s.db.QueryRowContext(ctx, `
		INSERT INTO products (barcode, name, category, price, stock_quantity, stock_min_quantity, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		RETURNING `+productColumns,
		nullIfEmpty(product.Barcode), product.Name, product.Category, product.Price, product.StockQuantity, product.StockMinQuantity, product.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) SetProductStatus(ctx context.Context, id int64, status string) error {
	if status != domain.ProductStatusActive && status != domain.ProductStatusInactive {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.ExecContext(ctx, `UPDATE products SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

const sessionColumns = `id, token, opened_by, start_time, end_time, status, total_revenue, transaction_count, notes`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var (
		session domain.Session
		endTime sql.NullTime
	)
	err := row.Scan(&session.ID, &session.Token, &session.OpenedBy, &session.StartTime, &endTime, &session.Status, &session.TotalRevenue, &session.TransactionCount, &session.Notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.StartTime = session.StartTime.UTC()
	if endTime.Valid {
		end := endTime.Time.UTC()
		session.EndTime = &end
	}
	return &session, nil
}

func getActiveSession(ctx context.Context, q queryer) (*domain.Session, error) {
	return scanSession(q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = 'active'
		ORDER BY id DESC
		LIMIT 1
	`))
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error) {
	if session.Token == "" {
		session.Token = xid.Token()
	}
	if session.StartTime.IsZero() {
		session.StartTime = time.Now().UTC()
	}

	created, err := scanSession(s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (token, opened_by, start_time, status, total_revenue, transaction_count, notes)
		VALUES ($1,$2,$3,'active',0,0,$4)
		RETURNING `+sessionColumns,
		session.Token, session.OpenedBy, session.StartTime, session.Notes))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrSessionActive
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *Store) GetActiveSession(ctx context.Context) (*domain.Session, error) {
	return getActiveSession(ctx, s.db)
}

func (s *Store) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, error) {
	var w where
	if filter.Status != "" {
		w.add("status = ?", filter.Status)
	}
	if filter.OpenedBy != "" {
		w.add("opened_by = ?", filter.OpenedBy)
	}
	if filter.From != nil {
		w.add("start_time >= ?", *filter.From)
	}
	if filter.To != nil {
		w.add("start_time < ?", *filter.To)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions` + w.sql() + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += w.limit(filter.Limit)
	}
	return s.querySessions(ctx, query, w.args...)
}

func (s *Store) ListActiveSessionsStartedBefore(ctx context.Context, before time.Time) ([]domain.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = 'active' AND start_time < $1
		ORDER BY id ASC
	`, before)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0, 16)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

const transactionColumns = `id, session_id, product_id, product_name, product_barcode, type, quantity, unit_price, amount, payment_method, notes, refund_of, idempotency_key, created_by, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*domain.Transaction, error) {
	var (
		t        domain.Transaction
		refundOf sql.NullInt64
		idemKey  sql.NullString
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.ProductID, &t.ProductName, &t.ProductBarcode, &t.Type, &t.Quantity, &t.UnitPrice, &t.Amount, &t.PaymentMethod, &t.Notes, &refundOf, &idemKey, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if refundOf.Valid {
		id := refundOf.Int64
		t.RefundOf = &id
	}
	t.IdempotencyKey = idemKey.String
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func getTransaction(ctx context.Context, q queryer, id int64) (*domain.Transaction, error) {
	return scanTransaction(q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func findTransactionByIdempotency(ctx context.Context, q queryer, key string) (*domain.Transaction, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return scanTransaction(q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return findTransactionByIdempotency(ctx, s.db, key)
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	var w where
	if filter.SessionID > 0 {
		w.add("session_id = ?", filter.SessionID)
	}
	if filter.ProductID > 0 {
		w.add("product_id = ?", filter.ProductID)
	}
	if filter.Type != "" {
		w.add("type = ?", filter.Type)
	}
	if filter.From != nil {
		w.add("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		w.add("created_at < ?", *filter.To)
	}

	order := " ORDER BY id DESC"
	if filter.Ascending {
		order = " ORDER BY id ASC"
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.sql() + order
	if filter.Limit > 0 {
		query += w.limit(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateScanLog(ctx context.Context, entry domain.ScanLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("scanlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListScanLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.ScanLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM scan_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.ScanLog, 0, limit)
	for rows.Next() {
		var entry domain.ScanLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "operator"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// where collects AND-ed conditions written with ? placeholders and numbers
// them for Postgres.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) limit(n int) string {
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapError turns serialization failures and deadlocks into store.ErrConflict
// so callers can retry the unit.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
