package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"snackpos/backend/internal/cache"
	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/ledger"
	"snackpos/backend/internal/notify"
	"snackpos/backend/internal/service"
	"snackpos/backend/internal/session"
	"snackpos/backend/internal/stock"
	"snackpos/backend/internal/store/memory"
)

// newTestAPI builds a full API over the seeded in-memory store so handler
// tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	sessions := session.NewManager(repo, 24*time.Hour)
	stockLedger := stock.NewLedger(repo, notify.Noop{})
	txLedger := ledger.New(repo, stockLedger, sessions)
	svc := service.New(repo, sessions, txLedger, stockLedger, cache.NewMemoryScanGuard(2*time.Second), service.Options{})
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func login(t *testing.T, api *API, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d", username, res.Code)
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	return payload.AccessToken
}

func loginAsAdmin(t *testing.T, api *API) string {
	return login(t, api, "admin", "admin123")
}

func loginAsOperator(t *testing.T, api *API) string {
	return login(t, api, "operator", "operator123")
}

func call(t *testing.T, api *API, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (status %d)", err, res.Code)
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	res := call(t, api, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decode[map[string]any](t, res)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLoginWrongPassword(t *testing.T) {
	api := newTestAPI(t)

	res := call(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "nope"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestScanRequiresToken(t *testing.T) {
	api := newTestAPI(t)

	res := call(t, api, http.MethodPost, "/api/v1/scan", "", domain.ScanRequest{Code: "5449000000996"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestScanWithoutSessionReportsStatus(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsOperator(t, api)

	res := call(t, api, http.MethodPost, "/api/v1/scan", token, domain.ScanRequest{Code: "5449000000996"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	result := decode[domain.ScanResult](t, res)
	if result.Status != domain.ScanStatusNoActiveSession {
		t.Fatalf("expected no_active_session, got %s", result.Status)
	}

	res = call(t, api, http.MethodGet, "/api/v1/sessions/active", token, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an active session, got %d", res.Code)
	}
}

func TestScanToSaleToRefundFlow(t *testing.T) {
	api := newTestAPI(t)
	operator := loginAsOperator(t, api)
	admin := loginAsAdmin(t, api)

	res := call(t, api, http.MethodPost, "/api/v1/sessions/start", operator, domain.SessionStartRequest{Notes: "morning"})
	if res.Code != http.StatusCreated {
		t.Fatalf("start session: expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	started := decode[domain.SessionResponse](t, res)

	res = call(t, api, http.MethodPost, "/api/v1/sessions/start", operator, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", res.Code)
	}

	res = call(t, api, http.MethodPost, "/api/v1/scan", operator, domain.ScanRequest{Code: " 5449000000996 "})
	scan := decode[domain.ScanResult](t, res)
	if scan.Status != domain.ScanStatusResolved || scan.Product == nil {
		t.Fatalf("expected resolved scan, got %+v", scan)
	}

	sale := domain.SaleRequest{ProductID: scan.Product.ID, Quantity: 2, PaymentMethod: "card"}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(mustJSON(t, sale)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+operator)
	req.Header.Set("Idempotency-Key", "till-1-0001")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	sold := decode[domain.SaleResult](t, rec)
	if sold.Transaction == nil || sold.Transaction.IdempotencyKey != "till-1-0001" {
		t.Fatalf("expected idempotency key from header, got %+v", sold.Transaction)
	}
	if sold.Session == nil || !sold.Session.TotalRevenue.Equal(scan.Product.Price.Mul(decimal.NewFromInt(2))) {
		t.Fatalf("unexpected session totals %+v", sold.Session)
	}

	sale.IdempotencyKey = "till-1-0001"
	res = call(t, api, http.MethodPost, "/api/v1/sales", operator, sale)
	if res.Code != http.StatusOK {
		t.Fatalf("replayed sale: expected 200, got %d", res.Code)
	}
	if replay := decode[domain.SaleResult](t, res); !replay.Duplicate || replay.Transaction.ID != sold.Transaction.ID {
		t.Fatalf("expected replay of the first sale, got %+v", replay)
	}

	refund := domain.RefundRequest{TransactionID: sold.Transaction.ID, Reason: "dropped"}
	res = call(t, api, http.MethodPost, "/api/v1/refunds", operator, refund)
	if res.Code != http.StatusForbidden {
		t.Fatalf("operator refund: expected 403, got %d", res.Code)
	}
	res = call(t, api, http.MethodPost, "/api/v1/refunds", admin, refund)
	if res.Code != http.StatusCreated {
		t.Fatalf("admin refund: expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	refunded := decode[domain.RefundResponse](t, res)
	if !refunded.Session.TotalRevenue.IsZero() || refunded.Session.TransactionCount != 0 {
		t.Fatalf("expected session back to 0/0, got %s/%d", refunded.Session.TotalRevenue, refunded.Session.TransactionCount)
	}
	res = call(t, api, http.MethodPost, "/api/v1/refunds", admin, refund)
	if res.Code != http.StatusConflict {
		t.Fatalf("second refund: expected 409, got %d", res.Code)
	}

	res = call(t, api, http.MethodGet, fmt.Sprintf("/api/v1/transactions?session_id=%d", started.Session.ID), operator, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", res.Code)
	}
	listed := decode[map[string][]domain.Transaction](t, res)
	if len(listed["transactions"]) != 2 {
		t.Fatalf("expected sale and refund rows, got %d", len(listed["transactions"]))
	}

	res = call(t, api, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%d/stats", started.Session.ID), operator, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("session stats: expected 200, got %d", res.Code)
	}
	if stats := decode[domain.SessionStats](t, res); stats.Refunds != 1 {
		t.Fatalf("expected one refund in stats, got %+v", stats)
	}

	res = call(t, api, http.MethodPost, "/api/v1/sessions/end", operator, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("end session: expected 200, got %d", res.Code)
	}
	if ended := decode[domain.SessionResponse](t, res); ended.Session.Status != domain.SessionStatusClosed {
		t.Fatalf("expected closed session, got %s", ended.Session.Status)
	}
}

func TestQuickSaleSuppressesDoubleRead(t *testing.T) {
	api := newTestAPI(t)
	operator := loginAsOperator(t, api)
	call(t, api, http.MethodPost, "/api/v1/sessions/start", operator, nil)

	body := map[string]string{"code": "4006381333931", "payment_method": "cash"}
	first := call(t, api, http.MethodPost, "/api/v1/sales/quick", operator, body)
	if first.Code != http.StatusCreated {
		t.Fatalf("quick sale: expected 201, got %d (%s)", first.Code, first.Body.String())
	}
	second := call(t, api, http.MethodPost, "/api/v1/sales/quick", operator, body)
	if second.Code != http.StatusOK {
		t.Fatalf("double read: expected 200, got %d", second.Code)
	}
	if dup := decode[domain.SaleResult](t, second); !dup.Duplicate {
		t.Fatalf("expected duplicate flag on double read")
	}

	res := call(t, api, http.MethodGet, "/api/v1/transactions/stats", operator, nil)
	if stats := decode[domain.SalesStats](t, res); stats.TransactionCount != 1 {
		t.Fatalf("expected exactly one sale, got %d", stats.TransactionCount)
	}

	bad := call(t, api, http.MethodPost, "/api/v1/sales/quick", operator, map[string]string{"code": "5449000000997"})
	if bad.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad checksum: expected 422, got %d", bad.Code)
	}
	if result := decode[domain.SaleResult](t, bad); result.Status != domain.SaleStatusInvalidFormat {
		t.Fatalf("expected invalid_format, got %s", result.Status)
	}
}

func TestSaleQuantityDefaultsOnlyWhenOmitted(t *testing.T) {
	api := newTestAPI(t)
	operator := loginAsOperator(t, api)
	call(t, api, http.MethodPost, "/api/v1/sessions/start", operator, nil)

	res := call(t, api, http.MethodPost, "/api/v1/sales", operator, map[string]any{"product_id": 1})
	if res.Code != http.StatusCreated {
		t.Fatalf("omitted quantity: expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	if sold := decode[domain.SaleResult](t, res); sold.Transaction == nil || sold.Transaction.Quantity != 1 {
		t.Fatalf("expected a one unit sale, got %+v", sold.Transaction)
	}

	res = call(t, api, http.MethodPost, "/api/v1/sales", operator, map[string]any{"product_id": 1, "quantity": 0})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("zero quantity: expected 400, got %d (%s)", res.Code, res.Body.String())
	}

	res = call(t, api, http.MethodGet, "/api/v1/transactions/stats", operator, nil)
	if stats := decode[domain.SalesStats](t, res); stats.TransactionCount != 1 {
		t.Fatalf("expected the rejected sale to leave no row, got %d", stats.TransactionCount)
	}
}

func TestAdminOnlyRoutes(t *testing.T) {
	api := newTestAPI(t)
	operator := loginAsOperator(t, api)
	admin := loginAsAdmin(t, api)

	adjust := domain.StockAdjustRequest{ProductID: 1, Delta: 5, Mode: "add"}
	if res := call(t, api, http.MethodPost, "/api/v1/stock/adjust", operator, adjust); res.Code != http.StatusForbidden {
		t.Fatalf("operator adjust: expected 403, got %d", res.Code)
	}
	if res := call(t, api, http.MethodPost, "/api/v1/stock/adjust", admin, adjust); res.Code != http.StatusConflict {
		t.Fatalf("adjust without session: expected 409, got %d", res.Code)
	}
	call(t, api, http.MethodPost, "/api/v1/sessions/start", admin, nil)
	res := call(t, api, http.MethodPost, "/api/v1/stock/adjust", admin, adjust)
	if res.Code != http.StatusOK {
		t.Fatalf("admin adjust: expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	if resp := decode[domain.StockAdjustResponse](t, res); resp.StockChange.Current != resp.StockChange.Previous+5 {
		t.Fatalf("unexpected stock change %+v", resp.StockChange)
	}

	if res := call(t, api, http.MethodPost, "/api/v1/stock/adjust", admin, domain.StockAdjustRequest{ProductID: 1, Delta: 1, Mode: "multiply"}); res.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: expected 400, got %d", res.Code)
	}
	if res := call(t, api, http.MethodDelete, "/api/v1/transactions/999", operator, nil); res.Code != http.StatusForbidden {
		t.Fatalf("operator delete: expected 403, got %d", res.Code)
	}
	if res := call(t, api, http.MethodDelete, "/api/v1/transactions/999", admin, nil); res.Code != http.StatusNotFound {
		t.Fatalf("missing delete: expected 404, got %d", res.Code)
	}
	if res := call(t, api, http.MethodGet, "/api/v1/scan-logs", admin, nil); res.Code != http.StatusOK {
		t.Fatalf("scan logs: expected 200, got %d", res.Code)
	}
}

func TestDeleteTransactionRecomputesSession(t *testing.T) {
	api := newTestAPI(t)
	operator := loginAsOperator(t, api)
	admin := loginAsAdmin(t, api)
	call(t, api, http.MethodPost, "/api/v1/sessions/start", operator, nil)

	res := call(t, api, http.MethodPost, "/api/v1/sales", operator, domain.SaleRequest{ProductID: 1, Quantity: 1})
	sold := decode[domain.SaleResult](t, res)

	res = call(t, api, http.MethodDelete, fmt.Sprintf("/api/v1/transactions/%d", sold.Transaction.ID), admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	res = call(t, api, http.MethodGet, fmt.Sprintf("/api/v1/transactions/%d", sold.Transaction.ID), operator, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected deleted transaction to be gone, got %d", res.Code)
	}
	res = call(t, api, http.MethodGet, "/api/v1/sessions/active", operator, nil)
	if active := decode[domain.SessionResponse](t, res); active.Session.TransactionCount != 0 {
		t.Fatalf("expected recomputed count 0, got %d", active.Session.TransactionCount)
	}
}

func TestRevenueAndPaymentMethodReports(t *testing.T) {
	api := newTestAPI(t)
	operator := loginAsOperator(t, api)
	call(t, api, http.MethodPost, "/api/v1/sessions/start", operator, nil)
	call(t, api, http.MethodPost, "/api/v1/sales", operator, domain.SaleRequest{ProductID: 1, Quantity: 1, PaymentMethod: "cash"})
	call(t, api, http.MethodPost, "/api/v1/sales", operator, domain.SaleRequest{ProductID: 2, Quantity: 1, PaymentMethod: "card"})

	res := call(t, api, http.MethodGet, "/api/v1/transactions/revenue?period=day", operator, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("revenue: expected 200, got %d", res.Code)
	}
	res = call(t, api, http.MethodGet, "/api/v1/transactions/revenue?period=fortnight", operator, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("bad period: expected 400, got %d", res.Code)
	}

	res = call(t, api, http.MethodGet, "/api/v1/transactions/payment-methods", operator, nil)
	methods := decode[map[string][]domain.PaymentMethodStat](t, res)
	if len(methods["payment_methods"]) != 2 {
		t.Fatalf("expected two payment methods, got %+v", methods)
	}

	res = call(t, api, http.MethodGet, "/api/v1/transactions?from=2024-13-01", operator, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("bad date: expected 400, got %d", res.Code)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}
