package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/mirror"
	"pharmapos/backend/internal/pricing"
	"pharmapos/backend/internal/service"
	"pharmapos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, mirror.NoopCartMirror{}, pricing.NewRates(4100), "test-terminal")
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func loginToken(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func csrfToken(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch failed: %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return body["csrf_token"]
}

// doJSON sends a request with bearer token and CSRF header set, returning the recorder.
func doJSON(t *testing.T, handler http.Handler, method, target, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	// The loginLimiter allows 5 attempts per minute.
	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "badpass",
	})

	var lastCode int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		lastCode = rec.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after 6 attempts, got %d", lastCode)
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

func TestHandleProductBarcodeLookup(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "pharmacist", "pharma123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products/barcode/8850123400017", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/barcode/0000000000000", token, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown barcode, got %d", rec.Code)
	}
}

func TestHandleRetailBatches_RequiresCSRF(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "pharmacist", "pharma123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/retail-batches", token, "", map[string]any{
		"wholesale_stock_id":   "ws-para-01",
		"quantity_boxes":       1,
		"price_per_tablet_khr": "200",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleRetailBatches_Transfer(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "pharmacist", "pharma123")
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/retail-batches", token, csrf, map[string]any{
		"wholesale_stock_id":   "ws-para-01",
		"quantity_boxes":       2,
		"price_per_tablet_khr": "200",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// More boxes than the wholesale pool holds conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/retail-batches", token, csrf, map[string]any{
		"wholesale_stock_id":   "ws-para-01",
		"quantity_boxes":       1000,
		"price_per_tablet_khr": "200",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversized transfer, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleSales_CashAndReplay(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "pharmacist", "pharma123")
	csrf := csrfToken(t, handler)

	payload := map[string]any{
		"request_id":     "req-http-1",
		"payment_method": "cash",
		"tendered_usd":   "10",
		"lines": []map[string]any{
			{
				"kind":         "product",
				"reference_id": "prod-para-500",
				"name":         "Paracetamol 500mg",
				"quantity":     2,
				"unit_price":   "3.00",
				"currency":     "USD",
			},
		},
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var first domain.SaleSubmitResponse
	if err := json.NewDecoder(rec.Body).Decode(&first); err != nil {
		t.Fatalf("decode sale response: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("fresh sale flagged duplicate")
	}

	// Same request id replays the stored sale with 200.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var second domain.SaleSubmitResponse
	if err := json.NewDecoder(rec.Body).Decode(&second); err != nil {
		t.Fatalf("decode replay response: %v", err)
	}
	if !second.Duplicate || second.Sale.ID != first.Sale.ID {
		t.Fatalf("expected duplicate replay of %s, got duplicate=%v id=%s",
			first.Sale.ID, second.Duplicate, second.Sale.ID)
	}
}

func TestHandleSales_TenderErrors(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "pharmacist", "pharma123")
	csrf := csrfToken(t, handler)

	lines := []map[string]any{
		{
			"kind":         "product",
			"reference_id": "prod-para-500",
			"name":         "Paracetamol 500mg",
			"quantity":     2,
			"unit_price":   "3.00",
			"currency":     "USD",
		},
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
		"request_id":     "req-http-under",
		"payment_method": "cash",
		"tendered_usd":   "5",
		"lines":          lines,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for underpayment, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
		"request_id":     "req-http-card",
		"payment_method": "card",
		"card_number":    "1234-5678-9012-345",
		"lines":          lines,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for short card number, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleAuditLogs_AdminOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	pharmacist := loginToken(t, handler, "pharmacist", "pharma123")
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", pharmacist, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for pharmacist, got %d", rec.Code)
	}

	admin := loginToken(t, handler, "admin", "admin123")
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", admin, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandlePharmacists_CreateAndLogin(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginToken(t, handler, "admin", "admin123")
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users/pharmacists", admin, csrf, map[string]string{
		"username": "sokha",
		"password": "sokha-secret",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// The new account can log in right away.
	token := loginToken(t, handler, "sokha", "sokha-secret")
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected new pharmacist to list products, got %d", rec.Code)
	}

	// A pharmacist cannot manage accounts.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users/pharmacists", token, csrf, map[string]string{
		"username": "other",
		"password": "other-secret",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for pharmacist creating users, got %d", rec.Code)
	}
}

func TestHandleCartTotals(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "pharmacist", "pharma123")
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/cart/totals", token, csrf, map[string]any{
		"lines": []map[string]any{
			{
				"kind":         "product",
				"reference_id": "prod-para-500",
				"name":         "Paracetamol 500mg",
				"quantity":     2,
				"unit_price":   "3.00",
				"currency":     "USD",
			},
			{
				"kind":         "package",
				"reference_id": "pkg-flu",
				"name":         "Flu Combo",
				"quantity":     1,
				"unit_price":   "12300",
				"currency":     "KHR",
			},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Totals struct {
			TotalUSD decimal.Decimal `json:"total_usd"`
			TotalKHR decimal.Decimal `json:"total_khr"`
		} `json:"totals"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Totals.TotalUSD.Equal(decimal.NewFromInt(9)) || !body.Totals.TotalKHR.Equal(decimal.NewFromInt(36900)) {
		t.Fatalf("expected totals 9 USD / 36900 KHR, got %s / %s",
			body.Totals.TotalUSD, body.Totals.TotalKHR)
	}
}

func TestCSRFTokenValidationWindow(t *testing.T) {
	api := newTestAPI(t)

	current := api.generateCSRFToken()
	if !api.validateCSRFToken(current) {
		t.Fatalf("current-hour token rejected")
	}
	previous := api.csrfTokenForHour(time.Now().UTC().Add(-time.Hour).Truncate(time.Hour).Unix())
	if !api.validateCSRFToken(previous) {
		t.Fatalf("previous-hour token rejected")
	}
	stale := api.csrfTokenForHour(time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Hour).Unix())
	if api.validateCSRFToken(stale) {
		t.Fatalf("stale token accepted")
	}
	if api.validateCSRFToken("") {
		t.Fatalf("empty token accepted")
	}
}
