package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T, opts ...Option) *API {
	t.Helper()
	return newTestAPIWithPIN(t, "", opts...)
}

func newTestAPIWithPIN(t *testing.T, managerPIN string, opts ...Option) *API {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier123")

	repo := memory.NewSeeded()
	svc := service.New(repo)
	auth := NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, managerPIN, repo, nil)
	return New(svc, auth, "*", opts...)
}

type apiClient struct {
	t     *testing.T
	api   *API
	token string
	csrf  string
}

func newClient(t *testing.T, api *API, username, password string) *apiClient {
	t.Helper()
	return &apiClient{
		t:     t,
		api:   api,
		token: login(t, api, username, password),
		csrf:  fetchCSRFToken(t, api),
	}
}

func (c *apiClient) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	res := httptest.NewRecorder()
	c.api.Handler().ServeHTTP(res, req)
	return res
}

func (c *apiClient) product(sku string) domain.Product {
	c.t.Helper()
	res := c.do(http.MethodGet, "/api/v1/products?search="+sku, nil)
	if res.Code != http.StatusOK {
		c.t.Fatalf("list products: status %d (body: %s)", res.Code, res.Body.String())
	}
	var payload struct {
		Products []domain.Product `json:"products"`
	}
	decodeBody(c.t, res, &payload)
	for _, p := range payload.Products {
		if p.SKU == sku {
			return p
		}
	}
	c.t.Fatalf("product %s not found", sku)
	return domain.Product{}
}

func (c *apiClient) quantity(productID string) decimal.Decimal {
	c.t.Helper()
	res := c.do(http.MethodGet, "/api/v1/inventory/"+productID+"/quantity", nil)
	if res.Code != http.StatusOK {
		c.t.Fatalf("quantity: status %d (body: %s)", res.Code, res.Body.String())
	}
	var payload struct {
		QtyOnHand decimal.Decimal `json:"qty_on_hand"`
	}
	decodeBody(c.t, res, &payload)
	return payload.QtyOnHand
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func saleBody(productID string, qty int64, cash string) domain.PostSaleRequest {
	return domain.PostSaleRequest{
		Items:        []domain.CartItem{{ProductID: productID, Qty: decimal.NewFromInt(qty)}},
		PaymentType:  "cash",
		CashReceived: decimal.RequireFromString(cash),
	}
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
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	decodeBody(t, rec, &body)
	if body.AccessToken == "" {
		t.Fatalf("expected access_token in response, got %+v", body)
	}
	if body.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %q", body.Role)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_CashierCanBrowse(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")

	res := cashier.do(http.MethodGet, "/api/v1/products", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var body map[string]any
	decodeBody(t, res, &body)
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}

	res = cashier.do(http.MethodPost, "/api/v1/products", domain.ProductCreateRequest{
		SKU:   "NEW-1",
		Name:  "New Thing",
		Price: decimal.RequireFromString("10.00"),
	})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected cashier product create to be 403, got %d", res.Code)
	}
}

func TestProductLifecycle(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	initial := decimal.NewFromInt(4)
	res := admin.do(http.MethodPost, "/api/v1/products", domain.ProductCreateRequest{
		SKU:        "tea-500",
		Barcode:    "0123456789012",
		Name:       "Green Tea",
		Price:      decimal.RequireFromString("55.50"),
		InitialQty: &initial,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("create product: status %d (body: %s)", res.Code, res.Body.String())
	}
	var created struct {
		Product domain.Product `json:"product"`
	}
	decodeBody(t, res, &created)
	if created.Product.SKU != "TEA-500" {
		t.Fatalf("expected normalized sku TEA-500, got %q", created.Product.SKU)
	}

	res = admin.do(http.MethodPost, "/api/v1/products", domain.ProductCreateRequest{
		SKU:   "TEA-500",
		Name:  "Duplicate",
		Price: decimal.RequireFromString("1.00"),
	})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected duplicate sku to be 409, got %d", res.Code)
	}

	res = admin.do(http.MethodGet, "/api/v1/products/by-barcode/0123456789012", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("barcode lookup: status %d (body: %s)", res.Code, res.Body.String())
	}

	newName := "Green Tea 500ml"
	res = admin.do(http.MethodPatch, "/api/v1/products/"+created.Product.ID, domain.ProductUpdateRequest{Name: &newName})
	if res.Code != http.StatusOK {
		t.Fatalf("update product: status %d (body: %s)", res.Code, res.Body.String())
	}

	res = admin.do(http.MethodDelete, "/api/v1/products/"+created.Product.ID, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("delete product: status %d (body: %s)", res.Code, res.Body.String())
	}

	res = admin.do(http.MethodPost, "/api/v1/sales", saleBody(created.Product.ID, 1, "100.00"))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected sale of deleted product to be 400, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = admin.do(http.MethodPost, "/api/v1/products/"+created.Product.ID+"/restore", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("restore product: status %d (body: %s)", res.Code, res.Body.String())
	}
	if got := admin.quantity(created.Product.ID); !got.Equal(initial) {
		t.Fatalf("expected restored product to keep qty %s, got %s", initial, got)
	}
}

func TestSaleAndVoidFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")
	coffee := admin.product("DRK-101")
	before := admin.quantity(coffee.ID)

	res := admin.do(http.MethodPost, "/api/v1/sales", saleBody(coffee.ID, 2, "300.00"))
	if res.Code != http.StatusCreated {
		t.Fatalf("post sale: status %d (body: %s)", res.Code, res.Body.String())
	}
	var posted struct {
		Sale domain.Sale `json:"sale"`
	}
	decodeBody(t, res, &posted)

	wantTotal := coffee.Price.Mul(decimal.NewFromInt(2))
	if !posted.Sale.Total.Equal(wantTotal) {
		t.Fatalf("expected total %s, got %s", wantTotal, posted.Sale.Total)
	}
	if !posted.Sale.Change.Equal(decimal.RequireFromString("300.00").Sub(wantTotal)) {
		t.Fatalf("unexpected change %s", posted.Sale.Change)
	}
	if !strings.HasSuffix(posted.Sale.ReceiptNo, "-0001") {
		t.Fatalf("expected first receipt of the day, got %q", posted.Sale.ReceiptNo)
	}
	if got := admin.quantity(coffee.ID); !got.Equal(before.Sub(decimal.NewFromInt(2))) {
		t.Fatalf("expected qty %s after sale, got %s", before.Sub(decimal.NewFromInt(2)), got)
	}

	res = admin.do(http.MethodGet, "/api/v1/sales/"+posted.Sale.ID, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get sale: status %d", res.Code)
	}

	res = admin.do(http.MethodPost, "/api/v1/sales/"+posted.Sale.ID+"/void", map[string]string{"reason": "customer changed mind"})
	if res.Code != http.StatusOK {
		t.Fatalf("void sale: status %d (body: %s)", res.Code, res.Body.String())
	}
	var voided struct {
		Sale domain.Sale `json:"sale"`
	}
	decodeBody(t, res, &voided)
	if voided.Sale.Status != domain.SaleStatusVoided {
		t.Fatalf("expected voided status, got %q", voided.Sale.Status)
	}
	if got := admin.quantity(coffee.ID); !got.Equal(before) {
		t.Fatalf("expected qty restored to %s, got %s", before, got)
	}

	res = admin.do(http.MethodPost, "/api/v1/sales/"+posted.Sale.ID+"/void", map[string]string{"reason": "again"})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected second void to be 409, got %d", res.Code)
	}

	res = admin.do(http.MethodGet, "/api/v1/stock-movements?product_id="+coffee.ID, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("list movements: status %d", res.Code)
	}
	var page domain.MovementPage
	decodeBody(t, res, &page)
	if len(page.Data) < 3 {
		t.Fatalf("expected opening, sale and void movements, got %d", len(page.Data))
	}
	if page.Data[0].Type != domain.MovementVoid || page.Data[1].Type != domain.MovementSale {
		t.Fatalf("expected newest first void then sale, got %s then %s", page.Data[0].Type, page.Data[1].Type)
	}
}

func TestPostSaleInsufficientStockReturns422(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")
	coffee := admin.product("DRK-101")
	onHand := admin.quantity(coffee.ID)

	res := admin.do(http.MethodPost, "/api/v1/sales", saleBody(coffee.ID, onHand.IntPart()+1, "99999.00"))
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", res.Code, res.Body.String())
	}
	var body map[string]any
	decodeBody(t, res, &body)
	if body["product_id"] != coffee.ID {
		t.Fatalf("expected shortfall to name %s, got %v", coffee.ID, body["product_id"])
	}
	if got := admin.quantity(coffee.ID); !got.Equal(onHand) {
		t.Fatalf("rejected sale must not move stock, got %s want %s", got, onHand)
	}
}

func TestPostSaleInsufficientPaymentReturns422(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")
	coffee := admin.product("DRK-101")

	res := admin.do(http.MethodPost, "/api/v1/sales", saleBody(coffee.ID, 1, "0.01"))
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestPostSaleEmptyCartReturns400(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	res := admin.do(http.MethodPost, "/api/v1/sales", domain.PostSaleRequest{CashReceived: decimal.NewFromInt(10)})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestCashierRestrictions(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")
	cashier := newClient(t, api, "cashier", "cashier123")
	coffee := admin.product("DRK-101")

	res := admin.do(http.MethodPost, "/api/v1/sales", saleBody(coffee.ID, 1, "500.00"))
	if res.Code != http.StatusCreated {
		t.Fatalf("admin sale: status %d", res.Code)
	}
	var adminSale struct {
		Sale domain.Sale `json:"sale"`
	}
	decodeBody(t, res, &adminSale)

	res = cashier.do(http.MethodPost, "/api/v1/sales", saleBody(coffee.ID, 1, "500.00"))
	if res.Code != http.StatusCreated {
		t.Fatalf("cashier sale: status %d (body: %s)", res.Code, res.Body.String())
	}

	res = cashier.do(http.MethodPost, "/api/v1/sales/"+adminSale.Sale.ID+"/void", map[string]string{"reason": "x"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected cashier void to be 403, got %d", res.Code)
	}

	res = cashier.do(http.MethodGet, "/api/v1/sales/"+adminSale.Sale.ID, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected another user's sale to be hidden, got %d", res.Code)
	}

	res = cashier.do(http.MethodGet, "/api/v1/sales", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("cashier list sales: status %d", res.Code)
	}
	var listed struct {
		Sales []domain.Sale `json:"sales"`
	}
	decodeBody(t, res, &listed)
	if len(listed.Sales) != 1 || listed.Sales[0].CreatedBy != "cashier" {
		t.Fatalf("expected cashier to see only their own sale, got %+v", listed.Sales)
	}

	for _, path := range []string{"/api/v1/inventory/receive", "/api/v1/inventory/adjust"} {
		res = cashier.do(http.MethodPost, path, map[string]any{"product_id": coffee.ID, "qty": "1"})
		if res.Code != http.StatusForbidden {
			t.Fatalf("expected %s to be 403 for cashier, got %d", path, res.Code)
		}
	}
	for _, path := range []string{"/api/v1/reports/summary", "/api/v1/stock-movements", "/api/v1/audit-logs", "/api/v1/users/cashiers"} {
		res = cashier.do(http.MethodGet, path, nil)
		if res.Code != http.StatusForbidden {
			t.Fatalf("expected %s to be 403 for cashier, got %d", path, res.Code)
		}
	}
}

func TestReceiveAndAdjustStock(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")
	mix := admin.product("SNK-211")
	before := admin.quantity(mix.ID)

	res := admin.do(http.MethodPost, "/api/v1/inventory/receive", map[string]any{
		"product_id": mix.ID,
		"qty":        "10",
		"unit_cost":  "44.00",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("receive: status %d (body: %s)", res.Code, res.Body.String())
	}

	res = admin.do(http.MethodPost, "/api/v1/inventory/adjust", map[string]any{
		"product_id": mix.ID,
		"qty":        "-3",
		"reason":     "damaged",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("adjust: status %d (body: %s)", res.Code, res.Body.String())
	}
	var adjusted struct {
		Movement domain.StockMovement `json:"movement"`
	}
	decodeBody(t, res, &adjusted)
	want := before.Add(decimal.NewFromInt(7))
	if !adjusted.Movement.BalanceAfter.Equal(want) {
		t.Fatalf("expected balance_after %s, got %s", want, adjusted.Movement.BalanceAfter)
	}

	res = admin.do(http.MethodPost, "/api/v1/inventory/receive", map[string]any{"product_id": mix.ID, "qty": "0"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected zero receive to be 400, got %d", res.Code)
	}

	res = admin.do(http.MethodGet, "/api/v1/inventory/reconcile", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("reconcile: status %d", res.Code)
	}
	var report struct {
		Consistent bool `json:"consistent"`
	}
	decodeBody(t, res, &report)
	if !report.Consistent {
		t.Fatalf("expected ledger to be consistent")
	}
}

func TestUnknownSaleReturns404(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	res := admin.do(http.MethodGet, "/api/v1/sales/sal-missing", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
	res = admin.do(http.MethodPost, "/api/v1/sales/sal-missing/void", map[string]string{"reason": "x"})
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for void of unknown sale, got %d", res.Code)
	}
}

func TestDailySummaryJSONAndCSV(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")
	coffee := admin.product("DRK-101")

	res := admin.do(http.MethodPost, "/api/v1/sales", saleBody(coffee.ID, 3, "1000.00"))
	if res.Code != http.StatusCreated {
		t.Fatalf("post sale: status %d", res.Code)
	}

	res = admin.do(http.MethodGet, "/api/v1/reports/summary", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("summary: status %d (body: %s)", res.Code, res.Body.String())
	}
	var summary domain.DailySummary
	decodeBody(t, res, &summary)
	if summary.Transactions != 1 {
		t.Fatalf("expected 1 transaction, got %d", summary.Transactions)
	}
	if len(summary.TopItems) == 0 || summary.TopItems[0].ProductID != coffee.ID {
		t.Fatalf("expected %s as top item, got %+v", coffee.ID, summary.TopItems)
	}

	res = admin.do(http.MethodGet, "/api/v1/reports/summary?format=csv", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("summary csv: status %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected text/csv, got %q", ct)
	}
	if !strings.Contains(res.Body.String(), "summary,transactions,1") {
		t.Fatalf("expected transactions row in csv, got %q", res.Body.String())
	}

	res = admin.do(http.MethodGet, "/api/v1/reports/summary?date=2026-13-40", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected bad date to be 400, got %d", res.Code)
	}
}

func TestStockMovementsExport(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	res := admin.do(http.MethodGet, "/api/v1/stock-movements/export?type=receive", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("export: status %d (body: %s)", res.Code, res.Body.String())
	}
	if ct := res.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected text/csv, got %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(res.Body.String()), "\n")
	if !strings.HasPrefix(lines[0], "created_at,product_id") {
		t.Fatalf("unexpected csv header %q", lines[0])
	}
	if len(lines) < 2 {
		t.Fatalf("expected seeded receive movements in export")
	}

	res = admin.do(http.MethodGet, "/api/v1/stock-movements/export?type=teleport", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown movement type to be 400, got %d", res.Code)
	}
}

func TestCashierManagement(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	res := admin.do(http.MethodPost, "/api/v1/users/cashiers", domain.CashierCreateRequest{Username: "night-shift", Password: "pass1234"})
	if res.Code != http.StatusCreated {
		t.Fatalf("create cashier: status %d (body: %s)", res.Code, res.Body.String())
	}
	res = admin.do(http.MethodPost, "/api/v1/users/cashiers", domain.CashierCreateRequest{Username: "night-shift", Password: "pass1234"})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected duplicate cashier to be 409, got %d", res.Code)
	}
	res = admin.do(http.MethodPost, "/api/v1/users/cashiers", domain.CashierCreateRequest{Username: "ab", Password: "pass1234"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected short username to be 400, got %d", res.Code)
	}

	night := newClient(t, api, "night-shift", "pass1234")
	if res := night.do(http.MethodGet, "/api/v1/products", nil); res.Code != http.StatusOK {
		t.Fatalf("new cashier browse: status %d", res.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, WithMetrics(metrics.New(prometheus.NewRegistry())))
	handler := api.Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pos_http_request_duration_seconds") {
		t.Fatalf("expected request histogram in metrics output")
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", rec.Code)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad qty", store.ErrValidation), http.StatusBadRequest},
		{store.ErrForbidden, http.StatusForbidden},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrConflict, http.StatusConflict},
		{store.ErrAlreadyVoided, http.StatusConflict},
		{&store.InsufficientStockError{ProductID: "p1"}, http.StatusUnprocessableEntity},
		{store.ErrInsufficientPayment, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: lock timeout", store.ErrRetryable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRetryableErrorSetsRetryAfter(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()

	api.fail(rec, fmt.Errorf("%w: deadlock detected", store.ErrRetryable))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After 1, got %q", got)
	}
	if strings.Contains(rec.Body.String(), "deadlock") {
		t.Fatalf("expected driver detail to be hidden, got %s", rec.Body.String())
	}
}

func TestInternalErrorHidesDetail(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()

	api.fail(rec, errors.New("pq: relation sales does not exist"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Fatalf("expected generic message, got %s", rec.Body.String())
	}
}
