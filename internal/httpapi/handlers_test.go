package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/service"
	"posadmin/backend/internal/store"
	"posadmin/backend/internal/store/memory"
)

// newTestAPI builds a full API over the seeded in-memory substrate with one
// account per role, so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	kv, err := memory.NewSeeded(0)
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	db := store.Open(kv, store.Options{})
	svc := service.New(service.Deps{DB: db, Retention: domain.RetentionPolicy{Daily: 7, Weekly: 4, Monthly: 6}})
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, NewDBUserStore(db))
	err = auth.Seed(context.Background(), []domain.UserAccount{
		{Username: "admin", Password: mustHashPassword(t, "admin123"), Role: domain.RoleAdmin},
		{Username: "manager", Password: mustHashPassword(t, "manager123"), Role: domain.RoleManager},
		{Username: "staff", Password: mustHashPassword(t, "staff123"), Role: domain.RoleStaff},
	})
	if err != nil {
		t.Fatalf("seed users: %v", err)
	}

	return New(svc, auth, "*", nil)
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

// tokenFor signs a token directly so tests do not spend login attempts.
func tokenFor(t *testing.T, api *API, role string) string {
	t.Helper()
	token, err := api.auth.sign(role, role, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, api *API, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (status %d)", err, rec.Code)
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "admin123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[domain.LoginResponse](t, rec)
	if resp.AccessToken == "" {
		t.Fatalf("expected access token")
	}
	if resp.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %q", resp.Role)
	}
	if !slices.Contains(resp.Permissions, string(service.PermManageBackups)) {
		t.Fatalf("expected admin permissions to include manage_backups, got %v", resp.Permissions)
	}

	products := doRequest(t, api, http.MethodGet, "/api/v1/products", resp.AccessToken, nil)
	if products.Code != http.StatusOK {
		t.Fatalf("expected issued token to work, got %d", products.Code)
	}
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "staff", Password: "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProductsRequireToken(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestCreateProductPermissionsAndValidation(t *testing.T) {
	api := newTestAPI(t)
	payload := map[string]any{"name": "Drip Kettle", "sku": "KET-001", "price": 39, "current_stock": 4}

	rec := doRequest(t, api, http.MethodPost, "/api/v1/products", tokenFor(t, api, domain.RoleStaff), payload)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}

	admin := tokenFor(t, api, domain.RoleAdmin)
	rec = doRequest(t, api, http.MethodPost, "/api/v1/products", admin, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[map[string]domain.Product](t, rec)["product"]
	if created.ID == "" || created.Category != domain.DefaultCategory {
		t.Fatalf("unexpected product %+v", created)
	}

	payload["sku"] = "ket-001"
	rec = doRequest(t, api, http.MethodPost, "/api/v1/products", admin, payload)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for duplicate sku, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodPost, "/api/v1/products", admin, map[string]any{"sku": "X-1", "price": -1})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid payload, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	problems, _ := body["problems"].([]any)
	if len(problems) != 2 {
		t.Fatalf("expected two problems, got %v", body["problems"])
	}
}

func TestProductSearchAndUnknownID(t *testing.T) {
	api := newTestAPI(t)
	staff := tokenFor(t, api, domain.RoleStaff)

	rec := doRequest(t, api, http.MethodGet, "/api/v1/products?q=mug", staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	products := decodeBody[map[string][]domain.Product](t, rec)["products"]
	if len(products) != 1 || products[0].ID != "prd-mug" {
		t.Fatalf("expected only the mug, got %+v", products)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/products/prd-missing", staff, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSaleFlowUpdatesCustomerRecord(t *testing.T) {
	api := newTestAPI(t)
	staff := tokenFor(t, api, domain.RoleStaff)

	rec := doRequest(t, api, http.MethodPost, "/api/v1/sales", staff, map[string]any{
		"customer_id": "cus-ana",
		"products":    []map[string]any{{"id": "prd-mug", "quantity": 2, "price": 8}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	sale := decodeBody[map[string]domain.Sale](t, rec)["sale"]
	if !strings.HasPrefix(sale.InvoiceNumber, "INV-") || sale.Total != 16 {
		t.Fatalf("unexpected sale %+v", sale)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/customers/cus-ana/sales", staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	record := decodeBody[domain.CustomerSalesRecord](t, rec)
	if record.TotalPurchases != 1 || record.TotalSpent != 16 {
		t.Fatalf("unexpected customer record %+v", record)
	}

	report := "/api/v1/customers/cus-ana/sales/report?start=2000-01-01&end=2100-12-31"
	if rec := doRequest(t, api, http.MethodGet, report, staff, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff report, got %d", rec.Code)
	}
	rec = doRequest(t, api, http.MethodGet, report, tokenFor(t, api, domain.RoleManager), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for manager report, got %d (%s)", rec.Code, rec.Body.String())
	}
	if got := decodeBody[domain.CustomerSalesRecord](t, rec); len(got.Sales) != 1 {
		t.Fatalf("expected one sale in report, got %+v", got)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/customers/cus-ana/sales/report?start=2100-01-01&end=2000-01-01", tokenFor(t, api, domain.RoleManager), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for inverted range, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodDelete, "/api/v1/products/prd-mug", tokenFor(t, api, domain.RoleAdmin), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for referenced product, got %d", rec.Code)
	}
}

func TestSaleWithInsufficientStockRejected(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/api/v1/sales", tokenFor(t, api, domain.RoleStaff), map[string]any{
		"products": []map[string]any{{"id": "prd-mug", "quantity": 26, "price": 8}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestDeleteWalkInCustomerConflicts(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodDelete, "/api/v1/customers/"+domain.WalkInCustomerID, tokenFor(t, api, domain.RoleAdmin), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestSettingsRequireManageSettings(t *testing.T) {
	api := newTestAPI(t)
	update := map[string]any{"invoice_prefix": "pos"}

	if rec := doRequest(t, api, http.MethodPatch, "/api/v1/settings", tokenFor(t, api, domain.RoleManager), update); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for manager, got %d", rec.Code)
	}
	rec := doRequest(t, api, http.MethodPatch, "/api/v1/settings", tokenFor(t, api, domain.RoleAdmin), update)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if got := decodeBody[map[string]domain.Settings](t, rec)["settings"]; got.InvoicePrefix != "POS" {
		t.Fatalf("expected uppercased prefix, got %q", got.InvoicePrefix)
	}
}

func TestBackupExportRestoreAndVerify(t *testing.T) {
	api := newTestAPI(t)
	admin := tokenFor(t, api, domain.RoleAdmin)

	if rec := doRequest(t, api, http.MethodGet, "/api/v1/backups", tokenFor(t, api, domain.RoleStaff), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}

	rec := doRequest(t, api, http.MethodGet, "/api/v1/backups/export", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "backup_") {
		t.Fatalf("expected attachment name, got %q", cd)
	}
	file := rec.Body.Bytes()
	var parsed domain.BackupFile
	if err := json.Unmarshal(file, &parsed); err != nil {
		t.Fatalf("decode export: %v", err)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/backups/"+parsed.Metadata.ID+"/verify", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from verify, got %d", rec.Code)
	}
	if got := decodeBody[map[string]any](t, rec); got["valid"] != true {
		t.Fatalf("expected valid backup, got %v", got)
	}

	rec = doRequest(t, api, http.MethodPost, "/api/v1/backups/restore", admin, file)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from restore, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, api, http.MethodPost, "/api/v1/backups/restore", admin, []byte(`{"metadata":{}}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed backup, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/backups/does-not-exist", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown backup, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/backups/restores", tokenFor(t, api, domain.RoleManager), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected manager to read restore history, got %d", rec.Code)
	}
	if got := decodeBody[map[string][]domain.RestoreRecord](t, rec)["restores"]; len(got) != 1 {
		t.Fatalf("expected one restore record, got %d", len(got))
	}
}

func TestAutoBackupSettingsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	admin := tokenFor(t, api, domain.RoleAdmin)

	rec := doRequest(t, api, http.MethodPatch, "/api/v1/backups/auto", admin, map[string]any{"frequency": "hourly"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown frequency, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodPatch, "/api/v1/backups/auto", admin, map[string]any{"enabled": true, "frequency": "weekly"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	settings := decodeBody[map[string]domain.AutoBackupSettings](t, rec)["settings"]
	if !settings.Enabled || settings.Frequency != domain.FrequencyWeekly || settings.NextScheduledBackup == nil {
		t.Fatalf("unexpected settings %+v", settings)
	}
}

func TestBackupLocationsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	admin := tokenFor(t, api, domain.RoleAdmin)

	rec := doRequest(t, api, http.MethodPost, "/api/v1/backups/locations", admin, map[string]any{"name": "Tape", "type": "tape"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid location, got %d", rec.Code)
	}

	for _, path := range []string{"../outside", "usb/../../outside", "/etc/posadmin"} {
		rec = doRequest(t, api, http.MethodPost, "/api/v1/backups/locations", admin, map[string]any{"name": "USB", "type": "external", "path": path})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for external path %q, got %d", path, rec.Code)
		}
	}

	rec = doRequest(t, api, http.MethodPost, "/api/v1/backups/locations", admin, map[string]any{"name": "USB", "type": "external", "path": "usb"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	loc := decodeBody[map[string]domain.BackupLocation](t, rec)["location"]

	rec = doRequest(t, api, http.MethodGet, "/api/v1/backups/locations", admin, nil)
	if got := decodeBody[map[string][]domain.BackupLocation](t, rec)["locations"]; len(got) != 2 {
		t.Fatalf("expected default and new location, got %+v", got)
	}

	if rec := doRequest(t, api, http.MethodDelete, "/api/v1/backups/locations/"+loc.ID, admin, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := doRequest(t, api, http.MethodDelete, "/api/v1/backups/locations/"+loc.ID, admin, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestUserManagement(t *testing.T) {
	api := newTestAPI(t)

	if rec := doRequest(t, api, http.MethodGet, "/api/v1/users", tokenFor(t, api, domain.RoleStaff), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}

	manager := tokenFor(t, api, domain.RoleManager)
	rec := doRequest(t, api, http.MethodGet, "/api/v1/users", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for manager, got %d", rec.Code)
	}
	if users := decodeBody[map[string][]UserView](t, rec)["users"]; len(users) != 3 {
		t.Fatalf("expected three seeded users, got %+v", users)
	}

	newUser := UserCreateRequest{Username: "cashier2", Password: "secret99", Role: domain.RoleStaff}
	if rec := doRequest(t, api, http.MethodPost, "/api/v1/users", manager, newUser); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for manager create, got %d", rec.Code)
	}

	admin := tokenFor(t, api, domain.RoleAdmin)
	if rec := doRequest(t, api, http.MethodPost, "/api/v1/users", admin, newUser); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, api, http.MethodPost, "/api/v1/users", admin, newUser); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate user, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "cashier2", Password: "secret99"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected new user to log in, got %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)
	manager := tokenFor(t, api, domain.RoleManager)

	for _, path := range []string{"/api/v1/health/system", "/api/v1/health/validate", "/api/v1/health/validate?full=true", "/api/v1/health/relations"} {
		if rec := doRequest(t, api, http.MethodGet, path, manager, nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d (%s)", path, rec.Code, rec.Body.String())
		}
	}
	if rec := doRequest(t, api, http.MethodGet, "/api/v1/health/system", tokenFor(t, api, domain.RoleStaff), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}
}
