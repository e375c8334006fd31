package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"posadmin/backend/internal/backup"
	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/service"
	"posadmin/backend/internal/store"
)

const (
	restorePath = "/api/v1/backups/restore"
	// maxRestoreBytes bounds an uploaded backup file.
	maxRestoreBytes = 64 << 20
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           *slog.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           logger.With("component", "httpapi"),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions))
	mux.HandleFunc("/api/v1/customers", a.requireAuth(a.handleCustomers))
	mux.HandleFunc("/api/v1/customers/", a.requireAuth(a.handleCustomerActions))
	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions))
	mux.HandleFunc("/api/v1/totals/recalculate", a.requireAuth(a.handleRecalculate))
	mux.HandleFunc("/api/v1/settings", a.requireAuth(a.handleSettings))
	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, service.PermViewUsers))

	mux.HandleFunc("/api/v1/backups", a.requireAuth(a.handleBackups))
	mux.HandleFunc("/api/v1/backups/", a.requireAuth(a.handleBackupActions))

	mux.HandleFunc("/api/v1/health/system", a.requireAuth(a.handleSystemHealth))
	mux.HandleFunc("/api/v1/health/validate", a.requireAuth(a.handleValidate))
	mux.HandleFunc("/api/v1/health/relations", a.requireAuth(a.handleRelations))

	return a.withMiddleware(mux)
}

// requireAuth resolves the bearer token into an actor. Handlers rely on the
// service for per-operation permissions; perms adds a coarse gate on top.
func (a *API) requireAuth(next http.HandlerFunc, perms ...service.Permission) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		for _, perm := range perms {
			if !service.Can(actor.Role, perm) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		var (
			products []domain.Product
			err      error
		)
		switch {
		case query.Get("low_stock") == "true":
			products, err = a.service.LowStock(r.Context())
		case strings.TrimSpace(query.Get("q")) != "":
			products, err = a.service.SearchProducts(r.Context(), query.Get("q"))
		default:
			products, err = a.service.ListProducts(r.Context())
		}
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.Product
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	id, rest := splitTail(r.URL.Path, "/api/v1/products/")
	if id == "" || rest != "" {
		writeError(w, http.StatusNotFound, errors.New("unknown product path"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodPatch:
		var req domain.ProductUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := a.service.UpdateProduct(r.Context(), id, req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": updated})
	case http.MethodDelete:
		if err := a.service.DeleteProduct(r.Context(), id); err != nil {
			a.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var (
			customers []domain.Customer
			err       error
		)
		if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
			customers, err = a.service.SearchCustomers(r.Context(), q)
		} else {
			customers, err = a.service.ListCustomers(r.Context())
		}
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
	case http.MethodPost:
		var req domain.Customer
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		customer, err := a.service.CreateCustomer(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCustomerActions(w http.ResponseWriter, r *http.Request) {
	id, rest := splitTail(r.URL.Path, "/api/v1/customers/")
	if id == "" {
		writeError(w, http.StatusNotFound, errors.New("unknown customer path"))
		return
	}

	switch rest {
	case "":
	case "sales":
		a.handleCustomerSales(w, r, id)
		return
	case "sales/report":
		a.handleCustomerSalesReport(w, r, id)
		return
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown customer path"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		customer, err := a.service.GetCustomer(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
	case http.MethodPatch:
		var req domain.CustomerUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := a.service.UpdateCustomer(r.Context(), id, req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customer": updated})
	case http.MethodDelete:
		if err := a.service.DeleteCustomer(r.Context(), id); err != nil {
			a.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCustomerSales(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	record, err := a.service.GetCustomerSales(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleCustomerSalesReport accepts start and end as RFC 3339 timestamps or
// plain dates. A plain end date covers the whole day.
func (a *API) handleCustomerSalesReport(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	start, err := parseTime(query.Get("start"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	end, err := parseTime(query.Get("end"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := a.service.GetCustomerSalesReport(r.Context(), id, start, end)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sales, err := a.service.ListSales(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
	case http.MethodPost:
		var req domain.Sale
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sale, err := a.service.AddSale(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	id, rest := splitTail(r.URL.Path, "/api/v1/sales/")
	if id == "" || rest != "" {
		writeError(w, http.StatusNotFound, errors.New("unknown sale path"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		sale, err := a.service.GetSale(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
	case http.MethodDelete:
		if err := a.service.DeleteSale(r.Context(), id); err != nil {
			a.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := a.service.RecalculateAllTotals(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := a.service.GetSettings(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
	case http.MethodPatch:
		var req domain.SettingsUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		settings, err := a.service.UpdateSettings(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers(r.Context())})
	case http.MethodPost:
		actor, _ := service.ActorFromContext(r.Context())
		if !service.Can(actor.Role, service.PermManageUsers) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		var req UserCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := a.auth.CreateUser(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		a.log.Info("user created", "username", user.Username, "role", user.Role, "actor", actor.Username)
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleBackups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		backups, err := a.service.ListStoredBackups(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
	case http.MethodPost:
		meta, err := a.service.ExportBackup(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"backup": meta})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleBackupActions serves the fixed backup sub-resources and falls back
// to /api/v1/backups/{id}[/restore|/verify] for stored backups.
func (a *API) handleBackupActions(w http.ResponseWriter, r *http.Request) {
	head, rest := splitTail(r.URL.Path, "/api/v1/backups/")
	if head == "" {
		writeError(w, http.StatusNotFound, errors.New("unknown backup path"))
		return
	}
	ctx := r.Context()

	switch head {
	case "export":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		var buf bytes.Buffer
		meta, err := a.service.WriteExport(ctx, &buf)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeFile(w, backup.FileName(meta), buf.Bytes())
		return
	case "restore":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		meta, err := a.service.RestoreBackup(ctx, http.MaxBytesReader(w, r.Body, maxRestoreBytes))
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"restored": meta})
		return
	case "status":
		a.serveGet(w, r, func() (any, error) { return a.service.GetBackupStatus(ctx) })
		return
	case "history":
		a.serveGet(w, r, func() (any, error) { return a.service.GetBackupHistory(ctx) })
		return
	case "restores":
		a.serveGet(w, r, func() (any, error) {
			records, err := a.service.GetRestoreHistory(ctx)
			return map[string]any{"restores": records}, err
		})
		return
	case "notifications":
		a.serveGet(w, r, func() (any, error) {
			notes, err := a.service.GetBackupNotifications(ctx)
			return map[string]any{"notifications": notes}, err
		})
		return
	case "auto":
		a.handleAutoBackup(w, r)
		return
	case "locations":
		a.handleLocations(w, r, rest)
		return
	case "copies":
		a.handleCopies(w, r)
		return
	case "sync":
		a.servePost(w, r, func() (any, error) {
			placed, err := a.service.SyncBackups(ctx)
			return map[string]any{"placed": placed}, err
		})
		return
	case "cleanup":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		keep := parsePositiveLimit(r.URL.Query().Get("keep"), backup.PruneKeep, 0)
		removed, err := a.service.CleanupStoredBackups(ctx, keep)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
		return
	case "retention":
		a.servePost(w, r, func() (any, error) {
			removed, err := a.service.CleanupOldBackups(ctx)
			return map[string]any{"removed": removed}, err
		})
		return
	}

	id := head
	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			var buf bytes.Buffer
			meta, err := a.service.DownloadBackup(ctx, id, &buf)
			if err != nil {
				a.fail(w, err)
				return
			}
			writeFile(w, backup.FileName(meta), buf.Bytes())
		case http.MethodDelete:
			if err := a.service.DeleteBackup(ctx, id); err != nil {
				a.fail(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeMethodNotAllowed(w)
		}
	case "restore":
		a.servePost(w, r, func() (any, error) {
			meta, err := a.service.RestoreStoredBackup(ctx, id)
			return map[string]any{"restored": meta}, err
		})
	case "verify":
		a.serveGet(w, r, func() (any, error) {
			ok, err := a.service.VerifyBackup(ctx, id)
			return map[string]any{"id": id, "valid": ok}, err
		})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown backup path"))
	}
}

func (a *API) handleAutoBackup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := a.service.GetAutoBackupSettings(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
	case http.MethodPatch:
		var req domain.AutoBackupSettingsUpdate
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		settings, err := a.service.SetAutoBackupSettings(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleLocations(w http.ResponseWriter, r *http.Request, id string) {
	if id != "" {
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w)
			return
		}
		if err := a.service.RemoveBackupLocation(r.Context(), id); err != nil {
			a.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch r.Method {
	case http.MethodGet:
		locs, err := a.service.GetBackupLocations(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"locations": locs})
	case http.MethodPost:
		var req domain.BackupLocation
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		loc, err := a.service.AddBackupLocation(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"location": loc})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCopies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		copies, err := a.service.GetBackupCopies(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"copies": copies})
	case http.MethodPost:
		cp, err := a.service.CreateBackupCopy(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"copy": cp})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	a.serveGet(w, r, func() (any, error) { return a.service.CheckSystemHealth(r.Context()) })
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	a.serveGet(w, r, func() (any, error) {
		if r.URL.Query().Get("full") == "true" {
			return a.service.ValidateDataIntegrity(r.Context())
		}
		problems, err := a.service.ValidateData(r.Context())
		return map[string]any{"valid": len(problems) == 0, "problems": problems}, err
	})
}

func (a *API) handleRelations(w http.ResponseWriter, r *http.Request) {
	a.serveGet(w, r, func() (any, error) { return a.service.CheckRelations(r.Context()) })
}

func (a *API) serveGet(w http.ResponseWriter, r *http.Request, fn func() (any, error)) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	a.serve(w, fn)
}

func (a *API) servePost(w http.ResponseWriter, r *http.Request, fn func() (any, error)) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a.serve(w, fn)
}

func (a *API) serve(w http.ResponseWriter, fn func() (any, error)) {
	payload, err := fn()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, backup.ErrBackupNotFound):
		return http.StatusNotFound
	case errors.Is(err, backup.ErrInvalidBackup), errors.Is(err, backup.ErrInvalidLocation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrProductReferenced),
		errors.Is(err, store.ErrWalkInCustomer),
		errors.Is(err, backup.ErrBackupInProgress):
		return http.StatusConflict
	case errors.Is(err, store.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= 500 {
		a.log.Error("request failed", "status", status, "error", err)
	}
	writeError(w, status, err)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) &&
			strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") &&
			r.URL.Path != restorePath {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(startedAt))
	})
}

// splitTail returns the first path segment after prefix and whatever follows it.
func splitTail(path, prefix string) (string, string) {
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	head, rest, _ := strings.Cut(tail, "/")
	return strings.TrimSpace(head), strings.Trim(rest, "/")
}

func parseTime(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("start and end are required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("dates must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		return day.Add(24*time.Hour - time.Nanosecond), nil
	}
	return day, nil
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError masks 5xx messages; 4xx messages are user-facing.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	payload := map[string]any{"error": msg}
	var verr *service.ValidationError
	if status < 500 && errors.As(err, &verr) {
		payload["problems"] = verr.Problems
	}
	writeJSON(w, status, payload)
}

func writeFile(w http.ResponseWriter, name string, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
