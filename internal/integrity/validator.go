// Package integrity runs structural and referential checks over the live
// collections. Checks report problems; they never repair data.
package integrity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
)

const (
	DefaultCacheTTL        = time.Hour
	DefaultRelationsPeriod = time.Hour
	BackupStaleAfter       = 7 * 24 * time.Hour

	totalTolerance = 0.01
)

// IntegrityError enumerates the structural problems found in a document set.
type IntegrityError struct {
	Problems []string
}

func (e *IntegrityError) Error() string {
	return "integrity check failed: " + strings.Join(e.Problems, "; ")
}

type Validator struct {
	db  *store.DB
	log *slog.Logger
	ttl time.Duration

	group singleflight.Group
	mu    sync.Mutex
	last  *domain.ValidationResult
}

func New(db *store.DB, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{db: db, log: logger.With("component", "integrity"), ttl: DefaultCacheTTL}
}

type dataset struct {
	products  []domain.Product
	sales     []domain.Sale
	customers []domain.Customer
}

func (v *Validator) load(ctx context.Context) (dataset, error) {
	var ds dataset
	if _, err := v.db.Read(ctx, store.KeyProducts, &ds.products); err != nil {
		return ds, err
	}
	if _, err := v.db.Read(ctx, store.KeySales, &ds.sales); err != nil {
		return ds, err
	}
	if _, err := v.db.Read(ctx, store.KeyCustomers, &ds.customers); err != nil {
		return ds, err
	}
	return ds, nil
}

// ValidateData flags negative stock, price below cost and sales whose total
// disagrees with their line items.
func (v *Validator) ValidateData(ctx context.Context) ([]string, error) {
	ds, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	return validateData(ds), nil
}

func validateData(ds dataset) []string {
	issues := []string{}
	for _, p := range ds.products {
		if p.CurrentStock < 0 {
			issues = append(issues, fmt.Sprintf("Invalid stock for product: %s", p.Name))
		}
		if p.Price < p.PurchasePrice {
			issues = append(issues, fmt.Sprintf("Price less than cost for product: %s", p.Name))
		}
	}
	for _, s := range ds.sales {
		if math.Abs(s.LineTotal()-s.Total) > totalTolerance {
			issues = append(issues, fmt.Sprintf("Total mismatch in sale: %s", saleLabel(s)))
		}
	}
	return issues
}

// ValidateDataIntegrity checks required fields and customer references. The
// result is reused for an hour; concurrent callers share one evaluation.
func (v *Validator) ValidateDataIntegrity(ctx context.Context) (domain.ValidationResult, error) {
	v.mu.Lock()
	if v.last != nil && v.db.Now().Sub(v.last.LastChecked) < v.ttl {
		result := *v.last
		v.mu.Unlock()
		return result, nil
	}
	v.mu.Unlock()

	// The shared load must not fail because the caller that started it left.
	out, err, _ := v.group.Do("integrity", func() (any, error) {
		ds, err := v.load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		result := domain.ValidationResult{
			Issues:      requiredFieldIssues(ds),
			LastChecked: v.db.Now(),
		}
		for _, s := range relations(ds).OrphanedSales {
			result.Issues = append(result.Issues, fmt.Sprintf("Orphaned sale: %s references missing customer %s", saleLabel(s), s.CustomerID))
		}
		result.IsValid = len(result.Issues) == 0

		v.mu.Lock()
		v.last = &result
		v.mu.Unlock()
		return result, nil
	})
	if err != nil {
		return domain.ValidationResult{}, err
	}
	return out.(domain.ValidationResult), nil
}

// Reset forgets the cached integrity result.
func (v *Validator) Reset() {
	v.mu.Lock()
	v.last = nil
	v.mu.Unlock()
}

func requiredFieldIssues(ds dataset) []string {
	issues := []string{}
	for _, p := range ds.products {
		if p.ID == "" || p.Name == "" || p.Price < 0 {
			name := p.Name
			if name == "" {
				name = "Unknown"
			}
			issues = append(issues, fmt.Sprintf("Invalid product data: %s", name))
		}
	}
	for _, s := range ds.sales {
		if len(s.Products) == 0 || s.Total == 0 || s.CustomerID == "" {
			issues = append(issues, fmt.Sprintf("Invalid sale data: %s", saleLabel(s)))
		}
	}
	return issues
}

// CheckRelations finds sales pointing at missing customers and line items
// pointing at missing products.
func (v *Validator) CheckRelations(ctx context.Context) (domain.RelationReport, error) {
	ds, err := v.load(ctx)
	if err != nil {
		return domain.RelationReport{}, err
	}
	return relations(ds), nil
}

func relations(ds dataset) domain.RelationReport {
	customers := make(map[string]struct{}, len(ds.customers))
	for _, c := range ds.customers {
		customers[c.ID] = struct{}{}
	}
	products := make(map[string]struct{}, len(ds.products))
	for _, p := range ds.products {
		products[p.ID] = struct{}{}
	}

	report := domain.RelationReport{OrphanedSales: []domain.Sale{}, InvalidProducts: []domain.InvalidLineItem{}}
	for _, s := range ds.sales {
		if _, ok := customers[s.CustomerID]; !ok {
			report.OrphanedSales = append(report.OrphanedSales, s)
		}
		for _, item := range s.Products {
			if _, ok := products[item.ID]; !ok {
				report.InvalidProducts = append(report.InvalidProducts, domain.InvalidLineItem{SaleID: s.ID, ProductID: item.ID})
			}
		}
	}
	return report
}

// CheckSystemHealth combines ValidateData with backup staleness.
func (v *Validator) CheckSystemHealth(ctx context.Context) (domain.SystemHealth, error) {
	ds, err := v.load(ctx)
	if err != nil {
		return domain.SystemHealth{}, err
	}
	var status domain.BackupStatus
	if _, err := v.db.Read(ctx, store.KeyBackupStatus, &status); err != nil {
		return domain.SystemHealth{}, err
	}

	now := v.db.Now()
	issues := []domain.HealthIssue{}
	if status.LastBackup == nil || status.LastBackup.Before(now.Add(-BackupStaleAfter)) {
		issues = append(issues, domain.HealthIssue{
			Type:      string(domain.HealthWarning),
			Message:   "No recent backup found. Consider creating a new backup.",
			Timestamp: now,
		})
	}
	for _, issue := range validateData(ds) {
		issues = append(issues, domain.HealthIssue{Type: string(domain.HealthError), Message: issue, Timestamp: now})
	}

	size, err := dataSize(ds)
	if err != nil {
		return domain.SystemHealth{}, err
	}

	health := domain.SystemHealth{
		Status:    domain.Healthy,
		LastCheck: now,
		Issues:    issues,
		Metrics: domain.HealthMetrics{
			DataSize:    size,
			LastBackup:  status.LastBackup,
			BackupCount: status.TotalBackups,
		},
	}
	for _, issue := range issues {
		if issue.Type == string(domain.HealthError) {
			health.Status = domain.HealthError
			break
		}
		health.Status = domain.HealthWarning
	}
	return health, nil
}

func dataSize(ds dataset) (int64, error) {
	raw, err := json.Marshal(struct {
		Products  []domain.Product  `json:"products"`
		Sales     []domain.Sale     `json:"sales"`
		Customers []domain.Customer `json:"customers"`
	}{ds.products, ds.sales, ds.customers})
	if err != nil {
		return 0, err
	}
	return int64(len(raw)), nil
}

// Run checks relations every period until ctx is cancelled. Problems are
// logged only.
func (v *Validator) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = DefaultRelationsPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := v.CheckRelations(ctx)
			if err != nil {
				v.log.Error("relation check failed", "error", err)
				continue
			}
			if !report.Empty() {
				v.log.Warn("data integrity issues found",
					"orphaned_sales", len(report.OrphanedSales),
					"invalid_line_items", len(report.InvalidProducts))
			}
		}
	}
}

func saleLabel(s domain.Sale) string {
	if s.InvoiceNumber != "" {
		return s.InvoiceNumber
	}
	return s.ID
}
