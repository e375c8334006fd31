// Package service is the consumer contract of the store: typed CRUD over the
// collections, sales with stock handling, reports, settings and backup
// operations, each gated by the caller's role permissions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"posadmin/backend/internal/aggregate"
	"posadmin/backend/internal/backup"
	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/integrity"
	"posadmin/backend/internal/store"
	"posadmin/backend/internal/xid"
)

// ValidationError lists every problem found in a payload.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func invalid(problems ...string) error {
	return &ValidationError{Problems: problems}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check runs the struct tags of payload and returns a ValidationError with one
// line per failed field.
func check(payload any) error {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describeField(fe))
	}
	return invalid(problems...)
}

func describeField(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gte":
		return field + " must be at least " + fe.Param()
	case "gt":
		return field + " must be greater than " + fe.Param()
	case "lte":
		return field + " must be at most " + fe.Param()
	case "min":
		return field + " needs at least " + fe.Param() + " entries"
	case "oneof":
		return field + " must be one of " + fe.Param()
	case "email":
		return field + " must be an email address"
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

type Deps struct {
	DB        *store.DB
	Totals    *aggregate.Engine
	Validator *integrity.Validator
	Backups   *backup.Engine
	Retention domain.RetentionPolicy
	Logger    *slog.Logger
}

type Service struct {
	db        *store.DB
	products  *store.Collection[domain.Product, *domain.Product]
	customers *store.Collection[domain.Customer, *domain.Customer]
	sales     *store.Collection[domain.Sale, *domain.Sale]
	totals    *aggregate.Engine
	validator *integrity.Validator
	backups   *backup.Engine
	retention domain.RetentionPolicy
	log       *slog.Logger
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Totals == nil {
		deps.Totals = aggregate.New(deps.DB, logger)
	}
	if deps.Validator == nil {
		deps.Validator = integrity.New(deps.DB, logger)
	}
	if deps.Backups == nil {
		deps.Backups = backup.New(deps.DB, backup.Options{Logger: logger})
	}
	return &Service{
		db:        deps.DB,
		products:  store.NewCollection[domain.Product](deps.DB, store.KeyProducts),
		customers: store.NewCollection[domain.Customer](deps.DB, store.KeyCustomers),
		sales:     store.NewCollection[domain.Sale](deps.DB, store.KeySales),
		totals:    deps.Totals,
		validator: deps.Validator,
		backups:   deps.Backups,
		retention: deps.Retention,
		log:       logger.With("component", "service"),
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if _, err := authorize(ctx, PermViewProducts); err != nil {
		return nil, err
	}
	return s.products.All(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	if _, err := authorize(ctx, PermViewProducts); err != nil {
		return domain.Product{}, err
	}
	return s.products.Get(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	actor, err := authorize(ctx, PermManageProducts)
	if err != nil {
		return domain.Product{}, err
	}

	p.Name = strings.TrimSpace(p.Name)
	p.SKU = strings.TrimSpace(p.SKU)
	p.Category = strings.TrimSpace(p.Category)
	if p.Category == "" {
		p.Category = domain.DefaultCategory
	}
	p.TotalSold, p.Revenue = 0, 0
	if err := check(p); err != nil {
		return domain.Product{}, err
	}

	p.Stamp(xid.New(), s.db.Now())
	err = s.products.Mutate(ctx, func(products []domain.Product) ([]domain.Product, error) {
		if slices.ContainsFunc(products, func(x domain.Product) bool { return x.ID == p.ID }) {
			return nil, invalid("id " + p.ID + " already exists")
		}
		if skuTaken(products, p.SKU, p.ID) {
			return nil, invalid("sku " + p.SKU + " already exists")
		}
		return append(products, p), nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.log.Info("product created", "id", p.ID, "sku", p.SKU, "actor", actor.Username)
	return p, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, err := authorize(ctx, PermManageProducts)
	if err != nil {
		return domain.Product{}, err
	}

	var updated domain.Product
	err = s.products.Mutate(ctx, func(products []domain.Product) ([]domain.Product, error) {
		i := slices.IndexFunc(products, func(p domain.Product) bool { return p.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("product %q: %w", id, store.ErrNotFound)
		}
		next := products[i]
		if req.Name != nil {
			next.Name = strings.TrimSpace(*req.Name)
		}
		if req.SKU != nil {
			next.SKU = strings.TrimSpace(*req.SKU)
		}
		if req.Description != nil {
			next.Description = *req.Description
		}
		if req.PurchasePrice != nil {
			next.PurchasePrice = *req.PurchasePrice
		}
		if req.Price != nil {
			next.Price = *req.Price
		}
		if req.CurrentStock != nil {
			next.CurrentStock = *req.CurrentStock
		}
		if req.MinStockLevel != nil {
			next.MinStockLevel = *req.MinStockLevel
		}
		if req.Category != nil {
			next.Category = strings.TrimSpace(*req.Category)
			if next.Category == "" {
				next.Category = domain.DefaultCategory
			}
		}
		if err := check(next); err != nil {
			return nil, err
		}
		if skuTaken(products, next.SKU, next.ID) {
			return nil, invalid("sku " + next.SKU + " already exists")
		}
		products[i] = next
		updated = next
		return products, nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.log.Info("product updated", "id", id, "actor", actor.Username)
	return updated, nil
}

// DeleteProduct refuses to remove a product that any sale references.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	actor, err := authorize(ctx, PermManageProducts)
	if err != nil {
		return err
	}
	sales, err := s.sales.All(ctx)
	if err != nil {
		return err
	}
	for _, sale := range sales {
		for _, item := range sale.Products {
			if item.ID == id {
				return fmt.Errorf("product %q is used by sale %s: %w", id, saleRef(sale), store.ErrProductReferenced)
			}
		}
	}
	if err := s.products.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("product deleted", "id", id, "actor", actor.Username)
	return nil
}

func (s *Service) SearchProducts(ctx context.Context, q string) ([]domain.Product, error) {
	products, err := s.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	term := strings.ToLower(strings.TrimSpace(q))
	return slices.DeleteFunc(products, func(p domain.Product) bool {
		return !contains(p.Name, term) && !contains(p.SKU, term) && !contains(p.Category, term)
	}), nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	if _, err := authorize(ctx, PermViewCustomers); err != nil {
		return nil, err
	}
	return s.customers.All(ctx)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	if _, err := authorize(ctx, PermViewCustomers); err != nil {
		return domain.Customer{}, err
	}
	return s.customers.Get(ctx, id)
}

func (s *Service) CreateCustomer(ctx context.Context, c domain.Customer) (domain.Customer, error) {
	actor, err := authorize(ctx, PermManageCustomers)
	if err != nil {
		return domain.Customer{}, err
	}
	c.Name = strings.TrimSpace(c.Name)
	c.Email = trimOptional(c.Email)
	c.Phone = trimOptional(c.Phone)
	c.TotalPurchases, c.TotalSpent = 0, 0
	if err := check(c); err != nil {
		return domain.Customer{}, err
	}
	if c.ID == domain.WalkInCustomerID {
		return domain.Customer{}, invalid("id " + c.ID + " is reserved")
	}

	c.Stamp(xid.New(), s.db.Now())
	err = s.customers.Mutate(ctx, func(customers []domain.Customer) ([]domain.Customer, error) {
		if slices.ContainsFunc(customers, func(x domain.Customer) bool { return x.ID == c.ID }) {
			return nil, invalid("id " + c.ID + " already exists")
		}
		return append(customers, c), nil
	})
	if err != nil {
		return domain.Customer{}, err
	}
	s.log.Info("customer created", "id", c.ID, "actor", actor.Username)
	return c, nil
}

// UpdateCustomer changes contact fields. Purchase totals are derived and can
// not be set here.
func (s *Service) UpdateCustomer(ctx context.Context, id string, req domain.CustomerUpdateRequest) (domain.Customer, error) {
	if _, err := authorize(ctx, PermManageCustomers); err != nil {
		return domain.Customer{}, err
	}
	return s.customers.Update(ctx, id, func(c *domain.Customer) error {
		next := *c
		if req.Name != nil {
			next.Name = strings.TrimSpace(*req.Name)
		}
		if req.Email != nil {
			next.Email = trimOptional(req.Email)
		}
		if req.Phone != nil {
			next.Phone = trimOptional(req.Phone)
		}
		if err := check(next); err != nil {
			return err
		}
		*c = next
		return nil
	})
}

func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	actor, err := authorize(ctx, PermManageCustomers)
	if err != nil {
		return err
	}
	if id == domain.WalkInCustomerID {
		return fmt.Errorf("customer %q: %w", id, store.ErrWalkInCustomer)
	}
	if err := s.customers.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("customer deleted", "id", id, "actor", actor.Username)
	return nil
}

func (s *Service) SearchCustomers(ctx context.Context, q string) ([]domain.Customer, error) {
	customers, err := s.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}
	term := strings.ToLower(strings.TrimSpace(q))
	return slices.DeleteFunc(customers, func(c domain.Customer) bool {
		return !contains(c.Name, term) && !containsOptional(c.Email, term) && !containsOptional(c.Phone, term)
	}), nil
}

func DefaultSettings() domain.Settings {
	return domain.Settings{
		StoreName:         "My Store",
		Currency:          "USD",
		InvoicePrefix:     "INV",
		LowStockThreshold: 5,
	}
}

func (s *Service) GetSettings(ctx context.Context) (domain.Settings, error) {
	if _, err := authorize(ctx, PermViewProducts); err != nil {
		return domain.Settings{}, err
	}
	return s.settings(ctx)
}

func (s *Service) settings(ctx context.Context) (domain.Settings, error) {
	settings := DefaultSettings()
	if _, err := s.db.Read(ctx, store.KeySettings, &settings); err != nil {
		return domain.Settings{}, err
	}
	return settings, nil
}

func (s *Service) UpdateSettings(ctx context.Context, req domain.SettingsUpdateRequest) (domain.Settings, error) {
	actor, err := authorize(ctx, PermManageSettings)
	if err != nil {
		return domain.Settings{}, err
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	if req.StoreName != nil {
		settings.StoreName = strings.TrimSpace(*req.StoreName)
	}
	if req.Currency != nil {
		settings.Currency = strings.ToUpper(strings.TrimSpace(*req.Currency))
	}
	if req.TaxRate != nil {
		settings.TaxRate = *req.TaxRate
	}
	if req.InvoicePrefix != nil {
		settings.InvoicePrefix = strings.ToUpper(strings.TrimSpace(*req.InvoicePrefix))
	}
	if req.LowStockThreshold != nil {
		settings.LowStockThreshold = *req.LowStockThreshold
	}
	if err := check(settings); err != nil {
		return domain.Settings{}, err
	}
	if err := s.db.Write(ctx, store.KeySettings, settings); err != nil {
		return domain.Settings{}, err
	}
	s.log.Info("settings updated", "actor", actor.Username)
	return settings, nil
}

// LowStock lists products at or below their own minimum, or below the store
// threshold when they have none.
func (s *Service) LowStock(ctx context.Context) ([]domain.Product, error) {
	products, err := s.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(products, func(p domain.Product) bool {
		limit := p.MinStockLevel
		if limit == 0 {
			limit = settings.LowStockThreshold
		}
		return p.CurrentStock > limit
	}), nil
}

func skuTaken(products []domain.Product, sku, exceptID string) bool {
	return slices.ContainsFunc(products, func(p domain.Product) bool {
		return p.ID != exceptID && strings.EqualFold(p.SKU, sku)
	})
}

func contains(field, term string) bool {
	return strings.Contains(strings.ToLower(field), term)
}

func containsOptional(field *string, term string) bool {
	return field != nil && contains(*field, term)
}

func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

func saleRef(sale domain.Sale) string {
	if sale.InvoiceNumber != "" {
		return sale.InvoiceNumber
	}
	return sale.ID
}
