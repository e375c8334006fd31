package domain

import "time"

// Meta is embedded in every stored record. Insert fills ID and CreatedAt.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *Meta) DocumentID() string { return m.ID }

// Stamp assigns identity fields that are still empty.
func (m *Meta) Stamp(id string, at time.Time) {
	if m.ID == "" {
		m.ID = id
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = at
	}
}

type Product struct {
	Meta
	Name          string  `json:"name" validate:"required"`
	SKU           string  `json:"sku" validate:"required"`
	Description   string  `json:"description"`
	PurchasePrice float64 `json:"purchase_price" validate:"gte=0"`
	Price         float64 `json:"price" validate:"gte=0"`
	CurrentStock  int     `json:"current_stock" validate:"gte=0"`
	MinStockLevel int     `json:"min_stock_level" validate:"gte=0"`
	Category      string  `json:"category"`
	TotalSold     int     `json:"total_sold"`
	Revenue       float64 `json:"revenue"`
}

type Customer struct {
	Meta
	Name           string  `json:"name" validate:"required"`
	Email          *string `json:"email" validate:"omitempty,email"`
	Phone          *string `json:"phone"`
	TotalPurchases int     `json:"total_purchases" validate:"gte=0"`
	TotalSpent     float64 `json:"total_spent" validate:"gte=0"`
}

type SaleItem struct {
	ID       string  `json:"id" validate:"required"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity" validate:"gt=0"`
	Price    float64 `json:"price" validate:"gte=0"`
	Category string  `json:"category"`
}

type Sale struct {
	Meta
	CustomerID    string     `json:"customer_id" validate:"required"`
	CustomerName  string     `json:"customer_name"`
	Products      []SaleItem `json:"products" validate:"required,min=1,dive"`
	Total         float64    `json:"total" validate:"gte=0"`
	InvoiceNumber string     `json:"invoice_number"`
	PaymentStatus string     `json:"payment_status" validate:"omitempty,oneof=paid pending"`
	StaffID       string     `json:"staff_id,omitempty"`
	StaffName     string     `json:"staff_name,omitempty"`
}

// LineTotal is Σ(price × quantity) over the sale's items.
func (s Sale) LineTotal() float64 {
	var sum float64
	for _, item := range s.Products {
		sum += item.Price * float64(item.Quantity)
	}
	return sum
}

type ProductSnapshot struct {
	Category string  `json:"category"`
	Price    float64 `json:"price"`
}

type SaleSummary struct {
	ID       string            `json:"id"`
	Date     time.Time         `json:"date"`
	Amount   float64           `json:"amount"`
	Items    int               `json:"items"`
	Invoice  string            `json:"invoice"`
	Status   string            `json:"status"`
	Products []ProductSnapshot `json:"products"`
}

type CustomerSalesRecord struct {
	TotalPurchases int           `json:"total_purchases"`
	TotalSpent     float64       `json:"total_spent"`
	LastPurchase   *time.Time    `json:"last_purchase"`
	Sales          []SaleSummary `json:"sales"`
}

// CustomerSalesMap is keyed by customer id.
type CustomerSalesMap map[string]CustomerSalesRecord

type Settings struct {
	StoreName         string  `json:"store_name"`
	Currency          string  `json:"currency"`
	TaxRate           float64 `json:"tax_rate" validate:"gte=0,lte=100"`
	InvoicePrefix     string  `json:"invoice_prefix"`
	LowStockThreshold int     `json:"low_stock_threshold" validate:"gte=0"`
}

type SettingsUpdateRequest struct {
	StoreName         *string  `json:"store_name,omitempty"`
	Currency          *string  `json:"currency,omitempty"`
	TaxRate           *float64 `json:"tax_rate,omitempty"`
	InvoicePrefix     *string  `json:"invoice_prefix,omitempty"`
	LowStockThreshold *int     `json:"low_stock_threshold,omitempty"`
}

type SchemaVersion struct {
	Version     int       `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string   `json:"access_token"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	ExpiresAt   string   `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string    `json:"username" yaml:"username"`
	Password  string    `json:"password" yaml:"password"`
	Role      string    `json:"role" yaml:"role"`
	Active    bool      `json:"active" yaml:"active"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

const (
	WalkInCustomerID   = "walk-in"
	WalkInCustomerName = "Walk-in Customer"
	DefaultCategory    = "Uncategorized"
)

// EnsureWalkIn appends the walk-in customer when customers lacks it.
func EnsureWalkIn(customers []Customer, at time.Time) []Customer {
	for _, c := range customers {
		if c.ID == WalkInCustomerID {
			return customers
		}
	}
	return append(customers, Customer{
		Meta: Meta{ID: WalkInCustomerID, CreatedAt: at},
		Name: WalkInCustomerName,
	})
}

const (
	PaymentPaid    = "paid"
	PaymentPending = "pending"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

type ProductUpdateRequest struct {
	Name          *string  `json:"name,omitempty"`
	SKU           *string  `json:"sku,omitempty"`
	Description   *string  `json:"description,omitempty"`
	PurchasePrice *float64 `json:"purchase_price,omitempty"`
	Price         *float64 `json:"price,omitempty"`
	CurrentStock  *int     `json:"current_stock,omitempty"`
	MinStockLevel *int     `json:"min_stock_level,omitempty"`
	Category      *string  `json:"category,omitempty"`
}

type CustomerUpdateRequest struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Phone *string `json:"phone,omitempty"`
}
