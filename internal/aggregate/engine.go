// Package aggregate rebuilds the fields derived from the sales log: customer
// purchase totals, the customer_sales index and product sold/revenue figures.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
)

const maxAttempts = 4

type Engine struct {
	db        *store.DB
	products  *store.Collection[domain.Product, *domain.Product]
	customers *store.Collection[domain.Customer, *domain.Customer]
	sales     *store.Collection[domain.Sale, *domain.Sale]
	log       *slog.Logger
}

func New(db *store.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:        db,
		products:  store.NewCollection[domain.Product](db, store.KeyProducts),
		customers: store.NewCollection[domain.Customer](db, store.KeyCustomers),
		sales:     store.NewCollection[domain.Sale](db, store.KeySales),
		log:       logger.With("component", "aggregate"),
	}
}

type customerTotals struct {
	purchases int
	spent     float64
}

type productTotals struct {
	sold    int
	revenue float64
}

// CustomerRollup is the result of replaying the sales log against customers.
type CustomerRollup struct {
	Customers     []domain.Customer
	CustomerSales domain.CustomerSalesMap
	// Skipped counts sales whose customer no longer exists.
	Skipped int
}

// ComputeCustomerTotals replays sales once, indexed by customer id. Customers
// keep their stored order and summaries follow sale order.
func ComputeCustomerTotals(customers []domain.Customer, sales []domain.Sale) CustomerRollup {
	known := make(map[string]struct{}, len(customers))
	for _, c := range customers {
		known[c.ID] = struct{}{}
	}

	totals := make(map[string]*customerTotals, len(customers))
	index := domain.CustomerSalesMap{}
	skipped := 0

	for _, sale := range sales {
		if _, ok := known[sale.CustomerID]; !ok {
			skipped++
			continue
		}
		t, ok := totals[sale.CustomerID]
		if !ok {
			t = &customerTotals{}
			totals[sale.CustomerID] = t
		}
		t.purchases++
		t.spent += sale.Total

		record := index[sale.CustomerID]
		record.TotalPurchases++
		record.TotalSpent += sale.Total
		if record.LastPurchase == nil || sale.CreatedAt.After(*record.LastPurchase) {
			at := sale.CreatedAt
			record.LastPurchase = &at
		}
		record.Sales = append(record.Sales, summarize(sale))
		index[sale.CustomerID] = record
	}

	out := make([]domain.Customer, len(customers))
	for i, c := range customers {
		c.TotalPurchases = 0
		c.TotalSpent = 0
		if t, ok := totals[c.ID]; ok {
			c.TotalPurchases = t.purchases
			c.TotalSpent = t.spent
		}
		out[i] = c
	}
	return CustomerRollup{Customers: out, CustomerSales: index, Skipped: skipped}
}

// ComputeProductTotals rebuilds total_sold and revenue from line items.
func ComputeProductTotals(products []domain.Product, sales []domain.Sale) []domain.Product {
	totals := make(map[string]*productTotals, len(products))
	for _, sale := range sales {
		for _, item := range sale.Products {
			t, ok := totals[item.ID]
			if !ok {
				t = &productTotals{}
				totals[item.ID] = t
			}
			t.sold += item.Quantity
			t.revenue += item.Price * float64(item.Quantity)
		}
	}

	out := make([]domain.Product, len(products))
	for i, p := range products {
		p.TotalSold = 0
		p.Revenue = 0
		if t, ok := totals[p.ID]; ok {
			p.TotalSold = t.sold
			p.Revenue = t.revenue
		}
		out[i] = p
	}
	return out
}

func summarize(sale domain.Sale) domain.SaleSummary {
	snapshots := make([]domain.ProductSnapshot, 0, len(sale.Products))
	for _, item := range sale.Products {
		snapshots = append(snapshots, domain.ProductSnapshot{Category: item.Category, Price: item.Price})
	}
	return domain.SaleSummary{
		ID:       sale.ID,
		Date:     sale.CreatedAt,
		Amount:   sale.Total,
		Items:    len(sale.Products),
		Invoice:  sale.InvoiceNumber,
		Status:   sale.PaymentStatus,
		Products: snapshots,
	}
}

// RecalculateCustomerTotals overwrites every customer's derived fields and
// rebuilds customer_sales. The rollup is built in full before anything is
// written.
func (e *Engine) RecalculateCustomerTotals(ctx context.Context) error {
	_, err := e.recalculate(ctx, false)
	return err
}

// RecalculateAllTotals additionally rebuilds product sold/revenue figures.
func (e *Engine) RecalculateAllTotals(ctx context.Context) error {
	res, err := e.recalculate(ctx, true)
	if err != nil {
		return err
	}
	e.log.Info("totals recalculated", "customers", res.customers, "products", res.products, "sales", res.sales)
	return nil
}

type recalcResult struct {
	customers int
	products  int
	sales     int
}

// recalculate commits customers, customer_sales and optionally products as
// one batch. Customers and products are guarded by the revision they were
// computed from; a concurrent edit restarts the whole cycle.
func (e *Engine) recalculate(ctx context.Context, withProducts bool) (recalcResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := e.recalculateOnce(ctx, withProducts)
		if !errors.Is(err, store.ErrConflict) || attempt >= maxAttempts {
			return res, err
		}
		e.log.Warn("collections changed during recalculation, retrying", "attempt", attempt)
	}
}

func (e *Engine) recalculateOnce(ctx context.Context, withProducts bool) (recalcResult, error) {
	sales, err := e.sales.All(ctx)
	if err != nil {
		return recalcResult{}, fmt.Errorf("load sales: %w", err)
	}
	customers, customersRev, err := e.customers.AllAt(ctx)
	if err != nil {
		return recalcResult{}, fmt.Errorf("load customers: %w", err)
	}

	rollup := ComputeCustomerTotals(customers, sales)
	if rollup.Skipped > 0 {
		e.log.Warn("sales reference unknown customers", "count", rollup.Skipped)
	}
	batch := []store.Pending{
		{Name: store.KeyCustomers, Value: rollup.Customers, Guarded: true, Revision: customersRev},
		{Name: store.KeyCustomerSales, Value: rollup.CustomerSales},
	}
	res := recalcResult{customers: len(rollup.Customers), sales: len(sales)}

	if withProducts {
		products, productsRev, err := e.products.AllAt(ctx)
		if err != nil {
			return recalcResult{}, fmt.Errorf("load products: %w", err)
		}
		batch = append(batch, store.Pending{
			Name: store.KeyProducts, Value: ComputeProductTotals(products, sales), Guarded: true, Revision: productsRev,
		})
		res.products = len(products)
	}

	if err := e.db.WriteAll(ctx, batch); err != nil {
		return recalcResult{}, fmt.Errorf("commit totals: %w", err)
	}
	return res, nil
}

// CustomerSales returns the derived record for one customer, or an empty
// record when the customer has no sales.
func (e *Engine) CustomerSales(ctx context.Context, customerID string) (domain.CustomerSalesRecord, error) {
	var index domain.CustomerSalesMap
	if _, err := e.db.Read(ctx, store.KeyCustomerSales, &index); err != nil {
		return domain.CustomerSalesRecord{}, err
	}
	record, ok := index[customerID]
	if !ok {
		return domain.CustomerSalesRecord{Sales: []domain.SaleSummary{}}, nil
	}
	return record, nil
}

// Report narrows a customer's record to sales dated within [start, end].
func Report(record domain.CustomerSalesRecord, start, end time.Time) domain.CustomerSalesRecord {
	out := domain.CustomerSalesRecord{Sales: []domain.SaleSummary{}}
	for _, s := range record.Sales {
		if s.Date.Before(start) || s.Date.After(end) {
			continue
		}
		out.TotalPurchases++
		out.TotalSpent += s.Amount
		if out.LastPurchase == nil || s.Date.After(*out.LastPurchase) {
			at := s.Date
			out.LastPurchase = &at
		}
		out.Sales = append(out.Sales, s)
	}
	return out
}
