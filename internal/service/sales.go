package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"posadmin/backend/internal/aggregate"
	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
	"posadmin/backend/internal/xid"
)

func (s *Service) ListSales(ctx context.Context) ([]domain.Sale, error) {
	if _, err := authorize(ctx, PermViewSales); err != nil {
		return nil, err
	}
	return s.sales.All(ctx)
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	if _, err := authorize(ctx, PermViewSales); err != nil {
		return domain.Sale{}, err
	}
	return s.sales.Get(ctx, id)
}

// AddSale records a sale, takes the sold quantities out of stock and
// recomputes the derived totals. Stock never goes below zero: a sale asking
// for more than is on hand is rejected before anything is written.
func (s *Service) AddSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	actor, err := authorize(ctx, PermManageSales)
	if err != nil {
		return domain.Sale{}, err
	}

	if sale.CustomerID == "" {
		sale.CustomerID = domain.WalkInCustomerID
	}
	if sale.PaymentStatus == "" {
		sale.PaymentStatus = domain.PaymentPaid
	}
	if sale.StaffID == "" {
		sale.StaffID = actor.Username
	}
	sale.InvoiceNumber = strings.TrimSpace(sale.InvoiceNumber)
	if err := check(sale); err != nil {
		return domain.Sale{}, err
	}

	customer, err := s.customers.Get(ctx, sale.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, invalid("customer " + sale.CustomerID + " does not exist")
	}
	if err != nil {
		return domain.Sale{}, err
	}
	if sale.CustomerName == "" {
		sale.CustomerName = customer.Name
	}

	settings, err := s.settings(ctx)
	if err != nil {
		return domain.Sale{}, err
	}

	sale.Products = slices.Clone(sale.Products)
	need, order := quantities(sale.Products)
	if err := s.products.Mutate(ctx, func(products []domain.Product) ([]domain.Product, error) {
		return takeStock(products, sale.Products, need, order)
	}); err != nil {
		return domain.Sale{}, err
	}

	if sale.Total == 0 {
		sale.Total = sale.LineTotal()
	}
	now := s.db.Now()
	sale.Stamp(xid.New(), now)
	err = s.sales.Mutate(ctx, func(sales []domain.Sale) ([]domain.Sale, error) {
		next := sale
		if slices.ContainsFunc(sales, func(x domain.Sale) bool { return x.ID == next.ID }) {
			return nil, invalid("id " + next.ID + " already exists")
		}
		if next.InvoiceNumber == "" {
			next.InvoiceNumber = nextInvoice(settings.InvoicePrefix, next.CreatedAt, sales)
		} else if slices.ContainsFunc(sales, func(x domain.Sale) bool { return x.InvoiceNumber == next.InvoiceNumber }) {
			return nil, invalid("invoice " + next.InvoiceNumber + " already exists")
		}
		sale = next
		return append(sales, next), nil
	})
	if err != nil {
		s.restock(context.WithoutCancel(ctx), need)
		return domain.Sale{}, err
	}

	if err := s.totals.RecalculateAllTotals(ctx); err != nil {
		s.log.Warn("recalculate totals after sale", "sale", sale.ID, "error", err)
	}
	s.validator.Reset()
	s.log.Info("sale recorded", "id", sale.ID, "invoice", sale.InvoiceNumber, "total", sale.Total, "actor", actor.Username)
	return sale, nil
}

// quantities sums the requested quantity per product id and returns the ids
// in first-seen order.
func quantities(items []domain.SaleItem) (map[string]int, []string) {
	need := make(map[string]int, len(items))
	var order []string
	for _, item := range items {
		if _, seen := need[item.ID]; !seen {
			order = append(order, item.ID)
		}
		need[item.ID] += item.Quantity
	}
	return need, order
}

// takeStock checks every line against the catalogue and decrements stock. It
// also fills the name and category snapshots of each line.
func takeStock(products []domain.Product, items []domain.SaleItem, need map[string]int, order []string) ([]domain.Product, error) {
	index := make(map[string]int, len(products))
	for i, p := range products {
		index[p.ID] = i
	}

	var problems []string
	for _, id := range order {
		i, ok := index[id]
		if !ok {
			problems = append(problems, "product "+id+" does not exist")
			continue
		}
		if products[i].CurrentStock < need[id] {
			problems = append(problems, fmt.Sprintf("insufficient stock for %s: %d on hand, %d requested",
				products[i].Name, products[i].CurrentStock, need[id]))
		}
	}
	if len(problems) > 0 {
		return nil, invalid(problems...)
	}

	for _, id := range order {
		products[index[id]].CurrentStock -= need[id]
	}
	for j := range items {
		p := products[index[items[j].ID]]
		if items[j].Name == "" {
			items[j].Name = p.Name
		}
		if items[j].Category == "" {
			items[j].Category = p.Category
		}
	}
	return products, nil
}

func (s *Service) restock(ctx context.Context, need map[string]int) {
	err := s.products.Mutate(ctx, func(products []domain.Product) ([]domain.Product, error) {
		for i := range products {
			products[i].CurrentStock += need[products[i].ID]
		}
		return products, nil
	})
	if err != nil {
		s.log.Error("return stock after failed sale", "error", err)
	}
}

// nextInvoice returns PREFIX-YYYYMMDD-NNNN, one past the highest number
// already used for that day.
func nextInvoice(prefix string, at time.Time, sales []domain.Sale) string {
	if prefix == "" {
		prefix = "INV"
	}
	stem := prefix + "-" + at.UTC().Format("20060102") + "-"
	highest := 0
	for _, sale := range sales {
		rest, ok := strings.CutPrefix(sale.InvoiceNumber, stem)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s%04d", stem, highest+1)
}

// DeleteSale removes a sale and recomputes totals. Stock taken by the sale is
// not returned.
func (s *Service) DeleteSale(ctx context.Context, id string) error {
	actor, err := authorize(ctx, PermManageSales)
	if err != nil {
		return err
	}
	if err := s.sales.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.totals.RecalculateAllTotals(ctx); err != nil {
		s.log.Warn("recalculate totals after sale delete", "sale", id, "error", err)
	}
	s.validator.Reset()
	s.log.Info("sale deleted", "id", id, "actor", actor.Username)
	return nil
}

func (s *Service) GetCustomerSales(ctx context.Context, customerID string) (domain.CustomerSalesRecord, error) {
	if _, err := authorize(ctx, PermViewCustomers); err != nil {
		return domain.CustomerSalesRecord{}, err
	}
	return s.totals.CustomerSales(ctx, customerID)
}

// GetCustomerSalesReport narrows a customer's sales to [start, end].
func (s *Service) GetCustomerSalesReport(ctx context.Context, customerID string, start, end time.Time) (domain.CustomerSalesRecord, error) {
	if _, err := authorize(ctx, PermViewReports); err != nil {
		return domain.CustomerSalesRecord{}, err
	}
	if end.Before(start) {
		return domain.CustomerSalesRecord{}, invalid("end must not be before start")
	}
	record, err := s.totals.CustomerSales(ctx, customerID)
	if err != nil {
		return domain.CustomerSalesRecord{}, err
	}
	return aggregate.Report(record, start, end), nil
}

func (s *Service) RecalculateAllTotals(ctx context.Context) error {
	if _, err := authorize(ctx, PermManageSales); err != nil {
		return err
	}
	if err := s.totals.RecalculateAllTotals(ctx); err != nil {
		return err
	}
	s.validator.Reset()
	return nil
}
