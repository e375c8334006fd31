package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
	"posadmin/backend/internal/store/memory"
)

func seed(t *testing.T) (*store.DB, *Engine) {
	t.Helper()
	ctx := context.Background()
	db := store.Open(memory.New(0), store.Options{})
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.Write(ctx, store.KeyProducts, []domain.Product{
		{Meta: domain.Meta{ID: "p1"}, Name: "Beans", SKU: "B-1", Price: 10, CurrentStock: 5, TotalSold: 99},
		{Meta: domain.Meta{ID: "p2"}, Name: "Mug", SKU: "M-1", Price: 4, CurrentStock: 5},
	}))
	require.NoError(t, db.Write(ctx, store.KeyCustomers, []domain.Customer{
		{Meta: domain.Meta{ID: "c2"}, Name: "Zed", TotalSpent: 1000},
		{Meta: domain.Meta{ID: "c1"}, Name: "Ana"},
		{Meta: domain.Meta{ID: domain.WalkInCustomerID}, Name: domain.WalkInCustomerName},
	}))
	require.NoError(t, db.Write(ctx, store.KeySales, []domain.Sale{
		{Meta: domain.Meta{ID: "s1", CreatedAt: base}, CustomerID: "c1", Total: 24, InvoiceNumber: "INV-1", PaymentStatus: domain.PaymentPaid,
			Products: []domain.SaleItem{{ID: "p1", Quantity: 2, Price: 10, Category: "Coffee"}, {ID: "p2", Quantity: 1, Price: 4}}},
		{Meta: domain.Meta{ID: "s2", CreatedAt: base.Add(time.Hour)}, CustomerID: domain.WalkInCustomerID, Total: 4,
			Products: []domain.SaleItem{{ID: "p2", Quantity: 1, Price: 4}}},
		{Meta: domain.Meta{ID: "s3", CreatedAt: base.Add(2 * time.Hour)}, CustomerID: "c1", Total: 10,
			Products: []domain.SaleItem{{ID: "p1", Quantity: 1, Price: 10}}},
		{Meta: domain.Meta{ID: "s4", CreatedAt: base}, CustomerID: "ghost", Total: 7,
			Products: []domain.SaleItem{{ID: "p1", Quantity: 1, Price: 7}}},
	}))
	return db, New(db, nil)
}

func TestRecalculateAllTotals(t *testing.T) {
	ctx := context.Background()
	db, engine := seed(t)

	require.NoError(t, engine.RecalculateAllTotals(ctx))

	var customers []domain.Customer
	_, err := db.Read(ctx, store.KeyCustomers, &customers)
	require.NoError(t, err)
	require.Len(t, customers, 3)
	assert.Equal(t, []string{"c2", "c1", domain.WalkInCustomerID}, []string{customers[0].ID, customers[1].ID, customers[2].ID})
	assert.Equal(t, 0, customers[0].TotalPurchases)
	assert.Equal(t, 0.0, customers[0].TotalSpent, "stale derived values are overwritten")
	assert.Equal(t, 2, customers[1].TotalPurchases)
	assert.Equal(t, 34.0, customers[1].TotalSpent)
	assert.Equal(t, 1, customers[2].TotalPurchases, "walk-in is aggregated like any customer")

	var products []domain.Product
	_, err = db.Read(ctx, store.KeyProducts, &products)
	require.NoError(t, err)
	// orphaned sales still count toward product totals
	assert.Equal(t, 4, products[0].TotalSold)
	assert.Equal(t, 37.0, products[0].Revenue)
	assert.Equal(t, 2, products[1].TotalSold)
	assert.Equal(t, 8.0, products[1].Revenue)

	record, err := engine.CustomerSales(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, record.Sales, 2)
	assert.Equal(t, "s1", record.Sales[0].ID)
	assert.Equal(t, "s3", record.Sales[1].ID)
	assert.Equal(t, 2, record.Sales[0].Items)
	assert.Equal(t, "INV-1", record.Sales[0].Invoice)
	assert.Equal(t, "Coffee", record.Sales[0].Products[0].Category)
	require.NotNil(t, record.LastPurchase)
	assert.True(t, record.LastPurchase.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))

	none, err := engine.CustomerSales(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, none.Sales)
}

func TestRecalculateAllTotalsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, engine := seed(t)

	snapshot := func() (string, string, string) {
		var customers []domain.Customer
		var products []domain.Product
		var index domain.CustomerSalesMap
		_, err := db.Read(ctx, store.KeyCustomers, &customers)
		require.NoError(t, err)
		_, err = db.Read(ctx, store.KeyProducts, &products)
		require.NoError(t, err)
		_, err = db.Read(ctx, store.KeyCustomerSales, &index)
		require.NoError(t, err)
		return mustJSON(t, customers), mustJSON(t, products), mustJSON(t, index)
	}

	require.NoError(t, engine.RecalculateAllTotals(ctx))
	c1, p1, i1 := snapshot()
	require.NoError(t, engine.RecalculateAllTotals(ctx))
	c2, p2, i2 := snapshot()

	assert.Equal(t, c1, c2)
	assert.Equal(t, p1, p2)
	assert.Equal(t, i1, i2)
}

type failingSubstrate struct {
	store.Substrate
	failKey string
}

func (f failingSubstrate) CompareAndSwap(ctx context.Context, key, old string, oldPresent bool, value string) (bool, error) {
	if key == f.failKey {
		return false, errors.New("injected write failure")
	}
	return f.Substrate.CompareAndSwap(ctx, key, old, oldPresent, value)
}

func TestRecalculateAllTotalsLeavesNothingHalfWritten(t *testing.T) {
	ctx := context.Background()
	seeded, _ := seed(t)
	db := store.Open(failingSubstrate{Substrate: seeded.Substrate(), failKey: store.KeyCustomerSales}, store.Options{})

	err := New(db, nil).RecalculateAllTotals(ctx)
	require.Error(t, err)

	var customers []domain.Customer
	_, err = db.Read(ctx, store.KeyCustomers, &customers)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, customers[0].TotalSpent, "customers are rolled back")
	assert.Equal(t, 0, customers[1].TotalPurchases)

	var products []domain.Product
	_, err = db.Read(ctx, store.KeyProducts, &products)
	require.NoError(t, err)
	assert.Equal(t, 99, products[0].TotalSold, "products are not written after a failed batch")

	var index domain.CustomerSalesMap
	ok, err := db.Read(ctx, store.KeyCustomerSales, &index)
	require.NoError(t, err)
	assert.False(t, ok)
}

// racingSubstrate lets another writer add a customer right before the first
// customers swap.
type racingSubstrate struct {
	store.Substrate
	other *store.DB
	raced bool
}

func (r *racingSubstrate) CompareAndSwap(ctx context.Context, key, old string, oldPresent bool, value string) (bool, error) {
	if key == store.KeyCustomers && !r.raced {
		r.raced = true
		err := store.NewCollection[domain.Customer](r.other, store.KeyCustomers).Mutate(ctx, func(cs []domain.Customer) ([]domain.Customer, error) {
			return append(cs, domain.Customer{Meta: domain.Meta{ID: "c3"}, Name: "Late", TotalSpent: 50}), nil
		})
		if err != nil {
			return false, err
		}
	}
	return r.Substrate.CompareAndSwap(ctx, key, old, oldPresent, value)
}

func TestRecalculateAllTotalsRetriesAfterConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	seeded, _ := seed(t)
	kv := seeded.Substrate()
	db := store.Open(&racingSubstrate{Substrate: kv, other: store.Open(kv, store.Options{})}, store.Options{})

	require.NoError(t, New(db, nil).RecalculateAllTotals(ctx))

	var customers []domain.Customer
	_, err := db.Read(ctx, store.KeyCustomers, &customers)
	require.NoError(t, err)
	require.Len(t, customers, 4, "the concurrently added customer survives")
	assert.Equal(t, "c3", customers[3].ID)
	assert.Equal(t, 0.0, customers[3].TotalSpent)
	assert.Equal(t, 34.0, customers[1].TotalSpent)
}

func TestComputeCustomerTotalsSkipsOrphans(t *testing.T) {
	rollup := ComputeCustomerTotals(
		[]domain.Customer{{Meta: domain.Meta{ID: "c1"}}},
		[]domain.Sale{{CustomerID: "c1", Total: 5}, {CustomerID: "gone", Total: 9}},
	)
	assert.Equal(t, 1, rollup.Skipped)
	assert.NotContains(t, rollup.CustomerSales, "gone")
	assert.Equal(t, 5.0, rollup.Customers[0].TotalSpent)
}

func TestReportFiltersByDate(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 12, 0, 0, 0, time.UTC) }
	record := domain.CustomerSalesRecord{Sales: []domain.SaleSummary{
		{ID: "a", Date: day(1), Amount: 10},
		{ID: "b", Date: day(5), Amount: 20},
		{ID: "c", Date: day(9), Amount: 40},
	}}

	got := Report(record, day(2), day(9))
	assert.Equal(t, 2, got.TotalPurchases)
	assert.Equal(t, 60.0, got.TotalSpent)
	require.NotNil(t, got.LastPurchase)
	assert.True(t, got.LastPurchase.Equal(day(9)))

	empty := Report(record, day(20), day(21))
	assert.Equal(t, 0, empty.TotalPurchases)
	assert.Nil(t, empty.LastPurchase)
	assert.NotNil(t, empty.Sales)
}
