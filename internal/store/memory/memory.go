package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
)

// Store is a process-local Substrate that enforces a byte quota the way a
// host key/value area would.
type Store struct {
	mu       sync.RWMutex
	values   map[string]string
	used     int64
	capacity int64
}

func New(capacity int64) *Store {
	if capacity <= 0 {
		capacity = store.DefaultCapacity
	}
	return &Store{values: make(map[string]string), capacity: capacity}
}

// NewSeeded returns a store holding a small demo catalogue. Collections are
// written as bare JSON arrays, the layout used before revisions were tracked.
func NewSeeded(capacity int64) (*Store, error) {
	s := New(capacity)
	now := time.Now().UTC()

	products := []domain.Product{
		{Meta: domain.Meta{ID: "prd-coffee", CreatedAt: now}, Name: "House Coffee Beans 1kg", SKU: "COF-001", PurchasePrice: 14.5, Price: 24.99, CurrentStock: 40, MinStockLevel: 10, Category: "Beverages"},
		{Meta: domain.Meta{ID: "prd-tea", CreatedAt: now}, Name: "Green Tea 50 bags", SKU: "TEA-001", PurchasePrice: 3.2, Price: 6.5, CurrentStock: 80, MinStockLevel: 20, Category: "Beverages"},
		{Meta: domain.Meta{ID: "prd-mug", CreatedAt: now}, Name: "Ceramic Mug", SKU: "MUG-001", PurchasePrice: 2.1, Price: 8, CurrentStock: 25, MinStockLevel: 5, Category: "Homeware"},
		{Meta: domain.Meta{ID: "prd-filter", CreatedAt: now}, Name: "Paper Filters x100", SKU: "FLT-001", PurchasePrice: 1.1, Price: 3.75, CurrentStock: 120, MinStockLevel: 30, Category: "Accessories"},
	}
	customers := []domain.Customer{
		{Meta: domain.Meta{ID: domain.WalkInCustomerID, CreatedAt: now}, Name: domain.WalkInCustomerName},
		{Meta: domain.Meta{ID: "cus-ana", CreatedAt: now}, Name: "Ana Ortiz", Email: ptr("ana@example.com")},
	}

	ctx := context.Background()
	for key, value := range map[string]any{
		store.KeyProducts:  products,
		store.KeyCustomers: customers,
		store.KeySales:     []domain.Sale{},
	} {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode seed %s: %w", key, err)
		}
		if err := s.Set(ctx, key, string(raw)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func ptr(v string) *string { return &v }

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	return value, ok, nil
}

func (s *Store) Set(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.putLocked(key, value)
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.values[key]; ok {
		s.used -= int64(len(key) + len(old))
		delete(s.values, key)
	}
	return nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, old string, oldPresent bool, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.values[key]
	if ok != oldPresent || (ok && current != old) {
		return false, nil
	}
	if err := s.putLocked(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *Store) Usage(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.used, nil
}

func (s *Store) Capacity() int64 { return s.capacity }

func (s *Store) Close() error { return nil }

func (s *Store) putLocked(key string, value string) error {
	delta := int64(len(key) + len(value))
	if old, ok := s.values[key]; ok {
		delta -= int64(len(key) + len(old))
	}
	if s.used+delta > s.capacity {
		return fmt.Errorf("set %s (%d bytes): %w", key, len(value), store.ErrQuotaExceeded)
	}
	s.values[key] = value
	s.used += delta
	return nil
}
