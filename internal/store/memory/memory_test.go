package memory

import (
	"context"
	"errors"
	"testing"

	"posadmin/backend/internal/store"
)

func TestQuotaRejectsOversizedWrite(t *testing.T) {
	ctx := context.Background()
	s := New(16)

	if err := s.Set(ctx, "k", "0123456789"); err != nil {
		t.Fatalf("set within quota: %v", err)
	}
	err := s.Set(ctx, "other", "0123456789")
	if !errors.Is(err, store.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// replacing an existing value only counts the difference
	if err := s.Set(ctx, "k", "abcdefghijklmn"); err != nil {
		t.Fatalf("replace within quota: %v", err)
	}
	used, _ := s.Usage(ctx)
	if used != 15 {
		t.Fatalf("expected usage 15, got %d", used)
	}
}

func TestCompareAndSwapRequiresMatchingValue(t *testing.T) {
	ctx := context.Background()
	s := New(0)

	if ok, _ := s.CompareAndSwap(ctx, "sales", "x", true, "v1"); ok {
		t.Fatalf("swap against missing key with oldPresent must fail")
	}
	if ok, _ := s.CompareAndSwap(ctx, "sales", "", false, "v1"); !ok {
		t.Fatalf("swap against missing key must succeed")
	}
	if ok, _ := s.CompareAndSwap(ctx, "sales", "v0", true, "v2"); ok {
		t.Fatalf("swap against stale value must fail")
	}
	if ok, _ := s.CompareAndSwap(ctx, "sales", "v1", true, "v2"); !ok {
		t.Fatalf("swap against current value must succeed")
	}
	value, _, _ := s.Get(ctx, "sales")
	if value != "v2" {
		t.Fatalf("expected v2, got %s", value)
	}

	if err := s.Remove(ctx, "sales"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if used, _ := s.Usage(ctx); used != 0 {
		t.Fatalf("expected usage 0 after remove, got %d", used)
	}
}

func TestNewSeededWritesCatalogue(t *testing.T) {
	s, err := NewSeeded(0)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	keys, _ := s.Keys(context.Background())
	if len(keys) != 3 {
		t.Fatalf("expected 3 seeded keys, got %v", keys)
	}
}
