package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"posadmin/backend/internal/xid"
)

// Document is implemented by records that carry their own identity.
type Document interface {
	DocumentID() string
	Stamp(id string, at time.Time)
}

// Collection is a typed view of one named document holding a record array.
type Collection[T any, P interface {
	*T
	Document
}] struct {
	db   *DB
	name string
}

func NewCollection[T any, P interface {
	*T
	Document
}](db *DB, name string) *Collection[T, P] {
	return &Collection[T, P]{db: db, name: name}
}

func (c *Collection[T, P]) Name() string { return c.name }

func (c *Collection[T, P]) All(ctx context.Context) ([]T, error) {
	var records []T
	if _, err := c.db.Read(ctx, c.name, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []T{}
	}
	return records, nil
}

// AllAt returns the records with the revision they were read at.
func (c *Collection[T, P]) AllAt(ctx context.Context) ([]T, int64, error) {
	var records []T
	revision, err := c.db.ReadAt(ctx, c.name, &records)
	if err != nil {
		return nil, 0, err
	}
	if records == nil {
		records = []T{}
	}
	return records, revision, nil
}

func (c *Collection[T, P]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	records, err := c.All(ctx)
	if err != nil {
		return zero, err
	}
	for i := range records {
		if P(&records[i]).DocumentID() == id {
			return records[i], nil
		}
	}
	return zero, fmt.Errorf("%s %q: %w", c.name, id, ErrNotFound)
}

// Set replaces the whole collection.
func (c *Collection[T, P]) Set(ctx context.Context, records []T) error {
	if records == nil {
		records = []T{}
	}
	return c.db.Write(ctx, c.name, records)
}

// Insert appends record after stamping a fresh id and creation time on the
// fields that are still empty.
func (c *Collection[T, P]) Insert(ctx context.Context, record T) (T, error) {
	P(&record).Stamp(xid.New(), c.db.Now())
	err := c.Mutate(ctx, func(records []T) ([]T, error) {
		return append(records, record), nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return record, nil
}

// Update applies fn to the record with the given id.
func (c *Collection[T, P]) Update(ctx context.Context, id string, fn func(*T) error) (T, error) {
	var updated T
	err := c.Mutate(ctx, func(records []T) ([]T, error) {
		for i := range records {
			if P(&records[i]).DocumentID() != id {
				continue
			}
			if err := fn(&records[i]); err != nil {
				return nil, err
			}
			updated = records[i]
			return records, nil
		}
		return nil, fmt.Errorf("%s %q: %w", c.name, id, ErrNotFound)
	})
	return updated, err
}

// Patch merges fields into the record with the given id. Identity fields are
// never overwritten.
func (c *Collection[T, P]) Patch(ctx context.Context, id string, fields map[string]any) (T, error) {
	return c.Update(ctx, id, func(record *T) error {
		return mergeFields(record, fields)
	})
}

func (c *Collection[T, P]) Delete(ctx context.Context, id string) error {
	return c.Mutate(ctx, func(records []T) ([]T, error) {
		for i := range records {
			if P(&records[i]).DocumentID() == id {
				return append(records[:i], records[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%s %q: %w", c.name, id, ErrNotFound)
	})
}

// Mutate is a read-modify-write of the full record array. fn may run again
// when the collection was changed concurrently.
func (c *Collection[T, P]) Mutate(ctx context.Context, fn func([]T) ([]T, error)) error {
	return c.db.Mutate(ctx, c.name, func(current json.RawMessage, present bool) (any, error) {
		var records []T
		if present {
			if err := json.Unmarshal(current, &records); err != nil {
				return nil, fmt.Errorf("decode %s: %w", c.name, err)
			}
		}
		next, err := fn(records)
		if err != nil {
			return nil, err
		}
		if next == nil {
			next = []T{}
		}
		return next, nil
	})
}

func mergeFields(record any, fields map[string]any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	merged := map[string]any{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return err
	}
	for k, v := range fields {
		if k == "id" || k == "created_at" {
			continue
		}
		merged[k] = v
	}
	raw, err = json.Marshal(merged)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, record)
}
