package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"posadmin/backend/internal/cache"
)

const defaultMaxRetries = 4

type Options struct {
	Cache      cache.CollectionCache
	Capacity   int64
	MaxRetries int
	Logger     *slog.Logger
	Now        func() time.Time
}

// DB layers named documents over a Substrate. Every document is stored as an
// envelope carrying a revision number; writes compare-and-swap against the raw
// value they were derived from so a stale writer retries instead of clobbering.
type DB struct {
	mu         sync.Mutex
	kv         Substrate
	cache      cache.CollectionCache
	capacity   int64
	maxRetries int
	log        *slog.Logger
	now        func() time.Time
}

type envelope struct {
	Revision int64           `json:"revision"`
	Records  json.RawMessage `json:"records"`
}

// ErrUnchanged may be returned by a Mutate callback to leave the document as is.
var ErrUnchanged = errors.New("document unchanged")

func Open(kv Substrate, opts Options) *DB {
	if opts.Cache == nil {
		opts.Cache = cache.NoopCollectionCache{}
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &DB{
		kv:         kv,
		cache:      opts.Cache,
		capacity:   opts.Capacity,
		maxRetries: opts.MaxRetries,
		log:        opts.Logger.With("component", "store"),
		now:        opts.Now,
	}
}

func (d *DB) Substrate() Substrate { return d.kv }

func (d *DB) Capacity() int64 { return d.capacity }

func (d *DB) Now() time.Time { return d.now() }

func (d *DB) Usage(ctx context.Context) (int64, error) {
	return d.kv.Usage(ctx)
}

func (d *DB) Keys(ctx context.Context) ([]string, error) {
	return d.kv.Keys(ctx)
}

func (d *DB) Close() error {
	d.cache.Purge()
	return d.kv.Close()
}

// Invalidate drops the cached copy of one document.
func (d *DB) Invalidate(name string) {
	d.cache.Invalidate(name)
}

// InvalidateAll drops every cached document. Reads after this hit the substrate.
func (d *DB) InvalidateAll() {
	d.cache.Purge()
}

// Read decodes the named document into dest and reports whether it exists.
func (d *DB) Read(ctx context.Context, name string, dest any) (bool, error) {
	entry, err := d.load(ctx, name)
	if err != nil {
		return false, err
	}
	if !entry.Present || isNull(entry.Payload) {
		return false, nil
	}
	if err := json.Unmarshal(entry.Payload, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// ReadAt is Read that also returns the revision the value was decoded from.
// Pass the revision to a guarded WriteAll entry to detect writers in between.
func (d *DB) ReadAt(ctx context.Context, name string, dest any) (int64, error) {
	entry, err := d.load(ctx, name)
	if err != nil {
		return 0, err
	}
	if entry.Present && !isNull(entry.Payload) {
		if err := json.Unmarshal(entry.Payload, dest); err != nil {
			return 0, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return entry.Revision, nil
}

// Revision returns the revision of the cached or stored document.
func (d *DB) Revision(ctx context.Context, name string) (int64, error) {
	entry, err := d.load(ctx, name)
	if err != nil {
		return 0, err
	}
	return entry.Revision, nil
}

// Write replaces the named document wholesale.
func (d *DB) Write(ctx context.Context, name string, value any) error {
	return d.Mutate(ctx, name, func(json.RawMessage, bool) (any, error) {
		return value, nil
	})
}

// Mutate runs a read-modify-write cycle on one document. fn receives the
// current payload and returns the replacement; it may run more than once when
// another writer changes the document in between.
func (d *DB) Mutate(ctx context.Context, name string, fn func(current json.RawMessage, present bool) (any, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := d.load(ctx, name)
		if err != nil {
			return err
		}

		next, err := fn(entry.Payload, entry.Present && !isNull(entry.Payload))
		if errors.Is(err, ErrUnchanged) {
			return nil
		}
		if err != nil {
			return err
		}

		payload, raw, err := encode(name, entry.Revision+1, next)
		if err != nil {
			return err
		}

		swapped, err := d.kv.CompareAndSwap(ctx, name, entry.Raw, entry.Present, raw)
		if err != nil {
			d.cache.Invalidate(name)
			return fmt.Errorf("write %s: %w", name, err)
		}
		if swapped {
			d.cache.Set(name, cache.Entry{Raw: raw, Present: true, Revision: entry.Revision + 1, Payload: payload})
			return nil
		}

		d.log.Warn("revision conflict, reloading", "key", name, "revision", entry.Revision, "attempt", attempt+1)
		d.cache.Invalidate(name)
	}
	return fmt.Errorf("write %s: %w", name, ErrConflict)
}

// Remove deletes the named document. Missing keys are not an error.
func (d *DB) Remove(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache.Invalidate(name)
	if err := d.kv.Remove(ctx, name); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Pending is one document of a WriteAll batch.
type Pending struct {
	Name  string
	Value any
	// Remove deletes the document instead of writing Value.
	Remove bool
	// Guarded writes fail with ErrConflict unless the document is still at
	// Revision when the batch is written.
	Guarded  bool
	Revision int64
}

// WriteAll writes several documents as one logical unit. The substrate has no
// multi-key transactions, so when a later write fails the documents already
// written are put back to their previous content.
func (d *DB) WriteAll(ctx context.Context, batch []Pending) error {
	before := make([]cache.Entry, 0, len(batch))
	for _, p := range batch {
		entry, err := d.load(ctx, p.Name)
		if err != nil {
			return err
		}
		if p.Guarded && entry.Revision != p.Revision {
			d.cache.Invalidate(p.Name)
			return fmt.Errorf("write batch at %s: revision %d, expected %d: %w", p.Name, entry.Revision, p.Revision, ErrConflict)
		}
		before = append(before, entry)
	}

	for i, p := range batch {
		var err error
		switch {
		case p.Remove:
			err = d.Remove(ctx, p.Name)
		case p.Guarded:
			err = d.swap(ctx, p.Name, before[i], p.Value)
		default:
			err = d.Write(ctx, p.Name, p.Value)
		}
		if err == nil {
			continue
		}

		for j := i - 1; j >= 0; j-- {
			prev := before[j]
			var rollbackErr error
			if prev.Present {
				rollbackErr = d.Write(context.WithoutCancel(ctx), batch[j].Name, prev.Payload)
			} else {
				rollbackErr = d.Remove(context.WithoutCancel(ctx), batch[j].Name)
			}
			if rollbackErr != nil {
				d.log.Error("rollback failed", "key", batch[j].Name, "error", rollbackErr)
			}
		}
		return fmt.Errorf("write batch at %s: %w", p.Name, err)
	}
	return nil
}

// swap replaces the document only if the substrate still holds entry.
func (d *DB) swap(ctx context.Context, name string, entry cache.Entry, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	payload, raw, err := encode(name, entry.Revision+1, value)
	if err != nil {
		return err
	}
	swapped, err := d.kv.CompareAndSwap(ctx, name, entry.Raw, entry.Present, raw)
	if err != nil {
		d.cache.Invalidate(name)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if !swapped {
		d.cache.Invalidate(name)
		return fmt.Errorf("write %s: %w", name, ErrConflict)
	}
	d.cache.Set(name, cache.Entry{Raw: raw, Present: true, Revision: entry.Revision + 1, Payload: payload})
	return nil
}

func encode(name string, revision int64, value any) (json.RawMessage, string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", name, err)
	}
	raw, err := json.Marshal(envelope{Revision: revision, Records: payload})
	if err != nil {
		return nil, "", fmt.Errorf("encode %s envelope: %w", name, err)
	}
	return payload, string(raw), nil
}

func (d *DB) load(ctx context.Context, name string) (cache.Entry, error) {
	if entry, ok := d.cache.Get(name); ok {
		return entry, nil
	}
	raw, ok, err := d.kv.Get(ctx, name)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("read %s: %w", name, err)
	}
	entry := decodeEntry(raw, ok)
	d.cache.Set(name, entry)
	return entry, nil
}

// decodeEntry unwraps an envelope. Values written before revisions existed are
// bare JSON and are read as revision 0.
func decodeEntry(raw string, present bool) cache.Entry {
	if !present {
		return cache.Entry{}
	}
	entry := cache.Entry{Raw: raw, Present: true, Payload: json.RawMessage(raw)}

	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return entry
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil || len(fields) != 2 {
		return entry
	}
	rev, hasRev := fields["revision"]
	records, hasRecords := fields["records"]
	if !hasRev || !hasRecords {
		return entry
	}
	var revision int64
	if err := json.Unmarshal(rev, &revision); err != nil {
		return entry
	}
	entry.Revision = revision
	entry.Payload = records
	return entry
}

func isNull(payload json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(payload))
	return trimmed == "" || trimmed == "null"
}
