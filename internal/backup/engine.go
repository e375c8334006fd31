// Package backup snapshots the live collections into digest-stamped backup
// records, restores them, replicates them to backup locations and applies
// retention and the auto-backup schedule.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
	"posadmin/backend/internal/xid"
)

var (
	ErrBackupNotFound   = errors.New("backup not found")
	ErrInvalidBackup    = errors.New("invalid backup")
	ErrBackupInProgress = errors.New("backup already in progress")
)

const (
	KeyPrefix     = "backup_"
	CopyKeyPrefix = "backup_copy_"

	// PruneKeep is how many stored backups survive a near-capacity prune.
	PruneKeep         = 5
	nearCapacityRatio = 0.9
)

type Options struct {
	Logger *slog.Logger
	// Sinks overrides or extends the replication target per location type.
	// The local sink is always present.
	Sinks map[domain.LocationType]Sink
}

type Engine struct {
	db    *store.DB
	sinks map[domain.LocationType]Sink
	log   *slog.Logger
}

func New(db *store.DB, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sinks := map[domain.LocationType]Sink{
		domain.LocationLocal: LocalSink{DB: db},
	}
	for t, s := range opts.Sinks {
		if s != nil {
			sinks[t] = s
		}
	}
	return &Engine{db: db, sinks: sinks, log: logger.With("component", "backup")}
}

// Key returns the substrate key a backup id is stored under.
func Key(id string) string {
	if strings.HasPrefix(id, KeyPrefix) {
		return id
	}
	return KeyPrefix + id
}

// Digest is the hex SHA-256 of the compacted JSON data.
func Digest(data json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", fmt.Errorf("%w: data is not valid JSON: %v", ErrInvalidBackup, err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// Snapshot reads the full state of every live collection.
func (e *Engine) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	snap := domain.Snapshot{}
	reads := []struct {
		key  string
		dest any
	}{
		{store.KeyProducts, &snap.Products},
		{store.KeySales, &snap.Sales},
		{store.KeyCustomers, &snap.Customers},
		{store.KeyCustomerSales, &snap.CustomerSales},
	}
	for _, r := range reads {
		if _, err := e.db.Read(ctx, r.key, r.dest); err != nil {
			return snap, fmt.Errorf("snapshot %s: %w", r.key, err)
		}
	}
	var settings domain.Settings
	ok, err := e.db.Read(ctx, store.KeySettings, &settings)
	if err != nil {
		return snap, fmt.Errorf("snapshot settings: %w", err)
	}
	if ok {
		snap.Settings = &settings
	}

	if snap.Products == nil {
		snap.Products = []domain.Product{}
	}
	if snap.Sales == nil {
		snap.Sales = []domain.Sale{}
	}
	if snap.Customers == nil {
		snap.Customers = []domain.Customer{}
	}
	if snap.CustomerSales == nil {
		snap.CustomerSales = domain.CustomerSalesMap{}
	}
	return snap, nil
}

// build snapshots the store and returns a hashed, unsaved backup file.
func (e *Engine) build(ctx context.Context, typ domain.BackupType) (domain.BackupFile, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return domain.BackupFile{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.BackupFile{}, err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return domain.BackupFile{}, fmt.Errorf("encode snapshot: %w", err)
	}
	hash, err := Digest(data)
	if err != nil {
		return domain.BackupFile{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.BackupFile{}, err
	}

	var version domain.SchemaVersion
	if _, err := e.db.Read(ctx, store.KeyDBVersion, &version); err != nil {
		return domain.BackupFile{}, err
	}

	meta := domain.BackupMetadata{
		ID:            xid.New(),
		Type:          typ,
		Timestamp:     e.db.Now(),
		Size:          int64(len(data)),
		Version:       domain.BackupFormatVersion,
		SchemaVersion: version.Version,
		DataTypes: domain.DataTypes{
			Products:  len(snap.Products),
			Sales:     len(snap.Sales),
			Customers: len(snap.Customers),
		},
		Hash: hash,
	}
	return domain.BackupFile{Metadata: meta, Data: data}, nil
}

// CreateBackup snapshots every collection and stores the result under
// backup_<id>. Near capacity, older stored backups are pruned first.
func (e *Engine) CreateBackup(ctx context.Context, typ domain.BackupType) (domain.BackupMetadata, error) {
	if !typ.Valid() {
		return domain.BackupMetadata{}, fmt.Errorf("%w: unknown backup type %q", ErrInvalidBackup, typ)
	}
	start := time.Now()

	meta, err := e.createBackup(ctx, typ)
	if err != nil {
		backupsTotal.WithLabelValues(string(typ), "failed").Inc()
		return domain.BackupMetadata{}, err
	}
	backupsTotal.WithLabelValues(string(typ), "success").Inc()
	backupSizeBytes.Observe(float64(meta.Size))
	backupDuration.Observe(time.Since(start).Seconds())
	e.log.Info("backup created", "id", meta.ID, "type", typ, "size", meta.Size)
	return meta, nil
}

func (e *Engine) createBackup(ctx context.Context, typ domain.BackupType) (domain.BackupMetadata, error) {
	if err := e.pruneIfNearCapacity(ctx); err != nil {
		return domain.BackupMetadata{}, err
	}

	file, err := e.build(ctx, typ)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.BackupMetadata{}, err
	}

	key := Key(file.Metadata.ID)
	err = e.db.Write(ctx, key, file)
	if errors.Is(err, store.ErrQuotaExceeded) {
		e.log.Warn("substrate full, pruning stored backups", "keep", PruneKeep)
		if _, pruneErr := e.CleanupStoredBackups(ctx, PruneKeep); pruneErr != nil {
			return domain.BackupMetadata{}, errors.Join(err, pruneErr)
		}
		err = e.db.Write(ctx, key, file)
	}
	if err != nil {
		return domain.BackupMetadata{}, fmt.Errorf("store backup: %w", err)
	}

	var total int
	err = e.db.Mutate(ctx, store.KeyBackupsList, func(current json.RawMessage, present bool) (any, error) {
		keys, err := decodeKeys(current, present)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		total = len(keys)
		return keys, nil
	})
	if err != nil {
		_ = e.db.Remove(context.WithoutCancel(ctx), key)
		return domain.BackupMetadata{}, fmt.Errorf("index backup: %w", err)
	}

	if err := e.updateStatus(ctx, file.Metadata.Timestamp, total); err != nil {
		return domain.BackupMetadata{}, err
	}
	return file.Metadata, nil
}

func (e *Engine) pruneIfNearCapacity(ctx context.Context) error {
	used, err := e.db.Usage(ctx)
	if err != nil {
		return fmt.Errorf("read substrate usage: %w", err)
	}
	if float64(used) <= float64(e.db.Capacity())*nearCapacityRatio {
		return nil
	}
	e.log.Warn("substrate near capacity, pruning stored backups", "used", used, "capacity", e.db.Capacity())
	_, err = e.CleanupStoredBackups(ctx, PruneKeep)
	return err
}

// ExportBackup is a manual backup that is also recorded in the history.
func (e *Engine) ExportBackup(ctx context.Context) (domain.BackupMetadata, error) {
	return e.createAndRecord(ctx, domain.BackupManual)
}

func (e *Engine) CreateStartupBackup(ctx context.Context) (domain.BackupMetadata, error) {
	return e.createAndRecord(ctx, domain.BackupStartup)
}

func (e *Engine) CreateShutdownBackup(ctx context.Context) (domain.BackupMetadata, error) {
	return e.createAndRecord(ctx, domain.BackupShutdown)
}

func (e *Engine) createAndRecord(ctx context.Context, typ domain.BackupType) (domain.BackupMetadata, error) {
	meta, err := e.CreateBackup(ctx, typ)
	entry := domain.BackupHistoryEntry{
		Timestamp: e.db.Now(),
		Type:      typ,
		Status:    domain.BackupSucceeded,
		Locations: []string{string(domain.LocationLocal)},
		Metadata:  meta,
		Size:      meta.Size,
	}
	if err != nil {
		entry.Status = domain.BackupFailed
		entry.Locations = []string{}
		entry.Error = err.Error()
		entry.Metadata = emptyMetadata(e.db.Now())
	}
	// the history write must survive a cancelled backup context
	if herr := e.AddHistoryEntry(context.WithoutCancel(ctx), entry); herr != nil {
		e.log.Error("record backup history", "error", herr)
	}
	return meta, err
}

func emptyMetadata(at time.Time) domain.BackupMetadata {
	return domain.BackupMetadata{Timestamp: at, Version: domain.BackupFormatVersion}
}

// LoadBackup reads a stored backup by id or key. Copies replicated to the
// local location are found too.
func (e *Engine) LoadBackup(ctx context.Context, id string) (domain.BackupFile, error) {
	if id == "" {
		return domain.BackupFile{}, fmt.Errorf("%w: empty backup id", ErrBackupNotFound)
	}
	candidates := []string{Key(id)}
	if !strings.HasPrefix(id, KeyPrefix) {
		candidates = append(candidates, CopyKeyPrefix+id)
	}

	for _, key := range candidates {
		var raw json.RawMessage
		ok, err := e.db.Read(ctx, key, &raw)
		if err != nil {
			return domain.BackupFile{}, err
		}
		if !ok {
			continue
		}
		return ParseFile(raw)
	}
	return domain.BackupFile{}, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
}

// ParseFile decodes a backup file and requires both metadata and data.
func ParseFile(raw []byte) (domain.BackupFile, error) {
	var parts struct {
		Metadata json.RawMessage `json:"metadata"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return domain.BackupFile{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if isEmpty(parts.Metadata) || isEmpty(parts.Data) {
		return domain.BackupFile{}, fmt.Errorf("%w: metadata and data are required", ErrInvalidBackup)
	}
	var file domain.BackupFile
	if err := json.Unmarshal(parts.Metadata, &file.Metadata); err != nil {
		return domain.BackupFile{}, fmt.Errorf("%w: metadata: %v", ErrInvalidBackup, err)
	}
	file.Data = parts.Data
	return file, nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// VerifyBackup recomputes the digest of a stored backup. Backups written
// without a digest are accepted with a warning.
func (e *Engine) VerifyBackup(ctx context.Context, id string) (bool, error) {
	file, err := e.LoadBackup(ctx, id)
	if err != nil {
		verifyFailures.Inc()
		return false, err
	}
	if file.Metadata.Hash == "" {
		e.log.Warn("backup has no hash for verification", "id", id)
		return true, nil
	}
	sum, err := Digest(file.Data)
	if err != nil {
		verifyFailures.Inc()
		return false, nil
	}
	if sum != file.Metadata.Hash {
		verifyFailures.Inc()
		e.log.Warn("backup digest mismatch", "id", id)
		return false, nil
	}
	return true, nil
}

// ListStoredBackups returns the indexed backups, oldest first. Index entries
// whose record is gone are skipped.
func (e *Engine) ListStoredBackups(ctx context.Context) ([]domain.StoredBackup, error) {
	keys, err := e.backupKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StoredBackup, 0, len(keys))
	for _, key := range keys {
		file, err := e.LoadBackup(ctx, key)
		if errors.Is(err, ErrBackupNotFound) || errors.Is(err, ErrInvalidBackup) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, domain.StoredBackup{Key: key, Metadata: file.Metadata})
	}
	return out, nil
}

// CleanupStoredBackups removes all but the newest keep stored backups and
// returns how many were removed.
func (e *Engine) CleanupStoredBackups(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	keys, err := e.backupKeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) <= keep {
		return 0, nil
	}
	doomed := keys[:len(keys)-keep]
	if err := e.removeStored(ctx, doomed); err != nil {
		return 0, err
	}
	e.log.Info("stored backups pruned", "removed", len(doomed), "kept", keep)
	return len(doomed), nil
}

// DeleteBackup removes one stored backup and records the deletion.
func (e *Engine) DeleteBackup(ctx context.Context, key string) error {
	key = Key(key)
	keys, err := e.backupKeys(ctx)
	if err != nil {
		return err
	}
	_, present, err := e.db.Substrate().Get(ctx, key)
	if err != nil {
		return err
	}
	if !present && !slices.Contains(keys, key) {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, key)
	}
	if err := e.removeStored(ctx, []string{key}); err != nil {
		return err
	}
	return e.AddHistoryEntry(ctx, domain.BackupHistoryEntry{
		Timestamp: e.db.Now(),
		Type:      domain.BackupManual,
		Status:    domain.BackupSucceeded,
		Locations: []string{},
		Metadata:  emptyMetadata(e.db.Now()),
	})
}

func (e *Engine) removeStored(ctx context.Context, doomed []string) error {
	for _, key := range doomed {
		if err := e.db.Remove(ctx, key); err != nil {
			return err
		}
	}
	var total int
	err := e.db.Mutate(ctx, store.KeyBackupsList, func(current json.RawMessage, present bool) (any, error) {
		keys, err := decodeKeys(current, present)
		if err != nil {
			return nil, err
		}
		keys = slices.DeleteFunc(keys, func(k string) bool { return slices.Contains(doomed, k) })
		total = len(keys)
		return keys, nil
	})
	if err != nil {
		return fmt.Errorf("update backup index: %w", err)
	}
	return e.mutateStatus(ctx, func(s *domain.BackupStatus) { s.TotalBackups = total })
}

func (e *Engine) backupKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if _, err := e.db.Read(ctx, store.KeyBackupsList, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func decodeKeys(current json.RawMessage, present bool) ([]string, error) {
	var keys []string
	if !present {
		return keys, nil
	}
	if err := json.Unmarshal(current, &keys); err != nil {
		return nil, fmt.Errorf("decode backup index: %w", err)
	}
	return keys, nil
}

// DownloadBackup writes a stored backup as a JSON file to w.
func (e *Engine) DownloadBackup(ctx context.Context, id string, w io.Writer) (domain.BackupMetadata, error) {
	file, err := e.LoadBackup(ctx, id)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	if err := json.NewEncoder(w).Encode(file); err != nil {
		return domain.BackupMetadata{}, fmt.Errorf("write backup: %w", err)
	}
	return file.Metadata, nil
}

// WriteExport creates a manual backup and writes it to w.
func (e *Engine) WriteExport(ctx context.Context, w io.Writer) (domain.BackupMetadata, error) {
	meta, err := e.ExportBackup(ctx)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	return e.DownloadBackup(ctx, meta.ID, w)
}

// FileName is the download name for a backup.
func FileName(meta domain.BackupMetadata) string {
	return "backup_" + meta.Timestamp.UTC().Format("20060102T150405Z") + ".json"
}
