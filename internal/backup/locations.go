package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
	"posadmin/backend/internal/xid"
)

var (
	ErrInvalidLocation = errors.New("invalid backup location")
	ErrNoSink          = errors.New("no sink configured for location type")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultLocationID is the id of the location that always exists on a fresh store.
const DefaultLocationID = "local"

func defaultLocations() []domain.BackupLocation {
	return []domain.BackupLocation{{
		ID:     DefaultLocationID,
		Name:   "Local Storage",
		Type:   domain.LocationLocal,
		Status: domain.LocationActive,
	}}
}

// Locations returns the configured backup locations.
func (e *Engine) Locations(ctx context.Context) ([]domain.BackupLocation, error) {
	var locs []domain.BackupLocation
	ok, err := e.db.Read(ctx, store.KeyBackupLocations, &locs)
	if err != nil {
		return nil, err
	}
	if !ok || locs == nil {
		return defaultLocations(), nil
	}
	return locs, nil
}

// AddLocation validates loc and appends it. A missing id is generated and a
// missing status defaults to active.
func (e *Engine) AddLocation(ctx context.Context, loc domain.BackupLocation) (domain.BackupLocation, error) {
	if loc.Status == "" {
		loc.Status = domain.LocationActive
	}
	if err := validate.Struct(loc); err != nil {
		return domain.BackupLocation{}, fmt.Errorf("%w: %s", ErrInvalidLocation, describe(err))
	}
	if loc.ID == "" {
		loc.ID = xid.Prefixed(string(loc.Type))
	}
	loc.LastSync = nil

	err := e.mutateLocations(ctx, func(locs []domain.BackupLocation) ([]domain.BackupLocation, error) {
		if slices.ContainsFunc(locs, func(l domain.BackupLocation) bool { return l.ID == loc.ID }) {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidLocation, loc.ID)
		}
		return append(locs, loc), nil
	})
	if err != nil {
		return domain.BackupLocation{}, err
	}
	e.log.Info("backup location added", "id", loc.ID, "type", loc.Type)
	return loc, nil
}

func (e *Engine) RemoveLocation(ctx context.Context, id string) error {
	return e.mutateLocations(ctx, func(locs []domain.BackupLocation) ([]domain.BackupLocation, error) {
		i := slices.IndexFunc(locs, func(l domain.BackupLocation) bool { return l.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("backup location %s: %w", id, store.ErrNotFound)
		}
		return slices.Delete(locs, i, i+1), nil
	})
}

func (e *Engine) mutateLocations(ctx context.Context, fn func([]domain.BackupLocation) ([]domain.BackupLocation, error)) error {
	return e.db.Mutate(ctx, store.KeyBackupLocations, func(current json.RawMessage, present bool) (any, error) {
		locs := defaultLocations()
		if present {
			locs = nil
			if err := json.Unmarshal(current, &locs); err != nil {
				return nil, fmt.Errorf("decode backup locations: %w", err)
			}
		}
		return fn(locs)
	})
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// Copies returns the recorded backup copies, oldest first.
func (e *Engine) Copies(ctx context.Context) ([]domain.BackupCopy, error) {
	var copies []domain.BackupCopy
	if _, err := e.db.Read(ctx, store.KeyBackupCopies, &copies); err != nil {
		return nil, err
	}
	if copies == nil {
		copies = []domain.BackupCopy{}
	}
	return copies, nil
}

// CreateBackupCopy snapshots the store and writes the result to every active
// location. A location that fails is logged and left out of the copy's
// location list; the copy is recorded as long as one location accepted it.
func (e *Engine) CreateBackupCopy(ctx context.Context) (domain.BackupCopy, error) {
	locs, err := e.Locations(ctx)
	if err != nil {
		return domain.BackupCopy{}, err
	}
	file, err := e.build(ctx, domain.BackupManual)
	if err != nil {
		return domain.BackupCopy{}, err
	}

	placed := e.replicate(ctx, file, locs, nil)
	if len(placed) == 0 {
		return domain.BackupCopy{}, errors.New("no backup location accepted the copy")
	}

	cp := domain.BackupCopy{
		ID:        file.Metadata.ID,
		Timestamp: file.Metadata.Timestamp,
		Size:      file.Metadata.Size,
		Version:   file.Metadata.Version,
		Hash:      file.Metadata.Hash,
		Locations: placed,
	}
	err = e.db.Mutate(ctx, store.KeyBackupCopies, func(current json.RawMessage, present bool) (any, error) {
		var copies []domain.BackupCopy
		if present {
			if err := json.Unmarshal(current, &copies); err != nil {
				return nil, fmt.Errorf("decode backup copies: %w", err)
			}
		}
		return append(copies, cp), nil
	})
	if err != nil {
		return domain.BackupCopy{}, err
	}
	if err := e.touchLocations(ctx, placed); err != nil {
		return cp, err
	}
	e.log.Info("backup copy created", "id", cp.ID, "locations", placed)
	return cp, nil
}

// SyncBackups writes every recorded copy to the active locations it is
// missing from and returns how many placements were added.
func (e *Engine) SyncBackups(ctx context.Context) (int, error) {
	locs, err := e.Locations(ctx)
	if err != nil {
		return 0, err
	}
	copies, err := e.Copies(ctx)
	if err != nil {
		return 0, err
	}

	added := map[string][]string{}
	var touched []string
	for _, cp := range copies {
		missing := slices.DeleteFunc(slices.Clone(locs), func(l domain.BackupLocation) bool {
			return slices.Contains(cp.Locations, l.ID)
		})
		if len(missing) == 0 {
			continue
		}
		file, err := e.LoadBackup(ctx, cp.ID)
		if errors.Is(err, ErrBackupNotFound) {
			e.log.Warn("backup copy source missing, skipping sync", "id", cp.ID)
			continue
		}
		if err != nil {
			return 0, err
		}
		if placed := e.replicate(ctx, file, missing, cp.Locations); len(placed) > 0 {
			added[cp.ID] = placed
			touched = append(touched, placed...)
		}
	}
	if len(added) == 0 {
		return 0, nil
	}

	count := 0
	err = e.db.Mutate(ctx, store.KeyBackupCopies, func(current json.RawMessage, present bool) (any, error) {
		var copies []domain.BackupCopy
		if present {
			if err := json.Unmarshal(current, &copies); err != nil {
				return nil, fmt.Errorf("decode backup copies: %w", err)
			}
		}
		count = 0
		for i := range copies {
			for _, id := range added[copies[i].ID] {
				if !slices.Contains(copies[i].Locations, id) {
					copies[i].Locations = append(copies[i].Locations, id)
					count++
				}
			}
		}
		return copies, nil
	})
	if err != nil {
		return 0, err
	}
	if err := e.touchLocations(ctx, touched); err != nil {
		return count, err
	}
	e.log.Info("backup copies synced", "placements", count)
	return count, nil
}

// replicate writes file to each active location not in skip and returns the
// ids that accepted it.
func (e *Engine) replicate(ctx context.Context, file domain.BackupFile, locs []domain.BackupLocation, skip []string) []string {
	placed := []string{}
	for _, loc := range locs {
		if loc.Status != domain.LocationActive || slices.Contains(skip, loc.ID) {
			continue
		}
		sink, ok := e.sinks[loc.Type]
		if !ok {
			copyFailures.WithLabelValues(string(loc.Type)).Inc()
			e.log.Warn("backup location skipped", "id", loc.ID, "type", loc.Type, "error", ErrNoSink)
			continue
		}
		if err := sink.Save(ctx, loc, file); err != nil {
			copyFailures.WithLabelValues(string(loc.Type)).Inc()
			e.log.Error("backup copy to location failed", "id", loc.ID, "type", loc.Type, "error", err)
			continue
		}
		placed = append(placed, loc.ID)
	}
	return placed
}

func (e *Engine) touchLocations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := e.db.Now()
	return e.mutateLocations(ctx, func(locs []domain.BackupLocation) ([]domain.BackupLocation, error) {
		for i := range locs {
			if slices.Contains(ids, locs[i].ID) {
				locs[i].LastSync = &now
			}
		}
		return locs, nil
	})
}

// Sink writes a backup file to one kind of location.
type Sink interface {
	Save(ctx context.Context, loc domain.BackupLocation, file domain.BackupFile) error
}

// LocalSink keeps copies in the substrate under backup_copy_<id>.
type LocalSink struct {
	DB *store.DB
}

func (s LocalSink) Save(ctx context.Context, _ domain.BackupLocation, file domain.BackupFile) error {
	return s.DB.Write(ctx, CopyKeyPrefix+file.Metadata.ID, file)
}

// FileSink writes copies as JSON files into Dir, or into the location path
// resolved by ExternalDir.
type FileSink struct {
	Dir string
}

// ExternalDir resolves the directory an external location writes to. A
// relative path must stay inside root. Absolute paths come from the
// configuration file only; the admin API rejects them.
func ExternalDir(root, path string) (string, error) {
	switch {
	case path == "":
		if root == "" {
			return "", errors.New("external location has no directory")
		}
		return root, nil
	case filepath.IsAbs(path):
		return filepath.Clean(path), nil
	case !filepath.IsLocal(path):
		return "", fmt.Errorf("%w: path %q leaves the export directory", ErrInvalidLocation, path)
	case root == "":
		return "", errors.New("external location has no export directory")
	}
	return filepath.Join(root, path), nil
}

func (s FileSink) Save(_ context.Context, loc domain.BackupLocation, file domain.BackupFile) error {
	dir, err := ExternalDir(s.Dir, loc.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	payload, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".store_backup_*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write backup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close backup file: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, CopyFileName(file.Metadata)))
}

// CopyFileName is the file or object name a replicated backup is written as.
func CopyFileName(meta domain.BackupMetadata) string {
	return "store_backup_" + meta.Timestamp.UTC().Format("20060102T150405Z") + "_" + meta.ID + ".json"
}
