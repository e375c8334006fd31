package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
	"posadmin/backend/internal/xid"
)

const (
	MaxHistoryEntries = 100
	MaxNotifications  = 50
)

type historyDoc struct {
	Entries []domain.BackupHistoryEntry `json:"entries"`
}

// History returns the backup log newest first with totals.
func (e *Engine) History(ctx context.Context) (domain.BackupHistory, error) {
	var doc historyDoc
	if _, err := e.db.Read(ctx, store.KeyBackupHistory, &doc); err != nil {
		return domain.BackupHistory{}, err
	}
	entries := doc.Entries
	if entries == nil {
		entries = []domain.BackupHistoryEntry{}
	}
	slices.SortStableFunc(entries, func(a, b domain.BackupHistoryEntry) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	h := domain.BackupHistory{Entries: entries, TotalBackups: len(entries)}
	if len(entries) > 0 {
		last := entries[0].Timestamp
		h.LastBackup = &last
	}
	for _, entry := range entries {
		h.TotalSize += entry.Size
	}
	return h, nil
}

// AddHistoryEntry prepends entry to the log, keeping the newest
// MaxHistoryEntries.
func (e *Engine) AddHistoryEntry(ctx context.Context, entry domain.BackupHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.db.Now()
	}
	if entry.Locations == nil {
		entry.Locations = []string{}
	}
	return e.db.Mutate(ctx, store.KeyBackupHistory, func(current json.RawMessage, present bool) (any, error) {
		doc, err := decodeHistory(current, present)
		if err != nil {
			return nil, err
		}
		doc.Entries = append([]domain.BackupHistoryEntry{entry}, doc.Entries...)
		if len(doc.Entries) > MaxHistoryEntries {
			doc.Entries = doc.Entries[:MaxHistoryEntries]
		}
		return doc, nil
	})
}

func decodeHistory(current json.RawMessage, present bool) (historyDoc, error) {
	var doc historyDoc
	if !present {
		return doc, nil
	}
	if err := json.Unmarshal(current, &doc); err != nil {
		return doc, fmt.Errorf("decode backup history: %w", err)
	}
	return doc, nil
}

// Retain reports whether something of the given type and age survives policy.
// Anything inside the daily window is kept; auto backups are also kept inside
// the weekly and monthly windows.
func Retain(policy domain.RetentionPolicy, typ domain.BackupType, age time.Duration) bool {
	days := age.Hours() / 24
	if days <= float64(policy.Daily) {
		return true
	}
	if typ != domain.BackupAuto {
		return false
	}
	return days <= float64(policy.Weekly*7) || days <= float64(policy.Monthly*30)
}

// CleanupOldBackups drops history entries and stored backups that fall
// outside policy. It returns the number of history entries removed.
func (e *Engine) CleanupOldBackups(ctx context.Context, policy domain.RetentionPolicy) (int, error) {
	now := e.db.Now()
	removed := 0
	err := e.db.Mutate(ctx, store.KeyBackupHistory, func(current json.RawMessage, present bool) (any, error) {
		doc, err := decodeHistory(current, present)
		if err != nil {
			return nil, err
		}
		kept := make([]domain.BackupHistoryEntry, 0, len(doc.Entries))
		for _, entry := range doc.Entries {
			if Retain(policy, entry.Type, now.Sub(entry.Timestamp)) {
				kept = append(kept, entry)
			}
		}
		removed = len(doc.Entries) - len(kept)
		if removed == 0 {
			return nil, store.ErrUnchanged
		}
		return historyDoc{Entries: kept}, nil
	})
	if err != nil {
		return 0, err
	}

	stored, err := e.ListStoredBackups(ctx)
	if err != nil {
		return removed, err
	}
	var doomed []string
	for _, b := range stored {
		if !Retain(policy, b.Metadata.Type, now.Sub(b.Metadata.Timestamp)) {
			doomed = append(doomed, b.Key)
		}
	}
	if len(doomed) > 0 {
		if err := e.removeStored(ctx, doomed); err != nil {
			return removed, err
		}
	}
	if removed > 0 || len(doomed) > 0 {
		e.log.Info("cleaned up old backups", "history_removed", removed, "stored_removed", len(doomed))
	}
	return removed, nil
}

// Status is the summary record kept alongside the backup index.
func (e *Engine) Status(ctx context.Context) (domain.BackupStatus, error) {
	var status domain.BackupStatus
	if _, err := e.db.Read(ctx, store.KeyBackupStatus, &status); err != nil {
		return domain.BackupStatus{}, err
	}
	return status, nil
}

func (e *Engine) updateStatus(ctx context.Context, at time.Time, total int) error {
	settings, err := e.AutoBackupSettings(ctx)
	if err != nil {
		return err
	}
	return e.mutateStatus(ctx, func(s *domain.BackupStatus) {
		s.LastBackup = &at
		s.TotalBackups = total
		s.NextScheduledBackup = nil
		if settings.Enabled {
			s.NextScheduledBackup = settings.NextScheduledBackup
		}
	})
}

func (e *Engine) mutateStatus(ctx context.Context, fn func(*domain.BackupStatus)) error {
	return e.db.Mutate(ctx, store.KeyBackupStatus, func(current json.RawMessage, present bool) (any, error) {
		var status domain.BackupStatus
		if present {
			if err := json.Unmarshal(current, &status); err != nil {
				return nil, fmt.Errorf("decode backup status: %w", err)
			}
		}
		fn(&status)
		return status, nil
	})
}

// Notify prepends a notification, keeping the newest MaxNotifications.
func (e *Engine) Notify(ctx context.Context, level domain.NotificationLevel, message string) error {
	n := domain.BackupNotification{Type: level, Message: message, Timestamp: e.db.Now()}
	return e.db.Mutate(ctx, store.KeyBackupNotifications, func(current json.RawMessage, present bool) (any, error) {
		var list []domain.BackupNotification
		if present {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, fmt.Errorf("decode notifications: %w", err)
			}
		}
		list = append([]domain.BackupNotification{n}, list...)
		if len(list) > MaxNotifications {
			list = list[:MaxNotifications]
		}
		return list, nil
	})
}

func (e *Engine) Notifications(ctx context.Context) ([]domain.BackupNotification, error) {
	var list []domain.BackupNotification
	if _, err := e.db.Read(ctx, store.KeyBackupNotifications, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []domain.BackupNotification{}
	}
	return list, nil
}
