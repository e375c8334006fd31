package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
)

const (
	DefaultCheckInterval = time.Hour
	// A flag older than this is treated as left behind by a crashed process.
	inProgressTTL = 30 * time.Minute
)

type inProgressFlag struct {
	Since time.Time `json:"since"`
}

// NextRun is the next auto-backup time after from. It uses calendar
// arithmetic, so a monthly run on Jan 31 lands on Mar 2 or 3.
func NextRun(from time.Time, freq domain.BackupFrequency) time.Time {
	switch freq {
	case domain.FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case domain.FrequencyMonthly:
		return from.AddDate(0, 1, 0)
	default:
		return from.AddDate(0, 0, 1)
	}
}

func defaultAutoSettings() domain.AutoBackupSettings {
	return domain.AutoBackupSettings{Frequency: domain.FrequencyDaily}
}

func (e *Engine) AutoBackupSettings(ctx context.Context) (domain.AutoBackupSettings, error) {
	settings := defaultAutoSettings()
	if _, err := e.db.Read(ctx, store.KeyAutoBackupSettings, &settings); err != nil {
		return domain.AutoBackupSettings{}, err
	}
	if !settings.Frequency.Valid() {
		settings.Frequency = domain.FrequencyDaily
	}
	return settings, nil
}

// SetAutoBackupSettings merges update into the stored settings. Enabling
// without a next run schedules one a period from now.
func (e *Engine) SetAutoBackupSettings(ctx context.Context, update domain.AutoBackupSettingsUpdate) (domain.AutoBackupSettings, error) {
	if update.Frequency != nil && !update.Frequency.Valid() {
		return domain.AutoBackupSettings{}, fmt.Errorf("unknown backup frequency %q", *update.Frequency)
	}

	var out domain.AutoBackupSettings
	err := e.db.Mutate(ctx, store.KeyAutoBackupSettings, func(current json.RawMessage, present bool) (any, error) {
		settings := defaultAutoSettings()
		if present {
			if err := json.Unmarshal(current, &settings); err != nil {
				return nil, fmt.Errorf("decode auto backup settings: %w", err)
			}
		}
		frequencyChanged := update.Frequency != nil && *update.Frequency != settings.Frequency
		if update.Enabled != nil {
			settings.Enabled = *update.Enabled
		}
		if update.Frequency != nil {
			settings.Frequency = *update.Frequency
		}
		if update.LastAutoBackup != nil {
			settings.LastAutoBackup = update.LastAutoBackup
		}
		if update.NextScheduledBackup != nil {
			settings.NextScheduledBackup = update.NextScheduledBackup
		} else if settings.Enabled && (settings.NextScheduledBackup == nil || frequencyChanged) {
			next := NextRun(e.db.Now(), settings.Frequency)
			settings.NextScheduledBackup = &next
		}
		out = settings
		return settings, nil
	})
	if err != nil {
		return domain.AutoBackupSettings{}, err
	}

	next := out.NextScheduledBackup
	if !out.Enabled {
		next = nil
	}
	if err := e.mutateStatus(ctx, func(s *domain.BackupStatus) { s.NextScheduledBackup = next }); err != nil {
		return domain.AutoBackupSettings{}, err
	}
	return out, nil
}

// NeedsBackup reports whether auto-backup is enabled and due.
func (e *Engine) NeedsBackup(ctx context.Context) (bool, error) {
	settings, err := e.AutoBackupSettings(ctx)
	if err != nil {
		return false, err
	}
	if !settings.Enabled || settings.NextScheduledBackup == nil {
		return false, nil
	}
	return !settings.NextScheduledBackup.After(e.db.Now()), nil
}

// InProgress reports whether some process holds the backup flag.
func (e *Engine) InProgress(ctx context.Context) (bool, error) {
	var flag *inProgressFlag
	if _, err := e.db.Read(ctx, store.KeyBackupInProgress, &flag); err != nil {
		return false, err
	}
	return flag != nil && e.db.Now().Sub(flag.Since) < inProgressTTL, nil
}

func (e *Engine) acquire(ctx context.Context) error {
	// Read the substrate, not a cached copy, so another process's flag is seen.
	e.db.Invalidate(store.KeyBackupInProgress)
	return e.db.Mutate(ctx, store.KeyBackupInProgress, func(current json.RawMessage, present bool) (any, error) {
		if present {
			var flag inProgressFlag
			if err := json.Unmarshal(current, &flag); err == nil && e.db.Now().Sub(flag.Since) < inProgressTTL {
				return nil, ErrBackupInProgress
			}
		}
		return inProgressFlag{Since: e.db.Now()}, nil
	})
}

func (e *Engine) release(ctx context.Context) {
	if err := e.db.Write(ctx, store.KeyBackupInProgress, nil); err != nil {
		e.log.Error("clear backup in-progress flag", "error", err)
	}
}

// PerformAutoBackup takes an auto backup under the in-progress flag, records
// the outcome in the history and notifications, and reschedules the next run.
// It returns ErrBackupInProgress when another backup holds the flag.
func (e *Engine) PerformAutoBackup(ctx context.Context) (domain.BackupMetadata, error) {
	if err := e.acquire(ctx); err != nil {
		return domain.BackupMetadata{}, err
	}
	defer e.release(context.WithoutCancel(ctx))

	meta, err := e.CreateBackup(ctx, domain.BackupAuto)
	bg := context.WithoutCancel(ctx)
	if err != nil {
		now := e.db.Now()
		if herr := e.AddHistoryEntry(bg, domain.BackupHistoryEntry{
			Timestamp: now,
			Type:      domain.BackupAuto,
			Status:    domain.BackupFailed,
			Locations: []string{},
			Metadata:  emptyMetadata(now),
			Error:     err.Error(),
		}); herr != nil {
			e.log.Error("record failed backup", "error", herr)
		}
		if nerr := e.Notify(bg, domain.NotifyError, "Automatic backup failed: "+err.Error()); nerr != nil {
			e.log.Error("notify backup failure", "error", nerr)
		}
		return domain.BackupMetadata{}, fmt.Errorf("auto backup: %w", err)
	}

	if err := e.AddHistoryEntry(bg, domain.BackupHistoryEntry{
		Timestamp: meta.Timestamp,
		Size:      meta.Size,
		Type:      domain.BackupAuto,
		Status:    domain.BackupSucceeded,
		Locations: []string{string(domain.LocationLocal)},
		Metadata:  meta,
	}); err != nil {
		return meta, err
	}

	settings, err := e.AutoBackupSettings(bg)
	if err != nil {
		return meta, err
	}
	last := e.db.Now()
	next := NextRun(last, settings.Frequency)
	if _, err := e.SetAutoBackupSettings(bg, domain.AutoBackupSettingsUpdate{
		LastAutoBackup:      &last,
		NextScheduledBackup: &next,
	}); err != nil {
		return meta, err
	}
	if err := e.Notify(bg, domain.NotifySuccess, "Automatic backup completed"); err != nil {
		e.log.Error("notify backup success", "error", err)
	}
	return meta, nil
}

// RunScheduler checks every interval whether an auto backup is due. Failures
// are logged and recorded; the loop keeps going until ctx is cancelled.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	due, err := e.NeedsBackup(ctx)
	if err != nil {
		e.log.Error("check auto backup schedule", "error", err)
		return
	}
	if !due {
		return
	}
	meta, err := e.PerformAutoBackup(ctx)
	switch {
	case errors.Is(err, ErrBackupInProgress):
		e.log.Info("backup already in progress, skipping")
	case err != nil:
		e.log.Error("auto backup failed", "error", err)
	default:
		e.log.Info("auto backup completed", "id", meta.ID)
	}
}
