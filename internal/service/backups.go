package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"posadmin/backend/internal/backup"
	"posadmin/backend/internal/domain"
)

// ExportBackup creates a manual backup and returns its metadata.
func (s *Service) ExportBackup(ctx context.Context) (domain.BackupMetadata, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return domain.BackupMetadata{}, err
	}
	return s.backups.ExportBackup(ctx)
}

// WriteExport creates a manual backup and streams it to w as a file.
func (s *Service) WriteExport(ctx context.Context, w io.Writer) (domain.BackupMetadata, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return domain.BackupMetadata{}, err
	}
	return s.backups.WriteExport(ctx, w)
}

func (s *Service) DownloadBackup(ctx context.Context, id string, w io.Writer) (domain.BackupMetadata, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return domain.BackupMetadata{}, err
	}
	return s.backups.DownloadBackup(ctx, id, w)
}

func (s *Service) RestoreBackup(ctx context.Context, r io.Reader) (domain.BackupMetadata, error) {
	actor, err := authorize(ctx, PermManageBackups)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	meta, err := s.backups.RestoreBackup(ctx, r)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	s.validator.Reset()
	s.log.Info("backup restored from file", "id", meta.ID, "actor", actor.Username)
	return meta, nil
}

func (s *Service) RestoreStoredBackup(ctx context.Context, key string) (domain.BackupMetadata, error) {
	actor, err := authorize(ctx, PermManageBackups)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	meta, err := s.backups.RestoreStoredBackup(ctx, key)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	s.validator.Reset()
	s.log.Info("stored backup restored", "key", key, "actor", actor.Username)
	return meta, nil
}

func (s *Service) ListStoredBackups(ctx context.Context) ([]domain.StoredBackup, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return nil, err
	}
	return s.backups.ListStoredBackups(ctx)
}

func (s *Service) DeleteBackup(ctx context.Context, key string) error {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return err
	}
	return s.backups.DeleteBackup(ctx, key)
}

func (s *Service) CleanupStoredBackups(ctx context.Context, keep int) (int, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return 0, err
	}
	return s.backups.CleanupStoredBackups(ctx, keep)
}

// CleanupOldBackups applies the configured retention policy.
func (s *Service) CleanupOldBackups(ctx context.Context) (int, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return 0, err
	}
	return s.backups.CleanupOldBackups(ctx, s.retention)
}

func (s *Service) VerifyBackup(ctx context.Context, id string) (bool, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return false, err
	}
	return s.backups.VerifyBackup(ctx, id)
}

func (s *Service) GetBackupStatus(ctx context.Context) (domain.BackupStatus, error) {
	if _, err := authorize(ctx, PermViewLogs); err != nil {
		return domain.BackupStatus{}, err
	}
	return s.backups.Status(ctx)
}

func (s *Service) GetBackupHistory(ctx context.Context) (domain.BackupHistory, error) {
	if _, err := authorize(ctx, PermViewLogs); err != nil {
		return domain.BackupHistory{}, err
	}
	return s.backups.History(ctx)
}

func (s *Service) GetRestoreHistory(ctx context.Context) ([]domain.RestoreRecord, error) {
	if _, err := authorize(ctx, PermViewLogs); err != nil {
		return nil, err
	}
	return s.backups.RestoreHistory(ctx)
}

func (s *Service) GetBackupNotifications(ctx context.Context) ([]domain.BackupNotification, error) {
	if _, err := authorize(ctx, PermViewLogs); err != nil {
		return nil, err
	}
	return s.backups.Notifications(ctx)
}

func (s *Service) GetAutoBackupSettings(ctx context.Context) (domain.AutoBackupSettings, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return domain.AutoBackupSettings{}, err
	}
	return s.backups.AutoBackupSettings(ctx)
}

func (s *Service) SetAutoBackupSettings(ctx context.Context, update domain.AutoBackupSettingsUpdate) (domain.AutoBackupSettings, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return domain.AutoBackupSettings{}, err
	}
	if update.Frequency != nil && !update.Frequency.Valid() {
		return domain.AutoBackupSettings{}, invalid("frequency must be one of daily weekly monthly")
	}
	return s.backups.SetAutoBackupSettings(ctx, update)
}

func (s *Service) GetBackupLocations(ctx context.Context) ([]domain.BackupLocation, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return nil, err
	}
	return s.backups.Locations(ctx)
}

func (s *Service) AddBackupLocation(ctx context.Context, loc domain.BackupLocation) (domain.BackupLocation, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return domain.BackupLocation{}, err
	}
	if loc.Type == domain.LocationExternal && loc.Path != "" && !filepath.IsLocal(loc.Path) {
		return domain.BackupLocation{}, fmt.Errorf("%w: path %q must be relative to the export directory", backup.ErrInvalidLocation, loc.Path)
	}
	return s.backups.AddLocation(ctx, loc)
}

func (s *Service) RemoveBackupLocation(ctx context.Context, id string) error {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return err
	}
	return s.backups.RemoveLocation(ctx, id)
}

func (s *Service) GetBackupCopies(ctx context.Context) ([]domain.BackupCopy, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return nil, err
	}
	return s.backups.Copies(ctx)
}

func (s *Service) CreateBackupCopy(ctx context.Context) (domain.BackupCopy, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return domain.BackupCopy{}, err
	}
	return s.backups.CreateBackupCopy(ctx)
}

func (s *Service) SyncBackups(ctx context.Context) (int, error) {
	if _, err := authorize(ctx, PermManageBackups); err != nil {
		return 0, err
	}
	return s.backups.SyncBackups(ctx)
}

func (s *Service) CheckSystemHealth(ctx context.Context) (domain.SystemHealth, error) {
	if _, err := authorize(ctx, PermViewReports); err != nil {
		return domain.SystemHealth{}, err
	}
	return s.validator.CheckSystemHealth(ctx)
}

func (s *Service) ValidateData(ctx context.Context) ([]string, error) {
	if _, err := authorize(ctx, PermViewReports); err != nil {
		return nil, err
	}
	return s.validator.ValidateData(ctx)
}

func (s *Service) ValidateDataIntegrity(ctx context.Context) (domain.ValidationResult, error) {
	if _, err := authorize(ctx, PermViewReports); err != nil {
		return domain.ValidationResult{}, err
	}
	return s.validator.ValidateDataIntegrity(ctx)
}

func (s *Service) CheckRelations(ctx context.Context) (domain.RelationReport, error) {
	if _, err := authorize(ctx, PermViewReports); err != nil {
		return domain.RelationReport{}, err
	}
	return s.validator.CheckRelations(ctx)
}
